package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type directoryMeta struct {
	ExternalAccountRequired bool `json:"externalAccountRequired"`
}

type directoryDocument struct {
	NewNonce   string        `json:"newNonce"`
	NewAccount string        `json:"newAccount"`
	NewOrder   string        `json:"newOrder"`
	Meta       directoryMeta `json:"meta"`
}

// HandleDirectory serves the entry-point document. Clients discover every
// other URL from here, so nothing else on the server needs a stable path.
func HandleDirectory(c echo.Context) error {
	cfg := getConfig(c)
	setIndexLink(c)
	return c.JSON(http.StatusOK, directoryDocument{
		NewNonce:   newNonceURL(cfg),
		NewAccount: newAccountURL(cfg),
		NewOrder:   newOrderURL(cfg),
	})
}

// HandleNewNonce relies on NonceMiddleware for the Replay-Nonce header and
// only picks the status: 204 for HEAD, 200 for GET.
func HandleNewNonce(c echo.Context) error {
	setIndexLink(c)
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}
