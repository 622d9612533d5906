package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/va"
)

// HandleHTTP01Response serves GET /.well-known/acme-challenge/:token on the
// plain HTTP listener. When this host is itself the target of an http-01
// challenge, it answers with the key authorization for the token so
// self-hosted names validate without an external web server.
func HandleHTTP01Response(c echo.Context) error {
	ctx := c.Request().Context()
	store := getStore(c)
	token := c.Param("token")

	chal, err := store.GetChallengeByToken(ctx, token)
	if err != nil {
		getLogger(c).Error("challenge lookup failed", zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}
	if chal == nil || chal.Type != model.ChallengeHTTP01 {
		return c.NoContent(http.StatusNotFound)
	}

	authz, err := store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil || authz == nil {
		return c.NoContent(http.StatusNotFound)
	}
	acc, err := store.GetAccount(ctx, authz.AccountID)
	if err != nil || acc == nil {
		return c.NoContent(http.StatusNotFound)
	}
	key, err := account.ParseStoredKey(acc)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	keyAuth, err := va.KeyAuthorization(chal.Token, key)
	if err != nil {
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.String(http.StatusOK, keyAuth)
}
