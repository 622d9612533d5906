package acme

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/problem"
)

// NonceMiddleware stamps a fresh Replay-Nonce on every response it wraps and
// marks the response uncacheable. It runs before the handler so that even
// failed requests, including badNonce rejections, hand the client a usable
// nonce for its retry.
func NonceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		value, err := getNonces(c).Issue(c.Request().Context())
		if err != nil {
			getLogger(c).Error("failed to issue nonce", zap.Error(err))
			return renderProblem(c, problem.ServerInternal("failed to issue nonce"))
		}
		c.Response().Header().Set("Replay-Nonce", value)
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

// renderProblem writes an ACME problem document with its mapped HTTP status.
func renderProblem(c echo.Context, prob *problem.Details) error {
	status := prob.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, prob)
}

// setIndexLink advertises the directory on resources clients may reach first.
func setIndexLink(c echo.Context) {
	cfg := getConfig(c)
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"index\"", directoryURL(cfg)))
}
