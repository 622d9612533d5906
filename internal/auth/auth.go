// Package auth guards the management API with stored API keys.
package auth

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "auth"))
}

// HeaderAPIKey carries the client's API key on management requests.
const HeaderAPIKey = "X-API-Key"

// APIKeyAuthMiddleware rejects requests whose X-API-Key header does not
// resolve to a stored key holding requiredRole. 401 for a missing or unknown
// key, 403 for a known key without the role.
func APIKeyAuthMiddleware(store storage.Storage, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(HeaderAPIKey)
			if key == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}
			roles, err := store.GetAPIKey(c.Request().Context(), key)
			if err != nil {
				logger.Error("API key lookup failed", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to check API key")
			}
			if roles == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "unknown API key")
			}
			for _, role := range roles {
				if role == requiredRole {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("API key lacks the %q role", requiredRole))
		}
	}
}
