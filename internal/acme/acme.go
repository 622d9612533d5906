// Package acme implements the protocol HTTP surface: directory, nonces, JWS
// request authentication, and the account/order/challenge handlers.
package acme

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/nonce"
	"github.com/blockadesystems/certmint/internal/order"
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
	logger = l.With(zap.String("package", "acme"))
}

// Dependencies are injected into the echo context by the server middleware.

func getConfig(c echo.Context) *config.Config {
	return c.Get("cfg").(*config.Config)
}

func getStore(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

func getNonces(c echo.Context) *nonce.Registry {
	return c.Get("nonces").(*nonce.Registry)
}

func getAccounts(c echo.Context) *account.Registry {
	return c.Get("accounts").(*account.Registry)
}

func getOrders(c echo.Context) *order.Service {
	return c.Get("orders").(*order.Service)
}

func getMetrics(c echo.Context) *metrics.Metrics {
	m, _ := c.Get("metrics").(*metrics.Metrics)
	return m
}

func getLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return logger
}
