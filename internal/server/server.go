// Package server assembles the echo instances: middleware, dependency
// injection, and the route table for both listeners.
package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/acme"
	"github.com/blockadesystems/certmint/internal/auth"
	"github.com/blockadesystems/certmint/internal/ca"
	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/management"
	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/nonce"
	"github.com/blockadesystems/certmint/internal/order"
	"github.com/blockadesystems/certmint/internal/storage"
)

// Dependencies is everything the handlers pull out of the request context.
type Dependencies struct {
	Config   *config.Config
	Store    storage.Storage
	Nonces   *nonce.Registry
	Accounts *account.Registry
	Orders   *order.Service
	CA       *ca.Service
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// ApplyCommonMiddleware installs recovery, request IDs, and the dependency
// injection middleware on an echo instance.
func ApplyCommonMiddleware(e *echo.Echo, deps *Dependencies) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := deps.Logger.With(zap.String("request_id", reqID))

			c.Set("cfg", deps.Config)
			c.Set("store", deps.Store)
			c.Set("nonces", deps.Nonces)
			c.Set("accounts", deps.Accounts)
			c.Set("orders", deps.Orders)
			c.Set("caService", deps.CA)
			c.Set("metrics", deps.Metrics)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines the routes for both listeners. The http-01 challenge
// responder must live on the plain HTTP instance; everything else is HTTPS.
func SetupRouter(httpInstance, httpsInstance *echo.Echo, deps *Dependencies) {
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certmint is running")
	})
	httpInstance.GET("/.well-known/acme-challenge/:token", acme.HandleHTTP01Response)

	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certmint is running")
	})

	// ACME protocol. Every nonce-bearing route gets NonceMiddleware so even
	// rejected requests carry a fresh Replay-Nonce.
	acmeGroup := httpsInstance.Group("/acme")
	acmeGroup.GET("/directory", acme.HandleDirectory)
	acmeGroup.HEAD("/new-nonce", acme.HandleNewNonce, acme.NonceMiddleware)
	acmeGroup.GET("/new-nonce", acme.HandleNewNonce, acme.NonceMiddleware)
	acmeGroup.POST("/new-account", acme.HandleNewAccount, acme.NonceMiddleware)
	acmeGroup.POST("/account/:accountID", acme.HandleAccount, acme.NonceMiddleware)
	acmeGroup.POST("/account/:accountID/orders", acme.HandleAccountOrders, acme.NonceMiddleware)
	acmeGroup.POST("/new-order", acme.HandleNewOrder, acme.NonceMiddleware)
	acmeGroup.POST("/order/:orderID", acme.HandleGetOrder, acme.NonceMiddleware)
	acmeGroup.POST("/order/:orderID/auth/:authID", acme.HandleAuthorization, acme.NonceMiddleware)
	acmeGroup.POST("/order/:orderID/auth/:authID/chall/:challengeID", acme.HandleChallenge, acme.NonceMiddleware)
	acmeGroup.POST("/order/:orderID/finalize", acme.HandleFinalize, acme.NonceMiddleware)
	acmeGroup.POST("/order/:orderID/certificate", acme.HandleCertificate, acme.NonceMiddleware)

	// Management API.
	apiGroup := httpsInstance.Group("/api/v1")
	const adminRole = "admin"
	adminOnly := auth.APIKeyAuthMiddleware(deps.Store, adminRole)

	policyGroup := apiGroup.Group("/policy")
	policyGroup.Use(adminOnly)
	policyGroup.POST("/suffixes", management.HandleAddSuffix)
	policyGroup.GET("/suffixes", management.HandleListSuffixes)
	policyGroup.DELETE("/suffixes/:suffix", management.HandleDeleteSuffix)
	policyGroup.POST("/domains", management.HandleAddDomain)
	policyGroup.GET("/domains", management.HandleListDomains)
	policyGroup.DELETE("/domains/:domain", management.HandleDeleteDomain)

	certGroup := apiGroup.Group("/certificates")
	certGroup.Use(adminOnly)
	certGroup.POST("/:serial/revoke", management.HandleRevokeCertificate)
	certGroup.GET("/revoked", management.HandleListRevoked)

	// CRLs are public by nature.
	apiGroup.GET("/crl", management.HandleCRL)
	apiGroup.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
}
