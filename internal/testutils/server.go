package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/ca"
	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/issuer"
	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/nonce"
	"github.com/blockadesystems/certmint/internal/order"
	"github.com/blockadesystems/certmint/internal/server"
	"github.com/blockadesystems/certmint/internal/storage"
	"github.com/blockadesystems/certmint/internal/va"
)

// TestServer bundles the assembled echo instances with the pieces handler
// tests reach into directly.
type TestServer struct {
	HTTPS *echo.Echo
	HTTP  *echo.Echo
	Store storage.Storage
	Cfg   *config.Config
	Clock clock.FakeClock
}

// SetupTestServer wires the full handler stack against in-memory storage and
// a fake clock. The CA bootstraps a real root key, which dominates the setup
// cost, so tests that share state should share one TestServer.
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()

	testLogger := zaptest.NewLogger(t)
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	cfg.ExternalURL = "https://ca.test.example"
	cfg.StorageType = "memory"
	cfg.ChallengeTypes = []string{"http-01", "dns-01"}

	store := storage.NewMemoryStorage()
	for apiKey, roles := range cfg.APIKeys {
		if err := store.SaveAPIKey(context.Background(), apiKey, roles); err != nil {
			t.Fatalf("failed to seed API key: %v", err)
		}
	}
	m := metrics.New()

	caService, err := ca.New(cfg, store, clk)
	if err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	deps := &server.Dependencies{
		Config:   cfg,
		Store:    store,
		Nonces:   nonce.NewRegistry(store, clk, cfg.NonceLifetime, m),
		Accounts: account.NewRegistry(store, clk),
		Orders: order.NewService(store,
			va.NewRemoteValidator(cfg.HTTP01Port, cfg.DNSResolver, cfg.ValidationTimeout),
			issuer.NewCAIssuer(caService, store), clk, cfg, m),
		CA:      caService,
		Metrics: m,
		Logger:  testLogger,
	}

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, deps)
	server.ApplyCommonMiddleware(httpsInstance, deps)
	server.SetupRouter(httpInstance, httpsInstance, deps)

	return &TestServer{
		HTTPS: httpsInstance,
		HTTP:  httpInstance,
		Store: store,
		Cfg:   cfg,
		Clock: clk,
	}
}
