package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("certmint starting",
		zap.String("external_url", cfg.ExternalURL),
		zap.String("storage_type", cfg.StorageType))

	store, err := storage.NewStorage(cfg.StorageType, storage.Options{
		Host:     cfg.DBHost,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
		Port:     cfg.DBPort,
		SSLMode:  cfg.DBSSLMode,
		Cert:     cfg.DBCert,
		Key:      cfg.DBKey,
		RootCert: cfg.DBRootCert,
	})
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed management API keys.
	for key, roles := range cfg.APIKeys {
		if err := store.SaveAPIKey(ctx, key, roles); err != nil {
			logger.Fatal("failed to seed API key", zap.Error(err))
		}
	}

	clk := clock.New()
	m := metrics.New()

	caService, err := ca.New(cfg, store, clk)
	if err != nil {
		logger.Fatal("failed to initialize CA service", zap.Error(err))
	}
	logger.Info("CA service initialized")

	nonces := nonce.NewRegistry(store, clk, cfg.NonceLifetime, m)
	nonces.StartPurgeLoop(ctx, cfg.NonceLifetime)

	deps := &server.Dependencies{
		Config:   cfg,
		Store:    store,
		Nonces:   nonces,
		Accounts: account.NewRegistry(store, clk),
		Orders: order.NewService(store,
			va.NewRemoteValidator(cfg.HTTP01Port, cfg.DNSResolver, cfg.ValidationTimeout),
			issuer.NewCAIssuer(caService, store), clk, cfg, m),
		CA:      caService,
		Metrics: m,
		Logger:  logger,
	}

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
	}

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, deps)
	server.ApplyCommonMiddleware(httpsInstance, deps)
	server.SetupRouter(httpInstance, httpsInstance, deps)

	go func() {
		logger.Info("HTTP listener starting", zap.String("address", cfg.HTTPAddress))
		if err := httpInstance.Start(cfg.HTTPAddress); err != nil {
			logger.Warn("HTTP listener stopped", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("HTTPS listener starting", zap.String("address", cfg.HTTPSAddress))
		if err := httpsInstance.StartTLS(cfg.HTTPSAddress, certFile, keyFile); err != nil {
			logger.Warn("HTTPS listener stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpsInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTPS shutdown failed", zap.Error(err))
	}
	if err := httpInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
}
