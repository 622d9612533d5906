// Package nonce issues and redeems the single-use anti-replay tokens that
// protect every authenticated ACME request.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/model"
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
	logger = l.With(zap.String("package", "nonce"))
}

// tokenBytes is the entropy per nonce. 128 bits keeps collisions and guessing
// out of reach for any realistic issuance volume.
const tokenBytes = 16

// Registry hands out nonces and redeems each at most once. Single-use is
// enforced by the storage layer's atomic consume, so concurrent redeemers of
// the same value cannot both succeed.
type Registry struct {
	store    storage.Storage
	clk      clock.Clock
	lifetime time.Duration
	metrics  *metrics.Metrics
}

func NewRegistry(store storage.Storage, clk clock.Clock, lifetime time.Duration, m *metrics.Metrics) *Registry {
	return &Registry{store: store, clk: clk, lifetime: lifetime, metrics: m}
}

// Issue mints a fresh nonce and persists it.
func (r *Registry) Issue(ctx context.Context) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: failed to read random bytes: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)

	now := r.clk.Now()
	nonce := &model.Nonce{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.lifetime),
	}
	if err := r.store.SaveNonce(ctx, nonce); err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.NoncesIssued.Inc()
	}
	return value, nil
}

// Consume redeems value. It returns true exactly once per issued, unexpired
// nonce; unknown, replayed, and expired values all return false.
func (r *Registry) Consume(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	ok, err := r.store.ConsumeNonce(ctx, value, r.clk.Now())
	if err != nil {
		return false, err
	}
	if r.metrics != nil {
		if ok {
			r.metrics.NoncesAccepted.Inc()
		} else {
			r.metrics.NoncesRejected.Inc()
		}
	}
	return ok, nil
}

// PurgeExpired removes nonces past their expiry.
func (r *Registry) PurgeExpired(ctx context.Context) (int64, error) {
	return r.store.DeleteExpiredNonces(ctx, r.clk.Now())
}

// StartPurgeLoop purges expired nonces on interval until ctx is canceled.
func (r *Registry) StartPurgeLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.PurgeExpired(ctx); err != nil {
					logger.Error("Failed to purge expired nonces", zap.Error(err))
				}
			}
		}
	}()
}
