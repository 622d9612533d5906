package nonce_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/nonce"
	"github.com/blockadesystems/certmint/internal/storage"
)

func newTestRegistry(t *testing.T, lifetime time.Duration) (*nonce.Registry, clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return nonce.NewRegistry(storage.NewMemoryStorage(), clk, lifetime, metrics.New()), clk
}

func TestRegistry_IssueProducesUniqueValues(t *testing.T) {
	registry, _ := newTestRegistry(t, 15*time.Minute)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		value, err := registry.Issue(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, value)
		assert.False(t, seen[value], "nonce %q issued twice", value)
		seen[value] = true
	}
}

func TestRegistry_ConsumeExactlyOnce(t *testing.T) {
	registry, _ := newTestRegistry(t, 15*time.Minute)
	ctx := context.Background()

	value, err := registry.Issue(ctx)
	require.NoError(t, err)

	ok, err := registry.Consume(ctx, value)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = registry.Consume(ctx, value)
	require.NoError(t, err)
	assert.False(t, ok, "replay must be rejected")
}

func TestRegistry_ConsumeUnknown(t *testing.T) {
	registry, _ := newTestRegistry(t, 15*time.Minute)
	ctx := context.Background()

	ok, err := registry.Consume(ctx, "never-issued")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = registry.Consume(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok, "empty value must be rejected without a storage hit")
}

func TestRegistry_ConsumeExpired(t *testing.T) {
	registry, clk := newTestRegistry(t, 15*time.Minute)
	ctx := context.Background()

	value, err := registry.Issue(ctx)
	require.NoError(t, err)

	clk.Add(16 * time.Minute)

	ok, err := registry.Consume(ctx, value)
	require.NoError(t, err)
	assert.False(t, ok, "expired nonce must be rejected")
}

func TestRegistry_ConcurrentConsumeSingleWinner(t *testing.T) {
	registry, _ := newTestRegistry(t, 15*time.Minute)
	ctx := context.Background()

	value, err := registry.Issue(ctx)
	require.NoError(t, err)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := registry.Consume(ctx, value)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestRegistry_PurgeExpired(t *testing.T) {
	registry, clk := newTestRegistry(t, 15*time.Minute)
	ctx := context.Background()

	stale, err := registry.Issue(ctx)
	require.NoError(t, err)

	clk.Add(20 * time.Minute)
	fresh, err := registry.Issue(ctx)
	require.NoError(t, err)

	deleted, err := registry.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	ok, err := registry.Consume(ctx, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = registry.Consume(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}
