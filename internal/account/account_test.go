package account_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
	"github.com/blockadesystems/certmint/internal/storage"
)

func newTestRegistry(t *testing.T) *account.Registry {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return account.NewRegistry(storage.NewMemoryStorage(), clk)
}

func newTestKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: privKey.Public(), Algorithm: string(jose.ES256)}
}

func TestCreateOrLookup_CreatesThenReturnsSame(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	key := newTestKey(t)

	acc, created, err := registry.CreateOrLookup(ctx, key, []string{"mailto:a@example.com"}, true, false)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, acc)
	assert.Equal(t, model.StatusValid, acc.Status)
	assert.NotEmpty(t, acc.KeyThumbprint)

	// Same key again resolves to the same account, contact changes ignored.
	again, created, err := registry.CreateOrLookup(ctx, key, []string{"mailto:other@example.com"}, true, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, acc.ID, again.ID)
	assert.Equal(t, []string{"mailto:a@example.com"}, again.Contact)
}

func TestCreateOrLookup_DistinctKeysDistinctAccounts(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	first, _, err := registry.CreateOrLookup(ctx, newTestKey(t), nil, true, false)
	require.NoError(t, err)
	second, _, err := registry.CreateOrLookup(ctx, newTestKey(t), nil, true, false)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.KeyThumbprint, second.KeyThumbprint)
}

func TestCreateOrLookup_OnlyReturnExisting(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := registry.CreateOrLookup(ctx, newTestKey(t), nil, false, true)
	require.Error(t, err)
	prob := problem.FromError(err)
	assert.Equal(t, problem.AccountDoesNotExistType, prob.Type)
}

func TestCreateOrLookup_DeactivatedAccountRejected(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	key := newTestKey(t)

	acc, _, err := registry.CreateOrLookup(ctx, key, nil, true, false)
	require.NoError(t, err)

	_, err = registry.Deactivate(ctx, acc)
	require.NoError(t, err)

	_, _, err = registry.CreateOrLookup(ctx, key, nil, true, false)
	require.Error(t, err)
	prob := problem.FromError(err)
	assert.Equal(t, problem.UnauthorizedType, prob.Type)
}

func TestLoadByID(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	acc, _, err := registry.CreateOrLookup(ctx, newTestKey(t), nil, true, false)
	require.NoError(t, err)

	got, err := registry.LoadByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)

	_, err = registry.LoadByID(ctx, "missing")
	require.Error(t, err)
	prob := problem.FromError(err)
	assert.Equal(t, problem.AccountDoesNotExistType, prob.Type)
}

func TestUpdateContact(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	acc, _, err := registry.CreateOrLookup(ctx, newTestKey(t), nil, true, false)
	require.NoError(t, err)

	updated, err := registry.UpdateContact(ctx, acc, []string{"mailto:new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:new@example.com"}, updated.Contact)

	reloaded, err := registry.LoadByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:new@example.com"}, reloaded.Contact)
}

func TestParseStoredKey_RoundTrip(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()
	key := newTestKey(t)

	acc, _, err := registry.CreateOrLookup(ctx, key, nil, true, false)
	require.NoError(t, err)

	parsed, err := account.ParseStoredKey(acc)
	require.NoError(t, err)
	require.True(t, parsed.Valid())

	wantThumb, err := account.Thumbprint(key)
	require.NoError(t, err)
	gotThumb, err := account.Thumbprint(parsed)
	require.NoError(t, err)
	assert.Equal(t, wantThumb, gotThumb)
}
