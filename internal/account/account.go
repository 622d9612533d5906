// Package account manages ACME accounts keyed by public key identity.
package account

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
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
	logger = l.With(zap.String("package", "account"))
}

// Registry looks up and creates accounts. The account's identity is the
// RFC 7638 thumbprint of its public key, so registering the same key twice
// always resolves to the same account.
type Registry struct {
	store storage.Storage
	clk   clock.Clock
}

func NewRegistry(store storage.Storage, clk clock.Clock) *Registry {
	return &Registry{store: store, clk: clk}
}

// Thumbprint computes the base64url RFC 7638 SHA-256 thumbprint of key.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("account: failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// CreateOrLookup resolves key to its account, creating one when none exists.
// With onlyReturnExisting set it never creates; a miss yields
// accountDoesNotExist. The returned bool reports whether a new account was
// created.
func (r *Registry) CreateOrLookup(ctx context.Context, key *jose.JSONWebKey, contact []string, tosAgreed bool, onlyReturnExisting bool) (*model.Account, bool, error) {
	if key == nil || !key.Valid() {
		return nil, false, problem.Malformed("request must be signed with a valid public key")
	}

	thumbprint, err := Thumbprint(key)
	if err != nil {
		return nil, false, problem.ServerInternal("failed to compute key thumbprint")
	}

	existing, err := r.store.GetAccountByKeyThumbprint(ctx, thumbprint)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Status == model.StatusDeactivated {
			return nil, false, problem.Unauthorized("account is deactivated")
		}
		return existing, false, nil
	}

	if onlyReturnExisting {
		return nil, false, problem.AccountDoesNotExist("no account registered for this key")
	}

	jwkJSON, err := json.Marshal(key)
	if err != nil {
		return nil, false, problem.ServerInternal("failed to encode account key")
	}

	now := r.clk.Now().UTC()
	acc := &model.Account{
		ID:             uuid.NewString(),
		PublicKeyJWK:   string(jwkJSON),
		KeyThumbprint:  thumbprint,
		Contact:        contact,
		Status:         model.StatusValid,
		TermsOfService: tosAgreed,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := r.store.SaveAccount(ctx, acc); err != nil {
		return nil, false, err
	}
	logger.Info("Account created", zap.String("accountID", acc.ID))
	return acc, true, nil
}

// LoadByID returns the account or accountDoesNotExist. Callers that require
// an active account should also check Status.
func (r *Registry) LoadByID(ctx context.Context, id string) (*model.Account, error) {
	acc, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, problem.AccountDoesNotExist(fmt.Sprintf("account %q not found", id))
	}
	return acc, nil
}

// UpdateContact replaces the account's contact list.
func (r *Registry) UpdateContact(ctx context.Context, acc *model.Account, contact []string) (*model.Account, error) {
	if acc.Status != model.StatusValid {
		return nil, problem.Unauthorized("account is not active")
	}
	acc.Contact = contact
	acc.LastModifiedAt = r.clk.Now().UTC()
	if err := r.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Deactivate marks the account deactivated. Existing orders are left as they
// are; authentication rejects the account from now on.
func (r *Registry) Deactivate(ctx context.Context, acc *model.Account) (*model.Account, error) {
	if acc.Status == model.StatusDeactivated {
		return acc, nil
	}
	acc.Status = model.StatusDeactivated
	acc.LastModifiedAt = r.clk.Now().UTC()
	if err := r.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}
	logger.Info("Account deactivated", zap.String("accountID", acc.ID))
	return acc, nil
}

// ParseStoredKey decodes the account's stored JWK.
func ParseStoredKey(acc *model.Account) (*jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if err := json.Unmarshal([]byte(acc.PublicKeyJWK), &key); err != nil {
		return nil, fmt.Errorf("account: failed to decode stored key for account '%s': %w", acc.ID, err)
	}
	return &key, nil
}
