package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/model"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// ErrStaleOrder is returned by UpdateOrder when the stored order version no
// longer matches the caller's copy. The caller must re-read and retry or
// abandon its write.
var ErrStaleOrder = errors.New("storage: stale order write")

// Storage is the persistence contract required by the protocol engine and
// the CA backend. Every entity supports save and load-by-id; nonces
// additionally support an atomic consume-if-present.
type Storage interface {
	// CA material
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)

	// Issued certificates
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)
	UpdateCertificateRevocation(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) error
	ListRevokedCertificates(ctx context.Context) ([]*model.CertificateData, error)

	// Nonces. ConsumeNonce atomically removes the token and reports whether
	// it existed with an expiry after now; at most one concurrent caller can
	// observe true for a given token.
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, value string, now time.Time) (bool, error)
	DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error)

	// Accounts
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error)

	// Orders. InsertOrder creates version 1; UpdateOrder performs a
	// compare-and-swap on the version, failing with ErrStaleOrder when a
	// concurrent writer got there first.
	InsertOrder(ctx context.Context, order *model.Order) error
	UpdateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error)

	// Authorizations
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)

	// Challenges
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)

	// Issuance policy. IsDomainAllowed matches exact domains and stored
	// suffixes; an empty policy set allows everything.
	AddAllowedDomain(ctx context.Context, domain string) error
	DeleteAllowedDomain(ctx context.Context, domain string) error
	ListAllowedDomains(ctx context.Context) ([]string, error)
	IsDomainAllowed(ctx context.Context, domain string) (bool, error)
	AddAllowedSuffix(ctx context.Context, suffix string) error
	DeleteAllowedSuffix(ctx context.Context, suffix string) error
	ListAllowedSuffixes(ctx context.Context) ([]string, error)

	// Management API keys
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	Close() error
}

// Options carries the connection settings consumed by NewStorage.
type Options struct {
	Host     string
	User     string
	Password string
	Name     string
	Port     int
	SSLMode  string
	Cert     string
	Key      string
	RootCert string
}

// NewStorage is the factory function.
func NewStorage(storageType string, opts Options) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgresStorage(opts)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// normalizeDomain lowercases and strips whitespace and any leading dot so
// policy entries compare consistently.
func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, ".")
	return strings.TrimSuffix(d, ".")
}

// suffixMatches reports whether domain falls under suffix ("example.com"
// matches "com" and "example.com" but not "ample.com").
func suffixMatches(domain, suffix string) bool {
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}
