// Package order drives the certificate order lifecycle from creation through
// challenge validation to finalization.
package order

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/issuer"
	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
	"github.com/blockadesystems/certmint/internal/storage"
	"github.com/blockadesystems/certmint/internal/va"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "order"))
}

// Service owns order state transitions. Mutating operations on the same
// order are serialized through a per-order lock; cross-process writers are
// caught by the storage layer's version check.
type Service struct {
	store     storage.Storage
	validator va.Validator
	issuer    issuer.Issuer
	clk       clock.Clock
	cfg       *config.Config
	metrics   *metrics.Metrics
	locks     keyedMutex
}

func NewService(store storage.Storage, validator va.Validator, iss issuer.Issuer, clk clock.Clock, cfg *config.Config, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		validator: validator,
		issuer:    iss,
		clk:       clk,
		cfg:       cfg,
		metrics:   m,
	}
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed when the last holder releases.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// validDNSName accepts lowercase DNS names with an optional single leading
// wildcard label.
func validDNSName(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return false
	}
	for i, label := range labels {
		if i == 0 && label == "*" {
			continue
		}
		if !dnsLabel.MatchString(label) {
			return false
		}
	}
	return true
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("order: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewOrderRequest carries the client's order parameters. The validity
// bounds are optional RFC 3339 timestamps; empty means unset.
type NewOrderRequest struct {
	Identifiers []model.Identifier
	NotBefore   string
	NotAfter    string
}

// parseValidityBound parses one optional RFC 3339 order bound.
func parseValidityBound(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, problem.Malformedf("invalid %s %q, expected an RFC 3339 timestamp", field, value)
	}
	utc := ts.UTC()
	return &utc, nil
}

// CreateOrder validates the request, creates the order with one pending
// authorization per unique identifier, and returns both. All malformed
// identifiers are reported together as subproblems.
func (s *Service) CreateOrder(ctx context.Context, acc *model.Account, req NewOrderRequest) (*model.Order, []*model.Authorization, error) {
	identifiers := req.Identifiers
	if len(identifiers) == 0 {
		return nil, nil, problem.Malformed("order must contain at least one identifier")
	}

	notBefore, err := parseValidityBound("notBefore", req.NotBefore)
	if err != nil {
		return nil, nil, err
	}
	notAfter, err := parseValidityBound("notAfter", req.NotAfter)
	if err != nil {
		return nil, nil, err
	}
	if notBefore != nil && notAfter != nil && !notBefore.Before(*notAfter) {
		return nil, nil, problem.Malformed("notBefore must precede notAfter")
	}

	var malformed []problem.Subproblem
	var rejected []problem.Subproblem
	seen := make(map[string]bool)
	unique := make([]model.Identifier, 0, len(identifiers))

	for _, ident := range identifiers {
		sub := problem.Subproblem{
			Identifier: &problem.IdentifierValue{Type: string(ident.Type), Value: ident.Value},
		}
		if ident.Type != model.IdentifierDNS {
			sub.Type = problem.MalformedType
			sub.Detail = fmt.Sprintf("unsupported identifier type %q", ident.Type)
			malformed = append(malformed, sub)
			continue
		}
		value := strings.ToLower(strings.TrimSpace(ident.Value))
		if !validDNSName(value) {
			sub.Type = problem.MalformedType
			sub.Detail = fmt.Sprintf("invalid DNS identifier %q", ident.Value)
			malformed = append(malformed, sub)
			continue
		}
		allowed, err := s.store.IsDomainAllowed(ctx, strings.TrimPrefix(value, "*."))
		if err != nil {
			return nil, nil, err
		}
		if !allowed {
			sub.Type = problem.RejectedIdentifierType
			sub.Detail = fmt.Sprintf("issuance policy does not allow %q", value)
			rejected = append(rejected, sub)
			continue
		}
		if !seen[value] {
			seen[value] = true
			unique = append(unique, model.Identifier{Type: model.IdentifierDNS, Value: value})
		}
	}

	if len(malformed) > 0 {
		return nil, nil, problem.Malformed("one or more identifiers is invalid").WithSubproblems(malformed)
	}
	if len(rejected) > 0 {
		return nil, nil, problem.RejectedIdentifier("one or more identifiers is not permitted").WithSubproblems(rejected)
	}

	now := s.clk.Now().UTC()
	order := &model.Order{
		ID:             uuid.NewString(),
		AccountID:      acc.ID,
		Status:         model.StatusPending,
		Expires:        now.Add(s.cfg.OrderLifetime),
		Identifiers:    unique,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		return nil, nil, err
	}

	authzs := make([]*model.Authorization, 0, len(unique))
	for _, ident := range unique {
		authz, err := s.createAuthorization(ctx, order, ident)
		if err != nil {
			return nil, nil, err
		}
		authzs = append(authzs, authz)
	}

	if s.metrics != nil {
		s.metrics.OrdersCreated.Inc()
	}
	logger.Info("Order created",
		zap.String("orderID", order.ID),
		zap.String("accountID", acc.ID),
		zap.Int("identifiers", len(unique)))
	return order, authzs, nil
}

func (s *Service) createAuthorization(ctx context.Context, order *model.Order, ident model.Identifier) (*model.Authorization, error) {
	now := s.clk.Now().UTC()
	wildcard := strings.HasPrefix(ident.Value, "*.")

	authz := &model.Authorization{
		ID:        uuid.NewString(),
		AccountID: order.AccountID,
		OrderID:   order.ID,
		Identifier: model.Identifier{
			Type:  ident.Type,
			Value: strings.TrimPrefix(ident.Value, "*."),
		},
		Status:    model.StatusPending,
		Expires:   now.Add(s.cfg.AuthzLifetime),
		Wildcard:  wildcard,
		CreatedAt: now,
	}
	if err := s.store.SaveAuthorization(ctx, authz); err != nil {
		return nil, err
	}

	for _, chalType := range s.cfg.ChallengeTypes {
		// Wildcard names can only be proven over DNS.
		if wildcard && chalType != model.ChallengeDNS01 {
			continue
		}
		token, err := newToken()
		if err != nil {
			return nil, err
		}
		chal := &model.Challenge{
			ID:              uuid.NewString(),
			AuthorizationID: authz.ID,
			Type:            chalType,
			Status:          model.StatusPending,
			Token:           token,
			CreatedAt:       now,
		}
		if err := s.store.SaveChallenge(ctx, chal); err != nil {
			return nil, err
		}
		authz.Challenges = append(authz.Challenges, chal)
	}
	if len(authz.Challenges) == 0 {
		return nil, problem.ServerInternal("no challenge types available for identifier")
	}
	return authz, nil
}

// GetOrder loads an order for acc, applying lazy expiry.
func (s *Service) GetOrder(ctx context.Context, acc *model.Account, orderID string) (*model.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, problem.NotFound(fmt.Sprintf("order %q not found", orderID))
	}
	if order.AccountID != acc.ID {
		return nil, problem.Unauthorized("order belongs to another account")
	}
	return s.expireOrderIfDue(ctx, order)
}

// expireOrderIfDue flips a non-terminal order past its expiry to invalid.
func (s *Service) expireOrderIfDue(ctx context.Context, order *model.Order) (*model.Order, error) {
	if order.Status.Terminal() || order.Status == model.StatusProcessing {
		return order, nil
	}
	if s.clk.Now().Before(order.Expires) {
		return order, nil
	}
	order.Status = model.StatusInvalid
	order.Error = problem.Malformed("order has expired")
	order.LastModifiedAt = s.clk.Now().UTC()
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		if errors.Is(err, storage.ErrStaleOrder) {
			// Someone else transitioned it first; serve their view.
			return s.store.GetOrder(ctx, order.ID)
		}
		return nil, err
	}
	logger.Info("Order expired", zap.String("orderID", order.ID))
	return order, nil
}

// Authorizations returns the order's authorizations with challenges attached.
func (s *Service) Authorizations(ctx context.Context, order *model.Order) ([]*model.Authorization, error) {
	authzs, err := s.store.GetAuthorizationsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	for _, authz := range authzs {
		if err := s.attachChallenges(ctx, authz); err != nil {
			return nil, err
		}
	}
	return authzs, nil
}

// GetAuthorization loads an authorization for acc, applying lazy expiry.
func (s *Service) GetAuthorization(ctx context.Context, acc *model.Account, authzID string) (*model.Authorization, error) {
	authz, err := s.store.GetAuthorization(ctx, authzID)
	if err != nil {
		return nil, err
	}
	if authz == nil {
		return nil, problem.NotFound(fmt.Sprintf("authorization %q not found", authzID))
	}
	if authz.AccountID != acc.ID {
		return nil, problem.Unauthorized("authorization belongs to another account")
	}

	if authz.Status == model.StatusPending && !s.clk.Now().Before(authz.Expires) {
		authz.Status = model.StatusExpired
		if err := s.store.SaveAuthorization(ctx, authz); err != nil {
			return nil, err
		}
		logger.Info("Authorization expired", zap.String("authzID", authz.ID))
	}

	if err := s.attachChallenges(ctx, authz); err != nil {
		return nil, err
	}
	return authz, nil
}

func (s *Service) attachChallenges(ctx context.Context, authz *model.Authorization) error {
	chals, err := s.store.GetChallengesByAuthorizationID(ctx, authz.ID)
	if err != nil {
		return err
	}
	authz.Challenges = chals
	return nil
}

// OrdersForAccount lists the account's order IDs, newest last.
func (s *Service) OrdersForAccount(ctx context.Context, acc *model.Account) ([]*model.Order, error) {
	return s.store.GetOrdersByAccountID(ctx, acc.ID)
}
