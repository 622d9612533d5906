package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blockadesystems/certmint/internal/model"
)

// MemoryStorage keeps everything in maps guarded by a single RWMutex. It is
// used for tests and for single-node deployments that don't need durability.
type MemoryStorage struct {
	mu sync.RWMutex

	caKey  []byte
	caCert []byte

	nonces       map[string]*model.Nonce
	accounts     map[string]*model.Account
	orders       map[string]*model.Order
	authzs       map[string]*model.Authorization
	challenges   map[string]*model.Challenge
	certificates map[string]*model.CertificateData

	allowedDomains  map[string]struct{}
	allowedSuffixes map[string]struct{}
	apiKeys         map[string][]string
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nonces:          make(map[string]*model.Nonce),
		accounts:        make(map[string]*model.Account),
		orders:          make(map[string]*model.Order),
		authzs:          make(map[string]*model.Authorization),
		challenges:      make(map[string]*model.Challenge),
		certificates:    make(map[string]*model.CertificateData),
		allowedDomains:  make(map[string]struct{}),
		allowedSuffixes: make(map[string]struct{}),
		apiKeys:         make(map[string][]string),
	}
}

func (s *MemoryStorage) Close() error { return nil }

// --- CA material ---

func (s *MemoryStorage) SaveCAPrivateKey(_ context.Context, keyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caKey = append([]byte(nil), keyBytes...)
	return nil
}

func (s *MemoryStorage) GetCAPrivateKey(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caKey == nil {
		return nil, nil
	}
	return append([]byte(nil), s.caKey...), nil
}

func (s *MemoryStorage) SaveCACertificate(_ context.Context, certBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caCert = append([]byte(nil), certBytes...)
	return nil
}

func (s *MemoryStorage) GetCACertificate(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.caCert == nil {
		return nil, nil
	}
	return append([]byte(nil), s.caCert...), nil
}

// --- Issued certificates ---

func (s *MemoryStorage) SaveCertificateData(_ context.Context, certData *model.CertificateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *certData
	s.certificates[certData.SerialNumber] = &cp
	return nil
}

func (s *MemoryStorage) GetCertificateData(_ context.Context, serialNumber string) (*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	certData, ok := s.certificates[serialNumber]
	if !ok {
		return nil, nil
	}
	cp := *certData
	return &cp, nil
}

func (s *MemoryStorage) UpdateCertificateRevocation(_ context.Context, serialNumber string, revokedAt time.Time, reasonCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	certData, ok := s.certificates[serialNumber]
	if !ok {
		return nil
	}
	certData.Revoked = true
	certData.RevokedAt = revokedAt
	certData.RevocationReason = reasonCode
	return nil
}

func (s *MemoryStorage) ListRevokedCertificates(_ context.Context) ([]*model.CertificateData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revoked := make([]*model.CertificateData, 0)
	for _, certData := range s.certificates {
		if certData.Revoked {
			cp := *certData
			revoked = append(revoked, &cp)
		}
	}
	sort.Slice(revoked, func(i, j int) bool {
		return revoked[i].RevokedAt.After(revoked[j].RevokedAt)
	})
	return revoked, nil
}

// --- Nonces ---

func (s *MemoryStorage) SaveNonce(_ context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *nonce
	s.nonces[nonce.Value] = &cp
	return nil
}

// ConsumeNonce deletes under the write lock, so only one concurrent caller
// can observe any given nonce.
func (s *MemoryStorage) ConsumeNonce(_ context.Context, value string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.nonces[value]
	if !ok {
		return false, nil
	}
	delete(s.nonces, value)
	if !nonce.ExpiresAt.After(now) {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for value, nonce := range s.nonces {
		if !nonce.ExpiresAt.After(now) {
			delete(s.nonces, value)
			deleted++
		}
	}
	return deleted, nil
}

// --- Accounts ---

func (s *MemoryStorage) SaveAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = copyAccount(acc)
	return nil
}

func (s *MemoryStorage) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(acc), nil
}

func (s *MemoryStorage) GetAccountByKeyThumbprint(_ context.Context, thumbprint string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acc := range s.accounts {
		if acc.KeyThumbprint == thumbprint {
			return copyAccount(acc), nil
		}
	}
	return nil, nil
}

func copyAccount(acc *model.Account) *model.Account {
	cp := *acc
	cp.Contact = append([]string(nil), acc.Contact...)
	return &cp
}

// --- Orders ---

func (s *MemoryStorage) InsertOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.Version = 1
	s.orders[order.ID] = copyOrder(order)
	return nil
}

func (s *MemoryStorage) UpdateOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[order.ID]
	if !ok || stored.Version != order.Version {
		return ErrStaleOrder
	}
	order.Version++
	s.orders[order.ID] = copyOrder(order)
	return nil
}

func (s *MemoryStorage) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(order), nil
}

func (s *MemoryStorage) GetOrdersByAccountID(_ context.Context, accountID string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orders := make([]*model.Order, 0)
	for _, order := range s.orders {
		if order.AccountID == accountID {
			orders = append(orders, copyOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func copyOrder(order *model.Order) *model.Order {
	cp := *order
	cp.Identifiers = append([]model.Identifier(nil), order.Identifiers...)
	if order.Error != nil {
		e := *order.Error
		cp.Error = &e
	}
	if order.NotBefore != nil {
		t := *order.NotBefore
		cp.NotBefore = &t
	}
	if order.NotAfter != nil {
		t := *order.NotAfter
		cp.NotAfter = &t
	}
	cp.Authorizations = nil
	return &cp
}

// --- Authorizations ---

func (s *MemoryStorage) SaveAuthorization(_ context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authzs[authz.ID] = copyAuthorization(authz)
	return nil
}

func (s *MemoryStorage) GetAuthorization(_ context.Context, id string) (*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authz, ok := s.authzs[id]
	if !ok {
		return nil, nil
	}
	return copyAuthorization(authz), nil
}

func (s *MemoryStorage) GetAuthorizationsByOrderID(_ context.Context, orderID string) ([]*model.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	authzs := make([]*model.Authorization, 0)
	for _, authz := range s.authzs {
		if authz.OrderID == orderID {
			authzs = append(authzs, copyAuthorization(authz))
		}
	}
	sort.Slice(authzs, func(i, j int) bool {
		return authzs[i].CreatedAt.Before(authzs[j].CreatedAt)
	})
	return authzs, nil
}

func copyAuthorization(authz *model.Authorization) *model.Authorization {
	cp := *authz
	cp.Challenges = nil
	return &cp
}

// --- Challenges ---

func (s *MemoryStorage) SaveChallenge(_ context.Context, chal *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[chal.ID] = copyChallenge(chal)
	return nil
}

func (s *MemoryStorage) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chal, ok := s.challenges[id]
	if !ok {
		return nil, nil
	}
	return copyChallenge(chal), nil
}

func (s *MemoryStorage) GetChallengeByToken(_ context.Context, token string) (*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, chal := range s.challenges {
		if chal.Token == token {
			return copyChallenge(chal), nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetChallengesByAuthorizationID(_ context.Context, authzID string) ([]*model.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chals := make([]*model.Challenge, 0)
	for _, chal := range s.challenges {
		if chal.AuthorizationID == authzID {
			chals = append(chals, copyChallenge(chal))
		}
	}
	sort.Slice(chals, func(i, j int) bool {
		return chals[i].CreatedAt.Before(chals[j].CreatedAt)
	})
	return chals, nil
}

func copyChallenge(chal *model.Challenge) *model.Challenge {
	cp := *chal
	if chal.Validated != nil {
		t := *chal.Validated
		cp.Validated = &t
	}
	if chal.Error != nil {
		e := *chal.Error
		cp.Error = &e
	}
	return &cp
}

// --- Issuance policy ---

func (s *MemoryStorage) AddAllowedDomain(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedDomains[normalizeDomain(domain)] = struct{}{}
	return nil
}

func (s *MemoryStorage) DeleteAllowedDomain(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowedDomains, normalizeDomain(domain))
	return nil
}

func (s *MemoryStorage) ListAllowedDomains(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.allowedDomains), nil
}

func (s *MemoryStorage) IsDomainAllowed(_ context.Context, domain string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.allowedDomains) == 0 && len(s.allowedSuffixes) == 0 {
		return true, nil
	}
	norm := normalizeDomain(domain)
	if _, ok := s.allowedDomains[norm]; ok {
		return true, nil
	}
	for suffix := range s.allowedSuffixes {
		if suffixMatches(norm, suffix) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStorage) AddAllowedSuffix(_ context.Context, suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedSuffixes[normalizeDomain(suffix)] = struct{}{}
	return nil
}

func (s *MemoryStorage) DeleteAllowedSuffix(_ context.Context, suffix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.allowedSuffixes, normalizeDomain(suffix))
	return nil
}

func (s *MemoryStorage) ListAllowedSuffixes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.allowedSuffixes), nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// --- Management API keys ---

func (s *MemoryStorage) SaveAPIKey(_ context.Context, apiKey string, roles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[apiKey] = append([]string(nil), roles...)
	return nil
}

func (s *MemoryStorage) GetAPIKey(_ context.Context, apiKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles, ok := s.apiKeys[apiKey]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), roles...), nil
}
