package order_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/issuer"
	"github.com/blockadesystems/certmint/internal/metrics"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/order"
	"github.com/blockadesystems/certmint/internal/problem"
	"github.com/blockadesystems/certmint/internal/storage"
)

// stubValidator returns a scripted result and counts invocations.
type stubValidator struct {
	mu     sync.Mutex
	result *problem.Details
	calls  int
}

func (v *stubValidator) Validate(_ context.Context, _ *model.Challenge, _ model.Identifier, _ *jose.JSONWebKey) *problem.Details {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.result
}

func (v *stubValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// gateValidator blocks its first call until released so a test can line up a
// concurrent attempt behind it. Later calls return scripted per-call results.
type gateValidator struct {
	mu      sync.Mutex
	started chan struct{}
	release chan struct{}
	results []*problem.Details
	calls   int
}

func (v *gateValidator) Validate(_ context.Context, _ *model.Challenge, _ model.Identifier, _ *jose.JSONWebKey) *problem.Details {
	v.mu.Lock()
	idx := v.calls
	v.calls++
	v.mu.Unlock()
	if idx == 0 {
		close(v.started)
		<-v.release
	}
	if idx < len(v.results) {
		return v.results[idx]
	}
	return nil
}

func (v *gateValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// stubIssuer returns a scripted certificate or error. With respectCtx set it
// fails with the context's error when the context is already done.
type stubIssuer struct {
	issued     *issuer.IssuedCertificate
	err        error
	respectCtx bool
	calls      int
}

func (i *stubIssuer) IssueCertificate(ctx context.Context, _ *x509.CertificateRequest, _, _ string) (*issuer.IssuedCertificate, error) {
	i.calls++
	if i.respectCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if i.err != nil {
		return nil, i.err
	}
	return i.issued, nil
}

type testEnv struct {
	service   *order.Service
	store     *storage.MemoryStorage
	validator *stubValidator
	issuer    *stubIssuer
	clk       clock.FakeClock
	cfg       *config.Config
	account   *model.Account
	key       *jose.JSONWebKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	cfg := &config.Config{
		OrderLifetime:   7 * 24 * time.Hour,
		AuthzLifetime:   7 * 24 * time.Hour,
		FinalizeTimeout: 2 * time.Minute,
		ChallengeTypes:  []string{model.ChallengeHTTP01, model.ChallengeDNS01},
	}

	validator := &stubValidator{}
	iss := &stubIssuer{
		issued: &issuer.IssuedCertificate{
			SerialNumber:   "abc123",
			CertificatePEM: "-----BEGIN CERTIFICATE-----\nleaf\n-----END CERTIFICATE-----\n",
			ChainPEM:       "-----BEGIN CERTIFICATE-----\nroot\n-----END CERTIFICATE-----\n",
		},
	}

	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	key := &jose.JSONWebKey{Key: privKey.Public(), Algorithm: string(jose.ES256)}
	jwkJSON, err := json.Marshal(key)
	require.NoError(t, err)

	now := clk.Now().UTC()
	acc := &model.Account{
		ID:             uuid.NewString(),
		PublicKeyJWK:   string(jwkJSON),
		KeyThumbprint:  "test-thumb",
		Status:         model.StatusValid,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	require.NoError(t, store.SaveAccount(context.Background(), acc))

	return &testEnv{
		service:   order.NewService(store, validator, iss, clk, cfg, metrics.New()),
		store:     store,
		validator: validator,
		issuer:    iss,
		clk:       clk,
		cfg:       cfg,
		account:   acc,
		key:       key,
	}
}

func (e *testEnv) createOrder(t *testing.T, values ...string) (*model.Order, []*model.Authorization) {
	t.Helper()
	idents := make([]model.Identifier, len(values))
	for i, v := range values {
		idents[i] = model.Identifier{Type: model.IdentifierDNS, Value: v}
	}
	ord, authzs, err := e.service.CreateOrder(context.Background(), e.account, order.NewOrderRequest{Identifiers: idents})
	require.NoError(t, err)
	return ord, authzs
}

// validateAll drives every authorization on the order to valid.
func (e *testEnv) validateAll(t *testing.T, authzs []*model.Authorization) {
	t.Helper()
	e.validator.result = nil
	for _, authz := range authzs {
		require.NotEmpty(t, authz.Challenges)
		_, _, err := e.service.ProcessChallenge(context.Background(), e.account, authz.Challenges[0].ID)
		require.NoError(t, err)
	}
}

func makeCSR(t *testing.T, commonName string, dnsNames []string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: dnsNames,
	}, key)
	require.NoError(t, err)
	return der
}

func TestCreateOrder_HappyPath(t *testing.T) {
	env := newTestEnv(t)

	ord, authzs := env.createOrder(t, "example.com", "www.example.com")

	assert.Equal(t, model.StatusPending, ord.Status)
	assert.Len(t, ord.Identifiers, 2)
	assert.True(t, ord.Expires.After(env.clk.Now()))
	require.Len(t, authzs, 2)

	for _, authz := range authzs {
		assert.Equal(t, model.StatusPending, authz.Status)
		assert.False(t, authz.Wildcard)
		require.Len(t, authz.Challenges, 2)
		types := []string{authz.Challenges[0].Type, authz.Challenges[1].Type}
		assert.ElementsMatch(t, []string{model.ChallengeHTTP01, model.ChallengeDNS01}, types)
		for _, chal := range authz.Challenges {
			assert.Equal(t, model.StatusPending, chal.Status)
			assert.NotEmpty(t, chal.Token)
		}
	}
}

func TestCreateOrder_DeduplicatesAndNormalizes(t *testing.T) {
	env := newTestEnv(t)

	ord, authzs := env.createOrder(t, "Example.COM", "example.com")
	assert.Len(t, ord.Identifiers, 1)
	assert.Equal(t, "example.com", ord.Identifiers[0].Value)
	assert.Len(t, authzs, 1)
}

func TestCreateOrder_WildcardGetsDNSOnly(t *testing.T) {
	env := newTestEnv(t)

	ord, authzs := env.createOrder(t, "*.example.com")
	require.Len(t, authzs, 1)
	authz := authzs[0]

	assert.Equal(t, "*.example.com", ord.Identifiers[0].Value)
	assert.True(t, authz.Wildcard)
	assert.Equal(t, "example.com", authz.Identifier.Value, "authorization identifier drops the wildcard label")
	require.Len(t, authz.Challenges, 1)
	assert.Equal(t, model.ChallengeDNS01, authz.Challenges[0].Type)
}

func TestCreateOrder_AllMalformedIdentifiersReported(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.service.CreateOrder(context.Background(), env.account, order.NewOrderRequest{Identifiers: []model.Identifier{
		{Type: model.IdentifierDNS, Value: "good.example.com"},
		{Type: model.IdentifierDNS, Value: "bad_host.example.com"},
		{Type: "ip", Value: "10.0.0.1"},
		{Type: model.IdentifierDNS, Value: ""},
	}})
	require.Error(t, err)
	prob := problem.FromError(err)
	assert.Equal(t, problem.MalformedType, prob.Type)
	assert.Len(t, prob.Subproblems, 3, "every bad identifier should be enumerated")
}

func TestCreateOrder_EmptyIdentifiers(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.service.CreateOrder(context.Background(), env.account, order.NewOrderRequest{})
	require.Error(t, err)
	assert.Equal(t, problem.MalformedType, problem.FromError(err).Type)
}

func TestCreateOrder_PolicyRejection(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.AddAllowedSuffix(context.Background(), "corp.example"))

	_, _, err := env.service.CreateOrder(context.Background(), env.account, order.NewOrderRequest{Identifiers: []model.Identifier{
		{Type: model.IdentifierDNS, Value: "ok.corp.example"},
		{Type: model.IdentifierDNS, Value: "outside.example.org"},
	}})
	require.Error(t, err)
	prob := problem.FromError(err)
	assert.Equal(t, problem.RejectedIdentifierType, prob.Type)
	require.Len(t, prob.Subproblems, 1)
	assert.Equal(t, "outside.example.org", prob.Subproblems[0].Identifier.Value)
}

func TestCreateOrder_ValidityBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	idents := []model.Identifier{{Type: model.IdentifierDNS, Value: "bounded.example.com"}}

	t.Run("requested bounds are stored on the order", func(t *testing.T) {
		ord, _, err := env.service.CreateOrder(ctx, env.account, order.NewOrderRequest{
			Identifiers: idents,
			NotBefore:   "2026-03-02T00:00:00Z",
			NotAfter:    "2026-03-09T00:00:00Z",
		})
		require.NoError(t, err)
		require.NotNil(t, ord.NotBefore)
		require.NotNil(t, ord.NotAfter)
		assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), *ord.NotBefore)
		assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), *ord.NotAfter)

		stored, err := env.store.GetOrder(ctx, ord.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.NotBefore, "notBefore must survive persistence")
		require.NotNil(t, stored.NotAfter, "notAfter must survive persistence")
		assert.True(t, stored.NotBefore.Equal(*ord.NotBefore))
		assert.True(t, stored.NotAfter.Equal(*ord.NotAfter))
	})

	t.Run("offset timestamps are normalized to UTC", func(t *testing.T) {
		ord, _, err := env.service.CreateOrder(ctx, env.account, order.NewOrderRequest{
			Identifiers: idents,
			NotBefore:   "2026-03-02T02:00:00+02:00",
		})
		require.NoError(t, err)
		require.NotNil(t, ord.NotBefore)
		assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), *ord.NotBefore)
		assert.Nil(t, ord.NotAfter)
	})

	t.Run("garbage timestamp is malformed", func(t *testing.T) {
		_, _, err := env.service.CreateOrder(ctx, env.account, order.NewOrderRequest{
			Identifiers: idents,
			NotBefore:   "next tuesday",
		})
		require.Error(t, err)
		assert.Equal(t, problem.MalformedType, problem.FromError(err).Type)
	})

	t.Run("inverted bounds are malformed", func(t *testing.T) {
		_, _, err := env.service.CreateOrder(ctx, env.account, order.NewOrderRequest{
			Identifiers: idents,
			NotBefore:   "2026-03-09T00:00:00Z",
			NotAfter:    "2026-03-02T00:00:00Z",
		})
		require.Error(t, err)
		assert.Equal(t, problem.MalformedType, problem.FromError(err).Type)
	})
}

func TestProcessChallenge_SuccessCascadesToReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "a.example.com", "b.example.com")

	env.validator.result = nil
	_, _, err := env.service.ProcessChallenge(ctx, env.account, authzs[0].Challenges[0].ID)
	require.NoError(t, err)

	// One of two authorizations valid: order still pending.
	got, err := env.service.GetOrder(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	chal, authz, err := env.service.ProcessChallenge(ctx, env.account, authzs[1].Challenges[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, chal.Status)
	require.NotNil(t, chal.Validated)
	assert.Equal(t, model.StatusValid, authz.Status)

	got, err = env.service.GetOrder(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
}

func TestProcessChallenge_FailureCascadesToInvalid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "fail.example.com")

	env.validator.result = problem.Unauthorized("wrong key authorization")
	chal, authz, err := env.service.ProcessChallenge(ctx, env.account, authzs[0].Challenges[0].ID)
	require.NoError(t, err, "a failed validation is a state transition, not a request error")

	assert.Equal(t, model.StatusInvalid, chal.Status)
	require.NotNil(t, chal.Error)
	assert.Equal(t, problem.UnauthorizedType, chal.Error.Type)
	assert.Equal(t, model.StatusInvalid, authz.Status)

	got, err := env.service.GetOrder(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, got.Status)
	require.NotNil(t, got.Error)
}

func TestProcessChallenge_IdempotentOnTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, authzs := env.createOrder(t, "once.example.com")
	chalID := authzs[0].Challenges[0].ID

	env.validator.result = nil
	first, _, err := env.service.ProcessChallenge(ctx, env.account, chalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, first.Status)
	assert.Equal(t, 1, env.validator.callCount())

	// Replay: same state back, validator not consulted again.
	env.validator.result = problem.Unauthorized("would now fail")
	second, _, err := env.service.ProcessChallenge(ctx, env.account, chalID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, second.Status)
	assert.Equal(t, 1, env.validator.callCount())
}

func TestProcessChallenge_SiblingChallengeUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, authzs := env.createOrder(t, "sibling.example.com")
	require.Len(t, authzs[0].Challenges, 2)

	env.validator.result = nil
	_, _, err := env.service.ProcessChallenge(ctx, env.account, authzs[0].Challenges[0].ID)
	require.NoError(t, err)

	authz, err := env.service.GetAuthorization(ctx, env.account, authzs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, authz.Status)
	for _, chal := range authz.Challenges {
		if chal.ID == authzs[0].Challenges[0].ID {
			assert.Equal(t, model.StatusValid, chal.Status)
		} else {
			assert.Equal(t, model.StatusPending, chal.Status, "unattempted sibling stays pending")
		}
	}
}

func TestProcessChallenge_ConcurrentSiblingSeesFinalAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, authzs := env.createOrder(t, "race.example.com")
	require.Len(t, authzs[0].Challenges, 2)
	first := authzs[0].Challenges[0].ID
	second := authzs[0].Challenges[1].ID

	gate := &gateValidator{
		started: make(chan struct{}),
		release: make(chan struct{}),
		results: []*problem.Details{problem.Unauthorized("wrong key authorization")},
	}
	svc := order.NewService(env.store, gate, env.issuer, env.clk, env.cfg, metrics.New())

	var wg sync.WaitGroup
	var errFirst, errSecond error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errFirst = svc.ProcessChallenge(ctx, env.account, first)
	}()
	<-gate.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _, errSecond = svc.ProcessChallenge(ctx, env.account, second)
	}()
	// Let the second attempt reach the order lock before the first attempt
	// finishes failing.
	time.Sleep(20 * time.Millisecond)
	close(gate.release)
	wg.Wait()

	require.NoError(t, errFirst, "a failed validation is a state transition, not a request error")
	require.Error(t, errSecond, "the late attempt must observe the invalid authorization")
	var prob *problem.Details
	require.ErrorAs(t, errSecond, &prob)
	assert.Equal(t, problem.MalformedType, prob.Type)

	authz, err := env.store.GetAuthorization(ctx, authzs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, authz.Status, "the first attempt's verdict must stand")

	chal, err := env.store.GetChallenge(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, chal.Status, "the losing attempt must not record anything")

	assert.Equal(t, 1, gate.callCount(), "only the first attempt reaches the validator")
}

func TestGetAuthorization_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, authzs := env.createOrder(t, "expire.example.com")

	env.clk.Add(8 * 24 * time.Hour)

	authz, err := env.service.GetAuthorization(ctx, env.account, authzs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, authz.Status)

	// An expired authorization can no longer be attempted.
	_, _, err = env.service.ProcessChallenge(ctx, env.account, authzs[0].Challenges[0].ID)
	require.Error(t, err)
	assert.Equal(t, problem.MalformedType, problem.FromError(err).Type)
}

func TestGetOrder_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, _ := env.createOrder(t, "stale.example.com")

	env.clk.Add(8 * 24 * time.Hour)

	got, err := env.service.GetOrder(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, got.Status)
	require.NotNil(t, got.Error)
}

func TestGetOrder_OwnershipAndMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, _ := env.createOrder(t, "owned.example.com")

	other := &model.Account{
		ID:           uuid.NewString(),
		PublicKeyJWK: env.account.PublicKeyJWK,
		Status:       model.StatusValid,
	}
	require.NoError(t, env.store.SaveAccount(ctx, other))

	_, err := env.service.GetOrder(ctx, other, ord.ID)
	require.Error(t, err)
	assert.Equal(t, problem.UnauthorizedType, problem.FromError(err).Type)

	_, err = env.service.GetOrder(ctx, env.account, "missing")
	require.Error(t, err)
	assert.Equal(t, 404, problem.FromError(err).Status)
}

func TestFinalize_BeforeReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, _ := env.createOrder(t, "early.example.com")
	csr := makeCSR(t, "early.example.com", []string{"early.example.com"})

	_, err := env.service.Finalize(ctx, env.account, ord.ID, csr)
	require.Error(t, err)
	prob := problem.FromError(err)
	assert.Equal(t, problem.OrderNotReadyType, prob.Type)
	assert.Equal(t, 403, prob.Status)
	assert.Equal(t, 0, env.issuer.calls, "issuer must not be called for a pending order")
}

func TestFinalize_CSRMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "match.example.com")
	env.validateAll(t, authzs)

	csr := makeCSR(t, "other.example.com", []string{"other.example.com"})
	_, err := env.service.Finalize(ctx, env.account, ord.ID, csr)
	require.Error(t, err)
	assert.Equal(t, problem.BadCSRType, problem.FromError(err).Type)

	// A rejected CSR is a request failure; the order stays ready.
	got, err := env.service.GetOrder(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, got.Status)
}

func TestFinalize_CSRSubsetAndSuperset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "a.example.com", "b.example.com")
	env.validateAll(t, authzs)

	subset := makeCSR(t, "a.example.com", []string{"a.example.com"})
	_, err := env.service.Finalize(ctx, env.account, ord.ID, subset)
	require.Error(t, err)
	assert.Equal(t, problem.BadCSRType, problem.FromError(err).Type)

	superset := makeCSR(t, "a.example.com", []string{"a.example.com", "b.example.com", "c.example.com"})
	_, err = env.service.Finalize(ctx, env.account, ord.ID, superset)
	require.Error(t, err)
	assert.Equal(t, problem.BadCSRType, problem.FromError(err).Type)
}

func TestFinalize_GarbageCSR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "garbage.example.com")
	env.validateAll(t, authzs)

	_, err := env.service.Finalize(ctx, env.account, ord.ID, []byte("not a csr"))
	require.Error(t, err)
	assert.Equal(t, problem.BadCSRType, problem.FromError(err).Type)
}

func TestFinalize_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "win.example.com", "www.win.example.com")
	env.validateAll(t, authzs)

	csr := makeCSR(t, "win.example.com", []string{"win.example.com", "www.win.example.com"})
	finalized, err := env.service.Finalize(ctx, env.account, ord.ID, csr)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, finalized.Status)
	assert.Equal(t, "abc123", finalized.CertificateSerial)

	// Record the issued certificate the way CAIssuer does, then fetch it.
	require.NoError(t, env.store.SaveCertificateData(ctx, &model.CertificateData{
		SerialNumber:   "abc123",
		CertificatePEM: env.issuer.issued.CertificatePEM,
		ChainPEM:       env.issuer.issued.ChainPEM,
		AccountID:      env.account.ID,
		OrderID:        ord.ID,
	}))
	certData, err := env.service.Certificate(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Contains(t, certData.CertificatePEM, "BEGIN CERTIFICATE")
}

func TestFinalize_IssuerFailureInvalidatesOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, authzs := env.createOrder(t, "lose.example.com")
	env.validateAll(t, authzs)

	env.issuer.err = problem.BadCSR("key type not allowed")
	csr := makeCSR(t, "lose.example.com", []string{"lose.example.com"})
	_, err := env.service.Finalize(ctx, env.account, ord.ID, csr)
	require.Error(t, err)

	got, err := env.service.GetOrder(ctx, env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, problem.BadCSRType, got.Error.Type)
}

func TestFinalize_CancellationLeavesProcessing(t *testing.T) {
	env := newTestEnv(t)

	ord, authzs := env.createOrder(t, "hang.example.com")
	env.validateAll(t, authzs)

	env.issuer.respectCtx = true
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	csr := makeCSR(t, "hang.example.com", []string{"hang.example.com"})
	_, err := env.service.Finalize(canceled, env.account, ord.ID, csr)
	require.Error(t, err)

	got, err := env.service.GetOrder(context.Background(), env.account, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status, "interrupted finalization must not be rolled back or failed")
}

func TestFinalize_ProcessingOrderRejectsRetry(t *testing.T) {
	env := newTestEnv(t)

	ord, authzs := env.createOrder(t, "retry.example.com")
	env.validateAll(t, authzs)

	env.issuer.respectCtx = true
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	csr := makeCSR(t, "retry.example.com", []string{"retry.example.com"})
	_, err := env.service.Finalize(canceled, env.account, ord.ID, csr)
	require.Error(t, err)

	// The order is processing now; a fresh finalize attempt is refused.
	_, err = env.service.Finalize(context.Background(), env.account, ord.ID, csr)
	require.Error(t, err)
	assert.Equal(t, problem.OrderNotReadyType, problem.FromError(err).Type)
}

func TestCertificate_NotAvailableBeforeValid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ord, _ := env.createOrder(t, "nocert.example.com")
	_, err := env.service.Certificate(ctx, env.account, ord.ID)
	require.Error(t, err)
	assert.Equal(t, 404, problem.FromError(err).Status)
}

func TestOrdersForAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.createOrder(t, "one.example.com")
	env.clk.Add(time.Second)
	second, _ := env.createOrder(t, "two.example.com")

	orders, err := env.service.OrdersForAccount(ctx, env.account)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, first.ID, orders[0].ID)
	assert.Equal(t, second.ID, orders[1].ID)
}
