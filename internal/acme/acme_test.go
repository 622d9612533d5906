package acme_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certmint/internal/acme"
	"github.com/blockadesystems/certmint/internal/testutils"
)

// testAccountKey bundles the signing material a simulated client holds.
type testAccountKey struct {
	signingKey jose.SigningKey
	publicJWK  *jose.JSONWebKey
}

func newTestAccountKey(t *testing.T) *testAccountKey {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &testAccountKey{
		signingKey: jose.SigningKey{Algorithm: jose.ES256, Key: privateKey},
		publicJWK:  &jose.JSONWebKey{Key: &privateKey.PublicKey, Algorithm: string(jose.ES256)},
	}
}

// signJWS builds a flattened JWS body the way an ACME client would. Exactly
// one of embedJWK / kid selects the authentication style.
func signJWS(t *testing.T, url, nonce string, payload []byte, key *testAccountKey, embedJWK bool, kid string) string {
	t.Helper()
	if payload == nil {
		payload = []byte{}
	}

	signerOpts := jose.SignerOptions{}
	signerOpts.WithHeader("nonce", nonce)
	signerOpts.WithHeader("url", url)
	if embedJWK {
		signerOpts.EmbedJWK = true
	} else {
		require.NotEmpty(t, kid, "kid is required when not embedding a JWK")
		signerOpts.WithHeader("kid", kid)
	}

	signer, err := jose.NewSigner(key.signingKey, &signerOpts)
	require.NoError(t, err, "failed to create JWS signer")
	jwsObject, err := signer.Sign(payload)
	require.NoError(t, err, "failed to sign JWS payload")

	// FullSerialize emits the flattened serialization for one signature.
	return jwsObject.FullSerialize()
}

// fetchNonce performs HEAD /acme/new-nonce against the test server.
func fetchNonce(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodHead, ts.URL+"/acme/new-nonce", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(t, nonce, "failed to get nonce from server")
	return nonce
}

// postJWS sends a signed body to an ACME endpoint with the right media type.
func postJWS(t *testing.T, ts *httptest.Server, path, jwsBody string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(jwsBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/jose+json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// problemDoc is the subset of a problem document the tests assert on.
type problemDoc struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func decodeProblem(t *testing.T, resp *http.Response) problemDoc {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/problem+json",
		"expected a problem document, body: %s", string(body))
	var doc problemDoc
	require.NoError(t, json.Unmarshal(body, &doc), "failed to parse problem document: %s", string(body))
	return doc
}

func decodeJSON(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, dst), "failed to parse response: %s", string(body))
}

// registerAccount runs new-account for the key and returns the account URL
// from the Location header.
func registerAccount(t *testing.T, env *testutils.TestServer, ts *httptest.Server, key *testAccountKey) string {
	t.Helper()
	payload, err := json.Marshal(acme.NewAccountPayload{
		Contact:              []string{"mailto:admin@example.org"},
		TermsOfServiceAgreed: true,
	})
	require.NoError(t, err)

	nonce := fetchNonce(t, ts)
	jwsBody := signJWS(t, env.Cfg.ExternalURL+"/acme/new-account", nonce, payload, key, true, "")
	resp := postJWS(t, ts, "/acme/new-account", jwsBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode, "account registration should succeed")
	location := resp.Header.Get("Location")
	require.NotEmpty(t, location, "expected Location header on account creation")
	return location
}

// acmePath converts an absolute resource URL into the path postJWS needs.
func acmePath(t *testing.T, env *testutils.TestServer, resourceURL string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(resourceURL, env.Cfg.ExternalURL), "resource URL %q is not on this server", resourceURL)
	return strings.TrimPrefix(resourceURL, env.Cfg.ExternalURL)
}
