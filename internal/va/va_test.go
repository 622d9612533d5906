package va_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
	"github.com/blockadesystems/certmint/internal/va"
)

func newAccountKey(t *testing.T) *jose.JSONWebKey {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &jose.JSONWebKey{Key: privKey.Public(), Algorithm: string(jose.ES256)}
}

func TestKeyAuthorization(t *testing.T) {
	key := newAccountKey(t)
	keyAuth, err := va.KeyAuthorization("tok123", key)
	require.NoError(t, err)
	assert.Contains(t, keyAuth, "tok123.")
	assert.Greater(t, len(keyAuth), len("tok123.")+20, "thumbprint part should be a full digest")
}

func TestValidateHTTP01(t *testing.T) {
	key := newAccountKey(t)
	chal := &model.Challenge{Type: model.ChallengeHTTP01, Token: "http-token"}
	keyAuth, err := va.KeyAuthorization(chal.Token, key)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/acme-challenge/http-token" {
			w.Write([]byte(keyAuth + "\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	host := serverURL.Hostname()
	port, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)

	validator := va.NewRemoteValidator(port, "", 5*time.Second)
	ident := model.Identifier{Type: model.IdentifierDNS, Value: host}

	t.Run("valid response", func(t *testing.T) {
		prob := validator.Validate(context.Background(), chal, ident, key)
		assert.Nil(t, prob)
	})

	t.Run("wrong token path", func(t *testing.T) {
		bad := &model.Challenge{Type: model.ChallengeHTTP01, Token: "other-token"}
		prob := validator.Validate(context.Background(), bad, ident, key)
		require.NotNil(t, prob)
		assert.Equal(t, problem.UnauthorizedType, prob.Type)
	})

	t.Run("wrong account key", func(t *testing.T) {
		prob := validator.Validate(context.Background(), chal, ident, newAccountKey(t))
		require.NotNil(t, prob)
		assert.Equal(t, problem.UnauthorizedType, prob.Type)
	})

	t.Run("unreachable host", func(t *testing.T) {
		unreachable := va.NewRemoteValidator(1, "", time.Second)
		prob := unreachable.Validate(context.Background(), chal, ident, key)
		require.NotNil(t, prob)
		assert.Equal(t, problem.UnauthorizedType, prob.Type)
	})
}

// startTestDNSServer runs a UDP DNS server answering TXT queries from records.
func startTestDNSServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		if q.Qtype == dns.TypeTXT {
			for _, value := range records[q.Name] {
				resp.Answer = append(resp.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 30},
					Txt: []string{value},
				})
			}
		}
		_ = w.WriteMsg(resp)
	})

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestValidateDNS01(t *testing.T) {
	key := newAccountKey(t)
	chal := &model.Challenge{Type: model.ChallengeDNS01, Token: "dns-token"}
	keyAuth, err := va.KeyAuthorization(chal.Token, key)
	require.NoError(t, err)

	resolver := startTestDNSServer(t, map[string][]string{
		"_acme-challenge.example.com.": {va.DNS01TXTValue(keyAuth)},
		"_acme-challenge.stale.com.":   {"bogus-value"},
	})
	validator := va.NewRemoteValidator(80, resolver, 5*time.Second)

	t.Run("matching TXT record", func(t *testing.T) {
		ident := model.Identifier{Type: model.IdentifierDNS, Value: "example.com"}
		prob := validator.Validate(context.Background(), chal, ident, key)
		assert.Nil(t, prob)
	})

	t.Run("wildcard identifier strips prefix", func(t *testing.T) {
		ident := model.Identifier{Type: model.IdentifierDNS, Value: "*.example.com"}
		prob := validator.Validate(context.Background(), chal, ident, key)
		assert.Nil(t, prob)
	})

	t.Run("wrong TXT value", func(t *testing.T) {
		ident := model.Identifier{Type: model.IdentifierDNS, Value: "stale.com"}
		prob := validator.Validate(context.Background(), chal, ident, key)
		require.NotNil(t, prob)
		assert.Equal(t, problem.UnauthorizedType, prob.Type)
	})

	t.Run("missing record", func(t *testing.T) {
		ident := model.Identifier{Type: model.IdentifierDNS, Value: "absent.com"}
		prob := validator.Validate(context.Background(), chal, ident, key)
		require.NotNil(t, prob)
		assert.Equal(t, problem.UnauthorizedType, prob.Type)
	})
}

func TestValidate_UnsupportedTypes(t *testing.T) {
	key := newAccountKey(t)
	validator := va.NewRemoteValidator(80, "127.0.0.1:1", time.Second)

	prob := validator.Validate(context.Background(),
		&model.Challenge{Type: "tls-alpn-01", Token: "tok"},
		model.Identifier{Type: model.IdentifierDNS, Value: "example.com"}, key)
	require.NotNil(t, prob)
	assert.Equal(t, problem.MalformedType, prob.Type)

	prob = validator.Validate(context.Background(),
		&model.Challenge{Type: model.ChallengeHTTP01, Token: "tok"},
		model.Identifier{Type: "ip", Value: "10.0.0.1"}, key)
	require.NotNil(t, prob)
	assert.Equal(t, problem.MalformedType, prob.Type)
}
