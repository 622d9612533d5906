// Package va performs the outbound proof-of-control checks behind ACME
// challenges.
package va

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/miekg/dns"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "va"))
}

// maxResponseSize caps how much of a challenge response we read.
const maxResponseSize = 128 * 1024

// Validator checks that the requester controls an identifier.
type Validator interface {
	// Validate performs the check for one challenge. It returns nil on
	// success and a problem describing the failure otherwise.
	Validate(ctx context.Context, chal *model.Challenge, identifier model.Identifier, accountKey *jose.JSONWebKey) *problem.Details
}

// KeyAuthorization builds the RFC 8555 key authorization string for token
// under accountKey.
func KeyAuthorization(token string, accountKey *jose.JSONWebKey) (string, error) {
	thumbprint, err := account.Thumbprint(accountKey)
	if err != nil {
		return "", err
	}
	return token + "." + thumbprint, nil
}

// DNS01TXTValue is the expected TXT record content for a dns-01 challenge.
func DNS01TXTValue(keyAuth string) string {
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// RemoteValidator validates http-01 over plain HTTP and dns-01 through a
// recursive resolver.
type RemoteValidator struct {
	httpClient *http.Client
	dnsClient  *dns.Client
	resolver   string
	httpPort   int
	timeout    time.Duration
}

var _ Validator = (*RemoteValidator)(nil)

// NewRemoteValidator builds a validator. resolver is "host:port"; when empty
// the first nameserver from /etc/resolv.conf is used.
func NewRemoteValidator(httpPort int, resolver string, timeout time.Duration) *RemoteValidator {
	if resolver == "" {
		if conf, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(conf.Servers) > 0 {
			resolver = net.JoinHostPort(conf.Servers[0], conf.Port)
		} else {
			resolver = "127.0.0.1:53"
		}
	}
	return &RemoteValidator{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		dnsClient: &dns.Client{Timeout: timeout},
		resolver:  resolver,
		httpPort:  httpPort,
		timeout:   timeout,
	}
}

func (v *RemoteValidator) Validate(ctx context.Context, chal *model.Challenge, identifier model.Identifier, accountKey *jose.JSONWebKey) *problem.Details {
	if identifier.Type != model.IdentifierDNS {
		return problem.Malformedf("unsupported identifier type %q", identifier.Type)
	}
	keyAuth, err := KeyAuthorization(chal.Token, accountKey)
	if err != nil {
		return problem.ServerInternal("failed to compute key authorization")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	switch chal.Type {
	case model.ChallengeHTTP01:
		return v.validateHTTP01(ctx, identifier.Value, chal.Token, keyAuth)
	case model.ChallengeDNS01:
		return v.validateDNS01(ctx, identifier.Value, keyAuth)
	default:
		return problem.Malformedf("unsupported challenge type %q", chal.Type)
	}
}

func (v *RemoteValidator) validateHTTP01(ctx context.Context, host, token, keyAuth string) *problem.Details {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s",
		net.JoinHostPort(host, strconv.Itoa(v.httpPort)), token)
	if v.httpPort == 80 {
		url = fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", host, token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return problem.Malformedf("invalid validation target %q", host)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		logger.Info("http-01 fetch failed", zap.String("host", host), zap.Error(err))
		return problem.Unauthorized(fmt.Sprintf("failed to fetch challenge response from %q: %v", host, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return problem.Unauthorized(fmt.Sprintf("challenge response fetch from %q returned status %d", host, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return problem.Unauthorized(fmt.Sprintf("failed to read challenge response from %q: %v", host, err))
	}

	got := strings.TrimSpace(string(body))
	if got != keyAuth {
		return problem.Unauthorized(fmt.Sprintf("incorrect key authorization served by %q", host))
	}
	return nil
}

func (v *RemoteValidator) validateDNS01(ctx context.Context, host, keyAuth string) *problem.Details {
	want := DNS01TXTValue(keyAuth)
	name := dns.Fqdn("_acme-challenge." + strings.TrimPrefix(host, "*."))

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := v.dnsClient.ExchangeContext(ctx, msg, v.resolver)
	if err != nil {
		logger.Info("dns-01 lookup failed", zap.String("name", name), zap.Error(err))
		return problem.Unauthorized(fmt.Sprintf("TXT lookup for %q failed: %v", name, err))
	}
	if resp.Rcode != dns.RcodeSuccess {
		return problem.Unauthorized(fmt.Sprintf("TXT lookup for %q returned %s", name, dns.RcodeToString[resp.Rcode]))
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		if strings.Join(txt.Txt, "") == want {
			return nil
		}
	}
	return problem.Unauthorized(fmt.Sprintf("no TXT record for %q matched the expected digest", name))
}
