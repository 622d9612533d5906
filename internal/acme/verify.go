package acme

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/account"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
)

// authType selects which JWS authentication style an endpoint accepts. RFC
// 8555 section 6.2: new-account requests embed the full JWK, every other
// request references an existing account through the kid header. The two are
// mutually exclusive.
type authType int

const (
	embeddedJWK authType = iota
	embeddedKeyID
)

const maxRequestBody = 256 * 1024

// allowedAlgorithms is the signature algorithm allowlist. Anything outside
// it is rejected with badSignatureAlgorithm before verification is attempted.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.ES512,
}

// verifiedRequest is the outcome of a successful JWS authentication pass.
type verifiedRequest struct {
	// Account is the authenticated account. Nil when the request used an
	// embedded JWK (new-account), where no account exists yet.
	Account *model.Account

	// Key is the key that produced the verified signature: the embedded JWK,
	// or the stored key of the kid-referenced account.
	Key *jose.JSONWebKey

	// Payload is the verified, decoded JWS payload. Empty for POST-as-GET.
	Payload []byte
}

// PostAsGet reports whether the request carried an empty payload, the RFC
// 8555 section 6.3 read-only form.
func (vr *verifiedRequest) PostAsGet() bool {
	return len(vr.Payload) == 0
}

// decodePayload unmarshals the verified payload into dst. POST-as-GET bodies
// are rejected: callers that accept them must branch before decoding.
func (vr *verifiedRequest) decodePayload(dst interface{}) *problem.Details {
	if len(vr.Payload) == 0 {
		return problem.Malformed("request payload is empty")
	}
	if err := json.Unmarshal(vr.Payload, dst); err != nil {
		return problem.Malformedf("failed to parse request payload: %s", err)
	}
	return nil
}

// rawEnvelope is used to inspect the request JSON before go-jose parses it.
// go-jose strips the unprotected header during parsing, and quietly accepts
// the general serialization, so both checks have to happen on the raw bytes.
type rawEnvelope struct {
	Protected  string          `json:"protected"`
	Header     json.RawMessage `json:"header"`
	Signatures json.RawMessage `json:"signatures"`
}

// protectedHeader is the subset of the protected header needed before
// signature verification.
type protectedHeader struct {
	Algorithm string `json:"alg"`
}

// verifyRequest authenticates an ACME POST body: parses the flattened JWS,
// enforces the endpoint's authentication style, resolves the signing key,
// verifies the signature, and consumes the anti-replay nonce. The signed url
// header must match the URL the request actually arrived at.
func verifyRequest(c echo.Context, expected authType) (*verifiedRequest, *problem.Details) {
	vr, prob := verifyRequestInner(c, expected)
	if prob != nil {
		if m := getMetrics(c); m != nil {
			m.RequestAuthFailures.WithLabelValues(string(prob.Type)).Inc()
		}
		getLogger(c).Info("request authentication failed",
			zap.String("path", c.Request().URL.Path),
			zap.String("problem", string(prob.Type)),
			zap.String("detail", prob.Detail))
	}
	return vr, prob
}

func verifyRequestInner(c echo.Context, expected authType) (*verifiedRequest, *problem.Details) {
	req := c.Request()

	contentType := req.Header.Get(echo.HeaderContentType)
	if mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]); mediaType != "application/jose+json" {
		return nil, problem.Malformedf("invalid Content-Type %q, expected application/jose+json", contentType)
	}

	if req.Body == nil {
		return nil, problem.Malformed("request body is empty")
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody+1))
	if err != nil {
		return nil, problem.ServerInternal("failed to read request body")
	}
	if len(body) > maxRequestBody {
		return nil, problem.Malformed("request body too large")
	}

	var envelope rawEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, problem.Malformed("failed to parse JWS request body")
	}
	if envelope.Signatures != nil {
		return nil, problem.Malformed("JWS uses the general serialization, only the flattened serialization is accepted")
	}
	if envelope.Header != nil {
		return nil, problem.Malformed("JWS contains an unprotected header, all headers must be protected")
	}

	// The algorithm allowlist is enforced on the raw protected header so a
	// disallowed alg gets badSignatureAlgorithm rather than a generic parse
	// failure out of go-jose.
	protectedJSON, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	if err != nil {
		return nil, problem.Malformed("JWS protected header is not valid base64url")
	}
	var protected protectedHeader
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		return nil, problem.Malformed("JWS protected header is not valid JSON")
	}
	if !algorithmAllowed(protected.Algorithm) {
		return nil, problem.BadSignatureAlgorithm("signature algorithm " + protected.Algorithm + " is not supported")
	}

	parsed, err := jose.ParseSigned(string(body), allowedAlgorithms)
	if err != nil {
		return nil, problem.Malformed("failed to parse JWS request body")
	}
	if len(parsed.Signatures) != 1 {
		return nil, problem.Malformed("JWS must carry exactly one signature")
	}
	if len(parsed.Signatures[0].Signature) == 0 {
		return nil, problem.Malformed("JWS is not signed")
	}

	header := parsed.Signatures[0].Header
	hasJWK := header.JSONWebKey != nil
	hasKID := header.KeyID != ""
	if hasJWK && hasKID {
		return nil, problem.Malformed("JWS contains both a jwk and a kid header, they are mutually exclusive")
	}

	cfg := getConfig(c)

	vr := &verifiedRequest{}
	switch expected {
	case embeddedJWK:
		if !hasJWK {
			return nil, problem.Malformed("JWS must carry an embedded jwk header for this endpoint")
		}
		if !header.JSONWebKey.Valid() {
			return nil, problem.Malformed("JWS jwk header is not a valid public key")
		}
		vr.Key = header.JSONWebKey
	case embeddedKeyID:
		if !hasKID {
			return nil, problem.Malformed("JWS must carry a kid header referencing an existing account")
		}
		prefix := cfg.ExternalURL + "/acme/account/"
		accountID := strings.TrimPrefix(header.KeyID, prefix)
		if accountID == header.KeyID || accountID == "" || strings.Contains(accountID, "/") {
			return nil, problem.Malformedf("kid header %q is not an account URL of this server", header.KeyID)
		}
		acc, err := getAccounts(c).LoadByID(req.Context(), accountID)
		if err != nil {
			if prob, ok := err.(*problem.Details); ok {
				return nil, prob
			}
			return nil, problem.ServerInternal("failed to load account")
		}
		if acc.Status != model.StatusValid {
			return nil, problem.Unauthorized("account is " + string(acc.Status))
		}
		key, err := account.ParseStoredKey(acc)
		if err != nil {
			return nil, problem.ServerInternal("failed to load account key")
		}
		vr.Account = acc
		vr.Key = key
	}

	payload, err := parsed.Verify(vr.Key)
	if err != nil {
		return nil, problem.Unauthorized("JWS signature verification failed")
	}

	signedURL, ok := header.ExtraHeaders[jose.HeaderKey("url")].(string)
	if !ok || signedURL == "" {
		return nil, problem.Malformed("JWS protected header has no url field")
	}
	expectedURL := cfg.ExternalURL + req.URL.Path
	if signedURL != expectedURL {
		return nil, problem.Malformedf("JWS url header %q does not match request URL %q", signedURL, expectedURL)
	}

	if header.Nonce == "" {
		return nil, problem.BadNonce("JWS protected header has no nonce field")
	}
	fresh, err := getNonces(c).Consume(req.Context(), header.Nonce)
	if err != nil {
		return nil, problem.ServerInternal("failed to check nonce")
	}
	if !fresh {
		return nil, problem.BadNonce("JWS nonce is invalid or has already been used")
	}

	vr.Payload = payload
	return vr, nil
}

func algorithmAllowed(alg string) bool {
	for _, a := range allowedAlgorithms {
		if string(a) == alg {
			return true
		}
	}
	return false
}
