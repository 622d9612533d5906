// Package problem implements ACME problem documents (RFC 8555 section 6.7).
// Every protocol-visible failure is expressed as a *Details carrying a stable
// urn error type, a human-readable detail, and the HTTP status it maps to.
package problem

import (
	"fmt"
	"net/http"
)

// errNS is the IETF urn namespace for ACME error types.
const errNS = "urn:ietf:params:acme:error:"

// Type identifies a machine-readable ACME error type.
type Type string

const (
	MalformedType             = Type(errNS + "malformed")
	BadNonceType              = Type(errNS + "badNonce")
	BadSignatureAlgorithmType = Type(errNS + "badSignatureAlgorithm")
	UnauthorizedType          = Type(errNS + "unauthorized")
	AccountDoesNotExistType   = Type(errNS + "accountDoesNotExist")
	OrderNotReadyType         = Type(errNS + "orderNotReady")
	RejectedIdentifierType    = Type(errNS + "rejectedIdentifier")
	BadCSRType                = Type(errNS + "badCSR")
	RateLimitedType           = Type(errNS + "rateLimited")
	ServerInternalType        = Type(errNS + "serverInternal")
)

// Details is an ACME problem document. It implements error so services can
// return it through ordinary error plumbing.
type Details struct {
	Type        Type         `json:"type"`
	Detail      string       `json:"detail"`
	Status      int          `json:"status,omitempty"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem ties a nested problem to the identifier that caused it.
type Subproblem struct {
	Type       Type             `json:"type"`
	Detail     string           `json:"detail"`
	Identifier *IdentifierValue `json:"identifier,omitempty"`
}

// IdentifierValue mirrors the wire shape of an ACME identifier. Kept local so
// this package has no dependency on the model package.
type IdentifierValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (d *Details) Error() string {
	return fmt.Sprintf("%s :: %s", d.Type, d.Detail)
}

// Malformed indicates the request payload or envelope failed validation.
func Malformed(detail string) *Details {
	return &Details{Type: MalformedType, Detail: detail, Status: http.StatusBadRequest}
}

// Malformedf is Malformed with formatting.
func Malformedf(format string, args ...interface{}) *Details {
	return Malformed(fmt.Sprintf(format, args...))
}

// BadNonce indicates the anti-replay nonce was missing, unknown, expired, or
// already consumed.
func BadNonce(detail string) *Details {
	return &Details{Type: BadNonceType, Detail: detail, Status: http.StatusBadRequest}
}

// BadSignatureAlgorithm indicates the JWS algorithm is unacceptable for the
// presented key.
func BadSignatureAlgorithm(detail string) *Details {
	return &Details{Type: BadSignatureAlgorithmType, Detail: detail, Status: http.StatusBadRequest}
}

// Unauthorized indicates the request is authenticated but not permitted, for
// example a deactivated account or a resource owned by another account.
func Unauthorized(detail string) *Details {
	return &Details{Type: UnauthorizedType, Detail: detail, Status: http.StatusForbidden}
}

// AccountDoesNotExist indicates the referenced account is unknown.
func AccountDoesNotExist(detail string) *Details {
	return &Details{Type: AccountDoesNotExistType, Detail: detail, Status: http.StatusNotFound}
}

// NotFound indicates a missing resource other than an account.
func NotFound(detail string) *Details {
	return &Details{Type: MalformedType, Detail: detail, Status: http.StatusNotFound}
}

// OrderNotReady indicates finalization was attempted before every
// authorization on the order reached valid.
func OrderNotReady(detail string) *Details {
	return &Details{Type: OrderNotReadyType, Detail: detail, Status: http.StatusForbidden}
}

// RejectedIdentifier indicates issuance policy refuses one or more of the
// requested identifiers.
func RejectedIdentifier(detail string) *Details {
	return &Details{Type: RejectedIdentifierType, Detail: detail, Status: http.StatusForbidden}
}

// BadCSR indicates the CSR was unparseable or names identifiers that differ
// from the order's.
func BadCSR(detail string) *Details {
	return &Details{Type: BadCSRType, Detail: detail, Status: http.StatusBadRequest}
}

// RateLimited passes through an external policy rejection.
func RateLimited(detail string) *Details {
	return &Details{Type: RateLimitedType, Detail: detail, Status: http.StatusTooManyRequests}
}

// ServerInternal indicates an unexpected failure in a collaborator. The
// detail must not leak storage or backend internals.
func ServerInternal(detail string) *Details {
	return &Details{Type: ServerInternalType, Detail: detail, Status: http.StatusInternalServerError}
}

// WithSubproblems returns a copy of d carrying the given subproblems.
func (d *Details) WithSubproblems(subs []Subproblem) *Details {
	out := *d
	out.Subproblems = append(out.Subproblems[:len(out.Subproblems):len(out.Subproblems)], subs...)
	return &out
}

// FromError coerces an error into a problem document. Problems pass through
// untouched; anything else is surfaced as serverInternal without detail.
func FromError(err error) *Details {
	if prob, ok := err.(*Details); ok {
		return prob
	}
	return ServerInternal("internal error")
}
