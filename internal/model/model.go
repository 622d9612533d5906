// Package model defines the entities shared by the protocol engine and the
// storage layer.
package model

import (
	"time"

	"github.com/blockadesystems/certmint/internal/problem"
)

// Status is the lifecycle state of an account, order, authorization, or
// challenge. Values follow RFC 8555.
type Status string

const (
	StatusPending     = Status("pending")
	StatusReady       = Status("ready")
	StatusProcessing  = Status("processing")
	StatusValid       = Status("valid")
	StatusInvalid     = Status("invalid")
	StatusDeactivated = Status("deactivated")
	StatusExpired     = Status("expired")
	StatusRevoked     = Status("revoked")
)

const (
	IdentifierDNS = "dns"

	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Account is a registered client identity bound to a public key.
type Account struct {
	ID             string    `json:"-" db:"id"`
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"` // JWK JSON, immutable once set
	KeyThumbprint  string    `json:"-" db:"key_thumbprint"` // RFC 7638 SHA-256 thumbprint, base64url
	Contact        []string  `json:"contact,omitempty" db:"contact"`
	Status         Status    `json:"status" db:"status"`
	TermsOfService bool      `json:"termsOfServiceAgreed" db:"tos_agreed"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`

	// OrdersURL is constructed by the HTTP layer.
	OrdersURL string `json:"orders,omitempty" db:"-"`
}

// Identifier is a domain (or other namespace) value to be certified.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order is a certificate request in progress. The owning account is
// immutable; status transitions are monotonic except to invalid.
type Order struct {
	ID                string           `json:"-" db:"id"`
	AccountID         string           `json:"-" db:"account_id"`
	Status            Status           `json:"status" db:"status"`
	Expires           time.Time        `json:"expires" db:"expires_at"`
	Identifiers       []Identifier     `json:"identifiers" db:"-"`
	NotBefore         *time.Time       `json:"notBefore,omitempty" db:"not_before"`
	NotAfter          *time.Time       `json:"notAfter,omitempty" db:"not_after"`
	Error             *problem.Details `json:"error,omitempty" db:"-"`
	CertificateSerial string           `json:"-" db:"certificate_serial"`
	Version           int64            `json:"-" db:"version"` // optimistic concurrency token
	CreatedAt         time.Time        `json:"-" db:"created_at"`
	LastModifiedAt    time.Time        `json:"-" db:"last_modified_at"`

	// Constructed by the HTTP layer.
	Authorizations []string `json:"authorizations" db:"-"`
	FinalizeURL    string   `json:"finalize" db:"-"`
	CertificateURL string   `json:"certificate,omitempty" db:"-"`
}

// Authorization is the proof-of-control obligation for one identifier within
// an order. It exclusively owns its challenges; the order relation is a
// non-owning id reference resolved through storage.
type Authorization struct {
	ID         string     `json:"-" db:"id"`
	AccountID  string     `json:"-" db:"account_id"`
	OrderID    string     `json:"-" db:"order_id"`
	Identifier Identifier `json:"identifier" db:"-"`
	Status     Status     `json:"status" db:"status"`
	Expires    time.Time  `json:"expires" db:"expires_at"`
	Wildcard   bool       `json:"wildcard,omitempty" db:"wildcard"`
	CreatedAt  time.Time  `json:"-" db:"created_at"`

	// Fetched separately through the challenge store.
	Challenges []*Challenge `json:"challenges" db:"-"`
}

// Challenge is one concrete mechanism offered to satisfy an authorization.
// Once valid or invalid it is immutable.
type Challenge struct {
	ID              string           `json:"-" db:"id"`
	AuthorizationID string           `json:"-" db:"authorization_id"`
	Type            string           `json:"type" db:"type"`
	Status          Status           `json:"status" db:"status"`
	Token           string           `json:"token" db:"token"`
	Validated       *time.Time       `json:"validated,omitempty" db:"validated_at"`
	Error           *problem.Details `json:"error,omitempty" db:"-"`
	CreatedAt       time.Time        `json:"-" db:"created_at"`

	// Constructed by the HTTP layer.
	URL string `json:"url" db:"-"`
}

// Nonce is a single-use anti-replay token (storage model).
type Nonce struct {
	Value     string    `db:"value"`
	IssuedAt  time.Time `db:"issued_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// CertificateData records an issued certificate (storage model).
type CertificateData struct {
	SerialNumber     string    `db:"serial_number"` // hex
	CertificatePEM   string    `db:"certificate_pem"`
	ChainPEM         string    `db:"chain_pem"`
	IssuedAt         time.Time `db:"issued_at"`
	ExpiresAt        time.Time `db:"expires_at"`
	AccountID        string    `db:"account_id"`
	OrderID          string    `db:"order_id"`
	Revoked          bool      `db:"revoked"`
	RevokedAt        time.Time `db:"revoked_at"`
	RevocationReason int       `db:"revocation_reason"`
}

// Terminal reports whether s is a terminal challenge/authorization state.
func (s Status) Terminal() bool {
	switch s {
	case StatusValid, StatusInvalid, StatusExpired, StatusDeactivated, StatusRevoked:
		return true
	}
	return false
}
