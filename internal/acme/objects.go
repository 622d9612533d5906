package acme

import (
	"fmt"

	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/model"
)

// Request payloads.

// NewAccountPayload is the body of POST /acme/new-account.
type NewAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// AccountUpdatePayload is the body of POST /acme/account/:accountID.
type AccountUpdatePayload struct {
	Contact []string `json:"contact,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// NewOrderPayload is the body of POST /acme/new-order.
type NewOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   string             `json:"notBefore,omitempty"`
	NotAfter    string             `json:"notAfter,omitempty"`
}

// FinalizePayload is the body of POST /acme/order/:orderID/finalize.
type FinalizePayload struct {
	CSR string `json:"csr"`
}

// Response objects. Account, Order, Authorization, and Challenge marshal
// from the model types; the URL fields below are populated per request.

type accountResponse struct {
	Status  model.Status `json:"status"`
	Contact []string     `json:"contact,omitempty"`
	Orders  string       `json:"orders"`
}

type orderResponse struct {
	Status         model.Status       `json:"status"`
	Expires        string             `json:"expires"`
	Identifiers    []model.Identifier `json:"identifiers"`
	NotBefore      string             `json:"notBefore,omitempty"`
	NotAfter       string             `json:"notAfter,omitempty"`
	Error          interface{}        `json:"error,omitempty"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize"`
	Certificate    string             `json:"certificate,omitempty"`
}

// URL construction. Every resource URL is rooted at cfg.ExternalURL so the
// documents stay correct behind a proxy.

func directoryURL(cfg *config.Config) string {
	return cfg.ExternalURL + "/acme/directory"
}

func newNonceURL(cfg *config.Config) string {
	return cfg.ExternalURL + "/acme/new-nonce"
}

func newAccountURL(cfg *config.Config) string {
	return cfg.ExternalURL + "/acme/new-account"
}

func newOrderURL(cfg *config.Config) string {
	return cfg.ExternalURL + "/acme/new-order"
}

func accountURL(cfg *config.Config, accountID string) string {
	return fmt.Sprintf("%s/acme/account/%s", cfg.ExternalURL, accountID)
}

func accountOrdersURL(cfg *config.Config, accountID string) string {
	return fmt.Sprintf("%s/acme/account/%s/orders", cfg.ExternalURL, accountID)
}

func orderURL(cfg *config.Config, orderID string) string {
	return fmt.Sprintf("%s/acme/order/%s", cfg.ExternalURL, orderID)
}

func finalizeURL(cfg *config.Config, orderID string) string {
	return fmt.Sprintf("%s/acme/order/%s/finalize", cfg.ExternalURL, orderID)
}

func certificateURL(cfg *config.Config, orderID string) string {
	return fmt.Sprintf("%s/acme/order/%s/certificate", cfg.ExternalURL, orderID)
}

func authzURL(cfg *config.Config, orderID, authzID string) string {
	return fmt.Sprintf("%s/acme/order/%s/auth/%s", cfg.ExternalURL, orderID, authzID)
}

func challengeURL(cfg *config.Config, orderID, authzID, challengeID string) string {
	return fmt.Sprintf("%s/acme/order/%s/auth/%s/chall/%s", cfg.ExternalURL, orderID, authzID, challengeID)
}

func renderAccount(cfg *config.Config, acc *model.Account) *accountResponse {
	return &accountResponse{
		Status:  acc.Status,
		Contact: acc.Contact,
		Orders:  accountOrdersURL(cfg, acc.ID),
	}
}

func renderOrder(cfg *config.Config, ord *model.Order, authzs []*model.Authorization) *orderResponse {
	resp := &orderResponse{
		Status:      ord.Status,
		Expires:     ord.Expires.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Identifiers: ord.Identifiers,
		Finalize:    finalizeURL(cfg, ord.ID),
	}
	if ord.NotBefore != nil {
		resp.NotBefore = ord.NotBefore.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if ord.NotAfter != nil {
		resp.NotAfter = ord.NotAfter.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if ord.Error != nil {
		resp.Error = ord.Error
	}
	for _, authz := range authzs {
		resp.Authorizations = append(resp.Authorizations, authzURL(cfg, ord.ID, authz.ID))
	}
	if ord.Status == model.StatusValid && ord.CertificateSerial != "" {
		resp.Certificate = certificateURL(cfg, ord.ID)
	}
	return resp
}

// renderAuthorization fills the URL fields on the authorization's challenges
// and returns the authorization itself, which marshals to the wire shape.
func renderAuthorization(cfg *config.Config, orderID string, authz *model.Authorization) *model.Authorization {
	for _, chal := range authz.Challenges {
		chal.URL = challengeURL(cfg, orderID, authz.ID, chal.ID)
	}
	return authz
}
