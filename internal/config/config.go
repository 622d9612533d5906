package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all process-wide settings. It is loaded once in main and
// passed explicitly into each component at construction.
type Config struct {
	ExternalURL string // Base URL clients use to reach this server (no trailing slash)

	// Listeners
	HTTPAddress   string // plain listener serving the http-01 responder
	HTTPSAddress  string // ACME protocol listener
	HTTPSCertFile string
	HTTPSKeyFile  string

	// Storage
	StorageType string // "postgres" or "memory"
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string
	DBKey       string
	DBRootCert  string

	// Protocol engine
	NonceLifetime     time.Duration // tokens older than this are unknown
	OrderLifetime     time.Duration // orders not reaching valid within this window go invalid
	AuthzLifetime     time.Duration
	FinalizeTimeout   time.Duration // upper bound on one issuance call
	ChallengeTypes    []string      // challenge types offered on new authorizations
	HTTP01Port        int           // port contacted for http-01 validation
	DNSResolver       string        // host:port of the resolver used for dns-01
	ValidationTimeout time.Duration // upper bound on one proof-of-control check

	// CA certificate subject
	Organization        string
	Country             string
	Province            string
	Locality            string
	CommonName          string
	CACertValidityYears int
	CRLValidityHours    int

	CertificatePolicies CertificatePolicies

	// Management API keys seeded at startup (key -> roles)
	APIKeys map[string][]string
}

// CertificatePolicies bounds what the CA will sign.
type CertificatePolicies struct {
	DefaultValidityDays int
	AllowedKeyTypes     []string // "RSA", "ECDSA", "Ed25519"
	MinRSASize          int
	AllowedECDSACurves  []string
}

const (
	defaultExternalURL  = "https://localhost:8443"
	defaultHTTPAddress  = ":8080"
	defaultHTTPSAddress = ":8443"

	defaultStorageType = "postgres"
	defaultDBHost      = "localhost"
	defaultDBUser      = "certmint"
	defaultDBPassword  = "password"
	defaultDBName      = "certmint"
	defaultDBPort      = 5432
	defaultDBSSLMode   = "disable"

	defaultNonceLifetime     = 15 * time.Minute
	defaultOrderLifetime     = 7 * 24 * time.Hour
	defaultAuthzLifetime     = 7 * 24 * time.Hour
	defaultFinalizeTimeout   = 2 * time.Minute
	defaultHTTP01Port        = 80
	defaultDNSResolver       = ""
	defaultValidationTimeout = 15 * time.Second

	defaultOrganization        = "CertMint Authority"
	defaultCountry             = "US"
	defaultProvince            = "NC"
	defaultLocality            = "Raleigh"
	defaultCommonName          = "CertMint Root CA"
	defaultCACertValidityYears = 10
	defaultCRLValidityHours    = 24

	defaultHTTPSCertFile = "./data/https.crt"
	defaultHTTPSKeyFile  = "./data/https.key"
)

var defaultCertificatePolicies = CertificatePolicies{
	DefaultValidityDays: 90,
	AllowedKeyTypes:     []string{"RSA", "ECDSA", "Ed25519"},
	MinRSASize:          2048,
	AllowedECDSACurves:  []string{"P-256", "P-384"},
}

var defaultAPIKeys = map[string][]string{
	"admin-api-key": {"admin"},
}

// LoadConfig reads configuration from environment variables, falling back to
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ExternalURL:   strings.TrimRight(getEnv("CERTMINT_EXTERNAL_URL", defaultExternalURL), "/"),
		HTTPAddress:   getEnv("CERTMINT_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSAddress:  getEnv("CERTMINT_HTTPS_ADDRESS", defaultHTTPSAddress),
		HTTPSCertFile: getEnv("CERTMINT_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:  getEnv("CERTMINT_HTTPS_KEY_FILE", defaultHTTPSKeyFile),

		StorageType: getEnv("CERTMINT_STORAGE_TYPE", defaultStorageType),
		DBHost:      getEnv("CERTMINT_DB_HOST", defaultDBHost),
		DBUser:      getEnv("CERTMINT_DB_USER", defaultDBUser),
		DBPassword:  getEnv("CERTMINT_DB_PASSWORD", defaultDBPassword),
		DBName:      getEnv("CERTMINT_DB_NAME", defaultDBName),
		DBPort:      getEnvAsInt("CERTMINT_DB_PORT", defaultDBPort),
		DBSSLMode:   getEnv("CERTMINT_DB_SSLMODE", defaultDBSSLMode),
		DBCert:      getEnv("CERTMINT_DB_CERT", ""),
		DBKey:       getEnv("CERTMINT_DB_KEY", ""),
		DBRootCert:  getEnv("CERTMINT_DB_ROOTCERT", ""),

		NonceLifetime:     getEnvAsDuration("CERTMINT_NONCE_LIFETIME", defaultNonceLifetime),
		OrderLifetime:     getEnvAsDuration("CERTMINT_ORDER_LIFETIME", defaultOrderLifetime),
		AuthzLifetime:     getEnvAsDuration("CERTMINT_AUTHZ_LIFETIME", defaultAuthzLifetime),
		FinalizeTimeout:   getEnvAsDuration("CERTMINT_FINALIZE_TIMEOUT", defaultFinalizeTimeout),
		ChallengeTypes:    getEnvAsList("CERTMINT_CHALLENGE_TYPES", []string{"http-01", "dns-01"}),
		HTTP01Port:        getEnvAsInt("CERTMINT_HTTP01_PORT", defaultHTTP01Port),
		DNSResolver:       getEnv("CERTMINT_DNS_RESOLVER", defaultDNSResolver),
		ValidationTimeout: getEnvAsDuration("CERTMINT_VALIDATION_TIMEOUT", defaultValidationTimeout),

		Organization:        getEnv("CERTMINT_ORGANIZATION", defaultOrganization),
		Country:             getEnv("CERTMINT_COUNTRY", defaultCountry),
		Province:            getEnv("CERTMINT_PROVINCE", defaultProvince),
		Locality:            getEnv("CERTMINT_LOCALITY", defaultLocality),
		CommonName:          getEnv("CERTMINT_COMMON_NAME", defaultCommonName),
		CACertValidityYears: getEnvAsInt("CERTMINT_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		CRLValidityHours:    getEnvAsInt("CERTMINT_CRL_VALIDITY_HOURS", defaultCRLValidityHours),

		CertificatePolicies: defaultCertificatePolicies,
		APIKeys:             defaultAPIKeys,
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
