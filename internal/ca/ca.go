// Package ca holds the signing backend: key material, CSR signing under
// policy, and revocation.
package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/config"
	"github.com/blockadesystems/certmint/internal/storage"
)

const (
	caKeyBits  = 4096
	serialBits = 128
)

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "ca"))
}

// ErrNotInitialized indicates the CA keypair could not be loaded or generated.
var ErrNotInitialized = errors.New("ca: certificate or private key is not initialized")

// Service signs certificates with the CA key loaded from storage, generating
// a fresh self-signed root on first start.
type Service struct {
	cfg    *config.Config
	store  storage.Storage
	clk    clock.Clock
	caCert *x509.Certificate
	caKey  crypto.Signer

	crlMu  sync.RWMutex
	crlDER []byte
}

// New loads the CA key and certificate from storage, generating and
// persisting them when absent.
func New(cfg *config.Config, store storage.Storage, clk clock.Clock) (*Service, error) {
	s := &Service{cfg: cfg, store: store, clk: clk}
	ctx := context.Background()

	pemKey, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load private key: %w", err)
	}
	pemCert, err := store.GetCACertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to load certificate: %w", err)
	}

	if pemKey == nil || pemCert == nil {
		logger.Info("No CA material in storage, generating a new root")
		key, cert, err := generateRoot(cfg, clk)
		if err != nil {
			return nil, err
		}
		s.caKey = key
		s.caCert = cert

		encodedKey, err := encodePrivateKey(key)
		if err != nil {
			return nil, err
		}
		if err := store.SaveCAPrivateKey(ctx, encodedKey); err != nil {
			return nil, fmt.Errorf("ca: failed to persist private key: %w", err)
		}
		if err := store.SaveCACertificate(ctx, EncodeCertificatePEM(cert)); err != nil {
			return nil, fmt.Errorf("ca: failed to persist certificate: %w", err)
		}
		logger.Info("Generated and saved new CA root",
			zap.String("subject", cert.Subject.CommonName),
			zap.Time("notAfter", cert.NotAfter))
	} else {
		s.caKey, err = parsePrivateKey(pemKey)
		if err != nil {
			return nil, err
		}
		s.caCert, err = ParseCertificatePEM(pemCert)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded CA material from storage",
			zap.String("subject", s.caCert.Subject.CommonName))
	}

	if _, err := s.GenerateCRL(ctx); err != nil {
		logger.Warn("Failed to generate initial CRL", zap.Error(err))
	}
	return s, nil
}

func (s *Service) IsInitialized() bool {
	return s.caKey != nil && s.caCert != nil
}

// Certificate returns the CA certificate.
func (s *Service) Certificate() *x509.Certificate {
	return s.caCert
}

// CertificatePEM returns the CA certificate in PEM form, for serving the
// chain alongside issued certificates.
func (s *Service) CertificatePEM() []byte {
	if s.caCert == nil {
		return nil
	}
	return EncodeCertificatePEM(s.caCert)
}

// SignCSR checks the request against issuance policy and signs it. Policy
// failures return an error wrapping ErrPolicy so callers can map them to a
// client fault.
func (s *Service) SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration) (*x509.Certificate, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}
	l := logger.With(zap.Strings("dnsNames", csr.DNSNames))

	if err := csr.CheckSignature(); err != nil {
		return nil, policyErrorf("invalid CSR signature: %v", err)
	}
	if err := s.checkPublicKeyPolicy(csr.PublicKey); err != nil {
		return nil, err
	}
	if err := s.checkNamePolicy(ctx, csr); err != nil {
		return nil, err
	}

	maxLifetime := time.Duration(s.cfg.CertificatePolicies.DefaultValidityDays) * 24 * time.Hour
	if lifetime <= 0 || lifetime > maxLifetime {
		lifetime = maxLifetime
	}
	notBefore := s.clk.Now().Add(-2 * time.Minute)
	notAfter := notBefore.Add(lifetime)
	if notAfter.After(s.caCert.NotAfter) {
		notAfter = s.caCert.NotAfter
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, err
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{Organization: []string{s.cfg.Organization}}
	if len(csr.DNSNames) > 0 {
		subject.CommonName = csr.DNSNames[0]
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		DNSNames:     csr.DNSNames,

		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:   ski,
		AuthorityKeyId: s.caCert.SubjectKeyId,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse signed certificate: %w", err)
	}

	l.Info("Signed certificate",
		zap.String("serial", cert.SerialNumber.Text(16)),
		zap.Time("notAfter", cert.NotAfter))
	return cert, nil
}

// ErrPolicy marks signing failures caused by the request rather than the CA.
var ErrPolicy = errors.New("ca: policy violation")

func policyErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPolicy, fmt.Sprintf(format, args...))
}

func (s *Service) checkPublicKeyPolicy(pub crypto.PublicKey) error {
	policies := s.cfg.CertificatePolicies
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if !typeAllowed("RSA", policies.AllowedKeyTypes) {
			return policyErrorf("key type RSA is not allowed")
		}
		if key.N.BitLen() < policies.MinRSASize {
			return policyErrorf("RSA key size %d is below the minimum %d", key.N.BitLen(), policies.MinRSASize)
		}
	case *ecdsa.PublicKey:
		if !typeAllowed("ECDSA", policies.AllowedKeyTypes) {
			return policyErrorf("key type ECDSA is not allowed")
		}
		curve := key.Curve.Params().Name
		if !typeAllowed(curve, policies.AllowedECDSACurves) {
			return policyErrorf("ECDSA curve %q is not allowed", curve)
		}
	case ed25519.PublicKey:
		if !typeAllowed("Ed25519", policies.AllowedKeyTypes) {
			return policyErrorf("key type Ed25519 is not allowed")
		}
	default:
		return policyErrorf("unsupported public key type")
	}
	return nil
}

func (s *Service) checkNamePolicy(ctx context.Context, csr *x509.CertificateRequest) error {
	if len(csr.DNSNames) == 0 {
		return policyErrorf("CSR must request at least one DNS name")
	}
	if len(csr.IPAddresses) > 0 || len(csr.EmailAddresses) > 0 || len(csr.URIs) > 0 {
		return policyErrorf("only DNS name SANs are supported")
	}
	for _, name := range csr.DNSNames {
		norm := strings.ToLower(strings.TrimSpace(name))
		// Wildcards are judged by their base domain, matching the order
		// creation gate.
		allowed, err := s.store.IsDomainAllowed(ctx, strings.TrimPrefix(norm, "*."))
		if err != nil {
			return fmt.Errorf("ca: policy check failed for %q: %w", norm, err)
		}
		if !allowed {
			return policyErrorf("domain %q is not allowed", norm)
		}
	}
	return nil
}

func typeAllowed(value string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return true
		}
	}
	return false
}

func generateSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serialNumber, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("ca: generated non-positive serial number")
	}
	return serialNumber, nil
}

// computeSubjectKeyID derives the SKI per RFC 5280 section 4.2.1.2 method 1,
// the SHA-1 hash of the SubjectPublicKey bit string.
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to marshal public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(derBytes, &spki); err != nil {
		return nil, fmt.Errorf("ca: failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}
	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}
