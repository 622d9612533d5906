package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/config"
)

const (
	httpsKeyBits      = 2048
	httpsCertLifetime = 365 * 24 * time.Hour
)

// generateRoot creates the self-signed CA keypair on first start.
func generateRoot(cfg *config.Config, clk clock.Clock) (crypto.Signer, *x509.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to generate private key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}

	notBefore := clk.Now().Add(-5 * time.Minute)
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			Country:      []string{cfg.Country},
			Province:     []string{cfg.Province},
			Locality:     []string{cfg.Locality},
			CommonName:   cfg.CommonName,
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(cfg.CACertValidityYears, 0, 0),

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to create self-signed certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to parse generated certificate: %w", err)
	}
	return privateKey, cert, nil
}

func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("ca: unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("ca: unsupported private key type")
	}

	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: keyBytes}), nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode private key PEM")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to parse PKCS#8 key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("ca: PKCS#8 key does not implement crypto.Signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("ca: unsupported private key PEM type: %s", block.Type)
	}
}

// EncodeCertificatePEM encodes a certificate into PEM form.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertificatePEM parses a single PEM-encoded certificate.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode certificate PEM")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("ca: unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse certificate: %w", err)
	}
	return cert, nil
}

// EnsureHTTPSCertificates returns existing listener certificate paths or
// generates a self-signed pair for local use.
func EnsureHTTPSCertificates(cfg *config.Config) (string, string, error) {
	certFile := cfg.HTTPSCertFile
	keyFile := cfg.HTTPSKeyFile

	dataDir := filepath.Dir(certFile)
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0750); err != nil {
			return "", "", fmt.Errorf("ca: failed to create data directory '%s': %w", dataDir, err)
		}
	}

	if _, err := os.Stat(certFile); err == nil {
		if _, err := os.Stat(keyFile); err == nil {
			logger.Info("Using existing HTTPS certificate and key",
				zap.String("cert", certFile), zap.String("key", keyFile))
			return certFile, keyFile, nil
		}
		logger.Warn("HTTPS certificate exists but key is missing, regenerating",
			zap.String("cert", certFile))
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("ca: failed to check HTTPS certificate file '%s': %w", certFile, err)
	}

	logger.Info("Generating self-signed HTTPS certificate",
		zap.String("cert", certFile), zap.String("key", keyFile))

	privKey, err := rsa.GenerateKey(rand.Reader, httpsKeyBits)
	if err != nil {
		return "", "", fmt.Errorf("ca: failed to generate HTTPS private key: %w", err)
	}
	serialNumber, err := generateSerialNumber()
	if err != nil {
		return "", "", err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{cfg.Organization},
			CommonName:   "localhost",
		},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   time.Now().Add(-1 * time.Minute),
		NotAfter:    time.Now().Add(httpsCertLifetime),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return "", "", fmt.Errorf("ca: failed to create HTTPS certificate: %w", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return "", "", fmt.Errorf("ca: failed to open cert file '%s': %w", certFile, err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		certOut.Close()
		return "", "", fmt.Errorf("ca: failed to write cert file '%s': %w", certFile, err)
	}
	if err := certOut.Close(); err != nil {
		return "", "", fmt.Errorf("ca: failed to close cert file '%s': %w", certFile, err)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("ca: failed to open key file '%s': %w", keyFile, err)
	}
	keyBytes := x509.MarshalPKCS1PrivateKey(privKey)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes}); err != nil {
		keyOut.Close()
		return "", "", fmt.Errorf("ca: failed to write key file '%s': %w", keyFile, err)
	}
	if err := keyOut.Close(); err != nil {
		return "", "", fmt.Errorf("ca: failed to close key file '%s': %w", keyFile, err)
	}

	return certFile, keyFile, nil
}
