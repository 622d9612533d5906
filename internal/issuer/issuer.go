// Package issuer abstracts the signing backend the order finalizer calls.
package issuer

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certmint/internal/ca"
	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
	"github.com/blockadesystems/certmint/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "issuer"))
}

// IssuedCertificate is the result of a successful issuance.
type IssuedCertificate struct {
	SerialNumber   string // hex
	CertificatePEM string
	ChainPEM       string
	NotAfter       time.Time
}

// Issuer turns a finalized order's CSR into a certificate. Implementations
// may be slow; callers bound them with the request context.
type Issuer interface {
	IssueCertificate(ctx context.Context, csr *x509.CertificateRequest, accountID, orderID string) (*IssuedCertificate, error)
}

// CAIssuer signs through the local CA service and records the issued
// certificate in storage.
type CAIssuer struct {
	ca    *ca.Service
	store storage.Storage
}

var _ Issuer = (*CAIssuer)(nil)

func NewCAIssuer(caService *ca.Service, store storage.Storage) *CAIssuer {
	return &CAIssuer{ca: caService, store: store}
}

func (i *CAIssuer) IssueCertificate(ctx context.Context, csr *x509.CertificateRequest, accountID, orderID string) (*IssuedCertificate, error) {
	cert, err := i.ca.SignCSR(ctx, csr, 0)
	if err != nil {
		if errors.Is(err, ca.ErrPolicy) {
			return nil, problem.BadCSR(err.Error())
		}
		logger.Error("Signing failed", zap.String("orderID", orderID), zap.Error(err))
		return nil, problem.ServerInternal("certificate signing failed")
	}

	issued := &IssuedCertificate{
		SerialNumber:   cert.SerialNumber.Text(16),
		CertificatePEM: string(ca.EncodeCertificatePEM(cert)),
		ChainPEM:       string(i.ca.CertificatePEM()),
		NotAfter:       cert.NotAfter,
	}

	certData := &model.CertificateData{
		SerialNumber:   issued.SerialNumber,
		CertificatePEM: issued.CertificatePEM,
		ChainPEM:       issued.ChainPEM,
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
		AccountID:      accountID,
		OrderID:        orderID,
	}
	if err := i.store.SaveCertificateData(ctx, certData); err != nil {
		logger.Error("Failed to record issued certificate",
			zap.String("serial", issued.SerialNumber), zap.Error(err))
		return nil, problem.ServerInternal("failed to record issued certificate")
	}

	logger.Info("Certificate issued",
		zap.String("serial", issued.SerialNumber),
		zap.String("orderID", orderID))
	return issued, nil
}
