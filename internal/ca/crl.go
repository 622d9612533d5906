package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// RevokeCertificate marks the certificate revoked in storage and regenerates
// the CRL.
func (s *Service) RevokeCertificate(ctx context.Context, serialNumber string, reasonCode int) error {
	if !s.IsInitialized() {
		return ErrNotInitialized
	}
	l := logger.With(zap.String("serial", serialNumber), zap.Int("reasonCode", reasonCode))

	if err := s.store.UpdateCertificateRevocation(ctx, serialNumber, s.clk.Now().UTC(), reasonCode); err != nil {
		l.Error("Failed to record revocation", zap.Error(err))
		return fmt.Errorf("ca: failed to record revocation: %w", err)
	}

	if _, err := s.GenerateCRL(ctx); err != nil {
		l.Error("Failed to regenerate CRL after revocation", zap.Error(err))
		return err
	}
	l.Info("Certificate revoked")
	return nil
}

// GenerateCRL signs a fresh CRL over the revoked set and caches it for
// serving.
func (s *Service) GenerateCRL(ctx context.Context) ([]byte, error) {
	if !s.IsInitialized() {
		return nil, ErrNotInitialized
	}

	s.crlMu.Lock()
	defer s.crlMu.Unlock()

	revokedList, err := s.store.ListRevokedCertificates(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to list revoked certificates: %w", err)
	}

	entries := make([]x509.RevocationListEntry, 0, len(revokedList))
	for _, certData := range revokedList {
		serial, ok := new(big.Int).SetString(certData.SerialNumber, 16)
		if !ok {
			logger.Warn("Skipping revoked certificate with unparsable serial",
				zap.String("serial", certData.SerialNumber))
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: certData.RevokedAt,
			ReasonCode:     certData.RevocationReason,
		})
	}

	now := s.clk.Now()
	template := x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now,
		NextUpdate:                now.Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
		RevokedCertificateEntries: entries,
	}

	crlDER, err := x509.CreateRevocationList(rand.Reader, &template, s.caCert, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to create CRL: %w", err)
	}

	s.crlDER = crlDER
	logger.Info("Generated CRL", zap.Int("revokedEntries", len(entries)))
	return crlDER, nil
}

// CurrentCRL returns the most recently generated CRL in DER form.
func (s *Service) CurrentCRL() []byte {
	s.crlMu.RLock()
	defer s.crlMu.RUnlock()
	return s.crlDER
}
