package order

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
)

// Finalize accepts the order's CSR and runs issuance. The order must be
// ready; the CSR must name exactly the order's identifiers. While the issuer
// runs the order is processing; if the request is canceled mid-issuance the
// order stays processing for the client to poll.
func (s *Service) Finalize(ctx context.Context, acc *model.Account, orderID string, csrDER []byte) (*model.Order, error) {
	unlock := s.locks.lock(orderID)
	defer unlock()

	order, err := s.GetOrder(ctx, acc, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusReady {
		return nil, problem.OrderNotReady(
			fmt.Sprintf("order is %s, finalization requires ready", order.Status))
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, problem.BadCSR("failed to parse CSR")
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, problem.BadCSR("invalid CSR signature")
	}
	if err := csrMatchesOrder(csr, order); err != nil {
		return nil, err
	}

	now := s.clk.Now().UTC()
	order.Status = model.StatusProcessing
	order.LastModifiedAt = now
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	issueCtx, cancel := context.WithTimeout(ctx, s.cfg.FinalizeTimeout)
	defer cancel()

	issued, issueErr := s.issuer.IssueCertificate(issueCtx, csr, acc.ID, order.ID)
	if issueErr != nil {
		if errors.Is(issueErr, context.Canceled) || ctx.Err() != nil {
			// The client went away mid-issuance. Leave the order
			// processing rather than guessing the backend's outcome.
			logger.Warn("Finalization interrupted, order left processing",
				zap.String("orderID", order.ID))
			return nil, issueErr
		}

		order.Status = model.StatusInvalid
		order.Error = problem.FromError(issueErr)
		order.LastModifiedAt = s.clk.Now().UTC()
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			return nil, err
		}
		if s.metrics != nil {
			s.metrics.FinalizeFailures.Inc()
		}
		logger.Info("Finalization failed",
			zap.String("orderID", order.ID),
			zap.String("detail", order.Error.Detail))
		return nil, issueErr
	}

	order.Status = model.StatusValid
	order.CertificateSerial = issued.SerialNumber
	order.LastModifiedAt = s.clk.Now().UTC()
	if err := s.store.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.CertificatesIssued.Inc()
	}
	logger.Info("Order finalized",
		zap.String("orderID", order.ID),
		zap.String("serial", issued.SerialNumber))
	return order, nil
}

// csrMatchesOrder requires set equality between the CSR's requested names
// and the order's identifiers.
func csrMatchesOrder(csr *x509.CertificateRequest, order *model.Order) error {
	csrNames := make(map[string]bool)
	for _, name := range csr.DNSNames {
		csrNames[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if cn := strings.ToLower(strings.TrimSpace(csr.Subject.CommonName)); cn != "" {
		csrNames[cn] = true
	}

	orderNames := make(map[string]bool)
	for _, ident := range order.Identifiers {
		orderNames[ident.Value] = true
	}

	if len(csrNames) == len(orderNames) {
		equal := true
		for name := range csrNames {
			if !orderNames[name] {
				equal = false
				break
			}
		}
		if equal {
			return nil
		}
	}

	missing := make([]string, 0)
	for name := range orderNames {
		if !csrNames[name] {
			missing = append(missing, name)
		}
	}
	extra := make([]string, 0)
	for name := range csrNames {
		if !orderNames[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	detail := "CSR does not match order identifiers"
	if len(missing) > 0 {
		detail += fmt.Sprintf("; missing %s", strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		detail += fmt.Sprintf("; unexpected %s", strings.Join(extra, ", "))
	}
	return problem.BadCSR(detail)
}

// Certificate returns the issued certificate chain for a valid order.
func (s *Service) Certificate(ctx context.Context, acc *model.Account, orderID string) (*model.CertificateData, error) {
	order, err := s.GetOrder(ctx, acc, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusValid || order.CertificateSerial == "" {
		return nil, problem.NotFound("order has no certificate")
	}
	certData, err := s.store.GetCertificateData(ctx, order.CertificateSerial)
	if err != nil {
		return nil, err
	}
	if certData == nil {
		return nil, problem.ServerInternal("certificate record missing")
	}
	return certData, nil
}
