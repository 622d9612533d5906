package management

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/ca"
)

func getCA(c echo.Context) *ca.Service {
	return c.Get("caService").(*ca.Service)
}

type revokeRequest struct {
	ReasonCode int `json:"reasonCode"`
}

// HandleRevokeCertificate revokes an issued certificate by serial number and
// regenerates the CRL. Revoking an already revoked certificate is a no-op.
func HandleRevokeCertificate(c echo.Context) error {
	serial, err := pathValue(c, "serial")
	if err != nil {
		return err
	}

	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	// RFC 5280 reason codes; 7 is unassigned.
	if req.ReasonCode < 0 || req.ReasonCode > 10 || req.ReasonCode == 7 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid revocation reason code %d", req.ReasonCode))
	}

	ctx := c.Request().Context()
	cert, err := getStore(c).GetCertificateData(ctx, serial)
	if err != nil {
		getLogger(c).Error("certificate lookup failed", zap.String("serial", serial), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to look up certificate")
	}
	if cert == nil {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no certificate with serial %q", serial))
	}

	if err := getCA(c).RevokeCertificate(ctx, serial, req.ReasonCode); err != nil {
		getLogger(c).Error("revocation failed", zap.String("serial", serial), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to revoke certificate")
	}
	getLogger(c).Info("certificate revoked",
		zap.String("serial", serial),
		zap.Int("reason_code", req.ReasonCode))
	return c.NoContent(http.StatusNoContent)
}

// HandleListRevoked lists revoked certificates.
func HandleListRevoked(c echo.Context) error {
	certs, err := getStore(c).ListRevokedCertificates(c.Request().Context())
	if err != nil {
		getLogger(c).Error("failed to list revoked certificates", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve revoked certificates")
	}
	type entry struct {
		SerialNumber string `json:"serialNumber"`
		RevokedAt    string `json:"revokedAt"`
		ReasonCode   int    `json:"reasonCode"`
	}
	out := make([]entry, 0, len(certs))
	for _, cert := range certs {
		out = append(out, entry{
			SerialNumber: cert.SerialNumber,
			RevokedAt:    cert.RevokedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			ReasonCode:   cert.RevocationReason,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// HandleCRL serves the current certificate revocation list in DER form,
// generating it on first request.
func HandleCRL(c echo.Context) error {
	caService := getCA(c)
	der := caService.CurrentCRL()
	if der == nil {
		var err error
		der, err = caService.GenerateCRL(c.Request().Context())
		if err != nil {
			getLogger(c).Error("CRL generation failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate CRL")
		}
	}
	return c.Blob(http.StatusOK, "application/pkix-crl", der)
}
