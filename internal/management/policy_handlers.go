// Package management implements the operator API: issuance policy tables,
// certificate revocation, and the CRL endpoint.
package management

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

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
	logger = l.With(zap.String("package", "management"))
}

func getStore(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

func getLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return logger
}

// pathValue decodes and trims a path parameter that carries a domain name.
func pathValue(c echo.Context, name string) (string, error) {
	raw := c.Param(name)
	value, err := url.PathUnescape(raw)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid %s parameter encoding", name))
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s parameter cannot be empty", name))
	}
	return value, nil
}

type addSuffixRequest struct {
	Suffix string `json:"suffix"`
}

// HandleAddSuffix adds an allowed domain suffix. Storage normalizes case and
// leading dots.
func HandleAddSuffix(c echo.Context) error {
	var req addSuffixRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	suffix := strings.TrimSpace(req.Suffix)
	if suffix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "suffix cannot be empty")
	}

	if err := getStore(c).AddAllowedSuffix(c.Request().Context(), suffix); err != nil {
		getLogger(c).Error("failed to add allowed suffix", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save suffix")
	}
	getLogger(c).Info("added allowed suffix", zap.String("suffix", suffix))
	return c.NoContent(http.StatusCreated)
}

// HandleListSuffixes lists the allowed suffixes as a JSON array.
func HandleListSuffixes(c echo.Context) error {
	suffixes, err := getStore(c).ListAllowedSuffixes(c.Request().Context())
	if err != nil {
		getLogger(c).Error("failed to list allowed suffixes", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve suffixes")
	}
	return c.JSON(http.StatusOK, suffixes)
}

// HandleDeleteSuffix removes an allowed suffix.
func HandleDeleteSuffix(c echo.Context) error {
	suffix, err := pathValue(c, "suffix")
	if err != nil {
		return err
	}
	if err := getStore(c).DeleteAllowedSuffix(c.Request().Context(), suffix); err != nil {
		getLogger(c).Error("failed to delete allowed suffix", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete suffix")
	}
	getLogger(c).Info("deleted allowed suffix", zap.String("suffix", suffix))
	return c.NoContent(http.StatusNoContent)
}

type addDomainRequest struct {
	Domain string `json:"domain"`
}

// HandleAddDomain adds an exact allowed domain.
func HandleAddDomain(c echo.Context) error {
	var req addDomainRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain cannot be empty")
	}

	if err := getStore(c).AddAllowedDomain(c.Request().Context(), domain); err != nil {
		getLogger(c).Error("failed to add allowed domain", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save domain")
	}
	getLogger(c).Info("added allowed domain", zap.String("domain", domain))
	return c.NoContent(http.StatusCreated)
}

// HandleListDomains lists the allowed domains as a JSON array.
func HandleListDomains(c echo.Context) error {
	domains, err := getStore(c).ListAllowedDomains(c.Request().Context())
	if err != nil {
		getLogger(c).Error("failed to list allowed domains", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to retrieve domains")
	}
	return c.JSON(http.StatusOK, domains)
}

// HandleDeleteDomain removes an allowed domain.
func HandleDeleteDomain(c echo.Context) error {
	domain, err := pathValue(c, "domain")
	if err != nil {
		return err
	}
	if err := getStore(c).DeleteAllowedDomain(c.Request().Context(), domain); err != nil {
		getLogger(c).Error("failed to delete allowed domain", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete domain")
	}
	getLogger(c).Info("deleted allowed domain", zap.String("domain", domain))
	return c.NoContent(http.StatusNoContent)
}
