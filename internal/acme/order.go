package acme

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/order"
	"github.com/blockadesystems/certmint/internal/problem"
)

// HandleNewOrder creates an order with pending authorizations for each
// requested identifier.
func HandleNewOrder(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}

	var payload NewOrderPayload
	if prob := vr.decodePayload(&payload); prob != nil {
		return renderProblem(c, prob)
	}

	cfg := getConfig(c)
	ord, authzs, err := getOrders(c).CreateOrder(c.Request().Context(), vr.Account, order.NewOrderRequest{
		Identifiers: payload.Identifiers,
		NotBefore:   payload.NotBefore,
		NotAfter:    payload.NotAfter,
	})
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	getLogger(c).Info("order created",
		zap.String("account_id", vr.Account.ID),
		zap.String("order_id", ord.ID),
		zap.Int("identifiers", len(ord.Identifiers)))

	c.Response().Header().Set(echo.HeaderLocation, orderURL(cfg, ord.ID))
	return c.JSON(http.StatusCreated, renderOrder(cfg, ord, authzs))
}

// HandleGetOrder serves POST /acme/order/:orderID (POST-as-GET).
func HandleGetOrder(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}

	cfg := getConfig(c)
	orders := getOrders(c)
	ord, err := orders.GetOrder(c.Request().Context(), vr.Account, c.Param("orderID"))
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	authzs, err := orders.Authorizations(c.Request().Context(), ord)
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	return c.JSON(http.StatusOK, renderOrder(cfg, ord, authzs))
}

// HandleAuthorization serves POST /acme/order/:orderID/auth/:authID
// (POST-as-GET). The authorization must belong to the order in the URL.
func HandleAuthorization(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}

	authz, err := getOrders(c).GetAuthorization(c.Request().Context(), vr.Account, c.Param("authID"))
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	orderID := c.Param("orderID")
	if authz.OrderID != orderID {
		return renderProblem(c, problem.NotFound(fmt.Sprintf("authorization %q not found", c.Param("authID"))))
	}
	return c.JSON(http.StatusOK, renderAuthorization(getConfig(c), orderID, authz))
}

// HandleChallenge serves POST /acme/order/:orderID/auth/:authID/chall/:challengeID.
// POST-as-GET returns the challenge; any payload, by convention the empty
// object, asks the server to attempt validation. The response links the
// parent authorization with rel="up".
func HandleChallenge(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}

	ctx := c.Request().Context()
	orders := getOrders(c)
	chalID := c.Param("challengeID")
	orderID := c.Param("orderID")

	chal, authz, err := orders.GetChallenge(ctx, vr.Account, chalID)
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	// The URL must name the challenge's real parents before any attempt is
	// recorded.
	if authz.ID != c.Param("authID") || authz.OrderID != orderID {
		return renderProblem(c, problem.NotFound(fmt.Sprintf("challenge %q not found", chalID)))
	}

	if !vr.PostAsGet() {
		chal, authz, err = orders.ProcessChallenge(ctx, vr.Account, chalID)
		if err != nil {
			return renderProblem(c, problem.FromError(err))
		}
	}

	cfg := getConfig(c)
	chal.URL = challengeURL(cfg, orderID, authz.ID, chal.ID)
	c.Response().Header().Add("Link", fmt.Sprintf("<%s>;rel=\"up\"", authzURL(cfg, orderID, authz.ID)))
	return c.JSON(http.StatusOK, chal)
}

// HandleFinalize serves POST /acme/order/:orderID/finalize. The payload
// carries a base64url DER CSR covering exactly the order's identifiers.
func HandleFinalize(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}

	var payload FinalizePayload
	if prob := vr.decodePayload(&payload); prob != nil {
		return renderProblem(c, prob)
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return renderProblem(c, problem.BadCSR("csr is not valid base64url"))
	}

	cfg := getConfig(c)
	orders := getOrders(c)
	ord, err := orders.Finalize(c.Request().Context(), vr.Account, c.Param("orderID"), csrDER)
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	authzs, err := orders.Authorizations(c.Request().Context(), ord)
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	c.Response().Header().Set(echo.HeaderLocation, orderURL(cfg, ord.ID))
	return c.JSON(http.StatusOK, renderOrder(cfg, ord, authzs))
}

// HandleCertificate serves POST /acme/order/:orderID/certificate
// (POST-as-GET), returning the issued chain as
// application/pem-certificate-chain.
func HandleCertificate(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}
	if !vr.PostAsGet() {
		return renderProblem(c, problem.Malformed("certificate download only supports POST-as-GET"))
	}

	cert, err := getOrders(c).Certificate(c.Request().Context(), vr.Account, c.Param("orderID"))
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	pem := cert.CertificatePEM + cert.ChainPEM
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(pem))
}
