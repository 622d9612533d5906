package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/certmint/internal/model"
	"github.com/blockadesystems/certmint/internal/problem"
)

// HandleNewAccount registers an account for the embedded JWK, or returns the
// existing account bound to that key. 201 on creation, 200 on lookup, with
// the account URL in Location either way.
func HandleNewAccount(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedJWK)
	if prob != nil {
		return renderProblem(c, prob)
	}

	var payload NewAccountPayload
	if prob := vr.decodePayload(&payload); prob != nil {
		return renderProblem(c, prob)
	}

	cfg := getConfig(c)
	acc, created, err := getAccounts(c).CreateOrLookup(
		c.Request().Context(), vr.Key, payload.Contact, payload.TermsOfServiceAgreed, payload.OnlyReturnExisting)
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		getLogger(c).Info("account registered", zap.String("account_id", acc.ID))
	}
	c.Response().Header().Set(echo.HeaderLocation, accountURL(cfg, acc.ID))
	return c.JSON(status, renderAccount(cfg, acc))
}

// HandleAccount serves POST /acme/account/:accountID. POST-as-GET returns
// the account object; a payload updates contact addresses or deactivates the
// account. The kid must reference the account at the request URL.
func HandleAccount(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}
	if c.Param("accountID") != vr.Account.ID {
		return renderProblem(c, problem.Unauthorized("request URL does not match the authenticated account"))
	}

	cfg := getConfig(c)
	if vr.PostAsGet() {
		return c.JSON(http.StatusOK, renderAccount(cfg, vr.Account))
	}

	var payload AccountUpdatePayload
	if prob := vr.decodePayload(&payload); prob != nil {
		return renderProblem(c, prob)
	}

	accounts := getAccounts(c)
	acc := vr.Account
	var err error
	switch {
	case payload.Status == string(model.StatusDeactivated):
		acc, err = accounts.Deactivate(c.Request().Context(), acc)
		if err == nil {
			getLogger(c).Info("account deactivated", zap.String("account_id", acc.ID))
		}
	case payload.Status != "":
		return renderProblem(c, problem.Malformedf("account status cannot be set to %q", payload.Status))
	case payload.Contact != nil:
		acc, err = accounts.UpdateContact(c.Request().Context(), acc, payload.Contact)
	}
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	return c.JSON(http.StatusOK, renderAccount(cfg, acc))
}

// HandleAccountOrders lists the account's order URLs (POST-as-GET).
func HandleAccountOrders(c echo.Context) error {
	vr, prob := verifyRequest(c, embeddedKeyID)
	if prob != nil {
		return renderProblem(c, prob)
	}
	if c.Param("accountID") != vr.Account.ID {
		return renderProblem(c, problem.Unauthorized("request URL does not match the authenticated account"))
	}
	if !vr.PostAsGet() {
		return renderProblem(c, problem.Malformed("orders list only supports POST-as-GET"))
	}

	cfg := getConfig(c)
	orders, err := getOrders(c).OrdersForAccount(c.Request().Context(), vr.Account)
	if err != nil {
		return renderProblem(c, problem.FromError(err))
	}
	urls := make([]string, 0, len(orders))
	for _, ord := range orders {
		urls = append(urls, orderURL(cfg, ord.ID))
	}
	return c.JSON(http.StatusOK, map[string][]string{"orders": urls})
}
