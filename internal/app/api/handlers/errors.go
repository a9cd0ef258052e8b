package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/chanseller/internal/app/service/incident"
	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/tasks"
	"github.com/fatflowers/chanseller/internal/app/service/watchdog"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	"github.com/fatflowers/chanseller/pkg/response"
)

var (
	notFoundErrs = []error{
		ledger.ErrPaymentNotFound,
		ledger.ErrTariffNotFound,
		ledger.ErrUserNotFound,
		ledger.ErrSubscriptionNotFound,
		incident.ErrNotFound,
		tasks.ErrNotFound,
		cryptopay.ErrInvoiceNotFound,
	}
	conflictErrs = []error{
		ledger.ErrTariffInactive,
		ledger.ErrUserBanned,
		ledger.ErrTrialUnavailable,
		ledger.ErrIllegalTransition,
		ledger.ErrQuoteChanged,
		tasks.ErrNotRetryable,
		watchdog.ErrSweepInProgress,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func codeFor(err error) response.APIResponseCode {
	var perr *ledger.PromocodeError
	switch {
	case errors.As(err, &perr), errors.Is(err, ledger.ErrInvalidDays):
		return response.APIResponseCodeBadRequest
	case isAny(err, notFoundErrs):
		return response.APIResponseCodeNotFound
	case isAny(err, conflictErrs):
		return response.APIResponseCodeConflict
	case errors.Is(err, cryptopay.ErrGatewayUnavailable):
		return response.APIResponseCodeGatewayUnavailable
	default:
		return response.APIResponseCodeError
	}
}

// fail writes a service error in the response envelope. Business errors keep
// HTTP 200 and carry their meaning in the code.
func fail(c *gin.Context, err error) {
	code := codeFor(err)
	if code == response.APIResponseCodeError {
		// surfaced by the access log
		_ = c.Error(err)
	}
	var perr *ledger.PromocodeError
	if errors.As(err, &perr) {
		c.JSON(http.StatusOK, response.ErrorT(code, map[string]string{"error": err.Error(), "reason": string(perr.Reason)}))
		return
	}
	c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
}
