package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/orchestrator"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/response"
)

// Payments is the user-facing part of the orchestrator.
type Payments interface {
	BuyRequest(ctx context.Context, req orchestrator.BuyRequest) (*orchestrator.Checkout, error)
	CheckPayment(ctx context.Context, invoiceID string) (*orchestrator.CheckResult, error)
	CancelPayment(ctx context.Context, invoiceID string) (*models.Payment, error)
	ValidatePromocode(ctx context.Context, req orchestrator.PromocodeRequest) (*ledger.Quote, error)
	ActivateTrial(ctx context.Context, req orchestrator.TrialRequest) (*models.Subscription, error)
	GetActiveSubscriptions(ctx context.Context, telegramID int64) ([]*models.Subscription, error)
}

// @Summary      Create payment
// @Description  Quotes the tariff (with an optional promocode), opens a gateway invoice and records a pending payment.
// @Tags         Payment
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body orchestrator.BuyRequest true "Buy request"
// @Success      200  {object}  response.APIResponse[orchestrator.Checkout]
// @Router       /api/v1/payments [post]
func ApiCreatePayment(p Payments) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orchestrator.BuyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := p.BuyRequest(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Check payment
// @Description  Polls the gateway for the invoice and applies the result.
// @Tags         Payment
// @Produce      json
// @Security     BearerAuth
// @Param        invoice_id path string true "Gateway invoice id"
// @Success      200  {object}  response.APIResponse[orchestrator.CheckResult]
// @Router       /api/v1/payments/{invoice_id}/check [post]
func ApiCheckPayment(p Payments) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := p.CheckPayment(c.Request.Context(), c.Param("invoice_id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiCancelPayment handles POST /api/v1/payments/:invoice_id/cancel
func ApiCancelPayment(p Payments) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := p.CancelPayment(c.Request.Context(), c.Param("invoice_id"))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func ApiValidatePromocode(p Payments) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orchestrator.PromocodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := p.ValidatePromocode(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func ApiActivateTrial(p Payments) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orchestrator.TrialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		res, err := p.ActivateTrial(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterPaymentRoutes(r gin.IRouter, p Payments) {
	r.POST("/payments", ApiCreatePayment(p))
	r.POST("/payments/:invoice_id/check", ApiCheckPayment(p))
	r.POST("/payments/:invoice_id/cancel", ApiCancelPayment(p))
	r.POST("/promocodes/validate", ApiValidatePromocode(p))
	r.POST("/trials", ApiActivateTrial(p))
	RegisterUserRoutes(r, p)
}
