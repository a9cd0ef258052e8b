package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/app/service/reconciler"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/response"
)

// maxWebhookBody bounds what we read from the gateway.
const maxWebhookBody = 1 << 20

type Webhooks interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (*reconciler.Result, error)
}

// ApiCryptoPayWebhook handles gateway updates. The raw body is needed for
// signature verification, so it is read before any JSON binding.
// Signature failures answer 401 and malformed bodies 400; anything else the
// gateway should retry answers 500.
func ApiCryptoPayWebhook(h Webhooks, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logctx.FromGin(c, base)
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, "failed to read body"))
			return
		}
		log.Infow("webhook_cryptopay_received", "bytes", len(body))

		res, err := h.HandleWebhook(c.Request.Context(), body, c.GetHeader(cryptopay.SignatureHeader))
		switch {
		case errors.Is(err, reconciler.ErrSignatureMissing), errors.Is(err, reconciler.ErrSignatureInvalid):
			log.Warnw("webhook_cryptopay_rejected", "err", err)
			c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeUnauthorized, err.Error()))
			return
		case errors.Is(err, reconciler.ErrMalformedUpdate):
			log.Warnw("webhook_cryptopay_malformed", "err", err)
			c.JSON(http.StatusBadRequest, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		case err != nil:
			log.Errorw("webhook_cryptopay_handle_error", "err", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](codeFor(err), err.Error()))
			return
		}
		log.Infow("webhook_cryptopay_handled", "action", res.Action, "invoice_id", res.InvoiceID)
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, h Webhooks, log *zap.SugaredLogger) {
	r.POST("/cryptopay", ApiCryptoPayWebhook(h, log))
}
