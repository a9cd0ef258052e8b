package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/app/service/incident"
	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/notification_log"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/internal/platform/cache"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/metrics"
	"github.com/fatflowers/chanseller/pkg/types"
)

var (
	ErrSignatureMissing = errors.New("webhook signature missing")
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrMalformedUpdate  = errors.New("malformed webhook update")
)

type Action string

const (
	ActionCompleted        Action = "completed"
	ActionAlreadyCompleted Action = "already_completed"
	ActionExpired          Action = "expired"
	ActionPending          Action = "pending"
	ActionIgnored          Action = "ignored"
	ActionRejected         Action = "rejected"
	ActionMismatch         Action = "mismatch"
	ActionDuplicate        Action = "duplicate"
)

// Result describes what a webhook or poll did to the payment.
type Result struct {
	Action        Action              `json:"action"`
	InvoiceID     string              `json:"invoice_id,omitempty"`
	PaymentStatus types.PaymentStatus `json:"payment_status,omitempty"`
	Completion    *ledger.Completion  `json:"-"`
}

// Created reports whether this call turned the payment into new access.
func (r *Result) Created() bool {
	return r != nil && r.Completion != nil && r.Completion.Created
}

type Ledger interface {
	GetPaymentByInvoice(ctx context.Context, invoiceID string) (*models.Payment, error)
	CompletePayment(ctx context.Context, invoiceID string, paidAt time.Time, paidAmount *decimal.Decimal) (*ledger.Completion, error)
	ExpirePayment(ctx context.Context, invoiceID string) (*models.Payment, error)
	HoldPayment(ctx context.Context, invoiceID string) (bool, error)
}

type Gateway interface {
	VerifyWebhookSignature(body []byte, signature string) bool
	GetInvoice(ctx context.Context, externalID string) (*cryptopay.Invoice, error)
}

type Journal interface {
	Received(ctx context.Context, source models.PaymentNotificationSource, data []byte) *models.PaymentNotificationLog
	Finish(ctx context.Context, entry *models.PaymentNotificationLog, status models.PaymentNotificationLogStatus, result any)
}

type Incidents interface {
	Open(ctx context.Context, inc *models.OperatorIncident) error
}

// Dedupe remembers processed webhook update ids.
type Dedupe interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

const dedupeTTL = 24 * time.Hour

// Reconciler turns gateway events, pushed or polled, into ledger changes.
// Both paths share the same checks and rely on the ledger being idempotent.
type Reconciler struct {
	ledger    Ledger
	gateway   Gateway
	journal   Journal
	incidents Incidents
	dedupe    Dedupe
	tolerance decimal.Decimal
	log       *zap.SugaredLogger
	metrics   *metrics.Business
	now       func() time.Time
}

func New(
	l *ledger.Service,
	gw *cryptopay.Client,
	j *notification_log.Service,
	inc *incident.Service,
	store cache.Store,
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
	m *metrics.Business,
) (*Reconciler, error) {
	tol := decimal.Zero
	if cfg.CryptoPay.AmountTolerance != "" {
		var err error
		if tol, err = decimal.NewFromString(cfg.CryptoPay.AmountTolerance); err != nil {
			return nil, fmt.Errorf("invalid cryptopay amount tolerance: %w", err)
		}
	}
	return newReconciler(l, gw, j, inc, store, tol, log, m), nil
}

func newReconciler(l Ledger, gw Gateway, j Journal, inc Incidents, d Dedupe, tol decimal.Decimal, log *zap.SugaredLogger, m *metrics.Business) *Reconciler {
	return &Reconciler{
		ledger:    l,
		gateway:   gw,
		journal:   j,
		incidents: inc,
		dedupe:    d,
		tolerance: tol.Abs(),
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

var Module = fx.Options(fx.Provide(New))

// HandleWebhook verifies, de-duplicates and applies a gateway webhook.
// Signature failures return ErrSignatureMissing or ErrSignatureInvalid and
// leave the ledger untouched.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (*Result, error) {
	log := logctx.FromCtx(ctx, r.log)
	entry := r.journal.Received(ctx, models.PaymentNotificationSourceWebhook, body)

	if signature == "" {
		r.reject(ctx, entry, "missing signature")
		return nil, ErrSignatureMissing
	}
	if !r.gateway.VerifyWebhookSignature(body, signature) {
		r.reject(ctx, entry, "invalid signature")
		return nil, ErrSignatureInvalid
	}

	update, err := cryptopay.ParseWebhook(body)
	if err != nil {
		r.reject(ctx, entry, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	invoiceID := update.Payload.ExternalID()
	entry.UpdateID = &update.UpdateID
	entry.InvoiceID = invoiceID

	key := fmt.Sprintf("webhook:update:%d", update.UpdateID)
	if seen, err := r.dedupe.Seen(ctx, key); err != nil {
		log.Warnw("webhook_dedupe_failed", "update_id", update.UpdateID, "err", err)
	} else if seen {
		res := &Result{Action: ActionDuplicate, InvoiceID: invoiceID}
		r.finish(ctx, entry, models.PaymentNotificationSourceWebhook, res, nil)
		return res, nil
	}

	var res *Result
	if update.UpdateType != cryptopay.UpdateTypeInvoicePaid {
		log.Infow("webhook_ignored", "update_id", update.UpdateID, "update_type", update.UpdateType)
		res = &Result{Action: ActionIgnored, InvoiceID: invoiceID}
	} else {
		res, err = r.settle(ctx, &update.Payload)
	}
	r.finish(ctx, entry, models.PaymentNotificationSourceWebhook, res, err)
	if err != nil {
		return nil, err
	}

	if err := r.dedupe.Mark(ctx, key, dedupeTTL); err != nil {
		log.Warnw("webhook_dedupe_mark_failed", "update_id", update.UpdateID, "err", err)
	}
	return res, nil
}

// Poll asks the gateway for the invoice state and applies it. A gateway
// outage is returned as is and never expires the payment.
func (r *Reconciler) Poll(ctx context.Context, invoiceID string) (*Result, error) {
	p, err := r.ledger.GetPaymentByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case types.PaymentStatusPaid, types.PaymentStatusManual:
		return &Result{Action: ActionAlreadyCompleted, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
	case types.PaymentStatusExpired:
		return &Result{Action: ActionExpired, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
	case types.PaymentStatusCancelled:
		return &Result{Action: ActionIgnored, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
	}

	inv, err := r.gateway.GetInvoice(ctx, invoiceID)
	if err != nil && !errors.Is(err, cryptopay.ErrInvoiceNotFound) {
		r.metrics.Reconcile.WithLabelValues(string(models.PaymentNotificationSourcePoll), "error").Inc()
		return nil, fmt.Errorf("failed to poll invoice %s: %w", invoiceID, err)
	}

	var raw []byte
	if inv != nil {
		raw, _ = json.Marshal(inv)
	} else {
		raw, _ = json.Marshal(map[string]string{"invoice_id": invoiceID, "status": "not_found"})
	}
	entry := r.journal.Received(ctx, models.PaymentNotificationSourcePoll, raw)
	entry.InvoiceID = invoiceID

	var res *Result
	switch {
	case inv == nil, inv.Status == cryptopay.InvoiceStatusExpired:
		res, err = r.expire(ctx, invoiceID)
	case inv.Status == cryptopay.InvoiceStatusPaid:
		res, err = r.settle(ctx, inv)
	default:
		res = &Result{Action: ActionPending, InvoiceID: invoiceID, PaymentStatus: p.Status}
	}
	r.finish(ctx, entry, models.PaymentNotificationSourcePoll, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) expire(ctx context.Context, invoiceID string) (*Result, error) {
	p, err := r.ledger.ExpirePayment(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, ledger.ErrIllegalTransition) {
			// lost a race with a completion
			return &Result{Action: ActionIgnored, InvoiceID: invoiceID}, nil
		}
		return nil, err
	}
	return &Result{Action: ActionExpired, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
}

// settle applies a paid invoice after checking it belongs to the stored
// payment and covers its amount.
func (r *Reconciler) settle(ctx context.Context, inv *cryptopay.Invoice) (*Result, error) {
	log := logctx.FromCtx(ctx, r.log)
	invoiceID := inv.ExternalID()

	p, err := r.ledger.GetPaymentByInvoice(ctx, invoiceID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		r.openIncident(ctx, &models.OperatorIncident{
			Kind:                   types.IncidentKindReconcileFailed,
			OperatorActionRequired: true,
			Detail:                 fmt.Sprintf("paid invoice %s has no payment", invoiceID),
		})
		return &Result{Action: ActionIgnored, InvoiceID: invoiceID}, nil
	}
	if err != nil {
		return nil, err
	}

	if p.Status == types.PaymentStatusPending {
		if ok, detail := payloadMatches(p, inv.Payload); !ok {
			log.Warnw("payment_payload_mismatch", "invoice_id", invoiceID, "payment_id", p.ID, "detail", detail)
			r.hold(ctx, p, types.IncidentKindPaymentPayloadMismatch, detail)
			return &Result{Action: ActionMismatch, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
		}
		if ok, detail := amountMatches(p, inv, r.tolerance); !ok {
			log.Warnw("payment_amount_mismatch", "invoice_id", invoiceID, "payment_id", p.ID, "detail", detail)
			r.hold(ctx, p, types.IncidentKindPaymentAmountMismatch, detail)
			return &Result{Action: ActionMismatch, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
		}
	}

	paidAt := r.now()
	if inv.PaidAt != nil {
		paidAt = *inv.PaidAt
	}
	paidAmount := inv.Amount
	if inv.PaidAsset == inv.Asset && inv.PaidAmount.IsPositive() {
		paidAmount = inv.PaidAmount
	}

	c, err := r.ledger.CompletePayment(ctx, invoiceID, paidAt, &paidAmount)
	if errors.Is(err, ledger.ErrIllegalTransition) {
		// money arrived for an invoice we already closed
		r.openIncident(ctx, &models.OperatorIncident{
			Kind:                   types.IncidentKindReconcileFailed,
			OperatorActionRequired: true,
			PaymentID:              &p.ID,
			Detail:                 fmt.Sprintf("invoice %s paid but payment is %s", invoiceID, p.Status),
		})
		return &Result{Action: ActionMismatch, InvoiceID: invoiceID, PaymentStatus: p.Status}, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Action: ActionAlreadyCompleted, InvoiceID: invoiceID, PaymentStatus: c.Payment.Status, Completion: c}
	if c.Created {
		res.Action = ActionCompleted
	}
	return res, nil
}

func (r *Reconciler) reject(ctx context.Context, entry *models.PaymentNotificationLog, reason string) {
	logctx.FromCtx(ctx, r.log).Warnw("webhook_rejected", "reason", reason)
	r.metrics.Reconcile.WithLabelValues(string(models.PaymentNotificationSourceWebhook), string(ActionRejected)).Inc()
	r.journal.Finish(ctx, entry, models.PaymentNotificationLogStatusRejected, map[string]string{"action": string(ActionRejected), "reason": reason})
}

func (r *Reconciler) finish(ctx context.Context, entry *models.PaymentNotificationLog, source models.PaymentNotificationSource, res *Result, err error) {
	if err != nil {
		r.metrics.Reconcile.WithLabelValues(string(source), "error").Inc()
		r.journal.Finish(ctx, entry, models.PaymentNotificationLogStatusHandleFailed, map[string]string{"error": err.Error()})
		logctx.FromCtx(ctx, r.log).Errorw("reconcile_failed", "source", source, "invoice_id", entry.InvoiceID, "err", err)
		return
	}
	r.metrics.Reconcile.WithLabelValues(string(source), string(res.Action)).Inc()
	r.journal.Finish(ctx, entry, models.PaymentNotificationLogStatusHandled, res)
	logctx.FromCtx(ctx, r.log).Infow("reconciled", "source", source, "invoice_id", res.InvoiceID, "action", res.Action)
}

// hold parks a mismatched payment for review. The incident is opened once,
// by the call that placed the hold; a failed hold still opens one.
func (r *Reconciler) hold(ctx context.Context, p *models.Payment, kind types.IncidentKind, detail string) {
	if p.HeldAt != nil {
		return
	}
	held, err := r.ledger.HoldPayment(ctx, p.InvoiceID)
	if err != nil {
		logctx.FromCtx(ctx, r.log).Errorw("payment_hold_failed", "invoice_id", p.InvoiceID, "err", err)
	} else if !held {
		return
	}
	r.openIncident(ctx, &models.OperatorIncident{
		Kind:                   kind,
		OperatorActionRequired: true,
		PaymentID:              &p.ID,
		Detail:                 detail,
	})
}

func (r *Reconciler) openIncident(ctx context.Context, inc *models.OperatorIncident) {
	if err := r.incidents.Open(ctx, inc); err != nil {
		logctx.FromCtx(ctx, r.log).Errorw("incident_open_failed", "kind", inc.Kind, "err", err)
	}
}

func payloadMatches(p *models.Payment, payload string) (bool, string) {
	want := ledger.PayloadFor(p)
	got, err := ledger.ParseInvoicePayload(payload)
	if err != nil {
		return false, err.Error()
	}
	if got != want {
		return false, fmt.Sprintf("invoice payload %q does not match payment %q", got.String(), want.String())
	}
	return true, ""
}

func amountMatches(p *models.Payment, inv *cryptopay.Invoice, tolerance decimal.Decimal) (bool, string) {
	if inv.Asset != p.Asset {
		return false, fmt.Sprintf("invoice asset %s, payment asset %s", inv.Asset, p.Asset)
	}
	if inv.Amount.Sub(p.Amount).Abs().GreaterThan(tolerance) {
		return false, fmt.Sprintf("invoice amount %s, payment amount %s", inv.Amount, p.Amount)
	}
	return true, ""
}
