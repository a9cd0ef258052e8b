package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/reconciler"
	"github.com/fatflowers/chanseller/internal/app/service/tasks"
	"github.com/fatflowers/chanseller/internal/app/service/watchdog"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	"github.com/fatflowers/chanseller/internal/platform/telegram"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

type Ledger interface {
	EnsureUser(ctx context.Context, p ledger.UserProfile) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	GetTariff(ctx context.Context, id string) (*models.Tariff, error)
	QuotePayment(ctx context.Context, userID string, tariff *models.Tariff, code string) (*ledger.Quote, error)
	ValidatePromocode(ctx context.Context, code, userID string, tariff *models.Tariff) (*ledger.Quote, error)
	BeginPayment(ctx context.Context, req ledger.BeginPaymentRequest) (*models.Payment, error)
	CompletePayment(ctx context.Context, invoiceID string, paidAt time.Time, paidAmount *decimal.Decimal) (*ledger.Completion, error)
	CancelPayment(ctx context.Context, invoiceID string) (*models.Payment, error)
	GetPaymentByInvoice(ctx context.Context, invoiceID string) (*models.Payment, error)
	GrantManual(ctx context.Context, req ledger.GrantRequest) (*ledger.Completion, error)
	GrantTrial(ctx context.Context, user *models.User, tariff *models.Tariff) (*ledger.Completion, error)
	Extend(ctx context.Context, subscriptionID string, days int) (*ledger.Completion, error)
	GetActiveSubscriptions(ctx context.Context, userID string) ([]*models.Subscription, error)
}

type Gateway interface {
	CreateInvoice(ctx context.Context, req cryptopay.CreateInvoiceRequest) (*cryptopay.InvoiceHandle, error)
	DeleteInvoice(ctx context.Context, externalID string) error
}

type Reconciler interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (*reconciler.Result, error)
	Poll(ctx context.Context, invoiceID string) (*reconciler.Result, error)
}

type Sweeper interface {
	RunNow(ctx context.Context) (*watchdog.SweepReport, error)
}

// Waker is poked after membership tasks were written.
type Waker interface {
	Wake()
}

type Notifier interface {
	SendAccessGranted(ctx context.Context, n telegram.AccessGranted) error
}

// Orchestrator is the entry point used by the bot front-end and admin API.
type Orchestrator struct {
	ledger     Ledger
	gateway    Gateway
	reconciler Reconciler
	sweeper    Sweeper
	waker      Waker
	notifier   Notifier
	invoiceTTL time.Duration
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewOrchestrator(l Ledger, gw Gateway, r Reconciler, s Sweeper, w Waker, n Notifier, invoiceTTL time.Duration, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		ledger:     l,
		gateway:    gw,
		reconciler: r,
		sweeper:    s,
		waker:      w,
		notifier:   n,
		invoiceTTL: invoiceTTL,
		log:        log,
		now:        time.Now,
	}
}

func New(
	l *ledger.Service,
	gw *cryptopay.Client,
	r *reconciler.Reconciler,
	w *watchdog.Watchdog,
	d *tasks.Dispatcher,
	n telegram.Notifier,
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
) *Orchestrator {
	o := NewOrchestrator(l, gw, r, w, d, n, cfg.CryptoPay.InvoiceTTL, log)
	w.OnCompletion(o.afterCompletion)
	return o
}

var Module = fx.Options(fx.Provide(New))

type BuyRequest struct {
	Profile   ledger.UserProfile `json:"user" binding:"required"`
	TariffID  string             `json:"tariff_id" binding:"required"`
	PromoCode string             `json:"promo_code"`
}

// Checkout is what the user needs to pay.
type Checkout struct {
	PaymentID      string              `json:"payment_id"`
	InvoiceID      string              `json:"invoice_id"`
	PayURL         string              `json:"pay_url,omitempty"`
	Asset          string              `json:"asset"`
	Amount         decimal.Decimal     `json:"amount"`
	OriginalAmount decimal.Decimal     `json:"original_amount"`
	Discount       decimal.Decimal     `json:"discount"`
	ExpiresAt      *time.Time          `json:"expires_at,omitempty"`
	Status         types.PaymentStatus `json:"status"`
}

// BuyRequest prices the tariff, opens a gateway invoice and records the
// pending payment. A fully discounted purchase completes at once.
func (o *Orchestrator) BuyRequest(ctx context.Context, req BuyRequest) (*Checkout, error) {
	log := logctx.FromCtx(ctx, o.log)

	user, tariff, err := o.buyer(ctx, req.Profile, req.TariffID)
	if err != nil {
		return nil, err
	}
	quote, err := o.ledger.QuotePayment(ctx, user.ID, tariff, req.PromoCode)
	if err != nil {
		return nil, err
	}

	if !quote.FinalAmount.IsPositive() {
		return o.freeCheckout(ctx, user, tariff, req.PromoCode, quote)
	}

	payload := ledger.InvoicePayload{UserID: user.ID, TariffID: tariff.ID}
	if id := quote.PromocodeID(); id != nil {
		payload.PromocodeID = *id
	}
	inv, err := o.gateway.CreateInvoice(ctx, cryptopay.CreateInvoiceRequest{
		Amount:      quote.FinalAmount,
		Asset:       quote.Asset,
		Description: fmt.Sprintf("%s subscription", tariff.Name),
		Payload:     payload.String(),
		TTL:         o.invoiceTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	p, err := o.ledger.BeginPayment(ctx, ledger.BeginPaymentRequest{
		User:           user,
		Tariff:         tariff,
		PromoCode:      req.PromoCode,
		ExpectedAmount: quote.FinalAmount,
		Invoice:        ledger.InvoiceRef{ID: inv.ExternalID, PayURL: inv.PayURL, ExpiresAt: inv.ExpiresAt},
		Method:         types.PaymentMethodCryptoPay,
	})
	if err != nil {
		if derr := o.gateway.DeleteInvoice(ctx, inv.ExternalID); derr != nil {
			log.Warnw("orphan_invoice_delete_failed", "invoice_id", inv.ExternalID, "err", derr)
		}
		return nil, err
	}
	return checkoutFor(p, quote), nil
}

func (o *Orchestrator) freeCheckout(ctx context.Context, user *models.User, tariff *models.Tariff, code string, quote *ledger.Quote) (*Checkout, error) {
	p, err := o.ledger.BeginPayment(ctx, ledger.BeginPaymentRequest{
		User:           user,
		Tariff:         tariff,
		PromoCode:      code,
		ExpectedAmount: quote.FinalAmount,
		Invoice:        ledger.InvoiceRef{ID: "free-" + tool.GenerateUUIDV7()},
		Method:         types.PaymentMethodFree,
	})
	if err != nil {
		return nil, err
	}
	zero := decimal.Zero
	c, err := o.ledger.CompletePayment(ctx, p.InvoiceID, o.now(), &zero)
	if err != nil {
		return nil, err
	}
	o.afterCompletion(ctx, c)
	return checkoutFor(c.Payment, quote), nil
}

func checkoutFor(p *models.Payment, q *ledger.Quote) *Checkout {
	return &Checkout{
		PaymentID:      p.ID,
		InvoiceID:      p.InvoiceID,
		PayURL:         p.PayURL,
		Asset:          p.Asset,
		Amount:         p.Amount,
		OriginalAmount: q.OriginalAmount,
		Discount:       q.Discount,
		ExpiresAt:      p.InvoiceExpiresAt,
		Status:         p.Status,
	}
}

// buyer resolves a user allowed to buy and a tariff that is on sale.
func (o *Orchestrator) buyer(ctx context.Context, profile ledger.UserProfile, tariffID string) (*models.User, *models.Tariff, error) {
	user, err := o.ledger.EnsureUser(ctx, profile)
	if err != nil {
		return nil, nil, err
	}
	if user.IsBanned {
		return nil, nil, ledger.ErrUserBanned
	}
	tariff, err := o.ledger.GetTariff(ctx, tariffID)
	if err != nil {
		return nil, nil, err
	}
	if !tariff.IsActive {
		return nil, nil, ledger.ErrTariffInactive
	}
	return user, tariff, nil
}

// HandleWebhook applies a gateway webhook and delivers access on completion.
func (o *Orchestrator) HandleWebhook(ctx context.Context, body []byte, signature string) (*reconciler.Result, error) {
	res, err := o.reconciler.HandleWebhook(ctx, body, signature)
	if err != nil {
		return nil, err
	}
	o.afterCompletion(ctx, res.Completion)
	return res, nil
}

type PaymentState string

const (
	PaymentStatePaid       PaymentState = "paid"
	PaymentStateProcessing PaymentState = "processing"
	PaymentStateExpired    PaymentState = "expired"
	PaymentStateCancelled  PaymentState = "cancelled"
)

type CheckResult struct {
	InvoiceID string            `json:"invoice_id"`
	State     PaymentState      `json:"state"`
	Action    reconciler.Action `json:"action"`
}

// CheckPayment is the user's "I paid" button: it polls the gateway.
func (o *Orchestrator) CheckPayment(ctx context.Context, invoiceID string) (*CheckResult, error) {
	res, err := o.reconciler.Poll(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	o.afterCompletion(ctx, res.Completion)
	return &CheckResult{InvoiceID: invoiceID, State: stateFor(res), Action: res.Action}, nil
}

func stateFor(res *reconciler.Result) PaymentState {
	switch res.PaymentStatus {
	case types.PaymentStatusPaid, types.PaymentStatusManual:
		return PaymentStatePaid
	case types.PaymentStatusExpired:
		return PaymentStateExpired
	case types.PaymentStatusCancelled:
		return PaymentStateCancelled
	}
	switch res.Action {
	case reconciler.ActionCompleted, reconciler.ActionAlreadyCompleted:
		return PaymentStatePaid
	case reconciler.ActionExpired:
		return PaymentStateExpired
	}
	return PaymentStateProcessing
}

// CancelPayment withdraws the invoice at the gateway, best effort, and
// cancels the pending payment.
func (o *Orchestrator) CancelPayment(ctx context.Context, invoiceID string) (*models.Payment, error) {
	p, err := o.ledger.GetPaymentByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if p.Status == types.PaymentStatusPending && p.Method == types.PaymentMethodCryptoPay {
		if err := o.gateway.DeleteInvoice(ctx, invoiceID); err != nil {
			logctx.FromCtx(ctx, o.log).Warnw("invoice_delete_failed", "invoice_id", invoiceID, "err", err)
		}
	}
	return o.ledger.CancelPayment(ctx, invoiceID)
}

type PromocodeRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	TariffID   string `json:"tariff_id" binding:"required"`
	Code       string `json:"code" binding:"required"`
}

func (o *Orchestrator) ValidatePromocode(ctx context.Context, req PromocodeRequest) (*ledger.Quote, error) {
	tariff, err := o.ledger.GetTariff(ctx, req.TariffID)
	if err != nil {
		return nil, err
	}
	var userID string
	user, err := o.ledger.GetUserByTelegramID(ctx, req.TelegramID)
	switch {
	case err == nil:
		userID = user.ID
	case !errors.Is(err, ledger.ErrUserNotFound):
		return nil, err
	}
	return o.ledger.ValidatePromocode(ctx, req.Code, userID, tariff)
}

type TrialRequest struct {
	Profile  ledger.UserProfile `json:"user" binding:"required"`
	TariffID string             `json:"tariff_id" binding:"required"`
}

func (o *Orchestrator) ActivateTrial(ctx context.Context, req TrialRequest) (*models.Subscription, error) {
	user, tariff, err := o.buyer(ctx, req.Profile, req.TariffID)
	if err != nil {
		return nil, err
	}
	c, err := o.ledger.GrantTrial(ctx, user, tariff)
	if err != nil {
		return nil, err
	}
	o.afterCompletion(ctx, c)
	return c.Subscription, nil
}

type GrantRequest struct {
	TelegramID int64  `json:"telegram_id" binding:"required"`
	TariffID   string `json:"tariff_id" binding:"required"`
	Days       int    `json:"days" binding:"gte=0"`
	GrantedBy  int64  `json:"-"`
}

func (o *Orchestrator) GrantManual(ctx context.Context, req GrantRequest) (*models.Subscription, error) {
	user, err := o.ledger.EnsureUser(ctx, ledger.UserProfile{TelegramID: req.TelegramID})
	if err != nil {
		return nil, err
	}
	tariff, err := o.ledger.GetTariff(ctx, req.TariffID)
	if err != nil {
		return nil, err
	}
	c, err := o.ledger.GrantManual(ctx, ledger.GrantRequest{User: user, Tariff: tariff, GrantedBy: req.GrantedBy, DaysOverride: req.Days})
	if err != nil {
		return nil, err
	}
	o.afterCompletion(ctx, c)
	return c.Subscription, nil
}

func (o *Orchestrator) Extend(ctx context.Context, subscriptionID string, days int) (*models.Subscription, error) {
	c, err := o.ledger.Extend(ctx, subscriptionID, days)
	if err != nil {
		return nil, err
	}
	if len(c.Tasks) > 0 {
		o.waker.Wake()
	}
	return c.Subscription, nil
}

// GetActiveSubscriptions returns nothing for users we have never seen.
func (o *Orchestrator) GetActiveSubscriptions(ctx context.Context, telegramID int64) ([]*models.Subscription, error) {
	user, err := o.ledger.GetUserByTelegramID(ctx, telegramID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		return []*models.Subscription{}, nil
	}
	if err != nil {
		return nil, err
	}
	return o.ledger.GetActiveSubscriptions(ctx, user.ID)
}

// TimePasses runs the expiry sweep now instead of waiting for the schedule.
func (o *Orchestrator) TimePasses(ctx context.Context) (*watchdog.SweepReport, error) {
	return o.sweeper.RunNow(ctx)
}

// afterCompletion wakes the task dispatcher and tells the user access is on
// its way. Only the call that created the subscription does this.
func (o *Orchestrator) afterCompletion(ctx context.Context, c *ledger.Completion) {
	if c == nil || !c.Created || c.Subscription == nil {
		return
	}
	if len(c.Tasks) > 0 {
		o.waker.Wake()
	}
	if c.User == nil || c.Tariff == nil {
		return
	}
	n := telegram.AccessGranted{
		ChatID:     c.User.TelegramID,
		TariffName: c.Tariff.Name,
		ExpiresAt:  c.Subscription.ExpiresAt,
	}
	for _, ch := range c.Tariff.ActiveChannels() {
		n.Channels = append(n.Channels, ch.Title)
	}
	if err := o.notifier.SendAccessGranted(ctx, n); err != nil {
		logctx.FromCtx(ctx, o.log).Warnw("access_granted_notice_failed", "subscription_id", c.Subscription.ID, "err", err)
	}
}
