package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/internal/platform/cache"
	"github.com/fatflowers/chanseller/internal/platform/cryptopay"
	"github.com/fatflowers/chanseller/pkg/metrics"
	"github.com/fatflowers/chanseller/pkg/types"
)

const testToken = "app-token"

// stubLedger mimics the ledger's transition rules in memory.
type stubLedger struct {
	mu        sync.Mutex
	payments  map[string]*models.Payment
	completed int
}

func newStubLedger(ps ...*models.Payment) *stubLedger {
	l := &stubLedger{payments: map[string]*models.Payment{}}
	for _, p := range ps {
		l.payments[p.InvoiceID] = p
	}
	return l
}

func (l *stubLedger) GetPaymentByInvoice(_ context.Context, invoiceID string) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[invoiceID]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *stubLedger) CompletePayment(_ context.Context, invoiceID string, paidAt time.Time, paidAmount *decimal.Decimal) (*ledger.Completion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[invoiceID]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	switch p.Status {
	case types.PaymentStatusPaid:
		return &ledger.Completion{Payment: p, Subscription: &models.Subscription{ID: "sub-" + invoiceID}}, nil
	case types.PaymentStatusPending:
	default:
		return nil, ledger.ErrIllegalTransition
	}
	p.Status = types.PaymentStatusPaid
	p.PaidAt = &paidAt
	if paidAmount != nil {
		p.PaidAmount = decimal.NewNullDecimal(*paidAmount)
	}
	l.completed++
	return &ledger.Completion{Payment: p, Subscription: &models.Subscription{ID: "sub-" + invoiceID}, Created: true}, nil
}

func (l *stubLedger) ExpirePayment(_ context.Context, invoiceID string) (*models.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[invoiceID]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	if p.Status != types.PaymentStatusPending && p.Status != types.PaymentStatusExpired {
		return nil, ledger.ErrIllegalTransition
	}
	p.Status = types.PaymentStatusExpired
	return p, nil
}

func (l *stubLedger) HoldPayment(_ context.Context, invoiceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[invoiceID]
	if !ok || p.Status != types.PaymentStatusPending || p.HeldAt != nil {
		return false, nil
	}
	now := time.Now()
	p.HeldAt = &now
	return true, nil
}

type stubGateway struct {
	invoice *cryptopay.Invoice
	err     error
	calls   int
}

func (g *stubGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return cryptopay.VerifySignature(testToken, body, signature)
}

func (g *stubGateway) GetInvoice(context.Context, string) (*cryptopay.Invoice, error) {
	g.calls++
	return g.invoice, g.err
}

type memJournal struct {
	mu       sync.Mutex
	statuses []models.PaymentNotificationLogStatus
}

func (j *memJournal) Received(context.Context, models.PaymentNotificationSource, []byte) *models.PaymentNotificationLog {
	return &models.PaymentNotificationLog{ID: "log"}
}

func (j *memJournal) Finish(_ context.Context, _ *models.PaymentNotificationLog, status models.PaymentNotificationLogStatus, _ any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.statuses = append(j.statuses, status)
}

type memIncidents struct {
	opened []*models.OperatorIncident
}

func (m *memIncidents) Open(_ context.Context, inc *models.OperatorIncident) error {
	m.opened = append(m.opened, inc)
	return nil
}

type fixture struct {
	r         *Reconciler
	ledger    *stubLedger
	gateway   *stubGateway
	journal   *memJournal
	incidents *memIncidents
}

func newFixture(ps ...*models.Payment) *fixture {
	f := &fixture{
		ledger:    newStubLedger(ps...),
		gateway:   &stubGateway{},
		journal:   &memJournal{},
		incidents: &memIncidents{},
	}
	f.r = newReconciler(f.ledger, f.gateway, f.journal, f.incidents, cache.NewLocalStore(), decimal.Zero, zap.NewNop().Sugar(), metrics.NewNop())
	return f
}

func pendingPayment() *models.Payment {
	return &models.Payment{
		ID:        "pay-1",
		UserID:    "user-1",
		TariffID:  "tariff-1",
		InvoiceID: "1001",
		Amount:    decimal.RequireFromString("8.00"),
		Asset:     "USDT",
		Status:    types.PaymentStatusPending,
		Method:    types.PaymentMethodCryptoPay,
	}
}

func paidInvoice() cryptopay.Invoice {
	paidAt := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	return cryptopay.Invoice{
		InvoiceID: 1001,
		Status:    cryptopay.InvoiceStatusPaid,
		Asset:     "USDT",
		Amount:    decimal.RequireFromString("8"),
		Payload:   "user-1:tariff-1",
		PaidAt:    &paidAt,
	}
}

func webhookBody(t *testing.T, updateID int64, inv cryptopay.Invoice) []byte {
	t.Helper()
	raw, err := json.Marshal(cryptopay.WebhookUpdate{
		UpdateID:    updateID,
		UpdateType:  cryptopay.UpdateTypeInvoicePaid,
		RequestDate: time.Now().UTC(),
		Payload:     inv,
	})
	require.NoError(t, err)
	return raw
}

func TestHandleWebhook_CompletesOnce(t *testing.T) {
	f := newFixture(pendingPayment())
	body := webhookBody(t, 7, paidInvoice())
	sig := cryptopay.Sign(testToken, body)

	res, err := f.r.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	require.Equal(t, ActionCompleted, res.Action)
	require.True(t, res.Created())
	require.Equal(t, types.PaymentStatusPaid, res.PaymentStatus)

	// same delivery again: dropped by dedupe
	res, err = f.r.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	require.Equal(t, ActionDuplicate, res.Action)
	require.False(t, res.Created())

	// a different update for the same invoice: ledger idempotency
	body2 := webhookBody(t, 8, paidInvoice())
	res, err = f.r.HandleWebhook(context.Background(), body2, cryptopay.Sign(testToken, body2))
	require.NoError(t, err)
	require.Equal(t, ActionAlreadyCompleted, res.Action)
	require.False(t, res.Created())

	require.Equal(t, 1, f.ledger.completed)
}

func TestHandleWebhook_Signature(t *testing.T) {
	f := newFixture(pendingPayment())
	body := webhookBody(t, 7, paidInvoice())

	_, err := f.r.HandleWebhook(context.Background(), body, "")
	require.ErrorIs(t, err, ErrSignatureMissing)

	_, err = f.r.HandleWebhook(context.Background(), body, cryptopay.Sign("other-token", body))
	require.ErrorIs(t, err, ErrSignatureInvalid)

	require.Equal(t, 0, f.ledger.completed)
	require.Equal(t, []models.PaymentNotificationLogStatus{
		models.PaymentNotificationLogStatusRejected,
		models.PaymentNotificationLogStatusRejected,
	}, f.journal.statuses)
}

func TestHandleWebhook_Malformed(t *testing.T) {
	f := newFixture()
	body := []byte(`{"update_type":"invoice_paid"}`)
	_, err := f.r.HandleWebhook(context.Background(), body, cryptopay.Sign(testToken, body))
	require.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestHandleWebhook_IgnoresOtherTypes(t *testing.T) {
	f := newFixture(pendingPayment())
	raw, err := json.Marshal(cryptopay.WebhookUpdate{UpdateID: 3, UpdateType: "invoice_created", Payload: paidInvoice()})
	require.NoError(t, err)

	res, err := f.r.HandleWebhook(context.Background(), raw, cryptopay.Sign(testToken, raw))
	require.NoError(t, err)
	require.Equal(t, ActionIgnored, res.Action)
	require.Equal(t, 0, f.ledger.completed)
}

func TestHandleWebhook_AmountMismatch(t *testing.T) {
	f := newFixture(pendingPayment())
	inv := paidInvoice()
	inv.Amount = decimal.RequireFromString("1")
	body := webhookBody(t, 9, inv)

	res, err := f.r.HandleWebhook(context.Background(), body, cryptopay.Sign(testToken, body))
	require.NoError(t, err)
	require.Equal(t, ActionMismatch, res.Action)
	require.Equal(t, 0, f.ledger.completed)
	require.Len(t, f.incidents.opened, 1)
	require.Equal(t, types.IncidentKindPaymentAmountMismatch, f.incidents.opened[0].Kind)
}

func TestHandleWebhook_PayloadMismatch(t *testing.T) {
	f := newFixture(pendingPayment())
	inv := paidInvoice()
	inv.Payload = "user-2:tariff-1"
	body := webhookBody(t, 10, inv)

	res, err := f.r.HandleWebhook(context.Background(), body, cryptopay.Sign(testToken, body))
	require.NoError(t, err)
	require.Equal(t, ActionMismatch, res.Action)
	require.Len(t, f.incidents.opened, 1)
	require.Equal(t, types.IncidentKindPaymentPayloadMismatch, f.incidents.opened[0].Kind)
}

func TestMismatch_HoldsPaymentAndOpensOneIncident(t *testing.T) {
	f := newFixture(pendingPayment())
	inv := paidInvoice()
	inv.Amount = decimal.RequireFromString("1")
	f.gateway.invoice = &inv

	body := webhookBody(t, 12, inv)
	res, err := f.r.HandleWebhook(context.Background(), body, cryptopay.Sign(testToken, body))
	require.NoError(t, err)
	require.Equal(t, ActionMismatch, res.Action)

	p, err := f.ledger.GetPaymentByInvoice(context.Background(), "1001")
	require.NoError(t, err)
	require.NotNil(t, p.HeldAt)
	require.Equal(t, types.PaymentStatusPending, p.Status)

	// later polls and redeliveries see the hold and stay quiet
	for i := 0; i < 3; i++ {
		res, err = f.r.Poll(context.Background(), "1001")
		require.NoError(t, err)
		require.Equal(t, ActionMismatch, res.Action)
	}
	body = webhookBody(t, 13, inv)
	_, err = f.r.HandleWebhook(context.Background(), body, cryptopay.Sign(testToken, body))
	require.NoError(t, err)

	require.Len(t, f.incidents.opened, 1)
	require.Equal(t, types.IncidentKindPaymentAmountMismatch, f.incidents.opened[0].Kind)
	require.Equal(t, 0, f.ledger.completed)
}

func TestHandleWebhook_PaidAfterExpiry(t *testing.T) {
	p := pendingPayment()
	p.Status = types.PaymentStatusExpired
	f := newFixture(p)
	body := webhookBody(t, 11, paidInvoice())

	res, err := f.r.HandleWebhook(context.Background(), body, cryptopay.Sign(testToken, body))
	require.NoError(t, err)
	require.Equal(t, ActionMismatch, res.Action)
	require.Len(t, f.incidents.opened, 1)
	require.Equal(t, types.IncidentKindReconcileFailed, f.incidents.opened[0].Kind)
}

func TestPoll(t *testing.T) {
	t.Run("paid completes", func(t *testing.T) {
		f := newFixture(pendingPayment())
		inv := paidInvoice()
		f.gateway.invoice = &inv

		res, err := f.r.Poll(context.Background(), "1001")
		require.NoError(t, err)
		require.Equal(t, ActionCompleted, res.Action)
		require.Equal(t, 1, f.ledger.completed)
	})

	t.Run("active stays pending", func(t *testing.T) {
		f := newFixture(pendingPayment())
		f.gateway.invoice = &cryptopay.Invoice{InvoiceID: 1001, Status: cryptopay.InvoiceStatusActive}

		res, err := f.r.Poll(context.Background(), "1001")
		require.NoError(t, err)
		require.Equal(t, ActionPending, res.Action)
		require.Equal(t, types.PaymentStatusPending, res.PaymentStatus)
	})

	t.Run("never paid expires", func(t *testing.T) {
		f := newFixture(pendingPayment())
		f.gateway.invoice = &cryptopay.Invoice{InvoiceID: 1001, Status: cryptopay.InvoiceStatusExpired}

		res, err := f.r.Poll(context.Background(), "1001")
		require.NoError(t, err)
		require.Equal(t, ActionExpired, res.Action)
		require.Equal(t, types.PaymentStatusExpired, f.ledger.payments["1001"].Status)
	})

	t.Run("unknown at gateway expires", func(t *testing.T) {
		f := newFixture(pendingPayment())
		f.gateway.err = cryptopay.ErrInvoiceNotFound

		res, err := f.r.Poll(context.Background(), "1001")
		require.NoError(t, err)
		require.Equal(t, ActionExpired, res.Action)
	})

	t.Run("gateway down leaves payment alone", func(t *testing.T) {
		f := newFixture(pendingPayment())
		f.gateway.err = cryptopay.ErrGatewayUnavailable

		_, err := f.r.Poll(context.Background(), "1001")
		require.ErrorIs(t, err, cryptopay.ErrGatewayUnavailable)
		require.Equal(t, types.PaymentStatusPending, f.ledger.payments["1001"].Status)
	})

	t.Run("settled payment skips gateway", func(t *testing.T) {
		p := pendingPayment()
		p.Status = types.PaymentStatusPaid
		f := newFixture(p)

		res, err := f.r.Poll(context.Background(), "1001")
		require.NoError(t, err)
		require.Equal(t, ActionAlreadyCompleted, res.Action)
		require.Equal(t, 0, f.gateway.calls)
	})

	t.Run("unknown payment", func(t *testing.T) {
		f := newFixture()
		_, err := f.r.Poll(context.Background(), "404")
		require.True(t, errors.Is(err, ledger.ErrPaymentNotFound))
	})
}

func TestAmountMatches_Tolerance(t *testing.T) {
	p := pendingPayment()
	inv := paidInvoice()
	inv.Amount = decimal.RequireFromString("8.005")

	ok, _ := amountMatches(p, &inv, decimal.Zero)
	require.False(t, ok)
	ok, _ = amountMatches(p, &inv, decimal.RequireFromString("0.01"))
	require.True(t, ok)

	inv.Asset = "TON"
	ok, detail := amountMatches(p, &inv, decimal.RequireFromString("1"))
	require.False(t, ok)
	require.Contains(t, detail, "asset")
}
