package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

var dbNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type ledgerFixture struct {
	s      *Service
	db     *gorm.DB
	clock  time.Time
	user   *models.User
	tariff *models.Tariff
	promo  *models.Promocode
}

// newLedgerFixture opens a throwaway sqlite database with one user, a
// 10 USDT / 30 day tariff on one channel and a 20% promocode.
func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Channel{},
		&models.Tariff{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.Payment{},
		&models.Promocode{},
		&models.PromocodeUse{},
		&models.MembershipTask{},
	))

	f := &ledgerFixture{db: db, clock: dbNow}
	f.s = NewService(db, zap.NewNop().Sugar())
	f.s.now = func() time.Time { return f.clock }

	ctx := context.Background()
	f.user, err = f.s.EnsureUser(ctx, UserProfile{TelegramID: 100, FirstName: "Ann"})
	require.NoError(t, err)

	tariff := &models.Tariff{
		ID:           tool.GenerateUUIDV7(),
		Name:         "VIP",
		Price:        decimal.RequireFromString("10.00"),
		Asset:        "USDT",
		DurationDays: 30,
		TrialDays:    3,
		IsActive:     true,
		Channels: []*models.Channel{
			{ID: tool.GenerateUUIDV7(), TelegramChannelID: -1001, Title: "VIP room", IsActive: true},
		},
	}
	require.NoError(t, db.Create(tariff).Error)
	f.tariff, err = f.s.GetTariff(ctx, tariff.ID)
	require.NoError(t, err)
	require.Len(t, f.tariff.ActiveChannels(), 1)

	pct := 20
	f.promo = &models.Promocode{ID: tool.GenerateUUIDV7(), Code: "SAVE20", DiscountPercent: &pct, IsActive: true}
	require.NoError(t, db.Create(f.promo).Error)
	return f
}

func (f *ledgerFixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}

func (f *ledgerFixture) activeRows(t *testing.T) int64 {
	return f.count(t, &models.Subscription{}, "user_id = ? AND tariff_id = ? AND is_active = ?", f.user.ID, f.tariff.ID, true)
}

func (f *ledgerFixture) begin(t *testing.T, invoiceID, code string, expected decimal.Decimal) *models.Payment {
	t.Helper()
	exp := f.clock.Add(time.Hour)
	p, err := f.s.BeginPayment(context.Background(), BeginPaymentRequest{
		User:           f.user,
		Tariff:         f.tariff,
		PromoCode:      code,
		ExpectedAmount: expected,
		Invoice:        InvoiceRef{ID: invoiceID, PayURL: "https://pay.example/" + invoiceID, ExpiresAt: &exp},
		Method:         types.PaymentMethodCryptoPay,
	})
	require.NoError(t, err)
	return p
}

func TestLedger_DiscountedPurchaseCompletesOnce(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	q, err := f.s.QuotePayment(ctx, f.user.ID, f.tariff, " save20 ")
	require.NoError(t, err)
	require.True(t, q.OriginalAmount.Equal(decimal.RequireFromString("10.00")))
	require.True(t, q.FinalAmount.Equal(decimal.RequireFromString("8.00")), q.FinalAmount.String())
	require.True(t, q.Discount.Equal(decimal.RequireFromString("2.00")))

	p := f.begin(t, "1001", "save20", q.FinalAmount)
	require.True(t, p.Amount.Equal(decimal.RequireFromString("8.00")))
	require.True(t, p.OriginalAmount.Equal(decimal.RequireFromString("10.00")))
	require.Equal(t, f.promo.ID, *p.PromocodeID)
	require.Equal(t, types.PaymentStatusPending, p.Status)

	paid := decimal.RequireFromString("8")
	first, err := f.s.CompletePayment(ctx, "1001", f.clock, &paid)
	require.NoError(t, err)
	require.True(t, first.Created)
	require.Equal(t, types.PaymentStatusPaid, first.Payment.Status)
	require.Len(t, first.Tasks, 1)
	require.Equal(t, int64(-1001), first.Tasks[0].TelegramChannelID)
	require.WithinDuration(t, f.clock.Add(30*day), *first.Subscription.ExpiresAt, time.Second)

	second, err := f.s.CompletePayment(ctx, "1001", f.clock.Add(time.Minute), &paid)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Empty(t, second.Tasks)
	require.Equal(t, first.Subscription.ID, second.Subscription.ID)

	require.Equal(t, int64(1), f.activeRows(t))
	require.Equal(t, int64(1), f.count(t, &models.MembershipTask{}, "subscription_id = ?", first.Subscription.ID))
	require.Equal(t, int64(1), f.count(t, &models.PromocodeUse{}, "promocode_id = ? AND user_id = ?", f.promo.ID, f.user.ID))
	require.Equal(t, int64(1), f.count(t, &models.SubscriptionLog{}, "subscription_id = ? AND reason = ?",
		first.Subscription.ID, types.SubscriptionChangeReasonPurchase))

	var promo models.Promocode
	require.NoError(t, f.db.Where("id = ?", f.promo.ID).First(&promo).Error)
	require.Equal(t, 1, promo.UsedCount)

	_, err = f.s.ValidatePromocode(ctx, "SAVE20", f.user.ID, f.tariff)
	var perr *PromocodeError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, PromocodeAlreadyUsed, perr.Reason)
}

func TestLedger_BeginPaymentRejectsStaleQuote(t *testing.T) {
	f := newLedgerFixture(t)

	_, err := f.s.BeginPayment(context.Background(), BeginPaymentRequest{
		User:           f.user,
		Tariff:         f.tariff,
		PromoCode:      "SAVE20",
		ExpectedAmount: decimal.RequireFromString("10"),
		Invoice:        InvoiceRef{ID: "1002"},
	})
	require.ErrorIs(t, err, ErrQuoteChanged)
	require.Zero(t, f.count(t, &models.Payment{}, "invoice_id = ?", "1002"))
}

func TestLedger_GrantRacingPurchaseLeavesOneActiveRow(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	f.begin(t, "2001", "", f.tariff.Price)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.s.GrantManual(ctx, GrantRequest{User: f.user, Tariff: f.tariff, GrantedBy: 7})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.s.CompletePayment(ctx, "2001", f.clock, nil)
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	require.Equal(t, int64(1), f.activeRows(t))
	require.Equal(t, int64(2), f.count(t, &models.Subscription{}, "user_id = ?", f.user.ID))
	require.Equal(t, int64(1), f.count(t, &models.SubscriptionLog{}, "reason = ?", types.SubscriptionChangeReasonReplaced))
}

func TestLedger_TrialOncePerTariff(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	c, err := f.s.GrantTrial(ctx, f.user, f.tariff)
	require.NoError(t, err)
	require.True(t, c.Subscription.IsTrial)
	require.WithinDuration(t, f.clock.Add(3*day), *c.Subscription.ExpiresAt, time.Second)

	_, err = f.s.GrantTrial(ctx, f.user, f.tariff)
	require.ErrorIs(t, err, ErrTrialUnavailable)
	require.Equal(t, int64(1), f.activeRows(t))
}

func TestLedger_MarkExpiredSkipsRenewedSubscription(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	f.clock = dbNow.Add(-30*day - time.Hour)
	granted, err := f.s.GrantManual(ctx, GrantRequest{User: f.user, Tariff: f.tariff, GrantedBy: 7})
	require.NoError(t, err)
	subID := granted.Subscription.ID

	f.clock = dbNow
	due, err := f.s.DueForExpiry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, subID, due[0].ID)

	// renewed while the sweep was removing the user from the channel
	renewed, err := f.s.Extend(ctx, subID, 30)
	require.NoError(t, err)
	require.WithinDuration(t, dbNow.Add(30*day), *renewed.Subscription.ExpiresAt, time.Second)

	applied, err := f.s.MarkExpired(ctx, subID)
	require.NoError(t, err)
	require.False(t, applied)

	var sub models.Subscription
	require.NoError(t, f.db.Where("id = ?", subID).First(&sub).Error)
	require.True(t, sub.IsActive)
	require.False(t, sub.AutoKicked)
	require.WithinDuration(t, dbNow.Add(30*day), *sub.ExpiresAt, time.Second)

	// the removal already happened, so access is queued again
	require.Equal(t, int64(2), f.count(t, &models.MembershipTask{}, "subscription_id = ? AND type = ?", subID, types.MembershipTaskTypeAdd))
	require.Zero(t, f.count(t, &models.SubscriptionLog{}, "subscription_id = ? AND reason = ?", subID, types.SubscriptionChangeReasonExpired))
}

func TestLedger_MarkExpiredAppliesOnce(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	f.clock = dbNow.Add(-31 * day)
	granted, err := f.s.GrantManual(ctx, GrantRequest{User: f.user, Tariff: f.tariff, GrantedBy: 7})
	require.NoError(t, err)
	subID := granted.Subscription.ID
	f.clock = dbNow

	applied, err := f.s.MarkExpired(ctx, subID)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = f.s.MarkExpired(ctx, subID)
	require.NoError(t, err)
	require.False(t, applied)

	due, err := f.s.DueForExpiry(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, due)
	require.Zero(t, f.activeRows(t))
	// audit rows are part of the same commit
	require.Equal(t, int64(1), f.count(t, &models.SubscriptionLog{}, "subscription_id = ? AND reason = ?", subID, types.SubscriptionChangeReasonExpired))
	require.Equal(t, int64(1), f.count(t, &models.MembershipTask{}, "subscription_id = ?", subID))
}

func TestLedger_Reminders(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	f.clock = dbNow.Add(-29*day - 4*time.Hour)
	granted, err := f.s.GrantManual(ctx, GrantRequest{User: f.user, Tariff: f.tariff, GrantedBy: 7})
	require.NoError(t, err)
	f.clock = dbNow

	due, err := f.s.DueForNotification(ctx, day, NotifyFlag1Day, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, granted.Subscription.ID, due[0].ID)
	require.Equal(t, int64(100), due[0].User.TelegramID)

	require.NoError(t, f.s.MarkNotified(ctx, granted.Subscription.ID, NotifyFlag1Day, NotifyFlag3Days))
	due, err = f.s.DueForNotification(ctx, 3*day, NotifyFlag3Days, 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestLedger_HeldPaymentLeavesStaleList(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()

	f.clock = dbNow.Add(-3 * time.Hour)
	f.begin(t, "3001", "", f.tariff.Price)
	f.begin(t, "3002", "", f.tariff.Price)
	f.clock = dbNow

	stale, err := f.s.ListStalePendingPayments(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)

	held, err := f.s.HoldPayment(ctx, "3001")
	require.NoError(t, err)
	require.True(t, held)
	held, err = f.s.HoldPayment(ctx, "3001")
	require.NoError(t, err)
	require.False(t, held, "second hold is a no-op")

	stale, err = f.s.ListStalePendingPayments(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "3002", stale[0].InvoiceID)

	p, err := f.s.GetPaymentByInvoice(ctx, "3001")
	require.NoError(t, err)
	require.Equal(t, types.PaymentStatusPending, p.Status)
	require.NotNil(t, p.HeldAt)
}
