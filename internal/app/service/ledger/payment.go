package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

// InvoicePayload is attached to gateway invoices and echoed back in
// webhooks, tying an invoice to the purchase it was created for.
type InvoicePayload struct {
	UserID      string
	TariffID    string
	PromocodeID string
}

func (p InvoicePayload) String() string {
	s := p.UserID + ":" + p.TariffID
	if p.PromocodeID != "" {
		s += ":" + p.PromocodeID
	}
	return s
}

func ParseInvoicePayload(s string) (InvoicePayload, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return InvoicePayload{}, fmt.Errorf("malformed invoice payload %q", s)
	}
	p := InvoicePayload{UserID: parts[0], TariffID: parts[1]}
	if len(parts) == 3 {
		p.PromocodeID = parts[2]
	}
	return p, nil
}

// PayloadFor builds the payload the gateway must echo back for payment.
func PayloadFor(p *models.Payment) InvoicePayload {
	return InvoicePayload{
		UserID:      p.UserID,
		TariffID:    p.TariffID,
		PromocodeID: lo.FromPtr(p.PromocodeID),
	}
}

// InvoiceRef is the ledger's view of a created gateway invoice.
type InvoiceRef struct {
	ID        string
	PayURL    string
	ExpiresAt *time.Time
}

type BeginPaymentRequest struct {
	User      *models.User
	Tariff    *models.Tariff
	PromoCode string
	// ExpectedAmount is the amount the invoice was created for.
	ExpectedAmount decimal.Decimal
	Invoice        InvoiceRef
	Method         types.PaymentMethod
}

// BeginPayment records a pending payment for a created invoice. The price is
// re-quoted inside the transaction; a different amount than the invoice's
// fails with ErrQuoteChanged.
func (s *Service) BeginPayment(ctx context.Context, req BeginPaymentRequest) (*models.Payment, error) {
	if req.User == nil || req.Tariff == nil || req.Invoice.ID == "" {
		return nil, fmt.Errorf("user, tariff and invoice are required")
	}
	if req.Method == "" {
		req.Method = types.PaymentMethodCryptoPay
	}

	var payment *models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := QuotePrice(req.Tariff, nil)
		if NormalizeCode(req.PromoCode) != "" {
			var err error
			if q, err = s.quote(ctx, tx, req.PromoCode, req.User.ID, req.Tariff); err != nil {
				return err
			}
		}
		if !q.FinalAmount.Equal(req.ExpectedAmount) {
			return fmt.Errorf("%w: expected %s, now %s", ErrQuoteChanged, req.ExpectedAmount, q.FinalAmount)
		}

		payment = &models.Payment{
			ID:               tool.GenerateUUIDV7(),
			UserID:           req.User.ID,
			TariffID:         req.Tariff.ID,
			InvoiceID:        req.Invoice.ID,
			Amount:           q.FinalAmount,
			OriginalAmount:   q.OriginalAmount,
			Asset:            q.Asset,
			PromocodeID:      q.PromocodeID(),
			Status:           types.PaymentStatusPending,
			Method:           req.Method,
			PayURL:           req.Invoice.PayURL,
			InvoiceExpiresAt: req.Invoice.ExpiresAt,
		}
		if err := tx.Omit(clause.Associations).Create(payment).Error; err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("payment_started",
		"payment_id", payment.ID,
		"invoice_id", payment.InvoiceID,
		"user_id", payment.UserID,
		"tariff_id", payment.TariffID,
		"amount", payment.Amount.String(),
		"asset", payment.Asset,
	)
	return payment, nil
}

// checkTransition validates a payment status change. noop is true when the
// payment is already in the target state.
func checkTransition(from, to types.PaymentStatus) (noop bool, err error) {
	if from == to {
		return true, nil
	}
	if from != types.PaymentStatusPending {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	switch to {
	case types.PaymentStatusPaid, types.PaymentStatusExpired, types.PaymentStatusCancelled:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
}

// Completion is the result of turning a payment or grant into access.
type Completion struct {
	Payment      *models.Payment
	Subscription *models.Subscription
	Tariff       *models.Tariff
	User         *models.User
	// Created is false when the payment had already been completed.
	Created bool
	Tasks   []*models.MembershipTask
}

// CompletePayment marks the payment paid and grants the subscription, all
// in one transaction with the payment row locked. Completing an already paid
// payment returns the existing subscription with Created=false.
func (s *Service) CompletePayment(ctx context.Context, invoiceID string, paidAt time.Time, paidAmount *decimal.Decimal) (*Completion, error) {
	var res *Completion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := lockPayment(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		noop, err := checkTransition(p.Status, types.PaymentStatusPaid)
		if err != nil {
			return err
		}

		user, err := getUser(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		tariff, err := getTariff(ctx, tx, p.TariffID)
		if err != nil {
			return err
		}

		if noop {
			res = &Completion{Payment: p, Tariff: tariff, User: user}
			if p.SubscriptionID != nil {
				var sub models.Subscription
				if err := tx.Where("id = ?", *p.SubscriptionID).First(&sub).Error; err != nil {
					return fmt.Errorf("failed to get subscription of paid payment: %w", err)
				}
				res.Subscription = &sub
			}
			return nil
		}

		act, err := s.activate(ctx, tx, activation{
			User:      user,
			Tariff:    tariff,
			StartsAt:  paidAt,
			Days:      tariff.DurationDays,
			Reason:    types.SubscriptionChangeReasonPurchase,
			PaymentID: p.ID,
		})
		if err != nil {
			return err
		}
		p.Status = types.PaymentStatusPaid
		p.PaidAt = &paidAt
		if paidAmount != nil {
			p.PaidAmount = decimal.NewNullDecimal(*paidAmount)
		}
		p.SubscriptionID = &act.sub.ID
		if err := tx.Omit(clause.Associations).Save(p).Error; err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		if p.PromocodeID != nil {
			if err := redeemPromocode(ctx, tx, *p.PromocodeID, user.ID, p.ID, paidAt); err != nil {
				return err
			}
		}
		if err := saveLogs(ctx, tx, act.logs); err != nil {
			return err
		}

		res = &Completion{
			Payment:      p,
			Subscription: act.sub,
			Tariff:       tariff,
			User:         user,
			Created:      true,
			Tasks:        act.tasks,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Created {
		logctx.FromCtx(ctx, s.log).Infow("payment_completed",
			"payment_id", res.Payment.ID,
			"invoice_id", invoiceID,
			"subscription_id", res.Subscription.ID,
			"tasks", len(res.Tasks),
		)
	}
	return res, nil
}

// redeemPromocode records one use per (code, user). A use that already exists
// does not fail the payment; the user paid the quoted price either way.
func redeemPromocode(ctx context.Context, tx *gorm.DB, promocodeID, userID, paymentID string, at time.Time) error {
	use := &models.PromocodeUse{
		ID:          tool.GenerateUUIDV7(),
		PromocodeID: promocodeID,
		UserID:      userID,
		PaymentID:   &paymentID,
		UsedAt:      at,
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(use)
	if res.Error != nil {
		return fmt.Errorf("failed to record promocode use: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Model(&models.Promocode{}).
		Where("id = ?", promocodeID).
		UpdateColumn("used_count", gorm.Expr("used_count + 1")).Error; err != nil {
		return fmt.Errorf("failed to increment promocode usage: %w", err)
	}
	return nil
}

// ExpirePayment moves a pending payment to expired.
func (s *Service) ExpirePayment(ctx context.Context, invoiceID string) (*models.Payment, error) {
	return s.closePayment(ctx, invoiceID, types.PaymentStatusExpired)
}

// CancelPayment moves a pending payment to cancelled.
func (s *Service) CancelPayment(ctx context.Context, invoiceID string) (*models.Payment, error) {
	return s.closePayment(ctx, invoiceID, types.PaymentStatusCancelled)
}

func (s *Service) closePayment(ctx context.Context, invoiceID string, to types.PaymentStatus) (*models.Payment, error) {
	var p *models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if p, err = lockPayment(ctx, tx, invoiceID); err != nil {
			return err
		}
		noop, err := checkTransition(p.Status, to)
		if err != nil || noop {
			return err
		}
		if err := tx.Model(p).Update("status", to).Error; err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}
		p.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("payment_closed", "invoice_id", invoiceID, "status", p.Status)
	return p, nil
}

func lockPayment(ctx context.Context, tx *gorm.DB, invoiceID string) (*models.Payment, error) {
	var p models.Payment
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("invoice_id = ?", invoiceID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return &p, nil
}

func (s *Service) GetPaymentByInvoice(ctx context.Context, invoiceID string) (*models.Payment, error) {
	var p models.Payment
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &p, nil
}

// HoldPayment parks a pending payment for operator review. It returns true
// only for the call that placed the hold.
func (s *Service) HoldPayment(ctx context.Context, invoiceID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("invoice_id = ? AND status = ? AND held_at IS NULL", invoiceID, types.PaymentStatusPending).
		Update("held_at", s.now())
	if res.Error != nil {
		return false, fmt.Errorf("failed to hold payment: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logctx.FromCtx(ctx, s.log).Warnw("payment_held", "invoice_id", invoiceID)
	}
	return res.RowsAffected > 0, nil
}

// ListStalePendingPayments returns gateway payments still pending after
// their invoice expired plus grace. They are reconciled by polling; held
// payments wait for an operator instead.
func (s *Service) ListStalePendingPayments(ctx context.Context, grace time.Duration, limit int) ([]*models.Payment, error) {
	var rows []*models.Payment
	cutoff := s.now().Add(-grace)
	if err := s.db.WithContext(ctx).
		Where("status = ? AND method = ? AND held_at IS NULL", types.PaymentStatusPending, types.PaymentMethodCryptoPay).
		Where("invoice_expires_at IS NOT NULL AND invoice_expires_at < ?", cutoff).
		Order("invoice_expires_at asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	return rows, nil
}

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanPaymentsResponse struct {
	Items []*models.Payment `json:"items"`
	Total int64             `json:"total"`
}

var (
	paymentFilterFields = []string{"user_id", "tariff_id", "invoice_id", "status", "method", "asset", "promocode_id", "created_at", "paid_at", "amount"}
	paymentSortFields   = []string{"created_at", "paid_at", "amount", "status"}
)

// ScanPayments implements paginated admin listing with filters.
func (s *Service) ScanPayments(ctx context.Context, req *ScanRequest) (*ScanPaymentsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.Size > 500 {
		req.Size = 500
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.Payment{})
	if filters := types.CommonFilters(req.Filters).Allowed(paymentFilterFields...); len(filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filters}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count payments: %w", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	sortBy := "created_at"
	if lo.Contains(paymentSortFields, req.SortBy) {
		sortBy = req.SortBy
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}}})

	var rows []*models.Payment
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return &ScanPaymentsResponse{Items: rows, Total: total}, nil
}
