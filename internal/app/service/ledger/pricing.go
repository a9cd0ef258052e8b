package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/fatflowers/chanseller/internal/models"
)

type PromocodeReason string

const (
	PromocodeNotFound       PromocodeReason = "not_found"
	PromocodeInactive       PromocodeReason = "inactive"
	PromocodeNotYetValid    PromocodeReason = "not_yet_valid"
	PromocodeExpired        PromocodeReason = "expired"
	PromocodeLimitReached   PromocodeReason = "limit_reached"
	PromocodeAlreadyUsed    PromocodeReason = "already_used"
	PromocodeTariffMismatch PromocodeReason = "tariff_mismatch"
)

// PromocodeError explains why a code cannot be applied.
type PromocodeError struct {
	Code   string
	Reason PromocodeReason
}

func (e *PromocodeError) Error() string {
	return fmt.Sprintf("promocode %q rejected: %s", e.Code, e.Reason)
}

// Quote is the price of a tariff for one user, with an optional promocode.
type Quote struct {
	TariffID       string            `json:"tariff_id"`
	OriginalAmount decimal.Decimal   `json:"original_amount"`
	Discount       decimal.Decimal   `json:"discount"`
	FinalAmount    decimal.Decimal   `json:"final_amount"`
	Asset          string            `json:"asset"`
	Promocode      *models.Promocode `json:"-"`
}

// PromocodeID returns the applied promocode id, if any.
func (q *Quote) PromocodeID() *string {
	if q == nil || q.Promocode == nil {
		return nil
	}
	id := q.Promocode.ID
	return &id
}

// NormalizeCode upper-cases and trims a user-entered promocode.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CalculateDiscount returns the discount of a code for price. A percent
// discount wins over a fixed amount; the result never exceeds price.
func CalculateDiscount(price decimal.Decimal, percent *int, amount decimal.NullDecimal) decimal.Decimal {
	var d decimal.Decimal
	switch {
	case percent != nil && *percent > 0:
		p := *percent
		if p > 100 {
			p = 100
		}
		d = price.Mul(decimal.NewFromInt(int64(p))).Div(decimal.NewFromInt(100)).Round(8)
	case amount.Valid && amount.Decimal.IsPositive():
		d = amount.Decimal
	default:
		return decimal.Zero
	}
	if d.GreaterThan(price) {
		return price
	}
	return d
}

// QuotePrice builds a quote for the tariff price and a promocode (may be nil).
func QuotePrice(tariff *models.Tariff, promo *models.Promocode) *Quote {
	q := &Quote{
		TariffID:       tariff.ID,
		OriginalAmount: tariff.Price,
		Asset:          tariff.Asset,
		Promocode:      promo,
	}
	if promo != nil {
		q.Discount = CalculateDiscount(tariff.Price, promo.DiscountPercent, promo.DiscountAmount)
	}
	q.FinalAmount = decimal.Max(decimal.Zero, tariff.Price.Sub(q.Discount))
	return q
}

// checkPromocode validates a code. The order of checks is the order in
// which reasons are reported to the user.
func checkPromocode(p *models.Promocode, tariffID string, now time.Time, alreadyUsed bool) *PromocodeError {
	if p == nil {
		return &PromocodeError{Reason: PromocodeNotFound}
	}
	fail := func(r PromocodeReason) *PromocodeError { return &PromocodeError{Code: p.Code, Reason: r} }
	switch {
	case !p.IsActive:
		return fail(PromocodeInactive)
	case p.ValidFrom != nil && now.Before(*p.ValidFrom):
		return fail(PromocodeNotYetValid)
	case p.ValidUntil != nil && now.After(*p.ValidUntil):
		return fail(PromocodeExpired)
	case p.MaxUses != nil && p.UsedCount >= *p.MaxUses:
		return fail(PromocodeLimitReached)
	case alreadyUsed:
		return fail(PromocodeAlreadyUsed)
	case p.TariffID != nil && *p.TariffID != tariffID:
		return fail(PromocodeTariffMismatch)
	}
	return nil
}

// ValidatePromocode checks code for the user and tariff and returns the
// resulting quote. Rejections are returned as *PromocodeError.
func (s *Service) ValidatePromocode(ctx context.Context, code, userID string, tariff *models.Tariff) (*Quote, error) {
	return s.quote(ctx, s.db, code, userID, tariff)
}

// QuotePayment prices a purchase before the invoice exists, so the invoice
// amount and the stored payment amount are the same number.
func (s *Service) QuotePayment(ctx context.Context, userID string, tariff *models.Tariff, code string) (*Quote, error) {
	if NormalizeCode(code) == "" {
		return QuotePrice(tariff, nil), nil
	}
	return s.quote(ctx, s.db, code, userID, tariff)
}

func (s *Service) quote(ctx context.Context, db *gorm.DB, code, userID string, tariff *models.Tariff) (*Quote, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, &PromocodeError{Reason: PromocodeNotFound}
	}

	var promo models.Promocode
	err := db.WithContext(ctx).Where("code = ?", code).First(&promo).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get promocode: %w", err)
	}
	if err != nil {
		return nil, &PromocodeError{Code: code, Reason: PromocodeNotFound}
	}

	var used int64
	if err := db.WithContext(ctx).Model(&models.PromocodeUse{}).
		Where("promocode_id = ? AND user_id = ?", promo.ID, userID).
		Count(&used).Error; err != nil {
		return nil, fmt.Errorf("failed to check promocode use: %w", err)
	}

	if perr := checkPromocode(&promo, tariff.ID, s.now(), used > 0); perr != nil {
		return nil, perr
	}
	return QuotePrice(tariff, &promo), nil
}
