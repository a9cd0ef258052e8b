package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Promocode is a discount code. DiscountPercent takes precedence over
// DiscountAmount when both are set.
type Promocode struct {
	ID              string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Code            string              `gorm:"column:code;type:varchar(64);not null;uniqueIndex" json:"code"`
	DiscountPercent *int                `gorm:"column:discount_percent" json:"discount_percent"`
	DiscountAmount  decimal.NullDecimal `gorm:"column:discount_amount;type:numeric(20,8)" json:"discount_amount"`
	MaxUses         *int                `gorm:"column:max_uses" json:"max_uses"`
	UsedCount       int                 `gorm:"column:used_count;not null" json:"used_count"`
	ValidFrom       *time.Time          `gorm:"column:valid_from" json:"valid_from"`
	ValidUntil      *time.Time          `gorm:"column:valid_until" json:"valid_until"`
	// TariffID restricts the code to one tariff when set.
	TariffID  *string   `gorm:"column:tariff_id;type:uuid" json:"tariff_id"`
	IsActive  bool      `gorm:"column:is_active;not null" json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Promocode) TableName() string { return "promocode" }

// PromocodeUse records that a user redeemed a code. One row per (code, user).
type PromocodeUse struct {
	ID          string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	PromocodeID string    `gorm:"column:promocode_id;type:uuid;not null;uniqueIndex:idx_promocode_use_user,priority:1" json:"promocode_id"`
	UserID      string    `gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_promocode_use_user,priority:2" json:"user_id"`
	PaymentID   *string   `gorm:"column:payment_id;type:uuid" json:"payment_id"`
	UsedAt      time.Time `gorm:"column:used_at;not null" json:"used_at"`
}

func (PromocodeUse) TableName() string { return "promocode_use" }
