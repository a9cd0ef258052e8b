package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/chanseller/pkg/types"
)

// Payment is one purchase attempt, backed by a gateway invoice.
// Status only ever moves pending -> paid|expired|cancelled.
type Payment struct {
	ID             string  `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID         string  `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	TariffID       string  `gorm:"column:tariff_id;type:uuid;not null;index" json:"tariff_id"`
	SubscriptionID *string `gorm:"column:subscription_id;type:uuid" json:"subscription_id"`
	// InvoiceID is the gateway's invoice identifier.
	InvoiceID string `gorm:"column:invoice_id;type:varchar(128);not null;uniqueIndex" json:"invoice_id"`
	// Amount is what the user is charged; OriginalAmount is the tariff price before discount.
	Amount         decimal.Decimal     `gorm:"column:amount;type:numeric(20,8);not null" json:"amount"`
	OriginalAmount decimal.Decimal     `gorm:"column:original_amount;type:numeric(20,8);not null" json:"original_amount"`
	Asset          string              `gorm:"column:asset;type:varchar(16);not null" json:"asset"`
	PromocodeID    *string             `gorm:"column:promocode_id;type:uuid" json:"promocode_id"`
	Status         types.PaymentStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	Method         types.PaymentMethod `gorm:"column:method;type:varchar(32);not null" json:"method"`
	PayURL         string              `gorm:"column:pay_url;type:varchar(512)" json:"pay_url"`
	// InvoiceExpiresAt is when the gateway stops accepting the invoice.
	InvoiceExpiresAt *time.Time         `gorm:"column:invoice_expires_at;index" json:"invoice_expires_at"`
	PaidAt           *time.Time         `gorm:"column:paid_at" json:"paid_at"`
	PaidAmount       decimal.NullDecimal `gorm:"column:paid_amount;type:numeric(20,8)" json:"paid_amount"`
	// HeldAt is set when a paid invoice did not match the payment; the row
	// waits for an operator and is no longer polled.
	HeldAt    *time.Time `gorm:"column:held_at" json:"held_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Payment) TableName() string { return "payment" }
