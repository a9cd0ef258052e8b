package models

import (
	"time"
)

// Subscription grants a user access to a tariff's channels.
// At most one active row exists per (user_id, tariff_id); the partial unique
// index backs the row locking done by the ledger.
type Subscription struct {
	ID       string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID   string    `gorm:"column:user_id;type:uuid;not null;index;uniqueIndex:idx_subscription_active_pair,where:is_active = true,priority:1" json:"user_id"`
	TariffID string    `gorm:"column:tariff_id;type:uuid;not null;uniqueIndex:idx_subscription_active_pair,where:is_active = true,priority:2" json:"tariff_id"`
	IsTrial  bool      `gorm:"column:is_trial;not null" json:"is_trial"`
	StartsAt time.Time `gorm:"column:starts_at;not null" json:"starts_at"`
	// ExpiresAt is nil for forever tariffs.
	ExpiresAt  *time.Time `gorm:"column:expires_at;index" json:"expires_at"`
	IsActive   bool       `gorm:"column:is_active;not null;index" json:"is_active"`
	AutoKicked bool       `gorm:"column:auto_kicked;not null" json:"auto_kicked"`
	// Reminder flags; reset whenever the subscription is extended.
	Notified3Days bool `gorm:"column:notified_3days;not null" json:"notified_3days"`
	Notified1Day  bool `gorm:"column:notified_1day;not null" json:"notified_1day"`
	// GrantedBy is the operator's Telegram id for manual grants.
	GrantedBy *int64    `gorm:"column:granted_by" json:"granted_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	User   *User   `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Tariff *Tariff `gorm:"foreignKey:TariffID" json:"tariff,omitempty"`
}

func (Subscription) TableName() string {
	return "subscription"
}

// Valid reports whether the subscription grants access at now.
func (s *Subscription) Valid(now time.Time) bool {
	return s != nil && s.IsActive && (s.ExpiresAt == nil || s.ExpiresAt.After(now))
}
