package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel is a private Telegram channel access is sold to.
type Channel struct {
	ID                string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	TelegramChannelID int64     `gorm:"column:telegram_channel_id;not null;uniqueIndex" json:"telegram_channel_id"`
	Title             string    `gorm:"column:title;type:varchar(255);not null" json:"title"`
	InviteLink        *string   `gorm:"column:invite_link;type:varchar(255)" json:"invite_link"`
	IsActive          bool      `gorm:"column:is_active;not null" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (Channel) TableName() string { return "channel" }

// Tariff is a purchasable plan granting access to a set of channels.
// DurationDays of 0 means the access never expires.
type Tariff struct {
	ID           string          `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Name         string          `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Description  string          `gorm:"column:description;type:text" json:"description"`
	Price        decimal.Decimal `gorm:"column:price;type:numeric(20,8);not null" json:"price"`
	Asset        string          `gorm:"column:asset;type:varchar(16);not null" json:"asset"`
	DurationDays int             `gorm:"column:duration_days;not null" json:"duration_days"`
	TrialDays    int             `gorm:"column:trial_days;not null" json:"trial_days"`
	IsActive     bool            `gorm:"column:is_active;not null" json:"is_active"`
	SortOrder    int             `gorm:"column:sort_order;not null" json:"sort_order"`
	Channels     []*Channel      `gorm:"many2many:tariff_channel;" json:"channels,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (Tariff) TableName() string { return "tariff" }

// Forever reports whether the tariff grants unlimited access.
func (t *Tariff) Forever() bool {
	return t != nil && t.DurationDays == 0
}

// ActiveChannels returns the tariff channels that are currently sold.
func (t *Tariff) ActiveChannels() []*Channel {
	if t == nil {
		return nil
	}
	out := make([]*Channel, 0, len(t.Channels))
	for _, ch := range t.Channels {
		if ch != nil && ch.IsActive {
			out = append(out, ch)
		}
	}
	return out
}
