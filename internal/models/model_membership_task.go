package models

import (
	"time"

	"github.com/fatflowers/chanseller/pkg/types"
)

// MembershipTask is a queued channel add/remove. Rows are written in the same
// transaction as the subscription change that needs them.
type MembershipTask struct {
	ID                string                     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Type              types.MembershipTaskType   `gorm:"column:type;type:varchar(16);not null" json:"type"`
	SubscriptionID    *string                    `gorm:"column:subscription_id;type:uuid;index" json:"subscription_id"`
	UserTelegramID    int64                      `gorm:"column:user_telegram_id;not null" json:"user_telegram_id"`
	ChannelID         string                     `gorm:"column:channel_id;type:uuid;not null" json:"channel_id"`
	TelegramChannelID int64                      `gorm:"column:telegram_channel_id;not null" json:"telegram_channel_id"`
	Status            types.MembershipTaskStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	Attempts          int                        `gorm:"column:attempts;not null" json:"attempts"`
	LastOutcome       string                     `gorm:"column:last_outcome;type:varchar(32)" json:"last_outcome"`
	Error             *string                    `gorm:"column:error;type:text" json:"error"`
	ProcessedAt       *time.Time                 `gorm:"column:processed_at" json:"processed_at"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

func (MembershipTask) TableName() string { return "membership_task" }
