package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/chanseller/pkg/types"
)

// OperatorIncident is an item in the operator-visible failure queue.
type OperatorIncident struct {
	ID                     string               `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Kind                   types.IncidentKind   `gorm:"column:kind;type:varchar(64);not null;index" json:"kind"`
	OperatorActionRequired bool                 `gorm:"column:operator_action_required;not null" json:"operator_action_required"`
	SubscriptionID         *string              `gorm:"column:subscription_id;type:uuid" json:"subscription_id"`
	PaymentID              *string              `gorm:"column:payment_id;type:uuid" json:"payment_id"`
	UserTelegramID         *int64               `gorm:"column:user_telegram_id" json:"user_telegram_id"`
	TelegramChannelID      *int64               `gorm:"column:telegram_channel_id" json:"telegram_channel_id"`
	Outcome                string               `gorm:"column:outcome;type:varchar(32)" json:"outcome"`
	Detail                 string               `gorm:"column:detail;type:text" json:"detail"`
	Data                   datatypes.JSONMap    `gorm:"column:data;type:jsonb;default:'{}'" json:"data"`
	Status                 types.IncidentStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	ResolvedBy             *int64               `gorm:"column:resolved_by" json:"resolved_by"`
	ResolvedAt             *time.Time           `gorm:"column:resolved_at" json:"resolved_at"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

func (OperatorIncident) TableName() string { return "operator_incident" }
