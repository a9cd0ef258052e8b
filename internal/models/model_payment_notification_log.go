package models

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentNotificationLogStatus string

const (
	PaymentNotificationLogStatusReceived     PaymentNotificationLogStatus = "received"
	PaymentNotificationLogStatusHandled      PaymentNotificationLogStatus = "handled"
	PaymentNotificationLogStatusHandleFailed PaymentNotificationLogStatus = "handle_failed"
	PaymentNotificationLogStatusRejected     PaymentNotificationLogStatus = "rejected"
)

type PaymentNotificationSource string

const (
	PaymentNotificationSourceWebhook PaymentNotificationSource = "webhook"
	PaymentNotificationSourcePoll    PaymentNotificationSource = "poll"
)

// PaymentNotificationLog journals every gateway event we receive or fetch.
type PaymentNotificationLog struct {
	ID               string                       `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProviderID       string                       `gorm:"column:provider_id;type:varchar(64);not null" json:"provider_id"`
	Source           PaymentNotificationSource    `gorm:"column:source;type:varchar(16);not null" json:"source"`
	TraceID          string                       `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	InvoiceID        string                       `gorm:"column:invoice_id;type:varchar(128);index" json:"invoice_id"`
	UpdateID         *int64                       `gorm:"column:update_id" json:"update_id"`
	NotificationTime time.Time                    `gorm:"column:notification_time" json:"notification_time"`
	Data             datatypes.JSON               `gorm:"column:data;type:jsonb" json:"data"`
	Result           *datatypes.JSON              `gorm:"column:result;type:jsonb" json:"result"`
	Status           PaymentNotificationLogStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

func (PaymentNotificationLog) TableName() string { return "payment_notification_log" }
