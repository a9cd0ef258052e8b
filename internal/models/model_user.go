package models

import "time"

// User is a Telegram user known to the shop. Users are never hard-deleted.
type User struct {
	ID             string     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	TelegramID     int64      `gorm:"column:telegram_id;not null;uniqueIndex" json:"telegram_id"`
	Username       *string    `gorm:"column:username;type:varchar(64)" json:"username"`
	FirstName      string     `gorm:"column:first_name;type:varchar(255)" json:"first_name"`
	LastName       string     `gorm:"column:last_name;type:varchar(255)" json:"last_name"`
	Language       string     `gorm:"column:language;type:varchar(16)" json:"language"`
	IsBanned       bool       `gorm:"column:is_banned;not null" json:"is_banned"`
	BanReason      *string    `gorm:"column:ban_reason;type:text" json:"ban_reason"`
	LastActivityAt *time.Time `gorm:"column:last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "app_user" }
