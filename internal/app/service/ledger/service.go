package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

var (
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrTariffNotFound       = errors.New("tariff not found")
	ErrTariffInactive       = errors.New("tariff is not on sale")
	ErrUserNotFound         = errors.New("user not found")
	ErrUserBanned           = errors.New("user is banned")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrTrialUnavailable     = errors.New("trial is not available")
	ErrIllegalTransition    = errors.New("illegal payment status transition")
	ErrQuoteChanged         = errors.New("price changed since quote")
	ErrInvalidDays          = errors.New("days must be positive")
)

// Service is the single writer of users, payments, subscriptions and the
// membership task outbox. Every mutation runs in one database transaction.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log, now: time.Now}
}

var Module = fx.Options(
	fx.Provide(NewService),
)

type UserProfile struct {
	TelegramID int64   `json:"telegram_id" binding:"required"`
	Username   *string `json:"username"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	Language   string  `json:"language"`
}

// EnsureUser returns the user for the Telegram id, creating it on first
// contact. Profile fields and last_activity_at are refreshed on every call.
func (s *Service) EnsureUser(ctx context.Context, p UserProfile) (*models.User, error) {
	if p.TelegramID == 0 {
		return nil, fmt.Errorf("telegram id is required")
	}
	now := s.now()

	var u models.User
	err := s.db.WithContext(ctx).Where("telegram_id = ?", p.TelegramID).First(&u).Error
	switch {
	case err == nil:
		u.LastActivityAt = &now
		if p.Username != nil {
			u.Username = p.Username
		}
		if p.FirstName != "" {
			u.FirstName = p.FirstName
		}
		if p.LastName != "" {
			u.LastName = p.LastName
		}
		if p.Language != "" {
			u.Language = p.Language
		}
		if err := s.db.WithContext(ctx).Model(&u).
			Select("username", "first_name", "last_name", "language", "last_activity_at").
			Updates(&u).Error; err != nil {
			return nil, fmt.Errorf("failed to update user: %w", err)
		}
		return &u, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	u = models.User{
		ID:             tool.GenerateUUIDV7(),
		TelegramID:     p.TelegramID,
		Username:       p.Username,
		FirstName:      p.FirstName,
		LastName:       p.LastName,
		Language:       p.Language,
		LastActivityAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		// lost a race with a concurrent first contact
		return s.GetUserByTelegramID(ctx, p.TelegramID)
	}
	logctx.FromCtx(ctx, s.log).Infow("user_created", "user_id", u.ID, "telegram_id", u.TelegramID)
	return &u, nil
}

func (s *Service) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetTariff loads a tariff with its channels.
func (s *Service) GetTariff(ctx context.Context, id string) (*models.Tariff, error) {
	return getTariff(ctx, s.db, id)
}

func getTariff(ctx context.Context, db *gorm.DB, id string) (*models.Tariff, error) {
	var t models.Tariff
	if err := db.WithContext(ctx).Preload("Channels").Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTariffNotFound
		}
		return nil, fmt.Errorf("failed to get tariff: %w", err)
	}
	return &t, nil
}

func (s *Service) ListTariffs(ctx context.Context, activeOnly bool) ([]*models.Tariff, error) {
	var rows []*models.Tariff
	q := s.db.WithContext(ctx).Preload("Channels").Order("sort_order asc, created_at asc")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list tariffs: %w", err)
	}
	return rows, nil
}

func getUser(ctx context.Context, db *gorm.DB, id string) (*models.User, error) {
	var u models.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func newSubscriptionLog(reason types.SubscriptionChangeReason, before, after *models.Subscription, extra datatypes.JSONMap) *models.SubscriptionLog {
	ref := after
	if ref == nil {
		ref = before
	}
	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	return &models.SubscriptionLog{
		ID:             tool.GenerateUUIDV7(),
		SubscriptionID: ref.ID,
		UserID:         ref.UserID,
		Reason:         reason,
		Before:         datatypes.NewJSONType(before),
		After:          datatypes.NewJSONType(after),
		Extra:          extra,
	}
}

// saveLogs writes audit rows in the transaction that made the change, so a
// committed change always has its log.
func saveLogs(ctx context.Context, tx *gorm.DB, logs []*models.SubscriptionLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := tx.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("failed to save subscription log: %w", err)
	}
	return nil
}

func snapshot(sub *models.Subscription) *models.Subscription {
	if sub == nil {
		return nil
	}
	cp := *sub
	cp.User = nil
	cp.Tariff = nil
	return &cp
}
