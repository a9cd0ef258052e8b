package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/types"
)

var (
	ErrNotFound     = errors.New("membership task not found")
	ErrNotRetryable = errors.New("only failed tasks can be retried")
)

// Store is the persistence the dispatcher needs from the membership_task table.
type Store interface {
	Recover(ctx context.Context) (int64, error)
	Claim(ctx context.Context, limit int) ([]*models.MembershipTask, error)
	Finish(ctx context.Context, task *models.MembershipTask) error
	Get(ctx context.Context, id string) (*models.MembershipTask, error)
	List(ctx context.Context, status types.MembershipTaskStatus, limit int) ([]*models.MembershipTask, error)
	Retry(ctx context.Context, id string) (*models.MembershipTask, error)
	// GrantsAccess reports whether the subscription is active and unexpired.
	GrantsAccess(ctx context.Context, subscriptionID string, now time.Time) (bool, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store { return &gormStore{db: db} }

// Recover puts back tasks a crashed process left in processing.
func (s *gormStore) Recover(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.MembershipTask{}).
		Where("status = ?", types.MembershipTaskStatusProcessing).
		Update("status", types.MembershipTaskStatusPending)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to recover membership tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Claim marks up to limit pending tasks as processing. Rows locked by another
// replica are skipped.
func (s *gormStore) Claim(ctx context.Context, limit int) ([]*models.MembershipTask, error) {
	var rows []*models.MembershipTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", types.MembershipTaskStatusPending).
			Order("created_at asc").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to select membership tasks: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
			r.Status = types.MembershipTaskStatusProcessing
		}
		if err := tx.Model(&models.MembershipTask{}).
			Where("id IN ?", ids).
			Update("status", types.MembershipTaskStatusProcessing).Error; err != nil {
			return fmt.Errorf("failed to claim membership tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *gormStore) Finish(ctx context.Context, t *models.MembershipTask) error {
	if err := s.db.WithContext(ctx).Model(&models.MembershipTask{}).
		Where("id = ?", t.ID).
		Updates(map[string]any{
			"status":       t.Status,
			"attempts":     t.Attempts,
			"last_outcome": t.LastOutcome,
			"error":        t.Error,
			"processed_at": t.ProcessedAt,
		}).Error; err != nil {
		return fmt.Errorf("failed to finish membership task %s: %w", t.ID, err)
	}
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (*models.MembershipTask, error) {
	var t models.MembershipTask
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get membership task: %w", err)
	}
	return &t, nil
}

func (s *gormStore) List(ctx context.Context, status types.MembershipTaskStatus, limit int) ([]*models.MembershipTask, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []*models.MembershipTask
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list membership tasks: %w", err)
	}
	return rows, nil
}

// Retry moves a failed task back to pending.
func (s *gormStore) Retry(ctx context.Context, id string) (*models.MembershipTask, error) {
	res := s.db.WithContext(ctx).Model(&models.MembershipTask{}).
		Where("id = ? AND status = ?", id, types.MembershipTaskStatusFailed).
		Updates(map[string]any{"status": types.MembershipTaskStatusPending, "error": nil, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to retry membership task: %w", res.Error)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return t, ErrNotRetryable
	}
	return t, nil
}

func (s *gormStore) GrantsAccess(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND is_active = ?", subscriptionID, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check subscription %s: %w", subscriptionID, err)
	}
	return n > 0, nil
}
