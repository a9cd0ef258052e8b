package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/tool"
	"github.com/fatflowers/chanseller/pkg/types"
)

const day = 24 * time.Hour

// NotifyFlag names a reminder flag column on subscription.
type NotifyFlag string

const (
	NotifyFlag3Days NotifyFlag = "notified_3days"
	NotifyFlag1Day  NotifyFlag = "notified_1day"
)

type activation struct {
	User      *models.User
	Tariff    *models.Tariff
	StartsAt  time.Time
	Days      int
	IsTrial   bool
	Reason    types.SubscriptionChangeReason
	GrantedBy *int64
	PaymentID string
}

type activated struct {
	sub   *models.Subscription
	tasks []*models.MembershipTask
	logs  []*models.SubscriptionLog
}

// activate replaces any active subscription for the (user, tariff) pair with
// a new one and queues channel adds. Must run inside a transaction.
func (s *Service) activate(ctx context.Context, tx *gorm.DB, a activation) (*activated, error) {
	var current []*models.Subscription
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND tariff_id = ? AND is_active = ?", a.User.ID, a.Tariff.ID, true).
		Find(&current).Error; err != nil {
		return nil, fmt.Errorf("failed to lock active subscriptions: %w", err)
	}

	out := &activated{}
	if err := s.deactivate(ctx, tx, current, out); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:        tool.GenerateUUIDV7(),
		UserID:    a.User.ID,
		TariffID:  a.Tariff.ID,
		IsTrial:   a.IsTrial,
		StartsAt:  a.StartsAt,
		ExpiresAt: expiryFor(a.StartsAt, a.Days),
		IsActive:  true,
		GrantedBy: a.GrantedBy,
	}
	if err := tx.WithContext(ctx).Omit(clause.Associations).Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	out.sub = sub

	extra := datatypes.JSONMap{}
	if a.PaymentID != "" {
		extra["payment_id"] = a.PaymentID
	}
	if a.GrantedBy != nil {
		extra["granted_by"] = *a.GrantedBy
	}
	out.logs = append(out.logs, newSubscriptionLog(a.Reason, nil, snapshot(sub), extra))

	tasks, err := enqueueTasks(ctx, tx, types.MembershipTaskTypeAdd, sub, a.User, a.Tariff)
	if err != nil {
		return nil, err
	}
	out.tasks = tasks
	return out, nil
}

func (s *Service) deactivate(ctx context.Context, tx *gorm.DB, current []*models.Subscription, out *activated) error {
	for _, old := range planReplacement(current) {
		if err := tx.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ?", old.ID).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate subscription %s: %w", old.ID, err)
		}
		before := snapshot(old)
		before.IsActive = true
		out.logs = append(out.logs, newSubscriptionLog(types.SubscriptionChangeReasonReplaced, before, snapshot(old), nil))
	}
	return nil
}

// planReplacement returns deactivated copies of every active subscription.
// After the new one is created it is the only active row for the pair.
func planReplacement(current []*models.Subscription) []*models.Subscription {
	out := make([]*models.Subscription, 0, len(current))
	for _, sub := range current {
		if sub == nil || !sub.IsActive {
			continue
		}
		cp := *sub
		cp.IsActive = false
		out = append(out, &cp)
	}
	return out
}

// expiryFor returns start + days, or nil for unlimited access.
func expiryFor(start time.Time, days int) *time.Time {
	if days <= 0 {
		return nil
	}
	t := start.Add(time.Duration(days) * day)
	return &t
}

// extendWindow adds days to the remaining window. An already expired
// subscription restarts from now; a forever one stays forever.
func extendWindow(cur *time.Time, now time.Time, days int) *time.Time {
	if cur == nil {
		return nil
	}
	base := *cur
	if base.Before(now) {
		base = now
	}
	t := base.Add(time.Duration(days) * day)
	return &t
}

func enqueueTasks(ctx context.Context, tx *gorm.DB, typ types.MembershipTaskType, sub *models.Subscription, user *models.User, tariff *models.Tariff) ([]*models.MembershipTask, error) {
	channels := tariff.ActiveChannels()
	if len(channels) == 0 {
		return nil, nil
	}
	tasks := make([]*models.MembershipTask, 0, len(channels))
	for _, ch := range channels {
		subID := sub.ID
		tasks = append(tasks, &models.MembershipTask{
			ID:                tool.GenerateUUIDV7(),
			Type:              typ,
			SubscriptionID:    &subID,
			UserTelegramID:    user.TelegramID,
			ChannelID:         ch.ID,
			TelegramChannelID: ch.TelegramChannelID,
			Status:            types.MembershipTaskStatusPending,
		})
	}
	if err := tx.WithContext(ctx).Create(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue membership tasks: %w", err)
	}
	return tasks, nil
}

type GrantRequest struct {
	User      *models.User
	Tariff    *models.Tariff
	GrantedBy int64
	// DaysOverride replaces the tariff duration when positive.
	DaysOverride int
}

// GrantManual gives access without a gateway payment. A bookkeeping payment
// with status manual is recorded so revenue reports can tell grants apart.
func (s *Service) GrantManual(ctx context.Context, req GrantRequest) (*Completion, error) {
	if req.User == nil || req.Tariff == nil {
		return nil, fmt.Errorf("user and tariff are required")
	}
	if req.DaysOverride < 0 {
		return nil, ErrInvalidDays
	}
	days := req.Tariff.DurationDays
	if req.DaysOverride > 0 {
		days = req.DaysOverride
	}
	grantedBy := req.GrantedBy
	now := s.now()

	var res *Completion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := &models.Payment{
			ID:             tool.GenerateUUIDV7(),
			UserID:         req.User.ID,
			TariffID:       req.Tariff.ID,
			InvoiceID:      "manual-" + tool.GenerateUUIDV7(),
			Asset:          req.Tariff.Asset,
			OriginalAmount: req.Tariff.Price,
			Status:         types.PaymentStatusManual,
			Method:         types.PaymentMethodManual,
			PaidAt:         &now,
		}
		act, err := s.activate(ctx, tx, activation{
			User:      req.User,
			Tariff:    req.Tariff,
			StartsAt:  now,
			Days:      days,
			Reason:    types.SubscriptionChangeReasonManualGrant,
			GrantedBy: &grantedBy,
			PaymentID: p.ID,
		})
		if err != nil {
			return err
		}
		p.SubscriptionID = &act.sub.ID
		if err := tx.Omit(clause.Associations).Create(p).Error; err != nil {
			return fmt.Errorf("failed to record manual grant: %w", err)
		}
		if err := saveLogs(ctx, tx, act.logs); err != nil {
			return err
		}
		res = &Completion{Payment: p, Subscription: act.sub, Tariff: req.Tariff, User: req.User, Created: true, Tasks: act.tasks}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("subscription_granted",
		"subscription_id", res.Subscription.ID,
		"user_id", req.User.ID,
		"tariff_id", req.Tariff.ID,
		"granted_by", grantedBy,
		"days", days,
	)
	return res, nil
}

// GrantTrial activates the tariff's trial. Each user gets one trial per tariff.
func (s *Service) GrantTrial(ctx context.Context, user *models.User, tariff *models.Tariff) (*Completion, error) {
	if tariff.TrialDays <= 0 {
		return nil, ErrTrialUnavailable
	}
	now := s.now()

	var res *Completion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var had int64
		if err := tx.Model(&models.Subscription{}).
			Where("user_id = ? AND tariff_id = ? AND is_trial = ?", user.ID, tariff.ID, true).
			Count(&had).Error; err != nil {
			return fmt.Errorf("failed to check previous trials: %w", err)
		}
		if had > 0 {
			return ErrTrialUnavailable
		}
		act, err := s.activate(ctx, tx, activation{
			User:     user,
			Tariff:   tariff,
			StartsAt: now,
			Days:     tariff.TrialDays,
			IsTrial:  true,
			Reason:   types.SubscriptionChangeReasonTrial,
		})
		if err != nil {
			return err
		}
		if err := saveLogs(ctx, tx, act.logs); err != nil {
			return err
		}
		res = &Completion{Subscription: act.sub, Tariff: tariff, User: user, Created: true, Tasks: act.tasks}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("trial_activated", "subscription_id", res.Subscription.ID, "user_id", user.ID, "tariff_id", tariff.ID)
	return res, nil
}

// Extend adds days to a subscription. Reactivating an inactive subscription
// replaces any other active one for the pair and queues channel adds again.
func (s *Service) Extend(ctx context.Context, subscriptionID string, days int) (*Completion, error) {
	if days <= 0 {
		return nil, ErrInvalidDays
	}
	now := s.now()

	var res *Completion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		res = &Completion{Subscription: &sub}
		if sub.ExpiresAt == nil {
			return nil
		}

		before := snapshot(&sub)
		wasActive := sub.IsActive
		sub.ExpiresAt = extendWindow(sub.ExpiresAt, now, days)
		sub.IsActive = true
		sub.AutoKicked = false
		sub.Notified3Days = false
		sub.Notified1Day = false

		out := &activated{sub: &sub}
		if !wasActive {
			var others []*models.Subscription
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("user_id = ? AND tariff_id = ? AND is_active = ? AND id <> ?", sub.UserID, sub.TariffID, true, sub.ID).
				Find(&others).Error; err != nil {
				return fmt.Errorf("failed to lock active subscriptions: %w", err)
			}
			if err := s.deactivate(ctx, tx, others, out); err != nil {
				return err
			}
		}

		if err := tx.Model(&sub).Select("expires_at", "is_active", "auto_kicked", "notified_3days", "notified_1day").
			Updates(&sub).Error; err != nil {
			return fmt.Errorf("failed to extend subscription: %w", err)
		}
		out.logs = append(out.logs, newSubscriptionLog(types.SubscriptionChangeReasonRenewal, before, snapshot(&sub), datatypes.JSONMap{"days": days}))

		tariff, err := getTariff(ctx, tx, sub.TariffID)
		if err != nil {
			return err
		}
		user, err := getUser(ctx, tx, sub.UserID)
		if err != nil {
			return err
		}
		if !wasActive {
			if out.tasks, err = enqueueTasks(ctx, tx, types.MembershipTaskTypeAdd, &sub, user, tariff); err != nil {
				return err
			}
		}
		if err := saveLogs(ctx, tx, out.logs); err != nil {
			return err
		}
		res = &Completion{Subscription: &sub, Tariff: tariff, User: user, Created: true, Tasks: out.tasks}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Created {
		logctx.FromCtx(ctx, s.log).Infow("subscription_extended",
			"subscription_id", subscriptionID,
			"days", days,
			"expires_at", res.Subscription.ExpiresAt,
			"tasks", len(res.Tasks),
		)
	}
	return res, nil
}

// GetActiveSubscriptions lists subscriptions granting access now. It never
// mutates rows; lapsed ones are handled by the watchdog.
func (s *Service) GetActiveSubscriptions(ctx context.Context, userID string) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	if err := s.db.WithContext(ctx).
		Preload("Tariff.Channels").
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("expires_at IS NULL OR expires_at > ?", s.now()).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return rows, nil
}

func dueForNotification(sub *models.Subscription, now time.Time, threshold time.Duration, flag NotifyFlag) bool {
	if sub == nil || !sub.IsActive || sub.ExpiresAt == nil {
		return false
	}
	if !sub.ExpiresAt.After(now) || sub.ExpiresAt.After(now.Add(threshold)) {
		return false
	}
	switch flag {
	case NotifyFlag3Days:
		return !sub.Notified3Days
	case NotifyFlag1Day:
		return !sub.Notified1Day
	}
	return false
}

func isDueForExpiry(sub *models.Subscription, now time.Time) bool {
	return sub != nil && sub.IsActive && !sub.AutoKicked && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now)
}

// DueForNotification returns active subscriptions expiring within threshold
// whose flag is not yet set.
func (s *Service) DueForNotification(ctx context.Context, threshold time.Duration, flag NotifyFlag, limit int) ([]*models.Subscription, error) {
	if flag != NotifyFlag3Days && flag != NotifyFlag1Day {
		return nil, fmt.Errorf("unknown notify flag %q", flag)
	}
	now := s.now()
	var rows []*models.Subscription
	if err := s.db.WithContext(ctx).
		Preload("User").Preload("Tariff").
		Where("is_active = ? AND expires_at IS NOT NULL", true).
		Where("expires_at > ? AND expires_at <= ?", now, now.Add(threshold)).
		Where(clause.Eq{Column: clause.Column{Name: string(flag)}, Value: false}).
		Order("expires_at asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions due for notification: %w", err)
	}
	return rows, nil
}

// DueForExpiry returns active subscriptions whose window has closed.
func (s *Service) DueForExpiry(ctx context.Context, limit int) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	if err := s.db.WithContext(ctx).
		Preload("User").Preload("Tariff.Channels").
		Where("is_active = ? AND auto_kicked = ? AND expires_at IS NOT NULL AND expires_at <= ?", true, false, s.now()).
		Order("expires_at asc").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	return rows, nil
}

func (s *Service) MarkNotified(ctx context.Context, subscriptionID string, flags ...NotifyFlag) error {
	if len(flags) == 0 {
		return nil
	}
	updates := make(map[string]any, len(flags))
	for _, f := range flags {
		updates[string(f)] = true
	}
	if err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark subscription notified: %w", err)
	}
	return nil
}

// MarkExpired closes a subscription after its channels were removed. It
// re-checks expiry under the row lock and returns false when the row no
// longer qualifies. A subscription renewed while the sweep was removing the
// user gets its channel adds queued again.
func (s *Service) MarkExpired(ctx context.Context, subscriptionID string) (bool, error) {
	var (
		applied bool
		requeue int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", subscriptionID).First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSubscriptionNotFound
			}
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		now := s.now()
		if !isDueForExpiry(&sub, now) {
			if !sub.Valid(now) {
				return nil
			}
			tariff, err := getTariff(ctx, tx, sub.TariffID)
			if err != nil {
				return err
			}
			user, err := getUser(ctx, tx, sub.UserID)
			if err != nil {
				return err
			}
			tasks, err := enqueueTasks(ctx, tx, types.MembershipTaskTypeAdd, &sub, user, tariff)
			if err != nil {
				return err
			}
			requeue = len(tasks)
			return nil
		}
		before := snapshot(&sub)
		sub.IsActive = false
		sub.AutoKicked = true
		if err := tx.Model(&sub).Select("is_active", "auto_kicked").Updates(&sub).Error; err != nil {
			return fmt.Errorf("failed to expire subscription: %w", err)
		}
		applied = true
		return saveLogs(ctx, tx, []*models.SubscriptionLog{
			newSubscriptionLog(types.SubscriptionChangeReasonExpired, before, snapshot(&sub), nil),
		})
	})
	if err != nil {
		return false, err
	}
	if requeue > 0 {
		logctx.FromCtx(ctx, s.log).Infow("expiry_skipped_renewed", "subscription_id", subscriptionID, "tasks", requeue)
	}
	return applied, nil
}

// UserHasOtherAccess reports whether another active subscription of the user
// still grants the channel.
func (s *Service) UserHasOtherAccess(ctx context.Context, userID, channelID, excludeSubscriptionID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Joins("JOIN tariff_channel ON tariff_channel.tariff_id = subscription.tariff_id").
		Where("subscription.user_id = ? AND subscription.id <> ? AND subscription.is_active = ?", userID, excludeSubscriptionID, true).
		Where("subscription.expires_at IS NULL OR subscription.expires_at > ?", s.now()).
		Where("tariff_channel.channel_id = ?", channelID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check other access: %w", err)
	}
	return n > 0, nil
}
