package watchdog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/app/service/incident"
	"github.com/fatflowers/chanseller/internal/app/service/ledger"
	"github.com/fatflowers/chanseller/internal/app/service/reconciler"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/internal/platform/cache"
	"github.com/fatflowers/chanseller/internal/platform/membership"
	"github.com/fatflowers/chanseller/internal/platform/telegram"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/metrics"
	"github.com/fatflowers/chanseller/pkg/types"
)

var ErrSweepInProgress = errors.New("watchdog sweep already in progress")

const (
	lockKey = "watchdog:sweep"
	day     = 24 * time.Hour
)

type Ledger interface {
	DueForNotification(ctx context.Context, threshold time.Duration, flag ledger.NotifyFlag, limit int) ([]*models.Subscription, error)
	DueForExpiry(ctx context.Context, limit int) ([]*models.Subscription, error)
	MarkNotified(ctx context.Context, subscriptionID string, flags ...ledger.NotifyFlag) error
	MarkExpired(ctx context.Context, subscriptionID string) (bool, error)
	UserHasOtherAccess(ctx context.Context, userID, channelID, excludeSubscriptionID string) (bool, error)
	ListStalePendingPayments(ctx context.Context, grace time.Duration, limit int) ([]*models.Payment, error)
}

type Runner interface {
	Run(ctx context.Context, op membership.Op, channelID, userID int64) membership.Result
}

type Poller interface {
	Poll(ctx context.Context, invoiceID string) (*reconciler.Result, error)
}

type Notifier interface {
	SendReminder(ctx context.Context, r telegram.Reminder) error
	SendExpired(ctx context.Context, n telegram.ExpiredNotice) error
}

type Incidents interface {
	Open(ctx context.Context, inc *models.OperatorIncident) error
}

type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

type Options struct {
	BatchSize         int
	StaleInvoiceGrace time.Duration
	LockTTL           time.Duration
}

// CompletionFunc receives payments the stale sweep turned into access.
type CompletionFunc func(ctx context.Context, c *ledger.Completion)

// SweepReport summarizes one pass. Errors holds per-item failures; a failed
// item never stops the rest of the batch.
type SweepReport struct {
	Reminded3d       int      `json:"reminded_3d"`
	Reminded1d       int      `json:"reminded_1d"`
	ReminderFailures int      `json:"reminder_failures"`
	Expired          int      `json:"expired"`
	RemovalFailures  int      `json:"removal_failures"`
	StalePolled      int      `json:"stale_polled"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *SweepReport) addErr(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Watchdog sends expiry reminders, removes lapsed users from channels and
// polls invoices whose webhook never came.
type Watchdog struct {
	ledger    Ledger
	runner    Runner
	poller    Poller
	notifier  Notifier
	incidents Incidents
	locker    Locker
	opts      Options
	log       *zap.SugaredLogger
	metrics   *metrics.Business
	now       func() time.Time
	completed CompletionFunc
}

func NewWatchdog(l Ledger, r Runner, p Poller, n Notifier, inc Incidents, locker Locker, opts Options, log *zap.SugaredLogger, m *metrics.Business) *Watchdog {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 4 * time.Minute
	}
	return &Watchdog{
		ledger:    l,
		runner:    r,
		poller:    p,
		notifier:  n,
		incidents: inc,
		locker:    locker,
		opts:      opts,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

func New(
	lc fx.Lifecycle,
	l *ledger.Service,
	exec *membership.Executor,
	rec *reconciler.Reconciler,
	n telegram.Notifier,
	inc *incident.Service,
	store cache.Store,
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
	m *metrics.Business,
) (*Watchdog, error) {
	w := NewWatchdog(l, exec, rec, n, inc, store, Options{
		BatchSize:         cfg.Watchdog.BatchSize,
		StaleInvoiceGrace: cfg.Watchdog.StaleInvoiceGrace,
		LockTTL:           cfg.Watchdog.LockTTL,
	}, log, m)

	baseCtx, cancel := context.WithCancel(context.Background())
	c := cron.New()
	if _, err := c.AddFunc(cfg.Watchdog.Schedule, func() { w.tick(baseCtx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid watchdog schedule %q: %w", cfg.Watchdog.Schedule, err)
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start()
			log.Infow("watchdog started", "schedule", cfg.Watchdog.Schedule)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
			log.Infow("watchdog stopped")
			return nil
		},
	})
	return w, nil
}

var Module = fx.Options(fx.Provide(New))

func (w *Watchdog) tick(ctx context.Context) {
	ctx = logctx.WithJob(ctx, w.log, "watchdog_sweep")
	_, err := w.Sweep(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		logctx.FromCtx(ctx, w.log).Infow("watchdog_sweep_skipped")
		return
	}
	if err != nil {
		logctx.FromCtx(ctx, w.log).Errorw("watchdog_sweep_failed", "err", err)
	}
}

// OnCompletion registers fn for payments completed by the stale sweep, so
// they get the same follow-up as a webhook or user poll.
func (w *Watchdog) OnCompletion(fn CompletionFunc) {
	w.completed = fn
}

// RunNow performs a sweep on demand. It shares the lock with scheduled runs.
func (w *Watchdog) RunNow(ctx context.Context) (*SweepReport, error) {
	return w.Sweep(ctx)
}

// Sweep runs reminders, expiry and stale invoice polling once.
func (w *Watchdog) Sweep(ctx context.Context) (*SweepReport, error) {
	unlock, ok, err := w.locker.TryLock(ctx, lockKey, w.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to take watchdog lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepInProgress
	}
	defer unlock()

	start := w.now()
	rep := &SweepReport{}
	w.remind(ctx, rep)
	w.expire(ctx, rep)
	w.pollStale(ctx, rep)

	logctx.FromCtx(ctx, w.log).Infow("watchdog_sweep_done",
		"reminded_3d", rep.Reminded3d,
		"reminded_1d", rep.Reminded1d,
		"reminder_failures", rep.ReminderFailures,
		"expired", rep.Expired,
		"removal_failures", rep.RemovalFailures,
		"stale_polled", rep.StalePolled,
		"errors", len(rep.Errors),
		"took", w.now().Sub(start),
	)
	return rep, nil
}

// remind sends the 1-day notice first; it sets both flags so a subscription
// that skipped the 3-day window is not told "3 days" afterwards.
func (w *Watchdog) remind(ctx context.Context, rep *SweepReport) {
	passes := []struct {
		threshold time.Duration
		flag      ledger.NotifyFlag
		set       []ledger.NotifyFlag
		count     *int
	}{
		{day, ledger.NotifyFlag1Day, []ledger.NotifyFlag{ledger.NotifyFlag1Day, ledger.NotifyFlag3Days}, &rep.Reminded1d},
		{3 * day, ledger.NotifyFlag3Days, []ledger.NotifyFlag{ledger.NotifyFlag3Days}, &rep.Reminded3d},
	}
	log := logctx.FromCtx(ctx, w.log)
	for _, p := range passes {
		subs, err := w.ledger.DueForNotification(ctx, p.threshold, p.flag, w.opts.BatchSize)
		if err != nil {
			rep.addErr("list %s: %v", p.flag, err)
			w.count("remind", "error")
			continue
		}
		for _, sub := range subs {
			if ctx.Err() != nil {
				return
			}
			err := w.notifier.SendReminder(ctx, reminderFor(sub, w.now()))
			if err != nil {
				rep.ReminderFailures++
				w.count("remind", "send_failed")
				log.Warnw("reminder_send_failed", "subscription_id", sub.ID, "flag", p.flag, "err", err)
			} else {
				*p.count++
				w.count("remind", "sent")
			}
			// flagged either way so a blocked user is not retried every sweep
			if err := w.ledger.MarkNotified(ctx, sub.ID, p.set...); err != nil {
				rep.addErr("mark %s %s: %v", sub.ID, p.flag, err)
			}
		}
	}
}

func (w *Watchdog) expire(ctx context.Context, rep *SweepReport) {
	subs, err := w.ledger.DueForExpiry(ctx, w.opts.BatchSize)
	if err != nil {
		rep.addErr("list expired: %v", err)
		w.count("expire", "error")
		return
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		w.expireOne(ctx, sub, rep)
	}
}

func (w *Watchdog) expireOne(ctx context.Context, sub *models.Subscription, rep *SweepReport) {
	log := logctx.FromCtx(ctx, w.log)
	if sub.User == nil {
		rep.addErr("subscription %s has no user", sub.ID)
		return
	}

	for _, ch := range sub.Tariff.ActiveChannels() {
		other, err := w.ledger.UserHasOtherAccess(ctx, sub.UserID, ch.ID, sub.ID)
		if err != nil {
			// retried next sweep
			rep.addErr("check access %s/%s: %v", sub.ID, ch.ID, err)
			w.count("expire", "error")
			return
		}
		if other {
			log.Infow("removal_skipped_other_access", "subscription_id", sub.ID, "channel_id", ch.ID)
			continue
		}
		res := w.runner.Run(ctx, membership.OpRemove, ch.TelegramChannelID, sub.User.TelegramID)
		if res.Outcome.IsSuccess() {
			continue
		}
		rep.RemovalFailures++
		w.count("expire", "remove_failed")
		userID, channelID := sub.User.TelegramID, ch.TelegramChannelID
		subID := sub.ID
		if err := w.incidents.Open(ctx, &models.OperatorIncident{
			Kind:                   types.IncidentKindMembershipRemoveFailed,
			OperatorActionRequired: res.Outcome.OperatorError(),
			SubscriptionID:         &subID,
			UserTelegramID:         &userID,
			TelegramChannelID:      &channelID,
			Outcome:                string(res.Outcome.Kind),
			Detail:                 fmt.Sprintf("expiry removal after %d attempts: %s", res.Attempts, res.Outcome.String()),
		}); err != nil {
			rep.addErr("incident %s: %v", sub.ID, err)
		}
	}

	applied, err := w.ledger.MarkExpired(ctx, sub.ID)
	if err != nil {
		rep.addErr("mark expired %s: %v", sub.ID, err)
		w.count("expire", "error")
		return
	}
	if !applied {
		return
	}
	rep.Expired++
	w.count("expire", "expired")

	notice := telegram.ExpiredNotice{ChatID: sub.User.TelegramID, TariffID: sub.TariffID}
	if sub.Tariff != nil {
		notice.TariffName = sub.Tariff.Name
	}
	if err := w.notifier.SendExpired(ctx, notice); err != nil {
		log.Warnw("expired_notice_failed", "subscription_id", sub.ID, "err", err)
	}
}

func (w *Watchdog) pollStale(ctx context.Context, rep *SweepReport) {
	payments, err := w.ledger.ListStalePendingPayments(ctx, w.opts.StaleInvoiceGrace, w.opts.BatchSize)
	if err != nil {
		rep.addErr("list stale payments: %v", err)
		w.count("poll", "error")
		return
	}
	for _, p := range payments {
		if ctx.Err() != nil {
			return
		}
		res, err := w.poller.Poll(ctx, p.InvoiceID)
		if err != nil {
			rep.addErr("poll %s: %v", p.InvoiceID, err)
			w.count("poll", "error")
			continue
		}
		rep.StalePolled++
		w.count("poll", string(res.Action))
		if res.Created() && w.completed != nil {
			w.completed(ctx, res.Completion)
		}
	}
}

func (w *Watchdog) count(phase, result string) {
	w.metrics.Watchdog.WithLabelValues(phase, result).Inc()
}

func reminderFor(sub *models.Subscription, now time.Time) telegram.Reminder {
	r := telegram.Reminder{TariffID: sub.TariffID, DaysLeft: daysLeft(*sub.ExpiresAt, now)}
	r.ExpiresAt = *sub.ExpiresAt
	if sub.User != nil {
		r.ChatID = sub.User.TelegramID
	}
	if sub.Tariff != nil {
		r.TariffName = sub.Tariff.Name
	}
	return r
}

// daysLeft rounds up so 30 hours reads as 2 days; never below 1.
func daysLeft(expiresAt, now time.Time) int {
	d := int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
	if d < 1 {
		return 1
	}
	return d
}
