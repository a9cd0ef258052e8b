package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/chanseller/internal/app/service/incident"
	"github.com/fatflowers/chanseller/internal/models"
	"github.com/fatflowers/chanseller/internal/platform/membership"
	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/types"
)

// Runner executes one membership change with retries.
type Runner interface {
	Run(ctx context.Context, op membership.Op, channelID, userID int64) membership.Result
}

type Incidents interface {
	Open(ctx context.Context, inc *models.OperatorIncident) error
}

// Dispatcher drains the membership task outbox written by the ledger.
type Dispatcher struct {
	store     Store
	runner    Runner
	incidents Incidents
	log       *zap.SugaredLogger
	interval  time.Duration
	batch     int
	now       func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(store Store, runner Runner, incidents Incidents, log *zap.SugaredLogger, interval time.Duration, batch int) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 20
	}
	return &Dispatcher{
		store:     store,
		runner:    runner,
		incidents: incidents,
		log:       log,
		interval:  interval,
		batch:     batch,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

func New(lc fx.Lifecycle, db *gorm.DB, exec *membership.Executor, inc *incident.Service, log *zap.SugaredLogger, cfg *cfgpkg.Config) *Dispatcher {
	d := NewDispatcher(NewStore(db), exec, inc, log, cfg.Tasks.PollInterval, cfg.Tasks.BatchSize)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return d.Start(ctx) },
		OnStop:  func(ctx context.Context) error { d.Stop(); return nil },
	})
	return d
}

var Module = fx.Options(fx.Provide(New))

// Start recovers tasks left processing by a previous run and starts the
// polling loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	n, err := d.store.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Warnw("membership_tasks_recovered", "count", n)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(loopCtx)
	d.log.Infow("membership dispatcher started", "interval", d.interval, "batch", d.batch)
	return nil
}

func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.log.Infow("membership dispatcher stopped")
}

// Wake triggers a poll without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// drain processes batches until the outbox is empty or ctx ends.
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := d.RunOnce(ctx)
		if err != nil {
			d.log.Errorw("membership_tasks_poll_failed", "err", err)
			return
		}
		if n < d.batch {
			return
		}
	}
}

// RunOnce claims and executes one batch, returning how many tasks it handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.store.Claim(ctx, d.batch)
	if err != nil {
		return 0, err
	}
	for _, t := range claimed {
		d.execute(logctx.WithJob(ctx, d.log, "membership_task"), t)
	}
	return len(claimed), nil
}

func (d *Dispatcher) execute(ctx context.Context, t *models.MembershipTask) {
	log := logctx.FromCtx(ctx, d.log)
	op := opFor(t.Type)
	if op == membership.OpAdd && t.SubscriptionID != nil {
		ok, err := d.store.GrantsAccess(ctx, *t.SubscriptionID, d.now())
		if err != nil {
			log.Errorw("membership_task_check_failed", "task_id", t.ID, "err", err)
			t.Status = types.MembershipTaskStatusPending
			if err := d.store.Finish(context.WithoutCancel(ctx), t); err != nil {
				log.Errorw("membership_task_finish_failed", "task_id", t.ID, "err", err)
			}
			return
		}
		if !ok {
			d.skip(ctx, t)
			return
		}
	}
	res := d.runner.Run(ctx, op, t.TelegramChannelID, t.UserTelegramID)

	applyResult(t, res, d.now())
	if err := d.store.Finish(context.WithoutCancel(ctx), t); err != nil {
		log.Errorw("membership_task_finish_failed", "task_id", t.ID, "err", err)
		return
	}
	log.Infow("membership_task_done",
		"task_id", t.ID,
		"type", t.Type,
		"status", t.Status,
		"outcome", t.LastOutcome,
		"attempts", res.Attempts,
	)
	if t.Status != types.MembershipTaskStatusFailed {
		return
	}
	if err := d.incidents.Open(ctx, incidentFor(t, res.Outcome)); err != nil {
		log.Errorw("incident_open_failed", "task_id", t.ID, "err", err)
	}
}

// skip closes an add whose subscription no longer grants access, so a late
// or retried task never lets a lapsed user back in.
func (d *Dispatcher) skip(ctx context.Context, t *models.MembershipTask) {
	now := d.now()
	msg := "subscription no longer grants access"
	t.Status = types.MembershipTaskStatusSkipped
	t.LastOutcome = string(types.MembershipTaskStatusSkipped)
	t.Error = &msg
	t.ProcessedAt = &now
	if err := d.store.Finish(context.WithoutCancel(ctx), t); err != nil {
		logctx.FromCtx(ctx, d.log).Errorw("membership_task_finish_failed", "task_id", t.ID, "err", err)
		return
	}
	logctx.FromCtx(ctx, d.log).Infow("membership_task_skipped", "task_id", t.ID, "subscription_id", *t.SubscriptionID)
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*models.MembershipTask, error) {
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) List(ctx context.Context, status types.MembershipTaskStatus, limit int) ([]*models.MembershipTask, error) {
	return d.store.List(ctx, status, limit)
}

// Retry re-queues a failed task and wakes the loop.
func (d *Dispatcher) Retry(ctx context.Context, id string) (*models.MembershipTask, error) {
	t, err := d.store.Retry(ctx, id)
	if err != nil {
		return t, err
	}
	logctx.FromCtx(ctx, d.log).Infow("membership_task_retried", "task_id", id)
	d.Wake()
	return t, nil
}

func opFor(t types.MembershipTaskType) membership.Op {
	if t == types.MembershipTaskTypeRemove {
		return membership.OpRemove
	}
	return membership.OpAdd
}

func applyResult(t *models.MembershipTask, res membership.Result, now time.Time) {
	t.Attempts += res.Attempts
	t.LastOutcome = string(res.Outcome.Kind)
	t.ProcessedAt = &now
	if res.Outcome.IsSuccess() {
		t.Status = types.MembershipTaskStatusCompleted
		t.Error = nil
		return
	}
	t.Status = types.MembershipTaskStatusFailed
	msg := res.Outcome.String()
	t.Error = &msg
}

func incidentFor(t *models.MembershipTask, out membership.Outcome) *models.OperatorIncident {
	kind := types.IncidentKindMembershipAddFailed
	if t.Type == types.MembershipTaskTypeRemove {
		kind = types.IncidentKindMembershipRemoveFailed
	}
	userID, channelID := t.UserTelegramID, t.TelegramChannelID
	return &models.OperatorIncident{
		Kind:                   kind,
		OperatorActionRequired: out.OperatorError(),
		SubscriptionID:         t.SubscriptionID,
		UserTelegramID:         &userID,
		TelegramChannelID:      &channelID,
		Outcome:                string(out.Kind),
		Detail:                 fmt.Sprintf("task %s: %s", t.ID, out.String()),
		Data:                   map[string]any{"task_id": t.ID, "attempts": t.Attempts},
	}
}
