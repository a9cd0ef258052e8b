package membership

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
	"github.com/fatflowers/chanseller/pkg/logctx"
	"github.com/fatflowers/chanseller/pkg/metrics"
	"github.com/fatflowers/chanseller/pkg/tool"
)

type Policy struct {
	MaxAttempts      int
	MaxRateLimitWait time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
}

func PolicyFromConfig(cfg *cfgpkg.Config) Policy {
	return Policy{
		MaxAttempts:      cfg.Membership.MaxAttempts,
		MaxRateLimitWait: cfg.Membership.MaxRateLimitWait,
		BackoffMin:       cfg.Membership.BackoffMin,
		BackoffMax:       cfg.Membership.BackoffMax,
	}
}

type Result struct {
	Outcome  Outcome
	Attempts int
}

// Executor applies the retry policy shared by the task dispatcher and the
// expiry watchdog.
type Executor struct {
	agent   Agent
	policy  Policy
	log     *zap.SugaredLogger
	metrics *metrics.Business
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewExecutor(agent Agent, policy Policy, l *zap.SugaredLogger, m *metrics.Business) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Executor{agent: agent, policy: policy, log: l, metrics: m, sleep: tool.Sleep}
}

// Run performs op until it succeeds, hits a non-retryable outcome or runs
// out of attempts. RateLimited waits the server-provided delay unless it is
// longer than MaxRateLimitWait; TransientFailure backs off exponentially.
func (e *Executor) Run(ctx context.Context, op Op, channelID, userID int64) Result {
	log := logctx.FromCtx(ctx, e.log)
	b := &backoff.Backoff{
		Min:    e.policy.BackoffMin,
		Max:    e.policy.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		out := Apply(ctx, e.agent, op, channelID, userID)
		e.metrics.Membership.WithLabelValues(string(op), string(out.Kind)).Inc()

		if !out.Retryable() || attempt >= e.policy.MaxAttempts {
			if !out.IsSuccess() {
				log.Warnw("membership_call_failed",
					"op", op,
					"channel_id", channelID,
					"user_id", userID,
					"outcome", out.String(),
					"attempts", attempt,
				)
			}
			return Result{Outcome: out, Attempts: attempt}
		}

		var wait time.Duration
		if out.Kind == KindRateLimited {
			if out.RetryAfter > e.policy.MaxRateLimitWait {
				log.Warnw("membership_rate_limit_too_long",
					"op", op,
					"channel_id", channelID,
					"user_id", userID,
					"retry_after", out.RetryAfter,
				)
				return Result{Outcome: out, Attempts: attempt}
			}
			wait = out.RetryAfter
		} else {
			wait = b.Duration()
		}

		log.Infow("membership_call_retry",
			"op", op,
			"channel_id", channelID,
			"user_id", userID,
			"outcome", out.String(),
			"attempt", attempt,
			"wait", wait,
		)
		if err := e.sleep(ctx, wait); err != nil {
			return Result{Outcome: out, Attempts: attempt}
		}
	}
}
