package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/chanseller/internal/platform/cache"
)

type scriptedAgent struct {
	mu      sync.Mutex
	results []Outcome
	calls   []Op
}

func (a *scriptedAgent) next(op Op) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op)
	if len(a.results) == 0 {
		return Success()
	}
	out := a.results[0]
	a.results = a.results[1:]
	return out
}

func (a *scriptedAgent) AddMember(ctx context.Context, channelID, userID int64) Outcome {
	return a.next(OpAdd)
}

func (a *scriptedAgent) RemoveMember(ctx context.Context, channelID, userID int64) Outcome {
	return a.next(OpRemove)
}

func newTestExecutor(agent Agent, policy Policy) (*Executor, *[]time.Duration) {
	e := NewExecutor(agent, policy, zap.NewNop().Sugar(), nil)
	waits := &[]time.Duration{}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
	return e, waits
}

var testPolicy = Policy{
	MaxAttempts:      3,
	MaxRateLimitWait: time.Minute,
	BackoffMin:       time.Second,
	BackoffMax:       10 * time.Second,
}

func TestOutcomeHelpers(t *testing.T) {
	require.True(t, Success().IsSuccess())
	require.True(t, AlreadyMember().IsSuccess())
	require.False(t, Transient("x").IsSuccess())

	require.True(t, RateLimited(time.Second, "").Retryable())
	require.True(t, Transient("x").Retryable())
	require.False(t, PermissionDenied("x").Retryable())
	require.False(t, TargetUnreachable("x").Retryable())

	require.True(t, PermissionDenied("x").OperatorError())
	require.False(t, TargetUnreachable("x").OperatorError())
	require.Equal(t, "rate_limited(retry_after=5s)", RateLimited(5*time.Second, "").String())
}

func TestExecutor_SuccessFirstTry(t *testing.T) {
	agent := &scriptedAgent{}
	e, waits := newTestExecutor(agent, testPolicy)

	res := e.Run(context.Background(), OpAdd, -100, 1)
	require.Equal(t, KindSuccess, res.Outcome.Kind)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, *waits)
}

func TestExecutor_RateLimitedWaitsRetryAfter(t *testing.T) {
	agent := &scriptedAgent{results: []Outcome{RateLimited(7*time.Second, "flood"), AlreadyMember()}}
	e, waits := newTestExecutor(agent, testPolicy)

	res := e.Run(context.Background(), OpAdd, -100, 1)
	require.Equal(t, KindAlreadyMember, res.Outcome.Kind)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []time.Duration{7 * time.Second}, *waits)
}

func TestExecutor_RateLimitTooLongStops(t *testing.T) {
	agent := &scriptedAgent{results: []Outcome{RateLimited(time.Hour, "flood")}}
	e, waits := newTestExecutor(agent, testPolicy)

	res := e.Run(context.Background(), OpRemove, -100, 1)
	require.Equal(t, KindRateLimited, res.Outcome.Kind)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, *waits)
}

func TestExecutor_TransientBacksOffUntilExhausted(t *testing.T) {
	agent := &scriptedAgent{results: []Outcome{Transient("a"), Transient("b"), Transient("c"), Success()}}
	e, waits := newTestExecutor(agent, testPolicy)

	res := e.Run(context.Background(), OpAdd, -100, 1)
	require.Equal(t, KindTransientFailure, res.Outcome.Kind)
	require.Equal(t, "c", res.Outcome.Message)
	require.Equal(t, 3, res.Attempts)
	require.Len(t, *waits, 2)
	for _, w := range *waits {
		require.GreaterOrEqual(t, w, testPolicy.BackoffMin)
		require.LessOrEqual(t, w, testPolicy.BackoffMax)
	}
}

func TestExecutor_NonRetryableStopsImmediately(t *testing.T) {
	for _, out := range []Outcome{PermissionDenied("no rights"), TargetUnreachable("privacy")} {
		agent := &scriptedAgent{results: []Outcome{out, Success()}}
		e, waits := newTestExecutor(agent, testPolicy)

		res := e.Run(context.Background(), OpAdd, -100, 1)
		require.Equal(t, out.Kind, res.Outcome.Kind)
		require.Equal(t, 1, res.Attempts)
		require.Empty(t, *waits)
	}
}

func TestExecutor_StopsWhenContextDone(t *testing.T) {
	agent := &scriptedAgent{results: []Outcome{Transient("a"), Success()}}
	e, _ := newTestExecutor(agent, testPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Run(ctx, OpAdd, -100, 1)
	require.Equal(t, KindTransientFailure, res.Outcome.Kind)
	require.Equal(t, 1, res.Attempts)
}

func TestSerialized_EnforcesMinDelay(t *testing.T) {
	agent := &scriptedAgent{}
	s := NewSerialized(agent, time.Second, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var waits []time.Duration
	s.now = func() time.Time { return now }
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	s.AddMember(context.Background(), -1, 1)
	require.Empty(t, waits, "first call is not delayed")

	now = now.Add(300 * time.Millisecond)
	s.RemoveMember(context.Background(), -1, 1)
	require.Equal(t, []time.Duration{700 * time.Millisecond}, waits)

	now = now.Add(5 * time.Second)
	s.AddMember(context.Background(), -1, 1)
	require.Len(t, waits, 1, "no wait once the gap has passed")
	require.Equal(t, []Op{OpAdd, OpRemove, OpAdd}, agent.calls)
}

type fakeLocker struct {
	held    bool
	locks   int
	lockErr error
}

func (l *fakeLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.lockErr != nil {
		return nil, l.lockErr
	}
	l.held = true
	l.locks++
	return func() { l.held = false }, nil
}

func TestSerialized_HoldsSharedLockThroughGap(t *testing.T) {
	agent := &scriptedAgent{}
	locker := &fakeLocker{}
	s := NewSerialized(agent, time.Second, locker)

	var heldDuringSleep []bool
	s.sleep = func(ctx context.Context, d time.Duration) error {
		heldDuringSleep = append(heldDuringSleep, locker.held)
		return nil
	}

	out := s.AddMember(context.Background(), -1, 1)
	require.True(t, out.IsSuccess())
	require.Equal(t, 1, locker.locks)
	require.False(t, locker.held)
	require.Equal(t, []bool{true}, heldDuringSleep)
}

func TestSerialized_LocalLockerKeepsSingleGap(t *testing.T) {
	agent := &scriptedAgent{}
	s := NewSerialized(agent, time.Second, cache.NewLocalStore())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var waits []time.Duration
	s.now = func() time.Time { return now }
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	s.AddMember(context.Background(), -1, 1)
	require.Empty(t, waits, "no trailing gap without other replicas")

	now = now.Add(300 * time.Millisecond)
	s.RemoveMember(context.Background(), -1, 1)
	require.Equal(t, []time.Duration{700 * time.Millisecond}, waits)
}

func TestSerialized_LockFailureIsTransient(t *testing.T) {
	agent := &scriptedAgent{}
	s := NewSerialized(agent, 0, &fakeLocker{lockErr: errors.New("redis down")})

	out := s.AddMember(context.Background(), -1, 1)
	require.Equal(t, KindTransientFailure, out.Kind)
	require.Empty(t, agent.calls)
}

func TestSerialized_OneCallAtATime(t *testing.T) {
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	agent := agentFunc(func() Outcome {
		mu.Lock()
		inside++
		if inside > maxSeen {
			maxSeen = inside
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inside--
		mu.Unlock()
		return Success()
	})
	s := NewSerialized(agent, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddMember(context.Background(), -1, 1)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

type agentFunc func() Outcome

func (f agentFunc) AddMember(ctx context.Context, channelID, userID int64) Outcome    { return f() }
func (f agentFunc) RemoveMember(ctx context.Context, channelID, userID int64) Outcome { return f() }
