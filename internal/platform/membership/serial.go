package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatflowers/chanseller/pkg/tool"
)

const (
	agentLockKey = "membership:agent"
	agentLockTTL = 2 * time.Minute
)

// Locker is a cross-process mutex, satisfied by cache.Store. A locker with a
// Shared method returning false only guards this process.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

func sharedLocker(l Locker) bool {
	if l == nil {
		return false
	}
	if s, ok := l.(interface{ Shared() bool }); ok {
		return s.Shared()
	}
	return true
}

// Serialized runs at most one membership call at a time and keeps at least
// minDelay between the end of one call and the start of the next. With a
// Locker, replicas sharing the same Telegram account serialize too.
type Serialized struct {
	inner    Agent
	minDelay time.Duration
	locker   Locker
	shared   bool

	mu   sync.Mutex
	last time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSerialized(inner Agent, minDelay time.Duration, locker Locker) *Serialized {
	return &Serialized{
		inner:    inner,
		minDelay: minDelay,
		locker:   locker,
		shared:   sharedLocker(locker),
		now:      time.Now,
		sleep:    tool.Sleep,
	}
}

func (s *Serialized) AddMember(ctx context.Context, channelID, userID int64) Outcome {
	return s.run(ctx, func(ctx context.Context) Outcome {
		return s.inner.AddMember(ctx, channelID, userID)
	})
}

func (s *Serialized) RemoveMember(ctx context.Context, channelID, userID int64) Outcome {
	return s.run(ctx, func(ctx context.Context) Outcome {
		return s.inner.RemoveMember(ctx, channelID, userID)
	})
}

func (s *Serialized) run(ctx context.Context, fn func(ctx context.Context) Outcome) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, agentLockKey, agentLockTTL)
		if err != nil {
			return Transient(fmt.Sprintf("failed to acquire agent lock: %v", err))
		}
		defer unlock()
	}

	if !s.last.IsZero() {
		if wait := s.minDelay - s.now().Sub(s.last); wait > 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return Transient(fmt.Sprintf("interrupted before call: %v", err))
			}
		}
	}

	out := fn(ctx)
	s.last = s.now()

	if s.shared && s.minDelay > 0 {
		// other replicas only see the shared lock, so keep it through the gap
		_ = s.sleep(ctx, s.minDelay)
	}
	return out
}
