package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fatflowers/chanseller/pkg/tool"
)

const keyPrefix = "chanseller:"

// Store coordinates work across goroutines and, with Redis, across replicas.
type Store interface {
	// TryLock acquires key for ttl without waiting. ok is false when the lock
	// is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
	// Lock waits until key is acquired or ctx is done.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	// Seen reports whether key was marked and has not expired.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records key for ttl.
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

const lockRetryInterval = 50 * time.Millisecond

func waitLock(ctx context.Context, s Store, key string, ttl time.Duration) (func(), error) {
	for {
		unlock, ok, err := s.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		if err := tool.Sleep(ctx, lockRetryInterval); err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
	}
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := tool.GenerateUUIDV7()
	fullKey := keyPrefix + "lock:" + key
	ok, err := s.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		// release even if the caller's ctx is already cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, s.rdb, []string{fullKey}, token).Err()
	}
	return unlock, true, nil
}

// Shared reports true: the lock is visible to every replica.
func (s *RedisStore) Shared() bool { return true }

func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return waitLock(ctx, s, key, ttl)
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	err := s.rdb.Get(ctx, keyPrefix+"mark:"+key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read mark %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, keyPrefix+"mark:"+key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set mark %s: %w", key, err)
	}
	return nil
}

// LocalStore is the single-process fallback used when Redis is not configured.
type LocalStore struct {
	mu    sync.Mutex
	locks map[string]localEntry
	marks map[string]time.Time
	now   func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		locks: make(map[string]localEntry),
		marks: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (s *LocalStore) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.locks[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}
	token := tool.GenerateUUIDV7()
	s.locks[key] = localEntry{token: token, expires: now.Add(ttl)}
	unlock := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.locks[key]; ok && e.token == token {
			delete(s.locks, key)
		}
	}
	return unlock, true, nil
}

// Shared reports false: the lock only guards this process.
func (s *LocalStore) Shared() bool { return false }

func (s *LocalStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return waitLock(ctx, s, key, ttl)
}

func (s *LocalStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.marks[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.marks, key)
		return false, nil
	}
	return true, nil
}

func (s *LocalStore) Mark(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[key] = s.now().Add(ttl)
	return nil
}
