package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ReviewLockKey builds redis keys for the single-writer review scope of a dataset.
func ReviewLockKey(datasetID string) string {
	return fmt.Sprintf("qa:review:%s:lock", datasetID)
}

// TripleLockKey builds redis keys for status changes of one
// (company, data type, reporting period) triple.
func TripleLockKey(tripleKey string) string {
	return fmt.Sprintf("qa:triple:%s:lock", tripleKey)
}

// EventLockKey builds redis keys for elementary event bundling.
func EventLockKey(companyID, eventType string) string {
	return fmt.Sprintf("qa:events:%s:%s:lock", strings.ToLower(companyID), eventType)
}

// ErrLockHeld is returned by TryLock when another writer owns the key.
var ErrLockHeld = errors.New("lock held by another writer")

// Release frees a lock obtained from a Locker.
type Release func(context.Context) error

// Locker provides keyed mutual exclusion.
type Locker interface {
	// TryLock obtains key or fails immediately with ErrLockHeld.
	TryLock(ctx context.Context, key string) (Release, error)
	// Lock waits for key until the locker's wait budget or ctx expires.
	Lock(ctx context.Context, key string) (Release, error)
}

// RedisLocker implements Locker with redislock so exclusion holds across instances.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a crashed holder
// keeps the key; wait bounds Lock.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisLocker{
		client:  redislock.New(client),
		ttl:     ttl,
		wait:    wait,
		backoff: 25 * time.Millisecond,
	}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, key string) (Release, error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("obtain %s: %w", key, err))
	}
	return releaseRedis(lock), nil
}

// Lock implements Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	lock, err := l.client.Obtain(waitCtx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, Transient(fmt.Errorf("lock %s: wait exceeded", key))
	}
	if err != nil {
		return nil, Transient(fmt.Errorf("obtain %s: %w", key, err))
	}
	return releaseRedis(lock), nil
}

func releaseRedis(lock *redislock.Lock) Release {
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker constructs a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(ctx context.Context, key string) (Release, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return releaseLocal(ch), nil
	default:
		return nil, ErrLockHeld
	}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (Release, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return releaseLocal(ch), nil
	case <-ctx.Done():
		return nil, Transient(ctx.Err())
	}
}

func releaseLocal(ch chan struct{}) Release {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}
}
