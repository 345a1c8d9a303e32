package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, time.Minute, 150*time.Millisecond)
}

func TestRedisLockerTryLockRejectsSecondWriter(t *testing.T) {
	ctx := context.Background()
	locker := newRedisLocker(t)

	release, err := locker.TryLock(ctx, ReviewLockKey("ds-1"))
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, ReviewLockKey("ds-1"))
	require.ErrorIs(t, err, ErrLockHeld)

	_, err = locker.TryLock(ctx, ReviewLockKey("ds-2"))
	require.NoError(t, err, "different datasets must not contend")

	require.NoError(t, release(ctx))
	again, err := locker.TryLock(ctx, ReviewLockKey("ds-1"))
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLockerLockWaitsThenGivesUp(t *testing.T) {
	ctx := context.Background()
	locker := newRedisLocker(t)

	release, err := locker.Lock(ctx, TripleLockKey("c1|sfdr|2023"))
	require.NoError(t, err)

	_, err = locker.Lock(ctx, TripleLockKey("c1|sfdr|2023"))
	require.ErrorIs(t, err, ErrTransientIO)

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx), "double release is harmless")
}

func TestLocalLockerSerialisesHolders(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()

	release, err := locker.Lock(ctx, "k")
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "k")
	require.True(t, errors.Is(err, ErrLockHeld))

	acquired := make(chan struct{})
	go func() {
		r, err := locker.Lock(ctx, "k")
		if err == nil {
			close(acquired)
			_ = r(ctx)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder must wait for release")
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, release(ctx))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiting holder never acquired the lock")
	}
}

func TestLocalLockerLockHonoursContext(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.TryLock(context.Background(), "k")
	require.NoError(t, err)
	defer release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, ErrTransientIO)
}

func TestIncompleteReviewErrorIsConflict(t *testing.T) {
	err := error(&IncompleteReviewError{Undecided: []string{"scope2", "scope1"}})
	require.ErrorIs(t, err, ErrConflict)
	require.Contains(t, err.Error(), "scope1, scope2")

	var incomplete *IncompleteReviewError
	require.True(t, errors.As(err, &incomplete))
	require.Len(t, incomplete.Undecided, 2)
}
