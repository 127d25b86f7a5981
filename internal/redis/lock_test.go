package redisclient

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/config"
)

// testClient connects to REDIS_TEST_ADDR or skips.
func testClient(t *testing.T) *SlotLocker {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	rdb, err := Connect(context.Background(), config.Config{RedisAddr: addr, ConnectAttempts: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisSlotLocker(rdb, LockOptions{TTL: 2 * time.Second})
}

func TestSlotLocker_BusyFailsFast(t *testing.T) {
	l := testClient(t)
	key := uuid.NewString()

	err := l.WithSlotLock(context.Background(), key, func(ctx context.Context) error {
		return l.WithSlotLock(ctx, key, func(context.Context) error {
			t.Fatal("second holder ran")
			return nil
		})
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestSlotLocker_ReleasesAfterRun(t *testing.T) {
	l := testClient(t)
	key := uuid.NewString()

	var runs int32
	for i := 0; i < 3; i++ {
		require.NoError(t, l.WithSlotLock(context.Background(), key, func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}))
	}
	assert.Equal(t, int32(3), runs)
}

func TestSlotLocker_WaitsForBusyLock(t *testing.T) {
	l := testClient(t)
	l.opts.Wait = time.Second
	key := uuid.NewString()

	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.WithSlotLock(context.Background(), key, func(context.Context) error {
			close(held)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()

	<-held
	err := l.WithSlotLock(context.Background(), key, func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.NoError(t, <-done)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(context.Background(), config.Config{RedisAddr: "127.0.0.1:1", ConnectAttempts: 1}, zap.NewNop())
	assert.ErrorContains(t, err, "ping redis at 127.0.0.1:1")
}

func TestNopLocker(t *testing.T) {
	ran := false
	err := NopLocker{}.WithSlotLock(context.Background(), "k", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
