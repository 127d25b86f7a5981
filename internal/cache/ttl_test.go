package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTTL_GetOrRefresh(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	c := NewTTL[string, int](2 * time.Minute).WithClock(clock.Now)

	calls := 0
	refresh := func(context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}

	v, err := c.GetOrRefresh(ctx, "p1", refresh)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	clock.Advance(119 * time.Second)
	v, err = c.GetOrRefresh(ctx, "p1", refresh)
	require.NoError(t, err)
	assert.Equal(t, 10, v, "still fresh")
	assert.Equal(t, 1, calls)

	clock.Advance(time.Second)
	v, err = c.GetOrRefresh(ctx, "p1", refresh)
	require.NoError(t, err)
	assert.Equal(t, 20, v, "expired at exactly ttl")

	v, err = c.GetOrRefresh(ctx, "p2", refresh)
	require.NoError(t, err)
	assert.Equal(t, 30, v, "keys are independent")
}

func TestTTL_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewTTL[string, int](time.Minute)

	_, err := c.GetOrRefresh(ctx, "k", func(context.Context) (int, error) {
		return 0, errors.New("store down")
	})
	assert.EqualError(t, err, "store down")

	v, err := c.GetOrRefresh(ctx, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestTTL_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewTTL[string, int](time.Hour)

	_, err := c.GetOrRefresh(ctx, "k", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	c.Invalidate("k")
	v, err := c.GetOrRefresh(ctx, "k", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestTTL_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewTTL[int, int](time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrRefresh(ctx, i%5, func(context.Context) (int, error) { return i % 5, nil })
			assert.NoError(t, err)
			assert.Equal(t, i%5, v)
		}(i)
	}
	wg.Wait()
}
