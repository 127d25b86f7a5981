package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type countingTicker struct {
	ticks      atomic.Int32
	block      chan struct{}
	blockAfter int32
}

func (c *countingTicker) Tick(ctx context.Context) TickResult {
	n := c.ticks.Add(1)
	if c.block != nil && n > c.blockAfter {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return TickResult{}
}

func TestRunner_TicksEagerlyAndOnSchedule(t *testing.T) {
	ticker := &countingTicker{}
	r := NewRunner(ticker, time.Second, zap.NewNop())

	r.Start(context.Background())
	assert.Equal(t, int32(1), ticker.ticks.Load(), "first tick runs inside Start")

	assert.Eventually(t, func() bool { return ticker.ticks.Load() >= 2 }, 3*time.Second, 20*time.Millisecond)

	r.Stop()
	after := ticker.ticks.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, ticker.ticks.Load(), "no ticks after Stop")
}

func TestRunner_SkipsWhileTickStillRunning(t *testing.T) {
	// every scheduled tick blocks until released
	ticker := &countingTicker{block: make(chan struct{}), blockAfter: 1}
	r := NewRunner(ticker, time.Second, zap.NewNop())
	r.Start(context.Background())

	assert.Eventually(t, func() bool { return ticker.ticks.Load() == 2 }, 3*time.Second, 20*time.Millisecond)

	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(2), ticker.ticks.Load(), "overlapping ticks are skipped")

	close(ticker.block)
	r.Stop()
}

func TestRunner_StopBeforeStart(t *testing.T) {
	r := NewRunner(&countingTicker{}, time.Minute, zap.NewNop())
	assert.NotPanics(t, r.Stop)
}
