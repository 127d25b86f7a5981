package broadcast

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedisSink_BreakerOpensAfterFailures(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewRedisSink(client, zap.New(core))
	ch := Channel{ProviderID: uuid.New(), Day: "2026-03-10"}

	for i := 0; i < 5; i++ {
		err := sink.Send(context.Background(), ch, []byte(`{}`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	err := sink.Send(context.Background(), ch, []byte(`{}`))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	changes := logs.FilterMessage("circuit breaker state changed").All()
	require.Len(t, changes, 1)
	assert.Equal(t, "open", changes[0].ContextMap()["to"])
}

func TestRelay_ForwardsToHub(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	hub := NewHub()
	sub := hub.Register()
	ch := Channel{ProviderID: uuid.New(), Day: "2026-03-10"}
	sub.Join(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewRelay(client, hub, zap.NewNop()).Run(ctx) }()

	sink := NewRedisSink(client, zap.NewNop())
	var msg Message
	// the relay subscribes asynchronously, so publish until it arrives
	require.Eventually(t, func() bool {
		if err := sink.Send(ctx, ch, []byte(`{"waitingCount":1}`)); err != nil {
			return false
		}
		select {
		case msg = <-sub.Messages():
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, ch, msg.Channel)
	assert.JSONEq(t, `{"waitingCount":1}`, string(msg.Payload))
}
