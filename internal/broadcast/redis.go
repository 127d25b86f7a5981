package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// RedisSink publishes snapshots on Redis Pub/Sub so that every api-server
// replica, and the separate lifecycle worker, reach the same subscribers.
// A circuit breaker stops hammering Redis while it is down.
type RedisSink struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker[int64]
}

func NewRedisSink(client *redis.Client, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        "redis-broadcast",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &RedisSink{client: client, breaker: gobreaker.NewCircuitBreaker[int64](settings)}
}

func (s *RedisSink) Send(ctx context.Context, ch Channel, payload []byte) error {
	_, err := s.breaker.Execute(func() (int64, error) {
		return s.client.Publish(ctx, ch.Key(), payload).Result()
	})
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Relay forwards snapshots published on Redis to the local hub.
type Relay struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

func NewRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{client: client, hub: hub, logger: logger}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	r.logger.Info("broadcast relay subscribed", zap.String("pattern", channelPrefix+"*"))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ch, ok := ParseKey(msg.Channel)
			if !ok {
				r.logger.Warn("ignoring message on unknown channel", zap.String("channel", msg.Channel))
				continue
			}
			_ = r.hub.Send(ctx, ch, []byte(msg.Payload))
		}
	}
}
