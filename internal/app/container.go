// Package app wires the queue core for the binaries under cmd/.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/api"
	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/audit"
	"github.com/hackgods/walkin-queue/internal/broadcast"
	"github.com/hackgods/walkin-queue/internal/config"
	"github.com/hackgods/walkin-queue/internal/db"
	"github.com/hackgods/walkin-queue/internal/lifecycle"
	"github.com/hackgods/walkin-queue/internal/queue"
	redisclient "github.com/hackgods/walkin-queue/internal/redis"
)

// Store is an appointment store that can report its health.
type Store interface {
	appointment.Repository
	Ping(ctx context.Context) error
}

// Seeder writes the reference data the queue core reads but never owns.
type Seeder interface {
	CreatePatient(ctx context.Context, p appointment.Patient) error
	CreateProvider(ctx context.Context, p appointment.Provider) error
	SetConfigValue(ctx context.Context, key, value string) error
}

type Container struct {
	Config config.Config
	Logger *zap.Logger

	Store  Store
	Seeder Seeder
	Redis  *redis.Client // nil when not configured

	Hub         *broadcast.Hub
	Broadcaster *broadcast.Broadcaster
	Stats       *queue.StatSource
	Queue       *queue.Builder
	Estimator   *queue.Estimator
	Audit       *audit.StatusLogger
	Service     *appointment.Service
	Reconciler  *lifecycle.Reconciler

	closers []func()
}

// New opens and migrates the configured store, connects Redis and RabbitMQ
// when configured, and wires every component.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Container{Config: cfg, Logger: logger}

	if err := c.openStore(ctx); err != nil {
		c.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisclient.Connect(ctx, cfg, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		c.Redis = rdb
		c.closers = append(c.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		})
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var events audit.EventPublisher
	if cfg.AMQPURL != "" {
		pub, err := audit.NewAMQPPublisher(cfg.AMQPURL, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		events = pub
		c.closers = append(c.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("error closing rabbitmq", zap.Error(err))
			}
		})
	}

	c.wire(events)
	return c, nil
}

func (c *Container) openStore(ctx context.Context) error {
	switch c.Config.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.ConnectPostgres(ctx, c.Config.PostgresDSN, db.PoolOptions{
			MaxConns: c.Config.PostgresMaxConn,
			Attempts: c.Config.ConnectAttempts,
		}, c.Logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		c.closers = append(c.closers, pool.Close)

		if err := db.MigratePostgres(c.Config.PostgresDSN, c.Logger); err != nil {
			return err
		}

		repo := appointment.NewPgRepository(pool)
		c.Store, c.Seeder = repo, repo
		c.Logger.Info("connected to postgres")

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, c.Config.SQLitePath)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() { _ = sqlDB.Close() })

		if err := db.MigrateSQLite(ctx, sqlDB); err != nil {
			return err
		}

		repo := appointment.NewSQLiteRepository(sqlDB)
		c.Store, c.Seeder = repo, repo
		c.Logger.Info("opened sqlite store", zap.String("path", c.Config.SQLitePath))

	default:
		return fmt.Errorf("unsupported store driver %q", c.Config.StoreDriver)
	}

	return nil
}

func (c *Container) wire(events audit.EventPublisher) {
	cfg := c.Config

	c.Hub = broadcast.NewHub()

	// With Redis every snapshot goes through Pub/Sub and comes back to the
	// local hub through the relay, so all processes share one path.
	var sink broadcast.Sink = c.Hub
	var locker redisclient.Locker = redisclient.NopLocker{}
	if c.Redis != nil {
		sink = broadcast.NewRedisSink(c.Redis, c.Logger)
		locker = redisclient.NewRedisSlotLocker(c.Redis, redisclient.LockOptions{
			TTL:  cfg.LockTTL,
			Wait: cfg.LockWait,
		})
	}

	c.Stats = queue.NewStatSource(c.Store, cfg.WaitStatTTL, cfg.DefaultConsultationMinutes, c.Logger)
	c.Queue = queue.NewBuilder(c.Store, c.Stats)
	c.Estimator = queue.NewEstimator(c.Store, c.Queue, c.Stats, cfg.Location)
	c.Broadcaster = broadcast.NewBroadcaster(c.Store, c.Queue, sink, c.Logger)
	c.Audit = audit.NewStatusLogger(c.Store, events, c.Logger)
	c.Service = appointment.NewService(c.Store, locker, c.Audit, c.Broadcaster, cfg, c.Logger)
	c.Reconciler = lifecycle.NewReconciler(c.Store, c.Audit, c.Broadcaster, cfg.RetentionWindow, cfg.Location, c.Logger)
}

// Relay returns the Redis to hub relay, or nil without Redis.
func (c *Container) Relay() *broadcast.Relay {
	if c.Redis == nil {
		return nil
	}
	return broadcast.NewRelay(c.Redis, c.Hub, c.Logger)
}

// Runner schedules the reconciler on the configured interval.
func (c *Container) Runner() *lifecycle.Runner {
	return lifecycle.NewRunner(c.Reconciler, c.Config.ReconcileInterval, c.Logger)
}

// Checks lists the readiness dependencies. The store is critical, Redis is
// not.
func (c *Container) Checks() []api.Dependency {
	checks := []api.Dependency{{Name: c.Config.StoreDriver, Critical: true, Ping: c.Store.Ping}}
	if c.Redis != nil {
		checks = append(checks, api.Dependency{
			Name: "redis",
			Ping: func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() },
		})
	}
	return checks
}

// Router describes the HTTP API on top of the container.
func (c *Container) Router(version string) api.RouterConfig {
	return api.RouterConfig{
		Service:   c.Service,
		Queue:     c.Queue,
		Estimator: c.Estimator,
		Hub:       c.Hub,
		Checks:    c.Checks(),
		Location:  c.Config.Location,
		Logger:    c.Logger,
		Env:       c.Config.Env,
		Version:   version,
	}
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
