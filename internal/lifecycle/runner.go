package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Ticker interface {
	Tick(ctx context.Context) TickResult
}

// Runner ticks a Ticker once at Start and then on a fixed interval. A tick
// that is still running when the next one is due makes the latter skip.
type Runner struct {
	ticker   Ticker
	interval time.Duration
	cron     *cron.Cron
	logger   *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(ticker Ticker, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}

	return &Runner{
		ticker:   ticker,
		interval: interval,
		logger:   logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start runs the first tick synchronously and schedules the rest.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	runCtx := r.ctx
	r.mu.Unlock()

	r.logger.Info("lifecycle runner starting", zap.Duration("interval", r.interval))

	r.runOnce(runCtx)
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() { r.runOnce(runCtx) }))
	r.cron.Start()
}

// Stop cancels the schedule and waits for a running tick to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.logger.Info("lifecycle runner stopped")
}

func (r *Runner) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	res := r.ticker.Tick(ctx)

	r.logger.Debug("lifecycle tick complete",
		zap.Duration("took", time.Since(start)),
		zap.Int("expired", res.Expired),
		zap.Int("expire_failures", res.ExpireFailures),
		zap.Int64("pruned", res.Pruned),
	)
}

// cronLogger routes cron's own chatter to zap; its info level is debug here.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
