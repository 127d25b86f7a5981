package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/cache"
)

// Operator configuration keys. A ":<providerID>" suffix overrides the
// global value for one provider.
const (
	KeyAverageConsultationMinutes = "average_consultation_minutes"
	KeyDelayOffsetMinutes         = "delay_offset_minutes"
)

type ConfigReader interface {
	GetConfigValue(ctx context.Context, key string) (string, error)
}

// WaitStat is the per-provider figure wait estimates are based on.
type WaitStat struct {
	AverageConsultationMinutes int
	DelayOffsetMinutes         int
}

// StatSource serves WaitStat from a short lived cache, falling back to the
// default average whenever configuration is missing or unreadable.
type StatSource struct {
	config         ConfigReader
	cache          *cache.TTL[uuid.UUID, WaitStat]
	defaultMinutes int
	logger         *zap.Logger
}

func NewStatSource(config ConfigReader, ttl time.Duration, defaultMinutes int, logger *zap.Logger) *StatSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatSource{
		config:         config,
		cache:          cache.NewTTL[uuid.UUID, WaitStat](ttl),
		defaultMinutes: defaultMinutes,
		logger:         logger,
	}
}

// WithClock swaps the cache clock, for tests.
func (s *StatSource) WithClock(now func() time.Time) *StatSource {
	s.cache.WithClock(now)
	return s
}

func (s *StatSource) Get(ctx context.Context, providerID uuid.UUID) WaitStat {
	stat, err := s.cache.GetOrRefresh(ctx, providerID, func(ctx context.Context) (WaitStat, error) {
		return s.load(ctx, providerID)
	})
	if err != nil {
		s.logger.Warn("read wait statistic, using default",
			zap.String("provider_id", providerID.String()),
			zap.Error(err),
		)
		return WaitStat{AverageConsultationMinutes: s.defaultMinutes}
	}
	return stat
}

func (s *StatSource) load(ctx context.Context, providerID uuid.UUID) (WaitStat, error) {
	stat := WaitStat{AverageConsultationMinutes: s.defaultMinutes}

	n, found, err := s.lookup(ctx, KeyAverageConsultationMinutes, providerID, func(n int) bool { return n > 0 })
	if err != nil {
		return WaitStat{}, err
	}
	if found {
		stat.AverageConsultationMinutes = n
	}

	n, found, err = s.lookup(ctx, KeyDelayOffsetMinutes, providerID, func(int) bool { return true })
	if err != nil {
		return WaitStat{}, err
	}
	if found {
		stat.DelayOffsetMinutes = n
	}

	return stat, nil
}

// lookup prefers the provider override over the global key. An override
// that is not a valid integer falls through to the global value.
func (s *StatSource) lookup(ctx context.Context, key string, providerID uuid.UUID, valid func(int) bool) (int, bool, error) {
	for _, k := range []string{key + ":" + providerID.String(), key} {
		v, err := s.config.GetConfigValue(ctx, k)
		if err != nil {
			if errors.Is(err, appointment.ErrConfigNotFound) {
				continue
			}
			return 0, false, err
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && valid(n) {
			return n, true, nil
		}
	}
	return 0, false, nil
}
