package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/app"
	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/config"
	"github.com/hackgods/walkin-queue/internal/logging"
	"github.com/hackgods/walkin-queue/internal/queue"
)

type SimConfig struct {
	APIBaseURL string
	Workers    int // concurrent bookings per slot
	Rounds     int // slots contended, one after another
}

// bookingStats counts outcomes of every booking request across rounds.
type bookingStats struct {
	booked, conflict, failed atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (b *bookingStats) observe(latency time.Duration, status int) {
	switch status {
	case http.StatusCreated:
		b.booked.Add(1)
	case http.StatusConflict:
		b.conflict.Add(1)
	default:
		b.failed.Add(1)
	}

	b.mu.Lock()
	b.latencies = append(b.latencies, latency)
	b.mu.Unlock()
}

// percentile expects sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[min(len(sorted)*p/100, len(sorted)-1)]
}

func (b *bookingStats) print() {
	b.mu.Lock()
	lat := append([]time.Duration(nil), b.latencies...)
	b.mu.Unlock()
	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	var sum time.Duration
	for _, l := range lat {
		sum += l
	}
	total := float64(len(lat))

	fmt.Println("Bookings:")
	fmt.Printf("  Total: %d\n", len(lat))
	fmt.Printf("  Booked: %d (%.1f%%)\n", b.booked.Load(), float64(b.booked.Load())/total*100)
	fmt.Printf("  Conflicts: %d (%.1f%%)\n", b.conflict.Load(), float64(b.conflict.Load())/total*100)
	if n := b.failed.Load(); n > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", n, float64(n)/total*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		(sum / time.Duration(len(lat))).Round(time.Millisecond),
		percentile(lat, 50).Round(time.Millisecond),
		percentile(lat, 95).Round(time.Millisecond),
		lat[len(lat)-1].Round(time.Millisecond))
	fmt.Println()
}

// round is one contended slot.
type round struct {
	slot     string
	booked   atomic.Int64
	conflict atomic.Int64
}

type Simulator struct {
	config     SimConfig
	client     *http.Client
	providerID uuid.UUID
	patients   []uuid.UUID
	day        string
	slots      []string
	rounds     []*round
	stats      bookingStats
	logger     *zap.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(baseCfg.LogLevel, baseCfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := SimConfig{
		APIBaseURL: strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Workers:    getInt("SIM_WORKERS", 20),
		Rounds:     getInt("SIM_ROUNDS", 10),
	}
	if cfg.Workers <= 0 || cfg.Rounds <= 0 {
		logger.Fatal("SIM_WORKERS and SIM_ROUNDS must be > 0")
	}

	ok, err := run(baseCfg, cfg, logger)
	if err != nil {
		logger.Fatal("simulation failed", zap.Error(err))
	}
	if !ok {
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(baseCfg config.Config, cfg SimConfig, logger *zap.Logger) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	c, err := app.New(ctx, baseCfg, logger)
	if err != nil {
		return false, fmt.Errorf("container init: %w", err)
	}
	defer c.Close()

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	if err := sim.prepare(ctx, c.Seeder, baseCfg.Location); err != nil {
		return false, fmt.Errorf("prepare simulation: %w", err)
	}

	sim.Run(ctx)
	return sim.PrintReport(ctx), nil
}

// prepare creates one provider and a fresh patient for every request, so the
// only conflict left is the slot itself.
func (s *Simulator) prepare(ctx context.Context, store app.Seeder, loc *time.Location) error {
	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	dept := "General Practice"
	provider := appointment.Provider{ID: uuid.New(), Name: "Dr. " + faker.LastName(), Department: &dept}
	if err := store.CreateProvider(ctx, provider); err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	s.providerID = provider.ID

	total := s.config.Workers * s.config.Rounds
	for i := 0; i < total; i++ {
		p := appointment.Patient{ID: uuid.New(), Name: faker.Name()}
		if err := store.CreatePatient(ctx, p); err != nil {
			return fmt.Errorf("create patient: %w", err)
		}
		s.patients = append(s.patients, p.ID)
	}

	day, err := appointment.AddDays(appointment.DayKey(time.Now(), loc), 1)
	if err != nil {
		return err
	}
	s.day = day

	for h := 8; h < 20 && len(s.slots) < s.config.Rounds; h++ {
		for _, m := range []int{0, 15, 30, 45} {
			if len(s.slots) == s.config.Rounds {
				break
			}
			s.slots = append(s.slots, fmt.Sprintf("%d:%02d %s", (h+11)%12+1, m, ampm(h)))
		}
	}

	s.logger.Info("simulation prepared",
		zap.String("provider_id", s.providerID.String()),
		zap.String("day", s.day),
		zap.Int("patients", len(s.patients)),
		zap.Int("slots", len(s.slots)),
	)
	return nil
}

func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("starting simulation",
		zap.Int("workers", s.config.Workers),
		zap.Int("rounds", len(s.slots)),
	)

	next := 0
	for _, slot := range s.slots {
		r := &round{slot: slot}
		s.rounds = append(s.rounds, r)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < s.config.Workers; i++ {
			patientID := s.patients[next]
			next++

			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				s.doBooking(ctx, r, patientID)
			}()
		}
		close(start)
		wg.Wait()
	}

	s.logger.Info("simulation complete")
}

func (s *Simulator) doBooking(ctx context.Context, r *round, patientID uuid.UUID) {
	body, _ := json.Marshal(map[string]any{
		"patientId":  patientID.String(),
		"providerId": s.providerID.String(),
		"day":        s.day,
		"timeSlot":   r.slot,
	})

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	status := 0
	resp, err := s.client.Do(req)
	if err == nil {
		status = resp.StatusCode
		resp.Body.Close()
	}
	s.stats.observe(time.Since(start), status)

	switch status {
	case http.StatusCreated:
		r.booked.Add(1)
	case http.StatusConflict:
		r.conflict.Add(1)
	}
}

// PrintReport prints the run and reports whether every slot ended with
// exactly one booking and the provider queue agrees.
func (s *Simulator) PrintReport(ctx context.Context) bool {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SLOT CONTENTION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Provider: %s  Day: %s\n", s.providerID, s.day)
	fmt.Printf("Workers per slot: %d\n\n", s.config.Workers)

	ok := true
	var booked int
	for _, r := range s.rounds {
		mark := "ok"
		if r.booked.Load() != 1 {
			mark = "VIOLATION"
			ok = false
		}
		booked += int(r.booked.Load())
		fmt.Printf("  %-9s booked=%d conflict=%d %s\n", r.slot, r.booked.Load(), r.conflict.Load(), mark)
	}
	fmt.Println()

	s.stats.print()

	q, err := s.fetchQueue(ctx)
	if err != nil {
		fmt.Printf("Queue check failed: %v\n", err)
		return false
	}
	fmt.Printf("Queue: waiting=%d items=%d\n", q.WaitingCount, len(q.Items))
	if q.WaitingCount != booked {
		fmt.Printf("Queue waiting count %d does not match %d bookings\n", q.WaitingCount, booked)
		ok = false
	}

	return ok
}

func (s *Simulator) fetchQueue(ctx context.Context) (queue.DayQueue, error) {
	var q queue.DayQueue

	url := fmt.Sprintf("%s/providers/%s/queue?day=%s", s.config.APIBaseURL, s.providerID, s.day)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	resp, err := s.client.Do(req)
	if err != nil {
		return q, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return q, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return q, json.NewDecoder(resp.Body).Decode(&q)
}

func ampm(hour int) string {
	if hour >= 12 {
		return "PM"
	}
	return "AM"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
