package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
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

var departments = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var reasons = []string{
	"Persistent headache for three days",
	"Follow-up on blood test results",
	"Skin rash on both arms",
	"Chest tightness when climbing stairs",
	"Lower back pain after lifting",
	"Blurred vision in the left eye",
	"Recurring ear infection",
	"Prescription renewal and checkup",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("container init error", zap.Error(err))
	}
	defer c.Close()

	s := &seeder{
		store:  c.Seeder,
		svc:    c.Service,
		loc:    cfg.Location,
		faker:  gofakeit.New(uint64(time.Now().UnixNano())),
		logger: logger,
	}

	providers, err := s.providers(ctx, getInt("SEED_PROVIDERS", 10))
	if err != nil {
		logger.Fatal("seed providers", zap.Error(err))
	}
	patients, err := s.patients(ctx, getInt("SEED_PATIENTS", 200))
	if err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}
	if err := s.config(ctx, providers, cfg.DefaultConsultationMinutes); err != nil {
		logger.Fatal("seed config", zap.Error(err))
	}

	day, booked, err := s.bookings(ctx, providers, patients)
	if err != nil {
		logger.Fatal("seed bookings", zap.Error(err))
	}

	logger.Info("seed complete",
		zap.Int("providers", len(providers)),
		zap.Int("patients", len(patients)),
		zap.String("day", day),
		zap.Int("bookings", booked),
	)
}

type seeder struct {
	store  app.Seeder
	svc    *appointment.Service
	loc    *time.Location
	faker  *gofakeit.Faker
	logger *zap.Logger
}

func (s *seeder) providers(ctx context.Context, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		dept := departments[i%len(departments)]
		p := appointment.Provider{
			ID:         uuid.New(),
			Name:       "Dr. " + s.faker.LastName(),
			Department: &dept,
		}
		if err := s.store.CreateProvider(ctx, p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	s.logger.Info("providers seeded", zap.Int("count", count))
	return ids, nil
}

func (s *seeder) patients(ctx context.Context, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		email := s.faker.Email()
		p := appointment.Patient{
			ID:    uuid.New(),
			Name:  s.faker.Name(),
			Email: &email,
		}
		if err := s.store.CreatePatient(ctx, p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
		if (i+1)%100 == 0 {
			s.logger.Info("patients seeded", zap.Int("done", i+1), zap.Int("total", count))
		}
	}
	return ids, nil
}

// config writes the global average and a random override for every other
// provider.
func (s *seeder) config(ctx context.Context, providers []uuid.UUID, defaultMinutes int) error {
	if err := s.store.SetConfigValue(ctx, queue.KeyAverageConsultationMinutes, strconv.Itoa(defaultMinutes)); err != nil {
		return err
	}
	if err := s.store.SetConfigValue(ctx, queue.KeyDelayOffsetMinutes, "0"); err != nil {
		return err
	}
	for i, id := range providers {
		if i%2 == 1 {
			continue
		}
		minutes := strconv.Itoa(s.faker.Number(5, 20))
		if err := s.store.SetConfigValue(ctx, queue.KeyAverageConsultationMinutes+":"+id.String(), minutes); err != nil {
			return err
		}
	}
	return nil
}

// bookings fills today's remaining slots, or tomorrow's once the working day
// is over, spreading patients across providers.
func (s *seeder) bookings(ctx context.Context, providers, patients []uuid.UUID) (string, int, error) {
	now := time.Now()
	day := appointment.DayKey(now, s.loc)
	slots := openSlots(day, now, s.loc)
	if len(slots) == 0 {
		var err error
		if day, err = appointment.AddDays(day, 1); err != nil {
			return "", 0, err
		}
		slots = openSlots(day, now, s.loc)
	}
	if len(providers) == 0 || len(slots) == 0 {
		return day, 0, nil
	}

	booked := 0
	for i, patientID := range patients {
		slot := i / len(providers)
		if slot >= len(slots) {
			break
		}

		reason := reasons[s.faker.Number(0, len(reasons)-1)]
		_, err := s.svc.Book(ctx, appointment.BookingRequest{
			PatientID:      patientID,
			ProviderID:     providers[i%len(providers)],
			Day:            day,
			TimeSlot:       slots[slot],
			IsEmergency:    s.faker.Number(1, 20) == 1,
			ReasonForVisit: &reason,
		})
		if err != nil {
			return day, booked, fmt.Errorf("book %s for %s: %w", slots[slot], patientID, err)
		}
		booked++
	}

	return day, booked, nil
}

// openSlots lists the half-hour slot labels from 8:00 AM to 5:30 PM that have
// not started yet.
func openSlots(day string, now time.Time, loc *time.Location) []string {
	var slots []string
	for h := 8; h < 18; h++ {
		for _, m := range []int{0, 30} {
			label := slotLabel(h, m)
			if !appointment.IsPastSlot(day, label, now, loc) {
				slots = append(slots, label)
			}
		}
	}
	return slots
}

func slotLabel(hour, minute int) string {
	suffix := "AM"
	if hour >= 12 {
		suffix = "PM"
	}
	h := hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, minute, suffix)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
