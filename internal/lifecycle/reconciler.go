// Package lifecycle cancels bookings whose slot went by and prunes old
// cancelled appointments.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/effect"
)

// Store is the slice of the appointment store the reconciler needs.
type Store interface {
	FindBookedBefore(ctx context.Context, day string) ([]appointment.Appointment, error)
	FindBookedOn(ctx context.Context, day string) ([]appointment.Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to appointment.Status, notes *string) (*appointment.Appointment, error)
	FindPrunable(ctx context.Context, beforeDay string) ([]appointment.PrunableAppointment, error)
	DeleteAppointments(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// TickResult summarizes one tick, mostly for logs and tests.
type TickResult struct {
	Expired        int
	ExpireFailures int
	Pruned         int64
	PruneSkipped   int // candidates kept because records depend on them
}

type Reconciler struct {
	store     Store
	recorder  appointment.StatusRecorder
	publisher appointment.Publisher
	retention time.Duration
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger
}

func NewReconciler(store Store, recorder appointment.StatusRecorder, publisher appointment.Publisher, retention time.Duration, loc *time.Location, logger *zap.Logger) *Reconciler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:     store,
		recorder:  recorder,
		publisher: publisher,
		retention: retention,
		loc:       loc,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock swaps the time source, for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Tick runs both passes. A failing or panicking pass is logged and does not
// keep the other from running.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := r.now()

	effect.Try("expire bookings", func() error {
		return r.expireBookings(ctx, now, &res)
	}).Report(r.logger)

	effect.Try("prune cancelled appointments", func() error {
		return r.pruneCancelled(ctx, now, &res)
	}).Report(r.logger)

	return res
}

// ExpiryCandidates returns every booked appointment dated before today plus
// today's bookings whose slot already started. Unparsable slot labels are
// never candidates.
func (r *Reconciler) ExpiryCandidates(ctx context.Context, now time.Time) ([]appointment.Appointment, error) {
	today := appointment.DayKey(now, r.loc)

	candidates, err := r.store.FindBookedBefore(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("find bookings before %s: %w", today, err)
	}

	todays, err := r.store.FindBookedOn(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("find bookings on %s: %w", today, err)
	}
	for _, a := range todays {
		if appointment.IsPastSlot(a.Day, a.TimeSlot, now, r.loc) {
			candidates = append(candidates, a)
		}
	}

	return candidates, nil
}

type channelKey struct {
	providerID uuid.UUID
	day        string
}

func (r *Reconciler) expireBookings(ctx context.Context, now time.Time, res *TickResult) error {
	candidates, err := r.ExpiryCandidates(ctx, now)
	if err != nil {
		return err
	}

	var expired []appointment.Appointment
	for _, a := range candidates {
		out := effect.Try("auto cancel booking", func() error {
			return r.expireOne(ctx, a)
		})
		if out.Failed() {
			res.ExpireFailures++
			out.Report(r.logger, zap.String("appointment_id", a.ID.String()))
			continue
		}
		expired = append(expired, a)
	}
	res.Expired = len(expired)

	// one snapshot per touched provider/day, in first-touched order
	channels := lo.Uniq(lo.Map(expired, func(a appointment.Appointment, _ int) channelKey {
		return channelKey{providerID: a.ProviderID, day: a.Day}
	}))
	for _, key := range channels {
		r.publisher.PublishDay(ctx, key.providerID, key.day)
	}

	if len(candidates) > 0 {
		r.logger.Info("expired bookings",
			zap.Int("candidates", len(candidates)),
			zap.Int("cancelled", res.Expired),
			zap.Int("failed", res.ExpireFailures),
		)
	}
	return nil
}

var errStatusMoved = errors.New("appointment left booked before it could expire")

func (r *Reconciler) expireOne(ctx context.Context, a appointment.Appointment) error {
	note := appointment.NoteAutoNoShow
	updated, err := r.store.UpdateStatus(ctx, a.ID, appointment.StatusBooked, appointment.StatusCancelled, &note)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return errStatusMoved
		}
		return err
	}

	from := appointment.StatusBooked
	r.recorder.Record(ctx, updated.ID, &from, updated.Status, appointment.ReasonAutoNoShow)
	return nil
}

func (r *Reconciler) pruneCancelled(ctx context.Context, now time.Time, res *TickResult) error {
	cutoff := appointment.DayKey(now.Add(-r.retention), r.loc)

	candidates, err := r.store.FindPrunable(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find prunable before %s: %w", cutoff, err)
	}

	ids := lo.FilterMap(candidates, func(c appointment.PrunableAppointment, _ int) (uuid.UUID, bool) {
		return c.ID, c.Dependents == 0
	})
	res.PruneSkipped = len(candidates) - len(ids)
	if len(ids) == 0 {
		return nil
	}

	deleted, err := r.store.DeleteAppointments(ctx, ids)
	if err != nil {
		return fmt.Errorf("delete %d cancelled appointments: %w", len(ids), err)
	}
	res.Pruned = deleted

	r.logger.Info("pruned cancelled appointments",
		zap.String("before", cutoff),
		zap.Int64("deleted", deleted),
		zap.Int("kept_with_dependents", res.PruneSkipped),
	)
	return nil
}
