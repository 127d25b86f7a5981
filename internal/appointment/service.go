package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/config"
	redisclient "github.com/hackgods/walkin-queue/internal/redis"
)

const slotCapacity = 1

const (
	minReasonLength = 10
	maxReasonLength = 500
)

var (
	ErrSlotBeingBooked         = errors.New("slot is currently being booked, please retry")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidStatus           = errors.New("invalid status")
	ErrInvalidTimeSlot         = errors.New("time slot must look like 9:00 AM")
	ErrPastTimeSlot            = errors.New("cannot book a past time slot")
	ErrInvalidReason           = fmt.Errorf("reason for visit must be %d to %d characters", minReasonLength, maxReasonLength)
)

// StatusRecorder appends to the status change audit trail. It never fails
// the caller.
type StatusRecorder interface {
	Record(ctx context.Context, appointmentID uuid.UUID, from *Status, to Status, reason string)
}

// Publisher pushes the rebuilt queue of an appointment's provider/day to
// subscribers. It never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, appointmentID uuid.UUID)
	PublishDay(ctx context.Context, providerID uuid.UUID, day string)
}

type Service struct {
	repo      Repository
	locker    redisclient.Locker
	recorder  StatusRecorder
	publisher Publisher
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, recorder StatusRecorder, publisher Publisher, cfg config.Config, logger *zap.Logger) *Service {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		recorder:  recorder,
		publisher: publisher,
		loc:       loc,
		now:       time.Now,
		logger:    logger,
	}
}

// SlotKey identifies a (provider, day, time slot) triple.
func SlotKey(providerID uuid.UUID, day, timeSlot string) string {
	return providerID.String() + ":" + day + ":" + strings.ReplaceAll(timeSlot, " ", "")
}

// Book reserves a slot for a patron and assigns the next queue number of the
// provider's day. A Redis slot lock keeps concurrent requests for one slot
// from piling onto the store; the store transaction and its unique index
// are what guarantee a single booking.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	day, slot, err := s.validateSlot(req.Day, req.TimeSlot)
	if err != nil {
		return nil, err
	}
	req.Day = day
	req.TimeSlot = slot

	if req.ReasonForVisit, err = normalizeReason(req.ReasonForVisit); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetProviderByID(ctx, req.ProviderID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, SlotKey(req.ProviderID, req.Day, req.TimeSlot), func(lockCtx context.Context) error {
		appt, err := s.repo.CreateBooking(lockCtx, req)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		if errors.Is(err, ErrSlotFull) || errors.Is(err, ErrDuplicateDepartment) ||
			errors.Is(err, ErrDuplicateTime) || errors.Is(err, ErrSlotContended) {
			return nil, err
		}
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.logger.Info("appointment booked",
		zap.String("appointment_id", created.ID.String()),
		zap.String("provider_id", created.ProviderID.String()),
		zap.String("day", created.Day),
		zap.Int("queue_number", created.QueueNumber),
	)

	s.recorder.Record(ctx, created.ID, nil, created.Status, ReasonBooked)
	s.publisher.Publish(ctx, created.ID)

	return created, nil
}

// Cancel is the patron's cancellation. Only booked appointments qualify.
func (s *Service) Cancel(ctx context.Context, id, patientID uuid.UUID) (*Appointment, error) {
	existing, err := s.ownedByPatient(ctx, id, patientID)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusBooked {
		return nil, ErrInvalidStatusTransition
	}

	return s.transition(ctx, existing, StatusCancelled, nil, ReasonPatientCancelled)
}

// Reschedule moves a booked appointment to another slot. The appointment
// takes the next queue number of its new day, and both the old and the new
// day are re-broadcast.
func (s *Service) Reschedule(ctx context.Context, id, patientID uuid.UUID, day, timeSlot string) (*Appointment, error) {
	existing, err := s.ownedByPatient(ctx, id, patientID)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusBooked {
		return nil, ErrInvalidStatusTransition
	}

	day, timeSlot, err = s.validateSlot(day, timeSlot)
	if err != nil {
		return nil, err
	}

	var updated *Appointment
	err = s.locker.WithSlotLock(ctx, SlotKey(existing.ProviderID, day, timeSlot), func(lockCtx context.Context) error {
		appt, err := s.repo.Reschedule(lockCtx, id, day, timeSlot)
		if err != nil {
			return err
		}
		updated = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	if existing.Day != updated.Day {
		s.publisher.PublishDay(ctx, existing.ProviderID, existing.Day)
	}
	s.publisher.Publish(ctx, updated.ID)

	return updated, nil
}

// UpdateStatus is the provider advancing an appointment through its
// lifecycle.
func (s *Service) UpdateStatus(ctx context.Context, id, providerID uuid.UUID, to Status) (*Appointment, error) {
	if !to.Valid() {
		return nil, ErrInvalidStatus
	}

	existing, err := s.ownedByProvider(ctx, id, providerID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(existing.Status, to) {
		return nil, ErrInvalidStatusTransition
	}

	return s.transition(ctx, existing, to, nil, ReasonProviderUpdate)
}

// MarkNotPresented cancels an active appointment whose patron did not show
// up at the counter.
func (s *Service) MarkNotPresented(ctx context.Context, id, providerID uuid.UUID) (*Appointment, error) {
	existing, err := s.ownedByProvider(ctx, id, providerID)
	if err != nil {
		return nil, err
	}
	if !existing.Status.Active() {
		return nil, ErrInvalidStatusTransition
	}

	note := NoteNotPresented
	return s.transition(ctx, existing, StatusCancelled, &note, ReasonNotPresented)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// Availability returns the taken slots of a provider's day in clock order.
func (s *Service) Availability(ctx context.Context, providerID uuid.UUID, day string) (*Availability, error) {
	day, err := NormalizeDay(day)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	slots, err := s.repo.ListBookedSlots(ctx, providerID, day)
	if err != nil {
		return nil, fmt.Errorf("list booked slots: %w", err)
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slotMinutes(slots[i]) < slotMinutes(slots[j])
	})

	return &Availability{ProviderID: providerID, Day: day, Unavailable: slots}, nil
}

// slotMinutes orders labels by time of day; unparsable ones sort last.
func slotMinutes(label string) int {
	h, m, ok := ParseTimeSlot(label)
	if !ok {
		return 24 * 60
	}
	return h*60 + m
}

func (s *Service) transition(ctx context.Context, existing *Appointment, to Status, notes *string, reason string) (*Appointment, error) {
	updated, err := s.repo.UpdateStatus(ctx, existing.ID, existing.Status, to, notes)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// the status moved underneath us
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	from := existing.Status
	s.recorder.Record(ctx, updated.ID, &from, updated.Status, reason)
	s.publisher.Publish(ctx, updated.ID)

	return updated, nil
}

func (s *Service) ownedByPatient(ctx context.Context, id, patientID uuid.UUID) (*Appointment, error) {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.PatientID != patientID {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

func (s *Service) ownedByProvider(ctx context.Context, id, providerID uuid.UUID) (*Appointment, error) {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.ProviderID != providerID {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

// validateSlot returns the canonical day and slot label, rejecting
// unparsable labels and slots that already started.
func (s *Service) validateSlot(day, timeSlot string) (string, string, error) {
	day, err := NormalizeDay(day)
	if err != nil {
		return "", "", err
	}
	slot, ok := CanonicalTimeSlot(timeSlot)
	if !ok {
		return "", "", ErrInvalidTimeSlot
	}

	now := s.now()
	if day < DayKey(now, s.loc) || IsPastSlot(day, slot, now, s.loc) {
		return "", "", ErrPastTimeSlot
	}
	return day, slot, nil
}

func normalizeReason(reason *string) (*string, error) {
	if reason == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*reason)
	if trimmed == "" {
		return nil, nil
	}
	if n := len([]rune(trimmed)); n < minReasonLength || n > maxReasonLength {
		return nil, ErrInvalidReason
	}
	return &trimmed, nil
}
