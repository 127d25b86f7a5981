package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrConfigNotFound      = errors.New("config value not found")

	// Booking conflicts, detected inside the booking transaction.
	ErrSlotFull            = errors.New("time slot is fully booked")
	ErrDuplicateDepartment = errors.New("patient already has an appointment in this department on this date")
	ErrDuplicateTime       = errors.New("patient already has an appointment at this time on this date")
)

// Repository contains all DB interactions needed by the queue core.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Queue reads
	ListForProviderDay(ctx context.Context, providerID uuid.UUID, day string) ([]QueueRow, error)
	FindActiveForPatient(ctx context.Context, patientID uuid.UUID, fromDay string) (*Appointment, error)
	ListBookedSlots(ctx context.Context, providerID uuid.UUID, day string) ([]string, error)

	// Creation and updates. CreateBooking and Reschedule run the slot
	// capacity check and queue number derivation in the same transaction as
	// the write.
	CreateBooking(ctx context.Context, req BookingRequest) (*Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, day, timeSlot string) (*Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string) (*Appointment, error)

	// Lifecycle reconciler
	FindBookedBefore(ctx context.Context, day string) ([]Appointment, error)
	FindBookedOn(ctx context.Context, day string) ([]Appointment, error)
	FindPrunable(ctx context.Context, beforeDay string) ([]PrunableAppointment, error)
	DeleteAppointments(ctx context.Context, ids []uuid.UUID) (int64, error)

	// Status log
	InsertStatusLog(ctx context.Context, entry StatusLogEntry) error

	// Operator configuration
	GetConfigValue(ctx context.Context, key string) (string, error)
}
