package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusBooked         Status = "booked"
	StatusInConsultation Status = "in_consultation"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Machine markers written to Appointment.Notes and used as status log reasons.
const (
	NoteAutoNoShow   = "AUTO_NO_SHOW"
	NoteNotPresented = "NOT_PRESENTED"
)

// Status log reason codes.
const (
	ReasonBooked           = "BOOKED"
	ReasonPatientCancelled = "PATIENT_CANCELLED"
	ReasonProviderUpdate   = "PROVIDER_STATUS_UPDATE"
	ReasonNotPresented     = NoteNotPresented
	ReasonAutoNoShow       = NoteAutoNoShow
)

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusInConsultation, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether an appointment in s still takes part in a queue.
func (s Status) Active() bool {
	return s == StatusBooked || s == StatusInConsultation
}

// CanTransition encodes the one-way walk
// booked -> in_consultation -> completed, booked|in_consultation -> cancelled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusBooked:
		return to == StatusInConsultation || to == StatusCancelled
	case StatusInConsultation:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Provider struct {
	ID         uuid.UUID
	Name       string
	Department *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	Day            string // YYYY-MM-DD
	TimeSlot       string // "H:MM AM/PM"
	Status         Status
	QueueNumber    int
	IsEmergency    bool
	ReasonForVisit *string
	Notes          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueRow is an appointment as fetched for queue building.
type QueueRow struct {
	ID          uuid.UUID
	QueueNumber int
	Status      Status
	IsEmergency bool
	TimeSlot    string
	PatronName  *string
}

// Availability lists the slots of a provider's day that are already taken.
type Availability struct {
	ProviderID  uuid.UUID
	Day         string
	Unavailable []string
}

// PrunableAppointment is a cancelled appointment older than the retention
// window together with the number of records that depend on it.
type PrunableAppointment struct {
	ID         uuid.UUID
	Day        string
	Dependents int
}

type StatusLogEntry struct {
	ID            int64
	AppointmentID uuid.UUID
	FromStatus    *Status
	ToStatus      Status
	Reason        string
	CreatedAt     time.Time
}

type BookingRequest struct {
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	Day            string
	TimeSlot       string
	IsEmergency    bool
	ReasonForVisit *string
}
