package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/walkin-queue/internal/appointment"
)

const etaBucketMinutes = 5

type Estimate struct {
	AppointmentID uuid.UUID          `json:"appointmentId"`
	ProviderID    uuid.UUID          `json:"providerId"`
	Day           string             `json:"day"`
	Status        appointment.Status `json:"status"`
	Position      *int               `json:"position"`
	PatronsAhead  int                `json:"patronsAhead"`
	ETAMinutes    int                `json:"etaMinutes"`
	LastUpdated   time.Time          `json:"lastUpdated"`
}

// LiveQueue is a patron's view of their next active appointment.
type LiveQueue struct {
	AppointmentID              uuid.UUID          `json:"appointmentId"`
	Status                     appointment.Status `json:"status"`
	ProviderID                 uuid.UUID          `json:"providerId"`
	ProviderName               string             `json:"providerName"`
	Department                 *string            `json:"department"`
	Day                        string             `json:"day"`
	TimeSlot                   string             `json:"timeSlot"`
	IsEmergency                bool               `json:"isEmergency"`
	QueueNumber                int                `json:"queueNumber"`
	Position                   *int               `json:"position"`
	PatronsAhead               int                `json:"patronsAhead"`
	CurrentServingQueueNumber  *int               `json:"currentServingQueueNumber"`
	WaitingCount               int                `json:"waitingCount"`
	CompletedCount             int                `json:"completedCount"`
	ETAMinutes                 int                `json:"etaMinutes"`
	AverageConsultationMinutes int                `json:"averageConsultationMinutes"`
}

type Estimator struct {
	store   Reader
	builder *Builder
	stats   *StatSource
	loc     *time.Location
	now     func() time.Time
}

func NewEstimator(store Reader, builder *Builder, stats *StatSource, loc *time.Location) *Estimator {
	if loc == nil {
		loc = time.Local
	}
	return &Estimator{store: store, builder: builder, stats: stats, loc: loc, now: time.Now}
}

// WithClock swaps the time source, for tests.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Estimate answers ok=false when the appointment does not exist or no longer
// takes part in a queue.
func (e *Estimator) Estimate(ctx context.Context, appointmentID uuid.UUID) (Estimate, bool, error) {
	appt, err := e.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return Estimate{}, false, nil
		}
		return Estimate{}, false, fmt.Errorf("get appointment: %w", err)
	}
	if !appt.Status.Active() {
		return Estimate{}, false, nil
	}

	q, err := e.builder.Build(ctx, appt.ProviderID, appt.Day)
	if err != nil {
		return Estimate{}, false, err
	}
	item, ok := q.Find(appt.ID)
	if !ok {
		return Estimate{}, false, nil
	}

	stat := e.stats.Get(ctx, appt.ProviderID)
	ahead := patronsAhead(item.Position)

	return Estimate{
		AppointmentID: appt.ID,
		ProviderID:    appt.ProviderID,
		Day:           q.Day,
		Status:        item.Status,
		Position:      item.Position,
		PatronsAhead:  ahead,
		ETAMinutes:    BucketETA(ahead*stat.AverageConsultationMinutes + stat.DelayOffsetMinutes),
		LastUpdated:   e.now(),
	}, true, nil
}

// LiveQueue finds the patron's next active appointment from today on.
func (e *Estimator) LiveQueue(ctx context.Context, patientID uuid.UUID) (LiveQueue, bool, error) {
	today := appointment.DayKey(e.now(), e.loc)

	appt, err := e.store.FindActiveForPatient(ctx, patientID, today)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return LiveQueue{}, false, nil
		}
		return LiveQueue{}, false, fmt.Errorf("find active appointment: %w", err)
	}

	provider, err := e.store.GetProviderByID(ctx, appt.ProviderID)
	if err != nil {
		return LiveQueue{}, false, fmt.Errorf("get provider: %w", err)
	}

	q, err := e.builder.Build(ctx, appt.ProviderID, appt.Day)
	if err != nil {
		return LiveQueue{}, false, err
	}

	var position *int
	if item, ok := q.Find(appt.ID); ok {
		position = item.Position
	}
	ahead := patronsAhead(position)
	stat := e.stats.Get(ctx, appt.ProviderID)

	return LiveQueue{
		AppointmentID:              appt.ID,
		Status:                     appt.Status,
		ProviderID:                 appt.ProviderID,
		ProviderName:               provider.Name,
		Department:                 provider.Department,
		Day:                        q.Day,
		TimeSlot:                   appt.TimeSlot,
		IsEmergency:                appt.IsEmergency,
		QueueNumber:                appt.QueueNumber,
		Position:                   position,
		PatronsAhead:               ahead,
		CurrentServingQueueNumber:  q.CurrentServingQueueNumber,
		WaitingCount:               q.WaitingCount,
		CompletedCount:             q.CompletedCount,
		ETAMinutes:                 BucketETA(ahead*stat.AverageConsultationMinutes + stat.DelayOffsetMinutes),
		AverageConsultationMinutes: q.AverageConsultationMinutes,
	}, true, nil
}

func patronsAhead(position *int) int {
	if position == nil || *position <= 0 {
		return 0
	}
	return *position - 1
}

// BucketETA rounds minutes to the nearest 5 and floors at zero.
func BucketETA(minutes int) int {
	eta := int(math.Round(float64(minutes)/etaBucketMinutes)) * etaBucketMinutes
	if eta < 0 {
		return 0
	}
	return eta
}
