// Package queue derives the live queue of one provider's day and the wait
// estimates built on top of it.
package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/hackgods/walkin-queue/internal/appointment"
)

// Reader is the slice of the appointment store the queue needs.
type Reader interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*appointment.Provider, error)
	ListForProviderDay(ctx context.Context, providerID uuid.UUID, day string) ([]appointment.QueueRow, error)
	FindActiveForPatient(ctx context.Context, patientID uuid.UUID, fromDay string) (*appointment.Appointment, error)
	GetConfigValue(ctx context.Context, key string) (string, error)
}

type Item struct {
	ID          uuid.UUID          `json:"id"`
	QueueNumber int                `json:"queueNumber"`
	Status      appointment.Status `json:"status"`
	IsEmergency bool               `json:"isEmergency"`
	Position    *int               `json:"position"`
	TimeSlot    string             `json:"timeSlot"`
	PatronName  *string            `json:"patronName"`
}

// DayQueue is the full snapshot pushed to channel subscribers. Each snapshot
// replaces the previous one.
type DayQueue struct {
	ProviderID                 uuid.UUID  `json:"providerId"`
	Day                        string     `json:"day"`
	Items                      []Item     `json:"items"`
	CurrentServingID           *uuid.UUID `json:"currentServingId"`
	CurrentServingQueueNumber  *int       `json:"currentServingQueueNumber"`
	WaitingCount               int        `json:"waitingCount"`
	CompletedCount             int        `json:"completedCount"`
	AverageConsultationMinutes int        `json:"averageConsultationMinutes"`
}

// Find returns the item of appointment id, if it is in the queue.
func (q DayQueue) Find(id uuid.UUID) (Item, bool) {
	for _, it := range q.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Derive orders rows by queue number and numbers the booked ones 1..N.
// Rows with equal queue numbers keep their input order.
func Derive(providerID uuid.UUID, day string, rows []appointment.QueueRow, averageMinutes int) DayQueue {
	sorted := make([]appointment.QueueRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].QueueNumber < sorted[j].QueueNumber
	})

	q := DayQueue{
		ProviderID:                 providerID,
		Day:                        day,
		Items:                      make([]Item, 0, len(sorted)),
		AverageConsultationMinutes: averageMinutes,
	}

	firstBooked, inConsultation := -1, -1
	for _, row := range sorted {
		item := Item{
			ID:          row.ID,
			QueueNumber: row.QueueNumber,
			Status:      row.Status,
			IsEmergency: row.IsEmergency,
			TimeSlot:    row.TimeSlot,
			PatronName:  row.PatronName,
		}

		switch row.Status {
		case appointment.StatusBooked:
			if firstBooked < 0 {
				firstBooked = len(q.Items)
			}
			q.WaitingCount++
			pos := q.WaitingCount
			item.Position = &pos
		case appointment.StatusInConsultation:
			if inConsultation < 0 {
				inConsultation = len(q.Items)
			}
		case appointment.StatusCompleted:
			q.CompletedCount++
		}

		q.Items = append(q.Items, item)
	}

	serving := inConsultation
	if serving < 0 {
		serving = firstBooked
	}
	if serving >= 0 {
		id, number := q.Items[serving].ID, q.Items[serving].QueueNumber
		q.CurrentServingID = &id
		q.CurrentServingQueueNumber = &number
	}

	return q
}

type Builder struct {
	store Reader
	stats *StatSource
}

func NewBuilder(store Reader, stats *StatSource) *Builder {
	return &Builder{store: store, stats: stats}
}

// Build reads the provider's appointments on day and derives the queue. A
// day without appointments is an empty queue, not an error.
func (b *Builder) Build(ctx context.Context, providerID uuid.UUID, day string) (DayQueue, error) {
	day, err := appointment.NormalizeDay(day)
	if err != nil {
		return DayQueue{}, err
	}

	rows, err := b.store.ListForProviderDay(ctx, providerID, day)
	if err != nil {
		return DayQueue{}, fmt.Errorf("list provider day: %w", err)
	}

	stat := b.stats.Get(ctx, providerID)
	return Derive(providerID, day, rows, stat.AverageConsultationMinutes), nil
}
