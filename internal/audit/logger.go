// Package audit keeps the append-only trail of appointment status changes.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/effect"
)

type Store interface {
	InsertStatusLog(ctx context.Context, entry appointment.StatusLogEntry) error
}

// EventPublisher forwards status events to external reporting.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

// StatusEvent is the message body sent for every recorded transition.
type StatusEvent struct {
	AppointmentID uuid.UUID           `json:"appointmentId"`
	FromStatus    *appointment.Status `json:"fromStatus"`
	ToStatus      appointment.Status  `json:"toStatus"`
	Reason        string              `json:"reason"`
	OccurredAt    time.Time           `json:"occurredAt"`
}

// RoutingKey is appointment.status.<to>.
func (e StatusEvent) RoutingKey() string {
	return "appointment.status." + string(e.ToStatus)
}

// StatusLogger never fails its caller; store and broker errors end up in
// the operational log.
type StatusLogger struct {
	store  Store
	events EventPublisher
	now    func() time.Time
	logger *zap.Logger
}

// NewStatusLogger builds a logger. events may be nil.
func NewStatusLogger(store Store, events EventPublisher, logger *zap.Logger) *StatusLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusLogger{store: store, events: events, now: time.Now, logger: logger}
}

func (l *StatusLogger) Record(ctx context.Context, appointmentID uuid.UUID, from *appointment.Status, to appointment.Status, reason string) {
	at := l.now()
	fields := []zap.Field{
		zap.String("appointment_id", appointmentID.String()),
		zap.String("to_status", string(to)),
		zap.String("reason", reason),
	}

	effect.Try("insert status log", func() error {
		return l.store.InsertStatusLog(ctx, appointment.StatusLogEntry{
			AppointmentID: appointmentID,
			FromStatus:    from,
			ToStatus:      to,
			Reason:        reason,
			CreatedAt:     at,
		})
	}).Report(l.logger, fields...)

	if l.events == nil {
		return
	}

	event := StatusEvent{AppointmentID: appointmentID, FromStatus: from, ToStatus: to, Reason: reason, OccurredAt: at}
	effect.Try("publish status event", func() error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return l.events.Publish(ctx, event.RoutingKey(), payload)
	}).Report(l.logger, fields...)
}
