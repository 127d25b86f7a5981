package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/effect"
	"github.com/hackgods/walkin-queue/internal/queue"
)

// Sink delivers an encoded snapshot to a channel's subscribers.
type Sink interface {
	Send(ctx context.Context, ch Channel, payload []byte) error
}

type AppointmentReader interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type QueueBuilder interface {
	Build(ctx context.Context, providerID uuid.UUID, day string) (queue.DayQueue, error)
}

var errNoSink = errors.New("no broadcast sink configured")

// Broadcaster is configured once at startup and handed to every component
// that mutates appointments. Publishing never fails the caller.
type Broadcaster struct {
	appointments AppointmentReader
	builder      QueueBuilder
	sink         Sink
	logger       *zap.Logger
}

// NewBroadcaster builds a broadcaster. A nil sink makes every publish a
// logged no-op.
func NewBroadcaster(appointments AppointmentReader, builder QueueBuilder, sink Sink, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{appointments: appointments, builder: builder, sink: sink, logger: logger}
}

// Publish rebuilds and pushes the queue the appointment belongs to.
func (b *Broadcaster) Publish(ctx context.Context, appointmentID uuid.UUID) {
	effect.Try("broadcast queue", func() error {
		appt, err := b.appointments.GetAppointmentByID(ctx, appointmentID)
		if err != nil {
			return fmt.Errorf("resolve appointment: %w", err)
		}
		return b.push(ctx, appt.ProviderID, appt.Day)
	}).Report(b.logger, zap.String("appointment_id", appointmentID.String()))
}

// PublishDay pushes a provider's day directly, e.g. the day an appointment
// was rescheduled away from.
func (b *Broadcaster) PublishDay(ctx context.Context, providerID uuid.UUID, day string) {
	effect.Try("broadcast queue", func() error {
		return b.push(ctx, providerID, day)
	}).Report(b.logger, zap.String("provider_id", providerID.String()), zap.String("day", day))
}

func (b *Broadcaster) push(ctx context.Context, providerID uuid.UUID, day string) error {
	if b.sink == nil {
		return errNoSink
	}

	ch, err := NewChannel(providerID, day)
	if err != nil {
		return err
	}

	q, err := b.builder.Build(ctx, ch.ProviderID, ch.Day)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	if err := b.sink.Send(ctx, ch, payload); err != nil {
		return fmt.Errorf("send %s: %w", ch.Key(), err)
	}

	b.logger.Debug("queue broadcast",
		zap.String("channel", ch.Key()),
		zap.Int("waiting", q.WaitingCount),
		zap.Int("completed", q.CompletedCount),
	)
	return nil
}
