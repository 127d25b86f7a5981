package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/appointment"
	"github.com/hackgods/walkin-queue/internal/broadcast"
	"github.com/hackgods/walkin-queue/internal/queue"
)

type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookingRequest) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id, patientID uuid.UUID) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id, patientID uuid.UUID, day, timeSlot string) (*appointment.Appointment, error)
	UpdateStatus(ctx context.Context, id, providerID uuid.UUID, to appointment.Status) (*appointment.Appointment, error)
	MarkNotPresented(ctx context.Context, id, providerID uuid.UUID) (*appointment.Appointment, error)
	Availability(ctx context.Context, providerID uuid.UUID, day string) (*appointment.Availability, error)
}

type QueueBuilder interface {
	Build(ctx context.Context, providerID uuid.UUID, day string) (queue.DayQueue, error)
}

type WaitEstimator interface {
	Estimate(ctx context.Context, appointmentID uuid.UUID) (queue.Estimate, bool, error)
	LiveQueue(ctx context.Context, patientID uuid.UUID) (queue.LiveQueue, bool, error)
}

type RouterConfig struct {
	Service   AppointmentService
	Queue     QueueBuilder
	Estimator WaitEstimator
	Hub       *broadcast.Hub
	Checks    []Dependency
	Location  *time.Location
	Logger    *zap.Logger
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := &handlers{
		svc:       cfg.Service,
		queue:     cfg.Queue,
		estimator: cfg.Estimator,
		loc:       cfg.Location,
		now:       time.Now,
		logger:    cfg.Logger,
	}

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.createAppointment)
		r.Get("/{id}", h.getAppointment)
		r.Post("/{id}/cancel", h.cancelAppointment)
		r.Post("/{id}/reschedule", h.rescheduleAppointment)
		r.Patch("/{id}/status", h.updateStatus)
		r.Post("/{id}/not-presented", h.markNotPresented)
		r.Get("/{id}/wait", h.waitEstimate)
	})
	r.Get("/providers/{id}/queue", h.providerQueue)
	r.Get("/providers/{id}/availability", h.availability)
	r.Get("/patients/{id}/live-queue", h.liveQueue)

	if cfg.Hub != nil {
		r.Get("/ws", NewWebsocketHandler(cfg.Hub, cfg.Logger).ServeHTTP)
	}

	return r
}
