package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/appointment"
)

type handlers struct {
	svc       AppointmentService
	queue     QueueBuilder
	estimator WaitEstimator
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger
}

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	patientID, ok := parseID(w, req.PatientID, "invalid_patient_id", "patientId must be a valid UUID")
	if !ok {
		return
	}
	providerID, ok := parseID(w, req.ProviderID, "invalid_provider_id", "providerId must be a valid UUID")
	if !ok {
		return
	}

	appt, err := h.svc.Book(r.Context(), appointment.BookingRequest{
		PatientID:      patientID,
		ProviderID:     providerID,
		Day:            req.Day,
		TimeSlot:       req.TimeSlot,
		IsEmergency:    req.IsEmergency,
		ReasonForVisit: req.ReasonForVisit,
	})
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}
	var req PatientActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patientID, ok := parseID(w, req.PatientID, "invalid_patient_id", "patientId must be a valid UUID")
	if !ok {
		return
	}

	appt, err := h.svc.Cancel(r.Context(), id, patientID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patientID, ok := parseID(w, req.PatientID, "invalid_patient_id", "patientId must be a valid UUID")
	if !ok {
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, patientID, req.Day, req.TimeSlot)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	providerID, ok := parseID(w, req.ProviderID, "invalid_provider_id", "providerId must be a valid UUID")
	if !ok {
		return
	}

	appt, err := h.svc.UpdateStatus(r.Context(), id, providerID, appointment.Status(req.Status))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) markNotPresented(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}
	var req ProviderActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	providerID, ok := parseID(w, req.ProviderID, "invalid_provider_id", "providerId must be a valid UUID")
	if !ok {
		return
	}

	appt, err := h.svc.MarkNotPresented(r.Context(), id, providerID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) waitEstimate(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}

	est, found, err := h.estimator.Estimate(r.Context(), id)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_in_queue", "appointment is not waiting in any queue")
		return
	}

	writeJSON(w, http.StatusOK, est)
}

func (h *handlers) providerQueue(w http.ResponseWriter, r *http.Request) {
	providerID, ok := parseID(w, chi.URLParam(r, "id"), "invalid_provider_id", "id must be a valid UUID")
	if !ok {
		return
	}

	day := r.URL.Query().Get("day")
	if day == "" {
		day = appointment.DayKey(h.now(), h.loc)
	}

	q, err := h.queue.Build(r.Context(), providerID, day)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, q)
}

func (h *handlers) availability(w http.ResponseWriter, r *http.Request) {
	providerID, ok := parseID(w, chi.URLParam(r, "id"), "invalid_provider_id", "id must be a valid UUID")
	if !ok {
		return
	}

	day := r.URL.Query().Get("day")
	if day == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "day is required")
		return
	}

	a, err := h.svc.Availability(r.Context(), providerID, day)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAvailabilityResponse(a))
}

func (h *handlers) liveQueue(w http.ResponseWriter, r *http.Request) {
	patientID, ok := parseID(w, chi.URLParam(r, "id"), "invalid_patient_id", "id must be a valid UUID")
	if !ok {
		return
	}

	live, found, err := h.estimator.LiveQueue(r.Context(), patientID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no_active_appointment", "patient has no upcoming appointment")
		return
	}

	writeJSON(w, http.StatusOK, live)
}

func (h *handlers) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidDay),
		errors.Is(err, appointment.ErrInvalidTimeSlot),
		errors.Is(err, appointment.ErrInvalidReason),
		errors.Is(err, appointment.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointment.ErrPastTimeSlot):
		writeError(w, http.StatusUnprocessableEntity, "past_time_slot", err.Error())
	case errors.Is(err, appointment.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", err.Error())
	case errors.Is(err, appointment.ErrDuplicateDepartment):
		writeError(w, http.StatusConflict, "duplicate_department", err.Error())
	case errors.Is(err, appointment.ErrDuplicateTime):
		writeError(w, http.StatusConflict, "duplicate_time", err.Error())
	case errors.Is(err, appointment.ErrSlotBeingBooked),
		errors.Is(err, appointment.ErrSlotContended):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw, code, details string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, code, details)
		return uuid.Nil, false
	}
	return id, true
}

func appointmentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	return parseID(w, chi.URLParam(r, "id"), "invalid_appointment_id", "id must be a valid UUID")
}
