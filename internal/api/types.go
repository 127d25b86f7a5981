package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/walkin-queue/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID      string  `json:"patientId"`
	ProviderID     string  `json:"providerId"`
	Day            string  `json:"day"`
	TimeSlot       string  `json:"timeSlot"`
	IsEmergency    bool    `json:"isEmergency"`
	ReasonForVisit *string `json:"reasonForVisit"`
}

type PatientActionRequest struct {
	PatientID string `json:"patientId"`
}

type RescheduleRequest struct {
	PatientID string `json:"patientId"`
	Day       string `json:"day"`
	TimeSlot  string `json:"timeSlot"`
}

type ProviderActionRequest struct {
	ProviderID string `json:"providerId"`
}

type UpdateStatusRequest struct {
	ProviderID string `json:"providerId"`
	Status     string `json:"status"`
}

type AppointmentResponse struct {
	ID             uuid.UUID `json:"id"`
	PatientID      uuid.UUID `json:"patientId"`
	ProviderID     uuid.UUID `json:"providerId"`
	Day            string    `json:"day"`
	TimeSlot       string    `json:"timeSlot"`
	Status         string    `json:"status"`
	QueueNumber    int       `json:"queueNumber"`
	IsEmergency    bool      `json:"isEmergency"`
	ReasonForVisit *string   `json:"reasonForVisit,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		ProviderID:     a.ProviderID,
		Day:            a.Day,
		TimeSlot:       a.TimeSlot,
		Status:         string(a.Status),
		QueueNumber:    a.QueueNumber,
		IsEmergency:    a.IsEmergency,
		ReasonForVisit: a.ReasonForVisit,
		Notes:          a.Notes,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

type AvailabilityResponse struct {
	ProviderID  uuid.UUID `json:"providerId"`
	Day         string    `json:"day"`
	Unavailable []string  `json:"unavailable"`
}

func toAvailabilityResponse(a *appointment.Availability) AvailabilityResponse {
	slots := a.Unavailable
	if slots == nil {
		slots = []string{}
	}
	return AvailabilityResponse{ProviderID: a.ProviderID, Day: a.Day, Unavailable: slots}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
