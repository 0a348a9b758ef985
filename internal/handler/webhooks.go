package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
	"github.com/leadflow/funnel-server-go/internal/service"
)

const maxWebhookBody = 64 * 1024

// WebhookHandler receives the three inbound events that drive the funnel:
// a trigger from the acquisition flow, a form completion from the form
// provider, and a booking confirmation from the scheduling provider.
type WebhookHandler struct {
	sessions *service.SessionService
}

func NewWebhookHandler(sessions *service.SessionService) *WebhookHandler {
	return &WebhookHandler{sessions: sessions}
}

func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/trigger", h.Trigger)
	r.Post("/form-completed", h.FormCompleted)
	r.Post("/appointment-scheduled", h.AppointmentScheduled)
	return r
}

type triggerRequest struct {
	Recipient   string `json:"recipient"`
	DisplayName string `json:"displayName"`
}

func (h *WebhookHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Recipient == "" {
		writeError(w, apperrors.MissingRequired("recipient"))
		return
	}

	session, err := h.sessions.CreateSession(r.Context(), req.Recipient, req.DisplayName)
	if err != nil {
		log.Error().Err(err).Str("recipient", req.Recipient).Msg("trigger webhook failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

type formCompletedRequest struct {
	SessionID string          `json:"sessionId"`
	Answers   json.RawMessage `json:"answers"`
}

func (h *WebhookHandler) FormCompleted(w http.ResponseWriter, r *http.Request) {
	var req formCompletedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SessionID == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}

	session, err := h.sessions.MarkCompleted(r.Context(), req.SessionID, req.Answers)
	if err != nil {
		log.Error().Err(err).Str("sessionId", req.SessionID).Msg("form completion webhook failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

type appointmentScheduledRequest struct {
	SessionID string `json:"sessionId"`
	Recipient string `json:"recipient"`
}

func (h *WebhookHandler) AppointmentScheduled(w http.ResponseWriter, r *http.Request) {
	var req appointmentScheduledRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessions.MarkAppointmentScheduled(r.Context(), req.SessionID, req.Recipient)
	if err != nil {
		log.Error().Err(err).
			Str("sessionId", req.SessionID).
			Str("recipient", req.Recipient).
			Msg("appointment webhook failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return apperrors.ValidationError("Invalid JSON body")
	}
	return nil
}
