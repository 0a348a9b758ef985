package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/leadflow/funnel-server-go/internal/service"
)

type AdminHandler struct {
	sessions *service.SessionService
}

func NewAdminHandler(sessions *service.SessionService) *AdminHandler {
	return &AdminHandler{sessions: sessions}
}

func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Get("/sessions/{id}", h.GetSession)
	r.Post("/sessions/{id}/expire", h.ExpireSession)
	return r
}

func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.GetStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to build status report")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *AdminHandler) ExpireSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := h.sessions.ForceExpire(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("force expire failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
