package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/chatfusion/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Hub      *ws.Hub
	Presence port.PresenceStore
	Auth     *Authenticator
	Origins  []string
}

func NewHandler(hub *ws.Hub, presence port.PresenceStore, auth *Authenticator, origins []string) *Handler {
	return &Handler{
		Hub:      hub,
		Presence: presence,
		Auth:     auth,
		Origins:  origins,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Post("/api/auth/token", h.IssueToken)

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware)
		r.Get("/api/calls/{callID}/presence", h.CallPresence)
		r.Get("/ws", h.ServeWS)
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"pfp"`
}

type tokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// IssueToken is a demo login: any username is accepted and a missing id is
// generated.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := domain.ParticipantID(req.ID)
	if id == "" {
		id = domain.NewParticipantID()
	}

	token, err := h.Auth.Issue(domain.NewParticipant(id, req.Username, req.Avatar))
	if err != nil {
		log.Error().Err(err).Msg("Failed to sign token")
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, UserID: id.String()})
}

func (h *Handler) CallPresence(w http.ResponseWriter, r *http.Request) {
	callID, err := domain.ParseCallID(chi.URLParam(r, "callID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid call id")
		return
	}
	ids, err := h.Presence.Participants(r.Context(), callID)
	if err != nil {
		log.Error().Err(err).Str("call_id", callID.String()).Msg("Failed to read presence")
		writeError(w, http.StatusInternalServerError, "Presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"callId":       callID,
		"participants": ids,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
