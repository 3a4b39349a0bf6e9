package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/session"
)

// MaxEmailLength bounds the email accepted at session creation.
const MaxEmailLength = 254

// SessionService is the session store surface the handlers need.
// Satisfied by *session.Store; an interface so tests can inject fakes.
type SessionService interface {
	Create(ctx context.Context, email string) (*session.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
	Recent(ctx context.Context, id uuid.UUID) ([]session.Turn, error)
}

// SessionHandler handles session-related HTTP endpoints.
type SessionHandler struct {
	store  SessionService
	logger log.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(store SessionService, logger log.Logger) *SessionHandler {
	return &SessionHandler{store: store, logger: logger}
}

// RegisterRoutes registers session routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions/{id}/history", h.history)
}

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	Email string `json:"email"`
}

// SessionResponse is the session descriptor returned at creation.
// Messages carries the recent window so a returning visitor resumes
// their conversation where they left it.
type SessionResponse struct {
	ID             uuid.UUID      `json:"id"`
	QuotaRemaining int            `json:"quotaRemaining"`
	QuotaTotal     int            `json:"quotaTotal"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	Messages       []session.Turn `json:"messages"`
}

// create creates a new session, or resumes the caller's existing unexpired
// session when the email is already known.
func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.logger.Error("session store is nil")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_email", "a valid email is required")
		return
	}
	if len(email) > MaxEmailLength {
		writeError(w, http.StatusBadRequest, "invalid_email", "email too long")
		return
	}

	sess, err := h.store.Create(r.Context(), email)
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "session_create_failed", "failed to create session")
		return
	}

	// Best effort: a brand new session simply has no turns yet.
	turns, err := h.store.Recent(r.Context(), sess.ID)
	if err != nil {
		h.logger.Warn("failed to load recent turns", "error", err, "session_id", sess.ID)
		turns = nil
	}
	if turns == nil {
		turns = []session.Turn{}
	}

	writeJSON(w, http.StatusCreated, SessionResponse{
		ID:             sess.ID,
		QuotaRemaining: sess.QuotaRemaining,
		QuotaTotal:     sess.QuotaTotal,
		ExpiresAt:      sess.ExpiresAt,
		Messages:       turns,
	})
}

// HistoryResponse is the recent conversation window for a session.
type HistoryResponse struct {
	SessionID uuid.UUID      `json:"sessionId"`
	Messages  []session.Turn `json:"messages"`
}

// history returns the recent turn window for a session.
func (h *SessionHandler) history(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		h.logger.Error("session store is nil")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id", "session id must be a UUID")
		return
	}

	// An expired session is indistinguishable from an absent one.
	if _, err := h.store.Get(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionExpired):
			writeError(w, http.StatusNotFound, "session_not_found", "session not found or expired")
		default:
			h.logger.Error("failed to load session", "error", err, "session_id", id)
			writeError(w, http.StatusInternalServerError, "session_load_failed", "failed to load session")
		}
		return
	}

	turns, err := h.store.Recent(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load history", "error", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, "history_load_failed", "failed to load history")
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, Messages: turns})
}
