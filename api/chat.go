package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/pipeline"
	"github.com/folio-ai/folio/internal/session"
)

// MaxMessageLength bounds a single chat message.
const MaxMessageLength = 4000

// ChatRunner executes one chat turn, streaming answer text through onChunk.
// Satisfied by *pipeline.Pipeline.
type ChatRunner interface {
	Run(ctx context.Context, sessionID uuid.UUID, message string, onChunk pipeline.StreamCallback) (*pipeline.Result, error)
}

// ChatHandler handles the SSE chat streaming endpoint.
type ChatHandler struct {
	runner ChatRunner
	logger log.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(runner ChatRunner, logger log.Logger) *ChatHandler {
	return &ChatHandler{runner: runner, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.handleStream)
}

// ChatStreamRequest is the request body for one chat turn.
type ChatStreamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// SSEChunkData is the data for "chunk" events.
type SSEChunkData struct {
	Text string `json:"text"`
}

// SSEDoneData is the data for "done" events.
type SSEDoneData struct {
	Response  string            `json:"response"`
	SessionID string            `json:"sessionId"`
	Metadata  pipeline.Metadata `json:"metadata"`
}

// SSEErrorData is the data for "error" events.
type SSEErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfter is the suggested wait in seconds before retrying.
	// Only set for rate-limit rejections.
	RetryAfter int `json:"retryAfter,omitempty"`
}

// handleStream handles the SSE streaming endpoint.
//
// Request body: {"message": "...", "sessionId": "..."}
// Response: Server-Sent Events stream
//
// Event types:
//   - chunk: Partial answer text {"text": "..."}
//   - done:  Final answer and turn metadata
//   - error: Gating rejection or stream failure {"code": "...", "message": "..."}
//
// Generation-level degradation never surfaces as an error event: the
// pipeline streams its canned fallback text and the turn ends with "done".
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	var req ChatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeSSEError(w, flusher, SSEErrorData{Code: "INVALID_REQUEST", Message: fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	if req.SessionID == "" {
		h.writeSSEError(w, flusher, SSEErrorData{Code: "MISSING_SESSION_ID", Message: "sessionId is required"})
		return
	}
	if req.Message == "" {
		h.writeSSEError(w, flusher, SSEErrorData{Code: "MISSING_MESSAGE", Message: "message is required"})
		return
	}
	if len(req.Message) > MaxMessageLength {
		h.writeSSEError(w, flusher, SSEErrorData{Code: "MESSAGE_TOO_LONG", Message: fmt.Sprintf("message exceeds %d bytes", MaxMessageLength)})
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		h.writeSSEError(w, flusher, SSEErrorData{Code: "INVALID_SESSION_ID", Message: "sessionId must be a UUID"})
		return
	}

	if h.runner == nil {
		h.writeSSEError(w, flusher, SSEErrorData{Code: "UNAVAILABLE", Message: "chat is not configured"})
		return
	}

	ctx := r.Context()
	h.logger.Info("SSE stream started", "session_id", sessionID)

	onChunk := func(text string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if text == "" {
			return nil
		}
		h.writeSSEChunk(w, flusher, text)
		return nil
	}

	result, err := h.runner.Run(ctx, sessionID, req.Message, onChunk)
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "session_id", sessionID)
			return
		}
		h.writeSSEError(w, flusher, classifyTurnError(err))
		h.logger.Warn("chat turn rejected", "error", err, "session_id", sessionID)
		return
	}

	h.writeSSEDone(w, flusher, SSEDoneData{
		Response:  result.Answer,
		SessionID: sessionID.String(),
		Metadata:  result.Metadata,
	})
	h.logger.Info("SSE stream completed",
		"session_id", sessionID,
		"intent", result.Metadata.Intent,
		"degraded", result.Metadata.Degraded(),
		"response_len", len(result.Answer))
}

// classifyTurnError maps pipeline rejections to SSE error payloads.
// Pure function - no side effects, easily testable.
func classifyTurnError(err error) SSEErrorData {
	var rateErr *session.RateLimitedError
	switch {
	case errors.As(err, &rateErr):
		return SSEErrorData{
			Code:       "RATE_LIMITED",
			Message:    "You're sending messages too quickly. Please wait a moment.",
			RetryAfter: int(rateErr.RetryAfter.Seconds()),
		}
	case errors.Is(err, session.ErrQuotaExhausted):
		return SSEErrorData{Code: "QUOTA_EXHAUSTED", Message: "This session has used up its message quota."}
	case errors.Is(err, session.ErrSessionExpired):
		return SSEErrorData{Code: "SESSION_EXPIRED", Message: "This session has expired. Please start a new one."}
	case errors.Is(err, session.ErrSessionNotFound):
		return SSEErrorData{Code: "SESSION_NOT_FOUND", Message: "Unknown session. Please start a new one."}
	case errors.Is(err, context.DeadlineExceeded):
		return SSEErrorData{Code: "TIMEOUT", Message: "Request timed out. Please try again."}
	default:
		return SSEErrorData{Code: "STREAM_ERROR", Message: "Failed to generate response. Please try again."}
	}
}

// writeSSEChunk writes a chunk event to the SSE stream.
func (h *ChatHandler) writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, text string) {
	data, _ := json.Marshal(SSEChunkData{Text: text})
	fmt.Fprintf(w, "event: chunk\ndata: %s\n\n", data)
	flusher.Flush()
}

// writeSSEDone writes a done event to the SSE stream.
func (h *ChatHandler) writeSSEDone(w http.ResponseWriter, flusher http.Flusher, done SSEDoneData) {
	data, _ := json.Marshal(done)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}

// writeSSEError writes an error event to the SSE stream.
func (h *ChatHandler) writeSSEError(w http.ResponseWriter, flusher http.Flusher, e SSEErrorData) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
