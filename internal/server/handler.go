package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the evaluator over JSON HTTP with an SSE turn stream.
type Handler struct {
	svc         evaluator.Service
	logger      *slog.Logger
	maxBodySize int64
}

// NewHandler creates an HTTP handler for svc.
func NewHandler(svc evaluator.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger, maxBodySize: defaultMaxRequestBodySize}
}

// RegisterRoutes registers assessment routes. Callers mount identity middleware first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/assessment/sessions", h.HandleInitialize)
	r.Post("/api/assessment/sessions/{sessionID}/turns", h.HandleTurn)
	r.Post("/api/assessment/sessions/{sessionID}/terminate", h.HandleTerminate)
}

// HandleInitialize handles POST /api/assessment/sessions.
func (h *Handler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	var req evaluator.InitRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.svc.Initialize(r.Context(), req)
	if err != nil {
		h.fail(w, r, "initialize", err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// HandleTurn handles POST /api/assessment/sessions/{sessionID}/turns. Errors
// raised before the first chunk become HTTP statuses; later ones are sent as
// an error event.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req struct {
		Text string `json:"text"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	h.logger.Info("Assessment turn request",
		"user_id", identity.UserIDFromContext(r.Context()),
		"session_id", sessionID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Text),
	)

	started := false
	chunks := 0
	for chunk, err := range h.svc.SendTurn(r.Context(), sessionID, req.Text) {
		if err != nil {
			if !started {
				h.fail(w, r, "turn", err)
				return
			}
			h.logger.Warn("Turn stream failed", "session_id", sessionID, "chunks", chunks, "error", err)
			if writeErr := writeSSEJSON(w, string(evaluator.ChunkError), map[string]string{"error": err.Error()}); writeErr != nil {
				h.logger.Debug("failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}

		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeChunk(w, chunk); err != nil {
			h.logger.Debug("client went away mid-turn", "session_id", sessionID, "error", err)
			return
		}
		flusher.Flush()
		chunks++
		if chunk.Terminal() {
			return
		}
	}
}

// HandleTerminate handles POST /api/assessment/sessions/{sessionID}/terminate.
func (h *Handler) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.svc.Terminate(r.Context(), sessionID); err != nil {
		h.fail(w, r, "terminate", err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Assessment request failed", "op", op, "error", err, "request_id", chiMiddleware.GetReqID(r.Context()))
	} else {
		h.logger.Info("Assessment request rejected", "op", op, "status", status, "error", err)
	}
	Error(w, status, err.Error())
}

// statusFor maps evaluator sentinels onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, evaluator.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, evaluator.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, evaluator.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, evaluator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, evaluator.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeChunk(w io.Writer, c evaluator.Chunk) error {
	switch c.Kind {
	case evaluator.ChunkFragment:
		return writeSSEJSON(w, string(c.Kind), map[string]string{"text": c.Text})
	case evaluator.ChunkComplete:
		return writeSSEJSON(w, string(c.Kind), map[string]bool{"finished": c.Finished})
	default:
		return writeSSEJSON(w, string(evaluator.ChunkError), map[string]string{"error": c.Cause})
	}
}

func writeSSEJSON(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	return writeSSE(w, event, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
