package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/identity"
)

// WebSocketHandler streams one turn per connection.
type WebSocketHandler struct {
	svc            evaluator.Service
	originPatterns []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a WebSocket turn handler.
func NewWebSocketHandler(svc evaluator.Service, originPatterns []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{svc: svc, originPatterns: originPatterns, logger: logger}
}

// ServeHTTP upgrades the connection, reads the turn frame, and relays the reply.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)

	var req evaluator.WSFrame
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		h.logger.Debug("WebSocket read failed", "user_id", userID, "error", err)
		return
	}
	if req.Type != "turn" || req.SessionID == "" {
		h.send(ctx, conn, evaluator.Failure("expected a turn frame with a session_id"))
		_ = conn.Close(websocket.StatusPolicyViolation, "bad request")
		return
	}

	h.logger.Info("Assessment turn request", "user_id", userID, "session_id", req.SessionID, "transport", "websocket")

	for chunk, err := range h.svc.SendTurn(ctx, req.SessionID, req.Content) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Info("Turn rejected", "session_id", req.SessionID, "error", err)
			chunk = evaluator.Failure(err.Error())
		}
		if !h.send(ctx, conn, chunk) {
			return
		}
		if chunk.Terminal() {
			break
		}
	}

	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		h.logger.Debug("WebSocket close failed", "session_id", req.SessionID, "error", err)
	}
}

func (h *WebSocketHandler) send(ctx context.Context, conn *websocket.Conn, chunk evaluator.Chunk) bool {
	if err := wsjson.Write(ctx, conn, evaluator.FrameFromChunk(chunk)); err != nil {
		h.logger.Debug("WebSocket write failed", "error", err)
		return false
	}
	return true
}
