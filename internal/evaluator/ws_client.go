package evaluator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const wsReadLimit = 1 << 20

// WSFrame is the JSON frame exchanged on the WebSocket turn endpoint.
type WSFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// WebSocketClient streams turns over a WebSocket and uses HTTP for the
// initialize and terminate calls.
type WebSocketClient struct {
	*HTTPClient
	turnsURL string
}

// NewWebSocketClient creates a WebSocket evaluator client.
func NewWebSocketClient(cfg HTTPClientConfig, logger *slog.Logger) (*WebSocketClient, error) {
	httpClient, err := NewHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	turnsURL := httpClient.baseURL + "/ws/turns"
	switch {
	case strings.HasPrefix(turnsURL, "https://"):
		turnsURL = "wss://" + strings.TrimPrefix(turnsURL, "https://")
	case strings.HasPrefix(turnsURL, "http://"):
		turnsURL = "ws://" + strings.TrimPrefix(turnsURL, "http://")
	}

	return &WebSocketClient{HTTPClient: httpClient, turnsURL: turnsURL}, nil
}

// SendTurn opens a WebSocket for one turn and yields frames until the server
// sends a terminal frame or closes the connection.
func (c *WebSocketClient) SendTurn(ctx context.Context, sessionID, text string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		conn, resp, err := websocket.Dial(ctx, c.turnsURL, &websocket.DialOptions{
			HTTPClient: c.stream,
			HTTPHeader: header,
		})
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 {
				yield(Chunk{}, fmt.Errorf("turn request failed: %w", errorFromResponse(resp)))
				return
			}
			yield(Chunk{}, fmt.Errorf("turn request failed: %w", err))
			return
		}
		defer func() {
			if closeErr := conn.Close(websocket.StatusNormalClosure, "turn finished"); closeErr != nil {
				c.logger.Debug("Failed to close turn websocket", "error", closeErr)
			}
		}()
		conn.SetReadLimit(wsReadLimit)

		if err := wsjson.Write(ctx, conn, WSFrame{Type: "turn", SessionID: sessionID, Content: text}); err != nil {
			yield(Chunk{}, fmt.Errorf("turn request failed: %w", err))
			return
		}

		for {
			var frame WSFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
					return
				}
				yield(Chunk{}, fmt.Errorf("turn stream error: %w", err))
				return
			}

			chunk, ok, err := chunkFromFrame(frame)
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func chunkFromFrame(frame WSFrame) (Chunk, bool, error) {
	switch frame.Type {
	case string(ChunkFragment):
		return Fragment(frame.Content), true, nil
	case string(ChunkComplete):
		return Complete(frame.Finished), true, nil
	case string(ChunkError):
		return Failure(frame.Error), true, nil
	case "ping":
		return Chunk{}, false, nil
	default:
		return Chunk{}, false, fmt.Errorf("%w: unknown frame type %q", ErrMalformedChunk, frame.Type)
	}
}

// FrameFromChunk converts a chunk into its WebSocket frame.
func FrameFromChunk(c Chunk) WSFrame {
	switch c.Kind {
	case ChunkFragment:
		return WSFrame{Type: string(c.Kind), Content: c.Text}
	case ChunkComplete:
		return WSFrame{Type: string(c.Kind), Finished: c.Finished}
	default:
		return WSFrame{Type: string(ChunkError), Error: c.Cause}
	}
}
