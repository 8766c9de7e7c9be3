package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newFakeEvaluator(t *testing.T, mux *http.ServeMux) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := NewHTTPClient(HTTPClientConfig{BaseURL: "ftp://example.com"}, nil); err == nil {
		t.Fatal("expected an error for a non-http scheme")
	}
}

func TestHTTPClientInitialize(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/assessment/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req InitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"session_id":"s-1","prior_messages":[{"role":"bot","content":"resumed %s"}]}`, req.ResumeID)
	})
	client := newFakeEvaluator(t, mux)

	resp, err := client.Initialize(context.Background(), InitRequest{ResumeID: "s-1"})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if resp.SessionID != "s-1" || len(resp.PriorMessages) != 1 || resp.PriorMessages[0].Content != "resumed s-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHTTPClientSendTurn(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/assessment/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: ping\ndata: {}\n\n")
		io.WriteString(w, "event: fragment\ndata: {\"text\":\"Hello \"}\n\n")
		io.WriteString(w, "event: fragment\ndata: {\"text\":\""+r.PathValue("id")+"\"}\n\n")
		io.WriteString(w, "event: complete\ndata: {\"finished\":true}\n\n")
	})
	client := newFakeEvaluator(t, mux)

	var text strings.Builder
	var last Chunk
	for chunk, err := range client.SendTurn(context.Background(), "s-1", "hi") {
		if err != nil {
			t.Fatalf("SendTurn failed: %v", err)
		}
		text.WriteString(chunk.Text)
		last = chunk
	}
	if text.String() != "Hello s-1" || last != Complete(true) {
		t.Fatalf("unexpected stream %q / %+v", text.String(), last)
	}
}

func TestHTTPClientSendTurnMalformed(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/assessment/sessions/{id}/turns", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "event: fragment\ndata: not-json\n\n")
	})
	client := newFakeEvaluator(t, mux)

	var gotErr error
	for _, err := range client.SendTurn(context.Background(), "s-1", "hi") {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, ErrMalformedChunk) {
		t.Fatalf("expected malformed chunk error, got %v", gotErr)
	}
}

func TestHTTPClientErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":"unauthorized"}`, ErrUnauthorized},
		{http.StatusNotFound, `{"error":"no such session"}`, ErrSessionNotFound},
		{http.StatusConflict, `plain text`, ErrSessionClosed},
		{http.StatusBadRequest, ``, ErrInvalidRequest},
		{http.StatusTooManyRequests, `{"error":"slow down"}`, ErrRateLimited},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			client := newFakeEvaluator(t, mux)

			if _, err := client.Initialize(context.Background(), InitRequest{}); !errors.Is(err, tt.want) {
				t.Fatalf("Initialize: expected %v, got %v", tt.want, err)
			}
			if err := client.Terminate(context.Background(), "s-1"); !errors.Is(err, tt.want) {
				t.Fatalf("Terminate: expected %v, got %v", tt.want, err)
			}
			for _, err := range client.SendTurn(context.Background(), "s-1", "hi") {
				if !errors.Is(err, tt.want) {
					t.Fatalf("SendTurn: expected %v, got %v", tt.want, err)
				}
			}
		})
	}
}

func TestHTTPClientServerError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database on fire", http.StatusInternalServerError)
	})
	client := newFakeEvaluator(t, mux)

	_, err := client.Initialize(context.Background(), InitRequest{})
	if err == nil || !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "database on fire") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestHTTPClientTerminateRequiresOK(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/assessment/sessions/{id}/terminate", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":false}`)
	})
	client := newFakeEvaluator(t, mux)

	if err := client.Terminate(context.Background(), "s-1"); err == nil {
		t.Fatal("expected ok=false to fail")
	}
}
