package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	strict := NewAuthenticator(map[string]string{"secret": "ada"}, false)
	if user, err := strict.Authenticate("secret"); err != nil || user != "ada" {
		t.Fatalf("expected ada, got %q (%v)", user, err)
	}
	if _, err := strict.Authenticate("other"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	open := NewAuthenticator(nil, true)
	a1, err := open.Authenticate("token-a")
	if err != nil || !strings.HasPrefix(a1, "anon_") {
		t.Fatalf("expected anonymous id, got %q (%v)", a1, err)
	}
	a2, _ := open.Authenticate("token-a")
	if a1 != a2 {
		t.Fatalf("expected stable anonymous id, got %q and %q", a1, a2)
	}
	if _, err := open.Authenticate("  "); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected blank token rejected, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"abc":          "",
		"":             "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(map[string]string{"secret": "ada"}, false)
	var seen string
	h := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || seen != "ada" {
		t.Fatalf("expected 204 for ada, got %d for %q", w.Code, seen)
	}

	seen = ""
	req = httptest.NewRequest(http.MethodGet, "/ws?access_token=secret", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "ada" {
		t.Fatalf("expected query token to authenticate, got %q", seen)
	}
}

func TestUnaryInterceptor(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(map[string]string{"secret": "ada"}, false)
	interceptor := auth.UnaryInterceptor()
	handler := func(ctx context.Context, _ any) (any, error) {
		return UserIDFromContext(ctx), nil
	}

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer secret"))
	got, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler)
	if err != nil || got != "ada" {
		t.Fatalf("expected ada, got %v (%v)", got, err)
	}
}

type stubStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s stubStream) Context() context.Context { return s.ctx }

func TestStreamInterceptor(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator(map[string]string{"secret": "ada"}, false)
	interceptor := auth.StreamInterceptor()

	var seen string
	handler := func(_ any, ss grpc.ServerStream) error {
		seen = UserIDFromContext(ss.Context())
		return nil
	}

	err := interceptor(nil, stubStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer secret"))
	if err := interceptor(nil, stubStream{ctx: ctx}, &grpc.StreamServerInfo{}, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "ada" {
		t.Fatalf("expected ada, got %q", seen)
	}
}
