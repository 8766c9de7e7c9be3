// Package identity maps evaluator bearer tokens to user identities.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ErrUnauthenticated is returned for a missing or unknown token.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

const (
	authorizationHeader = "Authorization"
	authorizationMD     = "authorization"
	tokenQueryParam     = "access_token"
)

type contextKey int

const userIDKey contextKey = iota

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Authenticator resolves bearer tokens to user IDs.
type Authenticator struct {
	tokens         map[string]string
	allowAnonymous bool
}

// NewAuthenticator creates an authenticator from a token -> user ID table.
// With allowAnonymous, unknown non-empty tokens map to a stable derived ID.
func NewAuthenticator(tokens map[string]string, allowAnonymous bool) *Authenticator {
	table := make(map[string]string, len(tokens))
	for token, user := range tokens {
		table[token] = user
	}
	return &Authenticator{tokens: table, allowAnonymous: allowAnonymous}
}

// Authenticate returns the user ID for token.
func (a *Authenticator) Authenticate(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	if user, ok := a.tokens[token]; ok {
		return user, nil
	}
	if a.allowAnonymous {
		return anonymousID(token), nil
	}
	return "", ErrUnauthenticated
}

func anonymousID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "anon_" + hex.EncodeToString(sum[:16])
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func tokenFromRequest(r *http.Request) string {
	if token := BearerToken(r.Header.Get(authorizationHeader)); token != "" {
		return token
	}
	return r.URL.Query().Get(tokenQueryParam)
}

// Middleware rejects requests without a valid bearer token and stores the
// user ID in the request context.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(tokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func (a *Authenticator) authenticateMetadata(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if values := md.Get(authorizationMD); len(values) > 0 {
		token = BearerToken(values[0])
	}
	userID, err := a.Authenticate(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
	}
	return WithUserID(ctx, userID), nil
}

// UnaryInterceptor authenticates unary gRPC calls.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.authenticateMetadata(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor authenticates streaming gRPC calls.
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.authenticateMetadata(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
