package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/identity"
	"github.com/ashureev/skillprobe/internal/middleware"
)

// NewGRPCServer returns a gRPC server exposing svc behind bearer authentication.
func NewGRPCServer(svc evaluator.Service, auth *identity.Authenticator, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor()),
		// Clients ping every two minutes while idle.
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: time.Minute}),
	}, opts...)
	s := grpc.NewServer(opts...)
	evaluator.RegisterGRPC(s, svc)
	return s
}

// NewRouter builds the HTTP router for the JSON, SSE, and WebSocket endpoints.
func NewRouter(svc evaluator.Service, auth *identity.Authenticator, allowedOrigins []string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware())
		NewHandler(svc, logger).RegisterRoutes(r)
		r.Get("/ws/turns", NewWebSocketHandler(svc, allowedOrigins, logger).ServeHTTP)
	})

	return r
}
