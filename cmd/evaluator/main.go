// skillprobe dev evaluator: a scripted assessment interviewer served over
// gRPC, HTTP with server-sent events, and WebSocket.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/skillprobe/internal/config"
	"github.com/ashureev/skillprobe/internal/identity"
	"github.com/ashureev/skillprobe/internal/server"
	"github.com/ashureev/skillprobe/internal/store"
	"github.com/ashureev/skillprobe/internal/transcript"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting evaluator", "port", cfg.Server.Port, "grpc_port", cfg.Server.GRPCPort, "max_turns", cfg.Server.MaxTurns)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	conversationLog, err := transcript.New(transcript.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	engine := server.NewEngine(repo, server.EngineConfig{
		MaxTurns:    cfg.Server.MaxTurns,
		Cooldown:    cfg.Server.Cooldown,
		TypingSpeed: cfg.Server.TypingSpeed,
		ThinkPause:  cfg.Server.ThinkPause,
		RateLimit:   cfg.Server.RateLimit.RequestsPerWindow,
		RateWindow:  cfg.Server.RateLimit.WindowDuration,
	}, conversationLog, logger)
	defer engine.Close()

	if len(cfg.Server.Tokens) == 0 && !cfg.Server.AllowAnonymous {
		slog.Error("No EVALUATOR_TOKENS configured and anonymous access is disabled")
		os.Exit(1)
	}
	auth := identity.NewAuthenticator(cfg.Server.Tokens, cfg.Server.AllowAnonymous)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.NewSweeper(repo, cfg.Server.SessionIdleTTL, cfg.Server.SweepInterval, logger).Start(ctx)

	grpcServer := server.NewGRPCServer(engine, auth)
	lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "port", cfg.Server.GRPCPort, "error", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server failed", "error", err)
			stop()
		}
	}()

	// SSE turns stream for as long as the reply takes, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.NewRouter(engine, auth, cfg.Server.AllowedOrigins, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced to shutdown", "error", err)
	}
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	slog.Info("Evaluator stopped")
}
