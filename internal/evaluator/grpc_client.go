package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCClient talks to the evaluator over gRPC.
type GRPCClient struct {
	conn           *grpc.ClientConn
	addr           string
	requestTimeout time.Duration
	logger         *slog.Logger
}

// GRPCClientConfig holds configuration for the gRPC client.
type GRPCClientConfig struct {
	Address          string
	Token            string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCClientConfig returns default configuration.
func DefaultGRPCClientConfig() GRPCClientConfig {
	return GRPCClientConfig{
		Address:          "localhost:50061",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// bearerToken attaches the opaque credential to every RPC.
type bearerToken string

func (t bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (bearerToken) RequireTransportSecurity() bool {
	return false
}

// NewGRPCClient connects to the evaluator and waits until the connection is ready.
// Extra dial options are appended after the defaults.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultGRPCClientConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	if cfg.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerToken(cfg.Token)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("evaluator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to evaluator", "transport", "grpc", "address", cfg.Address)

	return &GRPCClient{
		conn:           conn,
		addr:           cfg.Address,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close evaluator connection: %w", err)
	}
	return nil
}

// Initialize looks up or opens a session.
func (c *GRPCClient) Initialize(ctx context.Context, req InitRequest) (*LookupResponse, error) {
	in, err := encodeInitRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, initializeMethod, in, out); err != nil {
		return nil, fmt.Errorf("initialize failed: %w", fromStatus(err))
	}
	resp, err := decodeLookupResponse(out)
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	return resp, nil
}

// SendTurn opens a server stream for one turn.
func (c *GRPCClient) SendTurn(ctx context.Context, sessionID, text string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		in, err := structpb.NewStruct(map[string]any{"session_id": sessionID, "text": text})
		if err != nil {
			yield(Chunk{}, fmt.Errorf("encode turn request: %w", err))
			return
		}

		stream, err := c.conn.NewStream(ctx, &sendTurnStreamDesc, sendTurnMethod)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("turn request failed: %w", fromStatus(err)))
			return
		}
		if err := stream.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
			yield(Chunk{}, fmt.Errorf("turn request failed: %w", fromStatus(err)))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Chunk{}, fmt.Errorf("turn request failed: %w", fromStatus(err)))
			return
		}

		for {
			out := new(structpb.Struct)
			err := stream.RecvMsg(out)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, fmt.Errorf("turn stream error: %w", fromStatus(err)))
				return
			}

			chunk, err := decodeChunk(out)
			if err != nil {
				c.logger.Warn("Dropping turn stream after malformed chunk", "session_id", sessionID, "error", err)
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Terminate ends the session early.
func (c *GRPCClient) Terminate(ctx context.Context, sessionID string) error {
	in, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("encode terminate request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, terminateMethod, in, out); err != nil {
		return fmt.Errorf("terminate failed: %w", fromStatus(err))
	}
	if ok := out.GetFields()["ok"].GetBoolValue(); !ok {
		return fmt.Errorf("terminate failed: evaluator returned ok=false")
	}
	return nil
}
