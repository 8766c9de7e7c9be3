// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport names accepted by EVALUATOR_TRANSPORT.
const (
	TransportGRPC      = "grpc"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// Config holds all application configuration.
type Config struct {
	LogLevel        slog.Level
	DBPath          string
	Client          ClientConfig
	Server          ServerConfig
	ConversationLog ConversationLogConfig
}

// ClientConfig configures the assessment client and its evaluator transport.
type ClientConfig struct {
	Transport         string
	GRPCAddr          string
	HTTPURL           string
	Token             string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	OpeningTurn       bool
	StrictGuards      bool
}

// ServerConfig configures the dev evaluator.
type ServerConfig struct {
	Port           string
	GRPCPort       string
	AllowedOrigins []string
	Tokens         map[string]string
	AllowAnonymous bool
	MaxTurns       int
	Cooldown       time.Duration
	SessionIdleTTL time.Duration
	SweepInterval  time.Duration
	TypingSpeed    time.Duration
	ThinkPause     time.Duration
	RateLimit      RateLimitConfig
}

// RateLimitConfig bounds turn submissions per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		LogLevel: parseLevel(getEnv("LOG_LEVEL", "INFO")),
		DBPath:   getEnv("DB_PATH", "./data/skillprobe.db"),
		Client: ClientConfig{
			Transport:         strings.ToLower(getEnv("EVALUATOR_TRANSPORT", TransportGRPC)),
			GRPCAddr:          getEnv("EVALUATOR_GRPC_ADDR", "localhost:50061"),
			HTTPURL:           getEnv("EVALUATOR_HTTP_URL", "http://localhost:8080"),
			Token:             getEnv("EVALUATOR_TOKEN", ""),
			ConnectTimeout:    getEnvDuration("EVALUATOR_CONNECT_TIMEOUT", 5*time.Second),
			RequestTimeout:    getEnvDuration("EVALUATOR_REQUEST_TIMEOUT", 30*time.Second),
			StreamIdleTimeout: getEnvDuration("STREAM_IDLE_TIMEOUT", 45*time.Second),
			OpeningTurn:       getEnvBool("SESSION_OPENING_TURN", true),
			StrictGuards:      getEnvBool("STRICT_GUARDS", false),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			GRPCPort:       getEnv("GRPC_PORT", "50061"),
			AllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
			Tokens:         ParseTokens(getEnv("EVALUATOR_TOKENS", "")),
			AllowAnonymous: getEnvBool("EVALUATOR_ALLOW_ANONYMOUS", true),
			MaxTurns:       getEnvInt("ASSESSMENT_MAX_TURNS", 6),
			Cooldown:       getEnvDuration("ASSESSMENT_COOLDOWN", 24*time.Hour),
			SessionIdleTTL: getEnvDuration("SESSION_IDLE_TTL", 7*24*time.Hour),
			SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			TypingSpeed:    getEnvDuration("TYPING_SPEED", 40*time.Millisecond),
			ThinkPause:     getEnvDuration("THINK_PAUSE", 300*time.Millisecond),
			RateLimit: RateLimitConfig{
				RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
				WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			},
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Client.Transport {
	case TransportGRPC, TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("EVALUATOR_TRANSPORT must be grpc, http, or websocket (got %q)", c.Client.Transport)
	}
	if c.Client.Transport == TransportGRPC && c.Client.GRPCAddr == "" {
		return fmt.Errorf("EVALUATOR_GRPC_ADDR cannot be empty")
	}
	if c.Client.Transport != TransportGRPC && c.Client.HTTPURL == "" {
		return fmt.Errorf("EVALUATOR_HTTP_URL cannot be empty")
	}
	if c.Client.StreamIdleTimeout <= 0 {
		return fmt.Errorf("STREAM_IDLE_TIMEOUT must be > 0")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("EVALUATOR_REQUEST_TIMEOUT must be > 0")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Server.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.Server.MaxTurns <= 0 {
		return fmt.Errorf("ASSESSMENT_MAX_TURNS must be > 0")
	}
	if c.Server.Cooldown < 0 {
		return fmt.Errorf("ASSESSMENT_COOLDOWN cannot be negative")
	}
	if c.Server.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.Server.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Server.RateLimit.RequestsPerWindow <= 0 || c.Server.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// Endpoint identifies the configured evaluator, used to key client bookmarks.
func (c ClientConfig) Endpoint() string {
	if c.Transport == TransportGRPC {
		return "grpc://" + c.GRPCAddr
	}
	return strings.TrimRight(c.HTTPURL, "/")
}

// ParseTokens parses "token:user,token:user" pairs. Malformed entries are skipped.
func ParseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range splitList(raw) {
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			continue
		}
		tokens[token] = user
	}
	return tokens
}

func parseLevel(value string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
