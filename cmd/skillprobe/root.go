package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/skillprobe/internal/config"
	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/store"
)

// Global flags
var (
	logLevel    string
	profileID   string
	profileName string
	profileMail string
	profileJSON string
)

var rootCmd = &cobra.Command{
	Use:   "skillprobe",
	Short: "Take a conversational skills assessment",
	Long: `skillprobe connects to an assessment evaluator and runs a streamed,
resumable interview in the terminal.

Run 'skillprobe start' to begin or resume an assessment.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err == nil {
			slog.Debug("Loaded .env file")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR), overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&profileID, "id", "", "Profile id")
	rootCmd.PersistentFlags().StringVar(&profileName, "name", "", "Profile name")
	rootCmd.PersistentFlags().StringVar(&profileMail, "email", "", "Profile email")
	rootCmd.PersistentFlags().StringVar(&profileJSON, "profile", "", "Full profile as a JSON object; --id/--name/--email override its fields")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(bookmarksCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// env bundles what every command needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	repo   store.Repository
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return nil, fmt.Errorf("invalid --log-level %q", logLevel)
		}
	}
	// stderr keeps logs out of the rendered conversation on stdout.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, repo: repo}, nil
}

func (e *env) close() {
	if err := e.repo.Close(); err != nil {
		e.logger.Warn("Failed to close local store", "error", err)
	}
}

// dial connects to the configured evaluator transport.
func (e *env) dial() (evaluator.Evaluator, error) {
	c := e.cfg.Client
	if c.Token == "" {
		return nil, fmt.Errorf("EVALUATOR_TOKEN is required")
	}
	var (
		ev  evaluator.Evaluator
		err error
	)
	switch c.Transport {
	case config.TransportGRPC:
		cfg := evaluator.DefaultGRPCClientConfig()
		cfg.Address = c.GRPCAddr
		cfg.Token = c.Token
		cfg.ConnectTimeout = c.ConnectTimeout
		cfg.RequestTimeout = c.RequestTimeout
		ev, err = evaluator.NewGRPCClient(cfg, e.logger)
	case config.TransportWebSocket:
		ev, err = evaluator.NewWebSocketClient(evaluator.HTTPClientConfig{
			BaseURL:        c.HTTPURL,
			Token:          c.Token,
			RequestTimeout: c.RequestTimeout,
		}, e.logger)
	default:
		ev, err = evaluator.NewHTTPClient(evaluator.HTTPClientConfig{
			BaseURL:        c.HTTPURL,
			Token:          c.Token,
			RequestTimeout: c.RequestTimeout,
		}, e.logger)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// profileFromFlags builds the profile handed to the evaluator.
func profileFromFlags() (domain.Profile, error) {
	profile := domain.Profile{}
	if strings.TrimSpace(profileJSON) != "" {
		if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
			return nil, fmt.Errorf("--profile must be a JSON object: %w", err)
		}
	}
	for key, value := range map[string]string{"id": profileID, "name": profileName, "email": profileMail} {
		if value != "" {
			profile[key] = value
		}
	}
	if profile.Key() == "" {
		return nil, fmt.Errorf("a profile needs an --id, --name, or --email")
	}
	return profile, nil
}

func closeEvaluator(ctx context.Context, ev evaluator.Evaluator, logger *slog.Logger) {
	if err := ev.Close(); err != nil && ctx.Err() == nil {
		logger.Warn("Failed to close evaluator client", "error", err)
	}
}
