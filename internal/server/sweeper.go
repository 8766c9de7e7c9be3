package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/store"
)

// Sweeper abandons idle in-progress sessions and prunes expired cooldowns.
type Sweeper struct {
	repo     store.Repository
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(repo store.Repository, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, ttl: ttl, interval: interval, logger: logger, now: time.Now}
}

// Start runs the sweeper in the background until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Session sweeper started", "interval", s.interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass and returns how many sessions were abandoned.
func (s *Sweeper) Sweep(ctx context.Context) int {
	idle, err := s.repo.GetIdleSessions(ctx, s.ttl)
	if err != nil {
		s.logger.Error("Sweeper failed to get idle sessions", "error", err)
		return 0
	}

	abandoned := 0
	for _, session := range idle {
		var changed bool
		err := store.WithRetry(ctx, "abandon_session", func() error {
			var err error
			changed, err = s.repo.SetSessionState(ctx, session.ID, domain.SessionAbandoned)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("Sweeper canceled, cleanup may be incomplete", "session_id", session.ID)
				return abandoned
			}
			s.logger.Warn("Sweeper failed to abandon session after retries",
				"error", err,
				"session_id", session.ID,
				"user_id", session.UserID,
			)
			continue
		}
		if changed {
			abandoned++
			s.logger.Info("Sweeper abandoned idle session",
				"session_id", session.ID,
				"user_id", session.UserID,
				"idle_since", session.UpdatedAt,
			)
		}
	}

	var pruned int64
	if err := store.WithRetry(ctx, "prune_cooldowns", func() error {
		var err error
		pruned, err = s.repo.PruneCooldowns(ctx, s.now())
		return err
	}); err != nil {
		s.logger.Error("Sweeper failed to prune cooldowns", "error", err)
	} else if pruned > 0 {
		s.logger.Info("Sweeper pruned expired cooldowns", "count", pruned)
	}

	return abandoned
}
