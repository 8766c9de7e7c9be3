package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashureev/skillprobe/internal/assessment"
	"github.com/ashureev/skillprobe/internal/console"
	"github.com/ashureev/skillprobe/internal/transcript"
)

var (
	startSkills []string
	startResume string
	startFresh  bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start or resume an assessment",
	Long: `Start an assessment, or resume the last unfinished one for this profile.

Examples:
  skillprobe start --name Ada
  skillprobe start --email ada@example.com --skill sql --skill spreadsheets
  skillprobe start --name Ada --resume 5f0c...   # resume a specific session
  skillprobe start --name Ada --fresh            # ignore the saved session`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringArrayVarP(&startSkills, "skill", "s", nil, "Skill to focus on (repeatable)")
	startCmd.Flags().StringVar(&startResume, "resume", "", "Session id to resume")
	startCmd.Flags().BoolVar(&startFresh, "fresh", false, "Do not resume the saved session")
}

func runStart(cmd *cobra.Command, args []string) error {
	profile, err := profileFromFlags()
	if err != nil {
		return err
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ev, err := e.dial()
	if err != nil {
		return fmt.Errorf("connect to evaluator: %w", err)
	}
	defer closeEvaluator(ctx, ev, e.logger)

	conversationLog, err := transcript.New(transcript.Config{
		Enabled:       e.cfg.ConversationLog.Enabled,
		Dir:           e.cfg.ConversationLog.Dir,
		GlobalEnabled: e.cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    e.cfg.ConversationLog.GlobalPath,
		QueueSize:     e.cfg.ConversationLog.QueueSize,
	}, e.logger)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer func() {
		if closeErr := conversationLog.Close(); closeErr != nil {
			e.logger.Warn("Failed to close conversation log", "error", closeErr)
		}
	}()

	sess := assessment.New(ev,
		assessment.WithLogger(e.logger),
		assessment.WithIdleTimeout(e.cfg.Client.StreamIdleTimeout),
		assessment.WithOpeningTurn(e.cfg.Client.OpeningTurn),
		assessment.WithStrictGuards(e.cfg.Client.StrictGuards),
		assessment.WithTranscript(conversationLog, profile.Key()),
	)
	defer sess.Close()

	runCfg := console.Config{
		Profile: profile,
		Init:    assessment.InitOptions{FocusSkills: startSkills, ResumeID: startResume},
		In:      cmd.InOrStdin(),
		Out:     cmd.OutOrStdout(),
		Logger:  e.logger,
	}
	if !startFresh {
		runCfg.Bookmarks = console.NewBookmarks(e.repo, e.cfg.Client.Endpoint())
	}

	status, err := console.Run(ctx, sess, runCfg)
	if errors.Is(err, context.Canceled) {
		// Interrupted: the bookmark stays so the next start resumes.
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Debug("Assessment run finished", "status", status, "session_id", sess.SessionID())
	return nil
}
