package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/skillprobe/internal/assessment"
	"github.com/ashureev/skillprobe/internal/console"
)

var endCmd = &cobra.Command{
	Use:   "end [session-id]",
	Short: "End an unfinished assessment now",
	Long: `End an assessment early. Without a session id, the saved session for the
profile is ended. Partial conversations still produce a result.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnd,
}

func runEnd(cmd *cobra.Command, args []string) error {
	profile, err := profileFromFlags()
	if err != nil {
		return err
	}

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	bookmarks := console.NewBookmarks(e.repo, e.cfg.Client.Endpoint())

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	} else if sessionID, err = bookmarks.Lookup(ctx, profile.Key()); err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("no saved session for %q; pass a session id", profile.Key())
	}

	ev, err := e.dial()
	if err != nil {
		return fmt.Errorf("connect to evaluator: %w", err)
	}
	defer closeEvaluator(ctx, ev, e.logger)

	sess := assessment.New(ev, assessment.WithLogger(e.logger), assessment.WithOpeningTurn(false))
	defer sess.Close()

	switch status := sess.Initialize(ctx, profile, assessment.InitOptions{ResumeID: sessionID}); status {
	case assessment.StatusActive, assessment.StatusResumed:
	case assessment.StatusCooldown:
		endsAt, _ := sess.CooldownEndsAt()
		return fmt.Errorf("no open session: cooldown until %s", endsAt.Local().Format("2006-01-02 15:04"))
	default:
		return fmt.Errorf("session %s cannot be ended: %s", sessionID, sess.Error())
	}

	if !sess.EndAssessment(ctx) {
		return fmt.Errorf("end session %s: %s", sessionID, sess.Error())
	}
	if err := bookmarks.Forget(ctx, profile.Key()); err != nil {
		e.logger.Warn("Failed to delete bookmark", "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s ended.\n", sessionID)
	return nil
}
