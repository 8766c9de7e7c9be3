package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/ashureev/skillprobe/internal/assessment"
	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
)

const helpText = `commands:
  /end    finish the assessment now
  /retry  reconnect after an error
  /quit   leave; the session can be resumed later
  /help   show this help`

// Config describes one interactive run.
type Config struct {
	Profile domain.Profile
	Init    assessment.InitOptions
	// Bookmarks is optional. When set, a bookmarked session is resumed if
	// Init.ResumeID is empty, and the bookmark follows the session's lifecycle.
	Bookmarks *Bookmarks
	In        io.Reader
	Out       io.Writer
	Logger    *slog.Logger
}

type runner struct {
	ctx       context.Context
	sess      *assessment.Session
	cfg       Config
	key       string
	renderer  *Renderer
	logger    *slog.Logger
	bookmarks *Bookmarks
}

// Run initializes sess and drives it from cfg.In until the assessment ends,
// the user quits, the input is exhausted, or ctx is done. It returns the final
// status. The caller still owns sess and must Close it.
func Run(ctx context.Context, sess *assessment.Session, cfg Config) (assessment.Status, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &runner{
		ctx:       ctx,
		sess:      sess,
		cfg:       cfg,
		key:       cfg.Profile.Key(),
		renderer:  NewRenderer(cfg.Out),
		logger:    logger,
		bookmarks: cfg.Bookmarks,
	}

	snaps, unsubscribe := sess.Subscribe()
	followed := make(chan struct{})
	go func() {
		defer close(followed)
		r.renderer.Follow(snaps)
	}()
	defer func() {
		r.renderer.Render(sess.Snapshot())
		unsubscribe()
		<-followed
	}()

	status := r.initialize()
	if done(status) {
		return status, nil
	}

	lines := readLines(cfg.In)
	for {
		r.renderer.Prompt()
		var (
			line string
			ok   bool
		)
		select {
		case <-ctx.Done():
			return sess.Status(), ctx.Err()
		case line, ok = <-lines:
		}
		if !ok {
			return sess.Status(), nil
		}

		status, quit := r.handle(strings.TrimSpace(line))
		if quit || done(status) {
			return status, nil
		}
	}
}

// handle runs one input line and reports the resulting status and whether the user quit.
func (r *runner) handle(line string) (assessment.Status, bool) {
	switch line {
	case "":
		return r.sess.Status(), false
	case "/quit":
		if id := r.sess.SessionID(); id != "" && r.sess.Status().Accepting() {
			r.renderer.Notice("-- session %s saved, run start again to resume --", id)
		}
		return r.sess.Status(), true
	case "/help":
		r.renderer.Notice("%s", helpText)
		return r.sess.Status(), false
	case "/retry":
		return r.retry(), false
	case "/end":
		if !r.sess.EndAssessment(r.ctx) {
			if msg := r.sess.Error(); msg == "" {
				r.renderer.Notice("-- nothing to end --")
			}
			r.settle()
			return r.sess.Status(), false
		}
		r.forget()
		r.settle()
		return r.sess.Status(), false
	}

	if strings.HasPrefix(line, "/") {
		r.renderer.Notice("unknown command %q, type /help", line)
		return r.sess.Status(), false
	}
	if !r.sess.SendMessage(line) {
		r.renderer.Notice("-- not sent: the session is %s --", r.sess.Status())
		return r.sess.Status(), false
	}
	r.settle()
	status := r.sess.Status()
	if status == assessment.StatusComplete {
		r.forget()
	}
	return status, false
}

// initialize resolves the session, falling back to a fresh one when a
// bookmarked session is gone.
func (r *runner) initialize() assessment.Status {
	opts := r.cfg.Init
	fromBookmark := false
	if opts.ResumeID == "" && r.bookmarks != nil {
		id, err := r.bookmarks.Lookup(r.ctx, r.key)
		if err != nil {
			r.logger.Warn("Failed to read bookmark", "profile", r.key, "error", err)
		}
		if id != "" {
			opts.ResumeID = id
			fromBookmark = true
		}
	}

	status := r.sess.Initialize(r.ctx, r.cfg.Profile, opts)
	if status == assessment.StatusErrored && fromBookmark && staleSession(r.sess.Err()) {
		r.logger.Info("Bookmarked session is gone, starting a new one", "session_id", opts.ResumeID)
		r.forget()
		r.renderer.Render(r.sess.Snapshot())
		r.renderer.Notice("-- saved session %s is no longer available, starting a new one --", opts.ResumeID)
		opts.ResumeID = ""
		status = r.sess.Initialize(r.ctx, r.cfg.Profile, opts)
	}
	r.settle()
	return r.afterInit(status)
}

func (r *runner) retry() assessment.Status {
	switch r.sess.Status() {
	case assessment.StatusErrored, assessment.StatusCooldown:
	default:
		r.renderer.Notice("-- nothing to retry --")
		return r.sess.Status()
	}
	opts := r.cfg.Init
	opts.ResumeID = ""
	r.sess.Initialize(r.ctx, r.cfg.Profile, opts)
	r.settle()
	return r.afterInit(r.sess.Status())
}

func (r *runner) afterInit(status assessment.Status) assessment.Status {
	if status.Accepting() && r.bookmarks != nil {
		if err := r.bookmarks.Save(r.ctx, r.key, r.sess.SessionID()); err != nil {
			r.logger.Warn("Failed to save bookmark", "session_id", r.sess.SessionID(), "error", err)
		}
	}
	if status == assessment.StatusComplete {
		r.forget()
	}
	return status
}

// settle waits for any in-flight reply and renders the final state.
func (r *runner) settle() {
	if err := r.sess.WaitIdle(r.ctx); err != nil {
		return
	}
	r.renderer.Render(r.sess.Snapshot())
}

func (r *runner) forget() {
	if r.bookmarks == nil {
		return
	}
	if err := r.bookmarks.Forget(r.ctx, r.key); err != nil {
		r.logger.Warn("Failed to delete bookmark", "profile", r.key, "error", err)
	}
}

func done(status assessment.Status) bool {
	return status == assessment.StatusComplete || status == assessment.StatusCooldown
}

func staleSession(err error) bool {
	return errors.Is(err, evaluator.ErrSessionNotFound) || errors.Is(err, evaluator.ErrSessionClosed)
}

// readLines delivers input lines until EOF. The reader goroutine outlives Run
// when the input never ends.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
