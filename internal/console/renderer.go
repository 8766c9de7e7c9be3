// Package console renders an assessment session to a terminal and runs the
// interactive prompt loop around it.
package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ashureev/skillprobe/internal/assessment"
	"github.com/ashureev/skillprobe/internal/domain"
)

// Renderer prints session snapshots incrementally. It only tracks how much it
// has already written; the session remains the source of truth.
type Renderer struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	lastID  int64 // last fully printed message
	openID  int64 // message whose line is still open
	written int   // bytes of the open message already printed

	status assessment.Status
	err    string
}

// NewRenderer creates a renderer writing to out.
func NewRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out, now: time.Now, status: assessment.StatusUninitialized}
}

// Follow renders every snapshot from ch until it is closed.
func (r *Renderer) Follow(ch <-chan assessment.Snapshot) {
	for snap := range ch {
		r.Render(snap)
	}
}

// Render prints whatever snap adds to the output so far. Rendering the same
// snapshot twice prints nothing the second time.
func (r *Renderer) Render(snap assessment.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statusChanged := snap.Status != r.status
	r.status = snap.Status
	if statusChanged && snap.Status == assessment.StatusResumed {
		r.closeLine()
		r.printf("-- resuming session %s --\n", snap.SessionID)
	}

	r.renderMessages(snap.Messages)

	if statusChanged {
		switch snap.Status {
		case assessment.StatusCooldown:
			r.closeLine()
			r.printf("-- next assessment available %s --\n", r.describeCooldown(snap.CooldownEndsAt))
		case assessment.StatusComplete:
			r.closeLine()
			r.printf("-- assessment complete, thank you --\n")
		}
	}
	if snap.Error != r.err {
		r.err = snap.Error
		if snap.Error != "" {
			r.closeLine()
			r.printf("!! %s\n", snap.Error)
			if snap.Status == assessment.StatusErrored {
				r.printf("   type /retry to reconnect or /quit to leave\n")
			}
		}
	}
}

// Notice prints a line from the prompt loop.
func (r *Renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLine()
	r.printf(format+"\n", args...)
}

// Prompt prints the input prompt.
func (r *Renderer) Prompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLine()
	r.printf("> ")
}

func (r *Renderer) renderMessages(msgs []domain.Message) {
	for _, m := range msgs {
		if m.ID <= r.lastID {
			continue
		}
		if m.ID != r.openID {
			r.closeLine()
			r.printf("%s: ", speaker(m.Role))
			r.openID = m.ID
			r.written = 0
		}
		if len(m.Content) > r.written {
			r.printf("%s", m.Content[r.written:])
			r.written = len(m.Content)
		}
		if m.Streaming {
			return
		}
		r.closeLine()
	}
}

// closeLine ends the open message line, if any.
func (r *Renderer) closeLine() {
	if r.openID == 0 {
		return
	}
	r.printf("\n")
	r.lastID = r.openID
	r.openID = 0
	r.written = 0
}

func (r *Renderer) describeCooldown(endsAt time.Time) string {
	remaining := endsAt.Sub(r.now())
	if remaining <= 0 {
		return "now"
	}
	return fmt.Sprintf("in %s (%s)", remaining.Round(time.Minute), endsAt.Local().Format(time.RFC1123))
}

func (r *Renderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func speaker(role domain.Role) string {
	if role == domain.RoleUser {
		return "you"
	}
	return "bot"
}
