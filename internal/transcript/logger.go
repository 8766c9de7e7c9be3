// Package transcript writes assessment conversations as NDJSON for audit and debugging.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Event is one logged conversation entry.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records conversation events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls NDJSON conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

// fileLogger drains a bounded queue on a single goroutine so callers never block on disk.
type fileLogger struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	global  *os.File
	dropped int
}

// New creates a transcript logger. A disabled config yields a no-op logger.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript dir cannot be empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// Log enqueues an event. When the queue is full the event is dropped and counted.
func (l *fileLogger) Log(event Event) {
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = CleanForReadability(event.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.dropped++
		l.logger.Warn("Transcript queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType,
			"dropped_total", l.dropped,
		)
	}
}

// Close flushes queued events and closes files.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			return fmt.Errorf("close global transcript: %w", err)
		}
	}
	return nil
}

func (l *fileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to marshal transcript event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.appendSessionLine(event, line); err != nil {
			l.logger.Warn("Failed to write transcript event", "error", err, "session_id", event.SessionID)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global transcript event", "error", err)
			}
		}
	}
}

func (l *fileLogger) appendSessionLine(event Event, line []byte) error {
	dir := filepath.Join(l.cfg.Dir, safePathComponent(event.UserID, "anonymous"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, safePathComponent(event.SessionID, "pending")+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

func safePathComponent(value, fallback string) string {
	value = unsafePathChars.ReplaceAllString(strings.TrimSpace(value), "_")
	value = strings.Trim(value, ".")
	if value == "" {
		return fallback
	}
	return value
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

// CleanForReadability strips ANSI sequences and control characters.
func CleanForReadability(raw string) string {
	clean := ansiPattern.ReplaceAllString(raw, "")
	clean = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, clean)
	return strings.TrimSpace(clean)
}
