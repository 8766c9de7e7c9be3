package assessment

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/skillprobe/internal/evaluator"
	"github.com/ashureev/skillprobe/internal/transcript"
)

// fakeEvaluator hands each opened turn to the test through turns so the test
// decides what the stream delivers and when.
type fakeEvaluator struct {
	mu           sync.Mutex
	initResp     *evaluator.LookupResponse
	initErr      error
	initGate     chan struct{}
	initReqs     []evaluator.InitRequest
	terminateErr error
	terminated   []string

	turns chan *fakeTurn
}

type fakeTurn struct {
	sessionID string
	text      string
	chunks    chan evaluator.Chunk
	errs      chan error
}

func newFakeEvaluator(resp *evaluator.LookupResponse) *fakeEvaluator {
	return &fakeEvaluator{
		initResp: resp,
		turns:    make(chan *fakeTurn, 8),
	}
}

func (f *fakeEvaluator) setInit(resp *evaluator.LookupResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initResp = resp
	f.initErr = err
}

func (f *fakeEvaluator) Initialize(ctx context.Context, req evaluator.InitRequest) (*evaluator.LookupResponse, error) {
	f.mu.Lock()
	f.initReqs = append(f.initReqs, req)
	gate := f.initGate
	resp, err := f.initResp, f.initErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

func (f *fakeEvaluator) SendTurn(ctx context.Context, sessionID, text string) iter.Seq2[evaluator.Chunk, error] {
	return func(yield func(evaluator.Chunk, error) bool) {
		ft := &fakeTurn{
			sessionID: sessionID,
			text:      text,
			chunks:    make(chan evaluator.Chunk, 16),
			errs:      make(chan error, 1),
		}
		f.turns <- ft
		for {
			select {
			case <-ctx.Done():
				yield(evaluator.Chunk{}, ctx.Err())
				return
			case err := <-ft.errs:
				yield(evaluator.Chunk{}, err)
				return
			case c, ok := <-ft.chunks:
				if !ok {
					return
				}
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

func (f *fakeEvaluator) Terminate(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sessionID)
	return f.terminateErr
}

func (f *fakeEvaluator) initRequests() []evaluator.InitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]evaluator.InitRequest(nil), f.initReqs...)
}

func (f *fakeEvaluator) terminatedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

func nextTurn(t *testing.T, f *fakeEvaluator) *fakeTurn {
	t.Helper()
	select {
	case ft := <-f.turns:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a turn stream to open")
		return nil
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

type recordingTranscript struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *recordingTranscript) Log(event transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingTranscript) Close() error { return nil }

func (r *recordingTranscript) byType(eventType string) []transcript.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transcript.Event
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
