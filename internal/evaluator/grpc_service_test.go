package evaluator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/skillprobe/internal/domain"
)

func TestStatusMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err      error
		code     codes.Code
		sentinel error
	}{
		{fmt.Errorf("wrap: %w", ErrUnauthorized), codes.Unauthenticated, ErrUnauthorized},
		{ErrSessionNotFound, codes.NotFound, ErrSessionNotFound},
		{ErrSessionClosed, codes.FailedPrecondition, ErrSessionClosed},
		{ErrInvalidRequest, codes.InvalidArgument, ErrInvalidRequest},
		{ErrRateLimited, codes.ResourceExhausted, ErrRateLimited},
		{context.Canceled, codes.Canceled, context.Canceled},
		{context.DeadlineExceeded, codes.DeadlineExceeded, context.DeadlineExceeded},
		{errors.New("disk full"), codes.Internal, nil},
	}

	for _, tt := range tests {
		st := toStatus(tt.err)
		if got := status.Code(st); got != tt.code {
			t.Fatalf("toStatus(%v): expected %v, got %v", tt.err, tt.code, got)
		}
		if tt.sentinel == nil {
			continue
		}
		if back := fromStatus(st); !errors.Is(back, tt.sentinel) {
			t.Fatalf("fromStatus(%v) lost the sentinel: %v", st, back)
		}
	}

	existing := status.Error(codes.Unavailable, "down")
	if toStatus(existing) != existing {
		t.Fatal("expected existing status errors to pass through")
	}
	if fromStatus(existing) != existing {
		t.Fatal("expected unmapped codes to pass through")
	}
}

func TestInitRequestCodec(t *testing.T) {
	t.Parallel()
	req := InitRequest{
		Profile:     domain.Profile{"id": "ada", "years": float64(4)},
		FocusSkills: []string{"sql", "python"},
		ResumeID:    "s-1",
	}

	s, err := encodeInitRequest(req)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decodeInitRequest(s)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ResumeID != "s-1" || len(got.FocusSkills) != 2 || got.FocusSkills[1] != "python" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Profile["id"] != "ada" || got.Profile["years"] != float64(4) {
		t.Fatalf("unexpected profile %+v", got.Profile)
	}

	bad, _ := structpb.NewStruct(map[string]any{"focus_skills": []any{float64(1)}})
	if _, err := decodeInitRequest(bad); err == nil {
		t.Fatal("expected non-string focus skill to fail")
	}
}

func TestLookupResponseCodec(t *testing.T) {
	t.Parallel()
	endsAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := encodeLookupResponse(&LookupResponse{
		SessionID:      "s-1",
		CooldownEndsAt: &endsAt,
		PriorMessages:  []domain.PriorMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := decodeLookupResponse(s)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.SessionID != "s-1" || got.CooldownEndsAt == nil || !got.CooldownEndsAt.Equal(endsAt) {
		t.Fatalf("unexpected response %+v", got)
	}
	if len(got.PriorMessages) != 1 || got.PriorMessages[0].Role != domain.RoleUser {
		t.Fatalf("unexpected prior messages %+v", got.PriorMessages)
	}

	bad, _ := structpb.NewStruct(map[string]any{"cooldown_ends_at": "tomorrow"})
	if _, err := decodeLookupResponse(bad); err == nil {
		t.Fatal("expected bad timestamp to fail")
	}
}

func TestChunkCodec(t *testing.T) {
	t.Parallel()
	for _, c := range []Chunk{Fragment("hi"), Complete(true), Failure("boom")} {
		s, err := encodeChunk(c)
		if err != nil {
			t.Fatalf("encode %+v failed: %v", c, err)
		}
		got, err := decodeChunk(s)
		if err != nil || got != c {
			t.Fatalf("expected %+v, got %+v (%v)", c, got, err)
		}
	}

	if _, err := encodeChunk(Chunk{Kind: "weird"}); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected malformed chunk on encode, got %v", err)
	}
	unknown, _ := structpb.NewStruct(map[string]any{"type": "weird"})
	if _, err := decodeChunk(unknown); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected malformed chunk on decode, got %v", err)
	}
}

func TestFrameConversion(t *testing.T) {
	t.Parallel()
	for _, c := range []Chunk{Fragment("hi"), Complete(false), Failure("boom")} {
		got, ok, err := chunkFromFrame(FrameFromChunk(c))
		if err != nil || !ok || got != c {
			t.Fatalf("expected %+v, got %+v/%v (%v)", c, got, ok, err)
		}
	}
	if _, ok, err := chunkFromFrame(WSFrame{Type: "ping"}); ok || err != nil {
		t.Fatalf("expected ping to be skipped, got %v/%v", ok, err)
	}
	if _, _, err := chunkFromFrame(WSFrame{Type: "weird"}); !errors.Is(err, ErrMalformedChunk) {
		t.Fatalf("expected malformed chunk, got %v", err)
	}
}
