package assessment

import (
	"testing"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
	"github.com/ashureev/skillprobe/internal/evaluator"
)

func TestResolve(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	prior := []domain.PriorMessage{{Role: domain.RoleUser, Content: "Hi"}}

	tests := []struct {
		name   string
		resp   *evaluator.LookupResponse
		status Status
	}{
		{"nil response", nil, StatusErrored},
		{"empty response", &evaluator.LookupResponse{}, StatusErrored},
		{"fresh session", &evaluator.LookupResponse{SessionID: "42"}, StatusActive},
		{"resumed session", &evaluator.LookupResponse{SessionID: "42", PriorMessages: prior}, StatusResumed},
		{"cooldown wins over resume", &evaluator.LookupResponse{SessionID: "42", PriorMessages: prior, CooldownEndsAt: &future}, StatusCooldown},
		{"cooldown without session", &evaluator.LookupResponse{CooldownEndsAt: &future}, StatusCooldown},
		{"expired cooldown ignored", &evaluator.LookupResponse{SessionID: "42", CooldownEndsAt: &past}, StatusActive},
		{"expired cooldown without session", &evaluator.LookupResponse{CooldownEndsAt: &past}, StatusErrored},
		{"prior messages without session", &evaluator.LookupResponse{PriorMessages: prior}, StatusErrored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Resolve(tt.resp, now)
			if res.Status != tt.status {
				t.Fatalf("expected %s, got %s (reason %q)", tt.status, res.Status, res.Reason)
			}
			if res.Status == StatusErrored && res.Reason == "" {
				t.Fatal("expected a reason for errored resolution")
			}
			if res.Status == StatusCooldown && !res.CooldownEndsAt.Equal(future) {
				t.Fatalf("expected cooldown end %v, got %v", future, res.CooldownEndsAt)
			}
		})
	}
}
