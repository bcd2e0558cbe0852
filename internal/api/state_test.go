package api

import (
	"testing"
	"time"

	"github.com/dndnordic/triumvir/pkg/types"
)

func TestDetermineNextActionTerminalStates(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		status types.ProposalStatus
		action NextAction
	}{
		{types.ProposalApproved, ActionFetchDecision},
		{types.ProposalRejected, ActionFetchDecision},
	}

	for _, tc := range cases {
		got := DetermineNextAction(types.ProposalRecord{Status: tc.status}, now)
		if got != tc.action {
			t.Fatalf("status %s expected %s got %s", tc.status, tc.action, got)
		}
	}
}

func TestDetermineNextActionPending(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	rec := types.ProposalRecord{
		Status:   types.ProposalPending,
		Deadline: now.Add(24 * time.Hour).Format(time.RFC3339),
	}
	if got := DetermineNextAction(rec, now); got != ActionAwaitDecision {
		t.Fatalf("expected await_decision, got %s", got)
	}

	rec.Deadline = now.Add(-time.Hour).Format(time.RFC3339)
	if got := DetermineNextAction(rec, now); got != ActionEscalate {
		t.Fatalf("expected escalate past deadline, got %s", got)
	}

	rec.Deadline = ""
	if got := DetermineNextAction(rec, now); got != ActionAwaitDecision {
		t.Fatalf("expected await_decision without deadline, got %s", got)
	}

	rec.Deadline = "not-a-timestamp"
	if got := DetermineNextAction(rec, now); got != ActionAwaitDecision {
		t.Fatalf("expected await_decision on unparseable deadline, got %s", got)
	}
}

func TestSubmitIdempotencyKeyReplays(t *testing.T) {
	f := newAPIFixture(t)

	body := SubmitRequest{
		Title:       "rotate deploy key",
		Category:    types.CategoryCodeChange,
		Description: "quarterly rotation of the deploy credentials",
	}

	first := f.doWithHeaders(t, "POST", "/v1/proposals", "tok-singularity", body,
		map[string]string{"Idempotency-Key": "retry-1"})
	if first.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	var a ProposalResponse
	decodeBody(t, first, &a)

	second := f.doWithHeaders(t, "POST", "/v1/proposals", "tok-singularity", body,
		map[string]string{"Idempotency-Key": "retry-1"})
	if second.Code != 201 {
		t.Fatalf("expected 201 replay, got %d", second.Code)
	}
	var b ProposalResponse
	decodeBody(t, second, &b)

	if a.ProposalID != b.ProposalID {
		t.Fatalf("expected replayed proposal id, got %s vs %s", a.ProposalID, b.ProposalID)
	}

	third := f.doWithHeaders(t, "POST", "/v1/proposals", "tok-singularity", body,
		map[string]string{"Idempotency-Key": "retry-2"})
	var c ProposalResponse
	decodeBody(t, third, &c)
	if c.ProposalID == a.ProposalID {
		t.Fatalf("expected a fresh proposal for a new key")
	}
}
