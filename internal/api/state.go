package api

import (
	"time"

	"github.com/dndnordic/triumvir/pkg/types"
)

// NextAction tells a polling client what to do with a proposal.
type NextAction string

const (
	ActionAwaitDecision NextAction = "await_decision"
	ActionEscalate      NextAction = "escalate"
	ActionFetchDecision NextAction = "fetch_decision"
)

// DetermineNextAction maps proposal state to the caller's next step. A
// pending proposal past its deadline is still decidable; escalate means a
// human should chase the decision makers, not that the window closed.
func DetermineNextAction(rec types.ProposalRecord, now time.Time) NextAction {
	if rec.Status == types.ProposalApproved || rec.Status == types.ProposalRejected {
		return ActionFetchDecision
	}
	if rec.Deadline != "" {
		if deadline, err := time.Parse(time.RFC3339, rec.Deadline); err == nil && now.After(deadline) {
			return ActionEscalate
		}
	}
	return ActionAwaitDecision
}
