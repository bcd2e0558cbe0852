package types

type DecisionKind string

const (
	DecisionApprove           DecisionKind = "approve"
	DecisionReject            DecisionKind = "reject"
	DecisionEmergencyOverride DecisionKind = "emergency-override"
)

// GovernanceDecision is the immutable outcome record written to all three
// backends. PayloadDigest covers the canonical body; ProofRef is the digest
// of the consumed one-time proof, never the proof itself.
type GovernanceDecision struct {
	Schema        string       `json:"schema"`
	DecisionID    string       `json:"decision_id"`
	Seq           int64        `json:"seq"`
	Kind          DecisionKind `json:"kind"`
	ProposalID    string       `json:"proposal_id"`
	Actor         string       `json:"actor"`
	ProofRef      string       `json:"proof_ref"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     string       `json:"created_at"`
	PayloadDigest string       `json:"payload_digest"`
}

// Backend names used in StorageDigest rows and health reports.
const (
	BackendVault      = "vault"
	BackendStream     = "stream"
	BackendRelational = "relational"
)

type StorageDigest struct {
	DecisionID string `json:"decision_id"`
	Backend    string `json:"backend"`
	Digest     string `json:"digest"`
	RecordedAt string `json:"recorded_at"`
}
