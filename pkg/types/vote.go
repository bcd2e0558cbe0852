package types

type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteVeto    VoteChoice = "veto"
)

// QuorumVote is one cluster's signed answer to a ballot. DecisionRef is the
// digest of the canonical ballot body, so every vote in a round names the
// same operation.
type QuorumVote struct {
	VoteID      string     `json:"vote_id"`
	ClusterID   string     `json:"cluster_id"`
	DecisionRef string     `json:"decision_ref"`
	ProposalID  string     `json:"proposal_id"`
	Vote        VoteChoice `json:"vote"`
	Reason      string     `json:"reason,omitempty"`
	CastAt      string     `json:"cast_at"`
	Sig         []byte     `json:"sig"`
}

// IntegrityIncident records two backends disagreeing about a committed
// decision. Incidents are never resolved automatically.
type IntegrityIncident struct {
	IncidentID string    `json:"incident_id"`
	DecisionID string    `json:"decision_id"`
	Backends   [2]string `json:"backends"`
	Digests    [2]string `json:"digests"`
	DetectedAt string    `json:"detected_at"`
	Note       string    `json:"note,omitempty"`
}
