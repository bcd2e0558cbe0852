package types

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal categories drive the capability table and quorum tier.
const (
	CategoryCodeChange         = "code-change"
	CategoryPolicyChange       = "policy-change"
	CategoryCredentialRotation = "credential-rotation"
	CategoryEmergency          = "emergency"
)

type FileChange struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"` // add | modify | delete
	Description string `json:"description,omitempty"`
}

type ProposalRecord struct {
	Schema               string         `json:"schema"`
	ProposalID           string         `json:"proposal_id"`
	Title                string         `json:"title"`
	Submitter            string         `json:"submitter"`
	Category             string         `json:"category"`
	Description          string         `json:"description"`
	ImpactAssessment     string         `json:"impact_assessment,omitempty"`
	SecurityImplications string         `json:"security_implications,omitempty"`
	Changes              []FileChange   `json:"changes,omitempty"`
	Status               ProposalStatus `json:"status"`
	SubmittedAt          string         `json:"submitted_at"`
	Deadline             string         `json:"deadline,omitempty"`
	DecidedAt            *string        `json:"decided_at,omitempty"`
	DecidedBy            *string        `json:"decided_by,omitempty"`
	Reason               *string        `json:"reason,omitempty"`
}
