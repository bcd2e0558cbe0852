package ledger

// Store is the relational system-of-record: proposals, quorum votes, storage
// digests, integrity incidents and the notification outbox. Decision copies
// are written through the Backend interface instead, so the relational store
// participates in the 2-of-3 durability bar like the other two backends.
type Store interface {
	WithTx(fn func(Tx) error) error

	PutProposal(rec ProposalRecord) error
	GetProposal(proposalID string) (ProposalRecord, bool)
	ListProposals(status string, limit int) ([]ProposalRecord, error)
	CountProposalsByStatus() (map[string]int, error)
	MarkProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error)

	GetDecisionByProposal(proposalID string) (DecisionEnvelope, bool)
	ListRecentDecisions(limit int) ([]DecisionEnvelope, error)
	MaxDecisionSeq() (int64, error)

	PutStorageDigest(rec StorageDigestRow) error
	ListStorageDigests(decisionID string) ([]StorageDigestRow, error)

	PutVote(rec VoteRow) error
	ListVotesByProposal(proposalID string) ([]VoteRow, error)

	PutIncident(rec IncidentRow) error
	GetIncidentByDecision(decisionID string) (IncidentRow, bool)
	ListIncidents(limit int) ([]IncidentRow, error)

	PutNotification(rec NotificationRecord) error
	GetNotification(notificationID string) (NotificationRecord, bool)
	ListNotificationsDue(now string, limit int) ([]NotificationRecord, error)
}

// Tx carries the write set used inside a single relational transaction.
type Tx interface {
	GetProposal(proposalID string) (ProposalRecord, bool)
	PutProposal(rec ProposalRecord) error
	MarkProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error)

	PutStorageDigest(rec StorageDigestRow) error
	PutVote(rec VoteRow) error
	PutIncident(rec IncidentRow) error
	PutNotification(rec NotificationRecord) error
}

type ProposalRecord struct {
	ProposalID           string
	Title                string
	Submitter            string
	Category             string
	Description          string
	ImpactAssessment     string
	SecurityImplications string
	ChangesJSON          []byte
	Status               string
	SubmittedAt          string
	Deadline             string
	DecidedAt            *string
	DecidedBy            *string
	DecisionID           *string
	Reason               *string
}

type StorageDigestRow struct {
	DecisionID string
	Backend    string
	Digest     string
	RecordedAt string
}

type VoteRow struct {
	VoteID      string
	ClusterID   string
	DecisionRef string
	ProposalID  string
	Vote        string
	Reason      string
	CastAt      string
	Sig         []byte
}

type IncidentRow struct {
	IncidentID string
	DecisionID string
	BackendA   string
	BackendB   string
	DigestA    string
	DigestB    string
	DetectedAt string
	Note       string
}

type NotificationRecord struct {
	NotificationID string
	Kind           string
	SubjectID      string
	PayloadJSON    []byte
	Status         string // pending | sent | dead
	AttemptCount   int
	NextAttemptAt  string
	LastError      *string
	SentAt         *string
	CreatedAt      string
	UpdatedAt      string
}
