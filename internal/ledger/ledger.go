package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/auth"
	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/policy"
	"github.com/dndnordic/triumvir/pkg/types"
)

const (
	statusPending  = "pending"
	statusApproved = "approved"
	statusRejected = "rejected"
)

// Notification kinds written to the outbox.
const (
	NotifyProposalSubmitted = "proposal-submitted"
	NotifyDecisionCommitted = "decision-committed"
	NotifyIntegrityIncident = "integrity-incident"
	NotifyLockdown          = "lockdown"
	NotifyLockdownCleared   = "lockdown-cleared"
)

// Gate is the hardware-auth boundary: it answers whether a one-time proof is
// valid for an actor. Token cryptography lives behind this interface.
type Gate interface {
	Verify(actor, proof string) auth.ProofResult
}

// QuorumDecider runs a 2-of-3 cluster vote for a gated operation. A failed
// round returns ErrQuorumUnavailable; a passed round with a blocking veto
// reports Committed=false.
type QuorumDecider interface {
	Decide(ctx context.Context, req QuorumRequest) (QuorumResult, error)
}

type QuorumRequest struct {
	ProposalID string
	Category   string
	Kind       string
	Actor      string
	Tier       policy.Tier
}

type QuorumResult struct {
	Committed   bool
	DecisionRef string
	Respondents int
	Approvals   int
	Vetoes      int
}

// LockdownState reports whether the cluster is degraded. While locked, the
// ledger serves reads only.
type LockdownState interface {
	Locked() bool
}

// VerifyScheduler accepts opportunistic post-write check requests. It must
// never block the caller.
type VerifyScheduler interface {
	CheckSoon(decisionID string)
}

// AuditEvent is one entry of a record's append-only audit trail.
type AuditEvent struct {
	Type       string
	Payload    []byte
	Digest     string
	RecordedAt string
}

// AuditLog receives proposal lifecycle events. Appends are best-effort:
// the write path never fails on an audit error.
type AuditLog interface {
	AppendAudit(ctx context.Context, stream string, events []AuditEvent) error
}

type Params struct {
	Store     Store
	Triple    *TripleStore
	Signer    Signer
	Gate      Gate
	Table     *policy.Table
	Quorum    QuorumDecider
	Lockdown  LockdownState
	Scheduler VerifyScheduler
	Audit     AuditLog
	ClusterID string

	// ApprovalTimeout sets how long a submitted proposal stays actionable
	// before its deadline; informational, surfaced via the API.
	ApprovalTimeout time.Duration

	Logger *zap.Logger
}

// Ledger is the single-writer abstraction over the three stores: it owns the
// proposal state machine and sequences the two-phase decision write.
type Ledger struct {
	store     Store
	triple    *TripleStore
	seq       *Sequence
	signer    Signer
	gate      Gate
	table     *policy.Table
	quorum    QuorumDecider
	lockdown  LockdownState
	scheduler VerifyScheduler
	audit     AuditLog
	clusterID string
	deadline  time.Duration
	logger    *zap.Logger

	locks sync.Map // proposal id -> *sync.Mutex
}

func New(p Params) (*Ledger, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if p.Triple == nil {
		return nil, fmt.Errorf("missing triple store")
	}
	if p.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	if p.Gate == nil {
		return nil, fmt.Errorf("missing hardware-auth gate")
	}
	if p.Table == nil {
		return nil, fmt.Errorf("missing capability table")
	}
	if p.ApprovalTimeout <= 0 {
		p.ApprovalTimeout = 48 * time.Hour
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	last, err := p.Store.MaxDecisionSeq()
	if err != nil {
		return nil, fmt.Errorf("seed decision sequence: %w", err)
	}
	// A decision can be durable on the other backends while the relational
	// copy is still missing. Walk past the relational high-water mark so a
	// restart never re-mints an id the vault or stream already holds.
	last = maxDurableSeq(p.Triple, last)

	return &Ledger{
		store:     p.Store,
		triple:    p.Triple,
		seq:       NewSequence(last),
		signer:    p.Signer,
		gate:      p.Gate,
		table:     p.Table,
		quorum:    p.Quorum,
		lockdown:  p.Lockdown,
		scheduler: p.Scheduler,
		audit:     p.Audit,
		clusterID: p.ClusterID,
		deadline:  p.ApprovalTimeout,
		logger:    p.Logger,
	}, nil
}

func maxDurableSeq(t *TripleStore, last int64) int64 {
	for {
		id := FormatDecisionID(last + 1)
		found := false
		for _, b := range t.Backends() {
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			_, err := b.Digest(ctx, id)
			cancel()
			if err == nil {
				found = true
				break
			}
		}
		if !found {
			return last
		}
		last++
	}
}

func (l *Ledger) locked() bool {
	return l.lockdown != nil && l.lockdown.Locked()
}

func (l *Ledger) lockFor(proposalID string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(proposalID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

type SubmitInput struct {
	Title                string
	Submitter            string
	Category             string
	Description          string
	ImpactAssessment     string
	SecurityImplications string
	Changes              []types.FileChange
}

// Submit validates a draft, assigns its identifier and stores it pending.
func (l *Ledger) Submit(in SubmitInput, now time.Time) (types.ProposalRecord, error) {
	if l.locked() {
		return types.ProposalRecord{}, ErrLockdown
	}

	rec, err := BuildProposal(in, now, l.deadline)
	if err != nil {
		return types.ProposalRecord{}, err
	}

	row, err := proposalRow(rec)
	if err != nil {
		return types.ProposalRecord{}, err
	}
	if err := l.store.PutProposal(row); err != nil {
		return types.ProposalRecord{}, fmt.Errorf("store proposal: %w", err)
	}

	l.enqueue(NotifyProposalSubmitted, rec.ProposalID, map[string]any{
		"proposal_id": rec.ProposalID,
		"title":       rec.Title,
		"submitter":   rec.Submitter,
		"category":    rec.Category,
	}, now)
	l.appendAudit("proposal-"+rec.ProposalID, "proposal-submitted", map[string]any{
		"proposal_id": rec.ProposalID,
		"title":       rec.Title,
		"submitter":   rec.Submitter,
		"category":    rec.Category,
	}, now)

	l.logger.Info("proposal submitted",
		zap.String("proposal_id", rec.ProposalID),
		zap.String("submitter", rec.Submitter),
		zap.String("category", rec.Category))
	return rec, nil
}

type DecideInput struct {
	ProposalID string
	Kind       types.DecisionKind
	Actor      string
	Proof      string
	Reason     string
}

// Decide runs the full write path: gate, capability table, cluster quorum,
// 2-of-3 durable decision write, then the status flip. The proposal state
// only flips after the decision is durable; any failure before that bar
// leaves the proposal unchanged.
func (l *Ledger) Decide(ctx context.Context, in DecideInput, now time.Time) (StoredDecision, error) {
	if l.locked() {
		return StoredDecision{}, ErrLockdown
	}
	if !validKind(in.Kind) {
		return StoredDecision{}, &ValidationError{Missing: []string{"kind"}}
	}
	if in.Actor == "" {
		return StoredDecision{}, &ValidationError{Missing: []string{"actor"}}
	}

	mu := l.lockFor(in.ProposalID)
	mu.Lock()
	defer mu.Unlock()

	prop, ok := l.store.GetProposal(in.ProposalID)
	if !ok {
		return StoredDecision{}, ErrNotFound
	}
	if prop.Status != statusPending {
		return StoredDecision{}, ErrAlreadyDecided
	}
	if _, decided := l.store.GetDecisionByProposal(in.ProposalID); decided {
		return StoredDecision{}, ErrAlreadyDecided
	}

	switch l.gate.Verify(in.Actor, in.Proof) {
	case auth.ProofValid:
	case auth.ProofExpired:
		return StoredDecision{}, fmt.Errorf("proof expired: %w", ErrAuthRejected)
	default:
		return StoredDecision{}, ErrAuthRejected
	}

	action := string(in.Kind)
	if !l.table.Allows(in.Actor, prop.Category, action) {
		return StoredDecision{}, ErrNotPermitted
	}

	if tier := l.table.TierFor(prop.Category, in.Kind); tier != policy.TierNone && l.quorum != nil {
		res, err := l.quorum.Decide(ctx, QuorumRequest{
			ProposalID: in.ProposalID,
			Category:   prop.Category,
			Kind:       action,
			Actor:      in.Actor,
			Tier:       tier,
		})
		if err != nil {
			return StoredDecision{}, err
		}
		if !res.Committed {
			l.logger.Warn("quorum vetoed operation",
				zap.String("proposal_id", in.ProposalID),
				zap.Int("vetoes", res.Vetoes),
				zap.Int("respondents", res.Respondents))
			return StoredDecision{}, ErrVetoed
		}
	}

	nowStr := now.UTC().Format(time.RFC3339)
	seq := l.seq.Next()
	stored, err := MakeDecision(MakeDecisionInput{
		DecisionID: FormatDecisionID(seq),
		Seq:        seq,
		Kind:       in.Kind,
		ProposalID: in.ProposalID,
		Actor:      in.Actor,
		ProofRef:   ProofRef(in.Proof),
		Reason:     in.Reason,
		CreatedAt:  nowStr,
	}, l.signer)
	if err != nil {
		return StoredDecision{}, err
	}

	outcomes, err := l.triple.Write(ctx, stored.Envelope())
	if err != nil {
		return StoredDecision{}, err
	}

	status := statusForKind(in.Kind)
	var reason *string
	if in.Reason != "" {
		r := in.Reason
		reason = &r
	}

	err = l.store.WithTx(func(tx Tx) error {
		for _, oc := range outcomes {
			if oc.Err != nil {
				continue
			}
			if err := tx.PutStorageDigest(StorageDigestRow{
				DecisionID: stored.DecisionID,
				Backend:    oc.Backend,
				Digest:     oc.Digest,
				RecordedAt: nowStr,
			}); err != nil {
				return err
			}
		}
		flipped, err := tx.MarkProposalDecided(in.ProposalID, status, in.Actor, nowStr, stored.DecisionID, reason)
		if err != nil {
			return err
		}
		if !flipped {
			return ErrAlreadyDecided
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyDecided):
		l.logger.Error("decision committed for concurrently decided proposal",
			zap.String("proposal_id", in.ProposalID),
			zap.String("decision_id", stored.DecisionID))
		return StoredDecision{}, ErrAlreadyDecided
	default:
		// The decision is durable on >=2 backends; the relational flip is
		// completed by the verification sweep once the store recovers.
		l.logger.Error("status flip deferred after durable decision write",
			zap.String("proposal_id", in.ProposalID),
			zap.String("decision_id", stored.DecisionID),
			zap.Error(err))
	}

	l.enqueue(NotifyDecisionCommitted, stored.DecisionID, map[string]any{
		"decision_id": stored.DecisionID,
		"proposal_id": in.ProposalID,
		"kind":        string(in.Kind),
		"actor":       in.Actor,
		"status":      status,
	}, now)
	l.appendAudit("proposal-"+in.ProposalID, "proposal-"+status, map[string]any{
		"decision_id": stored.DecisionID,
		"proposal_id": in.ProposalID,
		"kind":        string(in.Kind),
		"actor":       in.Actor,
		"reason":      in.Reason,
	}, now)

	if l.scheduler != nil {
		l.scheduler.CheckSoon(stored.DecisionID)
	}

	l.logger.Info("decision committed",
		zap.String("decision_id", stored.DecisionID),
		zap.String("proposal_id", in.ProposalID),
		zap.String("kind", string(in.Kind)),
		zap.String("actor", in.Actor))
	return stored, nil
}

// Get returns the API view of one proposal.
func (l *Ledger) Get(proposalID string) (types.ProposalRecord, error) {
	row, ok := l.store.GetProposal(proposalID)
	if !ok {
		return types.ProposalRecord{}, ErrNotFound
	}
	return proposalFromRow(row)
}

// List returns proposals, optionally filtered by status, newest first.
func (l *Ledger) List(status string, limit int) ([]types.ProposalRecord, error) {
	rows, err := l.store.ListProposals(status, limit)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]types.ProposalRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := proposalFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Decision reads one committed decision, preferring the tamper-evident
// backend, and attaches the per-backend digest rows.
func (l *Ledger) Decision(ctx context.Context, decisionID string) (DecisionEnvelope, []StorageDigestRow, error) {
	env, err := l.triple.Read(ctx, decisionID)
	if err != nil {
		return DecisionEnvelope{}, nil, err
	}
	digests, err := l.store.ListStorageDigests(decisionID)
	if err != nil {
		return DecisionEnvelope{}, nil, fmt.Errorf("list digests: %w", err)
	}
	return env, digests, nil
}

// Votes returns the audit trail of quorum votes cast for a proposal.
func (l *Ledger) Votes(proposalID string) ([]VoteRow, error) {
	return l.store.ListVotesByProposal(proposalID)
}

// Incident reports the open integrity incident attached to a decision.
func (l *Ledger) Incident(decisionID string) (IncidentRow, bool) {
	return l.store.GetIncidentByDecision(decisionID)
}

type DecisionSummary struct {
	DecisionID string `json:"decision_id"`
	ProposalID string `json:"proposal_id"`
	Kind       string `json:"kind"`
	Actor      string `json:"actor"`
	CreatedAt  string `json:"created_at"`
}

type Stats struct {
	PendingCount    int               `json:"pending_count"`
	ApprovedCount   int               `json:"approved_count"`
	RejectedCount   int               `json:"rejected_count"`
	DecisionCount   int               `json:"decision_count"`
	IncidentCount   int               `json:"incident_count"`
	Lockdown        bool              `json:"lockdown"`
	RecentDecisions []DecisionSummary `json:"recent_decisions"`
}

// Snapshot summarizes ledger state for the stats endpoint.
func (l *Ledger) Snapshot() (Stats, error) {
	counts, err := l.store.CountProposalsByStatus()
	if err != nil {
		return Stats{}, fmt.Errorf("count proposals: %w", err)
	}
	recent, err := l.store.ListRecentDecisions(10)
	if err != nil {
		return Stats{}, fmt.Errorf("recent decisions: %w", err)
	}
	incidents, err := l.store.ListIncidents(0)
	if err != nil {
		return Stats{}, fmt.Errorf("list incidents: %w", err)
	}

	stats := Stats{
		PendingCount:  counts[statusPending],
		ApprovedCount: counts[statusApproved],
		RejectedCount: counts[statusRejected],
		IncidentCount: len(incidents),
		Lockdown:      l.locked(),
	}
	if maxSeq, err := l.store.MaxDecisionSeq(); err == nil {
		stats.DecisionCount = int(maxSeq)
	}
	for _, env := range recent {
		stats.RecentDecisions = append(stats.RecentDecisions, summarize(env))
	}
	return stats, nil
}

func summarize(env DecisionEnvelope) DecisionSummary {
	sum := DecisionSummary{
		DecisionID: env.DecisionID,
		ProposalID: env.ProposalID,
		Kind:       env.Kind,
		CreatedAt:  env.CreatedAt,
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if err := json.Unmarshal(env.BodyJSON, &body); err == nil {
		sum.Actor = body.Actor
	}
	return sum
}

func (l *Ledger) enqueue(kind, subjectID string, payload map[string]any, now time.Time) {
	body, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("notification payload marshal failed", zap.Error(err))
		return
	}
	nowStr := now.UTC().Format(time.RFC3339)
	rec := NotificationRecord{
		NotificationID: uuid.NewString(),
		Kind:           kind,
		SubjectID:      subjectID,
		PayloadJSON:    body,
		Status:         "pending",
		NextAttemptAt:  nowStr,
		CreatedAt:      nowStr,
		UpdatedAt:      nowStr,
	}
	if err := l.store.PutNotification(rec); err != nil {
		l.logger.Warn("notification enqueue failed",
			zap.String("kind", kind),
			zap.String("subject_id", subjectID),
			zap.Error(err))
	}
}

// appendAudit records a lifecycle event on the proposal's audit stream.
// Audit appends never fail the write path.
func (l *Ledger) appendAudit(stream, eventType string, payload map[string]any, now time.Time) {
	if l.audit == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("audit payload marshal failed", zap.Error(err))
		return
	}
	ev := AuditEvent{
		Type:       eventType,
		Payload:    body,
		Digest:     crypto.DigestWithPrefix(body),
		RecordedAt: now.UTC().Format(time.RFC3339),
	}
	if err := l.audit.AppendAudit(context.Background(), stream, []AuditEvent{ev}); err != nil {
		l.logger.Warn("audit append failed",
			zap.String("stream", stream),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func statusForKind(kind types.DecisionKind) string {
	if kind == types.DecisionReject {
		return statusRejected
	}
	return statusApproved
}

func proposalRow(rec types.ProposalRecord) (ProposalRecord, error) {
	changes, err := json.Marshal(rec.Changes)
	if err != nil {
		return ProposalRecord{}, err
	}
	return ProposalRecord{
		ProposalID:           rec.ProposalID,
		Title:                rec.Title,
		Submitter:            rec.Submitter,
		Category:             rec.Category,
		Description:          rec.Description,
		ImpactAssessment:     rec.ImpactAssessment,
		SecurityImplications: rec.SecurityImplications,
		ChangesJSON:          changes,
		Status:               string(rec.Status),
		SubmittedAt:          rec.SubmittedAt,
		Deadline:             rec.Deadline,
	}, nil
}

func proposalFromRow(row ProposalRecord) (types.ProposalRecord, error) {
	rec := types.ProposalRecord{
		Schema:               ProposalSchema,
		ProposalID:           row.ProposalID,
		Title:                row.Title,
		Submitter:            row.Submitter,
		Category:             row.Category,
		Description:          row.Description,
		ImpactAssessment:     row.ImpactAssessment,
		SecurityImplications: row.SecurityImplications,
		Status:               types.ProposalStatus(row.Status),
		SubmittedAt:          row.SubmittedAt,
		Deadline:             row.Deadline,
		DecidedAt:            row.DecidedAt,
		DecidedBy:            row.DecidedBy,
		Reason:               row.Reason,
	}
	if len(row.ChangesJSON) > 0 {
		if err := json.Unmarshal(row.ChangesJSON, &rec.Changes); err != nil {
			return types.ProposalRecord{}, fmt.Errorf("decode changes for %s: %w", row.ProposalID, err)
		}
	}
	return rec, nil
}
