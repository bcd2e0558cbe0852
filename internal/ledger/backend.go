package ledger

import "context"

// DecisionEnvelope is the unit every backend persists: the canonical body
// bytes plus the digest and signature all three stores must agree on.
type DecisionEnvelope struct {
	DecisionID string
	ProposalID string
	Seq        int64
	Kind       string
	CreatedAt  string
	BodyJSON   []byte
	Digest     string
	KeyID      string
	Sig        []byte
}

// Backend abstracts one of the three heterogeneous stores. Implementations
// translate driver-level failures into ErrBackendUnavailable so the caller
// can tell an unreachable store from a rejected write. GetDecision returns
// ErrNotFound when the backend holds no copy.
type Backend interface {
	Name() string
	PutDecision(ctx context.Context, env DecisionEnvelope) error
	GetDecision(ctx context.Context, decisionID string) (DecisionEnvelope, error)
	Digest(ctx context.Context, decisionID string) (string, error)
	Ping(ctx context.Context) error
	Close() error
}
