package ledger

import (
	"fmt"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/pkg/types"
)

const DecisionSchema = "triumvir.decision.v1"

type Signer interface {
	KeyID() string
	SignEd25519(message []byte) ([]byte, error)
}

type MakeDecisionInput struct {
	Schema string

	DecisionID string
	Seq        int64
	Kind       types.DecisionKind
	ProposalID string
	Actor      string
	ProofRef   string
	Reason     string
	CreatedAt  string
}

type StoredDecision struct {
	DecisionID string
	Seq        int64
	Kind       types.DecisionKind
	ProposalID string
	Actor      string
	ProofRef   string
	Reason     string
	CreatedAt  string

	BodyJSON []byte
	Digest   string
	KeyID    string
	Sig      []byte
}

// MakeDecision canonicalizes + hashes + signs a decision body. The digest it
// produces is the value all three backends must store and agree on.
func MakeDecision(in MakeDecisionInput, signer Signer) (StoredDecision, error) {
	if in.Schema == "" {
		in.Schema = DecisionSchema
	}
	if in.Schema != DecisionSchema {
		return StoredDecision{}, fmt.Errorf("invalid schema: %s", in.Schema)
	}
	if !validKind(in.Kind) {
		return StoredDecision{}, fmt.Errorf("invalid decision kind: %s", in.Kind)
	}
	if in.DecisionID == "" || in.ProposalID == "" || in.Actor == "" || in.ProofRef == "" || in.CreatedAt == "" {
		return StoredDecision{}, fmt.Errorf("missing required decision fields")
	}

	body := map[string]any{
		"schema":      in.Schema,
		"decision_id": in.DecisionID,
		"seq":         in.Seq,
		"kind":        string(in.Kind),
		"proposal_id": in.ProposalID,
		"actor":       in.Actor,
		"proof_ref":   in.ProofRef,
		"reason":      in.Reason,
		"created_at":  in.CreatedAt,
	}

	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return StoredDecision{}, err
	}

	digestBytes := crypto.DigestBytes(canonical)
	digest := crypto.DigestWithPrefix(canonical)

	sig, err := signer.SignEd25519(digestBytes)
	if err != nil {
		return StoredDecision{}, err
	}

	return StoredDecision{
		DecisionID: in.DecisionID,
		Seq:        in.Seq,
		Kind:       in.Kind,
		ProposalID: in.ProposalID,
		Actor:      in.Actor,
		ProofRef:   in.ProofRef,
		Reason:     in.Reason,
		CreatedAt:  in.CreatedAt,
		BodyJSON:   canonical,
		Digest:     digest,
		KeyID:      signer.KeyID(),
		Sig:        sig,
	}, nil
}

// Envelope is the backend-facing view of a built decision.
func (d StoredDecision) Envelope() DecisionEnvelope {
	return DecisionEnvelope{
		DecisionID: d.DecisionID,
		ProposalID: d.ProposalID,
		Seq:        d.Seq,
		Kind:       string(d.Kind),
		CreatedAt:  d.CreatedAt,
		BodyJSON:   d.BodyJSON,
		Digest:     d.Digest,
		KeyID:      d.KeyID,
		Sig:        d.Sig,
	}
}

// FormatDecisionID renders the cluster-monotonic sequence as a decision id.
func FormatDecisionID(seq int64) string {
	return fmt.Sprintf("gd-%09d", seq)
}

// ProofRef derives the stored reference for a consumed one-time proof. The
// proof itself is never persisted.
func ProofRef(proof string) string {
	return crypto.DigestWithPrefix([]byte(proof))
}

func validKind(kind types.DecisionKind) bool {
	switch kind {
	case types.DecisionApprove, types.DecisionReject, types.DecisionEmergencyOverride:
		return true
	default:
		return false
	}
}
