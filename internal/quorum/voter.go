package quorum

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/internal/policy"
)

// DefaultMaxSkew bounds how old or how far ahead a ballot's issue time may
// be. Signed ballots outside the window are rejected, not vetoed.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrUnknownCluster = errors.New("ballot from unknown cluster")
	ErrBadSignature   = errors.New("ballot signature invalid")
	ErrStaleBallot    = errors.New("ballot outside freshness window")
)

// Voter answers inbound ballots for this cluster. It rejects ballots it
// cannot authenticate and vetoes operations it cannot vouch for: a veto is a
// signed opinion, a rejection is not a response at all.
type Voter struct {
	clusterID string
	signer    ledger.Signer
	table     *policy.Table
	peerKeys  map[string]ed25519.PublicKey
	lockdown  *Lockdown
	maxSkew   time.Duration
	logger    *zap.Logger
}

type VoterParams struct {
	ClusterID string
	Signer    ledger.Signer
	Table     *policy.Table

	// PeerKeys maps originating cluster ids to their public keys.
	PeerKeys map[string]ed25519.PublicKey

	Lockdown *Lockdown
	MaxSkew  time.Duration
	Logger   *zap.Logger
}

func NewVoter(p VoterParams) (*Voter, error) {
	if p.ClusterID == "" {
		return nil, fmt.Errorf("missing cluster id")
	}
	if p.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	if p.Table == nil {
		return nil, fmt.Errorf("missing capability table")
	}
	if p.MaxSkew <= 0 {
		p.MaxSkew = DefaultMaxSkew
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Voter{
		clusterID: p.ClusterID,
		signer:    p.Signer,
		table:     p.Table,
		peerKeys:  p.PeerKeys,
		lockdown:  p.Lockdown,
		maxSkew:   p.MaxSkew,
		logger:    p.Logger,
	}, nil
}

// HandleBallot authenticates the ballot and answers with a signed vote. A
// locked-down cluster vetoes everything: it cannot vouch for writes it may
// not be able to see.
func (v *Voter) HandleBallot(ballot SignedBallot, now time.Time) (SignedVote, error) {
	b := ballot.Ballot
	if b.ProposalID == "" || b.Kind == "" || b.Actor == "" || b.Cluster == "" || b.Nonce == "" || b.IssuedAt == "" {
		return SignedVote{}, fmt.Errorf("ballot missing required fields")
	}

	key, ok := v.peerKeys[b.Cluster]
	if !ok {
		return SignedVote{}, fmt.Errorf("%w: %s", ErrUnknownCluster, b.Cluster)
	}
	digest, ref, err := b.digest()
	if err != nil {
		return SignedVote{}, err
	}
	valid, err := crypto.VerifyEd25519(key, digest, ballot.Sig)
	if err != nil {
		return SignedVote{}, err
	}
	if !valid {
		return SignedVote{}, ErrBadSignature
	}

	issued, err := time.Parse(time.RFC3339, b.IssuedAt)
	if err != nil {
		return SignedVote{}, fmt.Errorf("ballot issued_at: %w", err)
	}
	if d := now.Sub(issued); d > v.maxSkew || d < -v.maxSkew {
		return SignedVote{}, ErrStaleBallot
	}

	verdict, reason := v.evaluate(b)
	vote, err := signVote(v.signer, ref, v.clusterID, verdict, reason, now.UTC().Format(time.RFC3339))
	if err != nil {
		return SignedVote{}, fmt.Errorf("sign vote: %w", err)
	}

	v.logger.Info("vote cast",
		zap.String("decision_ref", ref),
		zap.String("origin", b.Cluster),
		zap.String("actor", b.Actor),
		zap.String("verdict", verdict))
	return vote, nil
}

func (v *Voter) evaluate(b Ballot) (verdict, reason string) {
	if v.lockdown != nil && v.lockdown.Locked() {
		return VoteVeto, "cluster in lockdown"
	}
	if !v.table.Allows(b.Actor, b.Category, b.Kind) {
		return VoteVeto, fmt.Sprintf("actor %s not permitted for %s on %s", b.Actor, b.Kind, b.Category)
	}
	return VoteApprove, ""
}
