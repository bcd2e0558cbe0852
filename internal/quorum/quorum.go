// Package quorum runs the cross-cluster vote that gates governance writes.
// The originating cluster signs a ballot, fans it out to its two peers, and
// commits only when at least two of the three clusters respond and a
// majority of respondents approve. A round that cannot reach two clusters
// latches lockdown.
package quorum

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/internal/policy"
)

// MinRespondents is the quorum floor: the round fails closed below it. The
// originating cluster counts as one respondent.
const MinRespondents = 2

const (
	DefaultVoteTimeout   = 10 * time.Second
	DefaultProbeInterval = 30 * time.Second
	retryDelay           = 250 * time.Millisecond
	probeTimeout         = 2 * time.Second
)

const (
	VoteApprove = "approve"
	VoteVeto    = "veto"
)

// Ballot is the canonical form of one quorum round. Every field is part of
// the digest, so peers vote on exactly what the originating cluster asked.
type Ballot struct {
	ProposalID string `json:"proposal_id"`
	Category   string `json:"category"`
	Kind       string `json:"kind"`
	Actor      string `json:"actor"`
	Cluster    string `json:"cluster"`
	Nonce      string `json:"nonce"`
	IssuedAt   string `json:"issued_at"`
}

func (b Ballot) digest() ([]byte, string, error) {
	canonical, err := crypto.Canonicalize(map[string]any{
		"proposal_id": b.ProposalID,
		"category":    b.Category,
		"kind":        b.Kind,
		"actor":       b.Actor,
		"cluster":     b.Cluster,
		"nonce":       b.Nonce,
		"issued_at":   b.IssuedAt,
	})
	if err != nil {
		return nil, "", err
	}
	return crypto.DigestBytes(canonical), crypto.DigestWithPrefix(canonical), nil
}

// Ref returns the decision reference the ballot digests to. Both sides derive
// it independently; it never travels as trusted input.
func (b Ballot) Ref() (string, error) {
	_, ref, err := b.digest()
	return ref, err
}

// SignedBallot is the wire form of a ballot: the ballot plus the originating
// cluster's signature over its digest.
type SignedBallot struct {
	Ballot Ballot `json:"ballot"`
	KeyID  string `json:"key_id"`
	Sig    []byte `json:"sig"`
}

// SignBallot digests and signs a ballot with the cluster key.
func SignBallot(b Ballot, signer ledger.Signer) (SignedBallot, error) {
	digest, _, err := b.digest()
	if err != nil {
		return SignedBallot{}, err
	}
	sig, err := signer.SignEd25519(digest)
	if err != nil {
		return SignedBallot{}, err
	}
	return SignedBallot{Ballot: b, KeyID: signer.KeyID(), Sig: sig}, nil
}

// SignedVote is one cluster's answer to a ballot. The signature covers the
// decision ref, the voting cluster, the verdict, the reason and the cast
// time, so none of them can be altered in flight.
type SignedVote struct {
	DecisionRef string `json:"decision_ref"`
	Cluster     string `json:"cluster"`
	Vote        string `json:"vote"`
	Reason      string `json:"reason,omitempty"`
	CastAt      string `json:"cast_at"`
	KeyID       string `json:"key_id"`
	Sig         []byte `json:"sig"`
}

func voteDigest(decisionRef, cluster, vote, reason, castAt string) ([]byte, error) {
	canonical, err := crypto.Canonicalize(map[string]any{
		"decision_ref": decisionRef,
		"cluster":      cluster,
		"vote":         vote,
		"reason":       reason,
		"cast_at":      castAt,
	})
	if err != nil {
		return nil, err
	}
	return crypto.DigestBytes(canonical), nil
}

func signVote(signer ledger.Signer, decisionRef, cluster, vote, reason, castAt string) (SignedVote, error) {
	digest, err := voteDigest(decisionRef, cluster, vote, reason, castAt)
	if err != nil {
		return SignedVote{}, err
	}
	sig, err := signer.SignEd25519(digest)
	if err != nil {
		return SignedVote{}, err
	}
	return SignedVote{
		DecisionRef: decisionRef,
		Cluster:     cluster,
		Vote:        vote,
		Reason:      reason,
		CastAt:      castAt,
		KeyID:       signer.KeyID(),
		Sig:         sig,
	}, nil
}

// Peer is one remote cluster: where to reach it and the key its votes must
// verify against.
type Peer struct {
	ID        string
	URL       string
	PublicKey ed25519.PublicKey
}

// Caller carries a signed ballot to a peer and returns its vote. Ping is the
// cheap reachability probe the lockdown loop uses.
type Caller interface {
	RequestVote(ctx context.Context, peer Peer, ballot SignedBallot) (SignedVote, error)
	Ping(ctx context.Context, peer Peer) error
}

// Coordinator runs quorum rounds for the local cluster. It implements
// ledger.QuorumDecider.
type Coordinator struct {
	clusterID string
	signer    ledger.Signer
	peers     []Peer
	caller    Caller
	store     ledger.Store
	lockdown  *Lockdown
	timeout   time.Duration
	logger    *zap.Logger
}

type Params struct {
	ClusterID string
	Signer    ledger.Signer
	Peers     []Peer
	Caller    Caller
	Store     ledger.Store
	Lockdown  *Lockdown

	// Timeout is the per-peer hard window; one retry fits inside it.
	Timeout time.Duration

	Logger *zap.Logger
}

func New(p Params) (*Coordinator, error) {
	if p.ClusterID == "" {
		return nil, fmt.Errorf("missing cluster id")
	}
	if p.Signer == nil {
		return nil, fmt.Errorf("missing signer")
	}
	if p.Caller == nil {
		return nil, fmt.Errorf("missing peer caller")
	}
	if p.Store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultVoteTimeout
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Coordinator{
		clusterID: p.ClusterID,
		signer:    p.Signer,
		peers:     p.Peers,
		caller:    p.Caller,
		store:     p.Store,
		lockdown:  p.Lockdown,
		timeout:   p.Timeout,
		logger:    p.Logger,
	}, nil
}

type peerOutcome struct {
	peer Peer
	vote SignedVote
	err  error
}

// Decide runs one quorum round: sign the ballot, collect peer votes, count.
// Fewer than MinRespondents reachable clusters latches lockdown and returns
// ErrQuorumUnavailable. A reached round that falls short of the tier's bar
// returns Committed=false with a nil error.
func (c *Coordinator) Decide(ctx context.Context, req ledger.QuorumRequest) (ledger.QuorumResult, error) {
	now := time.Now().UTC()
	ballot := Ballot{
		ProposalID: req.ProposalID,
		Category:   req.Category,
		Kind:       req.Kind,
		Actor:      req.Actor,
		Cluster:    c.clusterID,
		Nonce:      uuid.NewString(),
		IssuedAt:   now.Format(time.RFC3339),
	}
	signed, err := SignBallot(ballot, c.signer)
	if err != nil {
		return ledger.QuorumResult{}, fmt.Errorf("sign ballot: %w", err)
	}
	decisionRef, err := ballot.Ref()
	if err != nil {
		return ledger.QuorumResult{}, err
	}

	// The originating cluster proposes, so it votes approve on its own ballot.
	selfVote, err := signVote(c.signer, decisionRef, c.clusterID, VoteApprove, "", now.Format(time.RFC3339))
	if err != nil {
		return ledger.QuorumResult{}, fmt.Errorf("sign self vote: %w", err)
	}

	votes := c.collect(ctx, signed, decisionRef)
	votes = append([]SignedVote{selfVote}, votes...)
	c.persistVotes(req.ProposalID, votes)

	res := ledger.QuorumResult{DecisionRef: decisionRef, Respondents: len(votes)}
	for _, v := range votes {
		switch v.Vote {
		case VoteApprove:
			res.Approvals++
		case VoteVeto:
			res.Vetoes++
		}
	}

	if res.Respondents < MinRespondents {
		// A caller that gave up is not evidence of peer loss.
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if c.lockdown != nil {
			c.lockdown.Latch("cluster quorum unreachable", now)
		}
		return res, fmt.Errorf("%d of %d clusters responding: %w",
			res.Respondents, len(c.peers)+1, ledger.ErrQuorumUnavailable)
	}

	res.Committed = res.Approvals*2 > res.Respondents
	if req.Tier == policy.TierCritical && res.Vetoes > 0 {
		res.Committed = false
	}

	c.logger.Info("quorum round finished",
		zap.String("proposal_id", req.ProposalID),
		zap.String("decision_ref", decisionRef),
		zap.Int("respondents", res.Respondents),
		zap.Int("approvals", res.Approvals),
		zap.Int("vetoes", res.Vetoes),
		zap.Bool("committed", res.Committed))
	return res, nil
}

// collect fans the ballot out to every peer concurrently and returns the
// verified votes. Unreachable peers and bad signatures are dropped, which
// makes them non-respondents.
func (c *Coordinator) collect(ctx context.Context, ballot SignedBallot, decisionRef string) []SignedVote {
	results := make(chan peerOutcome, len(c.peers))
	for _, p := range c.peers {
		go func(p Peer) {
			vote, err := c.askPeer(ctx, p, ballot, decisionRef)
			results <- peerOutcome{peer: p, vote: vote, err: err}
		}(p)
	}

	votes := make([]SignedVote, 0, len(c.peers))
	for range c.peers {
		oc := <-results
		if oc.err != nil {
			c.logger.Warn("peer not responding",
				zap.String("peer", oc.peer.ID),
				zap.Error(oc.err))
			continue
		}
		votes = append(votes, oc.vote)
	}
	return votes
}

// askPeer requests one vote under the per-peer window, retrying once if the
// window still has room, then verifies the vote against the peer's key.
func (c *Coordinator) askPeer(ctx context.Context, p Peer, ballot SignedBallot, decisionRef string) (SignedVote, error) {
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vote, err := c.caller.RequestVote(wctx, p, ballot)
	if err != nil && wctx.Err() == nil {
		select {
		case <-wctx.Done():
		case <-time.After(retryDelay):
			vote, err = c.caller.RequestVote(wctx, p, ballot)
		}
	}
	if err != nil {
		return SignedVote{}, err
	}
	if err := verifyVote(vote, p, decisionRef); err != nil {
		return SignedVote{}, err
	}
	return vote, nil
}

// verifyVote pins the vote to this round and this peer before checking the
// signature. A vote that fails any check counts the same as no answer.
func verifyVote(vote SignedVote, p Peer, decisionRef string) error {
	if vote.DecisionRef != decisionRef {
		return fmt.Errorf("vote is for a different ballot")
	}
	if vote.Cluster != p.ID {
		return fmt.Errorf("vote cluster %q does not match peer %q", vote.Cluster, p.ID)
	}
	if vote.Vote != VoteApprove && vote.Vote != VoteVeto {
		return fmt.Errorf("unknown verdict %q", vote.Vote)
	}
	digest, err := voteDigest(vote.DecisionRef, vote.Cluster, vote.Vote, vote.Reason, vote.CastAt)
	if err != nil {
		return err
	}
	ok, err := crypto.VerifyEd25519(p.PublicKey, digest, vote.Sig)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vote signature invalid")
	}
	return nil
}

// persistVotes records the round for audit. Vote rows never block a verdict.
func (c *Coordinator) persistVotes(proposalID string, votes []SignedVote) {
	for _, v := range votes {
		err := c.store.PutVote(ledger.VoteRow{
			VoteID:      uuid.NewString(),
			ClusterID:   v.Cluster,
			DecisionRef: v.DecisionRef,
			ProposalID:  proposalID,
			Vote:        v.Vote,
			Reason:      v.Reason,
			CastAt:      v.CastAt,
			Sig:         v.Sig,
		})
		if err != nil {
			c.logger.Warn("vote row write failed",
				zap.String("cluster", v.Cluster),
				zap.String("proposal_id", proposalID),
				zap.Error(err))
		}
	}
}

// RunProbe clears lockdown once quorum is restorable. It only probes while
// latched; a healthy cluster costs nothing.
func (c *Coordinator) RunProbe(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.probe(ctx, now.UTC())
		}
	}
}

func (c *Coordinator) probe(ctx context.Context, now time.Time) {
	if c.lockdown == nil || !c.lockdown.Locked() {
		return
	}
	reachable := 0
	for _, p := range c.peers {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := c.caller.Ping(pctx, p)
		cancel()
		if err != nil {
			c.logger.Debug("peer still unreachable",
				zap.String("peer", p.ID),
				zap.Error(err))
			continue
		}
		reachable++
	}
	// Self plus one reachable peer restores the MinRespondents floor.
	if reachable >= MinRespondents-1 {
		c.lockdown.Clear(now)
	}
}
