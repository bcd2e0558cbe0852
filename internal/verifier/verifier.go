// Package verifier cross-checks committed decisions across the three
// backends. It re-propagates copies a backend missed and freezes decisions
// whose stored copies disagree.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/pkg/types"
)

const (
	DefaultInterval = time.Minute
	DefaultWindow   = 50

	digestTimeout = 3 * time.Second
)

// Status classifies one decision after a verification pass.
type Status string

const (
	StatusConsistent Status = "consistent"
	StatusRepaired   Status = "repaired"
	StatusIncident   Status = "incident"
	StatusFrozen     Status = "frozen"
	StatusUnknown    Status = "unknown"
)

// Report aggregates one sweep.
type Report struct {
	SweptAt    string `json:"swept_at"`
	Checked    int    `json:"checked"`
	Consistent int    `json:"consistent"`
	Repaired   int    `json:"repaired"`
	Incidents  int    `json:"incidents"`
	Frozen     int    `json:"frozen"`
	Unknown    int    `json:"unknown"`
}

// Outcome is the per-decision result of a verification pass.
type Outcome struct {
	DecisionID  string   `json:"decision_id"`
	Status      Status   `json:"status"`
	Repaired    []string `json:"repaired,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Unavailable []string `json:"unavailable,omitempty"`
	IncidentID  string   `json:"incident_id,omitempty"`
	Note        string   `json:"note,omitempty"`
}

// Service is the cross-verification worker. It implements
// ledger.VerifyScheduler so the write path can request opportunistic checks.
type Service struct {
	triple *ledger.TripleStore
	store  ledger.Store
	window int
	logger *zap.Logger

	nudge chan struct{}

	mu      sync.Mutex
	pending map[string]struct{}

	// freezeMu makes concurrent checks of one decision raise one incident.
	freezeMu sync.Mutex

	repMu sync.RWMutex
	last  Report
}

type Params struct {
	Triple *ledger.TripleStore
	Store  ledger.Store

	// Window is how many recent decisions each scheduled sweep re-checks.
	Window int
	Logger *zap.Logger
}

func New(p Params) (*Service, error) {
	if p.Triple == nil {
		return nil, fmt.Errorf("missing triple store")
	}
	if p.Store == nil {
		return nil, fmt.Errorf("missing store")
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Service{
		triple:  p.Triple,
		store:   p.Store,
		window:  p.Window,
		logger:  p.Logger,
		nudge:   make(chan struct{}, 1),
		pending: make(map[string]struct{}),
	}, nil
}

// CheckSoon puts a decision under watch and nudges the loop. Never blocks.
func (s *Service) CheckSoon(decisionID string) {
	if decisionID == "" {
		return
	}
	s.mu.Lock()
	s.pending[decisionID] = struct{}{}
	s.mu.Unlock()
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run sweeps on a ticker and serves post-write nudges until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.nudge:
			s.checkWatchlist(ctx, time.Now())
		case now := <-ticker.C:
			if _, err := s.Sweep(ctx, now); err != nil {
				s.logger.Warn("verification sweep failed", zap.Error(err))
			}
		}
	}
}

// LastReport returns the most recent sweep summary.
func (s *Service) LastReport() Report {
	s.repMu.RLock()
	defer s.repMu.RUnlock()
	return s.last
}

func (s *Service) watchlist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) settle(decisionID string) {
	s.mu.Lock()
	delete(s.pending, decisionID)
	s.mu.Unlock()
}

func (s *Service) checkWatchlist(ctx context.Context, now time.Time) {
	for _, id := range s.watchlist() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Check(ctx, id, now); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			s.logger.Warn("post-write check failed",
				zap.String("decision_id", id),
				zap.Error(err))
		}
	}
}

// Sweep checks every decision under watch plus the trailing window of
// committed decisions, and picks up proposals whose decided status flip is
// still owed.
func (s *Service) Sweep(ctx context.Context, now time.Time) (Report, error) {
	ids := s.watchlist()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}

	recent, err := s.store.ListRecentDecisions(s.window)
	if err != nil {
		// The watchlist can still be checked against the other backends
		// during a relational outage.
		s.logger.Warn("list recent decisions failed", zap.Error(err))
	}
	for _, env := range recent {
		if !seen[env.DecisionID] {
			ids = append(ids, env.DecisionID)
			seen[env.DecisionID] = true
		}
	}

	pendingProps, err := s.store.ListProposals(string(types.ProposalPending), s.window)
	if err == nil {
		for _, prop := range pendingProps {
			env, ok := s.store.GetDecisionByProposal(prop.ProposalID)
			if ok && !seen[env.DecisionID] {
				ids = append(ids, env.DecisionID)
				seen[env.DecisionID] = true
			}
		}
	}

	rep := Report{SweptAt: now.UTC().Format(time.RFC3339)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		out, err := s.Check(ctx, id, now)
		if err != nil {
			if !errors.Is(err, ledger.ErrNotFound) {
				s.logger.Warn("verification check failed",
					zap.String("decision_id", id),
					zap.Error(err))
			}
			continue
		}
		rep.Checked++
		switch out.Status {
		case StatusConsistent:
			rep.Consistent++
		case StatusRepaired:
			rep.Repaired++
		case StatusIncident:
			rep.Incidents++
		case StatusFrozen:
			rep.Frozen++
		default:
			rep.Unknown++
		}
	}

	s.repMu.Lock()
	s.last = rep
	s.repMu.Unlock()
	return rep, nil
}

type probeResult struct {
	Backend string
	Digest  string
	Err     error
}

func (s *Service) probe(ctx context.Context, decisionID string) []probeResult {
	backends := s.triple.Backends()
	out := make([]probeResult, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, digestTimeout)
			defer cancel()
			digest, err := b.Digest(pctx, decisionID)
			out[i] = probeResult{Backend: b.Name(), Digest: digest, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Check runs one verification pass over a single decision. A backend copy
// is repaired only when it is missing outright while every present digest
// agrees; a present copy that disagrees is never overwritten, it freezes
// the decision instead. Unreachable backends are skipped as unknown.
func (s *Service) Check(ctx context.Context, decisionID string, now time.Time) (Outcome, error) {
	out := Outcome{DecisionID: decisionID, Status: StatusUnknown}

	if inc, ok := s.store.GetIncidentByDecision(decisionID); ok {
		out.Status = StatusFrozen
		out.IncidentID = inc.IncidentID
		out.Note = "open incident, excluded from auto-repair"
		s.settle(decisionID)
		return out, nil
	}

	var present []probeResult
	for _, p := range s.probe(ctx, decisionID) {
		switch {
		case p.Err == nil:
			present = append(present, p)
		case errors.Is(p.Err, ledger.ErrNotFound):
			out.Missing = append(out.Missing, p.Backend)
		default:
			out.Unavailable = append(out.Unavailable, p.Backend)
		}
	}

	if len(present) == 0 {
		if len(out.Unavailable) == 0 {
			return out, ledger.ErrNotFound
		}
		out.Note = "no reachable copy"
		return out, nil
	}

	// Two present copies that disagree are conclusive no matter what the
	// third backend reports.
	for i := 1; i < len(present); i++ {
		if present[i].Digest != present[0].Digest {
			return s.freeze(out, present[0].Backend, present[0].Digest,
				present[i].Backend, present[i].Digest, "stored digests disagree", now)
		}
	}
	agreed := present[0].Digest

	if len(present) < ledger.WriteQuorum {
		if len(out.Unavailable) > 0 {
			out.Note = "too few reachable copies"
			return out, nil
		}
		// A copy that was durable once and is gone now is an incident; a
		// leftover from a write that never reached quorum is not.
		rows, err := s.store.ListStorageDigests(decisionID)
		if err == nil {
			for _, row := range rows {
				for _, name := range out.Missing {
					if row.Backend == name {
						return s.freeze(out, present[0].Backend, agreed,
							row.Backend, row.Digest, "durable copy vanished", now)
					}
				}
			}
		}
		out.Note = "below durability bar, not repaired"
		return out, nil
	}

	if len(out.Missing) > 0 {
		env, source, err := s.cleanSource(ctx, decisionID, present, agreed)
		switch {
		case errors.Is(err, errDirtySource):
			return s.freeze(out, source, agreed,
				source, crypto.DigestWithPrefix(env.BodyJSON),
				"stored payload does not match digest", now)
		case err != nil:
			out.Note = "no readable source copy"
			return out, nil
		}

		var failed []string
		for _, name := range out.Missing {
			if err := s.repairOne(ctx, name, env, agreed, now); err != nil {
				s.logger.Warn("backend repair failed",
					zap.String("backend", name),
					zap.String("decision_id", decisionID),
					zap.Error(err))
				failed = append(failed, name)
				continue
			}
			out.Repaired = append(out.Repaired, name)
		}
		out.Missing = failed
		if len(out.Repaired) == 0 {
			out.Note = "repair failed"
			return out, nil
		}
		out.Status = StatusRepaired
	} else {
		out.Status = StatusConsistent
	}

	s.completeFlip(ctx, decisionID)

	if len(out.Missing) == 0 && len(out.Unavailable) == 0 {
		s.settle(decisionID)
	}
	return out, nil
}

var errDirtySource = errors.New("stored payload does not match digest")

// cleanSource fetches a copy whose payload still derives the agreed digest,
// so a repair never propagates a corrupted body behind an intact digest
// column.
func (s *Service) cleanSource(ctx context.Context, decisionID string, present []probeResult, agreed string) (ledger.DecisionEnvelope, string, error) {
	var dirty ledger.DecisionEnvelope
	dirtySource := ""
	for _, p := range present {
		b := s.backend(p.Backend)
		if b == nil {
			continue
		}
		env, err := b.GetDecision(ctx, decisionID)
		if err != nil {
			continue
		}
		if env.Digest == agreed && crypto.DigestWithPrefix(env.BodyJSON) == agreed {
			return env, p.Backend, nil
		}
		dirty = env
		dirtySource = p.Backend
	}
	if dirtySource != "" {
		return dirty, dirtySource, errDirtySource
	}
	return ledger.DecisionEnvelope{}, "", fmt.Errorf("no readable copy of %s", decisionID)
}

func (s *Service) repairOne(ctx context.Context, name string, env ledger.DecisionEnvelope, agreed string, now time.Time) error {
	b := s.backend(name)
	if b == nil {
		return fmt.Errorf("unknown backend %s", name)
	}
	if err := b.PutDecision(ctx, env); err != nil {
		return err
	}
	if err := s.store.PutStorageDigest(ledger.StorageDigestRow{
		DecisionID: env.DecisionID,
		Backend:    name,
		Digest:     agreed,
		RecordedAt: now.UTC().Format(time.RFC3339),
	}); err != nil {
		s.logger.Warn("digest back-fill failed",
			zap.String("backend", name),
			zap.String("decision_id", env.DecisionID),
			zap.Error(err))
	}
	s.logger.Info("repaired lagging backend copy",
		zap.String("backend", name),
		zap.String("decision_id", env.DecisionID),
		zap.String("digest", agreed))
	return nil
}

func (s *Service) backend(name string) ledger.Backend {
	for _, b := range s.triple.Backends() {
		if b.Name() == name {
			return b
		}
	}
	return nil
}

func (s *Service) freeze(out Outcome, backendA, digestA, backendB, digestB, note string, now time.Time) (Outcome, error) {
	s.freezeMu.Lock()
	defer s.freezeMu.Unlock()

	if inc, ok := s.store.GetIncidentByDecision(out.DecisionID); ok {
		out.Status = StatusFrozen
		out.IncidentID = inc.IncidentID
		out.Note = "open incident, excluded from auto-repair"
		s.settle(out.DecisionID)
		return out, nil
	}

	inc := ledger.IncidentRow{
		IncidentID: uuid.NewString(),
		DecisionID: out.DecisionID,
		BackendA:   backendA,
		BackendB:   backendB,
		DigestA:    digestA,
		DigestB:    digestB,
		DetectedAt: now.UTC().Format(time.RFC3339),
		Note:       note,
	}
	if err := s.store.PutIncident(inc); err != nil {
		return out, fmt.Errorf("persist incident: %w", err)
	}

	out.Status = StatusIncident
	out.IncidentID = inc.IncidentID
	out.Note = note
	s.notifyIncident(inc, now)
	s.logger.Error("integrity incident",
		zap.String("decision_id", out.DecisionID),
		zap.String("incident_id", inc.IncidentID),
		zap.String("backend_a", backendA),
		zap.String("backend_b", backendB),
		zap.String("digest_a", digestA),
		zap.String("digest_b", digestB),
		zap.String("note", note))
	s.settle(out.DecisionID)
	return out, nil
}

func (s *Service) notifyIncident(inc ledger.IncidentRow, now time.Time) {
	payload, err := json.Marshal(map[string]any{
		"incident_id": inc.IncidentID,
		"decision_id": inc.DecisionID,
		"backend_a":   inc.BackendA,
		"backend_b":   inc.BackendB,
		"digest_a":    inc.DigestA,
		"digest_b":    inc.DigestB,
		"note":        inc.Note,
	})
	if err != nil {
		return
	}
	nowStr := now.UTC().Format(time.RFC3339)
	rec := ledger.NotificationRecord{
		NotificationID: uuid.NewString(),
		Kind:           ledger.NotifyIntegrityIncident,
		SubjectID:      inc.DecisionID,
		PayloadJSON:    payload,
		Status:         "pending",
		NextAttemptAt:  nowStr,
		CreatedAt:      nowStr,
		UpdatedAt:      nowStr,
	}
	if err := s.store.PutNotification(rec); err != nil {
		s.logger.Warn("incident notification enqueue failed",
			zap.String("incident_id", inc.IncidentID),
			zap.Error(err))
	}
}

// completeFlip finishes the second phase of a write whose decision became
// durable while the relational status flip failed: the proposal is still
// pending, the decision says otherwise.
func (s *Service) completeFlip(ctx context.Context, decisionID string) {
	env, err := s.triple.Read(ctx, decisionID)
	if err != nil {
		return
	}
	prop, ok := s.store.GetProposal(env.ProposalID)
	if !ok || prop.Status != string(types.ProposalPending) {
		return
	}

	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(env.BodyJSON, &body)

	status := string(types.ProposalApproved)
	if env.Kind == string(types.DecisionReject) {
		status = string(types.ProposalRejected)
	}
	var reason *string
	if body.Reason != "" {
		reason = &body.Reason
	}

	flipped, err := s.store.MarkProposalDecided(env.ProposalID, status, body.Actor, env.CreatedAt, env.DecisionID, reason)
	if err != nil {
		s.logger.Warn("deferred status flip failed",
			zap.String("proposal_id", env.ProposalID),
			zap.String("decision_id", env.DecisionID),
			zap.Error(err))
		return
	}
	if flipped {
		s.logger.Info("completed deferred status flip",
			zap.String("proposal_id", env.ProposalID),
			zap.String("decision_id", env.DecisionID),
			zap.String("status", status))
	}
}
