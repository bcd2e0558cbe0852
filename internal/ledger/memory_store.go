package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMemoryStore backs dev mode and tests. It plays both relational roles:
// the system-of-record Store and the "relational" Backend, the same way the
// SQL stores do. SetUnavailable simulates a relational outage for both roles
// at once.
type InMemoryStore struct {
	mu sync.Mutex

	proposals     map[string]ProposalRecord
	decisions     map[string]DecisionEnvelope
	digests       map[string]map[string]StorageDigestRow
	votes         map[string]VoteRow
	incidents     map[string]IncidentRow
	notifications map[string]NotificationRecord

	unavailable bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		proposals:     make(map[string]ProposalRecord),
		decisions:     make(map[string]DecisionEnvelope),
		digests:       make(map[string]map[string]StorageDigestRow),
		votes:         make(map[string]VoteRow),
		incidents:     make(map[string]IncidentRow),
		notifications: make(map[string]NotificationRecord),
	}
}

func (s *InMemoryStore) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

func (s *InMemoryStore) down() bool {
	return s.unavailable
}

func errUnavailable(role string) error {
	return fmt.Errorf("%s: %w", role, ErrBackendUnavailable)
}

func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("memory store")
	}
	return fn((*memTx)(s))
}

type memTx InMemoryStore

func (s *InMemoryStore) PutProposal(rec ProposalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("memory store")
	}
	s.proposals[rec.ProposalID] = rec
	return nil
}

func (s *InMemoryStore) GetProposal(proposalID string) (ProposalRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return ProposalRecord{}, false
	}
	rec, ok := s.proposals[proposalID]
	return rec, ok
}

func (s *InMemoryStore) ListProposals(status string, limit int) ([]ProposalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := []ProposalRecord{}
	for _, rec := range s.proposals {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt != out[j].SubmittedAt {
			return out[i].SubmittedAt > out[j].SubmittedAt
		}
		return out[i].ProposalID > out[j].ProposalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountProposalsByStatus() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := map[string]int{}
	for _, rec := range s.proposals {
		out[rec.Status]++
	}
	return out, nil
}

func (s *InMemoryStore) MarkProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return false, errUnavailable("memory store")
	}
	return (*memTx)(s).markProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID, reason)
}

func (s *InMemoryStore) GetDecisionByProposal(proposalID string) (DecisionEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return DecisionEnvelope{}, false
	}
	for _, env := range s.decisions {
		if env.ProposalID == proposalID {
			return env, true
		}
	}
	return DecisionEnvelope{}, false
}

func (s *InMemoryStore) ListRecentDecisions(limit int) ([]DecisionEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := make([]DecisionEnvelope, 0, len(s.decisions))
	for _, env := range s.decisions {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MaxDecisionSeq() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return 0, errUnavailable("memory store")
	}
	var max int64
	for _, env := range s.decisions {
		if env.Seq > max {
			max = env.Seq
		}
	}
	return max, nil
}

func (s *InMemoryStore) PutStorageDigest(rec StorageDigestRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("memory store")
	}
	return (*memTx)(s).PutStorageDigest(rec)
}

func (s *InMemoryStore) ListStorageDigests(decisionID string) ([]StorageDigestRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := []StorageDigestRow{}
	for _, rec := range s.digests[decisionID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out, nil
}

func (s *InMemoryStore) PutVote(rec VoteRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("memory store")
	}
	s.votes[rec.VoteID] = rec
	return nil
}

func (s *InMemoryStore) ListVotesByProposal(proposalID string) ([]VoteRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := []VoteRow{}
	for _, rec := range s.votes {
		if rec.ProposalID == proposalID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CastAt != out[j].CastAt {
			return out[i].CastAt < out[j].CastAt
		}
		return out[i].VoteID < out[j].VoteID
	})
	return out, nil
}

func (s *InMemoryStore) PutIncident(rec IncidentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("memory store")
	}
	s.incidents[rec.IncidentID] = rec
	return nil
}

func (s *InMemoryStore) GetIncidentByDecision(decisionID string) (IncidentRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return IncidentRow{}, false
	}
	for _, rec := range s.incidents {
		if rec.DecisionID == decisionID {
			return rec, true
		}
	}
	return IncidentRow{}, false
}

func (s *InMemoryStore) ListIncidents(limit int) ([]IncidentRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := []IncidentRow{}
	for _, rec := range s.incidents {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt != out[j].DetectedAt {
			return out[i].DetectedAt > out[j].DetectedAt
		}
		return out[i].IncidentID > out[j].IncidentID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutNotification(rec NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("memory store")
	}
	s.notifications[rec.NotificationID] = rec
	return nil
}

func (s *InMemoryStore) GetNotification(notificationID string) (NotificationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return NotificationRecord{}, false
	}
	rec, ok := s.notifications[notificationID]
	return rec, ok
}

func (s *InMemoryStore) ListNotificationsDue(now string, limit int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return nil, errUnavailable("memory store")
	}
	out := []NotificationRecord{}
	for _, rec := range s.notifications {
		if rec.Status != "pending" {
			continue
		}
		if rec.NextAttemptAt > now {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Backend role: the in-memory relational store holds decision copies too.

func (s *InMemoryStore) Name() string {
	return "relational"
}

func (s *InMemoryStore) PutDecision(_ context.Context, env DecisionEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("relational")
	}
	if _, ok := s.decisions[env.DecisionID]; ok {
		return nil
	}
	s.decisions[env.DecisionID] = env
	return nil
}

func (s *InMemoryStore) GetDecision(_ context.Context, decisionID string) (DecisionEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return DecisionEnvelope{}, errUnavailable("relational")
	}
	env, ok := s.decisions[decisionID]
	if !ok {
		return DecisionEnvelope{}, ErrNotFound
	}
	return env, nil
}

func (s *InMemoryStore) Digest(_ context.Context, decisionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return "", errUnavailable("relational")
	}
	env, ok := s.decisions[decisionID]
	if !ok {
		return "", ErrNotFound
	}
	return env.Digest, nil
}

func (s *InMemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down() {
		return errUnavailable("relational")
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (t *memTx) GetProposal(proposalID string) (ProposalRecord, bool) {
	rec, ok := (*InMemoryStore)(t).proposals[proposalID]
	return rec, ok
}

func (t *memTx) PutProposal(rec ProposalRecord) error {
	(*InMemoryStore)(t).proposals[rec.ProposalID] = rec
	return nil
}

func (t *memTx) MarkProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error) {
	return t.markProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID, reason)
}

func (t *memTx) markProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error) {
	s := (*InMemoryStore)(t)
	rec, ok := s.proposals[proposalID]
	if !ok || rec.Status != statusPending {
		return false, nil
	}
	rec.Status = status
	rec.DecidedBy = &decidedBy
	rec.DecidedAt = &decidedAt
	rec.DecisionID = &decisionID
	rec.Reason = reason
	s.proposals[proposalID] = rec
	return true, nil
}

func (t *memTx) PutStorageDigest(rec StorageDigestRow) error {
	s := (*InMemoryStore)(t)
	byBackend, ok := s.digests[rec.DecisionID]
	if !ok {
		byBackend = make(map[string]StorageDigestRow)
		s.digests[rec.DecisionID] = byBackend
	}
	byBackend[rec.Backend] = rec
	return nil
}

func (t *memTx) PutVote(rec VoteRow) error {
	(*InMemoryStore)(t).votes[rec.VoteID] = rec
	return nil
}

func (t *memTx) PutIncident(rec IncidentRow) error {
	(*InMemoryStore)(t).incidents[rec.IncidentID] = rec
	return nil
}

func (t *memTx) PutNotification(rec NotificationRecord) error {
	(*InMemoryStore)(t).notifications[rec.NotificationID] = rec
	return nil
}
