package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/pkg/types"
)

// Store is the relational member of the backend trio. It carries the
// system-of-record tables and, through the Backend methods, its own copy
// of every decision.
type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return unavailable("begin tx", err)
	}
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) PutProposal(rec ledger.ProposalRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutProposal(rec) })
}

const proposalColumns = `proposal_id, title, submitter, category, description, impact_assessment, security_implications, changes_json, status, submitted_at, deadline, decided_at, decided_by, decision_id, reason`

func scanProposal(row interface{ Scan(...any) error }) (ledger.ProposalRecord, error) {
	var rec ledger.ProposalRecord
	var changes string
	err := row.Scan(
		&rec.ProposalID,
		&rec.Title,
		&rec.Submitter,
		&rec.Category,
		&rec.Description,
		&rec.ImpactAssessment,
		&rec.SecurityImplications,
		&changes,
		&rec.Status,
		&rec.SubmittedAt,
		&rec.Deadline,
		&rec.DecidedAt,
		&rec.DecidedBy,
		&rec.DecisionID,
		&rec.Reason,
	)
	if err != nil {
		return ledger.ProposalRecord{}, err
	}
	rec.ChangesJSON = []byte(changes)
	return rec, nil
}

func (s *Store) GetProposal(proposalID string) (ledger.ProposalRecord, bool) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = ?`, proposalID)
	rec, err := scanProposal(row)
	if err != nil {
		return ledger.ProposalRecord{}, false
	}
	return rec, true
}

func (s *Store) ListProposals(status string, limit int) ([]ledger.ProposalRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(`SELECT `+proposalColumns+` FROM proposals
ORDER BY submitted_at DESC, proposal_id DESC
LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+proposalColumns+` FROM proposals
WHERE status = ?
ORDER BY submitted_at DESC, proposal_id DESC
LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.ProposalRecord{}
	for rows.Next() {
		rec, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountProposalsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *Store) MarkProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error) {
	res, err := s.db.Exec(`UPDATE proposals
SET status = ?, decided_by = ?, decided_at = ?, decision_id = ?, reason = ?
WHERE proposal_id = ? AND status = 'pending'`,
		status, decidedBy, decidedAt, decisionID, reason, proposalID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const decisionColumns = `decision_id, proposal_id, seq, kind, created_at, body_json, digest, key_id, sig`

func scanDecision(row interface{ Scan(...any) error }) (ledger.DecisionEnvelope, error) {
	var env ledger.DecisionEnvelope
	var body string
	err := row.Scan(
		&env.DecisionID,
		&env.ProposalID,
		&env.Seq,
		&env.Kind,
		&env.CreatedAt,
		&body,
		&env.Digest,
		&env.KeyID,
		&env.Sig,
	)
	if err != nil {
		return ledger.DecisionEnvelope{}, err
	}
	env.BodyJSON = []byte(body)
	return env, nil
}

func (s *Store) GetDecisionByProposal(proposalID string) (ledger.DecisionEnvelope, bool) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE proposal_id = ?`, proposalID)
	env, err := scanDecision(row)
	if err != nil {
		return ledger.DecisionEnvelope{}, false
	}
	return env, true
}

func (s *Store) ListRecentDecisions(limit int) ([]ledger.DecisionEnvelope, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+decisionColumns+` FROM decisions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.DecisionEnvelope{}
	for rows.Next() {
		env, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *Store) MaxDecisionSeq() (int64, error) {
	var maxSeq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM decisions`).Scan(&maxSeq); err != nil {
		return 0, err
	}
	return maxSeq, nil
}

func (s *Store) PutStorageDigest(rec ledger.StorageDigestRow) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutStorageDigest(rec) })
}

func (s *Store) ListStorageDigests(decisionID string) ([]ledger.StorageDigestRow, error) {
	rows, err := s.db.Query(`SELECT decision_id, backend, digest, recorded_at
FROM storage_digests WHERE decision_id = ? ORDER BY backend ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.StorageDigestRow{}
	for rows.Next() {
		var rec ledger.StorageDigestRow
		if err := rows.Scan(&rec.DecisionID, &rec.Backend, &rec.Digest, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutVote(rec ledger.VoteRow) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutVote(rec) })
}

func (s *Store) ListVotesByProposal(proposalID string) ([]ledger.VoteRow, error) {
	rows, err := s.db.Query(`SELECT vote_id, cluster_id, decision_ref, proposal_id, vote, reason, cast_at, sig
FROM quorum_votes WHERE proposal_id = ? ORDER BY cast_at ASC, vote_id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.VoteRow{}
	for rows.Next() {
		var rec ledger.VoteRow
		if err := rows.Scan(&rec.VoteID, &rec.ClusterID, &rec.DecisionRef, &rec.ProposalID, &rec.Vote, &rec.Reason, &rec.CastAt, &rec.Sig); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutIncident(rec ledger.IncidentRow) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutIncident(rec) })
}

func (s *Store) GetIncidentByDecision(decisionID string) (ledger.IncidentRow, bool) {
	var rec ledger.IncidentRow
	row := s.db.QueryRow(`SELECT incident_id, decision_id, backend_a, backend_b, digest_a, digest_b, detected_at, note
FROM incidents WHERE decision_id = ? ORDER BY detected_at DESC LIMIT 1`, decisionID)
	if err := row.Scan(&rec.IncidentID, &rec.DecisionID, &rec.BackendA, &rec.BackendB, &rec.DigestA, &rec.DigestB, &rec.DetectedAt, &rec.Note); err != nil {
		return ledger.IncidentRow{}, false
	}
	return rec, true
}

func (s *Store) ListIncidents(limit int) ([]ledger.IncidentRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT incident_id, decision_id, backend_a, backend_b, digest_a, digest_b, detected_at, note
FROM incidents ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.IncidentRow{}
	for rows.Next() {
		var rec ledger.IncidentRow
		if err := rows.Scan(&rec.IncidentID, &rec.DecisionID, &rec.BackendA, &rec.BackendB, &rec.DigestA, &rec.DigestB, &rec.DetectedAt, &rec.Note); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutNotification(rec ledger.NotificationRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutNotification(rec) })
}

func (s *Store) GetNotification(notificationID string) (ledger.NotificationRecord, bool) {
	var rec ledger.NotificationRecord
	var payload string
	row := s.db.QueryRow(`SELECT notification_id, kind, subject_id, payload_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at
FROM notifications WHERE notification_id = ?`, notificationID)
	if err := row.Scan(&rec.NotificationID, &rec.Kind, &rec.SubjectID, &payload, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.NotificationRecord{}, false
	}
	rec.PayloadJSON = []byte(payload)
	return rec, true
}

func (s *Store) ListNotificationsDue(now string, limit int) ([]ledger.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT notification_id, kind, subject_id, payload_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at
FROM notifications
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.NotificationRecord{}
	for rows.Next() {
		var rec ledger.NotificationRecord
		var payload string
		if err := rows.Scan(&rec.NotificationID, &rec.Kind, &rec.SubjectID, &payload, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.PayloadJSON = []byte(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Backend methods: the relational store's own decision copy.

func (s *Store) Name() string {
	return types.BackendRelational
}

func (s *Store) PutDecision(ctx context.Context, env ledger.DecisionEnvelope) error {
	if env.DecisionID == "" {
		return fmt.Errorf("missing decision_id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO decisions(decision_id, proposal_id, seq, kind, created_at, body_json, digest, key_id, sig)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(decision_id) DO NOTHING`,
		env.DecisionID,
		env.ProposalID,
		env.Seq,
		env.Kind,
		env.CreatedAt,
		string(env.BodyJSON),
		env.Digest,
		env.KeyID,
		env.Sig,
	)
	if err != nil {
		return unavailable("relational put decision", err)
	}
	return nil
}

func (s *Store) GetDecision(ctx context.Context, decisionID string) (ledger.DecisionEnvelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID)
	env, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DecisionEnvelope{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.DecisionEnvelope{}, unavailable("relational get decision", err)
	}
	return env, nil
}

func (s *Store) Digest(ctx context.Context, decisionID string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM decisions WHERE decision_id = ?`, decisionID).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrNotFound
	}
	if err != nil {
		return "", unavailable("relational digest", err)
	}
	return digest, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("relational ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrBackendUnavailable)
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetProposal(proposalID string) (ledger.ProposalRecord, bool) {
	row := t.tx.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE proposal_id = ?`, proposalID)
	rec, err := scanProposal(row)
	if err != nil {
		return ledger.ProposalRecord{}, false
	}
	return rec, true
}

func (t *Tx) PutProposal(rec ledger.ProposalRecord) error {
	if rec.ProposalID == "" {
		return fmt.Errorf("missing proposal_id")
	}
	_, err := t.tx.Exec(
		`INSERT INTO proposals(proposal_id, title, submitter, category, description, impact_assessment, security_implications, changes_json, status, submitted_at, deadline, decided_at, decided_by, decision_id, reason)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(proposal_id) DO NOTHING`,
		rec.ProposalID,
		rec.Title,
		rec.Submitter,
		rec.Category,
		rec.Description,
		rec.ImpactAssessment,
		rec.SecurityImplications,
		string(rec.ChangesJSON),
		rec.Status,
		rec.SubmittedAt,
		rec.Deadline,
		rec.DecidedAt,
		rec.DecidedBy,
		rec.DecisionID,
		rec.Reason,
	)
	return err
}

func (t *Tx) MarkProposalDecided(proposalID, status, decidedBy, decidedAt, decisionID string, reason *string) (bool, error) {
	res, err := t.tx.Exec(`UPDATE proposals
SET status = ?, decided_by = ?, decided_at = ?, decision_id = ?, reason = ?
WHERE proposal_id = ? AND status = 'pending'`,
		status, decidedBy, decidedAt, decisionID, reason, proposalID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (t *Tx) PutStorageDigest(rec ledger.StorageDigestRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO storage_digests(decision_id, backend, digest, recorded_at)
VALUES(?,?,?,?)
ON CONFLICT(decision_id, backend) DO UPDATE SET
  digest=excluded.digest,
  recorded_at=excluded.recorded_at`,
		rec.DecisionID,
		rec.Backend,
		rec.Digest,
		rec.RecordedAt,
	)
	return err
}

func (t *Tx) PutVote(rec ledger.VoteRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO quorum_votes(vote_id, cluster_id, decision_ref, proposal_id, vote, reason, cast_at, sig)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(vote_id) DO NOTHING`,
		rec.VoteID,
		rec.ClusterID,
		rec.DecisionRef,
		rec.ProposalID,
		rec.Vote,
		rec.Reason,
		rec.CastAt,
		rec.Sig,
	)
	return err
}

func (t *Tx) PutIncident(rec ledger.IncidentRow) error {
	_, err := t.tx.Exec(
		`INSERT INTO incidents(incident_id, decision_id, backend_a, backend_b, digest_a, digest_b, detected_at, note)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(incident_id) DO NOTHING`,
		rec.IncidentID,
		rec.DecisionID,
		rec.BackendA,
		rec.BackendB,
		rec.DigestA,
		rec.DigestB,
		rec.DetectedAt,
		rec.Note,
	)
	return err
}

func (t *Tx) PutNotification(rec ledger.NotificationRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO notifications(notification_id, kind, subject_id, payload_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(notification_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.NotificationID,
		rec.Kind,
		rec.SubjectID,
		string(rec.PayloadJSON),
		rec.Status,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.LastError,
		rec.SentAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}
