package streamstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/pkg/types"
)

// ErrVersionConflict is returned when an append's expected version no
// longer matches the stream head.
var ErrVersionConflict = errors.New("stream version conflict")

// AnyVersion skips the optimistic head check: events land after whatever
// the current stream head is.
const AnyVersion int64 = -1

// Event is one record in an append-only stream. Versions start at 1 and
// are contiguous per stream.
type Event struct {
	EventID    string
	Stream     string
	Version    int64
	Type       string
	Payload    []byte
	Digest     string
	RecordedAt string
}

// Store is the event-sourced member of the backend trio. Decisions live in
// per-decision streams with exactly one decision-recorded event each.
type Store struct {
	db *sql.DB

	// mu serializes appends so the version check and insert agree; the
	// UNIQUE(stream, version) index backs this up at the schema level.
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS stream_events (
  global_seq     INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id       TEXT NOT NULL UNIQUE,
  stream         TEXT NOT NULL,
  version        INTEGER NOT NULL,
  event_type     TEXT NOT NULL,
  payload_json   TEXT NOT NULL,
  payload_digest TEXT NOT NULL,
  recorded_at    TEXT NOT NULL,
  UNIQUE(stream, version)
);
CREATE INDEX IF NOT EXISTS idx_stream_events_stream ON stream_events(stream, version);
`

func OpenStream(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := New(db)
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func streamName(decisionID string) string {
	return "decision-" + decisionID
}

// Append adds events to a stream iff the stream head still sits at
// expectedVersion; AnyVersion appends unconditionally. Returns the new
// head version.
func (s *Store) Append(ctx context.Context, stream string, expectedVersion int64, events []Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, unavailable("stream begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM stream_events WHERE stream = ?`, stream).Scan(&current); err != nil {
		return 0, unavailable("stream head", err)
	}
	if expectedVersion != AnyVersion && current != expectedVersion {
		return current, fmt.Errorf("%s: at version %d, expected %d: %w", stream, current, expectedVersion, ErrVersionConflict)
	}

	version := current
	for _, ev := range events {
		version++
		eventID := ev.EventID
		if eventID == "" {
			eventID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO stream_events(event_id, stream, version, event_type, payload_json, payload_digest, recorded_at)
VALUES(?,?,?,?,?,?,?)`,
			eventID,
			stream,
			version,
			ev.Type,
			string(ev.Payload),
			ev.Digest,
			ev.RecordedAt,
		)
		if err != nil {
			return current, unavailable("stream append", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return current, unavailable("stream commit", err)
	}
	return version, nil
}

// ReadStream returns all events of a stream in version order.
func (s *Store) ReadStream(ctx context.Context, stream string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, stream, version, event_type, payload_json, payload_digest, recorded_at
FROM stream_events WHERE stream = ? ORDER BY version ASC`, stream)
	if err != nil {
		return nil, unavailable("stream read", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.Stream, &ev.Version, &ev.Type, &payload, &ev.Digest, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendAudit records proposal lifecycle events. They live on their own
// streams, apart from decision streams, so decision digest reads stay
// single-event.
func (s *Store) AppendAudit(ctx context.Context, stream string, events []ledger.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	converted := make([]Event, 0, len(events))
	for _, ev := range events {
		converted = append(converted, Event{
			Type:       ev.Type,
			Payload:    ev.Payload,
			Digest:     ev.Digest,
			RecordedAt: ev.RecordedAt,
		})
	}
	_, err := s.Append(ctx, stream, AnyVersion, converted)
	return err
}

func (s *Store) Name() string {
	return types.BackendStream
}

// PutDecision appends the one decision-recorded event of the decision's
// stream. Replays are no-ops; a different payload for an existing stream
// is refused.
func (s *Store) PutDecision(ctx context.Context, env ledger.DecisionEnvelope) error {
	if env.DecisionID == "" {
		return fmt.Errorf("missing decision_id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	stream := streamName(env.DecisionID)

	_, err = s.Append(ctx, stream, 0, []Event{{
		Type:       "decision-recorded",
		Payload:    payload,
		Digest:     env.Digest,
		RecordedAt: env.CreatedAt,
	}})
	if errors.Is(err, ErrVersionConflict) {
		existing, derr := s.Digest(ctx, env.DecisionID)
		if derr != nil {
			return derr
		}
		if existing == env.Digest {
			return nil
		}
		return fmt.Errorf("stream: %s already holds %s, refusing to overwrite with %s", stream, existing, env.Digest)
	}
	return err
}

func (s *Store) GetDecision(ctx context.Context, decisionID string) (ledger.DecisionEnvelope, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM stream_events
WHERE stream = ? AND event_type = 'decision-recorded' ORDER BY version DESC LIMIT 1`, streamName(decisionID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DecisionEnvelope{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.DecisionEnvelope{}, unavailable("stream get", err)
	}
	var env ledger.DecisionEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return ledger.DecisionEnvelope{}, fmt.Errorf("stream: decode %s: %w", decisionID, err)
	}
	return env, nil
}

func (s *Store) Digest(ctx context.Context, decisionID string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT payload_digest FROM stream_events
WHERE stream = ? AND event_type = 'decision-recorded' ORDER BY version DESC LIMIT 1`, streamName(decisionID)).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrNotFound
	}
	if err != nil {
		return "", unavailable("stream digest", err)
	}
	return digest, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("stream ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrBackendUnavailable)
}
