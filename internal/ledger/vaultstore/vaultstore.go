package vaultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/dndnordic/triumvir/internal/crypto"
	"github.com/dndnordic/triumvir/internal/ledger"
	"github.com/dndnordic/triumvir/pkg/types"
)

// Store is the tamper-evident member of the backend trio: a hash-chained
// key-value vault over SQLite. Every put appends a chain entry whose hash
// covers the previous entry's hash, so a retroactive edit breaks every
// later link. Reads re-derive the link before returning a payload.
type Store struct {
	db *sql.DB

	// Chain appends read the head and insert in one step; mu keeps two
	// writers from forking the chain.
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_entries (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  key            TEXT NOT NULL,
  payload_json   TEXT NOT NULL,
  payload_digest TEXT NOT NULL,
  prev_hash      TEXT NOT NULL,
  entry_hash     TEXT NOT NULL,
  created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vault_entries_key ON vault_entries(key, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_vault_entries_hash ON vault_entries(entry_hash);
`

func OpenVault(dsn string) (*Store, error) {
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

func decisionKey(decisionID string) string {
	return "decision/" + decisionID
}

// chainHash derives the entry hash for one link. Fields are newline-framed
// so a boundary shift between key and digest cannot produce a collision.
func chainHash(prevHash, key, payloadDigest string) string {
	return crypto.DigestWithPrefix([]byte(prevHash + "\n" + key + "\n" + payloadDigest))
}

func (s *Store) Name() string {
	return types.BackendVault
}

// PutDecision appends the decision under decision/<id>. Replaying the same
// envelope is a no-op; a different payload for an existing key is refused,
// the vault never overwrites.
func (s *Store) PutDecision(ctx context.Context, env ledger.DecisionEnvelope) error {
	if env.DecisionID == "" {
		return fmt.Errorf("missing decision_id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := decisionKey(env.DecisionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return unavailable("vault begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT payload_digest FROM vault_entries WHERE key = ? ORDER BY seq DESC LIMIT 1`, key).Scan(&existing)
	switch {
	case err == nil:
		if existing == env.Digest {
			return nil
		}
		return fmt.Errorf("vault: %s already holds %s, refusing to overwrite with %s", key, existing, env.Digest)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return unavailable("vault head lookup", err)
	}

	prevHash := ""
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM vault_entries ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return unavailable("vault chain head", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO vault_entries(key, payload_json, payload_digest, prev_hash, entry_hash, created_at)
VALUES(?,?,?,?,?,?)`,
		key,
		string(payload),
		env.Digest,
		prevHash,
		chainHash(prevHash, key, env.Digest),
		env.CreatedAt,
	)
	if err != nil {
		return unavailable("vault append", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("vault commit", err)
	}
	return nil
}

// GetDecision is a verified get: it re-derives the chain link and checks
// the stored payload against the recorded digest before returning.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (ledger.DecisionEnvelope, error) {
	key := decisionKey(decisionID)
	var payload, payloadDigest, prevHash, entryHash string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json, payload_digest, prev_hash, entry_hash
FROM vault_entries WHERE key = ? ORDER BY seq DESC LIMIT 1`, key).
		Scan(&payload, &payloadDigest, &prevHash, &entryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.DecisionEnvelope{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.DecisionEnvelope{}, unavailable("vault get", err)
	}

	if chainHash(prevHash, key, payloadDigest) != entryHash {
		return ledger.DecisionEnvelope{}, fmt.Errorf("vault: chain hash mismatch for %s", key)
	}
	var env ledger.DecisionEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return ledger.DecisionEnvelope{}, fmt.Errorf("vault: decode %s: %w", key, err)
	}
	if crypto.DigestWithPrefix(env.BodyJSON) != payloadDigest {
		return ledger.DecisionEnvelope{}, fmt.Errorf("vault: payload digest mismatch for %s", key)
	}
	return env, nil
}

// Digest re-derives the digest from the stored payload rather than trusting
// the recorded column, so a tampered payload shows up as a cross-store
// mismatch. The chain link is still checked first.
func (s *Store) Digest(ctx context.Context, decisionID string) (string, error) {
	key := decisionKey(decisionID)
	var payload, payloadDigest, prevHash, entryHash string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json, payload_digest, prev_hash, entry_hash
FROM vault_entries WHERE key = ? ORDER BY seq DESC LIMIT 1`, key).
		Scan(&payload, &payloadDigest, &prevHash, &entryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrNotFound
	}
	if err != nil {
		return "", unavailable("vault digest", err)
	}
	if chainHash(prevHash, key, payloadDigest) != entryHash {
		return "", fmt.Errorf("vault: chain hash mismatch for %s", key)
	}
	var env ledger.DecisionEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", fmt.Errorf("vault: decode %s: %w", key, err)
	}
	return crypto.DigestWithPrefix(env.BodyJSON), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("vault ping", err)
	}
	return nil
}

// VerifyChain walks every entry in append order and re-derives each link.
// Returns the number of verified entries.
func (s *Store) VerifyChain(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, payload_json, payload_digest, prev_hash, entry_hash
FROM vault_entries ORDER BY seq ASC`)
	if err != nil {
		return 0, unavailable("vault chain walk", err)
	}
	defer rows.Close()

	count := 0
	want := ""
	for rows.Next() {
		var key, payload, payloadDigest, prevHash, entryHash string
		if err := rows.Scan(&key, &payload, &payloadDigest, &prevHash, &entryHash); err != nil {
			return count, err
		}
		if prevHash != want {
			return count, fmt.Errorf("vault: chain fork at %s: prev %s, want %s", key, prevHash, want)
		}
		if chainHash(prevHash, key, payloadDigest) != entryHash {
			return count, fmt.Errorf("vault: chain hash mismatch at %s", key)
		}
		var env ledger.DecisionEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return count, fmt.Errorf("vault: decode %s: %w", key, err)
		}
		if crypto.DigestWithPrefix(env.BodyJSON) != payloadDigest {
			return count, fmt.Errorf("vault: payload digest mismatch at %s", key)
		}
		want = entryHash
		count++
	}
	return count, rows.Err()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrBackendUnavailable)
}
