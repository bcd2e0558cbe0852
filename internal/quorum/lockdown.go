package quorum

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dndnordic/triumvir/internal/ledger"
)

// Lockdown is the fail-closed latch. It flips on when a quorum round cannot
// reach two clusters and stays on until the probe loop sees peers again.
// While latched, the ledger serves reads only. It implements
// ledger.LockdownState.
type Lockdown struct {
	mu     sync.Mutex
	locked bool
	reason string
	since  time.Time

	store  ledger.Store
	logger *zap.Logger
}

func NewLockdown(store ledger.Store, logger *zap.Logger) *Lockdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lockdown{store: store, logger: logger}
}

func (l *Lockdown) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// State reports the latch for the stats endpoint.
func (l *Lockdown) State() (locked bool, reason string, since time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked, l.reason, l.since
}

// Latch enters lockdown. Latching an already-latched cluster is a no-op, so
// repeated failed rounds do not spam notifications.
func (l *Lockdown) Latch(reason string, now time.Time) {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return
	}
	l.locked = true
	l.reason = reason
	l.since = now
	l.mu.Unlock()

	l.logger.Error("entering lockdown: writes disabled",
		zap.String("reason", reason))
	l.notify(ledger.NotifyLockdown, map[string]any{
		"reason": reason,
		"since":  now.UTC().Format(time.RFC3339),
	}, now)
}

// Clear exits lockdown once quorum is restorable.
func (l *Lockdown) Clear(now time.Time) {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		return
	}
	reason := l.reason
	since := l.since
	l.locked = false
	l.reason = ""
	l.since = time.Time{}
	l.mu.Unlock()

	l.logger.Info("lockdown cleared: writes enabled",
		zap.String("reason", reason),
		zap.Duration("held", now.Sub(since)))
	l.notify(ledger.NotifyLockdownCleared, map[string]any{
		"reason":  reason,
		"since":   since.UTC().Format(time.RFC3339),
		"cleared": now.UTC().Format(time.RFC3339),
	}, now)
}

func (l *Lockdown) notify(kind string, payload map[string]any, now time.Time) {
	if l.store == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		l.logger.Warn("lockdown payload marshal failed", zap.Error(err))
		return
	}
	nowStr := now.UTC().Format(time.RFC3339)
	rec := ledger.NotificationRecord{
		NotificationID: uuid.NewString(),
		Kind:           kind,
		SubjectID:      "cluster",
		PayloadJSON:    body,
		Status:         "pending",
		NextAttemptAt:  nowStr,
		CreatedAt:      nowStr,
		UpdatedAt:      nowStr,
	}
	if err := l.store.PutNotification(rec); err != nil {
		l.logger.Warn("lockdown notification enqueue failed",
			zap.String("kind", kind),
			zap.Error(err))
	}
}
