// Package notify drains the store-backed notification outbox. The ledger,
// verifier and lockdown latch enqueue records; this worker delivers them to
// stakeholders through a Poster and owns retry backoff and dead-lettering.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dndnordic/triumvir/internal/ledger"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusDead    = "dead"
)

// maxAttempts dead-letters a record after roughly an hour of capped backoff.
const maxAttempts = 10

// Event is the delivered form of an outbox record.
type Event struct {
	NotificationID string          `json:"notification_id"`
	Kind           string          `json:"kind"`
	SubjectID      string          `json:"subject_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      string          `json:"created_at"`
}

type Poster interface {
	Post(ctx context.Context, ev Event) error
}

// ProcessDue delivers due pending notifications and applies exponential
// backoff when posting fails. Records whose payload is not JSON, or that
// exhaust their attempts, go dead instead of retrying forever.
func ProcessDue(ctx context.Context, store ledger.Store, poster Poster, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if poster == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	due, err := store.ListNotificationsDue(now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if rec.Status != StatusPending {
			continue
		}

		if !json.Valid(rec.PayloadJSON) {
			msg := "invalid payload_json"
			rec.LastError = &msg
			rec.Status = StatusDead
			rec.UpdatedAt = now.UTC().Format(time.RFC3339)
			if err := store.PutNotification(rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		err := poster.Post(ctx, Event{
			NotificationID: rec.NotificationID,
			Kind:           rec.Kind,
			SubjectID:      rec.SubjectID,
			Payload:        rec.PayloadJSON,
			CreatedAt:      rec.CreatedAt,
		})
		if err != nil {
			rec.AttemptCount++
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = now.UTC().Format(time.RFC3339)
			if rec.AttemptCount >= maxAttempts {
				rec.Status = StatusDead
			} else {
				rec.NextAttemptAt = now.UTC().Add(nextAttempt(rec.AttemptCount - 1)).Format(time.RFC3339)
			}
			if err := store.PutNotification(rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		rec.Status = StatusSent
		sentAt := now.UTC().Format(time.RFC3339)
		rec.SentAt = &sentAt
		rec.UpdatedAt = sentAt
		if err := store.PutNotification(rec); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	d := base << attemptCount
	max := 5 * time.Minute
	if d > max {
		return max
	}
	return d
}

// RunWorker polls and delivers due notifications until ctx is cancelled.
func RunWorker(ctx context.Context, store ledger.Store, poster Poster, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, _ = ProcessDue(ctx, store, poster, now, 25)
		}
	}
}
