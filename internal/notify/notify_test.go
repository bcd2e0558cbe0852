package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dndnordic/triumvir/internal/ledger"
)

type flakyPoster struct {
	mu    sync.Mutex
	calls int
	fail  int
	seen  []Event
}

func (p *flakyPoster) Post(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fail {
		return errors.New("webhook returned status 503")
	}
	p.seen = append(p.seen, ev)
	return nil
}

func (p *flakyPoster) delivered() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.seen))
	copy(out, p.seen)
	return out
}

func pendingRecord(id string, now time.Time) ledger.NotificationRecord {
	nowStr := now.UTC().Format(time.RFC3339)
	return ledger.NotificationRecord{
		NotificationID: id,
		Kind:           ledger.NotifyDecisionCommitted,
		SubjectID:      "gd-000000001",
		PayloadJSON:    []byte(`{"decision_id":"gd-000000001","status":"approved"}`),
		Status:         StatusPending,
		NextAttemptAt:  nowStr,
		CreatedAt:      nowStr,
		UpdatedAt:      nowStr,
	}
}

func TestProcessDueRetryThenSuccess(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.PutNotification(pendingRecord("n1", now)); err != nil {
		t.Fatalf("put notification: %v", err)
	}

	poster := &flakyPoster{fail: 1}
	if n, err := ProcessDue(context.Background(), store, poster, now, 10); err != nil || n != 1 {
		t.Fatalf("process: n=%d err=%v", n, err)
	}

	afterFail, ok := store.GetNotification("n1")
	if !ok || afterFail.Status != StatusPending || afterFail.AttemptCount != 1 || afterFail.LastError == nil {
		t.Fatalf("unexpected after fail: %+v ok=%v", afterFail, ok)
	}
	if afterFail.NextAttemptAt != now.Add(5*time.Second).Format(time.RFC3339) {
		t.Fatalf("first backoff should be 5s, got %s", afterFail.NextAttemptAt)
	}

	now2 := now.Add(10 * time.Second)
	if n, err := ProcessDue(context.Background(), store, poster, now2, 10); err != nil || n != 1 {
		t.Fatalf("process2: n=%d err=%v", n, err)
	}

	final, ok := store.GetNotification("n1")
	if !ok || final.Status != StatusSent || final.SentAt == nil {
		t.Fatalf("unexpected final: %+v ok=%v", final, ok)
	}
	if got := poster.delivered(); len(got) != 1 || got[0].Kind != ledger.NotifyDecisionCommitted {
		t.Fatalf("delivered: %+v", got)
	}
}

func TestProcessDueInvalidPayloadGoesDead(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := pendingRecord("n1", now)
	rec.PayloadJSON = []byte("not-json")
	if err := store.PutNotification(rec); err != nil {
		t.Fatalf("put notification: %v", err)
	}

	poster := &flakyPoster{}
	if _, err := ProcessDue(context.Background(), store, poster, now, 10); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := store.GetNotification("n1")
	if got.Status != StatusDead || got.LastError == nil {
		t.Fatalf("expected dead record, got %+v", got)
	}
	if len(poster.delivered()) != 0 {
		t.Fatalf("malformed payload must not be posted")
	}
}

func TestProcessDueExhaustedAttemptsGoDead(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec := pendingRecord("n1", now)
	rec.AttemptCount = maxAttempts - 1
	if err := store.PutNotification(rec); err != nil {
		t.Fatalf("put notification: %v", err)
	}

	poster := &flakyPoster{fail: 100}
	if _, err := ProcessDue(context.Background(), store, poster, now, 10); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := store.GetNotification("n1")
	if got.Status != StatusDead || got.AttemptCount != maxAttempts {
		t.Fatalf("expected dead after attempt cap, got %+v", got)
	}
}

func TestNextAttemptCapped(t *testing.T) {
	if got := nextAttempt(0); got != 5*time.Second {
		t.Fatalf("expected 5s, got %v", got)
	}
	if got := nextAttempt(1); got != 10*time.Second {
		t.Fatalf("expected 10s, got %v", got)
	}
	if got := nextAttempt(20); got != 5*time.Minute {
		t.Fatalf("expected cap 5m, got %v", got)
	}
}

func TestRunWorkerDeliversPending(t *testing.T) {
	store := ledger.NewInMemoryStore()
	now := time.Now().UTC().Add(-time.Second)
	if err := store.PutNotification(pendingRecord("n1", now)); err != nil {
		t.Fatalf("put notification: %v", err)
	}

	poster := &flakyPoster{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWorker(ctx, store, poster, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := store.GetNotification("n1"); ok && rec.Status == StatusSent {
			cancel()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker did not deliver notification in time")
}
