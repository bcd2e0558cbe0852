package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WriteQuorum is the durability bar: a decision with fewer durable copies is
// not committed.
const WriteQuorum = 2

const (
	DefaultWriteTimeout = 5 * time.Second
	retryDelay          = 250 * time.Millisecond
	pingTimeout         = 2 * time.Second
)

type WriteOutcome struct {
	Backend string
	Digest  string
	Err     error
}

// TripleStore fans a decision write out to the three heterogeneous backends
// and enforces the 2-of-3 durability bar.
type TripleStore struct {
	backends []Backend
	timeout  time.Duration
	logger   *zap.Logger
}

func NewTripleStore(backends []Backend, timeout time.Duration, logger *zap.Logger) *TripleStore {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TripleStore{backends: backends, timeout: timeout, logger: logger}
}

func (t *TripleStore) Backends() []Backend {
	return t.backends
}

// Write persists env to every backend concurrently. Each write runs under its
// own timeout detached from ctx: once started, a backend write is never
// cancelled, it runs to completion or its own deadline. Write returns as soon
// as WriteQuorum backends succeed, or once every backend has finished; fewer
// than WriteQuorum durable copies is ErrNotCommitted.
func (t *TripleStore) Write(ctx context.Context, env DecisionEnvelope) ([]WriteOutcome, error) {
	results := make(chan WriteOutcome, len(t.backends))
	for _, b := range t.backends {
		go func(b Backend) {
			results <- t.writeOne(b, env)
		}(b)
	}

	outcomes := make([]WriteOutcome, 0, len(t.backends))
	succeeded := 0
	for range t.backends {
		oc := <-results
		outcomes = append(outcomes, oc)
		if oc.Err == nil {
			succeeded++
		}
		if succeeded >= WriteQuorum {
			if remaining := len(t.backends) - len(outcomes); remaining > 0 {
				go t.drain(results, remaining)
			}
			return outcomes, nil
		}
	}

	return outcomes, fmt.Errorf("%d of %d backend writes durable: %w", succeeded, len(t.backends), ErrNotCommitted)
}

func (t *TripleStore) writeOne(b Backend, env DecisionEnvelope) WriteOutcome {
	wctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	err := b.PutDecision(wctx, env)
	if err != nil && errors.Is(err, ErrBackendUnavailable) && wctx.Err() == nil {
		select {
		case <-wctx.Done():
		case <-time.After(retryDelay):
			err = b.PutDecision(wctx, env)
		}
	}
	if err != nil {
		t.logger.Warn("backend write failed",
			zap.String("backend", b.Name()),
			zap.String("decision_id", env.DecisionID),
			zap.Error(err))
		return WriteOutcome{Backend: b.Name(), Err: err}
	}
	return WriteOutcome{Backend: b.Name(), Digest: env.Digest}
}

func (t *TripleStore) drain(results <-chan WriteOutcome, n int) {
	for i := 0; i < n; i++ {
		oc := <-results
		if oc.Err != nil {
			t.logger.Warn("straggler backend write failed",
				zap.String("backend", oc.Backend),
				zap.Error(oc.Err))
		}
	}
}

// Read returns the first copy found, preferring backends in configured
// order. ErrNotFound only when every backend reports no copy.
func (t *TripleStore) Read(ctx context.Context, decisionID string) (DecisionEnvelope, error) {
	var lastErr error
	for _, b := range t.backends {
		env, err := b.GetDecision(ctx, decisionID)
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, ErrNotFound) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return DecisionEnvelope{}, lastErr
	}
	return DecisionEnvelope{}, ErrNotFound
}

// Health pings every backend concurrently with a short per-backend timeout.
func (t *TripleStore) Health(ctx context.Context) map[string]error {
	var mu sync.Mutex
	out := make(map[string]error, len(t.backends))

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range t.backends {
		b := b
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, pingTimeout)
			defer cancel()
			err := b.Ping(pctx)
			mu.Lock()
			out[b.Name()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (t *TripleStore) Close() error {
	var firstErr error
	for _, b := range t.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
