package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is a map-backed Backend used by dev mode and tests. Outages
// and slow writes can be injected to exercise the durability bar.
type MemoryBackend struct {
	name string

	mu          sync.Mutex
	envs        map[string]DecisionEnvelope
	unavailable bool
	delay       time.Duration
}

func NewMemoryBackend(name string) *MemoryBackend {
	return &MemoryBackend{name: name, envs: make(map[string]DecisionEnvelope)}
}

func (m *MemoryBackend) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

func (m *MemoryBackend) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Drop removes a stored copy, simulating a backend that missed a write.
func (m *MemoryBackend) Drop(decisionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envs, decisionID)
}

// Corrupt replaces a stored digest, simulating silent divergence.
func (m *MemoryBackend) Corrupt(decisionID, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[decisionID]
	if !ok {
		return
	}
	env.Digest = digest
	m.envs[decisionID] = env
}

func (m *MemoryBackend) Name() string {
	return m.name
}

func (m *MemoryBackend) PutDecision(ctx context.Context, env DecisionEnvelope) error {
	m.mu.Lock()
	delay, down := m.delay, m.unavailable
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return errUnavailable(m.name)
		case <-time.After(delay):
		}
	}
	if down {
		return errUnavailable(m.name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envs[env.DecisionID]; ok {
		return nil
	}
	m.envs[env.DecisionID] = env
	return nil
}

func (m *MemoryBackend) GetDecision(_ context.Context, decisionID string) (DecisionEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return DecisionEnvelope{}, errUnavailable(m.name)
	}
	env, ok := m.envs[decisionID]
	if !ok {
		return DecisionEnvelope{}, ErrNotFound
	}
	return env, nil
}

func (m *MemoryBackend) Digest(_ context.Context, decisionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", errUnavailable(m.name)
	}
	env, ok := m.envs[decisionID]
	if !ok {
		return "", ErrNotFound
	}
	return env.Digest, nil
}

func (m *MemoryBackend) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return errUnavailable(m.name)
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
