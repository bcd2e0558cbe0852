package ledger

import "sync/atomic"

// Sequence hands out monotonic decision sequence numbers. Seed it with the
// relational store's MaxDecisionSeq at startup so identifiers stay monotonic
// across restarts.
type Sequence struct {
	last atomic.Int64
}

func NewSequence(last int64) *Sequence {
	s := &Sequence{}
	s.last.Store(last)
	return s
}

func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

func (s *Sequence) Current() int64 {
	return s.last.Load()
}
