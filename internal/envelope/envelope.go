// Package envelope implements the monotone epoch/seq stamping protocol
// for generation events (spec.md §4.8) and late-token suppression.
package envelope

import "sync"

// Envelope carries the epoch/seq pair every generation event is
// stamped with. Consumers MUST drop any event whose Epoch does not
// equal the currently-observed epoch.
type Envelope struct {
	Epoch int64
	Seq   int64
}

// Stamper issues monotone epoch/seq pairs for one orchestrator
// instance. Epoch increments once per generate() call; Seq is monotone
// within an epoch.
type Stamper struct {
	mu    sync.Mutex
	epoch int64
	seq   int64
}

// NewStamper constructs a Stamper starting at epoch 0.
func NewStamper() *Stamper {
	return &Stamper{}
}

// NextEpoch increments and returns the new epoch, resetting seq to 0.
// Called once per generate() invocation.
func (s *Stamper) NextEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.seq = 0
	return s.epoch
}

// CurrentEpoch returns the current epoch without mutating state.
func (s *Stamper) CurrentEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Stamp returns the next Envelope for the current epoch, incrementing
// seq.
func (s *Stamper) Stamp() Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return Envelope{Epoch: s.epoch, Seq: s.seq}
}

// IsCurrent reports whether env belongs to the currently-observed
// epoch; consumers use this to drop late tokens from a superseded
// (e.g. aborted) generation.
func (s *Stamper) IsCurrent(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return env.Epoch == s.epoch
}

// Filter wraps a channel of T, dropping every value whose envelope is
// not current as observed at delivery time. withEnvelope extracts the
// Envelope from a T.
func Filter[T any](in <-chan T, stamper *Stamper, withEnvelope func(T) Envelope) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for v := range in {
			if stamper.IsCurrent(withEnvelope(v)) {
				out <- v
			}
		}
	}()
	return out
}
