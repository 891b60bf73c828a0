package dispatch

import "sync/atomic"

// Sequence mints the canonical monotonic alert ids. Both delivery paths
// draw from the same generator so one event has exactly one name; the
// durable log stores the minted id as if it were its own auto-increment.
type Sequence struct {
	last atomic.Int64
}

// NewSequence seeds the generator, normally with the durable log's MAX(id)
// so ids continue gaplessly across restarts.
func NewSequence(seed int64) *Sequence {
	s := &Sequence{}
	s.last.Store(seed)
	return s
}

// Next returns the next id. Ids are strictly increasing for the process
// lifetime and never reused.
func (s *Sequence) Next() int64 {
	return s.last.Add(1)
}

// Current returns the most recently issued id.
func (s *Sequence) Current() int64 {
	return s.last.Load()
}
