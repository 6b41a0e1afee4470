package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing IDs. The zero value starts at 1.
type Sequencer struct {
	last atomic.Uint64
}

// New returns a sequencer whose first Next returns start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next returns the next ID.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued ID, or the start value if none was issued.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset moves the sequencer to v. IDs issued afterwards start at v+1.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
