package service

import (
	"sync"

	"github.com/devrev/pairdb/scout/internal/clock"
)

// timestampSource hands out the client timestamps of update transactions.
// The most recent timestamp can be handed back when its transaction never
// reached the store, so the sequencer sees no gap.
type timestampSource struct {
	mu      sync.Mutex
	site    string
	counter uint64
}

func newTimestampSource(site string) *timestampSource {
	return &timestampSource{site: site}
}

// Next returns a fresh timestamp
func (s *timestampSource) Next() clock.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return clock.NewTimestamp(s.site, s.counter)
}

// ReturnLast gives ts back for reuse. Only the latest timestamp can be
// returned; false means ts stays consumed.
func (s *timestampSource) ReturnLast(ts clock.Timestamp) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts.Site != s.site || ts.Counter != s.counter {
		return false
	}
	s.counter--
	return true
}

// ResumeAfter makes the next timestamp follow counter
func (s *timestampSource) ResumeAfter(counter uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter > s.counter {
		s.counter = counter
	}
}

// Last is the most recently handed out counter
func (s *timestampSource) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}
