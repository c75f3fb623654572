package lock

import (
	"errors"
	"sync"
)

// ErrStaleLease is returned by a fenced sink when a write carries a fencing
// token lower than the latest one seen for its lock. Fatal to the in-flight
// job invocation, not to the process.
var ErrStaleLease = errors.New("stale lease fencing token")

// FencedSink guards a durable side-effect target against writes from a
// previously-presumed-dead lock holder. Every write is tagged with the
// writer's fencing token; tokens lower than the highest seen are rejected.
type FencedSink struct {
	mu      sync.Mutex
	highest map[string]int64
}

// NewFencedSink creates an empty sink guard.
func NewFencedSink() *FencedSink {
	return &FencedSink{highest: make(map[string]int64)}
}

// Apply runs fn if token is current for lockName, returning ErrStaleLease
// otherwise. The token floor advances before fn runs, so a concurrent stale
// writer cannot slip in between.
func (s *FencedSink) Apply(lockName string, token int64, fn func() error) error {
	s.mu.Lock()
	if token < s.highest[lockName] {
		s.mu.Unlock()
		return ErrStaleLease
	}
	s.highest[lockName] = token
	s.mu.Unlock()

	return fn()
}

// Highest returns the latest token observed for a lock name.
func (s *FencedSink) Highest(lockName string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highest[lockName]
}
