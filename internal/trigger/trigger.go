package trigger

import "sync"

// Well-known trigger names. Callers may request arbitrary names; these are
// the ones raised internally.
const (
	NameTime    = "time"
	NameLock    = "lock"
	NameRadius  = "radius"
	NameCommand = "loc"
)

// Set collects pending publish reasons. Names are deduplicated and only
// cleared when a report is actually composed, so a reason queued between
// evaluation and send is never lost. Safe for concurrent callers; the
// transport completion goroutine may request triggers while the main loop
// drains them.
type Set struct {
	mu        sync.Mutex
	pending   []string
	immediate bool
}

func NewSet() *Set {
	return &Set{}
}

// Request queues name if it is not already pending.
func (s *Set) Request(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(name)
}

// RequestImmediate queues name and flags the next evaluation to publish
// immediately, overriding min/max interval checks.
func (s *Set) RequestImmediate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(name)
	s.immediate = true
}

func (s *Set) add(name string) {
	for _, t := range s.pending {
		if t == name {
			return
		}
	}
	s.pending = append(s.pending, name)
}

// Pending reports whether any trigger is queued.
func (s *Set) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Immediate reports whether an immediate publish was requested.
func (s *Set) Immediate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immediate
}

// ClearImmediate drops the immediate flag once the publish it requested is
// underway. Pending names stay queued until drained into a report.
func (s *Set) ClearImmediate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immediate = false
}

// Drain atomically returns and clears the pending names. Called only at the
// moment a report is composed, never during evaluation-only passes.
func (s *Set) Drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := s.pending
	s.pending = nil
	return names
}
