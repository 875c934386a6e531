package cachetier

import (
	"io"
	"sync"
)

// StreamRegistry tracks which streams a given owner (a *txGuard, a request
// ID, or any other comparable token the caller chooses) currently has open
// against the local tier. It is the Go substitute for the original
// provider's per-thread FAST_LOCAL_STREAMS set: instead of relying on
// thread-local storage, callers pass an explicit owner through context and
// the registry keys off that, so a session's streams can be force-closed
// from any goroutine.
type StreamRegistry struct {
	mu      sync.Mutex
	streams map[any]map[io.Closer]struct{}
}

// NewStreamRegistry returns an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[any]map[io.Closer]struct{})}
}

// Track records that owner has c open.
func (s *StreamRegistry) Track(owner any, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.streams[owner]
	if !ok {
		set = make(map[io.Closer]struct{})
		s.streams[owner] = set
	}
	set[c] = struct{}{}
}

// Untrack stops tracking c for owner, typically called once c.Close() has
// already run successfully.
func (s *StreamRegistry) Untrack(owner any, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.streams[owner]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.streams, owner)
	}
}

// CloseAll closes every stream still open for owner and forgets them,
// returning the first error encountered, if any. Used to unwind a session
// that ended without each stream being closed individually.
func (s *StreamRegistry) CloseAll(owner any) error {
	s.mu.Lock()
	set := s.streams[owner]
	delete(s.streams, owner)
	s.mu.Unlock()

	var firstErr error
	for c := range set {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Count returns how many streams owner currently has open.
func (s *StreamRegistry) Count(owner any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[owner])
}
