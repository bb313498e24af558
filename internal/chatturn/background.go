package chatturn

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// BackgroundSupervisor enforces "only one background subtask per
// conversation at a time" and lets the process wait for all
// outstanding background subtasks to drain on shutdown.
type BackgroundSupervisor struct {
	mu     sync.Mutex
	active map[string]struct{}
	group  errgroup.Group
}

// NewBackgroundSupervisor builds an empty supervisor.
func NewBackgroundSupervisor() *BackgroundSupervisor {
	return &BackgroundSupervisor{active: make(map[string]struct{})}
}

// TryStart reports whether conversationID had no running background
// subtask and reserves the slot if so. The caller must call Finish exactly
// once after the subtask completes.
func (s *BackgroundSupervisor) TryStart(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[conversationID]; ok {
		return false
	}
	s.active[conversationID] = struct{}{}
	return true
}

// Finish releases conversationID's background-subtask slot.
func (s *BackgroundSupervisor) Finish(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, conversationID)
}

// Running reports whether conversationID currently has a background
// subtask in flight.
func (s *BackgroundSupervisor) Running(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[conversationID]
	return ok
}

// Launch runs fn under the supervisor's errgroup so a panic-free shutdown
// can wait for every outstanding background subtask via Shutdown.
func (s *BackgroundSupervisor) Launch(fn func()) {
	s.group.Go(func() error {
		fn()
		return nil
	})
}

// Shutdown blocks until every launched background subtask has returned.
func (s *BackgroundSupervisor) Shutdown() error {
	return s.group.Wait()
}
