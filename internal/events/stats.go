package events

import (
	"sync"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// RunStats folds a stream of AgentEvents into aggregate run statistics.
type RunStats struct {
	mu sync.Mutex

	ToolCallsStarted   int
	ToolCallsSucceeded int
	ToolCallsFailed    int
	ToolCallsDenied    int
	ApprovalsRequired  int
	ChatDeltas         int
	Errors             int
	ConcernsCreated    int
	ConcernsTouched    int
	JournalEntries     int
	CycleCounts        map[string]int
}

// NewRunStats returns an empty RunStats ready to Dispatch events into.
func NewRunStats() *RunStats {
	return &RunStats{CycleCounts: make(map[string]int)}
}

// Dispatch implements Sink, folding evt into the running totals.
func (s *RunStats) Dispatch(evt models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.EventType {
	case models.EventToolCallProgress:
		p, ok := evt.Payload.(models.ToolCallProgressPayload)
		if !ok {
			return
		}
		switch p.Stage {
		case models.ToolEventStarted:
			s.ToolCallsStarted++
		case models.ToolEventSucceeded:
			s.ToolCallsSucceeded++
		case models.ToolEventFailed:
			s.ToolCallsFailed++
		case models.ToolEventDenied:
			s.ToolCallsDenied++
		case models.ToolEventApprovalRequired:
			s.ApprovalsRequired++
		}
	case models.EventChatStreaming:
		s.ChatDeltas++
	case models.EventError:
		s.Errors++
	case models.EventConcernCreated:
		s.ConcernsCreated++
	case models.EventConcernTouched:
		s.ConcernsTouched++
	case models.EventJournalWritten:
		s.JournalEntries++
	case models.EventCycleStart:
		if p, ok := evt.Payload.(models.CycleStartPayload); ok {
			s.CycleCounts[p.Loop]++
		}
	}
}

// Snapshot returns a copy of the current counters, safe for concurrent reads
// while the collector keeps dispatching.
func (s *RunStats) Snapshot() RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	cycles := make(map[string]int, len(s.CycleCounts))
	for k, v := range s.CycleCounts {
		cycles[k] = v
	}
	return RunStats{
		ToolCallsStarted:   s.ToolCallsStarted,
		ToolCallsSucceeded: s.ToolCallsSucceeded,
		ToolCallsFailed:    s.ToolCallsFailed,
		ToolCallsDenied:    s.ToolCallsDenied,
		ApprovalsRequired:  s.ApprovalsRequired,
		ChatDeltas:         s.ChatDeltas,
		Errors:             s.Errors,
		ConcernsCreated:    s.ConcernsCreated,
		ConcernsTouched:    s.ConcernsTouched,
		JournalEntries:     s.JournalEntries,
		CycleCounts:        cycles,
	}
}
