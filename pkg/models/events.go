package models

import "time"

// AgentEventType enumerates every typed runtime signal the orchestrator can
// emit over the event bridge.
type AgentEventType string

const (
	EventStateChanged      AgentEventType = "state_changed"
	EventObservation       AgentEventType = "observation"
	EventReasoningTrace    AgentEventType = "reasoning_trace"
	EventToolCallProgress  AgentEventType = "tool_call_progress"
	EventChatStreaming     AgentEventType = "chat_streaming"
	EventActionTaken       AgentEventType = "action_taken"
	EventOrientationUpdate AgentEventType = "orientation_update"
	EventJournalWritten    AgentEventType = "journal_written"
	EventConcernCreated    AgentEventType = "concern_created"
	EventConcernTouched    AgentEventType = "concern_touched"
	EventError             AgentEventType = "error"
	EventCycleStart        AgentEventType = "cycle_start"
)

// ToolEventStage is the lifecycle stage of a tool call as it is reported
// through ToolCallProgress events.
type ToolEventStage string

const (
	ToolEventRequested        ToolEventStage = "requested"
	ToolEventStarted          ToolEventStage = "started"
	ToolEventSucceeded        ToolEventStage = "succeeded"
	ToolEventFailed           ToolEventStage = "failed"
	ToolEventDenied           ToolEventStage = "denied"
	ToolEventApprovalRequired ToolEventStage = "approval_required"
)

// AgentEvent is the typed runtime signal bridged onto the WS broadcaster and
// REST diagnostics surface.
type AgentEvent struct {
	RunID     string         `json:"run_id"`
	Sequence  uint64         `json:"sequence"`
	EventType AgentEventType `json:"event_type"`
	EmittedAt time.Time      `json:"emitted_at"`
	Payload   any            `json:"payload"`
}

// StateChangedPayload reports a conversation's runtime state transition.
type StateChangedPayload struct {
	ConversationID string       `json:"conversation_id"`
	State          RuntimeState `json:"state"`
}

// ChatStreamingPayload carries a partial or final streamed chat delta.
type ChatStreamingPayload struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Done           bool   `json:"done"`
}

// ToolCallProgressPayload reports a tool call's lifecycle stage with a
// bounded output preview.
type ToolCallProgressPayload struct {
	ConversationID string         `json:"conversation_id"`
	TurnID         string         `json:"turn_id"`
	ToolCallID     string         `json:"tool_call_id"`
	ToolName       string         `json:"tool_name"`
	Stage          ToolEventStage `json:"stage"`
	PreviewText    string         `json:"preview,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// OrientationUpdatePayload reports a refreshed orientation snapshot.
type OrientationUpdatePayload struct {
	Disposition Disposition `json:"disposition"`
	Narrative   string      `json:"narrative"`
	Signature   string      `json:"signature"`
}

// JournalWrittenPayload reports a newly admitted journal entry.
type JournalWrittenPayload struct {
	EntryID string           `json:"entry_id"`
	Type    JournalEntryType `json:"type"`
}

// ConcernEventPayload reports a concern creation or salience touch.
type ConcernEventPayload struct {
	ConcernID string      `json:"concern_id"`
	Type      ConcernType `json:"type"`
	Salience  Salience    `json:"salience"`
}

// ErrorPayload reports a recoverable or terminal runtime error.
type ErrorPayload struct {
	Message        string `json:"message"`
	Kind           string `json:"kind,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// CycleStartPayload reports the beginning of one scheduler tick.
type CycleStartPayload struct {
	Loop string `json:"loop"` // engaged | ambient | dream
}

// ActionTakenPayload reports a completed autonomous action for the
// activity log / audit trail.
type ActionTakenPayload struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
}

// ObservationPayload reports a raw ambient observation sample.
type ObservationPayload struct {
	Summary string `json:"summary"`
}

// ReasoningTracePayload reports a hidden-thinking side-channel block.
type ReasoningTracePayload struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}
