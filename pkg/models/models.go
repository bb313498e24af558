// Package models holds the persisted and wire types shared across the
// orchestrator: conversations, messages, turns, tool-call records, OODA
// packets, orientation snapshots, concerns, journal entries, and working
// memory entries.
package models

import (
	"encoding/json"
	"time"
)

// RuntimeState is a conversation's coarse processing state.
type RuntimeState string

const (
	RuntimeIdle             RuntimeState = "idle"
	RuntimeProcessing       RuntimeState = "processing"
	RuntimeAwaitingApproval RuntimeState = "awaiting_approval"
	RuntimeFailed           RuntimeState = "failed"
)

// Conversation is an operator-facing thread with the companion.
type Conversation struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"session_id"`
	Title        string       `json:"title"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	RuntimeState RuntimeState `json:"runtime_state"`
	ActiveTurnID string       `json:"active_turn_id,omitempty"`
}

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	MessageRoleOperator MessageRole = "operator"
	MessageRoleAgent    MessageRole = "agent"
	MessageRoleSystem   MessageRole = "system"
)

// Message is a single entry in a conversation's visible history.
//
// Only yielded agent messages are appended: intermediate autonomous turns
// never insert a Message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	Processed      bool        `json:"processed"`
	TurnID         string      `json:"turn_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// TurnPhase is the lifecycle stage of a single autonomous turn.
type TurnPhase string

const (
	TurnIdle             TurnPhase = "idle"
	TurnProcessing       TurnPhase = "processing"
	TurnCompleted        TurnPhase = "completed"
	TurnAwaitingApproval TurnPhase = "awaiting_approval"
	TurnFailed           TurnPhase = "failed"
)

// TurnDecision is the turn-control decision parsed from the model's reply.
type TurnDecision string

const (
	DecisionContinue TurnDecision = "continue"
	DecisionYield    TurnDecision = "yield"
)

// TurnStatus is the turn-control status parsed from the model's reply.
type TurnStatus string

const (
	StatusStillWorking TurnStatus = "still_working"
	StatusDone         TurnStatus = "done"
	StatusError        TurnStatus = "error"
)

// Turn is one iteration of the tool-calling engine within a conversation.
//
// Foreground turns use Iteration 1..N; background-subtask turns start at
// Iteration 100 and increment from there.
type Turn struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversation_id"`
	Iteration        int          `json:"iteration"`
	Phase            TurnPhase    `json:"phase"`
	Decision         TurnDecision `json:"decision,omitempty"`
	Status           TurnStatus   `json:"status,omitempty"`
	PromptText       string       `json:"prompt_text"`
	SystemPromptText string       `json:"system_prompt_text"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the turn has reached a terminal phase.
func (t *Turn) IsTerminal() bool {
	switch t.Phase {
	case TurnCompleted, TurnFailed, TurnAwaitingApproval:
		return true
	default:
		return false
	}
}

// Background reports whether this turn belongs to a background subtask
// rather than the foreground conversation path.
func (t *Turn) Background() bool {
	return t.Iteration >= BackgroundIterationFloor
}

// BackgroundIterationFloor is the first iteration number used by a
// background subtask.
const BackgroundIterationFloor = 100

// ToolCallRecord is an append-only record of one tool invocation within a turn.
type ToolCallRecord struct {
	ID               string    `json:"id"`
	TurnID           string    `json:"turn_id"`
	ToolName         string    `json:"tool_name"`
	InputJSON        string    `json:"input_json"`
	OutputPreview    string    `json:"output_preview"`
	RequiresApproval bool      `json:"requires_approval"`
	Approved         bool      `json:"approved"`
	CreatedAt        time.Time `json:"created_at"`
}

// OODAPacket is the structured observe/orient/decide/act record persisted
// for every completed turn and used to hydrate later prompts.
type OODAPacket struct {
	TurnID    string    `json:"turn_id"`
	Observe   string    `json:"observe"`
	Orient    string    `json:"orient"`
	Decide    string    `json:"decide"`
	Act       string    `json:"act"`
	CreatedAt time.Time `json:"created_at"`
}

// Disposition is the orientation engine's chosen action mode.
type Disposition string

const (
	DispositionAttending Disposition = "attending"
	DispositionAmbient   Disposition = "ambient"
	DispositionJournal   Disposition = "journal"
	DispositionDream     Disposition = "dream"
)

// OrientationSnapshot is a single OODA-style situational synthesis.
type OrientationSnapshot struct {
	ID                string         `json:"id"`
	CapturedAt        time.Time      `json:"captured_at"`
	Disposition       Disposition    `json:"disposition"`
	UserStateEstimate string         `json:"user_state_estimate"`
	SalienceMap       map[string]any `json:"salience_map,omitempty"`
	Anomalies         []string       `json:"anomalies,omitempty"`
	Mood              string         `json:"mood,omitempty"`
	Narrative         string         `json:"narrative"`
	Signature         string         `json:"signature"`
}

// ConcernType categorizes a tracked concern.
type ConcernType string

const (
	ConcernProject      ConcernType = "project"
	ConcernHousehold    ConcernType = "household"
	ConcernSystemHealth ConcernType = "system_health"
	ConcernInterest     ConcernType = "interest"
	ConcernReminder     ConcernType = "reminder"
	ConcernConversation ConcernType = "conversation"
)

// Salience is the attentional priority level assigned to a concern.
type Salience string

const (
	SalienceActive     Salience = "active"
	SalienceMonitoring Salience = "monitoring"
	SalienceBackground Salience = "background"
	SalienceDormant    Salience = "dormant"
)

// SalienceRank orders salience levels from hottest to coldest, used to
// enforce that decay only ever moves a concern toward a colder rank.
var SalienceRank = map[Salience]int{
	SalienceActive:     0,
	SalienceMonitoring: 1,
	SalienceBackground: 2,
	SalienceDormant:    3,
}

// Concern is a tracked topic the companion maintains situational awareness of.
type Concern struct {
	ID               string      `json:"id"`
	Type             ConcernType `json:"type"`
	Salience         Salience    `json:"salience"`
	Summary          string      `json:"summary"`
	PrivateNote      string      `json:"private_note,omitempty"`
	LinkedMemoryKeys []string    `json:"linked_memory_keys,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	LastTouchedAt    time.Time   `json:"last_touched_at"`
	Context          string      `json:"context,omitempty"`
}

// JournalEntryType categorizes a journal entry.
type JournalEntryType string

const (
	JournalObservation JournalEntryType = "observation"
	JournalReflection  JournalEntryType = "reflection"
	JournalNote        JournalEntryType = "note"
	JournalMoodNote    JournalEntryType = "mood_note"
)

// JournalEntry is a private inner-monologue record written by the journal engine.
type JournalEntry struct {
	ID                string           `json:"id"`
	Type              JournalEntryType `json:"type"`
	Text              string           `json:"text"`
	RelatedConcernIDs []string         `json:"related_concern_ids,omitempty"`
	Mood              string           `json:"mood,omitempty"`
	Context           string           `json:"context,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// WorkingMemoryEntry is a single key/value record in the working-memory store.
type WorkingMemoryEntry struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryDesign identifies one candidate memory-backend schema revision
// under evaluation.
type MemoryDesign struct {
	DesignID      string    `json:"design_id"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// MemoryEvalRun is one benchmark pass of a MemoryDesign against the recall/
// latency/storage metrics the promotion policy weighs.
type MemoryEvalRun struct {
	ID            string    `json:"id"`
	DesignID      string    `json:"design_id"`
	SchemaVersion int       `json:"schema_version"`
	Recall        float64   `json:"recall"`
	GetPassRate   float64   `json:"get_pass_rate"`
	LatencyMS     float64   `json:"latency_ms"`
	StorageBytes  int64     `json:"storage_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}

// PromotionDecision is the outcome of comparing a MemoryDesign's eval runs
// against the currently active design, decided ∈ {promote, hold, rollback}.
type PromotionDecision struct {
	ID                    string    `json:"id"`
	DesignID              string    `json:"design_id"`
	SchemaVersion         int       `json:"schema_version"`
	Decision              string    `json:"decision"`
	RollbackDesignID      string    `json:"rollback_design_id,omitempty"`
	RollbackSchemaVersion int       `json:"rollback_schema_version,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// ToolContext scopes a tool-calling engine run: working directory, identity,
// autonomy, and the allow/deny tool lists used by capability profiles.
type ToolContext struct {
	WorkingDirectory string
	Username         string
	Autonomous       bool
	AllowedTools     map[string]struct{}
	DisallowedTools  map[string]struct{}
}

// Normalize trims and lower-cases tool names in-place so allow/deny lookups
// are insensitive to provider-supplied casing and whitespace.
func (tc *ToolContext) Normalize() {
	tc.AllowedTools = normalizeSet(tc.AllowedTools)
	tc.DisallowedTools = normalizeSet(tc.DisallowedTools)
}

func normalizeSet(in map[string]struct{}) map[string]struct{} {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[normalizeToolKey(k)] = struct{}{}
	}
	return out
}

func normalizeToolKey(s string) string {
	return toLowerTrim(s)
}

// toLowerTrim is split out so it is trivially testable without pulling in
// strings in every call site that only needs the tool-name normalization.
func toLowerTrim(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	s = s[start:end]
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// LoopHeatSignature is the per-turn digest triple compared across the
// loop-heat sliding window.
type LoopHeatSignature struct {
	ResponseDigest string `json:"response_digest"`
	ActionDigest   string `json:"action_digest"`
	ToolSetDigest  string `json:"tool_set_digest"`
}

// ConversationSummary is the compaction snapshot persisted for a conversation
// once its message count passes the compaction threshold.
type ConversationSummary struct {
	ConversationID   string    `json:"conversation_id"`
	Summary          string    `json:"summary"`
	ReasoningDigest  string    `json:"reasoning_digest"`
	UpdatedAt        time.Time `json:"updated_at"`
	ThroughMessageID string    `json:"through_message_id"`
}

// ToolCall is a single tool invocation requested by the model within one
// iteration of the tool-calling engine.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// BackendPluginManifest describes one unit of tool-registry capability
// advertised over GET /plugins: ID/Name/Description/Version plus a tool
// Category.
type BackendPluginManifest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Category    string `json:"category"`
	ToolCount   int    `json:"tool_count"`
}
