// Package storage persists the orchestrator's durable state: conversations,
// messages, turns, tool-call records, OODA packets, orientation snapshots,
// concerns, journal entries, working memory, and the memory-backend
// promotion ledger. It is the thin typed CRUD layer over SQLite, split into
// one interface per entity plus a concrete implementation.
package storage

import (
	"context"
	"errors"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("storage: not found")

// ConversationStore persists Conversation rows.
type ConversationStore interface {
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, c *models.Conversation) error
	ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error)
}

// MessageStore persists Message rows.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// ListMessagesForCompaction returns up to limit of conversationID's
	// oldest messages created after afterID (ascending order). afterID
	// empty starts from the conversation's first message. A message ID
	// that no longer exists is treated the same as "" (start from the
	// beginning), rather than erroring, since the prior compaction's
	// boundary message is never deleted in practice.
	ListMessagesForCompaction(ctx context.Context, conversationID, afterID string, limit int) ([]*models.Message, error)

	// ListUnprocessedMessages returns conversationID's queued-but-unprocessed
	// operator messages, oldest first, for the scheduler's engaged tick to
	// drain.
	ListUnprocessedMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	// MarkMessageProcessed flips a message's processed flag once the
	// chat-turn manager has driven it to completion.
	MarkMessageProcessed(ctx context.Context, id string) error
}

// TurnStore persists Turn rows.
type TurnStore interface {
	CreateTurn(ctx context.Context, t *models.Turn) error
	UpdateTurn(ctx context.Context, t *models.Turn) error
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	ListTurns(ctx context.Context, conversationID string, limit int) ([]*models.Turn, error)
	ActiveTurn(ctx context.Context, conversationID string) (*models.Turn, error)
}

// ToolCallStore persists ToolCallRecord rows (append-only).
type ToolCallStore interface {
	AppendToolCall(ctx context.Context, r *models.ToolCallRecord) error
	ListToolCalls(ctx context.Context, turnID string) ([]*models.ToolCallRecord, error)
}

// OODAStore persists OODAPacket rows.
type OODAStore interface {
	SaveOODAPacket(ctx context.Context, p *models.OODAPacket) error
	LatestOODAPacket(ctx context.Context, conversationID string) (*models.OODAPacket, error)
	RecentOODAPackets(ctx context.Context, conversationID string, limit int) ([]*models.OODAPacket, error)
}

// OrientationStore persists OrientationSnapshot rows.
type OrientationStore interface {
	SaveOrientation(ctx context.Context, o *models.OrientationSnapshot) error
	LatestOrientation(ctx context.Context) (*models.OrientationSnapshot, error)
}

// ConcernStore persists Concern rows.
type ConcernStore interface {
	UpsertConcern(ctx context.Context, c *models.Concern) error
	GetConcern(ctx context.Context, id string) (*models.Concern, error)
	ListConcerns(ctx context.Context, minSalience models.Salience) ([]*models.Concern, error)
	ListAllConcerns(ctx context.Context) ([]*models.Concern, error)
}

// JournalStore persists JournalEntry rows.
type JournalStore interface {
	AppendJournalEntry(ctx context.Context, e *models.JournalEntry) error
	RecentJournalEntries(ctx context.Context, limit int) ([]*models.JournalEntry, error)
	LastJournalAt(ctx context.Context) (bool, error)
}

// WorkingMemoryStore persists WorkingMemoryEntry rows (a generic KV table
// distinct from the vector memory backend's own storage).
type WorkingMemoryStore interface {
	SetWorkingMemory(ctx context.Context, e *models.WorkingMemoryEntry) error
	GetWorkingMemory(ctx context.Context, key string) (*models.WorkingMemoryEntry, error)
	ListWorkingMemory(ctx context.Context) ([]*models.WorkingMemoryEntry, error)
	DeleteWorkingMemory(ctx context.Context, key string) error
	SearchWorkingMemory(ctx context.Context, query string) ([]*models.WorkingMemoryEntry, error)
}

// SummaryStore persists one ConversationSummary per conversation.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, s *models.ConversationSummary) error
	GetSummary(ctx context.Context, conversationID string) (*models.ConversationSummary, error)
}

// AgentStateStore persists small process-lifetime key/value state, notably
// the active (design_id, schema_version) pair for the memory backend.
type AgentStateStore interface {
	SetAgentState(ctx context.Context, key, value string) error
	GetAgentState(ctx context.Context, key string) (string, bool, error)
}

// ArchiveStore persists the memory-backend design archive, eval runs, and
// promotion decisions the eval harness and promotion policy consult.
type ArchiveStore interface {
	ArchiveMemoryDesign(ctx context.Context, d *models.MemoryDesign) error
	ListMemoryDesigns(ctx context.Context) ([]*models.MemoryDesign, error)
	RecordEvalRun(ctx context.Context, r *models.MemoryEvalRun) error
	ListEvalRuns(ctx context.Context, designID string, schemaVersion int) ([]*models.MemoryEvalRun, error)
	RecordPromotionDecision(ctx context.Context, d *models.PromotionDecision) error
	LatestPromotionDecision(ctx context.Context) (*models.PromotionDecision, error)
}

// Store is the full set of persistence capabilities the orchestrator
// depends on, wired together by the concrete SQLiteStore.
type Store interface {
	ConversationStore
	MessageStore
	TurnStore
	ToolCallStore
	OODAStore
	OrientationStore
	ConcernStore
	JournalStore
	WorkingMemoryStore
	SummaryStore
	AgentStateStore
	ArchiveStore
	Close() error
}
