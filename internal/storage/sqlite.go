package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// SQLiteStore implements Store over a WAL-mode SQLite database, following
// the CREATE TABLE IF NOT EXISTS + parameterized-query style of the
// teacher's internal/memory/backend/sqlitevec/backend.go. Schema upgrades
// are additive only; there is no migration framework.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or reuses) the SQLite database at path in WAL mode and
// ensures every table the orchestrator depends on exists.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // the orchestrator serializes writes through a single connection

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			runtime_state TEXT NOT NULL,
			active_turn_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			turn_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			phase TEXT NOT NULL,
			decision TEXT,
			status TEXT,
			prompt_text TEXT,
			system_prompt_text TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_conversation ON chat_turns(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS chat_turn_tool_calls (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input_json TEXT,
			output_preview TEXT,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approved INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON chat_turn_tool_calls(turn_id)`,
		`CREATE TABLE IF NOT EXISTS chat_conversation_summaries (
			conversation_id TEXT PRIMARY KEY,
			summary TEXT,
			reasoning_digest TEXT,
			through_message_id TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ooda_turn_packets (
			turn_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			observe TEXT,
			orient TEXT,
			decide TEXT,
			act TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ooda_conversation ON ooda_turn_packets(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS orientation_snapshots (
			id TEXT PRIMARY KEY,
			captured_at TEXT NOT NULL,
			disposition TEXT,
			user_state_estimate TEXT,
			salience_map TEXT,
			anomalies TEXT,
			mood TEXT,
			narrative TEXT,
			signature TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			text TEXT,
			related_concern_ids TEXT,
			mood TEXT,
			context TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS concerns (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			salience TEXT NOT NULL,
			summary TEXT,
			private_note TEXT,
			linked_memory_keys TEXT,
			created_at TEXT NOT NULL,
			last_touched_at TEXT NOT NULL,
			context TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pending_thoughts_queue (
			id TEXT PRIMARY KEY,
			text TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS working_memory (
			key TEXT PRIMARY KEY,
			content TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_design_archive (
			design_id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (design_id, schema_version)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_eval_runs (
			id TEXT PRIMARY KEY,
			design_id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			recall REAL,
			get_pass_rate REAL,
			latency_ms REAL,
			storage_bytes INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_promotion_decisions (
			id TEXT PRIMARY KEY,
			design_id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			decision TEXT NOT NULL,
			rollback_design_id TEXT,
			rollback_schema_version INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS persona_history (
			id TEXT PRIMARY KEY,
			snapshot TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS important_posts (
			id TEXT PRIMARY KEY,
			content TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS character_cards (
			id TEXT PRIMARY KEY,
			payload TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if c.RuntimeState == "" {
		c.RuntimeState = models.RuntimeIdle
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_conversations (id, session_id, title, created_at, updated_at, runtime_state, active_turn_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, c.Title, c.CreatedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano),
		string(c.RuntimeState), c.ActiveTurnID)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, title, created_at, updated_at, runtime_state, active_turn_id
		FROM chat_conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var createdAt, updatedAt string
	var activeTurnID sql.NullString
	var title sql.NullString
	if err := row.Scan(&c.ID, &c.SessionID, &title, &createdAt, &updatedAt, &c.RuntimeState, &activeTurnID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Title = title.String
	c.ActiveTurnID = activeTurnID.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, c *models.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_conversations SET title=?, updated_at=?, runtime_state=?, active_turn_id=?
		WHERE id=?`,
		c.Title, c.UpdatedAt.Format(time.RFC3339Nano), string(c.RuntimeState), c.ActiveTurnID, c.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, title, created_at, updated_at, runtime_state, active_turn_id
		FROM chat_conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		var createdAt, updatedAt string
		var activeTurnID, title sql.NullString
		if err := rows.Scan(&c.ID, &c.SessionID, &title, &createdAt, &updatedAt, &c.RuntimeState, &activeTurnID); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Title = title.String
		c.ActiveTurnID = activeTurnID.String
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, role, content, processed, turn_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, boolToInt(m.Processed), m.TurnID,
		m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns conversationID's most recent limit messages, oldest
// first, so callers can append them straight into a prompt in reading
// order. The DESC-then-reverse query shape is what makes "most recent"
// actually mean the tail of a long conversation rather than its head.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, processed, turn_id, created_at
		FROM chat_messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var createdAt string
		var processed int
		var turnID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &processed, &turnID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Processed = processed != 0
		m.TurnID = turnID.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ListUnprocessedMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, processed, turn_id, created_at
		FROM chat_messages WHERE conversation_id = ? AND processed = 0 ORDER BY created_at ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var createdAt string
		var processed int
		var turnID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &processed, &turnID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan unprocessed message: %w", err)
		}
		m.Processed = processed != 0
		m.TurnID = turnID.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkMessageProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark message processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListMessagesForCompaction(ctx context.Context, conversationID, afterID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	var afterCreatedAt string
	if afterID != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM chat_messages WHERE id = ? AND conversation_id = ?`,
			afterID, conversationID).Scan(&afterCreatedAt)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("lookup compaction boundary: %w", err)
		}
		// sql.ErrNoRows means the boundary message no longer exists; fall
		// through with afterCreatedAt == "" to start from the beginning.
	}

	var rows *sql.Rows
	var err error
	if afterCreatedAt == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, role, content, processed, turn_id, created_at
			FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`,
			conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, conversation_id, role, content, processed, turn_id, created_at
			FROM chat_messages WHERE conversation_id = ? AND created_at > ?
			ORDER BY created_at ASC LIMIT ?`,
			conversationID, afterCreatedAt, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages for compaction: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var createdAt string
		var processed int
		var turnID sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &processed, &turnID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Processed = processed != 0
		m.TurnID = turnID.String
		m.CreatedAt = parseTime(createdAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- Turns ---

func (s *SQLiteStore) CreateTurn(ctx context.Context, t *models.Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_turns (id, conversation_id, iteration, phase, decision, status, prompt_text, system_prompt_text, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		t.ID, t.ConversationID, t.Iteration, string(t.Phase), string(t.Decision), string(t.Status),
		t.PromptText, t.SystemPromptText, t.Error, t.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTurn(ctx context.Context, t *models.Turn) error {
	var completedAt sql.NullString
	if t.CompletedAt != nil {
		completedAt = sql.NullString{String: t.CompletedAt.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_turns SET phase=?, decision=?, status=?, prompt_text=?, system_prompt_text=?, error=?, completed_at=?
		WHERE id=?`,
		string(t.Phase), string(t.Decision), string(t.Status), t.PromptText, t.SystemPromptText, t.Error, completedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, iteration, phase, decision, status, prompt_text, system_prompt_text, error, created_at, completed_at
		FROM chat_turns WHERE id = ?`, id)
	return scanTurn(row)
}

func scanTurn(row *sql.Row) (*models.Turn, error) {
	var t models.Turn
	var createdAt string
	var completedAt sql.NullString
	var decision, status, errStr, promptText, sysPrompt sql.NullString
	if err := row.Scan(&t.ID, &t.ConversationID, &t.Iteration, &t.Phase, &decision, &status, &promptText, &sysPrompt, &errStr, &createdAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan turn: %w", err)
	}
	t.Decision = models.TurnDecision(decision.String)
	t.Status = models.TurnStatus(status.String)
	t.Error = errStr.String
	t.PromptText = promptText.String
	t.SystemPromptText = sysPrompt.String
	t.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		ts := parseTime(completedAt.String)
		t.CompletedAt = &ts
	}
	return &t, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string, limit int) ([]*models.Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, iteration, phase, decision, status, prompt_text, system_prompt_text, error, created_at, completed_at
		FROM chat_turns WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []*models.Turn
	for rows.Next() {
		var t models.Turn
		var createdAt string
		var completedAt sql.NullString
		var decision, status, errStr, promptText, sysPrompt sql.NullString
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Iteration, &t.Phase, &decision, &status, &promptText, &sysPrompt, &errStr, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Decision = models.TurnDecision(decision.String)
		t.Status = models.TurnStatus(status.String)
		t.Error = errStr.String
		t.PromptText = promptText.String
		t.SystemPromptText = sysPrompt.String
		t.CreatedAt = parseTime(createdAt)
		if completedAt.Valid {
			ts := parseTime(completedAt.String)
			t.CompletedAt = &ts
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveTurn(ctx context.Context, conversationID string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, iteration, phase, decision, status, prompt_text, system_prompt_text, error, created_at, completed_at
		FROM chat_turns WHERE conversation_id = ? AND phase IN (?, ?) ORDER BY created_at DESC LIMIT 1`,
		conversationID, string(models.TurnProcessing), string(models.TurnIdle))
	t, err := scanTurn(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return t, err
}

// --- Tool calls ---

func (s *SQLiteStore) AppendToolCall(ctx context.Context, r *models.ToolCallRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_turn_tool_calls (id, turn_id, tool_name, input_json, output_preview, requires_approval, approved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TurnID, r.ToolName, r.InputJSON, r.OutputPreview, boolToInt(r.RequiresApproval), boolToInt(r.Approved),
		r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListToolCalls(ctx context.Context, turnID string) ([]*models.ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, tool_name, input_json, output_preview, requires_approval, approved, created_at
		FROM chat_turn_tool_calls WHERE turn_id = ? ORDER BY created_at ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolCallRecord
	for rows.Next() {
		var r models.ToolCallRecord
		var createdAt string
		var requiresApproval, approved int
		if err := rows.Scan(&r.ID, &r.TurnID, &r.ToolName, &r.InputJSON, &r.OutputPreview, &requiresApproval, &approved, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		r.RequiresApproval = requiresApproval != 0
		r.Approved = approved != 0
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- OODA packets ---

func (s *SQLiteStore) SaveOODAPacket(ctx context.Context, p *models.OODAPacket) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ooda_turn_packets (turn_id, conversation_id, observe, orient, decide, act, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET observe=excluded.observe, orient=excluded.orient, decide=excluded.decide, act=excluded.act`,
		p.TurnID, "", p.Observe, p.Orient, p.Decide, p.Act, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save ooda packet: %w", err)
	}
	return nil
}

// SaveOODAPacketFor is the conversation-scoped variant used by the chat-turn
// manager, which always knows the owning conversation.
func (s *SQLiteStore) SaveOODAPacketFor(ctx context.Context, conversationID string, p *models.OODAPacket) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ooda_turn_packets (turn_id, conversation_id, observe, orient, decide, act, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET observe=excluded.observe, orient=excluded.orient, decide=excluded.decide, act=excluded.act`,
		p.TurnID, conversationID, p.Observe, p.Orient, p.Decide, p.Act, p.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save ooda packet: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestOODAPacket(ctx context.Context, conversationID string) (*models.OODAPacket, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT turn_id, observe, orient, decide, act, created_at FROM ooda_turn_packets
		WHERE conversation_id = ? ORDER BY created_at DESC LIMIT 1`, conversationID)
	var p models.OODAPacket
	var createdAt string
	if err := row.Scan(&p.TurnID, &p.Observe, &p.Orient, &p.Decide, &p.Act, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan ooda packet: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *SQLiteStore) RecentOODAPackets(ctx context.Context, conversationID string, limit int) ([]*models.OODAPacket, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, observe, orient, decide, act, created_at FROM ooda_turn_packets
		WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent ooda packets: %w", err)
	}
	defer rows.Close()
	var out []*models.OODAPacket
	for rows.Next() {
		var p models.OODAPacket
		var createdAt string
		if err := rows.Scan(&p.TurnID, &p.Observe, &p.Orient, &p.Decide, &p.Act, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ooda packet: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// --- Orientation ---

func (s *SQLiteStore) SaveOrientation(ctx context.Context, o *models.OrientationSnapshot) error {
	if o.CapturedAt.IsZero() {
		o.CapturedAt = time.Now().UTC()
	}
	salienceJSON, _ := json.Marshal(o.SalienceMap)
	anomaliesJSON, _ := json.Marshal(o.Anomalies)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orientation_snapshots (id, captured_at, disposition, user_state_estimate, salience_map, anomalies, mood, narrative, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CapturedAt.Format(time.RFC3339Nano), string(o.Disposition), o.UserStateEstimate,
		string(salienceJSON), string(anomaliesJSON), o.Mood, o.Narrative, o.Signature)
	if err != nil {
		return fmt.Errorf("save orientation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestOrientation(ctx context.Context) (*models.OrientationSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, captured_at, disposition, user_state_estimate, salience_map, anomalies, mood, narrative, signature
		FROM orientation_snapshots ORDER BY captured_at DESC LIMIT 1`)
	var o models.OrientationSnapshot
	var capturedAt, salienceJSON, anomaliesJSON string
	if err := row.Scan(&o.ID, &capturedAt, &o.Disposition, &o.UserStateEstimate, &salienceJSON, &anomaliesJSON, &o.Mood, &o.Narrative, &o.Signature); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan orientation: %w", err)
	}
	o.CapturedAt = parseTime(capturedAt)
	_ = json.Unmarshal([]byte(salienceJSON), &o.SalienceMap)
	_ = json.Unmarshal([]byte(anomaliesJSON), &o.Anomalies)
	return &o, nil
}

// --- Concerns ---

func (s *SQLiteStore) UpsertConcern(ctx context.Context, c *models.Concern) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.LastTouchedAt.IsZero() {
		c.LastTouchedAt = c.CreatedAt
	}
	linkedJSON, _ := json.Marshal(c.LinkedMemoryKeys)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO concerns (id, type, salience, summary, private_note, linked_memory_keys, created_at, last_touched_at, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			salience=excluded.salience, summary=excluded.summary, private_note=excluded.private_note,
			linked_memory_keys=excluded.linked_memory_keys, last_touched_at=excluded.last_touched_at, context=excluded.context`,
		c.ID, string(c.Type), string(c.Salience), c.Summary, c.PrivateNote, string(linkedJSON),
		c.CreatedAt.Format(time.RFC3339Nano), c.LastTouchedAt.Format(time.RFC3339Nano), c.Context)
	if err != nil {
		return fmt.Errorf("upsert concern: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConcern(ctx context.Context, id string) (*models.Concern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, salience, summary, private_note, linked_memory_keys, created_at, last_touched_at, context
		FROM concerns WHERE id = ?`, id)
	return scanConcern(row)
}

func scanConcern(row *sql.Row) (*models.Concern, error) {
	var c models.Concern
	var createdAt, lastTouchedAt, linkedJSON string
	var privateNote, context sql.NullString
	if err := row.Scan(&c.ID, &c.Type, &c.Salience, &c.Summary, &privateNote, &linkedJSON, &createdAt, &lastTouchedAt, &context); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan concern: %w", err)
	}
	c.PrivateNote = privateNote.String
	c.Context = context.String
	c.CreatedAt = parseTime(createdAt)
	c.LastTouchedAt = parseTime(lastTouchedAt)
	_ = json.Unmarshal([]byte(linkedJSON), &c.LinkedMemoryKeys)
	return &c, nil
}

func (s *SQLiteStore) ListConcerns(ctx context.Context, minSalience models.Salience) ([]*models.Concern, error) {
	all, err := s.ListAllConcerns(ctx)
	if err != nil {
		return nil, err
	}
	maxRank := models.SalienceRank[minSalience]
	var out []*models.Concern
	for _, c := range all {
		if models.SalienceRank[c.Salience] <= maxRank {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLiteStore) ListAllConcerns(ctx context.Context) ([]*models.Concern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, salience, summary, private_note, linked_memory_keys, created_at, last_touched_at, context
		FROM concerns ORDER BY last_touched_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list concerns: %w", err)
	}
	defer rows.Close()

	var out []*models.Concern
	for rows.Next() {
		var c models.Concern
		var createdAt, lastTouchedAt, linkedJSON string
		var privateNote, context sql.NullString
		if err := rows.Scan(&c.ID, &c.Type, &c.Salience, &c.Summary, &privateNote, &linkedJSON, &createdAt, &lastTouchedAt, &context); err != nil {
			return nil, fmt.Errorf("scan concern: %w", err)
		}
		c.PrivateNote = privateNote.String
		c.Context = context.String
		c.CreatedAt = parseTime(createdAt)
		c.LastTouchedAt = parseTime(lastTouchedAt)
		_ = json.Unmarshal([]byte(linkedJSON), &c.LinkedMemoryKeys)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Journal ---

func (s *SQLiteStore) AppendJournalEntry(ctx context.Context, e *models.JournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	relatedJSON, _ := json.Marshal(e.RelatedConcernIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (id, type, text, related_concern_ids, mood, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Text, string(relatedJSON), e.Mood, e.Context, e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentJournalEntries(ctx context.Context, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, text, related_concern_ids, mood, context, created_at
		FROM journal_entries ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent journal entries: %w", err)
	}
	defer rows.Close()

	var out []*models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var createdAt, relatedJSON string
		var mood, context sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.Text, &relatedJSON, &mood, &context, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Mood = mood.String
		e.Context = context.String
		e.CreatedAt = parseTime(createdAt)
		_ = json.Unmarshal([]byte(relatedJSON), &e.RelatedConcernIDs)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastJournalAt(ctx context.Context) (bool, error) {
	entries, err := s.RecentJournalEntries(ctx, 1)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// --- Working memory ---

func (s *SQLiteStore) SetWorkingMemory(ctx context.Context, e *models.WorkingMemoryEntry) error {
	e.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO working_memory (key, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		e.Key, e.Content, e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set working memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkingMemory(ctx context.Context, key string) (*models.WorkingMemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, content, updated_at FROM working_memory WHERE key = ?`, key)
	var e models.WorkingMemoryEntry
	var updatedAt string
	if err := row.Scan(&e.Key, &e.Content, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan working memory: %w", err)
	}
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (s *SQLiteStore) ListWorkingMemory(ctx context.Context) ([]*models.WorkingMemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, content, updated_at FROM working_memory ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list working memory: %w", err)
	}
	defer rows.Close()
	var out []*models.WorkingMemoryEntry
	for rows.Next() {
		var e models.WorkingMemoryEntry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan working memory: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWorkingMemory(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM working_memory WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete working memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SearchWorkingMemory(ctx context.Context, query string) ([]*models.WorkingMemoryEntry, error) {
	like := "%" + strings.ReplaceAll(query, "%", "") + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, content, updated_at FROM working_memory WHERE content LIKE ? ORDER BY updated_at DESC`, like)
	if err != nil {
		return nil, fmt.Errorf("search working memory: %w", err)
	}
	defer rows.Close()
	var out []*models.WorkingMemoryEntry
	for rows.Next() {
		var e models.WorkingMemoryEntry
		var updatedAt string
		if err := rows.Scan(&e.Key, &e.Content, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan working memory: %w", err)
		}
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Summaries ---

func (s *SQLiteStore) UpsertSummary(ctx context.Context, sum *models.ConversationSummary) error {
	sum.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_conversation_summaries (conversation_id, summary, reasoning_digest, through_message_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET summary=excluded.summary, reasoning_digest=excluded.reasoning_digest,
			through_message_id=excluded.through_message_id, updated_at=excluded.updated_at`,
		sum.ConversationID, sum.Summary, sum.ReasoningDigest, sum.ThroughMessageID, sum.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSummary(ctx context.Context, conversationID string) (*models.ConversationSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, summary, reasoning_digest, through_message_id, updated_at
		FROM chat_conversation_summaries WHERE conversation_id = ?`, conversationID)
	var sum models.ConversationSummary
	var updatedAt string
	if err := row.Scan(&sum.ConversationID, &sum.Summary, &sum.ReasoningDigest, &sum.ThroughMessageID, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	sum.UpdatedAt = parseTime(updatedAt)
	return &sum, nil
}

// --- Agent state ---

func (s *SQLiteStore) SetAgentState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set agent state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgentState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM agent_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get agent state: %w", err)
	}
	return value, true, nil
}

// --- Memory design archive / eval runs / promotion decisions ---

func (s *SQLiteStore) ArchiveMemoryDesign(ctx context.Context, d *models.MemoryDesign) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_design_archive (design_id, schema_version, created_at) VALUES (?, ?, ?)
		ON CONFLICT(design_id, schema_version) DO NOTHING`,
		d.DesignID, d.SchemaVersion, d.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("archive memory design: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMemoryDesigns(ctx context.Context) ([]*models.MemoryDesign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT design_id, schema_version, created_at FROM memory_design_archive ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list memory designs: %w", err)
	}
	defer rows.Close()
	var out []*models.MemoryDesign
	for rows.Next() {
		var d models.MemoryDesign
		var createdAt string
		if err := rows.Scan(&d.DesignID, &d.SchemaVersion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory design: %w", err)
		}
		d.CreatedAt = parseTime(createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordEvalRun(ctx context.Context, r *models.MemoryEvalRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_eval_runs (id, design_id, schema_version, recall, get_pass_rate, latency_ms, storage_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DesignID, r.SchemaVersion, r.Recall, r.GetPassRate, r.LatencyMS, r.StorageBytes, r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record eval run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvalRuns(ctx context.Context, designID string, schemaVersion int) ([]*models.MemoryEvalRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, design_id, schema_version, recall, get_pass_rate, latency_ms, storage_bytes, created_at
		FROM memory_eval_runs WHERE design_id = ? AND schema_version = ? ORDER BY created_at DESC`,
		designID, schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("list eval runs: %w", err)
	}
	defer rows.Close()
	var out []*models.MemoryEvalRun
	for rows.Next() {
		var r models.MemoryEvalRun
		var createdAt string
		if err := rows.Scan(&r.ID, &r.DesignID, &r.SchemaVersion, &r.Recall, &r.GetPassRate, &r.LatencyMS, &r.StorageBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan eval run: %w", err)
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordPromotionDecision(ctx context.Context, d *models.PromotionDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_promotion_decisions (id, design_id, schema_version, decision, rollback_design_id, rollback_schema_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.DesignID, d.SchemaVersion, d.Decision, nullableString(d.RollbackDesignID), nullableInt(d.RollbackSchemaVersion), d.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record promotion decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestPromotionDecision(ctx context.Context) (*models.PromotionDecision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, design_id, schema_version, decision, rollback_design_id, rollback_schema_version, created_at
		FROM memory_promotion_decisions ORDER BY created_at DESC LIMIT 1`)
	var d models.PromotionDecision
	var createdAt string
	var rollbackDesignID sql.NullString
	var rollbackSchemaVersion sql.NullInt64
	if err := row.Scan(&d.ID, &d.DesignID, &d.SchemaVersion, &d.Decision, &rollbackDesignID, &rollbackSchemaVersion, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promotion decision: %w", err)
	}
	d.RollbackDesignID = rollbackDesignID.String
	d.RollbackSchemaVersion = int(rollbackSchemaVersion.Int64)
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
