// Package chatturn (continued): the turn Manager itself. It drives the
// iterate-until-done loop: build one prompt, run the tool-calling engine,
// persist the turn's artifacts, decide whether another autonomous
// iteration is justified or whether to yield control back to the operator.
package chatturn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MLTQ/ponderer-backend/internal/concerns"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memorybackend"
	"github.com/MLTQ/ponderer-backend/internal/observability"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/internal/toolengine"
	"github.com/MLTQ/ponderer-backend/internal/tools"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Config bundles the Manager's LLM and budget parameters. The loop-heat
// fields mirror config.LoopConfig's naming so callers can pass it straight
// through; see NewLoopHeat for the zero-value fallbacks.
type Config struct {
	Model                string
	Temperature          float32
	MaxTokens            int
	ForegroundTurnBudget int // foreground iterations before a background handoff; 0 means 3
	MaxPriorityConcerns  int // 0 means 5
	BackgroundTurnBudget int // background iterations before forcing a yield; 0 means 50
	MaxToolIterations    int // passed through to toolengine.Config.MaxIterations; 0 means unbounded

	LoopSignatureWindow     int
	LoopSimilarityThreshold float64
	LoopHeatThreshold       int
	LoopHeatCooldown        int

	// CompactionThreshold is the message count past which a conversation's
	// oldest messages are folded into its summary; 0 means 200.
	CompactionThreshold int
}

func (c Config) withDefaults() Config {
	if c.ForegroundTurnBudget <= 0 {
		c.ForegroundTurnBudget = 3
	}
	if c.MaxPriorityConcerns <= 0 {
		c.MaxPriorityConcerns = 5
	}
	if c.BackgroundTurnBudget <= 0 {
		c.BackgroundTurnBudget = 50
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = 200
	}
	return c
}

// Manager drives one conversation's chat turns: prompt assembly, the
// tool-calling engine, metadata parsing, concern ingestion, the
// continuation decision, and background-subtask handoff when the
// foreground budget is exhausted but continuation is still justified.
type Manager struct {
	conversations storage.ConversationStore
	messages      storage.MessageStore
	turns         storage.TurnStore
	toolCalls     storage.ToolCallStore
	ooda          storage.OODAStore
	orient        storage.OrientationStore
	summaries     storage.SummaryStore

	engine    *toolengine.Engine
	concerns  *concerns.Manager
	memory    memorybackend.Backend
	emitter   *events.Emitter
	cfg       Config
	toolCtx   models.ToolContext
	approvals *tools.ApprovalGate
	obs       *observability.Metrics
	tracer    *observability.Tracer

	background *BackgroundSupervisor

	mu   sync.Mutex
	heat map[string]*LoopHeat

	stopMu sync.Mutex
	stopCh chan struct{}
}

// New wires a Manager from its collaborators. store supplies every
// persistence interface the manager needs (it is typically the full
// storage.Store).
func New(store storage.Store, engine *toolengine.Engine, concernMgr *concerns.Manager, memory memorybackend.Backend, emitter *events.Emitter, toolCtx models.ToolContext, cfg Config) *Manager {
	return NewWithApprovals(store, engine, concernMgr, memory, emitter, toolCtx, cfg, tools.NewApprovalGate(nil))
}

// NewWithApprovals wires a Manager with an explicit ApprovalGate, so the
// REST layer's POST /agent/tools/:name/approve handler and the turn loop's
// approval check (the "needs_approval" gate) share one in-memory
// session-approval set.
func NewWithApprovals(store storage.Store, engine *toolengine.Engine, concernMgr *concerns.Manager, memory memorybackend.Backend, emitter *events.Emitter, toolCtx models.ToolContext, cfg Config, approvals *tools.ApprovalGate) *Manager {
	toolCtx.Normalize()
	if approvals == nil {
		approvals = tools.NewApprovalGate(nil)
	}
	return &Manager{
		conversations: store,
		messages:      store,
		turns:         store,
		toolCalls:     store,
		ooda:          store,
		orient:        store,
		summaries:     store,
		engine:        engine,
		concerns:      concernMgr,
		memory:        memory,
		emitter:       emitter,
		cfg:           cfg.withDefaults(),
		toolCtx:       toolCtx,
		approvals:     approvals,
		background:    NewBackgroundSupervisor(),
		heat:          make(map[string]*LoopHeat),
		stopCh:        make(chan struct{}),
	}
}

// Approvals exposes the Manager's ApprovalGate so the REST layer can grant
// session approvals that take effect on the next suspension point.
func (m *Manager) Approvals() *tools.ApprovalGate {
	return m.approvals
}

// SetObservability installs the Prometheus metrics recorder and OpenTelemetry
// tracer used around each turn iteration. Either may be nil.
func (m *Manager) SetObservability(obs *observability.Metrics, tracer *observability.Tracer) {
	m.obs = obs
	m.tracer = tracer
}

// setConversationIdle clears a conversation's runtime state back to idle
// once a turn yields without any outstanding continuation.
func (m *Manager) setConversationIdle(ctx context.Context, conversationID string) {
	m.setConversationRuntimeState(ctx, conversationID, models.RuntimeIdle)
}

// setConversationRuntimeState persists conversationID's runtime state.
// Lookup/update failures are swallowed: runtime state is advisory (surfaced
// by GET /agent/status), not a correctness dependency of the turn loop.
// Any terminal state (idle or failed) clears ActiveTurnID, since nothing is
// awaiting approval or otherwise in flight once the conversation reaches it.
func (m *Manager) setConversationRuntimeState(ctx context.Context, conversationID string, state models.RuntimeState) {
	if m.conversations == nil {
		return
	}
	conv, err := m.conversations.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return
	}
	conv.RuntimeState = state
	if state == models.RuntimeIdle || state == models.RuntimeFailed {
		conv.ActiveTurnID = ""
	}
	_ = m.conversations.UpdateConversation(ctx, conv)
}

// setConversationActiveTurn records both the runtime state and the turn
// currently awaiting approval, so POST /agent/tools/:name/approve's caller
// (and GET /agent/status) can find the suspended turn.
func (m *Manager) setConversationActiveTurn(ctx context.Context, conversationID, turnID string, state models.RuntimeState) {
	if m.conversations == nil {
		return
	}
	conv, err := m.conversations.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return
	}
	conv.RuntimeState = state
	conv.ActiveTurnID = turnID
	_ = m.conversations.UpdateConversation(ctx, conv)
}

// Shutdown waits for every in-flight background subtask to finish.
func (m *Manager) Shutdown() error {
	return m.background.Shutdown()
}

// Stop broadcasts the cancel signal every in-flight turn iteration is
// watching (POST /agent/stop): any LLM
// call or tool execution currently suspended on ctx observes it immediately,
// and the turn is marked failed by runIteration's error path. A fresh
// signal channel is installed so turns started after Stop returns are not
// affected.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	close(m.stopCh)
	m.stopCh = make(chan struct{})
	m.stopMu.Unlock()
}

// withStopSignal derives a child of parent that is also cancelled if Stop
// is called before the returned cancel func runs, without tying the
// lifetime of future Stop calls to this one turn's context.
func (m *Manager) withStopSignal(parent context.Context) (context.Context, context.CancelFunc) {
	m.stopMu.Lock()
	stopCh := m.stopCh
	m.stopMu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) heatFor(conversationID string) *LoopHeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	lh, ok := m.heat[conversationID]
	if !ok {
		lh = NewLoopHeat(m.cfg.LoopSignatureWindow, m.cfg.LoopSimilarityThreshold, m.cfg.LoopHeatThreshold, m.cfg.LoopHeatCooldown)
		m.heat[conversationID] = lh
	}
	return lh
}

// ProcessMessage ingests one operator message and drives the autonomous
// turn loop until the agent yields a message, the foreground budget is
// exhausted (in which case a background subtask takes over and this call
// returns (nil, nil)), or an unrecoverable error occurs.
func (m *Manager) ProcessMessage(ctx context.Context, conversationID, operatorText string) (*models.Message, error) {
	operatorMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.MessageRoleOperator,
		Content:        operatorText,
		Processed:      true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.messages.AppendMessage(ctx, operatorMsg); err != nil {
		return nil, fmt.Errorf("chatturn: append operator message: %w", err)
	}
	if m.concerns != nil {
		if err := m.concerns.MentionTouch(ctx, operatorText); err != nil {
			return nil, fmt.Errorf("chatturn: mention touch: %w", err)
		}
	}

	return m.driveForeground(ctx, conversationID)
}

// ProcessQueuedMessages drains conversationID's unprocessed operator
// messages (queued by the API layer's "queued" response)
// and drives the foreground turn loop for them. Each drained message is
// marked processed before the loop runs, since the message itself is
// already part of the conversation's persisted history by the time the
// scheduler's engaged tick picks it up.
func (m *Manager) ProcessQueuedMessages(ctx context.Context, conversationID string) (*models.Message, error) {
	pending, err := m.messages.ListUnprocessedMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chatturn: list unprocessed messages: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	for _, msg := range pending {
		if err := m.messages.MarkMessageProcessed(ctx, msg.ID); err != nil {
			return nil, fmt.Errorf("chatturn: mark message processed: %w", err)
		}
		if m.concerns != nil {
			if err := m.concerns.MentionTouch(ctx, msg.Content); err != nil {
				return nil, fmt.Errorf("chatturn: mention touch: %w", err)
			}
		}
	}
	return m.driveForeground(ctx, conversationID)
}

// ResumeConversation re-drives the foreground turn loop for a conversation
// currently suspended in RuntimeAwaitingApproval, once its blocking tool
// call has been session-approved (POST /agent/tools/:name/approve). It is
// also safe to call on a conversation that is not suspended: the engine
// simply runs another ordinary iteration.
func (m *Manager) ResumeConversation(ctx context.Context, conversationID string) (*models.Message, error) {
	return m.driveForeground(ctx, conversationID)
}

// driveForeground runs the iterate-until-yield loop up to the foreground
// budget, handing off to a background subtask if continuation is still
// justified once the budget is exhausted.
func (m *Manager) driveForeground(ctx context.Context, conversationID string) (*models.Message, error) {
	heat := m.heatFor(conversationID)
	for iteration := 1; iteration <= m.cfg.ForegroundTurnBudget; iteration++ {
		msg, cont, err := m.runIteration(ctx, conversationID, iteration, heat)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		if !cont {
			return nil, nil
		}
	}

	// Foreground budget exhausted but continuation is still justified:
	// hand off to a background subtask and return control immediately.
	if m.background.TryStart(conversationID) {
		m.background.Launch(func() { m.runBackgroundLoop(conversationID, heat) })
	}
	return nil, nil
}

// runIteration runs exactly one autonomous turn and reports the yielded
// message (if any) and whether another iteration is justified.
func (m *Manager) runIteration(ctx context.Context, conversationID string, iteration int, heat *LoopHeat) (*models.Message, bool, error) {
	turnStart := time.Now()
	ctx, cancelWork := m.withStopSignal(ctx)
	defer cancelWork()
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.TraceTurn(ctx, conversationID, iteration)
		defer span.End()
	}

	if err := m.maybeCompact(ctx, conversationID); err != nil && m.emitter != nil {
		// Compaction failure is never fatal to the turn: the conversation
		// summary just stays stale until the next successful attempt.
		m.emitter.Error(models.ErrorPayload{Message: err.Error(), ConversationID: conversationID, Kind: "compaction"})
	}

	bundle, err := m.buildPromptBundle(ctx, conversationID, heat)
	if err != nil {
		return nil, false, fmt.Errorf("chatturn: build prompt: %w", err)
	}

	turn := &models.Turn{
		ID:               uuid.NewString(),
		ConversationID:   conversationID,
		Iteration:        iteration,
		Phase:            models.TurnProcessing,
		PromptText:       bundle.Render(),
		SystemPromptText: turnSystemPrompt,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.turns.CreateTurn(ctx, turn); err != nil {
		return nil, false, fmt.Errorf("chatturn: create turn: %w", err)
	}

	seed := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: turn.SystemPromptText},
		{Role: llm.RoleUser, Content: turn.PromptText},
	}
	result, runErr := m.engine.Run(ctx, seed, m.toolCtx, toolengine.Config{
		Model:         m.cfg.Model,
		Temperature:   m.cfg.Temperature,
		MaxTokens:     m.cfg.MaxTokens,
		MaxIterations: m.cfg.MaxToolIterations,
	}, toolengine.Callbacks{}, func(toolName string) bool {
		ok, _ := m.approvals.IsApproved(ctx, toolName)
		return ok
	})

	now := time.Now().UTC()
	turn.CompletedAt = &now
	if runErr != nil {
		turn.Phase = models.TurnFailed
		turn.Status = models.StatusError
		turn.Error = runErr.Error()
		_ = m.turns.UpdateTurn(ctx, turn)
		m.setConversationRuntimeState(ctx, conversationID, models.RuntimeFailed)
		m.obs.RecordTurn("error", string(models.StatusError), time.Since(turnStart))
		return nil, false, fmt.Errorf("chatturn: engine run: %w", runErr)
	}

	needsApproval := false
	for i := range result.ToolCallRecords {
		rec := result.ToolCallRecords[i]
		rec.ID = uuid.NewString()
		rec.TurnID = turn.ID
		rec.CreatedAt = now
		if rec.RequiresApproval && !rec.Approved {
			needsApproval = true
		}
		if err := m.toolCalls.AppendToolCall(ctx, &rec); err != nil {
			return nil, false, fmt.Errorf("chatturn: append tool call: %w", err)
		}
	}

	if needsApproval {
		turn.Phase = models.TurnAwaitingApproval
		turn.Status = models.StatusStillWorking
		if err := m.turns.UpdateTurn(ctx, turn); err != nil {
			return nil, false, fmt.Errorf("chatturn: update turn: %w", err)
		}
		m.setConversationActiveTurn(ctx, conversationID, turn.ID, models.RuntimeAwaitingApproval)
		m.obs.RecordTurn("awaiting_approval", string(models.StatusStillWorking), time.Since(turnStart))
		return nil, false, nil
	}

	parsed := ParseMetadataBlocks(result.ResponseText)
	if err := m.ingestConcerns(ctx, parsed); err != nil {
		return nil, false, fmt.Errorf("chatturn: ingest concerns: %w", err)
	}

	toolNames := make([]string, len(result.ToolCallRecords))
	for i, rec := range result.ToolCallRecords {
		toolNames[i] = rec.ToolName
	}
	sig := BuildSignature(parsed.VisibleText, toolNames)
	heat.Observe(sig)

	decision, status := resolveTurnControl(parsed.TurnControl, len(result.ToolCallRecords), result.LimitHit)
	turn.Decision = decision
	turn.Status = status
	turn.Phase = models.TurnCompleted

	packet := &models.OODAPacket{
		TurnID:    turn.ID,
		Observe:   parsed.Thinking,
		Orient:    string(status),
		Decide:    string(decision),
		Act:       parsed.VisibleText,
		CreatedAt: now,
	}
	if err := m.ooda.SaveOODAPacket(ctx, packet); err != nil {
		return nil, false, fmt.Errorf("chatturn: save ooda packet: %w", err)
	}

	shouldContinue := decision == models.DecisionContinue &&
		(len(result.ToolCallRecords) > 0 || status == models.StatusStillWorking) &&
		!result.LimitHit &&
		!heat.Hot()

	if shouldContinue {
		turn.Phase = models.TurnProcessing
		if err := m.turns.UpdateTurn(ctx, turn); err != nil {
			return nil, false, fmt.Errorf("chatturn: update turn: %w", err)
		}
		m.obs.RecordTurn(string(decision), string(status), time.Since(turnStart))
		return nil, true, nil
	}

	if err := m.turns.UpdateTurn(ctx, turn); err != nil {
		return nil, false, fmt.Errorf("chatturn: update turn: %w", err)
	}
	m.setConversationIdle(ctx, conversationID)
	m.obs.RecordTurn(string(decision), string(status), time.Since(turnStart))

	visible := parsed.VisibleText
	if visible == "" || LooksLikeHallucinatedTranscript(visible) {
		return nil, false, nil
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.MessageRoleAgent,
		Content:        visible,
		Processed:      true,
		TurnID:         turn.ID,
		CreatedAt:      now,
	}
	if err := m.messages.AppendMessage(ctx, msg); err != nil {
		return nil, false, fmt.Errorf("chatturn: append agent message: %w", err)
	}
	return msg, false, nil
}

// resolveTurnControl fills in a missing or unrecognized [turn_control]
// decision with continue when the iteration ran tool calls without hitting
// the iteration cap and with yield otherwise, and a missing or
// unrecognized status with done, matching the tolerant-parsing posture
// metadata.go documents.
func resolveTurnControl(tc TurnControl, toolCallCount int, limitHit bool) (models.TurnDecision, models.TurnStatus) {
	decision := models.TurnDecision(tc.Decision)
	status := models.TurnStatus(tc.Status)
	switch decision {
	case models.DecisionContinue, models.DecisionYield:
	default:
		if toolCallCount > 0 && !limitHit {
			decision = models.DecisionContinue
		} else {
			decision = models.DecisionYield
		}
	}
	switch status {
	case models.StatusStillWorking, models.StatusDone, models.StatusError:
	default:
		status = models.StatusDone
	}
	return decision, status
}

func (m *Manager) ingestConcerns(ctx context.Context, parsed ParsedTurn) error {
	if len(parsed.Concerns) == 0 || m.concerns == nil {
		return nil
	}
	var signals []concerns.Signal
	if err := json.Unmarshal(parsed.Concerns, &signals); err != nil {
		// A malformed [concerns] block is tolerated, not fatal: the rest of
		// the turn already succeeded.
		return nil
	}
	return m.concerns.Ingest(ctx, signals)
}

// runBackgroundLoop continues a conversation's autonomous turns past the
// foreground budget, without blocking the operator. It stops at the first
// yielded message, the background budget, or an error.
func (m *Manager) runBackgroundLoop(conversationID string, heat *LoopHeat) {
	defer m.background.Finish(conversationID)
	ctx := context.Background()
	for i := 0; i < m.cfg.BackgroundTurnBudget; i++ {
		iteration := models.BackgroundIterationFloor + i
		msg, cont, err := m.runIteration(ctx, conversationID, iteration, heat)
		if err != nil {
			if m.emitter != nil {
				m.emitter.Error(models.ErrorPayload{Message: err.Error(), ConversationID: conversationID, Kind: "background_turn"})
			}
			return
		}
		if msg != nil || !cont {
			return
		}
	}
}

// buildPromptBundle assembles the ordered prompt sections for one turn.
func (m *Manager) buildPromptBundle(ctx context.Context, conversationID string, heat *LoopHeat) (PromptBundle, error) {
	var bundle PromptBundle

	if m.memory != nil {
		if note, ok, err := m.memory.Get(ctx, tools.SessionHandoffKey); err == nil && ok {
			bundle.SessionHandoffNote = note
		}
	}

	if m.concerns != nil {
		ctxStr, err := m.concerns.PriorityContext(ctx, m.cfg.MaxPriorityConcerns)
		if err != nil {
			return bundle, err
		}
		bundle.ConcernPriorityContext = ctxStr
	}

	if m.memory != nil {
		entries, err := m.memory.List(ctx)
		if err == nil {
			bundle.WorkingMemoryContext = renderWorkingMemory(entries)
		}
	}

	var orientation *models.OrientationSnapshot
	if m.orient != nil {
		orientation, _ = m.orient.LatestOrientation(ctx)
	}
	var previous *models.OODAPacket
	if m.ooda != nil {
		previous, _ = m.ooda.LatestOODAPacket(ctx, conversationID)
	}
	var recentActionDigest string
	if heat != nil {
		recentActionDigest = heat.LastActionDigest()
	}
	bundle.OODASynthesis = OODASynthesis(orientation, recentActionDigest, previous)

	if m.summaries != nil {
		if s, err := m.summaries.GetSummary(ctx, conversationID); err == nil && s != nil {
			bundle.ConversationSummary = s.Summary
		}
	}

	if m.messages != nil {
		recent, err := m.messages.ListMessages(ctx, conversationID, 20)
		if err == nil && len(recent) > 0 {
			bundle.NewMessage = recent[len(recent)-1].Content
			bundle.RecentMessages = recent[:len(recent)-1]
		}
	}

	return bundle, nil
}

func renderWorkingMemory(entries []*models.WorkingMemoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var out string
	for _, e := range entries {
		if e.Key == tools.SessionHandoffKey {
			continue
		}
		out += fmt.Sprintf("- %s: %s\n", e.Key, e.Content)
	}
	return out
}

const turnSystemPrompt = `You are an autonomous companion agent processing one operator
conversation turn at a time. Use the tools made available to you as needed.
When you are done with this iteration, end your reply with a
[turn_control]{"decision":"continue|yield","status":"still_working|done|error"}[/turn_control]
block. If you created, touched, or resolved a tracked concern this turn,
also emit a [concerns] block containing a JSON array of
{"action":"create|touch|resolve","type":string,"summary":string,
"note":string,"confidence":number} objects. Everything outside these
metadata blocks is the message the operator will actually see, so only
include a visible reply when you intend to yield control back to them.`
