// Package concerns tracks the companion's situational-awareness topics:
// ingesting structured signals parsed out of a turn's [concerns] metadata
// block, bumping salience back up on an operator mention, decaying stale
// concerns toward dormant, and rendering a bounded priority-context string
// for prompt injection. Every transition follows the same
// mutate-persisted-state-then-emit-event shape used elsewhere in the
// codebase: a store write followed by the corresponding AgentEvent.
package concerns

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Thresholds control decay timing and signal admission.
type Thresholds struct {
	MonitoringAfter time.Duration // last_touched_at older than this: active -> monitoring
	BackgroundAfter time.Duration // -> background
	DormantAfter    time.Duration // -> dormant
	MinConfidence   float64       // ingest signals below this confidence are dropped
}

// DefaultThresholds is the built-in 7d/30d/90d decay ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MonitoringAfter: 7 * 24 * time.Hour,
		BackgroundAfter: 30 * 24 * time.Hour,
		DormantAfter:    90 * 24 * time.Hour,
		MinConfidence:   0.5,
	}
}

// Signal is one structured entry from a [concerns] metadata block.
type Signal struct {
	Action     string             `json:"action"` // create | touch | resolve
	Type       models.ConcernType `json:"type"`
	Summary    string             `json:"summary"`
	Note       string             `json:"note,omitempty"`
	Confidence float64            `json:"confidence"`
}

// Manager owns the concern state machine: ingest, mention-touch, decay, and
// priority-context rendering.
type Manager struct {
	store      storage.ConcernStore
	emitter    *events.Emitter
	thresholds Thresholds
}

// New builds a Manager.
func New(store storage.ConcernStore, emitter *events.Emitter, thresholds Thresholds) *Manager {
	return &Manager{store: store, emitter: emitter, thresholds: thresholds}
}

// Ingest applies a batch of signals parsed from a turn's [concerns] block.
// Signals below MinConfidence are silently dropped.
func (m *Manager) Ingest(ctx context.Context, signals []Signal) error {
	for _, sig := range signals {
		if sig.Confidence < m.thresholds.MinConfidence {
			continue
		}
		switch sig.Action {
		case "create":
			if err := m.create(ctx, sig); err != nil {
				return err
			}
		case "touch":
			if err := m.touchBySummary(ctx, sig.Summary); err != nil {
				return err
			}
		case "resolve":
			if err := m.resolveBySummary(ctx, sig.Summary); err != nil {
				return err
			}
		default:
			return fmt.Errorf("concerns: unknown signal action %q", sig.Action)
		}
	}
	return nil
}

func (m *Manager) create(ctx context.Context, sig Signal) error {
	now := time.Now().UTC()
	c := &models.Concern{
		ID:            uuid.NewString(),
		Type:          sig.Type,
		Salience:      models.SalienceActive,
		Summary:       sig.Summary,
		PrivateNote:   sig.Note,
		CreatedAt:     now,
		LastTouchedAt: now,
	}
	if err := m.store.UpsertConcern(ctx, c); err != nil {
		return fmt.Errorf("concerns: create: %w", err)
	}
	if m.emitter != nil {
		m.emitter.ConcernCreated(models.ConcernEventPayload{ConcernID: c.ID, Type: c.Type, Salience: c.Salience})
	}
	return nil
}

// resolveBySummary marks the best-matching concern dormant immediately,
// independent of the decay ladder (an explicit resolve signal always wins).
func (m *Manager) resolveBySummary(ctx context.Context, summary string) error {
	c, err := m.findBySummary(ctx, summary)
	if err != nil || c == nil {
		return err
	}
	c.Salience = models.SalienceDormant
	c.LastTouchedAt = time.Now().UTC()
	if err := m.store.UpsertConcern(ctx, c); err != nil {
		return fmt.Errorf("concerns: resolve: %w", err)
	}
	if m.emitter != nil {
		m.emitter.ConcernTouched(models.ConcernEventPayload{ConcernID: c.ID, Type: c.Type, Salience: c.Salience})
	}
	return nil
}

func (m *Manager) touchBySummary(ctx context.Context, summary string) error {
	c, err := m.findBySummary(ctx, summary)
	if err != nil || c == nil {
		return err
	}
	return m.touch(ctx, c)
}

// touch bumps last_touched_at to now and restores salience to at least
// monitoring, never weakening a hotter existing salience.
func (m *Manager) touch(ctx context.Context, c *models.Concern) error {
	c.LastTouchedAt = time.Now().UTC()
	if models.SalienceRank[c.Salience] > models.SalienceRank[models.SalienceMonitoring] {
		c.Salience = models.SalienceMonitoring
	}
	if err := m.store.UpsertConcern(ctx, c); err != nil {
		return fmt.Errorf("concerns: touch: %w", err)
	}
	if m.emitter != nil {
		m.emitter.ConcernTouched(models.ConcernEventPayload{ConcernID: c.ID, Type: c.Type, Salience: c.Salience})
	}
	return nil
}

// MentionTouch scans operator text for a substring overlap (after
// normalization) with any tracked concern's summary, and touches every
// match. This mention-touch path is distinct from the structured-signal
// touch action above.
func (m *Manager) MentionTouch(ctx context.Context, operatorText string) error {
	all, err := m.store.ListAllConcerns(ctx)
	if err != nil {
		return fmt.Errorf("concerns: list for mention touch: %w", err)
	}
	normalizedText := normalize(operatorText)
	for _, c := range all {
		if c.Salience == models.SalienceDormant {
			continue // dormant concerns are only reactivated by explicit signal, not passive mention
		}
		if strings.Contains(normalizedText, normalize(c.Summary)) {
			if err := m.touch(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (m *Manager) findBySummary(ctx context.Context, summary string) (*models.Concern, error) {
	all, err := m.store.ListAllConcerns(ctx)
	if err != nil {
		return nil, fmt.Errorf("concerns: list for summary match: %w", err)
	}
	target := normalize(summary)
	for _, c := range all {
		if normalize(c.Summary) == target {
			return c, nil
		}
	}
	return nil, nil
}

// Decay applies the 7d/30d/90d ladder to every tracked concern. Transitions
// are monotone (never move a concern toward a hotter salience) and each
// transition emits ConcernTouched.
func (m *Manager) Decay(ctx context.Context) error {
	all, err := m.store.ListAllConcerns(ctx)
	if err != nil {
		return fmt.Errorf("concerns: list for decay: %w", err)
	}
	now := time.Now().UTC()
	for _, c := range all {
		target := m.decayTarget(now.Sub(c.LastTouchedAt))
		if models.SalienceRank[target] <= models.SalienceRank[c.Salience] {
			continue // target is not colder than current: no-op
		}
		c.Salience = target
		if err := m.store.UpsertConcern(ctx, c); err != nil {
			return fmt.Errorf("concerns: decay upsert: %w", err)
		}
		if m.emitter != nil {
			m.emitter.ConcernTouched(models.ConcernEventPayload{ConcernID: c.ID, Type: c.Type, Salience: c.Salience})
		}
	}
	return nil
}

func (m *Manager) decayTarget(age time.Duration) models.Salience {
	switch {
	case age > m.thresholds.DormantAfter:
		return models.SalienceDormant
	case age > m.thresholds.BackgroundAfter:
		return models.SalienceBackground
	case age > m.thresholds.MonitoringAfter:
		return models.SalienceMonitoring
	default:
		return models.SalienceActive
	}
}

// PriorityContext renders a concise bounded string listing active and
// monitoring concerns, for prompt injection ahead of the working-memory
// context block.
func (m *Manager) PriorityContext(ctx context.Context, maxConcerns int) (string, error) {
	active, err := m.store.ListConcerns(ctx, models.SalienceMonitoring)
	if err != nil {
		return "", fmt.Errorf("concerns: list for priority context: %w", err)
	}
	sort.Slice(active, func(i, j int) bool {
		if models.SalienceRank[active[i].Salience] != models.SalienceRank[active[j].Salience] {
			return models.SalienceRank[active[i].Salience] < models.SalienceRank[active[j].Salience]
		}
		return active[i].LastTouchedAt.After(active[j].LastTouchedAt)
	})
	if len(active) > maxConcerns {
		active = active[:maxConcerns]
	}
	if len(active) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Active concerns:\n")
	for _, c := range active {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", c.Type, c.Salience, c.Summary)
	}
	return b.String(), nil
}
