// Package orientation computes the companion's situational synthesis: a
// fast bucketed-signature cache that skips the LLM entirely when nothing
// meaningful has changed, and a slow path that requests structured JSON
// from the model with a tolerant parser and a heuristic fallback so a
// malformed reply never raises to the loop scheduler.
//
// It applies the same never-raise-on-parse-failure posture the
// tool-calling loop uses for its own turn-control block, over a Complete-based
// structured-call pattern.
package orientation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// PresenceSample is the operator's observed current state.
type PresenceSample struct {
	IdleSeconds   int
	CPULoad       float64
	MemLoad       float64
	ActiveProcess string
	Now           time.Time
}

// Inputs bundles everything the orientation engine reads.
type Inputs struct {
	Presence           PresenceSample
	Concerns           []*models.Concern
	RecentJournal      []*models.JournalEntry
	ObservationDigest  string // desktop/vision observation summary digest, if any
	RecentActionDigest string
	Previous           *models.OrientationSnapshot
}

// Signature buckets the inputs coarsely so repeated ticks with no
// meaningful change skip the LLM call entirely.
func Signature(in Inputs) string {
	idleBucket := bucketIdle(in.Presence.IdleSeconds)
	cpuBucket := bucketLoad(in.Presence.CPULoad)
	memBucket := bucketLoad(in.Presence.MemLoad)
	weekend := in.Presence.Now.Weekday() == time.Saturday || in.Presence.Now.Weekday() == time.Sunday
	lateNight := in.Presence.Now.Hour() < 5 || in.Presence.Now.Hour() >= 23

	raw := fmt.Sprintf("idle=%s|cpu=%s|mem=%s|weekend=%v|late=%v|obs=%s|act=%s",
		idleBucket, cpuBucket, memBucket, weekend, lateNight,
		in.ObservationDigest, in.RecentActionDigest)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func bucketIdle(seconds int) string {
	switch {
	case seconds < 60:
		return "active"
	case seconds < 600:
		return "brief"
	case seconds < 1800:
		return "short"
	default:
		return "away"
	}
}

func bucketLoad(load float64) string {
	switch {
	case load < 0.3:
		return "low"
	case load < 0.7:
		return "moderate"
	default:
		return "high"
	}
}

// rawOrientation is the tolerant wire shape the LLM is asked to produce.
// Field aliases (salience_map/pending_actions/mood_estimate, and string-or-
// object forms for user_state/mood) are handled in parseTolerant.
type rawOrientation struct {
	Disposition       string          `json:"disposition"`
	UserState         json.RawMessage `json:"user_state"`
	UserStateEstimate json.RawMessage `json:"user_state_estimate"`
	SalienceMap       json.RawMessage `json:"salience_map"`
	PendingActions    json.RawMessage `json:"pending_actions"`
	Anomalies         []string        `json:"anomalies"`
	Mood              json.RawMessage `json:"mood"`
	MoodEstimate      json.RawMessage `json:"mood_estimate"`
	Narrative         string          `json:"narrative"`
}

// Engine computes OrientationSnapshots.
type Engine struct {
	store    storage.OrientationStore
	provider llm.Provider
	emitter  *events.Emitter
	model    string
}

// New builds an Engine.
func New(store storage.OrientationStore, provider llm.Provider, emitter *events.Emitter, model string) *Engine {
	return &Engine{store: store, provider: provider, emitter: emitter, model: model}
}

// Orient computes (and persists) the orientation for this tick. If the
// bucketed signature matches the previous snapshot's, the LLM is skipped
// entirely and the prior snapshot is returned unchanged (the fast path).
func (e *Engine) Orient(ctx context.Context, in Inputs) (*models.OrientationSnapshot, error) {
	sig := Signature(in)
	if in.Previous != nil && in.Previous.Signature == sig {
		return in.Previous, nil
	}

	snap, err := e.slowPath(ctx, in, sig)
	if err != nil {
		snap = e.heuristic(in, sig)
	}
	if err := e.store.SaveOrientation(ctx, snap); err != nil {
		return nil, fmt.Errorf("orientation: save: %w", err)
	}
	if e.emitter != nil {
		e.emitter.OrientationUpdate(models.OrientationUpdatePayload{
			Disposition: snap.Disposition,
			Narrative:   snap.Narrative,
			Signature:   snap.Signature,
		})
	}
	return snap, nil
}

func (e *Engine) slowPath(ctx context.Context, in Inputs, sig string) (*models.OrientationSnapshot, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("orientation: no provider configured")
	}
	resp, err := e.provider.Complete(ctx, llm.Request{
		Model: e.model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: orientationSystemPrompt},
			{Role: llm.RoleUser, Content: renderInputs(in)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("orientation: llm call: %w", err)
	}
	raw, err := parseTolerant(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("orientation: parse: %w", err)
	}
	return e.toSnapshot(raw, sig), nil
}

// heuristic derives an orientation directly from the inputs, used whenever
// the LLM call or its JSON parse fails. It must never error.
func (e *Engine) heuristic(in Inputs, sig string) *models.OrientationSnapshot {
	disposition := models.DispositionAmbient
	if in.Presence.IdleSeconds < 60 {
		disposition = models.DispositionAttending
	} else if in.Presence.IdleSeconds > 1800 && (in.Presence.Now.Hour() < 5 || in.Presence.Now.Hour() >= 23) {
		disposition = models.DispositionDream
	}

	var activeSummaries []string
	for _, c := range in.Concerns {
		if c.Salience == models.SalienceActive {
			activeSummaries = append(activeSummaries, c.Summary)
		}
	}

	return &models.OrientationSnapshot{
		ID:                uuid.NewString(),
		CapturedAt:        time.Now().UTC(),
		Disposition:       disposition,
		UserStateEstimate: "heuristic: " + bucketIdle(in.Presence.IdleSeconds),
		Narrative:         "heuristic orientation (llm unavailable): " + strings.Join(activeSummaries, "; "),
		Signature:         sig,
	}
}

func (e *Engine) toSnapshot(raw *rawOrientation, sig string) *models.OrientationSnapshot {
	disposition := models.Disposition(raw.Disposition)
	switch disposition {
	case models.DispositionAttending, models.DispositionAmbient, models.DispositionJournal, models.DispositionDream:
	default:
		disposition = models.DispositionAmbient
	}

	userState := firstNonEmpty(raw.UserState, raw.UserStateEstimate)
	mood := firstNonEmpty(raw.Mood, raw.MoodEstimate)
	salienceMap := decodeMap(firstNonEmpty(raw.SalienceMap, raw.PendingActions))

	return &models.OrientationSnapshot{
		ID:                uuid.NewString(),
		CapturedAt:        time.Now().UTC(),
		Disposition:       disposition,
		UserStateEstimate: userState,
		SalienceMap:       salienceMap,
		Anomalies:         raw.Anomalies,
		Mood:              mood,
		Narrative:         raw.Narrative,
		Signature:         sig,
	}
}

func firstNonEmpty(candidates ...json.RawMessage) string {
	for _, c := range candidates {
		if len(c) == 0 {
			continue
		}
		if s := decodeStringOrObject(c); s != "" {
			return s
		}
	}
	return ""
}

// decodeStringOrObject tolerates both `"user_state": "focused"` and
// `"user_state": {"summary": "focused"}` shapes.
func decodeStringOrObject(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj["summary"]; ok {
			return fmt.Sprintf("%v", v)
		}
		b, _ := json.Marshal(obj)
		return string(b)
	}
	return ""
}

func decodeMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// parseTolerant accepts fenced JSON payloads (```json ... ```) and replaces
// curly double quotes with straight ones, matching the same tolerant-parse posture the
// turn-control metadata block parser uses.
func parseTolerant(text string) (*rawOrientation, error) {
	cleaned := stripFence(text)
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case '“', '”':
			return '"'
		default:
			return r
		}
	}, cleaned)

	var raw rawOrientation
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("tolerant parse: %w", err)
	}
	return &raw, nil
}

func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(t, "```")
	}
	return strings.TrimSpace(t)
}

func renderInputs(in Inputs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "presence: idle=%ds cpu=%.2f mem=%.2f time=%s\n",
		in.Presence.IdleSeconds, in.Presence.CPULoad, in.Presence.MemLoad, in.Presence.Now.Format(time.RFC3339))
	for _, c := range in.Concerns {
		fmt.Fprintf(&b, "concern[%s]: %s\n", c.Salience, c.Summary)
	}
	for _, j := range in.RecentJournal {
		fmt.Fprintf(&b, "journal[%s]: %s\n", j.Type, j.Text)
	}
	if in.ObservationDigest != "" {
		fmt.Fprintf(&b, "observation_digest: %s\n", in.ObservationDigest)
	}
	if in.RecentActionDigest != "" {
		fmt.Fprintf(&b, "recent_action_digest: %s\n", in.RecentActionDigest)
	}
	if in.Previous != nil {
		fmt.Fprintf(&b, "previous_narrative: %s\n", in.Previous.Narrative)
	}
	return b.String()
}

const orientationSystemPrompt = `You are the orientation synthesis step of an autonomous companion agent.
Given the presence, concern, and journal inputs, respond with a single JSON
object: {"disposition": "attending|ambient|journal|dream", "user_state":
string, "salience_map": object, "anomalies": [string], "mood": string,
"narrative": string}. Respond with JSON only, no prose before or after.`
