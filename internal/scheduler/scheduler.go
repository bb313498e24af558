package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/chatturn"
	"github.com/MLTQ/ponderer-backend/internal/concerns"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/journal"
	"github.com/MLTQ/ponderer-backend/internal/observability"
	"github.com/MLTQ/ponderer-backend/internal/orientation"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// PresenceProvider samples the operator's current presence state for the
// ambient tick's orientation refresh. A nil provider yields a sample with
// zero idle seconds and zero load (an operator who is always active),
// which still lets every other tick phase run.
type PresenceProvider interface {
	Sample(ctx context.Context) orientation.PresenceSample
}

// Config controls tick pacing and the dream-cycle gate. The zero value for
// any MinTick* field falls back to a built-in default for that
// user-state bucket.
type Config struct {
	EnableAmbientLoop bool

	// DreamWindow defines should_dream()'s window-eligibility check. A nil
	// window disables dreaming entirely.
	DreamWindow       *DreamWindow
	MinDreamInterval  time.Duration
	HeartbeatInterval time.Duration

	MinTickAttending time.Duration
	MinTickActive    time.Duration
	MinTickPresent   time.Duration
	MinTickAway      time.Duration
	MinTickDormant   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDreamInterval <= 0 {
		c.MinDreamInterval = 6 * time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 2 * time.Minute
	}
	if c.MinTickAttending <= 0 {
		c.MinTickAttending = time.Second
	}
	if c.MinTickActive <= 0 {
		c.MinTickActive = 5 * time.Second
	}
	if c.MinTickPresent <= 0 {
		c.MinTickPresent = 15 * time.Second
	}
	if c.MinTickAway <= 0 {
		c.MinTickAway = 60 * time.Second
	}
	if c.MinTickDormant <= 0 {
		c.MinTickDormant = 300 * time.Second
	}
	return c
}

// Scheduler is the single cooperative driver for the Engaged, Ambient, and
// Dream loops.
type Scheduler struct {
	store       storage.Store
	chat        *chatturn.Manager
	orientation *orientation.Engine
	journal     *journal.Engine
	concerns    *concerns.Manager
	emitter     *events.Emitter
	presence    PresenceProvider
	cfg         Config
	obs         *observability.Metrics

	paused          atomic.Bool
	wake            chan struct{}
	lastDreamAt     time.Time
	lastHeartbeatAt time.Time
	dreamFn         func(ctx context.Context) error
}

// New wires a Scheduler from its collaborators. dreamFn runs one dream
// consolidation pass when should_dream() admits a tick; pass nil to use
// the no-op stub (see DESIGN.md's Open Question resolution).
func New(store storage.Store, chat *chatturn.Manager, orientationEngine *orientation.Engine, journalEngine *journal.Engine, concernMgr *concerns.Manager, emitter *events.Emitter, presence PresenceProvider, cfg Config, dreamFn func(ctx context.Context) error) *Scheduler {
	if dreamFn == nil {
		dreamFn = NoopDreamConsolidation
	}
	return &Scheduler{
		store:       store,
		chat:        chat,
		orientation: orientationEngine,
		journal:     journalEngine,
		concerns:    concernMgr,
		emitter:     emitter,
		presence:    presence,
		cfg:         cfg.withDefaults(),
		wake:        make(chan struct{}, 1),
		dreamFn:     dreamFn,
	}
}

// SetObservability installs the Prometheus metrics recorder fed by each
// tick phase. A nil argument leaves recording a no-op.
func (s *Scheduler) SetObservability(m *observability.Metrics) {
	s.obs = m
}

// Wake short-circuits the scheduler's current sleep via a
// counting-semaphore-with-collapse-to-one wake signal: a pending wake that
// hasn't been consumed yet is not duplicated.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pause/Resume gate the tick without stopping the loop itself, so the
// sleep cadence keeps running.
func (s *Scheduler) Pause()  { s.paused.Store(true) }
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Paused reports the scheduler's current pause state, for GET /agent/status.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Run drives the loop until ctx is cancelled. Each iteration runs one tick
// (unless paused, in which case the tick is skipped) and then
// sleeps for calculateTickDuration, short-circuited by Wake.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		tickDuration := s.minTickDuration()
		if !s.paused.Load() {
			state, err := s.tick(ctx)
			if err != nil {
				if s.emitter != nil {
					s.emitter.Error(models.ErrorPayload{Message: err.Error(), Kind: "scheduler_tick"})
				}
				time.Sleep(250 * time.Millisecond)
				continue
			}
			tickDuration = s.calculateTickDuration(state)
		}

		timer := time.NewTimer(tickDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) minTickDuration() time.Duration {
	return s.cfg.MinTickAttending
}

// tick runs one full (engaged, ambient, dream) pass and returns the latest
// orientation snapshot so the caller can pace the next sleep.
func (s *Scheduler) tick(ctx context.Context) (*models.OrientationSnapshot, error) {
	if s.emitter != nil {
		s.emitter.CycleStart(models.CycleStartPayload{Loop: "engaged"})
	}
	s.obs.RecordCycle("engaged")
	if err := s.engagedTick(ctx); err != nil {
		return nil, fmt.Errorf("scheduler: engaged tick: %w", err)
	}

	if !s.cfg.EnableAmbientLoop {
		if err := s.heartbeatTick(ctx); err != nil {
			return nil, fmt.Errorf("scheduler: heartbeat tick: %w", err)
		}
		return nil, nil
	}

	if s.emitter != nil {
		s.emitter.CycleStart(models.CycleStartPayload{Loop: "ambient"})
	}
	s.obs.RecordCycle("ambient")
	snapshot, err := s.ambientTick(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: ambient tick: %w", err)
	}

	if s.shouldDream(snapshot, time.Now()) {
		if s.emitter != nil {
			s.emitter.CycleStart(models.CycleStartPayload{Loop: "dream"})
		}
		s.obs.RecordCycle("dream")
		if err := s.dreamFn(ctx); err != nil {
			return nil, fmt.Errorf("scheduler: dream cycle: %w", err)
		}
		s.lastDreamAt = time.Now()
	}

	return snapshot, nil
}

// engagedTick drains the queued operator messages of the 50 most recently
// updated conversations (ListConversations' default page) through the
// chat-turn manager.
func (s *Scheduler) engagedTick(ctx context.Context) error {
	if s.chat == nil {
		return nil
	}
	conversations, err := s.store.ListConversations(ctx, 0)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for _, c := range conversations {
		// A conversation suspended pending tool approval has nothing queued
		// to drain; it resumes only once its blocking tool is session-
		// approved, via ResumeConversation (driven by the approval REST
		// handler's re-wake signal, not this tick).
		if c.RuntimeState == models.RuntimeAwaitingApproval {
			continue
		}
		if _, err := s.chat.ProcessQueuedMessages(ctx, c.ID); err != nil {
			return fmt.Errorf("process queued messages for %s: %w", c.ID, err)
		}
	}
	return nil
}

// ambientTick refreshes orientation (fast path skips the LLM when nothing
// changed), decays concern salience, maybe writes a journal entry, and
// invokes the heartbeat if due.
func (s *Scheduler) ambientTick(ctx context.Context) (*models.OrientationSnapshot, error) {
	var snapshot *models.OrientationSnapshot
	if s.orientation != nil {
		in := orientation.Inputs{Presence: s.samplePresence(ctx)}
		if s.store != nil {
			in.Previous, _ = s.store.LatestOrientation(ctx)
			in.RecentJournal, _ = s.store.RecentJournalEntries(ctx, 5)
			in.Concerns, _ = s.store.ListConcerns(ctx, models.SalienceMonitoring)
		}
		var err error
		snapshot, err = s.orientation.Orient(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("orient: %w", err)
		}
	}

	if s.concerns != nil {
		if err := s.concerns.Decay(ctx); err != nil {
			return snapshot, fmt.Errorf("concern decay: %w", err)
		}
	}

	if s.journal != nil && snapshot != nil {
		if _, err := s.journal.MaybeWrite(ctx, snapshot.Disposition, journal.Inputs{Orientation: snapshot}); err != nil {
			return snapshot, fmt.Errorf("journal write: %w", err)
		}
	}

	if err := s.heartbeatTick(ctx); err != nil {
		return snapshot, err
	}

	return snapshot, nil
}

// heartbeatTick emits a liveness signal at most once per HeartbeatInterval.
func (s *Scheduler) heartbeatTick(ctx context.Context) error {
	if time.Since(s.lastHeartbeatAt) < s.cfg.HeartbeatInterval {
		return nil
	}
	s.lastHeartbeatAt = time.Now()
	if s.emitter != nil {
		s.emitter.ActionTaken(models.ActionTakenPayload{Summary: "heartbeat"})
	}
	return nil
}

func (s *Scheduler) samplePresence(ctx context.Context) orientation.PresenceSample {
	if s.presence == nil {
		return orientation.PresenceSample{Now: time.Now()}
	}
	sample := s.presence.Sample(ctx)
	if sample.Now.IsZero() {
		sample.Now = time.Now()
	}
	return sample
}

// shouldDream reports whether a dream cycle may run now: user-away, inside
// the configured deep-night window, and the minimum interval since the
// last dream has elapsed.
func (s *Scheduler) shouldDream(snapshot *models.OrientationSnapshot, now time.Time) bool {
	if s.cfg.DreamWindow == nil || snapshot == nil {
		return false
	}
	if !userAway(snapshot.UserStateEstimate) {
		return false
	}
	if !s.cfg.DreamWindow.Open(now) {
		return false
	}
	return now.Sub(s.lastDreamAt) >= s.cfg.MinDreamInterval
}

func userAway(estimate string) bool {
	e := strings.ToLower(estimate)
	return strings.Contains(e, "away") || strings.Contains(e, "dormant")
}

// calculateTickDuration derives the sleep duration from the orientation
// snapshot's user-state estimate:
// attending ~1s, active ~5s, present ~15s, away ~60s, dormant ~300s.
func (s *Scheduler) calculateTickDuration(snapshot *models.OrientationSnapshot) time.Duration {
	if snapshot == nil {
		return s.cfg.MinTickActive
	}
	e := strings.ToLower(snapshot.UserStateEstimate)
	switch {
	case strings.Contains(e, "attending"):
		return s.cfg.MinTickAttending
	case strings.Contains(e, "active"):
		return s.cfg.MinTickActive
	case strings.Contains(e, "present"):
		return s.cfg.MinTickPresent
	case strings.Contains(e, "dormant"):
		return s.cfg.MinTickDormant
	case strings.Contains(e, "away"):
		return s.cfg.MinTickAway
	default:
		return s.cfg.MinTickActive
	}
}

// NoopDreamConsolidation is the default dream-cycle handler: whether dream
// consolidation may mutate concern salience directly is left as an open
// operational decision, resolved here as a no-op stub behind
// the same capability profile the rest of the tool surface uses, flagged
// for ops rather than implemented speculatively.
func NoopDreamConsolidation(ctx context.Context) error {
	return nil
}
