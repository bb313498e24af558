// Package events bridges typed AgentEvents from the orchestrator to any
// number of subscribers (WS broadcaster, stats collector, loggers) through
// an Emitter / Sink split.
package events

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Sink receives emitted events. Implementations must not block the emitter
// for long; slow consumers are the broadcaster's problem, not the emitter's.
type Sink interface {
	Dispatch(evt models.AgentEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(models.AgentEvent)

// Dispatch calls f.
func (f SinkFunc) Dispatch(evt models.AgentEvent) { f(evt) }

// NopSink discards every event.
type NopSink struct{}

// Dispatch is a no-op.
func (NopSink) Dispatch(models.AgentEvent) {}

// MultiSink fans a single event out to every wrapped sink.
type MultiSink struct {
	Sinks []Sink
}

// Dispatch forwards evt to every wrapped sink in order.
func (m MultiSink) Dispatch(evt models.AgentEvent) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Dispatch(evt)
		}
	}
}

// Emitter generates AgentEvents with a monotonic per-process sequence number
// and dispatches them to a Sink.
type Emitter struct {
	runID    string
	sequence uint64
	sink     Sink
}

// NewEmitter creates an Emitter for runID dispatching to sink. A nil sink is
// replaced with NopSink.
func NewEmitter(runID string, sink Sink) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{runID: runID, sink: sink}
}

func (e *Emitter) nextSeq() uint64 {
	return atomic.AddUint64(&e.sequence, 1)
}

// Emit builds the envelope, stamping it with the next sequence number for
// this Emitter's run, and dispatches it.
func (e *Emitter) Emit(eventType models.AgentEventType, payload any) models.AgentEvent {
	evt := models.AgentEvent{
		RunID:     e.runID,
		Sequence:  e.nextSeq(),
		EventType: eventType,
		EmittedAt: time.Now().UTC(),
		Payload:   payload,
	}
	e.sink.Dispatch(evt)
	return evt
}

// StateChanged emits a StateChangedPayload.
func (e *Emitter) StateChanged(p models.StateChangedPayload) {
	e.Emit(models.EventStateChanged, p)
}

// ChatStreaming emits a ChatStreamingPayload.
func (e *Emitter) ChatStreaming(p models.ChatStreamingPayload) {
	e.Emit(models.EventChatStreaming, p)
}

// ToolCallProgress emits a ToolCallProgressPayload.
func (e *Emitter) ToolCallProgress(p models.ToolCallProgressPayload) {
	e.Emit(models.EventToolCallProgress, p)
}

// OrientationUpdate emits an OrientationUpdatePayload.
func (e *Emitter) OrientationUpdate(p models.OrientationUpdatePayload) {
	e.Emit(models.EventOrientationUpdate, p)
}

// JournalWritten emits a JournalWrittenPayload.
func (e *Emitter) JournalWritten(p models.JournalWrittenPayload) {
	e.Emit(models.EventJournalWritten, p)
}

// ConcernCreated emits a ConcernEventPayload under EventConcernCreated.
func (e *Emitter) ConcernCreated(p models.ConcernEventPayload) {
	e.Emit(models.EventConcernCreated, p)
}

// ConcernTouched emits a ConcernEventPayload under EventConcernTouched.
func (e *Emitter) ConcernTouched(p models.ConcernEventPayload) {
	e.Emit(models.EventConcernTouched, p)
}

// Error emits an ErrorPayload.
func (e *Emitter) Error(p models.ErrorPayload) {
	e.Emit(models.EventError, p)
}

// CycleStart emits a CycleStartPayload.
func (e *Emitter) CycleStart(p models.CycleStartPayload) {
	e.Emit(models.EventCycleStart, p)
}

// ActionTaken emits an ActionTakenPayload.
func (e *Emitter) ActionTaken(p models.ActionTakenPayload) {
	e.Emit(models.EventActionTaken, p)
}

// Observation emits an ObservationPayload.
func (e *Emitter) Observation(p models.ObservationPayload) {
	e.Emit(models.EventObservation, p)
}

// ReasoningTrace emits a ReasoningTracePayload.
func (e *Emitter) ReasoningTrace(p models.ReasoningTracePayload) {
	e.Emit(models.EventReasoningTrace, p)
}

// NewRunID generates a fresh run identifier for an Emitter.
func NewRunID() string {
	return uuid.NewString()
}
