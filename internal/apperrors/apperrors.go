// Package apperrors defines the turn-level error taxonomy: TransientNetwork,
// LLMParse, ToolExecution, Approval, Cancellation, Configuration, and
// Persistence. Each is a typed error with a Kind, a human message, and an
// unwrap-able cause, so callers can branch on Kind without string-matching
// error text.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a turn-level failure for propagation and retry policy.
type Kind string

const (
	// TransientNetwork covers streaming/HTTP failures that are retried once
	// (streaming -> non-streaming fallback) before surfacing.
	TransientNetwork Kind = "transient_network"
	// LLMParse covers malformed structured output (orientation JSON,
	// turn-control blocks); callers degrade to a heuristic or skip the write.
	LLMParse Kind = "llm_parse"
	// ToolExecution covers a tool returning an error; it is captured as text
	// and fed back to the model rather than raised.
	ToolExecution Kind = "tool_execution"
	// Approval covers a tool awaiting session approval; never fatal.
	Approval Kind = "approval"
	// Cancellation covers an explicit stop request; terminal (turn -> failed).
	Cancellation Kind = "cancellation"
	// Configuration covers startup-only misconfiguration; aborts the process.
	Configuration Kind = "configuration"
	// Persistence covers a storage-layer failure; the turn is marked failed
	// but the loop continues on the next tick.
	Persistence Kind = "persistence"
)

// TurnError is a structured error carrying a classification Kind alongside
// a message and optional cause.
type TurnError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *TurnError) Unwrap() error {
	return e.Cause
}

// New builds a TurnError of the given kind wrapping cause.
func New(kind Kind, cause error) *TurnError {
	te := &TurnError{Kind: kind, Cause: cause}
	if cause != nil {
		te.Message = cause.Error()
	}
	return te
}

// Newf builds a TurnError of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *TurnError {
	return &TurnError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a TurnError of the given kind.
func Is(err error, kind Kind) bool {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to "" if err is not a
// TurnError.
func KindOf(err error) Kind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsFatal reports whether a turn error terminates the turn outright
// (Cancellation, Configuration) versus being recoverable/continuable
// (TransientNetwork after its single retry, ToolExecution, Approval,
// LLMParse, Persistence).
func IsFatal(err error) bool {
	switch KindOf(err) {
	case Cancellation, Configuration:
		return true
	default:
		return false
	}
}

var (
	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no llm provider configured")
	// ErrTurnBusy indicates a conversation already has a non-terminal turn.
	ErrTurnBusy = errors.New("conversation already has an active turn")
	// ErrStopped indicates the runtime was stopped via POST /agent/stop.
	ErrStopped = errors.New("runtime stopped")
	// ErrMaxIterations indicates the tool-calling engine hit its iteration cap.
	ErrMaxIterations = errors.New("max tool iterations reached")
)
