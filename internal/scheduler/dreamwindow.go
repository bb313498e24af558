// Package scheduler drives the three interleaved cognitive loops —
// Engaged (operator chat), Ambient (orientation/concern/journal
// maintenance), and Dream (consolidation) — as a single cooperative ticker
// with adaptive tick duration and wake-signal short-circuiting, using
// robfig/cron for the dream-window schedule parsing.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var dreamCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// DreamWindow reports whether the configured dream window is currently
// open: it parses a standard cron expression naming the window's opening
// moment (e.g. "0 1 * * *" for 01:00 local) and treats the window as open
// for Duration afterward.
type DreamWindow struct {
	schedule cron.Schedule
	duration time.Duration
}

// NewDreamWindow parses expr (a standard cron expression marking the
// window's open time) and duration (how long the window stays open).
func NewDreamWindow(expr string, duration time.Duration) (*DreamWindow, error) {
	sched, err := dreamCronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse dream window cron expression %q: %w", expr, err)
	}
	if duration <= 0 {
		duration = 4 * time.Hour
	}
	return &DreamWindow{schedule: sched, duration: duration}, nil
}

// Open reports whether now falls within Duration after the most recent
// occurrence of the window's cron expression.
func (w *DreamWindow) Open(now time.Time) bool {
	anchor := now.Add(-w.duration)
	next := w.schedule.Next(anchor)
	return !next.IsZero() && !next.After(now)
}
