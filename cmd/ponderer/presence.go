package main

import (
	"context"
	"sync"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/orientation"
)

// lastActivityPresence reports operator idle time as the elapsed duration
// since the REST layer last saw an inbound operator message. This headless
// backend has no OS-level input device to sample, so the last observed
// message is the only presence signal available.
type lastActivityPresence struct {
	mu   sync.Mutex
	last time.Time
}

func newLastActivityPresence() *lastActivityPresence {
	return &lastActivityPresence{last: time.Now()}
}

// Touch marks the operator as just having interacted with the system. The
// REST layer calls this from handlePostMessage.
func (p *lastActivityPresence) Touch() {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
}

func (p *lastActivityPresence) Sample(ctx context.Context) orientation.PresenceSample {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()

	now := time.Now()
	return orientation.PresenceSample{
		IdleSeconds: int(now.Sub(last).Seconds()),
		Now:         now,
	}
}
