// Package watchdog supervises the messaging connection lifecycle and performs
// bounded, cooldown-gated reconnects.
package watchdog

import (
	"errors"
	"sync"
	"time"
)

// Restart policy defaults.
const (
	DefaultRestartWindow   = 30 * time.Minute
	DefaultRestartCap      = 5
	DefaultRestartCooldown = 15 * time.Second
)

// Policy rejection errors.
var (
	ErrRestartCapReached = errors.New("watchdog: restart cap reached for current window")
	ErrRestartInProgress = errors.New("watchdog: restart already in progress")
	ErrRestartCooldown   = errors.New("watchdog: restart cooldown has not elapsed")
)

// RestartPolicy tracks restart attempts in a sliding window and enforces the
// cap, cooldown and single-restart-at-a-time rules. It lives for the whole
// process.
type RestartPolicy struct {
	mu         sync.Mutex
	window     time.Duration
	cap        int
	cooldown   time.Duration
	attempts   []time.Time
	inProgress bool

	now func() time.Time
}

// NewRestartPolicy creates a policy. Zero values select the package defaults.
func NewRestartPolicy(window time.Duration, cap int, cooldown time.Duration) *RestartPolicy {
	if window <= 0 {
		window = DefaultRestartWindow
	}
	if cap <= 0 {
		cap = DefaultRestartCap
	}
	if cooldown <= 0 {
		cooldown = DefaultRestartCooldown
	}
	return &RestartPolicy{window: window, cap: cap, cooldown: cooldown, now: time.Now}
}

// Begin checks whether a restart may start now and, if allowed, records the
// attempt and marks a restart as in progress. The attempt timestamp counts
// toward the window regardless of the restart's eventual outcome.
func (p *RestartPolicy) Begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inProgress {
		return ErrRestartInProgress
	}

	now := p.now()
	cutoff := now.Add(-p.window)
	kept := p.attempts[:0]
	for _, t := range p.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.attempts = kept

	if len(p.attempts) >= p.cap {
		return ErrRestartCapReached
	}
	if n := len(p.attempts); n > 0 && now.Sub(p.attempts[n-1]) < p.cooldown {
		return ErrRestartCooldown
	}

	p.attempts = append(p.attempts, now)
	p.inProgress = true
	return nil
}

// End marks the in-progress restart as finished.
func (p *RestartPolicy) End() {
	p.mu.Lock()
	p.inProgress = false
	p.mu.Unlock()
}

// AttemptsInWindow returns the number of restart attempts still inside the
// sliding window.
func (p *RestartPolicy) AttemptsInWindow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := p.now().Add(-p.window)
	n := 0
	for _, t := range p.attempts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
