package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules one-shot functions keyed by generated IDs, so callers can
// rearm or cancel them. Backed by the standard time package.
type Timer struct {
	timers map[string]*time.Timer
	mu     sync.Mutex
	nextID int64
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer {
	return &Timer{timers: make(map[string]*time.Timer)}
}

// ScheduleAfter schedules fn to run after delay and returns its timer ID.
func (t *Timer) ScheduleAfter(delay time.Duration, fn func()) string {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		fn()
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.timers[id] = timer
	t.mu.Unlock()

	slog.Debug("Timer scheduled", "id", id, "delay", delay)
	return id
}

// Cancel stops a scheduled timer. Canceling an unknown or fired timer is a no-op.
func (t *Timer) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, exists := t.timers[id]; exists {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Stop cancels all scheduled timers.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	slog.Debug("Timer stopped all timers")
}
