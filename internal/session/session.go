// Package session implements the per-conversation state machine that routes
// inbound messages to menu handling, operator flows, and the receipt/payment
// flow.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// State identifies what a conversation is currently doing.
type State string

const (
	StateIdle                       State = "idle"
	StateMenuShown                  State = "menu_shown"
	StateAwaitingReceiptUpload      State = "awaiting_receipt_upload"
	StatePendingReceiptConfirmation State = "pending_receipt_confirmation"
	StateAwaitingMonthsCount        State = "awaiting_months_count"
	StateAgentMode                  State = "agent_mode"
	StateAdminFlow                  State = "admin_flow"
)

// Idle timeout defaults. Long timeouts apply while a human agent is engaged
// or a receipt upload is awaited.
const (
	DefaultShortTimeout = 10 * time.Minute
	DefaultLongTimeout  = 2 * time.Hour
)

// Session is the aggregate of all per-conversation ephemeral state. Keeping
// it in one struct makes "clear everything" a single assignment.
//
// mu serializes handling for this conversation: the event path and the
// polling fallback both dispatch concurrently, and two messages for the same
// chat must never interleave inside the state machine.
type Session struct {
	mu sync.Mutex

	ChatID         string
	State          State
	LastActivityAt time.Time

	// MenuItems holds the options currently offered while State is
	// MenuShown; may be top-level or a sub-menu.
	MenuItems []MenuItem
	// AdminMenuShown marks that the numbered operator menu is active.
	AdminMenuShown bool

	// Flow is the active operator flow when State is AdminFlow.
	Flow *AdminFlow

	// StagedAttachment holds an unsolicited attachment awaiting yes/no
	// confirmation.
	StagedAttachment *models.InboundMessage
	// ReceiptID is the local receipt awaiting a months count.
	ReceiptID string
	// PaymentID is a backend payment placeholder created during receipt
	// intake, updated once the months count arrives.
	PaymentID int64

	// AgentNotifiedAt throttles the operator handoff notification.
	AgentNotifiedAt time.Time
	// MonthsRetryScheduled guards the one-shot delayed retry after a failed
	// payment application.
	MonthsRetryScheduled bool

	timerID string
}

// usesLongTimeout reports whether the session state warrants the extended
// idle timeout.
func (s *Session) usesLongTimeout() bool {
	return s.State == StateAgentMode || s.State == StateAwaitingReceiptUpload
}

// Store is a concurrent-safe keyed store of sessions with per-conversation
// idle timers. Sessions are created lazily and reset as a single operation.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timer    *Timer

	shortTimeout time.Duration
	longTimeout  time.Duration
	onExpire     func(chatID string)
}

// NewStore creates a session store. onExpire (optional) runs after a session
// is cleared by its idle timer.
func NewStore(shortTimeout, longTimeout time.Duration, onExpire func(chatID string)) *Store {
	if shortTimeout <= 0 {
		shortTimeout = DefaultShortTimeout
	}
	if longTimeout <= 0 {
		longTimeout = DefaultLongTimeout
	}
	return &Store{
		sessions:     make(map[string]*Session),
		timer:        NewTimer(),
		shortTimeout: shortTimeout,
		longTimeout:  longTimeout,
		onExpire:     onExpire,
	}
}

// Get returns the session for a chat, creating it on first contact.
func (st *Store) Get(chatID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[chatID]
	if !ok {
		s = &Session{ChatID: chatID, State: StateIdle}
		st.sessions[chatID] = s
		slog.Debug("Session created", "chat", chatID)
	}
	return s
}

// Touch records activity and rearms the idle timer with the duration the
// current state calls for. Must be called after every state change so the
// right timeout is in force.
func (st *Store) Touch(chatID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[chatID]
	if !ok {
		return
	}
	s.LastActivityAt = time.Now()

	if s.timerID != "" {
		st.timer.Cancel(s.timerID)
	}
	timeout := st.shortTimeout
	if s.usesLongTimeout() {
		timeout = st.longTimeout
	}
	s.timerID = st.timer.ScheduleAfter(timeout, func() {
		slog.Info("Session idle timeout fired", "chat", chatID, "timeout", timeout)
		st.Reset(chatID)
		if st.onExpire != nil {
			st.onExpire(chatID)
		}
	})
}

// Reset clears all ephemeral state for one conversation and only that
// conversation.
func (st *Store) Reset(chatID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[chatID]
	if !ok {
		return
	}
	if s.timerID != "" {
		st.timer.Cancel(s.timerID)
	}
	st.sessions[chatID] = &Session{ChatID: chatID, State: StateIdle, LastActivityAt: s.LastActivityAt}
	slog.Debug("Session reset", "chat", chatID)
}

// StaleChats returns the chat IDs of sessions with no activity for at least
// idleFor.
func (st *Store) StaleChats(idleFor time.Duration) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := time.Now().Add(-idleFor)
	var out []string
	for chatID, s := range st.sessions {
		if s.LastActivityAt.Before(cutoff) {
			out = append(out, chatID)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Stop cancels all idle timers. Called on shutdown.
func (st *Store) Stop() {
	st.timer.Stop()
}
