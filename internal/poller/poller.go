// Package poller implements the fallback inbound path: when the event stream
// is suspected unreliable, unread conversations are pulled actively and fed
// through the same handler as live events.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// Defaults for the adaptive polling interval and failure handling.
const (
	DefaultShortInterval   = 30 * time.Second
	DefaultLongInterval    = 3 * time.Minute
	DefaultChatLimit       = 20
	DefaultMessagesPerChat = 10
	maxConsecutiveFailures = 3
)

// Channel is the unread-conversation surface the poller pulls from.
type Channel interface {
	ListUnreadChats(limit int) ([]models.ChatSummary, error)
	FetchRecentMessages(chatID string, limit int) ([]models.InboundMessage, error)
	MarkRead(ctx context.Context, chatID string) error
}

// DedupCache filters already-dispatched message identifiers.
type DedupCache interface {
	Seen(id string) bool
}

// Handler receives messages pulled by the poller, identical in shape to the
// live event path.
type Handler func(msg models.InboundMessage)

// RestartRequester is invoked after repeated consecutive polling failures.
type RestartRequester func(reason string)

// Poller pulls unread conversations on an adaptive interval while the
// connection is ready.
type Poller struct {
	channel        Channel
	cache          DedupCache
	handler        Handler
	requestRestart RestartRequester

	shortInterval time.Duration
	longInterval  time.Duration
	chatLimit     int

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	failures int
}

// Opts holds configuration options for the poller.
type Opts struct {
	ShortInterval time.Duration
	LongInterval  time.Duration
	ChatLimit     int
}

// Option defines a configuration option for the poller.
type Option func(*Opts)

// WithIntervals sets the adaptive polling intervals.
func WithIntervals(short, long time.Duration) Option {
	return func(o *Opts) {
		o.ShortInterval = short
		o.LongInterval = long
	}
}

// WithChatLimit caps how many unread conversations one poll inspects.
func WithChatLimit(n int) Option {
	return func(o *Opts) { o.ChatLimit = n }
}

// New creates a poller. The handler must be non-nil: a poller without a
// registered inbound handler has nothing to feed.
func New(channel Channel, cache DedupCache, handler Handler, requestRestart RestartRequester, opts ...Option) *Poller {
	cfg := Opts{
		ShortInterval: DefaultShortInterval,
		LongInterval:  DefaultLongInterval,
		ChatLimit:     DefaultChatLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Poller{
		channel:        channel,
		cache:          cache,
		handler:        handler,
		requestRestart: requestRestart,
		shortInterval:  cfg.ShortInterval,
		longInterval:   cfg.LongInterval,
		chatLimit:      cfg.ChatLimit,
	}
}

// Start begins the polling loop. Safe to call when already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		slog.Debug("Poller already running")
		return
	}
	if p.handler == nil {
		slog.Warn("Poller not started: no inbound handler registered")
		return
	}
	p.running = true
	p.failures = 0
	p.stop = make(chan struct{})
	go p.loop(p.stop)
	slog.Info("Poller started", "short_interval", p.shortInterval, "long_interval", p.longInterval)
}

// Stop halts the polling loop. Safe to call when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
	slog.Info("Poller stopped")
}

// IsRunning reports whether the polling loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(stop chan struct{}) {
	interval := p.shortInterval
	for {
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}

		dispatched, err := p.pollOnce(context.Background())
		if err != nil {
			p.mu.Lock()
			p.failures++
			failures := p.failures
			p.mu.Unlock()
			slog.Error("Poller cycle failed", "error", err, "consecutive_failures", failures)
			if failures >= maxConsecutiveFailures {
				slog.Warn("Poller giving up after repeated failures, requesting restart", "failures", failures)
				p.Stop()
				if p.requestRestart != nil {
					p.requestRestart("polling failures")
				}
				return
			}
			continue
		}

		p.mu.Lock()
		p.failures = 0
		p.mu.Unlock()

		// Recent activity means replies are likely in flight; poll sooner.
		if dispatched > 0 {
			interval = p.shortInterval
		} else {
			interval = p.longInterval
		}
	}
}

// pollOnce lists unread conversations, dispatches anything not yet seen, and
// best-effort marks them read. Returns the number of dispatched messages.
func (p *Poller) pollOnce(ctx context.Context) (int, error) {
	chats, err := p.channel.ListUnreadChats(p.chatLimit)
	if err != nil {
		return 0, err
	}
	if len(chats) == 0 {
		return 0, nil
	}
	slog.Debug("Poller found unread conversations", "count", len(chats))

	dispatched := 0
	for _, chat := range chats {
		msgs, err := p.channel.FetchRecentMessages(chat.ChatID, DefaultMessagesPerChat)
		if err != nil {
			return dispatched, err
		}
		for _, msg := range msgs {
			if msg.IsFromSelf {
				continue
			}
			if p.cache.Seen(msg.ID) {
				continue
			}
			slog.Debug("Poller dispatching message missed by event stream", "chat", msg.ChatID, "id", msg.ID)
			p.handler(msg)
			dispatched++
		}
		if err := p.channel.MarkRead(ctx, chat.ChatID); err != nil {
			// Best effort: an unread counter that lags is acceptable.
			slog.Warn("Poller failed to mark chat read", "chat", chat.ChatID, "error", err)
		}
	}
	if dispatched > 0 {
		slog.Info("Poller dispatched messages", "count", dispatched)
	}
	return dispatched, nil
}
