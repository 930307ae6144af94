// Package scheduler provides reminder delivery scheduling for cobrakit.
//
// It polls the billing backend for due reminders, claims them, delivers them
// over the messaging channel with bounded retries, and reconciles the outcome
// so nothing is ever left stuck in the queued state.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/robfig/cron/v3"
)

// Defaults for scheduler behavior.
const (
	DefaultInterval      = time.Minute
	DefaultLookAhead     = time.Hour
	DefaultBatchSize     = 25
	DefaultMaxRetries    = 3
	DefaultBackoffBase   = 2 * time.Second
	DefaultFollowUpHour  = 18
	DefaultFollowUpDelay = 3 * time.Second
	// DefaultTemplate is used when a reminder payload carries no template.
	DefaultTemplate = "Hola {name}, te recordamos que tu pago de {amount} vence el {due_date}. {instructions}"
	// FollowUpPrefix is prepended when resending a reminder that got no response.
	FollowUpPrefix = "Aún no hemos recibido tu pago. "
)

// Backend is the subset of the billing API the scheduler depends on.
type Backend interface {
	PendingReminders(ctx context.Context, lookAhead time.Duration, limit int) ([]models.Reminder, error)
	SentRemindersSince(ctx context.Context, since time.Time) ([]models.Reminder, error)
	MarkReminderQueued(ctx context.Context, id int64) error
	MarkReminderSent(ctx context.Context, id int64) error
	MarkReminderPending(ctx context.Context, id int64, attempts int) error
	GetClient(ctx context.Context, id int64) (*models.Client, error)
	GetContract(ctx context.Context, id int64) (*models.Contract, error)
	ListPayments(ctx context.Context, phone string, status models.PaymentStatus) ([]models.Payment, error)
	GetSettings(ctx context.Context) (*models.Settings, error)
}

// Sender delivers the rendered reminder text.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Opts holds configuration options for the scheduler.
type Opts struct {
	Interval     time.Duration
	LookAhead    time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	FollowUpHour int
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithInterval sets the delivery cycle interval.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithLookAhead sets how far into the future due reminders are fetched.
func WithLookAhead(d time.Duration) Option {
	return func(o *Opts) { o.LookAhead = d }
}

// WithBatchSize caps how many reminders one cycle processes.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithMaxRetries sets the per-reminder delivery retry bound.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithFollowUpHour sets the hour of day after which the daily follow-up runs.
func WithFollowUpHour(h int) Option {
	return func(o *Opts) { o.FollowUpHour = h }
}

// Scheduler delivers due reminders on a fixed interval.
type Scheduler struct {
	backend Backend
	sender  Sender
	isReady func() bool

	interval     time.Duration
	lookAhead    time.Duration
	batchSize    int
	maxRetries   int
	backoffBase  time.Duration
	followUpHour int

	cron *cron.Cron

	mu               sync.Mutex
	cycleRunning     bool
	lastFollowUpDate string

	// test seams
	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a scheduler. isReady gates delivery cycles: only while the
// channel connection is Ready may sends be assumed to work.
func New(backend Backend, sender Sender, isReady func() bool, opts ...Option) *Scheduler {
	cfg := Opts{
		Interval:     DefaultInterval,
		LookAhead:    DefaultLookAhead,
		BatchSize:    DefaultBatchSize,
		MaxRetries:   DefaultMaxRetries,
		BackoffBase:  DefaultBackoffBase,
		FollowUpHour: DefaultFollowUpHour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if isReady == nil {
		isReady = func() bool { return true }
	}
	return &Scheduler{
		backend:      backend,
		sender:       sender,
		isReady:      isReady,
		interval:     cfg.Interval,
		lookAhead:    cfg.LookAhead,
		batchSize:    cfg.BatchSize,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		followUpHour: cfg.FollowUpHour,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// Start begins the cron-driven delivery loop, with an immediate first cycle.
func (s *Scheduler) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("scheduler: add cron job: %w", err)
	}
	s.cron.Start()
	slog.Info("Scheduler started", "interval", s.interval, "look_ahead", s.lookAhead)
	go s.RunCycle(ctx)
	return nil
}

// Stop halts the cron loop and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	slog.Info("Scheduler stopped")
}

// RunCycle executes one delivery cycle. Overlapping invocations are skipped;
// the claim step keeps even true concurrent runs (e.g. after a crash) from
// double-sending.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.mu.Lock()
	if s.cycleRunning {
		s.mu.Unlock()
		slog.Debug("Scheduler cycle already running, skipping")
		return
	}
	s.cycleRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cycleRunning = false
		s.mu.Unlock()
	}()

	if !s.isReady() {
		slog.Debug("Scheduler skipping cycle, channel not ready")
		return
	}

	reminders, err := s.backend.PendingReminders(ctx, s.lookAhead, s.batchSize)
	if err != nil {
		slog.Error("Scheduler failed to fetch pending reminders", "error", err)
		return
	}
	if len(reminders) > 0 {
		slog.Info("Scheduler processing due reminders", "count", len(reminders))
	}

	for _, reminder := range reminders {
		s.deliver(ctx, reminder)
	}

	s.maybeRunDailyFollowUp(ctx)
}

// deliver claims one reminder and attempts delivery with bounded retries.
func (s *Scheduler) deliver(ctx context.Context, reminder models.Reminder) {
	// Claim first: pending -> queued is the dedup guard against overlapping
	// cycles and restarts re-picking the same item.
	if err := s.backend.MarkReminderQueued(ctx, reminder.ID); err != nil {
		slog.Warn("Scheduler could not claim reminder, skipping", "id", reminder.ID, "error", err)
		return
	}

	if reminder.Phone == "" {
		// Data problem, not a delivery problem: nothing to retry against.
		slog.Error("Scheduler reminder has no recipient phone", "id", reminder.ID, "client_id", reminder.ClientID, "error", models.ErrMissingRecipient)
		s.revert(ctx, reminder)
		return
	}

	body, err := s.renderMessage(ctx, reminder)
	if err != nil {
		slog.Error("Scheduler failed to render reminder message", "id", reminder.ID, "error", err)
		s.revert(ctx, reminder)
		return
	}

	if err := s.sendWithRetry(ctx, reminder.ID, reminder.Phone, body); err != nil {
		slog.Error("Scheduler delivery exhausted retries, reverting to pending", "id", reminder.ID, "error", err)
		s.revert(ctx, reminder)
		return
	}

	if err := s.backend.MarkReminderSent(ctx, reminder.ID); err != nil {
		slog.Error("Scheduler failed to mark reminder sent", "id", reminder.ID, "error", err)
	}
	slog.Info("Scheduler reminder delivered", "id", reminder.ID, "to", reminder.Phone)
}

// sendWithRetry attempts delivery with exponential backoff.
func (s *Scheduler) sendWithRetry(ctx context.Context, id int64, phone, body string) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.sender.SendText(ctx, phone, body); err != nil {
			lastErr = err
			remaining := s.maxRetries - attempt
			slog.Warn("Scheduler delivery attempt failed", "id", id, "attempt", attempt, "remaining_retries", remaining, "error", err)
			if remaining > 0 {
				s.sleep(s.backoffBase * time.Duration(1<<(attempt-1)))
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("delivery failed after %d attempts: %w", s.maxRetries, lastErr)
}

// revert returns a claimed reminder to pending with a bounded attempt bump so
// a later cycle retries it. A reminder must never end a cycle still queued.
func (s *Scheduler) revert(ctx context.Context, reminder models.Reminder) {
	attempts := reminder.Attempts + 1
	if attempts > models.MaxReminderAttempts {
		attempts = models.MaxReminderAttempts
	}
	if err := s.backend.MarkReminderPending(ctx, reminder.ID, attempts); err != nil {
		slog.Error("Scheduler failed to revert reminder to pending", "id", reminder.ID, "error", err)
	}
}

// renderMessage builds the outbound text from the reminder payload, falling
// back to contract data for the amount and to defaults for the template.
func (s *Scheduler) renderMessage(ctx context.Context, reminder models.Reminder) (string, error) {
	tmpl := reminder.Payload[models.PayloadKeyTemplate]
	if tmpl == "" {
		tmpl = DefaultTemplate
	}

	name := ""
	if client, err := s.backend.GetClient(ctx, reminder.ClientID); err == nil {
		name = client.Name
	} else {
		slog.Warn("Scheduler could not resolve client name", "client_id", reminder.ClientID, "error", err)
	}

	amount := reminder.Payload[models.PayloadKeyAmount]
	if amount == "" {
		contract, err := s.backend.GetContract(ctx, reminder.ContractID)
		if err != nil {
			return "", fmt.Errorf("no amount override and contract lookup failed: %w", err)
		}
		amount = strconv.FormatFloat(contract.Amount, 'f', 2, 64)
	}

	dueDate := reminder.Payload[models.PayloadKeyDueDate]
	if dueDate == "" {
		dueDate = reminder.ScheduledFor.Format("2006-01-02")
	}

	instructions := ""
	if settings, err := s.backend.GetSettings(ctx); err == nil {
		instructions = settings.PaymentInstructions
	} else {
		slog.Warn("Scheduler could not fetch settings", "error", err)
	}

	body := strings.NewReplacer(
		"{name}", name,
		"{amount}", amount,
		"{due_date}", dueDate,
		"{instructions}", instructions,
	).Replace(tmpl)

	if options := reminder.Payload[models.PayloadKeyOptions]; options != "" {
		body += "\n\n" + options
	}
	return strings.TrimSpace(body), nil
}

// maybeRunDailyFollowUp resends same-day reminders that got no payment, at
// most once per calendar day after the configured hour.
func (s *Scheduler) maybeRunDailyFollowUp(ctx context.Context) {
	now := s.now()
	if now.Hour() < s.followUpHour {
		return
	}
	today := now.Format("2006-01-02")

	s.mu.Lock()
	alreadyChecked := s.lastFollowUpDate == today
	if !alreadyChecked {
		s.lastFollowUpDate = today
	}
	s.mu.Unlock()
	if alreadyChecked {
		return
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sent, err := s.backend.SentRemindersSince(ctx, startOfDay)
	if err != nil {
		slog.Error("Scheduler follow-up scan failed", "error", err)
		// Allow a retry on the next cycle.
		s.mu.Lock()
		s.lastFollowUpDate = ""
		s.mu.Unlock()
		return
	}
	slog.Info("Scheduler running daily follow-up", "sent_today", len(sent))

	for _, reminder := range sent {
		if reminder.Phone == "" {
			continue
		}
		// The backend flags reminders that already got their second nudge.
		if reminder.Payload[models.PayloadKeyFollowedUp] == "true" {
			continue
		}
		if s.hasPaymentSince(ctx, reminder.Phone, startOfDay) {
			continue
		}
		body, err := s.renderMessage(ctx, reminder)
		if err != nil {
			slog.Warn("Scheduler follow-up render failed", "id", reminder.ID, "error", err)
			continue
		}
		if err := s.sender.SendText(ctx, reminder.Phone, FollowUpPrefix+body); err != nil {
			slog.Warn("Scheduler follow-up send failed", "id", reminder.ID, "error", err)
			continue
		}
		slog.Info("Scheduler follow-up sent", "id", reminder.ID, "to", reminder.Phone)
		// Space out sends so the channel is not burst.
		s.sleep(DefaultFollowUpDelay)
	}
}

// hasPaymentSince reports whether the client registered any payment after the
// given instant.
func (s *Scheduler) hasPaymentSince(ctx context.Context, phone string, since time.Time) bool {
	payments, err := s.backend.ListPayments(ctx, phone, "")
	if err != nil {
		slog.Warn("Scheduler payment lookup failed during follow-up", "phone", phone, "error", err)
		return false
	}
	for _, p := range payments {
		if p.PaidAt.After(since) {
			return true
		}
	}
	return false
}
