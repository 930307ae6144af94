package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

type fakeBackend struct {
	mu        sync.Mutex
	pending   []models.Reminder
	sentToday []models.Reminder
	payments  map[string][]models.Payment
	statuses  map[int64][]models.ReminderStatus
	attempts  map[int64]int
	claimErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		payments: make(map[string][]models.Payment),
		statuses: make(map[int64][]models.ReminderStatus),
		attempts: make(map[int64]int),
	}
}

func (f *fakeBackend) PendingReminders(ctx context.Context, lookAhead time.Duration, limit int) ([]models.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeBackend) SentRemindersSince(ctx context.Context, since time.Time) ([]models.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentToday, nil
}

func (f *fakeBackend) MarkReminderQueued(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return f.claimErr
	}
	f.statuses[id] = append(f.statuses[id], models.ReminderStatusQueued)
	return nil
}

func (f *fakeBackend) MarkReminderSent(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], models.ReminderStatusSent)
	return nil
}

func (f *fakeBackend) MarkReminderPending(ctx context.Context, id int64, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = append(f.statuses[id], models.ReminderStatusPending)
	f.attempts[id] = attempts
	return nil
}

func (f *fakeBackend) GetClient(ctx context.Context, id int64) (*models.Client, error) {
	return &models.Client{ID: id, Name: "Ana", Phone: "5215512345678"}, nil
}

func (f *fakeBackend) GetContract(ctx context.Context, id int64) (*models.Contract, error) {
	return &models.Contract{ID: id, Amount: 8000, BillingCycle: "monthly"}, nil
}

func (f *fakeBackend) ListPayments(ctx context.Context, phone string, status models.PaymentStatus) ([]models.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments[phone], nil
}

func (f *fakeBackend) GetSettings(ctx context.Context) (*models.Settings, error) {
	return &models.Settings{PaymentInstructions: "Paga por transferencia."}, nil
}

func (f *fakeBackend) finalStatus(id int64) models.ReminderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.statuses[id]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}

type fakeSender struct {
	mu       sync.Mutex
	failures int // fail this many initial sends
	sent     []string
	attempts int
}

func (f *fakeSender) SendText(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("channel unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func newTestScheduler(b Backend, s Sender, opts ...Option) *Scheduler {
	sched := New(b, s, nil, opts...)
	sched.sleep = func(time.Duration) {}
	return sched
}

func TestDeliverySucceedsOnSecondAttempt(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = []models.Reminder{{
		ID:           1,
		ClientID:     10,
		ContractID:   20,
		Phone:        "5215512345678",
		ScheduledFor: time.Now().Add(-time.Hour),
		Status:       models.ReminderStatusPending,
	}}
	sender := &fakeSender{failures: 1}
	sched := newTestScheduler(backend, sender)

	sched.RunCycle(context.Background())

	if got := backend.finalStatus(1); got != models.ReminderStatusSent {
		t.Errorf("expected final status sent, got %s", got)
	}
	if sender.attempts != 2 {
		t.Errorf("expected exactly 2 delivery attempts, got %d", sender.attempts)
	}
	// Contract amount is the fallback when the payload has no override.
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "8000.00") {
		t.Errorf("expected message with contract amount, got %v", sender.sent)
	}
}

func TestRetryExhaustionRevertsToPending(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = []models.Reminder{{
		ID:       2,
		Phone:    "5215512345678",
		Status:   models.ReminderStatusPending,
		Attempts: 1,
	}}
	sender := &fakeSender{failures: 100}
	sched := newTestScheduler(backend, sender)

	sched.RunCycle(context.Background())

	if got := backend.finalStatus(2); got != models.ReminderStatusPending {
		t.Errorf("expected reminder reverted to pending, got %s", got)
	}
	if sender.attempts != DefaultMaxRetries {
		t.Errorf("expected %d attempts, got %d", DefaultMaxRetries, sender.attempts)
	}
	if got := backend.attempts[2]; got != 2 {
		t.Errorf("expected attempt counter incremented to 2, got %d", got)
	}
}

func TestAttemptCounterIsBounded(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = []models.Reminder{{
		ID:       3,
		Phone:    "5215512345678",
		Attempts: models.MaxReminderAttempts,
	}}
	sender := &fakeSender{failures: 100}
	sched := newTestScheduler(backend, sender)

	sched.RunCycle(context.Background())

	if got := backend.attempts[3]; got != models.MaxReminderAttempts {
		t.Errorf("expected attempts capped at %d, got %d", models.MaxReminderAttempts, got)
	}
}

func TestMissingPhoneFailsFastWithoutDeliveryRetry(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = []models.Reminder{{ID: 4, Status: models.ReminderStatusPending}}
	sender := &fakeSender{}
	sched := newTestScheduler(backend, sender)

	sched.RunCycle(context.Background())

	if sender.attempts != 0 {
		t.Errorf("expected no delivery attempts for reminder without phone, got %d", sender.attempts)
	}
	if got := backend.finalStatus(4); got != models.ReminderStatusPending {
		t.Errorf("expected reminder reverted to pending, got %s", got)
	}
}

func TestFailedClaimSkipsDelivery(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = []models.Reminder{{ID: 5, Phone: "5215512345678"}}
	backend.claimErr = errors.New("already queued by another cycle")
	sender := &fakeSender{}
	sched := newTestScheduler(backend, sender)

	sched.RunCycle(context.Background())

	if sender.attempts != 0 {
		t.Errorf("claimed-elsewhere reminder must not be sent, got %d attempts", sender.attempts)
	}
}

func TestNotReadySkipsCycle(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = []models.Reminder{{ID: 6, Phone: "5215512345678"}}
	sender := &fakeSender{}
	sched := New(backend, sender, func() bool { return false })
	sched.sleep = func(time.Duration) {}

	sched.RunCycle(context.Background())

	if sender.attempts != 0 {
		t.Errorf("expected no sends while channel not ready, got %d", sender.attempts)
	}
}

func TestDailyFollowUpRunsOncePerDay(t *testing.T) {
	backend := newFakeBackend()
	backend.sentToday = []models.Reminder{{
		ID:         7,
		ContractID: 20,
		Phone:      "5215512345678",
		Status:     models.ReminderStatusSent,
	}}
	sender := &fakeSender{}
	sched := newTestScheduler(backend, sender, WithFollowUpHour(0))
	sched.now = func() time.Time {
		return time.Date(2026, 8, 29, 19, 0, 0, 0, time.UTC)
	}

	sched.RunCycle(context.Background())
	sched.RunCycle(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one follow-up send, got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0], FollowUpPrefix) {
		t.Errorf("expected follow-up prefix on resend, got %q", sender.sent[0])
	}
}

func TestFollowUpSkipsAlreadyFollowedUp(t *testing.T) {
	backend := newFakeBackend()
	backend.sentToday = []models.Reminder{
		{
			ID:         9,
			ContractID: 20,
			Phone:      "5215512345678",
			Status:     models.ReminderStatusSent,
			Payload:    map[string]string{models.PayloadKeyFollowedUp: "true"},
		},
		{
			ID:         10,
			ContractID: 20,
			Phone:      "5215587654321",
			Status:     models.ReminderStatusSent,
		},
	}
	sender := &fakeSender{}
	sched := newTestScheduler(backend, sender, WithFollowUpHour(0))
	sched.now = func() time.Time {
		return time.Date(2026, 8, 29, 19, 0, 0, 0, time.UTC)
	}

	sched.RunCycle(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("expected a single follow-up for the unflagged reminder, got %d", len(sender.sent))
	}
}

func TestFollowUpSkipsPaidClients(t *testing.T) {
	backend := newFakeBackend()
	backend.sentToday = []models.Reminder{{
		ID:         8,
		ContractID: 20,
		Phone:      "5215512345678",
		Status:     models.ReminderStatusSent,
	}}
	backend.payments["5215512345678"] = []models.Payment{{
		ID:     1,
		Amount: 8000,
		PaidAt: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}}
	sender := &fakeSender{}
	sched := newTestScheduler(backend, sender, WithFollowUpHour(0))
	sched.now = func() time.Time {
		return time.Date(2026, 8, 29, 19, 0, 0, 0, time.UTC)
	}

	sched.RunCycle(context.Background())

	if len(sender.sent) != 0 {
		t.Errorf("expected no follow-up for paid client, got %v", sender.sent)
	}
}

