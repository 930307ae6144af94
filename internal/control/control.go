// Package control implements the administrative side-channel: a durable job
// queue polled at a short interval, where each job runs at most once and its
// result is recorded.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/hmoraldo/cobrakit/internal/store"
)

// Sender delivers the send-text job payloads.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

const (
	defaultPollInterval   = 5 * time.Second
	defaultStaleThreshold = 5 * time.Minute
	defaultClaimLimit     = 10
)

// Opts configures a Runner.
type Opts struct {
	PollInterval time.Duration
	// StateFn reports the channel connection state for report-state jobs.
	StateFn func() models.ConnectionState
	// RunSchedulerNow triggers an immediate reminder cycle.
	RunSchedulerNow func(ctx context.Context)
	// SessionCount reports live conversations for report-state jobs.
	SessionCount func() int
}

// Option mutates Opts.
type Option func(*Opts)

func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

func WithStateFn(fn func() models.ConnectionState) Option {
	return func(o *Opts) { o.StateFn = fn }
}

func WithRunSchedulerNow(fn func(ctx context.Context)) Option {
	return func(o *Opts) { o.RunSchedulerNow = fn }
}

func WithSessionCount(fn func() int) Option {
	return func(o *Opts) { o.SessionCount = fn }
}

// Runner claims queued administrative jobs and executes them.
type Runner struct {
	repo            store.JobRepo
	sender          Sender
	pollInterval    time.Duration
	staleThreshold  time.Duration
	claimLimit      int
	stateFn         func() models.ConnectionState
	runSchedulerNow func(ctx context.Context)
	sessionCount    func() int
}

// NewRunner creates the control runner.
func NewRunner(repo store.JobRepo, sender Sender, options ...Option) *Runner {
	opts := Opts{PollInterval: defaultPollInterval}
	for _, opt := range options {
		opt(&opts)
	}
	return &Runner{
		repo:            repo,
		sender:          sender,
		pollInterval:    opts.PollInterval,
		staleThreshold:  defaultStaleThreshold,
		claimLimit:      defaultClaimLimit,
		stateFn:         opts.StateFn,
		runSchedulerNow: opts.RunSchedulerNow,
		sessionCount:    opts.SessionCount,
	}
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *Runner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Control runner requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Control runner starting", "poll_interval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Control runner stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	jobs, err := r.repo.ClaimQueuedJobs(time.Now(), r.claimLimit)
	if err != nil {
		slog.Error("Control runner claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		slog.Debug("Control runner executing job", "id", job.ID, "kind", job.Kind)
		result, err := r.execute(ctx, job)
		if err != nil {
			slog.Error("Control job failed", "id", job.ID, "kind", job.Kind, "error", err)
			if err := r.repo.FailJob(job.ID, err.Error()); err != nil {
				slog.Error("Control job failure record error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID, result); err != nil {
			slog.Error("Control job completion record error", "id", job.ID, "error", err)
		}
		slog.Debug("Control job completed", "id", job.ID, "kind", job.Kind)
	}
}

// sendTextPayload is the payload for send-text jobs.
type sendTextPayload struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (r *Runner) execute(ctx context.Context, job store.Job) (string, error) {
	switch job.Kind {
	case store.JobKindPing:
		return "pong", nil

	case store.JobKindSendText:
		var p sendTextPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return "", fmt.Errorf("bad send-text payload: %w", err)
		}
		if p.ChatID == "" {
			return "", models.ErrMissingRecipient
		}
		if p.Text == "" {
			return "", models.ErrEmptyMessage
		}
		if err := r.sender.SendText(ctx, p.ChatID, p.Text); err != nil {
			return "", err
		}
		return "sent", nil

	case store.JobKindRunSchedulerNow:
		if r.runSchedulerNow == nil {
			return "", fmt.Errorf("scheduler trigger not wired")
		}
		r.runSchedulerNow(ctx)
		return "cycle started", nil

	case store.JobKindReportState:
		report := map[string]any{"reported_at": time.Now().Format(time.RFC3339)}
		if r.stateFn != nil {
			report["connection"] = r.stateFn()
		}
		if r.sessionCount != nil {
			report["sessions"] = r.sessionCount()
		}
		out, err := json.Marshal(report)
		if err != nil {
			return "", err
		}
		return string(out), nil

	default:
		return "", fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}
