package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/hmoraldo/cobrakit/internal/store"
)

type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*store.Job
	seq  int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*store.Job)}
}

func (m *memJobRepo) EnqueueJob(kind string, payloadJSON string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := "job_" + string(rune('a'+m.seq))
	m.jobs[id] = &store.Job{
		ID: id, Kind: kind, PayloadJSON: payloadJSON,
		Status: store.JobStatusQueued, CreatedAt: time.Now(),
	}
	return id, nil
}

func (m *memJobRepo) ClaimQueuedJobs(now time.Time, limit int) ([]store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Job
	for _, j := range m.jobs {
		if j.Status == store.JobStatusQueued && len(out) < limit {
			j.Status = store.JobStatusRunning
			j.LockedAt = &now
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobRepo) CompleteJob(id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = store.JobStatusDone
	m.jobs[id].Result = result
	return nil
}

func (m *memJobRepo) FailJob(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = store.JobStatusFailed
	m.jobs[id].LastError = errMsg
	return nil
}

func (m *memJobRepo) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == store.JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = store.JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memJobRepo) GetJob(id string) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (f *fakeSender) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, chatID+": "+text)
	return nil
}

func TestPingJobRecordsResult(t *testing.T) {
	repo := newMemJobRepo()
	r := NewRunner(repo, &fakeSender{})
	id, _ := repo.EnqueueJob(store.JobKindPing, "")

	r.poll(context.Background())

	job, _ := repo.GetJob(id)
	if job.Status != store.JobStatusDone || job.Result != "pong" {
		t.Errorf("expected done/pong, got %s/%q", job.Status, job.Result)
	}
}

func TestSendTextJob(t *testing.T) {
	repo := newMemJobRepo()
	sender := &fakeSender{}
	r := NewRunner(repo, sender)
	id, _ := repo.EnqueueJob(store.JobKindSendText, `{"chat_id":"x@s.whatsapp.net","text":"hola"}`)

	r.poll(context.Background())

	job, _ := repo.GetJob(id)
	if job.Status != store.JobStatusDone {
		t.Fatalf("expected done, got %s (%s)", job.Status, job.LastError)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "x@s.whatsapp.net: hola" {
		t.Errorf("unexpected sends: %v", sender.sent)
	}
}

func TestSendTextJobValidatesPayload(t *testing.T) {
	repo := newMemJobRepo()
	r := NewRunner(repo, &fakeSender{})
	id, _ := repo.EnqueueJob(store.JobKindSendText, `{"text":"hola"}`)

	r.poll(context.Background())

	job, _ := repo.GetJob(id)
	if job.Status != store.JobStatusFailed {
		t.Errorf("expected failed for missing recipient, got %s", job.Status)
	}
}

func TestRunSchedulerNowJob(t *testing.T) {
	repo := newMemJobRepo()
	ran := false
	r := NewRunner(repo, &fakeSender{}, WithRunSchedulerNow(func(context.Context) { ran = true }))
	id, _ := repo.EnqueueJob(store.JobKindRunSchedulerNow, "")

	r.poll(context.Background())

	if !ran {
		t.Error("expected scheduler trigger")
	}
	job, _ := repo.GetJob(id)
	if job.Status != store.JobStatusDone {
		t.Errorf("expected done, got %s", job.Status)
	}
}

func TestReportStateJob(t *testing.T) {
	repo := newMemJobRepo()
	r := NewRunner(repo, &fakeSender{},
		WithStateFn(func() models.ConnectionState { return models.ConnReady }),
		WithSessionCount(func() int { return 3 }))
	id, _ := repo.EnqueueJob(store.JobKindReportState, "")

	r.poll(context.Background())

	job, _ := repo.GetJob(id)
	if job.Status != store.JobStatusDone {
		t.Fatalf("expected done, got %s", job.Status)
	}
	if !strings.Contains(job.Result, "ready") || !strings.Contains(job.Result, "3") {
		t.Errorf("unexpected report: %q", job.Result)
	}
}

func TestUnknownKindFails(t *testing.T) {
	repo := newMemJobRepo()
	r := NewRunner(repo, &fakeSender{})
	id, _ := repo.EnqueueJob("reboot-the-moon", "")

	r.poll(context.Background())

	job, _ := repo.GetJob(id)
	if job.Status != store.JobStatusFailed {
		t.Errorf("expected failed for unknown kind, got %s", job.Status)
	}
}

func TestJobsExecuteAtMostOnce(t *testing.T) {
	repo := newMemJobRepo()
	sender := &fakeSender{}
	r := NewRunner(repo, sender)
	repo.EnqueueJob(store.JobKindSendText, `{"chat_id":"x@s.whatsapp.net","text":"hola"}`)

	r.poll(context.Background())
	r.poll(context.Background())

	if len(sender.sent) != 1 {
		t.Errorf("expected exactly one execution, got %d", len(sender.sent))
	}
}
