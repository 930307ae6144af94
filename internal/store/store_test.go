package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cobrakit.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReceiptRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := models.Receipt{
		ID:         "rc_1",
		ChatID:     "5215550001111@s.whatsapp.net",
		Phone:      "5215550001111",
		Filename:   "comprobante.jpg",
		MimeType:   "image/jpeg",
		Status:     models.ReceiptStatusPending,
		ReceivedAt: time.Now().Truncate(time.Second),
	}
	if err := s.AddReceipt(r); err != nil {
		t.Fatalf("AddReceipt failed: %v", err)
	}

	got, err := s.GetReceipt("rc_1")
	if err != nil {
		t.Fatalf("GetReceipt failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected receipt, got nil")
	}
	if got.ChatID != r.ChatID || got.Status != models.ReceiptStatusPending || got.PaymentID != 0 {
		t.Errorf("unexpected receipt: %+v", got)
	}

	if err := s.UpdateReceiptStatus("rc_1", models.ReceiptStatusApplied, 42); err != nil {
		t.Fatalf("UpdateReceiptStatus failed: %v", err)
	}
	got, err = s.GetReceipt("rc_1")
	if err != nil {
		t.Fatalf("GetReceipt after update failed: %v", err)
	}
	if got.Status != models.ReceiptStatusApplied || got.PaymentID != 42 {
		t.Errorf("expected applied/42, got %s/%d", got.Status, got.PaymentID)
	}
}

func TestGetReceiptMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetReceipt("nope")
	if err != nil {
		t.Fatalf("GetReceipt failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing receipt, got %+v", got)
	}
}

func TestListReceiptsByStatus(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Second)
	for i, id := range []string{"rc_a", "rc_b", "rc_c"} {
		status := models.ReceiptStatusPending
		if id == "rc_c" {
			status = models.ReceiptStatusApplied
		}
		r := models.Receipt{
			ID: id, ChatID: "x@s.whatsapp.net", Filename: id + ".jpg",
			Status: status, ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AddReceipt(r); err != nil {
			t.Fatalf("AddReceipt %s failed: %v", id, err)
		}
	}

	pending, err := s.ListReceiptsByStatus(models.ReceiptStatusPending)
	if err != nil {
		t.Fatalf("ListReceiptsByStatus failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending receipts, got %d", len(pending))
	}
	if pending[0].ID != "rc_a" {
		t.Errorf("expected oldest first, got %s", pending[0].ID)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.EnqueueJob(JobKindPing, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	jobs, err := s.ClaimQueuedJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimQueuedJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != JobStatusRunning {
		t.Fatalf("unexpected claim result: %+v", jobs)
	}

	// A claimed job is never handed out a second time.
	again, err := s.ClaimQueuedJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimQueuedJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no re-claim, got %d jobs", len(again))
	}

	if err := s.CompleteJob(id, "pong"); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusDone || job.Result != "pong" {
		t.Errorf("expected done/pong, got %s/%q", job.Status, job.Result)
	}
}

func TestMarkJobRunningClaimsOnlyOnce(t *testing.T) {
	s := newTestStore(t)

	id, err := s.EnqueueJob(JobKindPing, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	now := time.Now()
	ok, err := s.markJobRunning(id, now)
	if err != nil {
		t.Fatalf("markJobRunning failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}

	// Once running, a second claimer must come away empty-handed.
	ok, err = s.markJobRunning(id, now)
	if err != nil {
		t.Fatalf("second markJobRunning failed: %v", err)
	}
	if ok {
		t.Error("expected second claim to be rejected")
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("expected running status, got %s", job.Status)
	}
}

func TestRequeueStaleRunningJobs(t *testing.T) {
	s := newTestStore(t)

	id, err := s.EnqueueJob(JobKindReportState, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if _, err := s.ClaimQueuedJobs(time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("ClaimQueuedJobs failed: %v", err)
	}

	n, err := s.RequeueStaleRunningJobs(time.Now().Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 requeued job, got %d", n)
	}
	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("expected requeued status, got %s", job.Status)
	}
}
