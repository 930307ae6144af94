package receipts

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hmoraldo/cobrakit/internal/backend"
	"github.com/hmoraldo/cobrakit/internal/models"
)

type memIndex struct {
	receipts map[string]models.Receipt
}

func newMemIndex() *memIndex {
	return &memIndex{receipts: make(map[string]models.Receipt)}
}

func (m *memIndex) AddReceipt(r models.Receipt) error {
	m.receipts[r.ID] = r
	return nil
}

func (m *memIndex) GetReceipt(id string) (*models.Receipt, error) {
	r, ok := m.receipts[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memIndex) GetReceiptByPaymentID(paymentID int64) (*models.Receipt, error) {
	for _, r := range m.receipts {
		if r.PaymentID == paymentID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memIndex) UpdateReceiptStatus(id string, status models.ReceiptStatus, paymentID int64) error {
	r := m.receipts[id]
	r.Status = status
	if paymentID != 0 {
		r.PaymentID = paymentID
	}
	m.receipts[id] = r
	return nil
}

func (m *memIndex) ListReceiptsByStatus(status models.ReceiptStatus) ([]models.Receipt, error) {
	var out []models.Receipt
	for _, r := range m.receipts {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeBackend struct {
	clients      map[string]*models.Client
	contracts    map[int64][]models.Contract
	payments     []models.Payment
	updates      []models.Payment
	attached     [][]byte
	attachedMime []string
	storeErr     error
	findErr      error
	createErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		clients:   make(map[string]*models.Client),
		contracts: make(map[int64][]models.Contract),
	}
}

func (f *fakeBackend) FindClientByPhone(_ context.Context, phone string) (*models.Client, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	c, ok := f.clients[phone]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return c, nil
}

func (f *fakeBackend) UpsertClient(_ context.Context, phone, name string) (*models.Client, error) {
	c := &models.Client{ID: int64(len(f.clients) + 1), Phone: phone, Name: name}
	f.clients[phone] = c
	return c, nil
}

func (f *fakeBackend) ListContracts(_ context.Context, clientID int64) ([]models.Contract, error) {
	return f.contracts[clientID], nil
}

func (f *fakeBackend) CreatePayment(_ context.Context, p models.Payment) (*models.Payment, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	p.ID = int64(len(f.payments) + 1)
	f.payments = append(f.payments, p)
	return &p, nil
}

func (f *fakeBackend) UpdatePayment(_ context.Context, id int64, p models.Payment) (*models.Payment, error) {
	p.ID = id
	f.updates = append(f.updates, p)
	return &p, nil
}

func (f *fakeBackend) StoreReceipt(_ context.Context, _ models.Receipt) error {
	return f.storeErr
}

func (f *fakeBackend) AttachPaymentDocument(_ context.Context, _ int64, _, mimeType string, data []byte) error {
	f.attached = append(f.attached, data)
	f.attachedMime = append(f.attachedMime, mimeType)
	return nil
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f *fakeDownloader) DownloadAttachment(_ context.Context, _ string) ([]byte, error) {
	return f.data, f.err
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func inboundAttachment(chatID string) models.InboundMessage {
	return models.InboundMessage{
		ID:       "msg-1",
		ChatID:   chatID,
		HasMedia: true,
		MimeType: "image/jpeg",
		Filename: "comprobante.jpg",
	}
}

func TestStorePersistsAndRegisters(t *testing.T) {
	dir := t.TempDir()
	index := newMemIndex()
	be := newFakeBackend()
	dl := &fakeDownloader{data: jpegBytes(t)}
	svc, err := NewService(dir, index, be, dl)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	receipt, err := svc.Store(context.Background(), inboundAttachment("5215550001111@s.whatsapp.net"))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if receipt.Phone != "5215550001111" {
		t.Errorf("expected phone from chat id, got %q", receipt.Phone)
	}

	// Binary persisted to disk.
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one stored file, got %d (err=%v)", len(entries), err)
	}

	// Client resolved-or-created and payment placeholder registered.
	if _, ok := be.clients["5215550001111"]; !ok {
		t.Errorf("expected client created for unknown phone")
	}
	if len(be.payments) != 1 {
		t.Fatalf("expected one placeholder payment, got %d", len(be.payments))
	}
	p := be.payments[0]
	if p.Status != models.PaymentStatusUnverified || p.Amount != 0 || p.Reference != receipt.ID {
		t.Errorf("unexpected placeholder payment: %+v", p)
	}
	if receipt.PaymentID == 0 {
		t.Errorf("expected payment id propagated to receipt")
	}

	// Image attachment uploaded as a converted PDF.
	if len(be.attached) != 1 || be.attachedMime[0] != "application/pdf" {
		t.Fatalf("expected one PDF attachment, got %d (%v)", len(be.attached), be.attachedMime)
	}
	if !bytes.HasPrefix(be.attached[0], []byte("%PDF-1.4")) {
		t.Errorf("expected PDF header on converted attachment")
	}
}

func TestStoreSurvivesBackendFailures(t *testing.T) {
	dir := t.TempDir()
	index := newMemIndex()
	be := newFakeBackend()
	be.storeErr = errors.New("backend down")
	be.findErr = errors.New("backend down")
	dl := &fakeDownloader{data: jpegBytes(t)}
	svc, err := NewService(dir, index, be, dl)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	receipt, err := svc.Store(context.Background(), inboundAttachment("5215550001111@s.whatsapp.net"))
	if err != nil {
		t.Fatalf("expected Store to absorb backend failures, got %v", err)
	}
	if receipt.PaymentID != 0 {
		t.Errorf("expected no payment id when backend is down")
	}
	if got, _ := index.GetReceipt(receipt.ID); got == nil {
		t.Errorf("expected receipt indexed locally despite backend failure")
	}
}

func TestStoreFailsWhenDownloadFails(t *testing.T) {
	svc, err := NewService(t.TempDir(), newMemIndex(), newFakeBackend(), &fakeDownloader{err: errors.New("no media")})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if _, err := svc.Store(context.Background(), inboundAttachment("x@s.whatsapp.net")); err == nil {
		t.Fatal("expected error when download fails")
	}
}

func TestApplyMonthsComputesTotalFromContract(t *testing.T) {
	index := newMemIndex()
	be := newFakeBackend()
	client := &models.Client{ID: 9, Phone: "5215550001111"}
	be.clients[client.Phone] = client
	be.contracts[9] = []models.Contract{
		{ID: 1, ClientID: 9, Amount: 5000, Status: models.ContractStatusActive},
	}
	index.AddReceipt(models.Receipt{
		ID: "R1", ChatID: "5215550001111@s.whatsapp.net", Phone: "5215550001111",
		Status: models.ReceiptStatusPending, PaymentID: 3,
	})
	svc, err := NewService(t.TempDir(), index, be, &fakeDownloader{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	payment, err := svc.ApplyMonths(context.Background(), "R1", 2)
	if err != nil {
		t.Fatalf("ApplyMonths failed: %v", err)
	}
	if payment.Amount != 10000 {
		t.Errorf("expected total 10000, got %.2f", payment.Amount)
	}
	if payment.Metadata["months"] != "2" {
		t.Errorf("expected months metadata, got %v", payment.Metadata)
	}
	if payment.Metadata[models.PayloadKeyReceiptID] != "R1" {
		t.Errorf("expected receipt id metadata, got %v", payment.Metadata)
	}
	// Existing placeholder updated, not duplicated.
	if len(be.updates) != 1 || len(be.payments) != 0 {
		t.Errorf("expected one update and no create, got %d/%d", len(be.updates), len(be.payments))
	}
	got, _ := index.GetReceipt("R1")
	if got.Status != models.ReceiptStatusApplied {
		t.Errorf("expected receipt applied, got %s", got.Status)
	}
}

func TestApplyMonthsCreatesWhenNoPlaceholder(t *testing.T) {
	index := newMemIndex()
	be := newFakeBackend()
	be.clients["5215550001111"] = &models.Client{ID: 9, Phone: "5215550001111"}
	index.AddReceipt(models.Receipt{
		ID: "R2", Phone: "5215550001111", Status: models.ReceiptStatusPending,
	})
	svc, err := NewService(t.TempDir(), index, be, &fakeDownloader{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if _, err := svc.ApplyMonths(context.Background(), "R2", 1); err != nil {
		t.Fatalf("ApplyMonths failed: %v", err)
	}
	if len(be.payments) != 1 {
		t.Errorf("expected payment created, got %d", len(be.payments))
	}
}

func TestApplyMonthsFailurePersistsFailedStatus(t *testing.T) {
	index := newMemIndex()
	be := newFakeBackend()
	be.clients["5215550001111"] = &models.Client{ID: 9, Phone: "5215550001111"}
	be.contracts[9] = []models.Contract{
		{ID: 1, ClientID: 9, Amount: 5000, Status: models.ContractStatusActive},
	}
	be.createErr = errors.New("backend unavailable")
	index.AddReceipt(models.Receipt{
		ID: "R9", Phone: "5215550001111", Status: models.ReceiptStatusPending,
	})
	svc, err := NewService(t.TempDir(), index, be, &fakeDownloader{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if _, err := svc.ApplyMonths(context.Background(), "R9", 2); err == nil {
		t.Fatal("expected application to fail")
	}
	got, _ := index.GetReceipt("R9")
	if got.Status != models.ReceiptStatusFailed {
		t.Errorf("expected failed status persisted, got %s", got.Status)
	}

	// The delayed retry runs through the same path; success overwrites.
	be.createErr = nil
	if _, err := svc.ApplyMonths(context.Background(), "R9", 2); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got, _ = index.GetReceipt("R9")
	if got.Status != models.ReceiptStatusApplied {
		t.Errorf("expected applied after retry, got %s", got.Status)
	}
}

func TestApplyMonthsRejectsBadInput(t *testing.T) {
	svc, err := NewService(t.TempDir(), newMemIndex(), newFakeBackend(), &fakeDownloader{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if _, err := svc.ApplyMonths(context.Background(), "R1", 0); err == nil {
		t.Error("expected error for zero months")
	}
	if _, err := svc.ApplyMonths(context.Background(), "missing", 1); err == nil {
		t.Error("expected error for unknown receipt")
	}
}

func TestJpegToPDF(t *testing.T) {
	data := jpegBytes(t)
	pdf, err := jpegToPDF(data)
	if err != nil {
		t.Fatalf("jpegToPDF failed: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-1.4")) {
		t.Error("missing PDF header")
	}
	if !bytes.Contains(pdf, data) {
		t.Error("expected original JPEG bytes embedded unmodified")
	}
	if !strings.Contains(string(pdf), "/DCTDecode") {
		t.Error("expected DCTDecode filter")
	}
	if !strings.HasSuffix(strings.TrimSpace(string(pdf[len(pdf)-16:])), "%%EOF") {
		t.Error("expected EOF trailer")
	}
}

func TestPathUsesReceiptID(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir, newMemIndex(), newFakeBackend(), &fakeDownloader{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	r := &models.Receipt{ID: "abc", Filename: "comprobante.jpg"}
	if got, want := svc.Path(r), filepath.Join(dir, "abc.jpg"); got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}
