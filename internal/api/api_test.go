package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hmoraldo/cobrakit/internal/models"
)

type memReceipts struct {
	receipts map[string]models.Receipt
}

func (m *memReceipts) AddReceipt(r models.Receipt) error {
	m.receipts[r.ID] = r
	return nil
}

func (m *memReceipts) GetReceipt(id string) (*models.Receipt, error) {
	r, ok := m.receipts[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memReceipts) GetReceiptByPaymentID(paymentID int64) (*models.Receipt, error) {
	for _, r := range m.receipts {
		if r.PaymentID == paymentID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memReceipts) UpdateReceiptStatus(id string, status models.ReceiptStatus, paymentID int64) error {
	return nil
}

func (m *memReceipts) ListReceiptsByStatus(status models.ReceiptStatus) ([]models.Receipt, error) {
	return nil, nil
}

type fakeSender struct {
	texts []string
	media [][]byte
	chats []string
}

func (f *fakeSender) SendText(_ context.Context, chatID, text string) error {
	f.chats = append(f.chats, chatID)
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendMedia(_ context.Context, chatID string, data []byte, _, _ string) error {
	f.chats = append(f.chats, chatID)
	f.media = append(f.media, data)
	return nil
}

func newTestServer() (*Server, *fakeSender, *memReceipts) {
	receipts := &memReceipts{receipts: map[string]models.Receipt{
		"R1": {ID: "R1", ChatID: "5215550001111@s.whatsapp.net", PaymentID: 7},
	}}
	sender := &fakeSender{}
	return NewServer(receipts, sender), sender, receipts
}

func TestReconciliationForwardsToOriginalChat(t *testing.T) {
	srv, sender, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/reconciliation",
		strings.NewReader(`{"receipt_id":"R1","message":"Pago verificado"}`))
	rec := httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sender.texts) != 1 || sender.texts[0] != "Pago verificado" {
		t.Errorf("unexpected forwarded texts: %v", sender.texts)
	}
	if sender.chats[0] != "5215550001111@s.whatsapp.net" {
		t.Errorf("forwarded to wrong chat: %s", sender.chats[0])
	}
}

func TestReconciliationResolvesByPaymentID(t *testing.T) {
	srv, sender, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/reconciliation",
		strings.NewReader(`{"payment_id":7}`))
	rec := httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(sender.texts) != 1 {
		t.Errorf("expected default message forwarded, got %v", sender.texts)
	}
}

func TestReconciliationForwardsDocument(t *testing.T) {
	srv, sender, _ := newTestServer()

	doc := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	req := httptest.NewRequest(http.MethodPost, "/reconciliation",
		strings.NewReader(`{"receipt_id":"R1","document":"`+doc+`"}`))
	rec := httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(sender.media) != 1 || string(sender.media[0]) != "%PDF-1.4 fake" {
		t.Errorf("expected decoded document forwarded, got %d media", len(sender.media))
	}
}

func TestReconciliationUnknownReceipt(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/reconciliation",
		strings.NewReader(`{"receipt_id":"nope"}`))
	rec := httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestReconciliationRequiresIdentifier(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/reconciliation", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestReconciliationAuth(t *testing.T) {
	receipts := &memReceipts{receipts: map[string]models.Receipt{}}
	srv := NewServer(receipts, &fakeSender{}, WithToken("secret"))

	req := httptest.NewRequest(http.MethodPost, "/reconciliation",
		strings.NewReader(`{"receipt_id":"R1"}`))
	rec := httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/reconciliation",
		strings.NewReader(`{"receipt_id":"R1"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.reconciliationHandler(rec, req)
	if rec.Code == http.StatusUnauthorized {
		t.Fatalf("expected authorized request to pass, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer()
	srv.stateFn = func() models.ConnectionState { return models.ConnReady }

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.healthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ready") {
		t.Errorf("expected connection state in health response, got %s", rec.Body.String())
	}
}
