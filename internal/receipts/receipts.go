// Package receipts handles payment receipt intake: persisting inbound
// attachments, indexing them locally, registering them with the billing
// backend, and applying the months count as a payment.
package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/hmoraldo/cobrakit/internal/store"
)

// Backend is the slice of the billing API the receipt flow uses.
type Backend interface {
	FindClientByPhone(ctx context.Context, phone string) (*models.Client, error)
	UpsertClient(ctx context.Context, phone, name string) (*models.Client, error)
	ListContracts(ctx context.Context, clientID int64) ([]models.Contract, error)
	CreatePayment(ctx context.Context, p models.Payment) (*models.Payment, error)
	UpdatePayment(ctx context.Context, id int64, p models.Payment) (*models.Payment, error)
	StoreReceipt(ctx context.Context, r models.Receipt) error
	AttachPaymentDocument(ctx context.Context, paymentID int64, filename, mimeType string, data []byte) error
}

// Downloader fetches attachment bytes for an inbound message.
type Downloader interface {
	DownloadAttachment(ctx context.Context, messageID string) ([]byte, error)
}

// Service persists and applies payment receipts.
type Service struct {
	dir        string
	index      store.ReceiptRepo
	backend    Backend
	downloader Downloader
}

// NewService creates the receipt service. dir is the durable directory for
// attachment binaries; it is created if missing.
func NewService(dir string, index store.ReceiptRepo, backend Backend, downloader Downloader) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create receipts directory %s: %w", dir, err)
	}
	return &Service{dir: dir, index: index, backend: backend, downloader: downloader}, nil
}

// Store downloads and persists an inbound attachment, indexes it, and
// best-effort registers it with the backend. Only local persistence failures
// return an error; backend problems are logged and absorbed so the
// conversation can continue.
func (s *Service) Store(ctx context.Context, msg models.InboundMessage) (*models.Receipt, error) {
	slog.Debug("Receipt store", "chat", msg.ChatID, "message_id", msg.ID, "mime", msg.MimeType)

	data, err := s.downloader.DownloadAttachment(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}

	receipt := models.Receipt{
		ID:         uuid.NewString(),
		ChatID:     msg.ChatID,
		Phone:      phoneFromChatID(msg.ChatID),
		Filename:   s.filenameFor(msg),
		MimeType:   msg.MimeType,
		Status:     models.ReceiptStatusPending,
		ReceivedAt: time.Now(),
	}

	path := filepath.Join(s.dir, receipt.ID+filepath.Ext(receipt.Filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to persist attachment: %w", err)
	}
	if err := s.index.AddReceipt(receipt); err != nil {
		return nil, fmt.Errorf("failed to index receipt: %w", err)
	}
	slog.Info("Receipt stored", "id", receipt.ID, "chat", msg.ChatID, "bytes", len(data))

	// Everything from here is best-effort.
	receipt.PaymentID = s.register(ctx, &receipt, data)
	return &receipt, nil
}

// register creates the backend placeholder for a fresh receipt: metadata
// record, resolve-or-create client, an unverified zero-amount payment, and
// the attached document. Returns the payment ID, or zero when registration
// did not get that far.
func (s *Service) register(ctx context.Context, receipt *models.Receipt, data []byte) int64 {
	if err := s.backend.StoreReceipt(ctx, *receipt); err != nil {
		slog.Error("Receipt backend registration failed", "id", receipt.ID, "error", err)
	}

	client, err := s.backend.FindClientByPhone(ctx, receipt.Phone)
	if err != nil {
		client, err = s.backend.UpsertClient(ctx, receipt.Phone, "")
		if err != nil {
			slog.Error("Receipt client resolution failed", "id", receipt.ID, "phone", receipt.Phone, "error", err)
			return 0
		}
	}

	payment, err := s.backend.CreatePayment(ctx, models.Payment{
		ClientID:  client.ID,
		Amount:    0,
		Status:    models.PaymentStatusUnverified,
		Reference: receipt.ID,
		PaidAt:    receipt.ReceivedAt,
	})
	if err != nil {
		slog.Error("Receipt payment placeholder failed", "id", receipt.ID, "client_id", client.ID, "error", err)
		return 0
	}
	if err := s.index.UpdateReceiptStatus(receipt.ID, models.ReceiptStatusPending, payment.ID); err != nil {
		slog.Error("Receipt payment link failed", "id", receipt.ID, "payment_id", payment.ID, "error", err)
	}

	s.attachDocument(ctx, receipt, payment.ID, data)
	return payment.ID
}

// attachDocument uploads the receipt binary to its payment, converting image
// formats to a single-page PDF first.
func (s *Service) attachDocument(ctx context.Context, receipt *models.Receipt, paymentID int64, data []byte) {
	filename, mimeType := receipt.Filename, receipt.MimeType
	switch mimeType {
	case "application/pdf":
		// Already a document.
	case "image/jpeg", "image/jpg":
		pdf, err := jpegToPDF(data)
		if err != nil {
			slog.Error("Receipt image conversion failed", "id", receipt.ID, "error", err)
			return
		}
		data = pdf
		filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + ".pdf"
		mimeType = "application/pdf"
	default:
		slog.Warn("Receipt attachment type not supported for upload", "id", receipt.ID, "mime", mimeType)
		return
	}
	if err := s.backend.AttachPaymentDocument(ctx, paymentID, filename, mimeType, data); err != nil {
		slog.Error("Receipt document attach failed", "id", receipt.ID, "payment_id", paymentID, "error", err)
	}
}

// ApplyMonths turns a stored receipt plus a months count into a concrete
// backend payment: total = months x the active contract's amount.
func (s *Service) ApplyMonths(ctx context.Context, receiptID string, months int) (*models.Payment, error) {
	if months <= 0 {
		return nil, models.ErrInvalidMonths
	}
	receipt, err := s.index.GetReceipt(receiptID)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, fmt.Errorf("receipt %s not found", receiptID)
	}

	client, err := s.backend.FindClientByPhone(ctx, receipt.Phone)
	if err != nil {
		s.markFailed(receipt)
		return nil, fmt.Errorf("failed to resolve client for receipt %s: %w", receiptID, err)
	}

	unit := s.activeContractAmount(ctx, client.ID)
	total := unit * float64(months)

	payment := models.Payment{
		ClientID:  client.ID,
		Amount:    total,
		Status:    models.PaymentStatusUnverified,
		Reference: receipt.ID,
		Metadata: map[string]string{
			"months":                   strconv.Itoa(months),
			models.PayloadKeyReceiptID: receipt.ID,
		},
		PaidAt:    time.Now(),
	}
	var applied *models.Payment
	if receipt.PaymentID != 0 {
		applied, err = s.backend.UpdatePayment(ctx, receipt.PaymentID, payment)
	} else {
		applied, err = s.backend.CreatePayment(ctx, payment)
	}
	if err != nil {
		s.markFailed(receipt)
		return nil, fmt.Errorf("failed to apply payment for receipt %s: %w", receiptID, err)
	}

	if err := s.index.UpdateReceiptStatus(receipt.ID, models.ReceiptStatusApplied, applied.ID); err != nil {
		slog.Error("Receipt applied-status update failed", "id", receipt.ID, "error", err)
	}
	slog.Info("Receipt applied", "id", receipt.ID, "payment_id", applied.ID, "months", months, "amount", total)
	return applied, nil
}

// markFailed records a failed payment application on the receipt index so the
// receipt can be found and re-driven later. A subsequent successful
// application overwrites the status with applied.
func (s *Service) markFailed(receipt *models.Receipt) {
	if err := s.index.UpdateReceiptStatus(receipt.ID, models.ReceiptStatusFailed, receipt.PaymentID); err != nil {
		slog.Error("Receipt failed-status update failed", "id", receipt.ID, "error", err)
	}
}

// activeContractAmount resolves the per-month amount from the client's first
// active contract; zero when none is known.
func (s *Service) activeContractAmount(ctx context.Context, clientID int64) float64 {
	contracts, err := s.backend.ListContracts(ctx, clientID)
	if err != nil {
		slog.Error("Receipt contract lookup failed", "client_id", clientID, "error", err)
		return 0
	}
	for _, c := range contracts {
		if c.Status == models.ContractStatusActive {
			return c.Amount
		}
	}
	return 0
}

// Path returns the on-disk location for a stored receipt.
func (s *Service) Path(receipt *models.Receipt) string {
	return filepath.Join(s.dir, receipt.ID+filepath.Ext(receipt.Filename))
}

// Lookup fetches a receipt from the local index.
func (s *Service) Lookup(id string) (*models.Receipt, error) {
	return s.index.GetReceipt(id)
}

func (s *Service) filenameFor(msg models.InboundMessage) string {
	if msg.Filename != "" {
		return msg.Filename
	}
	switch msg.MimeType {
	case "application/pdf":
		return "comprobante.pdf"
	default:
		return "comprobante.jpg"
	}
}

func phoneFromChatID(chatID string) string {
	if i := strings.IndexByte(chatID, '@'); i >= 0 {
		return chatID[:i]
	}
	return chatID
}
