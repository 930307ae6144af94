// Package api provides the inbound callback HTTP server for cobrakit.
//
// It receives reconciliation notifications from the billing backend and
// forwards them to the conversation the original receipt came from.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
	"github.com/hmoraldo/cobrakit/internal/store"
)

// Sender delivers forwarded reconciliation messages.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SendMedia(ctx context.Context, chatID string, data []byte, mimeType, filename string) error
}

// Opts holds configuration options for the callback server.
type Opts struct {
	Addr  string
	Token string
	// StateFn reports the channel connection state for health checks.
	StateFn func() models.ConnectionState
}

// Option defines a configuration option for the callback server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithToken sets the bearer token required on callback requests.
func WithToken(t string) Option {
	return func(o *Opts) { o.Token = t }
}

// WithStateFn sets the connection state reporter for /healthz.
func WithStateFn(fn func() models.ConnectionState) Option {
	return func(o *Opts) { o.StateFn = fn }
}

// Server handles reconciliation callbacks and health checks.
type Server struct {
	receipts store.ReceiptRepo
	sender   Sender
	addr     string
	token    string
	stateFn  func() models.ConnectionState
	httpSrv  *http.Server
}

// NewServer creates the callback server.
func NewServer(receipts store.ReceiptRepo, sender Sender, options ...Option) *Server {
	opts := Opts{Addr: ":8080"}
	for _, opt := range options {
		opt(&opts)
	}
	return &Server{
		receipts: receipts,
		sender:   sender,
		addr:     opts.Addr,
		token:    opts.Token,
		stateFn:  opts.StateFn,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/reconciliation", s.reconciliationHandler)
	mux.HandleFunc("/healthz", s.healthHandler)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	slog.Info("Callback server starting", "addr", s.addr)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Callback server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// reconciliationPayload is an inbound reconciliation notification. Either
// ReceiptID or PaymentID identifies the receipt; Document optionally carries
// a rendered document to forward.
type reconciliationPayload struct {
	ReceiptID string `json:"receipt_id,omitempty"`
	PaymentID int64  `json:"payment_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Document  string `json:"document,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
}

func (s *Server) reconciliationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.reconciliationHandler: processing request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}

	var p reconciliationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.reconciliationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.ReceiptID == "" && p.PaymentID == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("receipt_id or payment_id is required"))
		return
	}

	receipt, err := s.resolveReceipt(p)
	if err != nil {
		slog.Error("Server.reconciliationHandler: receipt lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Receipt lookup failed"))
		return
	}
	if receipt == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No matching receipt"))
		return
	}

	text := p.Message
	if text == "" {
		text = "Tu pago fue conciliado. Gracias."
	}
	ctx := r.Context()
	if err := s.sender.SendText(ctx, receipt.ChatID, text); err != nil {
		slog.Error("Server.reconciliationHandler: forward failed", "chat", receipt.ChatID, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to forward to conversation"))
		return
	}

	if p.Document != "" {
		if err := s.forwardDocument(ctx, receipt.ChatID, p); err != nil {
			slog.Error("Server.reconciliationHandler: document forward failed", "chat", receipt.ChatID, "error", err)
			writeJSONResponse(w, http.StatusBadGateway, models.Error("Message sent but document forward failed"))
			return
		}
	}

	slog.Info("Reconciliation forwarded", "receipt_id", receipt.ID, "chat", receipt.ChatID, "with_document", p.Document != "")
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"receipt_id": receipt.ID}))
}

func (s *Server) resolveReceipt(p reconciliationPayload) (*models.Receipt, error) {
	if p.ReceiptID != "" {
		return s.receipts.GetReceipt(p.ReceiptID)
	}
	return s.receipts.GetReceiptByPaymentID(p.PaymentID)
}

func (s *Server) forwardDocument(ctx context.Context, chatID string, p reconciliationPayload) error {
	data, err := base64.StdEncoding.DecodeString(p.Document)
	if err != nil {
		return fmt.Errorf("bad document encoding: %w", err)
	}
	filename := p.Filename
	if filename == "" {
		filename = "recibo.pdf"
	}
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	return s.sender.SendMedia(ctx, chatID, data, mimeType, filename)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := map[string]any{"status": "up"}
	if s.stateFn != nil {
		health["connection"] = s.stateFn()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(health))
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}
