// Package backend provides typed HTTP access to the billing backend for cobrakit.
//
// It exposes the reminder, client, contract, payment and settings operations the
// delivery layer needs, with a typed error taxonomy so callers can distinguish
// missing records from transport failures.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// DefaultTimeout bounds every backend request.
const DefaultTimeout = 15 * time.Second

// ErrNotFound indicates the backend has no record matching the query.
var ErrNotFound = errors.New("backend: not found")

// APIError carries the HTTP status and response body of a failed backend call.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err represents a missing record.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsValidation reports whether err represents a rejected request body.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity)
}

// Opts holds configuration options for the backend client.
type Opts struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Option defines a configuration option for the backend client.
type Option func(*Opts)

// WithBaseURL sets the backend API base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithToken sets the bearer token attached to every request.
func WithToken(t string) Option {
	return func(o *Opts) { o.Token = t }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client is a typed HTTP client for the billing backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a backend client, applying any provided options.
func NewClient(opts ...Option) *Client {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:3000/api"
	}
	slog.Debug("Backend NewClient", "base_url", cfg.BaseURL, "token_set", cfg.Token != "", "timeout", cfg.Timeout)
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// do performs a request and decodes the JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("Backend request failed", "method", method, "path", path, "status", resp.StatusCode, "body", string(detail))
		return &APIError{Status: resp.StatusCode, Body: string(detail)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response for %s %s: %w", method, path, err)
	}
	return nil
}

// PendingReminders fetches pending reminders scheduled within the look-ahead window.
func (c *Client) PendingReminders(ctx context.Context, lookAhead time.Duration, limit int) ([]models.Reminder, error) {
	q := url.Values{}
	q.Set("status", string(models.ReminderStatusPending))
	q.Set("until", time.Now().Add(lookAhead).UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))

	var out []models.Reminder
	if err := c.do(ctx, http.MethodGet, "/reminders?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SentRemindersSince lists reminders marked sent at or after the given instant.
func (c *Client) SentRemindersSince(ctx context.Context, since time.Time) ([]models.Reminder, error) {
	q := url.Values{}
	q.Set("status", string(models.ReminderStatusSent))
	q.Set("since", since.UTC().Format(time.RFC3339))

	var out []models.Reminder
	if err := c.do(ctx, http.MethodGet, "/reminders?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type reminderStatusUpdate struct {
	Status   models.ReminderStatus `json:"status"`
	Attempts *int                  `json:"attempts,omitempty"`
}

// MarkReminderQueued atomically claims a pending reminder for delivery.
// The backend rejects the transition (409) when the reminder is no longer pending.
func (c *Client) MarkReminderQueued(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/reminders/%d/status", id), reminderStatusUpdate{Status: models.ReminderStatusQueued}, nil)
}

// MarkReminderSent records a confirmed delivery.
func (c *Client) MarkReminderSent(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/reminders/%d/status", id), reminderStatusUpdate{Status: models.ReminderStatusSent}, nil)
}

// MarkReminderPending reverts a claimed reminder so a later cycle retries it,
// persisting the bounded attempt counter.
func (c *Client) MarkReminderPending(ctx context.Context, id int64, attempts int) error {
	if attempts > models.MaxReminderAttempts {
		attempts = models.MaxReminderAttempts
	}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/reminders/%d/status", id), reminderStatusUpdate{Status: models.ReminderStatusPending, Attempts: &attempts}, nil)
}

// GetClient fetches a client by ID.
func (c *Client) GetClient(ctx context.Context, id int64) (*models.Client, error) {
	var out models.Client
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/clients/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindClientByPhone looks up a client by phone number.
func (c *Client) FindClientByPhone(ctx context.Context, phone string) (*models.Client, error) {
	var out models.Client
	if err := c.do(ctx, http.MethodGet, "/clients/by-phone/"+url.PathEscape(phone), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertClient creates or updates a client keyed by phone.
func (c *Client) UpsertClient(ctx context.Context, phone, name string) (*models.Client, error) {
	var out models.Client
	body := map[string]string{"phone": phone, "name": name}
	if err := c.do(ctx, http.MethodPut, "/clients", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListContracts returns the contracts of a client.
func (c *Client) ListContracts(ctx context.Context, clientID int64) ([]models.Contract, error) {
	var out []models.Contract
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/clients/%d/contracts", clientID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetContract fetches a single contract by ID.
func (c *Client) GetContract(ctx context.Context, id int64) (*models.Contract, error) {
	var out models.Contract
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/contracts/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateContract creates a contract for a client.
func (c *Client) CreateContract(ctx context.Context, contract models.Contract) (*models.Contract, error) {
	var out models.Contract
	if err := c.do(ctx, http.MethodPost, "/contracts", contract, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePayment records a new payment.
func (c *Client) CreatePayment(ctx context.Context, p models.Payment) (*models.Payment, error) {
	var out models.Payment
	if err := c.do(ctx, http.MethodPost, "/payments", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePayment mutates an existing payment.
func (c *Client) UpdatePayment(ctx context.Context, id int64, p models.Payment) (*models.Payment, error) {
	var out models.Payment
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/payments/%d", id), p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayment fetches a payment by ID.
func (c *Client) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	var out models.Payment
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/payments/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPayments lists payments filtered by client phone and/or status.
func (c *Client) ListPayments(ctx context.Context, phone string, status models.PaymentStatus) ([]models.Payment, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	var out []models.Payment
	if err := c.do(ctx, http.MethodGet, "/payments?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AttachPaymentDocument uploads a receipt document for a payment as a
// multipart form.
func (c *Client) AttachPaymentDocument(ctx context.Context, paymentID int64, filename, mimeType string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="document"; filename="%s"`, filename)},
		"Content-Type":        {mimeType},
	})
	if err != nil {
		return fmt.Errorf("backend: build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("backend: write multipart: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("backend: close multipart: %w", err)
	}

	path := fmt.Sprintf("/payments/%d/document", paymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("Backend document upload failed", "payment_id", paymentID, "status", resp.StatusCode, "body", string(detail))
		return &APIError{Status: resp.StatusCode, Body: string(detail)}
	}
	return nil
}

// CreateConciliation asks the backend to match a payment against its records.
func (c *Client) CreateConciliation(ctx context.Context, paymentID int64, note string) error {
	body := map[string]any{"payment_id": paymentID, "note": note}
	return c.do(ctx, http.MethodPost, "/conciliations", body, nil)
}

// ListTransactions lists ledger transactions, optionally filtered by phone.
func (c *Client) ListTransactions(ctx context.Context, phone string, limit int) ([]models.Transaction, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	}
	q.Set("limit", strconv.Itoa(limit))
	var out []models.Transaction
	if err := c.do(ctx, http.MethodGet, "/transactions?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteClient removes a client and its dependent records.
func (c *Client) DeleteClient(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/clients/%d", id), nil, nil)
}

// DeleteContract removes a contract.
func (c *Client) DeleteContract(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/contracts/%d", id), nil, nil)
}

// DeleteTransaction removes a ledger transaction.
func (c *Client) DeleteTransaction(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/transactions/%d", id), nil, nil)
}

// DeleteSubscription cancels a client's subscription by phone.
func (c *Client) DeleteSubscription(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodDelete, "/subscriptions/by-phone/"+url.PathEscape(phone), nil, nil)
}

// CreateReceiptForClient registers a receipt placeholder linked to a phone number.
func (c *Client) CreateReceiptForClient(ctx context.Context, phone string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"phone": phone}
	if err := c.do(ctx, http.MethodPost, "/receipts", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SendReceipt asks the backend to deliver a rendered receipt document.
func (c *Client) SendReceipt(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/receipts/"+url.PathEscape(id)+"/send", nil, nil)
}

// ListReceiptsByDate lists backend receipts registered on a given day.
func (c *Client) ListReceiptsByDate(ctx context.Context, day time.Time) ([]models.Receipt, error) {
	var out []models.Receipt
	path := "/receipts?date=" + day.Format("2006-01-02")
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreReceipt uploads local receipt metadata to the backend.
func (c *Client) StoreReceipt(ctx context.Context, r models.Receipt) error {
	return c.do(ctx, http.MethodPost, "/receipts/metadata", r, nil)
}

// GetSettings fetches service settings (payment instructions, hours, operators).
func (c *Client) GetSettings(ctx context.Context) (*models.Settings, error) {
	var out models.Settings
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsPaused reports whether automated messaging is administratively silenced
// for a phone number.
func (c *Client) IsPaused(ctx context.Context, phone string) (bool, error) {
	var out struct {
		Paused bool `json:"paused"`
	}
	if err := c.do(ctx, http.MethodGet, "/paused/"+url.PathEscape(phone), nil, &out); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return out.Paused, nil
}

// SetPaused silences automated messaging for a phone number.
func (c *Client) SetPaused(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodPut, "/paused/"+url.PathEscape(phone), nil, nil)
}

// ClearPaused re-enables automated messaging for a phone number.
func (c *Client) ClearPaused(ctx context.Context, phone string) error {
	return c.do(ctx, http.MethodDelete, "/paused/"+url.PathEscape(phone), nil, nil)
}
