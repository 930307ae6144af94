// Package models defines the core data structures for cobrakit.
//
// It includes types for reminders, billing entities, inbound messages and
// connection state, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// ReminderStatus tracks the delivery lifecycle of a reminder.
type ReminderStatus string

const (
	// ReminderStatusPending means the reminder is due but unclaimed.
	ReminderStatusPending ReminderStatus = "pending"
	// ReminderStatusQueued means a scheduler cycle has claimed the reminder
	// and a delivery attempt is in flight.
	ReminderStatusQueued ReminderStatus = "queued"
	// ReminderStatusSent means delivery was confirmed by the channel.
	ReminderStatusSent ReminderStatus = "sent"
)

// MaxReminderAttempts caps the persisted attempt counter so repeated failures
// do not grow it without bound.
const MaxReminderAttempts = 10

// Payload keys recognized on a reminder.
const (
	PayloadKeyDueDate      = "due_date"
	PayloadKeyAmount       = "amount"
	PayloadKeyTemplate     = "template"
	PayloadKeyOptions      = "options"
	PayloadKeyFollowedUp   = "followed_up"
	PayloadKeyReceiptID    = "receipt_id"
)

// Reminder is a due-payment notification owned by the billing backend and
// delivered by the scheduler.
type Reminder struct {
	ID           int64             `json:"id"`
	ClientID     int64             `json:"client_id"`
	ContractID   int64             `json:"contract_id"`
	Channel      string            `json:"channel"`
	Phone        string            `json:"phone"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Status       ReminderStatus    `json:"status"`
	Attempts     int               `json:"attempts"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Payload      map[string]string `json:"payload,omitempty"`
}

// Client is a billing customer as exposed by the backend.
type Client struct {
	ID    int64  `json:"id"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// ContractStatus is the backend lifecycle state of a contract.
type ContractStatus string

const (
	ContractStatusActive   ContractStatus = "active"
	ContractStatusInactive ContractStatus = "inactive"
)

// Contract is a recurring billing agreement for a client.
type Contract struct {
	ID           int64          `json:"id"`
	ClientID     int64          `json:"client_id"`
	Amount       float64        `json:"amount"`
	BillingDay   int            `json:"billing_day"`
	BillingCycle string         `json:"billing_cycle"`
	Concept      string         `json:"concept"`
	Status       ContractStatus `json:"status"`
	NextDueDate  time.Time      `json:"next_due_date"`
}

// PaymentStatus is the verification state of a payment.
type PaymentStatus string

const (
	PaymentStatusUnverified PaymentStatus = "unverified"
	PaymentStatusVerified   PaymentStatus = "verified"
	PaymentStatusRejected   PaymentStatus = "rejected"
)

// Payment records money received (or claimed) against a contract.
type Payment struct {
	ID         int64             `json:"id"`
	ClientID   int64             `json:"client_id"`
	ContractID int64             `json:"contract_id,omitempty"`
	Amount     float64           `json:"amount"`
	Status     PaymentStatus     `json:"status"`
	Reference  string            `json:"reference,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	PaidAt     time.Time         `json:"paid_at"`
}

// Transaction is a backend ledger row surfaced to operators.
type Transaction struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Amount    float64   `json:"amount"`
	Concept   string    `json:"concept"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings holds operator-tunable values served by the backend.
type Settings struct {
	PaymentInstructions string   `json:"payment_instructions"`
	BusinessHoursStart  int      `json:"business_hours_start"`
	BusinessHoursEnd    int      `json:"business_hours_end"`
	OperatorPhones      []string `json:"operator_phones"`
	MenuURL             string   `json:"menu_url,omitempty"`
}

// ReceiptStatus tracks a locally stored payment receipt.
type ReceiptStatus string

const (
	ReceiptStatusPending ReceiptStatus = "pending"
	ReceiptStatusApplied ReceiptStatus = "applied"
	ReceiptStatusFailed  ReceiptStatus = "failed"
)

// Receipt is the local index record for a stored attachment.
type Receipt struct {
	ID         string        `json:"id"`
	ChatID     string        `json:"chat_id"`
	Phone      string        `json:"phone"`
	Filename   string        `json:"filename"`
	MimeType   string        `json:"mime_type"`
	Status     ReceiptStatus `json:"status"`
	PaymentID  int64         `json:"payment_id,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// ConnectionState describes the messaging channel lifecycle.
type ConnectionState string

const (
	ConnDisconnected  ConnectionState = "disconnected"
	ConnAwaitingScan  ConnectionState = "awaiting_scan"
	ConnAuthenticated ConnectionState = "authenticated"
	ConnReady         ConnectionState = "ready"
)

// InboundMessage is the normalized form of a message received from the
// channel, produced by the adapter and the polling fallback alike.
type InboundMessage struct {
	ID          string
	ChatID      string
	SenderID    string
	Text        string
	HasMedia    bool
	MediaRef    string
	MimeType    string
	Filename    string
	IsFromSelf  bool
	IsBroadcast bool
	Timestamp   time.Time
}

// ChatSummary is a conversation with unread activity, as reported by the
// channel during fallback polling.
type ChatSummary struct {
	ChatID      string
	UnreadCount int
}

// APIStatus enumerates API response statuses.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope returned by the callback HTTP server.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Validation error variables shared across flow handlers.
var (
	ErrEmptyPhone       = errors.New("phone number cannot be empty")
	ErrInvalidPhone     = errors.New("phone number must contain 10 to 15 digits")
	ErrInvalidAmount    = errors.New("amount must be a positive number")
	ErrInvalidDay       = errors.New("billing day must be between 1 and 28")
	ErrInvalidMonths    = errors.New("months must be a positive whole number")
	ErrEmptyMessage     = errors.New("message body cannot be empty")
	ErrMissingRecipient = errors.New("reminder has no recipient phone")
)
