// Package store provides the local persistence layer: the receipt index and
// the administrative job queue, backed by SQLite or PostgreSQL.
package store

import (
	"strings"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// Opts holds configuration for a store backend.
type Opts struct {
	// DSN is either a SQLite file path or a PostgreSQL connection string.
	DSN string
}

// Option mutates Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// IsPostgresDSN reports whether a DSN selects the PostgreSQL backend rather
// than a SQLite file path.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ReceiptRepo is the local index of stored payment receipts.
type ReceiptRepo interface {
	// AddReceipt inserts a new receipt index record.
	AddReceipt(r models.Receipt) error

	// GetReceipt retrieves a receipt by ID. Returns nil when absent.
	GetReceipt(id string) (*models.Receipt, error)

	// GetReceiptByPaymentID retrieves the receipt linked to a backend
	// payment. Returns nil when absent.
	GetReceiptByPaymentID(paymentID int64) (*models.Receipt, error)

	// UpdateReceiptStatus updates a receipt's status and, when paymentID is
	// non-zero, links it to the backend payment.
	UpdateReceiptStatus(id string, status models.ReceiptStatus, paymentID int64) error

	// ListReceiptsByStatus returns receipts in the given status, oldest first.
	ListReceiptsByStatus(status models.ReceiptStatus) ([]models.Receipt, error)
}

// Store is the full persistence surface a backend must provide.
type Store interface {
	ReceiptRepo
	JobRepo
	Close() error
}

// Open selects a backend from the DSN: PostgreSQL connection strings go to
// the PostgreSQL store, anything else is treated as a SQLite file path.
func Open(dsn string) (Store, error) {
	if IsPostgresDSN(dsn) {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
