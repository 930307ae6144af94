// Package store provides storage backends for cobrakit.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/hmoraldo/cobrakit/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts (id, chat_id, phone, filename, mime_type, status, payment_id, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.ChatID, r.Phone, r.Filename, r.MimeType, r.Status, nilIfZero(r.PaymentID), r.ReceivedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert receipt %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetReceipt(id string) (*models.Receipt, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, phone, filename, mime_type, status, payment_id, received_at
		 FROM receipts WHERE id = $1`, id)
	r, err := scanReceiptRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetReceipt failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get receipt %s: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) GetReceiptByPaymentID(paymentID int64) (*models.Receipt, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, phone, filename, mime_type, status, payment_id, received_at
		 FROM receipts WHERE payment_id = $1`, paymentID)
	r, err := scanReceiptRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetReceiptByPaymentID failed", "error", err, "payment_id", paymentID)
		return nil, fmt.Errorf("failed to get receipt for payment %d: %w", paymentID, err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateReceiptStatus(id string, status models.ReceiptStatus, paymentID int64) error {
	var err error
	if paymentID != 0 {
		_, err = s.db.Exec(`UPDATE receipts SET status = $1, payment_id = $2 WHERE id = $3`, status, paymentID, id)
	} else {
		_, err = s.db.Exec(`UPDATE receipts SET status = $1 WHERE id = $2`, status, id)
	}
	if err != nil {
		slog.Error("PostgresStore UpdateReceiptStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update receipt %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListReceiptsByStatus(status models.ReceiptStatus) ([]models.Receipt, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, phone, filename, mime_type, status, payment_id, received_at
		 FROM receipts WHERE status = $1 ORDER BY received_at ASC`, status)
	if err != nil {
		slog.Error("PostgresStore ListReceiptsByStatus query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
