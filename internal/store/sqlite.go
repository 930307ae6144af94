// Package store provides storage backends for cobrakit.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/hmoraldo/cobrakit/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path to the SQLite database file; missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts (id, chat_id, phone, filename, mime_type, status, payment_id, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChatID, r.Phone, r.Filename, r.MimeType, r.Status, nilIfZero(r.PaymentID), r.ReceivedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert receipt %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "id", r.ID, "chat", r.ChatID)
	return nil
}

func (s *SQLiteStore) GetReceipt(id string) (*models.Receipt, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, phone, filename, mime_type, status, payment_id, received_at
		 FROM receipts WHERE id = ?`, id)
	r, err := scanReceiptRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetReceipt failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get receipt %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) GetReceiptByPaymentID(paymentID int64) (*models.Receipt, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, phone, filename, mime_type, status, payment_id, received_at
		 FROM receipts WHERE payment_id = ?`, paymentID)
	r, err := scanReceiptRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetReceiptByPaymentID failed", "error", err, "payment_id", paymentID)
		return nil, fmt.Errorf("failed to get receipt for payment %d: %w", paymentID, err)
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateReceiptStatus(id string, status models.ReceiptStatus, paymentID int64) error {
	var err error
	if paymentID != 0 {
		_, err = s.db.Exec(`UPDATE receipts SET status = ?, payment_id = ? WHERE id = ?`, status, paymentID, id)
	} else {
		_, err = s.db.Exec(`UPDATE receipts SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		slog.Error("SQLiteStore UpdateReceiptStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update receipt %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListReceiptsByStatus(status models.ReceiptStatus) ([]models.Receipt, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, phone, filename, mime_type, status, payment_id, received_at
		 FROM receipts WHERE status = ? ORDER BY received_at ASC`, status)
	if err != nil {
		slog.Error("SQLiteStore ListReceiptsByStatus query failed", "error", err)
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
