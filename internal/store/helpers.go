package store

import (
	"database/sql"
	"fmt"

	"github.com/hmoraldo/cobrakit/internal/models"
)

// nilIfZero returns nil for a zero ID so nullable columns stay NULL.
func nilIfZero(id int64) interface{} {
	if id == 0 {
		return nil
	}
	return id
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanReceipt(rows *sql.Rows) (models.Receipt, error) {
	var r models.Receipt
	var paymentID sql.NullInt64
	err := rows.Scan(&r.ID, &r.ChatID, &r.Phone, &r.Filename, &r.MimeType, &r.Status, &paymentID, &r.ReceivedAt)
	if err != nil {
		return r, fmt.Errorf("scan receipt failed: %w", err)
	}
	r.PaymentID = paymentID.Int64
	return r, nil
}

func scanReceiptRow(row *sql.Row) (models.Receipt, error) {
	var r models.Receipt
	var paymentID sql.NullInt64
	err := row.Scan(&r.ID, &r.ChatID, &r.Phone, &r.Filename, &r.MimeType, &r.Status, &paymentID, &r.ReceivedAt)
	if err != nil {
		return r, err
	}
	r.PaymentID = paymentID.Int64
	return r, nil
}

func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, result, lastError sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(&j.ID, &j.Kind, &payloadJSON, &j.Status, &result, &lastError, &lockedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.Result = result.String
	j.LastError = lastError.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, result, lastError sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Kind, &payloadJSON, &j.Status, &result, &lastError, &lockedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.Result = result.String
	j.LastError = lastError.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
