package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hmoraldo/cobrakit/internal/util"
)

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) EnqueueJob(kind string, payloadJSON string) (string, error) {
	id := util.GenerateRandomID("job_", 32)
	now := time.Now()

	_, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, payload_json, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', ?, ?)`,
		id, kind, nilIfEmpty(payloadJSON), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", kind)
	return id, nil
}

func (s *SQLiteStore) ClaimQueuedJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, payload_json, status, result, last_error, locked_at, created_at, updated_at
		 FROM jobs WHERE status = 'queued' ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim queued jobs query failed: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim queued jobs iteration failed: %w", err)
	}

	claimed := jobs[:0]
	for i := range jobs {
		ok, err := s.markJobRunning(jobs[i].ID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Another claimer got there between SELECT and UPDATE.
			continue
		}
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &now
		claimed = append(claimed, jobs[i])
	}

	return claimed, nil
}

// markJobRunning claims a queued job and reports whether the claim took. The
// status guard makes the transition race-safe against a concurrent claimer.
func (s *SQLiteStore) markJobRunning(id string, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark job running failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) CompleteJob(id, result string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'done', result = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(result), now, id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(id, errMsg string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE status = 'running' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, payload_json, status, result, last_error, locked_at, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
