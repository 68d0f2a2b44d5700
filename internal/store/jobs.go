package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Job states.
const (
	JobPending         = "pending"
	JobRunning         = "running"
	JobDone            = "done"
	JobSkipped         = "skipped"
	JobFailedRetryable = "failed_retryable"
	JobFailedExhausted = "failed_exhausted"
)

// ErrStaleClaim is returned when a completion or failure no longer matches the
// job's current claim: the job was timed out, recovered, or reclaimed meanwhile.
var ErrStaleClaim = errors.New("job is no longer held by this claim")

// Job is the execution record of one block's analysis.
type Job struct {
	ID            int64
	BlockID       int64
	BatchID       string
	Status        string
	Attempts      int
	LastAttemptAt *int64
	ClaimToken    string
	WorkerID      string
	Backend       string
	LastError     string
	CreatedAt     int64
	UpdatedAt     int64
}

// JobWithBlock pairs a job with the block it analyzes.
type JobWithBlock struct {
	Job   Job
	Block Block
}

// JobStats is a snapshot of job counts by state.
type JobStats struct {
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Done            int `json:"done"`
	Skipped         int `json:"skipped"`
	FailedRetryable int `json:"failed_retryable"`
	FailedExhausted int `json:"failed_exhausted"`
}

// Failed returns retryable plus exhausted failures.
func (s JobStats) Failed() int { return s.FailedRetryable + s.FailedExhausted }

// Open returns the count of jobs that have not reached a terminal state.
func (s JobStats) Open() int { return s.Pending + s.Running + s.FailedRetryable }

// Total returns the count of all jobs.
func (s JobStats) Total() int {
	return s.Pending + s.Running + s.Done + s.Skipped + s.FailedRetryable + s.FailedExhausted
}

// Transition describes one job state change made by a sweep.
type Transition struct {
	JobID    int64
	BlockID  int64
	EntryID  int64
	Status   string
	Attempts int
}

const jobColumns = `j.id, j.block_id, j.batch_id, j.status, j.attempts, j.last_attempt_at,
	COALESCE(j.claim_token, ''), COALESCE(j.worker_id, ''), COALESCE(j.backend, ''),
	COALESCE(j.last_error, ''), j.created_at, j.updated_at`

func scanJob(row interface{ Scan(...any) error }, j *Job, extra ...any) error {
	dest := []any{&j.ID, &j.BlockID, &j.BatchID, &j.Status, &j.Attempts, &j.LastAttemptAt,
		&j.ClaimToken, &j.WorkerID, &j.Backend, &j.LastError, &j.CreatedAt, &j.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

// GetJob returns a job by id, or nil if it does not exist.
func (db *DB) GetJob(id int64) (*Job, error) {
	var j Job
	err := scanJob(db.QueryRow(`SELECT `+jobColumns+` FROM jobs j WHERE j.id = ?`, id), &j)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

// GetJobByBlock returns the job of a block, or nil if it has none.
func (db *DB) GetJobByBlock(blockID int64) (*Job, error) {
	var j Job
	err := scanJob(db.QueryRow(`SELECT `+jobColumns+` FROM jobs j WHERE j.block_id = ?`, blockID), &j)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by block: %w", err)
	}
	return &j, nil
}

// PendingJobs returns up to limit pending jobs with their blocks, oldest
// batch first, then entry and ordinal.
func (db *DB) PendingJobs(limit int) ([]JobWithBlock, error) {
	rows, err := db.Query(`
		SELECT `+jobColumns+`,
		       b.id, b.entry_id, b.idx, COALESCE(b.title, ''), b.raw_text, b.sensitive, b.created_at
		FROM jobs j JOIN blocks b ON b.id = j.block_id
		WHERE j.status = 'pending'
		ORDER BY j.batch_id, b.entry_id, b.idx
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []JobWithBlock
	for rows.Next() {
		var jb JobWithBlock
		b := &jb.Block
		if err := scanJob(rows, &jb.Job, &b.ID, &b.EntryID, &b.Idx, &b.Title, &b.RawText, &b.Sensitive, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		out = append(out, jb)
	}
	return out, rows.Err()
}

// ClaimJob atomically moves a pending job to running. It returns the claim
// token, or "" when another worker got there first.
func (db *DB) ClaimJob(batchID string, jobID int64, workerID, backend string) (string, error) {
	token := uuid.NewString()
	claimed := false
	err := db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		r, err := tx.Exec(`
			UPDATE jobs SET status = 'running', claim_token = ?, worker_id = ?, backend = ?,
			       last_attempt_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, token, workerID, backend, now, now, jobID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		rows, _ := r.RowsAffected()
		if rows == 0 {
			return nil
		}
		claimed = true
		return insertChange(tx, batchID, EntityJob, strconv.FormatInt(jobID, 10), ActionUpdate, map[string]any{
			"from": JobPending, "to": JobRunning, "worker_id": workerID, "backend": backend,
		})
	})
	if err != nil || !claimed {
		return "", err
	}
	return token, nil
}

// SkipJob moves a pending job straight to skipped. Returns false if the job
// was no longer pending.
func (db *DB) SkipJob(batchID string, jobID int64, reason string) (bool, error) {
	skipped := false
	err := db.withTx(func(tx *sql.Tx) error {
		r, err := tx.Exec(`
			UPDATE jobs SET status = 'skipped', last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, reason, time.Now().UnixMilli(), jobID)
		if err != nil {
			return fmt.Errorf("skip job: %w", err)
		}
		rows, _ := r.RowsAffected()
		if rows == 0 {
			return nil
		}
		skipped = true
		return insertChange(tx, batchID, EntityJob, strconv.FormatInt(jobID, 10), ActionUpdate, map[string]any{
			"from": JobPending, "to": JobSkipped, "reason": reason,
		})
	})
	return skipped, err
}

// Completion carries a successful analysis back to the store.
type Completion struct {
	JobID         int64
	ClaimToken    string
	BatchID       string
	Backend       string
	Model         string
	PromptVersion string
	Analysis      json.RawMessage
}

// CompleteJob writes the block analysis and moves the job to done, both or
// neither. Returns ErrStaleClaim if the job is no longer running under the token.
func (db *DB) CompleteJob(c Completion) error {
	analysisJSON, err := marshalShape(c.Analysis, ShapeObject)
	if err != nil {
		return fmt.Errorf("block analysis: %w", err)
	}
	return db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		var blockID int64
		var attempts int
		err := tx.QueryRow(`
			UPDATE jobs SET status = 'done', last_error = NULL, claim_token = NULL, updated_at = ?
			WHERE id = ? AND status = 'running' AND claim_token = ?
			RETURNING block_id, attempts
		`, now, c.JobID, c.ClaimToken).Scan(&blockID, &attempts)
		if err == sql.ErrNoRows {
			return ErrStaleClaim
		}
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO block_analysis (block_id, job_id, backend, model, prompt_version, analysis_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, blockID, c.JobID, c.Backend, c.Model, c.PromptVersion, analysisJSON, now); err != nil {
			return fmt.Errorf("insert block analysis: %w", err)
		}

		return insertChange(tx, c.BatchID, EntityJob, strconv.FormatInt(c.JobID, 10), ActionUpdate, map[string]any{
			"from": JobRunning, "to": JobDone, "backend": c.Backend, "attempts": attempts,
		})
	})
}

// FailJob records a failed attempt on a running job. The job becomes
// failed_exhausted once attempts reach maxAttempts, failed_retryable otherwise.
// Returns the new status, or ErrStaleClaim if the claim no longer holds.
func (db *DB) FailJob(batchID string, jobID int64, token, reason string, maxAttempts int) (string, error) {
	var status string
	err := db.withTx(func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRow(`
			UPDATE jobs SET attempts = attempts + 1,
			       status = CASE WHEN attempts + 1 >= ? THEN 'failed_exhausted' ELSE 'failed_retryable' END,
			       last_error = ?, claim_token = NULL, updated_at = ?
			WHERE id = ? AND status = 'running' AND claim_token = ?
			RETURNING status, attempts
		`, maxAttempts, reason, time.Now().UnixMilli(), jobID, token).Scan(&status, &attempts)
		if err == sql.ErrNoRows {
			return ErrStaleClaim
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return insertChange(tx, batchID, EntityJob, strconv.FormatInt(jobID, 10), ActionUpdate, map[string]any{
			"from": JobRunning, "to": status, "attempts": attempts, "error": reason,
		})
	})
	return status, err
}

// ReleaseJob hands a running job back to pending without charging an
// attempt, for work cut off by shutdown rather than by the backend. Returns
// ErrStaleClaim if the claim no longer holds.
func (db *DB) ReleaseJob(batchID string, jobID int64, token, reason string) error {
	return db.withTx(func(tx *sql.Tx) error {
		r, err := tx.Exec(`
			UPDATE jobs SET status = 'pending', claim_token = NULL, worker_id = NULL,
			       last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'running' AND claim_token = ?
		`, reason, time.Now().UnixMilli(), jobID, token)
		if err != nil {
			return fmt.Errorf("release job: %w", err)
		}
		rows, _ := r.RowsAffected()
		if rows == 0 {
			return ErrStaleClaim
		}
		return insertChange(tx, batchID, EntityJob, strconv.FormatInt(jobID, 10), ActionUpdate, map[string]any{
			"from": JobRunning, "to": JobPending, "reason": reason,
		})
	})
}

// RequeueRetryable moves failed_retryable jobs back to pending, or to
// failed_exhausted if the budget was lowered below their attempt count.
func (db *DB) RequeueRetryable(batchID string, maxAttempts int) ([]Transition, error) {
	return db.sweep(batchID, `
		UPDATE jobs SET status = CASE WHEN attempts >= ? THEN 'failed_exhausted' ELSE 'pending' END,
		       updated_at = ?
		WHERE status = 'failed_retryable'
		RETURNING id, block_id, status, attempts
	`, JobFailedRetryable, "", maxAttempts, time.Now().UnixMilli())
}

// RecoverStale resets jobs stuck in running since before now-threshold. Each
// recovered job is charged one attempt and goes back to pending, or to
// failed_exhausted when its budget is spent.
func (db *DB) RecoverStale(batchID string, threshold time.Duration, maxAttempts int) ([]Transition, error) {
	now := time.Now()
	reason := fmt.Sprintf("stale running > %ds", int(threshold.Seconds()))
	return db.sweep(batchID, `
		UPDATE jobs SET attempts = attempts + 1,
		       status = CASE WHEN attempts + 1 >= ? THEN 'failed_exhausted' ELSE 'pending' END,
		       last_error = ?, claim_token = NULL, worker_id = NULL, updated_at = ?
		WHERE status = 'running' AND last_attempt_at < ?
		RETURNING id, block_id, status, attempts
	`, JobRunning, reason, maxAttempts, reason, now.UnixMilli(), now.Add(-threshold).UnixMilli())
}

func (db *DB) sweep(batchID, query, from, reason string, args ...any) ([]Transition, error) {
	var out []Transition
	err := db.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("sweep %s jobs: %w", from, err)
		}
		for rows.Next() {
			var t Transition
			if err := rows.Scan(&t.JobID, &t.BlockID, &t.Status, &t.Attempts); err != nil {
				rows.Close()
				return fmt.Errorf("scan sweep: %w", err)
			}
			out = append(out, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range out {
			t := &out[i]
			if err := tx.QueryRow(`SELECT entry_id FROM blocks WHERE id = ?`, t.BlockID).Scan(&t.EntryID); err != nil {
				return fmt.Errorf("lookup entry for block %d: %w", t.BlockID, err)
			}
			diff := map[string]any{"from": from, "to": t.Status, "attempts": t.Attempts}
			if reason != "" {
				diff["reason"] = reason
			}
			if err := insertChange(tx, batchID, EntityJob, strconv.FormatInt(t.JobID, 10), ActionUpdate, diff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// JobCounts returns a snapshot of job counts across all entries.
func (db *DB) JobCounts() (JobStats, error) {
	return db.jobCounts(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
}

// EntryJobCounts returns job counts for one entry's blocks.
func (db *DB) EntryJobCounts(entryID int64) (JobStats, error) {
	return db.jobCounts(`
		SELECT j.status, COUNT(*) FROM jobs j JOIN blocks b ON b.id = j.block_id
		WHERE b.entry_id = ? GROUP BY j.status
	`, entryID)
}

func (db *DB) jobCounts(query string, args ...any) (JobStats, error) {
	var s JobStats
	rows, err := db.Query(query, args...)
	if err != nil {
		return s, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return s, fmt.Errorf("scan job count: %w", err)
		}
		switch status {
		case JobPending:
			s.Pending = n
		case JobRunning:
			s.Running = n
		case JobDone:
			s.Done = n
		case JobSkipped:
			s.Skipped = n
		case JobFailedRetryable:
			s.FailedRetryable = n
		case JobFailedExhausted:
			s.FailedExhausted = n
		}
	}
	return s, rows.Err()
}
