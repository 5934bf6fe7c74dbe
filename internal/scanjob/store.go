package scanjob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dedupe/internal/catalog"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/storage"
)

const jobColumns = `id, repository_id, record_limit, total_records, processed, duplicates_found, status,
    started_at, completed_at, last_checkpoint_id, error_message, created_at, updated_at`

// Tracker persists scan jobs.
type Tracker struct {
	q storage.Querier
}

// New returns a Tracker bound to the database handle.
func New(db storage.Querier) *Tracker {
	return &Tracker{q: db}
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job          Job
		repositoryID sql.NullInt64
		limit        sql.NullInt64
		statusStr    string
		startedAt    sql.NullString
		completedAt  sql.NullString
		errorMessage sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&job.ID,
		&repositoryID,
		&limit,
		&job.TotalRecords,
		&job.Processed,
		&job.DuplicatesFound,
		&statusStr,
		&startedAt,
		&completedAt,
		&job.LastCheckpointID,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	job.RepositoryID = storage.Int64FromNull(repositoryID)
	job.Limit = limit.Int64
	job.Status = Status(statusStr)
	job.StartedAt = storage.TimeFromNull(startedAt)
	job.CompletedAt = storage.TimeFromNull(completedAt)
	job.ErrorMessage = errorMessage.String
	if t, err := storage.ParseTime(createdRaw); err == nil {
		job.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	return &job, nil
}

// Create records a pending job over scope. A positive limit caps the number
// of records the scan visits.
func (t *Tracker) Create(ctx context.Context, scope catalog.Scope, total, limit int64) (*Job, error) {
	if total < 0 {
		return nil, dedupeerr.Validation("scanjob", "total records must be non-negative")
	}
	if limit < 0 {
		return nil, dedupeerr.Validation("scanjob", "limit must be non-negative")
	}
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	now := storage.FormatTime(storage.Now())
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO scan_jobs (repository_id, record_limit, total_records, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		storage.NullableInt64(scope.RepositoryID),
		limitArg,
		total,
		StatusPending,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert scan job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("scan job id: %w", err)
	}
	return t.Get(ctx, id)
}

// Get fetches a job by id.
func (t *Tracker) Get(ctx context.Context, id int64) (*Job, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dedupeerr.NotFound("scanjob", fmt.Sprintf("scan job %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get scan job %d: %w", id, err)
	}
	return job, nil
}

// List returns the most recent jobs first.
func (t *Tracker) List(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.q.QueryContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// update runs a conditional status update and converts a miss into a
// not-found or conflict error.
func (t *Tracker) update(ctx context.Context, id int64, op string, allowed []Status, query string, args ...any) (*Job, error) {
	query += ` WHERE id = ? AND status IN (` + storage.Placeholders(len(allowed)) + `)`
	args = append(args, id)
	for _, status := range allowed {
		args = append(args, status)
	}
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s scan job %d: %w", op, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%s scan job %d: %w", op, id, err)
	}
	if affected == 0 {
		job, getErr := t.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, dedupeerr.Conflict("scanjob", fmt.Sprintf("cannot %s scan job %d in status %s", op, id, job.Status))
	}
	return t.Get(ctx, id)
}

// Start moves a job to running. Failed and abandoned running jobs restart
// from their checkpoint; completed jobs cannot be rerun.
func (t *Tracker) Start(ctx context.Context, id int64) (*Job, error) {
	now := storage.FormatTime(storage.Now())
	return t.update(ctx, id, "start",
		[]Status{StatusPending, StatusRunning, StatusFailed},
		`UPDATE scan_jobs SET status = ?, started_at = COALESCE(started_at, ?), error_message = NULL, updated_at = ?`,
		StatusRunning, now, now,
	)
}

// Checkpoint persists progress after a chunk. Processed is monotonic and
// clamped to TotalRecords; duplicatesDelta is added to the running count.
func (t *Tracker) Checkpoint(ctx context.Context, id, processed, lastID, duplicatesDelta int64) (*Job, error) {
	if processed < 0 || duplicatesDelta < 0 {
		return nil, dedupeerr.Validation("scanjob", "checkpoint values must be non-negative")
	}
	return t.update(ctx, id, "checkpoint",
		[]Status{StatusRunning},
		`UPDATE scan_jobs
         SET processed = MIN(total_records, MAX(processed, ?)),
             last_checkpoint_id = MAX(last_checkpoint_id, ?),
             duplicates_found = duplicates_found + ?,
             updated_at = ?`,
		processed, lastID, duplicatesDelta, storage.FormatTime(storage.Now()),
	)
}

// Complete marks a running job finished. Processed keeps its checkpointed
// value; records that left the scope after the job was created (superseded
// by a merge, moved) leave it short of TotalRecords.
func (t *Tracker) Complete(ctx context.Context, id int64) (*Job, error) {
	now := storage.FormatTime(storage.Now())
	return t.update(ctx, id, "complete",
		[]Status{StatusRunning},
		`UPDATE scan_jobs SET status = ?, completed_at = ?, updated_at = ?`,
		StatusCompleted, now, now,
	)
}

// Fail marks a pending or running job failed with reason. The checkpoint is
// kept so the job can resume.
func (t *Tracker) Fail(ctx context.Context, id int64, reason string) (*Job, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown failure"
	}
	return t.update(ctx, id, "fail",
		[]Status{StatusPending, StatusRunning},
		`UPDATE scan_jobs SET status = ?, error_message = ?, updated_at = ?`,
		StatusFailed, reason, storage.FormatTime(storage.Now()),
	)
}

// ReclaimStale fails running jobs whose last checkpoint is older than
// cutoff, returning how many were reclaimed.
func (t *Tracker) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE scan_jobs
         SET status = ?, error_message = 'stale: no checkpoint since ' || updated_at, updated_at = ?
         WHERE status = ? AND updated_at < ?`,
		StatusFailed, storage.FormatTime(storage.Now()), StatusRunning, storage.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale scan jobs: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus totals jobs per status.
func (t *Tracker) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM scan_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count scan jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
