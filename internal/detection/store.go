package detection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/storage"
)

const detectionColumns = `id, record_a_id, record_b_id, similarity_score, detection_method, status,
    repository_id, scan_job_id, details_json, detected_at, updated_at, reviewed_at, reviewed_by, review_notes`

// Store persists detections through a storage.Querier.
type Store struct {
	q           storage.Querier
	allowReopen bool
}

// Option customizes a Store.
type Option func(*Store)

// WithAllowReopen permits dismissed detections to return to pending.
func WithAllowReopen(allowed bool) Option {
	return func(s *Store) {
		s.allowReopen = allowed
	}
}

// New returns a Store bound to the database handle.
func New(db storage.Querier, opts ...Option) *Store {
	s := &Store{q: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithTx returns a Store whose statements run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx, allowReopen: s.allowReopen}
}

func scanDetection(scanner interface{ Scan(dest ...any) error }) (*Detection, error) {
	var (
		d            Detection
		methodStr    string
		statusStr    string
		repositoryID sql.NullInt64
		scanJobID    sql.NullInt64
		details      sql.NullString
		detectedRaw  string
		updatedRaw   string
		reviewedAt   sql.NullString
		reviewedBy   sql.NullString
		reviewNotes  sql.NullString
	)
	if err := scanner.Scan(
		&d.ID,
		&d.RecordAID,
		&d.RecordBID,
		&d.Score,
		&methodStr,
		&statusStr,
		&repositoryID,
		&scanJobID,
		&details,
		&detectedRaw,
		&updatedRaw,
		&reviewedAt,
		&reviewedBy,
		&reviewNotes,
	); err != nil {
		return nil, err
	}
	d.Method = Method(methodStr)
	d.Status = Status(statusStr)
	d.RepositoryID = storage.Int64FromNull(repositoryID)
	d.ScanJobID = storage.Int64FromNull(scanJobID)
	d.DetailsJSON = details.String
	if t, err := storage.ParseTime(detectedRaw); err == nil {
		d.DetectedAt = t
	}
	if t, err := storage.ParseTime(updatedRaw); err == nil {
		d.UpdatedAt = t
	}
	d.ReviewedAt = storage.TimeFromNull(reviewedAt)
	d.ReviewedBy = reviewedBy.String
	d.ReviewNotes = reviewNotes.String
	return &d, nil
}

func validateUpsert(params *UpsertParams) error {
	params.Pair = NewPair(params.Pair.A, params.Pair.B)
	if !params.Pair.Valid() {
		return dedupeerr.Validation("detection", fmt.Sprintf("invalid record pair %s", params.Pair))
	}
	if math.IsNaN(params.Score) || params.Score < 0 || params.Score > 1 {
		return dedupeerr.Validation("detection", fmt.Sprintf("score %v outside [0,1]", params.Score))
	}
	method, ok := ParseMethod(string(params.Method))
	if !ok {
		return dedupeerr.Validation("detection", fmt.Sprintf("unknown method %q", params.Method))
	}
	params.Method = method
	return nil
}

// Upsert records a candidate pair. A new pair is inserted as pending; an
// existing pending row has its score refreshed. Confirmed and dismissed rows
// are only refreshed (and returned to pending) when Force is set. Merging and
// merged rows are never touched.
//
// Each branch is a single statement guarded by the unique index, so parallel
// scanners racing on the same pair cannot create a second row.
func (s *Store) Upsert(ctx context.Context, params UpsertParams) (UpsertOutcome, error) {
	if err := validateUpsert(&params); err != nil {
		return "", err
	}
	now := storage.FormatTime(storage.Now())

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO duplicate_detections (
            record_a_id, record_b_id, similarity_score, detection_method, status,
            repository_id, scan_job_id, details_json, detected_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(record_a_id, record_b_id, detection_method) DO NOTHING`,
		params.Pair.A,
		params.Pair.B,
		params.Score,
		params.Method,
		StatusPending,
		storage.NullableInt64(params.RepositoryID),
		storage.NullableInt64(params.ScanJobID),
		storage.NullableString(params.DetailsJSON),
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("insert detection %s: %w", params.Pair, err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return "", fmt.Errorf("insert detection %s: %w", params.Pair, err)
	} else if affected > 0 {
		return OutcomeCreated, nil
	}

	refreshable := []any{StatusPending}
	if params.Force {
		refreshable = append(refreshable, StatusConfirmed, StatusDismissed)
	}
	args := []any{
		params.Score,
		storage.NullableString(params.DetailsJSON),
		storage.NullableInt64(params.ScanJobID),
		storage.NullableInt64(params.RepositoryID),
		now,
		StatusPending,
		StatusPending,
		StatusPending,
		StatusPending,
		params.Pair.A,
		params.Pair.B,
		params.Method,
	}
	args = append(args, refreshable...)
	res, err = s.q.ExecContext(ctx,
		`UPDATE duplicate_detections
         SET similarity_score = ?,
             details_json = COALESCE(?, details_json),
             scan_job_id = COALESCE(?, scan_job_id),
             repository_id = COALESCE(?, repository_id),
             updated_at = ?,
             reviewed_at = CASE WHEN status = ? THEN reviewed_at ELSE NULL END,
             reviewed_by = CASE WHEN status = ? THEN reviewed_by ELSE NULL END,
             review_notes = CASE WHEN status = ? THEN review_notes ELSE NULL END,
             status = ?
         WHERE record_a_id = ? AND record_b_id = ? AND detection_method = ?
           AND status IN (`+storage.Placeholders(len(refreshable))+`)`,
		args...,
	)
	if err != nil {
		return "", fmt.Errorf("refresh detection %s: %w", params.Pair, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("refresh detection %s: %w", params.Pair, err)
	}
	if affected == 0 {
		return OutcomeUnchanged, nil
	}
	return OutcomeRefreshed, nil
}

// Get fetches a detection by id.
func (s *Store) Get(ctx context.Context, id int64) (*Detection, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+detectionColumns+` FROM duplicate_detections WHERE id = ?`, id)
	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dedupeerr.NotFound("detection", fmt.Sprintf("detection %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get detection %d: %w", id, err)
	}
	return d, nil
}

// FindByPair returns the detection for the unordered pair and method, or
// nil when none exists.
func (s *Store) FindByPair(ctx context.Context, x, y int64, method Method) (*Detection, error) {
	pair := NewPair(x, y)
	row := s.q.QueryRowContext(ctx,
		`SELECT `+detectionColumns+` FROM duplicate_detections
         WHERE record_a_id = ? AND record_b_id = ? AND detection_method = ?`,
		pair.A, pair.B, method,
	)
	d, err := scanDetection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find detection %s: %w", pair, err)
	}
	return d, nil
}

// Transition moves a detection to status to with a compare-and-set on the
// legal source states. Illegal moves and moves out of terminal states fail
// with a conflict error.
func (s *Store) Transition(ctx context.Context, id int64, to Status, opts TransitionOptions) (*Detection, error) {
	if _, ok := ParseStatus(string(to)); !ok {
		return nil, dedupeerr.Validation("detection", fmt.Sprintf("unknown status %q", to))
	}
	sources := sourcesFor(to)
	if len(sources) == 0 {
		return nil, dedupeerr.Conflict("detection", fmt.Sprintf("no transition leads to %s", to))
	}
	now := storage.Now()

	query := `UPDATE duplicate_detections SET status = ?, updated_at = ?`
	args := []any{to, storage.FormatTime(now)}
	if to != StatusMerging {
		query += `, reviewed_at = ?, reviewed_by = ?, review_notes = COALESCE(?, review_notes)`
		args = append(args, storage.FormatTime(now), storage.NullableString(opts.Actor), storage.NullableString(opts.Notes))
	}
	query += ` WHERE id = ? AND status IN (` + storage.Placeholders(len(sources)) + `)`
	args = append(args, id)
	for _, source := range sources {
		args = append(args, source)
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition detection %d to %s: %w", id, to, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition detection %d to %s: %w", id, to, err)
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, dedupeerr.Conflict("detection", fmt.Sprintf("detection %d is %s; cannot move to %s", id, current.Status, to))
	}
	return s.Get(ctx, id)
}

// Confirm marks a pending detection as a verified duplicate.
func (s *Store) Confirm(ctx context.Context, id int64, opts TransitionOptions) (*Detection, error) {
	return s.Transition(ctx, id, StatusConfirmed, opts)
}

// Dismiss marks a pending or confirmed detection as a false positive.
func (s *Store) Dismiss(ctx context.Context, id int64, opts TransitionOptions) (*Detection, error) {
	return s.Transition(ctx, id, StatusDismissed, opts)
}

// BeginMerge claims a detection for a merge. It must run inside the merge
// transaction so a rollback restores the previous status.
func (s *Store) BeginMerge(ctx context.Context, id int64) (*Detection, error) {
	return s.Transition(ctx, id, StatusMerging, TransitionOptions{})
}

// CommitMerge finishes a merge claimed by BeginMerge.
func (s *Store) CommitMerge(ctx context.Context, id int64, actor string) (*Detection, error) {
	return s.Transition(ctx, id, StatusMerged, TransitionOptions{Actor: actor})
}

// Reopen returns a dismissed detection to pending. Merged detections can
// never be reopened.
func (s *Store) Reopen(ctx context.Context, id int64, actor string) (*Detection, error) {
	if !s.allowReopen {
		return nil, dedupeerr.Conflict("detection", "reopening dismissed detections is disabled (review.allow_reopen)")
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE duplicate_detections
         SET status = ?, updated_at = ?, reviewed_at = NULL, reviewed_by = ?, review_notes = NULL
         WHERE id = ? AND status = ?`,
		StatusPending, storage.FormatTime(storage.Now()), storage.NullableString(actor), id, StatusDismissed,
	)
	if err != nil {
		return nil, fmt.Errorf("reopen detection %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reopen detection %d: %w", id, err)
	}
	if affected == 0 {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, dedupeerr.Conflict("detection", fmt.Sprintf("detection %d is %s; only dismissed detections can be reopened", id, current.Status))
	}
	return s.Get(ctx, id)
}

func filterClause(filter Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		conds = append(conds, `status IN (`+storage.Placeholders(len(filter.Statuses))+`)`)
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if len(filter.Methods) > 0 {
		conds = append(conds, `detection_method IN (`+storage.Placeholders(len(filter.Methods))+`)`)
		for _, method := range filter.Methods {
			args = append(args, method)
		}
	}
	if filter.MinScore > 0 {
		conds = append(conds, `similarity_score >= ?`)
		args = append(args, filter.MinScore)
	}
	if filter.RepositoryID != nil {
		conds = append(conds, `repository_id = ?`)
		args = append(args, *filter.RepositoryID)
	}
	if filter.RecordID > 0 {
		conds = append(conds, `(record_a_id = ? OR record_b_id = ?)`)
		args = append(args, filter.RecordID, filter.RecordID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

// Query returns one page of detections matching filter, highest score
// first. A zero Limit returns every match.
func (s *Store) Query(ctx context.Context, filter Filter) (Page, error) {
	if filter.MinScore < 0 || filter.MinScore > 1 {
		return Page{}, dedupeerr.Validation("detection", fmt.Sprintf("min score %v outside [0,1]", filter.MinScore))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return Page{}, dedupeerr.Validation("detection", "limit and offset must be non-negative")
	}
	where, args := filterClause(filter)
	page := Page{Limit: filter.Limit, Offset: filter.Offset}

	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM duplicate_detections`+where, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count detections: %w", err)
	}

	limit := filter.Limit
	if limit == 0 {
		limit = -1
	}
	query := `SELECT ` + detectionColumns + ` FROM duplicate_detections` + where +
		` ORDER BY similarity_score DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := s.q.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, *d)
	}
	return page, rows.Err()
}

// Stats summarizes detections. Merges reviewed at or after since count as
// recent.
func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	stats := Stats{
		ByStatus:         make(map[Status]int, len(allStatuses)),
		PendingByMethod:  make(map[Method]int, len(allMethods)),
		RecentMergeSince: since,
	}
	for _, status := range allStatuses {
		stats.ByStatus[status] = 0
	}

	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM duplicate_detections GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}

	rows, err = s.q.QueryContext(ctx,
		`SELECT detection_method, COUNT(*) FROM duplicate_detections WHERE status = ? GROUP BY detection_method`,
		StatusPending,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("count pending by method: %w", err)
	}
	for rows.Next() {
		var (
			method string
			count  int
		)
		if err := rows.Scan(&method, &count); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.PendingByMethod[Method(method)] = count
	}
	if err := rows.Close(); err != nil {
		return Stats{}, err
	}

	var avg sql.NullFloat64
	if err := s.q.QueryRowContext(ctx, `SELECT AVG(similarity_score) FROM duplicate_detections`).Scan(&avg); err != nil {
		return Stats{}, fmt.Errorf("average score: %w", err)
	}
	stats.AverageScore = avg.Float64

	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_detections WHERE status = ? AND reviewed_at >= ?`,
		StatusMerged, storage.FormatTime(since),
	).Scan(&stats.RecentMerges); err != nil {
		return Stats{}, fmt.Errorf("recent merges: %w", err)
	}
	return stats, nil
}

// TopRecords returns the records that appear in the most pending
// detections, a cheap way to spot duplicate clusters.
func (s *Store) TopRecords(ctx context.Context, limit int) ([]RecordFrequency, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT record_id, COUNT(*) AS occurrences FROM (
            SELECT record_a_id AS record_id FROM duplicate_detections WHERE status = ?
            UNION ALL
            SELECT record_b_id AS record_id FROM duplicate_detections WHERE status = ?
        ) GROUP BY record_id ORDER BY occurrences DESC, record_id ASC LIMIT ?`,
		StatusPending, StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("top records: %w", err)
	}
	defer rows.Close()

	var out []RecordFrequency
	for rows.Next() {
		var freq RecordFrequency
		if err := rows.Scan(&freq.RecordID, &freq.Count); err != nil {
			return nil, err
		}
		out = append(out, freq)
	}
	return out, rows.Err()
}
