package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/storage"
)

const logColumns = `id, reference, detection_id, primary_id, secondary_id, digital_objects_moved,
    children_moved, slugs_redirected, secondary_snapshot, snapshot_encoding, performed_by, performed_at,
    notes, field_choices`

// LogStore appends and reads merge logs. Entries are never updated or
// deleted; the schema rejects both.
type LogStore struct {
	q storage.Querier
}

// NewLogStore returns a LogStore bound to the database handle.
func NewLogStore(db storage.Querier) *LogStore {
	return &LogStore{q: db}
}

// WithTx returns a LogStore whose statements run inside tx.
func (s *LogStore) WithTx(tx *sql.Tx) *LogStore {
	return &LogStore{q: tx}
}

func scanLog(scanner interface{ Scan(dest ...any) error }) (*Log, error) {
	var (
		entry       Log
		payload     []byte
		performedAt string
		notes       sql.NullString
		choices     sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.Reference,
		&entry.DetectionID,
		&entry.PrimaryID,
		&entry.SecondaryID,
		&entry.DigitalObjectsMoved,
		&entry.ChildrenMoved,
		&entry.SlugsRedirected,
		&payload,
		&entry.SnapshotEncoding,
		&entry.PerformedBy,
		&performedAt,
		&notes,
		&choices,
	); err != nil {
		return nil, err
	}
	entry.Notes = notes.String
	if choices.Valid && choices.String != "" {
		if err := json.Unmarshal([]byte(choices.String), &entry.FieldChoices); err != nil {
			return nil, fmt.Errorf("merge log %d field choices: %w", entry.ID, err)
		}
	}
	snapshot, err := decodeSnapshot(payload, entry.SnapshotEncoding)
	if err != nil {
		return nil, fmt.Errorf("merge log %d: %w", entry.ID, err)
	}
	entry.Snapshot = snapshot
	if t, err := storage.ParseTime(performedAt); err == nil {
		entry.PerformedAt = t
	}
	return &entry, nil
}

// Insert appends entry and returns its id.
func (s *LogStore) Insert(ctx context.Context, entry Log) (int64, error) {
	if strings.TrimSpace(entry.Reference) == "" {
		return 0, errors.New("merge log reference is required")
	}
	payload, encoding, err := encodeSnapshot(entry.Snapshot)
	if err != nil {
		return 0, err
	}
	var choices any
	if len(entry.FieldChoices) > 0 {
		raw, err := json.Marshal(entry.FieldChoices)
		if err != nil {
			return 0, fmt.Errorf("encode field choices: %w", err)
		}
		choices = string(raw)
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO merge_logs (
            reference, detection_id, primary_id, secondary_id, digital_objects_moved,
            children_moved, slugs_redirected, secondary_snapshot, snapshot_encoding, performed_by, performed_at,
            notes, field_choices
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Reference,
		entry.DetectionID,
		entry.PrimaryID,
		entry.SecondaryID,
		entry.DigitalObjectsMoved,
		entry.ChildrenMoved,
		entry.SlugsRedirected,
		payload,
		encoding,
		entry.PerformedBy,
		storage.FormatTime(entry.PerformedAt),
		storage.NullableString(entry.Notes),
		choices,
	)
	if err != nil {
		return 0, fmt.Errorf("insert merge log: %w", err)
	}
	return res.LastInsertId()
}

// ByDetection returns the log written for a detection's merge.
func (s *LogStore) ByDetection(ctx context.Context, detectionID int64) (*Log, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+logColumns+` FROM merge_logs WHERE detection_id = ?`, detectionID)
	entry, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dedupeerr.NotFound("merge", fmt.Sprintf("no merge log for detection %d", detectionID))
	}
	if err != nil {
		return nil, fmt.Errorf("merge log for detection %d: %w", detectionID, err)
	}
	return entry, nil
}

// List returns logs matching filter, newest first.
func (s *LogStore) List(ctx context.Context, filter LogFilter) ([]Log, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RecordID > 0 {
		conds = append(conds, `(primary_id = ? OR secondary_id = ?)`)
		args = append(args, filter.RecordID, filter.RecordID)
	}
	if actor := strings.TrimSpace(filter.PerformedBy); actor != "" {
		conds = append(conds, `performed_by = ?`)
		args = append(args, actor)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, `performed_at >= ?`)
		args = append(args, storage.FormatTime(filter.Since))
	}
	query := `SELECT ` + logColumns + ` FROM merge_logs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		entry, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *entry)
	}
	return logs, rows.Err()
}

// Count returns the number of merge logs.
func (s *LogStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_logs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count merge logs: %w", err)
	}
	return count, nil
}
