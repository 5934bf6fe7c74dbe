package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/storage"
)

const recordColumns = "id, repository_id, parent_id, position, identifier, title, level, status, superseded_by, created_at, updated_at"

// Store reads and mutates catalog records through a storage.Querier.
type Store struct {
	q storage.Querier
}

// New returns a Store bound to the database handle.
func New(db storage.Querier) *Store {
	return &Store{q: db}
}

// WithTx returns a Store whose statements run inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{q: tx}
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var (
		rec          Record
		repositoryID sql.NullInt64
		parentID     sql.NullInt64
		identifier   sql.NullString
		level        sql.NullString
		statusStr    string
		supersededBy sql.NullInt64
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&rec.ID,
		&repositoryID,
		&parentID,
		&rec.Position,
		&identifier,
		&rec.Title,
		&level,
		&statusStr,
		&supersededBy,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	rec.RepositoryID = storage.Int64FromNull(repositoryID)
	rec.ParentID = storage.Int64FromNull(parentID)
	rec.Identifier = identifier.String
	rec.Level = level.String
	rec.Status = Status(statusStr)
	rec.SupersededBy = storage.Int64FromNull(supersededBy)
	if created, err := storage.ParseTime(createdRaw); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := storage.ParseTime(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	return &rec, nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// InsertRecord adds a record to the catalog.
func (s *Store) InsertRecord(ctx context.Context, rec NewRecord) (*Record, error) {
	if strings.TrimSpace(rec.Title) == "" && strings.TrimSpace(rec.Identifier) == "" {
		return nil, dedupeerr.Validation("catalog", "record needs a title or an identifier")
	}
	position := rec.Position
	if rec.ParentID != nil && position == 0 {
		last, _, err := s.MaxChildPosition(ctx, *rec.ParentID)
		if err != nil {
			return nil, err
		}
		position = last + 1
	}
	now := storage.FormatTime(storage.Now())
	var id any
	if rec.ID > 0 {
		id = rec.ID
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO records (id, repository_id, parent_id, position, identifier, title, level, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		storage.NullableInt64(rec.RepositoryID),
		storage.NullableInt64(rec.ParentID),
		position,
		storage.NullableString(rec.Identifier),
		strings.TrimSpace(rec.Title),
		storage.NullableString(rec.Level),
		StatusActive,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("record id: %w", err)
	}
	return s.Record(ctx, newID)
}

// AddDigitalObject attaches a file to a record.
func (s *Store) AddDigitalObject(ctx context.Context, recordID int64, name, checksum string, size int64) (*DigitalObject, error) {
	if strings.TrimSpace(name) == "" {
		return nil, dedupeerr.Validation("catalog", "digital object name is required")
	}
	now := storage.Now()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO digital_objects (record_id, name, checksum_sha256, size_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		recordID, name, storage.NullableString(strings.ToLower(strings.TrimSpace(checksum))), size, storage.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert digital object: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("digital object id: %w", err)
	}
	return &DigitalObject{ID: id, RecordID: recordID, Name: name, ChecksumSHA256: strings.ToLower(strings.TrimSpace(checksum)), SizeBytes: size, CreatedAt: now}, nil
}

// AddSlug registers a public slug for a record.
func (s *Store) AddSlug(ctx context.Context, slug string, recordID int64) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return dedupeerr.Validation("catalog", "slug is required")
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO slugs (slug, record_id, original_record_id) VALUES (?, ?, ?)`,
		slug, recordID, recordID,
	); err != nil {
		return fmt.Errorf("insert slug: %w", err)
	}
	return nil
}

// Record returns a single record or a NotFound error.
func (s *Store) Record(ctx context.Context, id int64) (*Record, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dedupeerr.NotFound("catalog", fmt.Sprintf("record %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

func scopeClause(scope Scope, args []any) (string, []any) {
	if scope.RepositoryID == nil {
		return "", args
	}
	return " AND repository_id = ?", append(args, *scope.RepositoryID)
}

// CountRecords counts active records in scope.
func (s *Store) CountRecords(ctx context.Context, scope Scope) (int64, error) {
	clause, args := scopeClause(scope, []any{StatusActive})
	var count int64
	if err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM records WHERE status = ?"+clause, args...,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

// ListRecords returns up to limit active records in scope with id > afterID,
// ordered by id, with attachment hashes loaded.
func (s *Store) ListRecords(ctx context.Context, scope Scope, afterID int64, limit int) ([]Record, error) {
	clause, args := scopeClause(scope, []any{StatusActive, afterID})
	args = append(args, limit)
	records, err := s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM records WHERE status = ? AND id > ?"+clause+" ORDER BY id LIMIT ?",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if err := s.loadHashes(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// RecordsByID returns the requested records, ordered by id, with attachment
// hashes loaded. Missing ids are skipped.
func (s *Store) RecordsByID(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM records WHERE id IN ("+storage.Placeholders(len(ids))+") ORDER BY id",
		storage.Int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("records by id: %w", err)
	}
	if err := s.loadHashes(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) loadHashes(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	index := make(map[int64]int, len(records))
	ids := make([]int64, len(records))
	for i, rec := range records {
		index[rec.ID] = i
		ids[i] = rec.ID
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT record_id, checksum_sha256 FROM digital_objects WHERE checksum_sha256 IS NOT NULL AND record_id IN ("+
			storage.Placeholders(len(ids))+") ORDER BY record_id, id",
		storage.Int64Args(ids)...,
	)
	if err != nil {
		return fmt.Errorf("load attachment hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			recordID int64
			checksum string
		)
		if err := rows.Scan(&recordID, &checksum); err != nil {
			return err
		}
		if i, ok := index[recordID]; ok {
			records[i].AttachmentHashes = append(records[i].AttachmentHashes, checksum)
		}
	}
	return rows.Err()
}

// Children returns the direct children of a record in display order.
func (s *Store) Children(ctx context.Context, parentID int64) ([]Record, error) {
	records, err := s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM records WHERE parent_id = ? ORDER BY position, id", parentID)
	if err != nil {
		return nil, fmt.Errorf("children of %d: %w", parentID, err)
	}
	return records, nil
}

// MaxChildPosition returns the highest child position under parentID and
// whether the record has any children.
func (s *Store) MaxChildPosition(ctx context.Context, parentID int64) (int, bool, error) {
	var position sql.NullInt64
	if err := s.q.QueryRowContext(ctx,
		"SELECT MAX(position) FROM records WHERE parent_id = ?", parentID,
	).Scan(&position); err != nil {
		return 0, false, fmt.Errorf("max child position: %w", err)
	}
	return int(position.Int64), position.Valid, nil
}

// DigitalObjects returns the attachments of a record.
func (s *Store) DigitalObjects(ctx context.Context, recordID int64) ([]DigitalObject, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT id, record_id, name, checksum_sha256, size_bytes, created_at FROM digital_objects WHERE record_id = ? ORDER BY id",
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("digital objects of %d: %w", recordID, err)
	}
	defer rows.Close()

	var objects []DigitalObject
	for rows.Next() {
		var (
			obj        DigitalObject
			checksum   sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&obj.ID, &obj.RecordID, &obj.Name, &checksum, &obj.SizeBytes, &createdRaw); err != nil {
			return nil, err
		}
		obj.ChecksumSHA256 = checksum.String
		if created, err := storage.ParseTime(createdRaw); err == nil {
			obj.CreatedAt = created
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

// Slugs returns the slugs currently resolving to a record.
func (s *Store) Slugs(ctx context.Context, recordID int64) ([]Slug, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT slug, record_id, original_record_id, redirected_at FROM slugs WHERE record_id = ? ORDER BY slug",
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("slugs of %d: %w", recordID, err)
	}
	defer rows.Close()
	var slugs []Slug
	for rows.Next() {
		slug, err := scanSlug(rows)
		if err != nil {
			return nil, err
		}
		slugs = append(slugs, *slug)
	}
	return slugs, rows.Err()
}

func scanSlug(scanner interface{ Scan(dest ...any) error }) (*Slug, error) {
	var (
		slug       Slug
		redirected sql.NullString
	)
	if err := scanner.Scan(&slug.Slug, &slug.RecordID, &slug.OriginalRecordID, &redirected); err != nil {
		return nil, err
	}
	slug.RedirectedAt = storage.TimeFromNull(redirected)
	return &slug, nil
}

// ResolveSlug returns the slug row and the record it currently resolves to.
func (s *Store) ResolveSlug(ctx context.Context, value string) (*Slug, *Record, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT slug, record_id, original_record_id, redirected_at FROM slugs WHERE slug = ?", strings.TrimSpace(value))
	slug, err := scanSlug(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, dedupeerr.NotFound("catalog", fmt.Sprintf("slug %q not found", value))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve slug: %w", err)
	}
	rec, err := s.Record(ctx, slug.RecordID)
	if err != nil {
		return nil, nil, err
	}
	return slug, rec, nil
}
