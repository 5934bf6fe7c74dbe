package catalog

import (
	"context"
	"fmt"
	"time"

	"dedupe/internal/dedupeerr"
	"dedupe/internal/storage"
)

// IsAncestor reports whether ancestorID appears on the parent chain of id.
// A record is not its own ancestor. Existing cycles terminate the walk.
func (s *Store) IsAncestor(ctx context.Context, ancestorID, id int64) (bool, error) {
	var found int
	err := s.q.QueryRowContext(ctx, `
WITH RECURSIVE chain(id) AS (
    SELECT parent_id FROM records WHERE id = ? AND parent_id IS NOT NULL
    UNION
    SELECT r.parent_id FROM records r JOIN chain c ON r.id = c.id WHERE r.parent_id IS NOT NULL
)
SELECT COUNT(1) FROM chain WHERE id = ?`, id, ancestorID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("walk ancestors of record %d: %w", id, err)
	}
	return found > 0, nil
}

// ReparentChildren moves every direct child of from under to. Moved children
// keep their relative order and are appended after to's existing children.
func (s *Store) ReparentChildren(ctx context.Context, from, to int64) (int64, error) {
	children, err := s.Children(ctx, from)
	if err != nil {
		return 0, err
	}
	if len(children) == 0 {
		return 0, nil
	}
	base, hasChildren, err := s.MaxChildPosition(ctx, to)
	if err != nil {
		return 0, err
	}
	if !hasChildren {
		base = 0
	}
	now := storage.FormatTime(storage.Now())
	for i, child := range children {
		if _, err := s.q.ExecContext(ctx,
			"UPDATE records SET parent_id = ?, position = ?, updated_at = ? WHERE id = ? AND parent_id = ?",
			to, base+i+1, now, child.ID, from,
		); err != nil {
			return int64(i), fmt.Errorf("reparent record %d: %w", child.ID, err)
		}
	}
	return int64(len(children)), nil
}

// MoveDigitalObjects reassigns every attachment of from to to.
func (s *Store) MoveDigitalObjects(ctx context.Context, from, to int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, "UPDATE digital_objects SET record_id = ? WHERE record_id = ?", to, from)
	if err != nil {
		return 0, fmt.Errorf("move digital objects: %w", err)
	}
	return res.RowsAffected()
}

// RedirectSlugs repoints every slug resolving to from so it resolves to to.
// Slugs are never deleted; original_record_id keeps the historical target.
func (s *Store) RedirectSlugs(ctx context.Context, from, to int64, at time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE slugs SET record_id = ?, redirected_at = ? WHERE record_id = ?",
		to, storage.FormatTime(at), from,
	)
	if err != nil {
		return 0, fmt.Errorf("redirect slugs: %w", err)
	}
	return res.RowsAffected()
}

// MarkSuperseded archives id in favour of by. It fails with a
// SupersededError when the record is no longer active.
func (s *Store) MarkSuperseded(ctx context.Context, id, by int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE records SET status = ?, superseded_by = ?, updated_at = ? WHERE id = ? AND status = ?",
		StatusSuperseded, by, storage.FormatTime(at), id, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("mark record %d superseded: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark record %d superseded: %w", id, err)
	}
	if affected == 0 {
		rec, getErr := s.Record(ctx, id)
		if getErr != nil {
			return getErr
		}
		supersededBy := int64(0)
		if rec.SupersededBy != nil {
			supersededBy = *rec.SupersededBy
		}
		return &dedupeerr.SupersededError{RecordID: id, SupersededBy: supersededBy}
	}
	return nil
}

// Description holds the descriptive fields a merge can carry from one
// record to another.
type Description struct {
	Title      string
	Identifier string
	Level      string
}

// Description returns the record's descriptive fields.
func (r Record) Description() Description {
	return Description{Title: r.Title, Identifier: r.Identifier, Level: r.Level}
}

// SetDescription overwrites the descriptive fields of an active record.
func (s *Store) SetDescription(ctx context.Context, id int64, d Description, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE records SET title = ?, identifier = ?, level = ?, updated_at = ? WHERE id = ? AND status = ?",
		d.Title, storage.NullableString(d.Identifier), storage.NullableString(d.Level), storage.FormatTime(at), id, StatusActive,
	)
	if err != nil {
		return fmt.Errorf("describe record %d: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return dedupeerr.NotFound("catalog", fmt.Sprintf("active record %d not found", id))
	}
	return nil
}

// Touch bumps updated_at on a record, claiming its row inside the current
// write transaction.
func (s *Store) Touch(ctx context.Context, id int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx, "UPDATE records SET updated_at = ? WHERE id = ?", storage.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch record %d: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return dedupeerr.NotFound("catalog", fmt.Sprintf("record %d not found", id))
	}
	return nil
}
