package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"dedupe/internal/dedupeerr"
)

// ImportRecord is the JSON shape accepted by Import.
type ImportRecord struct {
	ID             int64          `json:"id"`
	RepositoryID   *int64         `json:"repository_id,omitempty"`
	ParentID       *int64         `json:"parent_id,omitempty"`
	Position       int            `json:"position,omitempty"`
	Identifier     string         `json:"identifier,omitempty"`
	Title          string         `json:"title"`
	Level          string         `json:"level,omitempty"`
	Slugs          []string       `json:"slugs,omitempty"`
	DigitalObjects []ImportObject `json:"digital_objects,omitempty"`
}

// ImportObject describes an attachment inside an ImportRecord.
type ImportObject struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum_sha256,omitempty"`
	Size     int64  `json:"size_bytes,omitempty"`
}

// ImportSummary counts what Import wrote.
type ImportSummary struct {
	Records        int `json:"records"`
	DigitalObjects int `json:"digital_objects"`
	Slugs          int `json:"slugs"`
}

// Import reads a JSON array of records and inserts them in order. Parents
// must precede their children. Run it on a transaction-bound Store to make
// the import all-or-nothing.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportSummary, error) {
	var payload []ImportRecord
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return ImportSummary{}, dedupeerr.Wrap(dedupeerr.ErrValidation, "catalog", "import", "decode records", err)
	}
	var summary ImportSummary
	for i, item := range payload {
		rec, err := s.InsertRecord(ctx, NewRecord{
			ID:           item.ID,
			RepositoryID: item.RepositoryID,
			ParentID:     item.ParentID,
			Position:     item.Position,
			Identifier:   item.Identifier,
			Title:        item.Title,
			Level:        item.Level,
		})
		if err != nil {
			return summary, fmt.Errorf("import record #%d: %w", i+1, err)
		}
		summary.Records++
		for _, obj := range item.DigitalObjects {
			if _, err := s.AddDigitalObject(ctx, rec.ID, obj.Name, obj.Checksum, obj.Size); err != nil {
				return summary, fmt.Errorf("import record %d attachment %q: %w", rec.ID, obj.Name, err)
			}
			summary.DigitalObjects++
		}
		for _, slug := range item.Slugs {
			if err := s.AddSlug(ctx, slug, rec.ID); err != nil {
				return summary, fmt.Errorf("import record %d slug %q: %w", rec.ID, slug, err)
			}
			summary.Slugs++
		}
	}
	return summary, nil
}
