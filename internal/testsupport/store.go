package testsupport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"dedupe/internal/catalog"
	"dedupe/internal/config"
	"dedupe/internal/storage"
)

// MustOpen opens the database for tests and registers cleanup.
func MustOpen(t testing.TB, cfg *config.Config) *storage.DB {
	t.Helper()

	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// RecordSpec describes a fixture record.
type RecordSpec struct {
	ID          int64
	Repository  int64
	Parent      int64
	Identifier  string
	Title       string
	Level       string
	Attachments []string
	Slugs       []string
}

// MustRecord inserts a record with its attachments and slugs. Attachment
// entries are used as checksums; names are derived from them.
func MustRecord(t testing.TB, store *catalog.Store, spec RecordSpec) *catalog.Record {
	t.Helper()

	ctx := context.Background()
	rec := catalog.NewRecord{
		ID:         spec.ID,
		Identifier: spec.Identifier,
		Title:      spec.Title,
		Level:      spec.Level,
	}
	if spec.Repository != 0 {
		repo := spec.Repository
		rec.RepositoryID = &repo
	}
	if spec.Parent != 0 {
		parent := spec.Parent
		rec.ParentID = &parent
	}
	created, err := store.InsertRecord(ctx, rec)
	if err != nil {
		t.Fatalf("InsertRecord(%d): %v", spec.ID, err)
	}
	for i, checksum := range spec.Attachments {
		name := fmt.Sprintf("object-%d-%d.tif", created.ID, i+1)
		if _, err := store.AddDigitalObject(ctx, created.ID, name, checksum, int64(1024*(i+1))); err != nil {
			t.Fatalf("AddDigitalObject: %v", err)
		}
	}
	for _, slug := range spec.Slugs {
		if err := store.AddSlug(ctx, slug, created.ID); err != nil {
			t.Fatalf("AddSlug(%s): %v", slug, err)
		}
	}
	return created
}

// MustDetection inserts a detection row with a fixed id, bypassing the
// scanner.
func MustDetection(t testing.TB, db *storage.DB, id, a, b int64, status string) {
	t.Helper()

	if a > b {
		a, b = b, a
	}
	now := storage.FormatTime(storage.Now())
	if _, err := db.ExecContext(context.Background(),
		`INSERT INTO duplicate_detections (id, record_a_id, record_b_id, similarity_score, detection_method, status, detected_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, a, b, 0.93, "composite", status, now, now,
	); err != nil {
		t.Fatalf("insert detection %d: %v", id, err)
	}
}

var hashedTables = []string{"records", "digital_objects", "slugs", "duplicate_detections", "scan_jobs", "detection_rules", "merge_logs"}

// StateHash fingerprints every row of every dedupe table so tests can prove
// an operation wrote nothing.
func StateHash(t testing.TB, db *storage.DB) string {
	t.Helper()

	h := sha256.New()
	for _, table := range hashedTables {
		rows, err := db.QueryContext(context.Background(), "SELECT * FROM "+table+" ORDER BY 1")
		if err != nil {
			t.Fatalf("hash %s: %v", table, err)
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			t.Fatalf("hash %s columns: %v", table, err)
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				t.Fatalf("hash %s row: %v", table, err)
			}
			fmt.Fprintf(h, "%s|%v\n", table, values)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			t.Fatalf("hash %s rows: %v", table, err)
		}
		rows.Close()
	}
	return hex.EncodeToString(h.Sum(nil))
}
