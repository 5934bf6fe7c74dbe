package catalog_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"dedupe/internal/catalog"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/testsupport"
)

func newStore(t *testing.T) (*catalog.Store, func(func(*catalog.Store) error) error) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpen(t, cfg)
	store := catalog.New(db)
	inTx := func(fn func(*catalog.Store) error) error {
		return db.WithTx(context.Background(), func(tx *sql.Tx) error {
			return fn(store.WithTx(tx))
		})
	}
	return store, inTx
}

func TestListRecordsScopesAndLoadsHashes(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 1, Repository: 10, Title: "Minutes 1901", Attachments: []string{"aa", "bb"}})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 2, Repository: 20, Title: "Ledger"})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 3, Repository: 10, Title: "Minutes 1902"})

	count, err := store.CountRecords(ctx, catalog.Repository(10))
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 records in repository 10, got %d", count)
	}

	records, err := store.ListRecords(ctx, catalog.Repository(10), 0, 10)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(records) != 2 || records[0].ID != 1 || records[1].ID != 3 {
		t.Fatalf("unexpected records: %+v", records)
	}
	if strings.Join(records[0].AttachmentHashes, ",") != "aa,bb" {
		t.Fatalf("unexpected hashes: %v", records[0].AttachmentHashes)
	}

	after, err := store.ListRecords(ctx, catalog.AllRecords, 1, 1)
	if err != nil {
		t.Fatalf("ListRecords after: %v", err)
	}
	if len(after) != 1 || after[0].ID != 2 {
		t.Fatalf("expected record 2 after checkpoint 1, got %+v", after)
	}
}

func TestInsertAppendsChildPositions(t *testing.T) {
	store, _ := newStore(t)
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 1, Title: "Fonds"})
	a := testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 2, Parent: 1, Title: "Series A"})
	b := testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 3, Parent: 1, Title: "Series B"})
	if a.Position != 1 || b.Position != 2 {
		t.Fatalf("unexpected positions %d, %d", a.Position, b.Position)
	}
}

func TestIsAncestorWalksWholeChain(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 1, Title: "Fonds"})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 2, Parent: 1, Title: "Series"})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 3, Parent: 2, Title: "File"})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 4, Title: "Other fonds"})

	cases := []struct {
		ancestor, id int64
		want         bool
	}{
		{1, 2, true},
		{1, 3, true},
		{2, 3, true},
		{3, 1, false},
		{3, 3, false},
		{4, 3, false},
	}
	for _, tc := range cases {
		got, err := store.IsAncestor(ctx, tc.ancestor, tc.id)
		if err != nil {
			t.Fatalf("IsAncestor(%d, %d): %v", tc.ancestor, tc.id, err)
		}
		if got != tc.want {
			t.Fatalf("IsAncestor(%d, %d) = %v, want %v", tc.ancestor, tc.id, got, tc.want)
		}
	}
}

func TestRecordNotFound(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Record(context.Background(), 404)
	if !errors.Is(err, dedupeerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMergeMutationsPreserveOrderAndSlugs(t *testing.T) {
	store, inTx := newStore(t)
	ctx := context.Background()
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 100, Title: "Primary", Slugs: []string{"primary"}})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 101, Parent: 100, Title: "P1"})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 200, Title: "Secondary", Attachments: []string{"c1", "c2"}, Slugs: []string{"secondary", "secondary-old"}})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 201, Parent: 200, Title: "S1"})
	testsupport.MustRecord(t, store, testsupport.RecordSpec{ID: 202, Parent: 200, Title: "S2"})

	now := time.Now()
	var moved, objects, slugs int64
	err := inTx(func(tx *catalog.Store) error {
		var err error
		if moved, err = tx.ReparentChildren(ctx, 200, 100); err != nil {
			return err
		}
		if objects, err = tx.MoveDigitalObjects(ctx, 200, 100); err != nil {
			return err
		}
		if slugs, err = tx.RedirectSlugs(ctx, 200, 100, now); err != nil {
			return err
		}
		return tx.MarkSuperseded(ctx, 200, 100, now)
	})
	if err != nil {
		t.Fatalf("merge mutations: %v", err)
	}
	if moved != 2 || objects != 2 || slugs != 2 {
		t.Fatalf("unexpected counts moved=%d objects=%d slugs=%d", moved, objects, slugs)
	}

	children, err := store.Children(ctx, 100)
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	var titles []string
	for _, child := range children {
		titles = append(titles, child.Title)
	}
	if strings.Join(titles, ",") != "P1,S1,S2" {
		t.Fatalf("unexpected child order: %v", titles)
	}

	slug, rec, err := store.ResolveSlug(ctx, "secondary-old")
	if err != nil {
		t.Fatalf("ResolveSlug: %v", err)
	}
	if rec.ID != 100 || slug.OriginalRecordID != 200 || !slug.Redirected() || slug.RedirectedAt == nil {
		t.Fatalf("unexpected slug resolution: %+v -> %d", slug, rec.ID)
	}

	secondary, err := store.Record(ctx, 200)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if secondary.Status != catalog.StatusSuperseded || secondary.SupersededBy == nil || *secondary.SupersededBy != 100 {
		t.Fatalf("unexpected secondary state: %+v", secondary)
	}

	if err := store.MarkSuperseded(ctx, 200, 100, now); !errors.Is(err, dedupeerr.ErrSuperseded) {
		t.Fatalf("expected superseded error on second archive, got %v", err)
	}
	count, err := store.CountRecords(ctx, catalog.AllRecords)
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 4 {
		t.Fatalf("superseded record should be excluded from counts, got %d", count)
	}
}

func TestImportInsertsRecordsInTransaction(t *testing.T) {
	store, inTx := newStore(t)
	ctx := context.Background()
	payload := `[
      {"id": 1, "repository_id": 5, "title": "Fonds", "slugs": ["fonds"]},
      {"id": 2, "parent_id": 1, "title": "Item", "identifier": "F-1",
       "digital_objects": [{"name": "scan.tif", "checksum_sha256": "ABC"}]}
    ]`
	var summary catalog.ImportSummary
	if err := inTx(func(tx *catalog.Store) error {
		var err error
		summary, err = tx.Import(ctx, strings.NewReader(payload))
		return err
	}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if summary.Records != 2 || summary.DigitalObjects != 1 || summary.Slugs != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	objects, err := store.DigitalObjects(ctx, 2)
	if err != nil {
		t.Fatalf("DigitalObjects: %v", err)
	}
	if len(objects) != 1 || objects[0].ChecksumSHA256 != "abc" {
		t.Fatalf("expected lowercased checksum, got %+v", objects)
	}

	bad := `[{"id": 3, "title": "ok"}, {"id": 4, "parent_id": 999, "title": "orphan"}]`
	if err := inTx(func(tx *catalog.Store) error {
		_, err := tx.Import(ctx, strings.NewReader(bad))
		return err
	}); err == nil {
		t.Fatal("expected orphan import to fail")
	}
	if _, err := store.Record(ctx, 3); !errors.Is(err, dedupeerr.ErrNotFound) {
		t.Fatalf("failed import should roll back, got %v", err)
	}
}

func TestParseScope(t *testing.T) {
	cases := map[string]string{"": "all", "all": "all", "7": "repository:7", "repository:9": "repository:9"}
	for input, want := range cases {
		scope, err := catalog.ParseScope(input)
		if err != nil {
			t.Fatalf("ParseScope(%q): %v", input, err)
		}
		if scope.String() != want {
			t.Fatalf("ParseScope(%q) = %s, want %s", input, scope, want)
		}
	}
	if _, err := catalog.ParseScope("-1"); err == nil {
		t.Fatal("expected error for negative id")
	}
}
