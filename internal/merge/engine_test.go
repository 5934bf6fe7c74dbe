package merge_test

import (
	"context"
	"errors"
	"testing"

	"dedupe/internal/catalog"
	"dedupe/internal/config"
	"dedupe/internal/dedupeerr"
	"dedupe/internal/detection"
	"dedupe/internal/logging"
	"dedupe/internal/merge"
	"dedupe/internal/storage"
	"dedupe/internal/testsupport"
)

type fixture struct {
	db         *storage.DB
	catalog    *catalog.Store
	detections *detection.Store
	engine     *merge.Engine
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	db := testsupport.MustOpen(t, cfg)
	return &fixture{
		db:         db,
		catalog:    catalog.New(db),
		detections: detection.New(db),
		engine:     merge.NewEngine(db, cfg, logging.NewNop()),
	}
}

// seedExample builds record 100 (3 children, 2 attachments) and record 200
// (no children, 5 attachments), each with one slug, plus detection 42.
func (f *fixture) seedExample(t *testing.T) {
	t.Helper()
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{
		ID: 100, Repository: 1, Title: "Annual report 1901", Identifier: "AR-1901",
		Attachments: []string{"a1", "a2"}, Slugs: []string{"annual-report-1901"},
	})
	for _, id := range []int64{101, 102, 103} {
		testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: id, Repository: 1, Parent: 100, Title: "Section"})
	}
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{
		ID: 200, Repository: 1, Title: "Annual report, 1901", Identifier: "ar 1901",
		Attachments: []string{"b1", "b2", "b3", "b4", "b5"}, Slugs: []string{"annual-report-1901-2"},
	})
	testsupport.MustDetection(t, f.db, 42, 100, 200, "confirmed")
}

func TestMergeExampleDetection(t *testing.T) {
	f := newFixture(t)
	f.seedExample(t)
	ctx := context.Background()

	result, err := f.engine.Merge(ctx, 42, 100, "archivist")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if result.DigitalObjectsMoved != 5 || result.ChildrenMoved != 0 || result.SlugsRedirected != 1 {
		t.Fatalf("unexpected counts %+v", result)
	}
	if result.SecondaryID != 200 || result.Reference == "" || result.LogID == 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	children, _ := f.catalog.Children(ctx, 100)
	objects, _ := f.catalog.DigitalObjects(ctx, 100)
	if len(children) != 3 || len(objects) != 7 {
		t.Fatalf("primary should have 3 children and 7 objects, got %d and %d", len(children), len(objects))
	}
	leftoverChildren, _ := f.catalog.Children(ctx, 200)
	leftoverObjects, _ := f.catalog.DigitalObjects(ctx, 200)
	if len(leftoverChildren) != 0 || len(leftoverObjects) != 0 {
		t.Fatal("secondary must be emptied")
	}

	secondary, _ := f.catalog.Record(ctx, 200)
	if secondary.Status != catalog.StatusSuperseded || *secondary.SupersededBy != 100 {
		t.Fatalf("secondary not archived: %+v", secondary)
	}
	_, target, err := f.catalog.ResolveSlug(ctx, "annual-report-1901-2")
	if err != nil || target.ID != 100 {
		t.Fatalf("old slug should resolve to primary: %+v err=%v", target, err)
	}

	d, _ := f.detections.Get(ctx, 42)
	if d.Status != detection.StatusMerged || d.ReviewedAt == nil || d.ReviewedBy != "archivist" {
		t.Fatalf("unexpected detection %+v", d)
	}

	entry, err := f.engine.LogByDetection(ctx, 42)
	if err != nil {
		t.Fatalf("LogByDetection: %v", err)
	}
	if entry.Reference != result.Reference || entry.SnapshotEncoding != merge.EncodingJSONZstd {
		t.Fatalf("unexpected log %+v", entry)
	}
	snap := entry.Snapshot
	if snap.Record.ID != 200 || snap.Record.Status != "active" || len(snap.DigitalObjects) != 5 || len(snap.Slugs) != 1 || len(snap.Children) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if _, err := f.db.ExecContext(ctx, "DELETE FROM merge_logs WHERE id = ?", entry.ID); err == nil {
		t.Fatal("merge logs must be immutable")
	}
}

func TestSecondMergeConflictsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	f.seedExample(t)
	ctx := context.Background()
	if _, err := f.engine.Merge(ctx, 42, 100, "archivist"); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	before := testsupport.StateHash(t, f.db)

	_, err := f.engine.Merge(ctx, 42, 100, "archivist")
	if !errors.Is(err, dedupeerr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if after := testsupport.StateHash(t, f.db); after != before {
		t.Fatal("second merge mutated state")
	}
	logs, err := f.engine.Logs(ctx, merge.LogFilter{RecordID: 100})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected exactly one merge log, got %d", len(logs))
	}
}

func TestPreviewMatchesMergeAndWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedExample(t)
	ctx := context.Background()

	before := testsupport.StateHash(t, f.db)
	plan, err := f.engine.Preview(ctx, 42, 100)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if after := testsupport.StateHash(t, f.db); after != before {
		t.Fatal("preview mutated state")
	}
	if plan.PrimaryChildren != 3 || plan.PrimaryDigitalObjects != 7 || plan.SecondaryID != 200 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	result, err := f.engine.Merge(ctx, 42, 100, "archivist")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if plan.ChildrenMoved != result.ChildrenMoved ||
		plan.DigitalObjectsMoved != result.DigitalObjectsMoved ||
		plan.SlugsRedirected != result.SlugsRedirected {
		t.Fatalf("preview %+v disagrees with merge %+v", plan, result)
	}

	if _, err := f.engine.Preview(ctx, 42, 100); !errors.Is(err, dedupeerr.ErrConflict) {
		t.Fatalf("preview of merged detection should conflict, got %v", err)
	}
}

func TestMergeChildrenKeepOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 1, Title: "Fonds A"})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 2, Parent: 1, Title: "A-1"})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 5, Title: "Fonds A copy"})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 6, Parent: 5, Title: "B-1"})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 7, Parent: 5, Title: "B-2"})
	testsupport.MustDetection(t, f.db, 1, 1, 5, "pending")

	result, err := f.engine.Merge(ctx, 1, 1, "archivist")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if result.ChildrenMoved != 2 {
		t.Fatalf("expected 2 children moved, got %d", result.ChildrenMoved)
	}
	children, _ := f.catalog.Children(ctx, 1)
	var titles []string
	for _, child := range children {
		titles = append(titles, child.Title)
	}
	if len(titles) != 3 || titles[0] != "A-1" || titles[1] != "B-1" || titles[2] != "B-2" {
		t.Fatalf("unexpected order %v", titles)
	}
}

func TestMergeAgainstSupersededRecord(t *testing.T) {
	for _, policy := range []string{config.SupersededPolicyFail, config.SupersededPolicyDismiss} {
		t.Run(policy, func(t *testing.T) {
			f := newFixture(t, testsupport.WithSupersededPolicy(policy))
			f.seedExample(t)
			ctx := context.Background()
			testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 300, Title: "Annual report 1901 (dup)", Attachments: []string{"c1"}})
			testsupport.MustDetection(t, f.db, 43, 200, 300, "pending")

			if _, err := f.engine.Merge(ctx, 42, 100, "archivist"); err != nil {
				t.Fatalf("first merge: %v", err)
			}
			before := testsupport.StateHash(t, f.db)

			_, err := f.engine.Merge(ctx, 43, 300, "archivist")
			var superseded *dedupeerr.SupersededError
			if !errors.As(err, &superseded) || superseded.RecordID != 200 || superseded.SupersededBy != 100 {
				t.Fatalf("expected superseded error for record 200, got %v", err)
			}

			d, _ := f.detections.Get(ctx, 43)
			if policy == config.SupersededPolicyFail {
				if after := testsupport.StateHash(t, f.db); after != before {
					t.Fatal("refused merge mutated state")
				}
				if d.Status != detection.StatusPending {
					t.Fatalf("detection should stay pending, got %s", d.Status)
				}
				return
			}
			if d.Status != detection.StatusDismissed || d.ReviewNotes != "superseded by merge" {
				t.Fatalf("detection should be dismissed, got %+v", d)
			}
			objects, _ := f.catalog.DigitalObjects(ctx, 300)
			if len(objects) != 1 {
				t.Fatal("refused merge moved objects")
			}
		})
	}
}

func TestMergeValidation(t *testing.T) {
	f := newFixture(t)
	f.seedExample(t)
	ctx := context.Background()
	if _, err := f.engine.Merge(ctx, 42, 999, "archivist"); !errors.Is(err, dedupeerr.ErrValidation) {
		t.Fatalf("foreign primary should fail validation, got %v", err)
	}
	if _, err := f.engine.Merge(ctx, 42, 100, "  "); !errors.Is(err, dedupeerr.ErrValidation) {
		t.Fatalf("empty actor should fail validation, got %v", err)
	}
	if _, err := f.engine.Merge(ctx, 7, 100, "archivist"); !errors.Is(err, dedupeerr.ErrNotFound) {
		t.Fatalf("missing detection should be not found, got %v", err)
	}
	testsupport.MustDetection(t, f.db, 50, 100, 103, "dismissed")
	if _, err := f.engine.Merge(ctx, 50, 100, "archivist"); !errors.Is(err, dedupeerr.ErrConflict) {
		t.Fatalf("dismissed detection should conflict, got %v", err)
	}
}

func TestMergeRefusesPrimaryNestedUnderSecondary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 10, Title: "Minutes", Attachments: []string{"m1"}})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 11, Parent: 10, Title: "Minutes"})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 12, Parent: 10, Title: "Agenda"})
	testsupport.MustRecord(t, f.catalog, testsupport.RecordSpec{ID: 13, Parent: 12, Title: "Minutes"})
	testsupport.MustDetection(t, f.db, 7, 10, 11, "pending")
	testsupport.MustDetection(t, f.db, 8, 10, 13, "confirmed")
	before := testsupport.StateHash(t, f.db)

	for _, tc := range []struct {
		detection, primary int64
	}{
		{7, 11},
		{8, 13},
	} {
		if _, err := f.engine.Preview(ctx, tc.detection, tc.primary); !errors.Is(err, dedupeerr.ErrValidation) {
			t.Fatalf("preview of detection %d with primary %d should fail validation, got %v", tc.detection, tc.primary, err)
		}
		if _, err := f.engine.Merge(ctx, tc.detection, tc.primary, "archivist"); !errors.Is(err, dedupeerr.ErrValidation) {
			t.Fatalf("merge of detection %d with primary %d should fail validation, got %v", tc.detection, tc.primary, err)
		}
	}
	if after := testsupport.StateHash(t, f.db); after != before {
		t.Fatal("refused merge mutated state")
	}
	d, _ := f.detections.Get(ctx, 7)
	if d.Status != detection.StatusPending {
		t.Fatalf("detection should stay pending, got %s", d.Status)
	}

	result, err := f.engine.Merge(ctx, 7, 10, "archivist")
	if err != nil {
		t.Fatalf("merge with the ancestor as primary: %v", err)
	}
	if result.ChildrenMoved != 0 {
		t.Fatalf("expected no children moved, got %d", result.ChildrenMoved)
	}
	primary, _ := f.catalog.Record(ctx, 10)
	if primary.ParentID != nil {
		t.Fatalf("primary must stay a root, got parent %d", *primary.ParentID)
	}
}

func TestMergeTakesChosenFieldsAndRecordsNotes(t *testing.T) {
	f := newFixture(t)
	f.seedExample(t)
	ctx := context.Background()

	if _, err := f.engine.Preview(ctx, 42, 100, merge.TakeFields("date")); !errors.Is(err, dedupeerr.ErrValidation) {
		t.Fatalf("unknown field should fail validation, got %v", err)
	}
	before := testsupport.StateHash(t, f.db)
	plan, err := f.engine.Preview(ctx, 42, 100, merge.TakeFields(" Identifier "))
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if after := testsupport.StateHash(t, f.db); after != before {
		t.Fatal("preview mutated state")
	}
	if len(plan.FieldChanges) != 1 || plan.FieldChanges[0] != (merge.FieldChange{Field: "identifier", From: "AR-1901", To: "ar 1901"}) {
		t.Fatalf("unexpected planned changes %+v", plan.FieldChanges)
	}

	result, err := f.engine.Merge(ctx, 42, 100, "archivist",
		merge.WithNotes("  same report, scanned twice "),
		merge.TakeFields("identifier", "level"),
	)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.FieldChanges) != 1 || result.Notes != "same report, scanned twice" {
		t.Fatalf("unexpected result %+v", result)
	}

	primary, _ := f.catalog.Record(ctx, 100)
	if primary.Identifier != "ar 1901" || primary.Title != "Annual report 1901" {
		t.Fatalf("primary should take only the identifier: %+v", primary)
	}

	entry, err := f.engine.LogByDetection(ctx, 42)
	if err != nil {
		t.Fatalf("LogByDetection: %v", err)
	}
	if entry.Notes != "same report, scanned twice" {
		t.Fatalf("notes not logged: %q", entry.Notes)
	}
	want := map[string]string{"title": "primary", "identifier": "secondary", "level": "secondary"}
	if len(entry.FieldChoices) != len(want) {
		t.Fatalf("unexpected field choices %v", entry.FieldChoices)
	}
	for field, source := range want {
		if entry.FieldChoices[field] != source {
			t.Fatalf("field %s: want %s, got %v", field, source, entry.FieldChoices)
		}
	}
	if entry.Snapshot.Record.Identifier != "ar 1901" {
		t.Fatalf("snapshot should keep the secondary's values, got %+v", entry.Snapshot.Record)
	}
}
