package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dedupe/internal/storage"
)

func openTestDB(t *testing.T) (*storage.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedupe.db")
	db, err := storage.OpenPath(path, 1000)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestOpenCreatesSchemaAndReportsHealth(t *testing.T) {
	db, path := openTestDB(t)
	health, err := db.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if health.DBPath != path || !health.DatabaseExists || !health.DatabaseReadable {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.SchemaVersion != storage.SchemaVersion {
		t.Fatalf("unexpected schema version %d", health.SchemaVersion)
	}
	if len(health.MissingTables) != 0 {
		t.Fatalf("missing tables: %v", health.MissingTables)
	}
	if !health.IntegrityCheck {
		t.Fatalf("integrity check failed: %s", health.Error)
	}
	if health.JournalMode != "wal" {
		t.Fatalf("expected WAL journal, got %q", health.JournalMode)
	}
}

func TestReopenValidatesSchemaVersion(t *testing.T) {
	db, path := openTestDB(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("update version: %v", err)
	}
	_ = db.Close()

	_, err := storage.OpenPath(path, 1000)
	if !errors.Is(err, storage.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	now := storage.FormatTime(time.Now())
	sentinel := errors.New("abort")

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO records (id, title, created_at, updated_at) VALUES (1, 'x', ?, ?)", now, now); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(1) FROM records").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestMergeLogsAreImmutable(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()
	now := storage.FormatTime(time.Now())
	if _, err := db.ExecContext(ctx, `INSERT INTO duplicate_detections
        (record_a_id, record_b_id, similarity_score, detection_method, detected_at, updated_at)
        VALUES (1, 2, 0.9, 'composite', ?, ?)`, now, now); err != nil {
		t.Fatalf("insert detection: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO merge_logs
        (reference, detection_id, primary_id, secondary_id, digital_objects_moved, children_moved,
         slugs_redirected, secondary_snapshot, snapshot_encoding, performed_by, performed_at)
        VALUES ('ref', 1, 1, 2, 0, 0, 0, x'00', 'zstd+json', 'tester', ?)`, now); err != nil {
		t.Fatalf("insert merge log: %v", err)
	}
	if _, err := db.ExecContext(ctx, "UPDATE merge_logs SET performed_by = 'mallory'"); err == nil {
		t.Fatal("expected update to be rejected")
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM merge_logs"); err == nil {
		t.Fatal("expected delete to be rejected")
	}
}

func TestPairOrderIsEnforced(t *testing.T) {
	db, _ := openTestDB(t)
	now := storage.FormatTime(time.Now())
	_, err := db.ExecContext(context.Background(), `INSERT INTO duplicate_detections
        (record_a_id, record_b_id, similarity_score, detection_method, detected_at, updated_at)
        VALUES (5, 2, 0.9, 'composite', ?, ?)`, now, now)
	if err == nil {
		t.Fatal("expected check constraint to reject unordered pair")
	}
}

func TestRetryOnBusyStopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := storage.RetryOnBusy(context.Background(), func() error {
		calls++
		return errors.New("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single attempt, got %d (%v)", calls, err)
	}

	calls = 0
	err = storage.RetryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after retries, got %d (%v)", calls, err)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := storage.Placeholders(3); got != "?,?,?" {
		t.Fatalf("unexpected placeholders %q", got)
	}
	if got := storage.Placeholders(0); got != "" {
		t.Fatalf("expected empty placeholders, got %q", got)
	}
}
