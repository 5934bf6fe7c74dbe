package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dedupe/internal/storage"
	"dedupe/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDatabase_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.db")
	result := CheckDatabase(context.Background(), path, 1000)
	if result.Passed || !strings.Contains(result.Detail, "not initialized") {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("check must not create the database")
	}
}

func TestCheckDatabase_Healthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.db")
	db, err := storage.OpenPath(path, 1000)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	_ = db.Close()

	result := CheckDatabase(context.Background(), path, 1000)
	if !result.Passed {
		t.Fatalf("expected healthy database, got: %s", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_OpenedConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MustOpen(t, cfg)

	results := RunAll(context.Background(), cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_ReportsMissingDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	failed := Failed(RunAll(context.Background(), cfg))
	if len(failed) != 1 || failed[0].Name != "Database" {
		t.Fatalf("expected only the database check to fail, got %+v", failed)
	}
}
