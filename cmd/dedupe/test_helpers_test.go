package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const catalogFixture = `[
  {"id": 10, "repository_id": 1, "title": "Harbour board minutes", "identifier": "HB-1",
   "slugs": ["harbour-board-minutes"],
   "digital_objects": [{"name": "p1.tif", "checksum_sha256": "aa01"}]},
  {"id": 11, "repository_id": 1, "parent_id": 10, "title": "Volume 1"},
  {"id": 20, "repository_id": 1, "title": "Harbour Board minutes", "identifier": "hb 1",
   "slugs": ["harbour-board-minutes-2"],
   "digital_objects": [{"name": "p1.tif", "checksum_sha256": "AA01"}, {"name": "p2.tif", "checksum_sha256": "bb02"}]},
  {"id": 30, "repository_id": 2, "title": "Tram timetables"}
]`

type cliTestEnv struct {
	baseDir     string
	configPath  string
	dbPath      string
	fixturePath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("DEDUPE_DATABASE_PATH", "")
	t.Setenv("DEDUPE_ACTOR", "")
	t.Setenv("DEDUPE_NTFY_TOPIC", "")

	env := &cliTestEnv{
		baseDir:     base,
		configPath:  filepath.Join(base, "config.toml"),
		dbPath:      filepath.Join(base, "data", "dedupe.db"),
		fixturePath: filepath.Join(base, "catalog.json"),
	}
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q

[database]
path = %q

[scan]
chunk_size = 2
workers = 1

[logging]
level = "error"
`, filepath.Join(base, "data"), filepath.Join(base, "logs"), env.dbPath)
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(env.fixturePath, []byte(catalogFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return env
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	flags := []string{}
	if env != nil {
		flags = append(flags, "--config", env.configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func mustRunCLI(t *testing.T, env *cliTestEnv, args ...string) string {
	t.Helper()
	out, stderr, err := runCLI(t, env, args...)
	if err != nil {
		t.Fatalf("dedupe %s: %v\nstderr: %s", strings.Join(args, " "), err, stderr)
	}
	return out
}

// seedAndScan imports the fixture catalog and runs a full scan.
func seedAndScan(t *testing.T, env *cliTestEnv) {
	t.Helper()
	requireContains(t, mustRunCLI(t, env, "catalog", "import", env.fixturePath), "Imported 4 records")
	mustRunCLI(t, env, "scan", "--all")
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireExitCode(t *testing.T, err error, want int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected exit code %d, command succeeded", want)
	}
	if got := exitCode(err); got != want {
		t.Fatalf("expected exit code %d, got %d (%v)", want, got, err)
	}
}
