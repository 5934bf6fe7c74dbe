package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out := mustRunCLI(t, env, "config", "validate")
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.dbPath)

	out = mustRunCLI(t, env, "config", "show")
	requireContains(t, out, "[scan]")
	requireContains(t, out, "chunk_size = 2")

	target := filepath.Join(t.TempDir(), "config.toml")
	out = mustRunCLI(t, nil, "config", "init", "--path", target)
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, nil, "config", "init", "--path", target); err == nil {
		t.Fatal("expected refusal to overwrite existing config")
	}
	mustRunCLI(t, nil, "config", "init", "--path", target, "--overwrite")
}
