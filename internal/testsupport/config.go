package testsupport

import (
	"path/filepath"
	"testing"

	"dedupe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Scans default to a single worker and small chunks so checkpoints are
// exercised by small fixtures.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Database.Path = filepath.Join(base, "data", "dedupe.db")
	cfgVal.Database.BusyTimeoutMS = 2000
	cfgVal.Scan.ChunkSize = 2
	cfgVal.Scan.Workers = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return builder.cfg
}

// WithScan adjusts scan settings on the test config.
func WithScan(fn func(*config.Scan)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Scan)
	}
}

// WithReopen toggles the review.allow_reopen policy.
func WithReopen(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Review.AllowReopen = enabled
	}
}

// WithSupersededPolicy sets merge.superseded_policy.
func WithSupersededPolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Merge.SupersededPolicy = policy
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
