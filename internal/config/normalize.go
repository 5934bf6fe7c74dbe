package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnvOverrides()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeDatabase(); err != nil {
		return err
	}
	c.normalizeScan()
	c.normalizeMerge()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.normalizeLogging()
	return nil
}

func (c *Config) applyEnvOverrides() {
	if value, ok := os.LookupEnv("DEDUPE_DATABASE_PATH"); ok && strings.TrimSpace(value) != "" {
		c.Database.Path = value
	}
	if value, ok := os.LookupEnv("DEDUPE_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	if value, ok := os.LookupEnv("DEDUPE_ACTOR"); ok && strings.TrimSpace(value) != "" {
		c.Merge.DefaultActor = value
	}
	if value, ok := os.LookupEnv("DEDUPE_NTFY_TOPIC"); ok && strings.TrimSpace(value) != "" {
		c.Notifications.NtfyTopic = value
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeDatabase() error {
	c.Database.Path = strings.TrimSpace(c.Database.Path)
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Paths.DataDir, defaultDatabaseFile)
	}
	var err error
	if c.Database.Path, err = expandPath(c.Database.Path); err != nil {
		return fmt.Errorf("database.path: %w", err)
	}
	if c.Database.BusyTimeoutMS <= 0 {
		c.Database.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	return nil
}

func (c *Config) normalizeScan() {
	c.Scan.BlockingKeys = normalizeNames(c.Scan.BlockingKeys)
	c.Scan.Methods = normalizeNames(c.Scan.Methods)
	c.Scan.TitleAlgorithm = normalizeName(c.Scan.TitleAlgorithm)
	if c.Scan.TitleAlgorithm == "" {
		c.Scan.TitleAlgorithm = defaultTitleAlgorithm
	}
	if c.Scan.TitlePrefixLength == 0 {
		c.Scan.TitlePrefixLength = defaultTitlePrefixLength
	}
}

func (c *Config) normalizeMerge() {
	c.Merge.SupersededPolicy = normalizeName(c.Merge.SupersededPolicy)
	if c.Merge.SupersededPolicy == "" {
		c.Merge.SupersededPolicy = defaultSupersededPolicy
	}
	c.Merge.DefaultActor = strings.TrimSpace(c.Merge.DefaultActor)
	if c.Merge.DefaultActor == "" {
		c.Merge.DefaultActor = defaultMergeActor
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

// normalizeName lowercases and accepts underscores in place of dashes so
// "fuzzy_title" and "Fuzzy-Title" both resolve to "fuzzy-title".
func normalizeName(value string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "_", "-")
}

func normalizeNames(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		name := normalizeName(value)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
