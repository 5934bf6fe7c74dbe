package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateScan(); err != nil {
		return err
	}
	if err := c.validateWeights(); err != nil {
		return err
	}
	if err := c.validateMerge(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateScan() error {
	if c.Scan.Threshold <= 0 || c.Scan.Threshold > 1 {
		return errors.New("scan.threshold must be greater than 0 and at most 1")
	}
	if c.Scan.ChunkSize <= 0 {
		return errors.New("scan.chunk_size must be positive")
	}
	if c.Scan.Workers <= 0 {
		return errors.New("scan.workers must be positive")
	}
	if c.Scan.MaxBlockSize < 2 {
		return errors.New("scan.max_block_size must be at least 2")
	}
	if c.Scan.TitlePrefixLength < 1 {
		return errors.New("scan.title_prefix_length must be positive")
	}
	if c.Scan.MaxRecordsPerSecond < 0 {
		return errors.New("scan.max_records_per_second must be zero (unlimited) or positive")
	}
	if len(c.Scan.Methods) == 0 {
		return errors.New("scan.methods must name at least one method")
	}
	for _, method := range c.Scan.Methods {
		if !slices.Contains(knownMethods, method) {
			return fmt.Errorf("scan.methods: unsupported method %q (expected one of %s)", method, strings.Join(knownMethods, ", "))
		}
	}
	if len(c.Scan.BlockingKeys) == 0 {
		return errors.New("scan.blocking_keys must name at least one key")
	}
	for _, key := range c.Scan.BlockingKeys {
		if !slices.Contains(knownBlockingKeys, key) {
			return fmt.Errorf("scan.blocking_keys: unsupported key %q (expected one of %s)", key, strings.Join(knownBlockingKeys, ", "))
		}
	}
	if !slices.Contains(knownTitleAlgorithms, c.Scan.TitleAlgorithm) {
		return fmt.Errorf("scan.title_algorithm: unsupported value %q (expected one of %s)", c.Scan.TitleAlgorithm, strings.Join(knownTitleAlgorithms, ", "))
	}
	return nil
}

func (c *Config) validateWeights() error {
	w := c.Scan.Weights
	if w.Identifier < 0 || w.Title < 0 || w.Attachment < 0 {
		return errors.New("scan.weights must not be negative")
	}
	if w.Identifier+w.Title+w.Attachment == 0 {
		return errors.New("scan.weights must not all be zero")
	}
	return nil
}

func (c *Config) validateMerge() error {
	if c.Merge.TimeoutSeconds <= 0 {
		return errors.New("merge.timeout_seconds must be positive")
	}
	switch c.Merge.SupersededPolicy {
	case SupersededPolicyFail, SupersededPolicyDismiss:
	default:
		return fmt.Errorf("merge.superseded_policy: unsupported value %q (expected fail or dismiss)", c.Merge.SupersededPolicy)
	}
	return nil
}

func (c *Config) validateJobs() error {
	if c.Jobs.StaleAfterSeconds <= 0 {
		return errors.New("jobs.stale_after_seconds must be positive")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := strings.TrimSpace(c.Notifications.NtfyTopic)
	if topic != "" && !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		return errors.New("notifications.request_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
