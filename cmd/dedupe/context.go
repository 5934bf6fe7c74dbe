package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"dedupe/internal/config"
	"dedupe/internal/logging"
	"dedupe/internal/service"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error

	loggerOnce    sync.Once
	logger        *slog.Logger
	loggerCleanup func() error
	loggerErr     error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.Logging.Level = strings.TrimSpace(*c.logLevelFlag)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
	})
	return c.config, c.configErr
}

// ensureLogger builds the command logger once. Console output goes to the
// command's stderr so stdout stays parseable.
func (c *commandContext) ensureLogger(cmd *cobra.Command) (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		logger, cleanup, err := logging.New(logging.Options{
			Level:    cfg.Logging.Level,
			Format:   cfg.Logging.Format,
			Console:  cmd.ErrOrStderr(),
			FilePath: cfg.LogFilePath(),
		})
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger = logger
		c.loggerCleanup = cleanup
	})
	return c.logger, c.loggerErr
}

// withService opens the database for the duration of fn.
func (c *commandContext) withService(cmd *cobra.Command, fn func(context.Context, *service.Service) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := c.ensureLogger(cmd)
	if err != nil {
		return err
	}
	svc, err := service.Open(cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), svc)
	return errors.Join(runErr, svc.Close())
}

func (c *commandContext) close() error {
	if c.loggerCleanup == nil {
		return nil
	}
	cleanup := c.loggerCleanup
	c.loggerCleanup = nil
	return cleanup()
}

func withRequestID(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := logging.RequestIDFromContext(ctx); ok {
		return ctx
	}
	return logging.WithRequestID(ctx, uuid.NewString())
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
