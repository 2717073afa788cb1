package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.RetryBudget < 0 {
		return errors.New("workflow.retry_budget must not be negative")
	}
	if c.Workflow.RetryBackoffSeconds < 0 {
		return errors.New("workflow.retry_backoff_seconds must not be negative")
	}
	if c.Workflow.RetryBackoffMaxSeconds < c.Workflow.RetryBackoffSeconds {
		return errors.New("workflow.retry_backoff_max_seconds must be at least retry_backoff_seconds")
	}
	if c.Workflow.InvocationTimeout <= 0 {
		return errors.New("workflow.invocation_timeout must be positive")
	}
	if c.Workflow.EventBufferSize <= 0 {
		return errors.New("workflow.event_buffer_size must be positive")
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	if !c.Supervisor.Enabled {
		return nil
	}
	if c.Supervisor.ScoreThreshold < 0 || c.Supervisor.ScoreThreshold > 100 {
		return errors.New("supervisor.score_threshold must be between 0 and 100")
	}
	if c.Supervisor.MaxRevisions < 0 {
		return errors.New("supervisor.max_revisions must not be negative")
	}
	if strings.TrimSpace(c.Supervisor.Role) == "" {
		return errors.New("supervisor.role must be set when the supervisor is enabled")
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
