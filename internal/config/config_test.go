package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Workflow.RetryBudget != defaultRetryBudget {
		t.Fatalf("unexpected retry budget %d", cfg.Workflow.RetryBudget)
	}
	if cfg.Supervisor.Role != defaultSupervisorRole {
		t.Fatalf("unexpected supervisor role %q", cfg.Supervisor.Role)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("expected missing config to report exists=false")
	}
	if resolved != path {
		t.Fatalf("resolved path = %q, want %q", resolved, path)
	}
	if cfg.Paths.APIBind != defaultAPIBind {
		t.Fatalf("api bind = %q", cfg.Paths.APIBind)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := strings.Join([]string{
		"[paths]",
		`data_dir = "` + filepath.Join(dir, "data") + `"`,
		`log_dir = "` + filepath.Join(dir, "logs") + `"`,
		"[workflow]",
		"retry_budget = 7",
		"invocation_timeout = 30",
		"[supervisor]",
		"score_threshold = 85.0",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be found")
	}
	if cfg.Workflow.RetryBudget != 7 {
		t.Fatalf("retry budget = %d, want 7", cfg.Workflow.RetryBudget)
	}
	if cfg.Workflow.InvocationTimeout != 30 {
		t.Fatalf("invocation timeout = %d, want 30", cfg.Workflow.InvocationTimeout)
	}
	if cfg.Supervisor.ScoreThreshold != 85.0 {
		t.Fatalf("score threshold = %v, want 85", cfg.Supervisor.ScoreThreshold)
	}
	// Defaults still apply to untouched sections.
	if cfg.Workflow.EventBufferSize != defaultEventBufferSize {
		t.Fatalf("event buffer = %d", cfg.Workflow.EventBufferSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative retry budget", func(c *Config) { c.Workflow.RetryBudget = -1 }},
		{"zero invocation timeout", func(c *Config) { c.Workflow.InvocationTimeout = 0 }},
		{"backoff max below initial", func(c *Config) {
			c.Workflow.RetryBackoffSeconds = 30
			c.Workflow.RetryBackoffMaxSeconds = 10
		}},
		{"threshold out of range", func(c *Config) { c.Supervisor.ScoreThreshold = 150 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			if err := cfg.normalize(); err != nil {
				t.Fatalf("normalize: %v", err)
			}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLLMAPIKeyEnvFallback(t *testing.T) {
	t.Setenv("COPILOT_LLM_API_KEY", "from-env")
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Fatalf("api key = %q, want env fallback", cfg.LLM.APIKey)
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	if _, err := WriteSample(path); err == nil {
		t.Fatal("expected overwrite refusal")
	}
}
