package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/ozoz66/control-research-copilot/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.LLM.APIKey = "test"
	cfg.Workflow.RetryBackoffSeconds = 0
	cfg.Workflow.RetryBackoffMaxSeconds = 0

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithRetryBudget sets the per-stage retry budget on the test config.
func WithRetryBudget(budget int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.RetryBudget = budget
	}
}

// WithSupervisor enables the scoring loop with the given threshold and
// revision budget.
func WithSupervisor(threshold float64, maxRevisions int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Supervisor.Enabled = true
		cfg.Supervisor.ScoreThreshold = threshold
		cfg.Supervisor.MaxRevisions = maxRevisions
	}
}

// WithoutSupervisor disables the scoring loop.
func WithoutSupervisor() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Supervisor.Enabled = false
	}
}
