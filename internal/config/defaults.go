package config

const (
	defaultDataDir                = "~/.local/share/copilot"
	defaultLogDir                 = "~/.local/share/copilot/logs"
	defaultAPIBind                = "127.0.0.1:7491"
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultRetryBudget            = 3
	defaultRetryBackoffSeconds    = 5
	defaultRetryBackoffMaxSeconds = 120
	defaultInvocationTimeout      = 600
	defaultCancelGraceSeconds     = 10
	defaultErrorRetryInterval     = 10
	defaultEventBufferSize        = 512
	defaultCheckpointReplay       = 20
	defaultSupervisorRole         = "supervisor"
	defaultSupervisorThreshold    = 70.0
	defaultSupervisorMaxRevisions = 3
	defaultLLMBaseURL             = "https://openrouter.ai/api/v1"
	defaultLLMModel               = "google/gemini-3-flash-preview"
	defaultLLMTimeoutSeconds      = 120
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Workflow: Workflow{
			RetryBudget:             defaultRetryBudget,
			RetryBackoffSeconds:     defaultRetryBackoffSeconds,
			RetryBackoffMaxSeconds:  defaultRetryBackoffMaxSeconds,
			InvocationTimeout:       defaultInvocationTimeout,
			CancelGraceSeconds:      defaultCancelGraceSeconds,
			ErrorRetryInterval:      defaultErrorRetryInterval,
			EventBufferSize:         defaultEventBufferSize,
			CheckpointReplayWindow:  defaultCheckpointReplay,
			ResumeSessionsOnStartup: true,
		},
		Supervisor: Supervisor{
			Enabled:        true,
			Role:           defaultSupervisorRole,
			ScoreThreshold: defaultSupervisorThreshold,
			MaxRevisions:   defaultSupervisorMaxRevisions,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
