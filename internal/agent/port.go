package agent

import (
	"context"
	"encoding/json"
)

// Request carries everything a worker needs to run one stage invocation.
type Request struct {
	SessionID string
	StageID   string
	Role      string
	Topic     string
	// Inputs maps dependency stage identifiers to their artifacts.
	Inputs map[string]json.RawMessage
	// Feedback carries reviewer or supervisor notes when the stage re-runs
	// after a rejection or a low score.
	Feedback string
	// Revision counts prior supervisor-forced re-runs of this stage.
	Revision int
}

// Outcome is the successful result of one invocation.
type Outcome struct {
	Artifact json.RawMessage
	// Confidence is the worker's optional self-reported confidence in [0,1].
	Confidence *float64
}

// Port invokes an external agent for one stage. Implementations perform
// network calls and may block for a long time; they must observe ctx
// cancellation and return within a bounded grace period. Failures are
// classified through the sentinel errors in this package.
type Port interface {
	Invoke(ctx context.Context, req Request) (*Outcome, error)
}

// PortFunc adapts a function to the Port interface.
type PortFunc func(ctx context.Context, req Request) (*Outcome, error)

func (f PortFunc) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	return f(ctx, req)
}
