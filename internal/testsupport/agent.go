package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ozoz66/control-research-copilot/internal/agent"
)

// ScriptStep is one canned response from a ScriptedPort.
type ScriptStep struct {
	// Artifact is returned as the invocation outcome when Err is nil.
	Artifact string
	// Confidence optionally accompanies the artifact.
	Confidence *float64
	// Err fails the invocation.
	Err error
	// Block makes the step wait for context cancellation and return ctx.Err().
	Block bool
}

// ScriptedPort plays back scripted outcomes per stage and role, recording
// every request it receives. Steps are consumed in order; the last step
// repeats once the script is exhausted. Unscripted invocations succeed with a
// minimal artifact.
type ScriptedPort struct {
	mu    sync.Mutex
	steps map[string][]ScriptStep
	calls map[string][]agent.Request
}

// NewScriptedPort returns an empty scripted port.
func NewScriptedPort() *ScriptedPort {
	return &ScriptedPort{
		steps: make(map[string][]ScriptStep),
		calls: make(map[string][]agent.Request),
	}
}

func scriptKey(stageID, role string) string {
	return stageID + "|" + role
}

// Script registers the response sequence for a stage and role pair.
func (p *ScriptedPort) Script(stageID, role string, steps ...ScriptStep) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps[scriptKey(stageID, role)] = steps
}

// Calls returns the recorded requests for a stage and role pair.
func (p *ScriptedPort) Calls(stageID, role string) []agent.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := p.calls[scriptKey(stageID, role)]
	out := make([]agent.Request, len(recorded))
	copy(out, recorded)
	return out
}

// Invoke implements agent.Port.
func (p *ScriptedPort) Invoke(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
	key := scriptKey(req.StageID, req.Role)

	p.mu.Lock()
	p.calls[key] = append(p.calls[key], req)
	callIndex := len(p.calls[key]) - 1
	steps := p.steps[key]
	p.mu.Unlock()

	if len(steps) == 0 {
		artifact := fmt.Sprintf(`{"stage":%q,"ok":true}`, req.StageID)
		return &agent.Outcome{Artifact: json.RawMessage(artifact)}, nil
	}

	step := steps[len(steps)-1]
	if callIndex < len(steps) {
		step = steps[callIndex]
	}

	if step.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &agent.Outcome{
		Artifact:   json.RawMessage(step.Artifact),
		Confidence: step.Confidence,
	}, nil
}
