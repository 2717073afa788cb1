package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/agent"
	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/config"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

// Engine executes sessions against their stage graphs. It implements
// session.Controller.
type Engine struct {
	cfg         *config.Config
	store       *session.Store
	checkpoints *checkpoint.Store
	graphs      *stagegraph.Set
	port        agent.Port
	schemas     *agent.SchemaValidator
	hub         *events.Hub
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	runners map[string]*runner
}

// New constructs an engine. The port is used for both stage invocations and
// supervisor scoring.
func New(cfg *config.Config, store *session.Store, checkpoints *checkpoint.Store, graphs *stagegraph.Set, port agent.Port, hub *events.Hub, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		graphs:      graphs,
		port:        port,
		schemas:     agent.NewSchemaValidator(),
		hub:         hub,
		logger:      logging.NewComponentLogger(logger, "engine"),
		runners:     make(map[string]*runner),
	}
}

// Start begins executing sessions. When resume is configured, sessions left
// active by a previous process are picked up from their last checkpoints.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.baseCtx = runCtx
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	if e.cfg.Workflow.ResumeSessionsOnStartup {
		if err := e.resumeSessions(runCtx); err != nil {
			e.logger.Error("session resume failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check session database access"))
		}
	}
	return nil
}

// Stop terminates all runners and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
}

// StartSession launches a runner for a freshly created session and writes its
// baseline checkpoint.
func (e *Engine) StartSession(ctx context.Context, sessionID string) error {
	state, graph, err := e.loadState(ctx, sessionID)
	if err != nil {
		return err
	}

	if _, err := e.checkpoints.Save(ctx, "", checkpoint.ReasonSessionCreated, state); err != nil {
		return fmt.Errorf("baseline checkpoint: %w", err)
	}
	e.emit(sessionID, "", events.KindSessionCreated, nil)

	return e.spawnRunner(sessionID, graph, nil)
}

// Confirm approves a stage awaiting confirmation.
func (e *Engine) Confirm(ctx context.Context, sessionID, stageID string) error {
	return e.deliver(ctx, sessionID, ctrlMsg{kind: ctrlConfirm, stageID: stageID})
}

// Reject sends a stage awaiting confirmation back for revision.
func (e *Engine) Reject(ctx context.Context, sessionID, stageID, reason string) error {
	return e.deliver(ctx, sessionID, ctrlMsg{kind: ctrlReject, stageID: stageID, reason: reason})
}

// Rollback restores the session to the point before the target stage ran.
// A failed session without a live runner is revived for the rollback.
func (e *Engine) Rollback(ctx context.Context, sessionID, targetStageID string) error {
	msg := ctrlMsg{kind: ctrlRollback, stageID: targetStageID}
	err := e.deliver(ctx, sessionID, msg)
	if !errors.Is(err, errNoRunner) {
		return err
	}

	_, graph, loadErr := e.loadState(ctx, sessionID)
	if loadErr != nil {
		return loadErr
	}
	return e.spawnRunner(sessionID, graph, &msg)
}

// Cancel stops a session. Without a live runner the terminal status is
// written directly.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	err := e.deliver(ctx, sessionID, ctrlMsg{kind: ctrlCancel})
	if !errors.Is(err, errNoRunner) {
		return err
	}

	sess, getErr := e.store.GetSession(ctx, sessionID)
	if getErr != nil {
		return getErr
	}
	if sess == nil {
		return session.ErrSessionNotFound
	}
	if sess.Status.IsTerminal() {
		return nil
	}
	sess.Status = session.StatusCancelled
	if err := e.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	e.emit(sessionID, "", events.KindSessionCancelled, nil)
	return nil
}

// ActiveRunners reports how many sessions currently have a live runner.
func (e *Engine) ActiveRunners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runners)
}

var errNoRunner = errors.New("no runner for session")

func (e *Engine) deliver(ctx context.Context, sessionID string, msg ctrlMsg) error {
	e.mu.Lock()
	r, ok := e.runners[sessionID]
	e.mu.Unlock()
	if !ok {
		return errNoRunner
	}
	select {
	case r.ctrl <- msg:
		return nil
	case <-r.ctx.Done():
		return errNoRunner
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) spawnRunner(sessionID string, graph *stagegraph.Graph, pending *ctrlMsg) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return errors.New("engine not running")
	}
	if _, exists := e.runners[sessionID]; exists {
		return nil
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	r := &runner{
		engine:    e,
		sessionID: sessionID,
		graph:     graph,
		ctx:       runCtx,
		cancel:    cancel,
		ctrl:      make(chan ctrlMsg, 8),
		results:   make(chan stageResult, 8),
		inFlight:  make(map[string]context.CancelFunc),
		backoffs:  make(map[string]*retryState),
		logger: e.logger.With(
			logging.String(logging.FieldSessionID, sessionID)),
	}
	if pending != nil {
		r.ctrl <- *pending
	}
	e.runners[sessionID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.removeRunner(sessionID)
		r.run()
	}()
	return nil
}

func (e *Engine) removeRunner(sessionID string) {
	e.mu.Lock()
	if r, ok := e.runners[sessionID]; ok {
		r.cancel()
		delete(e.runners, sessionID)
	}
	e.mu.Unlock()
}

// loadState reads a session's full state and resolves its graph.
func (e *Engine) loadState(ctx context.Context, sessionID string) (*checkpoint.SessionState, *stagegraph.Graph, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, session.ErrSessionNotFound
	}
	graph, ok := e.graphs.Get(sess.GraphName)
	if !ok {
		return nil, nil, fmt.Errorf("session %s references unknown graph %q", sessionID, sess.GraphName)
	}
	records, err := e.store.StageRecords(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return &checkpoint.SessionState{Session: sess, Stages: records}, graph, nil
}

func (e *Engine) emit(sessionID, stageID string, kind events.Kind, payload map[string]string) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(events.Record{
		SessionID: sessionID,
		StageID:   stageID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Engine) invocationTimeout() time.Duration {
	if e.cfg.Workflow.InvocationTimeout <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(e.cfg.Workflow.InvocationTimeout) * time.Second
}

func (e *Engine) errorRetryInterval() time.Duration {
	if e.cfg.Workflow.ErrorRetryInterval <= 0 {
		return time.Second
	}
	return time.Duration(e.cfg.Workflow.ErrorRetryInterval) * time.Second
}
