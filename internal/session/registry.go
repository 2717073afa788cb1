package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

// Controller receives validated control signals for execution. Implemented by
// the workflow engine.
type Controller interface {
	StartSession(ctx context.Context, sessionID string) error
	Confirm(ctx context.Context, sessionID, stageID string) error
	Reject(ctx context.Context, sessionID, stageID, reason string) error
	Rollback(ctx context.Context, sessionID, targetStageID string) error
	Cancel(ctx context.Context, sessionID string) error
}

// Registry tracks sessions and mediates external control signals. It
// validates that a requested transition is legal in the session's current
// state before delegating to the Controller, so illegal requests never reach
// the engine and never mutate state.
type Registry struct {
	store      *Store
	graphs     *stagegraph.Set
	controller Controller
	logger     *slog.Logger
}

// NewRegistry builds a registry over the given store and graph set.
func NewRegistry(store *Store, graphs *stagegraph.Set, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		store:  store,
		graphs: graphs,
		logger: logging.NewComponentLogger(logger, "registry"),
	}
}

// SetController wires the workflow engine in after construction. The registry
// and engine reference each other, so one side attaches late.
func (r *Registry) SetController(controller Controller) {
	r.controller = controller
}

// Store exposes the underlying session store.
func (r *Registry) Store() *Store {
	return r.store
}

// Graphs exposes the registered graph set.
func (r *Registry) Graphs() *stagegraph.Set {
	return r.graphs
}

// Create starts a new session for a topic on the named graph. An empty graph
// name selects the built-in pipeline.
func (r *Registry) Create(ctx context.Context, topic, graphName string) (*Session, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	graph, ok := r.graphs.Get(graphName)
	if !ok {
		return nil, fmt.Errorf("unknown stage graph %q", graphName)
	}

	sess, err := r.store.CreateSession(ctx, topic, graph)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session created",
		logging.String(logging.FieldSessionID, sess.ID),
		logging.String("graph", graph.Name()),
		logging.String("topic", topic))

	if r.controller != nil {
		if err := r.controller.StartSession(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("start session %s: %w", sess.ID, err)
		}
	}
	return sess, nil
}

// Get returns a session with its stage records.
func (r *Registry) Get(ctx context.Context, sessionID string) (*View, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	records, err := r.store.StageRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &View{Session: sess, Stages: records}, nil
}

// Delete removes a session, cancelling it first when still active. Deleting
// an absent session is a no-op.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	if !sess.Status.IsTerminal() && r.controller != nil {
		if err := r.controller.Cancel(ctx, sessionID); err != nil {
			return fmt.Errorf("cancel before delete: %w", err)
		}
	}
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	r.logger.Info("session deleted", logging.String(logging.FieldSessionID, sessionID))
	return nil
}

// List returns all sessions, newest first.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	return r.store.ListSessions(ctx)
}

// ListActive returns sessions that still accept work.
func (r *Registry) ListActive(ctx context.Context) ([]*Session, error) {
	return r.store.ListActive(ctx)
}

// Confirm approves a stage that is awaiting confirmation.
func (r *Registry) Confirm(ctx context.Context, sessionID, stageID string) error {
	if err := r.requireController(); err != nil {
		return err
	}
	if err := r.requireAwaitingConfirmation(ctx, sessionID, stageID, "confirm"); err != nil {
		return err
	}
	return r.controller.Confirm(ctx, sessionID, stageID)
}

// Reject sends a stage that is awaiting confirmation back for revision with
// reviewer feedback.
func (r *Registry) Reject(ctx context.Context, sessionID, stageID, reason string) error {
	if err := r.requireController(); err != nil {
		return err
	}
	if err := r.requireAwaitingConfirmation(ctx, sessionID, stageID, "reject"); err != nil {
		return err
	}
	return r.controller.Reject(ctx, sessionID, stageID, reason)
}

// Rollback restores the session to the point before the target stage ran.
// The target must have produced a result. Completed and failed sessions are
// revived by a rollback; only cancelled sessions refuse it.
func (r *Registry) Rollback(ctx context.Context, sessionID, targetStageID string) error {
	if err := r.requireController(); err != nil {
		return err
	}
	sess, record, err := r.lookup(ctx, sessionID, targetStageID)
	if err != nil {
		return err
	}
	if sess.Status == StatusCancelled {
		return &InvalidTransitionError{
			SessionID: sessionID,
			Requested: "rollback",
			Current:   string(sess.Status),
		}
	}
	switch record.Status {
	case stagegraph.StageCompleted, stagegraph.StageAwaitingConfirmation, stagegraph.StageFailed:
	default:
		return &InvalidTransitionError{
			SessionID: sessionID,
			StageID:   targetStageID,
			Requested: "rollback",
			Current:   string(record.Status),
		}
	}
	return r.controller.Rollback(ctx, sessionID, targetStageID)
}

// Cancel stops a session, aborting any outstanding agent invocations.
func (r *Registry) Cancel(ctx context.Context, sessionID string) error {
	if err := r.requireController(); err != nil {
		return err
	}
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Status.IsTerminal() {
		return &InvalidTransitionError{
			SessionID: sessionID,
			Requested: "cancel",
			Current:   string(sess.Status),
		}
	}
	return r.controller.Cancel(ctx, sessionID)
}

func (r *Registry) requireController() error {
	if r.controller == nil {
		return errors.New("no workflow controller attached")
	}
	return nil
}

func (r *Registry) requireAwaitingConfirmation(ctx context.Context, sessionID, stageID, requested string) error {
	_, record, err := r.lookup(ctx, sessionID, stageID)
	if err != nil {
		return err
	}
	if record.Status != stagegraph.StageAwaitingConfirmation {
		return &InvalidTransitionError{
			SessionID: sessionID,
			StageID:   stageID,
			Requested: requested,
			Current:   string(record.Status),
		}
	}
	return nil
}

func (r *Registry) lookup(ctx context.Context, sessionID, stageID string) (*Session, *StageRecord, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, ErrSessionNotFound
	}
	record, err := r.store.StageRecord(ctx, sessionID, stageID)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		return nil, nil, fmt.Errorf("%w: %s in session %s", ErrStageNotFound, stageID, sessionID)
	}
	return sess, record, nil
}
