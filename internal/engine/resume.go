package engine

import (
	"context"
	"fmt"

	"github.com/ozoz66/control-research-copilot/internal/logging"
)

// resumeSessions restarts runners for sessions left active by a previous
// process. Stages interrupted mid-invocation are reverted to pending and
// re-run from their last checkpoint.
func (e *Engine) resumeSessions(ctx context.Context) error {
	sessions, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}

	for _, sess := range sessions {
		graph, ok := e.graphs.Get(sess.GraphName)
		if !ok {
			e.logger.Warn("cannot resume session with unknown graph",
				logging.String(logging.FieldSessionID, sess.ID),
				logging.String("graph", sess.GraphName))
			continue
		}

		reverted, err := e.store.RevertInFlight(ctx, sess.ID)
		if err != nil {
			e.logger.Error("revert in-flight stages failed",
				logging.String(logging.FieldSessionID, sess.ID),
				logging.Error(err))
			continue
		}
		if reverted > 0 {
			e.logger.Info("reverted interrupted stages",
				logging.String(logging.FieldSessionID, sess.ID),
				logging.Int64("stages", reverted))
		}

		if err := e.spawnRunner(sess.ID, graph, nil); err != nil {
			e.logger.Error("resume session failed",
				logging.String(logging.FieldSessionID, sess.ID),
				logging.Error(err))
			continue
		}
		e.logger.Info("session resumed", logging.String(logging.FieldSessionID, sess.ID))
	}
	return nil
}
