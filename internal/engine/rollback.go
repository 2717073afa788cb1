package engine

import (
	"strconv"

	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

// applyRollback restores the session to the point before the target stage
// produced its result. The target and every transitive dependent are reset to
// pending, their in-flight invocations are cancelled, and the checkpoints
// between the restore point and the rollback checkpoint are superseded.
// Records for stages outside the affected set keep their current values, so
// an independent branch that advanced past the restore point is not rewound.
func (r *runner) applyRollback(targetStageID string) bool {
	if _, ok := r.graph.Node(targetStageID); !ok {
		r.logger.Warn("rollback target not in graph",
			logging.String(logging.FieldStage, targetStageID))
		return false
	}

	affected := append([]string{targetStageID}, r.graph.TransitiveDependents(targetStageID)...)

	restoreSeq, restored, err := r.findRestorePoint(targetStageID)
	if err != nil {
		r.logger.Error("rollback restore point lookup failed",
			logging.String(logging.FieldStage, targetStageID),
			logging.Error(err))
		return false
	}

	// The rewound state is staged off to the side. Nothing in runner memory,
	// the stage records, or the checkpoint log changes until the rollback
	// checkpoint commits, so a failed write leaves the session as it was.
	next := make(map[string]*session.StageRecord, len(r.records))
	for stageID, record := range r.records {
		clone := *record
		next[stageID] = &clone
	}
	for _, stageID := range affected {
		record := next[stageID]
		if record == nil {
			continue
		}
		if restoredRecord := restored.Stage(stageID); restoredRecord != nil {
			clone := *restoredRecord
			clone.SessionID = r.sessionID
			*record = clone
		}
		record.ResetForRerun()
		record.Attempts = 0
		record.CheckpointSeq = restoreSeq
	}

	sess := *r.sess
	if sess.Status == session.StatusFailed {
		sess.ErrorMessage = ""
	}
	sess.Status = session.StatusActive

	stages := make([]*session.StageRecord, 0, len(next))
	for _, stageID := range r.graph.StageIDs() {
		if record := next[stageID]; record != nil {
			stages = append(stages, record)
		}
	}
	state := &checkpoint.SessionState{Session: &sess, Stages: stages}

	cp, err := r.engine.checkpoints.Save(r.ctx, targetStageID, checkpoint.ReasonRolledBack, state)
	if err != nil {
		r.logger.Error("rollback checkpoint failed; session unchanged",
			logging.String(logging.FieldStage, targetStageID),
			logging.Error(err))
		return false
	}

	// Committed. Retire stale invocations and adopt the rewound records.
	for _, stageID := range affected {
		r.cancelInFlight(stageID)
	}
	for stageID, record := range next {
		if current := r.records[stageID]; current != nil {
			*current = *record
		}
	}
	*r.sess = sess

	if err := r.engine.checkpoints.Supersede(r.ctx, r.sessionID, restoreSeq+1, cp.Sequence-1); err != nil {
		// The rollback checkpoint is newer than the stale ones, so Latest
		// still resolves to it; the stale marks are only an audit gap.
		r.logger.Error("supersede checkpoints failed",
			logging.String(logging.FieldStage, targetStageID),
			logging.Error(err))
	}
	if err := r.engine.store.ReplaceStageRecords(r.ctx, r.sessionID, stages); err != nil {
		r.logger.Error("persist rollback failed",
			logging.String(logging.FieldStage, targetStageID),
			logging.Error(err))
	}
	if err := r.engine.store.UpdateSession(r.ctx, r.sess); err != nil {
		r.logger.Error("persist session revival failed", logging.Error(err))
	}

	r.logger.Info("session rolled back",
		logging.String(logging.FieldStage, targetStageID),
		logging.Int64("restore_seq", restoreSeq),
		logging.Int("affected_stages", len(affected)))
	for _, stageID := range affected {
		r.engine.emit(r.sessionID, stageID, events.KindRolledBack, map[string]string{
			"target":         targetStageID,
			"restore_seq":    strconv.FormatInt(restoreSeq, 10),
			"checkpoint_seq": strconv.FormatInt(cp.Sequence, 10),
		})
	}

	r.dispatchReady()
	return false
}

// findRestorePoint walks the checkpoint log backwards for the newest
// non-superseded checkpoint taken before the target stage produced a result.
// When every checkpoint already includes a result for the target, the empty
// baseline is used.
func (r *runner) findRestorePoint(targetStageID string) (int64, *checkpoint.SessionState, error) {
	metas, err := r.engine.checkpoints.List(r.ctx, r.sessionID)
	if err != nil {
		return 0, nil, err
	}

	for i := len(metas) - 1; i >= 0; i-- {
		meta := metas[i]
		if meta.Superseded {
			continue
		}
		cp, err := r.engine.checkpoints.Load(r.ctx, r.sessionID, meta.Sequence)
		if err != nil {
			return 0, nil, err
		}
		record := cp.State.Stage(targetStageID)
		if record == nil || !hasResult(record.Status) {
			return cp.Sequence, cp.State, nil
		}
	}
	return 0, &checkpoint.SessionState{Session: r.sess}, nil
}

func hasResult(status stagegraph.StageStatus) bool {
	return status == stagegraph.StageCompleted || status == stagegraph.StageAwaitingConfirmation
}
