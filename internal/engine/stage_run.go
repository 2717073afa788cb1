package engine

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ozoz66/control-research-copilot/internal/agent"
	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

func (r *runner) handleResult(result stageResult) bool {
	delete(r.inFlight, result.stageID)

	record := r.records[result.stageID]
	if record == nil || record.Status != stagegraph.StageRunning {
		// A rollback or cancellation already retired this invocation.
		return false
	}

	if result.err != nil {
		return r.failStage(result.stageID, result.err)
	}
	if result.scoring {
		return r.handleScore(result.stageID, *result.review)
	}
	return r.handleOutcome(result.stageID, result.outcome)
}

func (r *runner) handleOutcome(stageID string, outcome *agent.Outcome) bool {
	node, _ := r.graph.Node(stageID)
	record := r.records[stageID]

	if err := r.engine.schemas.Validate(node.ArtifactSchemaPath, outcome.Artifact); err != nil {
		return r.failStage(stageID, err)
	}

	record.Artifact = outcome.Artifact
	record.Confidence = outcome.Confidence

	if node.Scored && r.engine.cfg.Supervisor.Enabled {
		r.startScoring(stageID)
		return false
	}
	return r.completeStage(stageID, false)
}

// startScoring asks the supervisor to review the stage artifact. The stage
// stays running; the verdict arrives as a scoring result.
func (r *runner) startScoring(stageID string) {
	record := r.records[stageID]
	r.invoke(stageID, agent.Request{
		SessionID: r.sessionID,
		StageID:   stageID,
		Role:      r.engine.cfg.Supervisor.Role,
		Topic:     r.sess.Topic,
		Inputs:    map[string]json.RawMessage{stageID: record.Artifact},
		Revision:  record.Revisions,
	}, true)
}

func (r *runner) handleScore(stageID string, review agent.Review) bool {
	record := r.records[stageID]
	record.Score = &review.Score

	passed := review.Accepted(r.engine.cfg.Supervisor.ScoreThreshold)
	r.engine.emit(r.sessionID, stageID, events.KindSupervisorScored, map[string]string{
		"score":  strconv.FormatFloat(review.Score, 'f', 1, 64),
		"passed": strconv.FormatBool(passed),
	})
	r.logger.Info("supervisor scored stage",
		logging.String(logging.FieldStage, stageID),
		logging.Float64("score", review.Score),
		logging.Bool("passed", passed))

	if !passed && record.Revisions < r.engine.cfg.Supervisor.MaxRevisions {
		record.Revisions++
		record.Feedback = review.Feedback()
		if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
			r.logger.Error("persist revision state failed",
				logging.String(logging.FieldStage, stageID),
				logging.Error(err))
		}
		node, _ := r.graph.Node(stageID)
		r.invoke(stageID, agent.Request{
			SessionID: r.sessionID,
			StageID:   stageID,
			Role:      node.Role,
			Topic:     r.sess.Topic,
			Inputs:    r.dependencyArtifacts(stageID),
			Feedback:  record.Feedback,
			Revision:  record.Revisions,
		}, false)
		return false
	}

	// A failing score with the revision budget spent forces a confirmation
	// gate regardless of the stage's own flag; the artifact never completes
	// automatically.
	return r.completeStage(stageID, !passed)
}

// completeStage commits a stage result: checkpoint first, then the stage
// record, then the event. A checkpoint failure reverts the stage to pending
// so it re-runs; nothing durable changes.
func (r *runner) completeStage(stageID string, forceConfirm bool) bool {
	node, _ := r.graph.Node(stageID)
	record := r.records[stageID]

	next := stagegraph.StageCompleted
	if node.RequiresConfirmation || forceConfirm {
		next = stagegraph.StageAwaitingConfirmation
	}
	record.Status = next

	cp, err := r.engine.checkpoints.Save(r.ctx, stageID, checkpoint.ReasonStageCompleted, r.snapshotState())
	if err != nil {
		r.logger.Error("checkpoint failed; stage will re-run",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
		record.ResetForRerun()
		r.scheduleErrorRetry(stageID)
		return false
	}
	record.CheckpointSeq = cp.Sequence

	if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
		r.logger.Error("persist stage result failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
	}
	delete(r.backoffs, stageID)

	if next == stagegraph.StageAwaitingConfirmation {
		r.logger.Info("stage awaiting confirmation", logging.String(logging.FieldStage, stageID))
		r.engine.emit(r.sessionID, stageID, events.KindAwaitingConfirmation, map[string]string{
			"checkpoint_seq": strconv.FormatInt(cp.Sequence, 10),
		})
		r.settleSessionStatus()
		return false
	}

	r.logger.Info("stage completed", logging.String(logging.FieldStage, stageID))
	r.engine.emit(r.sessionID, stageID, events.KindStageCompleted, map[string]string{
		"checkpoint_seq": strconv.FormatInt(cp.Sequence, 10),
	})
	r.dispatchReady()
	return false
}

func (r *runner) failStage(stageID string, stageErr error) bool {
	record := r.records[stageID]
	message := strings.TrimSpace(stageErr.Error())

	record.SetFailed(message)
	record.Artifact = nil
	if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
		r.logger.Error("persist stage failure failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
	}

	transient := agent.IsTransient(stageErr)
	// A retry budget of N allows exactly N failed attempts in total.
	retryable := transient && record.Attempts < r.engine.cfg.Workflow.RetryBudget
	r.logger.Error("stage failed",
		logging.String(logging.FieldStage, stageID),
		logging.Bool("transient", transient),
		logging.Bool("will_retry", retryable),
		logging.Int("attempt", record.Attempts),
		logging.Error(stageErr))
	r.engine.emit(r.sessionID, stageID, events.KindStageFailed, map[string]string{
		"error":     message,
		"transient": strconv.FormatBool(transient),
		"attempt":   itoa(record.Attempts),
	})

	if retryable {
		r.scheduleRetry(stageID)
		r.settleSessionStatus()
		return false
	}

	// Terminal for the stage; downstream stages can never become ready, so
	// the session fails with it.
	return r.failSession(stageID, message)
}

func (r *runner) failSession(stageID, message string) bool {
	r.cancelAllInFlight()
	r.sess.Status = session.StatusFailed
	r.sess.ErrorMessage = message
	if err := r.engine.store.UpdateSession(r.ctx, r.sess); err != nil {
		r.logger.Error("persist session failure failed", logging.Error(err))
	}
	r.logger.Error("session failed",
		logging.String(logging.FieldStage, stageID),
		logging.String("error_message", message))
	r.engine.emit(r.sessionID, stageID, events.KindSessionFailed, map[string]string{
		"error": message,
	})
	return true
}

func (r *runner) applyConfirm(stageID string) bool {
	record := r.records[stageID]
	if record == nil || record.Status != stagegraph.StageAwaitingConfirmation {
		return false
	}

	record.Status = stagegraph.StageCompleted
	cp, err := r.engine.checkpoints.Save(r.ctx, stageID, checkpoint.ReasonConfirmed, r.snapshotState())
	if err != nil {
		r.logger.Error("confirmation checkpoint failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
		record.Status = stagegraph.StageAwaitingConfirmation
		return false
	}
	record.CheckpointSeq = cp.Sequence

	if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
		r.logger.Error("persist confirmation failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
	}
	r.logger.Info("stage confirmed", logging.String(logging.FieldStage, stageID))
	r.engine.emit(r.sessionID, stageID, events.KindConfirmed, map[string]string{
		"checkpoint_seq": strconv.FormatInt(cp.Sequence, 10),
	})
	r.dispatchReady()
	return false
}

func (r *runner) applyReject(stageID, reason string) bool {
	record := r.records[stageID]
	if record == nil || record.Status != stagegraph.StageAwaitingConfirmation {
		return false
	}

	prev := *record
	record.ResetForRerun()
	record.Revisions++
	record.Feedback = reason

	cp, err := r.engine.checkpoints.Save(r.ctx, stageID, checkpoint.ReasonRejected, r.snapshotState())
	if err != nil {
		r.logger.Error("rejection checkpoint failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
		*record = prev
		return false
	}
	record.CheckpointSeq = cp.Sequence

	if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
		r.logger.Error("persist rejection failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
	}
	r.logger.Info("stage rejected",
		logging.String(logging.FieldStage, stageID),
		logging.String("reason", reason))
	r.engine.emit(r.sessionID, stageID, events.KindRejected, map[string]string{
		"reason": reason,
	})
	r.dispatchReady()
	return false
}

func (r *runner) applyCancel() bool {
	r.cancelAllInFlight()
	r.sess.Status = session.StatusCancelled
	if err := r.engine.store.UpdateSession(r.ctx, r.sess); err != nil {
		r.logger.Error("persist cancellation failed", logging.Error(err))
	}
	r.logger.Info("session cancelled")
	r.engine.emit(r.sessionID, "", events.KindSessionCancelled, nil)
	return true
}

func (r *runner) snapshotState() *checkpoint.SessionState {
	stages := make([]*session.StageRecord, 0, len(r.records))
	for _, stageID := range r.graph.StageIDs() {
		if record := r.records[stageID]; record != nil {
			stages = append(stages, record)
		}
	}
	return &checkpoint.SessionState{Session: r.sess, Stages: stages}
}
