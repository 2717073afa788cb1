package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ozoz66/control-research-copilot/internal/agent"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

type ctrlKind int

const (
	ctrlConfirm ctrlKind = iota
	ctrlReject
	ctrlRollback
	ctrlCancel
	ctrlRetry
)

type ctrlMsg struct {
	kind    ctrlKind
	stageID string
	reason  string
}

// stageResult reports the end of one invocation or scoring goroutine.
type stageResult struct {
	stageID string
	outcome *agent.Outcome
	review  *agent.Review
	scoring bool
	err     error
}

type retryState struct {
	bo *backoff.ExponentialBackOff
}

// runner owns all state mutations for one session. It is the single writer:
// invocations run concurrently in their own goroutines, but every transition
// commits through the runner's loop.
type runner struct {
	engine    *Engine
	sessionID string
	graph     *stagegraph.Graph
	ctx       context.Context
	cancel    context.CancelFunc
	ctrl      chan ctrlMsg
	results   chan stageResult
	inFlight  map[string]context.CancelFunc
	backoffs  map[string]*retryState
	logger    *slog.Logger

	sess           *session.Session
	records        map[string]*session.StageRecord
	pendingRetries int
}

func (r *runner) run() {
	state, _, err := r.engine.loadState(r.ctx, r.sessionID)
	if err != nil {
		r.logger.Error("load session state failed", logging.Error(err))
		return
	}
	// Completed and failed sessions can be revived by a queued rollback, so
	// only cancellation is final here.
	if state.Session.Status == session.StatusCancelled {
		return
	}

	r.sess = state.Session
	r.records = make(map[string]*session.StageRecord, len(state.Stages))
	for _, record := range state.Stages {
		r.records[record.StageID] = record
	}

	r.dispatchReady()
	r.loop()
}

func (r *runner) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.ctrl:
			if done := r.handleCtrl(msg); done {
				return
			}
		case result := <-r.results:
			if done := r.handleResult(result); done {
				return
			}
		}
		if r.sess.Status.IsTerminal() {
			return
		}
	}
}

func (r *runner) handleCtrl(msg ctrlMsg) bool {
	switch msg.kind {
	case ctrlConfirm:
		return r.applyConfirm(msg.stageID)
	case ctrlReject:
		return r.applyReject(msg.stageID, msg.reason)
	case ctrlRollback:
		return r.applyRollback(msg.stageID)
	case ctrlCancel:
		return r.applyCancel()
	case ctrlRetry:
		return r.applyRetry(msg.stageID)
	}
	return false
}

func (r *runner) status(stageID string) stagegraph.StageStatus {
	record, ok := r.records[stageID]
	if !ok {
		return ""
	}
	return record.Status
}

// dispatchReady advances every stage whose dependencies are completed and
// whose own status is pending through ready into a running invocation.
// Independent branches run concurrently. The ready hop is persisted so a
// crash between scheduling and invocation reverts cleanly on resume.
func (r *runner) dispatchReady() {
	for _, stageID := range r.graph.ReadyStages(r.status) {
		record := r.records[stageID]
		if record == nil {
			continue
		}
		record.Status = stagegraph.StageReady
		if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
			r.logger.Error("persist ready transition failed",
				logging.String(logging.FieldStage, stageID),
				logging.Error(err))
			record.Status = stagegraph.StagePending
			r.scheduleErrorRetry(stageID)
			continue
		}
		r.startStage(stageID)
	}
	r.settleSessionStatus()
}

func (r *runner) startStage(stageID string) {
	record := r.records[stageID]
	node, ok := r.graph.Node(stageID)
	if !ok || record == nil {
		return
	}

	record.Status = stagegraph.StageRunning
	record.Attempts++
	record.ErrorMessage = ""
	if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
		r.logger.Error("persist running transition failed",
			logging.String(logging.FieldStage, stageID),
			logging.Error(err))
		record.Status = stagegraph.StagePending
		record.Attempts--
		r.scheduleErrorRetry(stageID)
		return
	}

	r.logger.Info("stage started",
		logging.String(logging.FieldStage, stageID),
		logging.String(logging.FieldRole, node.Role),
		logging.Int("attempt", record.Attempts))
	r.engine.emit(r.sessionID, stageID, events.KindStageStarted, map[string]string{
		"attempt": itoa(record.Attempts),
	})

	r.invoke(stageID, agent.Request{
		SessionID: r.sessionID,
		StageID:   stageID,
		Role:      node.Role,
		Topic:     r.sess.Topic,
		Inputs:    r.dependencyArtifacts(stageID),
		Feedback:  record.Feedback,
		Revision:  record.Revisions,
	}, false)
}

// invoke launches one port call in its own goroutine. The per-stage cancel is
// tracked so rollback and session cancellation can abort outstanding work.
func (r *runner) invoke(stageID string, req agent.Request, scoring bool) {
	invCtx, invCancel := context.WithTimeout(r.ctx, r.engine.invocationTimeout())
	r.inFlight[stageID] = invCancel

	go func() {
		outcome, err := r.engine.port.Invoke(invCtx, req)
		invCancel()

		result := stageResult{stageID: stageID, outcome: outcome, scoring: scoring, err: err}
		if err == nil && scoring {
			review, parseErr := agent.ParseReview(string(outcome.Artifact))
			result.review = &review
			result.err = parseErr
		}
		select {
		case r.results <- result:
		case <-r.ctx.Done():
		}
	}()
}

func (r *runner) dependencyArtifacts(stageID string) map[string]json.RawMessage {
	node, ok := r.graph.Node(stageID)
	if !ok {
		return nil
	}
	inputs := make(map[string]json.RawMessage, len(node.DependsOn))
	for _, dep := range node.DependsOn {
		if record := r.records[dep]; record != nil && len(record.Artifact) > 0 {
			inputs[dep] = record.Artifact
		}
	}
	return inputs
}

// scheduleRetry re-enters a failed stage after its backoff delay.
func (r *runner) scheduleRetry(stageID string) {
	state, ok := r.backoffs[stageID]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Duration(r.engine.cfg.Workflow.RetryBackoffSeconds) * time.Second
		bo.MaxInterval = time.Duration(r.engine.cfg.Workflow.RetryBackoffMaxSeconds) * time.Second
		bo.MaxElapsedTime = 0
		state = &retryState{bo: bo}
		r.backoffs[stageID] = state
	}
	r.delayedRetry(stageID, state.bo.NextBackOff())
}

// scheduleErrorRetry re-dispatches a stage after a persistence failure. This
// path does not consume retry budget: the worker never ran.
func (r *runner) scheduleErrorRetry(stageID string) {
	r.delayedRetry(stageID, r.engine.errorRetryInterval())
}

func (r *runner) delayedRetry(stageID string, delay time.Duration) {
	r.pendingRetries++
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case r.ctrl <- ctrlMsg{kind: ctrlRetry, stageID: stageID}:
			case <-r.ctx.Done():
			}
		case <-r.ctx.Done():
		}
	}()
}

func (r *runner) applyRetry(stageID string) bool {
	r.pendingRetries--
	record := r.records[stageID]
	if record == nil {
		return false
	}
	switch record.Status {
	case stagegraph.StageFailed, stagegraph.StagePending:
	default:
		return false
	}
	if record.Status == stagegraph.StageFailed {
		record.Status = stagegraph.StagePending
		if err := r.engine.store.UpdateStageRecord(r.ctx, record); err != nil {
			r.logger.Error("persist retry transition failed",
				logging.String(logging.FieldStage, stageID),
				logging.Error(err))
			record.Status = stagegraph.StageFailed
			r.scheduleErrorRetry(stageID)
			return false
		}
	}
	r.dispatchReady()
	return false
}

func (r *runner) cancelInFlight(stageID string) {
	if cancel, ok := r.inFlight[stageID]; ok {
		cancel()
		delete(r.inFlight, stageID)
	}
}

func (r *runner) cancelAllInFlight() {
	for stageID, cancel := range r.inFlight {
		cancel()
		delete(r.inFlight, stageID)
	}
}

// settleSessionStatus derives the session status from current stage state and
// persists it when it changed.
func (r *runner) settleSessionStatus() {
	next := r.deriveSessionStatus()
	if next == r.sess.Status {
		return
	}
	prev := r.sess.Status
	r.sess.Status = next
	if err := r.engine.store.UpdateSession(r.ctx, r.sess); err != nil {
		r.logger.Error("persist session status failed", logging.Error(err))
		r.sess.Status = prev
		return
	}
	switch next {
	case session.StatusCompleted:
		r.logger.Info("session completed")
		r.engine.emit(r.sessionID, "", events.KindSessionCompleted, nil)
	}
}

func (r *runner) deriveSessionStatus() session.Status {
	allCompleted := true
	anyAwaiting := false
	for _, stageID := range r.graph.StageIDs() {
		switch r.status(stageID) {
		case stagegraph.StageCompleted:
		case stagegraph.StageAwaitingConfirmation:
			anyAwaiting = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return session.StatusCompleted
	}
	if anyAwaiting && len(r.inFlight) == 0 && r.pendingRetries == 0 {
		return session.StatusAwaitingConfirmation
	}
	return session.StatusActive
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
