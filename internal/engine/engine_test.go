package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/agent"
	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/config"
	"github.com/ozoz66/control-research-copilot/internal/engine"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
	"github.com/ozoz66/control-research-copilot/internal/testsupport"
)

type harness struct {
	cfg         *config.Config
	registry    *session.Registry
	engine      *engine.Engine
	store       *session.Store
	checkpoints *checkpoint.Store
	hub         *events.Hub
	port        *testsupport.ScriptedPort
}

func newHarness(t *testing.T, graph *stagegraph.Graph, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	checkpoints := testsupport.MustOpenCheckpointStore(t, cfg)
	hub := events.NewHub(cfg.Workflow.EventBufferSize)
	port := testsupport.NewScriptedPort()
	graphs := stagegraph.NewSet(graph)

	registry := session.NewRegistry(store, graphs, logging.NewNop())
	eng := engine.New(cfg, store, checkpoints, graphs, port, hub, logging.NewNop())
	registry.SetController(eng)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(eng.Stop)

	return &harness{
		cfg:         cfg,
		registry:    registry,
		engine:      eng,
		store:       store,
		checkpoints: checkpoints,
		hub:         hub,
		port:        port,
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func (h *harness) waitSessionStatus(t *testing.T, sessionID string, want session.Status) {
	t.Helper()
	waitFor(t, "session status "+string(want), func() bool {
		sess, err := h.store.GetSession(context.Background(), sessionID)
		return err == nil && sess != nil && sess.Status == want
	})
}

func (h *harness) waitStageStatus(t *testing.T, sessionID, stageID string, want stagegraph.StageStatus) {
	t.Helper()
	waitFor(t, "stage "+stageID+" status "+string(want), func() bool {
		record, err := h.store.StageRecord(context.Background(), sessionID, stageID)
		return err == nil && record != nil && record.Status == want
	})
}

func (h *harness) stage(t *testing.T, sessionID, stageID string) *session.StageRecord {
	t.Helper()
	record, err := h.store.StageRecord(context.Background(), sessionID, stageID)
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if record == nil {
		t.Fatalf("stage %s missing", stageID)
	}
	return record
}

func mustGraph(t *testing.T, name string, nodes []stagegraph.Node) *stagegraph.Graph {
	t.Helper()
	graph, err := stagegraph.New(name, nodes)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return graph
}

func linearGraph(t *testing.T) *stagegraph.Graph {
	return mustGraph(t, "linear", []stagegraph.Node{
		{ID: "a", Role: "worker-a"},
		{ID: "b", Role: "worker-b", DependsOn: []string{"a"}},
	})
}

func diamondGraph(t *testing.T) *stagegraph.Graph {
	return mustGraph(t, "diamond", []stagegraph.Node{
		{ID: "a", Role: "worker"},
		{ID: "b", Role: "worker", DependsOn: []string{"a"}},
		{ID: "c", Role: "worker", DependsOn: []string{"b"}},
		{ID: "d", Role: "worker", DependsOn: []string{"b", "c"}},
	})
}

func TestLinearSessionRunsToCompletion(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	sess, err := h.registry.Create(ctx, "observer design", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	a := h.stage(t, sess.ID, "a")
	if a.Status != stagegraph.StageCompleted || len(a.Artifact) == 0 {
		t.Fatalf("unexpected stage a: %#v", a)
	}

	// Stage b received stage a's artifact as input.
	calls := h.port.Calls("b", "worker-b")
	if len(calls) != 1 {
		t.Fatalf("expected one invocation of b, got %d", len(calls))
	}
	if _, ok := calls[0].Inputs["a"]; !ok {
		t.Fatalf("stage b missing dependency artifact: %#v", calls[0].Inputs)
	}

	// Baseline plus one checkpoint per completed stage.
	checkpoints, err := h.checkpoints.List(ctx, sess.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(checkpoints) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(checkpoints))
	}
	for i, cp := range checkpoints {
		if cp.Sequence != int64(i+1) {
			t.Fatalf("non-monotonic sequence at %d: %d", i, cp.Sequence)
		}
	}
}

func TestTransientFailureRetriesUpToBudget(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor(), testsupport.WithRetryBudget(2))
	ctx := context.Background()

	boom := agent.Wrap(agent.ErrTransient, "a", "invoke", errors.New("upstream flake"))
	h.port.Script("a", "worker-a", testsupport.ScriptStep{Err: boom})

	sess, err := h.registry.Create(ctx, "topic", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitSessionStatus(t, sess.ID, session.StatusFailed)

	// Budget of 2 means exactly 2 transient failures, then terminal failure.
	if calls := h.port.Calls("a", "worker-a"); len(calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(calls))
	}
	a := h.stage(t, sess.ID, "a")
	if a.Status != stagegraph.StageFailed || a.Attempts != 2 {
		t.Fatalf("unexpected stage a: %#v", a)
	}
	// Downstream never became ready.
	if calls := h.port.Calls("b", "worker-b"); len(calls) != 0 {
		t.Fatalf("stage b must not run, got %d calls", len(calls))
	}
}

func TestTransientFailureRecoversWithinBudget(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor(), testsupport.WithRetryBudget(4))
	ctx := context.Background()

	boom := agent.Wrap(agent.ErrTransient, "a", "invoke", errors.New("rate limited"))
	h.port.Script("a", "worker-a",
		testsupport.ScriptStep{Err: boom},
		testsupport.ScriptStep{Err: boom},
		testsupport.ScriptStep{Artifact: `{"recovered":true}`},
	)

	sess, err := h.registry.Create(ctx, "topic", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)
	a := h.stage(t, sess.ID, "a")
	if a.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", a.Attempts)
	}
}

func TestPermanentFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	h.port.Script("a", "worker-a", testsupport.ScriptStep{
		Err: agent.Wrap(agent.ErrPermanent, "a", "invoke", errors.New("invalid credentials")),
	})

	sess, err := h.registry.Create(ctx, "topic", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitSessionStatus(t, sess.ID, session.StatusFailed)
	if calls := h.port.Calls("a", "worker-a"); len(calls) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(calls))
	}

	stored, _ := h.store.GetSession(ctx, sess.ID)
	if stored.ErrorMessage == "" {
		t.Fatal("expected session error message")
	}
}

func TestSupervisorForcesRevisionsThenAccepts(t *testing.T) {
	graph := mustGraph(t, "scored", []stagegraph.Node{
		{ID: "a", Role: "worker", Scored: true},
	})
	h := newHarness(t, graph, testsupport.WithSupervisor(70, 3))
	ctx := context.Background()

	h.port.Script("a", "supervisor",
		testsupport.ScriptStep{Artifact: `{"score": 40, "passed": false, "issues": ["needs rigor"]}`},
		testsupport.ScriptStep{Artifact: `{"score": 60, "issues": ["closer"], "suggestions": ["tighten the proof"]}`},
		testsupport.ScriptStep{Artifact: `{"score": 85, "passed": true}`},
	)

	sess, err := h.registry.Create(ctx, "topic", "scored")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	a := h.stage(t, sess.ID, "a")
	if a.Revisions != 2 {
		t.Fatalf("expected 2 revisions, got %d", a.Revisions)
	}
	if a.Score == nil || *a.Score != 85 {
		t.Fatalf("expected final score 85, got %v", a.Score)
	}

	// Three worker runs: initial plus two revisions, with feedback threaded in.
	workerCalls := h.port.Calls("a", "worker")
	if len(workerCalls) != 3 {
		t.Fatalf("expected 3 worker invocations, got %d", len(workerCalls))
	}
	if workerCalls[1].Feedback != "issues: needs rigor" {
		t.Fatalf("first revision feedback not threaded: %q", workerCalls[1].Feedback)
	}
	if workerCalls[2].Feedback != "issues: closer\nsuggestions: tighten the proof" {
		t.Fatalf("second revision feedback not threaded: %q", workerCalls[2].Feedback)
	}
}

func TestSupervisorRejectionOverridesPassingScore(t *testing.T) {
	graph := mustGraph(t, "scored", []stagegraph.Node{
		{ID: "a", Role: "worker", Scored: true},
	})
	h := newHarness(t, graph, testsupport.WithSupervisor(70, 2))
	ctx := context.Background()

	// The supervisor scores above threshold but still rejects; the verdict
	// wins and the stage revises.
	h.port.Script("a", "supervisor",
		testsupport.ScriptStep{Artifact: `{"score": 90, "passed": false, "suggestions": ["cite prior art"]}`},
		testsupport.ScriptStep{Artifact: `{"score": 92, "passed": true}`},
	)

	sess, err := h.registry.Create(ctx, "topic", "scored")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	a := h.stage(t, sess.ID, "a")
	if a.Revisions != 1 {
		t.Fatalf("expected 1 revision from the overriding verdict, got %d", a.Revisions)
	}
	workerCalls := h.port.Calls("a", "worker")
	if len(workerCalls) != 2 {
		t.Fatalf("expected 2 worker invocations, got %d", len(workerCalls))
	}
	if workerCalls[1].Feedback != "suggestions: cite prior art" {
		t.Fatalf("rejection feedback not threaded: %q", workerCalls[1].Feedback)
	}
}

func TestSupervisorExhaustedRevisionsForceConfirmation(t *testing.T) {
	graph := mustGraph(t, "scored", []stagegraph.Node{
		{ID: "a", Role: "worker", Scored: true},
	})
	h := newHarness(t, graph, testsupport.WithSupervisor(70, 2))
	ctx := context.Background()

	h.port.Script("a", "supervisor",
		testsupport.ScriptStep{Artifact: `{"score": 30, "issues": ["weak"]}`},
	)

	sess, err := h.registry.Create(ctx, "topic", "scored")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// An always-failing score never completes automatically: after the
	// revision budget is spent the stage suspends for a human decision.
	h.waitSessionStatus(t, sess.ID, session.StatusAwaitingConfirmation)

	a := h.stage(t, sess.ID, "a")
	if a.Status != stagegraph.StageAwaitingConfirmation || a.Revisions != 2 {
		t.Fatalf("unexpected stage a after revision budget: %#v", a)
	}
	if calls := h.port.Calls("a", "worker"); len(calls) != 3 {
		t.Fatalf("expected 3 worker invocations, got %d", len(calls))
	}

	if err := h.registry.Confirm(ctx, sess.ID, "a"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)
}

func TestConfirmationGateSuspendsBranch(t *testing.T) {
	graph := mustGraph(t, "gated", []stagegraph.Node{
		{ID: "a", Role: "worker", RequiresConfirmation: true},
		{ID: "b", Role: "worker", DependsOn: []string{"a"}},
	})
	h := newHarness(t, graph, testsupport.WithoutSupervisor())
	ctx := context.Background()

	sess, err := h.registry.Create(ctx, "topic", "gated")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitStageStatus(t, sess.ID, "a", stagegraph.StageAwaitingConfirmation)
	h.waitSessionStatus(t, sess.ID, session.StatusAwaitingConfirmation)
	if calls := h.port.Calls("b", "worker"); len(calls) != 0 {
		t.Fatalf("stage b must wait for confirmation, got %d calls", len(calls))
	}

	if err := h.registry.Confirm(ctx, sess.ID, "a"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	a := h.stage(t, sess.ID, "a")
	if a.Status != stagegraph.StageCompleted {
		t.Fatalf("expected a completed after confirm, got %s", a.Status)
	}
}

func TestRejectReturnsStageForRevision(t *testing.T) {
	graph := mustGraph(t, "gated", []stagegraph.Node{
		{ID: "a", Role: "worker", RequiresConfirmation: true},
	})
	h := newHarness(t, graph, testsupport.WithoutSupervisor())
	ctx := context.Background()

	sess, err := h.registry.Create(ctx, "topic", "gated")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.waitStageStatus(t, sess.ID, "a", stagegraph.StageAwaitingConfirmation)

	if err := h.registry.Reject(ctx, sess.ID, "a", "rework the problem statement"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	// The stage re-runs and lands back at the confirmation gate.
	waitFor(t, "second invocation of a", func() bool {
		return len(h.port.Calls("a", "worker")) >= 2
	})
	h.waitStageStatus(t, sess.ID, "a", stagegraph.StageAwaitingConfirmation)

	calls := h.port.Calls("a", "worker")
	if calls[1].Feedback != "rework the problem statement" {
		t.Fatalf("rejection feedback not threaded: %q", calls[1].Feedback)
	}
	a := h.stage(t, sess.ID, "a")
	if a.Revisions != 1 {
		t.Fatalf("expected 1 revision after reject, got %d", a.Revisions)
	}
}

func TestRollbackCascadesToDependents(t *testing.T) {
	h := newHarness(t, diamondGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	sess, err := h.registry.Create(ctx, "topic", "diamond")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	if err := h.registry.Rollback(ctx, sess.ID, "b"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	// b, c, d re-run; a keeps its original single invocation.
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)
	for _, stageID := range []string{"b", "c", "d"} {
		waitFor(t, stageID+" re-run", func() bool {
			return len(h.port.Calls(stageID, "worker")) >= 2
		})
	}
	if calls := h.port.Calls("a", "worker"); len(calls) != 1 {
		t.Fatalf("stage a must not re-run, got %d calls", len(calls))
	}

	dCalls := h.port.Calls("d", "worker")
	last := dCalls[len(dCalls)-1]
	for _, dep := range []string{"b", "c"} {
		if _, ok := last.Inputs[dep]; !ok {
			t.Fatalf("re-run of d missing %s artifact in inputs", dep)
		}
	}

	// Checkpoints taken after the restore point are superseded, not deleted.
	checkpoints, err := h.checkpoints.List(ctx, sess.ID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var superseded int
	for _, cp := range checkpoints {
		if cp.Superseded {
			superseded++
		}
	}
	if superseded == 0 {
		t.Fatal("expected superseded checkpoints after rollback")
	}
	latest, err := h.checkpoints.Latest(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Superseded {
		t.Fatal("latest checkpoint must not be superseded")
	}
}

func TestRollbackFailureLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, diamondGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	sess, err := h.registry.Create(ctx, "topic", "diamond")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	// A broken checkpoint store must abort the rollback before anything
	// durable or in-memory changes.
	if err := h.checkpoints.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := h.registry.Rollback(ctx, sess.ID, "b"); err != nil {
		t.Fatalf("Rollback delivery failed: %v", err)
	}

	// The rollback is dropped asynchronously; give the runner a moment.
	time.Sleep(200 * time.Millisecond)

	stored, err := h.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if stored.Status != session.StatusCompleted {
		t.Fatalf("session status changed after failed rollback: %s", stored.Status)
	}
	for _, stageID := range []string{"a", "b", "c", "d"} {
		record := h.stage(t, sess.ID, stageID)
		if record.Status != stagegraph.StageCompleted {
			t.Fatalf("stage %s changed after failed rollback: %s", stageID, record.Status)
		}
	}
	if calls := h.port.Calls("b", "worker"); len(calls) != 1 {
		t.Fatalf("stage b must not re-run after failed rollback, got %d calls", len(calls))
	}
}

func TestCancelAbortsInFlightInvocation(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	h.port.Script("a", "worker-a", testsupport.ScriptStep{Block: true})

	sess, err := h.registry.Create(ctx, "topic", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitFor(t, "a invoked", func() bool {
		return len(h.port.Calls("a", "worker-a")) == 1
	})

	if err := h.registry.Cancel(ctx, sess.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCancelled)
}

func TestIndependentSessionsProgressConcurrently(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	first, err := h.registry.Create(ctx, "first", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := h.registry.Create(ctx, "second", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	h.waitSessionStatus(t, first.ID, session.StatusCompleted)
	h.waitSessionStatus(t, second.ID, session.StatusCompleted)

	// Each session's checkpoint sequence starts at 1 independently.
	for _, id := range []string{first.ID, second.ID} {
		checkpoints, err := h.checkpoints.List(ctx, id)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(checkpoints) == 0 || checkpoints[0].Sequence != 1 {
			t.Fatalf("session %s checkpoint sequence must start at 1", id)
		}
	}
}

func TestEventsFollowStageLifecycle(t *testing.T) {
	h := newHarness(t, linearGraph(t), testsupport.WithoutSupervisor())
	ctx := context.Background()

	sess, err := h.registry.Create(ctx, "topic", "linear")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.waitSessionStatus(t, sess.ID, session.StatusCompleted)

	records, _, err := h.hub.Fetch(ctx, sess.ID, 0, 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	kinds := make([]events.Kind, 0, len(records))
	for _, record := range records {
		kinds = append(kinds, record.Kind)
	}
	want := []events.Kind{
		events.KindSessionCreated,
		events.KindStageStarted,
		events.KindStageCompleted,
		events.KindStageStarted,
		events.KindStageCompleted,
		events.KindSessionCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected event kinds: %v", kinds)
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("event %d: got %s, want %s (all: %v)", i, kinds[i], kind, kinds)
		}
	}
}

func TestResumeRevertsInterruptedStages(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithoutSupervisor())
	store := testsupport.MustOpenStore(t, cfg)
	checkpoints := testsupport.MustOpenCheckpointStore(t, cfg)
	graph := mustGraph(t, "linear", []stagegraph.Node{
		{ID: "a", Role: "worker-a"},
		{ID: "b", Role: "worker-b", DependsOn: []string{"a"}},
	})
	graphs := stagegraph.NewSet(graph)
	ctx := context.Background()

	// Simulate a crash: a session left active with a stage stuck running.
	sess, err := store.CreateSession(ctx, "interrupted", graph)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	record, _ := store.StageRecord(ctx, sess.ID, "a")
	record.Status = stagegraph.StageRunning
	record.Attempts = 1
	if err := store.UpdateStageRecord(ctx, record); err != nil {
		t.Fatalf("UpdateStageRecord failed: %v", err)
	}

	hub := events.NewHub(64)
	port := testsupport.NewScriptedPort()
	eng := engine.New(cfg, store, checkpoints, graphs, port, hub, logging.NewNop())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(eng.Stop)

	waitFor(t, "resumed session completion", func() bool {
		stored, err := store.GetSession(ctx, sess.ID)
		return err == nil && stored != nil && stored.Status == session.StatusCompleted
	})
}
