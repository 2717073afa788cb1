package session_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
	"github.com/ozoz66/control-research-copilot/internal/testsupport"
)

func TestCreateSessionSeedsPendingRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	graph := stagegraph.Builtin()
	sess, err := store.CreateSession(ctx, "adaptive beamforming", graph)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(sess.ID) != 12 {
		t.Fatalf("expected 12-char session id, got %q", sess.ID)
	}
	if sess.Status != session.StatusActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}

	records, err := store.StageRecords(ctx, sess.ID)
	if err != nil {
		t.Fatalf("StageRecords failed: %v", err)
	}
	if len(records) != graph.Len() {
		t.Fatalf("expected %d records, got %d", graph.Len(), len(records))
	}
	for _, record := range records {
		if record.Status != stagegraph.StagePending {
			t.Fatalf("expected pending record for %s, got %s", record.StageID, record.Status)
		}
	}
}

func TestGetSessionMissingReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	sess, err := store.GetSession(context.Background(), "missing000000")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil session, got %#v", sess)
	}
}

func TestUpdateStageRecordRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "topic", stagegraph.Builtin())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	record, err := store.StageRecord(ctx, sess.ID, "literature")
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if record == nil {
		t.Fatal("expected literature record")
	}

	score := 84.5
	record.Status = stagegraph.StageCompleted
	record.Artifact = json.RawMessage(`{"summary":"done"}`)
	record.Score = &score
	record.Revisions = 2
	record.Attempts = 1
	record.CheckpointSeq = 3
	record.Feedback = "tighten related work"
	if err := store.UpdateStageRecord(ctx, record); err != nil {
		t.Fatalf("UpdateStageRecord failed: %v", err)
	}

	fetched, err := store.StageRecord(ctx, sess.ID, "literature")
	if err != nil {
		t.Fatalf("StageRecord failed: %v", err)
	}
	if fetched.Status != stagegraph.StageCompleted {
		t.Fatalf("expected completed, got %s", fetched.Status)
	}
	if string(fetched.Artifact) != `{"summary":"done"}` {
		t.Fatalf("unexpected artifact %s", fetched.Artifact)
	}
	if fetched.Score == nil || *fetched.Score != score {
		t.Fatalf("unexpected score %v", fetched.Score)
	}
	if fetched.Revisions != 2 || fetched.Attempts != 1 || fetched.CheckpointSeq != 3 {
		t.Fatalf("unexpected counters %#v", fetched)
	}
	if fetched.Feedback != "tighten related work" {
		t.Fatalf("unexpected feedback %q", fetched.Feedback)
	}
}

func TestUpdateUnknownStageRecordFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	record := &session.StageRecord{
		SessionID: "nope00000000",
		StageID:   "literature",
		Status:    stagegraph.StagePending,
	}
	if err := store.UpdateStageRecord(context.Background(), record); err == nil {
		t.Fatal("expected error updating unknown record")
	}
}

func TestDeleteSessionCascadesAndIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "topic", stagegraph.Builtin())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	records, err := store.StageRecords(ctx, sess.ID)
	if err != nil {
		t.Fatalf("StageRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected cascade delete, got %d records", len(records))
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("second DeleteSession failed: %v", err)
	}
}

func TestListActiveFiltersTerminalSessions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	graph := stagegraph.Builtin()
	active, err := store.CreateSession(ctx, "active", graph)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	done, err := store.CreateSession(ctx, "done", graph)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	done.Status = session.StatusCompleted
	if err := store.UpdateSession(ctx, done); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	sessions, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != active.ID {
		t.Fatalf("unexpected active sessions: %#v", sessions)
	}
}

func TestRevertInFlight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "topic", stagegraph.Builtin())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// A crash can strand stages in either in-flight status: ready when it hit
	// between scheduling and invocation, running when the invocation was live.
	inFlight := map[string]stagegraph.StageStatus{
		"literature": stagegraph.StageRunning,
		"derivation": stagegraph.StageReady,
	}
	for stageID, status := range inFlight {
		record, err := store.StageRecord(ctx, sess.ID, stageID)
		if err != nil {
			t.Fatalf("StageRecord failed: %v", err)
		}
		record.Status = status
		if err := store.UpdateStageRecord(ctx, record); err != nil {
			t.Fatalf("UpdateStageRecord failed: %v", err)
		}
	}

	reverted, err := store.RevertInFlight(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RevertInFlight failed: %v", err)
	}
	if reverted != 2 {
		t.Fatalf("expected 2 reverted records, got %d", reverted)
	}

	for stageID := range inFlight {
		fetched, err := store.StageRecord(ctx, sess.ID, stageID)
		if err != nil {
			t.Fatalf("StageRecord failed: %v", err)
		}
		if fetched.Status != stagegraph.StagePending {
			t.Fatalf("expected %s pending after revert, got %s", stageID, fetched.Status)
		}
	}
}
