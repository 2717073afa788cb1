package daemon_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/api"
	"github.com/ozoz66/control-research-copilot/internal/config"
	"github.com/ozoz66/control-research-copilot/internal/daemon"
	"github.com/ozoz66/control-research-copilot/internal/engine"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/logging"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
	"github.com/ozoz66/control-research-copilot/internal/testsupport"
)

type harness struct {
	cfg    *config.Config
	daemon *daemon.Daemon
	client *api.Client
	port   *testsupport.ScriptedPort
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	checkpoints := testsupport.MustOpenCheckpointStore(t, cfg)
	hub := events.NewHub(cfg.Workflow.EventBufferSize)
	port := testsupport.NewScriptedPort()

	graph, err := stagegraph.New("review", []stagegraph.Node{
		{ID: "draft", Role: "author"},
		{ID: "final", Role: "editor", DependsOn: []string{"draft"}, RequiresConfirmation: true},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	graphs := stagegraph.NewSet(graph)

	registry := session.NewRegistry(store, graphs, logging.NewNop())
	eng := engine.New(cfg, store, checkpoints, graphs, port, hub, logging.NewNop())
	registry.SetController(eng)

	d, err := daemon.New(cfg, registry, eng, checkpoints, hub, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(d.Stop)

	return &harness{
		cfg:    cfg,
		daemon: d,
		client: api.NewClient(d.APIAddr(), cfg.Paths.APIToken),
		port:   port,
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

func (h *harness) waitStatus(t *testing.T, sessionID, want string) {
	t.Helper()
	waitFor(t, "session status "+want, func() bool {
		detail, err := h.client.GetSession(context.Background(), sessionID)
		return err == nil && detail.Session.Status == want
	})
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, testsupport.WithoutSupervisor())
	ctx := context.Background()

	detail, err := h.client.CreateSession(ctx, "filter design", "review")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if detail.Session.Topic != "filter design" || len(detail.Stages) != 2 {
		t.Fatalf("unexpected detail: %#v", detail)
	}
	sessionID := detail.Session.ID

	h.waitStatus(t, sessionID, string(session.StatusAwaitingConfirmation))

	if err := h.client.Confirm(ctx, sessionID, "final"); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	h.waitStatus(t, sessionID, string(session.StatusCompleted))

	sessions, err := h.client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sessionID {
		t.Fatalf("unexpected session list: %#v", sessions)
	}

	stream, err := h.client.Events(ctx, sessionID, 0, 0, false)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(stream.Events) == 0 || stream.Next == 0 {
		t.Fatalf("expected buffered events, got %#v", stream)
	}

	checkpoints, err := h.client.Checkpoints(ctx, sessionID)
	if err != nil {
		t.Fatalf("Checkpoints failed: %v", err)
	}
	if len(checkpoints) < 3 {
		t.Fatalf("expected at least 3 checkpoints, got %d", len(checkpoints))
	}

	status, err := h.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Running || status.PID == 0 {
		t.Fatalf("unexpected status: %#v", status)
	}
	if status.SessionCounts[string(session.StatusCompleted)] != 1 {
		t.Fatalf("unexpected session counts: %#v", status.SessionCounts)
	}
}

func TestRejectRequiresAwaitingStage(t *testing.T) {
	h := newHarness(t, testsupport.WithoutSupervisor())
	ctx := context.Background()

	detail, err := h.client.CreateSession(ctx, "topic", "review")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// draft has no confirmation gate, so rejecting it is never legal.
	h.waitStatus(t, detail.Session.ID, string(session.StatusAwaitingConfirmation))
	err = h.client.Reject(ctx, detail.Session.ID, "draft", "redo")
	se, ok := err.(*api.ErrorFromStatus)
	if !ok || se.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	h := newHarness(t, testsupport.WithoutSupervisor())

	_, err := h.client.GetSession(context.Background(), "missing")
	if !api.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBearerTokenGuardsAPI(t *testing.T) {
	h := newHarness(t, testsupport.WithoutSupervisor(), func(cfg *config.Config) {
		cfg.Paths.APIToken = "secret"
	})

	unauthorized := api.NewClient(h.daemon.APIAddr(), "")
	_, err := unauthorized.Status(context.Background())
	se, ok := err.(*api.ErrorFromStatus)
	if !ok || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	if _, err := h.client.Status(context.Background()); err != nil {
		t.Fatalf("authorized request failed: %v", err)
	}
}

func TestSecondInstanceRefusesLock(t *testing.T) {
	h := newHarness(t, testsupport.WithoutSupervisor())

	store := testsupport.MustOpenStore(t, h.cfg)
	checkpoints := testsupport.MustOpenCheckpointStore(t, h.cfg)
	graphs := stagegraph.NewSet()
	registry := session.NewRegistry(store, graphs, logging.NewNop())
	eng := engine.New(h.cfg, store, checkpoints, graphs, testsupport.NewScriptedPort(), nil, logging.NewNop())
	registry.SetController(eng)

	second, err := daemon.New(h.cfg, registry, eng, checkpoints, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New failed: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected second instance to fail lock acquisition")
	}
}

func TestDeleteCancelsActiveSession(t *testing.T) {
	h := newHarness(t, testsupport.WithoutSupervisor())
	ctx := context.Background()

	h.port.Script("draft", "author", testsupport.ScriptStep{Block: true})
	detail, err := h.client.CreateSession(ctx, "topic", "review")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	waitFor(t, "draft invoked", func() bool {
		return len(h.port.Calls("draft", "author")) == 1
	})

	if err := h.client.DeleteSession(ctx, detail.Session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	_, err = h.client.GetSession(ctx, detail.Session.ID)
	if !api.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
