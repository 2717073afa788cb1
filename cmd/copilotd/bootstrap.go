package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ozoz66/control-research-copilot/internal/agent"
	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/config"
	"github.com/ozoz66/control-research-copilot/internal/daemon"
	"github.com/ozoz66/control-research-copilot/internal/engine"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/session"
	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

// buildDaemon wires stores, graphs, the agent port, and the engine into a
// ready-to-start daemon.
func buildDaemon(cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	store, err := session.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	checkpoints, err := checkpoint.Open(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	graphs, err := loadGraphs(cfg)
	if err != nil {
		_ = store.Close()
		_ = checkpoints.Close()
		return nil, err
	}

	hub := events.NewHub(cfg.Workflow.EventBufferSize)
	port := agent.NewLLMPort(cfg.LLM)

	registry := session.NewRegistry(store, graphs, logger)
	eng := engine.New(cfg, store, checkpoints, graphs, port, hub, logger)
	registry.SetController(eng)

	d, err := daemon.New(cfg, registry, eng, checkpoints, hub, logger)
	if err != nil {
		_ = store.Close()
		_ = checkpoints.Close()
		return nil, err
	}
	return d, nil
}

// loadGraphs registers the built-in pipeline plus an optional custom graph
// from paths.graph_path.
func loadGraphs(cfg *config.Config) (*stagegraph.Set, error) {
	graphs := []*stagegraph.Graph{stagegraph.Builtin()}
	if path := strings.TrimSpace(cfg.Paths.GraphPath); path != "" {
		custom, err := stagegraph.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load stage graph %s: %w", path, err)
		}
		graphs = append(graphs, custom)
	}
	return stagegraph.NewSet(graphs...), nil
}
