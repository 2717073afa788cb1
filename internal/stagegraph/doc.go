// Package stagegraph defines the static stage dependency graph a research
// pipeline executes.
//
// A Graph is built once from a set of Nodes and validated for cycles and
// dangling dependency references before any session is created. It answers
// the two questions the workflow engine asks: which stages are ready to run
// given a session's per-stage statuses, and which stages are downstream of a
// rollback target. Graphs can be declared in YAML or taken from the built-in
// control-research pipeline.
package stagegraph
