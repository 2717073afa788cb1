// Package session owns session and stage record persistence.
//
// A session is one end-to-end research run: a topic bound to a stage graph,
// with one StageRecord per stage tracking that stage's latest status,
// artifact, and supervisor score. Records live in SQLite and are mutated only
// by the workflow engine; the Registry mediates external control signals
// (confirm, reject, rollback, cancel) by validating them against current
// state before handing them to the engine.
package session
