// Package checkpoint persists immutable snapshots of session state.
//
// A checkpoint is written once per meaningful transition (stage completion,
// confirmation decision, rollback) and never mutated. Sequence numbers are
// monotonic per session and assigned inside the insert transaction, so
// concurrent sessions never interleave a single session's sequence. Rollback
// marks later checkpoints superseded instead of deleting them, preserving the
// audit trail. Stored state carries a canonical-JSON SHA-256 hash that is
// verified on load.
package checkpoint
