// Package events fans stage transition events out to subscribers.
//
// Each session gets an independent ordered stream backed by a bounded
// in-memory ring. When the ring is full the oldest event is dropped, so a
// slow subscriber never blocks the engine. Cursor-based Fetch supports
// long-polling; Subscribe wraps it in a channel that closes when the caller's
// context ends. Events are ephemeral; late subscribers reconstruct history by
// replaying the session's checkpoint log.
package events
