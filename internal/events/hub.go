package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed reports a fetch against a stream discarded by Drop.
var ErrStreamClosed = errors.New("event stream closed")

// Hub stores recent events per session and wakes waiters when new events
// arrive.
type Hub struct {
	mu       sync.Mutex
	capacity int
	streams  map[string]*stream
}

type stream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Record
	nextSeq  uint64
	closed   bool
}

// NewHub constructs a hub whose per-session rings hold capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 512
	}
	return &Hub{capacity: capacity, streams: make(map[string]*stream)}
}

func (h *Hub) stream(sessionID string) *stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[sessionID]
	if !ok {
		st = &stream{capacity: h.capacity}
		st.cond = sync.NewCond(&st.mu)
		h.streams[sessionID] = st
	}
	return st
}

// Publish appends an event to its session's stream, assigning the next
// sequence number. A full ring drops its oldest event.
func (h *Hub) Publish(evt Record) {
	if h == nil || evt.SessionID == "" {
		return
	}
	st := h.stream(evt.SessionID)

	st.mu.Lock()
	st.nextSeq++
	evt.Sequence = st.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if len(st.buffer) == st.capacity {
		copy(st.buffer, st.buffer[1:])
		st.buffer = st.buffer[:st.capacity-1]
	}
	st.buffer = append(st.buffer, evt)
	st.cond.Broadcast()
	st.mu.Unlock()
}

// Fetch returns all buffered events for a session with sequence greater than
// since. When wait is true, Fetch blocks until at least one event is
// available or the context ends. The returned cursor is the highest sequence
// assigned so far.
func (h *Hub) Fetch(ctx context.Context, sessionID string, since uint64, limit int, wait bool) ([]Record, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	st := h.stream(sessionID)
	if limit <= 0 || limit > st.capacity {
		limit = st.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				st.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		events, next := st.snapshotLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, contextError(ctx)
		}
		if st.closed {
			return nil, next, ErrStreamClosed
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		st.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

// Subscribe delivers a session's events on a channel starting after the
// given cursor. The channel closes when ctx ends. Events published faster
// than the subscriber drains beyond the ring capacity are lost, consistent
// with the hub's drop-oldest policy.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, since uint64) <-chan Record {
	out := make(chan Record, 16)
	go func() {
		defer close(out)
		cursor := since
		for {
			events, _, err := h.Fetch(ctx, sessionID, cursor, 0, true)
			if err != nil {
				return
			}
			for _, evt := range events {
				select {
				case out <- evt:
					cursor = evt.Sequence
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// FirstSequence reports the smallest sequence number still buffered for a
// session. Events before it have been dropped.
func (h *Hub) FirstSequence(sessionID string) uint64 {
	if h == nil {
		return 0
	}
	st := h.stream(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.buffer) == 0 {
		return st.nextSeq
	}
	return st.buffer[0].Sequence
}

// Drop discards a session's stream. Blocked fetchers wake and fail with
// ErrStreamClosed instead of waiting on the orphaned stream.
func (h *Hub) Drop(sessionID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	st, ok := h.streams[sessionID]
	if ok {
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.closed = true
		st.cond.Broadcast()
		st.mu.Unlock()
	}
}

func (st *stream) snapshotLocked(since uint64, limit int) ([]Record, uint64) {
	if len(st.buffer) == 0 {
		return nil, st.nextSeq
	}
	startIdx := -1
	for i, evt := range st.buffer {
		if evt.Sequence > since {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return nil, st.nextSeq
	}
	end := startIdx + limit
	if end > len(st.buffer) {
		end = len(st.buffer)
	}
	out := make([]Record, end-startIdx)
	copy(out, st.buffer[startIdx:end])
	return out, st.nextSeq
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
