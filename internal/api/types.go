// Package api defines the wire types shared by the daemon's HTTP surface and
// the CLI client.
package api

import (
	"encoding/json"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
	"github.com/ozoz66/control-research-copilot/internal/events"
	"github.com/ozoz66/control-research-copilot/internal/session"
)

// CreateSessionRequest starts a new research session.
type CreateSessionRequest struct {
	Topic string `json:"topic"`
	Graph string `json:"graph,omitempty"`
}

// RejectRequest carries the reviewer's reason for sending a stage back.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RollbackRequest names the stage whose result should be discarded.
type RollbackRequest struct {
	Stage string `json:"stage"`
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Graph        string    `json:"graph"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StageView is the wire projection of one stage record.
type StageView struct {
	Stage         string          `json:"stage"`
	Status        string          `json:"status"`
	Artifact      json.RawMessage `json:"artifact,omitempty"`
	Score         *float64        `json:"score,omitempty"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Revisions     int             `json:"revisions"`
	Attempts      int             `json:"attempts"`
	CheckpointSeq int64           `json:"checkpoint_seq,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SessionDetail is a session with its per-stage state.
type SessionDetail struct {
	Session SessionSummary `json:"session"`
	Stages  []StageView    `json:"stages"`
}

// SessionListResponse wraps the session list endpoint payload.
type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// EventRecord is the wire form of one session event.
type EventRecord struct {
	Sequence  uint64            `json:"sequence"`
	Stage     string            `json:"stage,omitempty"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventStreamResponse carries a page of events plus the cursor for the next
// fetch.
type EventStreamResponse struct {
	Events []EventRecord `json:"events"`
	Next   uint64        `json:"next"`
}

// CheckpointInfo describes one checkpoint without its state payload.
type CheckpointInfo struct {
	Sequence   int64     `json:"sequence"`
	Stage      string    `json:"stage,omitempty"`
	Reason     string    `json:"reason"`
	Hash       string    `json:"hash"`
	Superseded bool      `json:"superseded"`
	CreatedAt  time.Time `json:"created_at"`
}

// CheckpointListResponse wraps the checkpoint log endpoint payload.
type CheckpointListResponse struct {
	Checkpoints []CheckpointInfo `json:"checkpoints"`
}

// StatusResponse reports daemon runtime information.
type StatusResponse struct {
	Running        bool           `json:"running"`
	PID            int            `json:"pid"`
	ActiveSessions int            `json:"active_sessions"`
	SessionDBPath  string         `json:"session_db_path"`
	LockFilePath   string         `json:"lock_file_path"`
	Graphs         []string       `json:"graphs"`
	SessionCounts  map[string]int `json:"session_counts,omitempty"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromSession converts a domain session into its wire summary.
func FromSession(sess *session.Session) SessionSummary {
	if sess == nil {
		return SessionSummary{}
	}
	return SessionSummary{
		ID:           sess.ID,
		Topic:        sess.Topic,
		Graph:        sess.GraphName,
		Status:       string(sess.Status),
		ErrorMessage: sess.ErrorMessage,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

// FromView converts a session view into its wire detail.
func FromView(view *session.View) SessionDetail {
	if view == nil {
		return SessionDetail{}
	}
	detail := SessionDetail{
		Session: FromSession(view.Session),
		Stages:  make([]StageView, 0, len(view.Stages)),
	}
	for _, record := range view.Stages {
		detail.Stages = append(detail.Stages, StageView{
			Stage:         record.StageID,
			Status:        string(record.Status),
			Artifact:      record.Artifact,
			Score:         record.Score,
			Confidence:    record.Confidence,
			Revisions:     record.Revisions,
			Attempts:      record.Attempts,
			CheckpointSeq: record.CheckpointSeq,
			ErrorMessage:  record.ErrorMessage,
			Feedback:      record.Feedback,
			UpdatedAt:     record.UpdatedAt,
		})
	}
	return detail
}

// FromEvents converts hub records into their wire form.
func FromEvents(records []events.Record) []EventRecord {
	if len(records) == 0 {
		return nil
	}
	out := make([]EventRecord, 0, len(records))
	for _, record := range records {
		out = append(out, EventRecord{
			Sequence:  record.Sequence,
			Stage:     record.StageID,
			Kind:      string(record.Kind),
			Payload:   record.Payload,
			Timestamp: record.Timestamp,
		})
	}
	return out
}

// FromCheckpoints converts checkpoint metadata into its wire form.
func FromCheckpoints(checkpoints []*checkpoint.Checkpoint) []CheckpointInfo {
	if len(checkpoints) == 0 {
		return nil
	}
	out := make([]CheckpointInfo, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, CheckpointInfo{
			Sequence:   cp.Sequence,
			Stage:      cp.StageID,
			Reason:     string(cp.Reason),
			Hash:       cp.Hash,
			Superseded: cp.Superseded,
			CreatedAt:  cp.CreatedAt,
		})
	}
	return out
}
