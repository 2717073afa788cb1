package events

import (
	"time"

	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
)

// Kind identifies the transition an event announces.
type Kind string

const (
	KindStageStarted         Kind = "stage_started"
	KindStageCompleted       Kind = "stage_completed"
	KindStageFailed          Kind = "stage_failed"
	KindAwaitingConfirmation Kind = "awaiting_confirmation"
	KindConfirmed            Kind = "confirmed"
	KindRejected             Kind = "rejected"
	KindRolledBack           Kind = "rolled_back"
	KindSupervisorScored     Kind = "supervisor_scored"
	KindSessionCreated       Kind = "session_created"
	KindSessionCompleted     Kind = "session_completed"
	KindSessionFailed        Kind = "session_failed"
	KindSessionCancelled     Kind = "session_cancelled"
)

// Record is one ephemeral event on a session's stream. Events are not part of
// the durable model; late subscribers reconstruct history from the checkpoint
// log instead.
type Record struct {
	Sequence  uint64            `json:"seq"`
	SessionID string            `json:"session_id"`
	StageID   string            `json:"stage_id,omitempty"`
	Kind      Kind              `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	Timestamp time.Time         `json:"ts"`
}

// kindForReason maps a checkpoint reason to the event kind that produced it.
func kindForReason(reason checkpoint.Reason) Kind {
	switch reason {
	case checkpoint.ReasonStageCompleted:
		return KindStageCompleted
	case checkpoint.ReasonConfirmed:
		return KindConfirmed
	case checkpoint.ReasonRejected:
		return KindRejected
	case checkpoint.ReasonRolledBack:
		return KindRolledBack
	case checkpoint.ReasonSessionCreated:
		return KindSessionCreated
	default:
		return KindStageCompleted
	}
}
