package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/ozoz66/control-research-copilot/internal/session"
)

// Reason records which transition produced a checkpoint.
type Reason string

const (
	ReasonSessionCreated Reason = "session_created"
	ReasonStageCompleted Reason = "stage_completed"
	ReasonConfirmed      Reason = "confirmed"
	ReasonRejected       Reason = "rejected"
	ReasonRolledBack     Reason = "rolled_back"
)

// SessionState is the full serialized session context captured by a
// checkpoint: the session row plus every stage record.
type SessionState struct {
	Session *session.Session       `json:"session"`
	Stages  []*session.StageRecord `json:"stages"`
}

// Stage returns the captured record for a stage identifier, or nil.
func (s *SessionState) Stage(stageID string) *session.StageRecord {
	if s == nil {
		return nil
	}
	for _, record := range s.Stages {
		if record.StageID == stageID {
			return record
		}
	}
	return nil
}

// Clone deep-copies the state through its serialized form.
func (s *SessionState) Clone() (*SessionState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	var out SessionState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return &out, nil
}

// Checkpoint describes one stored snapshot. State is only populated by Load;
// List returns metadata with State nil.
type Checkpoint struct {
	SessionID  string
	Sequence   int64
	StageID    string
	Reason     Reason
	State      *SessionState
	Hash       string
	Superseded bool
	CreatedAt  time.Time
}

// encodeState serializes state to canonical JSON and returns the payload with
// its SHA-256 hash. Canonicalization keeps the hash stable across map
// ordering differences between encode runs.
func encodeState(state *SessionState) ([]byte, string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, "", fmt.Errorf("marshal state: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize state: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

func decodeState(payload []byte, wantHash string) (*SessionState, error) {
	sum := sha256.Sum256(payload)
	if got := hex.EncodeToString(sum[:]); got != wantHash {
		return nil, fmt.Errorf("%w: state hash %s does not match stored %s", ErrIntegrity, got, wantHash)
	}
	var state SessionState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}
