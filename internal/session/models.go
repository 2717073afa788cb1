package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

// Status represents the overall lifecycle of a session.
type Status string

const (
	StatusActive               Status = "active"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

var allStatuses = []Status{
	StatusActive,
	StatusAwaitingConfirmation,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known session statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether the session accepts no further work.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Session represents one research run persisted in SQLite.
type Session struct {
	ID           string
	Topic        string
	GraphName    string
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StageRecord tracks the latest state of one stage within a session.
type StageRecord struct {
	SessionID     string
	StageID       string
	Status        stagegraph.StageStatus
	Artifact      json.RawMessage
	Score         *float64
	Confidence    *float64
	Revisions     int
	Attempts      int
	CheckpointSeq int64
	ErrorMessage  string
	Feedback      string
	UpdatedAt     time.Time
}

// SetFailed marks the record failed with the given message.
func (r *StageRecord) SetFailed(message string) {
	r.Status = stagegraph.StageFailed
	r.ErrorMessage = message
}

// ResetForRerun returns the record to pending so the stage can run again.
// The previous artifact and score are cleared; revision and attempt counters
// are preserved for the caller to adjust.
func (r *StageRecord) ResetForRerun() {
	r.Status = stagegraph.StagePending
	r.Artifact = nil
	r.Score = nil
	r.Confidence = nil
	r.ErrorMessage = ""
}

// View bundles a session with its stage records for presentation.
type View struct {
	Session *Session
	Stages  []*StageRecord
}

// Stage returns the record for a stage identifier, or nil.
func (v *View) Stage(stageID string) *StageRecord {
	if v == nil {
		return nil
	}
	for _, record := range v.Stages {
		if record.StageID == stageID {
			return record
		}
	}
	return nil
}

// NewID generates a short session identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
