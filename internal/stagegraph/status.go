package stagegraph

import "strings"

// StageStatus represents the lifecycle of one stage within a session.
type StageStatus string

const (
	StagePending              StageStatus = "pending"
	StageReady                StageStatus = "ready"
	StageRunning              StageStatus = "running"
	StageAwaitingConfirmation StageStatus = "awaiting_confirmation"
	StageCompleted            StageStatus = "completed"
	StageFailed               StageStatus = "failed"
	StageRolledBack           StageStatus = "rolled_back"
)

var allStageStatuses = []StageStatus{
	StagePending,
	StageReady,
	StageRunning,
	StageAwaitingConfirmation,
	StageCompleted,
	StageFailed,
	StageRolledBack,
}

var stageStatusSet = func() map[StageStatus]struct{} {
	set := make(map[StageStatus]struct{}, len(allStageStatuses))
	for _, status := range allStageStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStageStatuses returns the ordered list of known stage statuses.
func AllStageStatuses() []StageStatus {
	cp := make([]StageStatus, len(allStageStatuses))
	copy(cp, allStageStatuses)
	return cp
}

// ParseStageStatus converts a string into a known StageStatus.
func ParseStageStatus(value string) (StageStatus, bool) {
	normalized := StageStatus(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stageStatusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a stage status permits no further automatic work.
func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsInFlight reports whether the status reflects an outstanding invocation.
func (s StageStatus) IsInFlight() bool {
	return s == StageReady || s == StageRunning
}
