package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ozoz66/control-research-copilot/internal/checkpoint"
)

// CheckpointSource lists checkpoint metadata for replay.
type CheckpointSource interface {
	List(ctx context.Context, sessionID string) ([]*checkpoint.Checkpoint, error)
}

// Replay reconstructs events from the last n checkpoints of a session, oldest
// first. Sequence numbers are zero: replayed records describe durable history
// and carry no live stream cursor. Superseded checkpoints are included so a
// subscriber catching up after a rollback sees the full audit trail.
func Replay(ctx context.Context, source CheckpointSource, sessionID string, n int) ([]Record, error) {
	checkpoints, err := source.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replay session %s: %w", sessionID, err)
	}
	if n > 0 && len(checkpoints) > n {
		checkpoints = checkpoints[len(checkpoints)-n:]
	}

	records := make([]Record, 0, len(checkpoints))
	for _, cp := range checkpoints {
		records = append(records, Record{
			SessionID: cp.SessionID,
			StageID:   cp.StageID,
			Kind:      kindForReason(cp.Reason),
			Payload: map[string]string{
				"checkpoint_seq": strconv.FormatInt(cp.Sequence, 10),
				"superseded":     strconv.FormatBool(cp.Superseded),
			},
			Timestamp: cp.CreatedAt,
		})
	}
	return records, nil
}
