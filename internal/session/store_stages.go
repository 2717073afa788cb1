package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

const stageColumns = "session_id, stage_id, status, artifact, score, confidence, revisions, attempts, checkpoint_seq, error_message, feedback, updated_at"

func scanStageRecord(scanner interface{ Scan(dest ...any) error }) (*StageRecord, error) {
	var (
		sessionID     string
		stageID       string
		statusStr     string
		artifact      sql.NullString
		score         sql.NullFloat64
		confidence    sql.NullFloat64
		revisions     int
		attempts      int
		checkpointSeq int64
		errorMessage  sql.NullString
		feedback      sql.NullString
		updatedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&sessionID,
		&stageID,
		&statusStr,
		&artifact,
		&score,
		&confidence,
		&revisions,
		&attempts,
		&checkpointSeq,
		&errorMessage,
		&feedback,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record := &StageRecord{
		SessionID:     sessionID,
		StageID:       stageID,
		Status:        stagegraph.StageStatus(statusStr),
		Revisions:     revisions,
		Attempts:      attempts,
		CheckpointSeq: checkpointSeq,
		ErrorMessage:  errorMessage.String,
		Feedback:      feedback.String,
	}
	if artifact.Valid && artifact.String != "" {
		record.Artifact = json.RawMessage(artifact.String)
	}
	if score.Valid {
		record.Score = &score.Float64
	}
	if confidence.Valid {
		record.Confidence = &confidence.Float64
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}

// StageRecords returns every stage record for a session, ordered by stage id.
func (s *Store) StageRecords(ctx context.Context, sessionID string) ([]*StageRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE session_id = ? ORDER BY stage_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*StageRecord
	for rows.Next() {
		record, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage records: %w", err)
	}
	return records, nil
}

// StageRecord fetches a single stage record. Missing records return nil
// without error.
func (s *Store) StageRecord(ctx context.Context, sessionID, stageID string) (*StageRecord, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE session_id = ? AND stage_id = ?`,
		sessionID, stageID,
	)
	record, err := scanStageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage record: %w", err)
	}
	return record, nil
}

// UpdateStageRecord persists changes to an existing stage record.
func (s *Store) UpdateStageRecord(ctx context.Context, record *StageRecord) error {
	if record == nil {
		return errors.New("stage record is nil")
	}
	record.UpdatedAt = time.Now().UTC()

	var artifact any
	if len(record.Artifact) > 0 {
		artifact = string(record.Artifact)
	}

	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records SET status = ?, artifact = ?, score = ?, confidence = ?,
            revisions = ?, attempts = ?, checkpoint_seq = ?, error_message = ?, feedback = ?, updated_at = ?
         WHERE session_id = ? AND stage_id = ?`,
		record.Status,
		artifact,
		nullableFloat(record.Score),
		nullableFloat(record.Confidence),
		record.Revisions,
		record.Attempts,
		record.CheckpointSeq,
		nullableString(record.ErrorMessage),
		nullableString(record.Feedback),
		record.UpdatedAt.Format(time.RFC3339Nano),
		record.SessionID,
		record.StageID,
	)
	if err != nil {
		return fmt.Errorf("update stage record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStageNotFound
	}
	return nil
}

// ReplaceStageRecords overwrites every stage record of a session in one
// transaction. Used by rollback restoration, where a batch of records must
// become visible atomically.
func (s *Store) ReplaceStageRecords(ctx context.Context, sessionID string, records []*StageRecord) error {
	ctx = ensureContext(ctx)
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, record := range records {
			var artifact any
			if len(record.Artifact) > 0 {
				artifact = string(record.Artifact)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE stage_records SET status = ?, artifact = ?, score = ?, confidence = ?,
                    revisions = ?, attempts = ?, checkpoint_seq = ?, error_message = ?, feedback = ?, updated_at = ?
                 WHERE session_id = ? AND stage_id = ?`,
				record.Status,
				artifact,
				nullableFloat(record.Score),
				nullableFloat(record.Confidence),
				record.Revisions,
				record.Attempts,
				record.CheckpointSeq,
				nullableString(record.ErrorMessage),
				nullableString(record.Feedback),
				timestamp,
				sessionID,
				record.StageID,
			); err != nil {
				return fmt.Errorf("replace stage record %s: %w", record.StageID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit stage records: %w", err)
		}
		return nil
	})
}

// RevertInFlight returns ready and running stages of a session to pending.
// Called on startup so work interrupted by a crash is re-run from its last
// checkpoint instead of being stranded mid-flight.
func (s *Store) RevertInFlight(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE stage_records SET status = ?, updated_at = ?
         WHERE session_id = ? AND status IN (?, ?)`,
		stagegraph.StagePending,
		time.Now().UTC().Format(time.RFC3339Nano),
		sessionID,
		stagegraph.StageReady,
		stagegraph.StageRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("revert in-flight stages: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}
