package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ozoz66/control-research-copilot/internal/config"
)

// Store manages checkpoint persistence backed by SQLite. It is the only
// writer of new checkpoints and the only source of truth for rollback.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open initializes or connects to the checkpoint database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.CheckpointDBPath())
}

// OpenPath opens the checkpoint database at an explicit location.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes a snapshot of session state and returns the stored checkpoint.
// The sequence number is assigned inside the insert transaction, so it is
// monotonic per session even with concurrent sessions writing. The write is
// atomic: a crash mid-save never yields a partial checkpoint.
func (s *Store) Save(ctx context.Context, stageID string, reason Reason, state *SessionState) (*Checkpoint, error) {
	if state == nil || state.Session == nil {
		return nil, errors.New("state is nil")
	}
	ctx = ensureContext(ctx)

	payload, hash, err := encodeState(state)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cp := &Checkpoint{
		SessionID: state.Session.ID,
		StageID:   stageID,
		Reason:    reason,
		Hash:      hash,
		CreatedAt: now,
	}

	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM checkpoints WHERE session_id = ?`,
			cp.SessionID,
		).Scan(&next); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (session_id, sequence, stage_id, reason, state, state_hash, superseded, created_at)
             VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			cp.SessionID,
			next,
			stageID,
			string(reason),
			string(payload),
			hash,
			now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		cp.Sequence = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	cloned, err := state.Clone()
	if err != nil {
		return nil, err
	}
	cp.State = cloned
	return cp, nil
}

// Load reconstructs full session state from a checkpoint, verifying the
// stored hash.
func (s *Store) Load(ctx context.Context, sessionID string, sequence int64) (*Checkpoint, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, sequence, stage_id, reason, state, state_hash, superseded, created_at
         FROM checkpoints WHERE session_id = ? AND sequence = ?`,
		sessionID, sequence,
	)

	cp, payload, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s sequence %d", ErrNotFound, sessionID, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	state, err := decodeState(payload, cp.Hash)
	if err != nil {
		return nil, err
	}
	cp.State = state
	return cp, nil
}

// List returns checkpoint metadata for a session in sequence order, including
// superseded entries. State is not loaded.
func (s *Store) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, sequence, stage_id, reason, '', state_hash, superseded, created_at
         FROM checkpoints WHERE session_id = ? ORDER BY sequence`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, _, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Latest returns the newest non-superseded checkpoint for a session with its
// state loaded.
func (s *Store) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, sequence, stage_id, reason, state, state_hash, superseded, created_at
         FROM checkpoints WHERE session_id = ? AND superseded = 0
         ORDER BY sequence DESC LIMIT 1`,
		sessionID,
	)

	cp, payload, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s has no checkpoints", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}

	state, err := decodeState(payload, cp.Hash)
	if err != nil {
		return nil, err
	}
	cp.State = state
	return cp, nil
}

// Supersede marks every checkpoint with a sequence in [fromSequence,
// throughSequence] invalid without deleting it, preserving the audit trail.
// The bound keeps checkpoints written after the caller chose the range, such
// as the one recording the supersession itself, untouched.
func (s *Store) Supersede(ctx context.Context, sessionID string, fromSequence, throughSequence int64) error {
	if throughSequence < fromSequence {
		return nil
	}
	ctx = ensureContext(ctx)
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE checkpoints SET superseded = 1
             WHERE session_id = ? AND sequence BETWEEN ? AND ?`,
			sessionID, fromSequence, throughSequence,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: supersede %d through %d: %v", ErrPersistence, fromSequence, throughSequence, err)
	}
	return nil
}

func scanCheckpoint(scanner interface{ Scan(dest ...any) error }) (*Checkpoint, []byte, error) {
	var (
		sessionID  string
		sequence   int64
		stageID    string
		reason     string
		payload    string
		hash       string
		superseded int
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&sessionID, &sequence, &stageID, &reason, &payload, &hash, &superseded, &createdRaw); err != nil {
		return nil, nil, err
	}

	cp := &Checkpoint{
		SessionID:  sessionID,
		Sequence:   sequence,
		StageID:    stageID,
		Reason:     Reason(reason),
		Hash:       hash,
		Superseded: superseded != 0,
	}
	if createdRaw.Valid {
		if created, err := time.Parse(time.RFC3339Nano, createdRaw.String); err == nil {
			cp.CreatedAt = created
		}
	}
	return cp, []byte(payload), nil
}
