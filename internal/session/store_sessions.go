package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ozoz66/control-research-copilot/internal/stagegraph"
)

const sessionColumns = "id, topic, graph_name, status, error_message, created_at, updated_at"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var (
		id           string
		topic        string
		graphName    string
		statusStr    string
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(&id, &topic, &graphName, &statusStr, &errorMessage, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:           id,
		Topic:        topic,
		GraphName:    graphName,
		Status:       Status(statusStr),
		ErrorMessage: errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		sess.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		sess.UpdatedAt = updated
	}
	return sess, nil
}

// CreateSession inserts a session and one pending stage record per stage.
// The whole insert is transactional so a session is never visible without
// its records.
func (s *Store) CreateSession(ctx context.Context, topic string, graph *stagegraph.Graph) (*Session, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	sess := &Session{
		ID:        NewID(),
		Topic:     topic,
		GraphName: graph.Name(),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, topic, graph_name, status, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Topic, sess.GraphName, sess.Status, timestamp, timestamp,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for _, stageID := range graph.StageIDs() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stage_records (session_id, stage_id, status, updated_at)
                 VALUES (?, ?, ?, ?)`,
				sess.ID, stageID, stagegraph.StagePending, timestamp,
			); err != nil {
				return fmt.Errorf("insert stage record %s: %w", stageID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession fetches a session by identifier. Missing sessions return nil
// without error.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSession persists changes to an existing session.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	sess.UpdatedAt = time.Now().UTC()

	res, err := s.execWithRetry(ctx,
		`UPDATE sessions SET topic = ?, graph_name = ?, status = ?, error_message = ?, updated_at = ?
         WHERE id = ?`,
		sess.Topic,
		sess.GraphName,
		sess.Status,
		nullableString(sess.ErrorMessage),
		sess.UpdatedAt.Format(time.RFC3339Nano),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session and its stage records. Deleting an absent
// session is a no-op.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
}

// ListActive returns the sessions that still accept work, newest first.
func (s *Store) ListActive(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?) ORDER BY created_at DESC, id`,
		StatusActive, StatusAwaitingConfirmation,
	)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
