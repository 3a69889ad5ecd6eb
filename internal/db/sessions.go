package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/peterje/sampleterm/internal/models"
)

// ErrNotFound is returned by Get for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Store records the history of bridged sessions.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) RecordStart(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, transport, remote_addr, command, status, pid, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Transport, sess.RemoteAddr, sess.Command, sess.Status, sess.PID, sess.StartedAt)
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

func (s *Store) RecordEnd(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions
		SET status = ?, pid = ?, exit_code = ?, bytes_in = ?, bytes_out = ?, error = ?, ended_at = ?
		WHERE id = ?`,
		sess.Status, sess.PID, sess.ExitCode, sess.BytesIn, sess.BytesOut, sess.Error, sess.EndedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

// MarkInterrupted flags sessions still marked running, which can only be
// left over from a previous process that did not shut down cleanly.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE status = ?`,
		models.StatusInterrupted, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted sessions: %w", err)
	}
	return result.RowsAffected()
}

const sessionColumns = `id, transport, remote_addr, command, status, pid, exit_code,
	bytes_in, bytes_out, error, started_at, ended_at`

func scanSession(row interface{ Scan(...any) error }) (models.Session, error) {
	var sess models.Session
	var pid, exitCode sql.NullInt64
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.Transport, &sess.RemoteAddr, &sess.Command, &sess.Status,
		&pid, &exitCode, &sess.BytesIn, &sess.BytesOut, &sess.Error, &sess.StartedAt, &endedAt)
	if err != nil {
		return sess, err
	}
	if pid.Valid {
		v := int(pid.Int64)
		sess.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		sess.ExitCode = &v
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

// List returns the most recent sessions first.
func (s *Store) List(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sess, ErrNotFound
	}
	if err != nil {
		return sess, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}
