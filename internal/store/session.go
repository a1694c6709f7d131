package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// SessionStatus is the lifecycle state of a recorded session.
type SessionStatus string

const (
	// SessionRunning marks a session whose stream is still being processed.
	SessionRunning SessionStatus = "running"
	// SessionCompleted marks a session that was stopped or reached end of stream.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed marks a session that ended on an unrecoverable error.
	SessionFailed SessionStatus = "failed"
)

// Session is one run of the detection pipeline over a source.
type Session struct {
	ID          string        `json:"id"`
	Source      string        `json:"source"`
	Status      SessionStatus `json:"status"`
	MinDuration float64       `json:"min_duration"`
	Frames      int64         `json:"frames"`
	MeasuredFPS float64       `json:"measured_fps"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// SessionRepository provides CRUD operations for sessions.
type SessionRepository struct {
	db *sql.DB
}

// Sessions returns the session repository for this store.
func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

const sessionColumns = `id, source, status, min_duration, frames, measured_fps, error, started_at, ended_at`

// Create inserts a new session. StartedAt defaults to now and Status to running.
func (r *SessionRepository) Create(sess *Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	if sess.Status == "" {
		sess.Status = SessionRunning
	}

	_, err := r.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Source, string(sess.Status), sess.MinDuration, sess.Frames,
		sess.MeasuredFPS, sess.Error, sess.StartedAt, nullTime(sess.EndedAt),
	)
	return err
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(id string) (*Session, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// List retrieves sessions, newest first. A positive limit caps the result.
func (r *SessionRepository) List(limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Finish records the final state of a session.
func (r *SessionRepository) Finish(sess *Session) error {
	if sess.EndedAt == nil {
		now := time.Now()
		sess.EndedAt = &now
	}

	result, err := r.db.Exec(
		`UPDATE sessions SET status = ?, frames = ?, measured_fps = ?, error = ?, ended_at = ?
		 WHERE id = ?`,
		string(sess.Status), sess.Frames, sess.MeasuredFPS, sess.Error, *sess.EndedAt, sess.ID,
	)
	if err != nil {
		return err
	}

	return expectOne(result)
}

// Delete removes a session and its intervals.
func (r *SessionRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}

	return expectOne(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var status string
	var ended sql.NullTime

	err := row.Scan(&sess.ID, &sess.Source, &status, &sess.MinDuration, &sess.Frames,
		&sess.MeasuredFPS, &sess.Error, &sess.StartedAt, &ended)
	if err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(status)
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	return sess, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func expectOne(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
