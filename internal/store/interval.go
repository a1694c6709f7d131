package store

import (
	"database/sql"
	"fmt"

	"github.com/ayusman/visionedge/internal/presence"
)

// IntervalRepository stores the finalized presence report of a session.
type IntervalRepository struct {
	db *sql.DB
}

// Intervals returns the interval repository for this store.
func (s *Store) Intervals() *IntervalRepository {
	return &IntervalRepository{db: s.db}
}

// SaveReport replaces the stored intervals of a session with report.
func (r *IntervalRepository) SaveReport(sessionID string, report presence.Report) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM intervals WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO intervals (session_id, class, start_s, end_s) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, class := range report.Classes() {
		for _, iv := range report[class] {
			if _, err := stmt.Exec(sessionID, iv.Class, iv.Start, iv.End); err != nil {
				return fmt.Errorf("insert interval %s: %w", iv, err)
			}
		}
	}

	return tx.Commit()
}

// Report loads a session's intervals grouped by class, each ordered by start.
func (r *IntervalRepository) Report(sessionID string) (presence.Report, error) {
	rows, err := r.db.Query(
		`SELECT class, start_s, end_s FROM intervals
		 WHERE session_id = ? ORDER BY class, start_s`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	report := presence.Report{}
	for rows.Next() {
		var iv presence.Interval
		if err := rows.Scan(&iv.Class, &iv.Start, &iv.End); err != nil {
			return nil, err
		}
		report[iv.Class] = append(report[iv.Class], iv)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return report, nil
}

// Count returns the number of intervals stored for a session.
func (r *IntervalRepository) Count(sessionID string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM intervals WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
