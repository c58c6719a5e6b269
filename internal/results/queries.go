package results

import (
	"database/sql"
	"fmt"
)

// TestRun represents a row in the test_runs table. Runs are immutable once
// written by the harness.
type TestRun struct {
	ID        string  `json:"id"`
	Session   string  `json:"session"`
	Pass      int     `json:"pass"`
	Fail      int     `json:"fail"`
	Errors    int     `json:"errors"`
	Total     int     `json:"total"`
	AvgScore  float64 `json:"avg_score"`
	CreatedAt string  `json:"created_at"`
}

// Outcome represents a per-work-item outcome row for one test run.
type Outcome struct {
	RunID    string  `json:"run_id"`
	WorkItem string  `json:"work_item"`
	Mode     string  `json:"mode"`
	Status   string  `json:"status"` // "pass", "fail", "error"
	Score    float64 `json:"score"`
	Detail   string  `json:"detail,omitempty"`
}

// LoopEvent represents a row in the loop_events audit table.
type LoopEvent struct {
	ID        int
	Session   string
	LoopID    string
	Iteration int
	Event     string
	Detail    string
	Timestamp string
}

// GetRun returns the test run with the given id, or nil if it doesn't exist.
func (d *DB) GetRun(id string) (*TestRun, error) {
	row := d.conn.QueryRow(
		`SELECT id, session, pass, fail, errors, total, avg_score, created_at
		 FROM test_runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// LatestRun returns the most recent test run for a session, or nil if the
// session has no runs yet.
func (d *DB) LatestRun(session string) (*TestRun, error) {
	row := d.conn.QueryRow(
		`SELECT id, session, pass, fail, errors, total, avg_score, created_at
		 FROM test_runs WHERE session = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		session,
	)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*TestRun, error) {
	var r TestRun
	err := row.Scan(&r.ID, &r.Session, &r.Pass, &r.Fail, &r.Errors, &r.Total, &r.AvgScore, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan test run: %w", err)
	}
	return &r, nil
}

// Outcomes returns all per-work-item outcome rows for a test run.
func (d *DB) Outcomes(runID string) ([]Outcome, error) {
	rows, err := d.conn.Query(
		`SELECT run_id, work_item, mode, status, score, COALESCE(detail, '')
		 FROM outcomes WHERE run_id = ? ORDER BY work_item, mode`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.RunID, &o.WorkItem, &o.Mode, &o.Status, &o.Score, &o.Detail); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InstanceCount returns the number of recorded outcome instances for a run.
// A run with fewer instances than the configured minimum is treated as a
// partial (crashed) run and must not be trusted.
func (d *DB) InstanceCount(runID string) (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM outcomes WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// RecordRun inserts a test run row. The harness normally writes these; the
// loop's own tests and local harness stubs use it too.
func (d *DB) RecordRun(r *TestRun) error {
	_, err := d.conn.Exec(
		`INSERT INTO test_runs (id, session, pass, fail, errors, total, avg_score) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Session, r.Pass, r.Fail, r.Errors, r.Total, r.AvgScore,
	)
	if err != nil {
		return fmt.Errorf("record test run: %w", err)
	}
	return nil
}

// RecordOutcome inserts a per-work-item outcome row.
func (d *DB) RecordOutcome(o *Outcome) error {
	_, err := d.conn.Exec(
		`INSERT INTO outcomes (run_id, work_item, mode, status, score, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		o.RunID, o.WorkItem, o.Mode, o.Status, o.Score, o.Detail,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// LogLoopEvent appends an event to the loop audit trail.
func (d *DB) LogLoopEvent(session, loopID string, iteration int, event, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO loop_events (session, loop_id, iteration, event, detail) VALUES (?, ?, ?, ?, ?)`,
		session, loopID, iteration, event, detail,
	)
	if err != nil {
		return fmt.Errorf("log loop event: %w", err)
	}
	return nil
}

// LoopEvents returns the most recent loop events for a session, newest first.
func (d *DB) LoopEvents(session string, limit int) ([]LoopEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT id, session, loop_id, iteration, event, COALESCE(detail, ''), timestamp
		 FROM loop_events WHERE session = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query loop events: %w", err)
	}
	defer rows.Close()

	var events []LoopEvent
	for rows.Next() {
		var e LoopEvent
		if err := rows.Scan(&e.ID, &e.Session, &e.LoopID, &e.Iteration, &e.Event, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan loop event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
