package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome values recorded in procedure_runs.outcome.
const (
	OutcomeRunning   = "running"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// ProcedureRun is one row of the procedure journal. Slice is -1 for
// procedures that do not target a slice.
type ProcedureRun struct {
	RunID    string
	Name     string
	Slice    int
	Outcome  string
	Error    string
	Started  time.Time
	Finished time.Time
}

// Duration is zero while the run is still in flight.
func (r ProcedureRun) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// StartRun records a procedure start and returns its run id.
func (db *DB) StartRun(name string, slice int, started time.Time) (string, error) {
	id := uuid.NewString()
	var sl sql.NullInt64
	if slice >= 0 {
		sl = sql.NullInt64{Int64: int64(slice), Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO procedure_runs (run_id, name, slice, outcome, started_unix_nanos) VALUES (?, ?, ?, ?, ?)`,
		id, name, sl, OutcomeRunning, started.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("start run %s: %w", name, err)
	}
	return id, nil
}

// FinishRun records the outcome of a run. A nil runErr means success.
func (db *DB) FinishRun(runID string, runErr error, finished time.Time) error {
	outcome := OutcomeSucceeded
	var msg sql.NullString
	if runErr != nil {
		outcome = OutcomeFailed
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := db.Exec(
		`UPDATE procedure_runs SET outcome = ?, error = ?, finished_unix_nanos = ? WHERE run_id = ?`,
		outcome, msg, finished.UnixNano(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: no such run", runID)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (db *DB) RecentRuns(limit int) ([]ProcedureRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT run_id, name, slice, outcome, error, started_unix_nanos, finished_unix_nanos
		 FROM procedure_runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []ProcedureRun
	for rows.Next() {
		var (
			r        ProcedureRun
			slice    sql.NullInt64
			msg      sql.NullString
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.Name, &slice, &r.Outcome, &msg, &started, &finished); err != nil {
			return nil, err
		}
		r.Slice = -1
		if slice.Valid {
			r.Slice = int(slice.Int64)
		}
		r.Error = msg.String
		r.Started = time.Unix(0, started)
		if finished.Valid {
			r.Finished = time.Unix(0, finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
