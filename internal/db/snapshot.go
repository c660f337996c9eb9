package db

import (
	"database/sql"
	"errors"
	"fmt"
)

// ToolSnapshot matches the tool_snapshots table. Blob is the orchestrator's
// encoded state; SchemaVersion tells the reader whether it can decode it.
type ToolSnapshot struct {
	SnapshotID     int64
	SchemaVersion  int
	TakenUnixNanos int64
	Reason         string
	Blob           []byte
}

// InsertSnapshot stores s and returns its id.
func (db *DB) InsertSnapshot(s *ToolSnapshot) (int64, error) {
	if s == nil {
		return 0, errors.New("nil snapshot")
	}
	res, err := db.Exec(
		`INSERT INTO tool_snapshots (schema_version, taken_unix_nanos, reason, blob) VALUES (?, ?, ?, ?)`,
		s.SchemaVersion, s.TakenUnixNanos, s.Reason, s.Blob,
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.SnapshotID = id
	return id, nil
}

// LatestSnapshot returns the most recent snapshot, or nil if there is none.
func (db *DB) LatestSnapshot() (*ToolSnapshot, error) {
	var s ToolSnapshot
	err := db.QueryRow(
		`SELECT snapshot_id, schema_version, taken_unix_nanos, reason, blob
		 FROM tool_snapshots ORDER BY taken_unix_nanos DESC, snapshot_id DESC LIMIT 1`,
	).Scan(&s.SnapshotID, &s.SchemaVersion, &s.TakenUnixNanos, &s.Reason, &s.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &s, nil
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (db *DB) PruneSnapshots(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := db.Exec(
		`DELETE FROM tool_snapshots WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM tool_snapshots ORDER BY taken_unix_nanos DESC, snapshot_id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
