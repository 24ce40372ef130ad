package store

import (
	"context"

	"github.com/google/uuid"
)

// WriteRecord is one row of the write audit log. Every write command
// that reaches a point produces exactly one record, successful or not.
type WriteRecord struct {
	JobID    uuid.UUID
	PointID  int64
	Value    string // "" when releasing
	Priority int
	Release  bool
	Success  bool
	Error    string
}

const recordWriteQuery = `
INSERT INTO write_history (job_id, point_id, value, priority, release, success, error_message)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`

// RecordWrite appends rec to the write audit log.
func (s *Store) RecordWrite(ctx context.Context, rec *WriteRecord) error {
	_, err := s.pool.Exec(ctx, recordWriteQuery,
		rec.JobID, rec.PointID, rec.Value, rec.Priority, rec.Release,
		rec.Success, rec.Error,
	)

	return storeErr("record write", err)
}

// Error log sources shown on the UI's error page.
const (
	SourcePolling   = "polling"
	SourceWrite     = "write"
	SourceDiscovery = "discovery"
)

const logErrorQuery = `
INSERT INTO error_log (point_id, source, message)
VALUES (NULLIF($1, 0), $2, $3)`

// LogError records a worker failure. pointID 0 stores NULL for
// failures not tied to a point.
func (s *Store) LogError(ctx context.Context, pointID int64, source, message string) error {
	_, err := s.pool.Exec(ctx, logErrorQuery, pointID, source, message)

	return storeErr("log error", err)
}
