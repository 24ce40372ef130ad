package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Discovery job states.
const (
	JobRunning   = "running"
	JobComplete  = "complete"
	JobError     = "error"
	JobCancelled = "cancelled"
)

// Job tracks one discovery run. The store enforces that at most one
// job is running at a time.
type Job struct {
	ID           uuid.UUID
	Address      string
	Port         int
	Timeout      time.Duration
	DeviceID     uint32 // scanner's own device instance
	Status       string
	DevicesFound int
	PointsFound  int
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

const createJobQuery = `
INSERT INTO discovery_jobs (id, address, port, timeout, device_id, status)
VALUES ($1, $2, $3, $4, $5, 'running')
RETURNING started_at`

// CreateJob registers a new running discovery job, assigning an id if
// the caller left it zero. A second running job is refused with
// [ErrConflict].
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	err := s.pool.QueryRow(ctx, createJobQuery,
		job.ID, job.Address, job.Port, int(job.Timeout/time.Second), job.DeviceID,
	).Scan(&job.StartedAt)
	if err != nil {
		return storeErr("create discovery job", err)
	}

	job.Status = JobRunning

	return nil
}

const getJobQuery = `
SELECT id, address, port, timeout, device_id, status, devices_found,
	points_found, error_message, started_at, completed_at
FROM discovery_jobs
WHERE id = $1`

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var (
		job     Job
		timeout int
	)

	err := s.pool.QueryRow(ctx, getJobQuery, id).Scan(
		&job.ID, &job.Address, &job.Port, &timeout, &job.DeviceID,
		&job.Status, &job.DevicesFound, &job.PointsFound, &job.Error,
		&job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, storeErr("get discovery job", err)
	}

	job.Timeout = time.Duration(timeout) * time.Second

	return &job, nil
}

const finishJobQuery = `
UPDATE discovery_jobs SET
	status        = $2,
	devices_found = $3,
	points_found  = $4,
	error_message = $5,
	completed_at  = now()
WHERE id = $1 AND status = 'running'`

// FinishJob finalizes a running job with its result counts. Finishing a
// job that is not running reports [ErrNotFound].
func (s *Store) FinishJob(ctx context.Context, id uuid.UUID, status string, devices, points int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, finishJobQuery, id, status, devices, points, errMsg)
	if err != nil {
		return storeErr("finish discovery job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish discovery job: %w", ErrNotFound)
	}

	return nil
}
