package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobState is the lifecycle state of a queued job
type JobState string

const (
	JobReady   JobState = "ready"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobDead    JobState = "dead"
)

// Job is one unit of durable stage work
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Key         string    `json:"key"` // serialization key, e.g. a rule id or topic
	Payload     string    `json:"payload,omitempty"`
	State       JobState  `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const jobColumns = `id, kind, job_key, payload, state, attempts, max_attempts, next_run_at, last_error, created_at, updated_at`

// InsertJob adds a ready job. It reports false when a ready job with the
// same kind and key is already waiting.
func (q *Queries) InsertJob(ctx context.Context, j *Job) (bool, error) {
	res, err := q.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		j.ID, j.Kind, j.Key, j.Payload, string(JobReady), j.Attempts, j.MaxAttempts,
		fmtTime(j.NextRunAt), j.LastError, fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetJob loads a job by id
func (q *Queries) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("job", id)
	}
	return j, err
}

// ClaimJob moves the oldest due ready job of a kind to running.
// It returns nil when nothing is due.
func (q *Queries) ClaimJob(ctx context.Context, kind string, now time.Time) (*Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := q.queryRow(ctx, `SELECT id FROM jobs WHERE kind = ? AND state = ? AND next_run_at <= ?
			ORDER BY next_run_at ASC, created_at ASC LIMIT 1`, kind, string(JobReady), fmtTime(now)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select job: %w", err)
		}

		res, err := q.exec(ctx, `UPDATE jobs SET state = ?, attempts = attempts + 1, locked_at = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(JobRunning), fmtTime(now), fmtTime(now), id, string(JobReady))
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return q.GetJob(ctx, id)
		}
		// another worker claimed it first
	}
	return nil, nil
}

// CompleteJob marks a running job done
func (q *Queries) CompleteJob(ctx context.Context, id string, now time.Time) error {
	res, err := q.exec(ctx, `UPDATE jobs SET state = ?, last_error = '', locked_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`, string(JobDone), fmtTime(now), id, string(JobRunning))
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return expectOne(res, "running job", id)
}

// RescheduleJob returns a running job to ready at a later time. When a ready
// twin with the same key is already waiting the running job is closed
// instead, since the twin will repeat the work.
func (q *Queries) RescheduleJob(ctx context.Context, id, lastErr string, next, now time.Time) error {
	res, err := q.exec(ctx, `UPDATE jobs SET state = ?, last_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND EXISTS (
			SELECT 1 FROM jobs twin WHERE twin.kind = jobs.kind AND twin.job_key = jobs.job_key AND twin.state = ?)`,
		string(JobDone), "superseded by pending job: "+lastErr, fmtTime(now), id, string(JobRunning), string(JobReady))
	if err != nil {
		return fmt.Errorf("failed to close superseded job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	res, err = q.exec(ctx, `UPDATE jobs SET state = ?, last_error = ?, next_run_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`, string(JobReady), lastErr, fmtTime(next), fmtTime(now), id, string(JobRunning))
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return expectOne(res, "running job", id)
}

// BuryJob moves a running job to the dead-letter state
func (q *Queries) BuryJob(ctx context.Context, id, lastErr string, now time.Time) error {
	res, err := q.exec(ctx, `UPDATE jobs SET state = ?, last_error = ?, locked_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`, string(JobDead), lastErr, fmtTime(now), id, string(JobRunning))
	if err != nil {
		return fmt.Errorf("failed to bury job: %w", err)
	}
	return expectOne(res, "running job", id)
}

// ErrJobQueued is returned when reviving a job whose kind and key already
// have a ready job waiting
var ErrJobQueued = errors.New("job already queued")

// ReleaseStaleJobs returns running jobs locked before cutoff to ready. Only
// one stale job per kind and key is released; the others, and any stale job
// whose key already has a ready twin, are closed since the ready job does the
// work.
func (q *Queries) ReleaseStaleJobs(ctx context.Context, cutoff, now time.Time) (int64, error) {
	if err := q.closeStaleTwins(ctx, cutoff, now); err != nil {
		return 0, err
	}
	res, err := q.exec(ctx, `UPDATE jobs SET state = ?, locked_at = NULL, next_run_at = ?, updated_at = ?
		WHERE state = ? AND locked_at < ? AND NOT EXISTS (
			SELECT 1 FROM jobs other WHERE other.kind = jobs.kind AND other.job_key = jobs.job_key
				AND other.state = ? AND other.locked_at < ? AND other.id < jobs.id)`,
		string(JobReady), fmtTime(now), fmtTime(now), string(JobRunning), fmtTime(cutoff),
		string(JobRunning), fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", uniqueError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := q.closeStaleTwins(ctx, cutoff, now); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queries) closeStaleTwins(ctx context.Context, cutoff, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE jobs SET state = ?, locked_at = NULL, last_error = ?, updated_at = ?
		WHERE state = ? AND locked_at < ? AND EXISTS (
			SELECT 1 FROM jobs twin WHERE twin.kind = jobs.kind AND twin.job_key = jobs.job_key AND twin.state = ?)`,
		string(JobDone), "superseded by pending job", fmtTime(now), string(JobRunning), fmtTime(cutoff), string(JobReady))
	if err != nil {
		return fmt.Errorf("failed to close stale jobs: %w", err)
	}
	return nil
}

// RequeueJob revives a dead job with a fresh attempt budget. It fails with
// ErrJobQueued when a ready job with the same kind and key is already waiting.
func (q *Queries) RequeueJob(ctx context.Context, id string, now time.Time) error {
	res, err := q.exec(ctx, `UPDATE jobs SET state = ?, attempts = 0, next_run_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND NOT EXISTS (
			SELECT 1 FROM jobs twin WHERE twin.kind = jobs.kind AND twin.job_key = jobs.job_key AND twin.state = ?)`,
		string(JobReady), fmtTime(now), fmtTime(now), id, string(JobDead), string(JobReady))
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", uniqueError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	j, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State == JobDead {
		return fmt.Errorf("%s %s: %w", j.Kind, j.Key, ErrJobQueued)
	}
	return notFound("dead job", id)
}

// uniqueError maps a violation of the ready-job index to ErrJobQueued
func uniqueError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "idx_jobs_pending") {
		return fmt.Errorf("%w: %v", ErrJobQueued, err)
	}
	return err
}

// ListJobs returns jobs in a state, oldest first
func (q *Queries) ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY updated_at ASC LIMIT ?`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs per state
func (q *Queries) CountJobs(ctx context.Context) (map[JobState]int, error) {
	rows, err := q.query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[JobState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[JobState(state)] = n
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                         Job
		state, next, created, upd string
	)
	err := row.Scan(&j.ID, &j.Kind, &j.Key, &j.Payload, &state, &j.Attempts, &j.MaxAttempts, &next, &j.LastError, &created, &upd)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.State = JobState(state)
	if j.NextRunAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(upd); err != nil {
		return nil, err
	}
	return &j, nil
}
