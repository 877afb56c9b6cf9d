// Package queue is the durable, table-backed work queue that connects the
// pipeline stages, plus the dispatcher that runs a worker pool per stage
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// Stage kinds
const (
	KindExtract = "extract" // key: evidence id
	KindCompose = "compose" // key: topic
	KindGraph   = "graph"   // key: rule id
)

// Kinds lists every stage in pipeline order
var Kinds = []string{KindExtract, KindCompose, KindGraph}

// Queue wraps the jobs table with retry policy
type Queue struct {
	store   *store.Store
	cfg     model.QueueConfig
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Options configures a Queue
type Options struct {
	Store   *store.Store
	Config  model.QueueConfig
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// New creates a Queue
func New(opts Options) *Queue {
	q := &Queue{
		store:   opts.Store,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		log:     logging.OrNop(opts.Logger),
		now:     opts.Now,
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.cfg.MaxAttempts <= 0 {
		q.cfg.MaxAttempts = 5
	}
	if q.cfg.BaseBackoff <= 0 {
		q.cfg.BaseBackoff = 2 * time.Second
	}
	if q.cfg.MaxBackoff <= 0 {
		q.cfg.MaxBackoff = 5 * time.Minute
	}
	if q.cfg.StaleAfter <= 0 {
		q.cfg.StaleAfter = 15 * time.Minute
	}
	return q
}

// Config returns the effective configuration
func (q *Queue) Config() model.QueueConfig {
	return q.cfg
}

// Enqueue adds a ready job. It is a no-op returning false while a job of the
// same kind and key is already waiting.
func (q *Queue) Enqueue(ctx context.Context, kind, key, payload string) (bool, error) {
	return q.EnqueueTx(ctx, q.store.Queries, kind, key, payload)
}

// EnqueueTx is Enqueue inside a caller's transaction
func (q *Queue) EnqueueTx(ctx context.Context, tx *store.Queries, kind, key, payload string) (bool, error) {
	return q.enqueue(ctx, tx, kind, key, payload, q.cfg.MaxAttempts)
}

// EnqueueWithAttempts is Enqueue with a stage-specific attempt budget
func (q *Queue) EnqueueWithAttempts(ctx context.Context, kind, key, payload string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	return q.enqueue(ctx, q.store.Queries, kind, key, payload, maxAttempts)
}

func (q *Queue) enqueue(ctx context.Context, tx *store.Queries, kind, key, payload string, maxAttempts int) (bool, error) {
	now := q.now().UTC()
	inserted, err := tx.InsertJob(ctx, &store.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Key:         key,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s %s: %w", kind, key, err)
	}
	if inserted {
		q.log.Debug("job enqueued", zap.String("kind", kind), zap.String("key", key))
	}
	return inserted, nil
}

// Claim takes the oldest due job of a kind, or nil when none is due
func (q *Queue) Claim(ctx context.Context, kind string) (*store.Job, error) {
	return q.store.ClaimJob(ctx, kind, q.now().UTC())
}

// Ack marks a job done
func (q *Queue) Ack(ctx context.Context, job *store.Job) error {
	return q.store.CompleteJob(ctx, job.ID, q.now().UTC())
}

// Fail records a failed attempt. Permanent errors and exhausted attempt
// budgets dead-letter the job; everything else is rescheduled with backoff.
// It reports whether the job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *store.Job, cause error) (bool, error) {
	now := q.now().UTC()
	msg := cause.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}

	if model.IsPermanent(cause) || job.Attempts >= job.MaxAttempts {
		if err := q.store.BuryJob(ctx, job.ID, msg, now); err != nil {
			return false, err
		}
		q.metrics.ObserveJob(job.Kind, "dead", 0)
		q.log.Error("job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.String("key", job.Key),
			zap.Int("attempt", job.Attempts),
			zap.Bool("permanent", model.IsPermanent(cause)),
			zap.Error(cause))
		return true, nil
	}

	delay := q.Backoff(job)
	if err := q.store.RescheduleJob(ctx, job.ID, msg, now.Add(delay), now); err != nil {
		return false, err
	}
	q.log.Warn("job rescheduled",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	return false, nil
}

// Backoff is base * 2^(attempts-1), capped, plus a jitter derived from the
// job id and attempt so every process computes the same delay
func (q *Queue) Backoff(job *store.Job) time.Duration {
	exp := job.Attempts - 1
	if exp < 0 {
		exp = 0
	}
	delay := q.cfg.MaxBackoff
	if exp < 30 {
		if d := q.cfg.BaseBackoff << uint(exp); d > 0 && d < q.cfg.MaxBackoff {
			delay = d
		}
	}
	if q.cfg.MaxJitter > 0 {
		h := fnv.New64a()
		_, _ = h.Write([]byte(job.ID + ":" + strconv.Itoa(job.Attempts)))
		delay += time.Duration(h.Sum64() % uint64(q.cfg.MaxJitter))
	}
	return delay
}

// ReleaseStale returns jobs left running by a crashed worker to ready
func (q *Queue) ReleaseStale(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	n, err := q.store.ReleaseStaleJobs(ctx, now.Add(-q.cfg.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("released stale jobs", zap.Int64("count", n))
	}
	return n, nil
}

// ListDead returns dead-lettered jobs, oldest first
func (q *Queue) ListDead(ctx context.Context, limit int) ([]*store.Job, error) {
	return q.store.ListJobs(ctx, store.JobDead, limit)
}

// Requeue revives a dead job with a fresh attempt budget
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueJob(ctx, id, q.now().UTC()); err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	q.log.Info("job requeued", zap.String("job_id", id))
	return nil
}

// Stats counts jobs per state
func (q *Queue) Stats(ctx context.Context) (map[store.JobState]int, error) {
	return q.store.CountJobs(ctx)
}

// ErrNoHandler is returned for a job kind nobody registered
var ErrNoHandler = errors.New("no handler for job kind")
