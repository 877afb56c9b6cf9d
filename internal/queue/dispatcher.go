package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/worker"
)

// Handler processes one job. Returning an error fails the attempt.
type Handler func(ctx context.Context, job *store.Job) error

type stage struct {
	kind    string
	workers int
	handler Handler
}

// Dispatcher claims jobs and runs them on a bounded pool per stage.
// Jobs sharing a key are serialized through the Locker.
type Dispatcher struct {
	queue  *Queue
	locker worker.Locker
	stages map[string]*stage
	order  []string
}

// NewDispatcher creates a Dispatcher. A nil locker uses an in-process one.
func NewDispatcher(q *Queue, locker worker.Locker) *Dispatcher {
	if locker == nil {
		locker = worker.NewKeyedMutex()
	}
	return &Dispatcher{
		queue:  q,
		locker: locker,
		stages: make(map[string]*stage),
	}
}

// Register binds a handler to a job kind
func (d *Dispatcher) Register(kind string, workers int, h Handler) {
	if workers <= 0 {
		workers = 1
	}
	if _, ok := d.stages[kind]; !ok {
		d.order = append(d.order, kind)
	}
	d.stages[kind] = &stage{kind: kind, workers: workers, handler: h}
}

// Run polls every registered stage until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.stages) == 0 {
		return ErrNoHandler
	}
	if _, err := d.queue.ReleaseStale(ctx); err != nil {
		return fmt.Errorf("release stale jobs: %w", err)
	}

	poll := d.queue.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range d.order {
		st := d.stages[kind]
		g.Go(func() error {
			return d.runStage(gctx, st, poll)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(d.queue.cfg.StaleAfter)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := d.queue.ReleaseStale(gctx); err != nil && gctx.Err() == nil {
					d.queue.log.Warn("release stale jobs failed", zap.Error(err))
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) runStage(ctx context.Context, st *stage, poll time.Duration) error {
	sem := semaphore.NewWeighted(int64(st.workers))
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	defer func() {
		// wait for in-flight jobs
		_ = sem.Acquire(context.Background(), int64(st.workers))
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		job, err := d.queue.Claim(ctx, st.kind)
		if err != nil || job == nil {
			sem.Release(1)
			if err != nil && ctx.Err() == nil {
				d.queue.log.Warn("claim failed", zap.String("kind", st.kind), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			continue
		}
		go func() {
			defer sem.Release(1)
			d.process(ctx, st, job)
		}()
	}
}

// RunOnce claims and processes a single job of kind. It reports whether a
// job was found.
func (d *Dispatcher) RunOnce(ctx context.Context, kind string) (bool, error) {
	st, ok := d.stages[kind]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	job, err := d.queue.Claim(ctx, kind)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	d.process(ctx, st, job)
	return true, nil
}

// Drain processes due jobs of every stage in order until none are left.
// It returns the number of jobs processed.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		progressed := false
		for _, kind := range d.order {
			for {
				if err := ctx.Err(); err != nil {
					return total, err
				}
				found, err := d.RunOnce(ctx, kind)
				if err != nil {
					return total, err
				}
				if !found {
					break
				}
				total++
				progressed = true
			}
		}
		if !progressed {
			return total, nil
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, st *stage, job *store.Job) {
	start := time.Now()
	log := d.queue.log.With(
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("key", job.Key),
		zap.Int("attempt", job.Attempts))

	err := d.handle(ctx, st, job)
	elapsed := time.Since(start).Seconds()

	if err == nil {
		if ackErr := d.queue.Ack(ctx, job); ackErr != nil {
			log.Error("ack failed", zap.Error(ackErr))
		}
		d.queue.metrics.ObserveJob(job.Kind, "done", elapsed)
		log.Debug("job done", zap.Float64("seconds", elapsed))
		return
	}

	if ctx.Err() != nil {
		// shutdown: leave the job running so ReleaseStale hands it back
		return
	}
	d.queue.metrics.ObserveJob(job.Kind, "failed", elapsed)
	if _, failErr := d.queue.Fail(ctx, job, err); failErr != nil {
		log.Error("recording failure failed", zap.Error(failErr), zap.NamedError("cause", err))
	}
}

func (d *Dispatcher) handle(ctx context.Context, st *stage, job *store.Job) (err error) {
	unlock, err := d.locker.Lock(ctx, job.Kind+":"+job.Key)
	if err != nil {
		return fmt.Errorf("lock %s:%s: %w", job.Kind, job.Key, err)
	}
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return st.handler(ctx, job)
}
