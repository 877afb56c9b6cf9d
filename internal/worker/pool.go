// Package worker holds the concurrency primitives shared by the pipeline:
// a bounded task pool, keyed rate limiting and per-key single-writer locks.
package worker

import (
	"context"
	"sync"
)

// Task is a unit of work run by a Pool
type Task interface {
	Run(ctx context.Context) Result
}

// Result is what a Task produces
type Result interface {
	Err() error
}

// Pool runs tasks on a fixed number of goroutines
type Pool struct {
	workers   int
	tasks     chan Task
	results   chan Result
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	collected []Result
	collectWg sync.WaitGroup
}

// NewPool creates a pool bound to parent. Cancelling parent stops the workers.
func NewPool(parent context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(parent)

	return &Pool{
		workers: workers,
		tasks:   make(chan Task, workers*2),
		results: make(chan Result, workers*2),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers and the result collector
func (p *Pool) Start() {
	p.collectWg.Add(1)
	go func() {
		defer p.collectWg.Done()
		for result := range p.results {
			p.collected = append(p.collected, result)
		}
	}()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			result := task.Run(p.ctx)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Submit queues a task. It returns false once the pool is shut down.
func (p *Pool) Submit(task Task) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.tasks <- task:
		return true
	}
}

// Wait closes submission, waits for queued tasks and returns their results
func (p *Pool) Wait() []Result {
	close(p.tasks)
	p.wg.Wait()
	p.closeResults()
	p.collectWg.Wait()
	p.cancel()
	return p.collected
}

// Shutdown stops the pool immediately. Results of finished tasks are kept.
func (p *Pool) Shutdown() []Result {
	p.cancel()
	p.wg.Wait()
	p.closeResults()
	p.collectWg.Wait()
	return p.collected
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}
