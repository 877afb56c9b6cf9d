package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/graph"
	"github.com/ppiankov/lexledger/internal/queue"
	"github.com/ppiankov/lexledger/internal/store"
)

// handleExtract runs extraction for one evidence record and queues a
// composition pass for every topic it produced pointers for
func (p *Pipeline) handleExtract(ctx context.Context, job *store.Job) error {
	res, err := p.Extractor.Extract(ctx, job.Key, job.Attempts)
	if err != nil {
		return err
	}
	for _, topic := range res.Topics {
		if _, err := p.Queue.Enqueue(ctx, queue.KindCompose, topic, job.Key); err != nil {
			return err
		}
	}
	return nil
}

// handleCompose owns a topic: pointer arbitration, composition, rule
// arbitration and publication run back to back under the topic's key
func (p *Pipeline) handleCompose(ctx context.Context, job *store.Job) error {
	topic := job.Key
	log := p.log.With(zap.String("topic", topic), zap.String("job_id", job.ID))

	pointers, err := p.Arbiter.ArbitratePointers(ctx, topic)
	if err != nil {
		return fmt.Errorf("arbitrate pointers: %w", err)
	}
	composed, err := p.Composer.Compose(ctx, topic)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	rules, err := p.Arbiter.ArbitrateRules(ctx, topic)
	if err != nil {
		return fmt.Errorf("arbitrate rules: %w", err)
	}
	published, err := p.Arbiter.Publish(ctx, topic)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	log.Info("topic composed",
		zap.Int("pointer_conflicts", pointers.Detected),
		zap.Int("rules_created", len(composed.Created)),
		zap.Int("rule_conflicts", rules.Detected),
		zap.Int("escalated", pointers.Escalated+rules.Escalated),
		zap.Int("published", len(published.Published)),
		zap.Int("superseded", len(published.Superseded)),
		zap.Int("blocked", len(published.Blocked)))

	// the topic's current rule may have moved; dependents must recheck
	if len(published.Published)+len(published.Superseded)+len(rules.Rejected) > 0 {
		if _, err := p.Graph.Invalidate(ctx, topic); err != nil {
			return err
		}
	}

	// a previous run of this job may have stopped between publication and
	// invalidation
	_, err = p.Graph.Reconcile(ctx, topic)
	return err
}

// handleGraph rebuilds one rule's edges. Cycles and missing dependencies are
// recorded on the rule and not retried; a later change to the dependency
// queues the rule again. Rebuilds of affected rules are queued by the
// builder in the same transaction as their status change.
func (p *Pipeline) handleGraph(ctx context.Context, job *store.Job) error {
	_, err := p.Graph.Build(ctx, job.Key, job.Attempts)
	if err != nil && graph.Settled(err) {
		p.log.Info("rule left stale", zap.String("rule_id", job.Key), zap.Error(err))
		return nil
	}
	return err
}

// scheduleGraph queues a graph build inside the caller's transaction, so a
// rule never sits PENDING without a job to move it on
func (p *Pipeline) scheduleGraph(ctx context.Context, q *store.Queries, ruleID string) error {
	_, err := p.Queue.EnqueueTx(ctx, q, queue.KindGraph, ruleID, "")
	return err
}
