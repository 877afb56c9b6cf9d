// Package graph maintains dependency edges between published rules and the
// graph status that gates their evaluation
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/worker"
)

var edgeNamespace = uuid.MustParse("4b8f0c52-3a57-4d0e-9d4b-6f1f0f8e2c11")

// graphLockKey serializes edge writes so two concurrent builds cannot close
// a cycle neither of them sees
const graphLockKey = "graph:edges"

// ScheduleFunc queues a build for ruleID inside the transaction that moved
// the rule to PENDING
type ScheduleFunc func(ctx context.Context, q *store.Queries, ruleID string) error

// Builder recomputes a rule's outgoing edges and graph status
type Builder struct {
	store    *store.Store
	locker   worker.Locker
	schedule ScheduleFunc
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// Options configures a Builder
type Options struct {
	Store    *store.Store
	Locker   worker.Locker // optional
	Schedule ScheduleFunc  // optional
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// New creates a Builder
func New(opts Options) *Builder {
	b := &Builder{
		store:    opts.Store,
		locker:   opts.Locker,
		schedule: opts.Schedule,
		metrics:  opts.Metrics,
		log:      logging.OrNop(opts.Logger),
		now:      opts.Now,
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Result describes one build
type Result struct {
	RuleID     string
	Status     model.GraphStatus
	Edges      []model.Edge
	Dependents []string // rules re-marked PENDING because this one changed or failed
	Skipped    bool     // not a managed published rule
}

// Build recomputes the edges of a published rule from its reference
// pointers. On success the edges and CURRENT status are written together and
// rules depending on this rule's topic are re-marked PENDING. Any failure
// leaves the rule STALE. A cycle marks every rule on it STALE. Live rules
// with an edge into a rule left STALE are re-marked PENDING so the staleness
// reaches the whole chain.
func (b *Builder) Build(ctx context.Context, ruleID string, attempt int) (*Result, error) {
	if b.locker != nil {
		unlock, err := b.locker.Lock(ctx, graphLockKey)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	res := &Result{RuleID: ruleID}
	var rule *model.Rule
	err := b.store.WithTx(ctx, func(q *store.Queries) error {
		var err error
		rule, err = q.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if rule.Status != model.RulePublished || rule.IsLegacy() {
			res.Skipped = true
			return nil
		}

		edges, err := b.resolve(ctx, q, rule)
		if err != nil {
			return err
		}
		if path, err := findCycle(ctx, q, rule.ID, edges); err != nil {
			return err
		} else if path != nil {
			return &model.CycleError{Path: path}
		}

		if err := q.ReplaceEdges(ctx, rule.ID, edges); err != nil {
			return err
		}
		now := b.now().UTC()
		if err := q.SetGraphStatus(ctx, rule.ID, model.GraphCurrent, "", now); err != nil {
			return err
		}
		deps, err := b.remarkDependents(ctx, q, rule.TopicKey, now, func(r *model.Rule) bool {
			return r.ID == rule.ID
		})
		if err != nil {
			return err
		}
		res.Status = model.GraphCurrent
		res.Edges = edges
		res.Dependents = deps
		return nil
	})
	if err == nil {
		if !res.Skipped {
			b.metrics.IncGraphBuild("current")
			b.log.Info("graph built",
				zap.String("rule_id", ruleID),
				zap.String("topic", rule.TopicKey),
				zap.Int("edges", len(res.Edges)),
				zap.Strings("dependents", res.Dependents))
		}
		return res, nil
	}

	topic := ""
	if rule != nil {
		topic = rule.TopicKey
	}
	if errors.Is(err, model.ErrNotFound) && rule == nil {
		return nil, err
	}
	res.Status = model.GraphStale
	deps, serr := b.markStale(ctx, ruleID, err)
	if serr != nil {
		b.log.Error("failed to mark rule stale", zap.String("rule_id", ruleID), zap.Error(serr))
	}
	res.Dependents = deps
	b.metrics.IncGraphBuild(failureKind(err))
	b.log.Warn("graph build failed",
		zap.String("rule_id", ruleID),
		zap.String("topic", topic),
		zap.String("reason", err.Error()),
		zap.Int("attempt", attempt),
		zap.Strings("dependents", deps))
	return res, fmt.Errorf("build graph for rule %s: %w", ruleID, err)
}

// resolve maps each reference pointer to the current published rule of the
// referenced topic as of the rule's start date
func (b *Builder) resolve(ctx context.Context, q *store.Queries, rule *model.Rule) ([]model.Edge, error) {
	pointers, err := q.GetPointers(ctx, rule.PointerIDs)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	existing, err := q.ListEdgesFrom(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	created := make(map[string]time.Time, len(existing))
	for _, e := range existing {
		created[e.ID] = e.CreatedAt
	}

	seen := map[string]bool{}
	var edges []model.Edge
	for _, p := range pointers {
		if p.ValueType != model.ValueReference {
			continue
		}
		target := TopicOf(p)
		if target == "" {
			continue
		}
		dep, err := Current(ctx, q, target, rule.EffectiveFrom)
		if err != nil {
			return nil, err
		}
		if dep.GraphStatus == model.GraphStale {
			return nil, fmt.Errorf("dependency %s (%s) is stale: %w", dep.ID, target, model.ErrMissingDependency)
		}

		id := uuid.NewSHA1(edgeNamespace, []byte(rule.ID+"|"+dep.ID+"|"+p.ID)).String()
		if seen[id] {
			continue
		}
		seen[id] = true
		at, ok := created[id]
		if !ok {
			at = now
		}
		edges = append(edges, model.Edge{
			ID:         id,
			FromRuleID: rule.ID,
			ToRuleID:   dep.ID,
			ToTopicKey: target,
			PointerID:  p.ID,
			CreatedAt:  at,
		})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges, nil
}

// TopicOf returns the topic key a reference pointer names
func TopicOf(p *model.SourcePointer) string {
	return strings.ToUpper(strings.TrimSpace(p.Value))
}

// Current returns the published rule of topic in force at t
func Current(ctx context.Context, q *store.Queries, topic string, t time.Time) (*model.Rule, error) {
	rules, err := q.ListRulesByTopic(ctx, topic, model.RulePublished)
	if err != nil {
		return nil, err
	}
	best := model.SelectCurrent(rules, t)
	if best == nil {
		return nil, fmt.Errorf("no published rule for %s at %s: %w", topic, t.Format("2006-01-02"), model.ErrMissingDependency)
	}
	return best, nil
}

// findCycle walks stored edges from the new edges' targets. If the walk
// reaches start, the returned path runs start -> ... -> start.
func findCycle(ctx context.Context, q *store.Queries, start string, edges []model.Edge) ([]string, error) {
	visited := map[string]bool{}
	var walk func(id string, path []string) ([]string, error)
	walk = func(id string, path []string) ([]string, error) {
		path = append(path, id)
		if id == start {
			return path, nil
		}
		if visited[id] {
			return nil, nil
		}
		visited[id] = true
		out, err := q.ListEdgesFrom(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, e := range out {
			if found, err := walk(e.ToRuleID, path); err != nil || found != nil {
				return found, err
			}
		}
		return nil, nil
	}

	for _, e := range edges {
		found, err := walk(e.ToRuleID, []string{start})
		if err != nil || found != nil {
			return found, err
		}
	}
	return nil, nil
}

// remarkDependents sets every published rule depending on topic back to
// PENDING, schedules its rebuild and returns the ids. Rules for which skip
// returns true are left alone.
func (b *Builder) remarkDependents(ctx context.Context, q *store.Queries, topic string, at time.Time, skip func(*model.Rule) bool) ([]string, error) {
	ids, err := dependents(ctx, q, topic)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, id := range ids {
		r, err := q.GetRule(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Status != model.RulePublished || r.IsLegacy() {
			continue
		}
		if skip != nil && skip(r) {
			continue
		}
		if err := b.repend(ctx, q, id, "dependency "+topic+" changed", at); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// repend moves a rule back to PENDING and schedules its rebuild
func (b *Builder) repend(ctx context.Context, q *store.Queries, ruleID, reason string, at time.Time) error {
	if err := q.SetGraphStatus(ctx, ruleID, model.GraphPending, reason, at); err != nil {
		return err
	}
	return b.scheduleBuild(ctx, q, ruleID)
}

func (b *Builder) scheduleBuild(ctx context.Context, q *store.Queries, ruleID string) error {
	if b.schedule == nil {
		return nil
	}
	if err := b.schedule(ctx, q, ruleID); err != nil {
		return fmt.Errorf("schedule graph build for %s: %w", ruleID, err)
	}
	return nil
}

// Invalidate re-marks the dependents of a topic PENDING after its current
// rule changed outside a build, e.g. when a published rule is rejected
func (b *Builder) Invalidate(ctx context.Context, topic string) ([]string, error) {
	var ids []string
	err := b.store.WithTx(ctx, func(q *store.Queries) error {
		var err error
		ids, err = b.remarkDependents(ctx, q, topic, b.now().UTC(), nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("invalidate dependents of %s: %w", topic, err)
	}
	if len(ids) > 0 {
		b.log.Info("dependents invalidated", zap.String("topic", topic), zap.Strings("rules", ids))
	}
	return ids, nil
}

// dependents lists rules with an edge into topic plus STALE rules whose
// reference pointers name it, so a missing dependency is retried once it
// appears
func dependents(ctx context.Context, q *store.Queries, topic string) ([]string, error) {
	ids, err := q.ListDependentRuleIDs(ctx, topic)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}

	stale, err := q.ListRulesByGraphStatus(ctx, model.GraphStale)
	if err != nil {
		return nil, err
	}
	for _, r := range stale {
		if seen[r.ID] {
			continue
		}
		pointers, err := q.GetPointers(ctx, r.PointerIDs)
		if err != nil {
			return nil, err
		}
		for _, p := range pointers {
			if p.ValueType == model.ValueReference && TopicOf(p) == topic {
				ids = append(ids, r.ID)
				seen[r.ID] = true
				break
			}
		}
	}
	return ids, nil
}

// markStale records the failure. For cycles every member goes STALE. Live
// rules with an edge into a stale rule are re-marked PENDING in the same
// transaction; their rebuild then fails against the stale rule, which carries
// the staleness one level further. Rules already STALE are left alone, so the
// walk ends.
func (b *Builder) markStale(ctx context.Context, ruleID string, cause error) ([]string, error) {
	ids := []string{ruleID}
	var cyc *model.CycleError
	if errors.As(cause, &cyc) {
		ids = cyc.Path
	}
	reason := cause.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}
	now := b.now().UTC()
	var affected []string
	err := b.store.WithTx(ctx, func(q *store.Queries) error {
		affected = nil
		stale := map[string]bool{}
		var marked []string
		for _, id := range ids {
			if stale[id] {
				continue
			}
			stale[id] = true
			if err := q.SetGraphStatus(ctx, id, model.GraphStale, reason, now); err != nil {
				return err
			}
			marked = append(marked, id)
		}

		for _, id := range marked {
			edges, err := q.ListEdgesTo(ctx, id)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if stale[e.FromRuleID] {
					continue
				}
				stale[e.FromRuleID] = true
				r, err := q.GetRule(ctx, e.FromRuleID)
				if err != nil {
					return err
				}
				if r.Status != model.RulePublished || r.IsLegacy() || r.GraphStatus == model.GraphStale {
					continue
				}
				if err := b.repend(ctx, q, r.ID, "dependency "+id+" is stale", now); err != nil {
					return err
				}
				affected = append(affected, r.ID)
			}
		}
		return nil
	})
	return affected, err
}

// Reconcile repairs the graph state of a topic after an interrupted run. It
// schedules a build for every published rule of the topic still PENDING and
// re-marks dependents whose edges point at a rule of the topic that is no
// longer published. It returns every rule it scheduled.
func (b *Builder) Reconcile(ctx context.Context, topic string) ([]string, error) {
	var scheduled []string
	err := b.store.WithTx(ctx, func(q *store.Queries) error {
		scheduled = nil
		rules, err := q.ListRulesByTopic(ctx, topic, model.RulePublished)
		if err != nil {
			return err
		}
		for _, r := range rules {
			if r.GraphStatus != model.GraphPending {
				continue
			}
			if err := b.scheduleBuild(ctx, q, r.ID); err != nil {
				return err
			}
			scheduled = append(scheduled, r.ID)
		}

		ids, err := q.ListDependentRuleIDs(ctx, topic)
		if err != nil {
			return err
		}
		now := b.now().UTC()
		for _, id := range ids {
			dep, err := q.GetRule(ctx, id)
			if err != nil {
				return err
			}
			if dep.Status != model.RulePublished || dep.IsLegacy() || dep.GraphStatus != model.GraphCurrent {
				continue
			}
			moved, err := pointsAtWithdrawn(ctx, q, id, topic)
			if err != nil {
				return err
			}
			if !moved {
				continue
			}
			if err := b.repend(ctx, q, id, "dependency "+topic+" changed", now); err != nil {
				return err
			}
			scheduled = append(scheduled, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile graph of %s: %w", topic, err)
	}
	if len(scheduled) > 0 {
		b.log.Info("graph reconciled", zap.String("topic", topic), zap.Strings("rules", scheduled))
	}
	return scheduled, nil
}

// pointsAtWithdrawn reports whether ruleID has an edge into topic whose
// target rule is no longer published
func pointsAtWithdrawn(ctx context.Context, q *store.Queries, ruleID, topic string) (bool, error) {
	edges, err := q.ListEdgesFrom(ctx, ruleID)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.ToTopicKey != topic {
			continue
		}
		target, err := q.GetRule(ctx, e.ToRuleID)
		if err != nil {
			return false, err
		}
		if target.Status != model.RulePublished {
			return true, nil
		}
	}
	return false, nil
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, model.ErrGraphCycleDetected):
		return "cycle"
	case errors.Is(err, model.ErrMissingDependency):
		return "missing_dependency"
	default:
		return "error"
	}
}

// Settled reports whether err is a build failure that retrying the same job
// cannot fix; the rule is STALE and waits for its dependencies to change
func Settled(err error) bool {
	return errors.Is(err, model.ErrGraphCycleDetected) || errors.Is(err, model.ErrMissingDependency)
}
