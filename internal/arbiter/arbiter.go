// Package arbiter detects contradictions between pointers and between rule
// versions and resolves them by authority, escalating anything it cannot
// justify to human review. Resolutions are append-only.
package arbiter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/score"
	"github.com/ppiankov/lexledger/internal/store"
)

// DecidedBy marks resolutions made automatically
const DecidedBy = "arbiter"

// Arbiter detects and resolves conflicts
type Arbiter struct {
	store      *store.Store
	scorer     *score.Scorer
	tolerances map[model.ValueType]float64
	schedule   func(ctx context.Context, q *store.Queries, ruleID string) error
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// Options configures an Arbiter
type Options struct {
	Store  *store.Store
	Config model.ArbiterConfig
	// Schedule queues a graph build for a newly published rule. It runs in
	// the publishing transaction.
	Schedule func(ctx context.Context, q *store.Queries, ruleID string) error
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// New creates an Arbiter
func New(opts Options) *Arbiter {
	a := &Arbiter{
		store:      opts.Store,
		scorer:     score.NewScorer(opts.Config),
		tolerances: make(map[model.ValueType]float64, len(opts.Config.Tolerances)),
		schedule:   opts.Schedule,
		metrics:    opts.Metrics,
		log:        logging.OrNop(opts.Logger),
		now:        opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}
	for k, v := range opts.Config.Tolerances {
		a.tolerances[model.ValueType(k)] = v
	}
	return a
}

// Differs reports whether two values of type t are materially different.
// Numeric types compare within the configured tolerance; everything else
// must match exactly after canonicalization.
func (a *Arbiter) Differs(t model.ValueType, x, y string) bool {
	if t.Numeric() {
		fx, okx := model.ParseNumeric(x)
		fy, oky := model.ParseNumeric(y)
		if okx && oky {
			return math.Abs(fx-fy) > a.tolerances[t]
		}
	}
	return model.CanonicalValue(t, x) != model.CanonicalValue(t, y)
}

// Report summarizes one arbitration pass over a topic
type Report struct {
	Topic     string
	Detected  int      // conflicts seen this pass
	Decided   int      // new automatic wins
	Escalated int      // new NEEDS_HUMAN_REVIEW outcomes
	Rejected  []string // rules moved to REJECTED
}

// Resolve records c if new and appends a resolution when the decision differs
// from the latest one. Conflicts already decided by a human are left alone.
func (a *Arbiter) Resolve(ctx context.Context, c *model.Conflict) (*model.Resolution, error) {
	var (
		res      *model.Resolution
		rejected string
	)
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		stored, err := a.record(ctx, q, c)
		if err != nil {
			return err
		}
		latest, err := q.LatestResolution(ctx, stored.ID)
		if err != nil {
			return err
		}
		if latest != nil && latest.Outcome == model.OutcomeHumanResolved {
			res = latest
			return nil
		}

		d := a.scorer.Decide(stored.SideA, stored.SideB)
		winner, loser := sides(stored, d.Outcome)
		if latest != nil && latest.Outcome == d.Outcome && latest.WinnerID == winner {
			res = latest
			return nil
		}

		res = &model.Resolution{
			ID:         uuid.NewString(),
			ConflictID: stored.ID,
			Outcome:    d.Outcome,
			WinnerID:   winner,
			LoserID:    loser,
			ScoreA:     stored.SideA.Score,
			ScoreB:     stored.SideB.Score,
			Reason:     d.Reason,
			DecidedBy:  DecidedBy,
		}
		if err := a.appendResolution(ctx, q, stored, latest, res); err != nil {
			return err
		}
		rejected, err = a.apply(ctx, q, stored, res)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict in %s: %w", c.TopicKey, err)
	}
	if rejected != "" {
		a.log.Info("rule rejected by arbitration",
			zap.String("rule_id", rejected),
			zap.String("topic", c.TopicKey),
			zap.String("conflict_id", res.ConflictID))
	}
	return res, nil
}

// ResolveManually appends a HUMAN_RESOLVED resolution naming winnerID as the
// winning side of the conflict
func (a *Arbiter) ResolveManually(ctx context.Context, conflictID, winnerID, reviewer, note string) (*model.Resolution, error) {
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer is required")
	}
	var res *model.Resolution
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		c, err := q.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		var loser string
		switch winnerID {
		case c.SideA.ItemID:
			loser = c.SideB.ItemID
		case c.SideB.ItemID:
			loser = c.SideA.ItemID
		default:
			return fmt.Errorf("%s is not a side of conflict %s: %w", winnerID, conflictID, model.ErrNotFound)
		}
		latest, err := q.LatestResolution(ctx, c.ID)
		if err != nil {
			return err
		}

		reason := "resolved by " + reviewer
		if note != "" {
			reason += ": " + note
		}
		res = &model.Resolution{
			ID:         uuid.NewString(),
			ConflictID: c.ID,
			Outcome:    model.OutcomeHumanResolved,
			WinnerID:   winnerID,
			LoserID:    loser,
			ScoreA:     c.SideA.Score,
			ScoreB:     c.SideB.Score,
			Reason:     reason,
			DecidedBy:  reviewer,
		}
		if err := a.appendResolution(ctx, q, c, latest, res); err != nil {
			return err
		}
		_, err = a.apply(ctx, q, c, res)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("manual resolution of %s: %w", conflictID, err)
	}
	a.log.Info("conflict resolved manually",
		zap.String("conflict_id", conflictID),
		zap.String("winner", winnerID),
		zap.String("reviewer", reviewer))
	return res, nil
}

// ListOpen returns conflicts awaiting a decision; an empty topic lists all
func (a *Arbiter) ListOpen(ctx context.Context, topic string) ([]*model.Conflict, error) {
	return a.store.ListConflicts(ctx, store.ConflictFilter{TopicKey: topic, OpenOnly: true})
}

// History returns the resolution trail of a conflict, oldest first
func (a *Arbiter) History(ctx context.Context, conflictID string) ([]*model.Resolution, error) {
	if _, err := a.store.GetConflict(ctx, conflictID); err != nil {
		return nil, err
	}
	return a.store.ListResolutions(ctx, conflictID)
}

// record inserts c or loads the stored conflict for the same pair
func (a *Arbiter) record(ctx context.Context, q *store.Queries, c *model.Conflict) (*model.Conflict, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Outcome == "" {
		c.Outcome = model.OutcomePending
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = a.now().UTC()
	}
	inserted, err := q.InsertConflict(ctx, c)
	if err != nil {
		return nil, err
	}
	if inserted {
		a.log.Info("conflict detected",
			zap.String("conflict_id", c.ID),
			zap.String("topic", c.TopicKey),
			zap.String("kind", string(c.Kind)),
			zap.String("a", c.SideA.ItemID),
			zap.String("a_value", c.SideA.Value),
			zap.String("b", c.SideB.ItemID),
			zap.String("b_value", c.SideB.Value))
		return c, nil
	}
	return q.GetConflictByPair(ctx, c.Kind, c.SideA.ItemID, c.SideB.ItemID)
}

// appendResolution stores res after latest, keeping created_at strictly
// increasing per conflict, and updates the conflict's current outcome
func (a *Arbiter) appendResolution(ctx context.Context, q *store.Queries, c *model.Conflict, latest, res *model.Resolution) error {
	res.CreatedAt = a.now().UTC()
	if latest != nil {
		res.SupersedeOf = latest.ID
		if !res.CreatedAt.After(latest.CreatedAt) {
			res.CreatedAt = latest.CreatedAt.Add(time.Nanosecond)
		}
	}
	if err := q.InsertResolution(ctx, res); err != nil {
		return err
	}
	if err := q.SetConflictOutcome(ctx, c.ID, res.Outcome); err != nil {
		return err
	}
	c.Outcome = res.Outcome
	a.metrics.IncConflict(string(res.Outcome))
	return nil
}

// apply writes the effects of a resolution: pointer annotations for pointer
// conflicts, rejection of the losing rule for rule conflicts. It returns the
// id of a rule it rejected.
func (a *Arbiter) apply(ctx context.Context, q *store.Queries, c *model.Conflict, res *model.Resolution) (string, error) {
	human := res.Outcome == model.OutcomeHumanResolved
	switch c.Kind {
	case model.ConflictPointers:
		if res.WinnerID == "" {
			for _, id := range []string{c.SideA.ItemID, c.SideB.ItemID} {
				if err := annotate(ctx, q, id, model.AnnotationContested, false); err != nil {
					return "", err
				}
			}
			return "", nil
		}
		if err := annotate(ctx, q, res.WinnerID, model.AnnotationUpheld, human); err != nil {
			return "", err
		}
		return "", annotate(ctx, q, res.LoserID, model.AnnotationRejectedLowerAuthority, human)

	case model.ConflictRules:
		if res.WinnerID == "" {
			return "", nil
		}
		loser, err := q.GetRule(ctx, res.LoserID)
		if err != nil {
			return "", err
		}
		if loser.Status == model.RuleRejected || loser.Status == model.RuleDraft {
			return "", nil
		}
		reason := fmt.Sprintf("lost conflict %s to rule %s", c.ID, res.WinnerID)
		if err := q.TransitionRule(ctx, loser.ID, loser.Status, model.RuleRejected, reason, res.CreatedAt); err != nil {
			return "", err
		}
		return loser.ID, nil
	}
	return "", fmt.Errorf("unknown conflict kind %q", c.Kind)
}

var annotationRank = map[model.ConflictAnnotation]int{
	model.AnnotationNone:                   0,
	model.AnnotationUpheld:                 1,
	model.AnnotationContested:              2,
	model.AnnotationRejectedLowerAuthority: 3,
}

// annotate sets a pointer's annotation. Automatic decisions only ever raise
// the annotation so one conflict cannot clear another's rejection; human
// decisions overwrite.
func annotate(ctx context.Context, q *store.Queries, pointerID string, to model.ConflictAnnotation, force bool) error {
	p, err := q.GetPointer(ctx, pointerID)
	if err != nil {
		return err
	}
	if p.Annotation == to || (!force && annotationRank[p.Annotation] > annotationRank[to]) {
		return nil
	}
	return q.SetPointerAnnotation(ctx, pointerID, to)
}

func sides(c *model.Conflict, o model.Outcome) (winner, loser string) {
	switch o {
	case model.OutcomeSideAWins:
		return c.SideA.ItemID, c.SideB.ItemID
	case model.OutcomeSideBWins:
		return c.SideB.ItemID, c.SideA.ItemID
	}
	return "", ""
}
