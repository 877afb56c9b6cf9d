// Package compose groups verified pointers into candidate rule versions
package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// Composer builds draft rules from pointers
type Composer struct {
	store  *store.Store
	topics map[string]*topic
	log    *zap.Logger
	now    func() time.Time
}

type topic struct {
	schema     model.TopicSchema
	predicates []*Predicate
	allowed    *valuePattern
}

// Options configures a Composer
type Options struct {
	Store      *store.Store
	Topics     []model.TopicSchema
	Predicates model.PredicateConfig
	Logger     *zap.Logger
	Now        func() time.Time
}

// New validates the topic definitions and returns a Composer
func New(opts Options) (*Composer, error) {
	if err := ValidateTopics(opts.Topics, opts.Predicates); err != nil {
		return nil, err
	}
	c := &Composer{
		store:  opts.Store,
		topics: make(map[string]*topic, len(opts.Topics)),
		log:    logging.OrNop(opts.Logger),
		now:    opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	for _, t := range opts.Topics {
		tp := &topic{schema: t}
		for _, p := range t.Predicates {
			cp, err := CompilePredicate(p, opts.Predicates)
			if err != nil {
				return nil, err
			}
			tp.predicates = append(tp.predicates, cp)
		}
		if t.AllowedValueRe != "" {
			re, err := compilePattern(t.AllowedValueRe, opts.Predicates)
			if err != nil {
				return nil, err
			}
			tp.allowed = &valuePattern{re: re, maxInput: opts.Predicates.MaxInputLength}
		}
		c.topics[t.Key] = tp
	}
	return c, nil
}

// Result summarizes one composition pass
type Result struct {
	Topic     string
	Created   []*model.Rule
	Unchanged int // candidate already represented by an existing rule
	Excluded  int // pointers dropped by predicates or tombstoned evidence
}

// candidate is a rule in the making
type candidate struct {
	from     *time.Time
	to       *time.Time
	value    string
	primary  []*model.SourcePointer
	support  []*model.SourcePointer
	evidence map[string]bool
}

// Compose groups the topic's usable pointers by validity window and primary
// value and stores one candidate rule per group. Groups that satisfy the
// topic's required types move to REVIEW; the rest stay DRAFT.
func (c *Composer) Compose(ctx context.Context, topicKey string) (*Result, error) {
	tp, ok := c.topics[topicKey]
	if !ok {
		return nil, fmt.Errorf("unknown topic %s: %w", topicKey, model.ErrNotFound)
	}

	pointers, err := c.store.ListPointersByTopic(ctx, topicKey)
	if err != nil {
		return nil, err
	}

	res := &Result{Topic: topicKey}
	usable, err := c.filter(ctx, tp, pointers, res)
	if err != nil {
		return nil, err
	}

	cands := group(tp.schema, usable)
	existing, err := c.store.ListRulesByTopic(ctx, topicKey)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	for _, cand := range cands {
		rule, err := c.build(tp, cand, now)
		if err != nil {
			return nil, err
		}
		if represented(existing, rule) {
			res.Unchanged++
			continue
		}

		var inserted bool
		err = c.store.WithTx(ctx, func(q *store.Queries) error {
			v, err := q.NextRuleVersion(ctx, topicKey)
			if err != nil {
				return err
			}
			rule.Version = v
			target := rule.Status
			rule.Status = model.RuleDraft
			inserted, err = q.InsertRule(ctx, rule)
			if err != nil || !inserted {
				return err
			}
			if target == model.RuleReview {
				if err := q.TransitionRule(ctx, rule.ID, model.RuleDraft, model.RuleReview, "", now); err != nil {
					return err
				}
				rule.Status = model.RuleReview
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("store rule for %s: %w", topicKey, err)
		}
		if !inserted {
			res.Unchanged++
			continue
		}

		existing = append(existing, rule)
		res.Created = append(res.Created, rule)
		c.log.Info("rule composed",
			zap.String("rule_id", rule.ID),
			zap.String("topic", topicKey),
			zap.Int("version", rule.Version),
			zap.String("value", rule.Value),
			zap.String("status", string(rule.Status)),
			zap.String("reason", rule.StatusReason),
			zap.Int("pointers", len(rule.PointerIDs)))
	}
	return res, nil
}

// filter keeps verified, non-rejected pointers from live evidence that pass
// the topic's predicates
func (c *Composer) filter(ctx context.Context, tp *topic, pointers []*model.SourcePointer, res *Result) ([]*model.SourcePointer, error) {
	live := map[string]bool{}
	var out []*model.SourcePointer
	for _, p := range pointers {
		if !p.Usable() {
			continue
		}
		alive, seen := live[p.EvidenceID]
		if !seen {
			ev, err := c.store.GetEvidence(ctx, p.EvidenceID)
			if err != nil && !errors.Is(err, model.ErrNotFound) {
				return nil, err
			}
			alive = err == nil && !ev.IsTombstoned()
			live[p.EvidenceID] = alive
		}
		if !alive {
			res.Excluded++
			continue
		}

		if ok, err := tp.admit(p); !ok {
			res.Excluded++
			if err != nil {
				c.log.Warn("predicate rejected pointer",
					zap.String("pointer_id", p.ID),
					zap.String("topic", p.TopicKey),
					zap.Error(err))
			}
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (tp *topic) admit(p *model.SourcePointer) (bool, error) {
	for _, pred := range tp.predicates {
		if !pred.Applies(p.ValueType) {
			continue
		}
		ok, err := pred.Eval(p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// group builds candidates. Primary-type pointers define windows and values;
// other pointers support every candidate sharing their window, or, when
// undated, every candidate drawn from the same evidence.
func group(schema model.TopicSchema, pointers []*model.SourcePointer) []*candidate {
	byKey := map[string]*candidate{}
	var order []string
	for _, p := range pointers {
		if p.ValueType != schema.PrimaryType {
			continue
		}
		value := model.CanonicalValue(p.ValueType, p.Value)
		key := windowKey(p.EffectiveFrom, p.EffectiveTo) + "|" + value
		cand, ok := byKey[key]
		if !ok {
			cand = &candidate{from: p.EffectiveFrom, to: p.EffectiveTo, value: strings.TrimSpace(p.Value), evidence: map[string]bool{}}
			byKey[key] = cand
			order = append(order, key)
		}
		cand.primary = append(cand.primary, p)
		cand.evidence[p.EvidenceID] = true
	}

	for _, p := range pointers {
		if p.ValueType == schema.PrimaryType {
			continue
		}
		for _, key := range order {
			cand := byKey[key]
			dated := p.EffectiveFrom != nil
			if (dated && windowKey(p.EffectiveFrom, p.EffectiveTo) == windowKey(cand.from, cand.to)) ||
				(!dated && cand.evidence[p.EvidenceID]) {
				cand.support = append(cand.support, p)
			}
		}
	}

	out := make([]*candidate, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func (c *Composer) build(tp *topic, cand *candidate, now time.Time) (*model.Rule, error) {
	all := append(append([]*model.SourcePointer{}, cand.primary...), cand.support...)
	ids := make([]string, 0, len(all))
	present := map[model.ValueType]bool{}
	for _, p := range all {
		ids = append(ids, p.ID)
		present[p.ValueType] = true
	}
	sort.Strings(ids)

	var conf float64
	for _, p := range cand.primary {
		conf += p.Confidence
	}
	conf /= float64(len(cand.primary))

	rule := &model.Rule{
		ID:          uuid.NewString(),
		TopicKey:    tp.schema.Key,
		Value:       cand.value,
		ValueType:   tp.schema.PrimaryType,
		EffectiveTo: cand.to,
		PointerIDs:  ids,
		Confidence:  conf,
		Status:      model.RuleReview,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cand.from != nil {
		rule.EffectiveFrom = *cand.from
	}

	var missing []string
	for _, t := range tp.schema.RequiredTypes {
		if !present[t] {
			missing = append(missing, string(t))
		}
	}
	switch {
	case len(missing) > 0:
		rule.Status = model.RuleDraft
		rule.StatusReason = "missing required types: " + strings.Join(missing, ", ")
	case cand.from == nil:
		rule.Status = model.RuleDraft
		rule.StatusReason = "missing effective date"
	}

	if rule.Status == model.RuleReview {
		ok, err := tp.allowed.match(rule.Value)
		if err != nil || !ok {
			rule.Status = model.RuleDraft
			rule.StatusReason = "value does not match allowed pattern"
			if err != nil {
				rule.StatusReason = err.Error()
			}
		}
	}

	rule.Signature = Signature(rule)
	return rule, nil
}

// Signature hashes what makes two rules the same: topic, window, value and
// supporting pointer set
func Signature(r *model.Rule) string {
	h := sha256.New()
	to := ""
	if r.EffectiveTo != nil {
		to = r.EffectiveTo.UTC().Format(time.RFC3339)
	}
	ids := append([]string(nil), r.PointerIDs...)
	sort.Strings(ids)
	fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%s",
		r.TopicKey,
		r.EffectiveFrom.UTC().Format(time.RFC3339),
		to,
		model.CanonicalValue(r.ValueType, r.Value),
		strings.Join(ids, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// represented reports whether a live rule already covers the same window and
// value with at least the candidate's pointers
func represented(existing []*model.Rule, r *model.Rule) bool {
	for _, e := range existing {
		if e.Signature == r.Signature {
			return true
		}
		if e.Status == model.RuleRejected || e.TopicKey != r.TopicKey {
			continue
		}
		if !e.EffectiveFrom.Equal(r.EffectiveFrom) || !sameEnd(e.EffectiveTo, r.EffectiveTo) {
			continue
		}
		if model.CanonicalValue(e.ValueType, e.Value) != model.CanonicalValue(r.ValueType, r.Value) {
			continue
		}
		if e.Status == model.RuleDraft && r.Status != model.RuleDraft {
			continue
		}
		if superset(e.PointerIDs, r.PointerIDs) {
			return true
		}
	}
	return false
}

func superset(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, id := range have {
		set[id] = true
	}
	for _, id := range want {
		if !set[id] {
			return false
		}
	}
	return true
}

func sameEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func windowKey(from, to *time.Time) string {
	f, t := "-", "-"
	if from != nil {
		f = from.UTC().Format("2006-01-02")
	}
	if to != nil {
		t = to.UTC().Format("2006-01-02")
	}
	return f + "/" + t
}
