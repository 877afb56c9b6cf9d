package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/model"
)

// source is the authority-relevant view of one conflict side
type source struct {
	tier model.AuthorityTier
	date time.Time
}

// DetectPointers finds pairs of verified pointers in the topic that share a
// value type and validity window but disagree on the value
func (a *Arbiter) DetectPointers(ctx context.Context, topic string) ([]*model.Conflict, error) {
	pointers, err := a.store.ListPointersByTopic(ctx, topic)
	if err != nil {
		return nil, err
	}

	sources := map[string]*source{}
	var live []*model.SourcePointer
	for _, p := range pointers {
		if !p.Verified() {
			continue
		}
		src, ok := sources[p.EvidenceID]
		if !ok {
			ev, err := a.store.GetEvidence(ctx, p.EvidenceID)
			if err != nil {
				return nil, err
			}
			if !ev.IsTombstoned() {
				src = &source{tier: ev.Tier, date: ev.FetchedAt}
			}
			sources[p.EvidenceID] = src
		}
		if src != nil {
			live = append(live, p)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	now := a.now().UTC()
	var out []*model.Conflict
	for i, x := range live {
		for _, y := range live[i+1:] {
			if x.ValueType != y.ValueType || !sameWindow(x.EffectiveFrom, x.EffectiveTo, y.EffectiveFrom, y.EffectiveTo) {
				continue
			}
			if !a.Differs(x.ValueType, x.Value, y.Value) {
				continue
			}
			out = append(out, &model.Conflict{
				TopicKey:   topic,
				Kind:       model.ConflictPointers,
				SideA:      a.side(x.ID, x.Value, sources[x.EvidenceID], now),
				SideB:      a.side(y.ID, y.Value, sources[y.EvidenceID], now),
				Outcome:    model.OutcomePending,
				DetectedAt: now,
			})
		}
	}
	return out, nil
}

// DetectRules finds pairs of live rule versions in the topic with the same
// validity window and materially different values
func (a *Arbiter) DetectRules(ctx context.Context, topic string) ([]*model.Conflict, error) {
	rules, err := a.store.ListRulesByTopic(ctx, topic, model.RuleReview, model.RuleArbitrated, model.RulePublished)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	now := a.now().UTC()
	cache := map[string]*source{}
	var out []*model.Conflict
	for i, x := range rules {
		for _, y := range rules[i+1:] {
			if !sameWindow(&x.EffectiveFrom, x.EffectiveTo, &y.EffectiveFrom, y.EffectiveTo) {
				continue
			}
			if !a.Differs(x.ValueType, x.Value, y.Value) {
				continue
			}
			sx, err := a.ruleSource(ctx, x, cache)
			if err != nil {
				return nil, err
			}
			sy, err := a.ruleSource(ctx, y, cache)
			if err != nil {
				return nil, err
			}
			out = append(out, &model.Conflict{
				TopicKey:   topic,
				Kind:       model.ConflictRules,
				SideA:      a.side(x.ID, x.Value, sx, now),
				SideB:      a.side(y.ID, y.Value, sy, now),
				Outcome:    model.OutcomePending,
				DetectedAt: now,
			})
		}
	}
	return out, nil
}

// ArbitratePointers detects and resolves pointer conflicts in a topic
func (a *Arbiter) ArbitratePointers(ctx context.Context, topic string) (*Report, error) {
	conflicts, err := a.DetectPointers(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("detect pointer conflicts in %s: %w", topic, err)
	}
	return a.resolveAll(ctx, topic, conflicts)
}

// ArbitrateRules detects and resolves rule conflicts in a topic
func (a *Arbiter) ArbitrateRules(ctx context.Context, topic string) (*Report, error) {
	conflicts, err := a.DetectRules(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("detect rule conflicts in %s: %w", topic, err)
	}
	return a.resolveAll(ctx, topic, conflicts)
}

func (a *Arbiter) resolveAll(ctx context.Context, topic string, conflicts []*model.Conflict) (*Report, error) {
	report := &Report{Topic: topic, Detected: len(conflicts)}
	for _, c := range conflicts {
		before, err := a.store.GetConflictByPair(ctx, c.Kind, c.SideA.ItemID, c.SideB.ItemID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		res, err := a.Resolve(ctx, c)
		if err != nil {
			return nil, err
		}
		if before != nil && before.Outcome == res.Outcome {
			continue
		}
		switch res.Outcome {
		case model.OutcomeNeedsHumanReview:
			report.Escalated++
			a.log.Warn("conflict needs human review",
				zap.String("conflict_id", res.ConflictID),
				zap.String("topic", topic),
				zap.String("reason", res.Reason))
		case model.OutcomeSideAWins, model.OutcomeSideBWins:
			report.Decided++
			if c.Kind == model.ConflictRules {
				report.Rejected = append(report.Rejected, res.LoserID)
			}
		}
	}
	return report, nil
}

func (a *Arbiter) side(id, value string, src *source, now time.Time) model.ConflictSide {
	s := a.scorer.Calculate(src.tier, src.date, now)
	return model.ConflictSide{
		ItemID:     id,
		Value:      value,
		Tier:       src.tier,
		SourceDate: src.date,
		Score:      s.Value,
	}
}

// ruleSource is the strongest, most recent evidence behind a rule's primary pointers
func (a *Arbiter) ruleSource(ctx context.Context, r *model.Rule, cache map[string]*source) (*source, error) {
	if s, ok := cache[r.ID]; ok {
		return s, nil
	}
	pointers, err := a.store.GetPointers(ctx, r.PointerIDs)
	if err != nil {
		return nil, err
	}
	best := &source{}
	for _, p := range pointers {
		if p.ValueType != r.ValueType {
			continue
		}
		ev, err := a.store.GetEvidence(ctx, p.EvidenceID)
		if err != nil {
			return nil, err
		}
		if ev.Tier > best.tier {
			best.tier = ev.Tier
		}
		if ev.FetchedAt.After(best.date) {
			best.date = ev.FetchedAt
		}
	}
	cache[r.ID] = best
	return best, nil
}

// sameWindow reports whether two validity windows start together. Versions
// that start on different dates succeed each other rather than conflict.
func sameWindow(aFrom, aTo, bFrom, bTo *time.Time) bool {
	if (aFrom == nil) != (bFrom == nil) {
		return false
	}
	if aFrom == nil {
		return true
	}
	if !aFrom.Equal(*bFrom) {
		return false
	}
	return model.WindowsOverlap(*aFrom, aTo, *bFrom, bTo)
}
