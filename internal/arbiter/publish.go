package arbiter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// PublishResult lists the rules a publish pass changed
type PublishResult struct {
	Published  []*model.Rule
	Superseded []string
	Blocked    []string
}

// Publish moves every REVIEW rule of the topic that is not party to an open
// conflict through ARBITRATED to PUBLISHED. Publication sets graph status
// PENDING and schedules the graph build in the same transaction. An older
// published rule with the same start date is superseded.
func (a *Arbiter) Publish(ctx context.Context, topic string) (*PublishResult, error) {
	rules, err := a.store.ListRulesByTopic(ctx, topic)
	if err != nil {
		return nil, err
	}
	open, err := a.ListOpen(ctx, topic)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Rule, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}

	out := &PublishResult{}
	// oldest first so a newer version supersedes an older one
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if r.Status != model.RuleReview {
			continue
		}
		if err := blocking(r, open, byID); err != nil {
			out.Blocked = append(out.Blocked, r.ID)
			a.log.Info("rule held back", zap.String("rule_id", r.ID), zap.String("topic", topic), zap.Error(err))
			continue
		}

		superseded, err := a.publish(ctx, r, rules)
		if err != nil {
			return nil, err
		}
		for _, id := range superseded {
			byID[id].Status = model.RuleRejected
		}
		out.Published = append(out.Published, r)
		out.Superseded = append(out.Superseded, superseded...)
		a.log.Info("rule published",
			zap.String("rule_id", r.ID),
			zap.String("topic", topic),
			zap.Int("version", r.Version),
			zap.Strings("superseded", superseded))
	}
	return out, nil
}

func (a *Arbiter) publish(ctx context.Context, r *model.Rule, all []*model.Rule) ([]string, error) {
	now := a.now().UTC()
	var superseded []string
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.TransitionRule(ctx, r.ID, model.RuleReview, model.RuleArbitrated, "", now); err != nil {
			return err
		}
		if err := q.PublishRule(ctx, r.ID, now); err != nil {
			return err
		}
		if a.schedule != nil {
			if err := a.schedule(ctx, q, r.ID); err != nil {
				return err
			}
		}
		for _, old := range all {
			if old.ID == r.ID || old.Status != model.RulePublished || !old.EffectiveFrom.Equal(r.EffectiveFrom) {
				continue
			}
			reason := fmt.Sprintf("superseded by version %d", r.Version)
			if err := q.TransitionRule(ctx, old.ID, model.RulePublished, model.RuleRejected, reason, now); err != nil {
				return err
			}
			superseded = append(superseded, old.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish rule %s: %w", r.ID, err)
	}
	r.Status = model.RulePublished
	r.GraphStatus = model.GraphPending
	r.PublishedAt = &now
	return superseded, nil
}

// blocking returns ErrConflictUnresolved when r is a side of an open conflict
// whose other side is still live
func blocking(r *model.Rule, open []*model.Conflict, byID map[string]*model.Rule) error {
	for _, c := range open {
		if c.Kind != model.ConflictRules {
			continue
		}
		var other string
		switch r.ID {
		case c.SideA.ItemID:
			other = c.SideB.ItemID
		case c.SideB.ItemID:
			other = c.SideA.ItemID
		default:
			continue
		}
		if o, ok := byID[other]; ok && o.Status != model.RuleRejected {
			return fmt.Errorf("conflict %s with rule %s: %w", c.ID, other, model.ErrConflictUnresolved)
		}
	}
	return nil
}
