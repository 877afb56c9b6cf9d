// Package gateway answers topic questions from published rules, refusing
// whenever the rule's graph is not known to be consistent
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/extract"
	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// ActionLegacyEvaluation is the audit action recorded for rules without graph status
const ActionLegacyEvaluation = "legacy_evaluation"

// Gateway is the answer boundary
type Gateway struct {
	store   *store.Store
	cfg     model.GatewayConfig
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// Options configures a Gateway
type Options struct {
	Store   *store.Store
	Config  model.GatewayConfig
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// New creates a Gateway
func New(opts Options) *Gateway {
	g := &Gateway{
		store:   opts.Store,
		cfg:     opts.Config,
		metrics: opts.Metrics,
		log:     logging.OrNop(opts.Logger),
		now:     opts.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// SelectRule returns the published rule of topic in force at asOf, or nil
func (g *Gateway) SelectRule(ctx context.Context, topic string, asOf time.Time) (*model.Rule, error) {
	rules, err := g.store.ListRulesByTopic(ctx, topic, model.RulePublished)
	if err != nil {
		return nil, err
	}
	return model.SelectCurrent(rules, asOf), nil
}

// Answer evaluates topic as of asOf. Refusals are answers, not errors: the
// returned error is reserved for storage failures and provenance mismatches.
func (g *Gateway) Answer(ctx context.Context, topic string, asOf time.Time) (*model.Answer, error) {
	asOf = asOf.UTC()
	ans := &model.Answer{TopicKey: topic, AsOf: asOf}

	rule, err := g.SelectRule(ctx, topic, asOf)
	if err != nil {
		return nil, fmt.Errorf("select rule for %s: %w", topic, err)
	}
	open, err := g.store.ListConflicts(ctx, store.ConflictFilter{TopicKey: topic, OpenOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list conflicts for %s: %w", topic, err)
	}

	if rule == nil {
		if len(open) > 0 {
			return g.refuse(ans, model.RefusalConflictUnresolved), nil
		}
		return g.refuse(ans, model.RefusalNoRule), nil
	}
	ans.RuleID = rule.ID
	ans.GraphStatus = rule.GraphStatus

	if rule.IsLegacy() {
		if !g.cfg.LegacyEnabled {
			g.log.Warn("legacy rule not evaluated", zap.String("rule_id", rule.ID), zap.String("topic", topic))
			return g.refuse(ans, model.RefusalNoRule), nil
		}
	} else if rule.GraphStatus != model.GraphCurrent {
		ans.RetryAfter = g.cfg.RetryAfter
		return g.refuse(ans, model.RefusalGraphInconsistent), nil
	}

	if involved(rule, open) {
		return g.refuse(ans, model.RefusalConflictUnresolved), nil
	}

	citations, err := g.cite(ctx, rule)
	if err != nil {
		return nil, err
	}

	if rule.IsLegacy() {
		if err := g.audit(ctx, rule, asOf); err != nil {
			return nil, err
		}
		ans.Legacy = true
		g.metrics.IncLegacy()
	}

	ans.Success = true
	ans.Value = rule.Value
	ans.ValueType = rule.ValueType
	ans.Confidence = rule.Confidence
	ans.Citations = citations
	g.metrics.IncAnswer("success")
	return ans, nil
}

func (g *Gateway) refuse(ans *model.Answer, reason model.RefusalReason) *model.Answer {
	ans.Success = false
	ans.RefusalReason = reason
	g.metrics.IncAnswer(string(reason))
	g.log.Debug("answer refused",
		zap.String("topic", ans.TopicKey),
		zap.Time("as_of", ans.AsOf),
		zap.String("rule_id", ans.RuleID),
		zap.String("reason", string(reason)))
	return ans
}

// involved reports whether an open conflict touches the rule or one of its pointers
func involved(rule *model.Rule, open []*model.Conflict) bool {
	items := make(map[string]bool, len(rule.PointerIDs)+1)
	items[rule.ID] = true
	for _, id := range rule.PointerIDs {
		items[id] = true
	}
	for _, c := range open {
		if items[c.SideA.ItemID] || items[c.SideB.ItemID] {
			return true
		}
	}
	return false
}

// cite builds citations for the rule's pointers, re-checking every quote
// against the stored evidence
func (g *Gateway) cite(ctx context.Context, rule *model.Rule) ([]model.Citation, error) {
	chain, err := g.Provenance(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Citation, 0, len(chain.Links))
	for _, l := range chain.Links {
		if !l.QuoteHolds {
			return nil, fmt.Errorf("rule %s pointer %s: %w", rule.ID, l.Pointer.ID, model.ErrProvenanceMismatch)
		}
		out = append(out, model.Citation{
			PointerID:   l.Pointer.ID,
			EvidenceID:  l.EvidenceID,
			URL:         l.URL,
			Quote:       l.Pointer.ExactQuote,
			StartOffset: l.Pointer.StartOffset,
			EndOffset:   l.Pointer.EndOffset,
		})
	}
	return out, nil
}

func (g *Gateway) audit(ctx context.Context, rule *model.Rule, asOf time.Time) error {
	rec := &model.AuditRecord{
		ID:        uuid.NewString(),
		Action:    ActionLegacyEvaluation,
		Subject:   rule.ID,
		Detail:    fmt.Sprintf("topic=%s as_of=%s version=%d", rule.TopicKey, asOf.Format("2006-01-02"), rule.Version),
		CreatedAt: g.now().UTC(),
	}
	if err := g.store.InsertAudit(ctx, rec); err != nil {
		return fmt.Errorf("audit legacy evaluation: %w", err)
	}
	g.log.Info("legacy rule evaluated", zap.String("rule_id", rule.ID), zap.String("topic", rule.TopicKey))
	return nil
}

// Provenance returns rule -> pointers -> evidence -> offsets for any rule.
// Tombstoned evidence still resolves and is flagged.
func (g *Gateway) Provenance(ctx context.Context, ruleID string) (*model.ProvenanceChain, error) {
	rule, err := g.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	pointers, err := g.store.GetPointers(ctx, rule.PointerIDs)
	if err != nil {
		return nil, fmt.Errorf("load pointers of rule %s: %w", ruleID, err)
	}

	chain := &model.ProvenanceChain{Rule: *rule}
	evidence := map[string]*model.Evidence{}
	for _, p := range pointers {
		ev, ok := evidence[p.EvidenceID]
		if !ok {
			ev, err = g.store.GetEvidence(ctx, p.EvidenceID)
			if err != nil {
				return nil, fmt.Errorf("load evidence %s: %w", p.EvidenceID, err)
			}
			evidence[p.EvidenceID] = ev
		}
		chain.Links = append(chain.Links, model.ProvenanceLink{
			Pointer:     *p,
			EvidenceID:  ev.ID,
			URL:         ev.URL,
			ContentHash: ev.ContentHash,
			FetchedAt:   ev.FetchedAt,
			Tier:        ev.Tier,
			Tombstoned:  ev.IsTombstoned(),
			QuoteHolds:  quoteHolds(ev, p),
		})
	}

	edges, err := g.store.ListEdgesFrom(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	chain.Edges = edges
	return chain, nil
}

func quoteHolds(ev *model.Evidence, p *model.SourcePointer) bool {
	if !p.Verified() || ev.Encoding != "" {
		return false
	}
	got, ok := extract.SliceUTF16(ev.RawContent, p.StartOffset, p.EndOffset)
	return ok && got == p.ExactQuote
}
