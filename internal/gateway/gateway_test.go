package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/lexledger/internal/graph"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/store/storetest"
)

const (
	rateTopic = "VAT_RATE"
	defTopic  = "VAT_SUPPLY_DEFINITION"
)

var (
	fetched = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	today   = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
)

const text = "From 1 January 2024 the standard rate is 20%. From 1 January 2025 the standard rate is 25% " +
	"for every supply as defined in section 4. A supply means any transfer of goods, subject to the standard rate."

type fixture struct {
	store *store.Store
	gw    *Gateway
	ev    *model.Evidence
}

func setup(t *testing.T, cfg model.GatewayConfig) *fixture {
	t.Helper()
	st := storetest.New(t)
	return &fixture{
		store: st,
		gw:    New(Options{Store: st, Config: cfg, Logger: zaptest.NewLogger(t), Now: func() time.Time { return today }}),
		ev:    storetest.Evidence(t, st, "https://example.gov/vat-act", text, model.TierLaw, fetched),
	}
}

func defaultConfig() model.GatewayConfig {
	return model.GatewayConfig{RetryAfter: 30 * time.Second, LegacyEnabled: true}
}

func (f *fixture) rate(t *testing.T, version int, value string, from time.Time, gs model.GraphStatus) *model.Rule {
	t.Helper()
	p := storetest.Pointer(t, f.store, f.ev, storetest.PointerSpec{Topic: rateTopic, Quote: value, Type: model.ValueRate, Value: value})
	return storetest.Rule(t, f.store, storetest.RuleSpec{
		Topic: rateTopic, Version: version, Value: value, Type: model.ValueRate, From: from,
		Status: model.RulePublished, GraphStatus: gs, Pointers: []*model.SourcePointer{p},
	})
}

func TestAnswer_SelectsRuleInForce(t *testing.T) {
	f := setup(t, defaultConfig())
	v1 := f.rate(t, 1, "20%", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphCurrent)
	v2 := f.rate(t, 2, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphCurrent)

	tests := []struct {
		name   string
		asOf   time.Time
		ruleID string
		value  string
	}{
		{"latest start wins", today, v2.ID, "25%"},
		{"earlier date", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), v1.ID, "20%"},
		{"exact start date", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), v2.ID, "25%"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ans, err := f.gw.Answer(context.Background(), rateTopic, tt.asOf)
			require.NoError(t, err)
			require.True(t, ans.Success)
			assert.Equal(t, tt.ruleID, ans.RuleID)
			assert.Equal(t, tt.value, ans.Value)
			assert.Equal(t, model.GraphCurrent, ans.GraphStatus)
			require.Len(t, ans.Citations, 1)
			assert.Equal(t, tt.value, ans.Citations[0].Quote)
			assert.Equal(t, "https://example.gov/vat-act", ans.Citations[0].URL)
		})
	}
}

func TestAnswer_NoRule(t *testing.T) {
	f := setup(t, defaultConfig())
	f.rate(t, 1, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphCurrent)

	ans, err := f.gw.Answer(context.Background(), rateTopic, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ans.Success)
	assert.Equal(t, model.RefusalNoRule, ans.RefusalReason)

	ans, err = f.gw.Answer(context.Background(), "UNKNOWN_TOPIC", today)
	require.NoError(t, err)
	assert.Equal(t, model.RefusalNoRule, ans.RefusalReason)
}

func TestAnswer_RefusesUnlessGraphCurrent(t *testing.T) {
	for _, gs := range []model.GraphStatus{model.GraphPending, model.GraphStale} {
		t.Run(string(gs), func(t *testing.T) {
			f := setup(t, defaultConfig())
			r := f.rate(t, 1, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), gs)

			ans, err := f.gw.Answer(context.Background(), rateTopic, today)
			require.NoError(t, err)
			assert.False(t, ans.Success)
			assert.Empty(t, ans.Value)
			assert.Equal(t, model.RefusalGraphInconsistent, ans.RefusalReason)
			assert.Equal(t, r.ID, ans.RuleID)
			assert.Equal(t, 30*time.Second, ans.RetryAfter)
		})
	}
}

func TestAnswer_CycleRefusesBothTopics(t *testing.T) {
	f := setup(t, defaultConfig())
	ctx := context.Background()
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	rateValue := storetest.Pointer(t, f.store, f.ev, storetest.PointerSpec{Topic: rateTopic, Quote: "25%", Type: model.ValueRate, Value: "25%"})
	rateRef := storetest.Pointer(t, f.store, f.ev, storetest.PointerSpec{Topic: rateTopic, Quote: "as defined in section 4", Type: model.ValueReference, Value: defTopic})
	r1 := storetest.Rule(t, f.store, storetest.RuleSpec{
		Topic: rateTopic, Version: 1, Value: "25%", Type: model.ValueRate, From: from,
		Status: model.RulePublished, GraphStatus: model.GraphPending, Pointers: []*model.SourcePointer{rateValue, rateRef},
	})
	defValue := storetest.Pointer(t, f.store, f.ev, storetest.PointerSpec{Topic: defTopic, Quote: "any transfer of goods", Type: model.ValueDefinition, Value: "any transfer of goods"})
	defRef := storetest.Pointer(t, f.store, f.ev, storetest.PointerSpec{Topic: defTopic, Quote: "subject to the standard rate", Type: model.ValueReference, Value: rateTopic})
	r2 := storetest.Rule(t, f.store, storetest.RuleSpec{
		Topic: defTopic, Version: 1, Value: "any transfer of goods", Type: model.ValueDefinition, From: from,
		Status: model.RulePublished, GraphStatus: model.GraphPending, Pointers: []*model.SourcePointer{defValue, defRef},
	})

	b := graph.New(graph.Options{Store: f.store, Logger: zaptest.NewLogger(t)})
	_, err := b.Build(ctx, r1.ID, 1)
	require.NoError(t, err)
	_, err = b.Build(ctx, r2.ID, 1)
	require.True(t, errors.Is(err, model.ErrGraphCycleDetected))

	for _, topic := range []string{rateTopic, defTopic} {
		ans, err := f.gw.Answer(ctx, topic, today)
		require.NoError(t, err)
		assert.False(t, ans.Success, topic)
		assert.Equal(t, model.RefusalGraphInconsistent, ans.RefusalReason, topic)
		assert.Equal(t, model.GraphStale, ans.GraphStatus, topic)
	}
}

func TestAnswer_LegacyIsAudited(t *testing.T) {
	f := setup(t, defaultConfig())
	r := f.rate(t, 1, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphNone)

	ans, err := f.gw.Answer(context.Background(), rateTopic, today)
	require.NoError(t, err)
	assert.True(t, ans.Success)
	assert.True(t, ans.Legacy)

	records, err := f.store.ListAudit(context.Background(), ActionLegacyEvaluation, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.ID, records[0].Subject)
	assert.Contains(t, records[0].Detail, rateTopic)
}

func TestAnswer_LegacyDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.LegacyEnabled = false
	f := setup(t, cfg)
	f.rate(t, 1, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphNone)

	ans, err := f.gw.Answer(context.Background(), rateTopic, today)
	require.NoError(t, err)
	assert.False(t, ans.Success)
	assert.Equal(t, model.RefusalNoRule, ans.RefusalReason)
}

func TestAnswer_OpenConflict(t *testing.T) {
	f := setup(t, defaultConfig())
	r := f.rate(t, 1, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphCurrent)
	other := f.rate(t, 2, "20%", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphCurrent)
	_, err := f.store.InsertConflict(context.Background(), &model.Conflict{
		ID:         "c1",
		TopicKey:   rateTopic,
		Kind:       model.ConflictRules,
		SideA:      model.ConflictSide{ItemID: r.ID, Value: "25%", Tier: model.TierGuidance, SourceDate: fetched},
		SideB:      model.ConflictSide{ItemID: other.ID, Value: "20%", Tier: model.TierGuidance, SourceDate: fetched},
		Outcome:    model.OutcomeNeedsHumanReview,
		DetectedAt: fetched,
	})
	require.NoError(t, err)

	ans, err := f.gw.Answer(context.Background(), rateTopic, today)
	require.NoError(t, err)
	assert.False(t, ans.Success)
	assert.Equal(t, model.RefusalConflictUnresolved, ans.RefusalReason)

	// a conflict with no rule in force still explains the refusal
	ans, err = f.gw.Answer(context.Background(), rateTopic, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, model.RefusalConflictUnresolved, ans.RefusalReason)
}

func TestAnswer_ProvenanceMismatchIsAnError(t *testing.T) {
	f := setup(t, defaultConfig())
	bad := &model.SourcePointer{
		ID: "bad", EvidenceID: f.ev.ID, TopicKey: rateTopic, StartOffset: 0, EndOffset: 3,
		ExactQuote: "25%", ValueType: model.ValueRate, Value: "25%", Confidence: 0.9,
		MatchQuality: model.MatchExact, CreatedAt: fetched,
	}
	_, err := f.store.InsertPointer(context.Background(), bad)
	require.NoError(t, err)
	storetest.Rule(t, f.store, storetest.RuleSpec{
		Topic: rateTopic, Version: 1, Value: "25%", Type: model.ValueRate, From: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Status: model.RulePublished, GraphStatus: model.GraphCurrent, Pointers: []*model.SourcePointer{bad},
	})

	_, err = f.gw.Answer(context.Background(), rateTopic, today)
	assert.True(t, errors.Is(err, model.ErrProvenanceMismatch))
}

func TestProvenance_TombstonedEvidenceStillResolves(t *testing.T) {
	f := setup(t, defaultConfig())
	r := f.rate(t, 1, "25%", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.GraphCurrent)
	require.NoError(t, f.store.TombstoneEvidence(context.Background(), f.ev.ID, "withdrawn by publisher", today))

	chain, err := f.gw.Provenance(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, chain.Rule.ID)
	require.Len(t, chain.Links, 1)
	link := chain.Links[0]
	assert.True(t, link.Tombstoned)
	assert.True(t, link.QuoteHolds)
	assert.Equal(t, f.ev.ContentHash, link.ContentHash)
	assert.Equal(t, model.TierLaw, link.Tier)

	_, err = f.gw.Provenance(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
