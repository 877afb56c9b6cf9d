package compose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/store/storetest"
)

const rateTopic = "VAT_STANDARD_RATE"

var fetched = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

const actText = "The standard rate of VAT is 25% with effect from 1 January 2025. " +
	"The reduced rate of 5% was repealed. " +
	"Twenty-five percent applies to all supplies."

func predicateConfig() model.PredicateConfig {
	return model.PredicateConfig{Timeout: 20 * time.Millisecond, MaxInputLength: 1000, MaxPatternLen: 512}
}

func rateSchema() model.TopicSchema {
	return model.TopicSchema{
		Key:            rateTopic,
		Description:    "Standard value added tax rate",
		PrimaryType:    model.ValueRate,
		RequiredTypes:  []model.ValueType{model.ValueRate},
		AllowedValueRe: `^\d+(\.\d+)?%?$`,
	}
}

func newComposer(t *testing.T, st *store.Store, topics ...model.TopicSchema) *Composer {
	t.Helper()
	if len(topics) == 0 {
		topics = []model.TopicSchema{rateSchema()}
	}
	c, err := New(Options{
		Store:      st,
		Topics:     topics,
		Predicates: predicateConfig(),
		Logger:     zaptest.NewLogger(t),
		Now:        func() time.Time { return fetched.Add(time.Hour) },
	})
	require.NoError(t, err)
	return c
}

func ratePointer(t *testing.T, st *store.Store, ev *model.Evidence, quote, value string, from *time.Time) *model.SourcePointer {
	return storetest.Pointer(t, st, ev, storetest.PointerSpec{
		Topic: rateTopic, Quote: quote, Type: model.ValueRate, Value: value, From: from,
	})
}

func TestCompose_Review(t *testing.T) {
	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	p := ratePointer(t, st, ev, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))

	res, err := newComposer(t, st).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	r := res.Created[0]
	assert.Equal(t, model.RuleReview, r.Status)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, "25%", r.Value)
	assert.Equal(t, []string{p.ID}, r.PointerIDs)
	assert.True(t, r.EffectiveFrom.Equal(*storetest.Date(2025, 1, 1)))
	assert.InDelta(t, 0.9, r.Confidence, 1e-9)

	stored, err := st.GetRule(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleReview, stored.Status)
	assert.Equal(t, r.Signature, stored.Signature)
}

func TestCompose_DraftReasons(t *testing.T) {
	withDate := rateSchema()
	withDate.RequiredTypes = []model.ValueType{model.ValueRate, model.ValueDate}

	tests := []struct {
		name   string
		schema model.TopicSchema
		quote  string
		value  string
		from   *time.Time
		reason string
	}{
		{"missing required type", withDate, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1), "missing required types: date"},
		{"undated", rateSchema(), "The standard rate of VAT is 25%", "25%", nil, "missing effective date"},
		{"value outside allowed pattern", rateSchema(), "Twenty-five percent", "twenty-five percent", storetest.Date(2025, 1, 1), "value does not match allowed pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storetest.New(t)
			ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
			ratePointer(t, st, ev, tt.quote, tt.value, tt.from)

			res, err := newComposer(t, st, tt.schema).Compose(context.Background(), rateTopic)
			require.NoError(t, err)
			require.Len(t, res.Created, 1)
			assert.Equal(t, model.RuleDraft, res.Created[0].Status)
			assert.Equal(t, tt.reason, res.Created[0].StatusReason)
		})
	}
}

func TestCompose_SupportingPointerFromSameEvidence(t *testing.T) {
	schema := rateSchema()
	schema.RequiredTypes = []model.ValueType{model.ValueRate, model.ValueDate}

	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	rate := ratePointer(t, st, ev, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))
	date := storetest.Pointer(t, st, ev, storetest.PointerSpec{
		Topic: rateTopic, Quote: "with effect from 1 January 2025", Type: model.ValueDate, Value: "2025-01-01",
	})

	res, err := newComposer(t, st, schema).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, model.RuleReview, res.Created[0].Status)
	assert.ElementsMatch(t, []string{rate.ID, date.ID}, res.Created[0].PointerIDs)
}

func TestCompose_Idempotent(t *testing.T) {
	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	ratePointer(t, st, ev, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))
	c := newComposer(t, st)

	first, err := c.Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := c.Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Equal(t, 1, second.Unchanged)

	rules, err := st.ListRulesByTopic(context.Background(), rateTopic)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestCompose_DistinctValuesGetVersions(t *testing.T) {
	st := storetest.New(t)
	law := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	guide := storetest.Evidence(t, st, "https://example.com/guide", "Most supplies are charged at 23% from 1 January 2025.", model.TierGuidance, fetched)
	ratePointer(t, st, law, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))
	ratePointer(t, st, guide, "charged at 23%", "23 %", storetest.Date(2025, 1, 1))

	res, err := newComposer(t, st).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	assert.Equal(t, 1, res.Created[0].Version)
	assert.Equal(t, 2, res.Created[1].Version)
}

func TestCompose_ExcludesUnusablePointers(t *testing.T) {
	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	storetest.Pointer(t, st, ev, storetest.PointerSpec{
		Topic: rateTopic, Quote: "25%", Type: model.ValueRate, Value: "25%",
		From: storetest.Date(2025, 1, 1), Quality: model.MatchNotFound,
	})
	rejected := ratePointer(t, st, ev, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))
	require.NoError(t, st.SetPointerAnnotation(context.Background(), rejected.ID, model.AnnotationRejectedLowerAuthority))

	res, err := newComposer(t, st).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func TestCompose_ExcludesTombstonedEvidence(t *testing.T) {
	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	ratePointer(t, st, ev, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))
	require.NoError(t, st.TombstoneEvidence(context.Background(), ev.ID, "withdrawn", fetched))

	res, err := newComposer(t, st).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.Excluded)
}

func TestCompose_PredicateExcludes(t *testing.T) {
	schema := rateSchema()
	schema.Predicates = []model.Predicate{
		{Name: "not_repealed", Field: "quote", Pattern: `(?i)repealed`, Negate: true},
	}

	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/vat-act", actText, model.TierLaw, fetched)
	ratePointer(t, st, ev, "The reduced rate of 5% was repealed", "5%", storetest.Date(2025, 1, 1))
	kept := ratePointer(t, st, ev, "The standard rate of VAT is 25%", "25%", storetest.Date(2025, 1, 1))

	res, err := newComposer(t, st, schema).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, []string{kept.ID}, res.Created[0].PointerIDs)
	assert.Equal(t, 1, res.Excluded)
}

func TestCompose_CatastrophicPatternTimesOut(t *testing.T) {
	schema := rateSchema()
	schema.Predicates = []model.Predicate{
		{Name: "backtrack", Field: "value", Pattern: `^(a+)+$`},
	}
	text := "Rate code " + strings.Repeat("a", 40) + "b applies."

	st := storetest.New(t)
	ev := storetest.Evidence(t, st, "https://example.gov/codes", text, model.TierLaw, fetched)
	ratePointer(t, st, ev, strings.Repeat("a", 40)+"b", strings.Repeat("a", 40)+"b", storetest.Date(2025, 1, 1))

	start := time.Now()
	res, err := newComposer(t, st, schema).Compose(context.Background(), rateTopic)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 1, res.Excluded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPredicate_Eval(t *testing.T) {
	ptr := &model.SourcePointer{ExactQuote: "Repealed by the 2024 Act", Value: "20%"}

	p, err := CompilePredicate(model.Predicate{Name: "repealed", Field: "quote", Pattern: `(?i)^repealed`}, predicateConfig())
	require.NoError(t, err)
	ok, err := p.Eval(ptr)
	require.NoError(t, err)
	assert.True(t, ok)

	neg, err := CompilePredicate(model.Predicate{Name: "live", Field: "quote", Pattern: `(?i)^repealed`, Negate: true}, predicateConfig())
	require.NoError(t, err)
	ok, err = neg.Eval(ptr)
	require.NoError(t, err)
	assert.False(t, ok)

	long := &model.SourcePointer{Value: strings.Repeat("9", 2000)}
	v, err := CompilePredicate(model.Predicate{Name: "digits", Field: "value", Pattern: `^\d+$`}, predicateConfig())
	require.NoError(t, err)
	_, err = v.Eval(long)
	assert.True(t, errors.Is(err, model.ErrPredicateRejected))

	slow, err := CompilePredicate(model.Predicate{Name: "backtrack", Field: "value", Pattern: `^(a+)+$`}, predicateConfig())
	require.NoError(t, err)
	_, err = slow.Eval(&model.SourcePointer{Value: strings.Repeat("a", 40) + "b"})
	assert.True(t, errors.Is(err, model.ErrPredicateRejected))
}

func TestNew_RejectsInvalidTopics(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.TopicSchema)
	}{
		{"bad pattern", func(s *model.TopicSchema) {
			s.Predicates = []model.Predicate{{Name: "broken", Field: "quote", Pattern: "("}}
		}},
		{"bad field", func(s *model.TopicSchema) {
			s.Predicates = []model.Predicate{{Name: "body", Field: "body", Pattern: "x"}}
		}},
		{"pattern too long", func(s *model.TopicSchema) {
			s.Predicates = []model.Predicate{{Name: "long", Field: "quote", Pattern: strings.Repeat("a", 600)}}
		}},
		{"lowercase key", func(s *model.TopicSchema) { s.Key = "vat_rate" }},
		{"no required types", func(s *model.TopicSchema) { s.RequiredTypes = []model.ValueType{} }},
		{"unknown value type", func(s *model.TopicSchema) { s.PrimaryType = "percentage" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := rateSchema()
			tt.mutate(&schema)
			_, err := New(Options{Store: storetest.New(t), Topics: []model.TopicSchema{schema}, Predicates: predicateConfig()})
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrPredicateRejected), "got %v", err)
		})
	}
}

func TestValidateTopics_Duplicate(t *testing.T) {
	err := ValidateTopics([]model.TopicSchema{rateSchema(), rateSchema()}, predicateConfig())
	assert.True(t, errors.Is(err, model.ErrPredicateRejected))
	assert.NoError(t, ValidateTopics(model.DefaultTopics(), predicateConfig()))
}

func TestSignature_IgnoresPointerOrder(t *testing.T) {
	a := &model.Rule{TopicKey: rateTopic, ValueType: model.ValueRate, Value: "25%", PointerIDs: []string{"p1", "p2"}}
	b := &model.Rule{TopicKey: rateTopic, ValueType: model.ValueRate, Value: "25 %", PointerIDs: []string{"p2", "p1"}}
	assert.Equal(t, Signature(a), Signature(b))

	b.PointerIDs = []string{"p1"}
	assert.NotEqual(t, Signature(a), Signature(b))
}
