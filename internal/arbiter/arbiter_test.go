package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/store/storetest"
)

const topic = "VAT_RATE"

var (
	fetched = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	from    = storetest.Date(2025, 1, 1)
)

const (
	lawText   = "The standard rate of VAT is 25% from 1 January 2025."
	guideText = "Businesses should charge VAT at 23% on standard supplies."
)

func newArbiter(t *testing.T, st *store.Store) *Arbiter {
	t.Helper()
	return New(Options{
		Store: st,
		Config: model.ArbiterConfig{
			Margin:            0.5,
			HighAuthorityTier: "law",
			RecencyWeight:     0.4,
			RecencyHorizon:    10 * 365 * 24 * time.Hour,
			Tolerances:        map[string]float64{"rate": 0.0001},
		},
		Logger: zaptest.NewLogger(t),
		Now:    func() time.Time { return fetched.Add(24 * time.Hour) },
	})
}

func seedRates(t *testing.T, st *store.Store, tierA, tierB model.AuthorityTier) (*model.SourcePointer, *model.SourcePointer) {
	t.Helper()
	a := storetest.Evidence(t, st, "https://example.gov/vat-act", lawText, tierA, fetched)
	b := storetest.Evidence(t, st, "https://example.com/vat-guide", guideText, tierB, fetched)
	pa := storetest.Pointer(t, st, a, storetest.PointerSpec{Topic: topic, Quote: "25%", Type: model.ValueRate, Value: "25%", From: from})
	pb := storetest.Pointer(t, st, b, storetest.PointerSpec{Topic: topic, Quote: "23%", Type: model.ValueRate, Value: "23%", From: from})
	return pa, pb
}

func annotation(t *testing.T, st *store.Store, id string) model.ConflictAnnotation {
	t.Helper()
	p, err := st.GetPointer(context.Background(), id)
	require.NoError(t, err)
	return p.Annotation
}

func TestArbitratePointers_LawBeatsGuidance(t *testing.T) {
	st := storetest.New(t)
	law, guide := seedRates(t, st, model.TierLaw, model.TierGuidance)
	arb := newArbiter(t, st)

	report, err := arb.ArbitratePointers(context.Background(), topic)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 1, report.Decided)
	assert.Equal(t, 0, report.Escalated)

	assert.Equal(t, model.AnnotationUpheld, annotation(t, st, law.ID))
	assert.Equal(t, model.AnnotationRejectedLowerAuthority, annotation(t, st, guide.ID))

	conflicts, err := st.ListConflicts(context.Background(), store.ConflictFilter{TopicKey: topic})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.False(t, c.Open())
	winner, _ := c.Side(law.ID)
	loser, _ := c.Side(guide.ID)
	assert.Greater(t, winner.Score, loser.Score)

	history, err := arb.History(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, law.ID, history[0].WinnerID)
	assert.Equal(t, guide.ID, history[0].LoserID)
	assert.Equal(t, DecidedBy, history[0].DecidedBy)

	// re-running reaches the same decision and appends nothing
	report, err = arb.ArbitratePointers(context.Background(), topic)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Decided)
	history, err = arb.History(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestArbitratePointers_EscalatesWhenAuthorityCannotDecide(t *testing.T) {
	tests := []struct {
		name         string
		tierA, tierB model.AuthorityTier
	}{
		{"equal scores", model.TierGuidance, model.TierGuidance},
		{"both high authority", model.TierLaw, model.TierLaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storetest.New(t)
			a, b := seedRates(t, st, tt.tierA, tt.tierB)
			arb := newArbiter(t, st)

			report, err := arb.ArbitratePointers(context.Background(), topic)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Escalated)
			assert.Equal(t, 0, report.Decided)

			assert.Equal(t, model.AnnotationContested, annotation(t, st, a.ID))
			assert.Equal(t, model.AnnotationContested, annotation(t, st, b.ID))

			open, err := arb.ListOpen(context.Background(), topic)
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, model.OutcomeNeedsHumanReview, open[0].Outcome)
		})
	}
}

func TestResolveManually_SupersedesAndSticks(t *testing.T) {
	st := storetest.New(t)
	a, b := seedRates(t, st, model.TierGuidance, model.TierGuidance)
	arb := newArbiter(t, st)

	_, err := arb.ArbitratePointers(context.Background(), topic)
	require.NoError(t, err)
	open, err := arb.ListOpen(context.Background(), topic)
	require.NoError(t, err)
	require.Len(t, open, 1)
	conflictID := open[0].ID

	res, err := arb.ResolveManually(context.Background(), conflictID, b.ID, "alice", "checked the gazette")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeHumanResolved, res.Outcome)
	assert.Equal(t, "alice", res.DecidedBy)

	assert.Equal(t, model.AnnotationUpheld, annotation(t, st, b.ID))
	assert.Equal(t, model.AnnotationRejectedLowerAuthority, annotation(t, st, a.ID))

	history, err := arb.History(context.Background(), conflictID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, history[0].ID, history[1].SupersedeOf)
	assert.True(t, history[1].CreatedAt.After(history[0].CreatedAt))
	assert.Equal(t, model.OutcomeNeedsHumanReview, history[0].Outcome)

	// the automatic pass does not override a human decision
	_, err = arb.ArbitratePointers(context.Background(), topic)
	require.NoError(t, err)
	history, err = arb.History(context.Background(), conflictID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	open, err = arb.ListOpen(context.Background(), topic)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestResolveManually_Validation(t *testing.T) {
	st := storetest.New(t)
	seedRates(t, st, model.TierGuidance, model.TierGuidance)
	arb := newArbiter(t, st)
	_, err := arb.ArbitratePointers(context.Background(), topic)
	require.NoError(t, err)
	open, err := arb.ListOpen(context.Background(), topic)
	require.NoError(t, err)

	_, err = arb.ResolveManually(context.Background(), open[0].ID, "not-a-side", "alice", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = arb.ResolveManually(context.Background(), open[0].ID, open[0].SideA.ItemID, "", "")
	assert.Error(t, err)

	_, err = arb.ResolveManually(context.Background(), "missing", "x", "alice", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDiffers(t *testing.T) {
	arb := newArbiter(t, storetest.New(t))
	tests := []struct {
		vt   model.ValueType
		x, y string
		want bool
	}{
		{model.ValueRate, "25%", "25.00001%", false},
		{model.ValueRate, "25%", "23%", true},
		{model.ValueThreshold, "£90,000", "90000", false},
		{model.ValueThreshold, "£90,000", "£85,000", true},
		{model.ValueDate, "2025-01-01", "2025-01-01", false},
		{model.ValueDate, "2025-01-01", "2025-04-01", true},
		{model.ValueDeadline, "30 days", "30  Days", false},
	}
	for _, tt := range tests {
		if got := arb.Differs(tt.vt, tt.x, tt.y); got != tt.want {
			t.Errorf("Differs(%s, %q, %q) = %v, want %v", tt.vt, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestDetectPointers_DifferentStartDatesDoNotConflict(t *testing.T) {
	st := storetest.New(t)
	a := storetest.Evidence(t, st, "https://example.gov/vat-act", lawText, model.TierLaw, fetched)
	b := storetest.Evidence(t, st, "https://example.com/vat-guide", guideText, model.TierGuidance, fetched)
	storetest.Pointer(t, st, a, storetest.PointerSpec{Topic: topic, Quote: "25%", Type: model.ValueRate, Value: "25%", From: from})
	storetest.Pointer(t, st, b, storetest.PointerSpec{Topic: topic, Quote: "23%", Type: model.ValueRate, Value: "23%", From: storetest.Date(2020, 1, 1)})

	conflicts, err := newArbiter(t, st).DetectPointers(context.Background(), topic)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestArbitrateRules_RejectsLoserAndPublishesWinner(t *testing.T) {
	st := storetest.New(t)
	pa, pb := seedRates(t, st, model.TierLaw, model.TierGuidance)
	ra := storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 1, Value: "25%", Type: model.ValueRate, From: *from, Status: model.RuleReview, Pointers: []*model.SourcePointer{pa}})
	rb := storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 2, Value: "23%", Type: model.ValueRate, From: *from, Status: model.RuleReview, Pointers: []*model.SourcePointer{pb}})
	arb := newArbiter(t, st)

	report, err := arb.ArbitrateRules(context.Background(), topic)
	require.NoError(t, err)
	assert.Equal(t, []string{rb.ID}, report.Rejected)

	pub, err := arb.Publish(context.Background(), topic)
	require.NoError(t, err)
	require.Len(t, pub.Published, 1)
	assert.Equal(t, ra.ID, pub.Published[0].ID)

	got, err := st.GetRule(context.Background(), ra.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePublished, got.Status)
	assert.Equal(t, model.GraphPending, got.GraphStatus)
	require.NotNil(t, got.PublishedAt)

	lost, err := st.GetRule(context.Background(), rb.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleRejected, lost.Status)
	assert.Contains(t, lost.StatusReason, ra.ID)
}

func TestPublish_BlockedByOpenConflict(t *testing.T) {
	st := storetest.New(t)
	pa, pb := seedRates(t, st, model.TierGuidance, model.TierGuidance)
	storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 1, Value: "25%", Type: model.ValueRate, From: *from, Status: model.RuleReview, Pointers: []*model.SourcePointer{pa}})
	storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 2, Value: "23%", Type: model.ValueRate, From: *from, Status: model.RuleReview, Pointers: []*model.SourcePointer{pb}})
	arb := newArbiter(t, st)

	report, err := arb.ArbitrateRules(context.Background(), topic)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	pub, err := arb.Publish(context.Background(), topic)
	require.NoError(t, err)
	assert.Empty(t, pub.Published)
	assert.Len(t, pub.Blocked, 2)
}

func TestPublish_SupersedesSameStartDate(t *testing.T) {
	st := storetest.New(t)
	pa, _ := seedRates(t, st, model.TierLaw, model.TierGuidance)
	v1 := storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 1, Value: "25%", Type: model.ValueRate, From: *from, Status: model.RulePublished, GraphStatus: model.GraphCurrent, Pointers: []*model.SourcePointer{pa}})
	v2 := storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 2, Value: "25%", Type: model.ValueRate, From: *from, Status: model.RuleReview, Pointers: []*model.SourcePointer{pa}})
	older := storetest.Rule(t, st, storetest.RuleSpec{Topic: topic, Version: 3, Value: "20%", Type: model.ValueRate, From: time.Date(2011, 1, 4, 0, 0, 0, 0, time.UTC), Status: model.RulePublished, GraphStatus: model.GraphCurrent, Pointers: []*model.SourcePointer{pa}})

	pub, err := newArbiter(t, st).Publish(context.Background(), topic)
	require.NoError(t, err)
	require.Len(t, pub.Published, 1)
	assert.Equal(t, v2.ID, pub.Published[0].ID)
	assert.Equal(t, []string{v1.ID}, pub.Superseded)

	got, err := st.GetRule(context.Background(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleRejected, got.Status)
	assert.Equal(t, "superseded by version 2", got.StatusReason)

	kept, err := st.GetRule(context.Background(), older.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePublished, kept.Status)
}
