package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/lexledger/internal/authority"
	"github.com/ppiankov/lexledger/internal/cache"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/store/storetest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newService(t *testing.T) (*Service, *store.Store, *clock) {
	t.Helper()
	st := storetest.New(t)
	cls, err := authority.NewClassifier(&model.AuthorityMapping{
		Version:     "1.0.0",
		DefaultTier: "practice",
		Rules: []model.AuthorityRule{
			{Name: "law", Host: "law.example.gov", Tier: "law"},
			{Name: "guidance", Host: "tax.example.gov", Tier: "guidance"},
		},
	})
	require.NoError(t, err)
	clk := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(Options{
		Store:      st,
		Cache:      cache.NewMemoryCache(time.Minute, time.Minute),
		Classifier: cls,
		Policy: Policy{
			Thresholds: map[model.AuthorityTier]time.Duration{model.TierLaw: 24 * time.Hour},
			Default:    30 * 24 * time.Hour,
		},
		Logger: zaptest.NewLogger(t),
		Now:    clk.Now,
	})
	return svc, st, clk
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t)

	first, err := svc.FetchOrReuse(ctx, "https://law.example.gov/vat", []byte("VAT is 25%."))
	require.NoError(t, err)
	second, err := svc.FetchOrReuse(ctx, "https://law.example.gov/vat", []byte("VAT is 25%."))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.TierLaw, first.Tier)

	lineage, err := st.ListEvidenceByURL(ctx, "https://law.example.gov/vat")
	require.NoError(t, err)
	assert.Len(t, lineage, 1, "identical bytes must not create a second row")
}

func TestSubmitChangedContentLinksPrevious(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	v1, created, err := svc.Submit(ctx, model.Submission{URL: "https://law.example.gov/vat", Raw: []byte("VAT is 25%.")})
	require.NoError(t, err)
	require.True(t, created)

	clk.Advance(time.Hour)
	v2, created, err := svc.Submit(ctx, model.Submission{URL: "https://law.example.gov/vat", Raw: []byte("VAT is 24%.")})
	require.NoError(t, err)
	require.True(t, created)

	assert.NotEqual(t, v1.ID, v2.ID)
	assert.Equal(t, v1.ID, v2.PreviousID)

	lineage, err := svc.Lineage(ctx, "https://law.example.gov/vat")
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, "VAT is 25%.", lineage[0].RawContent, "prior record untouched")
}

func TestSubmitBinaryContent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	ev, _, err := svc.Submit(ctx, model.Submission{URL: "https://law.example.gov/scan.pdf", Raw: []byte{'%', 'P', 'D', 'F', '-', 0xff, 0xfe}})
	require.NoError(t, err)
	assert.Equal(t, model.ContentScanned, ev.ContentKind)
	assert.Equal(t, "base64", ev.Encoding)
	assert.False(t, ev.ContentKind.Extractable())
}

func TestSubmitRejectsEmpty(t *testing.T) {
	svc, _, _ := newService(t)
	_, _, err := svc.Submit(context.Background(), model.Submission{URL: "https://x", Raw: nil})
	assert.Error(t, err)
	_, _, err = svc.Submit(context.Background(), model.Submission{URL: " ", Raw: []byte("x")})
	assert.Error(t, err)
}

func TestUpdateRejectsFrozenFields(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)
	ev, err := svc.FetchOrReuse(ctx, "https://law.example.gov/vat", []byte("VAT is 25%."))
	require.NoError(t, err)

	tampered := "VAT is 0%."
	err = svc.Update(ctx, ev.ID, Patch{RawContent: &tampered})
	assert.ErrorIs(t, err, model.ErrImmutabilityViolation)

	at := clk.Now()
	err = svc.Update(ctx, ev.ID, Patch{FetchedAt: &at, LastVerifiedAt: &at})
	assert.ErrorIs(t, err, model.ErrImmutabilityViolation)

	clk.Advance(time.Hour)
	require.NoError(t, svc.MarkVerified(ctx, ev.ID, model.ChangeSignal{ETag: `"x"`}))
	got, err := svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "VAT is 25%.", got.RawContent)
	assert.Equal(t, `"x"`, got.ChangeSignal.ETag)
	assert.True(t, got.LastVerifiedAt.Equal(clk.Now()))
}

func TestTombstoneKeepsRecordReadable(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	ev, err := svc.FetchOrReuse(ctx, "https://law.example.gov/vat", []byte("VAT is 25%."))
	require.NoError(t, err)

	assert.Error(t, svc.Tombstone(ctx, ev.ID, ""))
	require.NoError(t, svc.Tombstone(ctx, ev.ID, "superseded by consolidated text"))

	got, err := svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTombstoned())
	assert.Equal(t, "VAT is 25%.", got.RawContent)
}

func TestGetSeesTombstoneWrittenElsewhere(t *testing.T) {
	ctx := context.Background()
	svc, st, clk := newService(t)
	ev, err := svc.FetchOrReuse(ctx, "https://law.example.gov/vat", []byte("VAT is 25%."))
	require.NoError(t, err)

	cached, err := svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.False(t, cached.IsTombstoned())

	// another process writes straight to the shared database
	require.NoError(t, st.TombstoneEvidence(ctx, ev.ID, "withdrawn by publisher", clk.Now()))
	require.NoError(t, st.UpdateVerification(ctx, ev.ID, clk.Now().Add(time.Hour), model.ChangeSignal{ETag: `"y"`}))

	got, err := svc.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTombstoned())
	assert.Equal(t, "withdrawn by publisher", got.DeleteReason)
	assert.Equal(t, `"y"`, got.ChangeSignal.ETag)
	assert.Equal(t, "VAT is 25%.", got.RawContent)
}

func TestPolicyIsStale(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	lm := now.Add(-48 * time.Hour)
	newer := now.Add(-time.Hour)
	p := Policy{Thresholds: map[model.AuthorityTier]time.Duration{model.TierLaw: 24 * time.Hour}, Default: 30 * 24 * time.Hour}

	tests := []struct {
		desc     string
		ev       model.Evidence
		fresh    model.ChangeSignal
		expected bool
	}{
		{"law over age", model.Evidence{Tier: model.TierLaw, LastVerifiedAt: now.Add(-25 * time.Hour)}, model.ChangeSignal{}, true},
		{"guidance same age is fresh", model.Evidence{Tier: model.TierGuidance, LastVerifiedAt: now.Add(-25 * time.Hour)}, model.ChangeSignal{}, false},
		{"etag changed", model.Evidence{Tier: model.TierGuidance, LastVerifiedAt: now, ChangeSignal: model.ChangeSignal{ETag: "a"}}, model.ChangeSignal{ETag: "b"}, true},
		{"etag missing on fresh side", model.Evidence{Tier: model.TierGuidance, LastVerifiedAt: now, ChangeSignal: model.ChangeSignal{ETag: "a"}}, model.ChangeSignal{}, false},
		{"last-modified moved", model.Evidence{Tier: model.TierGuidance, LastVerifiedAt: now, ChangeSignal: model.ChangeSignal{LastModified: &lm}}, model.ChangeSignal{LastModified: &newer}, true},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := p.IsStale(&tt.ev, tt.fresh, now); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

type fakeChecker map[string]model.ChangeSignal

func (f fakeChecker) Check(_ context.Context, url string) (model.ChangeSignal, error) {
	sig, ok := f[url]
	if !ok {
		return model.ChangeSignal{}, errors.New("unreachable")
	}
	return sig, nil
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newService(t)

	_, _, err := svc.Submit(ctx, model.Submission{URL: "https://law.example.gov/a", Raw: []byte("a"), ChangeSignal: model.ChangeSignal{ETag: "1"}})
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, model.Submission{URL: "https://law.example.gov/b", Raw: []byte("b"), ChangeSignal: model.ChangeSignal{ETag: "1"}})
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, model.Submission{URL: "https://law.example.gov/c", Raw: []byte("c")})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	reports, err := svc.Sweep(ctx, fakeChecker{
		"https://law.example.gov/a": {ETag: "1"},
		"https://law.example.gov/b": {ETag: "2"},
	}, 10, 2)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	byURL := map[string]StaleReport{}
	for _, r := range reports {
		byURL[r.URL] = r
	}
	assert.True(t, byURL["https://law.example.gov/a"].Reverified)
	assert.False(t, byURL["https://law.example.gov/a"].Stale)
	assert.True(t, byURL["https://law.example.gov/b"].Changed)
	assert.True(t, byURL["https://law.example.gov/b"].Stale)
	assert.NotEmpty(t, byURL["https://law.example.gov/c"].Error)
	assert.True(t, byURL["https://law.example.gov/c"].Stale, "law tier over age")
}
