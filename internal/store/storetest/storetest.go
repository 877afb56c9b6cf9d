// Package storetest opens throwaway in-memory stores for tests
package storetest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// New returns a migrated in-memory SQLite store closed at test cleanup
func New(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), model.StoreConfig{
		Driver: "sqlite",
		DSN:    "file::memory:?_pragma=foreign_keys(1)",
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Evidence inserts a live text record
func Evidence(t testing.TB, s *store.Store, url, text string, tier model.AuthorityTier, fetchedAt time.Time) *model.Evidence {
	t.Helper()
	sum := sha256.Sum256([]byte(text))
	e := &model.Evidence{
		ID:             uuid.NewString(),
		URL:            url,
		ContentHash:    hex.EncodeToString(sum[:]),
		RawContent:     text,
		FetchedAt:      fetchedAt.UTC(),
		ContentKind:    model.ContentText,
		Tier:           tier,
		LastVerifiedAt: fetchedAt.UTC(),
	}
	if _, err := s.InsertEvidence(context.Background(), e); err != nil {
		t.Fatalf("failed to insert evidence: %v", err)
	}
	return e
}

// PointerSpec describes a pointer to seed
type PointerSpec struct {
	Topic      string
	Quote      string // must occur in the evidence text
	Type       model.ValueType
	Value      string
	From       *time.Time
	To         *time.Time
	Confidence float64
	Quality    model.MatchQuality
}

// Pointer inserts an EXACT pointer anchored at the first occurrence of
// spec.Quote in the evidence text
func Pointer(t testing.TB, s *store.Store, ev *model.Evidence, spec PointerSpec) *model.SourcePointer {
	t.Helper()
	idx := strings.Index(ev.RawContent, spec.Quote)
	if idx < 0 {
		t.Fatalf("quote %q not in evidence %s", spec.Quote, ev.ID)
	}
	start := len(utf16.Encode([]rune(ev.RawContent[:idx])))
	end := start + len(utf16.Encode([]rune(spec.Quote)))

	p := &model.SourcePointer{
		ID:            uuid.NewString(),
		EvidenceID:    ev.ID,
		TopicKey:      spec.Topic,
		StartOffset:   start,
		EndOffset:     end,
		ExactQuote:    spec.Quote,
		ValueType:     spec.Type,
		Value:         spec.Value,
		Confidence:    spec.Confidence,
		MatchQuality:  spec.Quality,
		EffectiveFrom: spec.From,
		EffectiveTo:   spec.To,
		CreatedAt:     ev.FetchedAt,
	}
	if p.Confidence == 0 {
		p.Confidence = 0.9
	}
	if p.MatchQuality == "" {
		p.MatchQuality = model.MatchExact
	}
	if p.MatchQuality == model.MatchNotFound {
		p.ExactQuote = ""
	}
	if _, err := s.InsertPointer(context.Background(), p); err != nil {
		t.Fatalf("failed to insert pointer: %v", err)
	}
	return p
}

// Date returns a UTC midnight pointer for y-m-d
func Date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

// RuleSpec describes a rule to seed
type RuleSpec struct {
	Topic       string
	Version     int
	Value       string
	Type        model.ValueType
	From        time.Time
	To          *time.Time
	Status      model.RuleStatus
	GraphStatus model.GraphStatus
	Pointers    []*model.SourcePointer
}

// Rule inserts a rule directly, bypassing composition
func Rule(t testing.TB, s *store.Store, spec RuleSpec) *model.Rule {
	t.Helper()
	ids := make([]string, 0, len(spec.Pointers))
	for _, p := range spec.Pointers {
		ids = append(ids, p.ID)
	}
	r := &model.Rule{
		ID:            uuid.NewString(),
		TopicKey:      spec.Topic,
		Version:       spec.Version,
		Value:         spec.Value,
		ValueType:     spec.Type,
		EffectiveFrom: spec.From.UTC(),
		EffectiveTo:   spec.To,
		Status:        spec.Status,
		GraphStatus:   spec.GraphStatus,
		PointerIDs:    ids,
		Confidence:    0.9,
		Signature:     uuid.NewString(),
		CreatedAt:     spec.From.UTC(),
		UpdatedAt:     spec.From.UTC(),
	}
	if r.Status == model.RulePublished {
		at := spec.From.UTC()
		r.PublishedAt = &at
	}
	if _, err := s.InsertRule(context.Background(), r); err != nil {
		t.Fatalf("failed to insert rule: %v", err)
	}
	return r
}
