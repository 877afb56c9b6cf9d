// Package evidence stores fetched source documents as immutable,
// content-addressed records
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/authority"
	"github.com/ppiankov/lexledger/internal/cache"
	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// Service is the evidence store
type Service struct {
	store      *store.Store
	cache      cache.Cache
	classifier *authority.Classifier
	policy     Policy
	metrics    *metrics.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// Options configures a Service. Cache, Metrics and Logger may be nil.
type Options struct {
	Store      *store.Store
	Cache      cache.Cache
	Classifier *authority.Classifier
	Policy     Policy
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewService creates an evidence service
func NewService(opts Options) *Service {
	s := &Service{
		store:      opts.Store,
		cache:      opts.Cache,
		classifier: opts.Classifier,
		policy:     opts.Policy,
		metrics:    opts.Metrics,
		log:        logging.OrNop(opts.Logger),
		now:        opts.Now,
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.policy.Default == 0 {
		s.policy = PolicyFromConfig(model.DefaultConfig().Staleness)
	}
	return s
}

// Hash returns the hex sha256 digest of raw
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// FetchOrReuse stores raw content fetched from url, or returns the existing
// record when the same bytes were already stored for that url
func (s *Service) FetchOrReuse(ctx context.Context, url string, raw []byte) (*model.Evidence, error) {
	ev, _, err := s.Submit(ctx, model.Submission{URL: url, Raw: raw, Attributes: model.SourceAttributes{URL: url}})
	return ev, err
}

// Submit ingests a fetched document. It is idempotent on (url, digest(raw))
// and reports whether a new record was created.
func (s *Service) Submit(ctx context.Context, sub model.Submission) (*model.Evidence, bool, error) {
	url := strings.TrimSpace(sub.URL)
	if url == "" {
		return nil, false, fmt.Errorf("submission url is empty")
	}
	if len(sub.Raw) == 0 {
		return nil, false, fmt.Errorf("submission for %s has no content", url)
	}
	hash := Hash(sub.Raw)

	if existing, err := s.lookup(ctx, url, hash); err == nil {
		s.metrics.IncEvidence("reused")
		return existing, false, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, false, err
	}

	now := s.now().UTC()
	ev := &model.Evidence{
		ID:             uuid.NewString(),
		URL:            url,
		ContentHash:    hash,
		FetchedAt:      now,
		ContentKind:    Classify(sub.Raw, sub.ContentTypeHint),
		ContentType:    sub.ContentTypeHint,
		LastVerifiedAt: now,
		ChangeSignal:   sub.ChangeSignal,
	}
	if utf8.Valid(sub.Raw) {
		ev.RawContent = string(sub.Raw)
	} else {
		ev.RawContent = base64.StdEncoding.EncodeToString(sub.Raw)
		ev.Encoding = "base64"
	}

	attrs := sub.Attributes
	if attrs.URL == "" {
		attrs.URL = url
	}
	if s.classifier != nil {
		tier, rule := s.classifier.Classify(attrs)
		ev.Tier = tier
		s.log.Debug("classified source", zap.String("url", url), zap.Stringer("tier", tier), zap.String("rule", rule))
	}

	if prev, err := s.store.LatestEvidence(ctx, url); err == nil {
		ev.PreviousID = prev.ID
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, false, err
	}

	inserted, err := s.store.InsertEvidence(ctx, ev)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		// lost a race with an identical submission
		existing, err := s.store.GetEvidenceByHash(ctx, url, hash)
		if err != nil {
			return nil, false, err
		}
		s.remember(existing)
		s.metrics.IncEvidence("reused")
		return existing, false, nil
	}

	s.remember(ev)
	s.metrics.IncEvidence("created")
	s.log.Info("evidence stored",
		zap.String("evidence_id", ev.ID),
		zap.String("url", url),
		zap.String("content_kind", string(ev.ContentKind)),
		zap.Stringer("tier", ev.Tier),
		zap.String("previous_id", ev.PreviousID))
	return ev, true, nil
}

func (s *Service) lookup(ctx context.Context, url, hash string) (*model.Evidence, error) {
	if id, ok := s.cache.Get(cache.IngestKey(url, hash)); ok {
		if ev, err := s.Get(ctx, string(id)); err == nil {
			return ev, nil
		}
	}
	ev, err := s.store.GetEvidenceByHash(ctx, url, hash)
	if err != nil {
		return nil, err
	}
	s.remember(ev)
	return ev, nil
}

func (s *Service) remember(ev *model.Evidence) {
	_ = s.cache.Set(cache.IngestKey(ev.URL, ev.ContentHash), []byte(ev.ID), 0)
	if data, err := json.Marshal(ev); err == nil {
		_ = s.cache.Set(cache.EvidenceKey(ev.ID), data, 0)
	}
}

// Get loads a record by id. A cached copy supplies only the frozen fields;
// verification metadata and tombstone state are always read from the store,
// since another process may have written them.
func (s *Service) Get(ctx context.Context, id string) (*model.Evidence, error) {
	if data, ok := s.cache.Get(cache.EvidenceKey(id)); ok {
		var ev model.Evidence
		if err := json.Unmarshal(data, &ev); err == nil {
			meta, err := s.store.GetEvidenceMeta(ctx, id)
			if err != nil {
				return nil, err
			}
			meta.Apply(&ev)
			return &ev, nil
		}
	}
	ev, err := s.store.GetEvidence(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ev)
	return ev, nil
}

// Lineage returns every record fetched from url, oldest first
func (s *Service) Lineage(ctx context.Context, url string) ([]*model.Evidence, error) {
	return s.store.ListEvidenceByURL(ctx, url)
}

// Patch is a requested change to an evidence record. Only verification
// metadata may be set; any frozen field is rejected.
type Patch struct {
	RawContent     *string
	ContentHash    *string
	FetchedAt      *time.Time
	LastVerifiedAt *time.Time
	ChangeSignal   *model.ChangeSignal
}

// Update applies a patch to verification metadata
func (s *Service) Update(ctx context.Context, id string, p Patch) error {
	var frozen []string
	if p.RawContent != nil {
		frozen = append(frozen, "rawContent")
	}
	if p.ContentHash != nil {
		frozen = append(frozen, "contentHash")
	}
	if p.FetchedAt != nil {
		frozen = append(frozen, "fetchedAt")
	}
	if len(frozen) > 0 {
		s.log.Warn("rejected evidence mutation", zap.String("evidence_id", id), zap.Strings("fields", frozen))
		return fmt.Errorf("evidence %s fields %s: %w", id, strings.Join(frozen, ", "), model.ErrImmutabilityViolation)
	}

	ev, err := s.store.GetEvidence(ctx, id)
	if err != nil {
		return err
	}
	verifiedAt := ev.LastVerifiedAt
	if p.LastVerifiedAt != nil {
		verifiedAt = *p.LastVerifiedAt
	}
	signal := ev.ChangeSignal
	if p.ChangeSignal != nil {
		signal = *p.ChangeSignal
	}
	if err := s.store.UpdateVerification(ctx, id, verifiedAt, signal); err != nil {
		return err
	}
	_ = s.cache.Delete(cache.EvidenceKey(id))
	return nil
}

// MarkVerified records a successful re-verification with a fresh signal
func (s *Service) MarkVerified(ctx context.Context, id string, signal model.ChangeSignal) error {
	now := s.now().UTC()
	return s.Update(ctx, id, Patch{LastVerifiedAt: &now, ChangeSignal: &signal})
}

// Tombstone soft-deletes a record. Pointers, rules and conflicts that
// reference it are left intact.
func (s *Service) Tombstone(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("tombstone reason is required")
	}
	if err := s.store.TombstoneEvidence(ctx, id, reason, s.now().UTC()); err != nil {
		return err
	}
	_ = s.cache.Delete(cache.EvidenceKey(id))
	s.log.Info("evidence tombstoned", zap.String("evidence_id", id), zap.String("reason", reason))
	return nil
}

// IsStale applies the service policy at the current time
func (s *Service) IsStale(ev *model.Evidence, fresh model.ChangeSignal) bool {
	return s.policy.IsStale(ev, fresh, s.now())
}
