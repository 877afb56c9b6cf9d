// Package extract turns evidence text into verified, offset-anchored pointers.
// The extraction provider is untrusted: every candidate it returns is checked
// against the stored evidence text before it becomes a pointer.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/evidence"
	"github.com/ppiankov/lexledger/internal/llm"
	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/worker"
)

// pointerNamespace seeds deterministic pointer ids
var pointerNamespace = uuid.MustParse("6f1c2a52-8a43-4f0e-9a0c-3c1f5e7d9b21")

// Service extracts and verifies pointers
type Service struct {
	store    *store.Store
	evidence *evidence.Service
	provider llm.Extractor
	limiter  *worker.Limiter
	cfg      model.ExtractionConfig
	topics   map[string]model.TopicSchema
	order    []model.TopicSchema
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// Options configures a Service
type Options struct {
	Store    *store.Store
	Evidence *evidence.Service
	Provider llm.Extractor
	Limiter  *worker.Limiter
	Config   model.ExtractionConfig
	Topics   []model.TopicSchema
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewService creates an extraction service
func NewService(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		evidence: opts.Evidence,
		provider: opts.Provider,
		limiter:  opts.Limiter,
		cfg:      opts.Config,
		topics:   make(map[string]model.TopicSchema, len(opts.Topics)),
		order:    opts.Topics,
		metrics:  opts.Metrics,
		log:      logging.OrNop(opts.Logger),
		now:      opts.Now,
	}
	for _, t := range opts.Topics {
		s.topics[t.Key] = t
	}
	if s.provider == nil {
		s.provider = NewHeuristicExtractor()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Result summarizes one extraction run
type Result struct {
	EvidenceID    string
	Pointers      []*model.SourcePointer // every stored pointer, NOT_FOUND included
	Inserted      int                    // pointers new to the store
	Verified      int
	NotFound      int
	LowConfidence int
	Discarded     int      // unknown topic or value type
	Topics        []string // topics with at least one verified pointer
	Skipped       string   // non-empty when the evidence is not extractable
}

// Extract runs one extraction attempt for evidenceID. attempt is the
// 1-based attempt number used in failure reports; bounding attempts is the
// caller's job (the queue dead-letters after extraction.max_attempts).
func (s *Service) Extract(ctx context.Context, evidenceID string, attempt int) (*Result, error) {
	ev, err := s.evidence.Get(ctx, evidenceID)
	if err != nil {
		return nil, err
	}
	if ev.IsTombstoned() {
		return nil, fmt.Errorf("evidence %s: %w", evidenceID, model.ErrTombstoned)
	}

	res := &Result{EvidenceID: ev.ID}
	if !ev.ContentKind.Extractable() || ev.Encoding != "" {
		res.Skipped = "content kind " + string(ev.ContentKind)
		s.log.Info("evidence not extractable", zap.String("evidence_id", ev.ID), zap.String("content_kind", string(ev.ContentKind)))
		return res, nil
	}

	text := ev.RawContent
	if s.cfg.MaxInputChars > 0 && UTF16Len(text) > s.cfg.MaxInputChars {
		// A prefix keeps every offset valid against the full text
		text = PrefixUTF16(text, s.cfg.MaxInputChars)
	}

	resp, err := s.call(ctx, ev.ID, text)
	if err != nil {
		return nil, s.fail(ev.ID, attempt, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, s.fail(ev.ID, attempt, errors.New("empty output"))
	}

	verifier := NewVerifier(ev.RawContent)
	now := s.now().UTC()
	topics := map[string]bool{}
	for _, c := range resp.Candidates {
		topic, ok := s.topics[c.TopicKey]
		if !ok || !c.ValueType.Valid() {
			res.Discarded++
			continue
		}
		if c.Confidence < s.cfg.MinConfidence {
			res.LowConfidence++
			continue
		}

		p := s.pointer(ev, topic, c, resp.IndexUnit, verifier, now)
		res.Pointers = append(res.Pointers, p)
		if p.Verified() {
			res.Verified++
			if !topics[p.TopicKey] {
				topics[p.TopicKey] = true
				res.Topics = append(res.Topics, p.TopicKey)
			}
		} else {
			res.NotFound++
			s.log.Warn("pointer quote not found at claimed offsets",
				zap.String("evidence_id", ev.ID),
				zap.String("topic", c.TopicKey),
				zap.Int("start", c.StartOffset),
				zap.Int("end", c.EndOffset),
				zap.Error(model.ErrProvenanceMismatch))
		}
	}

	if len(res.Pointers) == 0 {
		reason := "no usable candidates"
		if res.LowConfidence > 0 {
			reason = fmt.Sprintf("low confidence: %d candidates below %.2f", res.LowConfidence, s.cfg.MinConfidence)
		}
		return nil, s.fail(ev.ID, attempt, errors.New(reason))
	}

	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		for _, p := range res.Pointers {
			inserted, err := q.InsertPointer(ctx, p)
			if err != nil {
				return err
			}
			if inserted {
				res.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store pointers for %s: %w", ev.ID, err)
	}

	for _, p := range res.Pointers {
		s.metrics.IncPointer(string(p.MatchQuality))
	}
	s.log.Info("extraction complete",
		zap.String("evidence_id", ev.ID),
		zap.String("provider", s.provider.Name()),
		zap.Int("verified", res.Verified),
		zap.Int("not_found", res.NotFound),
		zap.Int("low_confidence", res.LowConfidence),
		zap.Int("inserted", res.Inserted))
	return res, nil
}

func (s *Service) call(ctx context.Context, evidenceID, text string) (*llm.ExtractResponse, error) {
	if err := s.limiter.Wait(ctx, s.provider.Name()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	callCtx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.provider.Extract(callCtx, llm.ExtractRequest{
		EvidenceID: evidenceID,
		Text:       text,
		Topics:     s.order,
	})
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil:
		s.metrics.ObserveExtraction("ok", elapsed)
		return resp, nil
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		s.metrics.ObserveExtraction("timeout", elapsed)
		if errors.Is(err, model.ErrExternalServiceTimeout) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w: %v", s.provider.Name(), model.ErrExternalServiceTimeout, err)
	case errors.Is(err, model.ErrExternalServiceTimeout):
		s.metrics.ObserveExtraction("timeout", elapsed)
		return nil, err
	default:
		s.metrics.ObserveExtraction("error", elapsed)
		return nil, err
	}
}

// fail wraps output problems as ExtractionError. Timeouts and cancellation
// pass through so the queue can back off instead of counting bad output.
func (s *Service) fail(evidenceID string, attempt int, err error) error {
	if errors.Is(err, model.ErrExternalServiceTimeout) || errors.Is(err, context.Canceled) {
		return err
	}
	s.metrics.ObserveExtraction("failure", 0)
	return &model.ExtractionError{EvidenceID: evidenceID, Attempt: attempt, Reason: err.Error()}
}

func (s *Service) pointer(ev *model.Evidence, topic model.TopicSchema, c llm.Candidate, unit llm.IndexUnit, v *Verifier, now time.Time) *model.SourcePointer {
	check := v.Verify(c.Quote, c.StartOffset, c.EndOffset, unit)

	p := &model.SourcePointer{
		EvidenceID:    ev.ID,
		TopicKey:      topic.Key,
		StartOffset:   check.Start,
		EndOffset:     check.End,
		ExactQuote:    check.Quote,
		ValueType:     c.ValueType,
		Value:         strings.TrimSpace(c.Value),
		Confidence:    c.Confidence,
		MatchQuality:  check.Quality,
		EffectiveFrom: parseDate(c.EffectiveFrom),
		EffectiveTo:   parseDate(c.EffectiveTo),
		CreatedAt:     now,
	}
	if check.Quality != model.MatchExact {
		p.ClaimedQuote = c.Quote
	}
	p.ID = PointerID(p)
	return p
}

// PointerID derives a stable id from the pointer's anchor and value, so
// re-extracting the same evidence writes nothing new
func PointerID(p *model.SourcePointer) string {
	key := strings.Join([]string{
		p.EvidenceID,
		p.TopicKey,
		strconv.Itoa(p.StartOffset),
		strconv.Itoa(p.EndOffset),
		string(p.ValueType),
		p.Value,
		string(p.MatchQuality),
	}, "\x1f")
	return uuid.NewSHA1(pointerNamespace, []byte(key)).String()
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil
	}
	return &t
}
