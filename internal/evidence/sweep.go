package evidence

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/model"
)

// SignalChecker fetches a fresh change signal for a URL
type SignalChecker interface {
	Check(ctx context.Context, url string) (model.ChangeSignal, error)
}

// StaleReport is the sweep result for one record
type StaleReport struct {
	EvidenceID string              `json:"evidence_id"`
	URL        string              `json:"url"`
	Tier       model.AuthorityTier `json:"tier"`
	Stale      bool                `json:"stale"`      // needs re-fetch
	Changed    bool                `json:"changed"`    // source signal moved
	Reverified bool                `json:"reverified"` // signal confirmed, age reset
	Error      string              `json:"error,omitempty"`
}

// Sweep checks the latest live record of each URL against its source.
// Records whose signal is confirmed unchanged get their verification time
// reset; changed or over-age records are reported stale.
func (s *Service) Sweep(ctx context.Context, checker SignalChecker, limit, maxWorkers int) ([]StaleReport, error) {
	records, err := s.store.ListLiveEvidence(ctx, limit)
	if err != nil {
		return nil, err
	}
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	reports := make([]StaleReport, len(records))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxWorkers)

	for i, ev := range records {
		wg.Add(1)
		go func(idx int, ev *model.Evidence) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				reports[idx] = StaleReport{EvidenceID: ev.ID, URL: ev.URL, Tier: ev.Tier, Error: "context cancelled"}
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			reports[idx] = s.checkOne(ctx, checker, ev)
		}(i, ev)
	}
	wg.Wait()

	return reports, nil
}

func (s *Service) checkOne(ctx context.Context, checker SignalChecker, ev *model.Evidence) StaleReport {
	r := StaleReport{EvidenceID: ev.ID, URL: ev.URL, Tier: ev.Tier}

	fresh, err := checker.Check(ctx, ev.URL)
	if err != nil {
		r.Error = err.Error()
		r.Stale = s.policy.IsStale(ev, model.ChangeSignal{}, s.now())
		return r
	}

	r.Changed = Changed(ev.ChangeSignal, fresh)
	if !r.Changed && confirms(ev.ChangeSignal, fresh) {
		if err := s.MarkVerified(ctx, ev.ID, fresh); err != nil {
			s.log.Warn("failed to record verification", zap.String("evidence_id", ev.ID), zap.Error(err))
			r.Error = err.Error()
		} else {
			r.Reverified = true
			return r
		}
	}
	r.Stale = s.policy.IsStale(ev, fresh, s.now())
	return r
}

// confirms reports whether fresh positively matches stored on at least one signal
func confirms(stored, fresh model.ChangeSignal) bool {
	if stored.ETag != "" && stored.ETag == fresh.ETag {
		return true
	}
	return stored.LastModified != nil && fresh.LastModified != nil && stored.LastModified.Equal(*fresh.LastModified)
}
