package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/evidence"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/queue"
)

// Submit stores a document as evidence and queues extraction when the
// content is new
func (p *Pipeline) Submit(ctx context.Context, sub model.Submission) (*model.Evidence, bool, error) {
	ev, created, err := p.Evidence.Submit(ctx, sub)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return ev, false, nil
	}
	if !ev.ContentKind.Extractable() {
		p.log.Info("evidence stored without extraction",
			zap.String("evidence_id", ev.ID),
			zap.String("content_kind", string(ev.ContentKind)))
		return ev, true, nil
	}
	if _, err := p.Queue.EnqueueWithAttempts(ctx, queue.KindExtract, ev.ID, ev.URL, p.config.Extraction.MaxAttempts); err != nil {
		return ev, true, fmt.Errorf("queue extraction: %w", err)
	}
	return ev, true, nil
}

// IngestURL fetches url and submits it
func (p *Pipeline) IngestURL(ctx context.Context, url string) (*model.Evidence, bool, error) {
	sub, err := p.Fetcher.FetchWithRetry(ctx, url)
	if err != nil {
		return nil, false, err
	}
	return p.Submit(ctx, *sub)
}

// Tombstone retires an evidence record and queues recomposition of every
// topic it contributed pointers to
func (p *Pipeline) Tombstone(ctx context.Context, evidenceID, reason string) error {
	if err := p.Evidence.Tombstone(ctx, evidenceID, reason); err != nil {
		return err
	}
	pointers, err := p.Store.ListPointersByEvidence(ctx, evidenceID)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, ptr := range pointers {
		if seen[ptr.TopicKey] {
			continue
		}
		seen[ptr.TopicKey] = true
		if _, err := p.Queue.Enqueue(ctx, queue.KindCompose, ptr.TopicKey, evidenceID); err != nil {
			return err
		}
	}
	return nil
}

// Reverify checks live evidence against its source. With refetch set, stale
// URLs are fetched again so changed content enters as a new version.
func (p *Pipeline) Reverify(ctx context.Context, limit int, refetch bool) ([]evidence.StaleReport, error) {
	reports, err := p.Evidence.Sweep(ctx, p.Verifier, limit, p.config.Queue.ExtractWorkers*4)
	if err != nil {
		return nil, err
	}
	if !refetch {
		return reports, nil
	}
	for _, r := range reports {
		if !r.Stale {
			continue
		}
		if _, _, err := p.IngestURL(ctx, r.URL); err != nil {
			p.log.Warn("refetch failed", zap.String("url", r.URL), zap.Error(err))
		}
	}
	return reports, nil
}

// ResolveConflict records a reviewer's decision and queues the topic so the
// decision flows into composition and publication
func (p *Pipeline) ResolveConflict(ctx context.Context, conflictID, winnerID, reviewer, note string) (*model.Resolution, error) {
	res, err := p.Arbiter.ResolveManually(ctx, conflictID, winnerID, reviewer, note)
	if err != nil {
		return nil, err
	}
	c, err := p.Store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if _, err := p.Queue.Enqueue(ctx, queue.KindCompose, c.TopicKey, conflictID); err != nil {
		return res, err
	}
	return res, nil
}
