// Package pipeline wires the ledger services together and runs the staged
// ingest → extract → compose → arbitrate → publish → graph flow on the
// durable queue
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/arbiter"
	"github.com/ppiankov/lexledger/internal/authority"
	"github.com/ppiankov/lexledger/internal/cache"
	"github.com/ppiankov/lexledger/internal/compose"
	"github.com/ppiankov/lexledger/internal/evidence"
	"github.com/ppiankov/lexledger/internal/extract"
	"github.com/ppiankov/lexledger/internal/fetch"
	"github.com/ppiankov/lexledger/internal/gateway"
	"github.com/ppiankov/lexledger/internal/graph"
	"github.com/ppiankov/lexledger/internal/llm"
	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/metrics"
	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/queue"
	"github.com/ppiankov/lexledger/internal/store"
	"github.com/ppiankov/lexledger/internal/worker"
)

// Pipeline orchestrates the ledger
type Pipeline struct {
	Store      *store.Store
	Evidence   *evidence.Service
	Extractor  *extract.Service
	Composer   *compose.Composer
	Arbiter    *arbiter.Arbiter
	Graph      *graph.Builder
	Gateway    *gateway.Gateway
	Queue      *queue.Queue
	Dispatcher *queue.Dispatcher
	Fetcher    *fetch.Fetcher
	Verifier   *fetch.Verifier
	Metrics    *metrics.Metrics

	config    *model.Config
	log       *zap.Logger
	ownsStore bool
}

// Options configures New. Everything but Config is optional.
type Options struct {
	Config *model.Config
	// Store overrides the store opened from Config.Store
	Store *store.Store
	// Provider overrides the extraction provider built from Config.LLM
	Provider   llm.Extractor
	Locker     worker.Locker
	Registerer prometheus.Registerer
	Logger     *zap.Logger
	Now        func() time.Time
}

// New builds every service from configuration
func New(ctx context.Context, opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = model.DefaultConfig()
	}
	log := logging.OrNop(opts.Logger)

	p := &Pipeline{config: cfg, log: log, Store: opts.Store}
	if opts.Registerer != nil {
		p.Metrics = metrics.New(opts.Registerer)
	}

	if p.Store == nil {
		s, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		p.Store = s
		p.ownsStore = true
	}

	if err := p.build(opts); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build(opts Options) error {
	cfg := p.config

	classifier, err := authority.FromConfig(cfg.Authority)
	if err != nil {
		return fmt.Errorf("authority mapping: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = llm.NewExtractor(llm.ConfigFromModel(cfg.LLM, cfg.HTTP))
		if err != nil {
			return fmt.Errorf("extraction provider: %w", err)
		}
	}

	locker := opts.Locker
	if locker == nil {
		locker, err = worker.NewLocker(cfg.Locking)
		if err != nil {
			return fmt.Errorf("locker: %w", err)
		}
	}

	p.Queue = queue.New(queue.Options{
		Store:   p.Store,
		Config:  cfg.Queue,
		Metrics: p.Metrics,
		Logger:  p.log.Named("queue"),
		Now:     opts.Now,
	})

	p.Evidence = evidence.NewService(evidence.Options{
		Store:      p.Store,
		Cache:      cache.New(cfg.Cache),
		Classifier: classifier,
		Policy:     evidence.PolicyFromConfig(cfg.Staleness),
		Metrics:    p.Metrics,
		Logger:     p.log.Named("evidence"),
		Now:        opts.Now,
	})

	p.Extractor = extract.NewService(extract.Options{
		Store:    p.Store,
		Evidence: p.Evidence,
		Provider: provider,
		Limiter:  worker.NewLimiter(cfg.Extraction.RequestsPerSecond, cfg.Extraction.Burst),
		Config:   cfg.Extraction,
		Topics:   cfg.Topics,
		Metrics:  p.Metrics,
		Logger:   p.log.Named("extract"),
		Now:      opts.Now,
	})

	p.Composer, err = compose.New(compose.Options{
		Store:      p.Store,
		Topics:     cfg.Topics,
		Predicates: cfg.Predicates,
		Logger:     p.log.Named("compose"),
		Now:        opts.Now,
	})
	if err != nil {
		return fmt.Errorf("composer: %w", err)
	}

	p.Arbiter = arbiter.New(arbiter.Options{
		Store:    p.Store,
		Config:   cfg.Arbiter,
		Schedule: p.scheduleGraph,
		Metrics:  p.Metrics,
		Logger:   p.log.Named("arbiter"),
		Now:      opts.Now,
	})

	p.Graph = graph.New(graph.Options{
		Store:    p.Store,
		Locker:   locker,
		Schedule: p.scheduleGraph,
		Metrics:  p.Metrics,
		Logger:   p.log.Named("graph"),
		Now:      opts.Now,
	})

	p.Gateway = gateway.New(gateway.Options{
		Store:   p.Store,
		Config:  cfg.Gateway,
		Metrics: p.Metrics,
		Logger:  p.log.Named("gateway"),
		Now:     opts.Now,
	})

	p.Dispatcher = queue.NewDispatcher(p.Queue, locker)
	p.Dispatcher.Register(queue.KindExtract, cfg.Queue.ExtractWorkers, p.handleExtract)
	p.Dispatcher.Register(queue.KindCompose, cfg.Queue.ComposeWorkers, p.handleCompose)
	p.Dispatcher.Register(queue.KindGraph, cfg.Queue.GraphWorkers, p.handleGraph)

	p.Fetcher = fetch.NewFetcher(cfg.HTTP)
	p.Verifier = fetch.NewVerifier(cfg.HTTP)
	return nil
}

// Config returns the configuration the pipeline was built from
func (p *Pipeline) Config() *model.Config {
	return p.config
}

// Run processes queued work until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("pipeline started",
		zap.Int("extract_workers", p.config.Queue.ExtractWorkers),
		zap.Int("compose_workers", p.config.Queue.ComposeWorkers),
		zap.Int("graph_workers", p.config.Queue.GraphWorkers))
	defer p.log.Info("pipeline stopped")
	return p.Dispatcher.Run(ctx)
}

// Drain processes every due job and returns how many ran
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	return p.Dispatcher.Drain(ctx)
}

// Close releases the store when the pipeline opened it
func (p *Pipeline) Close() error {
	if p.ownsStore && p.Store != nil {
		return p.Store.Close()
	}
	return nil
}
