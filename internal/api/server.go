// Package api is the HTTP boundary: evidence submission, answers,
// provenance, conflict review and dead-letter inspection
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ppiankov/lexledger/internal/logging"
	"github.com/ppiankov/lexledger/internal/pipeline"
)

// Server serves the ledger over HTTP
type Server struct {
	p        *pipeline.Pipeline
	gatherer prometheus.Gatherer
	log      *zap.Logger
	now      func() time.Time
}

// Options configures a Server
type Options struct {
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// NewServer creates a Server over p
func NewServer(p *pipeline.Pipeline, opts Options) *Server {
	s := &Server{
		p:        p,
		gatherer: opts.Gatherer,
		log:      logging.OrNop(opts.Logger),
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Routes builds the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evidence", s.handleSubmit)
		r.Post("/evidence/fetch", s.handleFetch)
		r.Get("/evidence/lineage", s.handleLineage)
		r.Get("/evidence/{id}", s.handleGetEvidence)
		r.Post("/evidence/{id}/tombstone", s.handleTombstone)

		r.Get("/answer", s.handleAnswer)
		r.Get("/topics/{topic}/rules", s.handleListRules)
		r.Get("/rules/{id}/provenance", s.handleProvenance)

		r.Get("/conflicts", s.handleListConflicts)
		r.Get("/conflicts/{id}/resolutions", s.handleHistory)
		r.Post("/conflicts/{id}/resolve", s.handleResolve)

		r.Get("/jobs/stats", s.handleJobStats)
		r.Get("/jobs/dead", s.handleListDead)
		r.Post("/jobs/{id}/requeue", s.handleRequeue)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}
