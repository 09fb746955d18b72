package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elonfeng/readtrack/internal/logging"
	"github.com/elonfeng/readtrack/pkg/article"
	"github.com/elonfeng/readtrack/pkg/stats"
	"github.com/elonfeng/readtrack/pkg/tracker"
)

// ReadRecorder records read events.
type ReadRecorder interface {
	RecordRead(ctx context.Context, articleID int64, userID string) (tracker.Result, error)
}

// StatsReader answers stats queries.
type StatsReader interface {
	GetArticleStats(ctx context.Context, articleID int64) (*stats.ArticleReport, error)
	GetTotals(ctx context.Context) (*stats.TotalsReport, error)
	GetCacheStats(ctx context.Context) (*stats.CacheReport, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Recorder ReadRecorder
	Stats    StatsReader
	Identity IdentityResolver
	// Store and Cache are checked by /health. Either may be nil.
	Store Pinger
	Cache Pinger
	// Upstream, when set, is the content site that article pages are
	// proxied to with read tracking.
	Upstream *url.URL
	Port     int
}

// Server provides the HTTP API.
type Server struct {
	opts Options
}

// New creates a new HTTP server.
func New(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 8080
	}
	return &Server{opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.StripSlashes)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/track/{article_id}", s.handleTrack)
	r.Route("/stats", func(r chi.Router) {
		r.Get("/cache-stats", s.handleCacheStats)
		r.Get("/total-reads", s.handleTotalReads)
		r.Get("/{article_id}", s.handleArticleStats)
	})

	if s.opts.Upstream != nil {
		proxy := httputil.NewSingleHostReverseProxy(s.opts.Upstream)
		r.Group(func(r chi.Router) {
			r.Use(TrackReads(s.opts.Recorder, s.opts.Identity))
			r.Handle("/blog/article/{article_id}", proxy)
			r.Handle("/blog/article/{article_id}/*", proxy)
		})
	}

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("readtrack server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks := map[string]string{}

	if s.opts.Cache != nil {
		checks["cache"] = "ok"
		if err := s.opts.Cache.Ping(r.Context()); err != nil {
			checks["cache"] = err.Error()
			status = "degraded"
		}
	}
	if s.opts.Store != nil {
		checks["database"] = "ok"
		if err := s.opts.Store.Ping(r.Context()); err != nil {
			checks["database"] = err.Error()
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	articleID, err := strconv.ParseInt(chi.URLParam(r, "article_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error", "message": "invalid article id",
		})
		return
	}

	res, err := s.opts.Recorder.RecordRead(r.Context(), articleID, s.opts.Identity.Resolve(r))
	switch {
	case errors.Is(err, article.ErrInvalidIdentifier):
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error", "message": "read could not be recorded",
		})
	case res.Degraded():
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "degraded", "message": "Read tracked via fallback mechanism",
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func (s *Server) handleArticleStats(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "article_id")
	articleID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid article id", "article_id": raw})
		return
	}

	rep, err := s.opts.Stats.GetArticleStats(r.Context(), articleID)
	switch {
	case errors.Is(err, article.ErrInvalidIdentifier):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "article_id": articleID})
	case err != nil:
		logging.Error().Err(err).Int64("article_id", articleID).Msg("stats retrieval failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "Internal server error", "article_id": articleID,
		})
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	rep, err := s.opts.Stats.GetCacheStats(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("cache stats failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleTotalReads(w http.ResponseWriter, r *http.Request) {
	rep, err := s.opts.Stats.GetTotals(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("total reads retrieval failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
