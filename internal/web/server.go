// Package web exposes a worker pool over HTTP for the routing, rendering and
// review front ends.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/metrics"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

// Options configures a Server.
type Options struct {
	// PageSize is used when a changes request has no size parameter.
	PageSize int
	Metrics  *metrics.Registry
	Logger   *zap.Logger
}

// Server routes HTTP requests to the workers of a pool.
type Server struct {
	pool     *worker.Pool
	pageSize int
	log      *zap.Logger
	router   *mux.Router
}

// NewServer builds the router for pool.
func NewServer(pool *worker.Pool, opts Options) *Server {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{pool: pool, pageSize: opts.PageSize, log: opts.Logger}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/stores", s.listStores).Methods(http.MethodGet)
	r.HandleFunc("/stores/{store}", s.storeStats).Methods(http.MethodGet)
	r.HandleFunc("/stores/{store}", s.evictStore).Methods(http.MethodDelete)
	r.HandleFunc("/stores/{store}/spatial", s.buildSpatial).Methods(http.MethodPost)
	r.HandleFunc("/stores/{store}/{type}/nearest", s.nearest).Methods(http.MethodGet)
	r.HandleFunc("/stores/{store}/{type}/{id:-?[0-9]+}", s.getEntity).Methods(http.MethodGet)
	r.HandleFunc("/stores/{store}/{type}", s.entitiesInBBox).Methods(http.MethodGet)

	r.HandleFunc("/changesets/{store}", s.openChangeset).Methods(http.MethodPost)
	r.HandleFunc("/changesets/{store}", s.changesetStats).Methods(http.MethodGet)
	r.HandleFunc("/changesets/{store}", s.discardChangeset).Methods(http.MethodDelete)
	r.HandleFunc("/changesets/{store}/direct", s.directChanges).Methods(http.MethodPost)
	r.HandleFunc("/changesets/{store}/dedup/nodes", s.dedupNodes).Methods(http.MethodPost)
	r.HandleFunc("/changesets/{store}/dedup/ways", s.dedupWays).Methods(http.MethodPost)
	r.HandleFunc("/changesets/{store}/intersections", s.intersections).Methods(http.MethodPost)
	r.HandleFunc("/changesets/{store}/changes", s.changesPage).Methods(http.MethodGet)
	r.HandleFunc("/changesets/{store}/apply", s.apply).Methods(http.MethodPost)

	if opts.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("Shutting down HTTP server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// badRequest marks errors caused by malformed request parameters.
var badRequest = errors.New("bad request")

func statusOf(err error) (int, string) {
	if errors.Is(err, badRequest) {
		return http.StatusBadRequest, "BadRequest"
	}
	kind := osmerr.Kind(err)
	switch {
	case errors.Is(err, osmerr.ErrNotFound):
		return http.StatusNotFound, kind
	case errors.Is(err, osmerr.ErrConcurrentChangeset), errors.Is(err, osmerr.ErrChangesetConsumed),
		errors.Is(err, osmerr.ErrReferentialIntegrity):
		return http.StatusConflict, kind
	case errors.Is(err, osmerr.ErrConstruction):
		return http.StatusUnprocessableEntity, kind
	case errors.Is(err, osmerr.ErrCapacity):
		return http.StatusInsufficientStorage, kind
	case errors.Is(err, osmerr.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Cancelled"
	}
	return http.StatusInternalServerError, kind
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", zap.String("kind", kind), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
