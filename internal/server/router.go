// Package server exposes the reference recon backend over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/reconsole/internal/server/ratelimit"
	"github.com/maruel/reconsole/internal/server/reqctx"
	"github.com/maruel/reconsole/internal/storage"
)

// DefaultMaxRequestBodyBytes bounds request bodies when Config leaves it
// unset.
const DefaultMaxRequestBodyBytes = 1 << 20

// Config configures the router.
type Config struct {
	Version string
	// MaxRequestBodyBytes bounds request bodies; larger ones get 413.
	MaxRequestBodyBytes int64
	// ReportUnchanged answers 409 TAG_UNCHANGED to tag mutations that
	// changed no row instead of a plain success.
	ReportUnchanged bool
	// Limits are the rate limit tiers. nil disables rate limiting.
	Limits *ratelimit.Config
	// Geo resolves the country of clients for the request log. May be nil.
	Geo storage.CountryResolver
}

// Router serves the API over a store.
type Router struct {
	handler http.Handler
	env     *env
}

// NewRouter returns the API handler over store.
func NewRouter(store *storage.Store, cfg *Config) *Router {
	e := &env{}
	e.cfg.Store(cfg)
	h := &handlers{store: store, env: e}

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", Wrap(h.health, e))
	mux.Handle("GET /api/schema/filter", Wrap(h.filterSchema, e))
	mux.Handle("POST /api/endpoints/tag", Wrap(h.tagEndpoints, e))
	mux.Handle("POST /api/{table}/list", Wrap(h.list, e))
	mux.Handle("POST /api/{table}/tag", Wrap(h.tag, e))
	mux.Handle("POST /api/{table}/comment", Wrap(h.comment, e))
	return &Router{handler: withRequestContext(mux, cfg.Geo), env: e}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Update replaces the body limit, the unchanged-tag reporting and the rate
// limit tiers for requests received afterwards. Version and Geo are kept.
// The previous tiers are closed.
func (r *Router) Update(cfg Config) {
	prev := r.env.cfg.Load()
	cfg.Version = prev.Version
	cfg.Geo = prev.Geo
	r.env.cfg.Store(&cfg)
	if prev.Limits != nil && prev.Limits != cfg.Limits {
		prev.Limits.Close()
	}
	slog.Info("Router configuration updated", "maxBody", cfg.MaxRequestBodyBytes, "reportUnchanged", cfg.ReportUnchanged, "limited", cfg.Limits != nil)
}

// Close stops the cleanup of the current rate limit tiers.
func (r *Router) Close() {
	if l := r.env.cfg.Load().Limits; l != nil {
		l.Close()
	}
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// withRequestContext stores the client address, its country and a fresh
// request id in the context, then logs the request once served.
func withRequestContext(next http.Handler, geo storage.CountryResolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := ksid.NewID()
		ip := reqctx.GetClientIP(r)
		ctx := reqctx.WithRequestID(reqctx.WithClientIP(r.Context(), ip), id)
		cc := ""
		if geo != nil {
			cc = geo.CountryCode(ip)
			ctx = reqctx.WithCountryCode(ctx, cc)
		}
		w.Header().Set("X-Request-ID", id.String())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		slog.InfoContext(ctx, "http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "dur", time.Since(start).Round(time.Microsecond), "ip", ip, "cc", cc, "rid", id.String())
	})
}
