// ABOUTME: HTTP server struct, constructor, and handler wiring for agentq.
// ABOUTME: Thin layer over queue.Service: chi for infra routes, huma for the JSON API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/agentq/internal/config"
	"github.com/scarson/agentq/internal/queue"
)

// Pinger reports database reachability for /healthz. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	svc    *queue.Service
	db     Pinger
	cfg    *config.Config
	claims *claimThrottle
}

// NewServer creates a Server. db may be nil in tests; /healthz then reports degraded.
func NewServer(svc *queue.Service, db Pinger, cfg *config.Config) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perMin := cfg.ClaimRateLimitPerMin
	if perMin <= 0 {
		perMin = 600
	}
	return &Server{
		svc:    svc,
		db:     db,
		cfg:    cfg,
		claims: newClaimThrottle(rate.Limit(float64(perMin)/60), perMin/6+1, evictTTL),
	}
}

// Close releases background resources. Call after the HTTP server has shut down.
func (srv *Server) Close() {
	srv.claims.close()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// Results carry diffs, so the body limit is larger than a typical JSON API.
	r.Use(middleware.RequestSize(8 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(srv.db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.claimRateLimit())
	humaConfig := huma.DefaultConfig("agentq API", "0.1.0")
	humaConfig.Info.Description = "Per-thread agent job queue"
	api := humachi.New(apiRouter, humaConfig)
	registerAgentJobRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)
	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
