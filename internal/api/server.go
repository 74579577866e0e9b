// Package api wires the HTTP surface: routing, middleware, and the
// handlers for guard scans, red-team scans, audit logs, live events, and
// account management.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orafinite/backend/internal/auditlog"
	"github.com/orafinite/backend/internal/auth"
	"github.com/orafinite/backend/internal/circuitbreaker"
	"github.com/orafinite/backend/internal/crypto"
	"github.com/orafinite/backend/internal/database"
	"github.com/orafinite/backend/internal/metrics"
	"github.com/orafinite/backend/internal/mlgateway"
	"github.com/orafinite/backend/internal/ratelimit"
	"github.com/orafinite/backend/internal/redisx"
	"github.com/orafinite/backend/pb/mlservice"
)

// Server owns the router and every handler dependency.
type Server struct {
	router *mux.Router

	db       *database.DB
	redis    redisx.Client
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	sidecar  mlservice.MLServiceClient
	breaker  func() circuitbreaker.State
	cache    *mlgateway.PromptCache
	audit    *auditlog.Writer
	metrics  *metrics.Metrics
	sealer   *crypto.Sealer
	origins  []string
	maxScans int
	hub      *eventHub
}

// Config carries the server's dependencies, built in main.
type Config struct {
	DB             *database.DB
	Redis          redisx.Client
	Authenticator  *auth.Authenticator
	Limiter        *ratelimit.Limiter
	Sidecar        mlservice.MLServiceClient
	BreakerState   func() circuitbreaker.State
	PromptCache    *mlgateway.PromptCache
	AuditWriter    *auditlog.Writer
	Metrics        *metrics.Metrics
	Sealer         *crypto.Sealer
	AllowedOrigins []string

	// MaxConcurrentScans caps admissions into the queued/running states;
	// zero takes the platform default of 4.
	MaxConcurrentScans int
}

func NewServer(cfg Config) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		db:       cfg.DB,
		redis:    cfg.Redis,
		auth:     cfg.Authenticator,
		limiter:  cfg.Limiter,
		sidecar:  cfg.Sidecar,
		breaker:  cfg.BreakerState,
		cache:    cfg.PromptCache,
		audit:    cfg.AuditWriter,
		metrics:  cfg.Metrics,
		sealer:   cfg.Sealer,
		origins:  cfg.AllowedOrigins,
		maxScans: cfg.MaxConcurrentScans,
	}
	if s.maxScans <= 0 {
		s.maxScans = 4
	}
	s.hub = newEventHub(cfg.Metrics)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Hub exposes the live event fan-out for the main wiring.
func (s *Server) Hub() *eventHub { return s.hub }

func (s *Server) routes() {
	s.router.Use(s.corsMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ping", s.handlePing).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Data plane: API key auth.
	v1.HandleFunc("/guard/scan", s.handleGuardScan).Methods("POST", "OPTIONS")
	v1.HandleFunc("/guard/batch", s.handleGuardScanBatch).Methods("POST", "OPTIONS")
	v1.HandleFunc("/guard/advanced-scan", s.handleGuardScanAdvanced).Methods("POST", "OPTIONS")
	v1.HandleFunc("/guard/validate", s.handleGuardValidate).Methods("POST", "OPTIONS")

	// Audit log surface: dashboard session auth.
	v1.HandleFunc("/guard/logs", s.handleListGuardLogs).Methods("GET", "OPTIONS")
	v1.HandleFunc("/guard/stats", s.handleGuardLogStats).Methods("GET", "OPTIONS")

	// Live events. Static segments register before the SSE stream so
	// /guard/events/ticket never falls into the stream handler.
	v1.HandleFunc("/guard/events/ticket", s.handleCreateEventTicket).Methods("POST", "OPTIONS")
	v1.HandleFunc("/guard/events/ws", s.handleEventWebSocket).Methods("GET")
	v1.HandleFunc("/guard/events", s.handleEventStream).Methods("GET")

	// Red-team scans. Fixed paths come before /scan/{id}.
	v1.HandleFunc("/scan/probes", s.handleListProbes).Methods("GET", "OPTIONS")
	v1.HandleFunc("/scan/start", s.handleStartScan).Methods("POST", "OPTIONS")
	v1.HandleFunc("/scan/list", s.handleListScans).Methods("GET", "OPTIONS")
	v1.HandleFunc("/scan/retest", s.handleRetestResult).Methods("POST", "OPTIONS")
	v1.HandleFunc("/scan/{id}", s.handleScanStatus).Methods("GET", "OPTIONS")
	v1.HandleFunc("/scan/{id}/results", s.handleScanResults).Methods("GET", "OPTIONS")
	v1.HandleFunc("/scan/{id}/logs", s.handleScanLogs).Methods("GET", "OPTIONS")
	v1.HandleFunc("/scan/{id}/events", s.handleScanEvents).Methods("GET")
	v1.HandleFunc("/scan/{id}/cancel", s.handleCancelScan).Methods("POST", "OPTIONS")

	// Account management.
	v1.HandleFunc("/api-keys", s.handleListAPIKeys).Methods("GET", "OPTIONS")
	v1.HandleFunc("/api-keys", s.handleCreateAPIKey).Methods("POST")
	v1.HandleFunc("/api-keys/{id}", s.handleRevokeAPIKey).Methods("DELETE", "OPTIONS")
	v1.HandleFunc("/api-keys/{id}/guard-config", s.handleGetGuardConfig).Methods("GET", "OPTIONS")
	v1.HandleFunc("/api-keys/{id}/guard-config", s.handlePutGuardConfig).Methods("PUT")

	v1.HandleFunc("/models", s.handleListModels).Methods("GET", "OPTIONS")
	v1.HandleFunc("/models", s.handleCreateModel).Methods("POST")
	v1.HandleFunc("/models/{id}", s.handleUpdateModel).Methods("PUT", "OPTIONS")
	v1.HandleFunc("/models/{id}", s.handleDeleteModel).Methods("DELETE")
	v1.HandleFunc("/models/{id}/default", s.handleSetDefaultModel).Methods("PUT", "OPTIONS")

	v1.HandleFunc("/organization", s.handleGetOrganization).Methods("GET", "OPTIONS")
	v1.HandleFunc("/organization/usage", s.handleOrganizationUsage).Methods("GET", "OPTIONS")

	v1.HandleFunc("/auth/verify", s.handleAuthVerify).Methods("GET", "POST", "OPTIONS")
	v1.HandleFunc("/auth/api-key/verify", s.handleAPIKeyVerify).Methods("GET", "POST", "OPTIONS")
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(s.origins))
	for _, o := range s.origins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, duration)

		if s.metrics != nil {
			route := routeTemplate(r)
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
		}
	})
}

// routeTemplate keeps metric cardinality bounded by using the mux route
// pattern instead of the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
