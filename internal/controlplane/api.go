// Package controlplane exposes the gateway's management API: live stats,
// limiter and log inspection, shell exclude management, and rule CRUD.
package controlplane

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/config"
	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/requestlog"
	"github.com/edgegate/edgegate/internal/rules"
	"github.com/edgegate/edgegate/internal/shell"
)

// API is the control-plane handler tree mounted under the configured base
// path.
type API struct {
	cfg         *config.Config
	limiter     *ratelimit.Limiter // nil when rate limiting is disabled
	rules       *rules.Store
	log         *requestlog.Log
	adapter     *kv.Adapter
	shell       *shell.Router
	sseInterval time.Duration
	started     time.Time

	router *httprouter.Router
	prom   http.Handler
}

// Options carries the API's collaborators.
type Options struct {
	Config      *config.Config
	Limiter     *ratelimit.Limiter
	Rules       *rules.Store
	Log         *requestlog.Log
	Adapter     *kv.Adapter
	Shell       *shell.Router
	SSEInterval time.Duration
	Registry    *prometheus.Registry
}

// New builds the API and registers its routes.
func New(opts Options) *API {
	a := &API{
		cfg:         opts.Config,
		limiter:     opts.Limiter,
		rules:       opts.Rules,
		log:         opts.Log,
		adapter:     opts.Adapter,
		shell:       opts.Shell,
		sseInterval: opts.SSEInterval,
		started:     time.Now(),
	}
	if a.sseInterval <= 0 {
		a.sseInterval = time.Second
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	a.prom = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	a.router = httprouter.New()
	a.router.PanicHandler = func(w http.ResponseWriter, r *http.Request, rec interface{}) {
		logging.Error("control-plane panic",
			zap.Any("panic", rec),
			zap.String("path", r.URL.Path),
		)
		errors.ErrInternalServer.WriteJSON(w)
	}
	a.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	a.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})
	a.registerRoutes()
	return a
}

func (a *API) registerRoutes() {
	base := a.cfg.APIBase

	a.router.HandlerFunc(http.MethodGet, base+"/api/sse", a.handleSSE)
	a.router.HandlerFunc(http.MethodGet, base+"/api/stats", a.handleStats)
	a.router.HandlerFunc(http.MethodGet, base+"/api/config", a.handleConfig)
	a.router.HandlerFunc(http.MethodGet, base+"/api/health", a.handleHealth)
	a.router.Handler(http.MethodGet, base+"/api/metrics", a.prom)

	a.router.HandlerFunc(http.MethodGet, base+"/api/rate-limit/metrics", a.handleLimiterMetrics)
	a.router.HandlerFunc(http.MethodGet, base+"/api/rate-limit/buckets", a.handleLimiterBuckets)
	a.router.Handle(http.MethodDelete, base+"/api/rate-limit/buckets/:key", a.handleClearBucket)
	a.router.HandlerFunc(http.MethodPost, base+"/api/rate-limit/clear", a.handleClearAllBuckets)

	a.router.HandlerFunc(http.MethodGet, base+"/api/metrics/history", a.handleMetricsHistory)
	a.router.HandlerFunc(http.MethodDelete, base+"/api/metrics/history", a.handleClearMetricsHistory)

	a.router.HandlerFunc(http.MethodGet, base+"/api/shell/excludes", a.handleShellExcludes)
	a.router.HandlerFunc(http.MethodPost, base+"/api/shell/excludes", a.handleAddShellExclude)
	a.router.Handle(http.MethodDelete, base+"/api/shell/excludes/:basename", a.handleRemoveShellExclude)

	a.router.HandlerFunc(http.MethodGet, base+"/api/logs", a.handleLogs)
	a.router.HandlerFunc(http.MethodDelete, base+"/api/logs", a.handleClearLogs)
	a.router.HandlerFunc(http.MethodGet, base+"/api/logs/stats", a.handleLogStats)

	a.router.HandlerFunc(http.MethodGet, base+"/api/rules", a.handleListRules)
	a.router.HandlerFunc(http.MethodPost, base+"/api/rules", a.handleCreateRule)
	a.router.Handle(http.MethodGet, base+"/api/rules/:id", a.handleGetRule)
	a.router.Handle(http.MethodPut, base+"/api/rules/:id", a.handleUpdateRule)
	a.router.Handle(http.MethodDelete, base+"/api/rules/:id", a.handleDeleteRule)

	a.router.HandlerFunc(http.MethodGet, base+"/api/fragments", a.handleFragments)
}

// Handler returns the routed handler tree.
func (a *API) Handler() http.Handler {
	return a.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("encoding response", zap.Error(err))
	}
}
