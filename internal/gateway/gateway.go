// Package gateway wires the components into the single request pipeline:
// shell decision, CORS preflight, admission, rule dispatch and response
// post-processing.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/config"
	"github.com/edgegate/edgegate/internal/controlplane"
	"github.com/edgegate/edgegate/internal/errors"
	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/requestlog"
	"github.com/edgegate/edgegate/internal/rules"
	"github.com/edgegate/edgegate/internal/shell"
	"github.com/edgegate/edgegate/internal/snapshot"
	"github.com/edgegate/edgegate/internal/wsrelay"
)

// Options configures gateway construction.
type Options struct {
	Config *config.Config
	// Store backs persistence; nil disables dynamic rules, snapshot
	// history and persisted shell excludes.
	Store kv.Store
	// Pool serves the shell application. Defaults to shell.DirPool.
	Pool shell.Pool
	// Fallback handles requests no rule matches. Defaults to a JSON 404.
	Fallback http.Handler
	// KeyFunc backs rateLimit.keyBy = "function".
	KeyFunc func(r *http.Request) string
	// SnapshotInterval overrides the metrics sampling period.
	SnapshotInterval time.Duration
}

// Gateway owns all pipeline components and their lifecycle.
type Gateway struct {
	cfg      *config.Config
	store    kv.Store
	adapter  *kv.Adapter
	rules    *rules.Store
	limiter  *ratelimit.Limiter
	log      *requestlog.Log
	shell    *shell.Router
	pool     shell.Pool
	relay    *proxy.Relay
	ws       *wsrelay.Relay
	cors     *middleware.CORS
	api      *controlplane.API
	snap     *snapshot.Snapshotter
	fallback http.Handler
	handler  http.Handler
	window   time.Duration
}

// New builds the gateway, loading persisted state from the store.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	cfg := opts.Config

	g := &Gateway{
		cfg:      cfg,
		store:    opts.Store,
		adapter:  kv.NewAdapter(opts.Store),
		log:      requestlog.New(requestlog.DefaultCapacity),
		relay:    proxy.New(proxy.Config{}),
		ws:       wsrelay.New(),
		cors:     middleware.NewCORS(cfg.CORS),
		pool:     opts.Pool,
		fallback: opts.Fallback,
	}
	if g.pool == nil {
		g.pool = shell.DirPool{}
	}
	if g.fallback == nil {
		g.fallback = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errors.ErrNotFound.WriteJSON(w)
		})
	}

	g.rules = rules.NewStore(cfg.Rules, g.adapter)
	if err := g.rules.LoadDynamic(ctx); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}

	registry := prometheus.NewRegistry()
	if cfg.RateLimit.Enabled {
		window, err := cfg.RateLimit.WindowDuration()
		if err != nil {
			return nil, fmt.Errorf("rate limit window: %w", err)
		}
		g.window = window
		g.limiter = ratelimit.New(ratelimit.Config{
			Requests:     cfg.RateLimit.Requests,
			Window:       window,
			KeyBy:        cfg.RateLimit.KeyBy,
			KeyFunc:      opts.KeyFunc,
			ExcludePaths: cfg.RateLimit.ExcludePaths,
		})
		registry.MustRegister(ratelimit.NewCollector(g.limiter))
	}

	keyval, err := g.adapter.ShellExcludes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading shell excludes: %w", err)
	}
	g.shell = shell.NewRouter(cfg.Shell.Dir, cfg.APIBase, cfg.Shell.Excludes, keyval)

	g.api = controlplane.New(controlplane.Options{
		Config:   cfg,
		Limiter:  g.limiter,
		Rules:    g.rules,
		Log:      g.log,
		Adapter:  g.adapter,
		Shell:    g.shell,
		Registry: registry,
	})
	g.snap = snapshot.New(g.limiter, g.adapter, opts.SnapshotInterval)

	g.handler = middleware.Chain(
		http.HandlerFunc(g.serve),
		middleware.Recovery,
		middleware.RequestID,
	)
	return g, nil
}

// Handler returns the request entry point.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start arms the background tickers.
func (g *Gateway) Start() {
	if g.limiter != nil {
		interval := g.window
		if interval <= 0 {
			interval = time.Minute
		}
		g.limiter.StartCleanup(interval)
	}
	g.snap.Start()
}

// Close stops the tickers and releases the store. In-flight requests
// complete naturally.
func (g *Gateway) Close() error {
	g.snap.Stop()
	if g.limiter != nil {
		g.limiter.StopCleanup()
	}
	if g.store != nil {
		return g.store.Close()
	}
	return nil
}

// Reload re-reads the persisted mutable state: dynamic rules and shell
// excludes. Static configuration is not touched.
func (g *Gateway) Reload(ctx context.Context) error {
	if err := g.rules.LoadDynamic(ctx); err != nil {
		return err
	}
	keyval, err := g.adapter.ShellExcludes(ctx)
	if err != nil {
		return err
	}
	for _, name := range keyval {
		if !g.shell.InEnv(name) {
			g.shell.AddKeyval(name)
		}
	}
	logging.Info("reloaded dynamic state",
		zap.Int("dynamicRules", len(g.rules.All())),
		zap.Int("shellExcludes", len(keyval)),
	)
	return nil
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// Control plane
	if path == g.cfg.APIBase || len(path) > len(g.cfg.APIBase) &&
		path[:len(g.cfg.APIBase)+1] == g.cfg.APIBase+"/" {
		g.api.Handler().ServeHTTP(w, r)
		return
	}

	// Shell decision
	if g.shell.Owns(r) {
		g.serveShell(w, r)
		return
	}

	// CORS preflight
	if middleware.IsPreflight(r) {
		g.cors.HandlePreflight(w, r)
		return
	}

	// Admission
	if g.limiter != nil && !g.limiter.Excluded(path) {
		key := g.limiter.KeyFor(r)
		res := g.limiter.Allow(key)
		if !res.Allowed {
			g.log.Add(requestlog.Entry{
				IP:          ratelimit.ClientIP(r),
				Method:      r.Method,
				Path:        path,
				Status:      http.StatusTooManyRequests,
				RateLimited: true,
			})
			h := w.Header()
			h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
			h.Set("X-RateLimit-Limit", strconv.Itoa(g.cfg.RateLimit.Requests))
			h.Set("X-RateLimit-Remaining", "0")
			h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(res.RetryAfter)*time.Second).Unix(), 10))
			g.cors.Apply(h, r)
			errors.ErrTooManyRequests.WriteJSON(w)
			return
		}
		r = r.Clone(r.Context())
		r.Header.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}

	// Rule dispatch
	rule, _ := g.rules.Match(path)
	if rule == nil {
		g.fallback.ServeHTTP(w, r)
		return
	}

	g.cors.Apply(w.Header(), r)

	rewritten := rule.RewritePath(path)
	start := time.Now()
	var status int
	if wsrelay.IsUpgradeRequest(r) && rule.WSEnabled() {
		status = g.ws.Serve(w, r, rule, rewritten)
	} else {
		status = g.relay.Serve(w, r, rule, rewritten)
	}

	duration := time.Since(start)
	g.log.Add(requestlog.Entry{
		IP:       ratelimit.ClientIP(r),
		Method:   r.Method,
		Path:     path,
		Status:   status,
		Duration: duration.Milliseconds(),
	})
	logging.Debug("relayed",
		zap.String("rule", rule.ID),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	)
}

// serveShell forwards the request to the shell pool with the internal base
// header and copies the pool's response verbatim.
func (g *Gateway) serveShell(w http.ResponseWriter, r *http.Request) {
	clone := r.Clone(r.Context())
	clone.Header.Set("X-Base", "/")

	resp, err := g.pool.Forward(clone, g.shell.Dir())
	if err != nil {
		logging.Warn("shell pool error", zap.String("path", r.URL.Path), zap.Error(err))
		errors.ErrBadGateway.WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		w.Header()[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}
