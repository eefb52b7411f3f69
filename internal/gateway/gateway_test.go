package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/edgegate/edgegate/config"
	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/requestlog"
	"github.com/edgegate/edgegate/internal/shell"
)

// recordingPool records forwards and serves a canned shell response.
type recordingPool struct {
	calls []poolCall
}

type poolCall struct {
	path string
	base string
	dir  string
}

func (p *recordingPool) Forward(r *http.Request, dir string) (*http.Response, error) {
	p.calls = append(p.calls, poolCall{
		path: r.URL.Path,
		base: r.Header.Get("X-Base"),
		dir:  dir,
	})
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader("<html>shell</html>")),
	}, nil
}

var _ shell.Pool = (*recordingPool)(nil)

func newGateway(t *testing.T, mutate func(*config.Config), opts *Options) *Gateway {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	o := Options{Config: cfg, Store: kv.NewMemoryStore()}
	if opts != nil {
		o.Pool = opts.Pool
		o.Fallback = opts.Fallback
		o.KeyFunc = opts.KeyFunc
	}
	gw, err := New(context.Background(), o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func TestRewriteAndQueryPreserved(t *testing.T) {
	var gotURL string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		io.WriteString(w, "backend says hi")
	}))
	defer backend.Close()

	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
		cfg.Rules = []config.RuleConfig{{
			Pattern: "^/api/(.*)$",
			Target:  backend.URL,
			Rewrite: "/v1/$1",
		}}
	}, nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users?page=1", nil))

	if gotURL != "/v1/users?page=1" {
		t.Errorf("upstream URL = %q", gotURL)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "backend says hi" {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimitDenial(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Requests = 2
		cfg.RateLimit.Window = "1m"
		cfg.RateLimit.KeyBy = "ip"
		cfg.Rules = []config.RuleConfig{{Pattern: "^/(.*)$", Target: backend.URL}}
	}, nil)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/data", nil)
		req.Header.Set("X-Forwarded-For", "10.0.0.1")
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)
		return rec
	}

	for i, wantRemaining := range []string{"1", "0"} {
		rec := send()
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
		_ = wantRemaining // remaining is forwarded upstream, asserted below via the third request
	}

	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d", rec.Code)
	}
	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 29 || retryAfter > 31 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if !strings.Contains(rec.Body.String(), `"error":"Too Many Requests"`) {
		t.Errorf("body = %q", rec.Body.String())
	}

	limited := true
	entries := gw.log.Query(requestlog.Filter{RateLimited: &limited})
	if len(entries) != 1 {
		t.Fatalf("rate-limited log entries = %d", len(entries))
	}
	if entries[0].Status != http.StatusTooManyRequests || entries[0].IP != "10.0.0.1" {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestRemainingHeaderForwardedUpstream(t *testing.T) {
	var gotRemaining string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRemaining = r.Header.Get("X-RateLimit-Remaining")
	}))
	defer backend.Close()

	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Requests = 5
		cfg.RateLimit.Window = "1m"
		cfg.Rules = []config.RuleConfig{{Pattern: "^/(.*)$", Target: backend.URL}}
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Real-IP", "10.0.0.7")
	gw.Handler().ServeHTTP(httptest.NewRecorder(), req)

	if gotRemaining != "4" {
		t.Errorf("X-RateLimit-Remaining forwarded = %q", gotRemaining)
	}
}

func TestShellServesDocumentNavigation(t *testing.T) {
	pool := &recordingPool{}
	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Requests = 10
		cfg.RateLimit.Window = "1m"
		cfg.Shell.Dir = "/srv/shell"
	}, &Options{Pool: pool})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if len(pool.calls) != 1 {
		t.Fatalf("pool calls = %d", len(pool.calls))
	}
	call := pool.calls[0]
	if call.dir != "/srv/shell" || call.base != "/" || call.path != "/dashboard" {
		t.Errorf("call = %+v", call)
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>shell</html>" {
		t.Errorf("response = %d %q", rec.Code, rec.Body.String())
	}
	// No limiter decrement for shell-owned requests
	if m := gw.limiter.Metrics(); m.TotalRequests != 0 {
		t.Errorf("limiter saw %d requests", m.TotalRequests)
	}
}

func TestShellBypassCookieIsRequestScoped(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "proxied")
	}))
	defer backend.Close()

	pool := &recordingPool{}
	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
		cfg.Shell.Dir = "/srv/shell"
		cfg.Rules = []config.RuleConfig{{Pattern: "^/cpanel/(.*)$", Target: backend.URL}}
	}, &Options{Pool: pool})

	// With the cookie, the shell is bypassed and the rule fires
	req := httptest.NewRequest(http.MethodGet, "/cpanel/users", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.AddCookie(&http.Cookie{Name: "GATEWAY_SHELL_EXCLUDES", Value: "cpanel"})
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if len(pool.calls) != 0 {
		t.Fatalf("shell invoked despite cookie exclude")
	}
	if rec.Body.String() != "proxied" {
		t.Errorf("body = %q", rec.Body.String())
	}

	// Without the cookie, the same path hits the shell again
	req = httptest.NewRequest(http.MethodGet, "/cpanel/users", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if len(pool.calls) != 1 {
		t.Errorf("shell calls = %d, want 1", len(pool.calls))
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
		cfg.CORS.Enabled = true
		cfg.CORS.Origin = config.OriginList{"*"}
		cfg.CORS.Methods = []string{"GET", "POST"}
	}, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/x", nil)
	req.Header.Set("Origin", "http://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight missing allow-origin")
	}
}

func TestCORSHeadersOnProxiedResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
		cfg.CORS.Enabled = true
		cfg.CORS.Origin = config.OriginList{"*"}
		cfg.CORS.ExposedHeaders = []string{"X-RateLimit-Remaining"}
		cfg.Rules = []config.RuleConfig{{Pattern: "^/(.*)$", Target: backend.URL}}
	}, nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("response missing allow-origin")
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != "X-RateLimit-Remaining" {
		t.Error("response missing expose-headers")
	}
}

func TestUnmatchedFallsThrough(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
	}, nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing/here", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}

	custom := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
	}, &Options{Fallback: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})})

	rec = httptest.NewRecorder()
	custom.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing/here", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("custom fallback status = %d", rec.Code)
	}
}

func TestControlPlaneMounted(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = false
	}, nil)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gateway/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestLimiterExcludedPaths(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Requests = 1
		cfg.RateLimit.Window = "1m"
		cfg.RateLimit.ExcludePaths = []string{`^/health$`}
		cfg.Rules = []config.RuleConfig{{Pattern: "^/(.*)$", Target: backend.URL}}
	}, nil)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("excluded request %d: status = %d", i, rec.Code)
		}
	}
	if m := gw.limiter.Metrics(); m.TotalRequests != 0 {
		t.Errorf("excluded path incremented counters: %+v", m)
	}
}

func TestReloadPicksUpPersistedState(t *testing.T) {
	store := kv.NewMemoryStore()
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.Shell.Dir = "/srv/shell"

	gw, err := New(context.Background(), Options{Config: cfg, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close()

	// Another writer persists state behind this instance's back
	ctx := context.Background()
	adapter := kv.NewAdapter(store)
	if _, err := adapter.AddShellExclude(ctx, "legacy"); err != nil {
		t.Fatalf("AddShellExclude: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/legacy/page", nil)
	req.Header.Set("Sec-Fetch-Dest", "document")
	if !gw.shell.Owns(req) {
		t.Fatal("exclude visible before reload")
	}

	if err := gw.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if gw.shell.Owns(req) {
		t.Error("persisted exclude not applied after reload")
	}
}

func TestStartAndCloseLifecycle(t *testing.T) {
	gw := newGateway(t, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Requests = 5
		cfg.RateLimit.Window = "1s"
	}, nil)

	gw.Start()
	time.Sleep(10 * time.Millisecond)
	if err := gw.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
