package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgegate/edgegate/config"
	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/requestlog"
	"github.com/edgegate/edgegate/internal/rules"
	"github.com/edgegate/edgegate/internal/shell"
)

type fixture struct {
	api     *API
	limiter *ratelimit.Limiter
	rules   *rules.Store
	log     *requestlog.Log
	adapter *kv.Adapter
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Shell.Dir = "/srv/shell"
	cfg.CORS.Enabled = true
	cfg.CORS.Origin = config.OriginList{"*"}
	if mutate != nil {
		mutate(cfg)
	}

	limiter := ratelimit.New(ratelimit.Config{Requests: 10, Window: time.Minute, KeyBy: "ip"})
	adapter := kv.NewAdapter(kv.NewMemoryStore())
	ruleStore := rules.NewStore(cfg.Rules, adapter)
	log := requestlog.New(50)
	sh := shell.NewRouter(cfg.Shell.Dir, cfg.APIBase, cfg.Shell.Excludes, nil)

	api := New(Options{
		Config:  cfg,
		Limiter: limiter,
		Rules:   ruleStore,
		Log:     log,
		Adapter: adapter,
		Shell:   sh,
	})
	return &fixture{api: api, limiter: limiter, rules: ruleStore, log: log, adapter: adapter}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, "/_gateway"+path, reader)
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "ok" || body["kv"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	f.limiter.Allow("10.0.0.1")
	f.log.Add(requestlog.Entry{Status: 200, Duration: 5})

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		RateLimit struct {
			Metrics ratelimit.Metrics `json:"metrics"`
		} `json:"rateLimit"`
		Shell struct {
			Enabled bool `json:"enabled"`
		} `json:"shell"`
		Logs requestlog.Stats `json:"logs"`
	}
	decode(t, rec, &body)
	if body.RateLimit.Metrics.TotalRequests != 1 {
		t.Errorf("metrics = %+v", body.RateLimit.Metrics)
	}
	if !body.Shell.Enabled {
		t.Error("shell not reported enabled")
	}
	if body.Logs.Total != 1 {
		t.Errorf("log stats = %+v", body.Logs)
	}
}

func TestLimiterEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.limiter.Allow("10.0.0.1")
	f.limiter.Allow("10.0.0.2")

	rec := f.do(t, http.MethodGet, "/api/rate-limit/metrics", nil)
	var m ratelimit.Metrics
	decode(t, rec, &m)
	if m.TotalRequests != 2 || m.ActiveBuckets != 2 {
		t.Errorf("metrics = %+v", m)
	}

	rec = f.do(t, http.MethodGet, "/api/rate-limit/buckets?limit=1", nil)
	var buckets []ratelimit.BucketInfo
	decode(t, rec, &buckets)
	if len(buckets) != 1 {
		t.Errorf("buckets = %+v", buckets)
	}

	rec = f.do(t, http.MethodDelete, "/api/rate-limit/buckets/10.0.0.1", nil)
	var deleted struct {
		Deleted bool   `json:"deleted"`
		Key     string `json:"key"`
	}
	decode(t, rec, &deleted)
	if !deleted.Deleted || deleted.Key != "10.0.0.1" {
		t.Errorf("delete response = %+v", deleted)
	}

	rec = f.do(t, http.MethodPost, "/api/rate-limit/clear", nil)
	var cleared map[string]int
	decode(t, rec, &cleared)
	if cleared["cleared"] != 1 {
		t.Errorf("cleared = %v", cleared)
	}
}

func TestLimiterDisabled(t *testing.T) {
	f := newFixture(t, nil)
	f.api.limiter = nil

	for _, path := range []string{"/api/rate-limit/metrics", "/api/rate-limit/buckets"} {
		rec := f.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestMetricsHistoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.adapter.AppendSnapshot(ctx, kv.Snapshot{TotalRequests: int64(i)}, 10)
	}

	rec := f.do(t, http.MethodGet, "/api/metrics/history?limit=2", nil)
	var history []kv.Snapshot
	decode(t, rec, &history)
	if len(history) != 2 || history[0].TotalRequests != 2 {
		t.Errorf("history = %+v", history)
	}

	f.do(t, http.MethodDelete, "/api/metrics/history", nil)
	rec = f.do(t, http.MethodGet, "/api/metrics/history", nil)
	decode(t, rec, &history)
	if len(history) != 0 {
		t.Errorf("history after clear = %+v", history)
	}
}

func TestShellExcludeEndpoints(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Shell.Excludes = []string{"fixed"}
	})

	rec := f.do(t, http.MethodPost, "/api/shell/excludes", map[string]string{"basename": "legacy"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	var added struct {
		Added    bool   `json:"added"`
		Source   string `json:"source"`
		Basename string `json:"basename"`
	}
	decode(t, rec, &added)
	if !added.Added || added.Source != "keyval" || added.Basename != "legacy" {
		t.Errorf("add response = %+v", added)
	}

	// Adding an env-fixed basename is rejected
	rec = f.do(t, http.MethodPost, "/api/shell/excludes", map[string]string{"basename": "fixed"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("env add: status = %d", rec.Code)
	}
	// Invalid basename is rejected
	rec = f.do(t, http.MethodPost, "/api/shell/excludes", map[string]string{"basename": "a/b"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid add: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/shell/excludes", nil)
	var list []kv.ShellExclude
	decode(t, rec, &list)
	if len(list) != 2 {
		t.Fatalf("excludes = %+v", list)
	}

	// Removing env is rejected; removing keyval works
	rec = f.do(t, http.MethodDelete, "/api/shell/excludes/fixed", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("env remove: status = %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/shell/excludes/legacy", nil)
	var removed struct {
		Removed bool `json:"removed"`
	}
	decode(t, rec, &removed)
	if !removed.Removed {
		t.Error("remove reported no change")
	}
}

func TestShellEndpointsWithoutShell(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Shell.Dir = ""
	})
	rec := f.do(t, http.MethodGet, "/api/shell/excludes", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// failingStore fails every write while delegating reads.
type failingStore struct {
	kv.Store
	err error
}

func (s failingStore) Set(ctx context.Context, key kv.Key, value []byte) error {
	return s.err
}

func (s failingStore) Delete(ctx context.Context, key kv.Key) (bool, error) {
	return false, s.err
}

func TestShellExcludeMutationsRequirePersistence(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Shell.Dir = "/srv/shell"
	mem := kv.NewMemoryStore()
	if _, err := kv.NewAdapter(mem).AddShellExclude(context.Background(), "legacy"); err != nil {
		t.Fatalf("seed exclude: %v", err)
	}
	adapter := kv.NewAdapter(failingStore{Store: mem, err: fmt.Errorf("kv down")})
	sh := shell.NewRouter(cfg.Shell.Dir, cfg.APIBase, nil, []string{"legacy"})
	api := New(Options{
		Config:  cfg,
		Rules:   rules.NewStore(nil, adapter),
		Log:     requestlog.New(10),
		Adapter: adapter,
		Shell:   sh,
	})
	f := &fixture{api: api}

	rec := f.do(t, http.MethodPost, "/api/shell/excludes", map[string]string{"basename": "cpanel"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("add with failing store: status = %d body = %s", rec.Code, rec.Body.String())
	}
	nav := httptest.NewRequest(http.MethodGet, "/cpanel/users", nil)
	nav.Header.Set("Sec-Fetch-Dest", "document")
	if !sh.Owns(nav) {
		t.Error("exclude became active although the KV write failed")
	}

	rec = f.do(t, http.MethodDelete, "/api/shell/excludes/legacy", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("remove with failing store: status = %d body = %s", rec.Code, rec.Body.String())
	}
	nav = httptest.NewRequest(http.MethodGet, "/legacy/users", nil)
	nav.Header.Set("Sec-Fetch-Dest", "document")
	if sh.Owns(nav) {
		t.Error("exclude was dropped although the KV delete failed")
	}
}

func TestLogEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.log.Add(requestlog.Entry{IP: "10.0.0.1", Path: "/a", Status: 200, Duration: 4})
	f.log.Add(requestlog.Entry{IP: "10.0.0.2", Path: "/b", Status: 429, RateLimited: true})

	rec := f.do(t, http.MethodGet, "/api/logs?rateLimited=true", nil)
	var entries []requestlog.Entry
	decode(t, rec, &entries)
	if len(entries) != 1 || entries[0].Status != 429 {
		t.Errorf("entries = %+v", entries)
	}

	rec = f.do(t, http.MethodGet, "/api/logs/stats", nil)
	var stats requestlog.Stats
	decode(t, rec, &stats)
	if stats.Total != 2 || stats.RateLimited != 1 {
		t.Errorf("stats = %+v", stats)
	}

	f.do(t, http.MethodDelete, "/api/logs", nil)
	rec = f.do(t, http.MethodGet, "/api/logs", nil)
	decode(t, rec, &entries)
	if len(entries) != 0 {
		t.Errorf("entries after clear = %+v", entries)
	}
}

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Rules = []config.RuleConfig{{Pattern: "^/static/(.*)$", Target: "http://assets"}}
	})

	// Create
	rec := f.do(t, http.MethodPost, "/api/rules", rules.Rule{Pattern: "^/api/(.*)$", Target: "http://backend"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created rules.Rule
	decode(t, rec, &created)
	if created.ID == "" {
		t.Fatal("created rule has no id")
	}

	// List includes static + dynamic
	rec = f.do(t, http.MethodGet, "/api/rules", nil)
	var list []rules.CompiledRule
	decode(t, rec, &list)
	if len(list) != 2 {
		t.Errorf("list = %d rules", len(list))
	}

	// Get
	rec = f.do(t, http.MethodGet, "/api/rules/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get: %d", rec.Code)
	}

	// Update
	rec = f.do(t, http.MethodPut, "/api/rules/"+created.ID, map[string]string{"target": "http://backend-v2"})
	var updated rules.Rule
	decode(t, rec, &updated)
	if updated.Target != "http://backend-v2" {
		t.Errorf("updated target = %q", updated.Target)
	}

	// Static rule mutations are 403
	rec = f.do(t, http.MethodPut, "/api/rules/static-0", map[string]string{"target": "http://x"})
	if rec.Code != http.StatusForbidden {
		t.Errorf("static update: %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/rules/static-0", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("static delete: %d", rec.Code)
	}

	// Invalid pattern is 400
	rec = f.do(t, http.MethodPost, "/api/rules", rules.Rule{Pattern: "^/(unclosed$", Target: "http://x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid create: %d", rec.Code)
	}

	// Missing rule is 404
	rec = f.do(t, http.MethodGet, "/api/rules/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing get: %d", rec.Code)
	}

	// Delete
	rec = f.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete: %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", rec.Code)
	}
}

func TestFragments(t *testing.T) {
	allow := false
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Rules = []config.RuleConfig{
			{Pattern: "^/plain/(.*)$", Target: "http://plain"},
			{
				Name:     "widget",
				Pattern:  "^/widget/(.*)$",
				Target:   "http://widget",
				Fragment: &config.FragmentConfig{AllowMessageBus: &allow, PreloadStyles: []string{"/w.css"}},
			},
		}
	})

	rec := f.do(t, http.MethodGet, "/api/fragments", nil)
	var frags []fragmentView
	decode(t, rec, &frags)
	if len(frags) != 1 {
		t.Fatalf("fragments = %+v", frags)
	}
	got := frags[0]
	if got.Name != "widget" || got.Origin != "http://widget" {
		t.Errorf("fragment = %+v", got)
	}
	if got.Sandbox != "patch" {
		t.Errorf("sandbox default = %q", got.Sandbox)
	}
	if got.AllowMessageBus {
		t.Error("allowMessageBus should honour the explicit false")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestUnknownPathIs404JSON(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestSSEStreamsFrames(t *testing.T) {
	f := newFixture(t, nil)
	f.api.sseInterval = 10 * time.Millisecond
	f.log.Add(requestlog.Entry{Path: "/recent", Status: 200})

	srv := httptest.NewServer(f.api.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/_gateway/api/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content-type = %q", got)
	}

	scanner := bufio.NewScanner(resp.Body)
	frames := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			Timestamp  int64                  `json:"timestamp"`
			Shell      map[string]interface{} `json:"shell"`
			RecentLogs []requestlog.Entry     `json:"recentLogs"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Timestamp == 0 {
			t.Error("frame has no timestamp")
		}
		if len(frame.RecentLogs) != 1 || frame.RecentLogs[0].Path != "/recent" {
			t.Errorf("recentLogs = %+v", frame.RecentLogs)
		}
		frames++
		if frames == 2 {
			cancel()
			break
		}
	}
	if frames < 2 {
		t.Fatalf("saw %d frames", frames)
	}
}

func TestBucketKeyUnescaped(t *testing.T) {
	f := newFixture(t, nil)
	f.limiter.Allow("user:alice")

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/api/rate-limit/buckets/%s", "user%3Aalice"), nil)
	var resp struct {
		Deleted bool   `json:"deleted"`
		Key     string `json:"key"`
	}
	decode(t, rec, &resp)
	if !resp.Deleted || resp.Key != "user:alice" {
		t.Errorf("response = %+v", resp)
	}
}
