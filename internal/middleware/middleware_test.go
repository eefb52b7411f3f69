package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/edgegate/edgegate/config"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mk("outer"), mk("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "outer,inner,handler" {
		t.Errorf("order = %v", order)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("no request id assigned")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	h.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "client-supplied" {
		t.Errorf("id = %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestCORSPreflightWildcard(t *testing.T) {
	c := NewCORS(config.CORSConfig{
		Enabled: true,
		Origin:  config.OriginList{"*"},
		Methods: []string{"GET", "POST"},
		MaxAge:  600,
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/x", nil)
	req.Header.Set("Origin", "http://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	if !IsPreflight(req) {
		t.Fatal("preflight not recognised")
	}

	rec := httptest.NewRecorder()
	c.HandlePreflight(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("allow-methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("max-age = %q", got)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("preflight body = %q", rec.Body.String())
	}
}

func TestCORSOriginEcho(t *testing.T) {
	c := NewCORS(config.CORSConfig{
		Enabled:        true,
		Origin:         config.OriginList{"http://a.example.com", "http://b.example.com"},
		Credentials:    true,
		ExposedHeaders: []string{"X-RateLimit-Remaining"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.Header.Set("Origin", "http://b.example.com")

	h := make(http.Header)
	c.Apply(h, req)
	if got := h.Get("Access-Control-Allow-Origin"); got != "http://b.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if h.Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials flag missing")
	}
	if got := h.Get("Access-Control-Expose-Headers"); got != "X-RateLimit-Remaining" {
		t.Errorf("expose-headers = %q", got)
	}

	// Unlisted origin gets no allow header
	req.Header.Set("Origin", "http://evil.example.com")
	h = make(http.Header)
	c.Apply(h, req)
	if h.Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin allowed")
	}
}

func TestCORSDisabledNoops(t *testing.T) {
	c := NewCORS(config.CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://a.example.com")

	h := make(http.Header)
	c.Apply(h, req)
	if len(h) != 0 {
		t.Errorf("headers set while disabled: %v", h)
	}
}

func TestIsPreflightRequiresRequestMethod(t *testing.T) {
	plain := httptest.NewRequest(http.MethodOptions, "/x", nil)
	if IsPreflight(plain) {
		t.Error("bare OPTIONS classified as preflight")
	}
}
