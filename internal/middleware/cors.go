package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/edgegate/edgegate/config"
)

// CORS evaluates the gateway's CORS policy. The gateway splits the policy
// into a preflight short-circuit and response-header application so the
// pipeline can interleave them with rate limiting and dispatch.
type CORS struct {
	cfg config.CORSConfig
}

// NewCORS builds the policy. A disabled config yields a policy whose
// methods are all no-ops.
func NewCORS(cfg config.CORSConfig) *CORS {
	return &CORS{cfg: cfg}
}

// Enabled reports whether the policy applies at all.
func (c *CORS) Enabled() bool {
	return c.cfg.Enabled
}

// IsPreflight reports whether the request is a CORS preflight.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes an empty 204 with the full Access-Control-Allow-*
// set. Callers check IsPreflight first.
func (c *CORS) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	if !c.cfg.Enabled {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h := w.Header()
	c.setOrigin(h, r)
	if len(c.cfg.Methods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(c.cfg.Methods, ", "))
	}
	if len(c.cfg.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(c.cfg.AllowedHeaders, ", "))
	}
	if c.cfg.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(c.cfg.MaxAge))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Apply sets the response-phase CORS headers. Status and body are left
// untouched.
func (c *CORS) Apply(h http.Header, r *http.Request) {
	if !c.cfg.Enabled {
		return
	}
	c.setOrigin(h, r)
	if len(c.cfg.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(c.cfg.ExposedHeaders, ", "))
	}
}

func (c *CORS) setOrigin(h http.Header, r *http.Request) {
	if c.cfg.Origin.Wildcard() {
		h.Set("Access-Control-Allow-Origin", "*")
	} else if origin := r.Header.Get("Origin"); origin != "" && c.originAllowed(origin) {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	if c.cfg.Credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func (c *CORS) originAllowed(origin string) bool {
	for _, allowed := range c.cfg.Origin {
		if allowed == origin {
			return true
		}
	}
	return false
}
