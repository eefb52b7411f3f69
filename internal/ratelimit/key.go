package ratelimit

import (
	"encoding/json"
	"net/http"
	"strings"
)

// KeyFor derives the bucket key for a request according to the configured
// keying mode.
func (l *Limiter) KeyFor(r *http.Request) string {
	switch l.keyBy {
	case "user":
		if key, ok := identityKey(r); ok {
			return key
		}
		return ClientIP(r)
	case "function":
		if l.keyFunc != nil {
			return l.keyFunc(r)
		}
		return ClientIP(r)
	default:
		return ClientIP(r)
	}
}

// ClientIP resolves the client IP from forwarding headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	return "unknown"
}

// identityKey extracts "user:<sub>" from the X-Identity JSON header.
func identityKey(r *http.Request) (string, bool) {
	raw := r.Header.Get("X-Identity")
	if raw == "" {
		return "", false
	}
	var identity struct {
		Sub string `json:"sub"`
	}
	if err := json.Unmarshal([]byte(raw), &identity); err != nil || identity.Sub == "" {
		return "", false
	}
	return "user:" + identity.Sub, true
}
