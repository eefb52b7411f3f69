// Package shell decides whether a request is served by the shell
// application or continues down the proxy pipeline.
package shell

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/edgegate/edgegate/internal/kv"
)

// ExcludesCookie names the per-request cookie carrying additional bypass
// basenames. Matched case-insensitively.
const ExcludesCookie = "GATEWAY_SHELL_EXCLUDES"

// Pool serves the shell application itself. The gateway owns routing; the
// pool owns rendering.
type Pool interface {
	Forward(r *http.Request, dir string) (*http.Response, error)
}

var basenamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidBasename reports whether name may participate in the exclude set.
func ValidBasename(name string) bool {
	return basenamePattern.MatchString(name)
}

// Router implements the shell ownership decision over a configured shell
// directory and three exclude sets: env (fixed), keyval (mutable,
// persisted) and per-request cookie values.
type Router struct {
	dir     string
	apiBase string
	env     map[string]bool

	mu     sync.RWMutex
	keyval map[string]bool
}

// NewRouter builds a router. envExcludes come from configuration or
// environment; keyvalExcludes from persisted state.
func NewRouter(dir, apiBase string, envExcludes, keyvalExcludes []string) *Router {
	r := &Router{
		dir:     dir,
		apiBase: apiBase,
		env:     make(map[string]bool),
		keyval:  make(map[string]bool),
	}
	for _, name := range envExcludes {
		if ValidBasename(name) {
			r.env[name] = true
		}
	}
	for _, name := range keyvalExcludes {
		if ValidBasename(name) {
			r.keyval[name] = true
		}
	}
	return r
}

// Enabled reports whether a shell directory is configured.
func (rt *Router) Enabled() bool {
	return rt.dir != ""
}

// Dir returns the configured shell directory.
func (rt *Router) Dir() string {
	return rt.dir
}

// Owns reports whether the shell serves this request. True iff the shell is
// configured, the path is not a control-plane path, the first path segment
// is not excluded, and the request is a document navigation or a root-level
// asset fetch.
func (rt *Router) Owns(r *http.Request) bool {
	if !rt.Enabled() {
		return false
	}

	path := r.URL.Path
	if path == rt.apiBase || strings.HasPrefix(path, rt.apiBase+"/") {
		return false
	}

	segments := splitSegments(path)
	if len(segments) > 0 && rt.excluded(segments[0], cookieExcludes(r)) {
		return false
	}

	dest := r.Header.Get("Sec-Fetch-Dest")
	if dest == "document" {
		return true
	}
	if len(segments) <= 1 && dest != "iframe" && dest != "embed" && dest != "object" {
		return true
	}
	return false
}

func (rt *Router) excluded(basename string, cookie map[string]bool) bool {
	if rt.env[basename] || cookie[basename] {
		return true
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.keyval[basename]
}

func splitSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// cookieExcludes extracts bypass basenames from the excludes cookie.
// The values are request-scoped and never persisted.
func cookieExcludes(r *http.Request) map[string]bool {
	out := make(map[string]bool)
	for _, c := range r.Cookies() {
		if !strings.EqualFold(c.Name, ExcludesCookie) {
			continue
		}
		for _, part := range strings.Split(c.Value, ",") {
			name := strings.TrimSpace(part)
			if ValidBasename(name) {
				out[name] = true
			}
		}
	}
	return out
}

// CheckKeyval reports whether name may enter or leave the mutable exclude
// set, without modifying it. Invalid names and names fixed by the
// environment are rejected.
func (rt *Router) CheckKeyval(name string) error {
	if !ValidBasename(name) {
		return fmt.Errorf("invalid basename %q", name)
	}
	if rt.env[name] {
		return fmt.Errorf("basename %q is fixed by environment", name)
	}
	return nil
}

// AddKeyval adds a basename to the mutable exclude set, subject to the
// CheckKeyval rules.
func (rt *Router) AddKeyval(name string) error {
	if err := rt.CheckKeyval(name); err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.keyval[name] = true
	return nil
}

// RemoveKeyval removes a basename from the mutable exclude set. Env-sourced
// names cannot be removed.
func (rt *Router) RemoveKeyval(name string) error {
	if rt.env[name] {
		return fmt.Errorf("basename %q is fixed by environment", name)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.keyval, name)
	return nil
}

// InEnv reports whether name is an environment-sourced exclude.
func (rt *Router) InEnv(name string) bool {
	return rt.env[name]
}

// Excludes returns the merged exclude entries, env first, keyval entries
// not shadowed by env after, each set sorted.
func (rt *Router) Excludes() []kv.ShellExclude {
	var out []kv.ShellExclude
	for _, name := range sortedKeys(rt.env) {
		out = append(out, kv.ShellExclude{Basename: name, Source: "env"})
	}
	rt.mu.RLock()
	keyval := sortedKeys(rt.keyval)
	rt.mu.RUnlock()
	for _, name := range keyval {
		if !rt.env[name] {
			out = append(out, kv.ShellExclude{Basename: name, Source: "keyval"})
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
