// Package rules implements the reverse-proxy rule engine: compiled
// regex rules with rewrite templates, and a store merging read-only
// static rules with KV-persisted dynamic rules.
package rules

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/edgegate/edgegate/config"
)

// Fragment is micro-frontend embedding metadata. It is opaque to the relay
// and only surfaced by the control plane.
type Fragment struct {
	Sandbox         string   `json:"sandbox,omitempty"`
	AllowMessageBus *bool    `json:"allowMessageBus,omitempty"`
	PreloadStyles   []string `json:"preloadStyles,omitempty"`
}

// Rule is the serialized form of a proxy rule, as stored in the KV and
// accepted by the control plane.
type Rule struct {
	ID            string            `json:"id,omitempty"`
	Name          string            `json:"name,omitempty"`
	Pattern       string            `json:"pattern"`
	Target        string            `json:"target"`
	Rewrite       string            `json:"rewrite,omitempty"`
	ChangeOrigin  bool              `json:"changeOrigin,omitempty"`
	Secure        bool              `json:"secure,omitempty"`
	WS            *bool             `json:"ws,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Base          string            `json:"base,omitempty"`
	RelativePaths bool              `json:"relativePaths,omitempty"`
	Fragment      *Fragment         `json:"fragment,omitempty"`
}

// FromConfig converts a static rule declaration.
func FromConfig(cfg config.RuleConfig) Rule {
	r := Rule{
		Name:          cfg.Name,
		Pattern:       cfg.Pattern,
		Target:        cfg.Target,
		Rewrite:       cfg.Rewrite,
		ChangeOrigin:  cfg.ChangeOrigin,
		Secure:        cfg.Secure,
		WS:            cfg.WS,
		Headers:       cfg.Headers,
		Base:          cfg.Base,
		RelativePaths: cfg.RelativePaths,
	}
	if cfg.Fragment != nil {
		r.Fragment = &Fragment{
			Sandbox:         cfg.Fragment.Sandbox,
			AllowMessageBus: cfg.Fragment.AllowMessageBus,
			PreloadStyles:   cfg.Fragment.PreloadStyles,
		}
	}
	return r
}

// CompiledRule is a rule ready for matching and forwarding.
type CompiledRule struct {
	Rule
	Readonly bool `json:"readonly"`

	re     *regexp.Regexp
	target *url.URL
}

// envPattern matches ${VAR} references in rule targets.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Compile validates and compiles a rule. The pattern must be a valid regex
// and the target a parseable origin URL. ${VAR} references in the target are
// resolved against the environment once, at compile time; unresolved names
// keep the literal.
func Compile(r Rule, readonly bool) (*CompiledRule, error) {
	if r.Pattern == "" {
		return nil, fmt.Errorf("%w: pattern is required", ErrInvalid)
	}
	if r.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalid)
	}

	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalid, r.Pattern, err)
	}

	expanded := envPattern.ReplaceAllStringFunc(r.Target, func(match string) string {
		name := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(name); exists {
			return value
		}
		return match
	})

	target, err := url.Parse(expanded)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("%w: target %q is not an origin URL", ErrInvalid, expanded)
	}

	r.Target = expanded
	return &CompiledRule{
		Rule:     r,
		Readonly: readonly,
		re:       re,
		target:   target,
	}, nil
}

// Match reports whether path matches the rule, returning the capture groups
// (indices 1..n of the regex).
func (c *CompiledRule) Match(path string) ([]string, bool) {
	m := c.re.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	return m[1:], true
}

// RewritePath returns the path to forward upstream. Without a rewrite
// template the original path passes through; otherwise $1..$n are expanded
// from the pattern's capture groups. The result always starts with "/".
func (c *CompiledRule) RewritePath(path string) string {
	out := path
	if c.Rewrite != "" {
		groups, ok := c.Match(path)
		if ok {
			out = expandRewrite(c.Rewrite, groups)
		} else {
			out = c.Rewrite
		}
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// expandRewrite substitutes $1..$n with capture groups. Go's regexp has no
// template replace for pre-captured groups, so the substitution is explicit.
func expandRewrite(template string, groups []string) string {
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); i++ {
		ch := template[i]
		if ch != '$' || i+1 >= len(template) || template[i+1] < '0' || template[i+1] > '9' {
			b.WriteByte(ch)
			continue
		}
		j := i + 1
		for j < len(template) && template[j] >= '0' && template[j] <= '9' {
			j++
		}
		n, _ := strconv.Atoi(template[i+1 : j])
		if n >= 1 && n <= len(groups) {
			b.WriteString(groups[n-1])
		}
		i = j - 1
	}
	return b.String()
}

// WSEnabled reports whether WebSocket upgrades may be intercepted for this
// rule. Default true.
func (c *CompiledRule) WSEnabled() bool {
	return c.WS == nil || *c.WS
}

// TargetURL returns a copy of the parsed target origin.
func (c *CompiledRule) TargetURL() *url.URL {
	u := *c.target
	return &u
}
