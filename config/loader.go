package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Environment variables recognized as fallbacks for shell settings.
const (
	EnvShellDir      = "GATEWAY_SHELL_DIR"
	EnvShellExcludes = "GATEWAY_SHELL_EXCLUDES"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnvFallbacks(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables keep the literal reference.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyEnvFallbacks fills shell settings from the environment when the file
// leaves them empty.
func applyEnvFallbacks(cfg *Config) {
	if cfg.Shell.Dir == "" {
		cfg.Shell.Dir = os.Getenv(EnvShellDir)
	}
	if len(cfg.Shell.Excludes) == 0 {
		if v := os.Getenv(EnvShellExcludes); v != "" {
			cfg.Shell.Excludes = SplitExcludes(v)
		}
	}
}

// SplitExcludes splits a comma-separated exclude list, trimming blanks.
func SplitExcludes(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if !strings.HasPrefix(cfg.APIBase, "/") {
		return fmt.Errorf("api_base must start with /: %q", cfg.APIBase)
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Requests <= 0 {
			return fmt.Errorf("rate_limit.requests must be positive")
		}
		if _, err := ParseWindow(cfg.RateLimit.Window); err != nil {
			return fmt.Errorf("rate_limit.window: %w", err)
		}
		switch cfg.RateLimit.KeyBy {
		case "", "ip", "user", "function":
		default:
			return fmt.Errorf("rate_limit.key_by must be ip, user or function, got %q", cfg.RateLimit.KeyBy)
		}
		for _, p := range cfg.RateLimit.ExcludePaths {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("rate_limit.exclude_paths %q: %w", p, err)
			}
		}
	}

	if cfg.CORS.Enabled && len(cfg.CORS.Origin) == 0 {
		return fmt.Errorf("cors.origin is required when cors is enabled")
	}

	switch cfg.KV.Backend {
	case "", "memory", "redis", "etcd":
	default:
		return fmt.Errorf("kv.backend must be memory, redis or etcd, got %q", cfg.KV.Backend)
	}
	if cfg.KV.Backend == "redis" && cfg.KV.Redis.Addr == "" {
		return fmt.Errorf("kv.redis.addr is required for the redis backend")
	}
	if cfg.KV.Backend == "etcd" && len(cfg.KV.Etcd.Endpoints) == 0 {
		return fmt.Errorf("kv.etcd.endpoints is required for the etcd backend")
	}

	for i, r := range cfg.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("rules[%d]: pattern is required", i)
		}
		if r.Target == "" {
			return fmt.Errorf("rules[%d]: target is required", i)
		}
	}

	return nil
}
