package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	APIBase   string          `yaml:"api_base"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Shell     ShellConfig     `yaml:"shell"`
	Cache     CacheConfig     `yaml:"cache"`
	KV        KVConfig        `yaml:"kv"`
	Rules     []RuleConfig    `yaml:"rules"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// RateLimitConfig holds token-bucket limiter settings.
type RateLimitConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Requests     int      `yaml:"requests"`
	Window       string   `yaml:"window"` // N[smhd], e.g. "1m"
	KeyBy        string   `yaml:"key_by"` // "ip" or "user"
	ExcludePaths []string `yaml:"exclude_paths"`
}

// WindowDuration parses the configured window string.
func (c RateLimitConfig) WindowDuration() (time.Duration, error) {
	return ParseWindow(c.Window)
}

// ParseWindow parses a window string of the form N followed by a unit
// (s, m, h or d).
func ParseWindow(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid window unit in %q", s)
}

// OriginList accepts either a single YAML scalar or a sequence of origins.
type OriginList []string

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (o *OriginList) UnmarshalYAML(data []byte) error {
	var single string
	if err := yaml.Unmarshal(data, &single); err == nil {
		*o = OriginList{single}
		return nil
	}
	var list []string
	if err := yaml.Unmarshal(data, &list); err != nil {
		return err
	}
	*o = OriginList(list)
	return nil
}

// Wildcard reports whether the list allows any origin.
func (o OriginList) Wildcard() bool {
	for _, origin := range o {
		if origin == "*" {
			return true
		}
	}
	return false
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Origin         OriginList `yaml:"origin"`
	Credentials    bool       `yaml:"credentials"`
	Methods        []string   `yaml:"methods"`
	AllowedHeaders []string   `yaml:"allowed_headers"`
	ExposedHeaders []string   `yaml:"exposed_headers"`
	MaxAge         int        `yaml:"max_age"`
}

// ShellConfig holds micro-frontend shell settings.
type ShellConfig struct {
	Dir      string   `yaml:"dir"`
	Excludes []string `yaml:"excludes"`
}

// CacheConfig is carried for config/stats reporting only. The response cache
// code path is permanently disabled.
type CacheConfig struct {
	Disabled bool `yaml:"disabled"`
}

// KVConfig selects the key-value store backend.
type KVConfig struct {
	Backend string      `yaml:"backend"` // "", "memory", "redis", "etcd"
	Redis   RedisConfig `yaml:"redis"`
	Etcd    EtcdConfig  `yaml:"etcd"`
}

// RedisConfig holds redis backend settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EtcdConfig holds etcd backend settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// FragmentConfig is micro-frontend embedding metadata carried on a rule.
type FragmentConfig struct {
	Sandbox         string   `yaml:"sandbox" json:"sandbox,omitempty"`
	AllowMessageBus *bool    `yaml:"allow_message_bus" json:"allowMessageBus,omitempty"`
	PreloadStyles   []string `yaml:"preload_styles" json:"preloadStyles,omitempty"`
}

// RuleConfig is a static proxy rule declaration.
type RuleConfig struct {
	Name          string            `yaml:"name"`
	Pattern       string            `yaml:"pattern"`
	Target        string            `yaml:"target"`
	Rewrite       string            `yaml:"rewrite"`
	ChangeOrigin  bool              `yaml:"change_origin"`
	Secure        bool              `yaml:"secure"`
	WS            *bool             `yaml:"ws"`
	Headers       map[string]string `yaml:"headers"`
	Base          string            `yaml:"base"`
	RelativePaths bool              `yaml:"relative_paths"`
	Fragment      *FragmentConfig   `yaml:"fragment"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":8080",
			IdleTimeout: 120 * time.Second,
		},
		APIBase: "/_gateway",
		Log:     LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			Requests: 100,
			Window:   "1m",
			KeyBy:    "ip",
		},
		Cache: CacheConfig{Disabled: true},
	}
}
