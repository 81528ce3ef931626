// Package config defines the gateway's configuration document, validates
// it into an immutable snapshot, and exposes that snapshot behind an
// atomic pointer so reload never blocks an in-flight request. It
// generalizes an earlier env-var-only config loader into a
// structured YAML document per the configuration surface in SPEC_FULL.md
// §6, bound with spf13/viper the way
// other_examples/.../Sentinel-Gate-Sentinelgate/internal/config/config.go
// binds its own YAML tree.
package config

import (
	"fmt"
	"regexp"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Server          ServerConfig         `mapstructure:"server" yaml:"server"`
	DefaultSettings UpstreamDefaults     `mapstructure:"default_settings" yaml:"default_settings"`
	APIs            map[string]APIConfig `mapstructure:"apis" yaml:"apis"`
}

// ServerConfig covers the listener, TLS, logging, and ambient endpoints.
type ServerConfig struct {
	Listen               string    `mapstructure:"listen" yaml:"listen"`
	TLS                  TLSConfig `mapstructure:"tls" yaml:"tls"`
	ShutdownDrainSeconds int       `mapstructure:"shutdown_drain_seconds" yaml:"shutdown_drain_seconds"`
	MetricsPath          string    `mapstructure:"metrics_path" yaml:"metrics_path"`
	HealthzPath          string    `mapstructure:"healthz_path" yaml:"healthz_path"`
	Log                  LogConfig `mapstructure:"log" yaml:"log"`
	ProxyAuth            []string  `mapstructure:"proxy_auth" yaml:"proxy_auth"`
}

// TLSConfig optionally enables HTTPS with a cert pair, self-signing a new
// pair (overwriting both files) at startup if either file is missing
// (teacher's cmd/server/tls.go idiom).
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

// LogConfig controls the zap logger level and the optional Loki sink.
type LogConfig struct {
	Level       string     `mapstructure:"level" yaml:"level"`
	Development bool       `mapstructure:"development" yaml:"development"`
	Loki        LokiConfig `mapstructure:"loki" yaml:"loki"`
}

// LokiConfig is the best-effort log-push sink.
type LokiConfig struct {
	Enabled bool              `mapstructure:"enabled" yaml:"enabled"`
	URL     string            `mapstructure:"url" yaml:"url"`
	Labels  map[string]string `mapstructure:"labels" yaml:"labels"`
}

// QueueConfig bounds one upstream's admission queue and worker pool.
type QueueConfig struct {
	MaxSize       int `mapstructure:"max_size" yaml:"max_size"`
	MaxWorkers    int `mapstructure:"max_workers" yaml:"max_workers"`
	ExpirySeconds int `mapstructure:"expiry_seconds" yaml:"expiry_seconds"`
}

// RateLimits holds the upstream's quota strings. Endpoint, IP and User are
// applied outside key selection; Key is one window per candidate key value,
// evaluated during key selection.
type RateLimits struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	IP       string `mapstructure:"ip" yaml:"ip"`
	User     string `mapstructure:"user" yaml:"user"`
	Key      string `mapstructure:"key" yaml:"key"`
}

// RetryConfig configures the retry/rotation loop (SPEC_FULL.md §4.7).
type RetryConfig struct {
	Mode                string   `mapstructure:"mode" yaml:"mode"` // default | backoff | key_rotation
	Attempts            int      `mapstructure:"attempts" yaml:"attempts"`
	RetryAfterSeconds   float64  `mapstructure:"retry_after_seconds" yaml:"retry_after_seconds"`
	RetryStatusCodes    []int    `mapstructure:"retry_status_codes" yaml:"retry_status_codes"`
	RetryRequestMethods []string `mapstructure:"retry_request_methods" yaml:"retry_request_methods"`
}

// PathFilter restricts which request suffixes reach an upstream.
type PathFilter struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled"`
	Mode     string   `mapstructure:"mode" yaml:"mode"` // whitelist | blacklist
	Patterns []string `mapstructure:"patterns" yaml:"patterns"`
}

// CORSConfig describes the preflight response the router answers directly.
type CORSConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowOrigin  string   `mapstructure:"allow_origin" yaml:"allow_origin"`
	AllowMethods []string `mapstructure:"allow_methods" yaml:"allow_methods"`
	AllowHeaders []string `mapstructure:"allow_headers" yaml:"allow_headers"`
}

// RewriteCondition gates a RewriteRule.
type RewriteCondition struct {
	Field    string `mapstructure:"field" yaml:"field"`
	Operator string `mapstructure:"operator" yaml:"operator"`
	Value    any    `mapstructure:"value" yaml:"value"`
}

// RewriteRule is one declarative set/remove operation over a JSON body.
type RewriteRule struct {
	Name       string             `mapstructure:"name" yaml:"name"`
	Operation  string             `mapstructure:"operation" yaml:"operation"` // set | remove
	Path       string             `mapstructure:"path" yaml:"path"`
	Value      any                `mapstructure:"value" yaml:"value"`
	Conditions []RewriteCondition `mapstructure:"conditions" yaml:"conditions"`
}

// BodySubstitution is the top-level body-rewrite switch for an upstream.
type BodySubstitution struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Rules   []RewriteRule `mapstructure:"rules" yaml:"rules"`
}

// UpstreamDefaults holds every per-API field that may be inherited; a
// concrete APIConfig overrides only the fields it sets (nil pointer or
// empty value means "inherit", resolved in validate.go).
type UpstreamDefaults struct {
	KeyConcurrency        bool        `mapstructure:"key_concurrency" yaml:"key_concurrency"`
	RandomnessSeconds     float64     `mapstructure:"randomness_seconds" yaml:"randomness_seconds"`
	MethodList            []string    `mapstructure:"method_list" yaml:"method_list"`
	Queue                 QueueConfig `mapstructure:"queue" yaml:"queue"`
	Retry                  RetryConfig `mapstructure:"retry" yaml:"retry"`
	RateLimits             RateLimits `mapstructure:"rate_limits" yaml:"rate_limits"`
	RequestTimeoutSeconds  float64    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	CORS                   CORSConfig `mapstructure:"cors" yaml:"cors"`
	LBStrategy             string     `mapstructure:"lb_strategy" yaml:"lb_strategy"`
	RateLimitPaths         []string   `mapstructure:"rate_limit_paths" yaml:"rate_limit_paths"`
}

// APIConfig is one upstream's full definition.
type APIConfig struct {
	Name                    string               `mapstructure:"name" yaml:"name"`
	Endpoint                string               `mapstructure:"endpoint" yaml:"endpoint"`
	Aliases                 []string             `mapstructure:"aliases" yaml:"aliases"`
	Variables               map[string][]string  `mapstructure:"variables" yaml:"variables"`
	Weights                 map[string][]float64 `mapstructure:"weights" yaml:"weights"`
	KeyVariable             string               `mapstructure:"key_variable" yaml:"key_variable"`
	LBStrategy              string               `mapstructure:"lb_strategy" yaml:"lb_strategy"`
	Headers                 map[string]string    `mapstructure:"headers" yaml:"headers"`
	KeyConcurrency          *bool                `mapstructure:"key_concurrency" yaml:"key_concurrency"`
	RandomnessSeconds       *float64             `mapstructure:"randomness_seconds" yaml:"randomness_seconds"`
	MethodList              []string             `mapstructure:"method_list" yaml:"method_list"`
	PathFilter              PathFilter           `mapstructure:"path_filter" yaml:"path_filter"`
	RateLimitPaths          []string             `mapstructure:"rate_limit_paths" yaml:"rate_limit_paths"`
	RateLimits              *RateLimits          `mapstructure:"rate_limits" yaml:"rate_limits"`
	Queue                   *QueueConfig         `mapstructure:"queue" yaml:"queue"`
	Retry                   *RetryConfig         `mapstructure:"retry" yaml:"retry"`
	RequestTimeoutSeconds   *float64             `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	CORS                    *CORSConfig          `mapstructure:"cors" yaml:"cors"`
	OutboundProxy           string               `mapstructure:"outbound_proxy" yaml:"outbound_proxy"`
	RequestBodySubstitution BodySubstitution     `mapstructure:"request_body_substitution" yaml:"request_body_substitution"`
}

// quotaPattern matches the quota grammar: N/unit where unit is Ns|Nm|Nh|Nd
// or a bare s|m|h|d, plus the special 0/<unit> "unlimited" form.
var quotaPattern = regexp.MustCompile(`^(\d+)/(\d*)([smhd])$`)

// ParseQuota parses a quota string into (limit, window). A limit of 0 means
// unlimited (caller must skip window allocation). An empty string also
// means unlimited.
func ParseQuota(quota string) (limit int, window time.Duration, err error) {
	if quota == "" {
		return 0, 0, nil
	}
	m := quotaPattern.FindStringSubmatch(quota)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid quota %q: want N/unit e.g. 10/s, 100/15m", quota)
	}
	n := 0
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, 0, fmt.Errorf("invalid quota numerator %q: %w", m[1], err)
	}
	mult := int64(1)
	if m[2] != "" {
		if _, err := fmt.Sscanf(m[2], "%d", &mult); err != nil {
			return 0, 0, fmt.Errorf("invalid quota unit count %q: %w", m[2], err)
		}
	}
	var unit time.Duration
	switch m[3] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n == 0 {
		return 0, 0, nil
	}
	return n, time.Duration(mult) * unit, nil
}
