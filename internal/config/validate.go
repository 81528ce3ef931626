package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ResolvedUpstream is one upstream's fully-merged, validated configuration:
// every default_settings field has been folded in, every regex compiled,
// every quota parsed. The gateway's runtime components consult only
// ResolvedUpstream, never the raw APIConfig/UpstreamDefaults pair.
type ResolvedUpstream struct {
	ID                    string
	Name                  string
	Endpoint              string
	Aliases               []string
	Variables             map[string][]string
	Weights               map[string][]float64
	KeyVariable           string
	LBStrategy            string
	Headers               map[string]string
	KeyConcurrency        bool
	RandomnessSeconds     float64
	MethodList            map[string]struct{} // empty means "all methods"
	PathFilterEnabled     bool
	PathFilterWhitelist   bool
	PathFilterPatterns    []*regexp.Regexp
	PathFilterMatchAll    bool
	RateLimitPaths        []*regexp.Regexp
	RateLimits            RateLimits
	Queue                 QueueConfig
	Retry                 RetryConfig
	RequestTimeoutSeconds float64
	CORS                  CORSConfig
	OutboundProxy         string
	BodySubstitution      BodySubstitution
}

// Snapshot is one immutable, validated configuration generation.
type Snapshot struct {
	Server    ServerConfig
	Upstreams map[string]*ResolvedUpstream
	// AliasIndex maps every alias prefix (and the canonical "/api/<id>")
	// to the owning upstream id, longest-prefix first.
	AliasIndex []AliasEntry
}

// AliasEntry is one routable prefix and the upstream it resolves to.
type AliasEntry struct {
	Prefix     string
	UpstreamID string
}

var validLBStrategies = map[string]struct{}{
	"round_robin": {}, "random": {}, "least_requests": {}, "fastest_response": {}, "weighted": {},
}

var validRetryModes = map[string]struct{}{
	"default": {}, "backoff": {}, "key_rotation": {},
}

var validHTTPMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "DELETE": {}, "PATCH": {}, "OPTIONS": {}, "HEAD": {},
}

// Validate builds a Snapshot from Config, or returns the first validation
// error encountered. An invalid snapshot must never replace a running one
// (see Manager.Reload).
func Validate(cfg *Config) (*Snapshot, error) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthzPath == "" {
		cfg.Server.HealthzPath = "/healthz"
	}
	if cfg.Server.Log.Level == "" {
		cfg.Server.Log.Level = "info"
	}

	snap := &Snapshot{Server: cfg.Server, Upstreams: map[string]*ResolvedUpstream{}}

	for id, api := range cfg.APIs {
		ru, err := resolveUpstream(id, api, cfg.DefaultSettings)
		if err != nil {
			return nil, fmt.Errorf("api %q: %w", id, err)
		}
		snap.Upstreams[id] = ru
	}

	snap.AliasIndex = buildAliasIndex(snap.Upstreams)
	return snap, nil
}

func resolveUpstream(id string, api APIConfig, def UpstreamDefaults) (*ResolvedUpstream, error) {
	if api.Endpoint == "" {
		return nil, fmt.Errorf("endpoint must not be empty")
	}
	if len(api.Headers) == 0 {
		return nil, fmt.Errorf("headers must not be empty")
	}
	if len(api.Variables) == 0 {
		return nil, fmt.Errorf("at least one variable is required")
	}
	if api.KeyVariable == "" {
		return nil, fmt.Errorf("key_variable must be set")
	}
	if _, ok := api.Variables[api.KeyVariable]; !ok {
		return nil, fmt.Errorf("key_variable %q does not refer to a declared variable", api.KeyVariable)
	}

	lb := api.LBStrategy
	if lb == "" {
		lb = def.LBStrategy
	}
	if lb == "" {
		lb = "round_robin"
	}
	if _, ok := validLBStrategies[lb]; !ok {
		return nil, fmt.Errorf("unknown lb_strategy %q", lb)
	}
	if lb == "weighted" {
		w, ok := api.Weights[api.KeyVariable]
		if !ok || len(w) != len(api.Variables[api.KeyVariable]) {
			return nil, fmt.Errorf("weighted strategy requires a weights entry for %q of equal length to its variable", api.KeyVariable)
		}
	}

	keyConcurrency := def.KeyConcurrency
	if api.KeyConcurrency != nil {
		keyConcurrency = *api.KeyConcurrency
	}

	randomness := def.RandomnessSeconds
	if api.RandomnessSeconds != nil {
		randomness = *api.RandomnessSeconds
	}

	methods := api.MethodList
	if len(methods) == 0 {
		methods = def.MethodList
	}
	methodSet := map[string]struct{}{}
	for _, m := range methods {
		if _, ok := validHTTPMethods[strings.ToUpper(m)]; !ok {
			return nil, fmt.Errorf("unknown HTTP method %q in method_list", m)
		}
		methodSet[m] = struct{}{}
	}

	rl := def.RateLimits
	if api.RateLimits != nil {
		rl = *api.RateLimits
	}
	if _, _, err := ParseQuota(rl.Endpoint); err != nil {
		return nil, err
	}
	if _, _, err := ParseQuota(rl.IP); err != nil {
		return nil, err
	}
	if _, _, err := ParseQuota(rl.User); err != nil {
		return nil, err
	}
	if _, _, err := ParseQuota(rl.Key); err != nil {
		return nil, err
	}

	q := def.Queue
	if api.Queue != nil {
		q = *api.Queue
	}
	if q.MaxSize <= 0 {
		q.MaxSize = 100
	}
	if q.MaxWorkers <= 0 {
		q.MaxWorkers = 10
	}
	if q.ExpirySeconds <= 0 {
		q.ExpirySeconds = 30
	}

	retry := def.Retry
	if api.Retry != nil {
		retry = *api.Retry
	}
	if retry.Mode == "" {
		retry.Mode = "default"
	}
	if _, ok := validRetryModes[retry.Mode]; !ok {
		return nil, fmt.Errorf("unknown retry mode %q", retry.Mode)
	}
	if retry.Attempts < 0 {
		return nil, fmt.Errorf("retry attempts must be >= 0")
	}
	if retry.RetryAfterSeconds <= 0 {
		retry.RetryAfterSeconds = 1
	}

	timeout := def.RequestTimeoutSeconds
	if api.RequestTimeoutSeconds != nil {
		timeout = *api.RequestTimeoutSeconds
	}
	if timeout <= 0 {
		timeout = 30
	}

	cors := def.CORS
	if api.CORS != nil {
		cors = *api.CORS
	}

	rlPaths := api.RateLimitPaths
	if len(rlPaths) == 0 {
		rlPaths = def.RateLimitPaths
	}
	if len(rlPaths) == 0 {
		rlPaths = []string{"*"}
	}
	rlPatterns, err := compilePatterns(rlPaths)
	if err != nil {
		return nil, fmt.Errorf("rate_limit_paths: %w", err)
	}

	pf := api.PathFilter
	var pfPatterns []*regexp.Regexp
	matchAll := false
	if pf.Enabled {
		if pf.Mode != "whitelist" && pf.Mode != "blacklist" {
			return nil, fmt.Errorf("path_filter.mode must be whitelist or blacklist")
		}
		for _, p := range pf.Patterns {
			if p == "*" {
				matchAll = true
				continue
			}
		}
		pfPatterns, err = compilePatterns(pf.Patterns)
		if err != nil {
			return nil, fmt.Errorf("path_filter.patterns: %w", err)
		}
	}

	for _, rule := range api.RequestBodySubstitution.Rules {
		if rule.Operation != "set" && rule.Operation != "remove" {
			return nil, fmt.Errorf("rewrite rule %q: operation must be set or remove", rule.Name)
		}
		if rule.Path == "" {
			return nil, fmt.Errorf("rewrite rule %q: path must not be empty", rule.Name)
		}
	}

	return &ResolvedUpstream{
		ID:                    id,
		Name:                  api.Name,
		Endpoint:              api.Endpoint,
		Aliases:               api.Aliases,
		Variables:             api.Variables,
		Weights:               api.Weights,
		KeyVariable:           api.KeyVariable,
		LBStrategy:            lb,
		Headers:               api.Headers,
		KeyConcurrency:        keyConcurrency,
		RandomnessSeconds:     randomness,
		MethodList:            methodSet,
		PathFilterEnabled:     pf.Enabled,
		PathFilterWhitelist:   pf.Mode == "whitelist",
		PathFilterPatterns:    pfPatterns,
		PathFilterMatchAll:    matchAll,
		RateLimitPaths:        rlPatterns,
		RateLimits:            rl,
		Queue:                 q,
		Retry:                 retry,
		RequestTimeoutSeconds: timeout,
		CORS:                  cors,
		OutboundProxy:         api.OutboundProxy,
		BodySubstitution:      api.RequestBodySubstitution,
	}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "*" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// buildAliasIndex produces the router's longest-prefix match table: every
// upstream is reachable at "/api/<id>" and, for each configured alias, both
// "/api/<alias>" and "/<alias>" (SPEC_FULL.md §4.1). An alias may be
// written with or without its leading slash.
func buildAliasIndex(upstreams map[string]*ResolvedUpstream) []AliasEntry {
	var entries []AliasEntry
	for id, ru := range upstreams {
		entries = append(entries, AliasEntry{Prefix: "/api/" + id, UpstreamID: id})
		for _, alias := range ru.Aliases {
			alias = strings.TrimPrefix(alias, "/")
			entries = append(entries, AliasEntry{Prefix: "/api/" + alias, UpstreamID: id})
			entries = append(entries, AliasEntry{Prefix: "/" + alias, UpstreamID: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return len(entries[i].Prefix) > len(entries[j].Prefix) })
	return entries
}

// MatchUpstream returns the upstream id and path suffix for a request path,
// using longest-prefix match over the alias index.
func (s *Snapshot) MatchUpstream(path string) (upstreamID, suffix string, ok bool) {
	for _, e := range s.AliasIndex {
		if path == e.Prefix {
			return e.UpstreamID, "", true
		}
		if len(path) > len(e.Prefix) && path[:len(e.Prefix)] == e.Prefix && path[len(e.Prefix)] == '/' {
			return e.UpstreamID, path[len(e.Prefix):], true
		}
	}
	return "", "", false
}
