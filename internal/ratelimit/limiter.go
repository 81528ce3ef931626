package ratelimit

import (
	"sync"
	"time"

	"github.com/keyport/gateway/internal/config"
)

// Scope identifies which dimension a window guards.
type Scope string

const (
	ScopeEndpoint Scope = "endpoint"
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeKey      Scope = "key"
)

// scopedLimiter allocates one Window per distinct identifier within a
// single scope, sharing one quota (limit, window duration) across all of
// them.
type scopedLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	byID  map[string]*Window
}

func newScopedLimiter(quota string) (*scopedLimiter, error) {
	limit, window, err := config.ParseQuota(quota)
	if err != nil {
		return nil, err
	}
	return &scopedLimiter{limit: limit, window: window, byID: make(map[string]*Window)}, nil
}

func (s *scopedLimiter) windowFor(id string) *Window {
	if s.limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.byID[id]
	if !ok {
		w = NewWindow(s.limit, s.window)
		s.byID[id] = w
	}
	return w
}

// Allow admits a request against this scope's window for id. Unlimited
// quotas (limit<=0) always admit.
func (s *scopedLimiter) Allow(id string, now time.Time) bool {
	w := s.windowFor(id)
	if w == nil {
		return true
	}
	return w.Allow(now)
}

// Headroom reports remaining slots and earliest retry time for id.
func (s *scopedLimiter) Headroom(id string, now time.Time) (int, time.Time) {
	w := s.windowFor(id)
	if w == nil {
		return 1 << 30, now
	}
	return w.Headroom(now)
}

// UpstreamLimiter bundles the endpoint/ip/user/key scoped limiters for one
// upstream, built once per ResolvedUpstream.
type UpstreamLimiter struct {
	Endpoint *scopedLimiter
	IP       *scopedLimiter
	User     *scopedLimiter
	Key      *scopedLimiter
}

// NewUpstreamLimiter builds the four scoped limiters for an upstream's
// rate-limit configuration.
func NewUpstreamLimiter(rl config.RateLimits) (*UpstreamLimiter, error) {
	ep, err := newScopedLimiter(rl.Endpoint)
	if err != nil {
		return nil, err
	}
	ip, err := newScopedLimiter(rl.IP)
	if err != nil {
		return nil, err
	}
	user, err := newScopedLimiter(rl.User)
	if err != nil {
		return nil, err
	}
	key, err := newScopedLimiter(rl.Key)
	if err != nil {
		return nil, err
	}
	return &UpstreamLimiter{Endpoint: ep, IP: ip, User: user, Key: key}, nil
}

// AllowEndpoint checks the single endpoint-wide window (identifier is the
// upstream id itself, so callers may pass any constant string).
func (u *UpstreamLimiter) AllowEndpoint(upstreamID string, now time.Time) bool {
	return u.Endpoint.Allow(upstreamID, now)
}

// AllowIP checks the per-client-IP window.
func (u *UpstreamLimiter) AllowIP(ip string, now time.Time) bool {
	return u.IP.Allow(ip, now)
}

// AllowUser checks the per-proxy-user window.
func (u *UpstreamLimiter) AllowUser(user string, now time.Time) bool {
	return u.User.Allow(user, now)
}

// KeyHeadroom reports whether the given key value currently has headroom
// in the key-scope window, without consuming a slot (consumption happens
// at dispatch, once a key is actually chosen and used, via AllowKey).
func (u *UpstreamLimiter) KeyHeadroom(key string, now time.Time) bool {
	remaining, _ := u.Key.Headroom(key, now)
	return remaining > 0
}

// AllowKey consumes one slot in the key-scope window for the given key.
func (u *UpstreamLimiter) AllowKey(key string, now time.Time) bool {
	return u.Key.Allow(key, now)
}

// EarliestRetry returns the earliest of the given candidate times, or now
// when no candidates are given.
func EarliestRetry(now time.Time, candidates ...time.Time) time.Time {
	earliest := now.Add(time.Hour)
	found := false
	for _, c := range candidates {
		if !found || c.Before(earliest) {
			earliest = c
			found = true
		}
	}
	if !found {
		return now
	}
	return earliest
}
