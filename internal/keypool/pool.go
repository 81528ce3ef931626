// Package keypool generalizes a prior atomic-index balancer
// (which picked among upstream URLs) into picking a value from any named
// variable pool per request, with the key_variable pool additionally
// gated by rate-limit headroom, exclusivity, and failure cooldown
// (SPEC_FULL.md §4.2).
package keypool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy is one of the five closed load-balancing variants.
type Strategy string

const (
	RoundRobin      Strategy = "round_robin"
	Random          Strategy = "random"
	LeastRequests   Strategy = "least_requests"
	FastestResponse Strategy = "fastest_response"
	Weighted        Strategy = "weighted"
)

// KeyState is the per-credential-value runtime state backing
// least_requests/fastest_response selection and failure cooldown.
type KeyState struct {
	Value string

	inFlight      int64
	lastUsedNanos int64
	smoothedRTNs  int64 // exponentially smoothed response time, nanoseconds
	requestCount  int64
	cooldownUntil int64 // unix nanos; 0 means not cooling down
}

func newKeyState(value string) *KeyState {
	return &KeyState{Value: value}
}

// InFlight returns the current observed parallelism for this key.
func (k *KeyState) InFlight() int64 { return atomic.LoadInt64(&k.inFlight) }

// SmoothedResponseTime returns the EWMA response time for this key.
func (k *KeyState) SmoothedResponseTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&k.smoothedRTNs))
}

func (k *KeyState) inCooldown(now time.Time) bool {
	until := atomic.LoadInt64(&k.cooldownUntil)
	return until != 0 && now.UnixNano() < until
}

// Cooldown marks the key as unavailable for the given duration (used by
// key_rotation retry mode after a failure, SPEC_FULL.md §4.7).
func (k *KeyState) Cooldown(d time.Duration) {
	atomic.StoreInt64(&k.cooldownUntil, time.Now().Add(d).UnixNano())
}

// Acquire marks the start of a request bound to this key; the returned
// func must be called exactly once on completion with the observed
// latency to release in-flight accounting and update the EWMA.
func (k *KeyState) Acquire() func(elapsed time.Duration) {
	atomic.AddInt64(&k.inFlight, 1)
	atomic.StoreInt64(&k.lastUsedNanos, time.Now().UnixNano())
	atomic.AddInt64(&k.requestCount, 1)
	return func(elapsed time.Duration) {
		atomic.AddInt64(&k.inFlight, -1)
		for {
			old := atomic.LoadInt64(&k.smoothedRTNs)
			var next int64
			if old == 0 {
				next = int64(elapsed)
			} else {
				// EWMA with alpha=0.2, matching common reverse-proxy latency
				// smoothing (same shape a prior health checker
				// implicitly assumes for "fastest" semantics).
				next = old - old/5 + int64(elapsed)/5
			}
			if atomic.CompareAndSwapInt64(&k.smoothedRTNs, old, next) {
				return
			}
		}
	}
}

// Pool holds one named variable's value vector, its per-strategy cursor,
// and (for the key variable only) a KeyState per value.
type Pool struct {
	name     string
	strategy Strategy
	values   []string
	weights  []float64

	mu        sync.Mutex
	states    map[string]*KeyState // populated only for the key_variable pool
	nextIndex uint64
}

// NewPool builds a pool for a variable; isKeyPool enables KeyState tracking.
func NewPool(name string, strategy Strategy, values []string, weights []float64, isKeyPool bool) *Pool {
	p := &Pool{name: name, strategy: strategy, values: values, weights: weights}
	if isKeyPool {
		p.states = make(map[string]*KeyState, len(values))
		for _, v := range values {
			p.states[v] = newKeyState(v)
		}
	}
	return p
}

// Values returns the pool's configured values.
func (p *Pool) Values() []string { return p.values }

// State returns the KeyState for a value in a key pool, or nil if this
// pool does not track key state.
func (p *Pool) State(value string) *KeyState {
	if p.states == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[value]
}

// Eligible reports whether a value may be selected right now: not in
// cooldown, and (if exclusive) not already in flight. Non-key pools are
// always eligible.
func (p *Pool) eligible(value string, exclusive bool, now time.Time) bool {
	st := p.states[value]
	if st == nil {
		return true
	}
	if st.inCooldown(now) {
		return false
	}
	if exclusive && st.InFlight() > 0 {
		return false
	}
	return true
}

// Pick selects one value using the pool's strategy, honoring exclusivity
// for key pools. eligibleExtra, if non-nil, is consulted for additional
// scope-specific eligibility (e.g. rate-limit headroom) and must return
// true for the value to be selectable. Returns ok=false if no value is
// eligible (caller should treat this as "deferred").
func (p *Pool) Pick(exclusive bool, eligibleExtra func(value string) bool) (string, bool) {
	if len(p.values) == 0 {
		return "", false
	}
	now := time.Now()
	var candidates []int
	for i, v := range p.values {
		if !p.eligible(v, exclusive, now) {
			continue
		}
		if eligibleExtra != nil && !eligibleExtra(v) {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return "", false
	}

	switch p.strategy {
	case Random:
		return p.values[candidates[rand.Intn(len(candidates))]], true

	case Weighted:
		return p.pickWeighted(candidates), true

	case LeastRequests:
		return p.pickByState(candidates, func(a, b *KeyState) bool {
			if a.InFlight() != b.InFlight() {
				return a.InFlight() < b.InFlight()
			}
			return atomic.LoadInt64(&a.lastUsedNanos) < atomic.LoadInt64(&b.lastUsedNanos)
		}), true

	case FastestResponse:
		return p.pickByState(candidates, func(a, b *KeyState) bool {
			as, bs := a.SmoothedResponseTime(), b.SmoothedResponseTime()
			if as == 0 && bs == 0 {
				return a.InFlight() < b.InFlight()
			}
			if as == 0 {
				return false
			}
			if bs == 0 {
				return true
			}
			return as < bs
		}), true

	default: // RoundRobin and unknown fall back to round robin
		idx := int(atomic.AddUint64(&p.nextIndex, 1)-1) % len(candidates)
		return p.values[candidates[idx]], true
	}
}

func (p *Pool) pickByState(candidates []int, less func(a, b *KeyState) bool) string {
	best := candidates[0]
	bestState := p.states[p.values[best]]
	for _, i := range candidates[1:] {
		st := p.states[p.values[i]]
		if bestState == nil || (st != nil && less(st, bestState)) {
			best, bestState = i, st
		}
	}
	return p.values[best]
}

func (p *Pool) pickWeighted(candidates []int) string {
	total := 0.0
	for _, i := range candidates {
		if i < len(p.weights) {
			total += p.weights[i]
		}
	}
	if total <= 0 {
		return p.values[candidates[rand.Intn(len(candidates))]]
	}
	r := rand.Float64() * total
	for _, i := range candidates {
		w := 0.0
		if i < len(p.weights) {
			w = p.weights[i]
		}
		if r < w {
			return p.values[i]
		}
		r -= w
	}
	return p.values[candidates[len(candidates)-1]]
}
