// Package gateway composes the router, rate limiter, key pool, admission
// queue, executor, rewriter, and header templater into the single
// http.Handler that serves proxied traffic. It replaces the prior
// ReverseProxy struct and ServeHTTP/serveUpstream pair
// (internal/proxy/proxy.go) with the multi-upstream pipeline of
// SPEC_FULL.md §2-§7: route -> auth -> rate-limit -> key-select ->
// admit-or-dispatch -> retry/rotate -> stream -> record.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keyport/gateway/internal/admission"
	"github.com/keyport/gateway/internal/applog"
	"github.com/keyport/gateway/internal/config"
	"github.com/keyport/gateway/internal/executor"
	"github.com/keyport/gateway/internal/gatewayerr"
	"github.com/keyport/gateway/internal/headertpl"
	"github.com/keyport/gateway/internal/keypool"
	"github.com/keyport/gateway/internal/metrics"
	"github.com/keyport/gateway/internal/ratelimit"
	"github.com/keyport/gateway/internal/rewrite"
	"github.com/keyport/gateway/internal/router"
)

// Gateway is the multi-upstream reverse proxy core. One Gateway serves
// every configured upstream. Rewrite engines and outbound clients live in
// maps rebuilt on every config reload and swapped, together with the
// snapshot, under a single RWMutex; key pools, limiters and queues live in
// their own managers and are replaced there one upstream at a time.
type Gateway struct {
	mu        sync.RWMutex
	snap      *config.Snapshot
	keys      *keypool.Manager
	limits    *ratelimit.Manager
	queues    *admission.Manager
	rewriters map[string]*rewrite.Engine
	clients   map[string]*http.Client
}

// New builds a Gateway from the first configuration snapshot.
func New(snap *config.Snapshot) (*Gateway, error) {
	g := &Gateway{
		keys:   keypool.NewManager(),
		limits: ratelimit.NewManager(),
		queues: admission.NewManager(),
	}
	if err := g.Reconfigure(snap); err != nil {
		return nil, err
	}
	return g, nil
}

// Reconfigure rebuilds every per-upstream component for a new snapshot.
// Key pools, limiters and queues are installed in their managers upstream
// by upstream as they are built; the snapshot, rewrite engines and clients
// are then swapped together under g.mu. Queues are replaced (old ones drained and
// closed in the background) rather than mutated in place, since max_size
// and max_workers cannot be resized on a live channel-backed queue.
func (g *Gateway) Reconfigure(snap *config.Snapshot) error {
	rewriters := make(map[string]*rewrite.Engine, len(snap.Upstreams))
	clients := make(map[string]*http.Client, len(snap.Upstreams))

	for id, ru := range snap.Upstreams {
		eng, err := rewrite.Compile(ru.BodySubstitution.Rules)
		if err != nil {
			return err
		}
		rewriters[id] = eng

		transport, err := executor.NewTransport(ru.OutboundProxy)
		if err != nil {
			return err
		}
		clients[id] = &http.Client{
			Transport: transport,
			Timeout:   time.Duration(ru.RequestTimeoutSeconds * float64(time.Second)),
		}

		pools := keypool.NewUpstreamPools(ru.KeyVariable, keypool.Strategy(ru.LBStrategy), ru.Variables, ru.Weights)
		g.keys.Set(id, pools)

		lim, err := ratelimit.NewUpstreamLimiter(ru.RateLimits)
		if err != nil {
			return err
		}
		g.limits.Set(id, lim)
	}

	for id, ru := range snap.Upstreams {
		q := admission.New(admission.Config{
			MaxSize:       ru.Queue.MaxSize,
			MaxWorkers:    ru.Queue.MaxWorkers,
			ExpirySeconds: ru.Queue.ExpirySeconds,
			Dispatch: func(ctx context.Context) error {
				return g.dispatchErrOnly(ctx, id)
			},
		})
		g.queues.Set(id, q)
	}

	g.mu.Lock()
	g.snap = snap
	g.rewriters = rewriters
	g.clients = clients
	g.mu.Unlock()
	return nil
}

func (g *Gateway) snapshot() *config.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

func (g *Gateway) rewriterFor(id string) *rewrite.Engine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rewriters[id]
}

func (g *Gateway) clientFor(id string) *http.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[id]
}

// CloseAll drains and closes every upstream's admission queue, used during
// graceful shutdown (SPEC_FULL.md §5).
func (g *Gateway) CloseAll() {
	g.queues.CloseAll()
}

// pendingRequest carries everything dispatch needs that the admission
// queue's narrow Dispatch signature (context only) cannot: the original
// ResponseWriter/Request pair. Correctness relies on the queue entry's
// Wait() blocking the enqueuing goroutine until the worker finishes, so
// exactly one goroutine ever touches w for a given request.
type pendingRequest struct {
	w     http.ResponseWriter
	r     *http.Request
	match *router.Match
	start time.Time
	user  string
}

type pendingCtxKey struct{}

func withPending(ctx context.Context, p *pendingRequest) context.Context {
	return context.WithValue(ctx, pendingCtxKey{}, p)
}

func pendingFrom(ctx context.Context) *pendingRequest {
	p, _ := ctx.Value(pendingCtxKey{}).(*pendingRequest)
	return p
}

// ServeHTTP implements the router -> auth -> rate-limit -> admission
// pipeline for one inbound request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := g.snapshot()

	match, gerr := router.Route(snap, r.URL.Path)
	if gerr != nil {
		g.writeError(w, r, "", gerr, start)
		return
	}
	ru := match.Upstream

	if router.HandleCORSPreflight(w, r, ru.CORS) {
		return
	}
	if gerr := router.CheckMethod(ru, r.Method); gerr != nil {
		g.writeError(w, r, ru.ID, gerr, start)
		return
	}
	if gerr := router.CheckPathFilter(ru, match.Suffix); gerr != nil {
		g.writeError(w, r, ru.ID, gerr, start)
		return
	}
	user, gerr := router.Authenticate(snap.Server.ProxyAuth, r)
	if gerr != nil {
		g.writeError(w, r, ru.ID, gerr, start)
		return
	}

	queue := g.queues.Get(ru.ID)
	if queue == nil {
		g.writeError(w, r, ru.ID, gatewayerr.New(gatewayerr.KindConfiguration, "no admission queue for upstream"), start)
		return
	}

	pending := &pendingRequest{w: w, r: r, match: match, start: start, user: user}
	entryCtx := withPending(r.Context(), pending)

	entry, err := queue.Enqueue(entryCtx)
	if err != nil {
		if ge, ok := gatewayerr.As(err); ok {
			g.writeError(w, r, ru.ID, ge, start)
			return
		}
		g.writeError(w, r, ru.ID, gatewayerr.Wrap(gatewayerr.KindConfiguration, "enqueue failed", err), start)
		return
	}
	metrics.RecordQueueHit(ru.ID)
	metrics.SetQueueDepth(ru.ID, int64(queue.Depth()))

	if werr := entry.Wait(); werr != nil {
		if ge, ok := gatewayerr.As(werr); ok {
			g.writeError(w, r, ru.ID, ge, start)
		}
	}
}

// dispatchErrOnly adapts dispatchRequest to admission.Config.Dispatch's
// context-only signature, recovering the pending ResponseWriter/Request
// stashed in ctx by ServeHTTP.
func (g *Gateway) dispatchErrOnly(ctx context.Context, upstreamID string) error {
	p := pendingFrom(ctx)
	if p == nil {
		return gatewayerr.New(gatewayerr.KindConfiguration, "admission dispatch without pending request")
	}
	return g.dispatchRequest(ctx, upstreamID, p)
}

// dispatchRequest performs admission steps 3-4 of SPEC_FULL.md §4.5: it
// selects a key (deferring with bounded re-evaluation if none is
// eligible), then hands the request to the retry-driven executor.
func (g *Gateway) dispatchRequest(ctx context.Context, upstreamID string, p *pendingRequest) error {
	snap := g.snapshot()
	ru := snap.Upstreams[upstreamID]
	if ru == nil {
		return gatewayerr.New(gatewayerr.KindConfiguration, "upstream removed during dispatch")
	}
	limiter := g.limits.Get(upstreamID)
	pools := g.keys.Get(upstreamID)
	if limiter == nil || pools == nil {
		return gatewayerr.New(gatewayerr.KindConfiguration, "upstream components missing")
	}

	clientIP := router.ClientIP(p.r)
	deadline := p.start.Add(time.Duration(ru.Queue.ExpirySeconds) * time.Second)

	if err := awaitAdmission(ctx, deadline, func(now time.Time) bool {
		if countsForRateLimit(ru, p.match.Suffix) {
			return limiter.AllowEndpoint(upstreamID, now) && limiter.AllowIP(clientIP, now) && limiter.AllowUser(p.user, now)
		}
		return true
	}); err != nil {
		metrics.RecordRateLimitHit(upstreamID)
		return err
	}

	bindings := make(map[string]string, len(ru.Variables))
	for name := range ru.Variables {
		if name == ru.KeyVariable {
			continue
		}
		if pool := pools.Pool(name); pool != nil {
			if v, ok := pool.Pick(false, nil); ok {
				bindings[name] = v
			}
		}
	}

	keyPool := pools.KeyPool()
	active := &activeKey{}

	selectKey := func(now time.Time) bool {
		v, ok := keyPool.Pick(!ru.KeyConcurrency, func(candidate string) bool {
			return limiter.KeyHeadroom(candidate, now)
		})
		if !ok {
			return false
		}
		limiter.AllowKey(v, now)
		active.set(keyPool, v)
		bindings[ru.KeyVariable] = v
		return true
	}

	if err := awaitAdmission(ctx, deadline, selectKey); err != nil {
		return err
	}

	resp, derr := g.executeWithRetry(ctx, ru, p, bindings, active, limiter, keyPool, deadline)

	elapsed := time.Since(p.start)
	finalKey := active.release()
	if finalKey != "" {
		if st := keyPool.State(finalKey); st != nil {
			metrics.RecordKeySmoothedRT(upstreamID, finalKey, st.SmoothedResponseTime())
		}
	}

	if derr != nil {
		metrics.RecordGatewayRequest(upstreamID, gatewayerr.StatusFor(derr), finalKey, elapsed)
		return derr
	}
	defer resp.Body.Close()

	router.ApplyCORSHeaders(p.w, ru.CORS)
	p.w.Header().Set("X-Request-ID", applog.RequestID(p.r))
	_, serr := executor.StreamResponse(p.w, resp)

	metrics.RecordGatewayRequest(upstreamID, resp.StatusCode, finalKey, elapsed)
	metrics.DefaultHistory().Record(metrics.HistoryEntry{
		Timestamp:  p.start,
		Upstream:   upstreamID,
		Method:     p.r.Method,
		Path:       p.r.URL.Path,
		Key:        finalKey,
		Status:     resp.StatusCode,
		DurationMS: elapsed.Milliseconds(),
	})
	applog.LogProxyRequest(applog.RequestID(p.r), p.r.Method, p.r.URL.Path, upstreamID, finalKey, resp.StatusCode, float64(elapsed.Milliseconds()))

	if serr != nil {
		applog.LogProxyError(applog.RequestID(p.r), "stream", "error streaming response body", serr)
	}
	return nil
}

// activeKey tracks the single key currently charged to this request's
// in-flight accounting, so key_rotation retries release the old key
// before acquiring the new one instead of leaking an in-flight slot.
type activeKey struct {
	mu         sync.Mutex
	key        string
	acquiredAt time.Time
	releaseFn  func(time.Duration)
}

func (a *activeKey) set(pool *keypool.Pool, key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseFn != nil {
		a.releaseFn(time.Since(a.acquiredAt))
	}
	a.key = key
	a.acquiredAt = time.Now()
	a.releaseFn = nil
	if st := pool.State(key); st != nil {
		a.releaseFn = st.Acquire()
	}
}

func (a *activeKey) current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key
}

// release finalizes accounting for the currently active key and returns
// its id; safe to call at most once per request.
func (a *activeKey) release() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseFn != nil {
		a.releaseFn(time.Since(a.acquiredAt))
		a.releaseFn = nil
	}
	return a.key
}

// countsForRateLimit reports whether suffix matches the upstream's
// rate_limit_paths patterns; unmatched paths still proxy but are excluded
// from endpoint/ip/user admission and from key-usage accumulation
// (SPEC_FULL.md §4.9 "Excluded paths").
func countsForRateLimit(ru *config.ResolvedUpstream, suffix string) bool {
	if len(ru.RateLimitPaths) == 0 {
		return true
	}
	for _, re := range ru.RateLimitPaths {
		if re.MatchString(suffix) {
			return true
		}
	}
	return false
}

// awaitAdmission polls check until it returns true, the deadline passes,
// or ctx is canceled, sleeping briefly between attempts. It implements
// the "defer and re-evaluate" behavior of SPEC_FULL.md §4.4/§4.5 without
// busy-spinning.
func awaitAdmission(ctx context.Context, deadline time.Time, check func(now time.Time) bool) error {
	const pollInterval = 20 * time.Millisecond
	for {
		now := time.Now()
		if check(now) {
			return nil
		}
		if now.After(deadline) {
			return gatewayerr.New(gatewayerr.KindQueueExpired, "admission deadline exceeded while waiting for headroom")
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return gatewayerr.New(gatewayerr.KindCanceled, "request canceled while awaiting admission")
		}
	}
}

// executeWithRetry builds the outbound request and runs it through the
// retry/key-rotation loop of SPEC_FULL.md §4.7.
func (g *Gateway) executeWithRetry(
	ctx context.Context,
	ru *config.ResolvedUpstream,
	p *pendingRequest,
	bindings map[string]string,
	active *activeKey,
	limiter *ratelimit.UpstreamLimiter,
	keyPool *keypool.Pool,
	deadline time.Time,
) (*http.Response, error) {
	client := g.clientFor(ru.ID)
	if client == nil {
		return nil, gatewayerr.New(gatewayerr.KindConfiguration, "no outbound client for upstream")
	}

	bodyFactory, berr := g.buildBodyFactory(p.r, ru)
	if berr != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindConfiguration, "body rewrite failed", berr)
	}

	policy := executor.NewPolicy(ru.Retry)

	// rotationErr is set when a key_rotation retry finds no eligible key
	// within the admission deadline; attempt then fails fast on the stale,
	// cooling-down binding instead of resending with it.
	var rotationErr *gatewayerr.Error

	onRotate := func() {
		if keyPool == nil {
			return
		}
		if st := keyPool.State(active.current()); st != nil {
			st.Cooldown(time.Duration(ru.Retry.RetryAfterSeconds * float64(time.Second)))
		}
		selectKey := func(now time.Time) bool {
			v, ok := keyPool.Pick(!ru.KeyConcurrency, func(candidate string) bool {
				return limiter.KeyHeadroom(candidate, now)
			})
			if !ok {
				return false
			}
			limiter.AllowKey(v, now)
			bindings[ru.KeyVariable] = v
			active.set(keyPool, v)
			return true
		}
		if err := awaitAdmission(ctx, deadline, selectKey); err != nil {
			if ge, ok := gatewayerr.As(err); ok {
				rotationErr = ge
			} else {
				rotationErr = gatewayerr.Wrap(gatewayerr.KindRateLimited, "key rotation failed", err)
			}
		}
	}

	attempt := func(attemptCtx context.Context, attemptNum int) (*http.Response, bool, error) {
		if attemptNum > 0 {
			metrics.RecordRetry(ru.ID)
		}
		if rotationErr != nil {
			return nil, false, rotationErr
		}
		if countsForRateLimit(ru, p.match.Suffix) {
			metrics.RecordKeyAttempt(ru.ID, active.current())
		}

		outHeaders, unresolved, _ := headertpl.BuildOutboundHeaders(p.r.Header, ru.Headers, bindings)
		if len(unresolved) > 0 {
			return nil, false, gatewayerr.New(gatewayerr.KindConfiguration, "unresolved header template variables: "+strings.Join(unresolved, ","))
		}

		req, err := executor.BuildRequest(attemptCtx, p.r.Method, ru.Endpoint, p.match.Suffix, p.r.URL.RawQuery, outHeaders, bodyFactory)
		if err != nil {
			return nil, false, err
		}

		executor.Jitter(attemptCtx, ru.RandomnessSeconds)

		resp, serr := executor.Send(client, req)
		if serr != nil {
			return nil, policy.RetryableMethod(p.r.Method), serr
		}
		if policy.RetryableStatus(p.r.Method, resp.StatusCode) {
			// The final attempt's response is returned to the client, so
			// its body stays open; earlier ones are discarded.
			if attemptNum < policy.Attempts {
				resp.Body.Close()
			}
			return resp, true, nil
		}
		return resp, false, nil
	}

	resp, err := executor.Run(ctx, policy, onRotate, attempt)
	if err != nil {
		if ge, ok := gatewayerr.As(err); ok {
			return nil, ge
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindNetworkError, "upstream request failed", err)
	}
	if resp == nil {
		return nil, gatewayerr.New(gatewayerr.KindUpstreamError, "no upstream response")
	}
	return resp, nil
}

func isJSONContentType(ct string) bool {
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(ct)), "application/json")
}

// buildBodyFactory decides whether the request body must be fully
// buffered (body rewriting is enabled, or retries may need to resend it)
// or can be streamed straight through once (SPEC_FULL.md §4.6).
func (g *Gateway) buildBodyFactory(r *http.Request, ru *config.ResolvedUpstream) (func() (io.ReadCloser, int64, error), error) {
	if r.Body == nil || r.Body == http.NoBody {
		return func() (io.ReadCloser, int64, error) { return http.NoBody, 0, nil }, nil
	}

	needsBuffer := ru.Retry.Attempts > 0 || (ru.BodySubstitution.Enabled && isJSONContentType(r.Header.Get("Content-Type")))
	if !needsBuffer {
		used := false
		return func() (io.ReadCloser, int64, error) {
			if used {
				return http.NoBody, 0, nil
			}
			used = true
			return r.Body, r.ContentLength, nil
		}, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()

	if ru.BodySubstitution.Enabled && isJSONContentType(r.Header.Get("Content-Type")) {
		if eng := g.rewriterFor(ru.ID); eng != nil {
			rewritten, rerr := eng.Apply(raw)
			if rerr != nil {
				return nil, rerr
			}
			raw = rewritten
		}
	}

	return func() (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(raw)), int64(len(raw)), nil
	}, nil
}

// writeError maps a *gatewayerr.Error to an HTTP response and records it.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, upstreamID string, gerr *gatewayerr.Error, start time.Time) {
	status := gerr.StatusCode()
	applog.LogProxyError(applog.RequestID(r), gerr.Kind.String(), gerr.Message, gerr.Cause)
	if upstreamID != "" {
		metrics.RecordGatewayRequest(upstreamID, status, "", time.Since(start))
	}
	http.Error(w, gerr.Message, status)
}
