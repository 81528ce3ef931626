package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keyport/gateway/internal/config"
)

func testSnapshot(t *testing.T, endpoint string) *config.Snapshot {
	t.Helper()
	ru := &config.ResolvedUpstream{
		ID:                    "widgets",
		Endpoint:              endpoint,
		Variables:             map[string][]string{"api_key": {"key-a", "key-b"}},
		KeyVariable:           "api_key",
		LBStrategy:            "round_robin",
		Headers:               map[string]string{"Authorization": "Bearer ${{api_key}}"},
		KeyConcurrency:        true,
		RequestTimeoutSeconds: 5,
		Queue:                 config.QueueConfig{MaxSize: 10, MaxWorkers: 4, ExpirySeconds: 2},
		Retry:                 config.RetryConfig{Mode: "default", Attempts: 0, RetryAfterSeconds: 1},
	}
	return &config.Snapshot{
		Server: config.ServerConfig{Listen: ":0"},
		Upstreams: map[string]*config.ResolvedUpstream{
			"widgets": ru,
		},
		AliasIndex: []config.AliasEntry{
			{Prefix: "/api/widgets", UpstreamID: "widgets"},
		},
	}
}

func TestGatewayProxiesAndTemplatesHeaders(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	snap := testSnapshot(t, upstream.URL)
	gw, err := New(snap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets/items", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("got status %d body %q", w.Code, w.Body.String())
	}
	if gotAuth != "Bearer key-a" && gotAuth != "Bearer key-b" {
		t.Fatalf("unexpected Authorization header %q", gotAuth)
	}
}

func TestGatewayReturnsNotFoundForUnknownPath(t *testing.T) {
	snap := testSnapshot(t, "http://127.0.0.1:1")
	gw, err := New(snap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestGatewayEnforcesMethodAllowlist(t *testing.T) {
	snap := testSnapshot(t, "http://127.0.0.1:1")
	snap.Upstreams["widgets"].MethodList = map[string]struct{}{http.MethodGet: {}}
	gw, err := New(snap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := httptest.NewRequest(http.MethodDelete, "/api/widgets/items", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d", w.Code)
	}
}

func TestGatewayRoundRobinsAcrossKeys(t *testing.T) {
	seen := map[string]bool{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Header.Get("Authorization")] = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	snap := testSnapshot(t, upstream.URL)
	gw, err := New(snap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/widgets/items", nil)
		w := httptest.NewRecorder()
		gw.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got status %d", i, w.Code)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("expected both keys to be used, saw %v", seen)
	}
}

// TestGatewayKeyRotationDefersWhenNoKeyEligible guards against a
// key_rotation retry silently resending on the same key it just put into
// cooldown when no other key is eligible to take its place: with only one
// key configured, a 429 must not be retried against that same cooling-down
// key.
func TestGatewayKeyRotationDefersWhenNoKeyEligible(t *testing.T) {
	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	snap := testSnapshot(t, upstream.URL)
	ru := snap.Upstreams["widgets"]
	ru.Variables = map[string][]string{"api_key": {"only-key"}}
	ru.KeyConcurrency = false // exclusive: the single key is unavailable to itself mid-request
	ru.Queue = config.QueueConfig{MaxSize: 10, MaxWorkers: 4, ExpirySeconds: 0}
	ru.Retry = config.RetryConfig{
		Mode:                "key_rotation",
		Attempts:            1,
		RetryAfterSeconds:   0.01,
		RetryStatusCodes:    []int{http.StatusTooManyRequests},
		RetryRequestMethods: []string{http.MethodGet},
	}

	gw, err := New(snap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets/items", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		t.Fatalf("expected a non-success status when rotation has no eligible key, got 200")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call (no resend on the stale cooling-down key), got %d", calls)
	}
}

func TestGatewayCloseAllDrains(t *testing.T) {
	snap := testSnapshot(t, "http://127.0.0.1:1")
	gw, err := New(snap)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		gw.CloseAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CloseAll did not return")
	}
}
