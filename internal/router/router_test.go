package router

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/keyport/gateway/internal/config"
)

func testUpstream() *config.ResolvedUpstream {
	return &config.ResolvedUpstream{
		ID:         "widgets",
		Endpoint:   "https://upstream.example.com",
		MethodList: map[string]struct{}{http.MethodGet: {}, http.MethodPost: {}},
	}
}

func TestRouteLongestPrefix(t *testing.T) {
	snap := &config.Snapshot{
		Upstreams: map[string]*config.ResolvedUpstream{
			"widgets": testUpstream(),
		},
		AliasIndex: []config.AliasEntry{
			{Prefix: "/api/widgets", UpstreamID: "widgets"},
			{Prefix: "/w", UpstreamID: "widgets"},
		},
	}
	m, err := Route(snap, "/api/widgets/items/42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.UpstreamID != "widgets" || m.Suffix != "/items/42" {
		t.Fatalf("got upstream=%q suffix=%q", m.UpstreamID, m.Suffix)
	}
}

func TestRouteNotFound(t *testing.T) {
	snap := &config.Snapshot{Upstreams: map[string]*config.ResolvedUpstream{}}
	if _, err := Route(snap, "/nope"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestCheckMethodAllowsListed(t *testing.T) {
	ru := testUpstream()
	if err := CheckMethod(ru, http.MethodGet); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckMethod(ru, http.MethodDelete); err == nil {
		t.Fatal("expected method-not-allowed error")
	}
}

func TestCheckMethodEmptyListAllowsAll(t *testing.T) {
	ru := testUpstream()
	ru.MethodList = nil
	if err := CheckMethod(ru, http.MethodDelete); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckPathFilterWhitelist(t *testing.T) {
	ru := testUpstream()
	ru.PathFilterEnabled = true
	ru.PathFilterWhitelist = true
	ru.PathFilterPatterns = []*regexp.Regexp{regexp.MustCompile(`^/items`)}

	if err := CheckPathFilter(ru, "/items/1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckPathFilter(ru, "/secret"); err == nil {
		t.Fatal("expected path-forbidden error")
	}
}

func TestCheckPathFilterBlacklistMatchAll(t *testing.T) {
	ru := testUpstream()
	ru.PathFilterEnabled = true
	ru.PathFilterWhitelist = false
	ru.PathFilterMatchAll = true

	if err := CheckPathFilter(ru, "/anything"); err == nil {
		t.Fatal("expected everything blocked by blacklist *")
	}
}

func TestAuthenticateRejectsMissingAndWrongToken(t *testing.T) {
	proxyAuth := []string{"secret-token"}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	if _, err := Authenticate(proxyAuth, req); err == nil {
		t.Fatal("expected unauthorized with no header")
	}

	req.Header.Set("Authorization", "Bearer wrong")
	if _, err := Authenticate(proxyAuth, req); err == nil {
		t.Fatal("expected unauthorized with wrong token")
	}

	req.Header.Set("Authorization", "Bearer secret-token")
	user, err := Authenticate(proxyAuth, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != "secret-token" {
		t.Fatalf("got user %q", user)
	}
}

func TestAuthenticateDisabledWhenEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	if _, err := Authenticate(nil, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClientIPPrefersRealIPHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "2.2.2.2, 3.3.3.3")
	req.Header.Set("X-Real-IP", "1.1.1.1")
	if ip := ClientIP(req); ip != "1.1.1.1" {
		t.Fatalf("got %q", ip)
	}
}

func TestClientIPFallsBackToForwardedForThenRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "2.2.2.2, 3.3.3.3")
	if ip := ClientIP(req); ip != "2.2.2.2" {
		t.Fatalf("got %q", ip)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	if ip := ClientIP(req2); ip != "10.0.0.1" {
		t.Fatalf("got %q", ip)
	}
}

func TestHandleCORSPreflight(t *testing.T) {
	cors := config.CORSConfig{Enabled: true, AllowOrigin: "https://example.com"}
	req := httptest.NewRequest(http.MethodOptions, "/api/widgets", nil)
	w := httptest.NewRecorder()

	if !HandleCORSPreflight(w, req, cors) {
		t.Fatal("expected preflight to be handled")
	}
	if w.Code != http.StatusNoContent {
		t.Fatalf("got status %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("got origin %q", got)
	}
}

func TestHandleCORSPreflightDisabledPassesThrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/widgets", nil)
	w := httptest.NewRecorder()
	if HandleCORSPreflight(w, req, config.CORSConfig{Enabled: false}) {
		t.Fatal("expected preflight not handled when CORS disabled")
	}
}
