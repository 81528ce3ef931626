// Package router resolves an inbound request to an upstream and enforces
// the method/path/auth/CORS gates of SPEC_FULL.md §4.1, generalizing the
// teacher's ServeHTTP dispatch (internal/proxy/proxy.go) and
// SetAllowedMethods/listAllowedMethods (internal/proxy/headers.go) from a
// single fixed target to the multi-upstream prefix/alias table.
package router

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/keyport/gateway/internal/config"
	"github.com/keyport/gateway/internal/gatewayerr"
)

// Match is the result of resolving one inbound request.
type Match struct {
	UpstreamID string
	Suffix     string
	Upstream   *config.ResolvedUpstream
}

// Route resolves path to an upstream using the snapshot's longest-prefix
// alias index. Returns KindNotFound if nothing matches.
func Route(snap *config.Snapshot, path string) (*Match, *gatewayerr.Error) {
	id, suffix, ok := snap.MatchUpstream(path)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "no upstream matches "+path)
	}
	ru := snap.Upstreams[id]
	return &Match{UpstreamID: id, Suffix: suffix, Upstream: ru}, nil
}

// CheckMethod enforces the upstream's method allowlist (empty = all
// methods allowed).
func CheckMethod(ru *config.ResolvedUpstream, method string) *gatewayerr.Error {
	if len(ru.MethodList) == 0 {
		return nil
	}
	if _, ok := ru.MethodList[method]; !ok {
		return gatewayerr.New(gatewayerr.KindMethodNotAllowed, "method "+method+" not allowed")
	}
	return nil
}

// CheckPathFilter applies the upstream's whitelist/blacklist regex filter
// to suffix. The bare "*" pattern (normalized to PathFilterMatchAll at
// validation) always matches everything regardless of mode.
func CheckPathFilter(ru *config.ResolvedUpstream, suffix string) *gatewayerr.Error {
	if !ru.PathFilterEnabled {
		return nil
	}
	if ru.PathFilterMatchAll {
		if ru.PathFilterWhitelist {
			return nil
		}
		return gatewayerr.New(gatewayerr.KindPathForbidden, "path blocked by blacklist *")
	}
	matched := false
	for _, re := range ru.PathFilterPatterns {
		if re.MatchString(suffix) {
			matched = true
			break
		}
	}
	if ru.PathFilterWhitelist && !matched {
		return gatewayerr.New(gatewayerr.KindPathForbidden, "path not in whitelist")
	}
	if !ru.PathFilterWhitelist && matched {
		return gatewayerr.New(gatewayerr.KindPathForbidden, "path in blacklist")
	}
	return nil
}

// Authenticate validates the inbound bearer credential against the
// configured proxy-auth list (empty list disables auth) using a
// constant-time comparison, and returns the matched proxy-user identity.
func Authenticate(proxyAuth []string, r *http.Request) (user string, gerr *gatewayerr.Error) {
	if len(proxyAuth) == 0 {
		return "", nil
	}
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", gatewayerr.New(gatewayerr.KindUnauthorized, "missing bearer credential")
	}
	token := strings.TrimPrefix(authz, prefix)
	for _, candidate := range proxyAuth {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return token, nil
		}
	}
	return "", gatewayerr.New(gatewayerr.KindUnauthorized, "bearer credential not recognized")
}

// ClientIP resolves the caller's address per SPEC_FULL.md §6: prefer
// X-Real-IP, else the first X-Forwarded-For entry, else the socket peer.
func ClientIP(r *http.Request) string {
	if v := r.Header.Get("X-Real-IP"); v != "" {
		return v
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i != -1 {
		host = host[:i]
	}
	return host
}

// HandleCORSPreflight answers an OPTIONS request directly when CORS is
// enabled, returning true if it fully handled the request.
func HandleCORSPreflight(w http.ResponseWriter, r *http.Request, cors config.CORSConfig) bool {
	if r.Method != http.MethodOptions || !cors.Enabled {
		return false
	}
	origin := cors.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	if len(cors.AllowMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cors.AllowMethods, ", "))
	}
	if len(cors.AllowHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cors.AllowHeaders, ", "))
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}

// ApplyCORSHeaders adds the configured CORS headers to a normal (non
// preflight) proxied response.
func ApplyCORSHeaders(w http.ResponseWriter, cors config.CORSConfig) {
	if !cors.Enabled {
		return
	}
	origin := cors.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
}
