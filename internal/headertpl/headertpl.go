// Package headertpl resolves "${{var}}" tokens in an upstream's
// configured header templates against the request's bound variables, and
// applies the hop-by-hop/Cloudflare header suppression rules of
// SPEC_FULL.md §4.3. It generalizes a prior hopHeaders list
// (internal/proxy/cache.go and headers.go) which only ever stripped
// headers on the way out, never templated values in.
package headertpl

import (
	"net/http"
	"regexp"
	"strings"
)

var token = regexp.MustCompile(`\$\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Resolve substitutes every ${{name}} token in tpl with bindings[name]'s
// stringified value. An unresolved token is reported via ok=false so the
// caller can raise a KindConfiguration error per invariant 5 (template
// totality) rather than leak the literal token to the upstream.
func Resolve(tpl string, bindings map[string]string) (resolved string, ok bool) {
	ok = true
	out := token.ReplaceAllStringFunc(tpl, func(m string) string {
		sub := token.FindStringSubmatch(m)
		name := sub[1]
		v, found := bindings[name]
		if !found {
			ok = false
			return m
		}
		return v
	})
	return out, ok
}

// hopByHop lists headers that must never be forwarded end-to-end,
// matching a prior hopHeaders list.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
}

// cloudflareExact lists Cloudflare-injected inbound headers stripped by
// exact name; Suppressed also strips every "cf-" prefixed header.
var cloudflareExact = map[string]struct{}{
	"Cdn-Loop":        {},
	"True-Client-Ip":  {},
}

// Suppressed reports whether header h must be stripped before forwarding.
func Suppressed(h string) bool {
	canon := http.CanonicalHeaderKey(h)
	if _, ok := hopByHop[canon]; ok {
		return true
	}
	if _, ok := cloudflareExact[canon]; ok {
		return true
	}
	if strings.HasPrefix(strings.ToLower(h), "cf-") {
		return true
	}
	return false
}

// BuildOutboundHeaders copies client headers (minus suppressed ones),
// and overlays the resolved template headers (which win on name collision).
// It does not set Host; executor.BuildRequest targets the upstream URL and
// sets the request's Host from it. The inbound Authorization is
// dropped automatically when the template defines its own Authorization,
// since the overlay step above replaces it outright.
func BuildOutboundHeaders(client http.Header, templates map[string]string, bindings map[string]string) (http.Header, []string, error) {
	out := make(http.Header, len(client)+len(templates))
	for k, vs := range client {
		if Suppressed(k) {
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}

	var unresolved []string
	for name, tpl := range templates {
		resolved, ok := Resolve(tpl, bindings)
		if !ok {
			unresolved = append(unresolved, name)
			continue
		}
		out.Set(name, resolved)
	}
	return out, unresolved, nil
}
