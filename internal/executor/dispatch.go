package executor

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// BuildRequest constructs the outbound request for one attempt. base is
// the upstream's endpoint URL, suffix/rawQuery come from the router's
// match, headers have already been resolved by internal/headertpl, and
// body is re-obtained per attempt (bodyFactory) so retries resend the
// original payload even after a prior attempt partially read it.
func BuildRequest(ctx context.Context, method, base, suffix, rawQuery string, headers http.Header, bodyFactory func() (io.ReadCloser, int64, error)) (*http.Request, error) {
	full := joinURL(base, suffix)
	u, err := url.Parse(full)
	if err != nil {
		return nil, err
	}
	if rawQuery != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + rawQuery
		} else {
			u.RawQuery = rawQuery
		}
	}

	var body io.ReadCloser
	var contentLength int64 = -1
	if bodyFactory != nil {
		body, contentLength, err = bodyFactory()
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	req.Host = u.Host
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}
	return req, nil
}

// joinURL mirrors the prior singleJoiningSlash helper:
// exactly one slash between base and suffix, regardless of how each is
// terminated/prefixed.
func joinURL(base, suffix string) string {
	aSlash := strings.HasSuffix(base, "/")
	bSlash := strings.HasPrefix(suffix, "/")
	switch {
	case aSlash && bSlash:
		return base + suffix[1:]
	case !aSlash && !bSlash && suffix != "":
		return base + "/" + suffix
	default:
		return base + suffix
	}
}

// Send performs a single RoundTrip. It does not read or stream the
// response body; callers must either StreamResponse it or Close it.
func Send(client *http.Client, req *http.Request) (*http.Response, error) {
	return client.Do(req)
}
