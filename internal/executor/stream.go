package executor

import (
	"io"
	"net/http"

	"github.com/keyport/gateway/internal/headertpl"
)

// copyBufSize matches prior transport defaults; large enough to
// amortize syscalls, small enough to keep backpressure responsive.
const copyBufSize = 32 * 1024

// StreamResponse copies resp's status, headers (minus hop-by-hop, filtered
// here via headertpl.Suppressed since the upstream response is never run
// through BuildOutboundHeaders), and body to w, flushing after every chunk
// when w supports http.Flusher. This replaces a prior
// io.ReadAll(upstreamResp.Body) full-buffering approach in
// internal/proxy/proxy.go's serveUpstream with true streaming, preserving
// whatever Content-Encoding the upstream set (no transparent decompress).
func StreamResponse(w http.ResponseWriter, resp *http.Response) (int64, error) {
	dst := w.Header()
	for k, vs := range resp.Header {
		if headertpl.Suppressed(k) {
			continue
		}
		dst[k] = vs
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, copyBufSize)
	var written int64
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// CopyRequestBody streams src into dst without fully buffering, used when
// the request body does not need rewriting.
func CopyRequestBody(dst io.Writer, src io.Reader) (int64, error) {
	return io.CopyBuffer(dst, src, make([]byte, copyBufSize))
}
