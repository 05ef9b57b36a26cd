package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/llmlb/llmlb/internal/circuitbreaker"
	"github.com/llmlb/llmlb/internal/streaming"
	"github.com/llmlb/llmlb/types"
)

// httpDoer is the thin seam around *http.Client dispatch depends on, so
// tests can substitute a fake transport without a live upstream.
type httpDoer struct {
	http *http.Client
}

func (h *httpDoer) Do(req *http.Request) (*http.Response, error) { return h.http.Do(req) }

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {}, // recomputed by net/http from the new body
}

func copyForwardableHeaders(src, dst http.Header) {
	for k, vs := range src {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "X-Api-Key") {
			continue // the endpoint's own credential replaces the client's
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// upstreamCall issues one request to ep and returns its response. Per §4.4.5,
// any non-2xx status or transport failure counts as an inference failure;
// the error returned here carries the right types.ErrorKind so the circuit
// breaker's isClientError exemption (4xx does not trip the breaker, 5xx and
// transport failures do) lines up with that accounting.
func (d *Dispatcher) upstreamCall(ctx context.Context, ep types.Endpoint, method, path, query string, header http.Header, body []byte) (*http.Response, error) {
	upstreamURL := strings.TrimRight(ep.BaseURL, "/") + path
	if query != "" {
		upstreamURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewServerError("failed to build upstream request").WithCause(err)
	}
	copyForwardableHeaders(header, req.Header)
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	breaker := d.breakers.Get(ep.ID)
	var mu sync.Mutex
	var resp *http.Response
	callErr := breaker.Call(ctx, func() error {
		r, doErr := d.client.Do(req)
		if doErr != nil {
			return types.NewBadGatewayError("upstream is unreachable").WithCause(doErr)
		}
		mu.Lock()
		resp = r
		mu.Unlock()
		if r.StatusCode >= http.StatusBadRequest {
			return statusError(r.StatusCode)
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if resp == nil {
		if callErr == circuitbreaker.ErrCircuitOpen || callErr == circuitbreaker.ErrTooManyCallsInHalfOpen {
			return nil, types.NewServiceUnavailableError("endpoint circuit is open").WithCode("circuit_open")
		}
		return nil, callErr
	}
	return resp, callErr
}

// statusError maps an upstream HTTP status to the types.ErrorKind that makes
// it line up with isClientError's breaker exemption and with §4.4.7's
// 4xx-passthrough / 5xx-mapped-to-502 split.
func statusError(status int) *types.Error {
	switch {
	case status == http.StatusUnauthorized:
		return types.NewAuthenticationError("upstream rejected the credential")
	case status == http.StatusForbidden:
		return types.NewPermissionError("upstream denied the request")
	case status == http.StatusNotFound:
		return types.NewNotFoundError("upstream returned not found")
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return types.NewInvalidRequestError(fmt.Sprintf("upstream rejected the request with status %d", status))
	default:
		return types.NewBadGatewayError(fmt.Sprintf("upstream returned status %d", status))
	}
}

// copyStreamed relays resp.Body to w one chunk at a time, flushing after
// every write, using a ZeroCopyBuffer as the per-chunk staging area instead
// of allocating a fresh []byte per read. It returns the number of bytes
// relayed, for the audit entry's completion-token estimate.
func copyStreamed(w http.ResponseWriter, resp *http.Response) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := streaming.NewZeroCopyBuffer(32 * 1024)
	chunk := make([]byte, 32*1024)
	var total int64

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Reset()
			if _, werr := buf.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			written, werr := w.Write(buf.Bytes())
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
