package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"oidcagent/pkg/httputil"
)

// NewClient is the outbound client. Redirects are handed back to the page
// unfollowed so its own redirect policy applies.
func NewClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// outbound copies the intercepted request for the network: same method,
// end-to-end headers and body. A nil body streams the original one.
func outbound(ctx context.Context, r *http.Request, target string, header http.Header, body []byte) (*http.Request, error) {
	var rd io.Reader
	switch {
	case body != nil:
		rd = bytes.NewReader(body)
	case r.Body != nil && r.Body != http.NoBody:
		rd = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target, rd)
	if err != nil {
		return nil, err
	}
	out.Header = header.Clone()
	httputil.StripHopByHop(out.Header)
	out.Header.Del("Content-Length")
	switch {
	case body != nil:
		out.ContentLength = int64(len(body))
	case rd != nil:
		out.ContentLength = r.ContentLength
	}
	return out, nil
}

func (i *Interceptor) send(ctx context.Context, r *http.Request, target string, header http.Header, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, i.upstreamTimeout())
	out, err := outbound(ctx, r, target, header, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp, err := i.Client.Do(out)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// relay writes resp to w unchanged apart from hop-by-hop headers.
func relay(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	h := resp.Header.Clone()
	httputil.StripHopByHop(h)
	httputil.CopyHeader(w.Header(), h)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// relayBody writes a rewritten body with the upstream status and headers.
func relayBody(w http.ResponseWriter, resp *http.Response, body []byte) {
	h := resp.Header.Clone()
	httputil.StripHopByHop(h)
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	httputil.CopyHeader(w.Header(), h)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

func (i *Interceptor) forward(w http.ResponseWriter, r *http.Request, target string, header http.Header, body []byte) {
	resp, err := i.send(r.Context(), r, target, header, body)
	if err != nil {
		i.fail(w, r, err)
		return
	}
	relay(w, resp)
}
