// Package httputil holds the small URL and header helpers shared by the
// interceptor and the trust registry.
package httputil

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeURL renders u the way a browser serialises an absolute URL:
// lowercase scheme and host, default port dropped, empty path becomes "/".
// Query and fragment are kept. Unparseable or relative input is returned as-is.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if p := u.Port(); p != "" && !isDefaultPort(u.Scheme, p) {
		host = net.JoinHostPort(host, p)
	} else if strings.Contains(host, ":") {
		// IPv6 literal
		host = "[" + host + "]"
	}
	u.Host = host
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String()
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
}

// SerializeHeaders flattens h into lowercase names with comma-joined values.
func SerializeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes connection-scoped headers, including the ones
// named by the Connection header itself.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// CopyHeader appends every value of src into dst.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
