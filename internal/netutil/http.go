// Package netutil provides shared HTTP normalization helpers used by both
// the Edge Dispatcher and the Tunnel Forwarder.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaderNames are stripped before relaying a request to the local
// upstream, per spec.md §4.7.
var hopByHopHeaderNames = []string{
	"Host",
	"Connection",
	"Transfer-Encoding",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
}

// RemoveHopByHopHeaders strips the fixed hop-by-hop header set from h.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}
	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// NormalizeHost lower-cases host and strips a trailing port, so a request
// for "myapp.tunl.cc:3000" and "myapp.tunl.cc" resolve to the same subdomain.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

// ExtractSubdomain returns the subdomain label for host given baseDomain,
// comparing the full base-domain suffix rather than counting labels —
// per the REDESIGN FLAG in spec.md §9, which notes that a label-counting
// parser misidentifies multi-label base domains such as "example.co.uk".
// "localhost" and "127.0.0.1" never carry a subdomain.
func ExtractSubdomain(host, baseDomain string) string {
	host = NormalizeHost(host)
	baseDomain = NormalizeHost(baseDomain)

	if host == "" || host == "localhost" || host == "127.0.0.1" {
		return ""
	}
	if host == baseDomain {
		return ""
	}
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		// Multiple labels ahead of the base domain: only the first is the
		// tunnel's subdomain, the rest would be the base domain's own
		// subdomains under a different registration scheme; not supported.
		return ""
	}
	return label
}
