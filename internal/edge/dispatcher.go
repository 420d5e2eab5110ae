// Package edge implements the public-facing HTTP side of the server:
// extracting a subdomain from the Host header, dispatching to the bound
// tunnel, and awaiting its Response — spec.md §4.5.
package edge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
	"github.com/rishikesh-suvarna/tunl.cc/internal/metrics"
	"github.com/rishikesh-suvarna/tunl.cc/internal/netutil"
	"github.com/rishikesh-suvarna/tunl.cc/internal/pending"
	"github.com/rishikesh-suvarna/tunl.cc/internal/registry"
	"github.com/rishikesh-suvarna/tunl.cc/internal/tunnelproto"
)

// DefaultTimeout is the public-side wait for a matching Response, per
// spec.md §4.5 step 6.
const DefaultTimeout = 30 * time.Second

// RequestLogger receives one record per dispatched request, win or lose.
// internal/store/sqlite implements this against the EventSink interface.
type RequestLogger interface {
	RequestLogged(ctx context.Context, subdomain, method, path string, statusCode int, durationMs int64)
}

// Dispatcher is the edge's http.Handler: it serves the landing page and
// /api/stats for requests with no subdomain, and otherwise relays to a
// registered tunnel.
type Dispatcher struct {
	BaseDomain string
	Registry   *registry.Registry
	Pending    *pending.Table
	Log        *slog.Logger
	Logger     RequestLogger
	Timeout    time.Duration
}

// New constructs a Dispatcher with spec defaults.
func New(baseDomain string, reg *registry.Registry, pt *pending.Table, logger *slog.Logger, eventLog RequestLogger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		BaseDomain: baseDomain,
		Registry:   reg,
		Pending:    pt,
		Log:        logger,
		Logger:     eventLog,
		Timeout:    DefaultTimeout,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := netutil.ExtractSubdomain(r.Host, d.BaseDomain)
	if sub == "" {
		d.serveLanding(w, r)
		return
	}

	ch, ok := d.Registry.Lookup(sub)
	if !ok {
		http.Error(w, "no active tunnel for \""+sub+"\"", http.StatusNotFound)
		metrics.EdgeRequestsTotal.WithLabelValues(statusClass(http.StatusNotFound)).Inc()
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		metrics.EdgeRequestsTotal.WithLabelValues(statusClass(http.StatusBadGateway)).Inc()
		return
	}

	requestID := domain.NewRequestID()
	start := time.Now()
	meta := domain.PendingMeta{
		Method:      r.Method,
		Path:        r.URL.RequestURI(),
		RequestSize: len(body),
		StartTime:   start,
		UserAgent:   r.UserAgent(),
		IP:          clientIP(r),
	}

	responder := make(chan tunnelproto.Response, 1)
	d.Pending.Add(requestID, responder, meta)
	metrics.PendingRequests.Set(float64(d.Pending.Len()))

	if err := ch.Send(r.Context(), requestID, r.Method, r.URL.RequestURI(), r.Header, body); err != nil {
		d.Pending.Cancel(requestID)
		metrics.PendingRequests.Set(float64(d.Pending.Len()))
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		d.logRequest(sub, meta, http.StatusBadGateway, start)
		metrics.EdgeRequestsTotal.WithLabelValues(statusClass(http.StatusBadGateway)).Inc()
		return
	}

	timer := time.NewTimer(d.Timeout)
	defer timer.Stop()

	select {
	case resp := <-responder:
		metrics.PendingRequests.Set(float64(d.Pending.Len()))
		d.writeResponse(w, resp)
		d.logRequest(sub, meta, statusOrDefault(resp.StatusCode), start)
		metrics.EdgeRequestsTotal.WithLabelValues(statusClass(statusOrDefault(resp.StatusCode))).Inc()
	case <-timer.C:
		d.Pending.Timeout(requestID)
		metrics.PendingRequests.Set(float64(d.Pending.Len()))
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		d.logRequest(sub, meta, http.StatusGatewayTimeout, start)
		metrics.EdgeRequestsTotal.WithLabelValues(statusClass(http.StatusGatewayTimeout)).Inc()
	}
	metrics.EdgeRequestDurationSeconds.Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp tunnelproto.Response) {
	for k, values := range resp.Headers {
		if len(values) == 0 {
			continue
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(statusOrDefault(resp.StatusCode))
	if resp.Body != "" {
		_, _ = io.WriteString(w, resp.Body)
	}
}

func (d *Dispatcher) logRequest(subdomain string, meta domain.PendingMeta, statusCode int, start time.Time) {
	if d.Logger == nil {
		return
	}
	d.Logger.RequestLogged(context.Background(), subdomain, meta.Method, meta.Path, statusCode, time.Since(start).Milliseconds())
}

type statsResponse struct {
	ActiveTunnels int   `json:"activeTunnels"`
	Timestamp     int64 `json:"timestamp"`
}

func (d *Dispatcher) serveLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/stats" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsResponse{
			ActiveTunnels: d.Registry.ActiveCount(),
			Timestamp:     time.Now().Unix(),
		})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, landingPageHTML)
}

func statusOrDefault(code int) int {
	if code == 0 {
		return http.StatusOK
	}
	return code
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

const landingPageHTML = `<!DOCTYPE html>
<html>
<head><title>tunl.cc</title></head>
<body>
<h1>tunl.cc</h1>
<p>Expose a local server to the internet: <code>tunl &lt;port&gt;</code></p>
</body>
</html>`
