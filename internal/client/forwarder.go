// Package client implements the Tunnel Forwarder: the control channel
// client that registers a subdomain, proxies Requests to a local HTTP
// server, and returns Responses — spec.md §4.7.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rishikesh-suvarna/tunl.cc/internal/config"
	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
	"github.com/rishikesh-suvarna/tunl.cc/internal/liveness"
	"github.com/rishikesh-suvarna/tunl.cc/internal/netutil"
	"github.com/rishikesh-suvarna/tunl.cc/internal/tunnelproto"
)

const (
	reconnectInitialDelay = 1 * time.Second
	reconnectFactor       = 1.5
	reconnectMaxDelay     = 60 * time.Second
	maxResponseBytes      = 100 * 1024 * 1024
)

// ErrFatal wraps a registration error the server reported as fatal —
// the caller should exit rather than reconnect.
type ErrFatal struct {
	Message string
}

func (e *ErrFatal) Error() string { return e.Message }

// Forwarder is the client-side control channel: it registers, relays
// incoming Requests to a local HTTP server, and reconnects with backoff
// on transient failures.
type Forwarder struct {
	cfg    config.ClientConfig
	log    *slog.Logger
	client *http.Client
}

// New constructs a Forwarder.
func New(cfg config.ClientConfig, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Timeout: cfg.LocalTimeout,
		},
	}
}

// Run connects and serves until ctx is canceled or a fatal server error
// is received, in which case it returns an *ErrFatal.
func (f *Forwarder) Run(ctx context.Context) error {
	backoff := reconnectInitialDelay
	for {
		err := f.runOnce(ctx)
		if err == nil {
			return nil
		}
		var fatal *ErrFatal
		if errors.As(err, &fatal) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.log.Warn("control channel closed, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * reconnectFactor)
		if backoff > reconnectMaxDelay {
			backoff = reconnectMaxDelay
		}
	}
}

func (f *Forwarder) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	writer := tunnelproto.NewWritePump(conn, 15*time.Second, 32)
	defer writer.Close()

	tracker := liveness.NewTracker()
	conn.SetPongHandler(func(string) error {
		tracker.RecordPong()
		return nil
	})

	if err := writer.Send(tunnelproto.Message{
		Kind: tunnelproto.KindRegister,
		Register: &tunnelproto.Register{
			Subdomain: f.cfg.Subdomain,
			APIKey:    f.cfg.APIKey,
		},
	}); err != nil {
		return err
	}

	done := make(chan struct{})
	stopOnce := sync.OnceFunc(func() { close(done) })
	defer stopOnce()

	go f.livenessLoop(conn, tracker, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tracker.RecordPong()

		var msg tunnelproto.Message
		if decErr := tunnelproto.Decode(raw, &msg); decErr != nil {
			f.log.Debug("malformed message from server, ignoring", "err", decErr)
			continue
		}
		if tunnelproto.IsUnknownKind(msg.Kind) {
			continue
		}

		switch msg.Kind {
		case tunnelproto.KindRegistered:
			f.log.Info("registered", "subdomain", msg.Registered.Subdomain, "url", msg.Registered.URL)
			fmt.Fprintf(os.Stdout, "forwarding to localhost:%d\npublic url: %s\n", f.cfg.LocalPort, msg.Registered.URL)
		case tunnelproto.KindError:
			stopOnce()
			if domain.IsFatalRegistrationError(msg.Error.Message) {
				return &ErrFatal{Message: msg.Error.Message}
			}
			return errors.New(msg.Error.Message)
		case tunnelproto.KindRequest:
			go f.handleRequest(writer, *msg.Request)
		}
	}
}

func (f *Forwarder) livenessLoop(conn *websocket.Conn, tracker *liveness.Tracker, done chan struct{}) {
	ticker := time.NewTicker(liveness.DefaultPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if tracker.DeadSince(time.Now(), liveness.ClientDeadPeerThreshold) {
				f.log.Warn("server heartbeat timeout, closing connection")
				_ = conn.Close()
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (f *Forwarder) handleRequest(writer *tunnelproto.WritePump, req tunnelproto.Request) {
	body, err := tunnelproto.DecodeBody(req.Body)
	if err != nil {
		_ = writer.Send(errorResponse(req.RequestID, http.StatusBadGateway, "invalid request body"))
		return
	}

	localURL := fmt.Sprintf("http://127.0.0.1:%d%s", f.cfg.LocalPort, req.Path)
	localReq, err := http.NewRequest(req.Method, localURL, bytes.NewReader(body))
	if err != nil {
		_ = writer.Send(errorResponse(req.RequestID, http.StatusBadGateway, err.Error()))
		return
	}
	for k, values := range req.Headers {
		for _, v := range values {
			localReq.Header.Add(k, v)
		}
	}
	netutil.RemoveHopByHopHeaders(localReq.Header)
	if len(body) > 0 {
		localReq.ContentLength = int64(len(body))
	} else {
		localReq.Header.Del("Content-Length")
	}

	resp, err := f.client.Do(localReq)
	if err != nil {
		status, text := translateLocalError(err)
		_ = writer.Send(errorResponse(req.RequestID, status, text))
		return
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		_ = writer.Send(errorResponse(req.RequestID, http.StatusBadGateway, err.Error()))
		return
	}
	if len(data) > maxResponseBytes {
		_ = writer.Send(errorResponse(req.RequestID, http.StatusRequestEntityTooLarge, "response too large"))
		return
	}

	headers := map[string][]string{}
	for k, values := range resp.Header {
		if strings.EqualFold(k, "Connection") || strings.EqualFold(k, "Keep-Alive") {
			continue
		}
		headers[k] = values
	}

	_ = writer.Send(tunnelproto.Message{
		Kind: tunnelproto.KindResponse,
		Response: &tunnelproto.Response{
			RequestID:  req.RequestID,
			StatusCode: resp.StatusCode,
			Headers:    headers,
			Body:       string(data),
		},
	})
}

func errorResponse(requestID string, status int, text string) tunnelproto.Message {
	return tunnelproto.Message{
		Kind: tunnelproto.KindResponse,
		Response: &tunnelproto.Response{
			RequestID:  requestID,
			StatusCode: status,
			Body:       text,
		},
	}
}

// translateLocalError maps a local-proxy transport failure to the status
// code table in spec.md §4.7.
func translateLocalError(err error) (int, string) {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return http.StatusGatewayTimeout, "local server timed out"
		}
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return http.StatusServiceUnavailable, "Connection refused by local server"
		}
		if opErr.Timeout() {
			return http.StatusGatewayTimeout, "local server timed out"
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "local host not found"
	}

	return http.StatusBadGateway, err.Error()
}
