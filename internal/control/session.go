// Package control implements the server-side per-connection state
// machine described in spec.md §4.6: handshake, registration, liveness,
// rate/size limits, and teardown.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rishikesh-suvarna/tunl.cc/internal/domain"
	"github.com/rishikesh-suvarna/tunl.cc/internal/liveness"
	"github.com/rishikesh-suvarna/tunl.cc/internal/metrics"
	"github.com/rishikesh-suvarna/tunl.cc/internal/pending"
	"github.com/rishikesh-suvarna/tunl.cc/internal/registry"
	"github.com/rishikesh-suvarna/tunl.cc/internal/subdomain"
	"github.com/rishikesh-suvarna/tunl.cc/internal/tunnelproto"
)

// State is a Control Session's position in the handshake/active/closed
// state machine of spec.md §4.6.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateClosed
)

// Params bundles a Session's fixed configuration.
type Params struct {
	BaseDomain          string
	HTTPS               bool
	RegistrationTimeout time.Duration
	RateLimitPerSecond  int
	MaxFrameBytes       int
	WriteTimeout        time.Duration
}

// Session is one client's control channel on the server side.
type Session struct {
	conn   *websocket.Conn
	writer *tunnelproto.WritePump

	registry *registry.Registry
	pending  *pending.Table
	params   Params
	log      *slog.Logger

	ip string

	state     atomic.Int32
	subdomain atomic.Value // string

	limiter *tokenBucket
	tracker *liveness.Tracker

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session around an already-upgraded WebSocket
// connection. The caller must call Run to start reading.
func NewSession(conn *websocket.Conn, reg *registry.Registry, pt *pending.Table, params Params, log *slog.Logger, ip string) *Session {
	if log == nil {
		log = slog.Default()
	}
	conn.SetReadLimit(int64(params.MaxFrameBytes) + 4096)

	s := &Session{
		conn:     conn,
		registry: reg,
		pending:  pt,
		params:   params,
		log:      log,
		ip:       ip,
		limiter:  newTokenBucket(params.RateLimitPerSecond),
		tracker:  liveness.NewTracker(),
		closed:   make(chan struct{}),
	}
	s.subdomain.Store("")
	s.state.Store(int32(StateHandshaking))
	s.writer = tunnelproto.NewWritePump(conn, params.WriteTimeout, 32)

	conn.SetPongHandler(func(string) error {
		s.tracker.RecordPong()
		return nil
	})

	return s
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Subdomain returns the subdomain bound to this session, or "" if none.
func (s *Session) Subdomain() string { return s.subdomain.Load().(string) }

// Send implements registry.Channel: it encodes and enqueues a Request
// message for this client.
func (s *Session) Send(ctx context.Context, requestID, method, path string, headers map[string][]string, body []byte) error {
	msg := tunnelproto.Message{
		Kind: tunnelproto.KindRequest,
		Request: &tunnelproto.Request{
			RequestID: requestID,
			Method:    method,
			Path:      path,
			Headers:   headers,
			Body:      tunnelproto.EncodeBody(body),
		},
	}
	return s.writer.Send(msg)
}

// Close implements registry.Channel. It closes the underlying socket
// with a normal closure; any bound subdomain is unregistered by the Run
// loop's teardown path, not here, to avoid re-entrant registry calls.
func (s *Session) Close() {
	s.closeWithCode(websocket.CloseNormalClosure, "")
}

// Run drives the session's read loop until the connection closes. It
// blocks until the session terminates and always tears down any bound
// registry entry before returning.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ctx)

	regTimer := time.AfterFunc(s.params.RegistrationTimeout, func() {
		if s.State() == StateHandshaking {
			s.log.Warn("registration timeout", "ip", s.ip)
			s.closeWithCode(websocket.CloseNormalClosure, "registration timeout")
		}
	})
	defer regTimer.Stop()

	pingTicker := time.NewTicker(liveness.DefaultPingInterval)
	defer pingTicker.Stop()
	go s.livenessLoop(pingTicker)

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.tracker.RecordPong()

		if len(raw) > s.params.MaxFrameBytes {
			s.log.Warn("frame too large", "ip", s.ip)
			s.closeWithCode(websocket.CloseMessageTooBig, "message too large")
			return
		}
		if !s.limiter.Allow() {
			s.log.Warn("rate limit exceeded", "ip", s.ip)
			s.sendError("rate limit exceeded")
			s.closeWithCode(websocket.ClosePolicyViolation, "Rate limit exceeded")
			return
		}

		var msg tunnelproto.Message
		if err := tunnelproto.Decode(raw, &msg); err != nil {
			if err == domain.ErrFrameTooLarge {
				s.closeWithCode(websocket.CloseMessageTooBig, "message too large")
				return
			}
			s.log.Debug("malformed message, ignoring", "ip", s.ip, "err", err)
			continue
		}
		if tunnelproto.IsUnknownKind(msg.Kind) {
			s.log.Debug("unknown message kind, ignoring", "kind", msg.Kind)
			continue
		}

		if s.handle(ctx, msg) {
			return
		}
	}
}

// handle processes one decoded message and reports whether the session
// should terminate.
func (s *Session) handle(ctx context.Context, msg tunnelproto.Message) bool {
	switch s.State() {
	case StateHandshaking:
		if msg.Kind != tunnelproto.KindRegister {
			return false
		}
		return s.handleRegister(ctx, msg.Register)
	case StateActive:
		switch msg.Kind {
		case tunnelproto.KindResponse:
			s.handleResponse(*msg.Response)
		}
		return false
	default:
		return true
	}
}

func (s *Session) handleRegister(ctx context.Context, reg *tunnelproto.Register) bool {
	sub := reg.Subdomain
	if sub == "" {
		generated, err := subdomain.Generate()
		if err != nil {
			s.sendError("registration failed")
			s.closeWithCode(websocket.ClosePolicyViolation, "registration failed")
			return true
		}
		sub = generated
	} else if !subdomain.Validate(sub) {
		metrics.RegistrationsTotal.WithLabelValues("invalid_subdomain").Inc()
		s.sendError("Invalid subdomain")
		s.closeWithCode(websocket.ClosePolicyViolation, "Invalid subdomain")
		return true
	}

	_, err := s.registry.Register(ctx, sub, reg.APIKey, s.ip, s)
	if err != nil {
		outcome, wireMessage := "registration_failed", domain.ErrRegistrationFailed.Error()
		switch {
		case errors.Is(err, domain.ErrSubdomainTaken):
			outcome, wireMessage = "subdomain_taken", domain.ErrSubdomainTaken.Error()
		case errors.Is(err, domain.ErrInvalidAPIKey):
			outcome, wireMessage = "invalid_api_key", domain.ErrInvalidAPIKey.Error()
		case errors.Is(err, domain.ErrTunnelLimitReached):
			outcome, wireMessage = "tunnel_limit_reached", domain.ErrTunnelLimitReached.Error()
		}
		metrics.RegistrationsTotal.WithLabelValues(outcome).Inc()
		var ctrlErr *domain.ControlError
		if errors.As(err, &ctrlErr) {
			s.log.Warn("registration failed", "op", ctrlErr.Op, "subdomain", ctrlErr.Subdomain, "err", ctrlErr.Err)
		} else {
			s.log.Warn("registration failed", "subdomain", sub, "err", err)
		}
		s.sendError(wireMessage)
		s.closeWithCode(websocket.ClosePolicyViolation, wireMessage)
		return true
	}

	s.subdomain.Store(sub)
	s.state.Store(int32(StateActive))
	metrics.RegistrationsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveTunnels.Set(float64(s.registry.ActiveCount()))

	scheme := "http"
	if s.params.HTTPS {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s.%s", scheme, sub, s.params.BaseDomain)
	_ = s.writer.Send(tunnelproto.Message{
		Kind:       tunnelproto.KindRegistered,
		Registered: &tunnelproto.Registered{Subdomain: sub, URL: url},
	})
	s.log.Info("tunnel registered", "subdomain", sub, "ip", s.ip)
	return false
}

func (s *Session) handleResponse(resp tunnelproto.Response) {
	if sub := s.Subdomain(); sub != "" {
		s.registry.Touch(sub)
	}
	if !s.pending.Resolve(resp) {
		s.log.Debug("dropped late response", "request_id", resp.RequestID)
	}
}

func (s *Session) sendError(message string) {
	_ = s.writer.Send(tunnelproto.Message{
		Kind:  tunnelproto.KindError,
		Error: &tunnelproto.ErrorMsg{Message: message},
	})
}

func (s *Session) livenessLoop(ticker *time.Ticker) {
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if s.tracker.MissedPong(time.Now()) {
				s.log.Warn("peer missed pong, terminating", "subdomain", s.Subdomain())
				s.closeWithCode(websocket.CloseNormalClosure, "missed pong")
				return
			}
			s.tracker.RecordPingSent()
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Session) closeWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		close(s.closed)
		s.writer.Close()
		_ = s.conn.Close()
	})
}

func (s *Session) teardown(ctx context.Context) {
	s.closeWithCode(websocket.CloseNormalClosure, "")
	if sub := s.Subdomain(); sub != "" {
		s.registry.Unregister(ctx, sub)
		metrics.ActiveTunnels.Set(float64(s.registry.ActiveCount()))
	}
}
