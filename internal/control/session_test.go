package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rishikesh-suvarna/tunl.cc/internal/pending"
	"github.com/rishikesh-suvarna/tunl.cc/internal/registry"
	"github.com/rishikesh-suvarna/tunl.cc/internal/tunnelproto"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestServer(t *testing.T, reg *registry.Registry, pt *pending.Table, params Params) *httptest.Server {
	t.Helper()
	if params.RegistrationTimeout == 0 {
		params.RegistrationTimeout = time.Second
	}
	if params.RateLimitPerSecond == 0 {
		params.RateLimitPerSecond = 100
	}
	if params.MaxFrameBytes == 0 {
		params.MaxFrameBytes = tunnelproto.MaxFrameBytes
	}
	if params.WriteTimeout == 0 {
		params.WriteTimeout = time.Second
	}
	if params.BaseDomain == "" {
		params.BaseDomain = "tunl.test"
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		sess := NewSession(conn, reg, pt, params, nil, r.RemoteAddr)
		// Mirrors the production wiring in cmd/tunl-server: Run must get a
		// context scoped to the connection's lifetime, not the handshake
		// request's context, which net/http cancels as soon as this
		// handler returns.
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRegisterHappyPath(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil, nil, nil)
	pt := pending.New()
	srv := newTestServer(t, reg, pt, Params{})
	conn := dial(t, srv)

	if err := conn.WriteJSON(tunnelproto.Message{
		Kind:     tunnelproto.KindRegister,
		Register: &tunnelproto.Register{Subdomain: "myapp"},
	}); err != nil {
		t.Fatal(err)
	}

	var msg tunnelproto.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Kind != tunnelproto.KindRegistered || msg.Registered.Subdomain != "myapp" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Registered.URL != "http://myapp.tunl.test" {
		t.Fatalf("unexpected url: %q", msg.Registered.URL)
	}
}

func TestRegisterDuplicateSubdomainIsRejected(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil, nil, nil)
	pt := pending.New()
	srv := newTestServer(t, reg, pt, Params{})

	first := dial(t, srv)
	if err := first.WriteJSON(tunnelproto.Message{
		Kind:     tunnelproto.KindRegister,
		Register: &tunnelproto.Register{Subdomain: "dup"},
	}); err != nil {
		t.Fatal(err)
	}
	var firstMsg tunnelproto.Message
	if err := first.ReadJSON(&firstMsg); err != nil || firstMsg.Kind != tunnelproto.KindRegistered {
		t.Fatalf("expected first client to register, got %+v err=%v", firstMsg, err)
	}

	second := dial(t, srv)
	if err := second.WriteJSON(tunnelproto.Message{
		Kind:     tunnelproto.KindRegister,
		Register: &tunnelproto.Register{Subdomain: "dup"},
	}); err != nil {
		t.Fatal(err)
	}
	var secondMsg tunnelproto.Message
	if err := second.ReadJSON(&secondMsg); err != nil {
		t.Fatal(err)
	}
	if secondMsg.Kind != tunnelproto.KindError || !strings.Contains(strings.ToLower(secondMsg.Error.Message), "already taken") {
		t.Fatalf("expected already-taken error, got %+v", secondMsg)
	}
}

func TestRegisterInvalidSubdomainIsRejected(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil, nil, nil)
	pt := pending.New()
	srv := newTestServer(t, reg, pt, Params{})
	conn := dial(t, srv)

	if err := conn.WriteJSON(tunnelproto.Message{
		Kind:     tunnelproto.KindRegister,
		Register: &tunnelproto.Register{Subdomain: "ab"},
	}); err != nil {
		t.Fatal(err)
	}

	var msg tunnelproto.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Kind != tunnelproto.KindError || !strings.Contains(strings.ToLower(msg.Error.Message), "invalid subdomain") {
		t.Fatalf("expected invalid subdomain error, got %+v", msg)
	}
}

func TestRegistrationTimeoutClosesConnection(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil, nil, nil)
	pt := pending.New()
	srv := newTestServer(t, reg, pt, Params{RegistrationTimeout: 30 * time.Millisecond})
	conn := dial(t, srv)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed after registration timeout")
	}
}

func TestRateLimitExceededClosesWithPolicyViolation(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil, nil, nil)
	pt := pending.New()
	srv := newTestServer(t, reg, pt, Params{RateLimitPerSecond: 2})
	conn := dial(t, srv)

	if err := conn.WriteJSON(tunnelproto.Message{
		Kind:     tunnelproto.KindRegister,
		Register: &tunnelproto.Register{Subdomain: "flood"},
	}); err != nil {
		t.Fatal(err)
	}
	var registered tunnelproto.Message
	if err := conn.ReadJSON(&registered); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		if err := conn.WriteJSON(tunnelproto.Message{Kind: tunnelproto.KindResponse, Response: &tunnelproto.Response{RequestID: "x"}}); err != nil {
			break
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	closeCode := -1
	conn.SetCloseHandler(func(code int, text string) error {
		closeCode = code
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if closeCode != websocket.ClosePolicyViolation {
		t.Fatalf("expected close code %d, got %d", websocket.ClosePolicyViolation, closeCode)
	}
}
