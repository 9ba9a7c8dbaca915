package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type staticAuth struct{ user, pass string }

func (a staticAuth) AuthenticateBasic(_ context.Context, user, pass string) (string, error) {
	if user == a.user && pass == a.pass {
		return "subject-" + user, nil
	}
	return "", errors.New("bad credentials")
}

func openConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func newGatewayServer(t *testing.T, h *Hub, cfg GatewayConfig, opts ...GatewayOption) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(NewWSGateway(testLogger(), h, cfg, opts...))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.Len() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub clients = %d, want %d", h.Len(), n)
}

func TestWSGateway_BroadcastReachesSocket(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	srv := newGatewayServer(t, h, openConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if conn.Subprotocol() != Subprotocol {
		t.Fatalf("subprotocol = %q", conn.Subprotocol())
	}

	waitForClients(t, h, 1)

	res := h.Broadcast(ctx, "deploy finished")
	if res.Delivered != 1 {
		t.Fatalf("result = %+v", res)
	}

	mt, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.MessageText || string(data) != "deploy finished" {
		t.Fatalf("got %v %q", mt, data)
	}
}

func TestWSGateway_CloseDisconnects(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	srv := newGatewayServer(t, h, openConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForClients(t, h, 1)

	// Inbound text is accepted and does not affect membership.
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello hub")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitForClients(t, h, 0)
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	srv := newGatewayServer(t, h, DefaultGatewayConfig())

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "missing origin", origin: "", ok: false},
		{name: "foreign origin", origin: "https://evil.example", ok: false},
		{name: "localhost ip", origin: "http://127.0.0.1", ok: true},
	}
	for _, tt := range tests {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		hdr := http.Header{}
		if tt.origin != "" {
			hdr.Set("Origin", tt.origin)
		}
		conn, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: hdr})
		if tt.ok {
			if err != nil {
				cancel()
				t.Fatalf("%s: dial: %v", tt.name, err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
		} else {
			if err == nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				cancel()
				t.Fatalf("%s: expected rejection", tt.name)
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				cancel()
				t.Fatalf("%s: expected 403, got %v", tt.name, resp)
			}
		}
		cancel()
	}
}

func TestWSGateway_BasicAuth(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	srv := newGatewayServer(t, h, openConfig(), WithAuthenticator(staticAuth{user: "ops", pass: "s3cret-pass"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got err=%v resp=%v", err, resp)
	}

	bad := http.Header{}
	bad.Set("Authorization", basic("ops", "wrong"))
	_, resp, err = websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: bad})
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad credentials, got err=%v resp=%v", err, resp)
	}

	good := http.Header{}
	good.Set("Authorization", basic("ops", "s3cret-pass"))
	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{HTTPHeader: good})
	if err != nil {
		t.Fatalf("dial with credentials: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	waitForClients(t, h, 1)
	for _, c := range h.snapshot() {
		if c.Subject != "subject-ops" {
			t.Fatalf("subject = %q", c.Subject)
		}
	}
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	cfg := openConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute

	h := NewHub(testLogger())
	srv := newGatewayServer(t, h, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	waitForClients(t, h, 1)

	for i := 0; i < 3; i++ {
		if err := conn.Write(ctx, websocket.MessageText, []byte("spam")); err != nil {
			break
		}
	}

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	waitForClients(t, h, 0)
}

func TestWSGateway_HubCloseDisconnectsSockets(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	srv := newGatewayServer(t, h, openConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForClients(t, h, 1)

	go h.Close()

	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "http://LocalHost:3000", want: "localhost"},
		{in: "https://app.example.com", want: "app.example.com"},
		{in: "127.0.0.1:8080", want: "127.0.0.1"},
		{in: "example.org", want: "example.org"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		if got := originHostOnly(tt.in); got != tt.want {
			t.Fatalf("originHostOnly(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{"http://b.example", "https://a.example:8443", "http://b.example:80", ""})
	if len(got) != 2 || got[0] != "a.example" || got[1] != "b.example" {
		t.Fatalf("patterns = %v", got)
	}
}

func basic(user, pass string) string {
	r, _ := http.NewRequest(http.MethodGet, "http://x", nil)
	r.SetBasicAuth(user, pass)
	return r.Header.Get("Authorization")
}
