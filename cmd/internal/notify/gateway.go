package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"integops/cmd/identity/ids"
)

const (
	// Subprotocol is offered by the gateway; clients may omit it.
	Subprotocol = "integops.notify.v1"

	wsMaxPingFailures = 3
	wsCloseGrace      = 1 * time.Second
)

// Authenticator checks HTTP Basic credentials presented on the upgrade request
// and returns the authenticated subject (principal id).
type Authenticator interface {
	AuthenticateBasic(ctx context.Context, username, password string) (subject string, err error)
}

// GatewayConfig is the websocket policy surface. Zero values take defaults.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool // skips websocket.Accept's own origin check; dev only

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure-by-default policy: an Origin header is
// required and only localhost origins are accepted.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     defaultSendTimeout,
		ReadIdleTimeout:  2 * time.Minute,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// WSGateway attaches websocket sessions to a Hub.
//
// It enforces origin policy, optional Basic authentication, a frame size limit,
// per-connection inbound rate limiting and heartbeats. Every exit path
// disconnects the client from the hub.
type WSGateway struct {
	log     *slog.Logger
	hub     *Hub
	auth    Authenticator
	metrics *Metrics
	cfg     GatewayConfig

	// Derived for websocket.Accept, which authorizes same-host origins by
	// default and needs OriginPatterns for cross-origin ones.
	originPatterns []string
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithAuthenticator requires Basic credentials on the upgrade request.
func WithAuthenticator(a Authenticator) GatewayOption {
	return func(g *WSGateway) { g.auth = a }
}

// WithGatewayMetrics counts inbound messages.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway builds a gateway for hub.
func NewWSGateway(log *slog.Logger, hub *Hub, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	cfg = cfg.withDefaults()

	g := &WSGateway{
		log:            log,
		hub:            hub,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP upgrades the request and runs the session until either side closes.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	subject, ok := g.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	id, err := ids.New(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.client_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	sender := &wsSender{conn: conn, writeTimeout: g.cfg.WriteTimeout}
	client := NewClient(id, sender)
	client.Subject = subject

	if err := g.hub.Connect(client); err != nil {
		g.log.Info("ws.reject.hub", "client_id", id, "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "unavailable")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			// Leave the live set before the connection goes away so a
			// concurrent broadcast sees either a working client or none.
			g.hub.Disconnect(client)
			_ = sender.closeWith(code, reason)
			cancel()
		})
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, id, shutdown)
	}()

	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		mt, data, err := conn.Read(readCtx)
		readCancel()

		if err != nil {
			code, reason := classifyReadErr(err)
			if code == websocket.StatusAbnormalClosure {
				g.log.Info("ws.read.fail", "client_id", id, "err", err)
			}
			shutdown(code, reason)
			break
		}

		if !limiter.Allow() {
			g.metrics.inboundMessage("rate_limited")
			g.log.Info("ws.reject.rate", "client_id", id)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if mt != websocket.MessageText {
			continue
		}

		text := string(data)
		if !utf8.ValidString(text) || utf8.RuneCountInString(text) > maxMessageChars {
			g.metrics.inboundMessage("too_long")
			continue
		}
		g.metrics.inboundMessage("accepted")
		g.hub.OnMessage(client, text)
	}

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	if g.auth == nil {
		return "", true
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="integops"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}

	subject, err := g.auth.AuthenticateBasic(r.Context(), user, pass)
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr, "err", err)
		w.Header().Set("WWW-Authenticate", `Basic realm="integops"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return subject, true
}

func (g *WSGateway) heartbeat(ctx context.Context, conn *websocket.Conn, id string, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "client_id", id, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// wsSender is the hub-facing side of one websocket connection.
type wsSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// Send writes text as one text frame. coder/websocket serializes concurrent writers.
func (s *wsSender) Send(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

// Close is called by Hub.Close at shutdown.
func (s *wsSender) Close() error {
	return s.closeWith(websocket.StatusGoingAway, "server shutting down")
}

func (s *wsSender) closeWith(code websocket.StatusCode, reason string) error {
	err := s.conn.Close(code, reason)
	if err != nil && (errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1) {
		return nil
	}
	return err
}

func classifyReadErr(err error) (websocket.StatusCode, string) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed"
	case errors.Is(err, context.Canceled):
		return websocket.StatusNormalClosure, "context done"
	case errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusGoingAway, "idle timeout"
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed"
	default:
		return websocket.StatusAbnormalClosure, "read failed"
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores scheme and port.
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns
// so both origin checks agree.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
