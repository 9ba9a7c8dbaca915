// Package main provides a CI-friendly smoke test for integops notifications.
//
// It validates:
//   - websocket handshake + subprotocol selection on /ws
//   - admin-authenticated POST /admin/broadcast
//   - every connected client receives the broadcast text
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSubprotocol = "integops.notify.v1"
	maxReadBytes       = 64 << 10
)

type broadcastResult struct {
	Targeted  int `json:"targeted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func main() {
	var (
		baseURL    = flag.String("url", envOr("INTEGOPS_SMOKE_URL", "http://127.0.0.1:8080"), "Server base URL")
		origin     = flag.String("origin", "http://localhost", "Origin header for the websocket handshake")
		clients    = flag.Int("clients", 2, "Number of websocket clients")
		adminUser  = flag.String("admin-user", envOr("INTEGOPS_SMOKE_ADMIN_USER", "admin"), "Administrator username")
		adminPass  = flag.String("admin-password", os.Getenv("INTEGOPS_SMOKE_ADMIN_PASSWORD"), "Administrator password")
		wsUser     = flag.String("ws-user", os.Getenv("INTEGOPS_SMOKE_WS_USER"), "Websocket username (when the gateway requires auth)")
		wsPassword = flag.String("ws-password", os.Getenv("INTEGOPS_SMOKE_WS_PASSWORD"), "Websocket password")
		text       = flag.String("text", "integops smoke ✅", "Broadcast text")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *clients < 1 {
		fatalf("-clients must be >= 1")
	}
	if *adminPass == "" {
		fatalf("admin password missing (-admin-password or INTEGOPS_SMOKE_ADMIN_PASSWORD)")
	}
	wsURL, err := deriveWSURL(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	conns := make([]*websocket.Conn, 0, *clients)
	for i := range *clients {
		conns = append(conns, mustConnect(root, fmt.Sprintf("c%d", i+1), wsURL, *origin, *wsUser, *wsPassword, *timeout))
	}
	defer func() {
		for _, c := range conns {
			closeWS(c)
		}
	}()
	if *verbose {
		fmt.Printf("connected: clients=%d url=%s origin=%q\n", len(conns), wsURL, *origin)
	}

	// The server registers a client just after the handshake completes, so
	// retry until every connection is targeted.
	res := mustBroadcastUntilTargeted(root, *baseURL, *adminUser, *adminPass, *text, len(conns), *timeout)
	if res.Failed != 0 {
		fatalf("broadcast reported failures: %+v", res)
	}

	g, ctx := errgroup.WithContext(root)
	for i, c := range conns {
		g.Go(func() error {
			return expectText(ctx, c, fmt.Sprintf("c%d", i+1), *text, *timeout)
		})
	}
	if err := g.Wait(); err != nil {
		fatalf("%v", err)
	}

	fmt.Printf("OK: clients=%d targeted=%d delivered=%d\n", len(conns), res.Targeted, res.Delivered)
}

func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func mustConnect(parent context.Context, name, wsURL, origin, user, pass string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if user != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != "" && got != defaultSubprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, defaultSubprotocol)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustBroadcastUntilTargeted(parent context.Context, baseURL, user, pass, text string, want int, stepTimeout time.Duration) broadcastResult {
	deadline := time.Now().Add(stepTimeout)
	for {
		res, err := broadcast(parent, baseURL, user, pass, text, stepTimeout)
		if err != nil {
			fatalf("broadcast: %v", err)
		}
		if res.Targeted >= want {
			return res
		}
		if time.Now().After(deadline) {
			fatalf("broadcast targeted %d clients, want %d", res.Targeted, want)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func broadcast(parent context.Context, baseURL, user, pass, text string, stepTimeout time.Duration) (broadcastResult, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return broadcastResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/admin/broadcast", bytes.NewReader(body))
	if err != nil {
		return broadcastResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(user, pass)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return broadcastResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return broadcastResult{}, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var res broadcastResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return broadcastResult{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}

func expectText(parent context.Context, conn *websocket.Conn, name, want string, stepTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	mt, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if mt != websocket.MessageText {
		return fmt.Errorf("%s: unexpected message type %v", name, mt)
	}
	if string(data) != want {
		return fmt.Errorf("%s: got %q want %q", name, data, want)
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
