package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// ErrHubClosed is returned by Connect after Close.
var ErrHubClosed = errors.New("notify: hub closed")

// BroadcastResult summarizes one Broadcast call.
type BroadcastResult struct {
	Targeted  int `json:"targeted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Hub is the process-wide set of live clients.
//
// Concurrency guarantees:
// - Connect/Disconnect are safe under concurrent Broadcast.
// - Broadcast iterates a snapshot taken under the read lock; no I/O happens while locked.
// - One failing, slow or panicking recipient never affects delivery to the others.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	sendTimeout time.Duration
	fanout      int

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSendTimeout bounds every per-recipient send.
func WithSendTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// WithFanout caps the number of concurrent sends per broadcast.
func WithFanout(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.fanout = n
		}
	}
}

// WithMetrics enables prometheus collectors.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:         log,
		sendTimeout: defaultSendTimeout,
		fanout:      defaultFanout,
		clients:     make(map[string]*Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Connect adds c to the live set. Reconnecting an ID replaces the previous client.
func (h *Hub) Connect(c *Client) error {
	if c == nil || c.ID == "" || c.Sender == nil {
		return errors.New("notify: client requires id and sender")
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	_, replaced := h.clients[c.ID]
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	if !replaced {
		h.metrics.addConnected(1)
	}
	h.log.Info("hub.client.connect", "client_id", c.ID, "subject", c.Subject, "clients", n)
	return nil
}

// Disconnect removes c from the live set. Unknown clients are ignored.
func (h *Hub) Disconnect(c *Client) {
	if c == nil || c.ID == "" {
		return
	}

	h.mu.Lock()
	cur, ok := h.clients[c.ID]
	// A stale handle must not evict a newer client registered under the same ID.
	if ok && cur == c {
		delete(h.clients, c.ID)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok || cur != c {
		return
	}
	h.metrics.addConnected(-1)
	h.log.Info("hub.client.disconnect", "client_id", c.ID, "clients", n)
}

// OnMessage records inbound text from c. It has no other effect.
func (h *Hub) OnMessage(c *Client, text string) {
	id := ""
	if c != nil {
		id = c.ID
	}
	h.log.Info("hub.client.message", "client_id", id, "chars", utf8.RuneCountInString(text), "text", truncate(text, maxLoggedChars))
}

// Len returns the number of live clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers text to every client connected at the time of the call.
// Individual failures are logged and counted in the result; they are never returned.
func (h *Hub) Broadcast(ctx context.Context, text string) BroadcastResult {
	targets := h.snapshot()
	res := BroadcastResult{Targeted: len(targets)}
	if len(targets) == 0 {
		return res
	}

	var delivered, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(h.fanout)
	for _, c := range targets {
		g.Go(func() error {
			if err := h.send(ctx, c, text); err != nil {
				failed.Add(1)
				h.metrics.send(false)
				h.log.Warn("hub.broadcast.send_fail", "client_id", c.ID, "err", err)
				return nil
			}
			delivered.Add(1)
			h.metrics.send(true)
			return nil
		})
	}
	_ = g.Wait()

	res.Delivered = int(delivered.Load())
	res.Failed = int(failed.Load())
	h.log.Info("hub.broadcast", "targeted", res.Targeted, "delivered", res.Delivered, "failed", res.Failed)
	return res
}

func (h *Hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) send(ctx context.Context, c *Client, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	return c.Sender.Send(sendCtx, text)
}

// Close stops accepting clients and disconnects the remaining ones.
// Senders that implement io.Closer are closed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	remaining := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	h.metrics.addConnected(-len(remaining))

	for _, c := range remaining {
		if cl, ok := c.Sender.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				h.log.Debug("hub.client.close_fail", "client_id", c.ID, "err", err)
			}
		}
	}
	h.log.Info("hub.close", "disconnected", len(remaining))
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "..."
}
