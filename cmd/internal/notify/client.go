package notify

import (
	"context"
	"time"
)

// Sender delivers one text notification to a single peer.
// Send must honor ctx; the hub bounds every call with a timeout.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Client is one live recipient. The hub identifies clients by ID only.
type Client struct {
	ID      string
	Subject string // authenticated principal id, empty for anonymous sessions
	Sender  Sender

	ConnectedAt time.Time
}

// NewClient builds a Client around s.
func NewClient(id string, s Sender) *Client {
	return &Client{ID: id, Sender: s, ConnectedAt: time.Now().UTC()}
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }
