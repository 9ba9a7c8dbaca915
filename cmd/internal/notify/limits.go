package notify

import "time"

const (
	// Max bytes per inbound websocket frame.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Inbound text longer than this is dropped (runes).
	maxMessageChars = 4000

	// Logged inbound text is truncated to this many runes.
	maxLoggedChars = 256
)

const (
	defaultSendTimeout = 5 * time.Second
	defaultFanout      = 64

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Inbound messages per connection: sustained rate and burst.
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
