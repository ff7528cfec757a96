package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Inbound traffic is
	// limited to hello and ping, so this is small.
	maxFrameBytes = 4 << 10
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
