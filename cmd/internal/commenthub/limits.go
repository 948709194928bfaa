package commenthub

import "time"

// Security/performance limits for the comment gateway.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 256 << 10 // 256 KiB

	// Max comment text length (runes).
	maxCommentChars = 8000

	// Max concurrent topic subscriptions per connection.
	maxTopicsPerConn = 32
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
