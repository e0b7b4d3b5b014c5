package dm

import "time"

// Security/performance limits for the DM transport and stores.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes). Enforced at the transport layer;
	// the store itself accepts any non-blank text.
	maxMessageChars = 4000

	// History paging bounds.
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Bound on establishing a session with the identity provider.
	defaultAuthTimeout = 10 * time.Second
)
