package engine

import (
	"time"

	"github.com/matst80/peerhttp/internal/ratelimit"
)

// ConnectionOptions are the limits the engine and its conversations enforce.
type ConnectionOptions struct {
	// NumClients caps established conversations when admitting inbound sockets.
	NumClients uint64
	// MaxClientsPerHost caps inbound conversations sharing one IP.
	MaxClientsPerHost uint64
	IdleTimeout       time.Duration
	// RequestTimeout bounds how long an outbound request may wait for its response.
	RequestTimeout time.Duration

	MaxHeaderSize int
	MaxMessageLen int

	// Limiter paces new inbound connections and requests per host; nil disables.
	Limiter *ratelimit.HostLimiter
}

func DefaultConnectionOptions() ConnectionOptions {
	return ConnectionOptions{
		NumClients:        256,
		MaxClientsPerHost: 4,
		IdleTimeout:       15 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxHeaderSize:     32 * 1024,
		MaxMessageLen:     2 * 1024 * 1024,
	}
}
