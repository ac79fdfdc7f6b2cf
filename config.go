package bloomd

import (
	"context"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	// DefaultAttempts is the number of tries for a command before giving up.
	DefaultAttempts = 3

	// RoutingTTL is how long a routing snapshot is trusted before a lookup refreshes it.
	// Not configurable.
	RoutingTTL = 5 * time.Minute
)

// Config holds configuration for the client and its connections.
type Config struct {
	// Timeout bounds each connect, write and read on a socket.
	// Zero means no timeout; a context deadline still applies.
	Timeout time.Duration

	// Attempts is the maximum number of tries for a command on transient network faults.
	// Zero means DefaultAttempts.
	Attempts int

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// Logger receives connection and routing events.
	// If nil, logging is disabled.
	Logger *zap.Logger

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when its connection is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *gobreaker.CircuitBreaker[bool]

	// for testing purposes only
	dial func(ctx context.Context, address string) (net.Conn, error)
	now  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
