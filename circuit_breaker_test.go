package bloomd

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/bloomd/internal/testutils"
	"github.com/pior/bloomd/protocol"
)

func TestNewCircuitBreakerConfig(t *testing.T) {
	newBreaker := NewCircuitBreakerConfig(2, time.Minute, time.Second)

	cb := newBreaker("a:8673")
	require.NotNil(t, cb)
	assert.Equal(t, "a:8673", cb.Name())
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreaker_TripsOnTransportFailures(t *testing.T) {
	config := testConfig()
	config.Attempts = 1
	config.dial = newScriptedDialer().Dial
	config.NewCircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Minute)

	conn, err := NewConnection(ServerAddr{Host: "a", Port: 8673}, config)
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	for range 3 {
		_, err := conn.SendAndReceive(ctx, "list")
		var exhausted *TransportExhaustedError
		require.ErrorAs(t, err, &exhausted)
	}
	require.Equal(t, gobreaker.StateOpen, conn.breaker.State())

	// Rejected without touching the network
	_, err = conn.SendAndReceive(ctx, "list")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestCircuitBreaker_IgnoresProtocolErrors(t *testing.T) {
	server := testutils.StartServer(t)
	server.AddFilter("users")
	server.SetReply(protocol.VerbInfo, "Internal Error")

	config := testConfig()
	config.NewCircuitBreaker = NewCircuitBreakerConfig(1, time.Minute, time.Minute)

	client, err := NewClient([]string{server.Addr()}, config)
	require.NoError(t, err)
	defer client.Close()

	filter, err := client.GetFilter(context.Background(), "users")
	require.NoError(t, err)

	for range 5 {
		_, err := filter.Info(context.Background())
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
	}

	require.Equal(t, gobreaker.StateClosed, filter.conn.breaker.State())
	require.Equal(t, 5, server.Commands(protocol.VerbInfo))
}
