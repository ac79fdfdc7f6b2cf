package bloomd

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Error types returned by the client.
// Network faults are retried by the Connection before surfacing; every other
// type surfaces immediately since resending cannot change the outcome.

// ConfigurationError reports invalid construction or call arguments.
// Nothing was sent to a server.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "bloomd: invalid configuration: " + e.Message
}

// InvalidKeyError is returned when a filter name or key cannot be carried by the line protocol.
// Rejected client-side, the connection is untouched.
type InvalidKeyError struct {
	Kind  string // "filter name" or "key"
	Value string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("bloomd: invalid %s %q", e.Kind, e.Value)
}

// ConnectionError wraps an I/O failure on the socket of one server.
type ConnectionError struct {
	Server string
	Op     string // connect, write, read
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bloomd: connection error during %s on %s: %v", e.Op, e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransportExhaustedError is returned once every retry attempt failed with a transient fault.
type TransportExhaustedError struct {
	Server   string
	Attempts int
	Err      error // last attempt's failure
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("bloomd: cannot contact server %s after %d attempts: %v", e.Server, e.Attempts, e.Err)
}

func (e *TransportExhaustedError) Unwrap() error {
	return e.Err
}

// ProtocolError is a reply outside the vocabulary expected for a command,
// or a malformed block. Never retried.
type ProtocolError struct {
	Server  string
	Command string
	Reply   string
	Message string
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unexpected reply"
	}
	if e.Command == "" {
		return fmt.Sprintf("bloomd: %s from %s: %q", msg, e.Server, e.Reply)
	}
	return fmt.Sprintf("bloomd: %s to %q from %s: %q", msg, e.Command, e.Server, e.Reply)
}

// FilterNotFoundError is returned by strict lookups when no server owns the filter,
// even after a forced routing refresh.
type FilterNotFoundError struct {
	Name string
}

func (e *FilterNotFoundError) Error() string {
	return fmt.Sprintf("bloomd: filter %q does not exist", e.Name)
}

// PartialFailureError is returned by fan-out operations when at least one server failed.
// Servers that succeeded are not rolled back.
type PartialFailureError struct {
	Server    string   // first failing server
	Reply     string   // its reply, empty when Err is set
	Err       error    // transport failure, if any
	Failed    []string // every failing server
	Succeeded []string
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bloomd: %d of %d servers failed, first %s", len(e.Failed), len(e.Failed)+len(e.Succeeded), e.Server)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else {
		fmt.Fprintf(&b, ": got response %q", e.Reply)
	}
	return b.String()
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a recoverable socket fault:
// connection reset or refused, host unreachable, broken pipe, a would-block/timeout,
// or the peer closing the connection.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EAGAIN, syscall.EHOSTUNREACH, syscall.EPIPE} {
		if errors.Is(err, errno) {
			return true
		}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// isReadTimeout reports whether err is a timeout while waiting for a reply.
// The server may already have applied the command, so it must not be resent.
func isReadTimeout(err error) bool {
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "read" {
		return false
	}
	var netErr net.Error
	return errors.As(connErr.Err, &netErr) && netErr.Timeout()
}

// isTransportFailure reports whether err came from the network layer.
// Used to decide what counts against a circuit breaker.
func isTransportFailure(err error) bool {
	var connErr *ConnectionError
	var exhausted *TransportExhaustedError
	return errors.As(err, &connErr) || errors.As(err, &exhausted)
}
