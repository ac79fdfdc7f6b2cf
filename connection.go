package bloomd

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/jackc/puddle/v2"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/pior/bloomd/protocol"
)

// ConnState is the explicit state of a Connection's socket.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnected
)

func (s ConnState) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// wire is one live socket with its buffered reader.
type wire struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Connection owns at most one socket to one filter server.
//
// The socket is created lazily before the first I/O and re-created after any I/O failure.
// Send, SendAndReceive and the block round trips retry transient network faults
// (reset, refused, unreachable, broken pipe, connect or write timeout) up to the configured
// number of attempts, reconnecting between attempts. A timeout waiting for the reply is
// returned without resending. ReadLine and ReadBlock never retry.
//
// Concurrent callers are serialized on the single socket, but a Send followed by a
// separate ReadLine is only meaningful when the caller owns the Connection exclusively.
type Connection struct {
	addr     ServerAddr
	timeout  time.Duration
	attempts int

	// size-1 pool holding the live socket
	socket  *puddle.Pool[*wire]
	state   atomic.Int32
	breaker *gobreaker.CircuitBreaker[bool] // nil if not configured

	logger *zap.Logger
	stats  *clientStatsCollector
}

// NewConnection creates a Connection to addr. No socket is opened until first use.
func NewConnection(addr ServerAddr, config Config) (*Connection, error) {
	config = config.withDefaults()
	return newConnection(addr, &config, newClientStatsCollector())
}

func newConnection(addr ServerAddr, config *Config, stats *clientStatsCollector) (*Connection, error) {
	c := &Connection{
		addr:     addr,
		timeout:  config.Timeout,
		attempts: config.Attempts,
		logger:   config.Logger.Named("conn").With(zap.String("server", addr.String())),
		stats:    stats,
	}

	dial := config.dial
	if dial == nil {
		dialer := config.Dialer
		dial = func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		}
	}

	socket, err := puddle.NewPool(&puddle.Config[*wire]{
		Constructor: func(ctx context.Context) (*wire, error) {
			if c.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			conn, err := dial(ctx, addr.String())
			if err != nil {
				return nil, err
			}
			c.state.Store(int32(StateConnected))
			c.logger.Debug("connected")
			return &wire{conn: conn, reader: bufio.NewReader(conn)}, nil
		},
		Destructor: func(w *wire) {
			c.state.Store(int32(StateDisconnected))
			_ = w.conn.Close()
		},
		MaxSize: 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create socket pool")
	}
	c.socket = socket

	if config.NewCircuitBreaker != nil {
		c.breaker = config.NewCircuitBreaker(addr.String())
	}

	return c, nil
}

// Addr returns the server this connection talks to.
func (c *Connection) Addr() ServerAddr {
	return c.addr
}

// State returns whether a live socket is currently held.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Connect establishes the socket if none is live.
func (c *Connection) Connect(ctx context.Context) error {
	res, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	res.Release()
	return nil
}

// Close destroys the socket and rejects further use.
func (c *Connection) Close() {
	c.socket.Close()
	c.state.Store(int32(StateDisconnected))
}

// Send writes one command line, retrying transient faults with a fresh socket.
func (c *Connection) Send(ctx context.Context, command string) error {
	return c.execute(ctx, "send", func(w *wire) error {
		return c.write(ctx, w, command)
	})
}

// ReadLine blocks until one line is available and returns it without terminators.
// A failure is returned as is, the socket is discarded.
func (c *Connection) ReadLine(ctx context.Context) (string, error) {
	var line string
	err := c.once(ctx, func(w *wire) (err error) {
		line, err = c.readLine(ctx, w)
		return err
	})
	return line, err
}

// ReadBlock reads a START/END delimited block and returns its interior lines.
func (c *Connection) ReadBlock(ctx context.Context) ([]string, error) {
	return c.ReadBlockDelimited(ctx, protocol.BlockStart, protocol.BlockEnd)
}

// ReadBlockDelimited reads a block delimited by the given start and end lines.
// A ProtocolError is returned when the first line is not start.
func (c *Connection) ReadBlockDelimited(ctx context.Context, start, end string) ([]string, error) {
	var lines []string
	err := c.once(ctx, func(w *wire) (err error) {
		lines, err = c.readBlock(ctx, w, "", start, end)
		return err
	})
	return lines, err
}

// ReadKeyValues reads a block and decodes its "<key> <value>" lines.
func (c *Connection) ReadKeyValues(ctx context.Context) (map[string]string, error) {
	lines, err := c.ReadBlock(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeKeyValues(lines), nil
}

// SendAndReceive sends a command and reads one reply line.
// The whole round trip is retried: a failed read also reconnects and resends.
func (c *Connection) SendAndReceive(ctx context.Context, command string) (string, error) {
	var line string
	err := c.execute(ctx, "send_and_receive", func(w *wire) error {
		if err := c.write(ctx, w, command); err != nil {
			return err
		}
		var err error
		line, err = c.readLine(ctx, w)
		return err
	})
	return line, err
}

// SendAndReadBlock sends a command and reads a START/END block reply,
// with the same retry policy as SendAndReceive.
func (c *Connection) SendAndReadBlock(ctx context.Context, command string) ([]string, error) {
	var lines []string
	err := c.execute(ctx, "send_and_read_block", func(w *wire) error {
		if err := c.write(ctx, w, command); err != nil {
			return err
		}
		var err error
		lines, err = c.readBlock(ctx, w, command, protocol.BlockStart, protocol.BlockEnd)
		return err
	})
	return lines, err
}

// SendAndReadKeyValues sends a command and decodes the block reply into a map.
func (c *Connection) SendAndReadKeyValues(ctx context.Context, command string) (map[string]string, error) {
	lines, err := c.SendAndReadBlock(ctx, command)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeKeyValues(lines), nil
}

// execute runs fn with the retry policy, wrapped by the circuit breaker when configured.
func (c *Connection) execute(ctx context.Context, op string, fn func(w *wire) error) error {
	if c.breaker == nil {
		return c.withRetry(ctx, op, fn)
	}

	_, err := c.breaker.Execute(func() (bool, error) {
		return true, c.withRetry(ctx, op, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.stats.recordError()
		return &ConnectionError{Server: c.addr.String(), Op: op, Err: err}
	}
	return err
}

// withRetry runs fn up to c.attempts times, reconnecting after each transient fault.
// A reply that timed out is not retried: resending a set or create that the server
// already applied would report the wrong outcome.
func (c *Connection) withRetry(ctx context.Context, op string, fn func(w *wire) error) error {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		err := c.once(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || isReadTimeout(err) || ctx.Err() != nil {
			return err
		}

		lastErr = err
		c.logger.Warn("failed to send command to bloomd server",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < c.attempts {
			c.stats.recordRetry()
		}
	}

	c.logger.Error("failed to send command to bloomd server after all attempts",
		zap.String("op", op),
		zap.Int("attempts", c.attempts),
	)
	return &TransportExhaustedError{Server: c.addr.String(), Attempts: c.attempts, Err: lastErr}
}

// once acquires the socket, runs fn and releases it. The socket is destroyed on any failure,
// so the next acquire reconnects.
func (c *Connection) once(ctx context.Context, fn func(w *wire) error) error {
	res, err := c.ensureConnected(ctx)
	if err != nil {
		c.stats.recordError()
		return err
	}

	if err := fn(res.Value()); err != nil {
		c.stats.recordError()
		res.Destroy()
		return err
	}

	res.Release()
	return nil
}

// ensureConnected returns the live socket, dialing when Disconnected.
func (c *Connection) ensureConnected(ctx context.Context) (*puddle.Resource[*wire], error) {
	res, err := c.socket.Acquire(ctx)
	if err != nil {
		return nil, &ConnectionError{Server: c.addr.String(), Op: "connect", Err: err}
	}
	return res, nil
}

func (c *Connection) write(ctx context.Context, w *wire, command string) error {
	if err := c.setDeadline(ctx, w); err != nil {
		return &ConnectionError{Server: c.addr.String(), Op: "write", Err: err}
	}

	buf := mcache.Malloc(0, len(command)+1)
	buf = protocol.AppendLine(buf, command)
	_, err := w.conn.Write(buf)
	mcache.Free(buf)
	if err != nil {
		return &ConnectionError{Server: c.addr.String(), Op: "write", Err: err}
	}
	return nil
}

func (c *Connection) readLine(ctx context.Context, w *wire) (string, error) {
	if err := c.setDeadline(ctx, w); err != nil {
		return "", &ConnectionError{Server: c.addr.String(), Op: "read", Err: err}
	}

	line, err := protocol.ReadLine(w.reader)
	if err != nil {
		return "", &ConnectionError{Server: c.addr.String(), Op: "read", Err: err}
	}
	return line, nil
}

func (c *Connection) readBlock(ctx context.Context, w *wire, command, start, end string) ([]string, error) {
	if err := c.setDeadline(ctx, w); err != nil {
		return nil, &ConnectionError{Server: c.addr.String(), Op: "read", Err: err}
	}

	lines, err := protocol.ReadBlock(w.reader, start, end)
	if err != nil {
		var lineErr *protocol.UnexpectedLineError
		if errors.As(err, &lineErr) {
			return nil, &ProtocolError{
				Server:  c.addr.String(),
				Command: command,
				Reply:   lineErr.Got,
				Message: "did not get block start (" + start + ")",
			}
		}
		return nil, &ConnectionError{Server: c.addr.String(), Op: "read", Err: err}
	}
	return lines, nil
}

// setDeadline bounds the next socket operation by the configured timeout,
// or by the context deadline when it comes first.
func (c *Connection) setDeadline(ctx context.Context, w *wire) error {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return w.conn.SetDeadline(deadline)
}
