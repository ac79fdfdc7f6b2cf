package testutils

import (
	"bytes"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ConnectionMock is a mock implementation of net.Conn for testing.
// Reads are served from pre-configured response data, writes are recorded.
type ConnectionMock struct {
	mu          sync.Mutex
	readBuf     *bytes.Buffer
	writeBuf    *bytes.Buffer
	writeErr    error
	readErr     error
	deadlineErr error
	closed      bool
}

// NewConnectionMock creates a new mock connection with pre-configured response data
func NewConnectionMock(responseData ...string) *ConnectionMock {
	return &ConnectionMock{
		readBuf:  bytes.NewBufferString(strings.Join(responseData, "")),
		writeBuf: &bytes.Buffer{},
	}
}

// NewResetConnectionMock returns a mock whose writes fail like a socket reset by the peer.
func NewResetConnectionMock() *ConnectionMock {
	m := NewConnectionMock()
	m.writeErr = ResetError("write")
	return m
}

// ResetError builds the error the net package returns for a connection reset during op.
func ResetError(op string) error {
	return &net.OpError{
		Op:  op,
		Net: "tcp",
		Err: os.NewSyscallError(op, syscall.ECONNRESET),
	}
}

// FailReads makes every subsequent Read return err.
func (m *ConnectionMock) FailReads(err error) *ConnectionMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
	return m
}

// FailWrites makes every subsequent Write return err.
func (m *ConnectionMock) FailWrites(err error) *ConnectionMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
	return m
}

func (m *ConnectionMock) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8673}
}

// FailDeadlines makes every subsequent SetDeadline return err.
func (m *ConnectionMock) FailDeadlines(err error) *ConnectionMock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlineErr = err
	return m
}

func (m *ConnectionMock) SetDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadlineErr
}

func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// GetWrittenRequest returns the raw command bytes written to the mock connection
func (m *ConnectionMock) GetWrittenRequest() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}
