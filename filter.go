package bloomd

import (
	"context"
	"strconv"

	"github.com/pior/bloomd/protocol"
)

// Filter is a named filter bound to the connection of the server that owns it.
// It caches nothing: Info and Conf always ask the server.
// After Drop the handle must not be used anymore.
type Filter struct {
	name  string
	conn  *Connection
	stats *clientStatsCollector
}

// NewFilter binds a filter name to a connection.
func NewFilter(conn *Connection, name string) *Filter {
	return &Filter{name: name, conn: conn, stats: conn.stats}
}

// Name returns the filter name.
func (f *Filter) Name() string {
	return f.name
}

// Server returns the address of the server owning the filter.
func (f *Filter) Server() string {
	return f.conn.Addr().String()
}

// Add inserts key. Returns true if the key was newly added, false if it was
// (probably) already present.
func (f *Filter) Add(ctx context.Context, key string) (bool, error) {
	if !protocol.IsValidKey(key) {
		return false, &InvalidKeyError{Kind: "key", Value: key}
	}

	cmd := protocol.Command(protocol.VerbSet, f.name, key)
	reply, err := f.conn.SendAndReceive(ctx, cmd)
	if err != nil {
		return false, err
	}

	added, err := f.yesNo(cmd, reply)
	if err != nil {
		return false, err
	}
	f.stats.recordSet()
	return added, nil
}

// Contains checks whether key is in the filter. False positives are possible,
// false negatives are not.
func (f *Filter) Contains(ctx context.Context, key string) (bool, error) {
	if !protocol.IsValidKey(key) {
		return false, &InvalidKeyError{Kind: "key", Value: key}
	}

	cmd := protocol.Command(protocol.VerbCheck, f.name, key)
	reply, err := f.conn.SendAndReceive(ctx, cmd)
	if err != nil {
		return false, err
	}

	found, err := f.yesNo(cmd, reply)
	if err != nil {
		return false, err
	}
	f.stats.recordCheck()
	return found, nil
}

// Drop permanently deletes the filter from the server.
func (f *Filter) Drop(ctx context.Context) error {
	if err := f.done(ctx, protocol.Command(protocol.VerbDrop, f.name)); err != nil {
		return err
	}
	f.stats.recordDrop()
	return nil
}

// Flush forces the filter to be persisted by the server.
func (f *Filter) Flush(ctx context.Context) error {
	if err := f.done(ctx, protocol.Command(protocol.VerbFlush, f.name)); err != nil {
		return err
	}
	f.stats.recordFlush()
	return nil
}

// Info returns the server's description of the filter (capacity, size, storage, counters...).
func (f *Filter) Info(ctx context.Context) (map[string]string, error) {
	return f.conn.SendAndReadKeyValues(ctx, protocol.Command(protocol.VerbInfo, f.name))
}

// Conf returns the filter's configuration.
func (f *Filter) Conf(ctx context.Context) (map[string]string, error) {
	return f.conn.SendAndReadKeyValues(ctx, protocol.Command(protocol.VerbConf, f.name))
}

// Size returns the approximate number of keys stored, from Info's "size".
// Collisions may make it undercount, it never overcounts.
func (f *Filter) Size(ctx context.Context) (int64, error) {
	info, err := f.Info(ctx)
	if err != nil {
		return 0, err
	}

	raw, ok := info["size"]
	if !ok {
		return 0, &ProtocolError{Server: f.Server(), Command: protocol.Command(protocol.VerbInfo, f.name), Message: "info without size"}
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &ProtocolError{Server: f.Server(), Command: protocol.Command(protocol.VerbInfo, f.name), Reply: raw, Message: "invalid size"}
	}
	return size, nil
}

func (f *Filter) done(ctx context.Context, cmd string) error {
	reply, err := f.conn.SendAndReceive(ctx, cmd)
	if err != nil {
		return err
	}
	if protocol.DecodeReply(reply) != protocol.KindDone {
		f.stats.recordError()
		return &ProtocolError{Server: f.Server(), Command: cmd, Reply: reply}
	}
	return nil
}

func (f *Filter) yesNo(cmd, reply string) (bool, error) {
	switch protocol.DecodeReply(reply) {
	case protocol.KindYes:
		return true, nil
	case protocol.KindNo:
		return false, nil
	default:
		f.stats.recordError()
		return false, &ProtocolError{Server: f.Server(), Command: cmd, Reply: reply}
	}
}
