package bloomd

import (
	"context"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/bloomd/internal/coarsetime"
	"github.com/pior/bloomd/protocol"
)

// ErrClientClosed is returned by operations on a closed Client.
var ErrClientClosed = errors.New("bloomd: client closed")

// CreateOptions are the optional parameters of CreateFilter.
type CreateOptions struct {
	// Capacity is the initial capacity of the filter. Zero uses the server default.
	Capacity int64

	// Probability is the initial false positive probability. Zero uses the server default.
	// Requires Capacity, the server only accepts them as a pair.
	Probability float64

	// Server forces the filter onto a server ("host" or "host:port") when it does
	// not exist yet. Ignored when a single server is configured.
	Server string
}

// Client presents one or more filter servers as a single service.
//
// Filters live on exactly one server each. The client discovers which one by listing
// every server and caching the result for RoutingTTL. New filters go to the server
// holding the fewest filters unless a server is given.
//
// One Connection is kept per server, created on first use.
type Client struct {
	servers []ServerAddr
	config  Config

	conns   cmap.ConcurrentMap[string, *Connection]
	routing *routingCache
	closed  atomic.Bool

	stats  *clientStatsCollector
	logger *zap.Logger
}

// NewClient creates a client for the given servers, each "host" or "host:port".
// No connection is made until the first operation.
func NewClient(servers []string, config Config) (*Client, error) {
	if len(servers) == 0 {
		return nil, &ConfigurationError{Message: "must provide at least 1 server"}
	}

	config = config.withDefaults()

	seen := make(map[string]bool, len(servers))
	addrs := make([]ServerAddr, 0, len(servers))
	keys := make([]string, 0, len(servers))
	for _, s := range servers {
		addr, err := ParseServerAddr(s)
		if err != nil {
			return nil, err
		}
		if seen[addr.String()] {
			continue
		}
		seen[addr.String()] = true
		addrs = append(addrs, addr)
		keys = append(keys, addr.String())
	}

	now := config.now
	if now == nil {
		now = coarsetime.Now
	}

	c := &Client{
		servers: addrs,
		config:  config,
		conns:   cmap.New[*Connection](),
		stats:   newClientStatsCollector(),
		logger:  config.Logger,
	}
	c.routing = &routingCache{
		servers: keys,
		ttl:     RoutingTTL,
		now:     now,
		fetch:   c.ListFiltersWithServer,
		logger:  config.Logger.Named("routing"),
		stats:   c.stats,
	}

	return c, nil
}

// Close closes every connection. The client cannot be used afterwards.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	for _, conn := range c.conns.Items() {
		conn.Close()
	}
}

// Servers returns the configured servers in "host:port" form.
func (c *Client) Servers() []string {
	out := make([]string, len(c.servers))
	for i, addr := range c.servers {
		out[i] = addr.String()
	}
	return out
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// RoutingSnapshot returns a copy of the cached filter routing and when it was fetched.
// The zero time means the cache was never populated.
func (c *Client) RoutingSnapshot() (map[string]FilterLocation, time.Time) {
	return c.routing.entries()
}

// connection returns the Connection for a server, creating it on first use.
// Exactly one Connection exists per server for the life of the client.
func (c *Client) connection(server string) (*Connection, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if conn, ok := c.conns.Get(server); ok {
		return conn, nil
	}

	addr, err := ParseServerAddr(server)
	if err != nil {
		return nil, err
	}

	created, err := newConnection(addr, &c.config, c.stats)
	if err != nil {
		return nil, err
	}
	if c.conns.SetIfAbsent(addr.String(), created) {
		return created, nil
	}

	// Lost the race: another caller registered this server first.
	created.Close()
	conn, _ := c.conns.Get(addr.String())
	return conn, nil
}

// CreateFilter creates a filter and returns a handle bound to the server hosting it.
// Fails with a ProtocolError if the server refuses, for example when the filter exists.
func (c *Client) CreateFilter(ctx context.Context, name string, opts CreateOptions) (*Filter, error) {
	if !protocol.IsValidName(name) {
		return nil, &InvalidKeyError{Kind: "filter name", Value: name}
	}
	if opts.Probability != 0 && opts.Capacity == 0 {
		return nil, &ConfigurationError{Message: "must provide capacity with probability"}
	}
	if opts.Capacity < 0 {
		return nil, &ConfigurationError{Message: "capacity must be positive"}
	}
	if opts.Probability < 0 || opts.Probability >= 1 {
		return nil, &ConfigurationError{Message: "probability must be between 0 and 1"}
	}

	var explicit string
	if opts.Server != "" {
		addr, err := ParseServerAddr(opts.Server)
		if err != nil {
			return nil, err
		}
		explicit = addr.String()
	}

	server, err := c.routing.resolve(ctx, name, false, explicit)
	if err != nil {
		return nil, err
	}
	conn, err := c.connection(server)
	if err != nil {
		return nil, err
	}

	cmd := protocol.CreateCommand(name, opts.Capacity, opts.Probability)
	reply, err := conn.SendAndReceive(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if protocol.DecodeReply(reply) != protocol.KindDone {
		c.stats.recordError()
		return nil, &ProtocolError{Server: server, Command: cmd, Reply: reply}
	}

	c.stats.recordCreate()
	c.logger.Debug("filter created", zap.String("filter", name), zap.String("server", server))
	return NewFilter(conn, name), nil
}

// GetFilter returns a handle to an existing filter.
// Fails with FilterNotFoundError when no server owns it.
func (c *Client) GetFilter(ctx context.Context, name string) (*Filter, error) {
	if !protocol.IsValidName(name) {
		return nil, &InvalidKeyError{Kind: "filter name", Value: name}
	}

	server, err := c.routing.resolve(ctx, name, true, "")
	if err != nil {
		return nil, err
	}
	conn, err := c.connection(server)
	if err != nil {
		return nil, err
	}
	return NewFilter(conn, name), nil
}

// ListFilters lists the filters of every server as name → raw listing info.
func (c *Client) ListFilters(ctx context.Context) (map[string]string, error) {
	locations, err := c.ListFiltersWithServer(ctx)
	if err != nil {
		return nil, err
	}

	filters := make(map[string]string, len(locations))
	for name, loc := range locations {
		filters[name] = loc.Info
	}
	return filters, nil
}

// ListFiltersWithServer lists the filters of every server along with their owner.
// A name reported by several servers keeps the last server's entry.
func (c *Client) ListFiltersWithServer(ctx context.Context) (map[string]FilterLocation, error) {
	filters := make(map[string]FilterLocation)

	for _, server := range c.routing.servers {
		conn, err := c.connection(server)
		if err != nil {
			return nil, err
		}

		lines, err := conn.SendAndReadBlock(ctx, protocol.Command(protocol.VerbList))
		if err != nil {
			return nil, errors.Wrapf(err, "list filters on %s", server)
		}
		c.stats.recordList()

		for _, line := range lines {
			name, info := protocol.SplitField(line)
			filters[name] = FilterLocation{Server: server, Info: info}
		}
	}

	return filters, nil
}

// FlushAll asks every server to flush its filters.
// Every server is tried; if any fails a PartialFailureError names the first one.
// Servers already flushed are not rolled back.
func (c *Client) FlushAll(ctx context.Context) error {
	var failure *PartialFailureError

	fail := func(server, reply string, err error) {
		c.stats.recordError()
		if failure == nil {
			failure = &PartialFailureError{Server: server, Reply: reply, Err: err}
		}
		failure.Failed = append(failure.Failed, server)
	}

	var succeeded []string
	for _, server := range c.routing.servers {
		conn, err := c.connection(server)
		if err != nil {
			fail(server, "", err)
			continue
		}

		reply, err := conn.SendAndReceive(ctx, protocol.Command(protocol.VerbFlush))
		if err != nil {
			fail(server, "", err)
			continue
		}
		if protocol.DecodeReply(reply) != protocol.KindDone {
			fail(server, reply, nil)
			continue
		}

		c.stats.recordFlush()
		succeeded = append(succeeded, server)
	}

	if failure != nil {
		failure.Succeeded = succeeded
		c.logger.Warn("flush failed on some servers",
			zap.Strings("failed", failure.Failed),
			zap.Strings("succeeded", succeeded),
		)
		return failure
	}
	return nil
}

// Configuration returns the configuration of the first server.
// Servers are assumed to share the same configuration.
func (c *Client) Configuration(ctx context.Context) (map[string]string, error) {
	conn, err := c.connection(c.routing.servers[0])
	if err != nil {
		return nil, err
	}
	return conn.SendAndReadKeyValues(ctx, protocol.Command(protocol.VerbConf))
}
