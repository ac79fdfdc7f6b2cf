package bloomd

import (
	"sync/atomic"
)

// ClientStats contains statistics about client operations.
// All fields are safe for concurrent access.
//
// For Prometheus integration, see StatsCollector.
type ClientStats struct {
	Creates   uint64 // Filters created
	Sets      uint64 // Keys added
	Checks    uint64 // Membership checks
	Drops     uint64 // Filters dropped
	Flushes   uint64 // Flush commands (filter or server wide)
	Lists     uint64 // Server listings fetched
	Refreshes uint64 // Routing cache refreshes
	Retries   uint64 // Attempts repeated after a transient fault
	Errors    uint64 // Total errors across all operations
}

// clientStatsCollector provides internal methods for updating client stats.
// Shared by a Client and all its Connections.
type clientStatsCollector struct {
	stats *ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{
		stats: &ClientStats{},
	}
}

func (c *clientStatsCollector) recordCreate() {
	atomic.AddUint64(&c.stats.Creates, 1)
}

func (c *clientStatsCollector) recordSet() {
	atomic.AddUint64(&c.stats.Sets, 1)
}

func (c *clientStatsCollector) recordCheck() {
	atomic.AddUint64(&c.stats.Checks, 1)
}

func (c *clientStatsCollector) recordDrop() {
	atomic.AddUint64(&c.stats.Drops, 1)
}

func (c *clientStatsCollector) recordFlush() {
	atomic.AddUint64(&c.stats.Flushes, 1)
}

func (c *clientStatsCollector) recordList() {
	atomic.AddUint64(&c.stats.Lists, 1)
}

func (c *clientStatsCollector) recordRefresh() {
	atomic.AddUint64(&c.stats.Refreshes, 1)
}

func (c *clientStatsCollector) recordRetry() {
	atomic.AddUint64(&c.stats.Retries, 1)
}

func (c *clientStatsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Creates:   atomic.LoadUint64(&c.stats.Creates),
		Sets:      atomic.LoadUint64(&c.stats.Sets),
		Checks:    atomic.LoadUint64(&c.stats.Checks),
		Drops:     atomic.LoadUint64(&c.stats.Drops),
		Flushes:   atomic.LoadUint64(&c.stats.Flushes),
		Lists:     atomic.LoadUint64(&c.stats.Lists),
		Refreshes: atomic.LoadUint64(&c.stats.Refreshes),
		Retries:   atomic.LoadUint64(&c.stats.Retries),
		Errors:    atomic.LoadUint64(&c.stats.Errors),
	}
}
