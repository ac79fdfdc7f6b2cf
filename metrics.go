package bloomd

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsCollector exposes a client's statistics as Prometheus counters.
//
//	reg.MustRegister(bloomd.NewStatsCollector(client, "bloomd"))
type StatsCollector struct {
	client *Client

	creates   *prometheus.Desc
	sets      *prometheus.Desc
	checks    *prometheus.Desc
	drops     *prometheus.Desc
	flushes   *prometheus.Desc
	lists     *prometheus.Desc
	refreshes *prometheus.Desc
	retries   *prometheus.Desc
	errors    *prometheus.Desc
	conns     *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector returns a collector for client's statistics, with metric names
// prefixed by namespace.
func NewStatsCollector(client *Client, namespace string) *StatsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "client", name), help, labels, nil)
	}

	return &StatsCollector{
		client:    client,
		creates:   desc("filters_created_total", "Filters created."),
		sets:      desc("keys_set_total", "Keys added to filters."),
		checks:    desc("keys_checked_total", "Membership checks."),
		drops:     desc("filters_dropped_total", "Filters dropped."),
		flushes:   desc("flushes_total", "Flush commands acknowledged."),
		lists:     desc("server_listings_total", "Server filter listings fetched."),
		refreshes: desc("routing_refreshes_total", "Routing cache refreshes."),
		retries:   desc("retries_total", "Attempts repeated after a transient network fault."),
		errors:    desc("errors_total", "Errors across all operations."),
		conns:     desc("connection_up", "Whether the connection to a server holds a live socket.", "server"),
	}
}

func (s *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.creates
	ch <- s.sets
	ch <- s.checks
	ch <- s.drops
	ch <- s.flushes
	ch <- s.lists
	ch <- s.refreshes
	ch <- s.retries
	ch <- s.errors
	ch <- s.conns
}

func (s *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := s.client.Stats()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	counter(s.creates, stats.Creates)
	counter(s.sets, stats.Sets)
	counter(s.checks, stats.Checks)
	counter(s.drops, stats.Drops)
	counter(s.flushes, stats.Flushes)
	counter(s.lists, stats.Lists)
	counter(s.refreshes, stats.Refreshes)
	counter(s.retries, stats.Retries)
	counter(s.errors, stats.Errors)

	for server, conn := range s.client.conns.Items() {
		up := 0.0
		if conn.State() == StateConnected {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(s.conns, prometheus.GaugeValue, up, server)
	}
}
