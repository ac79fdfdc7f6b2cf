package bloomd

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/bloomd/internal"
)

// FilterLocation is a routing entry: the server owning a filter and the raw
// listing line the server reported for it.
type FilterLocation struct {
	Server string
	Info   string
}

// routingSnapshot is replaced wholesale on every refresh, never merged.
type routingSnapshot struct {
	filters   map[string]FilterLocation
	fetchedAt time.Time
}

// routingCache maps filter names to the server owning them.
//
// A snapshot younger than ttl is Fresh and answers lookups without network calls.
// Older (or missing) snapshots are Stale and refreshed inline by the next lookup.
// Refreshing lists every configured server, one round trip each.
type routingCache struct {
	servers []string
	ttl     time.Duration
	now     func() time.Time
	fetch   func(ctx context.Context) (map[string]FilterLocation, error)

	current atomic.Pointer[routingSnapshot]

	logger *zap.Logger
	stats  *clientStatsCollector
}

func (r *routingCache) stale(snap *routingSnapshot) bool {
	return snap == nil || r.now().Sub(snap.fetchedAt) >= r.ttl
}

// snapshot returns the current snapshot, refreshing it first when stale.
func (r *routingCache) snapshot(ctx context.Context) (*routingSnapshot, error) {
	snap := r.current.Load()
	if !r.stale(snap) {
		return snap, nil
	}
	return r.refresh(ctx)
}

// refresh fetches every server's listing and installs it as the new snapshot.
// On failure the previous snapshot stays in place.
func (r *routingCache) refresh(ctx context.Context) (*routingSnapshot, error) {
	filters, err := r.fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "refresh filter routing")
	}

	snap := &routingSnapshot{filters: filters, fetchedAt: r.now()}
	r.current.Store(snap)
	r.stats.recordRefresh()
	r.logger.Debug("filter routing refreshed",
		zap.Int("filters", len(filters)),
		zap.Int("servers", len(r.servers)),
	)
	return snap, nil
}

// resolve returns the server that owns name.
//
// With a single server configured routing is skipped entirely. Otherwise an unknown
// name forces one refresh before giving up: strict lookups then fail with
// FilterNotFoundError, non-strict lookups fall back to explicit (when set) or to the
// server holding the fewest filters.
func (r *routingCache) resolve(ctx context.Context, name string, strict bool, explicit string) (string, error) {
	if len(r.servers) == 1 {
		return r.servers[0], nil
	}

	snap, err := r.snapshot(ctx)
	if err != nil {
		return "", err
	}
	if loc, ok := snap.filters[name]; ok {
		return loc.Server, nil
	}

	// The filter may have been created after the snapshot was taken
	snap, err = r.refresh(ctx)
	if err != nil {
		return "", err
	}
	if loc, ok := snap.filters[name]; ok {
		return loc.Server, nil
	}

	if strict {
		return "", &FilterNotFoundError{Name: name}
	}
	if explicit != "" {
		return explicit, nil
	}
	return r.place(snap, name), nil
}

// place picks the configured server owning the fewest filters.
// Ties are broken by hashing the filter name over the tied servers.
func (r *routingCache) place(snap *routingSnapshot, name string) string {
	counts := make(map[string]int, len(r.servers))
	for _, server := range r.servers {
		counts[server] = 0
	}
	for _, loc := range snap.filters {
		if _, ok := counts[loc.Server]; ok {
			counts[loc.Server]++
		}
	}

	lowest := -1
	var candidates []string
	for _, server := range r.servers {
		switch n := counts[server]; {
		case lowest < 0 || n < lowest:
			lowest = n
			candidates = append(candidates[:0], server)
		case n == lowest:
			candidates = append(candidates, server)
		}
	}

	return candidates[internal.PickByName(name, len(candidates))]
}

// entries copies the current snapshot.
func (r *routingCache) entries() (map[string]FilterLocation, time.Time) {
	snap := r.current.Load()
	if snap == nil {
		return map[string]FilterLocation{}, time.Time{}
	}

	out := make(map[string]FilterLocation, len(snap.filters))
	for name, loc := range snap.filters {
		out[name] = loc
	}
	return out, snap.fetchedAt
}
