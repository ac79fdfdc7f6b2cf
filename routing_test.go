package bloomd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeListing is a routing fetch function returning a mutable listing.
type fakeListing struct {
	mu      sync.Mutex
	filters map[string]FilterLocation
	err     error
	calls   int
}

func (f *fakeListing) fetch(context.Context) (map[string]FilterLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]FilterLocation, len(f.filters))
	for k, v := range f.filters {
		out[k] = v
	}
	return out, nil
}

func (f *fakeListing) set(name, server string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters[name] = FilterLocation{Server: server}
}

func (f *fakeListing) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRouting(clock *fakeClock, listing *fakeListing, servers ...string) *routingCache {
	return &routingCache{
		servers: servers,
		ttl:     RoutingTTL,
		now:     clock.Now,
		fetch:   listing.fetch,
		logger:  zap.NewNop(),
		stats:   newClientStatsCollector(),
	}
}

func TestRouting_FreshSnapshotIsReused(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{"users": {Server: "b:8673"}}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673")
	ctx := context.Background()

	server, err := routing.resolve(ctx, "users", true, "")
	require.NoError(t, err)
	require.Equal(t, "b:8673", server)
	require.Equal(t, 1, listing.Calls())

	clock.Advance(RoutingTTL - time.Second)

	server, err = routing.resolve(ctx, "users", true, "")
	require.NoError(t, err)
	require.Equal(t, "b:8673", server)
	require.Equal(t, 1, listing.Calls())
}

func TestRouting_StaleSnapshotIsRefreshed(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{"users": {Server: "a:8673"}}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673")
	ctx := context.Background()

	_, err := routing.resolve(ctx, "users", true, "")
	require.NoError(t, err)

	// The filter moved while the snapshot was fresh
	listing.set("users", "b:8673")
	clock.Advance(RoutingTTL)

	server, err := routing.resolve(ctx, "users", true, "")
	require.NoError(t, err)
	require.Equal(t, "b:8673", server)
	require.Equal(t, 2, listing.Calls())
}

func TestRouting_MissForcesOneRefresh(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673")
	ctx := context.Background()

	_, err := routing.resolve(ctx, "users", true, "")
	require.Equal(t, 2, listing.Calls())

	var notFound *FilterNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "users", notFound.Name)

	// Created elsewhere after the last refresh
	listing.set("users", "a:8673")

	server, err := routing.resolve(ctx, "users", true, "")
	require.NoError(t, err)
	require.Equal(t, "a:8673", server)
	require.Equal(t, 3, listing.Calls())
}

func TestRouting_ExplicitServer(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{"users": {Server: "a:8673"}}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673", "c:8673")
	ctx := context.Background()

	server, err := routing.resolve(ctx, "events", false, "c:8673")
	require.NoError(t, err)
	require.Equal(t, "c:8673", server)

	// An existing filter keeps its owner
	server, err = routing.resolve(ctx, "users", false, "c:8673")
	require.NoError(t, err)
	require.Equal(t, "a:8673", server)
}

func TestRouting_PlacementPicksLeastLoaded(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{
		"f1": {Server: "a:8673"},
		"f2": {Server: "a:8673"},
		"f3": {Server: "b:8673"},
		"f4": {Server: "c:8673"},
		"f5": {Server: "c:8673"},
	}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673", "c:8673")

	server, err := routing.resolve(context.Background(), "new-filter", false, "")
	require.NoError(t, err)
	require.Equal(t, "b:8673", server)
}

func TestRouting_PlacementTieBreak(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{
		"f1": {Server: "a:8673"},
		"f2": {Server: "c:8673"},
	}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673", "c:8673", "d:8673")
	snap, err := routing.snapshot(context.Background())
	require.NoError(t, err)

	for range 100 {
		name := filterName()
		server := routing.place(snap, name)
		assert.Contains(t, []string{"b:8673", "d:8673"}, server)

		// Stable for a given name
		assert.Equal(t, server, routing.place(snap, name))
	}
}

func TestRouting_PlacementIgnoresUnknownServers(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{
		"f1": {Server: "a:8673"},
		"f2": {Server: "gone:8673"},
		"f3": {Server: "gone:8673"},
	}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673")

	server, err := routing.resolve(context.Background(), "new-filter", false, "")
	require.NoError(t, err)
	require.Equal(t, "b:8673", server)
}

func TestRouting_SingleServerBypass(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{}}
	routing := newTestRouting(clock, listing, "a:8673")

	server, err := routing.resolve(context.Background(), "anything", true, "")
	require.NoError(t, err)
	require.Equal(t, "a:8673", server)
	require.Equal(t, 0, listing.Calls())
}

func TestRouting_RefreshFailureKeepsSnapshot(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{"users": {Server: "a:8673"}}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673")
	ctx := context.Background()

	_, err := routing.resolve(ctx, "users", true, "")
	require.NoError(t, err)
	_, fetchedAt := routing.entries()

	boom := errors.New("boom")
	listing.mu.Lock()
	listing.err = boom
	listing.mu.Unlock()
	clock.Advance(RoutingTTL)

	_, err = routing.resolve(ctx, "users", true, "")
	require.ErrorIs(t, err, boom)

	entries, stillFetchedAt := routing.entries()
	require.Equal(t, fetchedAt, stillFetchedAt)
	require.Contains(t, entries, "users")
}

func TestRouting_Entries(t *testing.T) {
	clock := newFakeClock()
	listing := &fakeListing{filters: map[string]FilterLocation{"users": {Server: "a:8673", Info: "0.01 100 10 0"}}}
	routing := newTestRouting(clock, listing, "a:8673", "b:8673")

	entries, fetchedAt := routing.entries()
	require.Empty(t, entries)
	require.True(t, fetchedAt.IsZero())

	_, err := routing.snapshot(context.Background())
	require.NoError(t, err)

	entries, fetchedAt = routing.entries()
	require.Equal(t, map[string]FilterLocation{"users": {Server: "a:8673", Info: "0.01 100 10 0"}}, entries)
	require.Equal(t, clock.Now(), fetchedAt)

	// Callers get a copy
	delete(entries, "users")
	entries, _ = routing.entries()
	require.Contains(t, entries, "users")
}
