package bloomd

import (
	"context"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/bloomd/internal/testutils"
	"github.com/pior/bloomd/protocol"
)

func newTestFilter(t *testing.T) (*Filter, *testutils.Server) {
	t.Helper()

	server := testutils.StartServer(t)
	client := newTestClient(t, nil, server)

	filter, err := client.CreateFilter(context.Background(), filterName(), CreateOptions{})
	require.NoError(t, err)
	return filter, server
}

func TestFilter_AddContains(t *testing.T) {
	filter, _ := newTestFilter(t)
	ctx := context.Background()

	added, err := filter.Add(ctx, "alice")
	require.NoError(t, err)
	require.True(t, added)

	added, err = filter.Add(ctx, "alice")
	require.NoError(t, err)
	require.False(t, added)

	found, err := filter.Contains(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)

	found, err = filter.Contains(ctx, "bob")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFilter_NoFalseNegatives(t *testing.T) {
	filter, _ := newTestFilter(t)
	ctx := context.Background()

	keys := make([]string, 0, 200)
	for range 200 {
		keys = append(keys, gofakeit.UUID())
	}

	for _, key := range keys {
		_, err := filter.Add(ctx, key)
		require.NoError(t, err)
	}
	for _, key := range keys {
		found, err := filter.Contains(ctx, key)
		require.NoError(t, err)
		require.True(t, found, "key %s", key)
	}
}

func TestFilter_InvalidKey(t *testing.T) {
	filter, server := newTestFilter(t)
	before := server.TotalCommands()

	for _, key := range []string{"", "has space", "new\nline", strings.Repeat("k", protocol.MaxKeyLength+1)} {
		_, err := filter.Add(context.Background(), key)
		var invalid *InvalidKeyError
		require.ErrorAs(t, err, &invalid, "key %q", key)

		_, err = filter.Contains(context.Background(), key)
		require.ErrorAs(t, err, &invalid, "key %q", key)
	}

	require.Equal(t, before, server.TotalCommands())
}

func TestFilter_Size(t *testing.T) {
	filter, _ := newTestFilter(t)
	ctx := context.Background()

	size, err := filter.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), size)

	for _, key := range []string{"a", "b", "c"} {
		_, err := filter.Add(ctx, key)
		require.NoError(t, err)
	}

	size, err = filter.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), size)
}

func TestFilter_Info(t *testing.T) {
	server := testutils.StartServer(t)
	client := newTestClient(t, nil, server)
	ctx := context.Background()

	filter, err := client.CreateFilter(ctx, "users", CreateOptions{Capacity: 5000, Probability: 0.01})
	require.NoError(t, err)

	_, err = filter.Add(ctx, "alice")
	require.NoError(t, err)
	_, err = filter.Contains(ctx, "alice")
	require.NoError(t, err)

	info, err := filter.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5000", info["capacity"])
	assert.Equal(t, "0.010000", info["probability"])
	assert.Equal(t, "1", info["sets"])
	assert.Equal(t, "1", info["checks"])
	assert.Equal(t, "1", info["size"])
}

func TestFilter_Conf(t *testing.T) {
	filter, _ := newTestFilter(t)

	conf, err := filter.Conf(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filter.Name(), conf["filter_name"])
	assert.Contains(t, conf, "in_memory")
}

func TestFilter_Flush(t *testing.T) {
	filter, server := newTestFilter(t)

	require.NoError(t, filter.Flush(context.Background()))
	require.Equal(t, 1, server.Commands(protocol.VerbFlush))
}

func TestFilter_Drop(t *testing.T) {
	filter, server := newTestFilter(t)
	ctx := context.Background()

	require.True(t, server.HasFilter(filter.Name()))
	require.NoError(t, filter.Drop(ctx))
	require.False(t, server.HasFilter(filter.Name()))

	// Dropped twice: the server no longer knows the filter
	err := filter.Drop(ctx)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, "Filter does not exist", protoErr.Reply)
}

func TestFilter_UnexpectedReply(t *testing.T) {
	filter, server := newTestFilter(t)
	ctx := context.Background()

	server.SetReply(protocol.VerbSet, "Internal Error")
	server.SetReply(protocol.VerbCheck, "Delete in progress")

	_, err := filter.Add(ctx, "alice")
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "Internal Error", protoErr.Reply)
	assert.Equal(t, "set "+filter.Name()+" alice", protoErr.Command)
	assert.Equal(t, filter.Server(), protoErr.Server)

	_, err = filter.Contains(ctx, "alice")
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "Delete in progress", protoErr.Reply)

	// Protocol errors are not retried
	assert.Equal(t, 1, server.Commands(protocol.VerbSet))
	assert.Equal(t, 1, server.Commands(protocol.VerbCheck))
}

func TestFilter_SizeMissing(t *testing.T) {
	mock := testutils.NewConnectionMock("START\ncapacity 100\nEND\n")
	conn := newTestConnection(t, newScriptedDialer(mock))
	filter := NewFilter(conn, "users")

	_, err := filter.Size(context.Background())
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	require.Equal(t, "info users", protoErr.Command)
}

func TestFilter_Accessors(t *testing.T) {
	conn := newTestConnection(t, newScriptedDialer())
	filter := NewFilter(conn, "users")

	require.Equal(t, "users", filter.Name())
	require.Equal(t, "127.0.0.1:8673", filter.Server())
}
