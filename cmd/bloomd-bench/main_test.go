package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pior/bloomd"
	"github.com/pior/bloomd/internal/testutils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("github.com/pior/bloomd/internal/coarsetime.refresh"),
	)
}

func newTestBench(t *testing.T) (*bench, *testutils.Server, *bytes.Buffer) {
	t.Helper()

	server := testutils.StartServer(t)
	client, err := bloomd.NewClient([]string{server.Addr()}, bloomd.Config{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	var out bytes.Buffer
	b, err := newBench(context.Background(), client, 50*time.Millisecond, 4, &out)
	require.NoError(t, err)
	return b, server, &out
}

func TestBench_Operations(t *testing.T) {
	b, server, out := newTestBench(t)
	ctx := context.Background()

	require.True(t, server.HasFilter(b.filter.Name()))
	require.NoError(t, b.preload(ctx, 50))

	for _, op := range []OperationType{Set, CheckHit, CheckMiss} {
		result := b.run(ctx, op)

		assert.Equal(t, op, result.Operation)
		assert.Positive(t, result.TotalOps, op)
		assert.Equal(t, result.TotalOps, result.Successes, op)
		assert.Zero(t, result.Failures, op)
		assert.Zero(t, result.FalsePositives, op)
		assert.True(t, result.Correctness, op)
		assert.Empty(t, result.ErrorMessage, op)

		printResult(out, result)
	}

	require.Contains(t, out.String(), "Operation: check-hit")
	require.Contains(t, out.String(), "Correctness: true")

	b.close(ctx)
	require.False(t, server.HasFilter(b.filter.Name()))
}

func TestBench_CheckHitWithoutPreload(t *testing.T) {
	b, _, _ := newTestBench(t)

	result := b.run(context.Background(), CheckHit)
	require.False(t, result.Correctness)
	require.Equal(t, "No keys preloaded", result.ErrorMessage)
}

func TestBench_Failures(t *testing.T) {
	b, server, _ := newTestBench(t)
	server.SetReply("check", "Internal Error")

	result := b.run(context.Background(), CheckMiss)
	require.Positive(t, result.Failures)
	require.Zero(t, result.Successes)
	require.Contains(t, result.ErrorMessage, "Internal Error")
}

func TestBench_UnknownOperation(t *testing.T) {
	b, _, _ := newTestBench(t)

	result := b.run(context.Background(), "delete")
	require.False(t, result.Correctness)
	require.Equal(t, "Unknown operation: delete", result.ErrorMessage)
}

func TestExecute(t *testing.T) {
	server := testutils.StartServer(t)
	client, err := bloomd.NewClient([]string{server.Addr()}, bloomd.Config{Timeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	var out bytes.Buffer
	err = execute(context.Background(), client, &out, All, 20*time.Millisecond, 2, 10)
	require.NoError(t, err)

	require.Contains(t, out.String(), "--- Running check-miss benchmark ---")
	require.Equal(t, 1, server.Commands("create"))
	require.Zero(t, server.FilterCount(), "benchmark filter is dropped")
}

func TestExecute_PreloadFailureDropsFilter(t *testing.T) {
	server := testutils.StartServer(t)
	server.SetReply("set", "Internal Error")
	client, err := bloomd.NewClient([]string{server.Addr()}, bloomd.Config{Timeout: time.Second})
	require.NoError(t, err)
	defer client.Close()

	var out bytes.Buffer
	err = execute(context.Background(), client, &out, All, 20*time.Millisecond, 2, 10)
	require.ErrorContains(t, err, "add check-hit keys")

	require.Equal(t, 1, server.Commands("drop"))
	require.Zero(t, server.FilterCount())
	require.NotContains(t, out.String(), "--- Running")
}
