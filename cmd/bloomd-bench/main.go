package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pior/bloomd"
)

type OperationType string

const (
	Set       OperationType = "set"
	CheckHit  OperationType = "check-hit"
	CheckMiss OperationType = "check-miss"
	All       OperationType = "all"
)

type BenchmarkResult struct {
	Operation      OperationType
	Duration       time.Duration
	TotalOps       int64
	Successes      int64
	Failures       int64
	FalsePositives int64
	AvgLatency     time.Duration
	OpsPerSecond   float64
	Correctness    bool
	ErrorMessage   string
}

func main() {
	fs := pflag.NewFlagSet("bloomd-bench", pflag.ExitOnError)
	var (
		operation   = fs.String("operation", "all", "Operation type: set, check-hit, check-miss, or all")
		duration    = fs.Duration("duration", 5*time.Second, "Duration to run each benchmark")
		concurrency = fs.Int("concurrency", 1, "Number of concurrent workers")
		servers     = fs.StringSlice("servers", []string{"localhost:8673"}, "Filter servers, each host or host:port")
		hitKeys     = fs.Int("hit-keys", 1000, "Keys added before the check-hit benchmark")
		verbose     = fs.Bool("verbose", false, "Log client events to stderr")
	)
	_ = fs.Parse(os.Args[1:])

	fmt.Printf("Bloomd Benchmark Tool\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Operation: %s\n", *operation)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Servers: %v\n", *servers)
	fmt.Println()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	client, err := bloomd.NewClient(*servers, bloomd.Config{
		Timeout: 5 * time.Second,
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if err := execute(context.Background(), client, os.Stdout, OperationType(*operation), *duration, *concurrency, *hitKeys); err != nil {
		fmt.Println(err)
		fmt.Printf("Make sure bloomd is running on %v\n", *servers)
	}
}

// execute runs the benchmarks on a throwaway filter, dropped before returning.
func execute(ctx context.Context, client *bloomd.Client, out io.Writer, operation OperationType, duration time.Duration, concurrency, hitKeys int) error {
	fmt.Fprint(out, "Creating benchmark filter...")
	b, err := newBench(ctx, client, duration, concurrency, out)
	if err != nil {
		fmt.Fprintln(out, " failed")
		return err
	}
	defer b.close(ctx)
	fmt.Fprintf(out, " %s on %s\n\n", b.filter.Name(), b.filter.Server())

	if err := b.preload(ctx, hitKeys); err != nil {
		return errors.Wrap(err, "add check-hit keys")
	}

	if operation == All {
		for _, op := range []OperationType{Set, CheckHit, CheckMiss} {
			fmt.Fprintf(out, "\n--- Running %s benchmark ---\n", op)
			printResult(out, b.run(ctx, op))
		}
		return nil
	}
	printResult(out, b.run(ctx, operation))
	return nil
}

// bench drives one filter from several workers sharing a client.
type bench struct {
	filter      *bloomd.Filter
	duration    time.Duration
	concurrency int
	out         io.Writer

	runID   string
	hitKeys []string
}

func newBench(ctx context.Context, client *bloomd.Client, duration time.Duration, concurrency int, out io.Writer) (*bench, error) {
	runID := uuid.NewString()[:8]

	filter, err := client.CreateFilter(ctx, "bench-"+runID, bloomd.CreateOptions{Capacity: 1000000, Probability: 0.001})
	if err != nil {
		return nil, errors.Wrap(err, "create benchmark filter")
	}

	return &bench{
		filter:      filter,
		duration:    duration,
		concurrency: max(concurrency, 1),
		out:         out,
		runID:       runID,
	}, nil
}

// preload adds the keys later checked by the check-hit benchmark.
func (b *bench) preload(ctx context.Context, n int) error {
	b.hitKeys = make([]string, 0, n)
	for i := range n {
		key := b.runID + "-hit-" + strconv.Itoa(i)
		if _, err := b.filter.Add(ctx, key); err != nil {
			return err
		}
		b.hitKeys = append(b.hitKeys, key)
	}
	return nil
}

func (b *bench) close(ctx context.Context) {
	if err := b.filter.Drop(ctx); err != nil {
		fmt.Fprintf(b.out, "Failed to drop %s: %v\n", b.filter.Name(), err)
	}
}

func (b *bench) run(ctx context.Context, operation OperationType) *BenchmarkResult {
	switch operation {
	case Set:
		// Fresh keys: every add must report the key as new, or be a false positive
		return b.loop(ctx, Set, func(ctx context.Context, worker, i int) (bool, error) {
			added, err := b.filter.Add(ctx, fmt.Sprintf("%s-set-%d-%d", b.runID, worker, i))
			return !added, err
		}, false)

	case CheckHit:
		if len(b.hitKeys) == 0 {
			return &BenchmarkResult{Operation: CheckHit, ErrorMessage: "No keys preloaded"}
		}
		return b.loop(ctx, CheckHit, func(ctx context.Context, worker, i int) (bool, error) {
			found, err := b.filter.Contains(ctx, b.hitKeys[(worker+i)%len(b.hitKeys)])
			return !found, err
		}, true)

	case CheckMiss:
		return b.loop(ctx, CheckMiss, func(ctx context.Context, worker, i int) (bool, error) {
			found, err := b.filter.Contains(ctx, fmt.Sprintf("%s-miss-%d-%d", b.runID, worker, i))
			return found, err
		}, false)

	default:
		return &BenchmarkResult{
			Operation:    operation,
			Correctness:  false,
			ErrorMessage: fmt.Sprintf("Unknown operation: %s", operation),
		}
	}
}

// loop runs op from every worker until the duration elapses. op reports whether
// the answer was wrong: for hit checks a wrong answer is a false negative and
// breaks correctness, otherwise it is an acceptable false positive.
func (b *bench) loop(ctx context.Context, operation OperationType, op func(ctx context.Context, worker, i int) (bool, error), strict bool) *BenchmarkResult {
	fmt.Fprintf(b.out, "Starting %s benchmark with %d workers for %v...\n", operation, b.concurrency, b.duration)

	result := &BenchmarkResult{Operation: operation, Correctness: true}
	var totalOps, successes, failures, wrong, totalLatency int64
	var errMu sync.Mutex

	startTime := time.Now()
	var wg sync.WaitGroup

	for worker := range b.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := 0; time.Since(startTime) < b.duration; i++ {
				opStart := time.Now()
				isWrong, err := op(ctx, worker, i)
				atomic.AddInt64(&totalLatency, int64(time.Since(opStart)))
				atomic.AddInt64(&totalOps, 1)

				if err != nil {
					atomic.AddInt64(&failures, 1)
					errMu.Lock()
					result.ErrorMessage = err.Error()
					errMu.Unlock()
					continue
				}
				atomic.AddInt64(&successes, 1)
				if isWrong {
					atomic.AddInt64(&wrong, 1)
				}
			}
		}()
	}

	wg.Wait()
	result.Duration = time.Since(startTime)

	result.TotalOps = totalOps
	result.Successes = successes
	result.Failures = failures
	if strict {
		result.Correctness = wrong == 0
		if wrong > 0 {
			result.ErrorMessage = fmt.Sprintf("%d false negatives", wrong)
		}
	} else {
		result.FalsePositives = wrong
	}
	if totalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency / totalOps)
		result.OpsPerSecond = float64(totalOps) / result.Duration.Seconds()
	}

	return result
}

func printResult(out io.Writer, result *BenchmarkResult) {
	fmt.Fprintf(out, "Operation: %s\n", result.Operation)
	fmt.Fprintf(out, "Duration: %v\n", result.Duration)
	fmt.Fprintf(out, "Total Operations: %d\n", result.TotalOps)
	fmt.Fprintf(out, "Successes: %d\n", result.Successes)
	fmt.Fprintf(out, "Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Fprintf(out, "Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Fprintf(out, "Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Fprintf(out, "Avg Latency: %v\n", result.AvgLatency)
	}
	if result.Operation != CheckHit {
		fmt.Fprintf(out, "False Positives: %d\n", result.FalsePositives)
	}
	fmt.Fprintf(out, "Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", result.ErrorMessage)
	}
	fmt.Fprintln(out)
}
