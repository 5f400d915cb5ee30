// Package loadtest stresses a session with concurrent writers.
//
// Writers add, toggle and delete tasks against one session backed by an
// in-process remote that fails a configurable share of pushes. After the
// writers finish, the queue is drained and every local record is compared
// with its remote row: the run converged when they all match.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/cache"
	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/schema"
	"github.com/steveyegge/tasksync/internal/session"
	tsync "github.com/steveyegge/tasksync/internal/sync"
)

// UserID owns every task a run creates.
const UserID = "loadtest"

// Options configures a run.
type Options struct {
	// Writers is the number of concurrent goroutines mutating tasks
	Writers int

	// OpsPerWriter is how many mutations each writer performs
	OpsPerWriter int

	// FailureRate is the share of pushes the remote rejects, in [0, 1)
	FailureRate float64

	// Seed makes the operation mix reproducible
	Seed int64

	// DrainTimeout bounds the wait for the queue to empty
	DrainTimeout time.Duration

	// Cache optionally persists the session while it runs
	Cache *cache.Cache

	// Logger for run progress (default: stderr)
	Logger *log.Logger
}

// DefaultOptions returns a moderate run.
func DefaultOptions() Options {
	return Options{
		Writers:      10,
		OpsPerWriter: 100,
		FailureRate:  0.2,
		Seed:         42,
		DrainTimeout: 30 * time.Second,
	}
}

// LatencyStats captures commit latency of the public API.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// Result is the outcome of a run.
type Result struct {
	Latency        *LatencyStats
	Adds           int
	Toggles        int
	Deletes        int
	Tasks          int
	Upserts        int
	InjectedFaults int
	Converged      bool
	Mismatches     []string
	Elapsed        time.Duration
}

// Run performs one load test.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Writers <= 0 || opts.OpsPerWriter <= 0 {
		return nil, fmt.Errorf("writers and ops per writer must be positive")
	}
	if opts.FailureRate < 0 || opts.FailureRate >= 1 {
		return nil, fmt.Errorf("failure rate must be in [0, 1), got %v", opts.FailureRate)
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultOptions().DrainTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
	}
	quiet := log.New(io.Discard, "", 0)

	mem := remote.NewMemory()
	faults := newFaultInjector(opts.FailureRate, opts.Seed)
	mem.SetUpsertErr(faults.maybeFail)

	s, err := session.Open(ctx, UserID, session.Options{
		Auth:   auth.NewStatic(auth.Identity{UserID: UserID}),
		Cache:  opts.Cache,
		Remote: mem,
		Sync: &tsync.Config{
			BackoffBase: 2 * time.Millisecond,
			BackoffMax:  20 * time.Millisecond,
			PushTimeout: 5 * time.Second,
			InitTimeout: time.Second,
			Logger:      quiet,
		},
		Logger: quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer s.Close(context.WithoutCancel(ctx))

	logger.Printf("Running %d writers x %d ops (failure rate %.0f%%)",
		opts.Writers, opts.OpsPerWriter, opts.FailureRate*100)
	start := time.Now()

	results := make(chan writerResult, opts.Writers)
	var wg sync.WaitGroup
	for i := 0; i < opts.Writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- runWriter(ctx, s, rand.New(rand.NewSource(opts.Seed+int64(id))), opts.OpsPerWriter)
		}(i)
	}
	wg.Wait()
	close(results)

	res := &Result{}
	var durations []time.Duration
	var ids []string
	errCount := 0
	for r := range results {
		durations = append(durations, r.durations...)
		ids = append(ids, r.ids...)
		errCount += r.errors
		res.Adds += r.adds
		res.Toggles += r.toggles
		res.Deletes += r.deletes
	}
	res.Latency = computeLatencyStats(durations)
	res.Latency.Errors = errCount

	drainCtx, cancel := context.WithTimeout(ctx, opts.DrainTimeout)
	defer cancel()
	s.ForceSync()
	if err := s.Drain(drainCtx); err != nil {
		return res, fmt.Errorf("queue did not drain: %w", err)
	}
	res.Elapsed = time.Since(start)

	res.Tasks = len(ids)
	res.Upserts = len(mem.UpsertLog())
	res.InjectedFaults = faults.count()
	res.Mismatches = verify(s, mem, ids)
	res.Converged = len(res.Mismatches) == 0

	logger.Printf("Finished in %v: %d tasks, %d upserts, %d injected faults, converged=%v",
		res.Elapsed, res.Tasks, res.Upserts, res.InjectedFaults, res.Converged)
	return res, nil
}

type writerResult struct {
	durations []time.Duration
	ids       []string
	errors    int
	adds      int
	toggles   int
	deletes   int
}

// runWriter performs ops mutations: 40% adds, 40% toggles, 20% deletes.
// Toggles and deletes pick one of the writer's own tasks.
func runWriter(ctx context.Context, s *session.Session, rng *rand.Rand, ops int) writerResult {
	var r writerResult

	for i := 0; i < ops && ctx.Err() == nil; i++ {
		p := rng.Float64()
		start := time.Now()
		var err error

		switch {
		case len(r.ids) == 0 || p < 0.4:
			var rec schema.TaskRecord
			rec, err = s.AddTask(ctx, fmt.Sprintf("load task %d", i))
			if err == nil {
				r.ids = append(r.ids, rec.ID)
				r.adds++
			}
		case p < 0.8:
			err = s.ToggleTaskStatus(r.ids[rng.Intn(len(r.ids))])
			r.toggles++
		default:
			err = s.DeleteTask(r.ids[rng.Intn(len(r.ids))])
			r.deletes++
		}

		r.durations = append(r.durations, time.Since(start))
		if err != nil {
			r.errors++
		}
	}
	return r
}

// verify compares every local record with its remote row.
func verify(s *session.Session, mem *remote.Memory, ids []string) []string {
	var mismatches []string
	for _, id := range ids {
		local, ok := s.GetTask(id)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: missing locally", id))
			continue
		}
		row, ok := mem.Row(id)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: missing remotely", id))
			continue
		}
		if !row.Equal(local) {
			mismatches = append(mismatches, fmt.Sprintf("%s: local counter %d, remote counter %d", id, local.Counter, row.Counter))
		}
	}
	if n := len(mem.Rows(UserID)); n != len(ids) {
		mismatches = append(mismatches, fmt.Sprintf("remote has %d rows, local has %d tasks", n, len(ids)))
	}
	return mismatches
}

// faultInjector fails a share of pushes.
type faultInjector struct {
	mu     sync.Mutex
	rate   float64
	rng    *rand.Rand
	failed int
}

func newFaultInjector(rate float64, seed int64) *faultInjector {
	return &faultInjector{rate: rate, rng: rand.New(rand.NewSource(seed))}
}

func (f *faultInjector) maybeFail(schema.TaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng.Float64() < f.rate {
		f.failed++
		return remote.ErrUnavailable
	}
	return nil
}

func (f *faultInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// Fprint writes the statistics to w.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Ops:     %d\n", s.TotalOps)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
