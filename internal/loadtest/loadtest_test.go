package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/tasksync/internal/cache"
)

// TestRun_Converges verifies that concurrent writers with flaky pushes
// still end with every local record matching the remote.
func TestRun_Converges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache.Open() failed: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := Run(ctx, Options{
		Writers:      4,
		OpsPerWriter: 50,
		FailureRate:  0.3,
		Seed:         7,
		DrainTimeout: 15 * time.Second,
		Cache:        c,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if !res.Converged {
		t.Fatalf("run did not converge: %v", res.Mismatches)
	}
	if got := res.Adds + res.Toggles + res.Deletes; got != 200 {
		t.Errorf("performed %d ops, want 200", got)
	}
	if res.Latency.TotalOps != 200 || res.Latency.Errors != 0 {
		t.Errorf("latency stats = %d ops, %d errors", res.Latency.TotalOps, res.Latency.Errors)
	}
	if res.Tasks != res.Adds {
		t.Errorf("tasks = %d, adds = %d", res.Tasks, res.Adds)
	}
	if res.InjectedFaults == 0 {
		t.Error("expected some injected push failures")
	}

	t.Logf("%d tasks, %d upserts, %d faults in %v", res.Tasks, res.Upserts, res.InjectedFaults, res.Elapsed)
}

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no writers", Options{Writers: 0, OpsPerWriter: 1}},
		{"no ops", Options{Writers: 1, OpsPerWriter: 0}},
		{"always failing", Options{Writers: 1, OpsPerWriter: 1, FailureRate: 1}},
		{"negative rate", Options{Writers: 1, OpsPerWriter: 1, FailureRate: -0.1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Run(context.Background(), tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond || stats.P95 != 96*time.Millisecond || stats.P99 != 100*time.Millisecond {
		t.Errorf("percentiles = %v/%v/%v", stats.P50, stats.P95, stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("mean = %v", stats.Mean)
	}

	var buf bytes.Buffer
	stats.Fprint(&buf)
	if !strings.Contains(buf.String(), "Total Ops:     100") {
		t.Errorf("unexpected output:\n%s", buf.String())
	}

	if empty := computeLatencyStats(nil); empty.TotalOps != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}
