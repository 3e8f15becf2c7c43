// Package bench measures local queue throughput and latency.
//
// The capture path and the drain cycles contend for one SQLite file, so
// the numbers that matter are concurrent enqueue latency and how fast
// claim-and-settle cycles empty a backlog. Runs are indicative, not a
// regression gate; they use a throwaway database unless told otherwise.
package bench

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// Samples is the total number of fixes to enqueue.
	Samples int
	// Writers is the number of concurrent enqueueing goroutines,
	// simulating capture bursts racing the spool ingester.
	Writers int
	// BatchSize is the claim size the drain phase uses per cycle.
	BatchSize int
	// QueueLimit caps the queue during enqueue; zero disables eviction.
	QueueLimit int
	// DBPath locates the database. Empty means a throwaway file under
	// the system temp directory.
	DBPath string
	// KeepDB leaves the database behind for inspection.
	KeepDB bool
}

// DefaultConfig returns parameters sized for a quick local run.
func DefaultConfig() Config {
	return Config{
		Samples:   5000,
		Writers:   4,
		BatchSize: 50,
	}
}

// LatencyStats summarizes per-operation durations.
type LatencyStats struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
}

// Phase captures one benchmark phase.
type Phase struct {
	// Rows is how many rows the phase moved.
	Rows int
	// Duration is wall time for the whole phase.
	Duration time.Duration
	// RowsPerSecond is Rows over Duration.
	RowsPerSecond float64
	// Latency summarizes the per-operation durations: one enqueue call
	// in the enqueue phase, one claim-and-settle cycle in the drain
	// phase.
	Latency LatencyStats
}

// Result captures all metrics from a run.
type Result struct {
	Config Config

	// Enqueue is the concurrent write phase.
	Enqueue Phase
	// Drain is the claim-and-settle phase that empties the backlog.
	Drain Phase

	// DBSizeBytes is the database file size after the enqueue phase.
	DBSizeBytes int64

	TotalDuration time.Duration
	Errors        int
}

// Run executes one enqueue-then-drain benchmark.
func Run(cfg Config) (*Result, error) {
	if cfg.Samples <= 0 {
		return nil, fmt.Errorf("samples must be positive")
	}
	if cfg.Writers <= 0 {
		return nil, fmt.Errorf("writers must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}

	path := cfg.DBPath
	if path == "" {
		path = filepath.Join(os.TempDir(), fmt.Sprintf("tracksync-bench-%d.db", time.Now().UnixNano()))
	}
	if !cfg.KeepDB {
		defer os.Remove(path)
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open benchmark database: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	result := &Result{Config: cfg}
	start := time.Now()

	if err := runEnqueue(st, cfg, result); err != nil {
		return nil, err
	}

	if info, err := os.Stat(path); err == nil {
		result.DBSizeBytes = info.Size()
	}

	if err := runDrain(st, cfg, result); err != nil {
		return nil, err
	}

	result.TotalDuration = time.Since(start)
	return result, nil
}

// runEnqueue appends cfg.Samples synthetic fixes from cfg.Writers
// concurrent goroutines.
func runEnqueue(st *store.Store, cfg Config, result *Result) error {
	durationsCh := make(chan []time.Duration, cfg.Writers)
	errorsCh := make(chan error, cfg.Writers)

	base := time.Now().UTC().Add(-time.Duration(cfg.Samples) * time.Second)
	perWriter := cfg.Samples / cfg.Writers
	remainder := cfg.Samples % cfg.Writers

	phaseStart := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.Writers; w++ {
		count := perWriter
		if w < remainder {
			count++
		}
		wg.Add(1)
		go func(writer, count int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, count)
			for i := 0; i < count; i++ {
				s := syntheticSample(base, writer, i)
				opStart := time.Now()
				_, _, err := st.AppendSample(s, cfg.QueueLimit)
				durations = append(durations, time.Since(opStart))
				if err != nil {
					errorsCh <- fmt.Errorf("writer %d append %d: %w", writer, i, err)
				}
			}
			durationsCh <- durations
		}(w, count)
	}
	wg.Wait()
	close(durationsCh)
	close(errorsCh)

	phase := Phase{Duration: time.Since(phaseStart)}
	var all []time.Duration
	for ds := range durationsCh {
		all = append(all, ds...)
		phase.Rows += len(ds)
	}
	for range errorsCh {
		result.Errors++
	}
	phase.Latency = computeLatency(all)
	if phase.Duration > 0 {
		phase.RowsPerSecond = float64(phase.Rows) / phase.Duration.Seconds()
	}
	result.Enqueue = phase
	return nil
}

// runDrain claims batches and marks them synced until the queue is
// empty, the way a drain cycle settles rows without the network.
func runDrain(st *store.Store, cfg Config, result *Result) error {
	phaseStart := time.Now()
	phase := Phase{}
	var cycles []time.Duration

	for {
		cycleStart := time.Now()
		claimed, err := st.ClaimPendingSamples(cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim failed after %d rows: %w", phase.Rows, err)
		}
		if len(claimed) == 0 {
			break
		}
		for _, s := range claimed {
			ok, err := st.MarkSampleSynced(s.ID)
			if err != nil {
				return fmt.Errorf("settle failed for row %d: %w", s.ID, err)
			}
			if !ok {
				result.Errors++
			}
		}
		cycles = append(cycles, time.Since(cycleStart))
		phase.Rows += len(claimed)
	}

	phase.Duration = time.Since(phaseStart)
	phase.Latency = computeLatency(cycles)
	if phase.Duration > 0 {
		phase.RowsPerSecond = float64(phase.Rows) / phase.Duration.Seconds()
	}
	result.Drain = phase
	return nil
}

// syntheticSample fabricates a plausible fix: writers walk parallel
// tracks north from a common origin, one step per second.
func syntheticSample(base time.Time, writer, i int) *record.Sample {
	s := &record.Sample{
		Latitude:   60.1699 + float64(i)*0.0001,
		Longitude:  24.9384 + float64(writer)*0.01,
		Accuracy:   5,
		Speed:      11,
		Bearing:    0,
		CapturedAt: base.Add(time.Duration(writer*1000+i) * time.Millisecond),
		Provider:   "gps",
	}
	s.SetDefaults()
	return s
}

// computeLatency derives percentile statistics from raw durations.
func computeLatency(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:  sorted[0],
		P50:  sorted[len(sorted)*50/100],
		Mean: sum / time.Duration(len(sorted)),
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Max:  sorted[len(sorted)-1],
	}
}

// FormatBytes renders a byte count for humans.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders a duration at a precision matching its size.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// PrintResult writes a formatted result to stdout.
func PrintResult(result *Result) {
	fmt.Printf("\n=== Queue Benchmark ===\n\n")

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Samples:          %d\n", result.Config.Samples)
	fmt.Printf("  Writers:          %d\n", result.Config.Writers)
	fmt.Printf("  Claim batch:      %d\n", result.Config.BatchSize)
	if result.Config.QueueLimit > 0 {
		fmt.Printf("  Queue limit:      %d\n", result.Config.QueueLimit)
	}
	fmt.Printf("\n")

	printPhase("Enqueue (concurrent appends)", result.Enqueue, "append")
	printPhase("Drain (claim and settle)", result.Drain, "cycle")

	fmt.Printf("Database:\n")
	fmt.Printf("  Size after enqueue: %s\n", FormatBytes(result.DBSizeBytes))
	fmt.Printf("\n")

	fmt.Printf("Overall:\n")
	fmt.Printf("  Total duration:   %s\n", FormatDuration(result.TotalDuration))
	fmt.Printf("  Errors:           %d\n", result.Errors)
	fmt.Printf("\n")
}

func printPhase(title string, p Phase, op string) {
	fmt.Printf("%s:\n", title)
	fmt.Printf("  Rows:             %d\n", p.Rows)
	fmt.Printf("  Duration:         %s\n", FormatDuration(p.Duration))
	fmt.Printf("  Rows/sec:         %.0f\n", p.RowsPerSecond)
	fmt.Printf("  Latency per %s:\n", op)
	fmt.Printf("    Min:  %s\n", FormatDuration(p.Latency.Min))
	fmt.Printf("    P50:  %s\n", FormatDuration(p.Latency.P50))
	fmt.Printf("    Mean: %s\n", FormatDuration(p.Latency.Mean))
	fmt.Printf("    P95:  %s\n", FormatDuration(p.Latency.P95))
	fmt.Printf("    P99:  %s\n", FormatDuration(p.Latency.P99))
	fmt.Printf("    Max:  %s\n", FormatDuration(p.Latency.Max))
	fmt.Printf("\n")
}
