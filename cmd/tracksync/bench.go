package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mkallio/tracksync/internal/bench"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "queue",
	Short:   "Measure local queue throughput",
	Long: `Benchmark the local queue on this machine.

Runs two phases against a throwaway database: concurrent enqueue of
synthetic fixes, then claim-and-settle cycles until the backlog is
empty. Use it to size queue.batch_size and to sanity-check a device
before pointing a high-rate recorder at it.

Examples:
  tracksync bench
  tracksync bench --samples 20000 --writers 8
  tracksync bench --json`,
	Run: func(cmd *cobra.Command, args []string) {
		samples, _ := cmd.Flags().GetInt("samples")
		writers, _ := cmd.Flags().GetInt("writers")
		batch, _ := cmd.Flags().GetInt("batch")
		queueLimit, _ := cmd.Flags().GetInt("queue-limit")
		dbPath, _ := cmd.Flags().GetString("db")
		keep, _ := cmd.Flags().GetBool("keep")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		cfg := bench.DefaultConfig()
		if samples > 0 {
			cfg.Samples = samples
		}
		if writers > 0 {
			cfg.Writers = writers
		}
		if batch > 0 {
			cfg.BatchSize = batch
		}
		cfg.QueueLimit = queueLimit
		cfg.DBPath = dbPath
		cfg.KeepDB = keep

		if !jsonOutput {
			fmt.Printf("Running queue benchmark: %d samples, %d writers, batch %d...\n",
				cfg.Samples, cfg.Writers, cfg.BatchSize)
		}

		result, err := bench.Run(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(benchJSON(result)); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
				os.Exit(1)
			}
		} else {
			bench.PrintResult(result)
		}

		if result.Errors > 0 {
			os.Exit(1)
		}
	},
}

// benchJSON flattens a result for machine consumption.
func benchJSON(result *bench.Result) map[string]interface{} {
	phase := func(p bench.Phase) map[string]interface{} {
		return map[string]interface{}{
			"rows":        p.Rows,
			"duration_ms": p.Duration.Milliseconds(),
			"rows_per_s":  p.RowsPerSecond,
			"latency_us": map[string]int64{
				"min":  p.Latency.Min.Microseconds(),
				"p50":  p.Latency.P50.Microseconds(),
				"mean": p.Latency.Mean.Microseconds(),
				"p95":  p.Latency.P95.Microseconds(),
				"p99":  p.Latency.P99.Microseconds(),
				"max":  p.Latency.Max.Microseconds(),
			},
		}
	}
	return map[string]interface{}{
		"config": map[string]interface{}{
			"samples":     result.Config.Samples,
			"writers":     result.Config.Writers,
			"batch_size":  result.Config.BatchSize,
			"queue_limit": result.Config.QueueLimit,
		},
		"enqueue":       phase(result.Enqueue),
		"drain":         phase(result.Drain),
		"db_size_bytes": result.DBSizeBytes,
		"duration_ms":   result.TotalDuration.Milliseconds(),
		"errors":        result.Errors,
	}
}

func init() {
	benchCmd.Flags().Int("samples", 0, "Fixes to enqueue (default 5000)")
	benchCmd.Flags().Int("writers", 0, "Concurrent enqueue goroutines (default 4)")
	benchCmd.Flags().Int("batch", 0, "Claim batch size for the drain phase (default 50)")
	benchCmd.Flags().Int("queue-limit", 0, "Queue capacity during enqueue (0 = unbounded)")
	benchCmd.Flags().String("db", "", "Database path (default throwaway temp file)")
	benchCmd.Flags().Bool("keep", false, "Keep the database for inspection")
	benchCmd.Flags().Bool("json", false, "Emit JSON")

	rootCmd.AddCommand(benchCmd)
}
