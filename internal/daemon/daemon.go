// Package daemon runs the background sync workers.
//
// The daemon:
// 1. Recovers rows stranded in flight by a previous run
// 2. Drains the location sample queue on a timer
// 3. Dispatches trip entity mutations on a timer
// 4. Purges settled and stale rows on a slow timer
// 5. Handles graceful shutdown
//
// Capture keeps working whether or not the daemon runs; the workers only
// move already-queued rows toward the server.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mkallio/tracksync/internal/drain"
	"github.com/mkallio/tracksync/internal/mutation"
	"github.com/mkallio/tracksync/internal/spool"
	"github.com/mkallio/tracksync/internal/store"
)

// ReportSink receives cycle reports for live monitoring surfaces. Calls
// arrive from worker goroutines; implementations must be safe for
// concurrent use.
type ReportSink interface {
	DrainReport(*drain.Report)
	DispatchReport(*mutation.Report)
}

// Config holds configuration for the daemon.
type Config struct {
	// Store backs the purge worker. Required.
	Store *store.Store

	// Drain is the sample queue engine. Required.
	Drain *drain.Engine

	// Mutation is the entity change engine. Required.
	Mutation *mutation.Engine

	// Spool optionally ingests capture files dropped by other processes.
	Spool *spool.Ingester

	// Sink optionally receives every cycle report.
	Sink ReportSink

	// DrainInterval is how often to run a sample drain cycle.
	DrainInterval time.Duration

	// DispatchInterval is how often to run a mutation dispatch cycle.
	DispatchInterval time.Duration

	// PurgeInterval is how often to age out settled and stale rows.
	PurgeInterval time.Duration

	// RetainSettled is how long synced and rejected rows stay around
	// for inspection before the purge worker removes them.
	RetainSettled time.Duration

	// StalePendingAfter is the age at which never-synced pending samples
	// are considered abandoned and purged.
	StalePendingAfter time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:     15 * time.Second,
		DispatchInterval:  10 * time.Second,
		PurgeInterval:     time.Hour,
		RetainSettled:     7 * 24 * time.Hour,
		StalePendingAfter: 30 * 24 * time.Hour,
		Logger:            log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// NewRotatingLogger returns a logger writing to a size-rotated file.
// Used when the daemon runs detached and stderr goes nowhere.
func NewRotatingLogger(path, prefix string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, prefix, log.LstdFlags)
}

// Daemon orchestrates the sync workers over one store.
type Daemon struct {
	config *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Tuning fields left zero take their defaults.
func New(config *Config) (*Daemon, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config.Drain == nil {
		return nil, fmt.Errorf("drain engine cannot be nil")
	}
	if config.Mutation == nil {
		return nil, fmt.Errorf("mutation engine cannot be nil")
	}

	def := DefaultConfig()
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	if config.DispatchInterval <= 0 {
		config.DispatchInterval = def.DispatchInterval
	}
	if config.PurgeInterval <= 0 {
		config.PurgeInterval = def.PurgeInterval
	}
	if config.RetainSettled <= 0 {
		config.RetainSettled = def.RetainSettled
	}
	if config.StalePendingAfter <= 0 {
		config.StalePendingAfter = def.StalePendingAfter
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// Startup recovery runs before any worker: rows left claimed or
// dispatching by a crash go back to pending, and redispatch dedupes
// server-side through the idempotency tokens.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.recover(ctx); err != nil {
		return err
	}

	if d.config.Spool != nil {
		if err := d.config.Spool.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start spool ingester: %w", err)
		}
	}

	d.wg.Add(3)
	go d.drainLoop()
	go d.dispatchLoop()
	go d.purgeLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.config.Spool != nil {
		if err := d.config.Spool.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping spool ingester: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// recover unstrands in-flight rows from a previous run.
func (d *Daemon) recover(ctx context.Context) error {
	samples, err := d.config.Drain.RecoverOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("sample recovery failed: %w", err)
	}
	mutations, err := d.config.Mutation.RecoverOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("mutation recovery failed: %w", err)
	}
	if samples > 0 || mutations > 0 {
		d.config.Logger.Printf("Recovered %d samples, %d mutations from previous run", samples, mutations)
	}
	return nil
}

// drainLoop runs sample drain cycles on a timer.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			report, err := d.config.Drain.DrainOnce(d.ctx)
			if err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.Printf("Drain cycle error: %v", err)
				}
				continue
			}
			if !report.Skipped && report.Claimed > 0 {
				d.config.Logger.Printf("Drain: %d claimed, %d synced, %d requeued, %d rejected in %s",
					report.Claimed, report.Synced, report.Requeued, report.Rejected, report.Duration.Round(time.Millisecond))
			}
			if d.config.Sink != nil {
				d.config.Sink.DrainReport(report)
			}
		}
	}
}

// dispatchLoop runs mutation dispatch cycles on a timer.
func (d *Daemon) dispatchLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			report, err := d.config.Mutation.DispatchOnce(d.ctx)
			if err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.Printf("Dispatch cycle error: %v", err)
				}
				continue
			}
			if !report.Skipped && report.Claimed > 0 {
				d.config.Logger.Printf("Dispatch: %d claimed, %d applied, %d requeued, %d rejected in %s",
					report.Claimed, report.Applied, report.Requeued, report.Rejected, report.Duration.Round(time.Millisecond))
			}
			if d.config.Sink != nil {
				d.config.Sink.DispatchReport(report)
			}
		}
	}
}

// purgeLoop ages out settled and abandoned rows on a slow timer.
func (d *Daemon) purgeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.purgeOnce()
		}
	}
}

// purgeOnce runs one purge pass across both queues.
func (d *Daemon) purgeOnce() {
	now := time.Now()
	var total int64

	n, err := d.config.Store.PurgeSettledSamplesContext(d.ctx, now.Add(-d.config.RetainSettled))
	if err != nil {
		d.config.Logger.Printf("Error purging settled samples: %v", err)
	}
	total += n

	n, err = d.config.Store.PurgeStalePendingSamplesContext(d.ctx, now.Add(-d.config.StalePendingAfter))
	if err != nil {
		d.config.Logger.Printf("Error purging stale pending samples: %v", err)
	}
	if n > 0 {
		d.config.Logger.Printf("Purged %d pending samples older than %s", n, d.config.StalePendingAfter)
	}
	total += n

	n, err = d.config.Store.PurgeSettledMutationsContext(d.ctx, now.Add(-d.config.RetainSettled))
	if err != nil {
		d.config.Logger.Printf("Error purging settled mutations: %v", err)
	}
	total += n

	if total > 0 {
		d.config.Logger.Printf("Purge removed %d rows", total)
	}
}
