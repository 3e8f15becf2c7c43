// Package spool ingests capture batches dropped into a watched directory.
//
// A recorder process writes each burst of GPS fixes as one JSON file in
// the spool directory. The ingester watches the directory with fsnotify,
// waits for a short quiet period so half-written files settle, then
// validates the whole batch and feeds it into the location queue. Files
// that fail to parse or contain an invalid fix are renamed with a .bad
// suffix and left in place; nothing from a quarantined file is enqueued.
//
// Ingestion is at-least-once: a crash between enqueue and file removal
// re-ingests the batch on the next start, and deterministic delivery
// tokens collapse the duplicates server-side.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkallio/tracksync/internal/drain"
	"github.com/mkallio/tracksync/internal/record"
)

// Config holds ingester configuration.
type Config struct {
	// Dir is the spool directory to watch. Created if missing.
	Dir string

	// Drain receives validated samples.
	Drain *drain.Engine

	// MinSpacing drops fixes closer than this many meters to the last
	// accepted fix. Zero disables the filter.
	MinSpacing float64

	// DebounceInterval is how long a batch file must sit quiet before
	// it is ingested. This batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for ingester activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinSpacing:       0,
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// batchFile is the wire shape recorders drop: capture fields only.
// Queue bookkeeping is owned by this side and never read from disk.
type batchFile struct {
	Samples []batchSample `json:"samples"`
}

type batchSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Accuracy   float64   `json:"accuracy"`
	Speed      float64   `json:"speed"`
	Bearing    float64   `json:"bearing"`
	CapturedAt time.Time `json:"captured_at"`
	Provider   string    `json:"provider"`
}

func (b *batchSample) sample() *record.Sample {
	return &record.Sample{
		Latitude:   b.Latitude,
		Longitude:  b.Longitude,
		Altitude:   b.Altitude,
		Accuracy:   b.Accuracy,
		Speed:      b.Speed,
		Bearing:    b.Bearing,
		CapturedAt: b.CapturedAt,
		Provider:   b.Provider,
	}
}

// Ingester watches a spool directory and moves dropped capture batches
// into the location queue.
type Ingester struct {
	dir        string
	drain      *drain.Engine
	minSpacing float64
	debounce   time.Duration
	logger     *log.Logger

	// mu guards the lifecycle fields below.
	mu      sync.Mutex
	running bool
	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// queueMu guards the debounce queue and the spacing filter state.
	queueMu      sync.Mutex
	pending      map[string]time.Time
	lastAccepted *record.Sample
}

// New creates an ingester for the given spool directory.
func New(cfg Config) (*Ingester, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("spool directory is required")
	}
	if cfg.Drain == nil {
		return nil, fmt.Errorf("drain engine is required")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	return &Ingester{
		dir:        cfg.Dir,
		drain:      cfg.Drain,
		minSpacing: cfg.MinSpacing,
		debounce:   cfg.DebounceInterval,
		logger:     cfg.Logger,
		pending:    make(map[string]time.Time),
	}, nil
}

// Start begins watching the spool directory. Batches already sitting in
// the directory from a previous run are ingested before new drops are
// processed. Start returns an error if the ingester is already running.
func (in *Ingester) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return fmt.Errorf("ingester is already running")
	}

	if err := os.MkdirAll(in.dir, 0755); err != nil {
		in.mu.Unlock()
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		in.mu.Unlock()
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		in.mu.Unlock()
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	in.watcher = watcher
	in.ctx, in.cancel = context.WithCancel(ctx)
	in.running = true
	in.mu.Unlock()

	in.logger.Printf("Watching spool directory: %s", in.dir)

	// Watch before sweeping so drops that land mid-sweep are not
	// missed. A file seen by both paths ingests once: the second read
	// finds it gone.
	if n, err := in.sweep(in.ctx); err != nil {
		in.logger.Printf("Error sweeping spool directory: %v", err)
	} else if n > 0 {
		in.logger.Printf("Recovered %d spooled samples from previous run", n)
	}

	in.wg.Add(2)
	go in.watchLoop()
	go in.flushLoop()

	return nil
}

// Stop stops watching and waits for in-flight ingestion to finish.
func (in *Ingester) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.cancel()
	in.watcher.Close()
	in.running = false
	in.mu.Unlock()

	in.wg.Wait()
	in.logger.Printf("Spool ingester stopped")
	return nil
}

// IsRunning returns whether the ingester is currently watching.
func (in *Ingester) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// watchLoop stamps batch-file events into the debounce queue.
func (in *Ingester) watchLoop() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !isBatchDrop(event) {
				continue
			}
			in.queueMu.Lock()
			in.pending[event.Name] = time.Now()
			in.queueMu.Unlock()
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logger.Printf("Watcher error: %v", err)
		}
	}
}

// isBatchDrop reports whether a watcher event is worth debouncing. Only
// creates and writes to .json files count; removes and renames leave
// nothing behind to ingest.
func isBatchDrop(event fsnotify.Event) bool {
	if filepath.Ext(event.Name) != ".json" {
		return false
	}
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		return true
	case event.Op&fsnotify.Write == fsnotify.Write:
		return true
	}
	return false
}

// flushLoop periodically ingests batches that have sat quiet long enough.
func (in *Ingester) flushLoop() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.flushDue(time.Now())
		}
	}
}

// flushDue ingests every queued path whose last event is at least one
// debounce interval old. Paths are processed in name order; recorders
// name files by capture time, so this approximates capture order.
func (in *Ingester) flushDue(now time.Time) {
	in.queueMu.Lock()
	var due []string
	for path, stamp := range in.pending {
		if now.Sub(stamp) < in.debounce {
			continue
		}
		due = append(due, path)
		delete(in.pending, path)
	}
	in.queueMu.Unlock()

	sort.Strings(due)
	for _, path := range due {
		if _, err := in.ingest(in.ctx, path); err != nil {
			in.logger.Printf("Error ingesting %s: %v", filepath.Base(path), err)
		}
	}
}

// sweep ingests batch files a previous run left in the spool directory.
func (in *Ingester) sweep(ctx context.Context) (int, error) {
	matches, err := filepath.Glob(filepath.Join(in.dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list spool directory: %w", err)
	}
	sort.Strings(matches)

	total := 0
	for _, path := range matches {
		n, err := in.ingest(ctx, path)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// IngestFile validates and enqueues one batch file, then removes it. It
// returns the number of samples enqueued. A file that fails to parse or
// contains any invalid sample is quarantined whole; partial batches are
// never enqueued from a bad file.
func (in *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	return in.ingest(ctx, path)
}

func (in *Ingester) ingest(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Already ingested by a competing path (sweep vs. watcher).
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read batch file: %w", err)
	}

	batch, err := decodeBatch(data)
	if err != nil {
		in.quarantine(path, err)
		return 0, nil
	}

	queued := 0
	filtered := 0
	for i := range batch {
		if !in.acceptSpacing(batch[i]) {
			filtered++
			continue
		}
		if _, err := in.drain.Enqueue(ctx, batch[i]); err != nil {
			// Leave the file in place so the next sweep retries the
			// whole batch. Re-enqueued prefixes dedup server-side.
			return queued, fmt.Errorf("failed to enqueue batch sample: %w", err)
		}
		queued++
	}

	if err := os.Remove(path); err != nil {
		in.logger.Printf("Error removing ingested batch %s: %v", filepath.Base(path), err)
	}

	if filtered > 0 {
		in.logger.Printf("Ingested %s: %d samples queued, %d dropped by spacing filter",
			filepath.Base(path), queued, filtered)
	} else {
		in.logger.Printf("Ingested %s: %d samples queued", filepath.Base(path), queued)
	}
	return queued, nil
}

// decodeBatch parses and validates a whole batch file. Any invalid
// sample fails the entire file so a recorder bug surfaces instead of
// thinning the track quietly.
func decodeBatch(data []byte) ([]*record.Sample, error) {
	var raw batchFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed batch file: %w", err)
	}

	samples := make([]*record.Sample, 0, len(raw.Samples))
	for i := range raw.Samples {
		s := raw.Samples[i].sample()
		s.SetDefaults()
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// acceptSpacing applies the minimum-spacing capture filter. The first
// fix always passes; later fixes pass only once they have moved at
// least MinSpacing meters from the last accepted fix. Filter state
// carries across files so stationary recorders cannot refill the queue
// one batch at a time.
func (in *Ingester) acceptSpacing(s *record.Sample) bool {
	if in.minSpacing <= 0 {
		return true
	}

	in.queueMu.Lock()
	defer in.queueMu.Unlock()

	if in.lastAccepted != nil && record.DistanceMeters(in.lastAccepted, s) < in.minSpacing {
		return false
	}
	in.lastAccepted = s
	return true
}

// quarantine renames a rejected batch file in place with a .bad suffix
// so the recorder bug stays visible instead of being discarded.
func (in *Ingester) quarantine(path string, reason error) {
	bad := path + ".bad"
	if err := os.Rename(path, bad); err != nil {
		in.logger.Printf("Error quarantining %s: %v", filepath.Base(path), err)
		return
	}
	in.logger.Printf("Quarantined %s: %v", filepath.Base(bad), reason)
}
