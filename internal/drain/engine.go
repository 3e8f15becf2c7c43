// Package drain implements the location queue engine: samples enter
// through Enqueue and leave through timer-driven drain cycles that claim
// a batch, dispatch it and fold the results back into the store.
//
// A cycle only runs when the connectivity probe answers, a minimum
// interval has passed since the previous cycle, and the engine is not
// suspended after a run of consecutive network failures. Suspension
// lifts the moment the probe confirms the endpoint again; transient
// failures otherwise retry without limit. Two engines may drain the same
// store concurrently; the store's conditional claim keeps their batches
// disjoint without any coordination here.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkallio/tracksync/internal/gateway"
	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
)

// Skip reasons reported when a cycle does not run.
const (
	SkipOverlap   = "previous cycle still running"
	SkipOffline   = "endpoint offline"
	SkipRateGate  = "minimum cycle interval not reached"
	SkipSuspended = "suspended after consecutive failures"
)

// Config configures a drain engine.
type Config struct {
	// Store is the durable queue. Required.
	Store *store.Store
	// Gateway dispatches samples to the server. Required.
	Gateway gateway.Gateway
	// Probe gates cycles on connectivity. Nil means always try.
	Probe gateway.Probe
	// DeviceID seeds idempotency tokens. Required.
	DeviceID string
	// QueueLimit caps the sample queue; Enqueue evicts beyond it.
	// Zero disables eviction.
	QueueLimit int
	// BatchSize is the maximum rows claimed per cycle.
	BatchSize int
	// MinCycleInterval is the start-to-start rate gate between cycles.
	MinCycleInterval time.Duration
	// FailureThreshold is the number of consecutive network failures
	// that suspends draining until the probe confirms the endpoint.
	FailureThreshold int
	// Logger receives cycle diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		QueueLimit:       10000,
		BatchSize:        50,
		MinCycleInterval: 5 * time.Second,
		FailureThreshold: 5,
		Logger:           log.New(os.Stderr, "[drain] ", log.LstdFlags),
	}
}

// Report summarizes one drain cycle for logs and the push bridge.
type Report struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Claimed    int           `json:"claimed"`
	Synced     int           `json:"synced"`
	Requeued   int           `json:"requeued"`
	Rejected   int           `json:"rejected"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// skipped builds a report for a cycle that did not run.
func skipped(reason string) *Report {
	return &Report{Started: time.Now().UTC(), Skipped: true, SkipReason: reason}
}

// Engine drains the location sample queue.
type Engine struct {
	store            *store.Store
	gw               gateway.Gateway
	probe            gateway.Probe
	deviceID         string
	queueLimit       int
	batchSize        int
	minInterval      time.Duration
	failureThreshold int
	logger           *log.Logger

	// inFlight makes DrainOnce non-reentrant per engine instance.
	inFlight atomic.Bool

	mu         sync.Mutex
	lastCycle  time.Time
	failStreak int
	suspended  bool
}

// New creates a drain engine, applying defaults for zero-valued tuning
// fields.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &Engine{
		store:            cfg.Store,
		gw:               cfg.Gateway,
		probe:            cfg.Probe,
		deviceID:         cfg.DeviceID,
		queueLimit:       cfg.QueueLimit,
		batchSize:        cfg.BatchSize,
		minInterval:      cfg.MinCycleInterval,
		failureThreshold: cfg.FailureThreshold,
		logger:           cfg.Logger,
	}, nil
}

// Enqueue validates and stores a captured sample, evicting old rows if
// the queue is at capacity. Capture must never block on the network, so
// this touches only the store.
func (e *Engine) Enqueue(ctx context.Context, s *record.Sample) (int64, error) {
	id, evicted, err := e.store.AppendSampleContext(ctx, s, e.queueLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue sample: %w", err)
	}
	if evicted > 0 {
		e.logger.Printf("queue at capacity: evicted %d rows to admit sample %d", evicted, id)
	}
	return id, nil
}

// RecoverOnStartup returns rows stranded in claimed state by a crash to
// pending. Run once before any cycle; redelivery is safe because the
// idempotency token is deterministic.
func (e *Engine) RecoverOnStartup(ctx context.Context) (int64, error) {
	n, err := e.store.RecoverClaimedSamplesContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to recover claimed samples: %w", err)
	}
	if n > 0 {
		e.logger.Printf("recovered %d samples left claimed by a previous run", n)
	}
	return n, nil
}

// Suspended reports whether the engine is waiting for the probe to
// confirm the endpoint before draining again.
func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// DrainOnce runs a single drain cycle and reports what happened. A
// cycle that does not pass the gates returns a skipped report and no
// error. Storage errors abort the cycle; the affected rows keep their
// state and the next cycle retries them.
func (e *Engine) DrainOnce(ctx context.Context) (*Report, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return skipped(SkipOverlap), nil
	}
	defer e.inFlight.Store(false)

	if rep := e.checkGates(ctx); rep != nil {
		return rep, nil
	}

	report := &Report{Started: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.Started) }()

	batch, err := e.store.ClaimPendingSamplesContext(ctx, e.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to claim batch: %w", err)
	}
	report.Claimed = len(batch)
	if len(batch) == 0 {
		return report, nil
	}

	networkFailure := false
	for i, s := range batch {
		key := record.SampleKey(e.deviceID, s)
		err := e.gw.SubmitSample(ctx, s, key)

		switch {
		case err == nil:
			if e.markSynced(ctx, s.ID) {
				report.Synced++
			}

		case gateway.IsPermanent(err):
			reason := rejectionReason(err)
			e.logger.Printf("sample %d permanently rejected: %s", s.ID, reason)
			if e.markRejected(ctx, s.ID, reason) {
				report.Rejected++
			}

		default:
			// Transient or rate limited: the endpoint is presumed
			// down, so requeue this row and hand the untried rest
			// of the batch straight back.
			if ok, serr := e.store.RequeueSampleContext(ctx, s.ID, err.Error()); serr != nil {
				e.logger.Printf("failed to requeue sample %d: %v", s.ID, serr)
			} else if !ok {
				e.logger.Printf("sample %d left claimed state unexpectedly", s.ID)
			}
			report.Requeued++

			if err := e.releaseRest(ctx, batch[i+1:]); err != nil {
				e.logger.Printf("failed to release remaining batch: %v", err)
			}

			if ctx.Err() != nil {
				// Shutdown, not an endpoint problem.
				return report, ctx.Err()
			}
			e.logger.Printf("transient failure draining sample %d: %v", s.ID, err)
			networkFailure = true
		}

		if networkFailure {
			break
		}
	}

	e.recordOutcome(networkFailure)
	return report, nil
}

// checkGates applies the rate gate, suspension and connectivity probe.
// Returns a skip report when the cycle must not run.
func (e *Engine) checkGates(ctx context.Context) *Report {
	e.mu.Lock()
	if e.minInterval > 0 && !e.lastCycle.IsZero() && time.Since(e.lastCycle) < e.minInterval {
		e.mu.Unlock()
		return skipped(SkipRateGate)
	}
	wasSuspended := e.suspended
	e.mu.Unlock()

	if wasSuspended {
		if e.probe == nil || e.probe.Online(ctx) {
			e.mu.Lock()
			e.suspended = false
			e.failStreak = 0
			e.mu.Unlock()
			e.logger.Printf("endpoint confirmed reachable, resuming drain")
		} else {
			return skipped(SkipSuspended)
		}
	} else if e.probe != nil && !e.probe.Online(ctx) {
		return skipped(SkipOffline)
	}

	e.mu.Lock()
	e.lastCycle = time.Now()
	e.mu.Unlock()
	return nil
}

// markSynced records a delivery, returning false when the transition was
// refused.
func (e *Engine) markSynced(ctx context.Context, id int64) bool {
	ok, err := e.store.MarkSampleSyncedContext(ctx, id)
	if err != nil {
		e.logger.Printf("failed to record sync of sample %d: %v", id, err)
		return false
	}
	if !ok {
		e.logger.Printf("sample %d left claimed state unexpectedly", id)
		return false
	}
	return true
}

// markRejected records a permanent rejection, returning false when the
// transition was refused.
func (e *Engine) markRejected(ctx context.Context, id int64, reason string) bool {
	ok, err := e.store.RejectSampleContext(ctx, id, reason)
	if err != nil {
		e.logger.Printf("failed to record rejection of sample %d: %v", id, err)
		return false
	}
	if !ok {
		e.logger.Printf("sample %d left claimed state unexpectedly", id)
		return false
	}
	return true
}

// releaseRest returns untried claimed rows to pending without counting
// an attempt against them.
func (e *Engine) releaseRest(ctx context.Context, rest []*record.Sample) error {
	if len(rest) == 0 {
		return nil
	}
	ids := make([]int64, len(rest))
	for i, s := range rest {
		ids[i] = s.ID
	}
	return e.store.ReleaseClaimedSamplesContext(ctx, ids)
}

// recordOutcome tracks the consecutive-failure streak and flips the
// engine into suspension at the threshold.
func (e *Engine) recordOutcome(networkFailure bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !networkFailure {
		e.failStreak = 0
		return
	}
	e.failStreak++
	if e.failStreak >= e.failureThreshold && !e.suspended {
		e.suspended = true
		e.logger.Printf("suspending drain after %d consecutive network failures", e.failStreak)
	}
}

// rejectionReason extracts the server's reason from a permanent error.
func rejectionReason(err error) string {
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
