package drain

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mkallio/tracksync/internal/gateway"
	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
)

// testStore opens a store with schema initialized, closed on cleanup.
func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return st
}

// testSample returns a valid sample captured at the given offset from a
// fixed base time.
func testSample(offset time.Duration) *record.Sample {
	base := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	return &record.Sample{
		Latitude:   60.1699,
		Longitude:  24.9384,
		Accuracy:   6,
		CapturedAt: base.Add(offset),
		Provider:   "gps",
	}
}

// fakeGateway implements gateway.Gateway against an in-memory "server"
// that deduplicates on the idempotency token, like the real one. A
// scripted error list drives failures: each SubmitSample call pops the
// next entry, nil meaning success.
type fakeGateway struct {
	mu   sync.Mutex
	errs []error
	// seen counts deliveries per idempotency token.
	seen  map[string]int
	calls int

	// entered/release, when set, let a test hold a submission open.
	entered chan struct{}
	release chan struct{}
}

func newFakeGateway(errs ...error) *fakeGateway {
	return &fakeGateway{errs: errs, seen: make(map[string]int)}
}

func (f *fakeGateway) SubmitSample(ctx context.Context, s *record.Sample, key string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err == nil {
		f.seen[key]++
	}
	return err
}

func (f *fakeGateway) CreateEntity(ctx context.Context, m *record.Mutation, key string) (*gateway.Ack, error) {
	return &gateway.Ack{ServerID: "srv-unused"}, nil
}

func (f *fakeGateway) UpdateEntity(ctx context.Context, m *record.Mutation, key string) error {
	return nil
}

func (f *fakeGateway) DeleteEntity(ctx context.Context, m *record.Mutation, key string) error {
	return nil
}

func (f *fakeGateway) uniqueKeys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// onlineProbe is a switchable connectivity probe.
type onlineProbe struct {
	mu     sync.Mutex
	online bool
}

func (p *onlineProbe) Online(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *onlineProbe) set(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = v
}

// testEngine builds an engine over the given store and gateway with
// gates relaxed for tests.
func testEngine(t *testing.T, st *store.Store, gw gateway.Gateway, probe gateway.Probe) *Engine {
	t.Helper()
	eng, err := New(Config{
		Store:            st,
		Gateway:          gw,
		Probe:            probe,
		DeviceID:         "dev-test",
		QueueLimit:       100,
		BatchSize:        10,
		MinCycleInterval: 0,
		FailureThreshold: 2,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return eng
}

// TestNew_Validation tests required configuration fields.
func TestNew_Validation(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()

	if _, err := New(Config{Gateway: gw, DeviceID: "d"}); err == nil {
		t.Error("New() without store should fail")
	}
	if _, err := New(Config{Store: st, DeviceID: "d"}); err == nil {
		t.Error("New() without gateway should fail")
	}
	if _, err := New(Config{Store: st, Gateway: gw}); err == nil {
		t.Error("New() without device id should fail")
	}
}

// TestEngine_DrainOnce_DeliversBatch tests the happy path: every claimed
// sample is submitted and marked synced.
func TestEngine_DrainOnce_DeliversBatch(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng := testEngine(t, st, gw, nil)

	for i := 0; i < 3; i++ {
		if _, err := eng.Enqueue(context.Background(), testSample(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if report.Claimed != 3 || report.Synced != 3 {
		t.Errorf("report = claimed %d synced %d, want 3/3", report.Claimed, report.Synced)
	}
	if gw.callCount() != 3 {
		t.Errorf("gateway calls = %d, want 3", gw.callCount())
	}

	stats, err := st.GetQueueStats()
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Synced != 3 || stats.Pending != 0 {
		t.Errorf("stats = synced %d pending %d, want 3/0", stats.Synced, stats.Pending)
	}
}

// TestEngine_DrainOnce_IdempotentResubmission tests that a crash between
// delivery and bookkeeping produces a duplicate submission with the same
// idempotency token, which the server deduplicates.
func TestEngine_DrainOnce_IdempotentResubmission(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng := testEngine(t, st, gw, nil)

	if _, err := eng.Enqueue(context.Background(), testSample(0)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	// First pass: claim and deliver by hand, then "crash" before the
	// synced mark is written.
	batch, err := st.ClaimPendingSamples(10)
	if err != nil {
		t.Fatalf("ClaimPendingSamples() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("claimed %d samples, want 1", len(batch))
	}
	firstKey := record.SampleKey("dev-test", batch[0])
	if err := gw.SubmitSample(context.Background(), batch[0], firstKey); err != nil {
		t.Fatalf("SubmitSample() failed: %v", err)
	}

	// Restart: recovery returns the row to pending, the next cycle
	// delivers it again.
	if _, err := eng.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup() failed: %v", err)
	}
	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if report.Synced != 1 {
		t.Errorf("report.Synced = %d, want 1", report.Synced)
	}

	if gw.callCount() != 2 {
		t.Errorf("gateway calls = %d, want 2", gw.callCount())
	}
	if gw.uniqueKeys() != 1 {
		t.Errorf("unique idempotency tokens = %d, want 1 (resubmission must reuse the token)", gw.uniqueKeys())
	}
	if gw.seen[firstKey] != 2 {
		t.Errorf("deliveries under original token = %d, want 2", gw.seen[firstKey])
	}
}

// TestEngine_DrainOnce_TransientFailureReleasesRest tests that a
// transient failure requeues the failed row and hands the untried
// remainder back without counting attempts against it.
func TestEngine_DrainOnce_TransientFailureReleasesRest(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway(&gateway.Error{Class: gateway.ClassTransient, StatusCode: 503, Message: "down"})
	eng := testEngine(t, st, gw, nil)

	for i := 0; i < 3; i++ {
		if _, err := eng.Enqueue(context.Background(), testSample(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if report.Claimed != 3 || report.Requeued != 1 || report.Synced != 0 {
		t.Errorf("report = claimed %d requeued %d synced %d, want 3/1/0",
			report.Claimed, report.Requeued, report.Synced)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1 (remainder must not be tried)", gw.callCount())
	}

	samples, err := st.ListSamples(store.SampleFilter{})
	if err != nil {
		t.Fatalf("ListSamples() failed: %v", err)
	}
	for _, s := range samples {
		if s.SyncState != record.SamplePending {
			t.Errorf("sample %d state = %q, want pending", s.ID, s.SyncState)
		}
	}

	// The tried row carries the attempt and the error, the released rows
	// stay untouched.
	tried, err := st.GetSampleByID(samples[0].ID)
	if err != nil {
		t.Fatalf("GetSampleByID() failed: %v", err)
	}
	if tried.AttemptCount != 1 || tried.LastError == "" {
		t.Errorf("tried row: attempts %d lastError %q, want 1 attempt with error", tried.AttemptCount, tried.LastError)
	}
	for _, s := range samples[1:] {
		if s.AttemptCount != 0 {
			t.Errorf("released sample %d attempts = %d, want 0", s.ID, s.AttemptCount)
		}
	}
}

// TestEngine_DrainOnce_PermanentRejection tests that a permanent error
// parks the row as rejected and the cycle continues with the rest.
func TestEngine_DrainOnce_PermanentRejection(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway(&gateway.Error{Class: gateway.ClassPermanent, StatusCode: 422, Message: "latitude out of range"})
	eng := testEngine(t, st, gw, nil)

	for i := 0; i < 3; i++ {
		if _, err := eng.Enqueue(context.Background(), testSample(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if report.Rejected != 1 || report.Synced != 2 {
		t.Errorf("report = rejected %d synced %d, want 1/2", report.Rejected, report.Synced)
	}

	rejected, err := st.ListSamples(store.SampleFilter{State: record.SampleRejected})
	if err != nil {
		t.Fatalf("ListSamples() failed: %v", err)
	}
	if len(rejected) != 1 {
		t.Fatalf("rejected rows = %d, want 1", len(rejected))
	}
	if rejected[0].RejectionReason != "latitude out of range" {
		t.Errorf("RejectionReason = %q, want server reason", rejected[0].RejectionReason)
	}

	// A second cycle must not pick the rejected row up again.
	report, err = eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("second DrainOnce() failed: %v", err)
	}
	if report.Claimed != 0 {
		t.Errorf("second cycle claimed %d, want 0", report.Claimed)
	}
}

// TestEngine_DrainOnce_OfflineSkips tests that the probe gates the cycle
// before anything is claimed.
func TestEngine_DrainOnce_OfflineSkips(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	probe := &onlineProbe{online: false}
	eng := testEngine(t, st, gw, probe)

	if _, err := eng.Enqueue(context.Background(), testSample(0)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() failed: %v", err)
	}
	if !report.Skipped || report.SkipReason != SkipOffline {
		t.Errorf("report = skipped %v reason %q, want offline skip", report.Skipped, report.SkipReason)
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway calls = %d, want 0", gw.callCount())
	}

	stats, err := st.GetQueueStats()
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Claimed != 0 {
		t.Errorf("claimed rows = %d, want 0 (offline cycle must not claim)", stats.Claimed)
	}
}

// TestEngine_DrainOnce_RateGate tests the start-to-start minimum
// interval between cycles.
func TestEngine_DrainOnce_RateGate(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng := testEngine(t, st, gw, nil)
	eng.minInterval = time.Hour

	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("first DrainOnce() failed: %v", err)
	}
	if report.Skipped {
		t.Fatalf("first cycle skipped: %s", report.SkipReason)
	}

	report, err = eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("second DrainOnce() failed: %v", err)
	}
	if !report.Skipped || report.SkipReason != SkipRateGate {
		t.Errorf("report = skipped %v reason %q, want rate gate skip", report.Skipped, report.SkipReason)
	}
}

// TestEngine_DrainOnce_SuspendsAfterConsecutiveFailures tests the
// failure streak: after the threshold the engine skips cycles until the
// probe confirms the endpoint again.
func TestEngine_DrainOnce_SuspendsAfterConsecutiveFailures(t *testing.T) {
	st := testStore(t)
	down := &gateway.Error{Class: gateway.ClassTransient, StatusCode: 502, Message: "bad gateway"}
	gw := newFakeGateway(down, down)
	probe := &onlineProbe{online: true}
	eng := testEngine(t, st, gw, probe)

	for i := 0; i < 4; i++ {
		if _, err := eng.Enqueue(context.Background(), testSample(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	// Threshold is 2: two failing cycles suspend the engine.
	for i := 0; i < 2; i++ {
		if _, err := eng.DrainOnce(context.Background()); err != nil {
			t.Fatalf("DrainOnce() %d failed: %v", i, err)
		}
	}
	if !eng.Suspended() {
		t.Fatal("engine should be suspended after reaching the failure threshold")
	}

	// Suspended and probe says offline: cycles skip.
	probe.set(false)
	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() while suspended failed: %v", err)
	}
	if !report.Skipped || report.SkipReason != SkipSuspended {
		t.Errorf("report = skipped %v reason %q, want suspended skip", report.Skipped, report.SkipReason)
	}

	// The probe reconfirms the endpoint: suspension lifts and the cycle
	// runs. The error script is exhausted, so delivery succeeds.
	probe.set(true)
	report, err = eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("DrainOnce() after reconfirmation failed: %v", err)
	}
	if report.Skipped {
		t.Fatalf("cycle skipped after probe reconfirmation: %s", report.SkipReason)
	}
	if report.Synced == 0 {
		t.Error("expected deliveries after suspension lifted")
	}
	if eng.Suspended() {
		t.Error("engine still suspended after successful cycle")
	}
}

// TestEngine_DrainOnce_RateLimitedCountsTowardSuspension tests that 429
// responses feed the failure streak like connection failures.
func TestEngine_DrainOnce_RateLimitedCountsTowardSuspension(t *testing.T) {
	st := testStore(t)
	limited := &gateway.Error{Class: gateway.ClassRateLimited, StatusCode: 429, Message: "slow down"}
	gw := newFakeGateway(limited, limited)
	eng := testEngine(t, st, gw, nil)

	if _, err := eng.Enqueue(context.Background(), testSample(0)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := eng.DrainOnce(context.Background()); err != nil {
			t.Fatalf("DrainOnce() %d failed: %v", i, err)
		}
	}
	if !eng.Suspended() {
		t.Error("rate limited responses should count toward suspension")
	}
}

// TestEngine_DrainOnce_NonReentrant tests that a cycle started while
// another is in flight skips instead of double-claiming.
func TestEngine_DrainOnce_NonReentrant(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	gw.entered = make(chan struct{})
	gw.release = make(chan struct{})
	eng := testEngine(t, st, gw, nil)

	if _, err := eng.Enqueue(context.Background(), testSample(0)); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	done := make(chan *Report, 1)
	go func() {
		report, err := eng.DrainOnce(context.Background())
		if err != nil {
			t.Errorf("background DrainOnce() failed: %v", err)
		}
		done <- report
	}()

	// Wait until the first cycle is inside the gateway call, then try to
	// start a second one.
	<-gw.entered
	report, err := eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("overlapping DrainOnce() failed: %v", err)
	}
	if !report.Skipped || report.SkipReason != SkipOverlap {
		t.Errorf("report = skipped %v reason %q, want overlap skip", report.Skipped, report.SkipReason)
	}

	close(gw.release)
	first := <-done
	if first.Synced != 1 {
		t.Errorf("first cycle synced = %d, want 1", first.Synced)
	}
}

// TestEngine_Enqueue_EvictsAtCapacity tests that enqueue keeps the queue
// at its configured limit.
func TestEngine_Enqueue_EvictsAtCapacity(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng := testEngine(t, st, gw, nil)
	eng.queueLimit = 3

	for i := 0; i < 5; i++ {
		if _, err := eng.Enqueue(context.Background(), testSample(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("Enqueue() %d failed: %v", i, err)
		}
	}

	stats, err := st.GetQueueStats()
	if err != nil {
		t.Fatalf("GetQueueStats() failed: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("queue size = %d, want 3", stats.Total)
	}
}
