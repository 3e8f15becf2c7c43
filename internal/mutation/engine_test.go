package mutation

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mkallio/tracksync/internal/events"
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

// fakeGateway implements gateway.Gateway against an in-memory "server".
// Creates are deduplicated on the idempotency token and assigned
// sequential server identifiers. Failures are scripted per operation and
// entity.
type fakeGateway struct {
	lock   sync.Mutex
	nextID int
	// keys maps idempotency tokens to the server id assigned when the
	// token was first seen.
	keys map[string]string
	// fail scripts an error per "op entityID" signature.
	fail map[string]error
	// calls records every dispatch in order as "op entityID".
	calls []string
	// payloads and parents capture what each create carried at call time.
	payloads map[string]record.Fields
	parents  map[string]string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		keys:     make(map[string]string),
		fail:     make(map[string]error),
		payloads: make(map[string]record.Fields),
		parents:  make(map[string]string),
	}
}

func (f *fakeGateway) failWith(op record.MutationOp, entityID string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.fail[string(op)+" "+entityID] = err
}

func (f *fakeGateway) record(op record.MutationOp, entityID string) error {
	sig := string(op) + " " + entityID
	f.calls = append(f.calls, sig)
	return f.fail[sig]
}

func (f *fakeGateway) SubmitSample(ctx context.Context, s *record.Sample, key string) error {
	return nil
}

func (f *fakeGateway) CreateEntity(ctx context.Context, m *record.Mutation, key string) (*gateway.Ack, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.record(record.OpCreate, m.EntityID); err != nil {
		return nil, err
	}

	f.payloads[m.EntityID] = m.Payload.Clone()
	f.parents[m.EntityID] = m.ParentID

	if sid, ok := f.keys[key]; ok {
		return &gateway.Ack{ServerID: sid, Duplicate: true}, nil
	}
	f.nextID++
	sid := fmt.Sprintf("srv-%d", f.nextID)
	f.keys[key] = sid
	return &gateway.Ack{ServerID: sid}, nil
}

func (f *fakeGateway) UpdateEntity(ctx context.Context, m *record.Mutation, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.record(record.OpUpdate, m.EntityID)
}

func (f *fakeGateway) DeleteEntity(ctx context.Context, m *record.Mutation, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.record(record.OpDelete, m.EntityID)
}

func (f *fakeGateway) callCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.calls)
}

func (f *fakeGateway) serverEntities() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	seen := make(map[string]bool)
	for _, sid := range f.keys {
		seen[sid] = true
	}
	return len(seen)
}

// recordingObserver captures bus events for assertions.
type recordingObserver struct {
	lock            sync.Mutex
	reconciliations []events.Reconciliation
	rejections      []events.Rejection
}

func (o *recordingObserver) EntityReconciled(ev events.Reconciliation) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.reconciliations = append(o.reconciliations, ev)
}

func (o *recordingObserver) MutationRejected(ev events.Rejection) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.rejections = append(o.rejections, ev)
}

// testEngine builds an engine with a fresh bus and a recording observer
// already subscribed.
func testEngine(t *testing.T, st *store.Store, gw gateway.Gateway) (*Engine, *recordingObserver) {
	t.Helper()
	bus := events.NewBus(log.New(io.Discard, "", 0))
	obs := &recordingObserver{}
	bus.Subscribe(obs)

	eng, err := New(Config{
		Store:    st,
		Gateway:  gw,
		Bus:      bus,
		DeviceID: "dev-test",
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return eng, obs
}

// TestEngine_Create_MirrorsProvisionally tests that a create queues a
// mutation and shows the entity locally, marked provisional.
func TestEngine_Create_MirrorsProvisionally(t *testing.T) {
	st := testStore(t)
	eng, _ := testEngine(t, st, newFakeGateway())

	clientID := record.NewClientID()
	id, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", record.Fields{"name": "Lapland"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if id == 0 {
		t.Error("Create() returned zero queue id")
	}

	entity, err := st.GetEntity(clientID)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if !entity.Provisional {
		t.Error("fresh create should be provisional until acknowledged")
	}
	if entity.Fields["name"] != "Lapland" {
		t.Errorf("mirror name = %v, want Lapland", entity.Fields["name"])
	}

	queued, err := st.ListMutations(store.MutationFilter{State: record.MutationQueued})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(queued) != 1 || queued[0].Op != record.OpCreate {
		t.Errorf("queue holds %d mutations, want one create", len(queued))
	}
}

// TestEngine_Create_RefusesSecondLiveCreate tests the one-live-create
// guard per entity identifier.
func TestEngine_Create_RefusesSecondLiveCreate(t *testing.T) {
	st := testStore(t)
	eng, _ := testEngine(t, st, newFakeGateway())

	clientID := record.NewClientID()
	if _, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", nil); err != nil {
		t.Fatalf("first Create() failed: %v", err)
	}
	if _, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", nil); err == nil {
		t.Error("second Create() with the same client id should fail")
	}
}

// TestEngine_Update_MergesIntoQueuedCreate tests that an update against
// a still-queued create folds into its payload: one mutation, one
// network request, final values.
func TestEngine_Update_MergesIntoQueuedCreate(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, _ := testEngine(t, st, gw)

	clientID := record.NewClientID()
	createID, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", record.Fields{"name": "A", "notes": "keep"})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	carrierID, err := eng.Update(context.Background(), clientID, record.Fields{"name": "B"})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if carrierID != createID {
		t.Errorf("update carried by mutation %d, want the create row %d", carrierID, createID)
	}

	all, err := st.ListMutations(store.MutationFilter{})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("queue holds %d mutations, want 1 (update must fold into the create)", len(all))
	}
	if all[0].Payload["name"] != "B" || all[0].Payload["notes"] != "keep" {
		t.Errorf("create payload = %v, want merged values", all[0].Payload)
	}

	entity, err := st.GetEntity(clientID)
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if entity.Fields["name"] != "B" {
		t.Errorf("mirror name = %v, want B", entity.Fields["name"])
	}

	report, err := eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}
	if report.Applied != 1 {
		t.Errorf("report.Applied = %d, want 1", report.Applied)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway calls = %d, want exactly 1", gw.callCount())
	}
	if gw.payloads[clientID]["name"] != "B" {
		t.Errorf("dispatched payload name = %v, want B", gw.payloads[clientID]["name"])
	}
}

// TestEngine_Delete_CancelsQueuedCreate tests that deleting an entity
// whose create never dispatched settles everything locally.
func TestEngine_Delete_CancelsQueuedCreate(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, _ := testEngine(t, st, gw)

	clientID := record.NewClientID()
	if _, err := eng.Create(context.Background(), record.EntityPlace, clientID, "trip-1", "region-1", record.Fields{"name": "Cafe"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	queuedForSync, err := eng.Delete(context.Background(), clientID)
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if queuedForSync {
		t.Error("delete of a queued create should settle locally, not queue for sync")
	}

	all, err := st.ListMutations(store.MutationFilter{})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("queue holds %d mutations, want 0", len(all))
	}
	if _, err := st.GetEntity(clientID); err == nil {
		t.Error("mirror row should be gone after cancelled create")
	}

	if _, err := eng.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway calls = %d, want 0 (nothing should reach the wire)", gw.callCount())
	}
}

// TestEngine_DispatchOnce_ReconciliationRenames tests create
// acknowledgment fan-out: the mirror identifier is rewritten in place,
// queued references follow, and observers hear the mapping.
func TestEngine_DispatchOnce_ReconciliationRenames(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, obs := testEngine(t, st, gw)

	clientID := record.NewClientID()
	if _, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", record.Fields{"name": "Lapland"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	report, err := eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}
	if report.Applied != 1 {
		t.Fatalf("report.Applied = %d, want 1", report.Applied)
	}

	// Old identifier is gone, the row lives on under the server's.
	if _, err := st.GetEntity(clientID); err == nil {
		t.Error("client identifier should no longer resolve after reconciliation")
	}
	entity, err := st.GetEntity("srv-1")
	if err != nil {
		t.Fatalf("GetEntity(srv-1) failed: %v", err)
	}
	if entity.Provisional {
		t.Error("reconciled entity should no longer be provisional")
	}
	if entity.Fields["name"] != "Lapland" {
		t.Errorf("fields lost in rename: %v", entity.Fields)
	}

	applied, err := st.ListMutations(store.MutationFilter{State: record.MutationApplied})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(applied) != 1 || applied[0].ServerID != "srv-1" {
		t.Errorf("applied create should record server id srv-1, got %+v", applied)
	}

	if len(obs.reconciliations) != 1 {
		t.Fatalf("observer saw %d reconciliations, want 1", len(obs.reconciliations))
	}
	ev := obs.reconciliations[0]
	if ev.ClientID != clientID || ev.ServerID != "srv-1" || ev.EntityType != record.EntityRegion {
		t.Errorf("reconciliation event = %+v, want %s -> srv-1", ev, clientID)
	}
}

// TestEngine_DispatchOnce_ChildWaitsForParent tests dependency ordering:
// a place create under a provisional region stays queued until the
// region's create applies, then dispatches carrying the server id.
func TestEngine_DispatchOnce_ChildWaitsForParent(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, _ := testEngine(t, st, gw)

	regionID := record.NewClientID()
	placeID := record.NewClientID()
	if _, err := eng.Create(context.Background(), record.EntityRegion, regionID, "trip-1", "", record.Fields{"name": "Lapland"}); err != nil {
		t.Fatalf("Create(region) failed: %v", err)
	}
	if _, err := eng.Create(context.Background(), record.EntityPlace, placeID, "trip-1", regionID, record.Fields{"name": "Aurora camp"}); err != nil {
		t.Fatalf("Create(place) failed: %v", err)
	}

	// First cycle: only the region is eligible.
	report, err := eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("first DispatchOnce() failed: %v", err)
	}
	if report.Claimed != 1 || report.Applied != 1 {
		t.Fatalf("first cycle = claimed %d applied %d, want 1/1", report.Claimed, report.Applied)
	}

	// Second cycle: the place dispatches with the rewritten parent.
	report, err = eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("second DispatchOnce() failed: %v", err)
	}
	if report.Applied != 1 {
		t.Fatalf("second cycle applied %d, want 1", report.Applied)
	}
	if got := gw.parents[placeID]; got != "srv-1" {
		t.Errorf("place dispatched with parent %q, want srv-1", got)
	}

	place, err := st.GetEntity("srv-2")
	if err != nil {
		t.Fatalf("GetEntity(srv-2) failed: %v", err)
	}
	if place.ParentID != "srv-1" {
		t.Errorf("place parent = %q, want srv-1", place.ParentID)
	}
	if place.Provisional {
		t.Error("place should no longer be provisional")
	}
}

// TestEngine_DispatchOnce_RejectedUpdateRollsBack tests that a permanent
// rejection restores the mirror from the snapshot and reports the
// rejection to observers.
func TestEngine_DispatchOnce_RejectedUpdateRollsBack(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, obs := testEngine(t, st, gw)

	if err := st.PutEntity(&record.Entity{
		ID:     "srv-9",
		Type:   record.EntityRegion,
		TripID: "trip-1",
		Fields: record.Fields{"name": "Helsinki"},
	}); err != nil {
		t.Fatalf("PutEntity() failed: %v", err)
	}

	if _, err := eng.Update(context.Background(), "srv-9", record.Fields{"name": "Espoo", "notes": "added"}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	// Optimistic apply is visible before dispatch.
	entity, err := st.GetEntity("srv-9")
	if err != nil {
		t.Fatalf("GetEntity() failed: %v", err)
	}
	if entity.Fields["name"] != "Espoo" {
		t.Fatalf("optimistic name = %v, want Espoo", entity.Fields["name"])
	}

	gw.failWith(record.OpUpdate, "srv-9", &gateway.Error{Class: gateway.ClassPermanent, StatusCode: 422, Message: "name not allowed"})

	report, err := eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}
	if report.Rejected != 1 {
		t.Fatalf("report.Rejected = %d, want 1", report.Rejected)
	}

	entity, err = st.GetEntity("srv-9")
	if err != nil {
		t.Fatalf("GetEntity() after rollback failed: %v", err)
	}
	if entity.Fields["name"] != "Helsinki" {
		t.Errorf("rolled back name = %v, want Helsinki", entity.Fields["name"])
	}
	if _, ok := entity.Fields["notes"]; ok {
		t.Errorf("introduced key survived rollback: %v", entity.Fields["notes"])
	}

	rejected, err := st.ListMutations(store.MutationFilter{State: record.MutationRejected})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(rejected) != 1 || rejected[0].RejectionReason != "name not allowed" {
		t.Errorf("rejected rows = %+v, want one with the server's reason", rejected)
	}

	if len(obs.rejections) != 1 {
		t.Fatalf("observer saw %d rejections, want 1", len(obs.rejections))
	}
	ev := obs.rejections[0]
	if ev.Op != record.OpUpdate || ev.StatusCode != 422 || ev.Reason != "name not allowed" {
		t.Errorf("rejection event = %+v", ev)
	}
}

// TestEngine_DispatchOnce_RejectedDeleteRestoresRow tests that a
// rejected delete rebuilds the optimistically removed mirror row.
func TestEngine_DispatchOnce_RejectedDeleteRestoresRow(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, _ := testEngine(t, st, gw)

	if err := st.PutEntity(&record.Entity{
		ID:     "srv-5",
		Type:   record.EntityPlace,
		TripID: "trip-1",
		// ParentID satisfies place validation.
		ParentID: "srv-4",
		Fields:   record.Fields{"name": "Harbor cafe", "rating": 5},
	}); err != nil {
		t.Fatalf("PutEntity() failed: %v", err)
	}

	queuedForSync, err := eng.Delete(context.Background(), "srv-5")
	if err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if !queuedForSync {
		t.Fatal("delete of a reconciled entity should queue for sync")
	}
	if _, err := st.GetEntity("srv-5"); err == nil {
		t.Fatal("mirror row should be optimistically removed before dispatch")
	}

	gw.failWith(record.OpDelete, "srv-5", &gateway.Error{Class: gateway.ClassPermanent, StatusCode: 409, Message: "referenced by itinerary"})

	if _, err := eng.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}

	entity, err := st.GetEntity("srv-5")
	if err != nil {
		t.Fatalf("row not restored after rejected delete: %v", err)
	}
	if entity.Fields["name"] != "Harbor cafe" {
		t.Errorf("restored fields = %v", entity.Fields)
	}
	if entity.Provisional {
		t.Error("restored row should not be provisional")
	}
}

// TestEngine_DispatchOnce_RejectedCreateDropsProvisional tests that a
// rejected create removes the provisional mirror row.
func TestEngine_DispatchOnce_RejectedCreateDropsProvisional(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, obs := testEngine(t, st, gw)

	clientID := record.NewClientID()
	if _, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", record.Fields{"name": "Atlantis"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	gw.failWith(record.OpCreate, clientID, &gateway.Error{Class: gateway.ClassPermanent, StatusCode: 400, Message: "unknown trip"})

	if _, err := eng.DispatchOnce(context.Background()); err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}

	if _, err := st.GetEntity(clientID); err == nil {
		t.Error("provisional row should be dropped after rejected create")
	}
	if len(obs.rejections) != 1 || obs.rejections[0].Op != record.OpCreate {
		t.Errorf("observer rejections = %+v, want one create rejection", obs.rejections)
	}
}

// TestEngine_DispatchOnce_TransientReleasesRest tests that a transient
// failure requeues the tried mutation and hands the untried remainder
// back without attempts.
func TestEngine_DispatchOnce_TransientReleasesRest(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, _ := testEngine(t, st, gw)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("srv-%d", i)
		if err := st.PutEntity(&record.Entity{ID: id, Type: record.EntityRegion, Fields: record.Fields{"name": id}}); err != nil {
			t.Fatalf("PutEntity() failed: %v", err)
		}
		if _, err := eng.Update(context.Background(), id, record.Fields{"notes": "x"}); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	}

	gw.failWith(record.OpUpdate, "srv-1", &gateway.Error{Class: gateway.ClassTransient, StatusCode: 503, Message: "down"})

	report, err := eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}
	if report.Claimed != 3 || report.Requeued != 1 || report.Applied != 0 {
		t.Errorf("report = claimed %d requeued %d applied %d, want 3/1/0",
			report.Claimed, report.Requeued, report.Applied)
	}
	if gw.callCount() != 1 {
		t.Errorf("gateway calls = %d, want 1 (remainder must not be tried)", gw.callCount())
	}

	queued, err := st.ListMutations(store.MutationFilter{State: record.MutationQueued})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("queued rows = %d, want 3", len(queued))
	}
	if queued[0].AttemptCount != 1 || queued[0].LastError == "" {
		t.Errorf("tried row: attempts %d lastError %q, want 1 attempt with error", queued[0].AttemptCount, queued[0].LastError)
	}
	for _, m := range queued[1:] {
		if m.AttemptCount != 0 {
			t.Errorf("released mutation %d attempts = %d, want 0", m.ID, m.AttemptCount)
		}
	}
}

// TestEngine_RecoverAndResubmit tests crash recovery: a create that was
// delivered but never marked applied redispatches under the same
// idempotency token and the server replays the original identifier.
func TestEngine_RecoverAndResubmit(t *testing.T) {
	st := testStore(t)
	gw := newFakeGateway()
	eng, _ := testEngine(t, st, gw)

	clientID := record.NewClientID()
	if _, err := eng.Create(context.Background(), record.EntityRegion, clientID, "trip-1", "", record.Fields{"name": "Lapland"}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// First pass by hand: claim and deliver, then "crash" before the
	// applied mark is written.
	claimed, err := st.ClaimEligibleMutations(10)
	if err != nil {
		t.Fatalf("ClaimEligibleMutations() failed: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d mutations, want 1", len(claimed))
	}
	key := record.MutationKey("dev-test", claimed[0])
	if _, err := gw.CreateEntity(context.Background(), claimed[0], key); err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}

	// Restart: recovery requeues, the next cycle resubmits.
	if _, err := eng.RecoverOnStartup(context.Background()); err != nil {
		t.Fatalf("RecoverOnStartup() failed: %v", err)
	}
	report, err := eng.DispatchOnce(context.Background())
	if err != nil {
		t.Fatalf("DispatchOnce() failed: %v", err)
	}
	if report.Applied != 1 {
		t.Fatalf("report.Applied = %d, want 1", report.Applied)
	}

	if gw.callCount() != 2 {
		t.Errorf("gateway calls = %d, want 2", gw.callCount())
	}
	if gw.serverEntities() != 1 {
		t.Errorf("server entities = %d, want 1 (resubmission must dedup)", gw.serverEntities())
	}

	entity, err := st.GetEntity("srv-1")
	if err != nil {
		t.Fatalf("GetEntity(srv-1) failed: %v", err)
	}
	if entity.Provisional {
		t.Error("entity should be reconciled after resubmission")
	}
}

// TestEngine_Update_UnknownEntity tests the lookup error path.
func TestEngine_Update_UnknownEntity(t *testing.T) {
	st := testStore(t)
	eng, _ := testEngine(t, st, newFakeGateway())

	if _, err := eng.Update(context.Background(), "nope", record.Fields{"name": "X"}); err == nil {
		t.Error("Update() of unknown entity should fail")
	}
	if _, err := eng.Delete(context.Background(), "nope"); err == nil {
		t.Error("Delete() of unknown entity should fail")
	}
	if _, err := eng.Update(context.Background(), "srv-1", nil); err == nil {
		t.Error("Update() with no changes should fail")
	}
}
