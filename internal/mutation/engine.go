// Package mutation implements the trip entity change pipeline: creates,
// updates and deletes against regions and places, applied optimistically
// to the local mirror, queued durably, and dispatched in dependency
// order.
//
// The engine coalesces work before it ever reaches the wire. An update
// against an entity whose create is still queued folds into the create's
// payload; a delete against a queued create cancels it outright. Once a
// create is acknowledged, reconciliation rewrites the client-minted
// identifier to the server's in place, so dependents queued behind it
// dispatch with an identifier the server knows. Permanent rejections
// roll the mirror back from the snapshot taken when the change was made.
package mutation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/mkallio/tracksync/internal/events"
	"github.com/mkallio/tracksync/internal/gateway"
	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
)

// Skip reasons reported when a dispatch cycle does not run.
const (
	SkipOverlap = "previous cycle still running"
	SkipOffline = "endpoint offline"
)

// Config configures a mutation engine.
type Config struct {
	// Store is the durable queue and entity mirror. Required.
	Store *store.Store
	// Gateway dispatches mutations to the server. Required.
	Gateway gateway.Gateway
	// Bus receives reconciliation and rejection events. Nil disables
	// event delivery.
	Bus *events.Bus
	// Probe gates dispatch cycles on connectivity. Nil means always try.
	Probe gateway.Probe
	// DeviceID seeds idempotency tokens. Required.
	DeviceID string
	// BatchSize is the maximum mutations claimed per cycle.
	BatchSize int
	// Logger receives dispatch diagnostics. Defaults to stderr.
	Logger *log.Logger
}

// Report summarizes one dispatch cycle.
type Report struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Claimed    int           `json:"claimed"`
	Applied    int           `json:"applied"`
	Requeued   int           `json:"requeued"`
	Rejected   int           `json:"rejected"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// skipped builds a report for a cycle that did not run.
func skipped(reason string) *Report {
	return &Report{Started: time.Now().UTC(), Skipped: true, SkipReason: reason}
}

// Engine queues and dispatches trip entity mutations.
type Engine struct {
	store     *store.Store
	gw        gateway.Gateway
	bus       *events.Bus
	probe     gateway.Probe
	deviceID  string
	batchSize int
	logger    *log.Logger

	// inFlight makes DispatchOnce non-reentrant per engine instance.
	inFlight atomic.Bool
}

// New creates a mutation engine.
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
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[mutation] ", log.LstdFlags)
	}

	return &Engine{
		store:     cfg.Store,
		gw:        cfg.Gateway,
		bus:       cfg.Bus,
		probe:     cfg.Probe,
		deviceID:  cfg.DeviceID,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}, nil
}

// Create queues a create for a new region or place and shows it in the
// mirror immediately, marked provisional until the server acknowledges.
// clientID must come from record.NewClientID, minted once at the user
// action; every later reference to the entity reuses it verbatim.
// Returns the queue row id.
func (e *Engine) Create(ctx context.Context, entityType record.EntityType, clientID, tripID, parentID string, fields record.Fields) (int64, error) {
	m := &record.Mutation{
		EntityType: entityType,
		Op:         record.OpCreate,
		EntityID:   clientID,
		TripID:     tripID,
		ParentID:   parentID,
		Payload:    fields.Clone(),
	}
	if err := m.Validate(); err != nil {
		return 0, fmt.Errorf("invalid create: %w", err)
	}

	// At most one live create per entity: a second one would dispatch as
	// a fresh create under a rewritten identifier and duplicate the
	// entity server-side.
	exists, err := e.store.HasUnresolvedCreate(ctx, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to check for existing create: %w", err)
	}
	if exists {
		return 0, fmt.Errorf("create already queued for entity %s", clientID)
	}

	id, err := e.store.AppendMutationContext(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to queue create: %w", err)
	}

	mirror := &record.Entity{
		ID:          clientID,
		Type:        entityType,
		TripID:      tripID,
		ParentID:    parentID,
		Fields:      fields.Clone(),
		Provisional: true,
	}
	if err := e.store.PutEntityContext(ctx, mirror); err != nil {
		// Undo the queued create so a retry starts clean.
		if _, derr := e.store.DeleteMutationIfQueuedContext(ctx, id); derr != nil {
			e.logger.Printf("failed to unwind create %d after mirror failure: %v", id, derr)
		}
		return 0, fmt.Errorf("failed to mirror create: %w", err)
	}
	return id, nil
}

// Update queues a field change against an entity and applies it to the
// mirror immediately. If the entity's create is still queued the change
// folds into the create's payload instead, so a single request carries
// the final values. Returns the queue row id of the mutation that now
// carries the change.
func (e *Engine) Update(ctx context.Context, entityID string, changes record.Fields) (int64, error) {
	if len(changes) == 0 {
		return 0, fmt.Errorf("update carries no changes")
	}

	live, err := e.store.LiveCreateForEntityContext(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if live != nil {
		merged := live.Payload.Merge(changes)
		ok, err := e.store.UpdateMutationPayloadContext(ctx, live.ID, merged)
		if err != nil {
			return 0, fmt.Errorf("failed to merge update into create: %w", err)
		}
		if ok {
			if err := e.applyToMirror(ctx, entityID, changes); err != nil {
				return 0, err
			}
			return live.ID, nil
		}
		// The create left the queue between lookup and merge; fall
		// through to a separate update behind it.
	}

	entity, err := e.store.GetEntityContext(ctx, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("unknown entity %s", entityID)
		}
		return 0, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}

	m := &record.Mutation{
		EntityType: entity.Type,
		Op:         record.OpUpdate,
		EntityID:   entityID,
		TripID:     entity.TripID,
		ParentID:   entity.ParentID,
		Payload:    changes.Clone(),
		Snapshot:   entity.Fields.SnapshotFor(changes),
	}
	id, err := e.store.AppendMutationContext(ctx, m)
	if err != nil {
		return 0, fmt.Errorf("failed to queue update: %w", err)
	}

	if err := e.applyToMirror(ctx, entityID, changes); err != nil {
		if _, derr := e.store.DeleteMutationIfQueuedContext(ctx, id); derr != nil {
			e.logger.Printf("failed to unwind update %d after mirror failure: %v", id, derr)
		}
		return 0, err
	}
	return id, nil
}

// Delete removes an entity. If its create is still queued the create is
// cancelled and nothing ever reaches the server; otherwise the mirror
// row is removed optimistically and a delete is queued. Returns true
// when a delete was queued for dispatch, false when the whole thing was
// settled locally.
func (e *Engine) Delete(ctx context.Context, entityID string) (bool, error) {
	live, err := e.store.LiveCreateForEntityContext(ctx, entityID)
	if err != nil {
		return false, err
	}
	if live != nil {
		ok, err := e.store.DeleteMutationIfQueuedContext(ctx, live.ID)
		if err != nil {
			return false, fmt.Errorf("failed to cancel queued create: %w", err)
		}
		if ok {
			if err := e.store.DeleteEntityContext(ctx, entityID); err != nil {
				return false, err
			}
			return false, nil
		}
		// The create dispatched between lookup and cancel; queue a real
		// delete behind it.
	}

	entity, err := e.store.GetEntityContext(ctx, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("unknown entity %s", entityID)
		}
		return false, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}

	m := &record.Mutation{
		EntityType: entity.Type,
		Op:         record.OpDelete,
		EntityID:   entityID,
		TripID:     entity.TripID,
		ParentID:   entity.ParentID,
		// Full field map: rollback must rebuild the row.
		Snapshot: entity.Fields.Clone(),
	}
	id, err := e.store.AppendMutationContext(ctx, m)
	if err != nil {
		return false, fmt.Errorf("failed to queue delete: %w", err)
	}

	if err := e.store.DeleteEntityContext(ctx, entityID); err != nil {
		if _, derr := e.store.DeleteMutationIfQueuedContext(ctx, id); derr != nil {
			e.logger.Printf("failed to unwind delete %d after mirror failure: %v", id, derr)
		}
		return false, err
	}
	return true, nil
}

// applyToMirror merges changes into an entity's mirrored field map.
func (e *Engine) applyToMirror(ctx context.Context, entityID string, changes record.Fields) error {
	entity, err := e.store.GetEntityContext(ctx, entityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unknown entity %s", entityID)
		}
		return fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}
	ok, err := e.store.UpdateEntityFieldsContext(ctx, entityID, entity.Fields.Merge(changes))
	if err != nil {
		return fmt.Errorf("failed to apply change to mirror: %w", err)
	}
	if !ok {
		return fmt.Errorf("entity %s vanished during update", entityID)
	}
	return nil
}

// RecoverOnStartup returns mutations stranded in dispatching state by a
// crash to queued. Run once before any cycle; redispatch is safe because
// the idempotency token is deterministic.
func (e *Engine) RecoverOnStartup(ctx context.Context) (int64, error) {
	n, err := e.store.RecoverDispatchingMutationsContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to recover dispatching mutations: %w", err)
	}
	if n > 0 {
		e.logger.Printf("recovered %d mutations left dispatching by a previous run", n)
	}
	return n, nil
}

// DispatchOnce runs a single dispatch cycle: claim eligible mutations,
// send each one, fold the results back. Dependents of anything claimed
// here stay queued until a later cycle sees their prerequisite applied.
func (e *Engine) DispatchOnce(ctx context.Context) (*Report, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return skipped(SkipOverlap), nil
	}
	defer e.inFlight.Store(false)

	if e.probe != nil && !e.probe.Online(ctx) {
		return skipped(SkipOffline), nil
	}

	report := &Report{Started: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.Started) }()

	batch, err := e.store.ClaimEligibleMutationsContext(ctx, e.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to claim batch: %w", err)
	}
	report.Claimed = len(batch)

	for i, m := range batch {
		err := e.dispatch(ctx, m, report)
		if err == nil {
			continue
		}

		// Transient or rate limited: the endpoint is presumed down.
		// Requeue this mutation and hand the untried rest back.
		if ok, serr := e.store.RequeueMutationContext(ctx, m.ID, err.Error()); serr != nil {
			e.logger.Printf("failed to requeue mutation %d: %v", m.ID, serr)
		} else if !ok {
			e.logger.Printf("mutation %d left dispatching state unexpectedly", m.ID)
		}
		report.Requeued++

		if rerr := e.releaseRest(ctx, batch[i+1:]); rerr != nil {
			e.logger.Printf("failed to release remaining batch: %v", rerr)
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		e.logger.Printf("transient failure dispatching mutation %d: %v", m.ID, err)
		break
	}

	return report, nil
}

// dispatch sends one claimed mutation and settles its outcome. A nil
// return means the row reached a terminal bookkeeping state (applied or
// rejected); an error means transient failure and the caller requeues.
func (e *Engine) dispatch(ctx context.Context, m *record.Mutation, report *Report) error {
	key := record.MutationKey(e.deviceID, m)

	var ack *gateway.Ack
	var err error
	switch m.Op {
	case record.OpCreate:
		ack, err = e.gw.CreateEntity(ctx, m, key)
	case record.OpUpdate:
		err = e.gw.UpdateEntity(ctx, m, key)
	case record.OpDelete:
		err = e.gw.DeleteEntity(ctx, m, key)
	default:
		// Unknown op rows cannot be sent; park them.
		e.reject(ctx, m, 0, fmt.Sprintf("unknown operation %q", m.Op))
		report.Rejected++
		return nil
	}

	if err != nil {
		if !gateway.IsPermanent(err) {
			return err
		}
		e.rollback(ctx, m)
		var ge *gateway.Error
		status, reason := 0, err.Error()
		if errors.As(err, &ge) {
			status, reason = ge.StatusCode, ge.Message
		}
		e.logger.Printf("mutation %d (%s %s %s) permanently rejected: %s", m.ID, m.Op, m.EntityType, m.EntityID, reason)
		e.reject(ctx, m, status, reason)
		report.Rejected++
		return nil
	}

	if m.Op == record.OpCreate {
		if !e.reconcile(ctx, m, ack) {
			return nil
		}
	} else {
		if ok, serr := e.store.MarkMutationAppliedContext(ctx, m.ID, ""); serr != nil {
			e.logger.Printf("failed to mark mutation %d applied: %v", m.ID, serr)
			return nil
		} else if !ok {
			e.logger.Printf("mutation %d left dispatching state unexpectedly", m.ID)
			return nil
		}
	}
	report.Applied++
	return nil
}

// reconcile folds a create acknowledgment back into the store: the
// mirror row is renamed to the server identifier in place, queued
// references to the client identifier are rewritten, and only then is
// the create marked applied, so nothing ever dispatches carrying the
// stale identifier. Observers hear about the rename synchronously, after
// the bookkeeping is durable. Returns false if the row did not reach
// applied state; startup recovery redispatches it and the rename steps
// are no-ops the second time.
func (e *Engine) reconcile(ctx context.Context, m *record.Mutation, ack *gateway.Ack) bool {
	serverID := ack.ServerID

	if serverID != m.EntityID {
		if _, err := e.store.GetEntityContext(ctx, serverID); err == nil {
			// Another row already carries the server identifier. This
			// should never happen: it means two creates resolved to the
			// same entity. Keep the existing row and drop the
			// provisional one rather than fail the rename.
			e.logger.Printf("identifier conflict: server assigned %s to create %d but a mirror row with that id already exists; dropping provisional row %s", serverID, m.ID, m.EntityID)
			if derr := e.store.DeleteEntityContext(ctx, m.EntityID); derr != nil {
				e.logger.Printf("failed to drop conflicting provisional row %s: %v", m.EntityID, derr)
			}
		} else if err := e.store.RenameEntityContext(ctx, m.EntityID, serverID); err != nil {
			e.logger.Printf("failed to rename entity %s to %s: %v", m.EntityID, serverID, err)
			return false
		}

		n, err := e.store.RewriteMutationRefsContext(ctx, m.EntityID, serverID)
		if err != nil {
			e.logger.Printf("failed to rewrite references %s to %s: %v", m.EntityID, serverID, err)
			return false
		}
		if n > 0 {
			e.logger.Printf("rewrote %d queued references from %s to %s", n, m.EntityID, serverID)
		}
	}

	if ok, err := e.store.MarkMutationAppliedContext(ctx, m.ID, serverID); err != nil {
		e.logger.Printf("failed to mark create %d applied: %v", m.ID, err)
		return false
	} else if !ok {
		e.logger.Printf("create %d left dispatching state unexpectedly", m.ID)
		return false
	}

	if ack.Duplicate {
		e.logger.Printf("create %d was a resubmission, server replayed %s", m.ID, serverID)
	}

	if e.bus != nil {
		e.bus.EmitReconciliation(events.Reconciliation{
			EntityType: m.EntityType,
			ClientID:   m.EntityID,
			ServerID:   serverID,
			TripID:     m.TripID,
		})
	}
	return true
}

// rollback undoes the optimistic mirror change of a permanently rejected
// mutation using the snapshot taken when the change was queued.
func (e *Engine) rollback(ctx context.Context, m *record.Mutation) {
	switch m.Op {
	case record.OpCreate:
		// The provisional row never existed server-side; remove it.
		if err := e.store.DeleteEntityContext(ctx, m.EntityID); err != nil {
			e.logger.Printf("failed to roll back rejected create of %s: %v", m.EntityID, err)
		}

	case record.OpUpdate:
		entity, err := e.store.GetEntityContext(ctx, m.EntityID)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				e.logger.Printf("failed to roll back rejected update of %s: %v", m.EntityID, err)
			}
			// Row already deleted locally; nothing to restore.
			return
		}
		restored := entity.Fields.Restore(m.Snapshot)
		if _, err := e.store.UpdateEntityFieldsContext(ctx, m.EntityID, restored); err != nil {
			e.logger.Printf("failed to roll back rejected update of %s: %v", m.EntityID, err)
		}

	case record.OpDelete:
		// Rebuild the row the optimistic delete removed.
		entity := &record.Entity{
			ID:       m.EntityID,
			Type:     m.EntityType,
			TripID:   m.TripID,
			ParentID: m.ParentID,
			Fields:   m.Snapshot.Clone(),
		}
		if err := e.store.PutEntityContext(ctx, entity); err != nil {
			e.logger.Printf("failed to roll back rejected delete of %s: %v", m.EntityID, err)
		}
	}
}

// reject parks a mutation as permanently refused and tells observers.
func (e *Engine) reject(ctx context.Context, m *record.Mutation, status int, reason string) {
	if ok, err := e.store.RejectMutationContext(ctx, m.ID, reason); err != nil {
		e.logger.Printf("failed to record rejection of mutation %d: %v", m.ID, err)
		return
	} else if !ok {
		e.logger.Printf("mutation %d left dispatching state unexpectedly", m.ID)
		return
	}

	if e.bus != nil {
		e.bus.EmitRejection(events.Rejection{
			EntityType: m.EntityType,
			Op:         m.Op,
			EntityID:   m.EntityID,
			Reason:     reason,
			StatusCode: status,
		})
	}
}

// releaseRest returns untried dispatching rows to queued without
// counting an attempt against them.
func (e *Engine) releaseRest(ctx context.Context, rest []*record.Mutation) error {
	if len(rest) == 0 {
		return nil
	}
	ids := make([]int64, len(rest))
	for i, m := range rest {
		ids[i] = m.ID
	}
	return e.store.ReleaseDispatchingMutationsContext(ctx, ids)
}
