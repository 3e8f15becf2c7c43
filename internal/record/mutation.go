package record

import (
	"fmt"
	"time"
)

// MutationState describes where a pending mutation sits in its lifecycle.
type MutationState string

const (
	// MutationQueued is waiting for a dispatch cycle.
	MutationQueued MutationState = "queued"
	// MutationDispatching is held by an in-flight dispatch cycle.
	MutationDispatching MutationState = "dispatching"
	// MutationApplied was acknowledged by the server. Terminal.
	MutationApplied MutationState = "applied"
	// MutationRejected was permanently refused and rolled back. Terminal.
	MutationRejected MutationState = "rejected"
)

// Valid reports whether s is a known mutation state.
func (s MutationState) Valid() bool {
	switch s {
	case MutationQueued, MutationDispatching, MutationApplied, MutationRejected:
		return true
	}
	return false
}

// Terminal reports whether the state ends the mutation's lifecycle.
func (s MutationState) Terminal() bool {
	return s == MutationApplied || s == MutationRejected
}

// MutationOp is the kind of change a mutation carries.
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// Valid reports whether op is a known operation.
func (op MutationOp) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// EntityType is the kind of trip entity a mutation targets.
type EntityType string

const (
	EntityRegion EntityType = "region"
	EntityPlace  EntityType = "place"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityRegion || t == EntityPlace
}

// Mutation is one queued create/update/delete against a trip entity.
//
// EntityID is minted by the caller at the user-action boundary and reused
// verbatim everywhere downstream; it is never regenerated here. For a
// create it starts as the client id and the server assigns the durable id
// at apply time. Snapshot holds the pre-change values needed to roll an
// optimistic update or delete back if the server rejects it.
type Mutation struct {
	// ===== Identity =====
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	Op         MutationOp `json:"op"`
	EntityID   string     `json:"entity_id"`
	TripID     string     `json:"trip_id,omitempty"`
	ParentID   string     `json:"parent_id,omitempty"` // owning region, for places

	// ===== Change Content =====
	Payload  Fields `json:"payload,omitempty"`  // fields to create/update
	Snapshot Fields `json:"snapshot,omitempty"` // pre-change values for rollback

	// ===== Sync Bookkeeping =====
	State           MutationState `json:"state"`
	ServerID        string        `json:"server_id,omitempty"` // assigned on applied creates
	AttemptCount    int           `json:"attempt_count"`
	LastAttemptAt   *time.Time    `json:"last_attempt_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Validate checks structural requirements common to all operations.
func (m *Mutation) Validate() error {
	if !m.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", m.EntityType)
	}
	if !m.Op.Valid() {
		return fmt.Errorf("unknown operation %q", m.Op)
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if m.EntityType == EntityPlace && m.Op == OpCreate && m.ParentID == "" {
		return fmt.Errorf("place create requires parent_id")
	}
	if m.State != "" && !m.State.Valid() {
		return fmt.Errorf("unknown mutation state %q", m.State)
	}
	return nil
}

// IsRejected reports whether the mutation ended in permanent rejection.
func (m *Mutation) IsRejected() bool {
	return m.State == MutationRejected
}

// Entity is the local mirror of a region or place. ID holds the
// client-minted identifier until reconciliation rewrites it in place to
// the server identifier; there is never a second row for the same entity.
type Entity struct {
	ID          string     `json:"id"`
	Type        EntityType `json:"type"`
	TripID      string     `json:"trip_id,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	Fields      Fields     `json:"fields,omitempty"`
	Provisional bool       `json:"provisional"` // true until the backing create is applied
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks the mirror row is well formed.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if e.Type == EntityPlace && e.ParentID == "" {
		return fmt.Errorf("place requires parent_id")
	}
	return nil
}
