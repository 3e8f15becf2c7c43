// Package record defines the durable row types shared by the sync queues:
// queued location samples, pending entity mutations, and the cached-entity
// mirror. The store persists these types; the engines move them through
// their state machines.
package record

import (
	"fmt"
	"time"
)

// SampleState describes where a queued sample sits in its sync lifecycle.
type SampleState string

const (
	// SamplePending is waiting to be picked up by a drain cycle.
	SamplePending SampleState = "pending"
	// SampleClaimed is held by an in-flight drain cycle.
	SampleClaimed SampleState = "claimed"
	// SampleSynced was acknowledged by the server. Terminal.
	SampleSynced SampleState = "synced"
	// SampleRejected was permanently refused by the server. Terminal.
	SampleRejected SampleState = "rejected"
)

// Valid reports whether s is a known sample state.
func (s SampleState) Valid() bool {
	switch s {
	case SamplePending, SampleClaimed, SampleSynced, SampleRejected:
		return true
	}
	return false
}

// Terminal reports whether the state ends the sample's lifecycle.
// Terminal rows are never claimed again and are the first eviction
// candidates.
func (s SampleState) Terminal() bool {
	return s == SampleSynced || s == SampleRejected
}

// Sample is one captured GPS fix queued for delivery.
//
// ID is the local queue sequence (SQLite AUTOINCREMENT), so ascending ID
// is capture order. AttemptCount is diagnostic only; nothing reads it to
// cap retries.
type Sample struct {
	// ===== Identity & Position =====
	ID        int64   `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy"` // horizontal accuracy radius, meters
	Speed     float64 `json:"speed"`    // meters per second
	Bearing   float64 `json:"bearing"`  // degrees clockwise from north

	// ===== Capture Metadata =====
	CapturedAt time.Time `json:"captured_at"`
	Provider   string    `json:"provider"` // gps, network, fused

	// ===== Sync Bookkeeping =====
	SyncState       SampleState `json:"sync_state"`
	AttemptCount    int         `json:"attempt_count"`
	LastAttemptAt   *time.Time  `json:"last_attempt_at,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	ServerConfirmed bool        `json:"server_confirmed"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Validate checks that the sample carries a plausible fix.
func (s *Sample) Validate() error {
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("latitude out of range (got %f)", s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("longitude out of range (got %f)", s.Longitude)
	}
	if s.Accuracy < 0 {
		return fmt.Errorf("accuracy must be non-negative (got %f)", s.Accuracy)
	}
	if s.CapturedAt.IsZero() {
		return fmt.Errorf("captured_at is required")
	}
	if s.SyncState != "" && !s.SyncState.Valid() {
		return fmt.Errorf("unknown sync state %q", s.SyncState)
	}
	return nil
}

// SetDefaults fills optional fields so freshly captured samples can be
// enqueued without ceremony.
func (s *Sample) SetDefaults() {
	if s.Provider == "" {
		s.Provider = "gps"
	}
	if s.SyncState == "" {
		s.SyncState = SamplePending
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
}
