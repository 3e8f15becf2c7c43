// Package gateway defines the dispatch interface to the remote sync API
// and its HTTP implementation.
//
// Every operation carries a caller-supplied idempotency token so the
// server can deduplicate retries: a dispatch that crashed after the
// request but before the acknowledgment is simply sent again with the
// same token. Failures come back as *Error values carrying a Class the
// engines branch on.
package gateway

import (
	"context"

	"github.com/mkallio/tracksync/internal/record"
)

// Ack is the server's acknowledgment of an entity create.
type Ack struct {
	// ServerID is the durable identifier the server assigned.
	ServerID string `json:"id"`
	// Duplicate is set when the idempotency token matched an earlier
	// request and the server replayed its original answer.
	Duplicate bool `json:"duplicate"`
}

// Gateway is the outbound interface the drain and mutation engines
// dispatch through.
type Gateway interface {
	// SubmitSample delivers one location fix.
	SubmitSample(ctx context.Context, s *record.Sample, idempotencyKey string) error
	// CreateEntity creates a region or place and returns the assigned
	// server identifier.
	CreateEntity(ctx context.Context, m *record.Mutation, idempotencyKey string) (*Ack, error)
	// UpdateEntity applies field changes to an existing entity.
	UpdateEntity(ctx context.Context, m *record.Mutation, idempotencyKey string) error
	// DeleteEntity removes an existing entity.
	DeleteEntity(ctx context.Context, m *record.Mutation, idempotencyKey string) error
}

// Probe answers the cheap question "is the endpoint worth trying right
// now". Engines consult it before claiming work; a false answer skips
// the cycle without touching the queue.
type Probe interface {
	Online(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

// Online implements Probe.
func (f ProbeFunc) Online(ctx context.Context) bool { return f(ctx) }
