package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mkallio/tracksync/internal/record"
)

// mutationColumns is the scan order shared by every mutation query.
const mutationColumns = `id, entity_type, op, entity_id, trip_id, parent_id,
       payload, snapshot, state, server_id, attempt_count, last_attempt_at,
       last_error, rejection_reason, created_at`

// mutationEligible gates claim candidates. A queued mutation is eligible
// only when:
//   - no older live mutation exists for the same entity (per-entity FIFO),
//   - its parent entity is not awaiting an unresolved create,
//   - for update/delete, its own entity's create has resolved.
//
// "Live" means queued or dispatching. The same conditions repeat inside
// the conditional claim update, so a candidate that loses eligibility
// between selection and claim stays queued instead of dispatching against
// an identifier the server has never seen.
const mutationEligible = `
	  AND NOT EXISTS (
		SELECT 1 FROM mutations prior
		WHERE prior.entity_id = mutations.entity_id
		  AND prior.id < mutations.id
		  AND prior.state IN ('queued', 'dispatching')
	  )
	  AND (mutations.parent_id = '' OR NOT EXISTS (
		SELECT 1 FROM mutations pc
		WHERE pc.entity_id = mutations.parent_id
		  AND pc.op = 'create'
		  AND pc.state IN ('queued', 'dispatching')
	  ))
	  AND (mutations.op = 'create' OR NOT EXISTS (
		SELECT 1 FROM mutations ec
		WHERE ec.entity_id = mutations.entity_id
		  AND ec.op = 'create'
		  AND ec.id != mutations.id
		  AND ec.state IN ('queued', 'dispatching')
	  ))`

// AppendMutation inserts a queued mutation and returns its row id.
func (s *Store) AppendMutation(m *record.Mutation) (int64, error) {
	return s.AppendMutationContext(context.Background(), m)
}

// AppendMutationContext inserts a queued mutation with context support.
func (s *Store) AppendMutationContext(ctx context.Context, m *record.Mutation) (int64, error) {
	if m.State == "" {
		m.State = record.MutationQueued
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := m.Validate(); err != nil {
		return 0, fmt.Errorf("invalid mutation: %w", err)
	}

	payload, err := m.Payload.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	snapshot, err := m.Snapshot.Encode()
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO mutations (
		entity_type, op, entity_id, trip_id, parent_id,
		payload, snapshot, state, server_id, attempt_count,
		last_error, rejection_reason, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, '', '', ?)
	`,
		string(m.EntityType),
		string(m.Op),
		m.EntityID,
		m.TripID,
		m.ParentID,
		payload,
		snapshot,
		string(m.State),
		m.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert mutation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted mutation id: %w", err)
	}
	m.ID = id
	return id, nil
}

// ClaimEligibleMutations atomically moves up to limit eligible queued
// mutations to dispatching and returns them, oldest first.
//
// Candidates pass the dependency gate (see mutationEligible) at selection
// and again inside the conditional claim update, so concurrent claimers
// receive disjoint sets and never a mutation whose prerequisites are
// still in flight. A dependent queued behind a create claimed in the same
// batch simply waits for a later cycle.
func (s *Store) ClaimEligibleMutations(limit int) ([]*record.Mutation, error) {
	return s.ClaimEligibleMutationsContext(context.Background(), limit)
}

// ClaimEligibleMutationsContext claims eligible mutations with context support.
func (s *Store) ClaimEligibleMutationsContext(ctx context.Context, limit int) ([]*record.Mutation, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id FROM mutations
	WHERE mutations.state = 'queued'`+mutationEligible+`
	ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible mutations: %w", err)
	}

	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	rows.Close()

	now := time.Now()
	var won []int64
	for _, id := range candidates {
		res, err := s.conn.ExecContext(ctx, `
		UPDATE mutations SET state = 'dispatching', last_attempt_at = ?
		WHERE id = ? AND mutations.state = 'queued'`+mutationEligible+`
		`, timeToNullString(&now), id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim mutation %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check claim of mutation %d: %w", id, err)
		}
		if n == 1 {
			won = append(won, id)
		}
	}

	if len(won) == 0 {
		return nil, nil
	}
	return s.getMutationsByID(ctx, won)
}

// getMutationsByID fetches full rows for the given ids, oldest first.
func (s *Store) getMutationsByID(ctx context.Context, ids []int64) ([]*record.Mutation, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `SELECT ` + mutationColumns + `
	FROM mutations
	WHERE id IN (` + strings.Join(placeholders, ", ") + `)
	ORDER BY id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claimed mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// GetMutationByID retrieves a single mutation.
// Returns sql.ErrNoRows if the mutation is not found.
func (s *Store) GetMutationByID(id int64) (*record.Mutation, error) {
	return s.GetMutationByIDContext(context.Background(), id)
}

// GetMutationByIDContext retrieves a single mutation with context support.
func (s *Store) GetMutationByIDContext(ctx context.Context, id int64) (*record.Mutation, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id)
	return scanMutation(row)
}

// LiveCreateForEntity returns the still-queued create mutation for the
// given entity id, or nil if none exists. Dispatching creates do not
// count: once a create is on the wire it can no longer absorb merges.
func (s *Store) LiveCreateForEntity(entityID string) (*record.Mutation, error) {
	return s.LiveCreateForEntityContext(context.Background(), entityID)
}

// LiveCreateForEntityContext looks up a queued create with context support.
func (s *Store) LiveCreateForEntityContext(ctx context.Context, entityID string) (*record.Mutation, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT `+mutationColumns+` FROM mutations
	WHERE entity_id = ? AND op = 'create' AND state = 'queued'
	ORDER BY id ASC LIMIT 1
	`, entityID)

	m, err := scanMutation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up queued create for %s: %w", entityID, err)
	}
	return m, nil
}

// HasUnresolvedCreate reports whether a live create exists for the id.
// Queued and dispatching both count as unresolved.
func (s *Store) HasUnresolvedCreate(ctx context.Context, entityID string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM mutations
	WHERE entity_id = ? AND op = 'create' AND state IN ('queued', 'dispatching')
	`, entityID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check unresolved create for %s: %w", entityID, err)
	}
	return n > 0, nil
}

// UpdateMutationPayload replaces the payload of a still-queued mutation.
// Returns false if the row is no longer queued, in which case the caller
// must fall back to appending a separate mutation.
func (s *Store) UpdateMutationPayload(id int64, payload record.Fields) (bool, error) {
	return s.UpdateMutationPayloadContext(context.Background(), id, payload)
}

// UpdateMutationPayloadContext replaces a queued payload with context support.
func (s *Store) UpdateMutationPayloadContext(ctx context.Context, id int64, payload record.Fields) (bool, error) {
	encoded, err := payload.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
	UPDATE mutations SET payload = ? WHERE id = ? AND state = 'queued'
	`, encoded, id)
	if err != nil {
		return false, fmt.Errorf("failed to update payload of mutation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of mutation %d: %w", id, err)
	}
	return n == 1, nil
}

// DeleteMutationIfQueued removes a mutation only while it is still
// queued. Used to cancel a create that a delete arrived for before
// dispatch. Returns false if the row had already left the queued state.
func (s *Store) DeleteMutationIfQueued(id int64) (bool, error) {
	return s.DeleteMutationIfQueuedContext(context.Background(), id)
}

// DeleteMutationIfQueuedContext removes a queued mutation with context support.
func (s *Store) DeleteMutationIfQueuedContext(ctx context.Context, id int64) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM mutations WHERE id = ? AND state = 'queued'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete mutation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check delete of mutation %d: %w", id, err)
	}
	return n == 1, nil
}

// MarkMutationApplied records a server acknowledgment for a dispatching
// mutation. serverID is empty except for creates, where it is the
// identifier the server assigned. Returns false if the row was not in
// dispatching state.
func (s *Store) MarkMutationApplied(id int64, serverID string) (bool, error) {
	return s.MarkMutationAppliedContext(context.Background(), id, serverID)
}

// MarkMutationAppliedContext records an acknowledgment with context support.
func (s *Store) MarkMutationAppliedContext(ctx context.Context, id int64, serverID string) (bool, error) {
	now := time.Now()
	res, err := s.conn.ExecContext(ctx, `
	UPDATE mutations SET
		state = 'applied',
		server_id = ?,
		attempt_count = attempt_count + 1,
		last_attempt_at = ?,
		last_error = ''
	WHERE id = ? AND state = 'dispatching'
	`, serverID, timeToNullString(&now), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark mutation %d applied: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of mutation %d: %w", id, err)
	}
	return n == 1, nil
}

// RequeueMutation returns a dispatching mutation to queued after a
// transient failure. Returns false if the row was not dispatching.
func (s *Store) RequeueMutation(id int64, errMsg string) (bool, error) {
	return s.RequeueMutationContext(context.Background(), id, errMsg)
}

// RequeueMutationContext requeues a dispatching mutation with context support.
func (s *Store) RequeueMutationContext(ctx context.Context, id int64, errMsg string) (bool, error) {
	now := time.Now()
	res, err := s.conn.ExecContext(ctx, `
	UPDATE mutations SET
		state = 'queued',
		attempt_count = attempt_count + 1,
		last_attempt_at = ?,
		last_error = ?
	WHERE id = ? AND state = 'dispatching'
	`, timeToNullString(&now), errMsg, id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue mutation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of mutation %d: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseDispatchingMutations returns the given dispatching rows to
// queued without counting an attempt. Used when a dispatch cycle aborts
// mid-batch and the untried remainder should go straight back.
func (s *Store) ReleaseDispatchingMutations(ids []int64) error {
	return s.ReleaseDispatchingMutationsContext(context.Background(), ids)
}

// ReleaseDispatchingMutationsContext releases dispatching rows with context support.
func (s *Store) ReleaseDispatchingMutationsContext(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `UPDATE mutations SET state = 'queued'
	WHERE state = 'dispatching' AND id IN (` + strings.Join(placeholders, ", ") + `)`

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release dispatching mutations: %w", err)
	}
	return nil
}

// RejectMutation marks a dispatching mutation permanently refused.
// Terminal; the engine rolls back optimistic mirror changes separately.
// Returns false if the row was not dispatching.
func (s *Store) RejectMutation(id int64, reason string) (bool, error) {
	return s.RejectMutationContext(context.Background(), id, reason)
}

// RejectMutationContext marks a mutation rejected with context support.
func (s *Store) RejectMutationContext(ctx context.Context, id int64, reason string) (bool, error) {
	now := time.Now()
	res, err := s.conn.ExecContext(ctx, `
	UPDATE mutations SET
		state = 'rejected',
		attempt_count = attempt_count + 1,
		last_attempt_at = ?,
		rejection_reason = ?
	WHERE id = ? AND state = 'dispatching'
	`, timeToNullString(&now), reason, id)
	if err != nil {
		return false, fmt.Errorf("failed to reject mutation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of mutation %d: %w", id, err)
	}
	return n == 1, nil
}

// RewriteMutationRefs replaces every queued reference to a client-minted
// id with the server id, in one transaction. Runs as part of create
// reconciliation, before dependents become claimable, so nothing ever
// dispatches carrying the stale id. Returns the number of rows touched.
func (s *Store) RewriteMutationRefs(oldID, newID string) (int64, error) {
	return s.RewriteMutationRefsContext(context.Background(), oldID, newID)
}

// RewriteMutationRefsContext rewrites queued references with context support.
func (s *Store) RewriteMutationRefsContext(ctx context.Context, oldID, newID string) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	res, err := tx.ExecContext(ctx, `
	UPDATE mutations SET entity_id = ? WHERE entity_id = ? AND state = 'queued'
	`, newID, oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite entity refs %s: %w", oldID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count rewritten refs: %w", err)
	}
	total += n

	res, err = tx.ExecContext(ctx, `
	UPDATE mutations SET parent_id = ? WHERE parent_id = ? AND state = 'queued'
	`, newID, oldID)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite parent refs %s: %w", oldID, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count rewritten refs: %w", err)
	}
	total += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ref rewrite: %w", err)
	}
	return total, nil
}

// RecoverDispatchingMutations resets every dispatching mutation to
// queued. Called once on startup to unstrand rows left behind by a
// crash; redispatch dedups server-side via the idempotency token.
// Returns the number of rows recovered.
func (s *Store) RecoverDispatchingMutations() (int64, error) {
	return s.RecoverDispatchingMutationsContext(context.Background())
}

// RecoverDispatchingMutationsContext resets dispatching rows with context support.
func (s *Store) RecoverDispatchingMutationsContext(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE mutations SET state = 'queued' WHERE state = 'dispatching'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover dispatching mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered mutations: %w", err)
	}
	return n, nil
}

// PurgeSettledMutations deletes applied and rejected rows whose last
// activity predates the cutoff. Returns the number of rows removed.
func (s *Store) PurgeSettledMutations(olderThan time.Time) (int64, error) {
	return s.PurgeSettledMutationsContext(context.Background(), olderThan)
}

// PurgeSettledMutationsContext deletes settled mutations with context support.
func (s *Store) PurgeSettledMutationsContext(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM mutations
	WHERE state IN ('applied', 'rejected')
	  AND COALESCE(last_attempt_at, created_at) < ?
	`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to purge settled mutations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged mutations: %w", err)
	}
	return n, nil
}

// MutationFilter configures ListMutations.
type MutationFilter struct {
	// State filters by mutation state (empty = all states)
	State record.MutationState
	// EntityID filters by target entity (empty = all entities)
	EntityID string
	// EntityType filters by entity type (empty = all types)
	EntityType record.EntityType
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListMutations retrieves mutations matching the filter, oldest first.
func (s *Store) ListMutations(filter MutationFilter) ([]*record.Mutation, error) {
	return s.ListMutationsContext(context.Background(), filter)
}

// ListMutationsContext retrieves mutations with context support.
func (s *Store) ListMutationsContext(ctx context.Context, filter MutationFilter) ([]*record.Mutation, error) {
	var conditions []string
	var args []interface{}

	if filter.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}

	query := `SELECT ` + mutationColumns + ` FROM mutations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// scanMutation reads one mutation row.
func scanMutation(row scanner) (*record.Mutation, error) {
	var m record.Mutation
	var entityType, op, state, payload, snapshot, createdAt string
	var lastAttemptAt sql.NullString

	err := row.Scan(
		&m.ID,
		&entityType,
		&op,
		&m.EntityID,
		&m.TripID,
		&m.ParentID,
		&payload,
		&snapshot,
		&state,
		&m.ServerID,
		&m.AttemptCount,
		&lastAttemptAt,
		&m.LastError,
		&m.RejectionReason,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	m.EntityType = record.EntityType(entityType)
	m.Op = record.MutationOp(op)
	m.State = record.MutationState(state)
	if m.Payload, err = record.DecodeFields(payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of mutation %d: %w", m.ID, err)
	}
	if m.Snapshot, err = record.DecodeFields(snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of mutation %d: %w", m.ID, err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		m.CreatedAt = t
	}
	m.LastAttemptAt = nullStringToTime(lastAttemptAt)

	return &m, nil
}

// scanMutations reads every mutation row in the result set.
func scanMutations(rows *sql.Rows) ([]*record.Mutation, error) {
	var mutations []*record.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return mutations, nil
}
