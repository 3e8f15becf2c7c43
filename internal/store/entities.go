package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mkallio/tracksync/internal/record"
)

// entityColumns is the scan order shared by every entity query.
const entityColumns = `id, type, trip_id, parent_id, fields, provisional, created_at, updated_at`

// PutEntity inserts or updates a mirror row.
func (s *Store) PutEntity(e *record.Entity) error {
	return s.PutEntityContext(context.Background(), e)
}

// PutEntityContext inserts or updates a mirror row with context support.
func (s *Store) PutEntityContext(ctx context.Context, e *record.Entity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}

	fields, err := e.Fields.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	query := `
	INSERT INTO entities (id, type, trip_id, parent_id, fields, provisional, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		type = excluded.type,
		trip_id = excluded.trip_id,
		parent_id = excluded.parent_id,
		fields = excluded.fields,
		provisional = excluded.provisional,
		updated_at = excluded.updated_at
	`

	provisional := 0
	if e.Provisional {
		provisional = 1
	}

	_, err = s.conn.ExecContext(ctx, query,
		e.ID,
		string(e.Type),
		e.TripID,
		e.ParentID,
		fields,
		provisional,
		e.CreatedAt.UTC().Format(time.RFC3339),
		e.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", e.ID, err)
	}
	return nil
}

// GetEntity retrieves a single mirror row.
// Returns sql.ErrNoRows if the entity is not found.
func (s *Store) GetEntity(id string) (*record.Entity, error) {
	return s.GetEntityContext(context.Background(), id)
}

// GetEntityContext retrieves a single mirror row with context support.
func (s *Store) GetEntityContext(ctx context.Context, id string) (*record.Entity, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// UpdateEntityFields replaces the field map of a mirror row. Returns
// false if no row with that id exists.
func (s *Store) UpdateEntityFields(id string, fields record.Fields) (bool, error) {
	return s.UpdateEntityFieldsContext(context.Background(), id, fields)
}

// UpdateEntityFieldsContext replaces the field map with context support.
func (s *Store) UpdateEntityFieldsContext(ctx context.Context, id string, fields record.Fields) (bool, error) {
	encoded, err := fields.Encode()
	if err != nil {
		return false, fmt.Errorf("failed to encode fields: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.conn.ExecContext(ctx, `
	UPDATE entities SET fields = ?, updated_at = ? WHERE id = ?
	`, encoded, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to update entity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of entity %s: %w", id, err)
	}
	return n == 1, nil
}

// DeleteEntity removes a mirror row.
// Returns nil if the entity doesn't exist (idempotent).
func (s *Store) DeleteEntity(id string) error {
	return s.DeleteEntityContext(context.Background(), id)
}

// DeleteEntityContext removes a mirror row with context support.
func (s *Store) DeleteEntityContext(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, err)
	}
	return nil
}

// RenameEntity rewrites a mirror row's identifier in place, clearing the
// provisional flag, and updates every child row still pointing at the
// old id. One transaction; the entity keeps a single row throughout, so
// readers never observe a duplicate.
func (s *Store) RenameEntity(oldID, newID string) error {
	return s.RenameEntityContext(context.Background(), oldID, newID)
}

// RenameEntityContext rewrites a mirror identifier with context support.
func (s *Store) RenameEntityContext(ctx context.Context, oldID, newID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `
	UPDATE entities SET id = ?, provisional = 0, updated_at = ? WHERE id = ?
	`, newID, now, oldID); err != nil {
		return fmt.Errorf("failed to rename entity %s: %w", oldID, err)
	}

	if _, err := tx.ExecContext(ctx, `
	UPDATE entities SET parent_id = ?, updated_at = ? WHERE parent_id = ?
	`, newID, now, oldID); err != nil {
		return fmt.Errorf("failed to reparent children of %s: %w", oldID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entity rename: %w", err)
	}
	return nil
}

// EntityFilter configures ListEntities.
type EntityFilter struct {
	// Type filters by entity type (empty = all types)
	Type record.EntityType
	// TripID filters by owning trip (empty = all trips)
	TripID string
	// ParentID filters by owning region (empty = all parents)
	ParentID string
	// Provisional filters by reconciliation status (nil = both)
	Provisional *bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListEntities retrieves mirror rows matching the filter.
func (s *Store) ListEntities(filter EntityFilter) ([]*record.Entity, error) {
	return s.ListEntitiesContext(context.Background(), filter)
}

// ListEntitiesContext retrieves mirror rows with context support.
func (s *Store) ListEntitiesContext(ctx context.Context, filter EntityFilter) ([]*record.Entity, error) {
	var conditions []string
	var args []interface{}

	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.TripID != "" {
		conditions = append(conditions, "trip_id = ?")
		args = append(args, filter.TripID)
	}
	if filter.ParentID != "" {
		conditions = append(conditions, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.Provisional != nil {
		conditions = append(conditions, "provisional = ?")
		if *filter.Provisional {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*record.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// scanEntity reads one mirror row.
func scanEntity(row scanner) (*record.Entity, error) {
	var e record.Entity
	var entityType, fields, createdAt, updatedAt string
	var provisional int

	err := row.Scan(
		&e.ID,
		&entityType,
		&e.TripID,
		&e.ParentID,
		&fields,
		&provisional,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Type = record.EntityType(entityType)
	e.Provisional = provisional != 0
	if e.Fields, err = record.DecodeFields(fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of entity %s: %w", e.ID, err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		e.UpdatedAt = t
	}

	return &e, nil
}
