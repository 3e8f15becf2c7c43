package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mkallio/tracksync/internal/record"
)

// sampleColumns is the scan order shared by every sample query.
const sampleColumns = `id, latitude, longitude, altitude, accuracy, speed, bearing,
       captured_at, provider, sync_state, attempt_count, last_attempt_at,
       last_error, rejection_reason, server_confirmed, created_at`

// AppendSample inserts a pending sample, evicting old rows first if the
// queue is at capacity.
//
// Eviction order is fixed: oldest settled rows (synced, rejected) go
// first, then oldest pending rows as a last resort. Claimed rows are
// never removed, so a queue that is momentarily all-claimed can overshoot
// the limit by the in-flight batch. The count check, evictions and insert
// run in one transaction, so concurrent writers cannot race past the
// limit. A limit of 0 disables eviction.
//
// Returns the new row id and the number of rows evicted to make room.
func (s *Store) AppendSample(sample *record.Sample, limit int) (int64, int64, error) {
	return s.AppendSampleContext(context.Background(), sample, limit)
}

// AppendSampleContext inserts a pending sample with context support.
func (s *Store) AppendSampleContext(ctx context.Context, sample *record.Sample, limit int) (int64, int64, error) {
	sample.SetDefaults()
	if err := sample.Validate(); err != nil {
		return 0, 0, fmt.Errorf("invalid sample: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var evicted int64
	if limit > 0 {
		evicted, err = evictForCapacity(ctx, tx, limit)
		if err != nil {
			return 0, 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO samples (
		latitude, longitude, altitude, accuracy, speed, bearing,
		captured_at, provider, sync_state, attempt_count,
		last_error, rejection_reason, server_confirmed, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', 0, ?)
	`,
		sample.Latitude,
		sample.Longitude,
		sample.Altitude,
		sample.Accuracy,
		sample.Speed,
		sample.Bearing,
		sample.CapturedAt.UTC().Format(time.RFC3339Nano),
		sample.Provider,
		string(sample.SyncState),
		sample.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert sample: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read inserted sample id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit sample insert: %w", err)
	}

	sample.ID = id
	return id, evicted, nil
}

// evictForCapacity makes room for one insert inside the caller's
// transaction. Settled rows leave first, then pending, never claimed.
func evictForCapacity(ctx context.Context, tx *sql.Tx, limit int) (int64, error) {
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM samples").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}

	over := int64(count - (limit - 1))
	if over <= 0 {
		return 0, nil
	}

	var evicted int64
	res, err := tx.ExecContext(ctx, `
	DELETE FROM samples WHERE id IN (
		SELECT id FROM samples
		WHERE sync_state IN ('synced', 'rejected')
		ORDER BY id ASC LIMIT ?
	)`, over)
	if err != nil {
		return 0, fmt.Errorf("failed to evict settled samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count evicted samples: %w", err)
	}
	evicted += n
	over -= n

	if over > 0 {
		res, err = tx.ExecContext(ctx, `
		DELETE FROM samples WHERE id IN (
			SELECT id FROM samples
			WHERE sync_state = 'pending'
			ORDER BY id ASC LIMIT ?
		)`, over)
		if err != nil {
			return 0, fmt.Errorf("failed to evict pending samples: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count evicted samples: %w", err)
		}
		evicted += n
	}

	return evicted, nil
}

// ClaimPendingSamples atomically moves up to limit pending samples to
// claimed and returns them, oldest first.
//
// Each candidate is claimed by a conditional update that only succeeds if
// the row is still pending, so two workers claiming concurrently always
// receive disjoint sets; losing a row is not an error, the loser simply
// gets fewer rows.
func (s *Store) ClaimPendingSamples(limit int) ([]*record.Sample, error) {
	return s.ClaimPendingSamplesContext(context.Background(), limit)
}

// ClaimPendingSamplesContext claims pending samples with context support.
func (s *Store) ClaimPendingSamplesContext(ctx context.Context, limit int) ([]*record.Sample, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT id FROM samples
	WHERE sync_state = 'pending'
	ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
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
		UPDATE samples SET sync_state = 'claimed', last_attempt_at = ?
		WHERE id = ? AND sync_state = 'pending'
		`, timeToNullString(&now), id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim sample %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check claim of sample %d: %w", id, err)
		}
		if n == 1 {
			won = append(won, id)
		}
	}

	if len(won) == 0 {
		return nil, nil
	}
	return s.getSamplesByID(ctx, won)
}

// getSamplesByID fetches full rows for the given ids, oldest first.
func (s *Store) getSamplesByID(ctx context.Context, ids []int64) ([]*record.Sample, error) {
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `SELECT ` + sampleColumns + `
	FROM samples
	WHERE id IN (` + strings.Join(placeholders, ", ") + `)
	ORDER BY id ASC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claimed samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// MarkSampleSynced records a server acknowledgment for a claimed sample.
// Returns false if the row was not in claimed state.
func (s *Store) MarkSampleSynced(id int64) (bool, error) {
	return s.MarkSampleSyncedContext(context.Background(), id)
}

// MarkSampleSyncedContext records a server acknowledgment with context support.
func (s *Store) MarkSampleSyncedContext(ctx context.Context, id int64) (bool, error) {
	now := time.Now()
	res, err := s.conn.ExecContext(ctx, `
	UPDATE samples SET
		sync_state = 'synced',
		server_confirmed = 1,
		attempt_count = attempt_count + 1,
		last_attempt_at = ?,
		last_error = ''
	WHERE id = ? AND sync_state = 'claimed'
	`, timeToNullString(&now), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark sample %d synced: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of sample %d: %w", id, err)
	}
	return n == 1, nil
}

// RequeueSample returns a claimed sample to pending after a transient
// failure, recording the error for diagnostics. Returns false if the row
// was not in claimed state.
func (s *Store) RequeueSample(id int64, errMsg string) (bool, error) {
	return s.RequeueSampleContext(context.Background(), id, errMsg)
}

// RequeueSampleContext returns a claimed sample to pending with context support.
func (s *Store) RequeueSampleContext(ctx context.Context, id int64, errMsg string) (bool, error) {
	now := time.Now()
	res, err := s.conn.ExecContext(ctx, `
	UPDATE samples SET
		sync_state = 'pending',
		attempt_count = attempt_count + 1,
		last_attempt_at = ?,
		last_error = ?
	WHERE id = ? AND sync_state = 'claimed'
	`, timeToNullString(&now), errMsg, id)
	if err != nil {
		return false, fmt.Errorf("failed to requeue sample %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of sample %d: %w", id, err)
	}
	return n == 1, nil
}

// RejectSample marks a claimed sample permanently refused. Rejected rows
// are terminal; they are never claimed again and age out via purge or
// eviction. Returns false if the row was not in claimed state.
func (s *Store) RejectSample(id int64, reason string) (bool, error) {
	return s.RejectSampleContext(context.Background(), id, reason)
}

// RejectSampleContext marks a claimed sample rejected with context support.
func (s *Store) RejectSampleContext(ctx context.Context, id int64, reason string) (bool, error) {
	now := time.Now()
	res, err := s.conn.ExecContext(ctx, `
	UPDATE samples SET
		sync_state = 'rejected',
		attempt_count = attempt_count + 1,
		last_attempt_at = ?,
		rejection_reason = ?
	WHERE id = ? AND sync_state = 'claimed'
	`, timeToNullString(&now), reason, id)
	if err != nil {
		return false, fmt.Errorf("failed to reject sample %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check update of sample %d: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseClaimedSamples returns the given claimed rows to pending without
// counting an attempt. Used when a drain cycle aborts mid-batch and the
// untried remainder should go straight back.
func (s *Store) ReleaseClaimedSamples(ids []int64) error {
	return s.ReleaseClaimedSamplesContext(context.Background(), ids)
}

// ReleaseClaimedSamplesContext releases claimed rows with context support.
func (s *Store) ReleaseClaimedSamplesContext(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := `UPDATE samples SET sync_state = 'pending'
	WHERE sync_state = 'claimed' AND id IN (` + strings.Join(placeholders, ", ") + `)`

	if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release claimed samples: %w", err)
	}
	return nil
}

// RecoverClaimedSamples resets every claimed sample to pending. Called
// once on startup: rows left claimed by a crash would otherwise be
// stranded forever. Redispatch is safe because the idempotency token is
// deterministic. Returns the number of rows recovered.
func (s *Store) RecoverClaimedSamples() (int64, error) {
	return s.RecoverClaimedSamplesContext(context.Background())
}

// RecoverClaimedSamplesContext resets claimed samples with context support.
func (s *Store) RecoverClaimedSamplesContext(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE samples SET sync_state = 'pending' WHERE sync_state = 'claimed'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover claimed samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered samples: %w", err)
	}
	return n, nil
}

// PurgeSettledSamples deletes synced and rejected rows whose last
// activity predates the cutoff. Returns the number of rows removed.
func (s *Store) PurgeSettledSamples(olderThan time.Time) (int64, error) {
	return s.PurgeSettledSamplesContext(context.Background(), olderThan)
}

// PurgeSettledSamplesContext deletes settled rows with context support.
func (s *Store) PurgeSettledSamplesContext(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM samples
	WHERE sync_state IN ('synced', 'rejected')
	  AND COALESCE(last_attempt_at, created_at) < ?
	`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to purge settled samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged samples: %w", err)
	}
	return n, nil
}

// PurgeStalePendingSamples deletes pending rows older than the cutoff.
// This is the long-horizon safety valve: pending rows otherwise retry
// forever, and a fix that could not be delivered for weeks has lost its
// value. Returns the number of rows removed.
func (s *Store) PurgeStalePendingSamples(olderThan time.Time) (int64, error) {
	return s.PurgeStalePendingSamplesContext(context.Background(), olderThan)
}

// PurgeStalePendingSamplesContext deletes stale pending rows with context support.
func (s *Store) PurgeStalePendingSamplesContext(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM samples
	WHERE sync_state = 'pending' AND created_at < ?
	`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale pending samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged samples: %w", err)
	}
	return n, nil
}

// GetSampleByID retrieves a single sample.
// Returns sql.ErrNoRows if the sample is not found.
func (s *Store) GetSampleByID(id int64) (*record.Sample, error) {
	return s.GetSampleByIDContext(context.Background(), id)
}

// GetSampleByIDContext retrieves a single sample with context support.
func (s *Store) GetSampleByIDContext(ctx context.Context, id int64) (*record.Sample, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+sampleColumns+` FROM samples WHERE id = ?`, id)
	return scanSample(row)
}

// SampleFilter configures ListSamples and DeleteSamples.
type SampleFilter struct {
	// State filters by sync state (empty = all states)
	State record.SampleState
	// Provider filters by capture provider (empty = all providers)
	Provider string
	// CapturedBefore keeps rows captured strictly before this time (zero = no bound)
	CapturedBefore time.Time
	// CapturedAfter keeps rows captured at or after this time (zero = no bound)
	CapturedAfter time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// conditions builds the shared WHERE fragments for the filter.
func (f SampleFilter) conditions() ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.State != "" {
		conditions = append(conditions, "sync_state = ?")
		args = append(args, string(f.State))
	}
	if f.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, f.Provider)
	}
	if !f.CapturedBefore.IsZero() {
		conditions = append(conditions, "captured_at < ?")
		args = append(args, f.CapturedBefore.UTC().Format(time.RFC3339Nano))
	}
	if !f.CapturedAfter.IsZero() {
		conditions = append(conditions, "captured_at >= ?")
		args = append(args, f.CapturedAfter.UTC().Format(time.RFC3339Nano))
	}
	return conditions, args
}

// ListSamples retrieves samples matching the filter, oldest first.
func (s *Store) ListSamples(filter SampleFilter) ([]*record.Sample, error) {
	return s.ListSamplesContext(context.Background(), filter)
}

// ListSamplesContext retrieves samples with context support.
func (s *Store) ListSamplesContext(ctx context.Context, filter SampleFilter) ([]*record.Sample, error) {
	conditions, args := filter.conditions()

	query := `SELECT ` + sampleColumns + ` FROM samples`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// DeleteSamples removes samples matching the filter. Claimed rows are
// skipped: an in-flight row may already be on the wire and deleting it
// would orphan the eventual result. Returns the number of rows removed.
func (s *Store) DeleteSamples(filter SampleFilter) (int64, error) {
	return s.DeleteSamplesContext(context.Background(), filter)
}

// DeleteSamplesContext removes samples with context support.
func (s *Store) DeleteSamplesContext(ctx context.Context, filter SampleFilter) (int64, error) {
	conditions, args := filter.conditions()
	conditions = append(conditions, "sync_state != 'claimed'")

	query := `DELETE FROM samples WHERE ` + strings.Join(conditions, " AND ")

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted samples: %w", err)
	}
	return n, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanSample reads one sample row.
func scanSample(row scanner) (*record.Sample, error) {
	var sample record.Sample
	var capturedAt, createdAt, syncState string
	var lastAttemptAt sql.NullString
	var serverConfirmed int

	err := row.Scan(
		&sample.ID,
		&sample.Latitude,
		&sample.Longitude,
		&sample.Altitude,
		&sample.Accuracy,
		&sample.Speed,
		&sample.Bearing,
		&capturedAt,
		&sample.Provider,
		&syncState,
		&sample.AttemptCount,
		&lastAttemptAt,
		&sample.LastError,
		&sample.RejectionReason,
		&serverConfirmed,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	sample.SyncState = record.SampleState(syncState)
	sample.ServerConfirmed = serverConfirmed != 0
	if t, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
		sample.CapturedAt = t
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sample.CreatedAt = t
	}
	sample.LastAttemptAt = nullStringToTime(lastAttemptAt)

	return &sample, nil
}

// scanSamples reads every sample row in the result set.
func scanSamples(rows *sql.Rows) ([]*record.Sample, error) {
	var samples []*record.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}
	return samples, nil
}
