package store

import (
	"context"
	"fmt"
	"time"
)

// QueueStats summarizes the sample queue for status surfaces.
type QueueStats struct {
	Pending       int        `json:"pending"`
	Claimed       int        `json:"claimed"`
	Synced        int        `json:"synced"`
	Rejected      int        `json:"rejected"`
	Total         int        `json:"total"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// MutationStats summarizes the mutation queue for status surfaces.
type MutationStats struct {
	Queued      int `json:"queued"`
	Dispatching int `json:"dispatching"`
	Applied     int `json:"applied"`
	Rejected    int `json:"rejected"`
	Total       int `json:"total"`
	// Provisional counts mirror rows still carrying a client id.
	Provisional int `json:"provisional"`
}

// GetQueueStats returns per-state sample counts and the age marker of
// the oldest undelivered row.
func (s *Store) GetQueueStats() (*QueueStats, error) {
	return s.GetQueueStatsContext(context.Background())
}

// GetQueueStatsContext returns sample queue stats with context support.
func (s *Store) GetQueueStatsContext(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT sync_state, COUNT(*) FROM samples GROUP BY sync_state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sample stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan sample stats: %w", err)
		}
		switch state {
		case "pending":
			stats.Pending = count
		case "claimed":
			stats.Claimed = count
		case "synced":
			stats.Synced = count
		case "rejected":
			stats.Rejected = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sample stats: %w", err)
	}

	var oldest string
	err = s.conn.QueryRowContext(ctx, `
	SELECT COALESCE(MIN(created_at), '') FROM samples WHERE sync_state = 'pending'
	`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest pending sample: %w", err)
	}
	if oldest != "" {
		if t, err := time.Parse(time.RFC3339, oldest); err == nil {
			stats.OldestPending = &t
		}
	}

	return stats, nil
}

// GetMutationStats returns per-state mutation counts plus the number of
// mirror rows still awaiting reconciliation.
func (s *Store) GetMutationStats() (*MutationStats, error) {
	return s.GetMutationStatsContext(context.Background())
}

// GetMutationStatsContext returns mutation stats with context support.
func (s *Store) GetMutationStatsContext(ctx context.Context) (*MutationStats, error) {
	stats := &MutationStats{}

	rows, err := s.conn.QueryContext(ctx, `
	SELECT state, COUNT(*) FROM mutations GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan mutation stats: %w", err)
		}
		switch state {
		case "queued":
			stats.Queued = count
		case "dispatching":
			stats.Dispatching = count
		case "applied":
			stats.Applied = count
		case "rejected":
			stats.Rejected = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutation stats: %w", err)
	}

	err = s.conn.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM entities WHERE provisional = 1
	`).Scan(&stats.Provisional)
	if err != nil {
		return nil, fmt.Errorf("failed to count provisional entities: %w", err)
	}

	return stats, nil
}
