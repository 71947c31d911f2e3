package clickhouse

import (
	"context"
	"fmt"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/storage"
)

// EventJournal implements storage.EventJournal using ClickHouse.
type EventJournal struct {
	conn *Conn
}

// NewEventJournal creates a new EventJournal.
func NewEventJournal(conn *Conn) *EventJournal {
	return &EventJournal{conn: conn}
}

// Compile-time interface check.
var _ storage.EventJournal = (*EventJournal)(nil)

// Append adds a batch of entries. Partial batches are not rolled back.
func (s *EventJournal) Append(ctx context.Context, entries []*domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		if e == nil || e.EventType == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO discovery_events (
			event_id, event_type, source_id, mint, symbol, status,
			total_weight, confirmations, timestamp_ms
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range entries {
		err = batch.Append(
			e.EventID, e.EventType, string(e.SourceID),
			e.Mint, e.Symbol, e.Status,
			e.TotalWeight, uint32(e.Confirmations), uint64(e.TimestampMs),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByMint retrieves all entries for a mint, ordered by timestamp ASC.
func (s *EventJournal) GetByMint(ctx context.Context, mint string) ([]*domain.JournalEntry, error) {
	query := `
		SELECT event_id, event_type, source_id, mint, symbol, status,
		       total_weight, confirmations, timestamp_ms
		FROM discovery_events
		WHERE mint = ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("query by mint: %w", err)
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// GetByTimeRange retrieves entries within [start, end] (inclusive), ordered by timestamp ASC.
func (s *EventJournal) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.JournalEntry, error) {
	query := `
		SELECT event_id, event_type, source_id, mint, symbol, status,
		       total_weight, confirmations, timestamp_ms
		FROM discovery_events
		WHERE timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, uint64(start), uint64(end))
	if err != nil {
		return nil, fmt.Errorf("query by time range: %w", err)
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

// CountByType returns entry counts keyed by event type.
func (s *EventJournal) CountByType(ctx context.Context) (map[string]int64, error) {
	query := `
		SELECT event_type, count(*)
		FROM discovery_events
		GROUP BY event_type
	`

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count uint64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[eventType] = int64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count rows: %w", err)
	}

	return counts, nil
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanJournalEntries scans multiple rows into a slice of JournalEntry.
func scanJournalEntries(rows chRows) ([]*domain.JournalEntry, error) {
	var entries []*domain.JournalEntry

	for rows.Next() {
		var e domain.JournalEntry
		var sourceStr string
		var confirmations uint32
		var timestampMs uint64

		err := rows.Scan(
			&e.EventID, &e.EventType, &sourceStr,
			&e.Mint, &e.Symbol, &e.Status,
			&e.TotalWeight, &confirmations, &timestampMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}

		e.SourceID = domain.SourceID(sourceStr)
		e.Confirmations = int(confirmations)
		e.TimestampMs = int64(timestampMs)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}

	return entries, nil
}
