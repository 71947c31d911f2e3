package storage

import (
	"context"

	"solana-discovery/internal/domain"
)

// DiscoveryArchive provides access to discovery_records storage. A mint can
// appear more than once: each dedup-window epoch archives its own record,
// keyed by (mint, discovered_at_ms).
type DiscoveryArchive interface {
	// Insert adds a new record. Returns ErrDuplicateKey if (mint, discovered_at_ms) exists.
	Insert(ctx context.Context, rec *domain.DiscoveryRecord) error

	// GetByMint retrieves all archived records for a mint, ordered by discovered_at ASC.
	GetByMint(ctx context.Context, mint string) ([]*domain.DiscoveryRecord, error)

	// GetLatestByMint retrieves the most recent record for a mint. Returns ErrNotFound if not exists.
	GetLatestByMint(ctx context.Context, mint string) (*domain.DiscoveryRecord, error)

	// GetByStatus retrieves all records with the given status, ordered by discovered_at ASC.
	GetByStatus(ctx context.Context, status domain.DiscoveryStatus) ([]*domain.DiscoveryRecord, error)

	// GetByTimeRange retrieves records discovered within [start, end] (inclusive).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.DiscoveryRecord, error)

	// UpdateRecord replaces the stored status and confirmations for
	// (mint, discovered_at_ms). Returns ErrNotFound if not exists.
	UpdateRecord(ctx context.Context, rec *domain.DiscoveryRecord) error

	// MarkRug flags the most recent record for a mint as a rug.
	// Returns ErrNotFound if the mint was never archived.
	MarkRug(ctx context.Context, mint string) error

	// Count returns the total number of archived records.
	Count(ctx context.Context) (int64, error)
}

// EventJournal provides append-only access to the discovery event log.
type EventJournal interface {
	// Append adds a batch of entries. Partial batches are not rolled back.
	Append(ctx context.Context, entries []*domain.JournalEntry) error

	// GetByMint retrieves all entries for a mint, ordered by timestamp ASC.
	GetByMint(ctx context.Context, mint string) ([]*domain.JournalEntry, error)

	// GetByTimeRange retrieves entries within [start, end] (inclusive), ordered by timestamp ASC.
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.JournalEntry, error)

	// CountByType returns entry counts keyed by event type.
	CountByType(ctx context.Context) (map[string]int64, error)
}
