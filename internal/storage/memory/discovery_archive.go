package memory

import (
	"context"
	"sort"
	"sync"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/storage"
)

// DiscoveryArchive is an in-memory implementation of storage.DiscoveryArchive.
type DiscoveryArchive struct {
	mu   sync.RWMutex
	data map[string][]*domain.DiscoveryRecord // keyed by mint, epochs sorted by discovered_at ASC
}

// NewDiscoveryArchive creates a new in-memory discovery archive.
func NewDiscoveryArchive() *DiscoveryArchive {
	return &DiscoveryArchive{
		data: make(map[string][]*domain.DiscoveryRecord),
	}
}

// Insert adds a new record. Returns ErrDuplicateKey if (mint, discovered_at_ms) exists.
func (s *DiscoveryArchive) Insert(_ context.Context, rec *domain.DiscoveryRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	epochs := s.data[rec.Mint]
	for _, existing := range epochs {
		if existing.DiscoveredAtMs == rec.DiscoveredAtMs {
			return storage.ErrDuplicateKey
		}
	}

	// Store a copy to prevent external mutation
	epochs = append(epochs, rec.Clone())
	sort.Slice(epochs, func(i, j int) bool {
		return epochs[i].DiscoveredAtMs < epochs[j].DiscoveredAtMs
	})
	s.data[rec.Mint] = epochs
	return nil
}

// GetByMint retrieves all archived records for a mint, ordered by discovered_at ASC.
func (s *DiscoveryArchive) GetByMint(_ context.Context, mint string) ([]*domain.DiscoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DiscoveryRecord
	for _, rec := range s.data[mint] {
		result = append(result, rec.Clone())
	}
	return result, nil
}

// GetLatestByMint retrieves the most recent record for a mint. Returns ErrNotFound if not exists.
func (s *DiscoveryArchive) GetLatestByMint(_ context.Context, mint string) (*domain.DiscoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	epochs := s.data[mint]
	if len(epochs) == 0 {
		return nil, storage.ErrNotFound
	}
	return epochs[len(epochs)-1].Clone(), nil
}

// GetByStatus retrieves all records with the given status, ordered by discovered_at ASC.
func (s *DiscoveryArchive) GetByStatus(_ context.Context, status domain.DiscoveryStatus) ([]*domain.DiscoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DiscoveryRecord
	for _, epochs := range s.data {
		for _, rec := range epochs {
			if rec.Status == status {
				result = append(result, rec.Clone())
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DiscoveredAtMs < result[j].DiscoveredAtMs
	})

	return result, nil
}

// GetByTimeRange retrieves records discovered within [start, end] (inclusive).
func (s *DiscoveryArchive) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.DiscoveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DiscoveryRecord
	for _, epochs := range s.data {
		for _, rec := range epochs {
			if rec.DiscoveredAtMs >= start && rec.DiscoveredAtMs <= end {
				result = append(result, rec.Clone())
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DiscoveredAtMs < result[j].DiscoveredAtMs
	})

	return result, nil
}

// UpdateRecord replaces the stored status and confirmations for
// (mint, discovered_at_ms). Returns ErrNotFound if not exists.
func (s *DiscoveryArchive) UpdateRecord(_ context.Context, rec *domain.DiscoveryRecord) error {
	if rec == nil || rec.Mint == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.data[rec.Mint] {
		if existing.DiscoveredAtMs == rec.DiscoveredAtMs {
			s.data[rec.Mint][i] = rec.Clone()
			return nil
		}
	}
	return storage.ErrNotFound
}

// MarkRug flags the most recent record for a mint as a rug.
// Returns ErrNotFound if the mint was never archived.
func (s *DiscoveryArchive) MarkRug(_ context.Context, mint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epochs := s.data[mint]
	if len(epochs) == 0 {
		return storage.ErrNotFound
	}
	epochs[len(epochs)-1].WasRug = true
	return nil
}

// Count returns the total number of archived records.
func (s *DiscoveryArchive) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, epochs := range s.data {
		n += int64(len(epochs))
	}
	return n, nil
}

// Verify interface compliance at compile time.
var _ storage.DiscoveryArchive = (*DiscoveryArchive)(nil)
