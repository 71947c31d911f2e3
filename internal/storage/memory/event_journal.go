package memory

import (
	"context"
	"sort"
	"sync"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/storage"
)

// EventJournal is an in-memory implementation of storage.EventJournal.
type EventJournal struct {
	mu      sync.RWMutex
	entries []*domain.JournalEntry
}

// NewEventJournal creates a new in-memory event journal.
func NewEventJournal() *EventJournal {
	return &EventJournal{}
}

// Append adds a batch of entries. Partial batches are not rolled back.
func (s *EventJournal) Append(_ context.Context, entries []*domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if e == nil || e.EventType == "" {
			return storage.ErrInvalidInput
		}
		entryCopy := *e
		s.entries = append(s.entries, &entryCopy)
	}
	return nil
}

// GetByMint retrieves all entries for a mint, ordered by timestamp ASC.
func (s *EventJournal) GetByMint(_ context.Context, mint string) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range s.entries {
		if e.Mint == mint {
			entryCopy := *e
			result = append(result, &entryCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})

	return result, nil
}

// GetByTimeRange retrieves entries within [start, end] (inclusive), ordered by timestamp ASC.
func (s *EventJournal) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.JournalEntry
	for _, e := range s.entries {
		if e.TimestampMs >= start && e.TimestampMs <= end {
			entryCopy := *e
			result = append(result, &entryCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})

	return result, nil
}

// CountByType returns entry counts keyed by event type.
func (s *EventJournal) CountByType(_ context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range s.entries {
		counts[e.EventType]++
	}
	return counts, nil
}

// Verify interface compliance at compile time.
var _ storage.EventJournal = (*EventJournal)(nil)
