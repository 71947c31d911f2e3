package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/storage"
)

func TestDiscoveryArchive_InsertAndGet(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	rec := &domain.DiscoveryRecord{
		Mint:           "mint123",
		Symbol:         "TEST",
		Name:           "Test Token",
		FirstSourceID:  "pumpfun",
		DiscoveredAtMs: 1704067200000,
		Status:         domain.StatusPendingAnalysis,
	}

	// Insert
	err := store.Insert(ctx, rec)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Get
	got, err := store.GetLatestByMint(ctx, "mint123")
	if err != nil {
		t.Fatalf("GetLatestByMint failed: %v", err)
	}

	if got.Mint != rec.Mint {
		t.Errorf("Mint mismatch: got %s, want %s", got.Mint, rec.Mint)
	}
	if got.FirstSourceID != rec.FirstSourceID {
		t.Errorf("FirstSourceID mismatch: got %s, want %s", got.FirstSourceID, rec.FirstSourceID)
	}
	if got.Status != domain.StatusPendingAnalysis {
		t.Errorf("Status mismatch: got %s, want %s", got.Status, domain.StatusPendingAnalysis)
	}
}

func TestDiscoveryArchive_DuplicateKey(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	rec := &domain.DiscoveryRecord{
		Mint:           "mint123",
		FirstSourceID:  "pumpfun",
		DiscoveredAtMs: 1704067200000,
		Status:         domain.StatusPendingAnalysis,
	}

	// First insert
	err := store.Insert(ctx, rec)
	if err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	// Second insert with the same (mint, discovered_at_ms) should fail
	err = store.Insert(ctx, rec)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestDiscoveryArchive_MultipleEpochs(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	// Same mint discovered twice after window expiry: two distinct epochs.
	epochs := []*domain.DiscoveryRecord{
		{Mint: "mint123", FirstSourceID: "pumpfun", DiscoveredAtMs: 2000, Status: domain.StatusPendingAnalysis},
		{Mint: "mint123", FirstSourceID: "dexscreener", DiscoveredAtMs: 1000, Status: domain.StatusHighConfidence},
	}
	for _, rec := range epochs {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	all, err := store.GetByMint(ctx, "mint123")
	if err != nil {
		t.Fatalf("GetByMint failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 epochs, got %d", len(all))
	}

	// Ordered by discovered_at ASC regardless of insert order
	if all[0].DiscoveredAtMs != 1000 || all[1].DiscoveredAtMs != 2000 {
		t.Errorf("Epochs out of order: got %d, %d", all[0].DiscoveredAtMs, all[1].DiscoveredAtMs)
	}

	latest, err := store.GetLatestByMint(ctx, "mint123")
	if err != nil {
		t.Fatalf("GetLatestByMint failed: %v", err)
	}
	if latest.DiscoveredAtMs != 2000 {
		t.Errorf("Latest epoch should be 2000, got %d", latest.DiscoveredAtMs)
	}
}

func TestDiscoveryArchive_NotFound(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	_, err := store.GetLatestByMint(ctx, "nonexistent")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDiscoveryArchive_GetByStatus(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	records := []*domain.DiscoveryRecord{
		{Mint: "m1", FirstSourceID: "s1", DiscoveredAtMs: 3000, Status: domain.StatusHighConfidence},
		{Mint: "m2", FirstSourceID: "s1", DiscoveredAtMs: 1000, Status: domain.StatusPendingAnalysis},
		{Mint: "m3", FirstSourceID: "s2", DiscoveredAtMs: 2000, Status: domain.StatusHighConfidence},
	}
	for _, rec := range records {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	result, err := store.GetByStatus(ctx, domain.StatusHighConfidence)
	if err != nil {
		t.Fatalf("GetByStatus failed: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("Expected 2 HIGH_CONFIDENCE results, got %d", len(result))
	}

	// Verify order
	if result[0].Mint != "m3" {
		t.Errorf("First result should be m3, got %s", result[0].Mint)
	}
	if result[1].Mint != "m1" {
		t.Errorf("Second result should be m1, got %s", result[1].Mint)
	}
}

func TestDiscoveryArchive_GetByTimeRange(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	records := []*domain.DiscoveryRecord{
		{Mint: "m1", FirstSourceID: "s1", DiscoveredAtMs: 1000, Status: domain.StatusPendingAnalysis},
		{Mint: "m2", FirstSourceID: "s1", DiscoveredAtMs: 2000, Status: domain.StatusPendingAnalysis},
		{Mint: "m3", FirstSourceID: "s1", DiscoveredAtMs: 3000, Status: domain.StatusPendingAnalysis},
		{Mint: "m4", FirstSourceID: "s1", DiscoveredAtMs: 4000, Status: domain.StatusPendingAnalysis},
	}
	for _, rec := range records {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	// Query range [2000, 3000], bounds inclusive
	result, err := store.GetByTimeRange(ctx, 2000, 3000)
	if err != nil {
		t.Fatalf("GetByTimeRange failed: %v", err)
	}

	if len(result) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(result))
	}

	// Verify order
	if result[0].Mint != "m2" {
		t.Errorf("First result should be m2, got %s", result[0].Mint)
	}
	if result[1].Mint != "m3" {
		t.Errorf("Second result should be m3, got %s", result[1].Mint)
	}
}

func TestDiscoveryArchive_UpdateRecord(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	rec := &domain.DiscoveryRecord{
		Mint:           "mint123",
		FirstSourceID:  "pumpfun",
		DiscoveredAtMs: 1704067200000,
		Status:         domain.StatusPendingAnalysis,
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Promote to HIGH_CONFIDENCE with one confirmation
	updated := rec.Clone()
	updated.Status = domain.StatusHighConfidence
	updated.Confirmations = []domain.DiscoveryConfirmation{
		{TokenMint: "mint123", SourceID: "dexscreener", ConfirmedAtMs: 1704067205000, LatencyFromFirstMs: 5000},
	}
	if err := store.UpdateRecord(ctx, updated); err != nil {
		t.Fatalf("UpdateRecord failed: %v", err)
	}

	got, err := store.GetLatestByMint(ctx, "mint123")
	if err != nil {
		t.Fatalf("GetLatestByMint failed: %v", err)
	}
	if got.Status != domain.StatusHighConfidence {
		t.Errorf("Status not updated: got %s", got.Status)
	}
	if len(got.Confirmations) != 1 {
		t.Errorf("Expected 1 confirmation, got %d", len(got.Confirmations))
	}

	// Updating a record that was never inserted should fail
	missing := &domain.DiscoveryRecord{Mint: "other", DiscoveredAtMs: 1, Status: domain.StatusPendingAnalysis}
	if err := store.UpdateRecord(ctx, missing); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDiscoveryArchive_MarkRug(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	epochs := []*domain.DiscoveryRecord{
		{Mint: "mint123", FirstSourceID: "s1", DiscoveredAtMs: 1000, Status: domain.StatusPendingAnalysis},
		{Mint: "mint123", FirstSourceID: "s1", DiscoveredAtMs: 2000, Status: domain.StatusPendingAnalysis},
	}
	for _, rec := range epochs {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	if err := store.MarkRug(ctx, "mint123"); err != nil {
		t.Fatalf("MarkRug failed: %v", err)
	}

	// Only the most recent epoch is flagged
	all, err := store.GetByMint(ctx, "mint123")
	if err != nil {
		t.Fatalf("GetByMint failed: %v", err)
	}
	if all[0].WasRug {
		t.Errorf("Older epoch should not be flagged")
	}
	if !all[1].WasRug {
		t.Errorf("Latest epoch should be flagged")
	}

	if err := store.MarkRug(ctx, "nonexistent"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDiscoveryArchive_Count(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	records := []*domain.DiscoveryRecord{
		{Mint: "m1", FirstSourceID: "s1", DiscoveredAtMs: 1000, Status: domain.StatusPendingAnalysis},
		{Mint: "m1", FirstSourceID: "s1", DiscoveredAtMs: 2000, Status: domain.StatusPendingAnalysis},
		{Mint: "m2", FirstSourceID: "s1", DiscoveredAtMs: 3000, Status: domain.StatusPendingAnalysis},
	}
	for _, rec := range records {
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 records, got %d", n)
	}
}

func TestDiscoveryArchive_StoresCopy(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	rec := &domain.DiscoveryRecord{
		Mint:           "mint123",
		Symbol:         "TEST",
		FirstSourceID:  "pumpfun",
		DiscoveredAtMs: 1000,
		Status:         domain.StatusPendingAnalysis,
	}
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Mutating the inserted record must not leak into the store
	rec.Symbol = "MUTATED"

	got, err := store.GetLatestByMint(ctx, "mint123")
	if err != nil {
		t.Fatalf("GetLatestByMint failed: %v", err)
	}
	if got.Symbol != "TEST" {
		t.Errorf("Store shares memory with caller: got %s", got.Symbol)
	}
}

func TestDiscoveryArchive_ConcurrentInserts(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	var wg sync.WaitGroup
	numGoroutines := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rec := &domain.DiscoveryRecord{
				Mint:           fmt.Sprintf("mint-%d", id%10),
				FirstSourceID:  "pumpfun",
				DiscoveredAtMs: int64(id * 1000),
				Status:         domain.StatusPendingAnalysis,
			}
			// Ignore errors; some may be duplicates due to key collision
			_ = store.Insert(ctx, rec)
		}(i)
	}

	wg.Wait()
	// Basic smoke test: should not panic
}

func TestDiscoveryArchive_InvalidInput(t *testing.T) {
	store := NewDiscoveryArchive()
	ctx := context.Background()

	// Nil input
	err := store.Insert(ctx, nil)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil, got %v", err)
	}

	// Empty mint
	err = store.Insert(ctx, &domain.DiscoveryRecord{Mint: ""})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty mint, got %v", err)
	}
}
