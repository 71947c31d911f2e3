package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/storage"
)

// DiscoveryArchive implements storage.DiscoveryArchive using PostgreSQL.
type DiscoveryArchive struct {
	pool *Pool
}

// NewDiscoveryArchive creates a new DiscoveryArchive.
func NewDiscoveryArchive(pool *Pool) *DiscoveryArchive {
	return &DiscoveryArchive{pool: pool}
}

// Compile-time interface check.
var _ storage.DiscoveryArchive = (*DiscoveryArchive)(nil)

// Insert adds a new record. Returns ErrDuplicateKey if (mint, discovered_at_ms) exists.
func (s *DiscoveryArchive) Insert(ctx context.Context, rec *domain.DiscoveryRecord) error {
	confirmations, err := json.Marshal(rec.Confirmations)
	if err != nil {
		return fmt.Errorf("marshal confirmations: %w", err)
	}

	query := `
		INSERT INTO discovery_records (
			mint, symbol, name, first_source, discovered_at_ms, status, confirmations, was_rug
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.pool.Exec(ctx, query,
		rec.Mint,
		rec.Symbol,
		rec.Name,
		string(rec.FirstSourceID),
		rec.DiscoveredAtMs,
		string(rec.Status),
		confirmations,
		rec.WasRug,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert discovery record: %w", err)
	}
	return nil
}

// GetByMint retrieves all archived records for a mint, ordered by discovered_at ASC.
func (s *DiscoveryArchive) GetByMint(ctx context.Context, mint string) ([]*domain.DiscoveryRecord, error) {
	query := `
		SELECT mint, symbol, name, first_source, discovered_at_ms, status, confirmations, was_rug
		FROM discovery_records
		WHERE mint = $1
		ORDER BY discovered_at_ms ASC
	`

	rows, err := s.pool.Query(ctx, query, mint)
	if err != nil {
		return nil, fmt.Errorf("get records by mint: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetLatestByMint retrieves the most recent record for a mint. Returns ErrNotFound if not exists.
func (s *DiscoveryArchive) GetLatestByMint(ctx context.Context, mint string) (*domain.DiscoveryRecord, error) {
	query := `
		SELECT mint, symbol, name, first_source, discovered_at_ms, status, confirmations, was_rug
		FROM discovery_records
		WHERE mint = $1
		ORDER BY discovered_at_ms DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, mint)
	rec, err := scanRecord(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest record by mint: %w", err)
	}
	return rec, nil
}

// GetByStatus retrieves all records with the given status, ordered by discovered_at ASC.
func (s *DiscoveryArchive) GetByStatus(ctx context.Context, status domain.DiscoveryStatus) ([]*domain.DiscoveryRecord, error) {
	query := `
		SELECT mint, symbol, name, first_source, discovered_at_ms, status, confirmations, was_rug
		FROM discovery_records
		WHERE status = $1
		ORDER BY discovered_at_ms ASC, mint ASC
	`

	rows, err := s.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("get records by status: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetByTimeRange retrieves records discovered within [start, end] (inclusive).
func (s *DiscoveryArchive) GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.DiscoveryRecord, error) {
	query := `
		SELECT mint, symbol, name, first_source, discovered_at_ms, status, confirmations, was_rug
		FROM discovery_records
		WHERE discovered_at_ms >= $1 AND discovered_at_ms <= $2
		ORDER BY discovered_at_ms ASC, mint ASC
	`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("get records by time range: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// UpdateRecord replaces the stored status and confirmations for
// (mint, discovered_at_ms). Returns ErrNotFound if not exists.
func (s *DiscoveryArchive) UpdateRecord(ctx context.Context, rec *domain.DiscoveryRecord) error {
	confirmations, err := json.Marshal(rec.Confirmations)
	if err != nil {
		return fmt.Errorf("marshal confirmations: %w", err)
	}

	query := `
		UPDATE discovery_records
		SET status = $3, confirmations = $4
		WHERE mint = $1 AND discovered_at_ms = $2
	`

	tag, err := s.pool.Exec(ctx, query, rec.Mint, rec.DiscoveredAtMs, string(rec.Status), confirmations)
	if err != nil {
		return fmt.Errorf("update discovery record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkRug flags the most recent record for a mint as a rug.
// Returns ErrNotFound if the mint was never archived.
func (s *DiscoveryArchive) MarkRug(ctx context.Context, mint string) error {
	query := `
		UPDATE discovery_records
		SET was_rug = TRUE
		WHERE mint = $1 AND discovered_at_ms = (
			SELECT max(discovered_at_ms) FROM discovery_records WHERE mint = $1
		)
	`

	tag, err := s.pool.Exec(ctx, query, mint)
	if err != nil {
		return fmt.Errorf("mark rug: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Count returns the total number of archived records.
func (s *DiscoveryArchive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM discovery_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count discovery records: %w", err)
	}
	return n, nil
}

// scanRecord scans a single row into a DiscoveryRecord.
func scanRecord(row pgx.Row) (*domain.DiscoveryRecord, error) {
	var rec domain.DiscoveryRecord
	var sourceStr, statusStr string
	var confirmations []byte

	err := row.Scan(
		&rec.Mint,
		&rec.Symbol,
		&rec.Name,
		&sourceStr,
		&rec.DiscoveredAtMs,
		&statusStr,
		&confirmations,
		&rec.WasRug,
	)
	if err != nil {
		return nil, err
	}

	rec.FirstSourceID = domain.SourceID(sourceStr)
	rec.Status = domain.DiscoveryStatus(statusStr)
	if err := json.Unmarshal(confirmations, &rec.Confirmations); err != nil {
		return nil, fmt.Errorf("unmarshal confirmations: %w", err)
	}
	return &rec, nil
}

// scanRecords scans multiple rows into a slice of DiscoveryRecord.
func scanRecords(rows pgx.Rows) ([]*domain.DiscoveryRecord, error) {
	var records []*domain.DiscoveryRecord

	for rows.Next() {
		var rec domain.DiscoveryRecord
		var sourceStr, statusStr string
		var confirmations []byte

		err := rows.Scan(
			&rec.Mint,
			&rec.Symbol,
			&rec.Name,
			&sourceStr,
			&rec.DiscoveredAtMs,
			&statusStr,
			&confirmations,
			&rec.WasRug,
		)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}

		rec.FirstSourceID = domain.SourceID(sourceStr)
		rec.Status = domain.DiscoveryStatus(statusStr)
		if err := json.Unmarshal(confirmations, &rec.Confirmations); err != nil {
			return nil, fmt.Errorf("unmarshal confirmations: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}

	return records, nil
}
