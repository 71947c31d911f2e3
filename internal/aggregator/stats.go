package aggregator

import "solana-discovery/internal/domain"

// SourceStats joins the health and scoring views of a single source.
type SourceStats struct {
	SourceID                  domain.SourceID
	Healthy                   bool
	ConsecutiveFailures       int
	LastSuccessfulDiscoveryMs *int64
	LastError                 string
	DiscoveriesCount          int64
	BaseWeight                float64
	CredibilityScore          float64
	AverageLatencyMs          float64
	SuccessRate               float64
}

// Stats is the aggregate counter snapshot exposed for logging and
// operational endpoints.
type Stats struct {
	TotalDiscovered    int64
	UniqueTokens       int64
	DuplicatesFiltered int64
	Confirmations      int64
	HighConfidence     int64
	RateLimited        int64
	InvalidTokens      int64
	QueueRejected      int64
	AvgConfirmations   float64
	LiveRecords        int
	Sources            []SourceStats
}
