package domain

// SourceScore is the read-only credibility view of a source.
type SourceScore struct {
	SourceID         SourceID
	DiscoveriesCount int64
	BaseWeight       float64
	CredibilityScore float64 // BaseWeight adjusted by observed success rate
	AverageLatencyMs float64 // mean confirmation latency, 0 until observed
	SuccessRate      float64 // 1.0 until evidence exists
}

// TokenScore is the aggregate confirmation score of a discovery record:
// the sum of the base weights of every distinct source represented on it,
// each counted exactly once.
type TokenScore struct {
	TotalWeight       float64
	ConfirmingSources []SourceID // excludes the founding source
}
