package domain

// SourceHealth tracks a source's reliability. Owned exclusively by the
// health tracker; updated on every recorded success or failure.
type SourceHealth struct {
	SourceID                  SourceID
	IsHealthy                 bool
	ConsecutiveFailures       int
	LastSuccessfulDiscoveryMs *int64 // nullable until first success
	LastError                 string
}
