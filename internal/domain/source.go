package domain

// SourceID identifies a registered discovery feed.
type SourceID string

// String returns the string representation of SourceID.
func (s SourceID) String() string {
	return string(s)
}

// RateLimitConfig bounds how often a source may report discoveries.
// A zero RequestsPerSecond disables limiting for the source.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// SourceConfig is the static per-source configuration supplied at
// registration time. Immutable thereafter.
type SourceConfig struct {
	BaseWeight float64
	RateLimit  RateLimitConfig
}
