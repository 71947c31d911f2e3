package domain

// DiscoveredToken is a raw discovery event produced by a feed source.
// Immutable once emitted; consumed exactly once by the aggregator.
type DiscoveredToken struct {
	Mint             string   // token mint address, unique entity identifier
	Symbol           string
	Name             string
	Source           SourceID // reporting source
	TimestampMs      int64    // observation time, Unix milliseconds
	InitialLiquidity *float64 // SOL, nullable
	InitialMarketCap *float64 // SOL, nullable
}
