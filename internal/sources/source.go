// Package sources defines the discovery feed contract and the feed
// implementations that observe new tokens.
package sources

import (
	"context"

	"solana-discovery/internal/domain"
)

// DiscoverySink receives everything a feed produces. ProcessDiscovery
// consumes one observed token; ReportSourceError surfaces feed-level
// failures (connection loss, bad payloads) to health tracking.
type DiscoverySink interface {
	ProcessDiscovery(ctx context.Context, token *domain.DiscoveredToken) error
	ReportSourceError(id domain.SourceID, err error)
}

// Source is a discovery feed. Start launches the feed's own polling or
// listening loop and returns; the loop reports through the sink until the
// context is cancelled or Stop is called. Stop is idempotent.
type Source interface {
	// ID returns the stable source identifier.
	ID() domain.SourceID

	// Name returns a human-readable descriptor.
	Name() string

	// Weight returns the configured base credibility weight.
	Weight() float64

	Start(ctx context.Context, sink DiscoverySink) error
	Stop(ctx context.Context) error
}
