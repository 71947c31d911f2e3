// Package scoring maintains per-source credibility weights and computes
// aggregate confirmation scores for discovery records.
package scoring

import (
	"sort"
	"sync"

	"solana-discovery/internal/domain"
)

// scoreEntry is the engine's internal state for one source.
type scoreEntry struct {
	sourceID     domain.SourceID
	baseWeight   float64
	discoveries  int64
	successes    int64
	failures     int64
	latencySumMs int64
	latencyCount int64
}

func (e *scoreEntry) successRate() float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 1.0
	}
	return float64(e.successes) / float64(total)
}

func (e *scoreEntry) averageLatencyMs() float64 {
	if e.latencyCount == 0 {
		return 0
	}
	return float64(e.latencySumMs) / float64(e.latencyCount)
}

// Engine tracks source credibility. Safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	entries map[domain.SourceID]*scoreEntry
}

// NewEngine creates an empty scoring engine.
func NewEngine() *Engine {
	return &Engine{
		entries: make(map[domain.SourceID]*scoreEntry),
	}
}

// InitializeSource seeds a fresh entry with the configured base weight and
// zero history. Re-initializing a source resets its history.
func (s *Engine) InitializeSource(id domain.SourceID, baseWeight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = &scoreEntry{
		sourceID:   id,
		baseWeight: baseWeight,
	}
}

// RecordDiscovery counts one piece of evidence contributed by the source:
// called once per unique discovery and once per confirmation.
func (s *Engine) RecordDiscovery(id domain.SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.discoveries++
	}
}

// RecordConfirmationLatency feeds the running average confirmation latency.
func (s *Engine) RecordConfirmationLatency(id domain.SourceID, latencyMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.latencySumMs += latencyMs
		e.latencyCount++
	}
}

// RecordOutcome feeds the success-rate estimate with one accepted (ok) or
// rejected report.
func (s *Engine) RecordOutcome(id domain.SourceID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[id]
	if !exists {
		return
	}
	if ok {
		e.successes++
	} else {
		e.failures++
	}
}

// CalculateTokenScore sums the base weight of the record's founding source
// and of every distinct confirming source. Each source counts exactly once;
// unknown sources contribute zero weight.
func (s *Engine) CalculateTokenScore(rec *domain.DiscoveryRecord) domain.TokenScore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	score := domain.TokenScore{
		ConfirmingSources: make([]domain.SourceID, 0, len(rec.Confirmations)),
	}

	counted := map[domain.SourceID]struct{}{
		rec.FirstSourceID: {},
	}
	score.TotalWeight = s.baseWeightLocked(rec.FirstSourceID)

	for _, c := range rec.Confirmations {
		if _, seen := counted[c.SourceID]; seen {
			continue
		}
		counted[c.SourceID] = struct{}{}
		score.TotalWeight += s.baseWeightLocked(c.SourceID)
		score.ConfirmingSources = append(score.ConfirmingSources, c.SourceID)
	}

	return score
}

func (s *Engine) baseWeightLocked(id domain.SourceID) float64 {
	if e, ok := s.entries[id]; ok {
		return e.baseWeight
	}
	return 0
}

// GetSourceScore returns the read-only credibility view of a source. A
// source with no history scores its base weight unchanged; an unknown
// source scores the fallback weight.
func (s *Engine) GetSourceScore(id domain.SourceID, fallbackWeight float64) domain.SourceScore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return domain.SourceScore{
			SourceID:         id,
			BaseWeight:       fallbackWeight,
			CredibilityScore: fallbackWeight,
			SuccessRate:      1.0,
		}
	}

	rate := e.successRate()
	return domain.SourceScore{
		SourceID:         id,
		DiscoveriesCount: e.discoveries,
		BaseWeight:       e.baseWeight,
		CredibilityScore: e.baseWeight * rate,
		AverageLatencyMs: e.averageLatencyMs(),
		SuccessRate:      rate,
	}
}

// Scores returns the score view of every known source, ordered by source ID.
func (s *Engine) Scores() []domain.SourceScore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SourceScore, 0, len(s.entries))
	for id, e := range s.entries {
		rate := e.successRate()
		out = append(out, domain.SourceScore{
			SourceID:         id,
			DiscoveriesCount: e.discoveries,
			BaseWeight:       e.baseWeight,
			CredibilityScore: e.baseWeight * rate,
			AverageLatencyMs: e.averageLatencyMs(),
			SuccessRate:      rate,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].SourceID < out[j].SourceID
	})
	return out
}
