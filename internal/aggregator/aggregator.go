// Package aggregator deduplicates token discoveries across feeds, tracks
// cross-source confirmations, and promotes tokens that enough independent
// sources agree on.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/events"
	"solana-discovery/internal/health"
	"solana-discovery/internal/observability"
	"solana-discovery/internal/pipeline"
	"solana-discovery/internal/scoring"
	"solana-discovery/internal/solana"
	"solana-discovery/internal/sources"
)

var (
	// ErrInvalidToken is returned for discoveries that fail validation.
	// Invalid discoveries are never stored or counted.
	ErrInvalidToken = errors.New("invalid token")

	// ErrRateLimited is returned when a source exceeds its rate limit.
	ErrRateLimited = errors.New("rate limited")
)

const (
	DefaultDedupWindow                 = 24 * time.Hour
	DefaultMinConfirmations            = 2
	DefaultConfirmationWeightThreshold = 2.0
	DefaultCleanupInterval             = time.Hour
	DefaultMaxRecords                  = 50_000
)

// Config controls deduplication and promotion behavior.
type Config struct {
	// DedupWindow is how long a mint stays deduplicated. Re-reports
	// inside the window are confirmations or duplicates; after it the
	// mint counts as a brand-new discovery.
	DedupWindow time.Duration

	// MinConfirmations is the number of distinct sources, including the
	// first reporter, required for promotion. Always at least 1.
	MinConfirmations int

	// ConfirmationWeightThreshold is the minimum combined source weight
	// required for promotion.
	ConfirmationWeightThreshold float64

	// CleanupInterval is how often the janitor evicts expired records.
	CleanupInterval time.Duration

	// MaxRecords bounds the dedup cache. At capacity the oldest record
	// is evicted to admit a new mint.
	MaxRecords int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow:                 DefaultDedupWindow,
		MinConfirmations:            DefaultMinConfirmations,
		ConfirmationWeightThreshold: DefaultConfirmationWeightThreshold,
		CleanupInterval:             DefaultCleanupInterval,
		MaxRecords:                  DefaultMaxRecords,
	}
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.MinConfirmations <= 0 {
		c.MinConfirmations = DefaultMinConfirmations
	}
	if c.ConfirmationWeightThreshold <= 0 {
		c.ConfirmationWeightThreshold = DefaultConfirmationWeightThreshold
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	return c
}

// Options wires the aggregator's collaborators. Tracker, Scoring and Logger
// default when nil; Bus, Queue and Metrics are optional.
type Options struct {
	Config  Config
	Tracker *health.Tracker
	Scoring *scoring.Engine
	Bus     *events.Bus
	Queue   pipeline.Enqueuer
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Aggregator is the single entry point for discoveries from all feeds.
// Every ProcessDiscovery call runs under one mutex, so record state,
// counters and emitted events always agree.
type Aggregator struct {
	cfg     Config
	tracker *health.Tracker
	scoring *scoring.Engine
	bus     *events.Bus
	queue   pipeline.Enqueuer
	metrics *observability.Metrics
	logger  *zap.Logger

	mu          sync.Mutex
	cache       *recordCache
	baseWeights map[domain.SourceID]float64

	totalDiscovered    int64
	uniqueTokens       int64
	duplicatesFiltered int64
	confirmationCount  int64
	highConfidence     int64
	rateLimited        int64
	invalidTokens      int64
	queueRejected      int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ sources.DiscoverySink = (*Aggregator)(nil)

// New builds an Aggregator from opts.
func New(opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	eng := opts.Scoring
	if eng == nil {
		eng = scoring.NewEngine()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = health.NewTracker(health.TrackerOptions{Bus: opts.Bus, Logger: logger})
	}
	cfg := opts.Config.withDefaults()

	return &Aggregator{
		cfg:         cfg,
		tracker:     tracker,
		scoring:     eng,
		bus:         opts.Bus,
		queue:       opts.Queue,
		metrics:     opts.Metrics,
		logger:      logger,
		cache:       newRecordCache(cfg.MaxRecords),
		baseWeights: make(map[domain.SourceID]float64),
		stopCh:      make(chan struct{}),
	}
}

// RegisterSource initializes scoring for src, registers it with the health
// tracker and starts its feed. A start failure leaves the source registered
// so the circuit breaker sees the failure.
func (a *Aggregator) RegisterSource(ctx context.Context, src sources.Source, cfg domain.SourceConfig) error {
	weight := cfg.BaseWeight
	if weight <= 0 {
		weight = src.Weight()
	}
	if weight <= 0 {
		weight = 1.0
	}
	cfg.BaseWeight = weight

	a.scoring.InitializeSource(src.ID(), weight)
	a.mu.Lock()
	a.baseWeights[src.ID()] = weight
	a.mu.Unlock()

	if err := a.tracker.Register(ctx, src, cfg, a); err != nil {
		return fmt.Errorf("register source %s: %w", src.ID(), err)
	}
	a.logger.Info("source registered",
		zap.String("source", src.ID().String()),
		zap.Float64("weight", weight),
		zap.Float64("rate_limit_rps", cfg.RateLimit.RequestsPerSecond))
	return nil
}

// ProcessDiscovery runs the full aggregation step for one reported token:
// validation, rate limiting, dedup lookup, then exactly one of the three
// outcomes (new record, confirmation, duplicate).
func (a *Aggregator) ProcessDiscovery(ctx context.Context, token *domain.DiscoveredToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		a.metrics.ObserveProcessing(time.Since(start).Seconds())
	}()

	if err := validateToken(token); err != nil {
		a.mu.Lock()
		a.invalidTokens++
		a.mu.Unlock()
		if token != nil && token.Source != "" {
			a.tracker.RecordFailure(token.Source, err.Error())
			a.scoring.RecordOutcome(token.Source, false)
			a.metrics.RecordInvalidToken(token.Source.String())
		}
		return err
	}

	if !a.tracker.Allow(token.Source) {
		a.mu.Lock()
		a.rateLimited++
		a.mu.Unlock()
		a.metrics.RecordRateLimited(token.Source.String())
		return fmt.Errorf("source %s: %w", token.Source, ErrRateLimited)
	}

	now := time.Now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalDiscovered++

	existing := a.cache.get(token.Mint)
	if existing != nil && now-existing.DiscoveredAtMs > a.cfg.DedupWindow.Milliseconds() {
		// The window has lapsed: the old record no longer counts.
		a.cache.remove(token.Mint)
		existing = nil
	}

	switch {
	case existing == nil:
		a.recordNew(token, now)
	case !existing.HasSource(token.Source):
		a.recordConfirmation(existing, token, now)
	default:
		a.duplicatesFiltered++
		a.metrics.RecordDuplicate()
	}
	return nil
}

// recordNew creates a PENDING_ANALYSIS record founded by token.Source.
// Caller holds a.mu.
func (a *Aggregator) recordNew(token *domain.DiscoveredToken, nowMs int64) {
	rec := &domain.DiscoveryRecord{
		Mint:           token.Mint,
		Symbol:         token.Symbol,
		Name:           token.Name,
		FirstSourceID:  token.Source,
		DiscoveredAtMs: nowMs,
		Status:         domain.StatusPendingAnalysis,
	}
	if evicted := a.cache.put(rec); evicted != nil {
		a.logger.Warn("record cache full, evicted oldest",
			zap.String("evicted_mint", evicted.Mint),
			zap.Int("capacity", a.cfg.MaxRecords))
		a.metrics.RecordCapacityEviction()
	}
	a.uniqueTokens++

	a.scoring.RecordDiscovery(token.Source)
	a.scoring.RecordOutcome(token.Source, true)
	a.tracker.RecordSuccess(token.Source)

	score := a.scoring.CalculateTokenScore(rec)
	snapshot := rec.Clone()
	a.publish(events.TypeDiscovered, token, snapshot, score)
	a.enqueue(pipeline.Item{Token: token, Record: snapshot, Score: score, Reason: pipeline.ReasonDiscovered})

	a.metrics.RecordDiscovered(token.Source.String())
	a.metrics.SetLiveRecords(a.cache.len())
	a.logger.Debug("new token discovered",
		zap.String("mint", token.Mint),
		zap.String("symbol", token.Symbol),
		zap.String("source", token.Source.String()))
}

// recordConfirmation appends a confirmation from a source that has not yet
// reported this mint, then evaluates promotion. Caller holds a.mu.
func (a *Aggregator) recordConfirmation(rec *domain.DiscoveryRecord, token *domain.DiscoveredToken, nowMs int64) {
	latency := nowMs - rec.DiscoveredAtMs
	rec.Confirmations = append(rec.Confirmations, domain.DiscoveryConfirmation{
		TokenMint:          token.Mint,
		SourceID:           token.Source,
		ConfirmedAtMs:      nowMs,
		LatencyFromFirstMs: latency,
	})
	a.duplicatesFiltered++
	a.confirmationCount++

	a.scoring.RecordDiscovery(token.Source)
	a.scoring.RecordConfirmationLatency(token.Source, latency)
	a.scoring.RecordOutcome(token.Source, true)

	score := a.scoring.CalculateTokenScore(rec)
	snapshot := rec.Clone()
	a.publish(events.TypeConfirmed, token, snapshot, score)
	a.metrics.RecordConfirmed(token.Source.String())
	a.logger.Debug("token confirmed",
		zap.String("mint", token.Mint),
		zap.String("source", token.Source.String()),
		zap.Int64("latency_ms", latency),
		zap.Float64("total_weight", score.TotalWeight))

	// Promotion needs both enough distinct sources and enough combined
	// weight, and fires at most once per record.
	if rec.Status == domain.StatusHighConfidence {
		return
	}
	if len(rec.Confirmations)+1 < a.cfg.MinConfirmations {
		return
	}
	if score.TotalWeight < a.cfg.ConfirmationWeightThreshold {
		return
	}
	rec.Status = domain.StatusHighConfidence
	a.highConfidence++

	promoted := rec.Clone()
	a.publish(events.TypeHighConfidence, token, promoted, score)
	a.enqueue(pipeline.Item{Token: token, Record: promoted, Score: score, Reason: pipeline.ReasonHighConfidence})
	a.metrics.RecordPromoted()
	a.logger.Info("token promoted to high confidence",
		zap.String("mint", token.Mint),
		zap.Int("sources", len(promoted.Confirmations)+1),
		zap.Float64("total_weight", score.TotalWeight))
}

func (a *Aggregator) publish(typ events.Type, token *domain.DiscoveredToken, rec *domain.DiscoveryRecord, score domain.TokenScore) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{
		Type:     typ,
		SourceID: token.Source,
		Token:    token,
		Record:   rec,
		Score:    &score,
	})
}

func (a *Aggregator) enqueue(item pipeline.Item) {
	if a.queue == nil {
		return
	}
	if err := a.queue.Enqueue(item); err != nil {
		a.queueRejected++
		a.logger.Warn("analysis enqueue failed",
			zap.String("mint", item.Record.Mint),
			zap.Error(err))
		a.metrics.RecordQueueRejected()
	}
}

// ReportSourceError feeds a runtime feed failure (bad frame, poll error)
// into the circuit breaker without going through ProcessDiscovery.
func (a *Aggregator) ReportSourceError(id domain.SourceID, err error) {
	if err == nil {
		return
	}
	a.tracker.RecordFailure(id, err.Error())
	a.metrics.RecordSourceError(id.String())
	a.logger.Debug("source error", zap.String("source", id.String()), zap.Error(err))
}

// GetDiscoveryRecord returns a copy of the live record for mint. Records
// past the dedup window are treated as absent and dropped.
func (a *Aggregator) GetDiscoveryRecord(mint string) (*domain.DiscoveryRecord, bool) {
	now := time.Now().UnixMilli()
	a.mu.Lock()
	defer a.mu.Unlock()

	rec := a.cache.get(mint)
	if rec == nil {
		return nil, false
	}
	if now-rec.DiscoveredAtMs > a.cfg.DedupWindow.Milliseconds() {
		a.cache.remove(mint)
		return nil, false
	}
	return rec.Clone(), true
}

// Cleanup evicts every record older than the dedup window and returns how
// many were removed.
func (a *Aggregator) Cleanup() int {
	cutoff := time.Now().UnixMilli() - a.cfg.DedupWindow.Milliseconds()

	a.mu.Lock()
	expired := a.cache.expireBefore(cutoff)
	live := a.cache.len()
	a.mu.Unlock()

	a.metrics.SetLiveRecords(live)
	if len(expired) > 0 {
		a.metrics.RecordExpired(len(expired))
	}
	return len(expired)
}

// Stats returns a snapshot of aggregate counters joined with per-source
// health and scoring.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Stats{
		TotalDiscovered:    a.totalDiscovered,
		UniqueTokens:       a.uniqueTokens,
		DuplicatesFiltered: a.duplicatesFiltered,
		Confirmations:      a.confirmationCount,
		HighConfidence:     a.highConfidence,
		RateLimited:        a.rateLimited,
		InvalidTokens:      a.invalidTokens,
		QueueRejected:      a.queueRejected,
		LiveRecords:        a.cache.len(),
	}
	if a.uniqueTokens > 0 {
		st.AvgConfirmations = float64(a.confirmationCount) / float64(a.uniqueTokens)
	}

	for _, h := range a.tracker.AllHealth() {
		sc := a.scoring.GetSourceScore(h.SourceID, a.baseWeights[h.SourceID])
		st.Sources = append(st.Sources, SourceStats{
			SourceID:                  h.SourceID,
			Healthy:                   h.IsHealthy,
			ConsecutiveFailures:       h.ConsecutiveFailures,
			LastSuccessfulDiscoveryMs: h.LastSuccessfulDiscoveryMs,
			LastError:                 h.LastError,
			DiscoveriesCount:          sc.DiscoveriesCount,
			BaseWeight:                sc.BaseWeight,
			CredibilityScore:          sc.CredibilityScore,
			AverageLatencyMs:          sc.AverageLatencyMs,
			SuccessRate:               sc.SuccessRate,
		})
	}
	return st
}

// Start launches the cleanup janitor. It returns immediately.
func (a *Aggregator) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.janitor(ctx)
}

func (a *Aggregator) janitor(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if n := a.Cleanup(); n > 0 {
				a.logger.Debug("expired discovery records evicted", zap.Int("count", n))
			}
		}
	}
}

// Stop halts the janitor and stops all registered sources. Safe to call
// more than once.
func (a *Aggregator) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	return a.tracker.Stop(ctx)
}

func validateToken(token *domain.DiscoveredToken) error {
	if token == nil {
		return fmt.Errorf("%w: nil token", ErrInvalidToken)
	}
	if token.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidToken)
	}
	if token.Mint == "" {
		return fmt.Errorf("%w: empty mint", ErrInvalidToken)
	}
	if err := solana.ValidatePubkey(token.Mint); err != nil {
		return fmt.Errorf("%w: mint %q: %v", ErrInvalidToken, token.Mint, err)
	}
	return nil
}
