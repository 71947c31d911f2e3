// Package health tracks per-source reliability: a consecutive-failure
// circuit breaker plus a token-bucket admission limiter.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/events"
	"solana-discovery/internal/sources"
)

// ErrSourceRegistered is returned when registering an already-known source.
var ErrSourceRegistered = errors.New("source already registered")

// DefaultFailureThreshold is the consecutive-failure count that flips a
// source to unhealthy.
const DefaultFailureThreshold = 5

// sourceState is the tracker's bookkeeping for one registered source.
type sourceState struct {
	src     sources.Source
	cfg     domain.SourceConfig
	health  domain.SourceHealth
	limiter *rate.Limiter // nil means unlimited
}

// TrackerOptions configures a Tracker. Zero values take defaults.
type TrackerOptions struct {
	FailureThreshold int
	Bus              *events.Bus
	Logger           *zap.Logger
}

// Tracker owns SourceHealth for every registered source. Bookkeeping never
// fails: an unhealthy source is surfaced through events and statistics, not
// gated from the ingestion path. Only the rate limiter gates admission.
type Tracker struct {
	mu               sync.Mutex
	states           map[domain.SourceID]*sourceState
	failureThreshold int
	bus              *events.Bus
	logger           *zap.Logger
}

// NewTracker creates a Tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		states:           make(map[domain.SourceID]*sourceState),
		failureThreshold: opts.FailureThreshold,
		bus:              opts.Bus,
		logger:           opts.Logger,
	}
}

// Register initializes health state and the rate limiter for the source,
// then starts it with the given sink. A start failure is recorded against
// the source and returned; the source stays registered so statistics and
// later recovery surface it.
func (t *Tracker) Register(ctx context.Context, src sources.Source, cfg domain.SourceConfig, sink sources.DiscoverySink) error {
	id := src.ID()

	var limiter *rate.Limiter
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst)
	}

	t.mu.Lock()
	if _, exists := t.states[id]; exists {
		t.mu.Unlock()
		return fmt.Errorf("register %s: %w", id, ErrSourceRegistered)
	}
	t.states[id] = &sourceState{
		src: src,
		cfg: cfg,
		health: domain.SourceHealth{
			SourceID:  id,
			IsHealthy: true,
		},
		limiter: limiter,
	}
	t.mu.Unlock()

	// Start outside the lock: the feed loop may call back immediately.
	if err := src.Start(ctx, sink); err != nil {
		t.RecordFailure(id, fmt.Sprintf("start: %v", err))
		return fmt.Errorf("start source %s: %w", id, err)
	}

	t.logger.Info("source registered",
		zap.String("source", id.String()),
		zap.Float64("base_weight", cfg.BaseWeight),
		zap.Float64("rate_limit_rps", cfg.RateLimit.RequestsPerSecond))
	return nil
}

// Allow is the token-bucket admission check. Unknown and unlimited sources
// are always admitted.
func (t *Tracker) Allow(id domain.SourceID) bool {
	t.mu.Lock()
	st, ok := t.states[id]
	t.mu.Unlock()

	if !ok || st.limiter == nil {
		return true
	}
	return st.limiter.Allow()
}

// RecordSuccess resets the failure streak and stamps the last successful
// discovery. A previously-unhealthy source flips back to healthy and a
// source_recovered event is published.
func (t *Tracker) RecordSuccess(id domain.SourceID) {
	now := time.Now().UnixMilli()
	recovered := false

	t.mu.Lock()
	st, ok := t.states[id]
	if ok {
		st.health.ConsecutiveFailures = 0
		st.health.LastSuccessfulDiscoveryMs = &now
		if !st.health.IsHealthy {
			st.health.IsHealthy = true
			st.health.LastError = ""
			recovered = true
		}
	}
	t.mu.Unlock()

	if recovered {
		t.logger.Info("source recovered", zap.String("source", id.String()))
		t.publish(events.TypeSourceRecovered, id)
	}
}

// RecordFailure increments the failure streak and stores the message. Once
// the streak crosses the threshold the source flips to unhealthy and a
// source_unhealthy event is published.
func (t *Tracker) RecordFailure(id domain.SourceID, message string) {
	unhealthy := false
	failures := 0

	t.mu.Lock()
	st, ok := t.states[id]
	if ok {
		st.health.ConsecutiveFailures++
		st.health.LastError = message
		failures = st.health.ConsecutiveFailures
		if st.health.IsHealthy && failures >= t.failureThreshold {
			st.health.IsHealthy = false
			unhealthy = true
		}
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	if unhealthy {
		t.logger.Warn("source unhealthy",
			zap.String("source", id.String()),
			zap.Int("consecutive_failures", failures),
			zap.String("last_error", message))
		t.publish(events.TypeSourceUnhealthy, id)
	} else {
		t.logger.Debug("source failure recorded",
			zap.String("source", id.String()),
			zap.Int("consecutive_failures", failures),
			zap.String("error", message))
	}
}

// Health returns the current health of one source.
func (t *Tracker) Health(id domain.SourceID) (domain.SourceHealth, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[id]
	if !ok {
		return domain.SourceHealth{}, false
	}
	return st.health, true
}

// HealthySources returns the descriptors of every currently healthy source,
// ordered by source ID.
func (t *Tracker) HealthySources() []domain.SourceHealth {
	all := t.AllHealth()
	out := all[:0]
	for _, h := range all {
		if h.IsHealthy {
			out = append(out, h)
		}
	}
	return out
}

// AllHealth returns the health of every registered source, ordered by
// source ID.
func (t *Tracker) AllHealth() []domain.SourceHealth {
	t.mu.Lock()
	out := make([]domain.SourceHealth, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st.health)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// Unregister stops one source and releases its state.
func (t *Tracker) Unregister(ctx context.Context, id domain.SourceID) error {
	t.mu.Lock()
	st, ok := t.states[id]
	if ok {
		delete(t.states, id)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	if err := st.src.Stop(ctx); err != nil {
		return fmt.Errorf("stop source %s: %w", id, err)
	}
	return nil
}

// Stop stops every registered source. Per-source stop errors are logged and
// collected; one failing source never prevents stopping the rest.
// Idempotent.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	stopping := make([]*sourceState, 0, len(t.states))
	for id, st := range t.states {
		stopping = append(stopping, st)
		delete(t.states, id)
	}
	t.mu.Unlock()

	var errs []error
	for _, st := range stopping {
		if err := st.src.Stop(ctx); err != nil {
			t.logger.Error("stop source failed",
				zap.String("source", st.src.ID().String()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("stop source %s: %w", st.src.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (t *Tracker) publish(typ events.Type, id domain.SourceID) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.Event{Type: typ, SourceID: id})
}
