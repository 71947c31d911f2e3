package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"solana-discovery/internal/domain"
)

// DexScreenerSourceID identifies the DexScreener profile poller.
const DexScreenerSourceID domain.SourceID = "dexscreener"

// DefaultDexScreenerEndpoint lists the latest token profiles.
const DefaultDexScreenerEndpoint = "https://api.dexscreener.com/token-profiles/latest/v1"

// DexScreenerConfig configures the DexScreener polling source.
type DexScreenerConfig struct {
	Endpoint string
	// ChainID filters profiles to one chain.
	ChainID string
	// Weight is the source's base credibility weight. DexScreener lists
	// curated profiles, so it defaults above the raw launch stream.
	Weight float64
	// PollInterval is the base fetch cadence; each wait is jittered by
	// up to 25 percent to avoid thundering herds.
	PollInterval time.Duration
	// RequestTimeout bounds a single fetch.
	RequestTimeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// DefaultDexScreenerConfig returns the production defaults.
func DefaultDexScreenerConfig() DexScreenerConfig {
	return DexScreenerConfig{
		Endpoint:       DefaultDexScreenerEndpoint,
		ChainID:        "solana",
		Weight:         1.5,
		PollInterval:   30 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// dexScreenerProfile is one entry of the token-profiles response.
type dexScreenerProfile struct {
	URL          string `json:"url"`
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	Icon         string `json:"icon"`
	Description  string `json:"description"`
}

// DexScreenerSource polls the DexScreener token profile listing and
// reports newly listed mints. Profiles linger on the listing across
// polls, so mints seen in the previous fetch are not re-reported.
type DexScreenerSource struct {
	cfg    DexScreenerConfig
	logger *zap.Logger
	client *http.Client
	sink   DiscoverySink

	// lastSeen holds the mints of the previous fetch. Only the poll loop
	// touches it.
	lastSeen map[string]struct{}

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Source = (*DexScreenerSource)(nil)

// NewDexScreenerSource creates a DexScreener source. Zero config fields
// take defaults.
func NewDexScreenerSource(cfg DexScreenerConfig, logger *zap.Logger) *DexScreenerSource {
	def := DefaultDexScreenerConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.ChainID == "" {
		cfg.ChainID = def.ChainID
	}
	if cfg.Weight <= 0 {
		cfg.Weight = def.Weight
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DexScreenerSource{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		lastSeen: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// ID implements Source.
func (s *DexScreenerSource) ID() domain.SourceID { return DexScreenerSourceID }

// Name implements Source.
func (s *DexScreenerSource) Name() string { return "dexscreener token profiles" }

// Weight implements Source.
func (s *DexScreenerSource) Weight() float64 { return s.cfg.Weight }

// Start launches the poll loop and returns immediately. Fetch errors are
// reported through the sink, not returned here.
func (s *DexScreenerSource) Start(ctx context.Context, sink DiscoverySink) error {
	s.sink = sink
	s.wg.Add(1)
	go s.pollLoop(ctx)
	s.logger.Info("dexscreener poller started",
		zap.String("endpoint", s.cfg.Endpoint),
		zap.Duration("interval", s.cfg.PollInterval))
	return nil
}

func (s *DexScreenerSource) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	s.poll(ctx)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.jitteredInterval()):
			s.poll(ctx)
		}
	}
}

// jitteredInterval applies up to ±25% jitter to the poll cadence.
func (s *DexScreenerSource) jitteredInterval() time.Duration {
	d := s.cfg.PollInterval
	jitter := time.Duration(float64(d) * 0.25 * (rand.Float64()*2 - 1))
	return d + jitter
}

// poll fetches the profile listing once and reports unseen mints.
func (s *DexScreenerSource) poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.cfg.Endpoint, nil)
	if err != nil {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("fetch profiles: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("unexpected status %d", resp.StatusCode))
		return
	}

	var profiles []dexScreenerProfile
	if err := json.NewDecoder(resp.Body).Decode(&profiles); err != nil {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("decode profiles: %w", err))
		return
	}

	seen := make(map[string]struct{}, len(profiles))
	reported := 0
	for _, p := range profiles {
		if !strings.EqualFold(p.ChainID, s.cfg.ChainID) {
			continue
		}
		if p.TokenAddress == "" {
			continue
		}
		seen[p.TokenAddress] = struct{}{}
		if _, ok := s.lastSeen[p.TokenAddress]; ok {
			continue
		}

		token := &domain.DiscoveredToken{
			Mint:        p.TokenAddress,
			Source:      s.ID(),
			TimestampMs: time.Now().UnixMilli(),
		}
		if err := s.sink.ProcessDiscovery(ctx, token); err != nil {
			s.logger.Debug("discovery rejected",
				zap.String("mint", token.Mint),
				zap.Error(err))
			continue
		}
		reported++
	}
	s.lastSeen = seen

	s.logger.Debug("dexscreener poll complete",
		zap.Int("profiles", len(profiles)),
		zap.Int("reported", reported))
}

// Stop halts the poll loop and waits for it to exit until ctx expires.
// Safe to call more than once.
func (s *DexScreenerSource) Stop(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
