package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-discovery/internal/domain"
	"solana-discovery/internal/solana"
)

// PumpFunSourceID identifies the pump.fun launch stream.
const PumpFunSourceID domain.SourceID = "pumpfun"

// DefaultPumpFunEndpoint is the pumpportal data stream.
const DefaultPumpFunEndpoint = "wss://pumpportal.fun/api/data"

// PumpFunConfig configures the pump.fun WebSocket source.
type PumpFunConfig struct {
	Endpoint string
	// Weight is the source's base credibility weight.
	Weight float64
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// VerifyBondingCurve rejects launches whose bonding curve key does
	// not match the PDA derived from the mint.
	VerifyBondingCurve bool
}

// DefaultPumpFunConfig returns the production defaults.
func DefaultPumpFunConfig() PumpFunConfig {
	return PumpFunConfig{
		Endpoint:           DefaultPumpFunEndpoint,
		Weight:             1.0,
		ReconnectDelay:     1 * time.Second,
		MaxReconnectDelay:  30 * time.Second,
		PingInterval:       30 * time.Second,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		VerifyBondingCurve: true,
	}
}

// pumpPortalNewToken is the newToken payload shape on the pumpportal stream.
type pumpPortalNewToken struct {
	Mint                  string  `json:"mint"`
	Name                  string  `json:"name"`
	Symbol                string  `json:"symbol"`
	URI                   string  `json:"uri"`
	MarketCapSol          float64 `json:"marketCapSol"`
	VSolInBondingCurve    float64 `json:"vSolInBondingCurve"`
	VTokensInBondingCurve float64 `json:"vTokensInBondingCurve"`
	BondingCurveKey       string  `json:"bondingCurveKey"`
	InitialBuy            float64 `json:"initialBuy"`
	SolAmount             float64 `json:"solAmount"`
	TraderPublicKey       string  `json:"traderPublicKey"`
	TxType                string  `json:"txType"`
	Signature             string  `json:"signature"`
}

// PumpFunSource streams token launches from the pump.fun bonding curve
// program via pumpportal and feeds them into the sink. The connection
// reconnects with exponential backoff and resubscribes on recovery.
type PumpFunSource struct {
	cfg    PumpFunConfig
	logger *zap.Logger
	sink   DiscoverySink

	conn         *websocket.Conn
	connMu       sync.Mutex
	closed       atomic.Bool
	reconnecting atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Source = (*PumpFunSource)(nil)

// NewPumpFunSource creates a pump.fun source. Zero config fields take
// defaults.
func NewPumpFunSource(cfg PumpFunConfig, logger *zap.Logger) *PumpFunSource {
	def := DefaultPumpFunConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.Weight <= 0 {
		cfg.Weight = def.Weight
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PumpFunSource{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// ID implements Source.
func (s *PumpFunSource) ID() domain.SourceID { return PumpFunSourceID }

// Name implements Source.
func (s *PumpFunSource) Name() string { return "pump.fun new token stream" }

// Weight implements Source.
func (s *PumpFunSource) Weight() float64 { return s.cfg.Weight }

// Start connects, subscribes to new token events and launches the read
// and ping loops. It returns once the stream is established.
func (s *PumpFunSource) Start(ctx context.Context, sink DiscoverySink) error {
	s.sink = sink

	if err := s.connect(ctx); err != nil {
		return err
	}
	if err := s.subscribe(); err != nil {
		s.closeConn()
		return err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	s.logger.Info("pump.fun stream connected", zap.String("endpoint", s.cfg.Endpoint))
	return nil
}

// connect establishes the WebSocket connection.
func (s *PumpFunSource) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

// subscribe requests the new token event stream.
func (s *PumpFunSource) subscribe() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(map[string]string{"method": "subscribeNewToken"}); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// readLoop reads messages and feeds discoveries into the sink.
func (s *PumpFunSource) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.cfg.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			// A failed reconnect leaves conn nil; keep retrying with
			// the current backoff until one sticks.
			if !s.reconnecting.Swap(true) {
				go s.reconnect(reconnectDelay)
				reconnectDelay = reconnectDelay * 2
				if reconnectDelay > s.cfg.MaxReconnectDelay {
					reconnectDelay = s.cfg.MaxReconnectDelay
				}
			}
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			// Connection error - attempt reconnect with exponential backoff.
			// Report once per outage, not once per retry spin.
			if !s.reconnecting.Swap(true) {
				s.sink.ReportSourceError(s.ID(), fmt.Errorf("stream read: %w", err))
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.cfg.MaxReconnectDelay {
				reconnectDelay = s.cfg.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		// Reset delay on successful read
		reconnectDelay = s.cfg.ReconnectDelay

		s.handleMessage(message)
	}
}

// reconnect attempts to reconnect and resubscribe.
func (s *PumpFunSource) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.closeConn()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		// Reconnect failed, will retry on next read error
		return
	}
	if err := s.subscribe(); err != nil {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("resubscribe: %w", err))
		return
	}

	s.logger.Info("pump.fun stream reconnected", zap.Duration("after", delay))
}

// handleMessage decodes one frame and forwards valid launches.
func (s *PumpFunSource) handleMessage(message []byte) {
	// The stream acknowledges subscriptions with a plain message frame.
	var ack struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(message, &ack); err == nil && ack.Message != "" {
		s.logger.Debug("pump.fun subscription acknowledged", zap.String("message", ack.Message))
		return
	}

	var payload pumpPortalNewToken
	if err := json.Unmarshal(message, &payload); err != nil {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("decode frame: %w", err))
		return
	}
	if payload.TxType != "" && payload.TxType != "create" {
		return
	}
	if payload.Mint == "" {
		s.sink.ReportSourceError(s.ID(), fmt.Errorf("frame missing mint: %s", truncate(message, 128)))
		return
	}

	if s.cfg.VerifyBondingCurve && payload.BondingCurveKey != "" {
		derived, err := solana.DeriveBondingCurve(payload.Mint)
		if err == nil && derived != payload.BondingCurveKey {
			s.sink.ReportSourceError(s.ID(), fmt.Errorf(
				"bonding curve mismatch for %s: stream says %s, derived %s",
				payload.Mint, payload.BondingCurveKey, derived))
			return
		}
	}

	token := &domain.DiscoveredToken{
		Mint:        payload.Mint,
		Symbol:      payload.Symbol,
		Name:        payload.Name,
		Source:      s.ID(),
		TimestampMs: time.Now().UnixMilli(),
	}
	if payload.VSolInBondingCurve > 0 {
		token.InitialLiquidity = floatPtr(payload.VSolInBondingCurve)
	}
	if payload.MarketCapSol > 0 {
		token.InitialMarketCap = floatPtr(payload.MarketCapSol)
	}

	if err := s.sink.ProcessDiscovery(context.Background(), token); err != nil {
		s.logger.Debug("discovery rejected",
			zap.String("mint", token.Mint),
			zap.Error(err))
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (s *PumpFunSource) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			s.connMu.Unlock()
		}
	}
}

func (s *PumpFunSource) closeConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

// Stop closes the stream and waits for the loops to exit until ctx
// expires. Safe to call more than once.
func (s *PumpFunSource) Stop(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

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

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func floatPtr(v float64) *float64 { return &v }
