package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"solana-discovery/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// recordingSink captures everything a source feeds it.
type recordingSink struct {
	tokens chan *domain.DiscoveredToken
	errs   chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		tokens: make(chan *domain.DiscoveredToken, 16),
		errs:   make(chan error, 16),
	}
}

func (s *recordingSink) ProcessDiscovery(_ context.Context, token *domain.DiscoveredToken) error {
	s.tokens <- token
	return nil
}

func (s *recordingSink) ReportSourceError(_ domain.SourceID, err error) {
	s.errs <- err
}

// newTokenServer upgrades, verifies the subscribe request, acknowledges it
// and then streams the given frames.
func newTokenServer(t *testing.T, frames ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Read subscribe request
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]string
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		if req["method"] != "subscribeNewToken" {
			t.Errorf("expected subscribeNewToken, got %s", req["method"])
		}

		if err := conn.WriteJSON(map[string]string{"message": "Successfully subscribed to token creation events."}); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}

		// Keep connection open
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestPumpFunSource_StartAndReceive(t *testing.T) {
	frame := `{"signature":"sig1","mint":"CRKz4eYnALe6h4LDZwm5ZiD7cAchCb5NHQTUm9cNSaDu","traderPublicKey":"trader","txType":"create","initialBuy":60735849.05,"solAmount":1.7,"vTokensInBondingCurve":1012264150.94,"vSolInBondingCurve":31.8,"marketCapSol":31.41,"name":"Test Token","symbol":"TEST","uri":"https://example.test/meta.json"}`

	server := newTokenServer(t, frame)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	src := NewPumpFunSource(PumpFunConfig{Endpoint: wsURL}, zap.NewNop())
	sink := newRecordingSink()

	ctx := context.Background()
	if err := src.Start(ctx, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop(ctx)

	select {
	case token := <-sink.tokens:
		if token.Mint != "CRKz4eYnALe6h4LDZwm5ZiD7cAchCb5NHQTUm9cNSaDu" {
			t.Errorf("Mint mismatch: got %s", token.Mint)
		}
		if token.Symbol != "TEST" {
			t.Errorf("Symbol mismatch: got %s", token.Symbol)
		}
		if token.Name != "Test Token" {
			t.Errorf("Name mismatch: got %s", token.Name)
		}
		if token.Source != PumpFunSourceID {
			t.Errorf("Source mismatch: got %s", token.Source)
		}
		if token.InitialLiquidity == nil || *token.InitialLiquidity != 31.8 {
			t.Errorf("InitialLiquidity mismatch: got %v", token.InitialLiquidity)
		}
		if token.InitialMarketCap == nil || *token.InitialMarketCap != 31.41 {
			t.Errorf("InitialMarketCap mismatch: got %v", token.InitialMarketCap)
		}
		if token.TimestampMs == 0 {
			t.Error("TimestampMs not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for discovery")
	}
}

func TestPumpFunSource_IgnoresNonCreate(t *testing.T) {
	src := NewPumpFunSource(PumpFunConfig{}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	buy := `{"signature":"sig2","mint":"CcnpRLK4pnA35KjAd2aGZr4GAat16h8oTTKQq9pSZgfe","txType":"buy","solAmount":0.5}`
	src.handleMessage([]byte(buy))

	if len(sink.tokens) != 0 {
		t.Errorf("buy frame should not produce a discovery, got %d", len(sink.tokens))
	}

	create := `{"signature":"sig3","mint":"CcnpRLK4pnA35KjAd2aGZr4GAat16h8oTTKQq9pSZgfe","txType":"create","symbol":"OK"}`
	src.handleMessage([]byte(create))

	if len(sink.tokens) != 1 {
		t.Fatalf("create frame should produce a discovery, got %d", len(sink.tokens))
	}
	token := <-sink.tokens
	if token.Symbol != "OK" {
		t.Errorf("Symbol mismatch: got %s", token.Symbol)
	}
}

func TestPumpFunSource_AckFrameIgnored(t *testing.T) {
	src := NewPumpFunSource(PumpFunConfig{}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	src.handleMessage([]byte(`{"message":"Successfully subscribed to token creation events."}`))

	if len(sink.tokens) != 0 {
		t.Errorf("ack frame should not produce a discovery, got %d", len(sink.tokens))
	}
	if len(sink.errs) != 0 {
		t.Errorf("ack frame should not report an error, got %d", len(sink.errs))
	}
}

func TestPumpFunSource_BadFrameReported(t *testing.T) {
	src := NewPumpFunSource(PumpFunConfig{}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	src.handleMessage([]byte("not json"))
	if len(sink.errs) != 1 {
		t.Fatalf("expected 1 decode error, got %d", len(sink.errs))
	}
	<-sink.errs

	// Create frame without a mint
	src.handleMessage([]byte(`{"txType":"create","symbol":"X"}`))
	if len(sink.errs) != 1 {
		t.Errorf("expected 1 missing-mint error, got %d", len(sink.errs))
	}
	if len(sink.tokens) != 0 {
		t.Errorf("bad frames should not produce discoveries, got %d", len(sink.tokens))
	}
}

func TestPumpFunSource_BondingCurveVerification(t *testing.T) {
	src := NewPumpFunSource(PumpFunConfig{VerifyBondingCurve: true}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	// The matching key is the bonding curve PDA for this mint.
	matching := `{"txType":"create","mint":"4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw","bondingCurveKey":"HycbmCe1QKCrobbdjZf7NGicxYPV6NRCQZYwGJv8u54d","symbol":"GOOD"}`
	src.handleMessage([]byte(matching))

	if len(sink.tokens) != 1 {
		t.Fatalf("matching bonding curve should pass, got %d tokens", len(sink.tokens))
	}
	<-sink.tokens

	mismatched := `{"txType":"create","mint":"4wBqpZM9xaSheZzJSMawUKKwhdpChKbZ5eu5ky4Vigw","bondingCurveKey":"EPVdMtQvCPP7PpF3daxVJUUZBCH5iaXmF9WGyyXD3qon","symbol":"BAD"}`
	src.handleMessage([]byte(mismatched))

	if len(sink.tokens) != 0 {
		t.Errorf("mismatched bonding curve should be rejected, got %d tokens", len(sink.tokens))
	}
	if len(sink.errs) != 1 {
		t.Errorf("expected 1 mismatch error, got %d", len(sink.errs))
	}
}

func TestPumpFunSource_StopIdempotent(t *testing.T) {
	server := newTokenServer(t)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	src := NewPumpFunSource(PumpFunConfig{Endpoint: wsURL}, zap.NewNop())
	sink := newRecordingSink()

	ctx := context.Background()
	if err := src.Start(ctx, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := src.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}

	// Double stop should be safe
	if err := src.Stop(ctx); err != nil {
		t.Errorf("double Stop: %v", err)
	}
}

func TestPumpFunSource_Defaults(t *testing.T) {
	src := NewPumpFunSource(PumpFunConfig{}, nil)

	if src.cfg.Endpoint != DefaultPumpFunEndpoint {
		t.Errorf("expected default endpoint, got %s", src.cfg.Endpoint)
	}
	if src.cfg.Weight != 1.0 {
		t.Errorf("expected weight 1.0, got %v", src.cfg.Weight)
	}
	if src.cfg.PingInterval != 30*time.Second {
		t.Errorf("expected PingInterval 30s, got %v", src.cfg.PingInterval)
	}
	if src.ID() != PumpFunSourceID {
		t.Errorf("ID mismatch: got %s", src.ID())
	}
	if src.Weight() != 1.0 {
		t.Errorf("Weight mismatch: got %v", src.Weight())
	}
	if src.Name() == "" {
		t.Error("Name should not be empty")
	}
}
