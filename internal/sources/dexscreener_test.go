package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"solana-discovery/internal/domain"
)

// failingSink rejects every discovery and counts the attempts.
type failingSink struct {
	calls atomic.Int32
}

func (s *failingSink) ProcessDiscovery(context.Context, *domain.DiscoveredToken) error {
	s.calls.Add(1)
	return errors.New("rejected")
}

func (s *failingSink) ReportSourceError(domain.SourceID, error) {}

func profilesServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
}

func TestDexScreenerSource_PollFiltersAndReports(t *testing.T) {
	body := `[
		{"url":"https://dexscreener.com/solana/m1","chainId":"solana","tokenAddress":"m1"},
		{"url":"https://dexscreener.com/ethereum/0xabc","chainId":"ethereum","tokenAddress":"0xabc"},
		{"url":"https://dexscreener.com/solana/m2","chainId":"solana","tokenAddress":"m2"},
		{"url":"https://dexscreener.com/solana/none","chainId":"solana","tokenAddress":""}
	]`
	server := profilesServer(body)
	defer server.Close()

	src := NewDexScreenerSource(DexScreenerConfig{Endpoint: server.URL}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	src.poll(context.Background())

	if len(sink.tokens) != 2 {
		t.Fatalf("Expected 2 solana mints, got %d", len(sink.tokens))
	}
	first := <-sink.tokens
	if first.Mint != "m1" {
		t.Errorf("First mint should be m1, got %s", first.Mint)
	}
	if first.Source != DexScreenerSourceID {
		t.Errorf("Source mismatch: got %s", first.Source)
	}
	if first.TimestampMs == 0 {
		t.Error("TimestampMs not set")
	}
	second := <-sink.tokens
	if second.Mint != "m2" {
		t.Errorf("Second mint should be m2, got %s", second.Mint)
	}
}

func TestDexScreenerSource_DedupAcrossPolls(t *testing.T) {
	var page atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if page.Load() == 0 {
			w.Write([]byte(`[
				{"chainId":"solana","tokenAddress":"m1"},
				{"chainId":"solana","tokenAddress":"m2"}
			]`))
			return
		}
		// m2 lingers on the listing, m3 is new
		w.Write([]byte(`[
			{"chainId":"solana","tokenAddress":"m2"},
			{"chainId":"solana","tokenAddress":"m3"}
		]`))
	}))
	defer server.Close()

	src := NewDexScreenerSource(DexScreenerConfig{Endpoint: server.URL}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	ctx := context.Background()

	src.poll(ctx)
	if len(sink.tokens) != 2 {
		t.Fatalf("First poll should report 2 mints, got %d", len(sink.tokens))
	}
	<-sink.tokens
	<-sink.tokens

	page.Store(1)
	src.poll(ctx)
	if len(sink.tokens) != 1 {
		t.Fatalf("Second poll should report only the new mint, got %d", len(sink.tokens))
	}
	token := <-sink.tokens
	if token.Mint != "m3" {
		t.Errorf("Expected m3, got %s", token.Mint)
	}

	// m1 dropped off the listing on page 2, so a third poll of page 1
	// reports it as new again.
	page.Store(0)
	src.poll(ctx)
	if len(sink.tokens) != 1 {
		t.Fatalf("Third poll should re-report the dropped mint, got %d", len(sink.tokens))
	}
	token = <-sink.tokens
	if token.Mint != "m1" {
		t.Errorf("Expected m1, got %s", token.Mint)
	}
}

func TestDexScreenerSource_ErrorStatusReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	src := NewDexScreenerSource(DexScreenerConfig{Endpoint: server.URL}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	src.poll(context.Background())

	if len(sink.errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(sink.errs))
	}
	if len(sink.tokens) != 0 {
		t.Errorf("Failed poll should not report mints, got %d", len(sink.tokens))
	}
}

func TestDexScreenerSource_BadBodyReported(t *testing.T) {
	server := profilesServer(`<html>rate limited</html>`)
	defer server.Close()

	src := NewDexScreenerSource(DexScreenerConfig{Endpoint: server.URL}, zap.NewNop())
	sink := newRecordingSink()
	src.sink = sink

	src.poll(context.Background())

	if len(sink.errs) != 1 {
		t.Errorf("Expected 1 decode error, got %d", len(sink.errs))
	}
}

func TestDexScreenerSource_RejectedMintNotRetried(t *testing.T) {
	server := profilesServer(`[{"chainId":"solana","tokenAddress":"m1"}]`)
	defer server.Close()

	src := NewDexScreenerSource(DexScreenerConfig{Endpoint: server.URL}, zap.NewNop())
	sink := &failingSink{}
	src.sink = sink

	ctx := context.Background()

	// The sink rejects the mint; the listing entry still counts as seen.
	src.poll(ctx)
	if got := sink.calls.Load(); got != 1 {
		t.Fatalf("Expected 1 delivery attempt, got %d", got)
	}

	src.poll(ctx)
	if got := sink.calls.Load(); got != 1 {
		t.Errorf("Rejected mint should not be retried, got %d attempts", got)
	}
}

func TestDexScreenerSource_StartStop(t *testing.T) {
	server := profilesServer(`[{"chainId":"solana","tokenAddress":"m1"}]`)
	defer server.Close()

	src := NewDexScreenerSource(DexScreenerConfig{
		Endpoint:     server.URL,
		PollInterval: 50 * time.Millisecond,
	}, zap.NewNop())
	sink := newRecordingSink()

	ctx := context.Background()
	if err := src.Start(ctx, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The loop polls once immediately
	select {
	case token := <-sink.tokens:
		if token.Mint != "m1" {
			t.Errorf("Expected m1, got %s", token.Mint)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial poll")
	}

	if err := src.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}

	// Double stop should be safe
	if err := src.Stop(ctx); err != nil {
		t.Errorf("double Stop: %v", err)
	}
}

func TestDexScreenerSource_JitteredInterval(t *testing.T) {
	src := NewDexScreenerSource(DexScreenerConfig{PollInterval: 100 * time.Millisecond}, zap.NewNop())

	for i := 0; i < 100; i++ {
		d := src.jitteredInterval()
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("Jittered interval out of bounds: %v", d)
		}
	}
}

func TestDexScreenerSource_Defaults(t *testing.T) {
	src := NewDexScreenerSource(DexScreenerConfig{}, nil)

	if src.cfg.Endpoint != DefaultDexScreenerEndpoint {
		t.Errorf("expected default endpoint, got %s", src.cfg.Endpoint)
	}
	if src.cfg.ChainID != "solana" {
		t.Errorf("expected solana chain, got %s", src.cfg.ChainID)
	}
	if src.cfg.Weight != 1.5 {
		t.Errorf("expected weight 1.5, got %v", src.cfg.Weight)
	}
	if src.ID() != DexScreenerSourceID {
		t.Errorf("ID mismatch: got %s", src.ID())
	}
	if src.Name() == "" {
		t.Error("Name should not be empty")
	}
}
