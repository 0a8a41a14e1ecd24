package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"orderflow/internal/alert"
	"orderflow/internal/exchange"
	"orderflow/internal/instrumentation"
	"orderflow/internal/stream"
	"orderflow/internal/types"
)

type fakeStreams struct {
	mu           sync.Mutex
	handlers     map[string]stream.Handler
	unsubscribed []string
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{handlers: make(map[string]stream.Handler)}
}

func (f *fakeStreams) Subscribe(symbol string, channel exchange.Channel, h stream.Handler) func() {
	key := symbol + "@" + string(channel)
	f.mu.Lock()
	f.handlers[key] = h
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, key)
		f.unsubscribed = append(f.unsubscribed, key)
	}
}

func (f *fakeStreams) handler(t *testing.T, key string) stream.Handler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handlers[key]
	if !ok {
		t.Fatalf("no subscription for %s", key)
	}
	return h
}

func (f *fakeStreams) depth(t *testing.T, symbol string, update *exchange.DepthUpdate) {
	f.handler(t, symbol+"@depth")(exchange.Message{Channel: exchange.ChannelDepth, Depth: update})
}

func (f *fakeStreams) trade(t *testing.T, symbol, price, qty string, ms int64) {
	f.handler(t, symbol+"@trade")(exchange.Message{
		Channel: exchange.ChannelTrade,
		Trade: &exchange.TradeEvent{Symbol: symbol, Trade: types.Trade{
			Price:    d(price),
			Quantity: d(qty),
			Time:     time.UnixMilli(ms),
		}},
	})
}

type fakeSource struct {
	release  chan struct{}
	snapshot *exchange.Snapshot
	// sequence, when set, is served one entry per call before falling back to snapshot
	sequence []*exchange.Snapshot
	err      error
	calls    int
	mu       sync.Mutex
}

func (f *fakeSource) Snapshot(ctx context.Context, symbol string, limit int) (*exchange.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	snapshot := f.snapshot
	if len(f.sequence) > 0 {
		snapshot = f.sequence[0]
		f.sequence = f.sequence[1:]
	}
	f.mu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return snapshot, f.err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// flatBids returns ten bid levels 95..104 at quantity 10, with overrides
func flatBids(overrides ...string) []types.PriceLevel {
	qty := map[string]string{}
	for i := 0; i+1 < len(overrides); i += 2 {
		qty[overrides[i]] = overrides[i+1]
	}
	var out []types.PriceLevel
	for p := 95; p <= 104; p++ {
		price := decimal.NewFromInt(int64(p))
		q := "10"
		if o, ok := qty[price.String()]; ok {
			q = o
		}
		out = append(out, types.PriceLevel{Price: price, Quantity: d(q)})
	}
	return out
}

func newTestSession(cfg Config, source SnapshotSource) (*Session, *fakeStreams, *instrumentation.Metrics) {
	streams := newFakeStreams()
	metrics := instrumentation.NewMetrics(prometheus.NewRegistry())
	if cfg.Alerts.Lifetime == 0 {
		cfg.Alerts = alert.Config{Lifetime: time.Minute}
	}
	return NewSession(cfg, streams, source, metrics), streams, metrics
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionDepthAndWalls(t *testing.T) {
	s, streams, metrics := newTestSession(Config{Depth: 20}, nil)
	defer s.Close()

	if err := s.SwitchSymbol("BTCUSDT"); err != nil {
		t.Fatalf("SwitchSymbol: %v", err)
	}
	if s.Symbol() != "btcusdt" {
		t.Errorf("Symbol() = %s", s.Symbol())
	}

	streams.depth(t, "btcusdt", &exchange.DepthUpdate{Bids: flatBids(), Asks: levels("105", "1")})
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{Bids: levels("101", "40")})

	alerts := s.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %v", alerts)
	}
	a := alerts[0]
	if a.Message != "Bid Wall at 101.0000 (40)" || a.Symbol != "btcusdt" || a.Side != types.Bid || a.Kind != types.AlertWall {
		t.Errorf("alert = %+v", a)
	}
	if !a.Price.Equal(d("101")) || !a.Quantity.Equal(d("40")) {
		t.Errorf("alert price/qty = %s/%s", a.Price, a.Quantity)
	}
	if n := testutil.ToFloat64(metrics.AlertsTotal.WithLabelValues("wall", "bid")); n != 1 {
		t.Errorf("alerts metric = %v", n)
	}

	snap, ok := s.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("snapshot of active symbol not available")
	}
	if len(snap.Bids) != 10 || !snap.Bids[0].Price.Equal(d("104")) {
		t.Errorf("bids = %v", snap.Bids)
	}

	streams.depth(t, "btcusdt", &exchange.DepthUpdate{Bids: levels("101", "0")})
	alerts = s.Alerts()
	if len(alerts) != 2 || alerts[1].Message != "Bid Wall Removed at 101.0000" {
		t.Errorf("alerts after removal = %v", alerts)
	}
}

func TestSessionSwitchSymbolClearsState(t *testing.T) {
	s, streams, _ := newTestSession(Config{}, nil)
	defer s.Close()

	s.SwitchSymbol("btcusdt")
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{Bids: flatBids("101", "40")})
	streams.trade(t, "btcusdt", "100", "1", 1)
	if len(s.Alerts()) == 0 || len(s.Trades()) == 0 {
		t.Fatal("setup produced no alerts or trades")
	}

	oldDepth := streams.handler(t, "btcusdt@depth")
	oldTrade := streams.handler(t, "btcusdt@trade")

	if err := s.SwitchSymbol("ethusdt"); err != nil {
		t.Fatalf("SwitchSymbol: %v", err)
	}

	if len(s.Alerts()) != 0 || len(s.Trades()) != 0 {
		t.Errorf("alerts/trades leaked: %v %v", s.Alerts(), s.Trades())
	}
	if s.Live() {
		t.Error("book should be empty after switch")
	}
	if _, ok := s.Snapshot("btcusdt"); ok {
		t.Error("old symbol snapshot still served")
	}

	// in-flight delivery for the old symbol
	oldDepth(exchange.Message{Channel: exchange.ChannelDepth, Depth: &exchange.DepthUpdate{Bids: flatBids("100", "50")}})
	oldTrade(exchange.Message{Channel: exchange.ChannelTrade, Trade: &exchange.TradeEvent{Trade: types.Trade{Price: d("1"), Quantity: d("1")}}})

	snap, ok := s.Snapshot("ethusdt")
	if !ok || len(snap.Bids) != 0 {
		t.Errorf("new symbol mutated by old delivery: %+v", snap)
	}
	if len(s.Alerts()) != 0 || len(s.Trades()) != 0 {
		t.Error("old delivery produced alerts or trades")
	}

	streams.mu.Lock()
	unsubscribed := append([]string(nil), streams.unsubscribed...)
	streams.mu.Unlock()
	if len(unsubscribed) != 2 {
		t.Errorf("unsubscribed = %v", unsubscribed)
	}

	// switching back resubscribes and does not see the earlier state
	s.SwitchSymbol("btcusdt")
	oldDepth(exchange.Message{Channel: exchange.ChannelDepth, Depth: &exchange.DepthUpdate{Bids: levels("1", "1")}})
	if s.Live() {
		t.Error("stale handler from an earlier subscription mutated the book")
	}
}

func TestSessionSwitchSymbolValidation(t *testing.T) {
	s, _, _ := newTestSession(Config{}, nil)
	defer s.Close()

	if err := s.SwitchSymbol("  "); !errors.Is(err, ErrEmptySymbol) {
		t.Errorf("err = %v, want ErrEmptySymbol", err)
	}
}

func TestSessionSwitchToActiveSymbolIsNoop(t *testing.T) {
	s, streams, _ := newTestSession(Config{}, nil)
	defer s.Close()

	s.SwitchSymbol("btcusdt")
	streams.trade(t, "btcusdt", "100", "1", 1)
	s.SwitchSymbol("BTCUSDT")

	if len(s.Trades()) != 1 {
		t.Errorf("trades cleared by switching to the active symbol")
	}
}

func TestSessionTrades(t *testing.T) {
	s, streams, _ := newTestSession(Config{}, nil)
	defer s.Close()

	if _, ok := s.LastPrice(); ok {
		t.Error("LastPrice before any trade should report false")
	}

	s.SwitchSymbol("btcusdt")
	streams.trade(t, "btcusdt", "100", "1", 1)
	streams.trade(t, "btcusdt", "100", "2", 2)
	streams.trade(t, "btcusdt", "101", "1", 3)

	got := s.Trades()
	if len(got) != 2 || !got[0].Quantity.Equal(d("3")) || got[0].Time.UnixMilli() != 2 {
		t.Errorf("trades = %+v", got)
	}
	if price, ok := s.LastPrice(); !ok || !price.Equal(d("101")) {
		t.Errorf("LastPrice = %s, %v", price, ok)
	}
}

func TestSessionGapCountedWithoutResync(t *testing.T) {
	source := &fakeSource{}
	s, streams, metrics := newTestSession(Config{}, source)
	defer s.Close()

	s.SwitchSymbol("btcusdt")
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 1, FinalUpdateID: 5, Bids: levels("100", "1")})
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 9, FinalUpdateID: 12, Bids: levels("100", "2")})

	if s.Stats().GapsDetected != 1 || testutil.ToFloat64(metrics.GapsTotal) != 1 {
		t.Errorf("gap not counted: %+v", s.Stats())
	}
	if source.calls != 0 {
		t.Error("snapshot fetched although resync is disabled")
	}
}

func TestSessionResyncOnGap(t *testing.T) {
	source := &fakeSource{
		release: make(chan struct{}),
		snapshot: &exchange.Snapshot{
			LastUpdateID: 200,
			Bids:         levels("100", "7", "99", "3"),
			Asks:         levels("101", "4"),
		},
	}
	s, streams, _ := newTestSession(Config{ResyncOnGap: true}, source)
	defer s.Close()

	s.SwitchSymbol("btcusdt")
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 1, FinalUpdateID: 5, Bids: levels("100", "1")})
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 10, FinalUpdateID: 12, Bids: levels("50", "1")})

	// buffered while the snapshot is in flight
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 150, FinalUpdateID: 190, Bids: levels("100", "99")})
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 195, FinalUpdateID: 205, Asks: levels("102", "2")})
	if s.Stats().LastUpdateID != 12 {
		t.Fatalf("updates applied during resync: %+v", s.Stats())
	}

	close(source.release)
	waitFor(t, func() bool { return s.Stats().LastUpdateID == 205 })

	snap, _ := s.Snapshot("btcusdt")
	if len(snap.Bids) != 2 || !snap.Bids[0].Quantity.Equal(d("7")) {
		t.Errorf("bids = %v", snap.Bids)
	}
	if len(snap.Asks) != 2 {
		t.Errorf("asks = %v", snap.Asks)
	}
}

func TestSessionResyncAgainWhenSnapshotIsBehind(t *testing.T) {
	source := &fakeSource{
		release: make(chan struct{}),
		sequence: []*exchange.Snapshot{
			{LastUpdateID: 10, Bids: levels("100", "1")},
			{LastUpdateID: 70, Bids: levels("100", "5")},
		},
	}
	s, streams, metrics := newTestSession(Config{ResyncOnGap: true}, source)
	defer s.Close()

	s.SwitchSymbol("btcusdt")
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 1, FinalUpdateID: 5, Bids: levels("100", "1")})
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 8, FinalUpdateID: 9, Bids: levels("100", "2")})

	// buffered: both are newer than the first snapshot, the first leaves a hole after it
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 50, FinalUpdateID: 60, Bids: levels("100", "3")})
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 61, FinalUpdateID: 65, Bids: levels("100", "4")})

	source.release <- struct{}{}
	waitFor(t, func() bool { return source.callCount() == 2 })

	// arrives while the second resync is in flight
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{FirstUpdateID: 66, FinalUpdateID: 75, Asks: levels("101", "1")})
	if got := s.Stats().LastUpdateID; got != 60 {
		t.Fatalf("LastUpdateID = %d, want replay to stop at the gap (60)", got)
	}

	source.release <- struct{}{}
	waitFor(t, func() bool { return s.Stats().LastUpdateID == 75 })

	stats := s.Stats()
	if stats.GapsDetected != 2 {
		t.Errorf("GapsDetected = %d, want 2", stats.GapsDetected)
	}
	if got := testutil.ToFloat64(metrics.GapsTotal); got != float64(stats.GapsDetected) {
		t.Errorf("gap metric = %v, stats = %d", got, stats.GapsDetected)
	}
	if source.callCount() != 2 {
		t.Errorf("snapshot calls = %d, want 2", source.callCount())
	}

	snap, _ := s.Snapshot("btcusdt")
	if len(snap.Bids) != 1 || !snap.Bids[0].Quantity.Equal(d("5")) || len(snap.Asks) != 1 {
		t.Errorf("book = %+v", snap)
	}
}

func TestSessionSnapshotOnStartFailure(t *testing.T) {
	source := &fakeSource{release: make(chan struct{}), err: errors.New("rate limited")}
	s, streams, _ := newTestSession(Config{SnapshotOnStart: true}, source)
	defer s.Close()

	s.SwitchSymbol("btcusdt")
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{Bids: levels("100", "1")})
	if s.Live() {
		t.Fatal("diff applied before the snapshot attempt finished")
	}

	close(source.release)
	waitFor(t, s.Live)

	snap, _ := s.Snapshot("btcusdt")
	if len(snap.Bids) != 1 {
		t.Errorf("buffered diff not replayed: %v", snap.Bids)
	}
}

func TestSessionClose(t *testing.T) {
	s, streams, _ := newTestSession(Config{}, nil)

	s.SwitchSymbol("btcusdt")
	depth := streams.handler(t, "btcusdt@depth")
	streams.depth(t, "btcusdt", &exchange.DepthUpdate{Bids: flatBids("101", "40")})

	s.Close()
	s.Close()

	if len(s.Alerts()) != 0 {
		t.Error("Close should clear alerts")
	}
	streams.mu.Lock()
	remaining := len(streams.handlers)
	streams.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d subscriptions left open", remaining)
	}

	depth(exchange.Message{Channel: exchange.ChannelDepth, Depth: &exchange.DepthUpdate{Bids: flatBids("100", "50")}})
	if len(s.Alerts()) != 0 {
		t.Error("delivery after Close produced alerts")
	}
	if err := s.SwitchSymbol("ethusdt"); err == nil {
		t.Error("SwitchSymbol after Close should fail")
	}
}
