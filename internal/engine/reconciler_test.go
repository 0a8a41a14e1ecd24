package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"orderflow/internal/exchange"
	"orderflow/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func levels(pairs ...string) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, types.PriceLevel{Price: d(pairs[i]), Quantity: d(pairs[i+1])})
	}
	return out
}

func TestReconcilerPublishesDepthLimitedSnapshots(t *testing.T) {
	r := NewReconciler("btcusdt", 2)

	var published []types.Snapshot
	r.OnSnapshot(func(s types.Snapshot) { published = append(published, s) })

	if r.Live() {
		t.Fatal("new reconciler should be empty")
	}

	snap, res := r.OnDiff(&exchange.DepthUpdate{
		Bids: levels("100", "1", "101", "2", "99", "3"),
		Asks: levels("103", "1", "102", "2", "104", "3"),
	})
	if !res.Applied || !r.Live() {
		t.Fatalf("first diff not applied: %+v", res)
	}
	if len(published) != 1 {
		t.Fatalf("published %d snapshots, want 1", len(published))
	}
	if len(snap.Bids) != 2 || !snap.Bids[0].Price.Equal(d("101")) || !snap.Bids[1].Price.Equal(d("100")) {
		t.Errorf("bids = %v", snap.Bids)
	}
	if len(snap.Asks) != 2 || !snap.Asks[0].Price.Equal(d("102")) || !snap.Asks[1].Price.Equal(d("103")) {
		t.Errorf("asks = %v", snap.Asks)
	}

	// a level outside the visible depth is still tracked
	snap, _ = r.OnDiff(&exchange.DepthUpdate{Bids: levels("101", "0")})
	if len(snap.Bids) != 2 || !snap.Bids[1].Price.Equal(d("99")) {
		t.Errorf("bids after removal = %v", snap.Bids)
	}
	if r.Stats().BidLevels != 2 {
		t.Errorf("stored bid levels = %d", r.Stats().BidLevels)
	}
}

func TestReconcilerStaleDiffNotPublished(t *testing.T) {
	r := NewReconciler("btcusdt", 10)
	count := 0
	r.OnSnapshot(func(types.Snapshot) { count++ })

	r.OnDiff(&exchange.DepthUpdate{FirstUpdateID: 1, FinalUpdateID: 10, Bids: levels("100", "1")})
	snap, res := r.OnDiff(&exchange.DepthUpdate{FirstUpdateID: 5, FinalUpdateID: 9, Bids: levels("100", "5")})

	if res.Applied || count != 1 {
		t.Errorf("stale diff: applied=%v published=%d", res.Applied, count)
	}
	if !snap.Bids[0].Quantity.Equal(d("1")) {
		t.Errorf("cached snapshot changed: %v", snap.Bids)
	}
}

func TestReconcilerReset(t *testing.T) {
	r := NewReconciler("btcusdt", 10)
	count := 0
	r.OnSnapshot(func(types.Snapshot) { count++ })

	r.OnDiff(&exchange.DepthUpdate{Bids: levels("100", "1")})
	r.Reset("ethusdt")

	if r.Live() {
		t.Error("Reset should return to empty")
	}
	snap := r.Snapshot()
	if snap.Symbol != "ethusdt" || len(snap.Bids) != 0 {
		t.Errorf("snapshot after Reset = %+v", snap)
	}

	r.OnDiff(&exchange.DepthUpdate{Asks: levels("200", "1")})
	if count != 2 {
		t.Errorf("listener called %d times, want 2", count)
	}
	if got := r.Snapshot(); got.Symbol != "ethusdt" || len(got.Bids) != 0 || len(got.Asks) != 1 {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestReconcilerLoadSnapshot(t *testing.T) {
	r := NewReconciler("btcusdt", 10)
	snap := r.LoadSnapshot(&exchange.Snapshot{
		LastUpdateID: 50,
		Bids:         levels("100", "1"),
		Asks:         levels("101", "1"),
	})

	if !r.Live() || r.LastUpdateID() != 50 {
		t.Errorf("live=%v lastUpdateID=%d", r.Live(), r.LastUpdateID())
	}
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}
