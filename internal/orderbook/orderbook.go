package orderbook

import (
	"sync"

	"orderflow/internal/exchange"
	"orderflow/internal/types"

	"github.com/shopspring/decimal"
)

var (
	band05Pct = decimal.NewFromFloat(0.005)
	band2Pct  = decimal.NewFromFloat(0.02)
	band10Pct = decimal.NewFromFloat(0.10)
)

// ApplyResult describes what happened to one depth update
type ApplyResult struct {
	Applied bool // false when the update was older than the loaded state
	Gap     bool // update ids skipped ahead of the last applied id
}

// OrderBook manages the real-time order book state of one symbol.
// Every known level is stored; depth limiting happens in Snapshot.
type OrderBook struct {
	mu           sync.RWMutex
	symbol       string
	bids         *Book
	asks         *Book
	lastUpdateID int64
	stats        types.Stats
}

// New creates a new empty OrderBook for symbol
func New(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   NewBook(types.Bid),
		asks:   NewBook(types.Ask),
		stats:  types.Stats{Symbol: symbol},
	}
}


// LoadSnapshot replaces both sides with a REST snapshot
func (ob *OrderBook) LoadSnapshot(snapshot *exchange.Snapshot) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids.Clear()
	ob.asks.Clear()

	for _, bid := range snapshot.Bids {
		ob.bids.Apply(bid.Price, bid.Quantity)
	}
	for _, ask := range snapshot.Asks {
		ob.asks.Apply(ask.Price, ask.Quantity)
	}

	ob.lastUpdateID = snapshot.LastUpdateID
	ob.stats.LastUpdateID = snapshot.LastUpdateID
	ob.updateStats()
}

// Apply applies a depth update. Each level is an absolute replacement, so order
// within a side does not matter. Updates entirely at or below the last applied id
// are skipped; a jump past lastUpdateID+1 is applied but reported as a gap.
func (ob *OrderBook) Apply(update *exchange.DepthUpdate) ApplyResult {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	var result ApplyResult

	if update.FinalUpdateID > 0 && ob.lastUpdateID > 0 {
		if update.FinalUpdateID <= ob.lastUpdateID {
			return result
		}
		if update.FirstUpdateID > ob.lastUpdateID+1 {
			result.Gap = true
			ob.stats.GapsDetected++
		}
	}

	for _, bid := range update.Bids {
		ob.bids.Apply(bid.Price, bid.Quantity)
	}
	for _, ask := range update.Asks {
		ob.asks.Apply(ask.Price, ask.Quantity)
	}

	if update.FinalUpdateID > 0 {
		ob.lastUpdateID = update.FinalUpdateID
		ob.stats.LastUpdateID = update.FinalUpdateID
	}
	ob.stats.EventsProcessed++
	if !update.EventTime.IsZero() {
		ob.stats.LastEventTime = update.EventTime
	}
	ob.updateStats()

	result.Applied = true
	return result
}

// Snapshot returns a fresh depth-limited view of both sides
func (ob *OrderBook) Snapshot(depth int) types.Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return types.Snapshot{
		Symbol: ob.symbol,
		Bids:   ob.bids.Levels(depth),
		Asks:   ob.asks.Levels(depth),
	}
}

// Reset clears both sides and the update id, and retargets the book at symbol
func (ob *OrderBook) Reset(symbol string) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.symbol = symbol
	ob.bids.Clear()
	ob.asks.Clear()
	ob.lastUpdateID = 0
	ob.stats = types.Stats{Symbol: symbol}
	ob.updateStats()
}

// GetStats returns a copy of the current statistics
func (ob *OrderBook) GetStats() types.Stats {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.stats
}

// LastUpdateID returns the id of the last applied update
func (ob *OrderBook) LastUpdateID() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdateID
}

// updateStats recalculates orderbook statistics (must be called with mutex locked)
func (ob *OrderBook) updateStats() {
	ob.stats.BidLevels = ob.bids.Len()
	ob.stats.AskLevels = ob.asks.Len()

	ob.stats.BestBid = decimal.Zero
	ob.stats.BestAsk = decimal.Zero
	if best, ok := ob.bids.Best(); ok {
		ob.stats.BestBid = best.Price
	}
	if best, ok := ob.asks.Best(); ok {
		ob.stats.BestAsk = best.Price
	}

	if !ob.stats.BestBid.IsZero() && !ob.stats.BestAsk.IsZero() && ob.stats.BestAsk.GreaterThan(ob.stats.BestBid) {
		ob.stats.Spread = ob.stats.BestAsk.Sub(ob.stats.BestBid)
	} else {
		ob.stats.Spread = decimal.Zero
	}

	ob.calculateLiquidityDepth()
}

// calculateLiquidityDepth calculates liquidity at various depth percentages (must be called with mutex locked)
func (ob *OrderBook) calculateLiquidityDepth() {
	s := &ob.stats

	totalBids := decimal.Zero
	ob.bids.Each(func(level types.PriceLevel) {
		totalBids = totalBids.Add(level.Quantity)
	})
	totalAsks := decimal.Zero
	ob.asks.Each(func(level types.PriceLevel) {
		totalAsks = totalAsks.Add(level.Quantity)
	})
	s.TotalBidsQty = totalBids
	s.TotalAsksQty = totalAsks
	s.TotalDelta = totalBids.Sub(totalAsks)

	mid := s.MidPrice()
	if mid.IsZero() {
		s.BidLiquidity05Pct, s.AskLiquidity05Pct, s.DeltaLiquidity05Pct = decimal.Zero, decimal.Zero, decimal.Zero
		s.BidLiquidity2Pct, s.AskLiquidity2Pct, s.DeltaLiquidity2Pct = decimal.Zero, decimal.Zero, decimal.Zero
		s.BidLiquidity10Pct, s.AskLiquidity10Pct, s.DeltaLiquidity10Pct = decimal.Zero, decimal.Zero, decimal.Zero
		return
	}

	minBid05, minBid2, minBid10 := mid.Sub(mid.Mul(band05Pct)), mid.Sub(mid.Mul(band2Pct)), mid.Sub(mid.Mul(band10Pct))
	maxAsk05, maxAsk2, maxAsk10 := mid.Add(mid.Mul(band05Pct)), mid.Add(mid.Mul(band2Pct)), mid.Add(mid.Mul(band10Pct))

	bid05, bid2, bid10 := decimal.Zero, decimal.Zero, decimal.Zero
	ob.bids.Each(func(level types.PriceLevel) {
		if level.Price.GreaterThanOrEqual(minBid05) {
			bid05 = bid05.Add(level.Quantity)
		}
		if level.Price.GreaterThanOrEqual(minBid2) {
			bid2 = bid2.Add(level.Quantity)
		}
		if level.Price.GreaterThanOrEqual(minBid10) {
			bid10 = bid10.Add(level.Quantity)
		}
	})

	ask05, ask2, ask10 := decimal.Zero, decimal.Zero, decimal.Zero
	ob.asks.Each(func(level types.PriceLevel) {
		if level.Price.LessThanOrEqual(maxAsk05) {
			ask05 = ask05.Add(level.Quantity)
		}
		if level.Price.LessThanOrEqual(maxAsk2) {
			ask2 = ask2.Add(level.Quantity)
		}
		if level.Price.LessThanOrEqual(maxAsk10) {
			ask10 = ask10.Add(level.Quantity)
		}
	})

	s.BidLiquidity05Pct, s.AskLiquidity05Pct = bid05, ask05
	s.BidLiquidity2Pct, s.AskLiquidity2Pct = bid2, ask2
	s.BidLiquidity10Pct, s.AskLiquidity10Pct = bid10, ask10

	// positive = more bid liquidity = bullish pressure
	s.DeltaLiquidity05Pct = bid05.Sub(ask05)
	s.DeltaLiquidity2Pct = bid2.Sub(ask2)
	s.DeltaLiquidity10Pct = bid10.Sub(ask10)
}
