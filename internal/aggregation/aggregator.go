package aggregation

import (
	"sync"

	"github.com/shopspring/decimal"

	"orderflow/internal/types"
)

// Aggregator groups sorted price levels into tick-sized buckets for display
type Aggregator struct {
	mu          sync.RWMutex
	currentTick types.TickLevel
}

var _ types.PriceAggregator = (*Aggregator)(nil)

// New creates a new Aggregator instance
func New(tick types.TickLevel) *Aggregator {
	return &Aggregator{
		currentTick: tick,
	}
}

// SetTickLevel updates the tick level for aggregation
func (a *Aggregator) SetTickLevel(tick types.TickLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentTick = tick
}

// GetTickLevel returns the current tick level
func (a *Aggregator) GetTickLevel() types.TickLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTick
}

// Apply groups both sides of snapshot at the current tick. The result keeps the
// snapshot's ordering; TickNone returns the snapshot unchanged.
func (a *Aggregator) Apply(snapshot types.Snapshot) types.Snapshot {
	tick := a.GetTickLevel()
	if tick == types.TickNone {
		return snapshot
	}

	tickSize := decimal.NewFromFloat(float64(tick))
	return types.Snapshot{
		Symbol: snapshot.Symbol,
		Bids:   group(snapshot.Bids, func(p decimal.Decimal) decimal.Decimal { return roundToTickBid(p, tickSize) }),
		Asks:   group(snapshot.Asks, func(p decimal.Decimal) decimal.Decimal { return roundToTickAsk(p, tickSize) }),
	}
}

// group merges adjacent levels that round to the same bucket. Rounding is monotonic,
// so sorted input yields sorted output.
func group(levels []types.PriceLevel, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	aggregated := make([]types.PriceLevel, 0, len(levels))

	for _, level := range levels {
		roundedPrice := round(level.Price)

		if n := len(aggregated); n > 0 && aggregated[n-1].Price.Equal(roundedPrice) {
			aggregated[n-1].Quantity = aggregated[n-1].Quantity.Add(level.Quantity)
			continue
		}
		aggregated = append(aggregated, types.PriceLevel{
			Price:    roundedPrice,
			Quantity: level.Quantity,
		})
	}

	return aggregated
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func roundToTickBid(price, tickSize decimal.Decimal) decimal.Decimal {
	return price.Div(tickSize).Floor().Mul(tickSize)
}

// roundToTickAsk rounds an ask price UP to maintain proper spread
func roundToTickAsk(price, tickSize decimal.Decimal) decimal.Decimal {
	return price.Div(tickSize).Ceil().Mul(tickSize)
}

// Cumulative returns the running quantity total at each level
func Cumulative(levels []types.PriceLevel) []decimal.Decimal {
	out := make([]decimal.Decimal, len(levels))
	total := decimal.Zero
	for i, level := range levels {
		total = total.Add(level.Quantity)
		out[i] = total
	}
	return out
}
