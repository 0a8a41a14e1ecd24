package trades

import (
	"sync"

	"orderflow/internal/types"
)

const DefaultCapacity = 200

// Aggregator keeps the most recent trades, merging consecutive prints at one price
type Aggregator struct {
	mu       sync.RWMutex
	capacity int
	trades   []types.Trade
}

// NewAggregator creates an aggregator retaining at most capacity entries
func NewAggregator(capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		capacity: capacity,
		trades:   make([]types.Trade, 0, capacity),
	}
}

// Add records trade. When the newest retained entry has the same price, the two are
// merged: quantities summed, time and side taken from trade.
func (a *Aggregator) Add(trade types.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.trades); n > 0 && a.trades[n-1].Price.Equal(trade.Price) {
		last := &a.trades[n-1]
		last.Quantity = last.Quantity.Add(trade.Quantity)
		last.Time = trade.Time
		last.IsBuyerMaker = trade.IsBuyerMaker
		return
	}

	if len(a.trades) == a.capacity {
		copy(a.trades, a.trades[1:])
		a.trades = a.trades[:len(a.trades)-1]
	}
	a.trades = append(a.trades, trade)
}

// List returns a copy of the retained trades, oldest first
func (a *Aggregator) List() []types.Trade {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.Trade, len(a.trades))
	copy(out, a.trades)
	return out
}

// Last returns the newest retained entry
func (a *Aggregator) Last() (types.Trade, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.trades) == 0 {
		return types.Trade{}, false
	}
	return a.trades[len(a.trades)-1], true
}

func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.trades)
}

// Clear drops every retained trade
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trades = a.trades[:0]
}
