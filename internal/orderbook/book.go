package orderbook

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"orderflow/internal/types"
)

// Book is one side of an order book: an ordered price -> quantity map.
// Prices are compared numerically, so "100" and "100.00" address the same level.
// Book is not safe for concurrent use.
type Book struct {
	side   types.Side
	levels *treemap.Map
}

func priceComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// NewBook creates an empty book for side
func NewBook(side types.Side) *Book {
	return &Book{
		side:   side,
		levels: treemap.NewWith(priceComparator),
	}
}

// Apply upserts price with quantity, or removes it when quantity is zero.
// Removing an absent price is a no-op. It reports whether the book changed.
func (b *Book) Apply(price, quantity decimal.Decimal) bool {
	if quantity.IsZero() {
		if _, found := b.levels.Get(price); !found {
			return false
		}
		b.levels.Remove(price)
		return true
	}
	b.levels.Put(price, quantity)
	return true
}

// Best returns the highest bid or the lowest ask
func (b *Book) Best() (types.PriceLevel, bool) {
	if b.levels.Empty() {
		return types.PriceLevel{}, false
	}
	var k, v interface{}
	if b.side == types.Bid {
		k, v = b.levels.Max()
	} else {
		k, v = b.levels.Min()
	}
	return types.PriceLevel{Price: k.(decimal.Decimal), Quantity: v.(decimal.Decimal)}, true
}

// Levels returns up to depth levels from the top of the book: bids by price
// descending, asks ascending. depth <= 0 returns every level.
func (b *Book) Levels(depth int) []types.PriceLevel {
	n := b.levels.Size()
	if depth > 0 && depth < n {
		n = depth
	}

	out := make([]types.PriceLevel, 0, n)
	it := b.levels.Iterator()

	next := it.Next
	if b.side == types.Bid {
		it.End()
		next = it.Prev
	}

	for len(out) < n && next() {
		out = append(out, types.PriceLevel{
			Price:    it.Key().(decimal.Decimal),
			Quantity: it.Value().(decimal.Decimal),
		})
	}
	return out
}

// Each calls fn for every level in ascending price order
func (b *Book) Each(fn func(level types.PriceLevel)) {
	it := b.levels.Iterator()
	for it.Next() {
		fn(types.PriceLevel{Price: it.Key().(decimal.Decimal), Quantity: it.Value().(decimal.Decimal)})
	}
}

// Len returns the number of stored levels
func (b *Book) Len() int {
	return b.levels.Size()
}

// Clear removes every level
func (b *Book) Clear() {
	b.levels.Clear()
}
