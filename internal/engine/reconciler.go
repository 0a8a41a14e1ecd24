package engine

import (
	"orderflow/internal/exchange"
	"orderflow/internal/orderbook"
	"orderflow/internal/types"
)

const DefaultDepth = 20

// SnapshotListener receives every snapshot the reconciler publishes
type SnapshotListener func(snapshot types.Snapshot)

// Reconciler owns the book of the active symbol and turns diffs into depth-limited
// snapshots. It stores every level and truncates on read.
// Reconciler is not safe for concurrent use; Session serializes it.
type Reconciler struct {
	book      *orderbook.OrderBook
	depth     int
	listeners []SnapshotListener
	last      types.Snapshot
	live      bool
}

// NewReconciler creates an empty reconciler for symbol publishing depth levels per side
func NewReconciler(symbol string, depth int) *Reconciler {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Reconciler{
		book:  orderbook.New(symbol),
		depth: depth,
		last:  types.Snapshot{Symbol: symbol},
	}
}

// OnSnapshot registers l for every published snapshot
func (r *Reconciler) OnSnapshot(l SnapshotListener) {
	r.listeners = append(r.listeners, l)
}

// OnDiff applies update and publishes the resulting snapshot. A stale update
// leaves the book untouched and publishes nothing.
func (r *Reconciler) OnDiff(update *exchange.DepthUpdate) (types.Snapshot, orderbook.ApplyResult) {
	result := r.book.Apply(update)
	if !result.Applied {
		return r.last, result
	}
	r.live = true
	return r.publish(), result
}

// LoadSnapshot replaces the book with a REST snapshot and publishes it
func (r *Reconciler) LoadSnapshot(snapshot *exchange.Snapshot) types.Snapshot {
	r.book.LoadSnapshot(snapshot)
	r.live = true
	return r.publish()
}

func (r *Reconciler) publish() types.Snapshot {
	r.last = r.book.Snapshot(r.depth)
	for _, l := range r.listeners {
		l(r.last)
	}
	return r.last
}

// Reset clears both books and returns to the empty state for symbol.
// Listeners are kept.
func (r *Reconciler) Reset(symbol string) {
	r.book.Reset(symbol)
	r.last = types.Snapshot{Symbol: symbol}
	r.live = false
}

// Snapshot returns the last published snapshot
func (r *Reconciler) Snapshot() types.Snapshot {
	return r.last
}

// Live reports whether a diff or snapshot has been applied since the last Reset
func (r *Reconciler) Live() bool {
	return r.live
}

func (r *Reconciler) Stats() types.Stats {
	return r.book.GetStats()
}

func (r *Reconciler) LastUpdateID() int64 {
	return r.book.LastUpdateID()
}
