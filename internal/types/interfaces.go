package types

// PriceAggregator defines the interface for price aggregation
type PriceAggregator interface {
	// SetTickLevel updates the tick level for aggregation
	SetTickLevel(tick TickLevel)

	// GetTickLevel returns the current tick level
	GetTickLevel() TickLevel

	// Apply groups both sides of a snapshot at the current tick level
	Apply(snapshot Snapshot) Snapshot
}
