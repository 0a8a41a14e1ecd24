package wall

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"orderflow/internal/types"
)

const priceKeyPlaces = 4

var (
	DefaultThresholdMultiplier = decimal.NewFromInt(3)
	DefaultGrowthMultiplier    = decimal.NewFromInt(3)
)

// Config holds the detection multipliers
type Config struct {
	// ThresholdMultiplier scales the side's average quantity into the wall threshold
	ThresholdMultiplier decimal.Decimal
	// GrowthMultiplier is how many times its previous quantity a level must reach
	GrowthMultiplier decimal.Decimal
}

// Event is one wall transition on one side
type Event struct {
	Kind     types.AlertKind
	Side     types.Side
	Price    string // normalized to four decimal places
	Quantity decimal.Decimal
}

// Message renders the event as alert text, e.g. "Bid Wall at 101.0000 (40)"
func (e Event) Message() string {
	if e.Kind == types.AlertRemove {
		return fmt.Sprintf("%s Wall Removed at %s", e.Side.Title(), e.Price)
	}
	return fmt.Sprintf("%s Wall at %s (%s)", e.Side.Title(), e.Price, ShortQuantity(e.Quantity))
}

// Detector classifies levels of successive snapshots as new or removed walls.
// Memory holds the quantities of the previously observed snapshot, per side.
// Detector is not safe for concurrent use.
type Detector struct {
	threshold decimal.Decimal
	growth    decimal.Decimal
	memory    map[types.Side]map[string]decimal.Decimal
}

// NewDetector creates a detector with empty memory
func NewDetector(cfg Config) *Detector {
	if !cfg.ThresholdMultiplier.IsPositive() {
		cfg.ThresholdMultiplier = DefaultThresholdMultiplier
	}
	if !cfg.GrowthMultiplier.IsPositive() {
		cfg.GrowthMultiplier = DefaultGrowthMultiplier
	}

	d := &Detector{
		threshold: cfg.ThresholdMultiplier,
		growth:    cfg.GrowthMultiplier,
	}
	d.Reset()
	return d
}

// Observe compares both sides of snapshot with memory and returns the transitions,
// bids first. Memory is then replaced with the snapshot's levels.
func (d *Detector) Observe(snapshot types.Snapshot) []Event {
	var events []Event
	for _, side := range []types.Side{types.Bid, types.Ask} {
		events = append(events, d.observeSide(side, snapshot.Levels(side))...)
	}
	return events
}

// observeSide compares one side with its memory. An empty side yields nothing and
// leaves the memory as it was.
func (d *Detector) observeSide(side types.Side, levels []types.PriceLevel) []Event {
	if len(levels) == 0 {
		return nil
	}
	previous := d.memory[side]
	current := make(map[string]decimal.Decimal, len(levels))
	threshold := Average(levels).Mul(d.threshold)

	var events []Event
	for _, level := range levels {
		key := level.Price.StringFixed(priceKeyPlaces)
		prev := previous[key] // zero when unseen
		current[key] = level.Quantity

		if level.Quantity.GreaterThan(threshold) && level.Quantity.GreaterThan(prev.Mul(d.growth)) {
			events = append(events, Event{Kind: types.AlertWall, Side: side, Price: key, Quantity: level.Quantity})
		}
		if prev.GreaterThan(threshold) && level.Quantity.IsZero() {
			events = append(events, Event{Kind: types.AlertRemove, Side: side, Price: key})
		}
	}

	// a remembered level missing from the snapshot was observed at quantity zero
	var gone []string
	for key, prev := range previous {
		if _, ok := current[key]; !ok && prev.GreaterThan(threshold) {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	for _, key := range gone {
		events = append(events, Event{Kind: types.AlertRemove, Side: side, Price: key})
	}

	for key, qty := range current {
		if qty.IsZero() {
			delete(current, key)
		}
	}
	d.memory[side] = current
	return events
}

// Reset forgets every observed level
func (d *Detector) Reset() {
	d.memory = map[types.Side]map[string]decimal.Decimal{
		types.Bid: {},
		types.Ask: {},
	}
}

// Average returns the mean quantity of levels, zero for none
func Average(levels []types.PriceLevel) decimal.Decimal {
	if len(levels) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, level := range levels {
		sum = sum.Add(level.Quantity)
	}
	return sum.Div(decimal.NewFromInt(int64(len(levels))))
}

var shortUnits = []struct {
	size   decimal.Decimal
	suffix string
}{
	{decimal.NewFromInt(1_000_000_000), "b"},
	{decimal.NewFromInt(1_000_000), "m"},
	{decimal.NewFromInt(1_000), "k"},
}

// ShortQuantity abbreviates large quantities: 1500 -> "1.50k", 2000000 -> "2m"
func ShortQuantity(qty decimal.Decimal) string {
	for _, unit := range shortUnits {
		if qty.Abs().GreaterThanOrEqual(unit.size) {
			return strings.TrimSuffix(qty.Div(unit.size).StringFixed(2), ".00") + unit.suffix
		}
	}
	return qty.String()
}
