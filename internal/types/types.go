package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickLevel represents available tick size options for price aggregation
type TickLevel float64

const (
	TickNone TickLevel = 0
	Tick01   TickLevel = 0.1
	Tick1    TickLevel = 1.0
	Tick10   TickLevel = 10.0
	Tick50   TickLevel = 50.0
	Tick100  TickLevel = 100.0
)

// AvailableTickLevels defines the available tick levels in order of precision
var AvailableTickLevels = []TickLevel{
	TickNone,
	Tick01,
	Tick1,
	Tick10,
	Tick50,
	Tick100,
}

// ValidTickLevel reports whether tick is one of AvailableTickLevels
func ValidTickLevel(tick TickLevel) bool {
	for _, available := range AvailableTickLevels {
		if available == tick {
			return true
		}
	}
	return false
}

// Side identifies one half of the book
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Title returns the capitalized side name used in alert text
func (s Side) Title() string {
	if s == Bid {
		return "Bid"
	}
	return "Ask"
}

// PriceLevel represents a single price level in the order book.
// A zero quantity on the wire is a delete marker and is never stored.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Snapshot is a depth-limited, sorted view of both sides of a book.
// Bids are sorted by price descending, asks ascending. Consumers must treat it as
// an immutable value.
type Snapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// Levels returns the side of the snapshot named by side
func (s Snapshot) Levels(side Side) []PriceLevel {
	if side == Bid {
		return s.Bids
	}
	return s.Asks
}

// Trade is one (possibly coalesced) trade print
type Trade struct {
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
	Time         time.Time       `json:"time"`
}

// AlertKind distinguishes wall formation from wall removal
type AlertKind string

const (
	AlertWall   AlertKind = "wall"
	AlertRemove AlertKind = "remove"
)

// Alert is a short-lived notification derived from wall detection
type Alert struct {
	ID        string          `json:"id"`
	Kind      AlertKind       `json:"kind"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Message   string          `json:"message"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Stats holds statistical information about the order book
type Stats struct {
	Symbol          string
	EventsProcessed int64
	GapsDetected    int64
	LastEventTime   time.Time
	LastUpdateID    int64
	BidLevels       int
	AskLevels       int
	BestBid         decimal.Decimal
	BestAsk         decimal.Decimal
	Spread          decimal.Decimal

	// Liquidity depth metrics (in base asset units)
	BidLiquidity05Pct decimal.Decimal // Total bid size within 0.5% of mid
	AskLiquidity05Pct decimal.Decimal // Total ask size within 0.5% of mid
	BidLiquidity2Pct  decimal.Decimal // Total bid size within 2% of mid
	AskLiquidity2Pct  decimal.Decimal // Total ask size within 2% of mid
	BidLiquidity10Pct decimal.Decimal // Total bid size within 10% of mid
	AskLiquidity10Pct decimal.Decimal // Total ask size within 10% of mid

	// Liquidity imbalance (positive = more bids, negative = more asks)
	DeltaLiquidity05Pct decimal.Decimal
	DeltaLiquidity2Pct  decimal.Decimal
	DeltaLiquidity10Pct decimal.Decimal

	TotalBidsQty decimal.Decimal
	TotalAsksQty decimal.Decimal
	TotalDelta   decimal.Decimal
}

// MidPrice returns the midpoint of best bid and best ask, or zero when either side is empty
func (s Stats) MidPrice() decimal.Decimal {
	if s.BestBid.IsZero() || s.BestAsk.IsZero() {
		return decimal.Zero
	}
	return s.BestBid.Add(s.BestAsk).Div(decimal.NewFromInt(2))
}
