package exchange

import (
	"context"
	"fmt"
	"time"

	"orderflow/internal/types"
)

// ExchangeName represents supported venue identifiers
type ExchangeName string

const (
	Binance   ExchangeName = "binance"
	BinanceUS ExchangeName = "binanceus"
)

// Channel names one logical push stream of a symbol
type Channel string

const (
	ChannelDepth Channel = "depth"
	ChannelTrade Channel = "trade"
)

// Venue defines what the engine needs from an exchange adapter
type Venue interface {
	// Name returns the venue identifier
	Name() ExchangeName

	// StreamURL returns the push endpoint for one (symbol, channel) pair
	StreamURL(symbol string, channel Channel) string

	// Parse decodes a raw frame received on channel.
	// Failures are always returned as *ParseError.
	Parse(channel Channel, raw []byte) (Message, error)

	// Snapshot fetches a full depth snapshot over REST
	Snapshot(ctx context.Context, symbol string, limit int) (*Snapshot, error)

	// Symbols lists tradable symbols quoted in quoteAsset, lowercased and sorted
	Symbols(ctx context.Context, quoteAsset string) ([]string, error)
}

// Message is the tagged result of parsing one frame.
// Exactly one of Depth or Trade is set, matching Channel.
type Message struct {
	Channel Channel
	Depth   *DepthUpdate
	Trade   *TradeEvent
}

// DepthUpdate represents a canonical depth diff. Each level carries an absolute
// quantity; zero removes the price.
type DepthUpdate struct {
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64 // 0 when the venue does not supply ids
	FinalUpdateID int64
	Bids          []types.PriceLevel
	Asks          []types.PriceLevel
}

// TradeEvent represents a single trade print
type TradeEvent struct {
	Symbol string
	Trade  types.Trade
}

// Snapshot represents a canonical REST depth snapshot
type Snapshot struct {
	Exchange     ExchangeName
	Symbol       string
	LastUpdateID int64
	Bids         []types.PriceLevel
	Asks         []types.PriceLevel
	Timestamp    time.Time
}

// ParseError reports a frame that could not be decoded. The frame is dropped and
// prior state is kept.
type ParseError struct {
	Channel Channel
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s message: %v", e.Channel, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
