package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"orderflow/internal/exchange"
	"orderflow/internal/logger"
	"orderflow/internal/types"
)

const (
	spotStreamURL = "wss://stream.binance.com:9443/ws"
	spotRestURL   = "https://api.binance.com"
	usStreamURL   = "wss://stream.binance.us:9443/ws"
	usRestURL     = "https://api.binance.us"

	symbolStatusTrading = "TRADING"
)

var errEmptyMessage = errors.New("empty message")

// Venue implements exchange.Venue for the Binance spot raw streams
type Venue struct {
	name      exchange.ExchangeName
	streamURL string
	client    *gobinance.Client
	limiter   *rate.Limiter
	log       *logger.Entry
}

// NewSpotVenue creates a Binance (global) spot venue
func NewSpotVenue(config Config) *Venue {
	return newVenue(exchange.Binance, spotStreamURL, spotRestURL, config)
}

// NewUSVenue creates a Binance.US spot venue
func NewUSVenue(config Config) *Venue {
	return newVenue(exchange.BinanceUS, usStreamURL, usRestURL, config)
}

func newVenue(name exchange.ExchangeName, streamURL, restURL string, config Config) *Venue {
	if config.StreamBaseURL != "" {
		streamURL = config.StreamBaseURL
	}
	if config.RestBaseURL != "" {
		restURL = config.RestBaseURL
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	client := gobinance.NewClient("", "")
	client.BaseURL = strings.TrimRight(restURL, "/")

	return &Venue{
		name:      name,
		streamURL: strings.TrimRight(streamURL, "/"),
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		log:       logger.GetLogger().WithComponent("binance_venue").WithFields(logger.Fields{"venue": string(name)}),
	}
}

// Name returns the venue identifier
func (v *Venue) Name() exchange.ExchangeName {
	return v.name
}

// StreamURL returns the raw stream endpoint, e.g. .../ws/btcusdt@depth
func (v *Venue) StreamURL(symbol string, channel exchange.Channel) string {
	return fmt.Sprintf("%s/%s@%s", v.streamURL, strings.ToLower(symbol), channel)
}

// Parse decodes a raw frame for channel
func (v *Venue) Parse(channel exchange.Channel, raw []byte) (exchange.Message, error) {
	switch channel {
	case exchange.ChannelDepth:
		update, err := ParseDepth(raw)
		if err != nil {
			return exchange.Message{}, err
		}
		return exchange.Message{Channel: channel, Depth: update}, nil
	case exchange.ChannelTrade:
		trade, err := ParseTrade(raw)
		if err != nil {
			return exchange.Message{}, err
		}
		return exchange.Message{Channel: channel, Trade: trade}, nil
	default:
		return exchange.Message{}, &exchange.ParseError{Channel: channel, Err: fmt.Errorf("unknown channel")}
	}
}

// ParseDepth decodes a diff depth frame. Every level is validated before the update
// is returned so a malformed frame never reaches the book half-applied.
func ParseDepth(raw []byte) (*exchange.DepthUpdate, error) {
	fail := func(err error) (*exchange.DepthUpdate, error) {
		return nil, &exchange.ParseError{Channel: exchange.ChannelDepth, Err: err}
	}

	if len(raw) == 0 {
		return fail(errEmptyMessage)
	}

	var event DepthEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fail(err)
	}

	bids, err := convertLevels(event.Bids)
	if err != nil {
		return fail(fmt.Errorf("bids: %w", err))
	}
	asks, err := convertLevels(event.Asks)
	if err != nil {
		return fail(fmt.Errorf("asks: %w", err))
	}

	update := &exchange.DepthUpdate{
		Symbol:        strings.ToLower(event.Symbol),
		FirstUpdateID: event.FirstUpdateID,
		FinalUpdateID: event.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}
	if event.EventTime > 0 {
		update.EventTime = time.UnixMilli(event.EventTime)
	}
	return update, nil
}

// ParseTrade decodes a trade frame
func ParseTrade(raw []byte) (*exchange.TradeEvent, error) {
	fail := func(err error) (*exchange.TradeEvent, error) {
		return nil, &exchange.ParseError{Channel: exchange.ChannelTrade, Err: err}
	}

	if len(raw) == 0 {
		return fail(errEmptyMessage)
	}

	var event TradeEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return fail(err)
	}

	level, err := ParseLevel(event.Price, event.Quantity)
	if err != nil {
		return fail(err)
	}
	if level.Quantity.IsZero() {
		return fail(fmt.Errorf("zero trade quantity"))
	}

	return &exchange.TradeEvent{
		Symbol: strings.ToLower(event.Symbol),
		Trade: types.Trade{
			Price:        level.Price,
			Quantity:     level.Quantity,
			IsBuyerMaker: event.IsBuyerMaker,
			Time:         time.UnixMilli(event.TradeTime),
		},
	}, nil
}

// ParseLevel converts a wire [price, quantity] pair
func ParseLevel(price, quantity string) (types.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("invalid price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	if p.IsNegative() {
		return types.PriceLevel{}, fmt.Errorf("negative price %q", price)
	}
	if q.IsNegative() {
		return types.PriceLevel{}, fmt.Errorf("negative quantity %q", quantity)
	}
	return types.PriceLevel{Price: p, Quantity: q}, nil
}

func convertLevels(raw [][]string) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level %d: expected [price, quantity], got %d fields", i, len(pair))
		}
		level, err := ParseLevel(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Snapshot fetches the orderbook snapshot via REST API
func (v *Venue) Snapshot(ctx context.Context, symbol string, limit int) (*exchange.Snapshot, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	v.log.WithFields(logger.Fields{"symbol": symbol, "limit": limit}).Info("fetching orderbook snapshot")

	res, err := v.client.NewDepthService().
		Symbol(strings.ToUpper(symbol)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	bids := make([]types.PriceLevel, 0, len(res.Bids))
	for _, bid := range res.Bids {
		level, err := ParseLevel(bid.Price, bid.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot bid: %w", err)
		}
		bids = append(bids, level)
	}

	asks := make([]types.PriceLevel, 0, len(res.Asks))
	for _, ask := range res.Asks {
		level, err := ParseLevel(ask.Price, ask.Quantity)
		if err != nil {
			return nil, fmt.Errorf("invalid snapshot ask: %w", err)
		}
		asks = append(asks, level)
	}

	return &exchange.Snapshot{
		Exchange:     v.name,
		Symbol:       strings.ToLower(symbol),
		LastUpdateID: res.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now(),
	}, nil
}

// Symbols lists symbols currently trading against quoteAsset
func (v *Venue) Symbols(ctx context.Context, quoteAsset string) ([]string, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	info, err := v.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	quote := strings.ToUpper(quoteAsset)
	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != quote || s.Status != symbolStatusTrading {
			continue
		}
		symbols = append(symbols, strings.ToLower(s.Symbol))
	}
	sort.Strings(symbols)

	return symbols, nil
}
