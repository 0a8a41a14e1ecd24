package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"orderflow/internal/instrumentation"
	"orderflow/internal/logger"
	"orderflow/internal/types"
)

// Source is the read side of the engine a report is built from
type Source interface {
	Symbol() string
	Snapshot(symbol string) (types.Snapshot, bool)
	Stats() types.Stats
	Alerts() []types.Alert
	LastPrice() (decimal.Decimal, bool)
}

// Report is the cached view of the active symbol
type Report struct {
	Symbol    string             `json:"symbol"`
	Bids      []types.PriceLevel `json:"bids"`
	Asks      []types.PriceLevel `json:"asks"`
	BestBid   decimal.Decimal    `json:"bestBid"`
	BestAsk   decimal.Decimal    `json:"bestAsk"`
	MidPrice  decimal.Decimal    `json:"midPrice"`
	Spread    decimal.Decimal    `json:"spread"`
	LastPrice *decimal.Decimal   `json:"lastPrice,omitempty"`
	Alerts    []types.Alert      `json:"alerts"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// BuildReport captures the current state of src. ok is false while no symbol is active.
func BuildReport(src Source, now time.Time) (Report, bool) {
	symbol := src.Symbol()
	if symbol == "" {
		return Report{}, false
	}
	snap, ok := src.Snapshot(symbol)
	if !ok {
		return Report{}, false
	}
	stats := src.Stats()

	report := Report{
		Symbol:    symbol,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		BestBid:   stats.BestBid,
		BestAsk:   stats.BestAsk,
		MidPrice:  stats.MidPrice(),
		Spread:    stats.Spread,
		Alerts:    src.Alerts(),
		UpdatedAt: now,
	}
	if price, ok := src.LastPrice(); ok {
		report.LastPrice = &price
	}
	return report, true
}

// Key returns the cache key of symbol's report
func Key(symbol string) string {
	return fmt.Sprintf("orderflow:report:%s", symbol)
}

// RedisPublisher writes reports to Redis with a TTL, so stale data disappears
// when the process stops
type RedisPublisher struct {
	client  *redis.Client
	ttl     time.Duration
	metrics *instrumentation.Metrics
	log     *logger.Entry
}

// NewRedisPublisher connects to redisURL and verifies the connection
func NewRedisPublisher(redisURL string, redisPassword string, ttl time.Duration, metrics *instrumentation.Metrics) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if redisPassword != "" {
		opt.Password = redisPassword
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{
		client:  client,
		ttl:     ttl,
		metrics: metrics,
		log:     logger.GetLogger().WithComponent("redis_publisher"),
	}, nil
}

// Publish stores report under Key(report.Symbol) with the configured TTL
func (p *RedisPublisher) Publish(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	if err := p.client.Set(ctx, Key(report.Symbol), payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}

	p.log.WithFields(logger.Fields{
		"symbol":     report.Symbol,
		"size_bytes": len(payload),
	}).Debug("report cached")
	return nil
}

// Run publishes a report of src every interval until ctx is done
func (p *RedisPublisher) Run(ctx context.Context, interval time.Duration, src Source) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, ok := BuildReport(src, now)
			if !ok {
				continue
			}
			if err := p.Publish(ctx, report); err != nil {
				p.metrics.RecordPublishError()
				p.log.WithError(err).Warn("report publish failed")
			}
		}
	}
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
