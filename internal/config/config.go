package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"orderflow/internal/exchange"
	"orderflow/internal/factory"
	"orderflow/internal/types"
)

// EnvPrefix prefixes every environment override, e.g. ORDERFLOW_EXCHANGE_SYMBOL
const EnvPrefix = "ORDERFLOW_"

// Config holds all application configuration
type Config struct {
	Exchange ExchangeConfig `yaml:"exchange" envPrefix:"EXCHANGE_"`
	Stream   StreamConfig   `yaml:"stream" envPrefix:"STREAM_"`
	Book     BookConfig     `yaml:"book" envPrefix:"BOOK_"`
	Wall     WallConfig     `yaml:"wall" envPrefix:"WALL_"`
	Alerts   AlertConfig    `yaml:"alerts" envPrefix:"ALERTS_"`
	Trades   TradeConfig    `yaml:"trades" envPrefix:"TRADES_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`
	Redis    RedisConfig    `yaml:"redis" envPrefix:"REDIS_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
}

// ExchangeConfig selects the venue and the initial symbol
type ExchangeConfig struct {
	Name              string  `yaml:"name" env:"NAME"`
	Symbol            string  `yaml:"symbol" env:"SYMBOL"`
	QuoteAsset        string  `yaml:"quote_asset" env:"QUOTE_ASSET"`
	StreamBaseURL     string  `yaml:"stream_base_url" env:"STREAM_BASE_URL"`
	RestBaseURL       string  `yaml:"rest_base_url" env:"REST_BASE_URL"`
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

type StreamConfig struct {
	ReconnectDelay   time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	ReadTimeout      time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
}

// BookConfig controls snapshot depth and gap handling
type BookConfig struct {
	Depth           int  `yaml:"depth" env:"DEPTH"`
	ResyncOnGap     bool `yaml:"resync_on_gap" env:"RESYNC_ON_GAP"`
	SnapshotOnStart bool `yaml:"snapshot_on_start" env:"SNAPSHOT_ON_START"`
	SnapshotLimit   int  `yaml:"snapshot_limit" env:"SNAPSHOT_LIMIT"`
}

type WallConfig struct {
	ThresholdMultiplier float64 `yaml:"threshold_multiplier" env:"THRESHOLD_MULTIPLIER"`
	GrowthMultiplier    float64 `yaml:"growth_multiplier" env:"GROWTH_MULTIPLIER"`
}

type AlertConfig struct {
	Capacity int           `yaml:"capacity" env:"CAPACITY"`
	Lifetime time.Duration `yaml:"lifetime" env:"LIFETIME"`
}

type TradeConfig struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"`
}

// ServerConfig holds consumer-facing HTTP/websocket settings
type ServerConfig struct {
	Port         string          `yaml:"port" env:"PORT"`
	PushInterval time.Duration   `yaml:"push_interval" env:"PUSH_INTERVAL"`
	DefaultTick  types.TickLevel `yaml:"default_tick" env:"DEFAULT_TICK"`
}

// RedisConfig enables the optional report cache
type RedisConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	URL             string        `yaml:"url" env:"URL"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	TTL             time.Duration `yaml:"ttl" env:"TTL"`
	PublishInterval time.Duration `yaml:"publish_interval" env:"PUBLISH_INTERVAL"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	Output string `yaml:"output" env:"OUTPUT"`
	MaxAge int    `yaml:"max_age" env:"MAX_AGE"`
}

// Default returns the default configuration for btcusdt on Binance
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:              string(exchange.Binance),
			Symbol:            "btcusdt",
			QuoteAsset:        "USDT",
			RequestsPerSecond: 2,
		},
		Stream: StreamConfig{
			ReconnectDelay:   3 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ReadTimeout:      time.Minute,
		},
		Book: BookConfig{
			Depth:         20,
			SnapshotLimit: 1000,
		},
		Wall: WallConfig{
			ThresholdMultiplier: 3,
			GrowthMultiplier:    3,
		},
		Alerts: AlertConfig{
			Capacity: 10,
			Lifetime: 7 * time.Second,
		},
		Trades: TradeConfig{
			Capacity: 200,
		},
		Server: ServerConfig{
			Port:         "8080",
			PushInterval: 200 * time.Millisecond,
			DefaultTick:  types.TickNone,
		},
		Redis: RedisConfig{
			URL:             "redis://localhost:6379",
			TTL:             time.Minute,
			PublishInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (skipped
// when path is empty), then ORDERFLOW_* environment variables. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("cannot parse YAML: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.Exchange.Symbol = strings.ToLower(strings.TrimSpace(cfg.Exchange.Symbol))
	cfg.Exchange.QuoteAsset = strings.ToUpper(strings.TrimSpace(cfg.Exchange.QuoteAsset))

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if !factory.ValidateExchangeName(c.Exchange.Name) {
		errs = append(errs, fmt.Errorf("unsupported exchange: %q (supported: %v)", c.Exchange.Name, factory.GetSupportedExchanges()))
	}
	if c.Exchange.Symbol == "" {
		errs = append(errs, errors.New("exchange symbol must be set"))
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("requests per second must be positive"))
	}

	if c.Stream.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnect delay must be positive"))
	}
	if c.Stream.ReadTimeout <= 0 {
		errs = append(errs, errors.New("stream read timeout must be positive"))
	}
	if c.Book.Depth <= 0 {
		errs = append(errs, errors.New("book depth must be positive"))
	}
	if (c.Book.ResyncOnGap || c.Book.SnapshotOnStart) && c.Book.SnapshotLimit <= 0 {
		errs = append(errs, errors.New("snapshot limit must be positive when snapshots are enabled"))
	}

	if c.Wall.ThresholdMultiplier <= 0 || c.Wall.GrowthMultiplier <= 0 {
		errs = append(errs, errors.New("wall multipliers must be positive"))
	}
	if c.Alerts.Capacity <= 0 || c.Alerts.Lifetime <= 0 {
		errs = append(errs, errors.New("alert capacity and lifetime must be positive"))
	}
	if c.Trades.Capacity <= 0 {
		errs = append(errs, errors.New("trade capacity must be positive"))
	}

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port must be set"))
	}
	if c.Server.PushInterval <= 0 {
		errs = append(errs, errors.New("push interval must be positive"))
	}
	if !types.ValidTickLevel(c.Server.DefaultTick) {
		errs = append(errs, fmt.Errorf("invalid tick level: %g", float64(c.Server.DefaultTick)))
	}

	if c.Redis.Enabled {
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis url must be set when redis is enabled"))
		}
		if c.Redis.TTL < time.Second || c.Redis.PublishInterval <= 0 {
			errs = append(errs, errors.New("redis ttl must be at least 1 second and publish interval positive"))
		}
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.Log.Format))
	}

	return errors.Join(errs...)
}
