package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"orderflow/internal/alert"
	"orderflow/internal/config"
	"orderflow/internal/engine"
	"orderflow/internal/exchange"
	"orderflow/internal/factory"
	"orderflow/internal/instrumentation"
	"orderflow/internal/logger"
	"orderflow/internal/publish"
	"orderflow/internal/stream"
	"orderflow/internal/wall"
	"orderflow/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	symbol := flag.String("symbol", "", "Trading symbol to monitor (overrides config)")
	logInterval := flag.Duration("log-interval", 10*time.Second, "Interval for logging orderbook stats, 0 disables")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	log := logger.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if *symbol != "" {
		cfg.Exchange.Symbol = *symbol
	}

	if err := log.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.MaxAge); err != nil {
		log.WithError(err).Fatal("failed to configure logger")
	}

	if err := run(cfg, *logInterval); err != nil {
		log.WithError(err).Fatal("orderflow stopped with error")
	}
	log.Info("all connections closed, goodbye")
}

func run(cfg config.Config, logInterval time.Duration) error {
	log := logger.GetLogger().WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := instrumentation.NewMetrics(registry)

	venue, err := factory.NewVenue(factory.ExchangeConfig{
		Name:              exchange.ExchangeName(cfg.Exchange.Name),
		StreamBaseURL:     cfg.Exchange.StreamBaseURL,
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	streams := stream.NewRegistry(venue, stream.Config{
		ReconnectDelay:   cfg.Stream.ReconnectDelay,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		ReadTimeout:      cfg.Stream.ReadTimeout,
	}, metrics)
	defer streams.Close()

	session := engine.NewSession(engine.Config{
		Depth:           cfg.Book.Depth,
		SnapshotLimit:   cfg.Book.SnapshotLimit,
		ResyncOnGap:     cfg.Book.ResyncOnGap,
		SnapshotOnStart: cfg.Book.SnapshotOnStart,
		Wall: wall.Config{
			ThresholdMultiplier: decimal.NewFromFloat(cfg.Wall.ThresholdMultiplier),
			GrowthMultiplier:    decimal.NewFromFloat(cfg.Wall.GrowthMultiplier),
		},
		Alerts: alert.Config{
			Capacity: cfg.Alerts.Capacity,
			Lifetime: cfg.Alerts.Lifetime,
		},
		TradeCapacity: cfg.Trades.Capacity,
	}, streams, venue, metrics)
	defer session.Close()

	log.WithFields(logger.Fields{
		"exchange": cfg.Exchange.Name,
		"symbol":   cfg.Exchange.Symbol,
		"depth":    cfg.Book.Depth,
	}).Info("starting orderflow monitor")

	if err := session.SwitchSymbol(cfg.Exchange.Symbol); err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		publisher, err := publish.NewRedisPublisher(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.TTL, metrics)
		if err != nil {
			return err
		}
		defer publisher.Close()
		go publisher.Run(ctx, cfg.Redis.PublishInterval, session)
		log.WithFields(logger.Fields{"url": cfg.Redis.URL}).Info("redis report publishing enabled")
	}

	if logInterval > 0 {
		go logStats(ctx, session, streams, logInterval)
	}

	server := websocket.NewServer(websocket.Config{
		Port:         cfg.Server.Port,
		Exchange:     cfg.Exchange.Name,
		QuoteAsset:   cfg.Exchange.QuoteAsset,
		PushInterval: cfg.Server.PushInterval,
		DefaultTick:  cfg.Server.DefaultTick,
	}, session, venue, registry)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("shutting down")
	return nil
}

func logStats(ctx context.Context, session *engine.Session, streams *stream.Registry, interval time.Duration) {
	log := logger.GetLogger().WithComponent("stats")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !session.Live() {
				continue
			}
			stats := session.Stats()
			log.WithFields(logger.Fields{
				"symbol":       stats.Symbol,
				"mid":          stats.MidPrice().StringFixed(2),
				"spread":       stats.Spread.StringFixed(4),
				"best_bid":     stats.BestBid.StringFixed(2),
				"best_ask":     stats.BestAsk.StringFixed(2),
				"delta_0_5pct": stats.DeltaLiquidity05Pct.StringFixed(2),
				"delta_2pct":   stats.DeltaLiquidity2Pct.StringFixed(2),
				"delta_10pct":  stats.DeltaLiquidity10Pct.StringFixed(2),
				"events":       stats.EventsProcessed,
				"gaps":         stats.GapsDetected,
				"alerts":       len(session.Alerts()),
				"streams":      len(streams.Active()),
			}).Info("orderbook stats")
		}
	}
}
