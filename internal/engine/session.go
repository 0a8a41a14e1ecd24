package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orderflow/internal/alert"
	"orderflow/internal/exchange"
	"orderflow/internal/instrumentation"
	"orderflow/internal/logger"
	"orderflow/internal/stream"
	"orderflow/internal/trades"
	"orderflow/internal/types"
	"orderflow/internal/wall"
)

const (
	DefaultSnapshotLimit = 1000
	maxBufferedDiffs     = 1000
	resyncTimeout        = 10 * time.Second
)

var ErrEmptySymbol = errors.New("symbol must not be empty")

// Subscriber is the part of stream.Registry the session depends on
type Subscriber interface {
	Subscribe(symbol string, channel exchange.Channel, h stream.Handler) func()
}

// SnapshotSource fetches REST depth snapshots for resynchronisation
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string, limit int) (*exchange.Snapshot, error)
}

type Config struct {
	Depth           int
	SnapshotLimit   int
	ResyncOnGap     bool
	SnapshotOnStart bool
	Wall            wall.Config
	Alerts          alert.Config
	TradeCapacity   int
}

// Session is the actor for the active symbol. One mutex serializes every mutation
// of the book, the wall memory, the alert ring and the trade history.
type Session struct {
	mu         sync.Mutex
	symbol     string
	generation uint64
	unsubs     []func()
	closed     bool

	reconciler *Reconciler
	detector   *wall.Detector
	alerts     *alert.Ring
	trades     *trades.Aggregator

	resyncing bool
	buffered  []*exchange.DepthUpdate
	ctx       context.Context
	cancel    context.CancelFunc

	cfg     Config
	streams Subscriber
	source  SnapshotSource
	metrics *instrumentation.Metrics
	log     *logger.Entry
}

// NewSession creates an idle session. source may be nil when neither ResyncOnGap
// nor SnapshotOnStart is set.
func NewSession(cfg Config, streams Subscriber, source SnapshotSource, metrics *instrumentation.Metrics) *Session {
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = DefaultSnapshotLimit
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		reconciler: NewReconciler("", cfg.Depth),
		detector:   wall.NewDetector(cfg.Wall),
		alerts:     alert.NewRing(cfg.Alerts),
		trades:     trades.NewAggregator(cfg.TradeCapacity),
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		streams:    streams,
		source:     source,
		metrics:    metrics,
		log:        logger.GetLogger().WithComponent("session"),
	}
	s.reconciler.OnSnapshot(s.observeWalls)

	return s
}

// SwitchSymbol makes symbol the active symbol. The previous symbol's subscriptions
// are released and its book, wall memory, alerts and trades are cleared before the
// new subscriptions are opened. Switching to the active symbol is a no-op.
func (s *Session) SwitchSymbol(symbol string) error {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if symbol == "" {
		return ErrEmptySymbol
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("session closed")
	}
	if symbol == s.symbol && len(s.unsubs) > 0 {
		return nil
	}

	previous := s.symbol
	s.release()

	s.symbol = symbol
	s.generation++
	s.reconciler.Reset(symbol)
	s.detector.Reset()
	s.alerts.Clear()
	s.trades.Clear()
	s.resyncing = false
	s.buffered = nil

	gen := s.generation
	s.unsubs = []func(){
		s.streams.Subscribe(symbol, exchange.ChannelDepth, func(msg exchange.Message) {
			s.onDepth(gen, msg.Depth)
		}),
		s.streams.Subscribe(symbol, exchange.ChannelTrade, func(msg exchange.Message) {
			s.onTrade(gen, msg.Trade)
		}),
	}

	if s.cfg.SnapshotOnStart {
		s.startResync(gen, symbol)
	}

	s.log.WithFields(logger.Fields{"from": previous, "to": symbol}).Info("active symbol changed")
	return nil
}

// release drops the current subscriptions (must be called with mutex locked)
func (s *Session) release() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Session) onDepth(gen uint64, update *exchange.DepthUpdate) {
	if update == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.generation {
		return
	}
	if s.resyncing {
		if len(s.buffered) < maxBufferedDiffs {
			s.buffered = append(s.buffered, update)
		}
		return
	}

	s.applyDiff(gen, update)
}

// applyDiff applies one update and handles a gap (must be called with mutex locked)
func (s *Session) applyDiff(gen uint64, update *exchange.DepthUpdate) {
	previous := s.reconciler.LastUpdateID()

	start := time.Now()
	_, result := s.reconciler.OnDiff(update)
	s.metrics.RecordDepthApply(float64(time.Since(start).Microseconds()) / 1000)

	if !result.Gap {
		return
	}
	s.metrics.RecordGap()
	s.log.WithFields(logger.Fields{
		"symbol":        s.symbol,
		"firstUpdateId": update.FirstUpdateID,
		"lastUpdateId":  previous,
	}).Warn("depth update gap detected")

	if s.cfg.ResyncOnGap {
		s.startResync(gen, s.symbol)
	}
}

func (s *Session) onTrade(gen uint64, event *exchange.TradeEvent) {
	if event == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.generation {
		return
	}
	s.trades.Add(event.Trade)
}

// observeWalls runs on every published snapshot (called with mutex locked)
func (s *Session) observeWalls(snapshot types.Snapshot) {
	for _, ev := range s.detector.Observe(snapshot) {
		price, _ := decimal.NewFromString(ev.Price)
		pushed := s.alerts.Push(types.Alert{
			Kind:     ev.Kind,
			Symbol:   s.symbol,
			Side:     ev.Side,
			Price:    price,
			Quantity: ev.Quantity,
			Message:  ev.Message(),
		})
		s.metrics.RecordAlert(string(ev.Kind), string(ev.Side))
		s.log.WithFields(logger.Fields{"symbol": s.symbol, "id": pushed.ID}).Debug(pushed.Message)
	}
}

// startResync fetches a REST snapshot in the background; diffs are buffered until
// it is loaded (must be called with mutex locked)
func (s *Session) startResync(gen uint64, symbol string) {
	if s.resyncing || s.source == nil {
		return
	}
	s.resyncing = true
	s.buffered = nil

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, resyncTimeout)
		defer cancel()

		snapshot, err := s.source.Snapshot(ctx, symbol, s.cfg.SnapshotLimit)
		s.finishResync(gen, snapshot, err)
	}()
}

func (s *Session) finishResync(gen uint64, snapshot *exchange.Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || gen != s.generation {
		return
	}

	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"symbol": s.symbol}).Error("depth snapshot failed, continuing from diffs")
	} else {
		s.reconciler.LoadSnapshot(snapshot)
		s.log.WithFields(logger.Fields{
			"symbol":       s.symbol,
			"lastUpdateId": snapshot.LastUpdateID,
			"buffered":     len(s.buffered),
		}).Info("book resynchronised from snapshot")
	}

	buffered := s.buffered
	s.buffered = nil
	s.resyncing = false

	// updates covered by the snapshot are skipped by the book. A gap during replay
	// starts another resync and the rest of the buffer waits for it.
	for i, update := range buffered {
		s.applyDiff(gen, update)
		if s.resyncing {
			s.buffered = append(s.buffered, buffered[i+1:]...)
			return
		}
	}
}

// Snapshot returns the depth-limited book of symbol. ok is false when symbol is
// not the active symbol.
func (s *Session) Snapshot(symbol string) (types.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !strings.EqualFold(symbol, s.symbol) {
		return types.Snapshot{}, false
	}
	return s.reconciler.Snapshot(), true
}

// Alerts returns the live alerts, newest last
func (s *Session) Alerts() []types.Alert {
	return s.alerts.List()
}

// RemoveAlert dismisses one alert
func (s *Session) RemoveAlert(id string) bool {
	return s.alerts.Remove(id)
}

// Trades returns the retained trades, oldest first
func (s *Session) Trades() []types.Trade {
	return s.trades.List()
}

func (s *Session) Stats() types.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler.Stats()
}

// Symbol returns the active symbol
func (s *Session) Symbol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol
}

// Live reports whether the active symbol's book has received data
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconciler.Live()
}

// LastPrice returns the price of the newest trade
func (s *Session) LastPrice() (decimal.Decimal, bool) {
	last, ok := s.trades.Last()
	if !ok {
		return decimal.Zero, false
	}
	return last.Price, true
}

// Close releases every subscription, cancels a pending resync and clears the alerts
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.release()
	s.cancel()
	s.alerts.Clear()
}
