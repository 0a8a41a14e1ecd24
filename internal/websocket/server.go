package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"orderflow/internal/aggregation"
	"orderflow/internal/logger"
	"orderflow/internal/types"
)

const (
	writeTimeout    = 5 * time.Second
	symbolsTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeStats     MessageType = "stats"
	MessageTypeAlerts    MessageType = "alerts"
	MessageTypeTrades    MessageType = "trades"
	MessageTypeError     MessageType = "error"
)

// Engine is the read and control surface of the active session
type Engine interface {
	Symbol() string
	SwitchSymbol(symbol string) error
	Snapshot(symbol string) (types.Snapshot, bool)
	Stats() types.Stats
	Alerts() []types.Alert
	RemoveAlert(id string) bool
	Trades() []types.Trade
	LastPrice() (decimal.Decimal, bool)
	Live() bool
}

// SymbolLister lists tradable symbols of the venue
type SymbolLister interface {
	Symbols(ctx context.Context, quoteAsset string) ([]string, error)
}

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type   string  `json:"type"`
	Tick   float64 `json:"tick,omitempty"`
	Symbol string  `json:"symbol,omitempty"`
}

type OrderbookMessage struct {
	Type      MessageType  `json:"type"`
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Tick      float64      `json:"tick"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	LastPrice string       `json:"lastPrice,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

type StatsMessage struct {
	Type                MessageType `json:"type"`
	Exchange            string      `json:"exchange"`
	Symbol              string      `json:"symbol"`
	EventsProcessed     int64       `json:"eventsProcessed"`
	GapsDetected        int64       `json:"gapsDetected"`
	BestBid             string      `json:"bestBid"`
	BestAsk             string      `json:"bestAsk"`
	MidPrice            string      `json:"midPrice"`
	Spread              string      `json:"spread"`
	BidLiquidity05Pct   string      `json:"bidLiquidity05Pct"`
	AskLiquidity05Pct   string      `json:"askLiquidity05Pct"`
	DeltaLiquidity05Pct string      `json:"deltaLiquidity05Pct"`
	BidLiquidity2Pct    string      `json:"bidLiquidity2Pct"`
	AskLiquidity2Pct    string      `json:"askLiquidity2Pct"`
	DeltaLiquidity2Pct  string      `json:"deltaLiquidity2Pct"`
	BidLiquidity10Pct   string      `json:"bidLiquidity10Pct"`
	AskLiquidity10Pct   string      `json:"askLiquidity10Pct"`
	DeltaLiquidity10Pct string      `json:"deltaLiquidity10Pct"`
	TotalBidsQty        string      `json:"totalBidsQty"`
	TotalAsksQty        string      `json:"totalAsksQty"`
	TotalDelta          string      `json:"totalDelta"`
	Timestamp           int64       `json:"timestamp"`
}

type AlertsMessage struct {
	Type      MessageType   `json:"type"`
	Symbol    string        `json:"symbol"`
	Alerts    []types.Alert `json:"alerts"`
	Timestamp int64         `json:"timestamp"`
}

type TradesMessage struct {
	Type      MessageType `json:"type"`
	Symbol    string      `json:"symbol"`
	Trades    []Trade     `json:"trades"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Cumulative string `json:"cumulative"`
}

type Trade struct {
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
	Time         int64  `json:"time"`
}

// Config holds the consumer interface settings
type Config struct {
	Port         string
	Exchange     string
	QuoteAsset   string
	PushInterval time.Duration
	DefaultTick  types.TickLevel
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Server pushes the active session to websocket clients and serves it over REST
type Server struct {
	cfg        Config
	engine     Engine
	symbols    SymbolLister
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	clientsMux sync.RWMutex
	aggregator types.PriceAggregator
	router     *mux.Router
	log        *logger.Entry
}

// NewServer creates the server. symbols and gatherer may be nil, which disables
// /api/symbols and /metrics respectively.
func NewServer(cfg Config, engine Engine, symbols SymbolLister, gatherer prometheus.Gatherer) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 200 * time.Millisecond
	}

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		symbols:    symbols,
		gatherer:   gatherer,
		clients:    make(map[*client]bool),
		aggregator: aggregation.New(cfg.DefaultTick),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: logger.GetLogger().WithComponent("websocket_server"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleRemoveAlert).Methods(http.MethodDelete)
	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	api.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	api.HandleFunc("/symbol", s.handleChangeSymbol).Methods(http.MethodPost)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startDataPush(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithFields(logger.Fields{"port": s.cfg.Port}).Info("websocket server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{conn: conn}
	s.clientsMux.Lock()
	s.clients[c] = true
	s.clientsMux.Unlock()

	log := s.log.WithFields(logger.Fields{"remote": r.RemoteAddr})
	log.Info("websocket client connected")

	defer func() {
		s.removeClient(c)
		log.Info("websocket client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			log.WithError(err).Debug("error parsing client message")
			continue
		}

		if err := s.handleClientMessage(clientMsg); err != nil {
			if werr := c.write(ErrorMessage{Type: MessageTypeError, Message: err.Error()}); werr != nil {
				log.WithError(werr).Debug("error writing to client")
			}
		}
	}
}

func (s *Server) handleClientMessage(msg ClientMessage) error {
	switch msg.Type {
	case "set_tick":
		return s.setTickLevel(msg.Tick)
	case "change_symbol":
		s.log.WithFields(logger.Fields{"symbol": msg.Symbol}).Info("symbol change request")
		return s.engine.SwitchSymbol(msg.Symbol)
	default:
		return errors.New("unknown message type: " + msg.Type)
	}
}

func (s *Server) setTickLevel(tick float64) error {
	tickLevel := types.TickLevel(tick)
	if !types.ValidTickLevel(tickLevel) {
		return errors.New("invalid tick level")
	}

	s.aggregator.SetTickLevel(tickLevel)
	s.log.WithFields(logger.Fields{"tick": tick}).Info("tick level changed")
	return nil
}

func (s *Server) removeClient(c *client) {
	s.clientsMux.Lock()
	delete(s.clients, c)
	s.clientsMux.Unlock()
	c.conn.Close()
}

func (s *Server) closeClients() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}

func (s *Server) broadcast(msgs ...interface{}) {
	s.clientsMux.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()

	for _, c := range clients {
		for _, msg := range msgs {
			if err := c.write(msg); err != nil {
				s.log.WithError(err).Debug("error writing to client")
				s.removeClient(c)
				break
			}
		}
	}
}

func (s *Server) startDataPush(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.clientsMux.RLock()
			hasClients := len(s.clients) > 0
			s.clientsMux.RUnlock()

			if !hasClients || !s.engine.Live() {
				continue
			}
			s.broadcast(s.buildMessages(now.UnixMilli())...)
		}
	}
}

func (s *Server) buildMessages(timestamp int64) []interface{} {
	symbol := s.engine.Symbol()
	snapshot, ok := s.engine.Snapshot(symbol)
	if !ok {
		return nil
	}

	return []interface{}{
		s.buildOrderbookMessage(snapshot, timestamp),
		s.buildStatsMessage(s.engine.Stats(), timestamp),
		AlertsMessage{Type: MessageTypeAlerts, Symbol: symbol, Alerts: s.engine.Alerts(), Timestamp: timestamp},
		s.buildTradesMessage(symbol, s.engine.Trades(), timestamp),
	}
}

func (s *Server) buildOrderbookMessage(snapshot types.Snapshot, timestamp int64) OrderbookMessage {
	tick := s.aggregator.GetTickLevel()
	aggregated := s.aggregator.Apply(snapshot)

	msg := OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Exchange:  s.cfg.Exchange,
		Symbol:    snapshot.Symbol,
		Tick:      float64(tick),
		Bids:      wireLevels(aggregated.Bids),
		Asks:      wireLevels(aggregated.Asks),
		Timestamp: timestamp,
	}
	if price, ok := s.engine.LastPrice(); ok {
		msg.LastPrice = price.String()
	}
	return msg
}

// wireLevels converts levels to wire format with cumulative sums
func wireLevels(levels []types.PriceLevel) []PriceLevel {
	cumulative := aggregation.Cumulative(levels)
	out := make([]PriceLevel, 0, len(levels))
	for i, level := range levels {
		out = append(out, PriceLevel{
			Price:      level.Price.String(),
			Quantity:   level.Quantity.String(),
			Cumulative: cumulative[i].String(),
		})
	}
	return out
}

func (s *Server) buildStatsMessage(stats types.Stats, timestamp int64) StatsMessage {
	return StatsMessage{
		Type:                MessageTypeStats,
		Exchange:            s.cfg.Exchange,
		Symbol:              stats.Symbol,
		EventsProcessed:     stats.EventsProcessed,
		GapsDetected:        stats.GapsDetected,
		BestBid:             stats.BestBid.String(),
		BestAsk:             stats.BestAsk.String(),
		MidPrice:            stats.MidPrice().String(),
		Spread:              stats.Spread.String(),
		BidLiquidity05Pct:   stats.BidLiquidity05Pct.String(),
		AskLiquidity05Pct:   stats.AskLiquidity05Pct.String(),
		DeltaLiquidity05Pct: stats.DeltaLiquidity05Pct.String(),
		BidLiquidity2Pct:    stats.BidLiquidity2Pct.String(),
		AskLiquidity2Pct:    stats.AskLiquidity2Pct.String(),
		DeltaLiquidity2Pct:  stats.DeltaLiquidity2Pct.String(),
		BidLiquidity10Pct:   stats.BidLiquidity10Pct.String(),
		AskLiquidity10Pct:   stats.AskLiquidity10Pct.String(),
		DeltaLiquidity10Pct: stats.DeltaLiquidity10Pct.String(),
		TotalBidsQty:        stats.TotalBidsQty.String(),
		TotalAsksQty:        stats.TotalAsksQty.String(),
		TotalDelta:          stats.TotalDelta.String(),
		Timestamp:           timestamp,
	}
}

func (s *Server) buildTradesMessage(symbol string, trades []types.Trade, timestamp int64) TradesMessage {
	out := make([]Trade, 0, len(trades))
	for _, t := range trades {
		out = append(out, Trade{
			Price:        t.Price.String(),
			Quantity:     t.Quantity.String(),
			IsBuyerMaker: t.IsBuyerMaker,
			Time:         t.Time.UnixMilli(),
		})
	}
	return TradesMessage{Type: MessageTypeTrades, Symbol: symbol, Trades: out, Timestamp: timestamp}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"symbol": s.engine.Symbol(),
		"live":   s.engine.Live(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = s.engine.Symbol()
	}
	snapshot, ok := s.engine.Snapshot(symbol)
	if !ok {
		s.writeError(w, http.StatusNotFound, "symbol is not active: "+symbol)
		return
	}
	s.writeJSON(w, http.StatusOK, s.buildOrderbookMessage(snapshot, time.Now().UnixMilli()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildStatsMessage(s.engine.Stats(), time.Now().UnixMilli()))
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, AlertsMessage{
		Type:      MessageTypeAlerts,
		Symbol:    s.engine.Symbol(),
		Alerts:    s.engine.Alerts(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleRemoveAlert(w http.ResponseWriter, r *http.Request) {
	if !s.engine.RemoveAlert(mux.Vars(r)["id"]) {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildTradesMessage(s.engine.Symbol(), s.engine.Trades(), time.Now().UnixMilli()))
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if s.symbols == nil {
		s.writeError(w, http.StatusNotImplemented, "symbol listing is not available")
		return
	}

	quote := r.URL.Query().Get("quote")
	if quote == "" {
		quote = s.cfg.QuoteAsset
	}

	ctx, cancel := context.WithTimeout(r.Context(), symbolsTimeout)
	defer cancel()

	symbols, err := s.symbols.Symbols(ctx, strings.ToUpper(quote))
	if err != nil {
		s.log.WithError(err).Warn("symbol listing failed")
		s.writeError(w, http.StatusBadGateway, "symbol listing failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"quote": strings.ToUpper(quote), "symbols": symbols})
}

func (s *Server) handleChangeSymbol(w http.ResponseWriter, r *http.Request) {
	var msg ClientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.SwitchSymbol(msg.Symbol); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"symbol": s.engine.Symbol()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Debug("error encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorMessage{Type: MessageTypeError, Message: message})
}
