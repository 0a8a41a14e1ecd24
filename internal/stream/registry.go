package stream

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/internal/exchange"
	"orderflow/internal/instrumentation"
	"orderflow/internal/logger"
)

const (
	DefaultReconnectDelay   = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = time.Minute

	pongWait = time.Second

	closeReason = "No more subscribers"
)

// Key identifies one physical connection
type Key struct {
	Symbol  string
	Channel exchange.Channel
}

func (k Key) String() string {
	return k.Symbol + "@" + string(k.Channel)
}

// Handler receives every successfully parsed message of a subscription.
// Handlers run on the connection's read goroutine and must not block for long.
type Handler func(msg exchange.Message)

// Config controls connection lifecycle timing
type Config struct {
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout is how long a connection may stay silent (no frame and no ping)
	// before it is treated as dead and reconnected
	ReadTimeout time.Duration
}

// Registry multiplexes local subscribers over one websocket per (symbol, channel).
// A connection is opened by the first subscriber, reopened after any closure the
// registry did not request, and closed with code 1000 when the last subscriber leaves.
type Registry struct {
	mu     sync.Mutex
	conns  map[Key]*connection
	closed bool

	venue          exchange.Venue
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	readTimeout    time.Duration
	metrics        *instrumentation.Metrics
	log            *logger.Entry
}

// NewRegistry creates a registry dialing the streams of venue
func NewRegistry(venue exchange.Venue, cfg Config, metrics *instrumentation.Metrics) *Registry {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	return &Registry{
		conns: make(map[Key]*connection),
		venue: venue,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		reconnectDelay: cfg.ReconnectDelay,
		readTimeout:    cfg.ReadTimeout,
		metrics:        metrics,
		log:            logger.GetLogger().WithComponent("stream"),
	}
}

// Subscribe registers h for (symbol, channel) and returns its unsubscribe func.
// The registry entry exists when Subscribe returns, so concurrent subscribers
// for the same key share one connection even while the handshake is in flight.
// The returned func is idempotent and safe to call after the connection died.
func (r *Registry) Subscribe(symbol string, channel exchange.Channel, h Handler) func() {
	key := Key{Symbol: strings.ToLower(symbol), Channel: channel}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.WithFields(logger.Fields{"stream": key.String()}).Warn("subscribe on closed registry ignored")
		return func() {}
	}

	c, ok := r.conns[key]
	if !ok {
		c = &connection{
			key:      key,
			url:      r.venue.StreamURL(key.Symbol, key.Channel),
			registry: r,
			handlers: make(map[uint64]Handler),
			log:      r.log.WithFields(logger.Fields{"stream": key.String()}),
		}
		r.conns[key] = c
		r.metrics.SetActiveConnections(len(r.conns))
		go c.connect()
	}

	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(c, id) })
	}
}

func (r *Registry) unsubscribe(c *connection, id uint64) {
	r.mu.Lock()
	delete(c.handlers, id)
	if len(c.handlers) > 0 || r.conns[c.key] != c {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.key)
	r.metrics.SetActiveConnections(len(r.conns))
	ws := c.teardown()
	r.mu.Unlock()

	c.log.Info("last subscriber left, closing stream")
	closeNormal(ws)
}

// Active returns the keys of every held connection, sorted
func (r *Registry) Active() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Close tears down every connection. Later subscribes are ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sockets := make([]*websocket.Conn, 0, len(r.conns))
	for key, c := range r.conns {
		if ws := c.teardown(); ws != nil {
			sockets = append(sockets, ws)
		}
		delete(r.conns, key)
	}
	r.metrics.SetActiveConnections(0)
	r.mu.Unlock()

	for _, ws := range sockets {
		closeNormal(ws)
	}
}

// connection is one physical stream. Every field below log is guarded by registry.mu.
type connection struct {
	key      Key
	url      string
	registry *Registry
	log      *logger.Entry

	handlers   map[uint64]Handler
	nextID     uint64
	ws         *websocket.Conn
	cancelDial context.CancelFunc
	reconnect  *time.Timer
	generation uint64
	closing    bool
}

// connect dials one physical connection and reads it until it fails
func (c *connection) connect() {
	r := c.registry

	r.mu.Lock()
	if c.closing {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.generation++
	gen := c.generation
	r.mu.Unlock()

	ws, _, err := r.dialer.DialContext(ctx, c.url, nil)
	cancel()

	r.mu.Lock()
	if c.closing || gen != c.generation {
		r.mu.Unlock()
		closeNormal(ws)
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.log.WithError(err).Warn("stream dial failed")
		c.scheduleReconnect()
		r.mu.Unlock()
		return
	}
	c.ws = ws
	r.mu.Unlock()

	c.log.Info("stream connected")
	c.read(ws, gen)
}

func (c *connection) read(ws *websocket.Conn, gen uint64) {
	r := c.registry
	defer ws.Close()

	// venue pings count as liveness; the pong reply is still sent
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(r.readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(pongWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(r.readTimeout))
	})

	for {
		ws.SetReadDeadline(time.Now().Add(r.readTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			r.mu.Lock()
			requested := c.closing || gen != c.generation
			if !requested {
				c.ws = nil
				c.scheduleReconnect()
			}
			r.mu.Unlock()

			if !requested {
				c.log.WithError(err).Warn("stream closed unexpectedly")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *connection) dispatch(data []byte) {
	r := c.registry
	channel := string(c.key.Channel)
	r.metrics.RecordMessage(channel)

	msg, err := r.venue.Parse(c.key.Channel, data)
	if err != nil {
		r.metrics.RecordParseError(channel)
		var perr *exchange.ParseError
		if errors.As(err, &perr) {
			c.log.WithError(perr.Err).Debug("dropping unparseable frame")
		} else {
			c.log.WithError(err).Debug("dropping frame")
		}
		return
	}

	r.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		c.deliver(h, msg)
	}
}

func (c *connection) deliver(h Handler, msg exchange.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.WithFields(logger.Fields{"panic": rec}).Error("stream handler panicked")
		}
	}()
	h(msg)
}

// scheduleReconnect arms the single reconnect timer (must be called with registry.mu locked)
func (c *connection) scheduleReconnect() {
	if c.closing || c.reconnect != nil {
		return
	}
	r := c.registry
	r.metrics.RecordReconnect(string(c.key.Channel))
	c.log.WithFields(logger.Fields{"delay": r.reconnectDelay.String()}).Info("scheduling reconnect")

	var timer *time.Timer
	timer = time.AfterFunc(r.reconnectDelay, func() {
		r.mu.Lock()
		if c.reconnect != timer || c.closing {
			r.mu.Unlock()
			return
		}
		c.reconnect = nil
		r.mu.Unlock()

		c.connect()
	})
	c.reconnect = timer
}

// teardown marks the connection as intentionally closed, cancels pending work and
// returns the live socket, if any (must be called with registry.mu locked)
func (c *connection) teardown() *websocket.Conn {
	c.closing = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	ws := c.ws
	c.ws = nil
	return ws
}

func closeNormal(ws *websocket.Conn) {
	if ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.Close()
}
