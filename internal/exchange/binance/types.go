package binance

// Config holds venue endpoints. Empty fields fall back to the production hosts.
type Config struct {
	StreamBaseURL string // e.g. wss://stream.binance.com:9443/ws
	RestBaseURL   string // e.g. https://api.binance.com
	// RequestsPerSecond bounds REST calls (snapshot resyncs, symbol lookups)
	RequestsPerSecond float64
	Burst             int
}

// DepthEvent represents a diff depth event from the raw websocket stream.
// Both sides are optional; an absent side carries no updates.
type DepthEvent struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// TradeEvent represents a trade event from the raw websocket stream
type TradeEvent struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
	TradeTime    int64  `json:"T"`
}
