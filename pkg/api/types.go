package api

// Wire shapes of the /center endpoints and websocket pushes. Prices are
// rendered in major units with two decimals.

const (
	stateOK    = "ok"
	stateError = "error"
)

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	State string `json:"state"` // always "error"
	Kind  string `json:"kind"`
	Info  string `json:"info"`
}

// StatusResponse acknowledges a command with no payload
type StatusResponse struct {
	State string `json:"state"`
}

// SubmitResponse answers /center/buy and /center/sell
type SubmitResponse struct {
	State     string `json:"state"`
	ID        int64  `json:"id"`
	Filled    int64  `json:"filled"`
	Remaining int64  `json:"remaining"`
	Halted    bool   `json:"halted,omitempty"`
}

// StockInfo is an instrument snapshot
type StockInfo struct {
	Code         string `json:"code"`
	Price        string `json:"price"`
	SurgingRange string `json:"surging_range,omitempty"` // empty when unbounded
	DeclineRange string `json:"decline_range"`
	LowestPrice  string `json:"lowest_price"`
	HighestPrice string `json:"highest_price"`
	Amount       int64  `json:"amount"` // traded volume
	LastPrice    string `json:"last_price"`
	ClosingPrice string `json:"closing_price"`
	OpeningPrice string `json:"opening_price"`
	Pause        bool   `json:"pause"`
	Status       string `json:"status"`
}

type StockResponse struct {
	State string    `json:"state"`
	Stock StockInfo `json:"stock"`
}

type StocksResponse struct {
	State  string      `json:"state"`
	Stocks []StockInfo `json:"stocks"`
}

// OrderInfo is an instruction as seen by its owner
type OrderInfo struct {
	ID        int64  `json:"id"`
	Code      string `json:"code"`
	Type      string `json:"type"` // buy | sell
	Amount    int64  `json:"amount"`
	Remaining int64  `json:"remaining"`
	Price     string `json:"price"`
	Cancelled bool   `json:"cancelled"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

type OrderResponse struct {
	State string    `json:"state"`
	Order OrderInfo `json:"order"`
}

// ClosedStock names an instrument stopped by its circuit breaker
type ClosedStock struct {
	Stock string `json:"stock"`
	State string `json:"state"` // surged | declined
}

type ClosedResponse struct {
	State  string        `json:"state"`
	Stocks []ClosedStock `json:"stocks"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to manage its channels, e.g.
// {"op":"subscribe","channels":["trades:ACME","status:ACME"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}

// WSMessage wraps every push with the channel it was published on
type WSMessage struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}
