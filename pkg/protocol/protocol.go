// Package protocol defines the wire messages exchanged between the
// distribution core and its WebSocket clients.
package protocol

import (
	"encoding/json"
	"time"
)

// Outbound message types, tagged by kind.
const (
	TypePriceUpdate     = "price:update"
	TypePortfolioUpdate = "portfolio:update"
	TypeTradeExecuted   = "trade:executed"
	TypeAIAlert         = "ai:alert"
	TypeMarketStatus    = "market:status"

	// Control acknowledgements.
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Inbound client operations.
const (
	OpSubscribe          = "subscribe"           // single symbol
	OpUnsubscribe        = "unsubscribe"         // single symbol
	OpSubscribeBulk      = "subscribe_bulk"      // full symbol-set replace
	OpSubscribePortfolio = "subscribe_portfolio" // enable portfolio channel
	OpPong               = "pong"                // liveness probe response
)

// Envelope is the framed server->client message. Seq is monotonic per
// connection so clients can detect gaps after a reconnect.
type Envelope struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// ClientMessage is the framed client->server message.
type ClientMessage struct {
	Op      string   `json:"op"`
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// Ack builds a subscription acknowledgement payload.
func Ack(symbol string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"symbol": symbol})
	return data
}
