package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind tags a domain event produced by an upstream collaborator.
type EventKind string

const (
	EventPriceUpdate     EventKind = "price_update"
	EventPortfolioUpdate EventKind = "portfolio_update"
	EventTradeExecuted   EventKind = "trade_executed"
	EventAIAlert         EventKind = "ai_alert"
	EventMarketStatus    EventKind = "market_status"
)

// Event is an immutable domain event. Symbol is set for symbol-keyed kinds,
// UserID for portfolio-keyed kinds; market_status carries neither and is
// broadcast to every open connection.
type Event struct {
	Kind     EventKind
	Symbol   string
	UserID   string
	Payload  json.RawMessage
	Received time.Time
}

// Critical reports whether the event must never be silently dropped.
func (e Event) Critical() bool {
	return e.Kind == EventTradeExecuted
}

// Broadcast reports whether the event is delivered to all open connections
// regardless of subscription state.
func (e Event) Broadcast() bool {
	return e.Kind == EventMarketStatus
}

// RoutingKey resolves the channel key an event fans out on. Broadcast events
// have no key; callers must check Broadcast first.
func (e Event) RoutingKey() (ChannelKey, error) {
	switch e.Kind {
	case EventPriceUpdate, EventAIAlert:
		return SymbolKey(e.Symbol), nil
	case EventPortfolioUpdate, EventTradeExecuted:
		return PortfolioKey(e.UserID), nil
	case EventMarketStatus:
		return "", fmt.Errorf("market_status has no routing key")
	default:
		return "", fmt.Errorf("unknown event kind %q", e.Kind)
	}
}

// ChannelKey is the unit of subscription: a normalized instrument symbol or
// the portfolio sentinel scoped to one authenticated user.
type ChannelKey string

const (
	symbolPrefix    = "sym:"
	portfolioPrefix = "portfolio:"
)

// NormalizeSymbol canonicalizes an instrument symbol: trimmed, upper-cased.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SymbolKey builds the channel key for an instrument symbol.
func SymbolKey(symbol string) ChannelKey {
	return ChannelKey(symbolPrefix + NormalizeSymbol(symbol))
}

// PortfolioKey builds the portfolio sentinel key for a user.
func PortfolioKey(userID string) ChannelKey {
	return ChannelKey(portfolioPrefix + userID)
}

// IsPortfolio reports whether the key is a portfolio sentinel.
func (k ChannelKey) IsPortfolio() bool {
	return strings.HasPrefix(string(k), portfolioPrefix)
}

// Symbol returns the symbol for a symbol key, or "" for sentinel keys.
func (k ChannelKey) Symbol() string {
	if strings.HasPrefix(string(k), symbolPrefix) {
		return strings.TrimPrefix(string(k), symbolPrefix)
	}
	return ""
}
