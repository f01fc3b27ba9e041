// Package feed ingests upstream producer streams and maps them onto domain
// events for the router. Redis pub/sub carries the low-latency market-data
// channels; Kafka carries the durable per-user trade/portfolio/alert stream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finsight/marketstream/internal/stream"
)

// Publisher accepts decoded domain events. Satisfied by *stream.Router.
type Publisher interface {
	Publish(ev stream.Event) error
}

// Consumer is a long-running feed source.
type Consumer interface {
	Run(ctx context.Context) error
}

// PriceTick is the payload shape on the market-data price channel.
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"time"`
}

// MarketStatus is the payload shape on the market-status channel.
type MarketStatus struct {
	Market string `json:"market"`
	Status string `json:"status"`
}

// accountEvent is the envelope on the Kafka account-events topic, produced
// by the trade/portfolio subsystem and the AI-analysis engine.
type accountEvent struct {
	Kind    string          `json:"kind"`
	UserID  string          `json:"user_id,omitempty"`
	Symbol  string          `json:"symbol,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// DecodePriceTick maps a raw price message to a domain event.
func DecodePriceTick(data []byte) (stream.Event, error) {
	var tick PriceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return stream.Event{}, fmt.Errorf("decode price tick: %w", err)
	}
	if stream.NormalizeSymbol(tick.Symbol) == "" {
		return stream.Event{}, fmt.Errorf("price tick without symbol")
	}
	return stream.Event{
		Kind:    stream.EventPriceUpdate,
		Symbol:  tick.Symbol,
		Payload: json.RawMessage(data),
	}, nil
}

// DecodeMarketStatus maps a raw market-status message to a broadcast event.
func DecodeMarketStatus(data []byte) (stream.Event, error) {
	var status MarketStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return stream.Event{}, fmt.Errorf("decode market status: %w", err)
	}
	return stream.Event{
		Kind:    stream.EventMarketStatus,
		Payload: json.RawMessage(data),
	}, nil
}

// DecodeAccountEvent maps a raw account-stream message to a domain event.
func DecodeAccountEvent(data []byte) (stream.Event, error) {
	var ev accountEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return stream.Event{}, fmt.Errorf("decode account event: %w", err)
	}

	var kind stream.EventKind
	switch ev.Kind {
	case "portfolio_update":
		kind = stream.EventPortfolioUpdate
	case "trade_executed":
		kind = stream.EventTradeExecuted
	case "ai_alert":
		kind = stream.EventAIAlert
	default:
		return stream.Event{}, fmt.Errorf("unknown account event kind %q", ev.Kind)
	}

	switch kind {
	case stream.EventPortfolioUpdate, stream.EventTradeExecuted:
		if ev.UserID == "" {
			return stream.Event{}, fmt.Errorf("%s without user_id", ev.Kind)
		}
	case stream.EventAIAlert:
		if stream.NormalizeSymbol(ev.Symbol) == "" {
			return stream.Event{}, fmt.Errorf("ai_alert without symbol")
		}
	}

	return stream.Event{
		Kind:    kind,
		UserID:  ev.UserID,
		Symbol:  ev.Symbol,
		Payload: ev.Payload,
	}, nil
}
