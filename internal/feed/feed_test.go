package feed

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/marketstream/internal/stream"
)

func TestDecodePriceTick(t *testing.T) {
	raw := []byte(`{"symbol":"AAPL","price":"189.42","time":"2026-08-31T14:30:00Z"}`)

	ev, err := DecodePriceTick(raw)
	require.NoError(t, err)
	assert.Equal(t, stream.EventPriceUpdate, ev.Kind)
	assert.Equal(t, "AAPL", ev.Symbol)
	assert.JSONEq(t, string(raw), string(ev.Payload))

	var tick PriceTick
	require.NoError(t, json.Unmarshal(ev.Payload, &tick))
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("189.42")))
}

func TestDecodePriceTickRejectsMissingSymbol(t *testing.T) {
	_, err := DecodePriceTick([]byte(`{"price":"1.0"}`))
	assert.Error(t, err)

	_, err = DecodePriceTick([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMarketStatus(t *testing.T) {
	ev, err := DecodeMarketStatus([]byte(`{"market":"NYSE","status":"open"}`))
	require.NoError(t, err)
	assert.Equal(t, stream.EventMarketStatus, ev.Kind)
	assert.True(t, ev.Broadcast())
}

func TestDecodeAccountEventKinds(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		kind    stream.EventKind
		userID  string
		symbol  string
		wantErr bool
	}{
		{
			name:   "portfolio update",
			raw:    `{"kind":"portfolio_update","user_id":"u1","payload":{"total":"1000"}}`,
			kind:   stream.EventPortfolioUpdate,
			userID: "u1",
		},
		{
			name:   "trade executed",
			raw:    `{"kind":"trade_executed","user_id":"u2","payload":{"symbol":"TSLA","qty":"5"}}`,
			kind:   stream.EventTradeExecuted,
			userID: "u2",
		},
		{
			name:   "ai alert",
			raw:    `{"kind":"ai_alert","symbol":"NVDA","payload":{"signal":"overbought"}}`,
			kind:   stream.EventAIAlert,
			symbol: "NVDA",
		},
		{
			name:    "unknown kind",
			raw:     `{"kind":"mystery","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "portfolio without user",
			raw:     `{"kind":"portfolio_update","payload":{}}`,
			wantErr: true,
		},
		{
			name:    "alert without symbol",
			raw:     `{"kind":"ai_alert","payload":{}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeAccountEvent([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.userID, ev.UserID)
			assert.Equal(t, tt.symbol, ev.Symbol)
		})
	}
}

func TestDecodedTradeIsCritical(t *testing.T) {
	ev, err := DecodeAccountEvent([]byte(`{"kind":"trade_executed","user_id":"u1","payload":{}}`))
	require.NoError(t, err)
	assert.True(t, ev.Critical())

	key, err := ev.RoutingKey()
	require.NoError(t, err)
	assert.Equal(t, stream.PortfolioKey("u1"), key)
}
