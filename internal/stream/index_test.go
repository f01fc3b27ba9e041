package stream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeThenConnectionsFor(t *testing.T) {
	ix := NewSubscriptionIndex()
	key := SymbolKey("AAPL")

	ix.Subscribe("c1", key)
	assert.Contains(t, ix.ConnectionsFor(key), "c1")

	ix.Unsubscribe("c1", key)
	assert.NotContains(t, ix.ConnectionsFor(key), "c1")
}

func TestSubscribeIdempotent(t *testing.T) {
	ix := NewSubscriptionIndex()
	key := SymbolKey("TSLA")

	ix.Subscribe("c1", key)
	ix.Subscribe("c1", key)

	require.Len(t, ix.ConnectionsFor(key), 1)
	require.Len(t, ix.Keys("c1"), 1)
}

func TestUnsubscribeAbsentIsNoop(t *testing.T) {
	ix := NewSubscriptionIndex()
	ix.Unsubscribe("ghost", SymbolKey("AAPL"))
	assert.Empty(t, ix.ConnectionsFor(SymbolKey("AAPL")))
}

func TestSubscribeSetIsFullReplace(t *testing.T) {
	ix := NewSubscriptionIndex()
	a, b, c := SymbolKey("A"), SymbolKey("B"), SymbolKey("C")

	ix.Subscribe("c1", a)
	ix.Subscribe("c1", b)

	ix.SubscribeSet("c1", []ChannelKey{b, c})

	assert.NotContains(t, ix.ConnectionsFor(a), "c1")
	assert.Contains(t, ix.ConnectionsFor(b), "c1")
	assert.Contains(t, ix.ConnectionsFor(c), "c1")
	assert.ElementsMatch(t, []ChannelKey{b, c}, ix.Keys("c1"))
}

func TestSubscribeSetEmptyClearsSymbols(t *testing.T) {
	ix := NewSubscriptionIndex()
	ix.Subscribe("c1", SymbolKey("AAPL"))

	ix.SubscribeSet("c1", nil)
	assert.Empty(t, ix.Keys("c1"))
}

func TestClearRemovesEveryRelation(t *testing.T) {
	ix := NewSubscriptionIndex()
	keys := []ChannelKey{SymbolKey("AAPL"), SymbolKey("TSLA"), PortfolioKey("u1")}
	for _, k := range keys {
		ix.Subscribe("c1", k)
	}
	ix.Subscribe("c2", SymbolKey("AAPL"))

	ix.Clear("c1")

	for _, k := range keys {
		assert.NotContains(t, ix.ConnectionsFor(k), "c1", "key %s leaked", k)
	}
	assert.Empty(t, ix.Keys("c1"))
	// Other connections are untouched.
	assert.Contains(t, ix.ConnectionsFor(SymbolKey("AAPL")), "c2")
}

func TestManyConnectionsPerKey(t *testing.T) {
	ix := NewSubscriptionIndex()
	key := SymbolKey("SPY")
	for i := 0; i < 50; i++ {
		ix.Subscribe(fmt.Sprintf("c%d", i), key)
	}
	require.Len(t, ix.ConnectionsFor(key), 50)
}

func TestConcurrentMutationAndLookup(t *testing.T) {
	ix := NewSubscriptionIndex()
	key := SymbolKey("AAPL")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			for j := 0; j < 200; j++ {
				ix.Subscribe(id, key)
				ix.ConnectionsFor(key)
				ix.Unsubscribe(id, key)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, ix.ConnectionsFor(key))
}

func TestChannelKeyNormalization(t *testing.T) {
	assert.Equal(t, SymbolKey("AAPL"), SymbolKey("  aapl "))
	assert.Equal(t, "AAPL", SymbolKey("aapl").Symbol())
	assert.True(t, PortfolioKey("u1").IsPortfolio())
	assert.False(t, SymbolKey("AAPL").IsPortfolio())
	assert.Empty(t, PortfolioKey("u1").Symbol())
}
