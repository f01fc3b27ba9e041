package stream

import (
	"sync"
	"time"
)

// SubscriptionIndex is the inverted index from channel key to subscribed
// connections, plus the per-connection view used for cascade cleanup and
// bulk replacement. It owns the relation only; Connection records belong to
// the Registry. All mutations are short critical sections so router lookups
// never observe a half-applied change.
type SubscriptionIndex struct {
	mu     sync.RWMutex
	byKey  map[ChannelKey]map[string]struct{}
	byConn map[string]map[ChannelKey]time.Time
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		byKey:  make(map[ChannelKey]map[string]struct{}),
		byConn: make(map[string]map[ChannelKey]time.Time),
	}
}

// Subscribe adds the relation. Subscribing an already-subscribed key is a
// no-op, so a single event is never delivered twice to one connection.
func (ix *SubscriptionIndex) Subscribe(connID string, key ChannelKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.subscribeLocked(connID, key)
}

func (ix *SubscriptionIndex) subscribeLocked(connID string, key ChannelKey) {
	conns, ok := ix.byKey[key]
	if !ok {
		conns = make(map[string]struct{})
		ix.byKey[key] = conns
	}
	if _, dup := conns[connID]; dup {
		return
	}
	conns[connID] = struct{}{}

	keys, ok := ix.byConn[connID]
	if !ok {
		keys = make(map[ChannelKey]time.Time)
		ix.byConn[connID] = keys
	}
	keys[key] = time.Now()
}

// Unsubscribe removes the relation; absent relations are a no-op.
func (ix *SubscriptionIndex) Unsubscribe(connID string, key ChannelKey) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.unsubscribeLocked(connID, key)
}

func (ix *SubscriptionIndex) unsubscribeLocked(connID string, key ChannelKey) {
	if conns, ok := ix.byKey[key]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(ix.byKey, key)
		}
	}
	if keys, ok := ix.byConn[connID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(ix.byConn, connID)
		}
	}
}

// SubscribeSet replaces the connection's entire subscription set with keys,
// applying the symmetric difference in one critical section. Used on
// reconnect, where the declared set supersedes whatever was there before.
func (ix *SubscriptionIndex) SubscribeSet(connID string, keys []ChannelKey) {
	desired := make(map[ChannelKey]struct{}, len(keys))
	for _, k := range keys {
		desired[k] = struct{}{}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for existing := range ix.byConn[connID] {
		if _, keep := desired[existing]; !keep {
			ix.unsubscribeLocked(connID, existing)
		}
	}
	for k := range desired {
		ix.subscribeLocked(connID, k)
	}
}

// ConnectionsFor returns the fan-out list for a key. Cost is proportional to
// the subscriber count for that key, not total connections.
func (ix *SubscriptionIndex) ConnectionsFor(key ChannelKey) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	conns := ix.byKey[key]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Keys returns the connection's current subscription keys.
func (ix *SubscriptionIndex) Keys(connID string) []ChannelKey {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := ix.byConn[connID]
	if len(keys) == 0 {
		return nil
	}
	out := make([]ChannelKey, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// Clear removes every relation for a connection. Called by the registry
// cascade on unregister.
func (ix *SubscriptionIndex) Clear(connID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key := range ix.byConn[connID] {
		if conns, ok := ix.byKey[key]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(ix.byKey, key)
			}
		}
	}
	delete(ix.byConn, connID)
}
