package stream

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/pkg/protocol"
)

var (
	routedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_routed_events_total",
		Help: "Domain events routed, by kind.",
	}, []string{"kind"})
	deliveredMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_delivered_messages_total",
		Help: "Messages enqueued to client connections.",
	})
	droppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketstream_dropped_messages_total",
		Help: "Messages shed under backpressure, by reason.",
	}, []string{"reason"})
	routeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketstream_route_latency_seconds",
		Help:    "Latency of routing one event to all targets.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(routedEvents, deliveredMessages, droppedMessages, routeLatency)
}

// SaturationHandler is invoked when a critical event cannot be queued for a
// connection. The transport is expected to force-close it rather than let a
// trade confirmation vanish.
type SaturationHandler func(conn *Connection, ev Event)

// Router resolves inbound domain events to their target connections and
// enqueues them, isolating slow consumers from one another. A single routing
// goroutine consumes the inbound channel, which preserves per-key delivery
// order without holding index locks during enqueue.
type Router struct {
	registry *Registry
	index    *SubscriptionIndex
	logger   *zap.Logger

	events      chan Event
	onSaturated SaturationHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router over the given registry and index.
func NewRouter(registry *Registry, index *SubscriptionIndex, bufferSize int, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		registry: registry,
		index:    index,
		logger:   logger,
		events:   make(chan Event, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnSaturated installs the handler called when a connection saturates with a
// critical event pending. Must be set before Start.
func (rt *Router) OnSaturated(h SaturationHandler) {
	rt.onSaturated = h
}

// Start launches the routing loop.
func (rt *Router) Start() {
	rt.wg.Add(1)
	go rt.run()
}

// Stop terminates the routing loop and waits for it to drain.
func (rt *Router) Stop() {
	rt.cancel()
	rt.wg.Wait()
}

// Publish submits an event for routing. Droppable events are shed when the
// router's inbound buffer is full; critical events block until accepted.
func (rt *Router) Publish(ev Event) error {
	if ev.Received.IsZero() {
		ev.Received = time.Now()
	}
	if ev.Critical() {
		select {
		case rt.events <- ev:
			return nil
		case <-rt.ctx.Done():
			return ErrConnectionClosed
		}
	}
	select {
	case rt.events <- ev:
		return nil
	default:
		droppedMessages.WithLabelValues("router_backlog").Inc()
		rt.logger.Warn("router backlog full, shedding event",
			zap.String("kind", string(ev.Kind)),
			zap.String("symbol", ev.Symbol))
		return ErrQueueSaturated
	}
}

func (rt *Router) run() {
	defer rt.wg.Done()
	for {
		select {
		case <-rt.ctx.Done():
			return
		case ev := <-rt.events:
			rt.dispatch(ev)
		}
	}
}

// dispatch fans one event out to every matching open connection. Failures on
// one connection never halt delivery to the rest.
func (rt *Router) dispatch(ev Event) {
	start := time.Now()
	defer func() {
		routeLatency.Observe(time.Since(start).Seconds())
	}()
	routedEvents.WithLabelValues(string(ev.Kind)).Inc()

	if ev.Broadcast() {
		for _, conn := range rt.registry.Open() {
			rt.deliver(conn, ev)
		}
		return
	}

	key, err := ev.RoutingKey()
	if err != nil {
		rt.logger.Error("unroutable event", zap.Error(err))
		return
	}
	for _, connID := range rt.index.ConnectionsFor(key) {
		conn, ok := rt.registry.Get(connID)
		if !ok || conn.State() != StateOpen {
			continue
		}
		rt.deliver(conn, ev)
	}
}

func (rt *Router) deliver(conn *Connection, ev Event) {
	env := protocol.Envelope{
		Type:      wireType(ev.Kind),
		Seq:       conn.NextSeq(),
		Data:      ev.Payload,
		Timestamp: ev.Received,
	}

	err := conn.Outbound.Push(env, ev.Critical(), ev.Kind == EventPriceUpdate)
	switch {
	case err == nil:
		deliveredMessages.Inc()
	case ev.Critical():
		// A trade confirmation that cannot be queued must not be lost
		// silently; the connection is sacrificed instead.
		droppedMessages.WithLabelValues("critical_saturation").Inc()
		rt.logger.Warn("critical event saturated connection, forcing disconnect",
			zap.String("conn_id", conn.ID),
			zap.String("user_id", conn.UserID))
		if rt.onSaturated != nil {
			rt.onSaturated(conn, ev)
		}
	default:
		droppedMessages.WithLabelValues("queue_full").Inc()
		rt.logger.Debug("dropped message for slow connection",
			zap.String("conn_id", conn.ID),
			zap.String("kind", string(ev.Kind)))
	}
}

// wireType maps an event kind to its outbound message type.
func wireType(kind EventKind) string {
	switch kind {
	case EventPriceUpdate:
		return protocol.TypePriceUpdate
	case EventPortfolioUpdate:
		return protocol.TypePortfolioUpdate
	case EventTradeExecuted:
		return protocol.TypeTradeExecuted
	case EventAIAlert:
		return protocol.TypeAIAlert
	case EventMarketStatus:
		return protocol.TypeMarketStatus
	}
	return string(kind)
}
