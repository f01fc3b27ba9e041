package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/stream"
	"github.com/finsight/marketstream/pkg/protocol"
)

// closeRequest carries the teardown mode to the write pump, which owns the
// socket for writing.
type closeRequest struct {
	graceful bool
	code     int
	reason   string
}

// peer binds one websocket to its registry record and runs the read/write
// pumps. All socket writes happen on the write pump goroutine.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	sc     *stream.Connection
	logger *zap.Logger

	missedPings int32

	closeOnce sync.Once
	closeCh   chan closeRequest
	done      chan struct{}
}

func newPeer(h *Hub, conn *websocket.Conn, sc *stream.Connection) *peer {
	return &peer{
		hub:     h,
		conn:    conn,
		sc:      sc,
		logger:  h.logger.With(zap.String("conn_id", sc.ID), zap.String("user_id", sc.UserID)),
		closeCh: make(chan closeRequest, 1),
		done:    make(chan struct{}),
	}
}

// requestClose hands teardown to the write pump. Safe to call from any
// goroutine; only the first request wins.
func (p *peer) requestClose(req closeRequest) {
	p.closeOnce.Do(func() {
		p.closeCh <- req
	})
}

// readPump consumes inbound operations until the socket dies. Pong frames
// refresh liveness; malformed frames are a protocol violation and force the
// connection closed.
func (p *peer) readPump() {
	defer p.hub.wg.Done()
	defer p.requestClose(closeRequest{graceful: false, code: websocket.CloseAbnormalClosure, reason: "read terminated"})

	p.conn.SetReadLimit(p.hub.cfg.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.hub.cfg.PongTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(p.hub.cfg.PongTimeout))
		atomic.StoreInt32(&p.missedPings, 0)
		p.sc.Touch()
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.sc.Touch()

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn("protocol violation, closing", zap.Error(err))
			p.requestClose(closeRequest{graceful: false, code: websocket.CloseProtocolError, reason: "malformed message"})
			return
		}
		p.handleMessage(msg)
	}
}

// handleMessage applies one inbound client operation.
func (p *peer) handleMessage(msg protocol.ClientMessage) {
	switch msg.Op {
	case protocol.OpSubscribe:
		symbol := stream.NormalizeSymbol(msg.Symbol)
		if symbol == "" {
			p.sendError("empty symbol")
			return
		}
		p.hub.index.Subscribe(p.sc.ID, stream.SymbolKey(symbol))
		p.sendAck(protocol.TypeSubscribed, protocol.Ack(symbol))

	case protocol.OpUnsubscribe:
		symbol := stream.NormalizeSymbol(msg.Symbol)
		p.hub.index.Unsubscribe(p.sc.ID, stream.SymbolKey(symbol))
		p.sendAck(protocol.TypeUnsubscribed, protocol.Ack(symbol))

	case protocol.OpSubscribeBulk:
		keys := make([]stream.ChannelKey, 0, len(msg.Symbols)+1)
		normalized := make([]string, 0, len(msg.Symbols))
		for _, s := range msg.Symbols {
			symbol := stream.NormalizeSymbol(s)
			if symbol == "" {
				continue
			}
			keys = append(keys, stream.SymbolKey(symbol))
			normalized = append(normalized, symbol)
		}
		// Bulk declaration replaces the symbol set but does not revoke an
		// existing portfolio subscription.
		for _, k := range p.hub.index.Keys(p.sc.ID) {
			if k.IsPortfolio() {
				keys = append(keys, k)
			}
		}
		p.hub.index.SubscribeSet(p.sc.ID, keys)
		data, _ := json.Marshal(map[string][]string{"symbols": normalized})
		p.sendAck(protocol.TypeSubscribed, data)

	case protocol.OpSubscribePortfolio:
		p.hub.index.Subscribe(p.sc.ID, stream.PortfolioKey(p.sc.UserID))
		p.sendAck(protocol.TypeSubscribed, protocol.Ack("portfolio"))

	case protocol.OpPong:
		atomic.StoreInt32(&p.missedPings, 0)
		p.sc.Touch()

	default:
		p.sendError("unknown op " + msg.Op)
	}
}

// sendAck queues a control acknowledgement on the normal lane.
func (p *peer) sendAck(msgType string, data json.RawMessage) {
	env := protocol.Envelope{
		Type:      msgType,
		Seq:       p.sc.NextSeq(),
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := p.sc.Outbound.Push(env, false, false); err != nil {
		p.logger.Debug("ack dropped", zap.Error(err))
	}
}

func (p *peer) sendError(detail string) {
	data, _ := json.Marshal(map[string]string{"detail": detail})
	p.sendAck(protocol.TypeError, data)
}

// writePump owns all socket writes: queued envelopes, liveness pings and the
// final close frame.
func (p *peer) writePump() {
	defer p.hub.wg.Done()

	ticker := time.NewTicker(p.hub.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sc.Outbound.Signal():
			if err := p.flushQueue(); err != nil {
				p.finish(closeRequest{graceful: false, code: websocket.CloseAbnormalClosure, reason: "write failed"})
				return
			}

		case <-ticker.C:
			missed := atomic.AddInt32(&p.missedPings, 1)
			if int(missed) > p.hub.cfg.MaxMissedPings {
				heartbeatTimeouts.Inc()
				p.logger.Info("heartbeat timeout",
					zap.Int32("missed_probes", missed))
				p.requestClose(closeRequest{graceful: false, code: websocket.ClosePolicyViolation, reason: "heartbeat timeout"})
				continue
			}
			deadline := time.Now().Add(p.hub.cfg.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				p.finish(closeRequest{graceful: false, code: websocket.CloseAbnormalClosure, reason: "ping failed"})
				return
			}

		case req := <-p.closeCh:
			p.finish(req)
			return
		}
	}
}

// flushQueue writes everything currently queued.
func (p *peer) flushQueue() error {
	for {
		env, ok := p.sc.Outbound.TryPop()
		if !ok {
			return nil
		}
		p.conn.SetWriteDeadline(time.Now().Add(p.hub.cfg.WriteTimeout))
		if err := p.conn.WriteJSON(env); err != nil {
			return err
		}
	}
}

// finish tears the connection down. Graceful closes drain the queue within
// the drain deadline; forced closes skip straight to the close frame.
func (p *peer) finish(req closeRequest) {
	p.sc.SetState(stream.StateClosing)

	if req.graceful {
		deadline := time.Now().Add(p.hub.cfg.DrainTimeout)
		for time.Now().Before(deadline) {
			env, ok := p.sc.Outbound.TryPop()
			if !ok {
				break
			}
			p.conn.SetWriteDeadline(time.Now().Add(p.hub.cfg.WriteTimeout))
			if p.conn.WriteJSON(env) != nil {
				break
			}
		}
	}

	closeDeadline := time.Now().Add(p.hub.cfg.WriteTimeout)
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(req.code, req.reason), closeDeadline)
	p.conn.Close()

	p.hub.registry.Unregister(p.sc.ID)
	p.hub.removePeer(p.sc.ID)
	close(p.done)

	p.logger.Info("connection closed",
		zap.Bool("graceful", req.graceful),
		zap.String("reason", req.reason))
}
