// Package client implements the consumer-facing reconnecting channel: one
// stable logical subscription across many physical WebSocket connections.
// The desired subscription set is declarative state, re-declared in full
// after every successful handshake, so resubscription is idempotent even if
// the previous connection died mid-update.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/pkg/protocol"
)

// State is the channel's logical connection state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrChannelFailed is surfaced once the maximum reconnect attempts are
	// exhausted. The consumer decides whether to build a fresh channel.
	ErrChannelFailed = errors.New("channel failed: reconnect attempts exhausted")

	// ErrTransportError wraps a failure of the underlying connection.
	ErrTransportError = errors.New("transport error")
)

// Conn is the minimal transport surface the channel needs; satisfied by
// *websocket.Conn and by test fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// DialFunc establishes one physical connection carrying the credential.
type DialFunc func(ctx context.Context, rawURL, token string) (Conn, error)

// defaultDial dials with gorilla/websocket, passing the token as a query
// parameter the way the server's handshake expects.
func defaultDial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config configures a Channel.
type Config struct {
	URL   string
	Token string

	// Backoff defaults to DefaultBackoff; MaxAttempts bounds consecutive
	// failed connection attempts before the channel gives up (default 5).
	Backoff     Backoff
	MaxAttempts int

	// Dial defaults to a gorilla/websocket dialer.
	Dial        DialFunc
	DialTimeout time.Duration

	// OnEvent receives every routed envelope; OnStateChange observes
	// lifecycle transitions. Both are invoked from the channel goroutine.
	OnEvent       func(protocol.Envelope)
	OnStateChange func(State)

	Logger *zap.Logger
}

// Channel is the reconnecting subscription channel.
type Channel struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	symbols   map[string]struct{}
	portfolio bool
	conn      Conn
	lastErr   error

	// writeMu serializes all writes on the live connection; the transport
	// allows only one concurrent writer.
	writeMu sync.Mutex

	state int32

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates an idle channel. Start begins connecting.
func New(cfg Config) *Channel {
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:     cfg,
		logger:  cfg.Logger,
		symbols: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// State returns the channel's current state.
func (ch *Channel) State() State {
	return State(atomic.LoadInt32(&ch.state))
}

// Err returns the error that drove the most recent state transition, if any.
// After the failed state it matches ErrChannelFailed.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.lastErr
}

func (ch *Channel) setErr(err error) {
	ch.mu.Lock()
	ch.lastErr = err
	ch.mu.Unlock()
}

func (ch *Channel) setState(s State) {
	atomic.StoreInt32(&ch.state, int32(s))
	if ch.cfg.OnStateChange != nil {
		ch.cfg.OnStateChange(s)
	}
}

// Start launches the connection loop. Safe to call once.
func (ch *Channel) Start() {
	ch.mu.Lock()
	if ch.started {
		ch.mu.Unlock()
		return
	}
	ch.started = true
	ch.mu.Unlock()

	ch.wg.Add(1)
	go ch.run()
}

// Subscribe adds a symbol to the desired set. Applied immediately when open;
// otherwise it takes effect on the next successful handshake.
func (ch *Channel) Subscribe(symbol string) {
	ch.mu.Lock()
	ch.symbols[symbol] = struct{}{}
	conn := ch.liveConnLocked()
	ch.mu.Unlock()

	if conn != nil {
		ch.send(conn, protocol.ClientMessage{Op: protocol.OpSubscribe, Symbol: symbol})
	}
}

// Unsubscribe removes a symbol from the desired set.
func (ch *Channel) Unsubscribe(symbol string) {
	ch.mu.Lock()
	delete(ch.symbols, symbol)
	conn := ch.liveConnLocked()
	ch.mu.Unlock()

	if conn != nil {
		ch.send(conn, protocol.ClientMessage{Op: protocol.OpUnsubscribe, Symbol: symbol})
	}
}

// SubscribePortfolio enables portfolio updates for the authenticated user.
func (ch *Channel) SubscribePortfolio() {
	ch.mu.Lock()
	ch.portfolio = true
	conn := ch.liveConnLocked()
	ch.mu.Unlock()

	if conn != nil {
		ch.send(conn, protocol.ClientMessage{Op: protocol.OpSubscribePortfolio})
	}
}

// Symbols returns the desired symbol set, sorted.
func (ch *Channel) Symbols() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]string, 0, len(ch.symbols))
	for s := range ch.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close tears the channel down: cancels any pending reconnect timer and
// closes the physical connection if open.
func (ch *Channel) Close() {
	ch.cancel()
	ch.mu.Lock()
	if ch.conn != nil {
		ch.conn.Close()
		ch.conn = nil
	}
	ch.mu.Unlock()
	ch.wg.Wait()
	ch.setState(StateClosed)
}

// liveConnLocked returns the connection when the channel is open.
func (ch *Channel) liveConnLocked() Conn {
	if ch.State() == StateOpen {
		return ch.conn
	}
	return nil
}

func (ch *Channel) send(conn Conn, msg protocol.ClientMessage) {
	ch.writeMu.Lock()
	err := conn.WriteJSON(msg)
	ch.writeMu.Unlock()
	if err != nil {
		ch.logger.Debug("send failed, reconnect will redeclare", zap.Error(err))
	}
}

// run is the connection loop: dial, declare, read until failure, back off,
// repeat. The desired set survives every disconnect.
func (ch *Channel) run() {
	defer ch.wg.Done()

	attempt := 0
	first := true

	for {
		if ch.ctx.Err() != nil {
			return
		}
		if first {
			ch.setState(StateConnecting)
		} else {
			ch.setState(StateReconnecting)
		}

		dialCtx, cancel := context.WithTimeout(ch.ctx, ch.cfg.DialTimeout)
		conn, err := ch.cfg.Dial(dialCtx, ch.cfg.URL, ch.cfg.Token)
		cancel()
		if err != nil {
			attempt++
			ch.setErr(fmt.Errorf("%w: %v", ErrTransportError, err))
			if attempt >= ch.cfg.MaxAttempts {
				ch.logger.Warn("reconnect attempts exhausted",
					zap.Int("attempts", attempt),
					zap.Error(err))
				ch.setErr(fmt.Errorf("%w: last error: %v", ErrChannelFailed, err))
				ch.setState(StateFailed)
				return
			}
			delay := ch.cfg.Backoff.NextDelay(attempt)
			ch.logger.Info("connect failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-ch.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		first = false

		ch.mu.Lock()
		ch.conn = conn
		ch.lastErr = nil
		ch.mu.Unlock()

		declared, declaredPortfolio := ch.declare(conn)
		ch.setState(StateOpen)
		// The desired set may have moved while the declare was in flight and
		// before the open state let Subscribe send for itself. Reconcile the
		// gap; duplicates are idempotent server-side.
		ch.syncDeclared(conn, declared, declaredPortfolio)
		ch.logger.Info("channel open", zap.String("url", ch.cfg.URL))

		ch.readLoop(conn)

		ch.mu.Lock()
		if ch.conn == conn {
			ch.conn = nil
		}
		ch.mu.Unlock()
		conn.Close()

		if ch.ctx.Err() != nil {
			return
		}
		ch.logger.Info("connection lost, scheduling reconnect")
	}
}

// declare pushes the full desired subscription set. Always the complete set,
// never a diff: idempotent and crash-safe. Returns the snapshot it sent so
// the caller can reconcile mutations that raced the declare.
func (ch *Channel) declare(conn Conn) (map[string]struct{}, bool) {
	ch.mu.Lock()
	snapshot := make(map[string]struct{}, len(ch.symbols))
	symbols := make([]string, 0, len(ch.symbols))
	for s := range ch.symbols {
		snapshot[s] = struct{}{}
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	portfolio := ch.portfolio
	ch.mu.Unlock()

	ch.send(conn, protocol.ClientMessage{Op: protocol.OpSubscribeBulk, Symbols: symbols})
	if portfolio {
		ch.send(conn, protocol.ClientMessage{Op: protocol.OpSubscribePortfolio})
	}
	return snapshot, portfolio
}

// syncDeclared sends the difference between the declared snapshot and the
// current desired set. Called once the open state is visible, so anything
// mutating the set from here on sends for itself.
func (ch *Channel) syncDeclared(conn Conn, declared map[string]struct{}, declaredPortfolio bool) {
	ch.mu.Lock()
	var msgs []protocol.ClientMessage
	for s := range ch.symbols {
		if _, ok := declared[s]; !ok {
			msgs = append(msgs, protocol.ClientMessage{Op: protocol.OpSubscribe, Symbol: s})
		}
	}
	for s := range declared {
		if _, ok := ch.symbols[s]; !ok {
			msgs = append(msgs, protocol.ClientMessage{Op: protocol.OpUnsubscribe, Symbol: s})
		}
	}
	if ch.portfolio && !declaredPortfolio {
		msgs = append(msgs, protocol.ClientMessage{Op: protocol.OpSubscribePortfolio})
	}
	ch.mu.Unlock()

	for _, msg := range msgs {
		ch.send(conn, msg)
	}
}

// readLoop delivers envelopes to the consumer until the connection fails.
func (ch *Channel) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		if ch.cfg.OnEvent != nil {
			ch.cfg.OnEvent(env)
		}
	}
}
