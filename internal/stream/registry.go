package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ConnState tracks the liveness of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one authenticated client channel. Records are owned
// exclusively by the Registry; the transport layer holds a reference for the
// lifetime of the socket.
type Connection struct {
	ID     string
	UserID string
	Role   string

	state        int32
	lastActivity int64
	nextSeq      uint64

	// Outbound is the bounded send queue drained by the transport.
	Outbound *OutboundQueue

	CreatedAt time.Time
}

// State returns the current liveness state.
func (c *Connection) State() ConnState {
	return ConnState(atomic.LoadInt32(&c.state))
}

// SetState transitions the connection's liveness state.
func (c *Connection) SetState(s ConnState) {
	atomic.StoreInt32(&c.state, int32(s))
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// LastActivity returns the time of the most recent activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

// NextSeq returns the next outbound sequence number for this connection.
func (c *Connection) NextSeq() uint64 {
	return atomic.AddUint64(&c.nextSeq, 1)
}

// Registry tracks every live connection and owns their records. Unregister
// cascades through the subscription index synchronously, so no subscription
// can outlive its connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	index  *SubscriptionIndex
	logger *zap.Logger

	queueCapacity int
}

// NewRegistry creates a Registry cascading into index on unregister.
func NewRegistry(index *SubscriptionIndex, queueCapacity int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:         make(map[string]*Connection),
		index:         index,
		logger:        logger,
		queueCapacity: queueCapacity,
	}
}

// Register creates and tracks a connection record in the open state.
// Reusing a live identifier is an invariant violation.
func (r *Registry) Register(connID, userID, role string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		r.logger.Error("connection id reused while registered",
			zap.String("conn_id", connID),
			zap.String("user_id", userID))
		return nil, ErrDuplicateConnection
	}

	conn := &Connection{
		ID:        connID,
		UserID:    userID,
		Role:      role,
		state:     int32(StateOpen),
		Outbound:  NewOutboundQueue(r.queueCapacity),
		CreatedAt: time.Now(),
	}
	conn.Touch()
	r.conns[connID] = conn

	r.logger.Debug("connection registered",
		zap.String("conn_id", connID),
		zap.String("user_id", userID),
		zap.String("role", role))
	return conn, nil
}

// Unregister removes a connection and cascades subscription cleanup before
// returning. Unknown ids are a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	conn.SetState(StateClosed)
	conn.Outbound.Close()
	r.index.Clear(connID)

	r.logger.Debug("connection unregistered", zap.String("conn_id", connID))
}

// Get looks up a connection by id.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Touch updates the last-activity timestamp for a connection.
func (r *Registry) Touch(connID string) {
	if conn, ok := r.Get(connID); ok {
		conn.Touch()
	}
}

// Open returns every connection currently in the open state. Used for
// broadcast fan-out.
func (r *Registry) Open() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.State() == StateOpen {
			out = append(out, conn)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
