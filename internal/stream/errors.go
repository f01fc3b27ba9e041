package stream

import "errors"

// Error taxonomy for the distribution core. Per-connection failures are
// contained to that connection; only ErrDuplicateConnection signals a defect.
var (
	// ErrAuthenticationFailed is returned when the bearer credential
	// presented at handshake is missing, malformed or expired. The
	// connection is never registered.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDuplicateConnection is returned when a connection identifier is
	// reused while still registered. Logged loudly as a defect signal.
	ErrDuplicateConnection = errors.New("duplicate connection id")

	// ErrDeliveryFailed marks a transient send failure to one connection.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrQueueSaturated is returned when a connection's bounded outbound
	// queue cannot accept a message that must not be dropped.
	ErrQueueSaturated = errors.New("outbound queue saturated")

	// ErrHandshakeTimeout is returned when credential verification does
	// not complete within the configured bound.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHeartbeatTimeout marks a connection that missed too many
	// consecutive liveness probes.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrConnectionClosed is returned for operations against a connection
	// that has already left the open state.
	ErrConnectionClosed = errors.New("connection closed")
)
