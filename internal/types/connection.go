package types

import "time"

// ConnectionState is the lifecycle state of the stream connection.
type ConnectionState string

const (
	// ConnectionStateDisconnected means no connection exists and none is pending.
	ConnectionStateDisconnected ConnectionState = "disconnected"

	// ConnectionStateConnecting means a dial is in flight.
	ConnectionStateConnecting ConnectionState = "connecting"

	// ConnectionStateConnected means the socket is open and receiving.
	ConnectionStateConnected ConnectionState = "connected"

	// ConnectionStateReconnecting means a retry is scheduled after an unexpected close.
	ConnectionStateReconnecting ConnectionState = "reconnecting"

	// ConnectionStateDisconnecting means an intentional close is in progress.
	ConnectionStateDisconnecting ConnectionState = "disconnecting"
)

// Gauge maps the state onto a stable number for metrics.
func (s ConnectionState) Gauge() float64 {
	switch s {
	case ConnectionStateDisconnected:
		return 0
	case ConnectionStateConnecting:
		return 1
	case ConnectionStateConnected:
		return 2
	case ConnectionStateReconnecting:
		return 3
	case ConnectionStateDisconnecting:
		return 4
	default:
		return -1
	}
}

// ConnectionStats is a point-in-time snapshot of the stream connection counters.
type ConnectionStats struct {
	// ConnectionID identifies the current (or last) successful connection.
	ConnectionID string `json:"connection_id" yaml:"connection_id"`

	// State is the state at snapshot time.
	State ConnectionState `json:"state" yaml:"state"`

	// Sent counts messages written to the socket, including flushed queue entries.
	Sent uint64 `json:"sent" yaml:"sent"`

	// Received counts inbound data frames.
	Received uint64 `json:"received" yaml:"received"`

	// Dropped counts outbound messages evicted from a full queue.
	Dropped uint64 `json:"dropped" yaml:"dropped"`

	// QueueLength is the number of outbound messages waiting for a connection.
	QueueLength int `json:"queue_length" yaml:"queue_length"`

	// ReconnectAttempts is the number of retries scheduled since the last successful open.
	ReconnectAttempts int `json:"reconnect_attempts" yaml:"reconnect_attempts"`

	// TotalReconnects is the number of retries scheduled over the client lifetime.
	TotalReconnects uint64 `json:"total_reconnects" yaml:"total_reconnects"`

	ConnectedAt    time.Time `json:"connected_at" yaml:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at" yaml:"disconnected_at"`

	// Uptime is how long the current connection has been open, zero when not connected.
	Uptime time.Duration `json:"uptime" yaml:"uptime"`
}
