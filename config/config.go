// Package config holds the tunable parameters shared by every Peer,
// Connection, and the message pool.
package config

import "time"

// PeerConfig collects the knobs that govern connection lifecycle,
// retransmission, and quality-disconnect heuristics for a Peer and the
// connections it owns.
type PeerConfig struct {
	// TimeoutTime is how long a connection may go without a heartbeat
	// before has_timed_out fires. Settable; propagates to all current
	// and future connections on a server.
	TimeoutTime time.Duration
	// ConnectTimeoutTime bounds how long a Connecting/Pending connection
	// may go without a heartbeat response.
	ConnectTimeoutTime time.Duration
	// HeartbeatInterval is how often a connection schedules its next
	// heartbeat/RTT probe.
	HeartbeatInterval time.Duration

	// MaxSendAttempts is the pending-message retry ceiling before
	// escalating to a PoorConnection disconnect (when enabled).
	MaxSendAttempts int
	// MaxAvgSendAttempts is the RollingStat threshold on the mean
	// reliable-send-attempt count across recent clears.
	MaxAvgSendAttempts float64
	// AvgSendAttemptsResilience is how many consecutive heartbeat ticks
	// with the mean over threshold are tolerated before a quality
	// disconnect.
	AvgSendAttemptsResilience int

	// MaxNotifyLoss is the threshold on the rolling notify-loss rate.
	MaxNotifyLoss float64
	// NotifyLossResilience is how many consecutive over-threshold ticks
	// are tolerated before a quality disconnect.
	NotifyLossResilience int

	// PoolSize bounds how many Messages a single Pool retains.
	PoolSize int
	// MaxPayloadBytes is the maximum user payload per message.
	MaxPayloadBytes int

	// MaxClientCount bounds a server's simultaneously connected clients.
	MaxClientCount int

	// ConnectMaxAttempts bounds how many heartbeats a client sends while
	// Connecting before giving up with NeverConnected.
	ConnectMaxAttempts int
}

// DefaultPeerConfig returns the stock defaults.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		TimeoutTime:               5000 * time.Millisecond,
		ConnectTimeoutTime:        10000 * time.Millisecond,
		HeartbeatInterval:         1000 * time.Millisecond,
		MaxSendAttempts:           15,
		MaxAvgSendAttempts:        5,
		AvgSendAttemptsResilience: 64,
		MaxNotifyLoss:             0.05,
		NotifyLossResilience:      64,
		PoolSize:                  10,
		MaxPayloadBytes:           1225,
		MaxClientCount:            65535,
		ConnectMaxAttempts:        5,
	}
}
