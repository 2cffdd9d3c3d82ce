package wire

import (
	"sync/atomic"
)

// DefaultMaxPayloadBytes is the default maximum user payload size, not
// counting the (at most 5-byte) header.
const DefaultMaxPayloadBytes = 1225

// MaxHeaderBytes bounds the header: 4 bits for the unreliable-class kinds,
// 44 bits for Notify, 20 bits for the reliable-class kinds, plus an
// optional VarULong msg_id. 5 bytes holds a 4-bit header with a msg_id
// below 2^28 and a 20-bit header with a msg_id below 2^14; the 44-bit
// Notify header needs 6, so a Notify message's writes stop half a byte
// short of the full payload cap.
const MaxHeaderBytes = 5

var (
	activePeers     atomic.Int64
	maxPayloadBytes atomic.Int64
)

func init() {
	maxPayloadBytes.Store(DefaultMaxPayloadBytes)
}

// MaxPayloadSize returns the currently configured maximum user payload
// size in bytes.
func MaxPayloadSize() int {
	return int(maxPayloadBytes.Load())
}

// SetMaxPayloadSize changes the maximum user payload size. It is a no-op
// (logged by the caller, not here, since this package has no logger) when
// any peer is currently active, because in-flight messages could exceed
// the new cap.
func SetMaxPayloadSize(n int) bool {
	if activePeers.Load() != 0 {
		return false
	}
	maxPayloadBytes.Store(int64(n))
	return true
}

// IncActivePeers marks one more peer as running, gating SetMaxPayloadSize.
func IncActivePeers() int64 {
	return activePeers.Add(1)
}

// DecActivePeers marks a peer as stopped.
func DecActivePeers() int64 {
	return activePeers.Add(-1)
}

// ActivePeers reports the current count of running peers, for tests.
func ActivePeers() int64 {
	return activePeers.Load()
}
