// Package wire implements the bit-level message codec, pooled message
// buffers, and header/framing codec shared by every delivery discipline.
package wire

import "errors"

// Sentinel error kinds. Codec errors abort the current operation and are
// returned to the caller; the in-flight message is dropped but the
// connection that owns it is never torn down because of them.
var (
	// ErrInsufficientCapacity is returned when a write would exceed the
	// message's configured maximum payload.
	ErrInsufficientCapacity = errors.New("wire: insufficient capacity")

	// ErrNotEnoughBytes is returned when a read would consume past the
	// write cursor (or past the bytes of a received frame).
	ErrNotEnoughBytes = errors.New("wire: not enough bytes")

	// ErrArgumentOutOfRange is returned when a length field falls outside
	// its allowed range, e.g. a legacy 2-byte-prefixed array longer than
	// 2^15-1 elements.
	ErrArgumentOutOfRange = errors.New("wire: argument out of range")

	// ErrProtocolViolation is returned for a malformed header, a zero
	// sequence id, or a frame shorter than its kind's minimum length.
	ErrProtocolViolation = errors.New("wire: protocol violation")

	// ErrTransport wraps I/O failures surfaced by a transport adapter.
	ErrTransport = errors.New("wire: transport error")
)
