// Package transport defines the interface a datagram or stream adapter
// presents to a Peer, and the event surface both the UDP and TCP
// implementations share.
package transport

import "github.com/messagenet/messagenet/pkg/wire"

// EventKind classifies a Transport event surfaced by Poll.
type EventKind int

const (
	// EventConnected fires the first time data arrives from a
	// previously-unseen remote endpoint (UDP), or when a stream accept/
	// dial completes (TCP).
	EventConnected EventKind = iota
	// EventData carries one fully-framed message received from an
	// already-known endpoint.
	EventData
	// EventDisconnected fires when an endpoint is explicitly closed or
	// the underlying socket/stream fails.
	EventDisconnected
)

// Event is one occurrence reported by a Transport's Poll call. Endpoint
// is a stable string key identifying the remote peer (e.g.
// "203.0.113.4:7777"); it is what callers pass back into Send/Close.
type Event struct {
	Kind     EventKind
	Endpoint string
	Data     []byte
	Reason   wire.DisconnectReason // meaningful only for EventDisconnected
}

// Transport is the contract a Peer drives every Update() tick: Poll is
// non-blocking and returns whatever arrived since the last call; besides
// Poll, a Peer calls Start, Send, Close and Shutdown.
type Transport interface {
	// Start binds the adapter's local socket or listener at addr (e.g.
	// "0.0.0.0:7777" for a listening server, ":0" for an ephemeral
	// port).
	Start(addr string) error
	// Poll drains and returns every event queued since the last call. It
	// never blocks.
	Poll() []Event
	// Send transmits data to endpoint.
	Send(endpoint string, data []byte) error
	// Close tears down the adapter's state for one endpoint (UDP:
	// forgets it, so the next datagram re-fires EventConnected; TCP:
	// closes the stream).
	Close(endpoint string) error
	// Shutdown releases the adapter's socket/listener entirely.
	Shutdown() error
}

// EndpointSender adapts a Transport plus a fixed Endpoint to
// connection.Sender (Send(data []byte) error), so a Connection never
// needs to know its own remote address representation.
type EndpointSender struct {
	T        Transport
	Endpoint string
}

// Send implements connection.Sender.
func (s EndpointSender) Send(data []byte) error {
	return s.T.Send(s.Endpoint, data)
}
