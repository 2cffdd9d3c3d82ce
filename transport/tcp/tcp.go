// Package tcp implements the stream fallback transport: the same event
// surface as transport/udp, with each logical message preceded on the
// wire by a 4-byte little-endian length prefix so the reader can
// reconstruct message boundaries.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport"
)

const lengthPrefixBytes = 4

// Transport is a net.Listener/net.Conn-backed transport.Transport with
// 4-byte length-prefixed framing.
type Transport struct {
	listener net.Listener
	events   chan transport.Event
	closed   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[string]net.Conn
}

// New creates a Transport.
func New() *Transport {
	return &Transport{
		events: make(chan transport.Event, 256),
		closed: make(chan struct{}),
		conns:  make(map[string]net.Conn),
	}
}

// Start listens for inbound TCP connections at addr. A client that only
// ever dials out should call Dial instead (or in addition, for a
// hybrid listen+dial peer).
func (t *Transport) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen tcp: %v", wire.ErrTransport, err)
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Dial opens an outbound connection to addr (the client side of the
// handshake) and begins pumping frames from it. It returns the endpoint
// key to use with Send/Close.
func (t *Transport) Dial(addr string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: dial tcp %q: %v", wire.ErrTransport, addr, err)
	}
	key := conn.RemoteAddr().String()
	t.mu.Lock()
	t.conns[key] = conn
	t.mu.Unlock()
	t.wg.Add(1)
	go t.readLoop(key, conn)
	t.emit(transport.Event{Kind: transport.EventConnected, Endpoint: key})
	return key, nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.emit(transport.Event{Kind: transport.EventDisconnected, Reason: wire.DisconnectTransportError})
				return
			}
		}
		key := conn.RemoteAddr().String()
		t.mu.Lock()
		t.conns[key] = conn
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(key, conn)
		t.emit(transport.Event{Kind: transport.EventConnected, Endpoint: key})
	}
}

func (t *Transport) readLoop(key string, conn net.Conn) {
	defer t.wg.Done()
	lenBuf := make([]byte, lengthPrefixBytes)
	for {
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			t.dropConn(key, wire.DisconnectTransportError)
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf)
		if n > uint32(wire.MaxPayloadSize()+wire.MaxHeaderBytes) {
			t.dropConn(key, wire.DisconnectTransportError)
			return
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(conn, data); err != nil {
			t.dropConn(key, wire.DisconnectTransportError)
			return
		}
		t.emit(transport.Event{Kind: transport.EventData, Endpoint: key, Data: data})
	}
}

func (t *Transport) dropConn(key string, reason wire.DisconnectReason) {
	t.mu.Lock()
	conn, ok := t.conns[key]
	delete(t.conns, key)
	t.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
	select {
	case <-t.closed:
	default:
		t.emit(transport.Event{Kind: transport.EventDisconnected, Endpoint: key, Reason: reason})
	}
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// Poll drains every event queued since the last call, without blocking.
func (t *Transport) Poll() []transport.Event {
	var out []transport.Event
	for {
		select {
		case ev := <-t.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Send writes data to endpoint, preceded by its 4-byte little-endian
// length prefix.
func (t *Transport) Send(endpoint string, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[endpoint]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown endpoint %q", wire.ErrTransport, endpoint)
	}
	lenBuf := make([]byte, lengthPrefixBytes)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := conn.Write(lenBuf); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrTransport, err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrTransport, err)
	}
	return nil
}

// Close tears down the stream for one endpoint.
func (t *Transport) Close(endpoint string) error {
	t.mu.Lock()
	conn, ok := t.conns[endpoint]
	delete(t.conns, endpoint)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Shutdown closes the listener, every open connection, and stops all
// read goroutines.
func (t *Transport) Shutdown() error {
	close(t.closed)
	var firstErr error
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			firstErr = err
		}
	}
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]net.Conn)
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	t.wg.Wait()
	return firstErr
}
