// Package udp implements the UDP datagram socket pump: a non-blocking
// Poll backed by a background read goroutine, socket buffers with a
// 256 KiB floor (1 MiB default), and per-maximum-payload-sized read
// buffers.
package udp

import (
	"fmt"
	"net"
	"sync"

	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport"
)

// MinSocketBufferBytes is the floor below which socket buffers are
// never sized.
const MinSocketBufferBytes = 256 * 1024

// DefaultSocketBufferBytes is the default UDP socket buffer size.
const DefaultSocketBufferBytes = 1024 * 1024

// Transport is a net.UDPConn-backed transport.Transport. A background
// goroutine pumps ReadFromUDP into a buffered channel so Poll never
// blocks the caller's tick.
type Transport struct {
	conn       *net.UDPConn
	readBuf    int
	socketBuf  int
	events     chan transport.Event
	closed     chan struct{}
	wg         sync.WaitGroup

	mu    sync.Mutex
	known map[string]*net.UDPAddr
}

// New creates a Transport sized for the currently configured maximum
// payload (plus header allowance). socketBufferBytes<=0 uses
// DefaultSocketBufferBytes; values below MinSocketBufferBytes are raised
// to the floor.
func New(socketBufferBytes int) *Transport {
	if socketBufferBytes <= 0 {
		socketBufferBytes = DefaultSocketBufferBytes
	}
	if socketBufferBytes < MinSocketBufferBytes {
		socketBufferBytes = MinSocketBufferBytes
	}
	return &Transport{
		readBuf:   wire.MaxPayloadSize() + wire.MaxHeaderBytes,
		socketBuf: socketBufferBytes,
		events:    make(chan transport.Event, 256),
		closed:    make(chan struct{}),
		known:     make(map[string]*net.UDPAddr),
	}
}

// Start binds the local UDP socket at addr and begins the background
// read pump. addr is a local bind address (e.g. "0.0.0.0:7777" for a
// server, ":0" for an ephemeral client socket).
func (t *Transport) Start(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport/udp: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: bind udp socket: %v", wire.ErrTransport, err)
	}
	_ = conn.SetReadBuffer(t.socketBuf)
	_ = conn.SetWriteBuffer(t.socketBuf)
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// LocalAddr reports the bound local address, useful when Start was
// called with an ephemeral port.
func (t *Transport) LocalAddr() string {
	if t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, t.readBuf)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.emit(transport.Event{Kind: transport.EventDisconnected, Reason: wire.DisconnectTransportError})
				return
			}
		}
		key := addr.String()

		t.mu.Lock()
		_, seen := t.known[key]
		if !seen {
			t.known[key] = addr
		}
		t.mu.Unlock()

		if !seen {
			t.emit(transport.Event{Kind: transport.EventConnected, Endpoint: key})
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.emit(transport.Event{Kind: transport.EventData, Endpoint: key, Data: data})
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

// Send resolves endpoint (learning it if this is the first time this
// process addresses it, e.g. a client talking to a server it has never
// received a datagram from yet) and writes data to it.
func (t *Transport) Send(endpoint string, data []byte) error {
	t.mu.Lock()
	addr, ok := t.known[endpoint]
	t.mu.Unlock()
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return fmt.Errorf("%w: resolve %q: %v", wire.ErrTransport, endpoint, err)
		}
		t.mu.Lock()
		t.known[endpoint] = resolved
		t.mu.Unlock()
		addr = resolved
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrTransport, err)
	}
	return nil
}

// Close forgets endpoint; the next datagram received from it re-fires
// EventConnected.
func (t *Transport) Close(endpoint string) error {
	t.mu.Lock()
	delete(t.known, endpoint)
	t.mu.Unlock()
	return nil
}

// Shutdown closes the UDP socket and stops the read pump.
func (t *Transport) Shutdown() error {
	close(t.closed)
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.wg.Wait()
	return err
}
