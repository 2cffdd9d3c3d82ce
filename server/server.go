// Package server accepts many client connections over one transport: it
// assigns numeric client ids from a bounded freelist, tracks a
// pending-accept list, supports broadcast and a relay filter, and
// optionally gates admission through a callback.
package server

import (
	"container/heap"
	"time"

	"go.uber.org/zap"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/handler"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/internal/peer"
	"github.com/messagenet/messagenet/metrics"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport"
)

// AdmissionCallback is consulted for every new connection when one is
// registered. decide must eventually be called exactly once, possibly
// asynchronously; until then the connection sits in the pending-accept
// list.
type AdmissionCallback func(endpoint string, conn *connection.Connection, payload []byte, decide func(accept bool, reason wire.RejectReason))

// Events are the user-visible lifecycle callbacks a Server fires. Every
// field is optional.
type Events struct {
	OnClientConnected    func(id uint16)
	OnClientDisconnected func(id uint16, reason wire.DisconnectReason)
	OnConnectionFailed   func(endpoint string, reason wire.RejectReason)
	// OnMessage fires for every Unreliable/Reliable/Notify frame not
	// claimed by a registered handler.Func.
	OnMessage func(id uint16, conn *connection.Connection, msg *wire.Message)
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithRelayFilter marks msgIDs as rebroadcast to every other connected
// client whenever any one client sends them.
func WithRelayFilter(msgIDs ...uint64) Option {
	return func(s *Server) {
		for _, id := range msgIDs {
			s.relayFilter[id] = struct{}{}
		}
	}
}

// WithAdmissionCallback installs cb to gate every new connection.
func WithAdmissionCallback(cb AdmissionCallback) Option {
	return func(s *Server) { s.admission = cb }
}

// Server accepts many client connections over one transport, assigning
// each a numeric id from a bounded freelist and sweeping for timed-out
// connections on every heartbeat tick.
type Server struct {
	p        *peer.Peer
	reg      *metrics.Registry
	cfg      config.PeerConfig
	logger   *zap.SugaredLogger
	handlers *handler.Table
	events   Events

	admission   AdmissionCallback
	relayFilter map[uint64]struct{}

	freeIDs     idHeap
	clients     map[uint16]*connection.Connection
	byEndpoint  map[string]*connection.Connection
	endpointOf  map[*connection.Connection]string
	pendingByID map[string]*connection.Connection // not yet admitted: Connecting/Pending, ClientID()==0
}

// New constructs a Server bound to tr (not yet Start-ed) with the given
// configuration and options.
func New(tr transport.Transport, cfg config.PeerConfig, logger *zap.SugaredLogger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		reg:         metrics.New(),
		handlers:    handler.New(),
		relayFilter: make(map[uint64]struct{}),
		clients:     make(map[uint16]*connection.Connection),
		byEndpoint:  make(map[string]*connection.Connection),
		endpointOf:  make(map[*connection.Connection]string),
		pendingByID: make(map[string]*connection.Connection),
	}
	for _, o := range opts {
		o(s)
	}
	for id := 1; id <= cfg.MaxClientCount; id++ {
		heap.Push(&s.freeIDs, id)
	}

	pool := wire.NewPool(cfg.PoolSize)
	s.p = peer.New(tr, pool, cfg, logger, peer.Handlers{
		ResolveConnection:       s.resolveConnection,
		HandleControl:           s.handleControl,
		OnTransportDisconnected: s.onTransportDisconnected,
		OnHeartbeatTick:         s.onHeartbeatTick,
	})
	return s
}

// Handlers exposes the msg_id→callback dispatch table.
func (s *Server) Handlers() *handler.Table { return s.handlers }

// SetEvents installs the lifecycle callbacks.
func (s *Server) SetEvents(ev Events) { s.events = ev }

// Metrics exposes the Prometheus registry backing every connection this
// Server owns, for a scrape endpoint.
func (s *Server) Metrics() *metrics.Registry { return s.reg }

// Pool exposes the message pool backing this Server's Peer, so callers
// can acquire a Message to send via a Connection's Send.
func (s *Server) Pool() *wire.Pool { return s.p.Pool() }

// Start binds the listening transport at addr.
func (s *Server) Start(addr string) error { return s.p.Start(addr) }

// LocalAddr reports the transport's bound address, when the underlying
// transport exposes one (e.g. transport/udp.Transport, useful after
// Start("127.0.0.1:0") picked an ephemeral port). Returns "" otherwise.
func (s *Server) LocalAddr() string {
	if la, ok := s.p.Transport().(interface{ LocalAddr() string }); ok {
		return la.LocalAddr()
	}
	return ""
}

// Close shuts the transport down.
func (s *Server) Close() error { return s.p.Close() }

// ClientCount reports how many connections currently hold an assigned
// id.
func (s *Server) ClientCount() int { return len(s.clients) }

// SetTimeoutTime updates the idle timeout for every current and future
// connection.
func (s *Server) SetTimeoutTime(d time.Duration) {
	s.cfg.TimeoutTime = d
	for _, conn := range s.byEndpoint {
		conn.SetTimeoutTime(d)
	}
}

// Connection looks up a connected client's Connection by id.
func (s *Server) Connection(id uint16) (*connection.Connection, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// Update runs one non-reentrant tick: fires due events (heartbeat sweep,
// pending retries), polls the transport, and dispatches received user
// messages to registered handlers, the relay filter, or Events.OnMessage.
func (s *Server) Update() {
	for _, d := range s.p.Update() {
		id := d.Conn.ClientID()
		if s.relayFilter != nil {
			s.maybeRelay(id, d.Msg)
		}
		if handled := s.handlers.Dispatch(d.Endpoint, d.Conn, d.Msg); !handled && s.events.OnMessage != nil {
			s.events.OnMessage(id, d.Conn, d.Msg)
		}
		s.p.Pool().Release(d.Msg)
	}
}

func (s *Server) maybeRelay(senderID uint16, msg *wire.Message) {
	if !msg.Kind.IsUserMessage() {
		return
	}
	if _, ok := s.relayFilter[msg.MsgID]; !ok {
		return
	}
	for id, conn := range s.clients {
		if id == senderID {
			continue
		}
		out := s.p.Pool().Acquire(wire.KindUnreliable)
		if err := out.WriteMsgID(msg.MsgID); err != nil {
			s.logger.Warnw("relay encode failed", "to", id, "error", err)
			s.p.Pool().Release(out)
			continue
		}
		if err := msg.CopyRemainingInto(out); err != nil {
			s.logger.Warnw("relay payload copy failed", "to", id, "error", err)
			s.p.Pool().Release(out)
			continue
		}
		if err := s.p.Transport().Send(s.endpointOf[conn], out.Bytes()); err != nil {
			s.logger.Warnw("relay send failed", "to", id, "error", err)
		}
		s.p.Pool().Release(out)
	}
}

// SendToAll transmits frameBytes to every connected client except
// exceptID (0 to exclude none).
func (s *Server) SendToAll(frameBytes []byte, exceptID uint16) {
	for id, conn := range s.clients {
		if id == exceptID {
			continue
		}
		if err := s.p.Transport().Send(s.endpointOf[conn], frameBytes); err != nil {
			s.logger.Warnw("broadcast send failed", "to", id, "error", err)
		}
	}
}

// BroadcastUnreliable builds one Unreliable message with msg_id stamped
// and build invoked to write its payload, serialises it once, sends it
// to every connected client except exceptID, then releases it.
func (s *Server) BroadcastUnreliable(msgID uint64, build func(*wire.Message) error, exceptID uint16) error {
	m := s.p.Pool().Acquire(wire.KindUnreliable)
	defer s.p.Pool().Release(m)
	if err := m.WriteMsgID(msgID); err != nil {
		return err
	}
	if build != nil {
		if err := build(m); err != nil {
			return err
		}
	}
	s.SendToAll(m.Bytes(), exceptID)
	return nil
}

// Kick forcibly disconnects a connected client with reason Kicked and
// an optional payload.
func (s *Server) Kick(id uint16, payload []byte) error {
	return s.DisconnectClient(id, wire.DisconnectKicked, payload)
}

// DisconnectClient sends a Disconnect frame carrying reason and payload
// to the given client, then tears it down locally.
func (s *Server) DisconnectClient(id uint16, reason wire.DisconnectReason, payload []byte) error {
	conn, ok := s.clients[id]
	if !ok {
		return nil
	}
	endpoint := s.endpointOf[conn]
	m := s.p.Pool().Acquire(wire.KindDisconnect)
	defer s.p.Pool().Release(m)
	if err := m.PutUint8(uint8(reason)); err != nil {
		return err
	}
	if err := m.PutBytes(payload); err != nil {
		return err
	}
	err := s.p.Transport().Send(endpoint, m.Bytes())
	s.localDisconnect(conn, reason)
	return err
}

func (s *Server) resolveConnection(endpoint string) (*connection.Connection, bool) {
	if conn, ok := s.byEndpoint[endpoint]; ok {
		return conn, true
	}
	return nil, false
}

func (s *Server) onTransportDisconnected(endpoint string, reason wire.DisconnectReason) {
	conn, ok := s.byEndpoint[endpoint]
	if !ok {
		return
	}
	s.localDisconnect(conn, reason)
}

// onHeartbeatTick sweeps connected clients for timeouts and quality
// violations and pending accepts for connect timeouts. The server never
// probes: clients drive the RTT heartbeats, and every inbound frame
// refreshes the liveness clock.
func (s *Server) onHeartbeatTick(now time.Time) {
	for _, conn := range s.clients {
		if conn.State() == connection.NotConnected {
			// Torn down mid-tick by a quality escalation.
			s.localDisconnect(conn, conn.DisconnectReason())
			continue
		}
		if conn.HasTimedOut(now) {
			s.localDisconnect(conn, wire.DisconnectTimedOut)
			continue
		}
		conn.CheckQuality()
		if conn.State() == connection.NotConnected {
			s.localDisconnect(conn, conn.DisconnectReason())
		}
	}
	for _, conn := range s.pendingByID {
		if conn.HasConnectAttemptTimedOut(now) {
			s.localDisconnect(conn, wire.DisconnectTimedOut)
		}
	}
}

func (s *Server) handleControl(endpoint string, kind wire.HeaderKind, m *wire.Message, now time.Time) {
	defer s.p.Pool().Release(m)

	if kind == wire.KindConnect {
		s.handleConnect(endpoint, m, now)
		return
	}

	conn, ok := s.byEndpoint[endpoint]
	if !ok {
		return
	}
	switch kind {
	case wire.KindAck:
		if err := conn.HandleAck(m, now); err != nil {
			s.logger.Warnw("ack decode failed", "from", endpoint, "error", err)
		}
	case wire.KindHeartbeat:
		reply, err := conn.HandleHeartbeat(m, now)
		if err != nil {
			s.logger.Warnw("heartbeat decode failed", "from", endpoint, "error", err)
			return
		}
		if reply != nil {
			defer s.p.Pool().Release(reply)
			if err := s.p.Transport().Send(endpoint, reply.Bytes()); err != nil {
				s.logger.Warnw("heartbeat reply failed", "to", endpoint, "error", err)
			}
		}
	case wire.KindDisconnect:
		reasonByte, err := m.GetUint8()
		if err != nil {
			return
		}
		if _, err := m.GetBytes(); err != nil {
			return
		}
		s.localDisconnect(conn, wire.DisconnectReason(reasonByte))
	}
}

func (s *Server) handleConnect(endpoint string, m *wire.Message, now time.Time) {
	payload, err := m.GetBytes()
	if err != nil {
		return
	}

	conn, exists := s.byEndpoint[endpoint]
	if exists {
		switch conn.State() {
		case connection.Pending:
			s.sendReject(endpoint, wire.RejectPending)
			return
		case connection.Connected:
			s.sendReject(endpoint, wire.RejectAlreadyConnected)
			return
		}
	} else {
		sender := transport.EndpointSender{T: s.p.Transport(), Endpoint: endpoint}
		conn = connection.New(sender, s.p, s.p.Pool(), s.cfg, s.reg, s.logger, endpoint)
		s.byEndpoint[endpoint] = conn
		s.endpointOf[conn] = endpoint
	}
	conn.SetPending(now)
	s.pendingByID[endpoint] = conn

	if s.admission == nil {
		s.admit(endpoint, conn, now)
		return
	}
	s.admission(endpoint, conn, payload, func(accept bool, reason wire.RejectReason) {
		if accept {
			s.admit(endpoint, conn, now)
		} else {
			s.reject(endpoint, conn, reason)
		}
	})
}

func (s *Server) admit(endpoint string, conn *connection.Connection, now time.Time) {
	if s.freeIDs.Len() == 0 {
		s.reject(endpoint, conn, wire.RejectServerFull)
		return
	}
	id := heap.Pop(&s.freeIDs).(int)
	delete(s.pendingByID, endpoint)
	conn.SetClientID(uint16(id))
	conn.MarkConnected(now)
	s.clients[uint16(id)] = conn

	if err := s.sendWelcome(endpoint, uint16(id)); err != nil {
		s.logger.Warnw("welcome send failed", "to", endpoint, "error", err)
	}
	s.broadcastClientEvent(wire.KindClientConnected, uint16(id))
	if s.events.OnClientConnected != nil {
		s.events.OnClientConnected(uint16(id))
	}
}

func (s *Server) reject(endpoint string, conn *connection.Connection, reason wire.RejectReason) {
	s.sendReject(endpoint, reason)
	delete(s.pendingByID, endpoint)
	delete(s.byEndpoint, endpoint)
	delete(s.endpointOf, conn)
	if s.events.OnConnectionFailed != nil {
		s.events.OnConnectionFailed(endpoint, reason)
	}
}

func (s *Server) sendReject(endpoint string, reason wire.RejectReason) {
	m := s.p.Pool().Acquire(wire.KindReject)
	defer s.p.Pool().Release(m)
	if err := m.PutUint8(uint8(reason)); err != nil {
		return
	}
	frame := m.Bytes()
	for i := 0; i < 3; i++ {
		if err := s.p.Transport().Send(endpoint, frame); err != nil {
			s.logger.Warnw("reject send failed", "to", endpoint, "error", err)
		}
	}
}

func (s *Server) sendWelcome(endpoint string, id uint16) error {
	m := s.p.Pool().Acquire(wire.KindWelcome)
	defer s.p.Pool().Release(m)
	m.PatchSeqID(1)
	if err := m.PutUint16(id); err != nil {
		return err
	}
	return s.p.Transport().Send(endpoint, m.Bytes())
}

// broadcastClientEvent announces a just-admitted or just-departed client
// id to every other connected client via a ClientConnected/
// ClientDisconnected frame.
func (s *Server) broadcastClientEvent(kind wire.HeaderKind, id uint16) {
	m := s.p.Pool().Acquire(kind)
	defer s.p.Pool().Release(m)
	m.PatchSeqID(1)
	if err := m.PutUint16(id); err != nil {
		s.logger.Warnw("client event encode failed", "id", id, "error", err)
		return
	}
	s.SendToAll(m.Bytes(), id)
}

func (s *Server) localDisconnect(conn *connection.Connection, reason wire.DisconnectReason) {
	endpoint, tracked := s.endpointOf[conn]
	if !tracked {
		return
	}
	id := conn.ClientID()
	wasAdmitted := id != 0

	conn.LocalDisconnect(reason)
	delete(s.byEndpoint, endpoint)
	delete(s.endpointOf, conn)
	delete(s.pendingByID, endpoint)

	if wasAdmitted {
		delete(s.clients, id)
		heap.Push(&s.freeIDs, int(id))
		s.broadcastClientEvent(wire.KindClientDisconnected, id)
		if s.events.OnClientDisconnected != nil {
			s.events.OnClientDisconnected(id, reason)
		}
	} else if s.events.OnConnectionFailed != nil {
		s.events.OnConnectionFailed(endpoint, wire.RejectRejected)
	}
}

// idHeap is a min-heap of available client ids, so the lowest id is
// always assigned next.
type idHeap []int

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
