package peer

import (
	"time"

	"go.uber.org/zap"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport"
)

// DispatchedMessage is one frame handed to user code once Update drains
// the dispatch FIFO: an Unreliable or Reliable user message, or an
// accepted Notify message.
type DispatchedMessage struct {
	Endpoint string
	Conn     *connection.Connection
	Kind     wire.HeaderKind
	Msg      *wire.Message
}

// Handlers lets a Client or Server orchestrator supply the policy a bare
// Peer has no opinion about: which Connection an endpoint maps to, how
// to interpret control-kind frames, and what a heartbeat tick should
// drive.
type Handlers struct {
	// ResolveConnection returns the Connection currently bound to
	// endpoint, if any. A Server creates one on KindConnect before this
	// would ever return true for a new peer; a Client has exactly one.
	ResolveConnection func(endpoint string) (*connection.Connection, bool)
	// HandleControl processes a frame whose kind is not Unreliable,
	// Reliable, or Notify: Ack, Connect, Reject, Heartbeat, Disconnect,
	// Welcome, ClientConnected, ClientDisconnected. The callee owns
	// releasing msg back to the pool.
	HandleControl func(endpoint string, kind wire.HeaderKind, msg *wire.Message, now time.Time)
	// OnTransportConnected/OnTransportDisconnected forward the
	// transport-level events a bare Peer has no policy for (a Server
	// admits or rejects; a Client tracks its one socket).
	OnTransportConnected    func(endpoint string)
	OnTransportDisconnected func(endpoint string, reason wire.DisconnectReason)
	// OnHeartbeatTick fires every heartbeat_interval: the Client
	// advances connect-retry/timeout state, the Server sweeps for
	// timed-out connections and pending accepts.
	OnHeartbeatTick func(now time.Time)
}

// Peer drives the cooperative event loop: a monotonic clock started on
// Start, a min-heap of scheduled events, transport polling, and the
// dispatch FIFO. Update is the single non-reentrant tick; nothing in
// this package may be called concurrently with it.
type Peer struct {
	cfg       config.PeerConfig
	pool      *wire.Pool
	transport transport.Transport
	logger    *zap.SugaredLogger
	handlers  Handlers

	sched     *scheduler
	startWall time.Time
	started   bool

	dispatch []DispatchedMessage
}

// New constructs a Peer. Start must be called once before the first
// Update.
func New(tr transport.Transport, pool *wire.Pool, cfg config.PeerConfig, logger *zap.SugaredLogger, h Handlers) *Peer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Peer{
		cfg:       cfg,
		pool:      pool,
		transport: tr,
		logger:    logger,
		handlers:  h,
		sched:     newScheduler(),
	}
}

// Pool exposes the Peer's message pool, for Client/Server construction
// of Connect/Welcome/Reject/Disconnect frames.
func (p *Peer) Pool() *wire.Pool { return p.pool }

// Config exposes the Peer's configuration.
func (p *Peer) Config() config.PeerConfig { return p.cfg }

// Logger exposes the Peer's logger.
func (p *Peer) Logger() *zap.SugaredLogger { return p.logger }

// Transport exposes the underlying transport, for Client/Server to call
// Send/Close/Dial directly (e.g. a Reject frame sent outside the normal
// Connection.Send path, before any Connection exists).
func (p *Peer) Transport() transport.Transport { return p.transport }

// Start binds the transport at addr, marks the Peer active (gating
// wire.SetMaxPayloadSize), starts the monotonic clock, and schedules
// the first heartbeat tick.
func (p *Peer) Start(addr string) error {
	if err := p.transport.Start(addr); err != nil {
		return err
	}
	if p.cfg.MaxPayloadBytes > 0 && p.cfg.MaxPayloadBytes != wire.MaxPayloadSize() {
		if !wire.SetMaxPayloadSize(p.cfg.MaxPayloadBytes) {
			p.logger.Errorw("cannot change max payload size while peers are active",
				"requested", p.cfg.MaxPayloadBytes, "current", wire.MaxPayloadSize())
		}
	}
	wire.IncActivePeers()
	p.startWall = time.Now()
	p.started = true
	p.scheduleNextHeartbeat()
	return nil
}

// Close shuts the transport down and marks the Peer inactive.
func (p *Peer) Close() error {
	if p.started {
		wire.DecActivePeers()
		p.started = false
	}
	return p.transport.Shutdown()
}

func (p *Peer) nowMs(now time.Time) int64 {
	return now.Sub(p.startWall).Milliseconds()
}

// ExecuteLater implements connection.Scheduler: it arranges for fn to
// run, passed the wall-clock time of the tick that fires it, once delay
// has elapsed from the current tick.
func (p *Peer) ExecuteLater(delay time.Duration, fn func(now time.Time)) {
	priority := p.nowMs(time.Now()) + delay.Milliseconds()
	p.sched.executeLater(priority, fn)
}

func (p *Peer) scheduleNextHeartbeat() {
	p.ExecuteLater(p.cfg.HeartbeatInterval, p.fireHeartbeat)
}

func (p *Peer) fireHeartbeat(now time.Time) {
	p.scheduleNextHeartbeat()
	if p.handlers.OnHeartbeatTick != nil {
		p.handlers.OnHeartbeatTick(now)
	}
}

// Update advances the clock, fires every due scheduled event in
// priority order, polls the transport, classifies and routes whatever
// arrived, and returns the messages queued for user dispatch this tick.
// Events always fire before data is polled, and one tick's dispatched
// messages come back in arrival order.
func (p *Peer) Update() []DispatchedMessage {
	now := time.Now()
	p.sched.drainDue(p.nowMs(now), now)

	for _, ev := range p.transport.Poll() {
		switch ev.Kind {
		case transport.EventConnected:
			if p.handlers.OnTransportConnected != nil {
				p.handlers.OnTransportConnected(ev.Endpoint)
			}
		case transport.EventDisconnected:
			if p.handlers.OnTransportDisconnected != nil {
				p.handlers.OnTransportDisconnected(ev.Endpoint, ev.Reason)
			}
		case transport.EventData:
			p.handleData(ev.Endpoint, ev.Data, now)
		}
	}

	out := p.dispatch
	p.dispatch = nil
	return out
}

// handleData parses the 4-bit header kind, then routes by discipline.
// Notify and the two user-message kinds feed the reliability core
// directly; every other kind is handed to the orchestrator via
// Handlers.HandleControl. Frames under a kind's minimum length, or
// bearing an unknown tag, are silently dropped; a malformed frame must
// never tear down the connection.
func (p *Peer) handleData(endpoint string, data []byte, now time.Time) {
	if len(data) < wire.MinUnreliableBytes {
		return
	}
	kindVal := wire.GetBits(data, 0, 4)
	if kindVal > uint64(wire.KindClientDisconnected) {
		return
	}
	kind := wire.HeaderKind(kindVal)

	var conn *connection.Connection
	hasConn := false
	if p.handlers.ResolveConnection != nil {
		conn, hasConn = p.handlers.ResolveConnection(endpoint)
	}

	switch kind {
	case wire.KindNotify:
		if len(data) < wire.MinNotifyBytes || !hasConn {
			return
		}
		m, err := wire.ParseMessage(p.pool, data)
		if err != nil {
			p.logger.Debugw("dropped malformed notify frame", "endpoint", endpoint, "error", err)
			return
		}
		if conn.ProcessNotify(m, now) {
			p.dispatch = append(p.dispatch, DispatchedMessage{Endpoint: endpoint, Conn: conn, Kind: kind, Msg: m})
		} else {
			p.pool.Release(m)
		}

	case wire.KindUnreliable:
		if !hasConn {
			return
		}
		m, err := wire.ParseMessage(p.pool, data)
		if err != nil {
			p.logger.Debugw("dropped malformed unreliable frame", "endpoint", endpoint, "error", err)
			return
		}
		conn.Touch(now)
		conn.Metrics().RecordReceive(wire.ModeUnreliable, len(data))
		p.dispatch = append(p.dispatch, DispatchedMessage{Endpoint: endpoint, Conn: conn, Kind: kind, Msg: m})

	case wire.KindReliable:
		if len(data) < wire.MinReliableBytes || !hasConn {
			return
		}
		m, err := wire.ParseMessage(p.pool, data)
		if err != nil {
			p.logger.Debugw("dropped malformed reliable frame", "endpoint", endpoint, "error", err)
			return
		}
		conn.Touch(now)
		if conn.HandleReliableArrival(m.SeqID, len(data), now) {
			p.dispatch = append(p.dispatch, DispatchedMessage{Endpoint: endpoint, Conn: conn, Kind: kind, Msg: m})
		} else {
			p.pool.Release(m)
		}

	default:
		minBytes := wire.MinUnreliableBytes
		if kind == wire.KindWelcome || kind == wire.KindClientConnected || kind == wire.KindClientDisconnected {
			minBytes = wire.MinReliableBytes
		}
		if len(data) < minBytes {
			return
		}
		m, err := wire.ParseMessage(p.pool, data)
		if err != nil {
			p.logger.Debugw("dropped malformed control frame", "endpoint", endpoint, "kind", kind, "error", err)
			return
		}
		if p.handlers.HandleControl != nil {
			p.handlers.HandleControl(endpoint, kind, m, now)
		} else {
			p.pool.Release(m)
		}
	}
}

// ScheduledEventCount reports how many events are currently on the
// scheduler heap, for tests and diagnostics.
func (p *Peer) ScheduledEventCount() int { return p.sched.len() }
