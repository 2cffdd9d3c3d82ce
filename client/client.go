// Package client connects to a single server endpoint and drives
// connect-retry, the Welcome handshake, heartbeats, and disconnect,
// layered on internal/peer and internal/connection.
package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/handler"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/internal/peer"
	"github.com/messagenet/messagenet/internal/reliability"
	"github.com/messagenet/messagenet/metrics"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport"
)

// Events are the user-visible lifecycle callbacks a Client fires. Every
// field is optional.
type Events struct {
	OnConnected          func()
	OnConnectionFailed   func(reason wire.RejectReason, payload []byte)
	OnDisconnected       func(reason wire.DisconnectReason, payload []byte)
	OnClientConnected    func(id uint16)
	OnClientDisconnected func(id uint16)
	// OnNotifyDelivered/OnNotifyLost report the single-shot verdict for
	// each notify message sent, in sequence id order.
	OnNotifyDelivered func(seqID uint16)
	OnNotifyLost      func(seqID uint16)
	// OnMessage fires for every Unreliable/Reliable/Notify frame not
	// claimed by a registered handler.Func.
	OnMessage func(msg *wire.Message)
}

// Client connects to a single server endpoint and drives the handshake,
// heartbeat, and disconnect lifecycle.
type Client struct {
	p        *peer.Peer
	reg      *metrics.Registry
	cfg      config.PeerConfig
	logger   *zap.SugaredLogger
	handlers *handler.Table
	events   Events

	serverEndpoint string
	conn           *connection.Connection
	connectFrame   []byte
	maxAttempts    int
	notified       bool // a terminal Disconnected/ConnectionFailed event already fired
}

// New constructs a Client bound to tr (already Start-able by the
// caller). Use Handlers() to register per-msg_id callbacks before
// Connect.
func New(tr transport.Transport, cfg config.PeerConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		reg:      metrics.New(),
		handlers: handler.New(),
	}
	pool := wire.NewPool(cfg.PoolSize)
	c.p = peer.New(tr, pool, cfg, logger, peer.Handlers{
		ResolveConnection:       c.resolveConnection,
		HandleControl:           c.handleControl,
		OnTransportDisconnected: c.onTransportDisconnected,
		OnHeartbeatTick:         c.onHeartbeatTick,
	})
	return c
}

// Handlers exposes the msg_id→callback dispatch table.
func (c *Client) Handlers() *handler.Table { return c.handlers }

// SetEvents installs the lifecycle callbacks.
func (c *Client) SetEvents(ev Events) { c.events = ev }

// Metrics exposes the Prometheus registry backing this Client's
// connection, for a scrape endpoint.
func (c *Client) Metrics() *metrics.Registry { return c.reg }

// Pool exposes the message pool backing this Client's Peer, so callers
// can acquire a Message to send via Connection().Send.
func (c *Client) Pool() *wire.Pool { return c.p.Pool() }

// Start binds the underlying transport at localAddr (e.g. "0.0.0.0:0"
// for an ephemeral UDP client socket; irrelevant for a pre-Dialed TCP
// transport, pass "").
func (c *Client) Start(localAddr string) error {
	return c.p.Start(localAddr)
}

// Close tears the transport down.
func (c *Client) Close() error { return c.p.Close() }

// Update runs one non-reentrant tick: fires due events, polls the
// transport, and dispatches received user messages to registered
// handlers or Events.OnMessage.
func (c *Client) Update() {
	for _, d := range c.p.Update() {
		if handled := c.handlers.Dispatch(d.Endpoint, d.Conn, d.Msg); !handled && c.events.OnMessage != nil {
			c.events.OnMessage(d.Msg)
		}
		c.p.Pool().Release(d.Msg)
	}
}

// Connection exposes the underlying Connection, nil before Connect.
func (c *Client) Connection() *connection.Connection { return c.conn }

// Connect begins the handshake with serverAddr, retrying a Connect
// frame (optionally carrying payload) every heartbeat until maxAttempts
// heartbeats pass without a Welcome, at which point
// Events.OnDisconnected fires with DisconnectNeverConnected.
// maxAttempts<=0 uses config.PeerConfig.ConnectMaxAttempts.
func (c *Client) Connect(serverAddr string, maxAttempts int, payload []byte) error {
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.ConnectMaxAttempts
	}
	c.serverEndpoint = serverAddr
	c.maxAttempts = maxAttempts
	c.notified = false

	sender := transport.EndpointSender{T: c.p.Transport(), Endpoint: serverAddr}
	c.conn = connection.New(sender, c.p, c.p.Pool(), c.cfg, c.reg, c.logger, serverAddr)
	c.conn.SetNotifyListener(func(ev reliability.NotifyEvent) {
		if ev.Delivered {
			if c.events.OnNotifyDelivered != nil {
				c.events.OnNotifyDelivered(ev.SeqID)
			}
		} else if c.events.OnNotifyLost != nil {
			c.events.OnNotifyLost(ev.SeqID)
		}
	})

	m := c.p.Pool().Acquire(wire.KindConnect)
	if err := m.PutBytes(payload); err != nil {
		c.p.Pool().Release(m)
		return err
	}
	c.connectFrame = append([]byte(nil), m.Bytes()...)
	c.p.Pool().Release(m)

	return c.p.Transport().Send(serverAddr, c.connectFrame)
}

// Disconnect tears the connection down locally and informs the server.
func (c *Client) Disconnect() error {
	if c.conn == nil || c.conn.State() == connection.NotConnected {
		return nil
	}
	m := c.p.Pool().Acquire(wire.KindDisconnect)
	defer c.p.Pool().Release(m)
	if err := m.PutUint8(uint8(wire.DisconnectDisconnected)); err != nil {
		return err
	}
	if err := m.PutBytes(nil); err != nil {
		return err
	}
	err := c.p.Transport().Send(c.serverEndpoint, m.Bytes())
	c.conn.LocalDisconnect(wire.DisconnectDisconnected)
	c.notified = true // caller-initiated, no Disconnected event
	return err
}

func (c *Client) resolveConnection(endpoint string) (*connection.Connection, bool) {
	if c.conn == nil || endpoint != c.serverEndpoint {
		return nil, false
	}
	return c.conn, true
}

func (c *Client) onTransportDisconnected(endpoint string, reason wire.DisconnectReason) {
	if c.conn == nil || endpoint != c.serverEndpoint {
		return
	}
	c.localDisconnect(reason, nil)
}

func (c *Client) onHeartbeatTick(now time.Time) {
	if c.conn == nil {
		return
	}
	switch c.conn.State() {
	case connection.Connecting:
		attempts := c.conn.IncrementConnectAttempts()
		if attempts >= c.maxAttempts {
			c.localDisconnect(wire.DisconnectNeverConnected, nil)
			return
		}
		if err := c.p.Transport().Send(c.serverEndpoint, c.connectFrame); err != nil {
			c.logger.Warnw("connect retry send failed", "error", err)
		}
	case connection.Pending:
		if c.conn.HasConnectAttemptTimedOut(now) {
			c.localDisconnect(wire.DisconnectNeverConnected, nil)
		}
	case connection.Connected:
		if c.conn.HasTimedOut(now) {
			c.localDisconnect(wire.DisconnectTimedOut, nil)
			return
		}
		c.conn.CheckQuality()
		if c.conn.State() == connection.NotConnected {
			// A quality escalation (here, or earlier from the pending
			// engine) tore the connection down without an event.
			c.notifyDisconnected(c.conn.DisconnectReason(), nil)
			return
		}
		if err := c.conn.SendHeartbeat(now); err != nil {
			c.logger.Warnw("heartbeat send failed", "error", err)
		}
	case connection.NotConnected:
		c.notifyDisconnected(c.conn.DisconnectReason(), nil)
	}
}

// notifyDisconnected fires Events.OnDisconnected at most once per
// connection attempt.
func (c *Client) notifyDisconnected(reason wire.DisconnectReason, payload []byte) {
	if c.notified {
		return
	}
	c.notified = true
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected(reason, payload)
	}
}

func (c *Client) localDisconnect(reason wire.DisconnectReason, payload []byte) {
	if c.conn == nil || c.conn.State() == connection.NotConnected {
		return
	}
	c.conn.LocalDisconnect(reason)
	c.notifyDisconnected(reason, payload)
}

func (c *Client) handleControl(endpoint string, kind wire.HeaderKind, m *wire.Message, now time.Time) {
	defer c.p.Pool().Release(m)
	if c.conn == nil || endpoint != c.serverEndpoint {
		return
	}

	switch kind {
	case wire.KindAck:
		if err := c.conn.HandleAck(m, now); err != nil {
			c.logger.Warnw("ack decode failed", "error", err)
		}

	case wire.KindConnect:
		c.conn.SetPending(now)

	case wire.KindReject:
		// Rejects are sent three times to compensate for loss; only the
		// first one observed is acted on.
		if c.conn.State() == connection.NotConnected {
			return
		}
		reasonByte, err := m.GetUint8()
		if err != nil {
			return
		}
		payload, _ := m.GetBytes()
		c.conn.LocalDisconnect(wire.DisconnectConnectionRejected)
		c.notified = true
		if c.events.OnConnectionFailed != nil {
			c.events.OnConnectionFailed(wire.RejectReason(reasonByte), payload)
		}

	case wire.KindHeartbeat:
		reply, err := c.conn.HandleHeartbeat(m, now)
		if err != nil {
			c.logger.Warnw("heartbeat decode failed", "error", err)
			return
		}
		if reply != nil {
			defer c.p.Pool().Release(reply)
			if err := c.p.Transport().Send(c.serverEndpoint, reply.Bytes()); err != nil {
				c.logger.Warnw("heartbeat reply failed", "error", err)
			}
		}

	case wire.KindDisconnect:
		if c.conn.State() == connection.NotConnected {
			return
		}
		reasonByte, err := m.GetUint8()
		if err != nil {
			return
		}
		payload, _ := m.GetBytes()
		c.conn.LocalDisconnect(wire.DisconnectReason(reasonByte))
		c.notifyDisconnected(wire.DisconnectReason(reasonByte), payload)

	case wire.KindWelcome:
		if c.conn.State() == connection.Connected {
			return
		}
		id, err := m.GetUint16()
		if err != nil {
			return
		}
		c.conn.SetClientID(id)
		c.conn.MarkConnected(now)
		if c.events.OnConnected != nil {
			c.events.OnConnected()
		}

	case wire.KindClientConnected:
		id, err := m.GetUint16()
		if err != nil {
			return
		}
		if c.events.OnClientConnected != nil {
			c.events.OnClientConnected(id)
		}

	case wire.KindClientDisconnected:
		id, err := m.GetUint16()
		if err != nil {
			return
		}
		if c.events.OnClientDisconnected != nil {
			c.events.OnClientDisconnected(id)
		}
	}
}
