// Package connection implements the per-peer connection state machine:
// RTT tracking, timeouts, the three send disciplines, selective-ACK
// emission, and quality-based self-disconnect.
package connection

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/reliability"
	"github.com/messagenet/messagenet/metrics"
	"github.com/messagenet/messagenet/pkg/wire"
)

// State is one of the four connection lifecycle states.
type State int

const (
	NotConnected State = iota
	Connecting
	Pending
	Connected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Pending:
		return "Pending"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Sender transmits a serialised frame to this connection's remote
// endpoint. A Connection never sees the endpoint representation itself:
// the owner (Peer, Client, Server) binds one Sender per Connection at
// construction time, closing over whatever the transport needs.
type Sender interface {
	Send(data []byte) error
}

// Scheduler arranges for fn to run once delay has elapsed, handed the
// tick time at which it actually fires. Connection uses this only to
// drive PendingMessage retries; the owning Peer supplies the
// implementation backed by its scheduled-event heap.
type Scheduler interface {
	ExecuteLater(delay time.Duration, fn func(now time.Time))
}

// Connection tracks one remote peer: its lifecycle state, RTT estimate,
// the Reliable and Notify sequencers, in-flight pending messages, and
// the rolling quality signals that can trigger a self-disconnect.
type Connection struct {
	sender    Sender
	scheduler Scheduler
	pool      *wire.Pool
	cfg       config.PeerConfig
	logger    *zap.SugaredLogger
	metrics   *ConnectionMetrics

	correlationID string
	clientID      uint16

	state            State
	canTimeout       bool
	lastHeartbeat    time.Time
	connectAttempts  int
	disconnectReason wire.DisconnectReason

	rtt        float64 // last RTT sample, ms
	smoothRTT  float64 // EWMA of RTT, ms; -1 until the first sample
	nextPingID uint8
	pingSentAt map[uint8]time.Time

	reliable reliability.ReliableSequencer
	notify   *reliability.NotifySequencer
	pending  map[uint16]*reliability.PendingMessage

	notifyListener func(ev reliability.NotifyEvent)

	sendAttemptsViolations int
	notifyLossViolations   int

	// clockNow caches the tick time of the call currently folding in an
	// Ack, so ReliableCallbacks methods (which the Sequencer invokes
	// without a time parameter) can schedule a resend at the right time.
	clockNow time.Time
}

// New constructs a Connection in the Connecting state, not yet bound to
// a client id.
func New(sender Sender, scheduler Scheduler, pool *wire.Pool, cfg config.PeerConfig, reg *metrics.Registry, logger *zap.SugaredLogger, correlationID string) *Connection {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Connection{
		sender:        sender,
		scheduler:     scheduler,
		pool:          pool,
		cfg:           cfg,
		logger:        logger.With("connection", correlationID),
		metrics:       newConnectionMetrics(reg, correlationID, cfg.AvgSendAttemptsResilience, cfg.NotifyLossResilience),
		correlationID: correlationID,
		state:         Connecting,
		canTimeout:    true,
		smoothRTT:     -1,
		pingSentAt:    make(map[uint8]time.Time),
		notify:        reliability.NewNotifySequencer(),
		pending:       make(map[uint16]*reliability.PendingMessage),
	}
}

// ClientID returns the peer id assigned to this connection, 0 until one
// is assigned (pre-Welcome).
func (c *Connection) ClientID() uint16 { return c.clientID }

// SetClientID binds the client id assigned by the server's freelist or
// learned from the client's own Welcome handshake.
func (c *Connection) SetClientID(id uint16) { c.clientID = id }

// State reports the current lifecycle state.
func (c *Connection) State() State { return c.state }

// DisconnectReason reports why the connection was last torn down. Only
// meaningful once State() == NotConnected.
func (c *Connection) DisconnectReason() wire.DisconnectReason { return c.disconnectReason }

// SetCanTimeout toggles whether HasTimedOut/HasConnectAttemptTimedOut can
// ever report true for this connection.
func (c *Connection) SetCanTimeout(v bool) { c.canTimeout = v }

// SetTimeoutTime overrides how long this connection may go silent before
// HasTimedOut reports true.
func (c *Connection) SetTimeoutTime(d time.Duration) { c.cfg.TimeoutTime = d }

// Metrics exposes the connection's counters, for tests and diagnostics.
func (c *Connection) Metrics() *ConnectionMetrics { return c.metrics }

// SetPending transitions Connecting → Pending and resets the timeout
// clock. A no-op outside Connecting.
func (c *Connection) SetPending(now time.Time) {
	if c.state != Connecting {
		return
	}
	c.state = Pending
	c.lastHeartbeat = now
}

// MarkConnected transitions to Connected and resets the timeout clock.
// Called on the client after a Welcome arrives, and on the server once
// its Welcome response has been handled.
func (c *Connection) MarkConnected(now time.Time) {
	c.state = Connected
	c.lastHeartbeat = now
}

// LocalDisconnect tears the connection down immediately: transitions to
// NotConnected and clears every pending message. Idempotent.
func (c *Connection) LocalDisconnect(reason wire.DisconnectReason) {
	if c.state == NotConnected {
		return
	}
	for _, pm := range c.pending {
		pm.Clear()
	}
	c.pending = make(map[uint16]*reliability.PendingMessage)
	c.state = NotConnected
	c.disconnectReason = reason
	c.logger.Infow("connection disconnected", "reason", reason)
}

// RequestDisconnect implements reliability.PendingHost: a pending
// message engine escalation tears the connection down the same way a
// caller-initiated LocalDisconnect would.
func (c *Connection) RequestDisconnect(reason wire.DisconnectReason) {
	c.LocalDisconnect(reason)
}

// Touch refreshes the liveness clock used by HasTimedOut. Called on
// every frame this connection's owner classifies as coming from it.
func (c *Connection) Touch(now time.Time) { c.lastHeartbeat = now }

// HasTimedOut reports whether the connection has gone silent longer than
// the configured timeout.
func (c *Connection) HasTimedOut(now time.Time) bool {
	return c.canTimeout && now.Sub(c.lastHeartbeat) > c.cfg.TimeoutTime
}

// HasConnectAttemptTimedOut reports whether a Connecting/Pending
// connection has gone silent longer than the connect timeout.
func (c *Connection) HasConnectAttemptTimedOut(now time.Time) bool {
	return c.canTimeout && now.Sub(c.lastHeartbeat) > c.cfg.ConnectTimeoutTime
}

// IncrementConnectAttempts records one more heartbeat sent while
// Connecting and returns the new count, for the Client orchestrator's
// max_attempts check.
func (c *Connection) IncrementConnectAttempts() int {
	c.connectAttempts++
	return c.connectAttempts
}

// ConnectAttempts reports how many connect-phase heartbeats have fired.
func (c *Connection) ConnectAttempts() int { return c.connectAttempts }

// SmoothRTTMillis implements reliability.PendingHost.
func (c *Connection) SmoothRTTMillis() float64 { return c.smoothRTT }

// CanQualityDisconnect implements reliability.PendingHost. Quality-based
// escalation only applies once a connection is fully established;
// handshake failures are handled separately via NeverConnected/
// has_connect_attempt_timed_out.
func (c *Connection) CanQualityDisconnect() bool { return c.state == Connected }

// TransmitRaw implements reliability.PendingHost: it hands an already-
// serialised frame straight to the transport, without touching a pool.
func (c *Connection) TransmitRaw(data []byte) error {
	if err := c.sender.Send(data); err != nil {
		return c.transportFailure(err)
	}
	c.metrics.RecordSend(wire.ModeReliable, len(data))
	return nil
}

// ScheduleRetry implements reliability.PendingHost by delegating to the
// owning Peer's event scheduler. It snapshots p's current LastSendTime
// so the eventual RetrySend call can detect a stale retry.
func (c *Connection) ScheduleRetry(p *reliability.PendingMessage, delay time.Duration) {
	scheduledLastSend := p.LastSendTime()
	c.scheduler.ExecuteLater(delay, func(now time.Time) {
		if err := p.RetrySend(now, scheduledLastSend); err != nil {
			c.logger.Warnw("reliable retry failed", "seq_id", p.SeqID, "error", err)
		}
	})
}

// SendHeartbeat stamps a fresh ping id, records the send time for RTT
// measurement, and transmits a Heartbeat frame.
func (c *Connection) SendHeartbeat(now time.Time) error {
	id := c.nextPingID
	c.nextPingID++
	c.pingSentAt[id] = now

	m := c.pool.Acquire(wire.KindHeartbeat)
	defer c.pool.Release(m)
	if err := m.PutUint8(id); err != nil {
		return err
	}
	if err := m.PutUint32(uint32(c.currentRTTMillis())); err != nil {
		return err
	}
	if err := c.sender.Send(m.Bytes()); err != nil {
		return c.transportFailure(err)
	}
	return nil
}

func (c *Connection) currentRTTMillis() int64 {
	if c.smoothRTT < 0 {
		return 0
	}
	return int64(c.smoothRTT)
}

// HandleHeartbeat processes an inbound Heartbeat frame, refreshes the
// liveness clock, and returns a reply frame to send back when this
// frame is a peer-initiated probe rather than the echo of our own. A nil
// reply with a nil error means the frame completed one of our own RTT
// samples and needs no response.
func (c *Connection) HandleHeartbeat(m *wire.Message, now time.Time) (*wire.Message, error) {
	pingID, err := m.GetUint8()
	if err != nil {
		return nil, err
	}
	reportedRTT, err := m.GetUint32()
	if err != nil {
		return nil, err
	}
	c.Touch(now)

	if sentAt, ok := c.pingSentAt[pingID]; ok {
		delete(c.pingSentAt, pingID)
		c.recordRTTSample(now.Sub(sentAt))
		return nil, nil
	}

	// A probe from a peer that measures RTT itself (the client side)
	// carries its current estimate; a host that never probes (the
	// server) adopts it as its own sample so retry delays still scale
	// with the real link.
	if reportedRTT > 0 {
		c.adoptRTT(float64(reportedRTT))
	}

	reply := c.pool.Acquire(wire.KindHeartbeat)
	if err := reply.PutUint8(pingID); err != nil {
		c.pool.Release(reply)
		return nil, err
	}
	if err := reply.PutUint32(uint32(c.currentRTTMillis())); err != nil {
		c.pool.Release(reply)
		return nil, err
	}
	return reply, nil
}

func (c *Connection) recordRTTSample(d time.Duration) {
	rtt := float64(d.Milliseconds())
	c.adoptRTT(rtt)
}

func (c *Connection) adoptRTT(rtt float64) {
	if rtt < 1 {
		rtt = 1
	}
	c.rtt = rtt
	if c.smoothRTT < 0 {
		c.smoothRTT = rtt
	} else {
		c.smoothRTT = c.smoothRTT*0.7 + rtt*0.3
	}
	c.metrics.RecordRTT(c.smoothRTT)
}

// Send transmits m under the given delivery mode. For ModeUnreliable and
// ModeNotify, m is released back to the pool before Send returns. For
// ModeReliable, m's frame is copied into a new PendingMessage and m is
// released immediately; the caller must not touch m afterward in any
// case.
func (c *Connection) Send(now time.Time, mode wire.SendMode, m *wire.Message) error {
	switch mode {
	case wire.ModeUnreliable:
		defer c.pool.Release(m)
		if err := c.sender.Send(m.Bytes()); err != nil {
			return c.transportFailure(err)
		}
		c.metrics.RecordSend(mode, len(m.Bytes()))
		return nil

	case wire.ModeNotify:
		defer c.pool.Release(m)
		seqID := c.notify.NextOutgoing()
		lastRecv, first8 := c.notify.OutgoingHeaderFields()
		m.PatchNotifyField(lastRecv, first8, seqID)
		if err := c.sender.Send(m.Bytes()); err != nil {
			return c.transportFailure(err)
		}
		c.metrics.RecordSend(mode, len(m.Bytes()))
		return nil

	case wire.ModeReliable:
		seqID := c.reliable.NextSequenceID()
		m.PatchSeqID(seqID)
		pm := reliability.NewPendingMessage(seqID, m.Bytes(), c)
		if c.cfg.MaxSendAttempts > 0 {
			pm.MaxAttempts = c.cfg.MaxSendAttempts
		}
		c.pending[seqID] = pm
		c.pool.Release(m)
		return pm.TrySend(now)

	default:
		c.pool.Release(m)
		return fmt.Errorf("connection: unknown send mode %v", mode)
	}
}

// HandleReliableArrival folds a just-parsed Reliable-class frame into
// the receive-side sequencer, always emits the selective ACK it owes in
// response, and reports whether the frame is new and should be queued
// for user dispatch.
func (c *Connection) HandleReliableArrival(seqID uint16, frameBytes int, now time.Time) bool {
	if gap := reliability.Gap(seqID, c.reliable.LastReceivedSeqID); gap > 64 {
		c.logger.Warnw("large sequence gap, duplicate filter losing fidelity", "gap", gap, "seq_id", seqID)
	}
	ok := c.reliable.ShouldHandle(seqID)
	if ok {
		c.metrics.RecordReceive(wire.ModeReliable, frameBytes)
	} else {
		c.metrics.RecordReliableDiscarded()
	}
	if err := c.sendAck(seqID); err != nil {
		c.logger.Warnw("ack send failed", "seq_id", seqID, "error", err)
	}
	return ok
}

func (c *Connection) sendAck(ackedSeqID uint16) error {
	last, bits := c.reliable.AckFields()
	m := c.pool.Acquire(wire.KindAck)
	defer c.pool.Release(m)
	if err := m.PutUint16(last); err != nil {
		return err
	}
	if err := m.PutUint16(bits); err != nil {
		return err
	}
	if ackedSeqID == last {
		if err := m.PutBool(false); err != nil {
			return err
		}
	} else {
		if err := m.PutBool(true); err != nil {
			return err
		}
		if err := m.PutUint16(ackedSeqID); err != nil {
			return err
		}
	}
	if err := c.sender.Send(m.Bytes()); err != nil {
		return c.transportFailure(err)
	}
	return nil
}

// HandleAck folds an inbound Ack frame into the send-side sequencer and
// directly confirms the id it specifically acknowledges.
func (c *Connection) HandleAck(m *wire.Message, now time.Time) error {
	last, err := m.GetUint16()
	if err != nil {
		return err
	}
	bits, err := m.GetUint16()
	if err != nil {
		return err
	}
	explicit, err := m.GetBool()
	if err != nil {
		return err
	}
	acked := last
	if explicit {
		acked, err = m.GetUint16()
		if err != nil {
			return err
		}
	}

	c.clockNow = now
	c.reliable.UpdateReceivedAcks(last, bits, c)
	c.OnAckConfirmed(acked)
	return nil
}

// OnAckConfirmed implements reliability.ReliableCallbacks: the pending
// message is done, its final attempt count feeds the quality-disconnect
// RollingStat, and it is dropped from the pending map.
func (c *Connection) OnAckConfirmed(seqID uint16) {
	pm, ok := c.pending[seqID]
	if !ok {
		return
	}
	c.metrics.RecordSendAttempts(pm.Attempts())
	pm.Clear()
	delete(c.pending, seqID)
}

// OnResendRequested implements reliability.ReliableCallbacks: an id aged
// out of the ack window without ever being confirmed, so its pending
// message is forced to resend immediately.
func (c *Connection) OnResendRequested(seqID uint16) {
	pm, ok := c.pending[seqID]
	if !ok {
		return
	}
	if err := pm.TrySend(c.clockNow); err != nil {
		c.logger.Warnw("forced resend failed", "seq_id", seqID, "error", err)
	}
}

// ProcessNotify folds the peer's piggy-backed notify ack into the
// send-side notify sequencer, then reports whether the frame's own
// sequence id is new and should be queued for user dispatch.
func (c *Connection) ProcessNotify(m *wire.Message, now time.Time) bool {
	c.Touch(now)
	c.notify.UpdateReceivedAcks(m.NotifyLastRecvSeq, m.NotifyRecvBitsFirst8, c)
	if !c.notify.ShouldHandle(m.NotifyThisSeq) {
		c.metrics.RecordNotifyDiscarded()
		return false
	}
	c.metrics.RecordReceive(wire.ModeNotify, len(m.Bytes()))
	return true
}

// SetNotifyListener installs fn to receive the Delivered/Lost verdict of
// every notify message this connection sent, in sequence id order.
func (c *Connection) SetNotifyListener(fn func(ev reliability.NotifyEvent)) {
	c.notifyListener = fn
}

// OnNotifyResolved implements reliability.NotifyCallbacks: every verdict,
// delivered or lost, feeds the rolling notify-loss rate and the
// installed listener.
func (c *Connection) OnNotifyResolved(ev reliability.NotifyEvent) {
	c.metrics.RecordNotifyVerdict(ev.Delivered)
	if c.notifyListener != nil {
		c.notifyListener(ev)
	}
}

// CheckQuality advances the two independent violation counters for the
// RollingStat-based send-attempts mean and the notify-loss rolling rate,
// requesting a PoorConnection disconnect once either counter reaches its
// configured resilience.
func (c *Connection) CheckQuality() {
	if c.metrics.SendAttemptsMean() > c.cfg.MaxAvgSendAttempts {
		c.sendAttemptsViolations++
	} else {
		c.sendAttemptsViolations = 0
	}

	if c.metrics.NotifyLossRate() > c.cfg.MaxNotifyLoss {
		c.notifyLossViolations++
	} else {
		c.notifyLossViolations = 0
	}

	if c.sendAttemptsViolations >= c.cfg.AvgSendAttemptsResilience ||
		c.notifyLossViolations >= c.cfg.NotifyLossResilience {
		c.logger.Warnw("quality disconnect",
			"send_attempts_violations", c.sendAttemptsViolations,
			"notify_loss_violations", c.notifyLossViolations)
		c.RequestDisconnect(wire.DisconnectPoorConnection)
	}
}

// PendingCount reports how many reliable sends are still awaiting
// acknowledgement, for tests and diagnostics.
func (c *Connection) PendingCount() int { return len(c.pending) }

func (c *Connection) transportFailure(err error) error {
	c.metrics.RecordTransportError()
	c.LocalDisconnect(wire.DisconnectTransportError)
	return fmt.Errorf("%w: %v", wire.ErrTransport, err)
}
