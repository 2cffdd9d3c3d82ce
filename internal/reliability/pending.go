package reliability

import (
	"time"

	"github.com/messagenet/messagenet/pkg/wire"
)

// PendingHost is the subset of Connection a PendingMessage needs to
// resend a frame, read the current RTT estimate, and escalate a
// connection-quality disconnect.
type PendingHost interface {
	TransmitRaw(data []byte) error
	// SmoothRTTMillis returns the connection's current smoothed RTT in
	// milliseconds, or -1 if no sample has been taken yet.
	SmoothRTTMillis() float64
	CanQualityDisconnect() bool
	RequestDisconnect(reason wire.DisconnectReason)
	// ScheduleRetry arranges for p.RetrySend to be called once delay has
	// elapsed, snapshotting p.LastSendTime() for the stale-retry guard.
	ScheduleRetry(p *PendingMessage, delay time.Duration)
}

// MaxSendAttempts is the default attempt ceiling before a pending
// reliable message escalates to a quality disconnect request.
const MaxSendAttempts = 15

func retryDelayMillis(smoothRTTMillis float64) time.Duration {
	if smoothRTTMillis < 0 {
		return 50 * time.Millisecond
	}
	d := smoothRTTMillis * 1.2
	if d < 10 {
		d = 10
	}
	return time.Duration(d * float64(time.Millisecond))
}

// PendingMessage tracks a single in-flight reliable send awaiting
// acknowledgement. It is retried on a smoothed-RTT-derived schedule
// until Clear is called (the peer acknowledged it) or it escalates to a
// connection-quality disconnect after MaxSendAttempts.
type PendingMessage struct {
	SeqID        uint16
	MaxAttempts  int
	data         []byte
	host         PendingHost
	lastSendTime time.Time
	attempts     int
	cleared      bool
}

// NewPendingMessage captures the serialised frame for later retransmission.
// data is copied so the caller's Message buffer can be released to its
// pool immediately after the first send.
func NewPendingMessage(seqID uint16, frame []byte, host PendingHost) *PendingMessage {
	data := make([]byte, len(frame))
	copy(data, frame)
	return &PendingMessage{SeqID: seqID, MaxAttempts: MaxSendAttempts, data: data, host: host}
}

// TrySend transmits the message, or escalates to a quality disconnect if
// the attempt ceiling has already been reached. On a successful send it
// stamps LastSendTime and schedules the next retry via the host.
func (p *PendingMessage) TrySend(now time.Time) error {
	if p.cleared {
		return nil
	}
	if p.attempts >= p.MaxAttempts && p.host.CanQualityDisconnect() {
		p.Clear()
		p.host.RequestDisconnect(wire.DisconnectPoorConnection)
		return nil
	}
	if err := p.host.TransmitRaw(p.data); err != nil {
		return err
	}
	p.attempts++
	p.lastSendTime = now
	p.host.ScheduleRetry(p, retryDelayMillis(p.host.SmoothRTTMillis()))
	return nil
}

// RetrySend is invoked when a scheduled retry fires. scheduledLastSend is
// the LastSendTime snapshot taken when this retry was scheduled: if a
// more recent send has since happened, this retry is stale and does
// nothing (the newer send scheduled its own retry). Otherwise, if enough
// time has passed since the last send, it resends via TrySend; if not,
// it simply reschedules, since a concurrent send already extended the
// deadline.
func (p *PendingMessage) RetrySend(now time.Time, scheduledLastSend time.Time) error {
	if p.cleared {
		return nil
	}
	if !p.lastSendTime.Equal(scheduledLastSend) {
		return nil
	}

	threshold := p.host.SmoothRTTMillis() / 2
	if threshold < 25 {
		threshold = 25
	}
	if now.Sub(p.lastSendTime) > time.Duration(threshold*float64(time.Millisecond)) {
		return p.TrySend(now)
	}
	p.host.ScheduleRetry(p, retryDelayMillis(p.host.SmoothRTTMillis()))
	return nil
}

// Clear marks the message as resolved. Any scheduled retry that still
// fires afterward is a no-op.
func (p *PendingMessage) Clear() {
	p.cleared = true
	p.data = nil
}

// Cleared reports whether the message has been acknowledged or escalated.
func (p *PendingMessage) Cleared() bool { return p.cleared }

// LastSendTime returns the send time to snapshot when scheduling the
// next retry.
func (p *PendingMessage) LastSendTime() time.Time { return p.lastSendTime }

// Attempts reports how many times the message has been transmitted.
func (p *PendingMessage) Attempts() int { return p.attempts }
