package connection

import (
	"github.com/messagenet/messagenet/internal/reliability"
	"github.com/messagenet/messagenet/metrics"
	"github.com/messagenet/messagenet/pkg/wire"
)

const (
	defaultSendAttemptsWindow = 64
	defaultNotifyLossWindow   = 64
)

// ConnectionMetrics holds one connection's share of the quality-disconnect
// raw statistics (RollingStat, LossWindow) plus curried handles into the
// Peer-wide Prometheus vectors. reg may be nil, in which case every
// Prometheus-facing method is a no-op: the raw counters still work,
// which is all CheckQuality needs.
type ConnectionMetrics struct {
	reg   *metrics.Registry
	label string

	sendAttempts *reliability.RollingStat
	notifyLoss   *LossWindow
}

func newConnectionMetrics(reg *metrics.Registry, label string, sendAttemptsWindow, notifyLossWindow int) *ConnectionMetrics {
	if sendAttemptsWindow <= 0 {
		sendAttemptsWindow = defaultSendAttemptsWindow
	}
	if notifyLossWindow <= 0 {
		notifyLossWindow = defaultNotifyLossWindow
	}
	return &ConnectionMetrics{
		reg:          reg,
		label:        label,
		sendAttempts: reliability.NewRollingStat(sendAttemptsWindow),
		notifyLoss:   newLossWindow(notifyLossWindow),
	}
}

func modeLabel(mode wire.SendMode) string {
	switch mode {
	case wire.ModeUnreliable:
		return "unreliable"
	case wire.ModeNotify:
		return "notify"
	case wire.ModeReliable:
		return "reliable"
	default:
		return "unknown"
	}
}

// RecordSend accounts for bytes/messages handed to the transport.
func (cm *ConnectionMetrics) RecordSend(mode wire.SendMode, bytes int) {
	if cm.reg == nil {
		return
	}
	l := modeLabel(mode)
	cm.reg.BytesOut.WithLabelValues(l).Add(float64(bytes))
	cm.reg.MessagesOut.WithLabelValues(l).Inc()
}

// RecordReceive accounts for bytes/messages accepted from a peer.
func (cm *ConnectionMetrics) RecordReceive(mode wire.SendMode, bytes int) {
	if cm.reg == nil {
		return
	}
	l := modeLabel(mode)
	cm.reg.BytesIn.WithLabelValues(l).Add(float64(bytes))
	cm.reg.MessagesIn.WithLabelValues(l).Inc()
}

// RecordReliableDiscarded counts a Reliable-class frame dropped as a
// duplicate or stale arrival.
func (cm *ConnectionMetrics) RecordReliableDiscarded() {
	if cm.reg != nil {
		cm.reg.ReliableDiscarded.Inc()
	}
}

// RecordNotifyDiscarded counts a Notify frame dropped as a duplicate.
func (cm *ConnectionMetrics) RecordNotifyDiscarded() {
	if cm.reg != nil {
		cm.reg.NotifyDiscarded.Inc()
	}
}

// RecordTransportError counts a send-side transport failure.
func (cm *ConnectionMetrics) RecordTransportError() {
	if cm.reg != nil {
		cm.reg.TransportErrors.Inc()
	}
}

// RecordRTT publishes the current smoothed RTT sample.
func (cm *ConnectionMetrics) RecordRTT(millis float64) {
	if cm.reg != nil {
		cm.reg.RTTMillis.WithLabelValues(cm.label).Set(millis)
	}
}

// RecordSendAttempts feeds a cleared pending message's final attempt
// count into the rolling send-attempts mean.
func (cm *ConnectionMetrics) RecordSendAttempts(attempts int) {
	cm.sendAttempts.Add(float64(attempts))
}

// RecordNotifyVerdict feeds a resolved notify outcome into the rolling
// loss rate.
func (cm *ConnectionMetrics) RecordNotifyVerdict(delivered bool) {
	cm.notifyLoss.Record(delivered)
}

// SendAttemptsMean is the current mean of recently cleared pending
// messages' attempt counts, 0 until at least one has cleared.
func (cm *ConnectionMetrics) SendAttemptsMean() float64 {
	if cm.sendAttempts.Len() == 0 {
		return 0
	}
	return cm.sendAttempts.Mean()
}

// NotifyLossRate is the current rolling fraction of notify sends
// presumed lost.
func (cm *ConnectionMetrics) NotifyLossRate() float64 { return cm.notifyLoss.Rate() }

// LossWindow is a fixed-size ring of recent delivered/lost verdicts
// giving an O(1) rolling loss rate. Unlike Bitfield, it tracks plain
// boolean outcomes with no notion of sequence-id position.
type LossWindow struct {
	slots  []bool
	idx    int
	filled bool
	lost   int
}

func newLossWindow(size int) *LossWindow {
	if size <= 0 {
		size = 1
	}
	return &LossWindow{slots: make([]bool, size)}
}

// Record appends one verdict, evicting the oldest once the window is full.
func (w *LossWindow) Record(delivered bool) {
	lost := !delivered
	n := len(w.slots)
	if w.filled && w.slots[w.idx] {
		w.lost--
	}
	w.slots[w.idx] = lost
	if lost {
		w.lost++
	}
	w.idx++
	if w.idx == n {
		w.idx = 0
		w.filled = true
	}
}

func (w *LossWindow) count() int {
	if w.filled {
		return len(w.slots)
	}
	return w.idx
}

// Rate returns the fraction of tracked verdicts that were lost, 0 when
// nothing has been recorded yet.
func (w *LossWindow) Rate() float64 {
	n := w.count()
	if n == 0 {
		return 0
	}
	return float64(w.lost) / float64(n)
}

// Len reports how many verdicts are currently tracked, for tests.
func (w *LossWindow) Len() int { return w.count() }
