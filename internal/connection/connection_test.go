package connection

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/reliability"
	"github.com/messagenet/messagenet/pkg/wire"
)

var testLogger = zap.NewNop().Sugar()

type fakeSender struct {
	dropNext bool
	sent     [][]byte
}

func (f *fakeSender) Send(data []byte) error {
	if f.dropNext {
		f.dropNext = false
		return nil // dropped on the wire, not a transport error
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}

type fakeScheduler struct {
	fns []func(now time.Time)
}

func (f *fakeScheduler) ExecuteLater(delay time.Duration, fn func(now time.Time)) {
	f.fns = append(f.fns, fn)
}

func (f *fakeScheduler) fireAll(now time.Time) {
	due := f.fns
	f.fns = nil
	for _, fn := range due {
		fn(now)
	}
}

func testConnection(t *testing.T, sender Sender, sched Scheduler) *Connection {
	t.Helper()
	cfg := config.DefaultPeerConfig()
	pool := wire.NewPool(cfg.PoolSize)
	return New(sender, sched, pool, cfg, nil, testLogger, "test")
}

// TestReliableRetransmitAfterDroppedFirstTransmission drops the first
// transmission and delivers the retransmit: the observable effect is a
// single ACK-confirmed send and an emptied pending map, not a second
// application-level delivery (retransmission is a sender-side concern;
// the receiver only ever sees one arrival per sequence id, verified
// separately by the sequencer's own duplicate-suppression tests).
func TestReliableRetransmitAfterDroppedFirstTransmission(t *testing.T) {
	sender := &fakeSender{dropNext: true}
	sched := &fakeScheduler{}
	c := testConnection(t, sender, sched)
	c.MarkConnected(time.Unix(1000, 0))

	m := c.pool.Acquire(wire.KindReliable)
	if err := m.WriteMsgID(42); err != nil {
		t.Fatal(err)
	}
	if err := m.PutString("Hello World !"); err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1000, 0)
	if err := c.Send(now, wire.ModeReliable, m); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent %d frames on the dropped first transmission, want 0", len(sender.sent))
	}
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1 while awaiting the ACK", c.PendingCount())
	}

	// The retry fires on the scheduler at roughly smooth_rtt*1.2 (or the
	// 50ms while RTT is unknown); simulate that tick directly.
	retryAt := now.Add(30 * time.Millisecond)
	sched.fireAll(retryAt)

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d frames after the retransmit, want exactly 1", len(sender.sent))
	}

	// The peer's ACK arrives for the one sequence id in flight.
	ack := c.pool.Acquire(wire.KindAck)
	ack.PutUint16(1)
	ack.PutUint16(0)
	ack.PutBool(false)
	frame := append([]byte(nil), ack.Bytes()...)
	c.pool.Release(ack)

	if err := c.HandleAck(mustParseAck(t, c.pool, frame), retryAt.Add(5*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0 after the ACK confirms the retransmit", c.PendingCount())
	}
}

func mustParseAck(t *testing.T, pool *wire.Pool, frame []byte) *wire.Message {
	t.Helper()
	m, err := wire.ParseMessage(pool, frame)
	if err != nil {
		t.Fatalf("parsing ack frame: %v", err)
	}
	return m
}

func TestMarkConnectedTransitionsState(t *testing.T) {
	c := testConnection(t, &fakeSender{}, &fakeScheduler{})
	if c.State() != Connecting {
		t.Fatalf("initial state = %v, want Connecting", c.State())
	}
	now := time.Unix(1000, 0)
	c.MarkConnected(now)
	if c.State() != Connected {
		t.Fatalf("state = %v, want Connected", c.State())
	}
	if c.HasTimedOut(now) {
		t.Fatal("freshly connected peer must not be timed out")
	}
}

func TestHasTimedOutAfterTimeoutTime(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.TimeoutTime = 50 * time.Millisecond
	pool := wire.NewPool(cfg.PoolSize)
	c := New(&fakeSender{}, &fakeScheduler{}, pool, cfg, nil, testLogger, "test")

	now := time.Unix(1000, 0)
	c.MarkConnected(now)
	if c.HasTimedOut(now.Add(10 * time.Millisecond)) {
		t.Fatal("should not be timed out before timeout_time elapses")
	}
	if !c.HasTimedOut(now.Add(100 * time.Millisecond)) {
		t.Fatal("should be timed out once timeout_time elapses with no heartbeat")
	}
}

func TestNotifyVerdictsReachListenerInOrder(t *testing.T) {
	sender := &fakeSender{}
	c := testConnection(t, sender, &fakeScheduler{})
	now := time.Unix(1000, 0)
	c.MarkConnected(now)

	var events []reliability.NotifyEvent
	c.SetNotifyListener(func(ev reliability.NotifyEvent) { events = append(events, ev) })

	// Two notify sends take sequence ids 1 and 2.
	for i := 0; i < 2; i++ {
		m := c.pool.Acquire(wire.KindNotify)
		if err := c.Send(now, wire.ModeNotify, m); err != nil {
			t.Fatal(err)
		}
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d notify frames, want 2", len(sender.sent))
	}

	// The peer reports id 2 as its latest arrival with id 1's bit clear:
	// 1 was lost, 2 delivered.
	in := c.pool.Acquire(wire.KindNotify)
	in.PatchNotifyField(2, 0, 1)
	frame := append([]byte(nil), in.Bytes()...)
	c.pool.Release(in)

	parsed, err := wire.ParseMessage(c.pool, frame)
	if err != nil {
		t.Fatal(err)
	}
	c.ProcessNotify(parsed, now.Add(10*time.Millisecond))

	want := []reliability.NotifyEvent{
		{SeqID: 1, Delivered: false},
		{SeqID: 2, Delivered: true},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d verdicts %v, want %v", len(events), events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("verdict %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestUnreliableSendReleasesMessageAndTransmits(t *testing.T) {
	sender := &fakeSender{}
	c := testConnection(t, sender, &fakeScheduler{})
	c.MarkConnected(time.Unix(1000, 0))

	m := c.pool.Acquire(wire.KindUnreliable)
	if err := m.WriteMsgID(1); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(time.Unix(1000, 0), wire.ModeUnreliable, m); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sender.sent))
	}
}
