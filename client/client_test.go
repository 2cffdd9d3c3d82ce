package client

import (
	"testing"
	"time"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport"
)

type fakeTransport struct {
	started bool
	queued  []transport.Event
	sent    []sentFrame
}

type sentFrame struct {
	endpoint string
	data     []byte
}

func (f *fakeTransport) Start(addr string) error { f.started = true; return nil }
func (f *fakeTransport) Poll() []transport.Event {
	out := f.queued
	f.queued = nil
	return out
}
func (f *fakeTransport) Send(endpoint string, data []byte) error {
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, sentFrame{endpoint, cp})
	return nil
}
func (f *fakeTransport) Close(endpoint string) error { return nil }
func (f *fakeTransport) Shutdown() error             { return nil }

func testConfig() config.PeerConfig {
	cfg := config.DefaultPeerConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.ConnectMaxAttempts = 3
	return cfg
}

func TestClientConnectSendsConnectFrame(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, testConfig(), nil)
	c.Start("0.0.0.0:0")
	defer c.Close()

	if err := c.Connect("server:1", 0, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d frames on Connect, want 1", len(tr.sent))
	}
	kind := wire.HeaderKind(tr.sent[0].data[0] & 0xF)
	if kind != wire.KindConnect {
		t.Fatalf("sent kind = %v, want Connect", kind)
	}
	if c.Connection().State() != connection.Connecting {
		t.Fatalf("state = %v, want Connecting", c.Connection().State())
	}
}

func TestClientWelcomeCompletesHandshake(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, testConfig(), nil)
	c.Start("0.0.0.0:0")
	defer c.Close()

	connected := false
	c.SetEvents(Events{OnConnected: func() { connected = true }})
	c.Connect("server:1", 0, nil)

	welcome := c.p.Pool().Acquire(wire.KindWelcome)
	welcome.PatchSeqID(1)
	welcome.PutUint16(7)
	frame := append([]byte(nil), welcome.Bytes()...)
	c.p.Pool().Release(welcome)

	tr.queued = []transport.Event{{Kind: transport.EventData, Endpoint: "server:1", Data: frame}}
	c.Update()

	if !connected {
		t.Fatal("expected OnConnected to fire once Welcome arrives")
	}
	if c.Connection().ClientID() != 7 {
		t.Fatalf("ClientID() = %d, want 7", c.Connection().ClientID())
	}
	if c.Connection().State() != connection.Connected {
		t.Fatalf("state = %v, want Connected", c.Connection().State())
	}
}

func TestClientRejectFiresConnectionFailed(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, testConfig(), nil)
	c.Start("0.0.0.0:0")
	defer c.Close()

	var gotReason wire.RejectReason
	c.SetEvents(Events{OnConnectionFailed: func(reason wire.RejectReason, payload []byte) { gotReason = reason }})
	c.Connect("server:1", 0, nil)

	reject := c.p.Pool().Acquire(wire.KindReject)
	reject.PutUint8(uint8(wire.RejectServerFull))
	frame := append([]byte(nil), reject.Bytes()...)
	c.p.Pool().Release(reject)

	tr.queued = []transport.Event{{Kind: transport.EventData, Endpoint: "server:1", Data: frame}}
	c.Update()

	if gotReason != wire.RejectServerFull {
		t.Fatalf("reject reason = %v, want ServerFull", gotReason)
	}
	if c.Connection().State() != connection.NotConnected {
		t.Fatalf("state = %v, want NotConnected after rejection", c.Connection().State())
	}
}

func TestClientGivesUpAfterMaxConnectAttempts(t *testing.T) {
	tr := &fakeTransport{}
	cfg := testConfig()
	cfg.ConnectMaxAttempts = 2
	c := New(tr, cfg, nil)
	c.Start("0.0.0.0:0")
	defer c.Close()

	var gotReason wire.DisconnectReason
	disconnected := false
	c.SetEvents(Events{OnDisconnected: func(reason wire.DisconnectReason, payload []byte) {
		gotReason = reason
		disconnected = true
	}})
	c.Connect("server:1", 0, nil)

	// Fire the heartbeat tick directly cfg.ConnectMaxAttempts+1 times,
	// simulating the server never answering.
	for i := 0; i < 3 && !disconnected; i++ {
		c.onHeartbeatTick(time.Now())
	}

	if !disconnected {
		t.Fatal("expected OnDisconnected to fire once ConnectMaxAttempts is exceeded")
	}
	if gotReason != wire.DisconnectNeverConnected {
		t.Fatalf("reason = %v, want NeverConnected", gotReason)
	}
}

func TestClientDispatchesUserMessageToHandler(t *testing.T) {
	tr := &fakeTransport{}
	c := New(tr, testConfig(), nil)
	c.Start("0.0.0.0:0")
	defer c.Close()
	c.Connect("server:1", 0, nil)
	c.Connection().MarkConnected(time.Now())
	c.Connection().SetClientID(1)

	var got string
	c.Handlers().Handle(99, func(endpoint string, conn *connection.Connection, msg *wire.Message) {
		got, _ = msg.GetString()
	})

	m := c.p.Pool().Acquire(wire.KindUnreliable)
	m.WriteMsgID(99)
	m.PutString("payload")
	frame := append([]byte(nil), m.Bytes()...)
	c.p.Pool().Release(m)

	tr.queued = []transport.Event{{Kind: transport.EventData, Endpoint: "server:1", Data: frame}}
	c.Update()

	if got != "payload" {
		t.Fatalf("handler saw %q, want %q", got, "payload")
	}
}
