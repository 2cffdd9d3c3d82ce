package server_test

import (
	"testing"
	"time"

	"github.com/messagenet/messagenet/client"
	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/server"
	"github.com/messagenet/messagenet/transport/udp"
)

func pumpUntil(t *testing.T, timeout time.Duration, tick func(), done func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tick()
		if done() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func newServer(t *testing.T, cfg config.PeerConfig) (*server.Server, string) {
	t.Helper()
	srv := server.New(udp.New(0), cfg, nil)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, srv.LocalAddr()
}

func newClient(t *testing.T, cfg config.PeerConfig) *client.Client {
	t.Helper()
	c := client.New(udp.New(0), cfg, nil)
	if err := c.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEndHandshakeAssignsLowestID(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond

	srv, addr := newServer(t, cfg)
	connected := make(chan uint16, 1)
	srv.SetEvents(server.Events{OnClientConnected: func(id uint16) { connected <- id }})

	c := newClient(t, cfg)
	gotConnected := false
	c.SetEvents(client.Events{OnConnected: func() { gotConnected = true }})
	if err := c.Connect(addr, 0, nil); err != nil {
		t.Fatal(err)
	}

	pumpUntil(t, 2*time.Second, func() { srv.Update(); c.Update() }, func() bool { return gotConnected })

	select {
	case id := <-connected:
		if id != 1 {
			t.Fatalf("server assigned client id %d, want 1", id)
		}
	default:
		t.Fatal("expected OnClientConnected to have fired")
	}
	if c.Connection().ClientID() != 1 {
		t.Fatalf("client.ClientID() = %d, want 1", c.Connection().ClientID())
	}
}

func TestEndToEndReliableMessageRoundTrip(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	const chatMsgID = 42

	srv, addr := newServer(t, cfg)
	var serverGot string
	srv.Handlers().Handle(chatMsgID, func(endpoint string, conn *connection.Connection, msg *wire.Message) {
		s, err := msg.GetString()
		if err != nil {
			t.Error(err)
			return
		}
		serverGot = s
		reply := srv.Pool().Acquire(wire.KindReliable)
		reply.WriteMsgID(chatMsgID)
		reply.PutString(s)
		conn.Send(time.Now(), wire.ModeReliable, reply)
	})

	c := newClient(t, cfg)
	echoed := make(chan string, 1)
	c.Handlers().Handle(chatMsgID, func(endpoint string, conn *connection.Connection, msg *wire.Message) {
		s, _ := msg.GetString()
		echoed <- s
	})
	connected := make(chan struct{}, 1)
	c.SetEvents(client.Events{OnConnected: func() { connected <- struct{}{} }})

	if err := c.Connect(addr, 0, nil); err != nil {
		t.Fatal(err)
	}
	pumpUntil(t, 2*time.Second, func() { srv.Update(); c.Update() }, func() bool {
		select {
		case <-connected:
			return true
		default:
			return false
		}
	})

	m := c.Pool().Acquire(wire.KindReliable)
	m.WriteMsgID(chatMsgID)
	m.PutString("Hello World !")
	if err := c.Connection().Send(time.Now(), wire.ModeReliable, m); err != nil {
		t.Fatal(err)
	}

	var got string
	pumpUntil(t, 2*time.Second, func() { srv.Update(); c.Update() }, func() bool {
		select {
		case got = <-echoed:
			return true
		default:
			return false
		}
	})

	if serverGot != "Hello World !" {
		t.Fatalf("server received %q, want %q", serverGot, "Hello World !")
	}
	if got != "Hello World !" {
		t.Fatalf("client received echo %q, want %q", got, "Hello World !")
	}
}

func TestEndToEndServerFullRejectsSecondClient(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.MaxClientCount = 1

	srv, addr := newServer(t, cfg)

	first := newClient(t, cfg)
	firstConnected := make(chan struct{}, 1)
	first.SetEvents(client.Events{OnConnected: func() { firstConnected <- struct{}{} }})
	if err := first.Connect(addr, 0, nil); err != nil {
		t.Fatal(err)
	}
	pumpUntil(t, 2*time.Second, func() { srv.Update(); first.Update() }, func() bool {
		select {
		case <-firstConnected:
			return true
		default:
			return false
		}
	})

	second := newClient(t, cfg)
	var rejectReason wire.RejectReason
	rejected := make(chan struct{}, 1)
	second.SetEvents(client.Events{OnConnectionFailed: func(reason wire.RejectReason, payload []byte) {
		rejectReason = reason
		rejected <- struct{}{}
	}})
	if err := second.Connect(addr, 0, nil); err != nil {
		t.Fatal(err)
	}
	pumpUntil(t, 2*time.Second, func() { srv.Update(); first.Update(); second.Update() }, func() bool {
		select {
		case <-rejected:
			return true
		default:
			return false
		}
	})

	if rejectReason != wire.RejectServerFull {
		t.Fatalf("reject reason = %v, want ServerFull", rejectReason)
	}
}

func TestEndToEndDisconnectReturnsIDToFreelist(t *testing.T) {
	cfg := config.DefaultPeerConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond

	srv, addr := newServer(t, cfg)
	var lastDisconnectedID uint16
	var lastReason wire.DisconnectReason
	disconnected := make(chan struct{}, 1)
	srv.SetEvents(server.Events{OnClientDisconnected: func(id uint16, reason wire.DisconnectReason) {
		lastDisconnectedID = id
		lastReason = reason
		disconnected <- struct{}{}
	}})

	c := newClient(t, cfg)
	connected := make(chan struct{}, 1)
	c.SetEvents(client.Events{OnConnected: func() { connected <- struct{}{} }})
	if err := c.Connect(addr, 0, nil); err != nil {
		t.Fatal(err)
	}
	pumpUntil(t, 2*time.Second, func() { srv.Update(); c.Update() }, func() bool {
		select {
		case <-connected:
			return true
		default:
			return false
		}
	})

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	pumpUntil(t, 2*time.Second, func() { srv.Update(); c.Update() }, func() bool {
		select {
		case <-disconnected:
			return true
		default:
			return false
		}
	})

	if lastDisconnectedID != 1 {
		t.Fatalf("disconnected id = %d, want 1", lastDisconnectedID)
	}
	if lastReason != wire.DisconnectDisconnected {
		t.Fatalf("disconnect reason = %v, want Disconnected", lastReason)
	}

	if srv.ClientCount() != 0 {
		t.Fatalf("ClientCount() = %d, want 0 after disconnect", srv.ClientCount())
	}

	// The freed id must be reused by the next connecting client.
	second := newClient(t, cfg)
	reconnected := make(chan uint16, 1)
	srv.SetEvents(server.Events{OnClientConnected: func(id uint16) { reconnected <- id }})
	if err := second.Connect(addr, 0, nil); err != nil {
		t.Fatal(err)
	}
	pumpUntil(t, 2*time.Second, func() { srv.Update(); second.Update() }, func() bool {
		select {
		case id := <-reconnected:
			return id == 1
		default:
			return false
		}
	})
}
