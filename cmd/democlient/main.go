// Command democlient connects to a demoserver instance, sends one
// Reliable "chat" message (msg_id 1), and prints whatever gets relayed
// back from other clients until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/messagenet/messagenet/client"
	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/transport/udp"
)

const chatMsgID = 1

func main() {
	serverAddr := flag.String("server", "127.0.0.1:7777", "server address to connect to")
	localAddr := flag.String("local", ":0", "local UDP bind address")
	text := flag.String("text", "Hello World !", "chat message to send once connected")
	tickRate := flag.Duration("tick", 50*time.Millisecond, "Update tick interval")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar().With("session", xid.New().String())

	cfg := config.DefaultPeerConfig()
	c := client.New(udp.New(0), cfg, sugar)

	c.SetEvents(client.Events{
		OnConnected: func() {
			sugar.Infow("connected", "client_id", c.Connection().ClientID())
			if err := sendChat(c, *text); err != nil {
				sugar.Warnw("chat send failed", "error", err)
			}
		},
		OnConnectionFailed: func(reason wire.RejectReason, payload []byte) {
			sugar.Fatalw("connection rejected", "reason", reason)
		},
		OnDisconnected: func(reason wire.DisconnectReason, payload []byte) {
			sugar.Infow("disconnected", "reason", reason)
		},
		OnClientConnected: func(id uint16) {
			sugar.Infow("peer joined", "client_id", id)
		},
		OnClientDisconnected: func(id uint16) {
			sugar.Infow("peer left", "client_id", id)
		},
	})
	c.Handlers().Handle(chatMsgID, func(endpoint string, conn *connection.Connection, msg *wire.Message) {
		s, err := msg.GetString()
		if err != nil {
			return
		}
		sugar.Infow("chat relayed", "from", conn.ClientID(), "text", s)
	})

	if err := c.Start(*localAddr); err != nil {
		sugar.Fatalw("client start failed", "error", err)
	}
	defer c.Close()

	if err := c.Connect(*serverAddr, 0, nil); err != nil {
		sugar.Fatalw("connect failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(*tickRate)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.Update()
			}
		}
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("democlient exited with error", "error", err)
	}
}

func sendChat(c *client.Client, text string) error {
	m := c.Pool().Acquire(wire.KindReliable)
	if err := m.WriteMsgID(chatMsgID); err != nil {
		c.Pool().Release(m)
		return err
	}
	if err := m.PutString(text); err != nil {
		c.Pool().Release(m)
		return err
	}
	return c.Connection().Send(time.Now(), wire.ModeReliable, m)
}
