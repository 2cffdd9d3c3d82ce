// Command demoserver runs a messagenet Server over UDP, relaying every
// received "chat" message (msg_id 1) to every other connected client.
// A fixed-rate ticker drives Update inside an errgroup so a failed tick
// or a signal cancels the whole process cleanly.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/messagenet/messagenet/config"
	"github.com/messagenet/messagenet/internal/connection"
	"github.com/messagenet/messagenet/pkg/wire"
	"github.com/messagenet/messagenet/server"
	"github.com/messagenet/messagenet/transport/udp"
)

const chatMsgID = 1

func main() {
	addr := flag.String("addr", "0.0.0.0:7777", "UDP listen address")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	tickRate := flag.Duration("tick", 50*time.Millisecond, "Update tick interval")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg := config.DefaultPeerConfig()
	srv := server.New(udp.New(0), cfg, sugar, server.WithRelayFilter(chatMsgID))

	srv.SetEvents(server.Events{
		OnClientConnected: func(id uint16) {
			sugar.Infow("client connected", "client_id", id, "session", xid.New().String())
		},
		OnClientDisconnected: func(id uint16, reason wire.DisconnectReason) {
			sugar.Infow("client disconnected", "client_id", id, "reason", reason)
		},
		OnConnectionFailed: func(endpoint string, reason wire.RejectReason) {
			sugar.Infow("connection rejected", "endpoint", endpoint, "reason", reason)
		},
	})
	srv.Handlers().Handle(chatMsgID, func(endpoint string, conn *connection.Connection, msg *wire.Message) {
		text, err := msg.GetString()
		if err != nil {
			sugar.Warnw("malformed chat message", "endpoint", endpoint, "error", err)
			return
		}
		sugar.Infow("chat", "client_id", conn.ClientID(), "text", text)
	})

	if err := srv.Start(*addr); err != nil {
		sugar.Fatalw("server start failed", "error", err)
	}
	defer srv.Close()
	sugar.Infow("listening", "addr", *addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(srv.Metrics().Gatherer(), promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(*tickRate)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				srv.Update()
			}
		}
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("demoserver exited with error", "error", err)
	}
}
