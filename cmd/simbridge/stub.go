package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"simbridge/internal/core/network"
	"simbridge/internal/logging"
	"simbridge/internal/simbridge"
	"simbridge/internal/simulator"
)

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Serve a stand-in simulator bus for local development",
	Long: `stub hosts an in-memory simulator world. It answers spawn, delete and world
control commands over a websocket bus at --listen (path /bus), and optionally
over libp2p GossipSub when --libp2p-listen is set.`,
	RunE: runStub,
}

func init() {
	stubCmd.Flags().String("listen", "127.0.0.1:11345", "websocket bus listen address")
	stubCmd.Flags().StringSlice("libp2p-listen", nil, "libp2p listen multiaddrs")
}

func runStub(cmd *cobra.Command, _ []string) error {
	_, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	listen, _ := cmd.Flags().GetString("listen")
	p2pListen, _ := cmd.Flags().GetStringSlice("libp2p-listen")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	var bus network.PubSub
	var memBus *network.MemoryPubSub
	if len(p2pListen) > 0 {
		p2p, err := network.NewLibp2pPubSub(ctx, network.Libp2pOptions{
			ListenAddrs: p2pListen,
			Logger:      logging.Component(logger, "libp2p"),
		})
		if err != nil {
			return err
		}
		defer p2p.Close()
		logger.Info("libp2p bus up", zap.Strings("addrs", p2p.ListenAddrs()))
		bus = p2p
	} else {
		memBus = network.NewMemoryPubSub()
		defer memBus.Close()
		bus = memBus
	}

	worldDial := func(context.Context) (network.PubSub, error) { return bus, nil }
	if memBus != nil {
		worldDial = memBus.Dialer()
	}
	world := simulator.NewWorld(
		simbridge.New(worldDial, simbridge.WithLogger(logging.Component(logger, "world-bus"))),
		logging.Component(logger, "world"),
	)
	if err := world.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = world.Stop() }()

	mux := http.NewServeMux()
	mux.Handle("/bus", network.NewWebSocketHandler(bus, logging.Component(logger, "gateway")))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("stub simulator listening", zap.String("addr", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return runErr
}
