package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"simbridge/internal/bridgeapi"
	"simbridge/internal/config"
	"simbridge/internal/logging"
	"simbridge/internal/metrics"
	"simbridge/internal/simbridge"
	"simbridge/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the simulator bus and serve the HTTP API",
	RunE:  runBridge,
}

func init() {
	runCmd.Flags().String("addr", "", "http listen address")
	runCmd.Flags().String("bus-url", "", "websocket bus url")
	runCmd.Flags().Bool("launch", false, "launch and supervise the simulator")
	runCmd.Flags().Duration("grace", 0, "simulator startup grace period")
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	applyRunFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dial, err := cfg.Dialer(logging.Component(logger, "bus"))
	if err != nil {
		return err
	}
	bridge := simbridge.New(dial,
		simbridge.WithLogger(logging.Component(logger, "bridge")),
		simbridge.WithMetrics(m),
	)
	defer func() { _ = bridge.Shutdown() }()

	apiOpts := []bridgeapi.Option{
		bridgeapi.WithGatherer(reg),
		bridgeapi.WithCommandTimeout(cfg.CommandTimeout),
		bridgeapi.WithLogger(logging.Component(logger, "api")),
	}

	var faults <-chan *supervisor.ProcessExitError
	if cfg.Simulator.Launch {
		sup, err := supervisor.New(cfg.SupervisorConfig(),
			supervisor.WithLogger(logging.Component(logger, "supervisor")),
			supervisor.WithMetrics(m),
		)
		if err != nil {
			return err
		}
		if err := sup.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sup.Stop(stopCtx); err != nil {
				logger.Warn("stop simulator", zap.Error(err))
			}
		}()
		if err := sup.Connect(ctx, bridge.Connect); err != nil {
			return fmt.Errorf("connect to simulator: %w", err)
		}
		faults = sup.Faults()
		apiOpts = append(apiOpts, bridgeapi.WithSimulator(sup))
	} else {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
		err := bridge.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect to simulator: %w", err)
		}
	}

	mux := http.NewServeMux()
	bridgeapi.NewServer(bridge, apiOpts...).Register(mux)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("simbridge listening", zap.String("addr", cfg.HTTPAddr), zap.String("transport", cfg.Bus.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		runErr = err
	case f := <-faults:
		runErr = f
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return runErr
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTPAddr, _ = flags.GetString("addr")
	}
	if flags.Changed("bus-url") {
		cfg.Bus.URL, _ = flags.GetString("bus-url")
		cfg.Bus.Transport = config.TransportWebSocket
	}
	if flags.Changed("launch") {
		cfg.Simulator.Launch, _ = flags.GetBool("launch")
	}
	if flags.Changed("grace") {
		cfg.Simulator.GracePeriod, _ = flags.GetDuration("grace")
	}
}
