package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/micapture/internal/capture"
	"github.com/skypro1111/micapture/internal/metrics"
	"github.com/skypro1111/micapture/internal/server"
)

// runServe exposes the recorder over HTTP until a signal arrives
func runServe(args []string) error {
	fs := flag.NewFlagSet(serviceName+" serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.HTTP.Enabled {
		return fmt.Errorf("http is disabled in the configuration, nothing to serve")
	}

	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", common.configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("device_backend", cfg.Device.Backend),
		slog.String("device_name", cfg.Device.Name),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("chunk_size", cfg.Audio.ChunkSize),
		slog.String("header_layout", cfg.Audio.Layout().String()),
		slog.String("output_path", cfg.Output.Path),
		slog.String("log_level", cfg.Logging.Level),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	session, err := newSession(cfg, logger, capture.WithObserver(appMetrics))
	if err != nil {
		return err
	}
	// finalizes a recording still running at shutdown
	defer session.Close()

	httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, session, appMetrics, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Stop(shutdownCtx)
	})

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", net.JoinHostPort(cfg.HTTP.Address, fmt.Sprint(cfg.HTTP.Port))),
	)

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Service stopped",
		slog.String("final_state", session.State().String()),
	)
	return nil
}
