// Command worker runs the processing engine: it consumes accepted
// envelopes from the log, persists them exactly-once-in-effect into the
// hot store, and fans out newly processed events to the broadcast sink.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/eventgateway/eventgateway/internal/broadcast"
	"github.com/eventgateway/eventgateway/internal/broker"
	"github.com/eventgateway/eventgateway/internal/config"
	"github.com/eventgateway/eventgateway/internal/logging"
	"github.com/eventgateway/eventgateway/internal/metrics"
	"github.com/eventgateway/eventgateway/internal/store"
	"github.com/eventgateway/eventgateway/internal/worker"
)

func main() {
	logger := logging.NewJSON("worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", err, nil)
		os.Exit(1)
	}
	logger.Info("starting worker", logging.Fields{"config": cfg.String()})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", err, nil)
		os.Exit(1)
	}
	defer pool.Close()

	hss := store.New(pool)
	if err := hss.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", err, nil)
		os.Exit(1)
	}

	subscriber, err := broker.NewSubscriber(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, logging.NewWatermillAdapter(logger))
	if err != nil {
		logger.Error("failed to create kafka subscriber", err, nil)
		os.Exit(1)
	}

	fanout := broadcast.New(cfg.BroadcastSinkURL, cfg.PollTimeout)
	reg := metrics.NewWorkerRegistry()

	w, err := worker.New(subscriber, hss, fanout, reg, logger)
	if err != nil {
		logger.Error("failed to build worker", err, nil)
		os.Exit(1)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("processing engine starting", logging.Fields{"topic": broker.Topic, "group": cfg.KafkaConsumerGroup})
		return w.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("metrics endpoint listening", logging.Fields{"addr": cfg.MetricsAddr})
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer shutdownCancel()

		logger.Info("shutting down worker", logging.Fields{"grace": cfg.ShutdownGrace.String()})
		_ = metricsServer.Shutdown(shutdownCtx)
		return w.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", err, nil)
		os.Exit(1)
	}
	logger.Info("worker shutdown complete", nil)
}
