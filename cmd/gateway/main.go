// Command gateway runs the HTTP ingestion endpoint: it accepts event
// envelopes, registers them against the idempotency registry, and
// publishes accepted envelopes to the log for the worker to process.
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

	"github.com/eventgateway/eventgateway/internal/broker"
	"github.com/eventgateway/eventgateway/internal/config"
	"github.com/eventgateway/eventgateway/internal/idempotency"
	"github.com/eventgateway/eventgateway/internal/ingress"
	"github.com/eventgateway/eventgateway/internal/logging"
	"github.com/eventgateway/eventgateway/internal/metrics"
	"github.com/eventgateway/eventgateway/internal/store"
)

func main() {
	logger := logging.NewJSON("gateway")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", err, nil)
		os.Exit(1)
	}
	logger.Info("starting gateway", logging.Fields{"config": cfg.String()})

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

	registry := idempotency.New(pool)

	publisher, err := broker.NewPublisher(cfg.KafkaBrokers, logging.NewWatermillAdapter(logger))
	if err != nil {
		logger.Error("failed to create kafka publisher", err, nil)
		os.Exit(1)
	}
	defer publisher.Close()

	reg := metrics.NewGatewayRegistry()
	handler := ingress.New(registry, publisher, reg, logger)

	apiServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.Mux(),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("ingestion endpoint listening", logging.Fields{"addr": cfg.HTTPAddr})
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
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

		logger.Info("shutting down gateway", logging.Fields{"grace": cfg.ShutdownGrace.String()})
		_ = apiServer.Shutdown(shutdownCtx)
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway exited with error", err, nil)
		os.Exit(1)
	}
	logger.Info("gateway shutdown complete", nil)
}
