// Command server runs the chat backend: WebSocket ingress, room queue
// consumers, broadcast fanout, persistence, and the REST query surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomcast/roomcast/internal/analytics"
	"github.com/roomcast/roomcast/internal/api"
	"github.com/roomcast/roomcast/internal/broadcast"
	"github.com/roomcast/roomcast/internal/broker"
	"github.com/roomcast/roomcast/internal/config"
	"github.com/roomcast/roomcast/internal/consume"
	"github.com/roomcast/roomcast/internal/dlq"
	"github.com/roomcast/roomcast/internal/ids"
	"github.com/roomcast/roomcast/internal/logging"
	"github.com/roomcast/roomcast/internal/message"
	"github.com/roomcast/roomcast/internal/metrics"
	"github.com/roomcast/roomcast/internal/persist"
	"github.com/roomcast/roomcast/internal/publish"
	"github.com/roomcast/roomcast/internal/session"
	"github.com/roomcast/roomcast/internal/store"
	"github.com/roomcast/roomcast/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	conf := config.Load()
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.New()
	serverID := ids.NewServerID()
	log.Info("starting roomcast", "server_id", serverID, "config", conf.String())

	m := metrics.New(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wmLogger := logging.NewWatermillAdapter(log)
	transport, err := broker.Build(conf, serverID, wmLogger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer transport.Close()

	if strings.EqualFold(conf.PubSubSystem, "amqp") {
		if err := broker.SetupTopology(transport, conf); err != nil {
			return fmt.Errorf("declare broker topology: %w", err)
		}
	}

	dynamo, err := store.NewClient(ctx, conf)
	if err != nil {
		return fmt.Errorf("build store client: %w", err)
	}

	sink := dlq.NewSink(conf.DLQCapacity, log, m)
	writer := store.NewWriter(dynamo, conf.TableName, conf.ShardCount, sink,
		store.WriterOptions{}, log, m)
	coordinator := persist.NewCoordinator(writer, persist.Options{
		BatchSize:      conf.BatchSize,
		FlushInterval:  conf.FlushInterval,
		BufferCapacity: conf.BufferCapacity,
		WriterPoolSize: conf.WriterPoolSize,
	}, log)
	coordinator.Start()

	registry := session.NewRegistry()
	roomPublisher := publish.New(transport.WorkPublisher, log, m)
	fanout := broadcast.NewPublisher(transport.BroadcastPublisher)

	router, err := broker.NewRouter(wmLogger)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	consumer := consume.New(fanout, coordinator, log, m)
	consumer.Register(router, transport.WorkSubscriber, conf.RoomCount, conf.RoomGroupCount)
	deliverer := broadcast.NewDeliverer(registry, log, m)
	deliverer.Register(router, transport.BroadcastSubscriber)

	queries := store.NewQueries(dynamo, conf.TableName, conf.UserIndex, conf.TimeIndex,
		conf.HistoryLimit, conf.ShardLimit)
	engine, err := analytics.NewEngine(queries, queries, conf.ShardCount, conf.CacheSize, log)
	if err != nil {
		return fmt.Errorf("build analytics engine: %w", err)
	}

	wsHandler := ws.NewHandler(registry, message.NewValidator(), roomPublisher,
		serverID, conf.RoomCount, log, m)
	httpSrv := &http.Server{
		Addr:              conf.HTTPAddr,
		Handler:           api.NewServer(engine, sink, log).Routes(wsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 3)

	go func() {
		if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("router: %w", err)
		}
	}()

	go func() {
		log.Info("http server listening", "addr", conf.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if conf.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", conf.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics shutdown", "error", err)
		}
	}
	if err := router.Close(); err != nil {
		log.Error("router close", "error", err)
	}
	if err := coordinator.Stop(shutdownCtx); err != nil {
		log.Error("persistence drain", "error", err)
	}

	log.Info("shutdown complete")
	return nil
}
