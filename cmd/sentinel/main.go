/*
Package main runs the OFI sentinel daemon.

The daemon watches a set of futures symbols, keeps one order book and trade
stream per symbol, computes order-flow imbalance and cumulative delta, and
publishes strong, reversal and exhaustion signals to the log and optionally to
Kafka. The watched set comes from a static list or from a 24h gainers/losers
screener and is reconciled periodically.

Usage:

	go run ./cmd/sentinel -config=config.yaml

Status is served over HTTP (/healthz, /api/tasks, /api/watchlist, /metrics)
and per-symbol task health over the gRPC health protocol.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/internal/api"
	"sentinel/internal/config"
	"sentinel/internal/exchange"
	"sentinel/internal/execution"
	"sentinel/internal/health"
	"sentinel/internal/service"
	"sentinel/internal/stream"
	"sentinel/internal/task"
	"sentinel/internal/watchlist"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// configPath points at the YAML configuration; empty runs on defaults.
var configPath = flag.String("config", "", "Path to the YAML configuration file")

// shutdownTimeout bounds the whole drain after a termination signal.
const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogger(cfg.Log)

	// Root context for background loops; cancelled on the first signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal pipeline: tasks -> aggregator -> dispatchers
	dispatcher, closeDispatchers, err := newDispatcher(cfg.Execution)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create dispatchers")
	}
	defer closeDispatchers()

	aggCtx, stopAggregator := context.WithCancel(context.Background())
	defer stopAggregator()
	aggregator, err := service.NewAggregator(dispatcher, cfg.AggregatorConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create aggregator")
	}
	if err := aggregator.Start(aggCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start aggregator")
	}

	// Per-symbol analysis tasks, each with its own stream and engine
	factory, err := newStreamFactory(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create stream factory")
	}
	reporter := health.NewReporter()
	supervisor, err := task.NewSupervisor(factory, aggregator, cfg.SupervisorConfig(), reporter)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create supervisor")
	}

	// Watchlist scheduler drives the task set
	provider, err := newProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create watchlist provider")
	}
	scheduler, err := service.NewScheduler(provider, supervisor, service.SchedulerConfig{
		RefreshInterval: cfg.Watchlist.RefreshInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	// HTTP status surface
	gin.SetMode(gin.ReleaseMode)
	httpServer := api.NewServer(supervisor, scheduler, aggregator).HTTPServer(cfg.Server.HTTPAddr)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// gRPC health service, keepalive tuned for long-lived Watch streams
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	reporter.Register(grpcServer)

	// Graceful shutdown: stop producing signals first, then drain the queue,
	// then close the listeners
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		shutdown(cancel, scheduler, supervisor, stopAggregator, aggregator, httpServer)
		reporter.Shutdown()
		grpcServer.GracefulStop()
	}()

	log.Info().
		Str("exchange", cfg.Stream.Exchange).
		Str("provider", cfg.Watchlist.Provider).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Int("max_tasks", cfg.Supervisor.MaxTasks).
		Bool("kafka", cfg.Execution.Kafka.Enabled).
		Msg("sentinel starting")

	// Blocks until GracefulStop
	if err := grpcServer.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("failed to serve")
	}
	log.Info().Msg("sentinel stopped")
}

func shutdown(
	cancel context.CancelFunc,
	scheduler *service.Scheduler,
	supervisor *task.Supervisor,
	stopAggregator context.CancelFunc,
	aggregator *service.Aggregator,
	httpServer *http.Server,
) {
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := scheduler.Stop(); err != nil {
		log.Warn().Err(err).Msg("scheduler stop")
	}
	cancel()

	if err := supervisor.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("tasks did not stop in time")
	}

	stopAggregator()
	select {
	case <-aggregator.Done():
	case <-ctx.Done():
		log.Error().Msg("signal queue not drained in time")
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
}

func setupLogger(cfg config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// newDispatcher always logs signals and adds Kafka when enabled. The returned
// func closes the Kafka producer.
func newDispatcher(cfg config.Execution) (service.Dispatcher, func(), error) {
	logDispatcher := execution.NewLogDispatcher()
	if !cfg.Kafka.Enabled {
		return logDispatcher, func() {}, nil
	}

	kafka, err := execution.NewKafkaDispatcher(execution.KafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		ClientID: cfg.Kafka.ClientID,
	})
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := kafka.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka producer close")
		}
	}
	return execution.Multi{logDispatcher, kafka}, closeFn, nil
}

// newStreamFactory shares one connector between all streams; connectors are
// stateless apart from their configuration.
func newStreamFactory(cfg *config.Config) (task.StreamFactory, error) {
	venue, exCfg, err := cfg.ExchangeConfig()
	if err != nil {
		return nil, err
	}
	connector, err := exchange.NewConnector(venue, exCfg)
	if err != nil {
		return nil, err
	}

	streamCfg := cfg.StreamConfig()
	return func(symbol string) (task.MarketDataStream, error) {
		s, err := stream.New(symbol, connector, streamCfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, nil
}

func newProvider(cfg *config.Config) (service.WatchlistProvider, error) {
	switch cfg.Watchlist.Provider {
	case "static":
		return watchlist.NewStatic(cfg.Watchlist.Symbols)
	case "bitget":
		return watchlist.NewBitgetScreener(cfg.ScreenerConfig())
	case "binance":
		return watchlist.NewBinanceScreener(cfg.ScreenerConfig())
	default:
		return nil, fmt.Errorf("unknown watchlist provider %q", cfg.Watchlist.Provider)
	}
}
