/*
Package main implements a gRPC health probe for the sentinel daemon.

Without -watch it checks the overall status (or one symbol) once and exits
non-zero unless the service is SERVING, which makes it usable as a container
health check. With -watch it streams status changes until interrupted.

Usage:

	go run ./cmd/probe -addr=localhost:50051 -symbol=BTCUSDT -watch
*/
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel/internal/health"
	"sentinel/internal/utils"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Command-line flags
var (
	serverAddr = flag.String("addr", "localhost:50051", "The server address in the format host:port")
	symbol     = flag.String("symbol", "", "Symbol to probe; empty probes the daemon as a whole")
	watch      = flag.Bool("watch", false, "Stream status changes instead of a single check")
	timeout    = flag.Duration("timeout", 5*time.Second, "Timeout for a single check")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	service := ""
	if *symbol != "" {
		sym := utils.NormalizeSymbol(*symbol)
		if err := utils.ValidateSymbol(sym); err != nil {
			log.Fatal().Err(err).Msg("configuration error")
		}
		service = health.ServiceName(sym)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	req := &grpc_health_v1.HealthCheckRequest{Service: service}

	if !*watch {
		checkCtx, done := context.WithTimeout(ctx, *timeout)
		defer done()

		resp, err := client.Check(checkCtx, req)
		if err != nil {
			log.Error().Err(err).Str("service", service).Msg("health check failed")
			os.Exit(1)
		}
		log.Info().Str("service", service).Str("status", resp.GetStatus().String()).Msg("health")
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			os.Exit(2)
		}
		return
	}

	stream, err := client.Watch(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("could not watch")
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			log.Info().Msg("stream has closed")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatal().Err(err).Msg("failed to receive status")
		}
		log.Info().
			Str("service", service).
			Str("status", resp.GetStatus().String()).
			Str("now", time.Now().Format(time.RFC3339)).
			Msg("status changed")
	}
}
