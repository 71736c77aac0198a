// Package health publishes per-symbol task status through the standard gRPC
// health checking protocol.
//
// The empty service name reflects the daemon as a whole. Each task is exposed
// as "sentinel.task/<SYMBOL>": SERVING while its task runs, NOT_SERVING once it
// has failed or been stopped.
package health

import (
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix prefixes per-symbol service names.
const ServicePrefix = "sentinel.task/"

// ServiceName returns the health service name for a symbol.
func ServiceName(symbol string) string {
	return ServicePrefix + symbol
}

// Reporter receives task lifecycle callbacks and mirrors them into a
// grpc health server.
type Reporter struct {
	srv *health.Server
}

// NewReporter returns a Reporter whose overall status is SERVING.
func NewReporter() *Reporter {
	srv := health.NewServer()
	srv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return &Reporter{srv: srv}
}

// Register attaches the health service to a grpc server.
func (r *Reporter) Register(s grpc.ServiceRegistrar) {
	grpc_health_v1.RegisterHealthServer(s, r.srv)
}

// TaskStarted marks the symbol's task SERVING.
func (r *Reporter) TaskStarted(symbol string) {
	r.set(symbol, grpc_health_v1.HealthCheckResponse_SERVING)
}

// TaskStopped marks the symbol's task NOT_SERVING after a clean stop.
func (r *Reporter) TaskStopped(symbol string) {
	r.set(symbol, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// TaskFailed logs err and marks the symbol's task NOT_SERVING.
func (r *Reporter) TaskFailed(symbol string, err error) {
	log.Debug().Str("component", "health").Str("symbol", symbol).Err(err).Msg("task marked not serving")
	r.set(symbol, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func (r *Reporter) set(symbol string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	r.srv.SetServingStatus(ServiceName(symbol), status)
}

// Shutdown marks every service NOT_SERVING and ignores later updates so that
// watchers see the daemon drain.
func (r *Reporter) Shutdown() {
	r.srv.Shutdown()
}
