package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for outcome-keyed counters.
const (
	outcomeOK       = "ok"
	outcomeError    = "error"
	outcomeBlocked  = "blocked"
	outcomeRejected = "rejected"
)

var (
	metricActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rcon_bridge_active_sessions",
		Help: "Browser sessions currently open.",
	})
	metricSessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rcon_bridge_sessions_total",
		Help: "Browser sessions accepted since start.",
	})
	metricCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcon_bridge_commands_total",
		Help: "Commands received from browsers, by outcome.",
	}, []string{"outcome"})
	metricCommandSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rcon_bridge_command_seconds",
		Help:    "Time from command receipt to response.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	metricServerPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rcon_bridge_server_pushes_total",
		Help: "Unsolicited upstream console messages forwarded.",
	})
	metricUpstreamConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcon_bridge_upstream_connects_total",
		Help: "Upstream connect attempts, by outcome.",
	}, []string{"outcome"})
	metricStatelessRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rcon_bridge_stateless_requests_total",
		Help: "Stateless endpoint requests, by endpoint.",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(
		metricActiveSessions,
		metricSessionsTotal,
		metricCommands,
		metricCommandSeconds,
		metricServerPushes,
		metricUpstreamConnects,
		metricStatelessRequests,
	)
}

// StartMetricsServer serves /metrics on addr until ctx is cancelled. It
// blocks; run it on its own goroutine.
func StartMetricsServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
