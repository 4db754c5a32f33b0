package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsExposition(t *testing.T) {
	metricSessionsTotal.Inc()
	metricCommands.WithLabelValues(outcomeOK).Inc()
	metricUpstreamConnects.WithLabelValues(outcomeError).Inc()
	metricStatelessRequests.WithLabelValues("rcon").Inc()

	ts := httptest.NewServer(promhttp.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}

	for _, name := range []string{
		"rcon_bridge_active_sessions",
		"rcon_bridge_sessions_total",
		`rcon_bridge_commands_total{outcome="ok"}`,
		"rcon_bridge_command_seconds",
		"rcon_bridge_server_pushes_total",
		`rcon_bridge_upstream_connects_total{outcome="error"}`,
		`rcon_bridge_stateless_requests_total{endpoint="rcon"}`,
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestStartMetricsServerEmptyAddr(t *testing.T) {
	if err := StartMetricsServer(context.Background(), "  "); err == nil {
		t.Fatal("empty metrics address accepted")
	}
}
