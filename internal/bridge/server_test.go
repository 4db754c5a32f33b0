package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rcon-bridge/internal/config"
)

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin header", origin: "", host: "bridge:8080", want: true},
		{name: "same origin", origin: "http://bridge:8080", host: "bridge:8080", want: true},
		{name: "cross origin denied", origin: "http://evil.test", host: "bridge:8080", want: false},
		{name: "cross origin allowed", origin: "http://app.test", host: "bridge:8080", allowed: []string{"http://app.test"}, want: true},
		{name: "wildcard", origin: "http://anything.test", host: "bridge:8080", allowed: []string{"*"}, want: true},
		{name: "allowed list no match", origin: "http://other.test", host: "bridge:8080", allowed: []string{"http://app.test"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.AllowedOrigins = tc.allowed
			srv := NewServer(&cfg, Options{Logger: zerolog.Nop()})

			r := httptest.NewRequest(http.MethodGet, "http://"+tc.host+cfg.Path, nil)
			r.Host = tc.host
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := srv.checkOrigin(r); got != tc.want {
				t.Fatalf("checkOrigin(origin=%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestCrossOriginUpgradeRefused(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")

	_, ts := startBridge(t, cfg, Options{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path
	header := http.Header{"Origin": []string{"http://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("cross-origin upgrade accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("upgrade response = %+v, want 403", resp)
	}
}

func TestStatelessRoutesDisabled(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")
	cfg.Stateless.Enabled = false

	_, ts := startBridge(t, cfg, Options{})

	resp, err := http.Post(ts.URL+"/rcon", "application/json", strings.NewReader(`{"command":"status"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST /rcon with stateless disabled = %d, want 404", resp.StatusCode)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")

	srv, ts := startBridge(t, cfg, Options{})
	conn := dialBrowser(t, ts, cfg.Path)
	readFragment(t, conn) // auth ok

	if n := srv.SessionCount(); n != 1 {
		t.Fatalf("SessionCount = %d, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := srv.SessionCount(); n != 0 {
		t.Fatalf("SessionCount after shutdown = %d, want 0", n)
	}
	expectClosed(t, conn)
}
