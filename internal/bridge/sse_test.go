package bridge

import (
	"bufio"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"rcon-bridge/internal/config"
)

func postJSON(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(data)
}

func TestStatelessCommand(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")

	_, ts := startBridge(t, cfg, Options{})

	resp, body := postJSON(t, ts.URL+"/rcon", `{"command":"status"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(body, `hx-swap-oob="beforeend:#console"`) {
		t.Fatalf("body missing swap attribute: %s", body)
	}
	if !strings.Contains(body, "line-echo") || !strings.Contains(body, "ack:status") {
		t.Fatalf("body = %s", body)
	}
}

func TestStatelessCommandOverridesUpstream(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	// The configured upstream is unreachable; the request carries the target.
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, "127.0.0.1", 9, "wrong")

	_, ts := startBridge(t, cfg, Options{})

	body := `{"host":"` + host + `","port":"` + strconv.Itoa(port) + `","password":"secret","command":"status"}`
	resp, got := postJSON(t, ts.URL+"/rcon", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, got)
	}
	if !strings.Contains(got, "ack:status") {
		t.Fatalf("body = %s", got)
	}
}

func TestStatelessCommandRejects(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")

	_, ts := startBridge(t, cfg, Options{})

	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantText   string
	}{
		{name: "empty command", body: `{"command":"   "}`, wantStatus: http.StatusBadRequest, wantText: "Empty command"},
		{name: "invalid body", body: `{not json`, wantStatus: http.StatusBadRequest, wantText: "Invalid request body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, got := postJSON(t, ts.URL+"/rcon", tc.body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			if !strings.Contains(got, tc.wantText) {
				t.Fatalf("body = %s, want %q", got, tc.wantText)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/rcon")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /rcon = %d, want 405", resp.StatusCode)
	}
}

func TestStatelessBinaryUpstreamUnsupported(t *testing.T) {
	cfg := testConfig(config.AuthModeServer, config.ProtocolBinary, "127.0.0.1", 27015, "secret")

	_, ts := startBridge(t, cfg, Options{})

	resp, got := postJSON(t, ts.URL+"/rcon", `{"command":"status"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, got)
	}
	if !strings.Contains(got, "json upstream protocol") {
		t.Fatalf("body = %s", got)
	}
}

func TestStatelessConnect(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")

	_, ts := startBridge(t, cfg, Options{})

	// Empty body falls back to the configured upstream.
	resp, got := postJSON(t, ts.URL+"/connect", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, got)
	}
	if !strings.Contains(got, "line-auth-ok") {
		t.Fatalf("body = %s", got)
	}

	resp, got = postJSON(t, ts.URL+"/connect", `{"password":"nope"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, got)
	}
	if !strings.Contains(got, "line-auth-fail") || !strings.Contains(got, "Authentication rejected") {
		t.Fatalf("body = %s", got)
	}
}

func TestStreamDeliversPushes(t *testing.T) {
	done := make(chan struct{})
	host, port := startWebUpstream(t, "secret", func(conn *websocket.Conn) {
		conn.WriteJSON(webFrame{Identifier: -1, Message: "player joined", Type: "Generic"})
		// Hold the connection until the test has seen everything, then let
		// the deferred close end the stream.
		<-done
	})
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")
	cfg.Stateless.Heartbeat = 50 * time.Millisecond

	_, ts := startBridge(t, cfg, Options{})

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var sawConnected, sawEvent, sawData, sawHeartbeat bool
	released := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		switch line := sc.Text(); {
		case line == ": connected":
			sawConnected = true
		case line == ": heartbeat":
			sawHeartbeat = true
		case line == "event: console":
			sawEvent = true
		case strings.HasPrefix(line, "data: ") && strings.Contains(line, "player joined"):
			sawData = true
		}
		if sawData && sawHeartbeat && !released {
			released = true
			close(done)
		}
	}
	if !sawConnected || !sawEvent || !sawData || !sawHeartbeat {
		t.Fatalf("stream incomplete: connected=%v event=%v data=%v heartbeat=%v",
			sawConnected, sawEvent, sawData, sawHeartbeat)
	}
}

func TestStreamConnectFailure(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "wrong")

	_, ts := startBridge(t, cfg, Options{})

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}

	// The query string overrides the bad configured password.
	resp2, err := http.Get(ts.URL + "/stream?password=secret&host=" + host + "&port=" + strconv.Itoa(port))
	if err != nil {
		t.Fatalf("get with query: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status with query = %d, want 200", resp2.StatusCode)
	}
}

func TestStreamRequiresGet(t *testing.T) {
	host, port := startWebUpstream(t, "secret", echoWebUpstream)
	cfg := testConfig(config.AuthModeServer, config.ProtocolJSON, host, port, "secret")

	_, ts := startBridge(t, cfg, Options{})

	resp, _ := postJSON(t, ts.URL+"/stream", `{}`)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /stream = %d, want 405", resp.StatusCode)
	}
}

func TestWriteSSEEventFraming(t *testing.T) {
	var sb strings.Builder
	writeSSEEvent(&sb, "console", "line one\nline two")
	want := "event: console\ndata: line one\ndata: line two\n\n"
	if sb.String() != want {
		t.Fatalf("writeSSEEvent = %q, want %q", sb.String(), want)
	}
}
