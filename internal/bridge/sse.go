package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rcon-bridge/internal/config"
	"rcon-bridge/internal/rcon"
)

// statelessExecBound caps the wait for a one-shot command response even when
// the configured timeout is longer.
const statelessExecBound = 8 * time.Second

// pushBufSize is the per-stream event buffer. A client that cannot keep up
// loses pushes rather than stalling the upstream read loop.
const pushBufSize = 32

// statelessRequest is the JSON body of the POST endpoints. Omitted fields
// fall back to the configured upstream.
type statelessRequest struct {
	Host     string  `json:"host"`
	Port     flexInt `json:"port"`
	Password string  `json:"password"`
	Command  string  `json:"command"`
}

// statelessClient builds a fresh web client for one request. The stateless
// endpoints speak the JSON protocol only; a binary upstream cannot be served
// per-request because its response stitching spans the connection.
func (s *Server) statelessClient(req statelessRequest, cfg rcon.Config) rcon.Client {
	up := s.cfg.Upstream
	if req.Host == "" {
		req.Host = up.Host
	}
	if req.Port == 0 {
		req.Port = flexInt(up.Port)
	}
	if req.Password == "" {
		req.Password = up.Password
	}

	cfg.Protocol = rcon.ProtocolJSON
	cfg.Host = req.Host
	cfg.Port = int(req.Port)
	cfg.Password = req.Password
	cfg.Logger = s.log

	timeout := s.cfg.Timeout
	if timeout > statelessExecBound {
		timeout = statelessExecBound
	}
	cfg.Timeout = timeout

	// New only fails on an unknown protocol; this one is fixed.
	client, _ := rcon.New(cfg)
	return client
}

// rejectNonJSONUpstream guards the stateless endpoints against a binary
// upstream configuration.
func (s *Server) rejectNonJSONUpstream(w http.ResponseWriter) bool {
	if s.cfg.Upstream.Protocol == config.ProtocolJSON {
		return false
	}
	s.respondFragment(w, http.StatusUnprocessableEntity,
		s.formatter.Error("Stateless endpoints require the json upstream protocol"))
	return true
}

func (s *Server) respondFragment(w http.ResponseWriter, status int, fragment string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, fragment)
}

func decodeStatelessRequest(r *http.Request) (statelessRequest, error) {
	var req statelessRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// handleStatelessCommand serves POST /rcon: one connection, one command, one
// formatted response.
func (s *Server) handleStatelessCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metricStatelessRequests.WithLabelValues("rcon").Inc()
	if s.rejectNonJSONUpstream(w) {
		return
	}

	req, err := decodeStatelessRequest(r)
	if err != nil {
		s.respondFragment(w, http.StatusBadRequest, s.formatter.Error("Invalid request body"))
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		s.respondFragment(w, http.StatusBadRequest, s.formatter.Error("Empty command"))
		return
	}

	client := s.statelessClient(req, rcon.Config{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(r.Context(), statelessExecBound)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		metricUpstreamConnects.WithLabelValues(outcomeError).Inc()
		s.respondFragment(w, http.StatusBadGateway,
			s.formatter.Auth(false, connectFailureDetail(err, client.Addr())))
		return
	}
	metricUpstreamConnects.WithLabelValues(outcomeOK).Inc()

	body, err := client.Exec(ctx, command)
	if err != nil {
		s.respondFragment(w, http.StatusBadGateway, s.formatter.Error("Command failed: "+err.Error()))
		return
	}
	s.respondFragment(w, http.StatusOK, s.formatter.Response(command, body))
}

// handleStatelessConnect serves POST /connect: a connection test.
func (s *Server) handleStatelessConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metricStatelessRequests.WithLabelValues("connect").Inc()
	if s.rejectNonJSONUpstream(w) {
		return
	}

	req, err := decodeStatelessRequest(r)
	if err != nil {
		s.respondFragment(w, http.StatusBadRequest, s.formatter.Error("Invalid request body"))
		return
	}

	client := s.statelessClient(req, rcon.Config{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(r.Context(), statelessExecBound)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		metricUpstreamConnects.WithLabelValues(outcomeError).Inc()
		s.respondFragment(w, http.StatusBadGateway,
			s.formatter.Auth(false, connectFailureDetail(err, client.Addr())))
		return
	}
	metricUpstreamConnects.WithLabelValues(outcomeOK).Inc()
	s.respondFragment(w, http.StatusOK, s.formatter.Auth(true, "Connected to "+client.Addr()))
}

// handleStream serves GET /stream: a long-lived SSE feed of upstream console
// pushes. EventSource cannot send a body, so the target comes from query
// parameters.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	metricStatelessRequests.WithLabelValues("stream").Inc()
	if s.rejectNonJSONUpstream(w) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	req := statelessRequest{Host: q.Get("host"), Password: q.Get("password")}
	if p := q.Get("port"); p != "" {
		if err := req.Port.UnmarshalJSON([]byte(p)); err != nil {
			s.respondFragment(w, http.StatusBadRequest, s.formatter.Error("Invalid port"))
			return
		}
	}

	pushes := make(chan rcon.ServerMessage, pushBufSize)
	upstreamGone := make(chan struct{})
	client := s.statelessClient(req, rcon.Config{
		OnServerMessage: func(m rcon.ServerMessage) {
			select {
			case pushes <- m:
			default:
				// Slow consumer: drop rather than stall the upstream.
			}
		},
		OnClose: func() { close(upstreamGone) },
	})
	defer client.Close()

	connectCtx, cancel := context.WithTimeout(r.Context(), statelessExecBound)
	err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		metricUpstreamConnects.WithLabelValues(outcomeError).Inc()
		s.respondFragment(w, http.StatusBadGateway,
			s.formatter.Auth(false, connectFailureDetail(err, client.Addr())))
		return
	}
	metricUpstreamConnects.WithLabelValues(outcomeOK).Inc()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.Stateless.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-upstreamGone:
			return
		case m := <-pushes:
			if strings.TrimSpace(m.Body) == "" {
				continue
			}
			metricServerPushes.Inc()
			writeSSEEvent(w, "console", s.formatter.ServerMessage(m.Body, m.Type))
			flusher.Flush()
		case <-heartbeat.C:
			io.WriteString(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent frames data as one SSE event, splitting embedded newlines
// across data: lines as the protocol requires.
func writeSSEEvent(w io.Writer, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	io.WriteString(w, "\n")
}
