// Package bridge pairs each browser WebSocket with one upstream RCON client:
// it authenticates the pair, forwards commands, relays responses and server
// pushes as display fragments and tears both sides down together. It also
// serves the stateless HTTP/SSE variants of the same idea.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rcon-bridge/internal/config"
	"rcon-bridge/internal/format"
	"rcon-bridge/internal/rcon"
)

// Browser socket hygiene.
const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 30 * time.Second
	maxBrowserMessage = 64 << 10
)

// Session is one browser WebSocket paired with at most one upstream RCON
// client. Browser messages are processed in receipt order on the session
// goroutine; upstream pushes arrive on the client's goroutine and interleave
// through the write mutex.
type Session struct {
	id   string
	srv  *Server
	log  zerolog.Logger
	f    *format.Formatter
	conn *websocket.Conn

	limiter *rate.Limiter
	done    chan struct{}

	writeMu sync.Mutex

	mu            sync.Mutex
	client        rcon.Client
	authenticated bool
	closed        bool

	closeOnce sync.Once
}

func newSession(srv *Server, conn *websocket.Conn, remoteAddr string) *Session {
	id := uuid.New().String()
	s := &Session{
		id:   id,
		srv:  srv,
		log:  srv.log.With().Str("session", id).Str("remote", remoteAddr).Logger(),
		f:    srv.formatter,
		conn: conn,
		done: make(chan struct{}),
	}
	if rl := srv.cfg.RateLimit; rl.Enabled() {
		s.limiter = rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst)
	}
	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether the session has a usable upstream.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Client returns the session's upstream client, nil before authentication.
func (s *Session) Client() rcon.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// run drives the session until either side goes away. It blocks; the caller
// is the WebSocket handler goroutine.
func (s *Session) run() {
	metricSessionsTotal.Inc()
	metricActiveSessions.Inc()
	defer metricActiveSessions.Dec()
	defer s.teardown("session ended")

	s.log.Debug().Msg("session started")

	s.conn.SetReadLimit(maxBrowserMessage)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.pingLoop()

	if s.srv.cfg.AuthMode == config.AuthModeServer {
		up := s.srv.cfg.Upstream
		if err := s.connectUpstream(up.Host, up.Port, up.Password); err != nil {
			s.closeBrowser()
			return
		}
	} else {
		s.send(s.f.Info(`Send {"auth":{"host","port","password"}} to connect`))
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("browser connection ended")
			return
		}
		s.handleMessage(data)
		// A slow command may outlive the pong-driven deadline; start fresh.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *Session) pingLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// browserMessage is the inbound JSON shape. Credentials arrive either nested
// under auth or as the flat auth.host / auth.port / auth.password aliases;
// both are normalized into authRequest.
type browserMessage struct {
	Auth    *authRequest `json:"auth"`
	Command *string      `json:"command"`

	FlatHost     *string  `json:"auth.host"`
	FlatPort     *flexInt `json:"auth.port"`
	FlatPassword *string  `json:"auth.password"`
}

type authRequest struct {
	Host     string  `json:"host"`
	Port     flexInt `json:"port"`
	Password string  `json:"password"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %q is not a number", s)
	}
	*f = flexInt(n)
	return nil
}

func (m *browserMessage) normalizedAuth() *authRequest {
	if m.Auth != nil {
		return m.Auth
	}
	if m.FlatHost == nil && m.FlatPort == nil && m.FlatPassword == nil {
		return nil
	}
	var a authRequest
	if m.FlatHost != nil {
		a.Host = *m.FlatHost
	}
	if m.FlatPort != nil {
		a.Port = *m.FlatPort
	}
	if m.FlatPassword != nil {
		a.Password = *m.FlatPassword
	}
	return &a
}

func (s *Session) handleMessage(data []byte) {
	var msg browserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug().Err(err).Msg("unparseable browser message")
		s.send(s.f.Error("Invalid message format"))
		return
	}

	switch auth := msg.normalizedAuth(); {
	case auth != nil:
		s.handleAuth(auth)
	case msg.Command != nil:
		s.handleCommand(*msg.Command)
	default:
		s.send(s.f.Error("Invalid message format"))
	}
}

// handleAuth honors browser-supplied credentials, which only the client auth
// mode accepts and only once.
func (s *Session) handleAuth(auth *authRequest) {
	if s.srv.cfg.AuthMode != config.AuthModeClient {
		s.send(s.f.Error("Authentication is handled by the server"))
		return
	}
	if s.Authenticated() {
		s.send(s.f.Error("Already authenticated"))
		return
	}
	if strings.TrimSpace(auth.Host) == "" {
		s.send(s.f.Error("Auth requires a host"))
		return
	}
	if err := s.connectUpstream(auth.Host, int(auth.Port), auth.Password); err != nil {
		s.closeBrowser()
	}
}

// connectUpstream builds the configured client, connects it and wires its
// events into the session. On failure the auth-failure fragment has already
// been sent; the caller decides whether the browser socket survives.
func (s *Session) connectUpstream(host string, port int, password string) error {
	client, err := rcon.New(rcon.Config{
		Protocol:        rcon.Protocol(s.srv.cfg.Upstream.Protocol),
		Host:            host,
		Port:            port,
		Password:        password,
		Timeout:         s.srv.cfg.Timeout,
		OnServerMessage: s.onServerMessage,
		OnError:         s.onUpstreamError,
		OnClose:         s.onUpstreamClose,
		Logger:          s.log,
	})
	if err != nil {
		s.send(s.f.Auth(false, "Connection failed: "+err.Error()))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.Timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		metricUpstreamConnects.WithLabelValues(outcomeError).Inc()
		s.log.Debug().Err(err).Str("addr", client.Addr()).Msg("upstream connect failed")
		s.send(s.f.Auth(false, connectFailureDetail(err, client.Addr())))
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Close()
		return errors.New("session closed during connect")
	}
	s.client = client
	s.authenticated = true
	s.mu.Unlock()

	metricUpstreamConnects.WithLabelValues(outcomeOK).Inc()
	s.log.Info().Str("addr", client.Addr()).Msg("upstream authenticated")
	s.send(s.f.Auth(true, "Connected to "+client.Addr()))
	if hook := s.srv.opts.OnConnect; hook != nil {
		hook(s, client)
	}
	return nil
}

func connectFailureDetail(err error, addr string) string {
	switch {
	case errors.Is(err, rcon.ErrAuthRejected):
		return "Authentication rejected by " + addr
	case errors.Is(err, rcon.ErrConnectTimeout):
		return "Connection to " + addr + " timed out"
	default:
		return "Connection failed: " + err.Error()
	}
}

// handleCommand runs the command pipeline: trim, empty check, veto hook,
// rate limit, connected check, exec.
func (s *Session) handleCommand(raw string) {
	if !s.Authenticated() && s.srv.cfg.AuthMode == config.AuthModeClient {
		metricCommands.WithLabelValues(outcomeRejected).Inc()
		s.send(s.f.Error(`Not authenticated: send {"auth":{"host","port","password"}} first`))
		return
	}

	command := strings.TrimSpace(raw)
	if command == "" {
		metricCommands.WithLabelValues(outcomeRejected).Inc()
		s.send(s.f.Error("Empty command"))
		return
	}
	if hook := s.srv.opts.OnCommand; hook != nil && !hook(command, s) {
		metricCommands.WithLabelValues(outcomeBlocked).Inc()
		s.log.Debug().Str("command", command).Msg("command vetoed")
		s.send(s.f.Error("Command blocked: " + command))
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		metricCommands.WithLabelValues(outcomeBlocked).Inc()
		s.send(s.f.Error("Rate limit exceeded, try again shortly"))
		return
	}
	client := s.Client()
	if client == nil || !client.Connected() {
		metricCommands.WithLabelValues(outcomeRejected).Inc()
		s.send(s.f.Error("Not connected to the game server"))
		return
	}

	start := time.Now()
	body, err := client.Exec(context.Background(), command)
	metricCommandSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metricCommands.WithLabelValues(outcomeError).Inc()
		s.log.Debug().Err(err).Str("command", command).Msg("command failed")
		s.send(s.f.Error("Command failed: " + err.Error()))
		return
	}
	metricCommands.WithLabelValues(outcomeOK).Inc()
	s.send(s.f.Response(command, body))
}

// onServerMessage forwards an unsolicited upstream push. Runs on the
// client's read goroutine.
func (s *Session) onServerMessage(m rcon.ServerMessage) {
	if strings.TrimSpace(m.Body) == "" {
		return
	}
	metricServerPushes.Inc()
	s.send(s.f.ServerMessage(m.Body, m.Type))
}

func (s *Session) onUpstreamError(err error) {
	s.log.Debug().Err(err).Msg("upstream error")
}

// onUpstreamClose ends the session when the upstream goes away first. The
// teardown path that closes the client on purpose is filtered by the closed
// flag.
func (s *Session) onUpstreamClose() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.log.Debug().Msg("upstream closed")
	s.send(s.f.Auth(false, "Connection to the game server was closed"))
	s.closeBrowser()
}

// send writes one fragment to the browser. Write failures end the session
// through the read loop, so they are only logged here.
func (s *Session) send(fragment string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(fragment)); err != nil {
		s.log.Debug().Err(err).Msg("browser write failed")
	}
}

// closeBrowser sends a close frame and tears the session down.
func (s *Session) closeBrowser() {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
	s.teardown("closing browser socket")
}

// teardown destroys the upstream client and the browser socket exactly once.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		client := s.client
		s.client = nil
		s.authenticated = false
		s.mu.Unlock()

		close(s.done)
		if client != nil {
			client.Close()
		}
		s.conn.Close()
		s.srv.removeSession(s)
		s.log.Debug().Str("reason", reason).Msg("session closed")
	})
}
