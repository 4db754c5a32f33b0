package bridge

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rcon-bridge/internal/config"
	"rcon-bridge/internal/format"
	"rcon-bridge/internal/rcon"
)

// Options carries the capability injections a hosting application may
// provide. None of them come from YAML.
type Options struct {
	Logger zerolog.Logger

	// OnConnect is notified once per successful upstream authentication.
	OnConnect func(*Session, rcon.Client)

	// OnCommand may veto a command by returning false. It runs after the
	// empty-command check and before anything touches the upstream.
	OnCommand func(command string, s *Session) bool

	// FormatLine overrides the per-line fragment rendering.
	FormatLine format.FormatLine
}

// Server accepts browser WebSocket upgrades at the configured path and runs
// one Session per connection. When enabled it also serves the stateless
// HTTP/SSE endpoints. A session failure never escapes the session.
type Server struct {
	cfg       *config.Config
	opts      Options
	log       zerolog.Logger
	formatter *format.Formatter
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer builds a server for the given configuration.
func NewServer(cfg *config.Config, opts Options) *Server {
	s := &Server{
		cfg:       cfg,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "bridge").Logger(),
		formatter: format.New(cfg.Format.TargetID, cfg.Format.SwapStyle, opts.FormatLine),
		sessions:  make(map[*Session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP surface: the WebSocket endpoint at the configured
// path plus, when enabled, POST /rcon, POST /connect and GET /stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	if s.cfg.Stateless.Enabled {
		mux.HandleFunc("/rcon", s.handleStatelessCommand)
		mux.HandleFunc("/connect", s.handleStatelessConnect)
		mux.HandleFunc("/stream", s.handleStream)
	}
	return mux
}

// checkOrigin admits same-origin requests and non-browser clients (no Origin
// header); anything else must match allowed_origins exactly, or "*".
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if origin == scheme+"://"+r.Host {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Debug().Str("origin", origin).Msg("origin rejected")
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	sess := newSession(s, conn, r.RemoteAddr)
	if !s.addSession(sess) {
		conn.Close()
		return
	}
	sess.run()
}

func (s *Server) addSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess]; !ok {
		return
	}
	delete(s.sessions, sess)
	s.wg.Done()
}

// SessionCount reports the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown closes every live session and waits for them to finish, bounded
// by ctx. New connections are refused once it has been called.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.closeBrowser()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
