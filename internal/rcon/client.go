// Package rcon implements clients for the two remote-console wire formats
// spoken by game servers: the binary length-prefixed protocol over TCP and
// the JSON-over-WebSocket variant. Both are exposed behind one Client
// contract so callers stay protocol-agnostic.
package rcon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Protocol selects the upstream wire format.
type Protocol string

const (
	ProtocolBinary Protocol = "binary"
	ProtocolJSON   Protocol = "json"
)

// DefaultPort returns the conventional console port for the protocol.
func (p Protocol) DefaultPort() int {
	if p == ProtocolJSON {
		return 28016
	}
	return 27015
}

// DefaultTimeout bounds connect and per-command waits when the config leaves
// Timeout unset.
const DefaultTimeout = 5 * time.Second

// ServerMessage is an unsolicited console push from a JSON upstream.
type ServerMessage struct {
	Body string
	Type string // "Generic", "Warning" or "Error"
}

// Config describes one upstream console connection. The event callbacks are
// optional; they are invoked from the client's read goroutine and must not
// block. OnServerMessage fires only for JSON upstreams. OnError and OnClose
// fire when the upstream side fails or goes away; Close itself is silent.
type Config struct {
	Protocol Protocol
	Host     string
	Port     int
	Password string
	Timeout  time.Duration

	OnServerMessage func(ServerMessage)
	OnError         func(error)
	OnClose         func()

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = ProtocolBinary
	}
	if c.Port == 0 {
		c.Port = c.Protocol.DefaultPort()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) emitServerMessage(m ServerMessage) {
	if c.OnServerMessage != nil {
		c.OnServerMessage(m)
	}
}

func (c Config) emitError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Config) emitClose() {
	if c.OnClose != nil {
		c.OnClose()
	}
}

// Client is the protocol-independent console connection. A client moves
// through new, connecting, authenticated and closed exactly once; closed is
// terminal and every later operation fails with ErrNotConnected.
type Client interface {
	// Connect opens the transport and authenticates. It is idempotent while
	// the client is connected.
	Connect(ctx context.Context) error

	// Exec sends one command and returns its response text. A timed-out
	// command resolves gracefully (binary: partial accumulation, JSON: a
	// placeholder string), never with an error.
	Exec(ctx context.Context, command string) (string, error)

	// Close tears the connection down and settles every pending command
	// with ErrConnectionClosed. Safe to call more than once.
	Close() error

	// Connected reports whether the client is authenticated and usable.
	Connected() bool

	// Addr returns the upstream host:port.
	Addr() string
}

// New builds a client for the configured protocol.
func New(cfg Config) (Client, error) {
	cfg = cfg.withDefaults()
	switch cfg.Protocol {
	case ProtocolBinary:
		return newBinaryClient(cfg), nil
	case ProtocolJSON:
		return newWebClient(cfg), nil
	default:
		return nil, fmt.Errorf("rcon: unknown protocol %q", cfg.Protocol)
	}
}

type connState int

const (
	stateNew connState = iota
	stateConnecting
	stateAuthenticated
	stateClosed
)

// maxCommandID bounds the request id cycle; ids above it are reserved
// (SentinelID in particular).
const maxCommandID = 9000

type execResult struct {
	body string
	err  error
}

// pendingCommand is one in-flight command. The owning client settles it
// exactly once: response, teardown or timeout, whichever fires first.
type pendingCommand struct {
	id   int32
	seq  uint64
	body strings.Builder
	ch   chan execResult
}

func newPending(id int32, seq uint64) *pendingCommand {
	return &pendingCommand{id: id, seq: seq, ch: make(chan execResult, 1)}
}

// pendingTable tracks in-flight commands keyed by request id. All methods
// require external synchronization by the owning client.
type pendingTable struct {
	m   map[int32]*pendingCommand
	seq uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[int32]*pendingCommand)}
}

func (t *pendingTable) add(id int32) *pendingCommand {
	t.seq++
	pc := newPending(id, t.seq)
	t.m[id] = pc
	return pc
}

func (t *pendingTable) remove(id int32) (*pendingCommand, bool) {
	pc, ok := t.m[id]
	if ok {
		delete(t.m, id)
	}
	return pc, ok
}

func (t *pendingTable) lookup(id int32) (*pendingCommand, bool) {
	pc, ok := t.m[id]
	return pc, ok
}

// oldest returns the entry with the lowest issue sequence, the one the
// binary sentinel resolves.
func (t *pendingTable) oldest() *pendingCommand {
	var oldest *pendingCommand
	for _, pc := range t.m {
		if oldest == nil || pc.seq < oldest.seq {
			oldest = pc
		}
	}
	return oldest
}

// drain empties the table and returns every entry for settlement.
func (t *pendingTable) drain() []*pendingCommand {
	out := make([]*pendingCommand, 0, len(t.m))
	for id, pc := range t.m {
		out = append(out, pc)
		delete(t.m, id)
	}
	return out
}

func (t *pendingTable) len() int { return len(t.m) }

// idCounter cycles request ids through 1..maxCommandID. Not safe for
// concurrent use; callers hold the client mutex.
type idCounter struct {
	last int32
}

func (c *idCounter) next() int32 {
	c.last++
	if c.last > maxCommandID {
		c.last = 1
	}
	return c.last
}
