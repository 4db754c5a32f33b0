package rcon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// clientName tags outbound command frames so the server can attribute them.
const clientName = "rcon-bridge"

// TimeoutPlaceholder is the response text of a command whose reply never
// arrived. Timed-out commands resolve with it instead of failing.
const TimeoutPlaceholder = "(no response — timed out)"

// Server message severities.
const (
	SeverityGeneric = "Generic"
	SeverityWarning = "Warning"
	SeverityError   = "Error"
)

// webMessage is one JSON frame on the wire, both directions. Identifier
// pairs responses with commands; frames with Identifier <= 0 are unsolicited
// console output pushed by the server.
type webMessage struct {
	Identifier int32  `json:"Identifier"`
	Message    string `json:"Message"`
	Type       string `json:"Type,omitempty"`
	Name       string `json:"Name,omitempty"`
}

// webClient speaks JSON over a WebSocket. The password travels as the URL
// path; a successful upgrade is the authentication. A read goroutine
// classifies inbound frames as command responses or server pushes.
type webClient struct {
	cfg Config
	log zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	state    connState
	conn     *websocket.Conn
	pending  *pendingTable
	ids      idCounter
	closeReq bool
	cancel   context.CancelFunc
}

func newWebClient(cfg Config) *webClient {
	return &webClient{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "rcon-web").Str("addr", cfg.addr()).Logger(),
		pending: newPendingTable(),
	}
}

func (c *webClient) Addr() string { return c.cfg.addr() }

func (c *webClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

// Connect opens the WebSocket. The server accepting the upgrade is the
// authentication outcome: there is no handshake beyond the HTTP one.
func (c *webClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateAuthenticated:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrNotConnected
	case stateConnecting:
		c.mu.Unlock()
		return errors.New("rcon: connect already in progress")
	}
	c.state = stateConnecting
	c.mu.Unlock()

	u := url.URL{Scheme: "ws", Host: c.cfg.addr(), Path: "/" + c.cfg.Password}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// The Host header derives from the URL authority, which outbound HTTP
	// proxies require to route the upgrade.
	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPClient: &http.Client{Timeout: c.cfg.Timeout},
	})
	if err != nil {
		c.abortConnect()
		return mapDialError(err, resp)
	}
	conn.SetReadLimit(maxFrameSize)

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		readCancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrNotConnected
	}
	c.conn = conn
	c.cancel = readCancel
	c.state = stateAuthenticated
	c.mu.Unlock()

	c.log.Debug().Msg("connected")
	go c.readLoop(readCtx, conn)
	return nil
}

// mapDialError sorts a failed dial into the error kinds callers branch on:
// deadline, refused credentials (HTTP rejection or the server hanging up
// before the upgrade completed) or plain transport failure.
func mapDialError(err error, resp *http.Response) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: upgrade refused with status %d", ErrAuthRejected, resp.StatusCode)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: connection closed during handshake", ErrAuthRejected)
	}
	return fmt.Errorf("rcon: dial: %w", err)
}

func (c *webClient) abortConnect() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()
}

// Exec sends one command frame and waits for the frame that echoes its
// identifier. A timeout resolves with TimeoutPlaceholder, never an error.
func (c *webClient) Exec(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	if c.state != stateAuthenticated {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	id := c.ids.next()
	pc := c.pending.add(id)
	conn := c.conn
	c.mu.Unlock()

	payload, err := json.Marshal(webMessage{Identifier: id, Message: command, Name: clientName})
	if err != nil {
		c.unregister(id)
		return "", fmt.Errorf("rcon: marshal command: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	c.writeMu.Lock()
	err = conn.Write(writeCtx, websocket.MessageText, payload)
	c.writeMu.Unlock()
	cancel()
	if err != nil {
		c.unregister(id)
		return "", fmt.Errorf("rcon: write command: %w", err)
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.body, res.err
	case <-timer.C:
		c.mu.Lock()
		_, wasPending := c.pending.remove(id)
		c.mu.Unlock()
		if !wasPending {
			res := <-pc.ch
			return res.body, res.err
		}
		c.log.Debug().Str("command", command).Msg("exec timed out")
		return TimeoutPlaceholder, nil
	case <-ctx.Done():
		c.mu.Lock()
		_, wasPending := c.pending.remove(id)
		c.mu.Unlock()
		if !wasPending {
			res := <-pc.ch
			return res.body, res.err
		}
		return "", ctx.Err()
	}
}

func (c *webClient) unregister(id int32) {
	c.mu.Lock()
	c.pending.remove(id)
	c.mu.Unlock()
}

func (c *webClient) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.closeReq = true
	c.mu.Unlock()

	c.teardown(nil)
	return nil
}

func (c *webClient) teardown(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	requested := c.closeReq
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	settled := c.pending.drain()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	for _, pc := range settled {
		pc.ch <- execResult{err: ErrConnectionClosed}
	}
	if err != nil && !requested {
		c.log.Debug().Err(err).Msg("connection lost")
		c.cfg.emitError(err)
	}
	c.cfg.emitClose()
}

func (c *webClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.teardown(err)
			return
		}

		var m webMessage
		if err := json.Unmarshal(data, &m); err != nil {
			// Drop the frame, keep the connection.
			c.log.Debug().Err(err).Msg("dropping malformed frame")
			c.cfg.emitError(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
			continue
		}
		c.dispatch(m)
	}
}

// dispatch resolves a pending command when the identifier matches one;
// everything else, including positive identifiers nobody is waiting on, is
// surfaced as a server message so no console output is silently lost.
func (c *webClient) dispatch(m webMessage) {
	if m.Identifier > 0 {
		c.mu.Lock()
		pc, ok := c.pending.remove(m.Identifier)
		c.mu.Unlock()
		if ok {
			pc.ch <- execResult{body: m.Message}
			return
		}
	}

	typ := m.Type
	if typ == "" {
		typ = SeverityGeneric
	}
	c.cfg.emitServerMessage(ServerMessage{Body: m.Message, Type: typ})
}
