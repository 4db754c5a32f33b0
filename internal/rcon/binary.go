package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// binaryClient speaks the length-prefixed RCON protocol over TCP. A single
// read goroutine drains complete frames from a growing receive buffer and
// settles pending commands; Exec calls are serialized so the sentinel echo
// always completes the one command in flight.
type binaryClient struct {
	cfg Config
	log zerolog.Logger

	// execMu serializes Exec. The server echoes the sentinel after the
	// frames of whichever command it processed last, so only one command
	// may be outstanding at a time.
	execMu sync.Mutex

	mu       sync.Mutex
	state    connState
	conn     net.Conn
	pending  *pendingTable
	ids      idCounter
	closeReq bool
}

func newBinaryClient(cfg Config) *binaryClient {
	return &binaryClient{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "rcon-binary").Str("addr", cfg.addr()).Logger(),
		pending: newPendingTable(),
	}
}

func (c *binaryClient) Addr() string { return c.cfg.addr() }

func (c *binaryClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateAuthenticated
}

// Connect dials the server, performs the AUTH handshake and starts the read
// loop. The whole round trip is bounded by the configured timeout (or the
// context deadline, whichever is sooner).
func (c *binaryClient) Connect(ctx context.Context) error {
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
	authID := c.ids.next()
	c.mu.Unlock()

	timeout := c.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.addr())
	if err != nil {
		c.abortConnect()
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return fmt.Errorf("rcon: dial %s: %w", c.cfg.addr(), err)
	}

	rest, err := c.authenticate(conn, authID, timeout)
	if err != nil {
		conn.Close()
		c.abortConnect()
		return err
	}

	c.mu.Lock()
	if c.state != stateConnecting {
		// Closed while we were authenticating.
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.state = stateAuthenticated
	c.mu.Unlock()

	c.log.Debug().Msg("authenticated")
	go c.readLoop(rest)
	return nil
}

// authenticate writes the AUTH frame and reads synchronously until the
// server answers. Bytes received past the auth outcome are returned so the
// read loop can pick them up.
func (c *binaryClient) authenticate(conn net.Conn, authID int32, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("rcon: set deadline: %w", err)
	}

	if _, err := conn.Write(EncodePacket(authID, PacketAuth, c.cfg.Password)); err != nil {
		return nil, fmt.Errorf("rcon: write auth: %w", err)
	}

	var buf []byte
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: no auth response within %s", ErrConnectTimeout, timeout)
			}
			return nil, fmt.Errorf("rcon: read auth response: %w", err)
		}
		buf = append(buf, tmp[:n]...)

		for {
			p, consumed, derr := DecodePacket(buf)
			if derr != nil {
				return nil, derr
			}
			if p == nil {
				break
			}
			buf = buf[consumed:]

			// Servers may echo RESPONSE_VALUE frames (ids -1 and 0, or an
			// empty echo of the auth id) before the real answer. None of
			// them are an auth outcome.
			if p.Kind != PacketAuthResponse {
				continue
			}
			if p.ID == -1 {
				return nil, ErrAuthRejected
			}
			if p.ID == authID {
				if err := conn.SetDeadline(time.Time{}); err != nil {
					return nil, fmt.Errorf("rcon: clear deadline: %w", err)
				}
				return buf, nil
			}
		}
	}
}

// abortConnect marks a failed connect attempt. The state machine is
// monotonic, so a client that never authenticated goes straight to closed.
func (c *binaryClient) abortConnect() {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	c.mu.Unlock()
}

// Exec sends one command followed by the sentinel frame and waits for the
// response. A timeout resolves with whatever body has accumulated so far;
// only transport failures and context cancellation return errors.
func (c *binaryClient) Exec(ctx context.Context, command string) (string, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	c.mu.Lock()
	if c.state != stateAuthenticated {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	id := c.ids.next()
	pc := c.pending.add(id)
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(EncodePacket(id, PacketExecCommand, command)); err != nil {
		c.unregister(id)
		return "", fmt.Errorf("rcon: write command: %w", err)
	}
	// The empty sentinel frame rides right behind the command. The server
	// processes frames in order, so its echo marks the response complete.
	if _, err := conn.Write(EncodePacket(SentinelID, PacketResponseValue, "")); err != nil {
		c.unregister(id)
		return "", fmt.Errorf("rcon: write sentinel: %w", err)
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.body, res.err
	case <-timer.C:
		c.mu.Lock()
		_, wasPending := c.pending.remove(id)
		partial := pc.body.String()
		c.mu.Unlock()
		if !wasPending {
			// Settled just as the timer fired; the result is buffered.
			res := <-pc.ch
			return res.body, res.err
		}
		c.log.Debug().Str("command", command).Msg("exec timed out, returning partial response")
		return partial, nil
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

func (c *binaryClient) unregister(id int32) {
	c.mu.Lock()
	c.pending.remove(id)
	c.mu.Unlock()
}

// Close tears the connection down. Idempotent; pending commands settle with
// ErrConnectionClosed and the close event fires exactly once.
func (c *binaryClient) Close() error {
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

// teardown moves the client to its terminal state. The first caller wins;
// err is reported through the error event unless the close was requested.
func (c *binaryClient) teardown(err error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	requested := c.closeReq
	conn := c.conn
	c.conn = nil
	settled := c.pending.drain()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
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

// readLoop drains complete frames greedily: every wake-up decodes as many
// buffered frames as fit and leaves the partial tail for the next read. The
// receive buffer is bounded by the codec's frame-size cap.
func (c *binaryClient) readLoop(buf []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	tmp := make([]byte, 4096)
	for {
		for {
			p, consumed, err := DecodePacket(buf)
			if err != nil {
				if consumed > 0 {
					// Runt frame: skip it and keep the connection.
					buf = buf[consumed:]
					c.log.Debug().Err(err).Msg("dropping malformed frame")
					c.cfg.emitError(err)
					continue
				}
				c.teardown(err)
				return
			}
			if p == nil {
				break
			}
			buf = buf[consumed:]
			c.dispatch(p)
		}

		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			c.teardown(err)
			return
		}
	}
}

// dispatch routes one decoded frame. Response bodies accumulate on the
// pending entry they belong to; the sentinel echo settles the oldest
// pending command (the only one, given serialized Exec).
func (c *binaryClient) dispatch(p *Packet) {
	if p.Kind != PacketResponseValue {
		return
	}

	c.mu.Lock()
	if p.ID == SentinelID {
		pc := c.pending.oldest()
		if pc != nil {
			c.pending.remove(pc.id)
		}
		var body string
		if pc != nil {
			body = pc.body.String()
		}
		c.mu.Unlock()
		if pc != nil {
			pc.ch <- execResult{body: body}
		}
		return
	}
	if pc, ok := c.pending.lookup(p.ID); ok {
		pc.body.WriteString(p.Body)
	}
	c.mu.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
