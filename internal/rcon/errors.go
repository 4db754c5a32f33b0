package rcon

import "errors"

var (
	// ErrNotConnected is returned by operations on a client that was never
	// connected or has already been closed.
	ErrNotConnected = errors.New("rcon: not connected")

	// ErrAuthRejected means the upstream refused the supplied credentials.
	ErrAuthRejected = errors.New("rcon: authentication rejected")

	// ErrConnectTimeout means no authentication outcome arrived within the
	// configured timeout.
	ErrConnectTimeout = errors.New("rcon: connect timeout")

	// ErrConnectionClosed settles commands that were still pending when the
	// upstream connection went away.
	ErrConnectionClosed = errors.New("rcon: connection closed")

	// ErrMalformedFrame means an inbound frame could not be decoded.
	ErrMalformedFrame = errors.New("rcon: malformed frame")
)
