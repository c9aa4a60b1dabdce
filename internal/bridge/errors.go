package bridge

import "errors"

var (
	// ErrNoDevice means no matching FT60x hardware was found.
	ErrNoDevice = errors.New("bridge: no FT60x device found")
	// ErrTimeout means no response frame arrived within the deadline.
	ErrTimeout = errors.New("bridge: timeout waiting for response")
	// ErrProtocol means a response failed to decode or lacked the expected
	// section.
	ErrProtocol = errors.New("bridge: protocol error")
	// ErrTransport wraps I/O failures on the underlying byte channel.
	ErrTransport = errors.New("bridge: transport error")
)
