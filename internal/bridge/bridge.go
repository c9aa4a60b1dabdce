// Package bridge provides Wishbone register access over a raw FT601 byte
// transport, speaking Etherbone packets wrapped in stream frames. A single
// mutex keeps at most one hardware transaction in flight; the device
// interleaves bytes on the wire if two requests overlap.
package bridge

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sjalloq/ft601/internal/etherbone"
	"github.com/sjalloq/ft601/internal/logging"
	"github.com/sjalloq/ft601/internal/stream"
)

const (
	// DefaultChannel is the stream channel carrying Etherbone traffic.
	DefaultChannel byte = 0
	// DefaultTimeout bounds the wait for a response frame.
	DefaultTimeout = 100 * time.Millisecond

	// recvBufSize matches the largest chunk the device delivers per read.
	recvBufSize = 4096
	// pollInterval paces the receive loop between empty reads.
	pollInterval = 100 * time.Microsecond
)

// Transport is the raw byte channel to the device. Read fills p with
// whatever the device delivers within timeout; a timeout is not an error
// and returns (0, nil).
type Transport interface {
	Write(p []byte) (int, error)
	Read(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Bridge exposes register read/write/burst/probe operations over one
// transport. All operations serialize on an internal mutex so exactly one
// request is outstanding at any time; there is no pipelining and no
// reassembly of partial responses.
type Bridge struct {
	mu      sync.Mutex
	tr      Transport
	channel byte
	timeout time.Duration
	log     zerolog.Logger
}

// New wraps tr with the default channel and response timeout.
func New(tr Transport) *Bridge {
	return &Bridge{
		tr:      tr,
		channel: DefaultChannel,
		timeout: DefaultTimeout,
		log:     logging.Component("bridge"),
	}
}

// SetChannel selects the stream channel for subsequent operations.
func (b *Bridge) SetChannel(channel byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channel = channel
}

// SetTimeout adjusts the response deadline for subsequent operations.
func (b *Bridge) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// Close releases the underlying transport.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tr.Close()
}

// Read fetches one 32-bit register.
func (b *Bridge) Read(addr uint32) (uint32, error) {
	resp, err := b.transact(etherbone.Read(addr))
	if err != nil {
		return 0, err
	}
	values, ok := resp.ReadData()
	if !ok || len(values) == 0 {
		return 0, fmt.Errorf("%w: no data in response", ErrProtocol)
	}
	return values[0], nil
}

// ReadBurst fetches several registers in one round trip. The result has the
// same length and order as addrs.
func (b *Bridge) ReadBurst(addrs []uint32) ([]uint32, error) {
	resp, err := b.transact(etherbone.ReadBurst(addrs))
	if err != nil {
		return nil, err
	}
	values, ok := resp.ReadData()
	if !ok {
		return nil, fmt.Errorf("%w: no data in response", ErrProtocol)
	}
	if len(values) != len(addrs) {
		return nil, fmt.Errorf("%w: response carries %d values for %d addresses",
			ErrProtocol, len(values), len(addrs))
	}
	return values, nil
}

// Write stores one 32-bit register. No acknowledgment is awaited;
// correctness relies on ordered delivery.
func (b *Bridge) Write(addr, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send(etherbone.Write(addr, value))
}

// WriteBurst stores values at consecutive registers starting at base.
// Send-only, like Write.
func (b *Bridge) WriteBurst(base uint32, values []uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send(etherbone.WriteBurst(base, values))
}

// Probe checks whether anything answers on the bus. A timeout or an
// undecodable answer yields (false, nil); only transport failures are
// errors.
func (b *Bridge) Probe() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.send(etherbone.ProbeRequest()); err != nil {
		return false, err
	}
	payload, err := b.recv(b.timeout)
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	resp, err := etherbone.Decode(payload)
	if err != nil {
		return false, nil
	}
	return resp.ProbeReply, nil
}

// transact sends one request and waits for the matching response frame.
func (b *Bridge) transact(req etherbone.Packet) (etherbone.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.send(req); err != nil {
		return etherbone.Packet{}, err
	}
	payload, err := b.recv(b.timeout)
	if err != nil {
		return etherbone.Packet{}, err
	}
	if payload == nil {
		return etherbone.Packet{}, ErrTimeout
	}
	resp, err := etherbone.Decode(payload)
	if err != nil {
		return etherbone.Packet{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return resp, nil
}

// send encodes pkt, frames it and writes it out. Callers hold b.mu.
func (b *Bridge) send(pkt etherbone.Packet) error {
	payload, err := pkt.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	framed := stream.Wrap(b.channel, payload)
	if _, err := b.tr.Write(framed); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// recv polls the transport until a fully framed payload arrives or the
// deadline passes. Each physical read is unwrapped on its own; a frame
// split across two reads is lost, which the framing layer documents as a
// known limitation. Returns (nil, nil) on timeout. Callers hold b.mu.
func (b *Bridge) recv(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, recvBufSize)
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		n, err := b.tr.Read(buf, remaining)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if n > 0 {
			if _, payload, ok := stream.Unwrap(buf[:n]); ok {
				return payload, nil
			}
			b.log.Debug().Int("bytes", n).Msg("discarding unframed read")
		}
		time.Sleep(pollInterval)
	}
}
