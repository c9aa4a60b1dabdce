// Package gateway terminates Etherbone-over-TCP connections and translates
// each client packet into Etherbone-over-USB transactions against one
// shared FT601 device. LiteX remote clients (litex_cli, LiteScope,
// RemoteClient) speak this protocol.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sjalloq/ft601/internal/bridge"
	"github.com/sjalloq/ft601/internal/etherbone"
	"github.com/sjalloq/ft601/internal/logging"
	"github.com/sjalloq/ft601/internal/observability"
)

const (
	// DefaultIdent is the banner RemoteClient expects on connect.
	DefaultIdent = "CommFT601:localhost:1234"

	// ReadSentinel substitutes for registers whose device transaction
	// timed out or failed; the batch continues past them.
	ReadSentinel uint32 = 0xffffffff

	// maxPacketBytes matches the clients' single-write packet sizing; one
	// TCP read carries exactly one Etherbone packet, no reassembly.
	maxPacketBytes = 4096

	// connReadTimeout paces the per-connection read loop; expiry just
	// means no data yet.
	connReadTimeout = 2 * time.Second
)

// Server accepts TCP clients and drives the shared bridge on their behalf.
// One mutex serializes all hardware access across every connection: the
// lock is taken once per client packet and held for that packet's whole
// translation, so device transactions from different clients never
// interleave.
type Server struct {
	addr   string
	ident  string
	bridge *bridge.Bridge
	mu     sync.Mutex
	log    zerolog.Logger
}

// New builds a server for addr, fronting b. An empty ident falls back to
// DefaultIdent.
func New(addr, ident string, b *bridge.Bridge) *Server {
	if ident == "" {
		ident = DefaultIdent
	}
	return &Server{
		addr:   addr,
		ident:  ident,
		bridge: b,
		log:    logging.Component("gateway"),
	}
}

// ListenAndServe binds the configured address and accepts until the
// listener fails.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.addr, err)
	}
	s.log.Info().Str("addr", s.addr).Msg("listening")
	return s.Serve(ln)
}

// Serve accepts connections on ln indefinitely, handling each in its own
// goroutine.
func (s *Server) Serve(ln net.Listener) error {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		go s.handle(conn)
	}
}

// handle runs one client connection until the peer disconnects or a fatal
// I/O error occurs. Errors here terminate only this connection.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	log := s.log.With().Str("peer", peer).Logger()
	log.Info().Msg("client connected")
	observability.RecordConnectionOpened()
	defer observability.RecordConnectionClosed()

	if _, err := conn.Write([]byte(s.ident)); err != nil {
		log.Error().Err(err).Msg("ident write failed")
		return
	}

	buf := make([]byte, maxPacketBytes)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(connReadTimeout)); err != nil {
			log.Error().Err(err).Msg("set read deadline failed")
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue // no data yet
			}
			if errors.Is(err, io.EOF) {
				log.Info().Msg("client disconnected")
				return
			}
			log.Error().Err(err).Msg("read failed")
			return
		}
		if n == 0 {
			log.Info().Msg("client disconnected")
			return
		}

		// One TCP read carries exactly one Etherbone packet. A chunk that
		// does not decode is dropped without a reply.
		pkt, err := etherbone.Decode(buf[:n])
		if err != nil {
			observability.RecordDecodeError()
			log.Warn().Err(err).Int("bytes", n).Msg("dropping undecodable packet")
			continue
		}

		// Probes are answered locally; the device is never touched.
		if pkt.Probe {
			observability.RecordPacket("probe")
			reply, err := etherbone.ProbeReplyPacket().Encode()
			if err != nil {
				log.Error().Err(err).Msg("probe reply encode failed")
				continue
			}
			if _, err := conn.Write(reply); err != nil {
				log.Error().Err(err).Msg("probe reply write failed")
				return
			}
			continue
		}

		resp := s.translate(log, pkt)
		if resp == nil {
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			log.Error().Err(err).Msg("response write failed")
			return
		}
	}
}

// translate drives the device for one client packet under the shared lock
// and returns the encoded response, or nil when the packet warrants none.
func (s *Server) translate(log zerolog.Logger, pkt etherbone.Packet) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkt.Writes != nil {
		observability.RecordPacket("write")
		log.Debug().
			Int("count", len(pkt.Writes.Values)).
			Uint32("base", pkt.Writes.Base).
			Msg("write")
		// Fire-and-forget end to end: failures are logged, never surfaced
		// to the TCP client.
		if err := s.bridge.WriteBurst(pkt.Writes.Base, pkt.Writes.Values); err != nil {
			observability.RecordWriteError()
			log.Error().Err(err).Uint32("base", pkt.Writes.Base).Msg("device write failed")
		}
	}

	if pkt.Reads == nil {
		return nil
	}

	observability.RecordPacket("read")
	log.Debug().Int("count", len(pkt.Reads.Addrs)).Msg("read")

	// Each address is a separate device transaction; a timeout or decode
	// failure on one address substitutes the sentinel and never aborts the
	// batch.
	values := make([]uint32, 0, len(pkt.Reads.Addrs))
	for _, addr := range pkt.Reads.Addrs {
		start := time.Now()
		value, err := s.bridge.Read(addr)
		switch {
		case err == nil:
			observability.RecordRead("ok", time.Since(start))
		case errors.Is(err, bridge.ErrTimeout):
			observability.RecordRead("timeout", time.Since(start))
			log.Warn().Uint32("addr", addr).Msg("read timeout")
			value = ReadSentinel
		default:
			observability.RecordRead("protocol", time.Since(start))
			log.Error().Err(err).Uint32("addr", addr).Msg("read failed")
			value = ReadSentinel
		}
		values = append(values, value)
	}

	resp, err := etherbone.ReadResponse(pkt.Reads.BaseRet, values).Encode()
	if err != nil {
		log.Error().Err(err).Msg("read response encode failed")
		return nil
	}
	return resp
}
