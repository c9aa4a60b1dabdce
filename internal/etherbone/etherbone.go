// Package etherbone implements the subset of the Etherbone wire protocol
// used for Wishbone register access through the FT601 bridge: fixed 4-byte
// addresses and ports, and at most one write record plus one read record
// per packet.
package etherbone

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic identifies an Etherbone packet (big-endian on the wire).
	Magic uint16 = 0x4e6f
	// Version is the protocol version carried in the flags byte.
	Version byte = 1

	// PacketHeaderLen is the fixed packet header size.
	PacketHeaderLen = 8
	// RecordHeaderLen is the record header size following the packet header.
	RecordHeaderLen = 4

	// MaxRecordEntries bounds each record section; counts are a single byte
	// on the wire.
	MaxRecordEntries = 255

	// addrPortSize encodes 4-byte addresses and 4-byte ports.
	addrPortSize byte = 0x44
	// byteEnable selects all four lanes of each word.
	byteEnable byte = 0x0f

	flagProbeReply byte = 0x02
	flagProbe      byte = 0x01
)

var (
	ErrShortPacket    = errors.New("etherbone: packet shorter than header")
	ErrBadMagic       = errors.New("etherbone: bad magic")
	ErrTruncated      = errors.New("etherbone: record overruns packet")
	ErrTooManyEntries = errors.New("etherbone: record section exceeds 255 entries")
)

// Writes is a write record: Values land at consecutive word addresses
// starting at Base. A read response reuses this shape, carrying the
// returned register values at the requester's base return address.
type Writes struct {
	Base   uint32
	Values []uint32
}

// Reads is a read record: register addresses to fetch, answered at BaseRet.
type Reads struct {
	BaseRet uint32
	Addrs   []uint32
}

// Packet is one Etherbone message. Semantically it is one of probe-request,
// probe-reply, write record, read request or read response, though the wire
// format permits writes and reads to coexist and Decode accepts that.
type Packet struct {
	Probe      bool
	ProbeReply bool
	Writes     *Writes
	Reads      *Reads
}

// ProbeRequest builds a liveness probe.
func ProbeRequest() Packet {
	return Packet{Probe: true}
}

// ProbeReplyPacket builds the answer to a probe request.
func ProbeReplyPacket() Packet {
	return Packet{ProbeReply: true}
}

// Write builds a single-register write.
func Write(addr, value uint32) Packet {
	return Packet{Writes: &Writes{Base: addr, Values: []uint32{value}}}
}

// WriteBurst builds a write of consecutive registers starting at base.
func WriteBurst(base uint32, values []uint32) Packet {
	return Packet{Writes: &Writes{Base: base, Values: values}}
}

// Read builds a single-register read request.
func Read(addr uint32) Packet {
	return Packet{Reads: &Reads{Addrs: []uint32{addr}}}
}

// ReadBurst builds a read request for several registers in one packet.
func ReadBurst(addrs []uint32) Packet {
	return Packet{Reads: &Reads{Addrs: addrs}}
}

// ReadResponse builds the answer to a read request. Returned values travel
// as a write record aimed at the requester's base return address.
func ReadResponse(baseRet uint32, values []uint32) Packet {
	return Packet{Writes: &Writes{Base: baseRet, Values: values}}
}

// Encode serializes p to the wire format. Probe-only packets are the bare
// 8-byte header; anything else appends one record.
func (p Packet) Encode() ([]byte, error) {
	var wcount, rcount int
	if p.Writes != nil {
		wcount = len(p.Writes.Values)
	}
	if p.Reads != nil {
		rcount = len(p.Reads.Addrs)
	}
	if wcount > MaxRecordEntries || rcount > MaxRecordEntries {
		return nil, ErrTooManyEntries
	}

	size := PacketHeaderLen
	probeOnly := (p.Probe || p.ProbeReply) && p.Writes == nil && p.Reads == nil
	if !probeOnly {
		size += RecordHeaderLen
		if p.Writes != nil {
			size += 4 + 4*wcount
		}
		if p.Reads != nil {
			size += 4 + 4*rcount
		}
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	flags := Version << 4
	if p.ProbeReply {
		flags |= flagProbeReply
	}
	if p.Probe {
		flags |= flagProbe
	}
	buf[2] = flags
	buf[3] = addrPortSize
	// buf[4:8] stays zero padding.

	if probeOnly {
		return buf, nil
	}

	buf[8] = 0x00 // record flags (bca, rca, rff, cyc, wca, wff)
	buf[9] = byteEnable
	buf[10] = byte(wcount)
	buf[11] = byte(rcount)

	off := PacketHeaderLen + RecordHeaderLen
	if p.Writes != nil {
		binary.BigEndian.PutUint32(buf[off:], p.Writes.Base)
		off += 4
		for _, v := range p.Writes.Values {
			binary.BigEndian.PutUint32(buf[off:], v)
			off += 4
		}
	}
	if p.Reads != nil {
		binary.BigEndian.PutUint32(buf[off:], p.Reads.BaseRet)
		off += 4
		for _, a := range p.Reads.Addrs {
			binary.BigEndian.PutUint32(buf[off:], a)
			off += 4
		}
	}
	return buf, nil
}

// Decode parses one packet from b. It is strict about the header and record
// bounds but permissive about content: a packet carrying both a writes and
// a reads section decodes without error.
func Decode(b []byte) (Packet, error) {
	if len(b) < PacketHeaderLen {
		return Packet{}, ErrShortPacket
	}
	if binary.BigEndian.Uint16(b[0:2]) != Magic {
		return Packet{}, ErrBadMagic
	}

	p := Packet{
		Probe:      b[2]&flagProbe != 0,
		ProbeReply: b[2]&flagProbeReply != 0,
	}

	if len(b) == PacketHeaderLen {
		return p, nil
	}
	if len(b) < PacketHeaderLen+RecordHeaderLen {
		return Packet{}, ErrTruncated
	}

	wcount := int(b[10])
	rcount := int(b[11])
	off := PacketHeaderLen + RecordHeaderLen

	if wcount > 0 {
		if len(b) < off+4+4*wcount {
			return Packet{}, ErrTruncated
		}
		w := &Writes{
			Base:   binary.BigEndian.Uint32(b[off:]),
			Values: make([]uint32, 0, wcount),
		}
		off += 4
		for i := 0; i < wcount; i++ {
			w.Values = append(w.Values, binary.BigEndian.Uint32(b[off:]))
			off += 4
		}
		p.Writes = w
	}

	if rcount > 0 {
		if len(b) < off+4+4*rcount {
			return Packet{}, ErrTruncated
		}
		r := &Reads{
			BaseRet: binary.BigEndian.Uint32(b[off:]),
			Addrs:   make([]uint32, 0, rcount),
		}
		off += 4
		for i := 0; i < rcount; i++ {
			r.Addrs = append(r.Addrs, binary.BigEndian.Uint32(b[off:]))
			off += 4
		}
		p.Reads = r
	}

	return p, nil
}

// ReadData returns the register values a read response carries. Responses
// deliver values as a write record, so this is just the writes section.
func (p Packet) ReadData() ([]uint32, bool) {
	if p.Writes == nil {
		return nil, false
	}
	return p.Writes.Values, true
}
