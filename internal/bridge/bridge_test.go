package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sjalloq/ft601/internal/etherbone"
	"github.com/sjalloq/ft601/internal/stream"
	"github.com/sjalloq/ft601/internal/testutil/testlog"
)

// fakeTransport answers Etherbone requests like the bitstream would: reads
// return addr+1 for each requested address, probes get a probe reply, and
// writes are recorded. Addresses in silent never produce a response.
type fakeTransport struct {
	mu       sync.Mutex
	silent   map[uint32]bool
	mute     bool
	writeErr error
	pending  []byte
	writes   []etherbone.Packet
	channels []byte
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	ch, payload, ok := stream.Unwrap(p)
	if !ok {
		return len(p), nil
	}
	f.channels = append(f.channels, ch)
	pkt, err := etherbone.Decode(payload)
	if err != nil {
		return len(p), nil
	}
	if f.mute {
		return len(p), nil
	}

	var resp *etherbone.Packet
	switch {
	case pkt.Probe:
		r := etherbone.ProbeReplyPacket()
		resp = &r
	case pkt.Reads != nil:
		values := make([]uint32, 0, len(pkt.Reads.Addrs))
		for _, addr := range pkt.Reads.Addrs {
			if f.silent[addr] {
				return len(p), nil
			}
			values = append(values, addr+1)
		}
		r := etherbone.ReadResponse(pkt.Reads.BaseRet, values)
		resp = &r
	case pkt.Writes != nil:
		f.writes = append(f.writes, pkt)
	}

	if resp != nil {
		enc, err := resp.Encode()
		if err != nil {
			return len(p), nil
		}
		f.pending = stream.Wrap(ch, enc)
	}
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return 0, nil
	}
	n := copy(p, f.pending)
	f.pending = nil
	return n, nil
}

func (f *fakeTransport) Close() error { return nil }

func newTestBridge(tr Transport) *Bridge {
	b := New(tr)
	b.SetTimeout(20 * time.Millisecond)
	return b
}

func TestReadSingleRegister(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(&fakeTransport{})
	got, err := b.Read(0x12345678)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 0x12345679 {
		t.Fatalf("read value mismatch: got=%#x want=%#x", got, 0x12345679)
	}
}

func TestReadBurstPreservesOrder(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(&fakeTransport{})
	addrs := []uint32{0x30, 0x10, 0x20}
	values, err := b.ReadBurst(addrs)
	if err != nil {
		t.Fatalf("read burst: %v", err)
	}
	if len(values) != len(addrs) {
		t.Fatalf("length mismatch: got=%d want=%d", len(values), len(addrs))
	}
	for i, addr := range addrs {
		if values[i] != addr+1 {
			t.Fatalf("value[%d] mismatch: got=%#x want=%#x", i, values[i], addr+1)
		}
	}
}

func TestReadTimesOut(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(&fakeTransport{mute: true})
	if _, err := b.Read(0x1000); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWriteIsFireAndForget(t *testing.T) {
	testlog.Start(t)
	tr := &fakeTransport{mute: true}
	b := newTestBridge(tr)
	if err := b.Write(0x2000, 0xdeadbeef); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := b.WriteBurst(0x3000, []uint32{1, 2, 3}); err != nil {
		t.Fatalf("write burst: %v", err)
	}
	if len(tr.writes) != 2 {
		t.Fatalf("expected 2 writes on the wire, got %d", len(tr.writes))
	}
	if tr.writes[0].Writes.Base != 0x2000 || tr.writes[0].Writes.Values[0] != 0xdeadbeef {
		t.Fatalf("first write mismatch: %+v", tr.writes[0].Writes)
	}
	if tr.writes[1].Writes.Base != 0x3000 || len(tr.writes[1].Writes.Values) != 3 {
		t.Fatalf("burst write mismatch: %+v", tr.writes[1].Writes)
	}
}

func TestWriteSurfacesTransportError(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(&fakeTransport{writeErr: errors.New("pipe stalled")})
	if err := b.Write(0x10, 0x20); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(&fakeTransport{})
	ok, err := b.Probe()
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !ok {
		t.Fatalf("expected probe reply")
	}
}

func TestProbeTimeoutIsNotAnError(t *testing.T) {
	testlog.Start(t)
	b := newTestBridge(&fakeTransport{mute: true})
	ok, err := b.Probe()
	if err != nil {
		t.Fatalf("probe timeout must not error: %v", err)
	}
	if ok {
		t.Fatalf("muted device must not answer a probe")
	}
}

func TestChannelTravelsOnTheWire(t *testing.T) {
	testlog.Start(t)
	tr := &fakeTransport{}
	b := newTestBridge(tr)
	b.SetChannel(7)
	if _, err := b.Read(0x44); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(tr.channels) == 0 || tr.channels[0] != 7 {
		t.Fatalf("expected channel 7 on the wire, got %v", tr.channels)
	}
}
