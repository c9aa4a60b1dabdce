package stream

import (
	"bytes"
	"testing"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		channel byte
		payload []byte
	}{
		{"channel0", 0, []byte{0x01, 0x02, 0x03, 0x04}},
		{"channel1", 1, []byte{0xff}},
		{"high_channel", 255, bytes.Repeat([]byte{0xa5}, 64)},
		{"empty_payload", 3, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			framed := Wrap(tc.channel, tc.payload)
			ch, payload, ok := Unwrap(framed)
			if !ok {
				t.Fatalf("unwrap failed")
			}
			if ch != tc.channel {
				t.Fatalf("channel mismatch: got=%d want=%d", ch, tc.channel)
			}
			if !bytes.Equal(payload, tc.payload) {
				t.Fatalf("payload mismatch: got=% x want=% x", payload, tc.payload)
			}
		})
	}
}

func TestUnwrapSkipsLeadingGarbage(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	buf := append([]byte{0x00, 0x13, 0x37, 0x42, 0x99}, Wrap(2, payload)...)
	ch, got, ok := Unwrap(buf)
	if !ok {
		t.Fatalf("unwrap failed with garbage prefix")
	}
	if ch != 2 || !bytes.Equal(got, payload) {
		t.Fatalf("frame mismatch: ch=%d payload=% x", ch, got)
	}
}

func TestUnwrapRejectsTruncatedPayload(t *testing.T) {
	framed := Wrap(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	// Drop the tail so the declared length is no longer covered.
	if _, _, ok := Unwrap(framed[:len(framed)-3]); ok {
		t.Fatalf("unwrap accepted a truncated frame")
	}
}

func TestUnwrapNoPreamble(t *testing.T) {
	if _, _, ok := Unwrap(bytes.Repeat([]byte{0x42}, 64)); ok {
		t.Fatalf("unwrap found a frame in noise")
	}
}

func TestUnwrapResyncsPastShortCandidate(t *testing.T) {
	// A truncated frame followed by a complete one: the scan must skip the
	// first preamble hit and return the complete frame.
	first := Wrap(0, bytes.Repeat([]byte{0x11}, 32))[:16]
	second := Wrap(5, []byte{0xca, 0xfe})
	ch, payload, ok := Unwrap(append(first, second...))
	if !ok {
		t.Fatalf("unwrap failed to resync")
	}
	if ch != 5 || !bytes.Equal(payload, []byte{0xca, 0xfe}) {
		t.Fatalf("resync returned wrong frame: ch=%d payload=% x", ch, payload)
	}
}
