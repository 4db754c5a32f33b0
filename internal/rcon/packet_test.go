package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []struct {
		id   int32
		kind Kind
		body string
	}{
		{1, PacketAuth, "hunter2"},
		{42, PacketExecCommand, "status"},
		{9000, PacketResponseValue, ""},
		{SentinelID, PacketResponseValue, ""},
		{-1, PacketAuthResponse, ""},
		{7, PacketResponseValue, "hostname: X\nplayers: 1/10\n"},
		{8, PacketResponseValue, "unicode: проверка ✓"},
	}

	for _, tc := range cases {
		raw := EncodePacket(tc.id, tc.kind, tc.body)
		p, n, err := DecodePacket(raw)
		if err != nil {
			t.Fatalf("DecodePacket(%d, %d, %q): %v", tc.id, tc.kind, tc.body, err)
		}
		if p == nil {
			t.Fatalf("DecodePacket(%d, %d, %q): incomplete", tc.id, tc.kind, tc.body)
		}
		if n != len(raw) {
			t.Fatalf("consumed %d bytes, want %d", n, len(raw))
		}
		if p.ID != tc.id || p.Kind != tc.kind || p.Body != tc.body {
			t.Fatalf("got (%d, %d, %q), want (%d, %d, %q)", p.ID, p.Kind, p.Body, tc.id, tc.kind, tc.body)
		}
	}
}

func TestEncodePacketLayout(t *testing.T) {
	raw := EncodePacket(5, PacketAuth, "pw")

	if got, want := len(raw), 4+4+4+2+2; got != want {
		t.Fatalf("frame length %d, want %d", got, want)
	}
	if size := int32(binary.LittleEndian.Uint32(raw[:4])); size != 12 {
		t.Fatalf("declared size %d, want 12", size)
	}
	if !bytes.Equal(raw[len(raw)-2:], []byte{0, 0}) {
		t.Fatalf("missing NUL terminators: % x", raw[len(raw)-2:])
	}
}

func TestDecodePacketIncomplete(t *testing.T) {
	raw := EncodePacket(3, PacketResponseValue, "partial frame body")

	for cut := 0; cut < len(raw); cut++ {
		p, n, err := DecodePacket(raw[:cut])
		if err != nil {
			t.Fatalf("cut=%d: unexpected error %v", cut, err)
		}
		if p != nil || n != 0 {
			t.Fatalf("cut=%d: expected incomplete, got packet=%v consumed=%d", cut, p, n)
		}
	}
}

func TestDecodePacketRuntFrameSkips(t *testing.T) {
	// A runt frame (size below the body-less minimum) followed by a valid
	// frame. The reported consumed count must step past the runt.
	runt := make([]byte, 4+6)
	binary.LittleEndian.PutUint32(runt[:4], 6)
	valid := EncodePacket(2, PacketResponseValue, "ok")
	buf := append(runt, valid...)

	p, n, err := DecodePacket(buf)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got packet=%v err=%v", p, err)
	}
	if n != len(runt) {
		t.Fatalf("consumed %d, want %d", n, len(runt))
	}

	p, n, err = DecodePacket(buf[n:])
	if err != nil || p == nil {
		t.Fatalf("decode after resync: packet=%v err=%v", p, err)
	}
	if p.ID != 2 || p.Body != "ok" {
		t.Fatalf("got (%d, %q) after resync", p.ID, p.Body)
	}
	if n != len(valid) {
		t.Fatalf("consumed %d, want %d", n, len(valid))
	}
}

func TestDecodePacketUnrecoverableSize(t *testing.T) {
	for _, size := range []int32{-1, maxFrameSize + 1} {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint32(buf[:4], uint32(size))

		_, n, err := DecodePacket(buf)
		if !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("size=%d: expected ErrMalformedFrame, got %v", size, err)
		}
		if n != 0 {
			t.Fatalf("size=%d: consumed %d, want 0", size, n)
		}
	}
}

func TestDecodePacketByteAtATime(t *testing.T) {
	// Feeding the stream one byte at a time must yield the same packets as
	// decoding it whole.
	var stream []byte
	want := []Packet{
		{ID: 1, Kind: PacketResponseValue, Body: "first"},
		{ID: 1, Kind: PacketResponseValue, Body: "second"},
		{ID: SentinelID, Kind: PacketResponseValue, Body: ""},
	}
	for _, p := range want {
		stream = append(stream, EncodePacket(p.ID, p.Kind, p.Body)...)
	}

	var got []Packet
	var buf []byte
	for _, b := range stream {
		buf = append(buf, b)
		for {
			p, n, err := DecodePacket(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p == nil {
				break
			}
			got = append(got, *p)
			buf = buf[n:]
		}
	}

	if len(buf) != 0 {
		t.Fatalf("%d bytes left undecoded", len(buf))
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d packets, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("packet %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}
