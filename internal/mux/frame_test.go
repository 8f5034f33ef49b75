package mux

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{ID: 0, Flags: FlagAUTH | FlagFIN, Payload: nil},
		{ID: 42, Flags: FlagTCP | FlagSYN, Payload: []byte("hello")},
		{ID: 0xFFFFFFFF, Flags: FlagUDP, Payload: make([]byte, 4096)},
	}
	for _, want := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, want.ID, want.Flags, want.Payload); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := Decode(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.ID != want.ID || got.Flags != want.Flags || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestFrameRealignment(t *testing.T) {
	var frame bytes.Buffer
	if err := Encode(&frame, 7, FlagPING, []byte("ping")); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	garbage := []byte{0x00, 0x41, 0x4D, 0x42, 0xFF, 0x10, 0x20}
	var stream bytes.Buffer
	stream.Write(garbage)
	stream.Write(frame.Bytes())

	got, err := Decode(bufio.NewReader(&stream))
	if err != nil {
		t.Fatalf("Decode after garbage: %v", err)
	}
	if got.ID != 7 || got.Flags != FlagPING || string(got.Payload) != "ping" {
		t.Fatalf("unexpected frame after realignment: %+v", got)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	pairs := []HeaderPair{
		{Key: "Token", Value: " T1 "},
		{Key: "Name", Value: "N1"},
	}
	formatted := FormatHeaders(pairs)
	parsed := ParseHeaders([]byte(formatted))

	if parsed["token"] != "T1" {
		t.Fatalf("token = %q, want %q", parsed["token"], "T1")
	}
	if parsed["name"] != "N1" {
		t.Fatalf("name = %q, want %q", parsed["name"], "N1")
	}
}

func TestParseHeadersSkipsMalformedLines(t *testing.T) {
	payload := "token: T1\r\nnotakeyvalue\r\nname: N1\r\n"
	parsed := ParseHeaders([]byte(payload))
	if len(parsed) != 2 {
		t.Fatalf("expected 2 headers, got %d: %v", len(parsed), parsed)
	}
}
