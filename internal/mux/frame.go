// Package mux implements the multiplexer wire protocol: a length-prefixed
// frame codec carrying TCP segments, UDP datagrams, and textual control
// messages (AUTH/INFO/PING/PONG) over a single ordered transport byte
// stream.
package mux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"mobilebridge/internal/bridgeerr"
)

// Flag bits, combinable.
const (
	FlagSYN  uint32 = 0x01
	FlagFIN  uint32 = 0x02
	FlagRST  uint32 = 0x04
	FlagTCP  uint32 = 0x10
	FlagUDP  uint32 = 0x20
	FlagAUTH uint32 = 0x100
	FlagINFO uint32 = 0x200
	FlagPING uint32 = 0x400
	FlagPONG uint32 = 0x800
	FlagJSON uint32 = 0x1000
)

var magic = [4]byte{'A', 'M', 'B', '1'}

// maxPayload bounds how large a claimed frame length we will attempt to
// allocate for, guarding against a corrupt length field turning into an
// out-of-memory condition.
const maxPayload = 64 * 1024 * 1024

// Frame is one multiplexer wire unit.
type Frame struct {
	ID      uint32
	Flags   uint32
	Payload []byte
}

// HasFlag reports whether all bits in mask are set in the frame's flags.
func (f Frame) HasFlag(mask uint32) bool {
	return f.Flags&mask == mask
}

// Decode reads one frame from r, realigning on the magic if the stream is
// out of sync: it slides a 4-byte window one byte at a time until the magic
// reappears. Returns bridgeerr.ErrFrameDecode wrapping the underlying cause
// on truncation, oversized length, or a read failure.
func Decode(r *bufio.Reader) (Frame, error) {
	if err := realign(r); err != nil {
		return Frame{}, err
	}

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: header: %v", bridgeerr.ErrFrameDecode, err)
	}
	id := binary.BigEndian.Uint32(header[0:4])
	flags := binary.BigEndian.Uint32(header[4:8])
	length := binary.BigEndian.Uint32(header[8:12])

	if length > maxPayload {
		return Frame{}, fmt.Errorf("%w: payload length %d exceeds maximum", bridgeerr.ErrFrameDecode, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: payload: %v", bridgeerr.ErrFrameDecode, err)
	}

	return Frame{ID: id, Flags: flags, Payload: payload}, nil
}

// realign consumes bytes from r until the next 4 bytes match the magic, then
// consumes the magic too, so Decode proceeds to read the 12-byte header
// (id, flags, length) that follows it.
func realign(r *bufio.Reader) error {
	for {
		peeked, err := r.Peek(4)
		if err != nil {
			if len(peeked) > 0 {
				// Not enough bytes left to ever match; drain and fail.
				r.Discard(len(peeked))
			}
			return fmt.Errorf("%w: %v", bridgeerr.ErrFrameDecode, err)
		}
		if peeked[0] == magic[0] && peeked[1] == magic[1] && peeked[2] == magic[2] && peeked[3] == magic[3] {
			r.Discard(4)
			return nil
		}
		// Slide the window by one byte and try again.
		if _, err := r.Discard(1); err != nil {
			return fmt.Errorf("%w: %v", bridgeerr.ErrFrameDecode, err)
		}
	}
}

// Encode writes one frame to w: magic, id, flags, length, then payload.
func Encode(w io.Writer, id, flags uint32, payload []byte) error {
	buf := make([]byte, 16+len(payload))
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], id)
	binary.BigEndian.PutUint32(buf[8:12], flags)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[16:], payload)
	_, err := w.Write(buf)
	return err
}

// ParseHeaders interprets a control-frame payload as "key: value\r\n" lines.
// Keys are lower-cased for lookup; values are trimmed of surrounding
// whitespace. Lines that don't match the pattern are skipped.
func ParseHeaders(payload []byte) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}

// HeaderPair is one key/value pair in format-preserving order.
type HeaderPair struct {
	Key   string
	Value string
}

// FormatHeaders produces "k: v\r\n" concatenation in the given order.
func FormatHeaders(pairs []HeaderPair) string {
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(p.Key)
		b.WriteString(": ")
		b.WriteString(p.Value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// SortedHeaderKeys returns the keys of a parsed header map in sorted order,
// useful for deterministic test assertions and logging.
func SortedHeaderKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
