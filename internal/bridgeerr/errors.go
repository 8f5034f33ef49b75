// Package bridgeerr defines the sentinel error taxonomy shared across the
// mobile bridge engine's subsystems, so callers can classify failures with
// errors.Is instead of matching on message text.
package bridgeerr

import "errors"

var (
	// ErrFrameDecode indicates a multiplexer frame could not be decoded:
	// a truncated header or payload, an oversized length, or the stream
	// ending before the magic is found again.
	ErrFrameDecode = errors.New("mux: frame decode error")

	// ErrConfigInvalid indicates the loaded configuration failed validation.
	ErrConfigInvalid = errors.New("config: invalid configuration")

	// ErrTransportUnavailable indicates no transport is presently able to
	// carry data (none registered, or none authorized).
	ErrTransportUnavailable = errors.New("transport: unavailable")

	// ErrPipeClosed indicates a blocking operation was attempted on a pipe
	// that is closed and cannot satisfy it without blocking.
	ErrPipeClosed = errors.New("pipe: closed")

	// ErrProtocolViolation indicates a peer violated the session or mux
	// protocol (e.g. an ACK ahead of server_seq, a non-SYN opening packet,
	// malformed AUTH headers).
	ErrProtocolViolation = errors.New("protocol violation")
)
