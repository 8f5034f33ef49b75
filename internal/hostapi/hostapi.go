// Package hostapi defines the contract between the mobile bridge engine and
// the host application that actually owns transport I/O (Bluetooth, Wi-Fi,
// USB/EAP sockets) and the TUN-protection primitive. The engine never
// constructs a concrete transport itself; it is handed a Host and drives it.
package hostapi

import (
	"context"
	"io"
)

// TransportType enumerates the kind of bearer a Transport represents.
// Ascending ordinal order IS priority order: UNDEFINED is never selected,
// TEST is implicitly authorized and lowest-priority among real bearers only
// by virtue of sorting last when it appears alongside real transports in
// tests.
type TransportType int

const (
	TransportUndefined TransportType = iota
	TransportBluetooth
	TransportWiFi
	TransportEAP
	TransportUSB
	TransportTest
)

func (t TransportType) String() string {
	switch t {
	case TransportUndefined:
		return "UNDEFINED"
	case TransportBluetooth:
		return "BLUETOOTH"
	case TransportWiFi:
		return "WIFI"
	case TransportEAP:
		return "EAP"
	case TransportUSB:
		return "USB"
	case TransportTest:
		return "TEST"
	default:
		return "UNKNOWN"
	}
}

// Transport identifies one mobile-side bearer.
type Transport struct {
	ID   string
	Type TransportType
}

// Connection is an established transport connection: an ordered byte stream
// with blocking read/write and an idempotent close.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// Host is implemented by the application embedding this engine. It owns all
// transport-specific I/O and the platform hook that exempts the engine's own
// sockets from TUN capture.
type Host interface {
	// GetTransports enumerates available transports. Called once at
	// engine start.
	GetTransports(ctx context.Context) ([]Transport, error)

	// Connect establishes a connection for transportID. A nil Connection
	// (with nil error) means "not available right now"; the transport
	// loop backs off and retries. A non-nil error is logged and treated
	// the same as a nil connection.
	Connect(ctx context.Context, transportID string) (Connection, error)

	// Disconnect notifies the host that the engine is done with a
	// transport's connection (called after the connection is closed, not
	// instead of closing it).
	Disconnect(ctx context.Context, transportID string)

	// ProtectSocket exempts fd from TUN capture, so the engine's own
	// local-proxy and transport sockets don't loop back through the VPN
	// they implement. Returns false if protection failed (caller
	// proceeds, logging the degraded guarantee).
	ProtectSocket(fd int) bool
}

// Notifier receives outbound notifications the engine raises for the host
// (and, indirectly, anything upstream of it). Implementations should not
// block; the engine calls these synchronously, from its executor and from
// the transport loop goroutines.
type Notifier interface {
	OnActiveTransportChange(transportID, state string)
	OnDeviceHandshaked(transportID, token, name string)
	OnInfo(token string, infoID uint32, jsonText string)
}
