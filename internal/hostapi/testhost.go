package hostapi

import (
	"context"
	"io"
	"sync"
)

// pipeConnection adapts an io.Reader/io.Writer pair into a Connection with a
// single idempotent Close that tears down both ends.
type pipeConnection struct {
	r        io.ReadCloser
	w        io.WriteCloser
	closeMu  sync.Mutex
	closed   bool
}

func (c *pipeConnection) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConnection) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConnection) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	rerr := c.r.Close()
	werr := c.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// TestHost is an in-memory Host implementation backed by io.Pipe, used by
// this module's own tests as the TEST transport's host side. Each
// registered transport gets two in-memory pipes, wired so the test can
// drive the "device" side directly via DeviceSide.
type TestHost struct {
	mu          sync.Mutex
	transports  []Transport
	deviceSides map[string]Connection
	failConnect map[string]bool // transportID -> force Connect to return nil
}

// NewTestHost creates a TestHost registering the given transports.
func NewTestHost(transports ...Transport) *TestHost {
	return &TestHost{
		transports:  transports,
		deviceSides: make(map[string]Connection),
		failConnect: make(map[string]bool),
	}
}

// SetFailConnect toggles whether Connect returns (nil, nil) for a transport,
// simulating the host being temporarily unable to establish it (spec S3).
func (h *TestHost) SetFailConnect(transportID string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failConnect[transportID] = fail
}

func (h *TestHost) GetTransports(ctx context.Context) ([]Transport, error) {
	return h.transports, nil
}

func (h *TestHost) Connect(ctx context.Context, transportID string) (Connection, error) {
	h.mu.Lock()
	if h.failConnect[transportID] {
		h.mu.Unlock()
		return nil, nil
	}
	h.mu.Unlock()

	engineR, deviceW := io.Pipe()
	deviceR, engineW := io.Pipe()

	engineSide := &pipeConnection{r: engineR, w: engineW}
	deviceSide := &pipeConnection{r: deviceR, w: deviceW}

	h.mu.Lock()
	h.deviceSides[transportID] = deviceSide
	h.mu.Unlock()

	return engineSide, nil
}

func (h *TestHost) Disconnect(ctx context.Context, transportID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deviceSides, transportID)
}

func (h *TestHost) ProtectSocket(fd int) bool { return true }

// DeviceSide returns the simulated mobile-device end of a connected
// transport, or nil if it hasn't connected yet.
func (h *TestHost) DeviceSide(transportID string) Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceSides[transportID]
}

// RecordingNotifier is a Notifier that appends every call to an in-memory
// log, for test assertions.
type RecordingNotifier struct {
	mu    sync.Mutex
	Calls []string
}

func (n *RecordingNotifier) OnActiveTransportChange(transportID, state string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, "active:"+transportID+":"+state)
}

func (n *RecordingNotifier) OnDeviceHandshaked(transportID, token, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, "handshaked:"+transportID+":"+token+":"+name)
}

func (n *RecordingNotifier) OnInfo(token string, infoID uint32, jsonText string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, "info:"+token+":"+jsonText)
}
