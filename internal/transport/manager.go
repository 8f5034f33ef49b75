package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"mobilebridge/internal/corebus"
	"mobilebridge/internal/corelog"
	"mobilebridge/internal/hostapi"
	"mobilebridge/internal/mux"
)

// TCPSink is implemented by the TCP proxy: it receives bytes demuxed off an
// active transport and writes them back to the matching local connection.
type TCPSink interface {
	// SendResponse writes payload to the connection identified by connID.
	// A nil payload with close=true requests a graceful local close.
	SendResponse(connID uint32, payload []byte, closeConn bool)
}

// UDPSink is implemented by the UDP proxy: it receives datagrams demuxed off
// an active transport and sends them back to the matching return address.
type UDPSink interface {
	SendReply(datagramID uint32, payload []byte)
}

// authState is a transport context's device-authorization state.
type authState int

const (
	unauthorized authState = iota
	authorized
)

// context holds the engine's bookkeeping for one registered transport.
type context struct {
	transport hostapi.Transport

	mu         sync.Mutex
	loopState  LoopState
	auth       authState
	output     io.Writer
	token      string
	name       string
	lastPongAt time.Time

	loop *Loop
}

func (c *context) snapshotAuthorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Type == hostapi.TransportTest || c.auth == authorized
}

// isEligible reports whether the context is HANDSHAKED and authorized.
func (c *context) isEligible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	handshaked := c.loopState == StateHandshaked
	auth := c.transport.Type == hostapi.TransportTest || c.auth == authorized
	return handshaked && auth
}

func (c *context) stateString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loopState == StateHandshaked && (c.transport.Type == hostapi.TransportTest || c.auth == authorized) {
		return "AUTHORIZED"
	}
	return c.loopState.String()
}

// Manager registers transports in priority order, selects the active
// transport, and dispatches multiplexer frames between transports and the
// local proxies.
type Manager struct {
	deviceTypeID string
	tcp          TCPSink
	udp          UDPSink
	bus          *corebus.Bus
	notifier     hostapi.Notifier
	log          *corelog.Logger

	mu          sync.Mutex
	contexts    []*context // priority order, fixed at registration
	byID        map[string]*context
	activeID    string
	activeState string
}

// NewManager creates an empty Manager. Call Register for each transport
// before starting loops.
func NewManager(deviceTypeID string, tcp TCPSink, udp UDPSink, bus *corebus.Bus, notifier hostapi.Notifier, log *corelog.Logger) *Manager {
	if log == nil {
		log = corelog.Default
	}
	return &Manager{
		deviceTypeID: deviceTypeID,
		tcp:          tcp,
		udp:          udp,
		bus:          bus,
		notifier:     notifier,
		log:          log,
		byID:         make(map[string]*context),
	}
}

// SetSinks wires the local proxies a Manager created without (engine start
// order requires the proxies' sink to be the Manager itself, so the Manager
// is constructed first and the proxies second).
func (m *Manager) SetSinks(tcp TCPSink, udp UDPSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tcp = tcp
	m.udp = udp
}

// Register adds a transport to the registry, in priority order (stable sort
// by ascending type ordinal is the caller's responsibility — Register
// preserves call order, and RegisterAll below sorts first).
func (m *Manager) Register(t hostapi.Transport) *context {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &context{transport: t, loopState: StateInitialized}
	m.contexts = append(m.contexts, c)
	m.byID[t.ID] = c
	return c
}

// RegisterAll registers every transport, stably sorted by ascending type
// ordinal (lower ordinal = higher priority), and returns a Loop for each.
func (m *Manager) RegisterAll(transports []hostapi.Transport, host hostapi.Host, backoff []time.Duration) []*Loop {
	sorted := make([]hostapi.Transport, len(transports))
	copy(sorted, transports)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })

	loops := make([]*Loop, 0, len(sorted))
	for _, t := range sorted {
		c := m.Register(t)
		loop := New(t, host, m, backoff, m.log)
		c.loop = loop
		loops = append(loops, loop)
	}
	return loops
}

// OnOutputStreamReady implements Listener.
func (m *Manager) OnOutputStreamReady(transportID string, w io.Writer) {
	m.mu.Lock()
	c := m.byID[transportID]
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.output = w
	c.mu.Unlock()
}

// OnStateChange implements Listener.
func (m *Manager) OnStateChange(transportID string, state LoopState) {
	m.mu.Lock()
	c := m.byID[transportID]
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.loopState = state
	c.mu.Unlock()

	m.reselect()
}

// OnIncomingData implements Listener: decode exactly one frame and dispatch
// it.
func (m *Manager) OnIncomingData(transportID string, r *bufio.Reader) Verdict {
	frame, err := mux.Decode(r)
	if err != nil {
		m.log.Warnf("transport", "%s: frame decode error: %v", transportID, err)
		return Abort
	}

	m.mu.Lock()
	c := m.byID[transportID]
	m.mu.Unlock()
	if c == nil {
		return Abort
	}

	switch {
	case frame.HasFlag(mux.FlagTCP):
		m.dispatchTCP(frame)
		return Continue

	case frame.HasFlag(mux.FlagUDP):
		m.dispatchUDP(frame)
		return Continue

	case frame.HasFlag(mux.FlagAUTH) && frame.HasFlag(mux.FlagFIN):
		// Unidirectional greeting; no reply.
		return Continue

	case frame.HasFlag(mux.FlagAUTH):
		return m.dispatchAuth(c, frame)

	case frame.HasFlag(mux.FlagINFO):
		m.dispatchInfo(c, frame)
		return Continue

	case frame.HasFlag(mux.FlagPING):
		m.writeFrame(c, frame.ID, mux.FlagPONG, frame.Payload)
		return Continue

	case frame.HasFlag(mux.FlagPONG):
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
		return Continue

	default:
		m.log.Warnf("transport", "%s: frame with unrecognized flags 0x%x", transportID, frame.Flags)
		return Continue
	}
}

func (m *Manager) dispatchTCP(frame mux.Frame) {
	if m.tcp == nil {
		return
	}
	closeConn := frame.HasFlag(mux.FlagFIN) || frame.HasFlag(mux.FlagRST)
	m.tcp.SendResponse(frame.ID, frame.Payload, closeConn)
}

func (m *Manager) dispatchUDP(frame mux.Frame) {
	if m.udp == nil {
		return
	}
	if frame.HasFlag(mux.FlagRST) {
		return
	}
	m.udp.SendReply(frame.ID, frame.Payload)
}

func (m *Manager) dispatchAuth(c *context, frame mux.Frame) Verdict {
	headers := mux.ParseHeaders(frame.Payload)
	token := headers["token"]
	name := headers["name"]
	if token == "" || name == "" {
		// Spec's resolved open question: malformed AUTH headers are
		// fatal for the transport.
		m.log.Errorf("transport", "%s: AUTH with missing token or name", c.transport.ID)
		return Abort
	}

	c.mu.Lock()
	c.token = token
	c.name = name
	c.mu.Unlock()

	reply := mux.FormatHeaders([]mux.HeaderPair{
		{Key: "Version", Value: "1"},
		{Key: "RequiresMobileBridge", Value: "true"},
		{Key: "DTID", Value: m.deviceTypeID},
	})
	m.writeFrame(c, frame.ID, mux.FlagAUTH, []byte(reply))

	if m.notifier != nil {
		m.notifier.OnDeviceHandshaked(c.transport.ID, token, name)
	}
	if m.bus != nil {
		m.bus.Publish(corebus.Event{Type: corebus.EventDeviceHandshaked, Payload: corebus.DeviceHandshakedPayload{
			TransportID: c.transport.ID, Token: token, Name: name,
		}})
	}

	return Handshaked
}

func (m *Manager) dispatchInfo(c *context, frame mux.Frame) {
	if !c.isEligible() {
		return
	}
	headers := mux.ParseHeaders(frame.Payload)
	jsonMap := map[string]string{}
	if v, ok := headers["battery"]; ok {
		jsonMap["batteryLevel"] = v
	}
	if v, ok := headers["connectivity"]; ok {
		jsonMap["connectivityAvailable"] = v
	}
	for k, v := range headers {
		if k == "battery" || k == "connectivity" {
			continue
		}
		jsonMap[k] = v
	}
	jsonBytes, err := json.Marshal(jsonMap)
	if err != nil {
		m.log.Warnf("transport", "%s: failed to marshal INFO headers: %v", c.transport.ID, err)
		return
	}

	reply := mux.FormatHeaders([]mux.HeaderPair{{Key: "RequiresMobileBridge", Value: "true"}})
	m.writeFrame(c, frame.ID, mux.FlagINFO, []byte(reply))

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if m.notifier != nil {
		m.notifier.OnInfo(token, 0, string(jsonBytes))
	}
	if m.bus != nil {
		m.bus.Publish(corebus.Event{Type: corebus.EventInfoReceived, Payload: corebus.InfoReceivedPayload{
			Token: token, InfoID: 0, JSON: string(jsonBytes),
		}})
	}
}

func (m *Manager) writeFrame(c *context, id, flags uint32, payload []byte) {
	c.mu.Lock()
	w := c.output
	c.mu.Unlock()
	if w == nil {
		return
	}
	if err := mux.Encode(w, id, flags, payload); err != nil {
		m.log.Warnf("transport", "%s: write frame failed: %v", c.transport.ID, err)
	}
}

// active returns the currently active context, or nil if none is eligible
// and none is registered.
func (m *Manager) active() *context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeID == "" {
		return nil
	}
	return m.byID[m.activeID]
}

// reselect recomputes the active transport and notifies on change. Must not
// be called with m.mu held.
func (m *Manager) reselect() {
	m.mu.Lock()
	var newID, newState string
	var chosen *context
	for _, c := range m.contexts {
		if c.isEligible() {
			chosen = c
			break
		}
	}
	if chosen == nil && len(m.contexts) > 0 {
		chosen = m.contexts[0]
	}
	if chosen != nil {
		newID = chosen.transport.ID
		newState = chosen.stateString()
	}

	changed := newID != m.activeID || newState != m.activeState
	m.activeID = newID
	m.activeState = newState
	m.mu.Unlock()

	if changed {
		if m.notifier != nil {
			m.notifier.OnActiveTransportChange(newID, newState)
		}
		if m.bus != nil {
			m.bus.Publish(corebus.Event{Type: corebus.EventTransportStateChanged, Payload: corebus.TransportStatePayload{
				TransportID: newID, State: newState,
			}})
		}
	}
}

// SendTCPData implements the transmit path for a TCP proxy piece.
// bytesSoFar==0 sets SYN; len(data)==0 sets FIN.
func (m *Manager) SendTCPData(connID uint32, data []byte, bytesSoFar uint64) {
	c := m.active()
	if c == nil || !c.snapshotAuthorized() {
		return
	}
	flags := mux.FlagTCP
	if bytesSoFar == 0 {
		flags |= mux.FlagSYN
	}
	if len(data) == 0 {
		flags |= mux.FlagFIN
	}
	m.writeFrame(c, connID, flags, data)
}

// SendUDPData implements the transmit path for a UDP datagram.
func (m *Manager) SendUDPData(datagramID uint32, data []byte) {
	c := m.active()
	if c == nil || !c.snapshotAuthorized() {
		return
	}
	m.writeFrame(c, datagramID, mux.FlagUDP, data)
}

// AuthorizeDevice flips the matching context's auth state by token and
// triggers reselection.
func (m *Manager) AuthorizeDevice(token string, authorize bool) {
	m.mu.Lock()
	var c *context
	for _, ctx := range m.contexts {
		ctx.mu.Lock()
		if ctx.token == token {
			c = ctx
		}
		ctx.mu.Unlock()
		if c != nil {
			break
		}
	}
	m.mu.Unlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	if authorize {
		c.auth = authorized
	} else {
		c.auth = unauthorized
	}
	c.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(corebus.Event{Type: corebus.EventDeviceAuthorized, Payload: corebus.DeviceAuthorizedPayload{
			Token: token, Authorized: authorize,
		}})
	}
	m.reselect()
}

// SendInfo sends an INFO frame to the transport currently bound to token, if
// any.
func (m *Manager) SendInfo(token string, infoID uint32, infoText string) error {
	m.mu.Lock()
	var c *context
	for _, ctx := range m.contexts {
		ctx.mu.Lock()
		if ctx.token == token && ctx.output != nil {
			c = ctx
		}
		ctx.mu.Unlock()
		if c != nil {
			break
		}
	}
	m.mu.Unlock()
	if c == nil {
		return fmt.Errorf("transport: no connected context bound to token %q", token)
	}
	m.writeFrame(c, infoID, mux.FlagINFO, []byte(infoText))
	return nil
}

// ActiveTransportID returns the currently active transport id, or "" if none
// is registered.
func (m *Manager) ActiveTransportID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}
