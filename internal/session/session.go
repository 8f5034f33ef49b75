// Package session implements the TUN-facing data plane: it parses IPv4
// packets read from the tunnel device, maintains per-flow TCP and UDP
// session state, terminates TCP flows against a local CONNECT-style proxy,
// and relays UDP datagrams through a local UDP proxy, all serialized onto a
// single goroutine so session state never needs its own locking.
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gopacket/layers"

	"mobilebridge/internal/config"
	"mobilebridge/internal/corelog"
	"mobilebridge/internal/hostapi"
)

// Stats are the running counters the engine exposes for diagnostics.
type Stats struct {
	IPPacketsReceived atomic.Uint64
	UpstreamBytes     atomic.Uint64
	DownstreamBytes   atomic.Uint64
	TCPSessionsOpened atomic.Uint64
	UDPSessionsOpened atomic.Uint64
	IPv6Dropped       atomic.Uint64
	OtherProtoDropped atomic.Uint64
}

// PacketObserver receives a copy of every raw IP packet read off the TUN
// device. Offer must not block or retain the slice beyond the call; the
// reactor goroutine calls it inline.
type PacketObserver interface {
	Offer(data []byte)
}

// Manager owns the TUN device and every active TCP/UDP session. All session
// bookkeeping happens on the goroutine running Run; everything else reaches
// it by posting a closure onto actions.
type Manager struct {
	tun  io.ReadWriteCloser
	cfg  *config.Config
	host hostapi.Host
	log  *corelog.Logger

	actions chan func()
	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup

	parser *v4Parser

	tcpSessions map[tcpKey]*tcpSession
	udpSessions map[udpKey]*udpSession

	observer PacketObserver

	Stats Stats
}

// SetObserver attaches a passive packet observer (diagnostics capture); pass
// nil to detach. Must be called before Run, or while no tunReadLoop packet
// is in flight.
func (m *Manager) SetObserver(o PacketObserver) {
	m.observer = o
}

// New creates a Manager bound to tun. Run must be called to start the
// reactor.
func New(tun io.ReadWriteCloser, cfg *config.Config, host hostapi.Host, log *corelog.Logger) *Manager {
	if log == nil {
		log = corelog.Default
	}
	return &Manager{
		tun:         tun,
		cfg:         cfg,
		host:        host,
		log:         log,
		actions:     make(chan func(), 256),
		quit:        make(chan struct{}),
		parser:      newV4Parser(),
		tcpSessions: make(map[tcpKey]*tcpSession),
		udpSessions: make(map[udpKey]*udpSession),
	}
}

// Run drives the reactor until ctx is cancelled or Stop is called. It
// blocks the calling goroutine.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go m.tunReadLoop()

	for {
		select {
		case <-ctx.Done():
			m.teardown()
			return
		case <-m.quit:
			m.teardown()
			return
		case fn := <-m.actions:
			fn()
		}
	}
}

// Stop requests the reactor shut down. Safe to call more than once and
// from any goroutine.
func (m *Manager) Stop() {
	m.quitOnce.Do(func() { close(m.quit) })
}

// postAction enqueues fn to run on the reactor goroutine. Safe from any
// goroutine; silently dropped if the reactor has already stopped.
func (m *Manager) postAction(fn func()) {
	select {
	case m.actions <- fn:
	case <-m.quit:
	}
}

func (m *Manager) teardown() {
	m.tun.Close()
	for key, s := range m.tcpSessions {
		m.closeTCPConn(s)
		delete(m.tcpSessions, key)
	}
	for key, s := range m.udpSessions {
		if s.conn != nil {
			s.conn.Close()
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		delete(m.udpSessions, key)
	}
	m.wg.Wait()
}

func (m *Manager) tunReadLoop() {
	defer m.wg.Done()
	buf := make([]byte, 65*1024)
	for {
		n, err := m.tun.Read(buf)
		if err != nil {
			select {
			case <-m.quit:
				return
			default:
				m.log.Warnf("session", "tun read error: %v", err)
				return
			}
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case m.actions <- func() { m.handleTunPacket(pkt) }:
		case <-m.quit:
			return
		}
	}
}

// handleTunPacket dispatches a single raw IP packet read from the TUN
// device by IP version then transport protocol.
func (m *Manager) handleTunPacket(raw []byte) {
	m.Stats.IPPacketsReceived.Add(1)
	if m.observer != nil {
		m.observer.Offer(raw)
	}

	if len(raw) < 1 || raw[0]>>4 != 4 {
		m.Stats.IPv6Dropped.Add(1)
		return
	}

	pkt, err := m.parser.parse(raw)
	if err != nil {
		m.log.Debugf("session", "tun packet parse error: %v", err)
		return
	}

	switch {
	case pkt.hasTCP:
		m.handleTCPPacket(pkt)
	case pkt.hasUDP:
		m.handleUDPPacket(pkt)
	case pkt.hasICMP:
		m.log.Debugf("session", "dropping icmp packet %s -> %s", pkt.ip4.SrcIP, pkt.ip4.DstIP)
	default:
		m.Stats.OtherProtoDropped.Add(1)
	}
}

func (m *Manager) writeTUN(pkt []byte) {
	if _, err := m.tun.Write(pkt); err != nil {
		m.log.Warnf("session", "tun write error: %v", err)
	}
}

// protectedDialer returns a net.Dialer whose Control hook asks the host to
// exempt the dialed socket from TUN capture before connect() runs.
func (m *Manager) protectedDialer() net.Dialer {
	return net.Dialer{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctlErr error
			if err := c.Control(func(fd uintptr) {
				if !m.host.ProtectSocket(int(fd)) {
					m.log.Warnf("session", "protect_socket failed for fd %d", fd)
				}
			}); err != nil {
				ctlErr = err
			}
			return ctlErr
		},
	}
}

// indexCRLFCRLF returns the index just past the first blank line (the
// header/body boundary of an HTTP/1.0-style response), or -1 if not yet
// seen.
func indexCRLFCRLF(buf []byte) int {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return -1
	}
	return idx + 4
}

func ipToArr(ip net.IP) [4]byte {
	var a [4]byte
	copy(a[:], ip.To4())
	return a
}

func arrToIP(a [4]byte) net.IP {
	return net.IPv4(a[0], a[1], a[2], a[3])
}

// ---- TCP ----

func (m *Manager) tcpProxyAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", m.cfg.TCPProxyPort)
}

func (m *Manager) handleTCPPacket(pkt *v4Packet) {
	tcp := &pkt.tcp
	key := tcpKey{
		srcIP: ipToArr(pkt.ip4.SrcIP), dstIP: ipToArr(pkt.ip4.DstIP),
		srcPort: uint16(tcp.SrcPort), dstPort: uint16(tcp.DstPort),
	}

	sess, ok := m.tcpSessions[key]
	if !ok {
		if tcp.SYN && !tcp.ACK {
			m.createTCPSession(key, tcp)
		} else if !tcp.RST {
			m.sendBareRST(key, tcp)
		}
		return
	}

	if tcp.RST {
		m.log.Debugf("session", "tcp %v: client RST", key)
		m.destroyTCPSession(sess, true)
		return
	}

	switch sess.state {
	case tcpSynRcvd:
		if tcp.ACK {
			sess.state = tcpEstablished
		}
	}

	sess.clientWindowRaw = uint32(tcp.Window) << sess.winScale
	if sess.ackedSeq != tcp.Ack {
		sess.ackedSeq = tcp.Ack
		m.trySendPending(sess)
	}

	if len(tcp.Payload) > 0 && sess.state != tcpClosed {
		sess.queue.insert(tcp.Seq, append([]byte(nil), tcp.Payload...))
		m.drainQueue(sess)
		m.sendAck(sess)
	}

	if tcp.FIN {
		m.handleClientFIN(sess)
	}
}

func (m *Manager) createTCPSession(key tcpKey, tcp *layers.TCP) {
	mss, winScale := tcpOptions(tcp)
	sess := &tcpSession{
		key:             key,
		state:           tcpSynRcvd,
		connect:         connectNotSent,
		clientSeqStart:  tcp.Seq,
		clientSeq:       tcp.Seq + 1,
		serverSeqStart:  initialServerSeq(),
		mss:             mss,
		winScale:        winScale,
		clientWindowRaw: uint32(tcp.Window) << winScale,
		serverWindow:    defaultServerWindow,
	}
	sess.serverSeq = sess.serverSeqStart
	sess.ackedSeq = sess.serverSeqStart
	m.tcpSessions[key] = sess
	m.Stats.TCPSessionsOpened.Add(1)

	pkt, err := buildTCPSegment(arrToIP(key.dstIP), arrToIP(key.srcIP), key.dstPort, key.srcPort,
		sess.serverSeqStart, sess.clientSeq, true, true, false, false, sess.calcClientWindow(), nil)
	if err != nil {
		m.log.Warnf("session", "tcp %v: build syn-ack: %v", key, err)
		delete(m.tcpSessions, key)
		return
	}
	sess.serverSeq++
	m.writeTUN(pkt)

	m.dialTCPProxy(sess)
}

func (m *Manager) dialTCPProxy(sess *tcpSession) {
	key := sess.key
	dialer := m.protectedDialer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HostCallTimeout)
		defer cancel()
		conn, err := dialer.DialContext(ctx, "tcp", m.tcpProxyAddr())
		m.postAction(func() { m.onTCPProxyDialed(key, conn, err) })
	}()
}

func (m *Manager) onTCPProxyDialed(key tcpKey, conn net.Conn, err error) {
	sess, ok := m.tcpSessions[key]
	if !ok {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warnf("session", "tcp %v: proxy dial failed: %v", key, err)
		m.sendRST(sess)
		m.destroyTCPSession(sess, false)
		return
	}

	sess.conn = conn
	dstIP := arrToIP(key.dstIP)
	req := fmt.Sprintf("CONNECT %s:%d HTTP/1.0\r\n\r\n", dstIP.String(), key.dstPort)
	if _, werr := conn.Write([]byte(req)); werr != nil {
		m.log.Warnf("session", "tcp %v: connect request write failed: %v", key, werr)
		m.destroyTCPSession(sess, true)
		return
	}
	sess.connect = connectSent
	sess.readGate = make(chan struct{}, 1)
	sess.readGate <- struct{}{}

	m.wg.Add(1)
	go m.tcpProxyReadLoop(sess.key, conn, sess.readGate)
}

func (m *Manager) tcpProxyReadLoop(key tcpKey, conn net.Conn, gate chan struct{}) {
	defer m.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-gate:
		case <-m.quit:
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			m.postAction(func() { m.onTCPProxyData(key, chunk) })
		} else if gate != nil {
			gate <- struct{}{}
		}
		if err != nil {
			m.postAction(func() { m.onTCPProxyEOF(key, err) })
			return
		}
	}
}

func (m *Manager) onTCPProxyData(key tcpKey, chunk []byte) {
	sess, ok := m.tcpSessions[key]
	if !ok {
		return
	}

	if sess.connect == connectSent {
		sess.connectScan = append(sess.connectScan, chunk...)
		idx := indexCRLFCRLF(sess.connectScan)
		if idx < 0 {
			if len(sess.connectScan) > 4096 {
				m.log.Warnf("session", "tcp %v: proxy handshake too long, resetting", key)
				m.sendRST(sess)
				m.destroyTCPSession(sess, true)
			}
			return
		}
		status := string(sess.connectScan[:idx])
		rest := sess.connectScan[idx:]
		sess.connectScan = nil
		if !(strings.HasPrefix(status, "HTTP/1.0 200") || strings.HasPrefix(status, "HTTP/1.1 200")) {
			m.log.Warnf("session", "tcp %v: proxy handshake rejected: %q", key, status)
			m.sendRST(sess)
			m.destroyTCPSession(sess, true)
			return
		}
		sess.connect = connectEstablished
		if len(rest) > 0 {
			sess.pendingOut = append(sess.pendingOut, rest...)
		}
		m.trySendPending(sess)
		// Any client data that arrived while the handshake was still in
		// flight sat in the out-of-order queue waiting for this moment.
		m.drainQueue(sess)
		m.sendAck(sess)
		return
	}

	sess.pendingOut = append(sess.pendingOut, chunk...)
	m.trySendPending(sess)
}

func (m *Manager) onTCPProxyEOF(key tcpKey, err error) {
	sess, ok := m.tcpSessions[key]
	if !ok {
		return
	}
	m.log.Debugf("session", "tcp %v: proxy connection closed: %v", key, err)
	sess.connect = connectClosed

	pkt, buildErr := buildTCPSegment(arrToIP(key.dstIP), arrToIP(key.srcIP), key.dstPort, key.srcPort,
		sess.serverSeq, sess.clientSeq, false, true, true, false, sess.calcClientWindow(), nil)
	if buildErr == nil {
		sess.serverSeq++
		m.writeTUN(pkt)
	}
	switch sess.state {
	case tcpEstablished:
		sess.state = tcpFinWait1
	case tcpCloseWait:
		sess.state = tcpLastAck
	}
	m.armCleanupTimer(sess)
}

// trySendPending carves pendingOut into at-most-MSS segments bounded by the
// client's advertised window minus bytes already in flight, and re-opens the
// proxy read gate once backlog drains enough to accept more.
func (m *Manager) trySendPending(sess *tcpSession) {
	for len(sess.pendingOut) > 0 {
		inFlight := sess.serverSeq - sess.ackedSeq
		avail := int64(sess.clientWindowRaw) - int64(inFlight)
		if avail <= 0 {
			return
		}
		n := len(sess.pendingOut)
		if n > int(sess.mss) {
			n = int(sess.mss)
		}
		if int64(n) > avail {
			n = int(avail)
		}
		if n <= 0 {
			return
		}

		piece := sess.pendingOut[:n]
		pkt, err := buildTCPSegment(arrToIP(sess.key.dstIP), arrToIP(sess.key.srcIP), sess.key.dstPort, sess.key.srcPort,
			sess.serverSeq, sess.clientSeq, false, true, false, false, sess.calcClientWindow(), piece)
		if err != nil {
			m.log.Warnf("session", "tcp %v: build data segment: %v", sess.key, err)
			return
		}
		sess.serverSeq += uint32(n)
		sess.pendingOut = sess.pendingOut[n:]
		m.writeTUN(pkt)
		m.Stats.DownstreamBytes.Add(uint64(n))
	}

	if len(sess.pendingOut) == 0 && sess.readGate != nil {
		select {
		case sess.readGate <- struct{}{}:
		default:
		}
	}
}

// drainQueue forwards the contiguous run of queued segments starting at
// client_seq to the proxy socket, in sequence order, once the CONNECT
// handshake has completed.
func (m *Manager) drainQueue(sess *tcpSession) {
	if sess.connect != connectEstablished || sess.conn == nil {
		return
	}
	for {
		head, ok := sess.queue.head()
		if !ok {
			return
		}
		if compareU32(head.seq, sess.clientSeq) != 0 {
			return
		}
		if _, err := sess.conn.Write(head.data); err != nil {
			m.log.Warnf("session", "tcp %v: proxy write failed: %v", sess.key, err)
			m.destroyTCPSession(sess, true)
			return
		}
		sess.clientSeq += uint32(len(head.data))
		sess.queue.dropHead()
		m.Stats.UpstreamBytes.Add(uint64(len(head.data)))
	}
}

func (m *Manager) handleClientFIN(sess *tcpSession) {
	if sess.state != tcpEstablished && sess.state != tcpFinWait1 {
		return
	}
	if !sess.queue.empty() {
		// Data is still queued ahead of the FIN's implied final byte; the ack
		// is deferred until drainQueue has forwarded everything.
		m.sendAck(sess)
		return
	}

	sess.clientSeq++
	switch sess.state {
	case tcpEstablished:
		sess.state = tcpCloseWait
	case tcpFinWait1:
		sess.state = tcpClosing
	}
	m.sendAck(sess)
	m.armCleanupTimer(sess)
}

func (m *Manager) sendAck(sess *tcpSession) {
	pkt, err := buildTCPSegment(arrToIP(sess.key.dstIP), arrToIP(sess.key.srcIP), sess.key.dstPort, sess.key.srcPort,
		sess.serverSeq, sess.clientSeq, false, true, false, false, sess.calcClientWindow(), nil)
	if err != nil {
		m.log.Warnf("session", "tcp %v: build ack: %v", sess.key, err)
		return
	}
	m.writeTUN(pkt)
}

func (m *Manager) sendRST(sess *tcpSession) {
	pkt, err := buildTCPSegment(arrToIP(sess.key.dstIP), arrToIP(sess.key.srcIP), sess.key.dstPort, sess.key.srcPort,
		sess.serverSeq, sess.clientSeq, false, false, false, true, 0, nil)
	if err != nil {
		return
	}
	m.writeTUN(pkt)
}

func (m *Manager) sendBareRST(key tcpKey, tcp *layers.TCP) {
	ack := tcp.Seq + uint32(len(tcp.Payload))
	if tcp.SYN {
		ack++
	}
	pkt, err := buildTCPSegment(arrToIP(key.dstIP), arrToIP(key.srcIP), key.dstPort, key.srcPort,
		tcp.Ack, ack, false, true, false, true, 0, nil)
	if err != nil {
		return
	}
	m.writeTUN(pkt)
}

func (m *Manager) armCleanupTimer(sess *tcpSession) {
	if sess.closeTimer != nil {
		sess.closeTimer.Stop()
	}
	linger := m.cfg.TCPCleanupTimeout
	if linger <= 0 {
		linger = tcpCleanupLinger
	}
	key := sess.key
	sess.closeTimer = time.AfterFunc(linger, func() {
		m.postAction(func() {
			if s, ok := m.tcpSessions[key]; ok {
				m.destroyTCPSession(s, true)
			}
		})
	})
}

func (m *Manager) destroyTCPSession(sess *tcpSession, closeConn bool) {
	if closeConn {
		m.closeTCPConn(sess)
	}
	if sess.closeTimer != nil {
		sess.closeTimer.Stop()
	}
	delete(m.tcpSessions, sess.key)
}

func (m *Manager) closeTCPConn(sess *tcpSession) {
	if sess.conn != nil {
		sess.conn.Close()
	}
}

// ---- UDP ----

func (m *Manager) udpProxyAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", m.cfg.UDPProxyPort)
}

func (m *Manager) handleUDPPacket(pkt *v4Packet) {
	udp := &pkt.udp
	key := udpKey{
		srcIP: ipToArr(pkt.ip4.SrcIP), dstIP: ipToArr(pkt.ip4.DstIP),
		srcPort: uint16(udp.SrcPort), dstPort: uint16(udp.DstPort),
	}

	sess, ok := m.udpSessions[key]
	if !ok {
		m.createUDPSession(key, append([]byte(nil), udp.Payload...))
		return
	}
	m.sendUDPEnvelope(sess, udp.Payload)
}

func (m *Manager) createUDPSession(key udpKey, firstPayload []byte) {
	sess := &udpSession{key: key, lastActivity: time.Now()}
	m.udpSessions[key] = sess
	m.Stats.UDPSessionsOpened.Add(1)

	dialer := m.protectedDialer()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HostCallTimeout)
		defer cancel()
		conn, err := dialer.DialContext(ctx, "udp", m.udpProxyAddr())
		m.postAction(func() { m.onUDPProxyDialed(key, conn, err, firstPayload) })
	}()
}

func (m *Manager) onUDPProxyDialed(key udpKey, conn net.Conn, err error, firstPayload []byte) {
	sess, ok := m.udpSessions[key]
	if !ok {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Warnf("session", "udp %v: proxy dial failed: %v", key, err)
		delete(m.udpSessions, key)
		return
	}
	sess.conn = conn
	m.resetUDPIdle(sess)

	m.wg.Add(1)
	go m.udpProxyReadLoop(key, conn)

	m.sendUDPEnvelope(sess, firstPayload)
}

func (m *Manager) sendUDPEnvelope(sess *udpSession, payload []byte) {
	if sess.conn == nil {
		return
	}
	env := encodeUDPEnvelope(sess.key.dstIP, sess.key.srcIP, sess.key.dstPort, sess.key.srcPort, payload)
	if _, err := sess.conn.Write(env); err != nil {
		m.log.Warnf("session", "udp %v: proxy write failed: %v", sess.key, err)
		return
	}
	m.Stats.UpstreamBytes.Add(uint64(len(payload)))
	sess.lastActivity = time.Now()
	m.resetUDPIdle(sess)
}

func (m *Manager) udpProxyReadLoop(key udpKey, conn net.Conn) {
	defer m.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			m.postAction(func() { m.onUDPProxyData(key, chunk) })
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) onUDPProxyData(key udpKey, payload []byte) {
	sess, ok := m.udpSessions[key]
	if !ok {
		return
	}
	pkt, err := buildUDPPacket(arrToIP(key.dstIP), arrToIP(key.srcIP), key.dstPort, key.srcPort, payload)
	if err != nil {
		m.log.Warnf("session", "udp %v: build reply: %v", key, err)
		return
	}
	m.writeTUN(pkt)
	m.Stats.DownstreamBytes.Add(uint64(len(payload)))
	sess.lastActivity = time.Now()
	m.resetUDPIdle(sess)
}

func (m *Manager) resetUDPIdle(sess *udpSession) {
	timeout := m.cfg.UDPSessionTimeout
	if timeout <= 0 {
		timeout = udpSessionTimeoutDefault
	}
	if sess.idleTimer != nil {
		sess.idleTimer.Stop()
	}
	key := sess.key
	sess.idleTimer = time.AfterFunc(timeout, func() {
		m.postAction(func() { m.expireUDPSession(key) })
	})
}

func (m *Manager) expireUDPSession(key udpKey) {
	sess, ok := m.udpSessions[key]
	if !ok {
		return
	}
	if sess.conn != nil {
		sess.conn.Close()
	}
	delete(m.udpSessions, key)
}
