package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"mobilebridge/internal/corelog"
)

// TCPDataSink receives bytes pulled off a proxied local TCP connection, for
// framing onto the active transport. bytesSoFar==0 marks the first piece of
// a connection; a call with nil data signals EOS, sent both when the local
// side closes and when a read fails.
type TCPDataSink interface {
	SendTCPData(connID uint32, data []byte, bytesSoFar uint64)
}

// TCPProxy is the localhost CONNECT-style proxy the Session Manager's TCP
// sessions dial into once a new flow reaches its proxy-connect step. It
// injects a canned "200 Connection Established" reply the instant a
// connection is accepted, without inspecting anything the caller sends —
// the literal CONNECT preamble that follows is itself forwarded as ordinary
// data at the start of the connection's stream (from bytesSoFar==0), to be
// interpreted by the transport peer.
type TCPProxy struct {
	addr     string
	listener net.Listener
	sink     TCPDataSink
	log      *corelog.Logger

	mu      sync.Mutex
	conns   map[uint32]net.Conn
	nextID  uint32

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewTCPProxy creates a proxy bound to addr (e.g. "127.0.0.1:9876") once
// Start is called.
func NewTCPProxy(addr string, sink TCPDataSink, log *corelog.Logger) *TCPProxy {
	if log == nil {
		log = corelog.Default
	}
	return &TCPProxy{
		addr:  addr,
		sink:  sink,
		log:   log,
		conns: make(map[uint32]net.Conn),
	}
}

// Start binds the listening socket and begins accepting connections.
func (p *TCPProxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("proxy: tcp listen %s: %w", p.addr, err)
	}
	p.listener = ln
	p.log.Infof("proxy", "tcp proxy listening on %s", p.addr)

	p.wg.Add(1)
	go p.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listening address, valid after Start returns. Used
// by callers that bind to port 0 and need to learn the actual port (tests,
// or logging the live listen address at startup).
func (p *TCPProxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop closes the listener, force-closes every tracked connection, and
// waits for the accept loop and pullers to drain.
func (p *TCPProxy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.mu.Lock()
	for id, conn := range p.conns {
		conn.Close()
		delete(p.conns, id)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Infof("proxy", "tcp proxy stopped (%s)", p.addr)
}

func (p *TCPProxy) acceptLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.Warnf("proxy", "tcp accept error: %v", err)
				continue
			}
		}

		connID := atomic.AddUint32(&p.nextID, 1)
		p.mu.Lock()
		p.conns[connID] = conn
		p.mu.Unlock()

		// Inject the canned handshake reply immediately: the dialer (the
		// Session Manager's proxy-connect step) is waiting for exactly
		// this before it sends its own CONNECT request line.
		if _, err := conn.Write([]byte("HTTP/1.0 200 Connection Established\r\n\r\n")); err != nil {
			p.log.Warnf("proxy", "conn %d: failed to write handshake reply: %v", connID, err)
		}

		p.wg.Add(1)
		go p.pull(connID, conn)
	}
}

func (p *TCPProxy) pull(connID uint32, conn net.Conn) {
	defer p.wg.Done()
	defer p.removeConn(connID)

	buf := make([]byte, 16*1024)
	var bytesSoFar uint64
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			piece := make([]byte, n)
			copy(piece, buf[:n])
			p.sink.SendTCPData(connID, piece, bytesSoFar)
			bytesSoFar += uint64(n)
		}
		if err != nil {
			if err.Error() != "EOF" {
				p.log.Debugf("proxy", "conn %d: read error: %v", connID, err)
			}
			p.sink.SendTCPData(connID, nil, bytesSoFar)
			return
		}
	}
}

func (p *TCPProxy) removeConn(connID uint32) {
	p.mu.Lock()
	delete(p.conns, connID)
	p.mu.Unlock()
}

// SendResponse implements transport.TCPSink: it writes payload to the
// connection identified by connID and, if closeConn is set, closes it after
// the write completes (a nil payload with closeConn requests a bare close).
func (p *TCPProxy) SendResponse(connID uint32, payload []byte, closeConn bool) {
	p.mu.Lock()
	conn := p.conns[connID]
	p.mu.Unlock()
	if conn == nil {
		return
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			p.log.Warnf("proxy", "conn %d: write failed: %v", connID, err)
			closeConn = true
		}
	}
	if closeConn {
		conn.Close()
		p.removeConn(connID)
	}
}
