package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mobilebridge/internal/corelog"
)

// udpBufPool reuses 64KiB buffers for the read loop.
var udpBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64*1024)
		return &b
	},
}

// UDPDataSink receives datagrams pulled off the local UDP proxy socket, for
// framing onto the active transport.
type UDPDataSink interface {
	SendUDPData(datagramID uint32, data []byte)
}

// udpEntry is a one-shot return address: datagramID -> source, removed as
// soon as a reply is sent or the entry goes stale.
type udpEntry struct {
	addr       *net.UDPAddr
	lastActive int64 // atomic UnixNano
}

// UDPProxy is the localhost UDP relay the Session Manager's UDP sessions
// send encapsulated datagrams to. Each inbound datagram gets a fresh id and
// a recorded return address; SendReply looks the address up by id and
// removes the entry, so stale (never-replied) entries need periodic
// sweeping.
type UDPProxy struct {
	addr string
	conn *net.UDPConn
	sink UDPDataSink
	log  *corelog.Logger
	ttl  time.Duration

	mu      sync.Mutex
	nextID  uint32
	entries map[uint32]*udpEntry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewUDPProxy creates a UDP proxy bound to addr once Start is called. ttl
// bounds how long an unreplied entry is kept before being purged; zero
// selects a 30s default.
func NewUDPProxy(addr string, sink UDPDataSink, ttl time.Duration, log *corelog.Logger) *UDPProxy {
	if log == nil {
		log = corelog.Default
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UDPProxy{
		addr:    addr,
		sink:    sink,
		ttl:     ttl,
		log:     log,
		entries: make(map[uint32]*udpEntry),
	}
}

// Start binds the socket and begins the read and cleanup loops.
func (p *UDPProxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	udpAddr, err := net.ResolveUDPAddr("udp4", p.addr)
	if err != nil {
		return fmt.Errorf("proxy: resolve udp addr %s: %w", p.addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("proxy: udp listen %s: %w", p.addr, err)
	}
	p.conn = conn
	p.log.Infof("proxy", "udp proxy listening on %s", p.addr)

	p.wg.Add(2)
	go p.readLoop(ctx)
	go p.cleanupLoop(ctx)
	return nil
}

// Addr returns the bound socket address, valid after Start returns.
func (p *UDPProxy) Addr() net.Addr {
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// Stop closes the socket and waits for both loops to exit.
func (p *UDPProxy) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.entries = make(map[uint32]*udpEntry)
	p.mu.Unlock()

	p.log.Infof("proxy", "udp proxy stopped (%s)", p.addr)
}

func (p *UDPProxy) readLoop(ctx context.Context) {
	defer p.wg.Done()

	bp := udpBufPool.Get().(*[]byte)
	defer udpBufPool.Put(bp)
	buf := *bp

	for {
		n, src, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				p.log.Warnf("proxy", "udp read error: %v", err)
				continue
			}
		}

		id := atomic.AddUint32(&p.nextID, 1)
		p.mu.Lock()
		p.entries[id] = &udpEntry{addr: src, lastActive: time.Now().UnixNano()}
		p.mu.Unlock()

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		p.sink.SendUDPData(id, datagram)
	}
}

// SendReply implements transport.UDPSink: it looks datagramID up in the
// return-address table, sends payload there, and removes the entry.
func (p *UDPProxy) SendReply(datagramID uint32, payload []byte) {
	p.mu.Lock()
	e, ok := p.entries[datagramID]
	if ok {
		delete(p.entries, datagramID)
	}
	p.mu.Unlock()

	if !ok {
		p.log.Debugf("proxy", "udp reply for unknown/expired datagram %d", datagramID)
		return
	}
	if _, err := p.conn.WriteToUDP(payload, e.addr); err != nil {
		p.log.Warnf("proxy", "udp write to %s failed: %v", e.addr, err)
	}
}

func (p *UDPProxy) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			var stale []uint32

			p.mu.Lock()
			for id, e := range p.entries {
				if now.Sub(time.Unix(0, atomic.LoadInt64(&e.lastActive))) > p.ttl {
					stale = append(stale, id)
				}
			}
			for _, id := range stale {
				delete(p.entries, id)
			}
			p.mu.Unlock()

			if len(stale) > 0 {
				p.log.Debugf("proxy", "purged %d stale udp return-address entries", len(stale))
			}
		}
	}
}
