// Package diag implements the engine's optional read-only packet capture
// diagnostic: once a minute it decodes a sample of TUN traffic and logs a
// one-line summary, never altering packet flow. Enabled only behind the
// pcap-dump configuration flag.
//
// Grounded on the reference engine's internal/core/packet_router.go, which
// uses gopacket/gopacket-layers for live NAT rewriting on Windows; this
// package repurposes the same decode idiom for passive, periodic summary
// logging instead.
package diag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"mobilebridge/internal/corelog"
)

// Sample is one captured IPv4 packet, timestamped at capture.
type Sample struct {
	CapturedAt time.Time
	Data       []byte
}

// Capture buffers TUN packets fed to it by the session reactor and, once a
// minute, decodes and logs a summary of the most recent sample. Offer does
// no decoding: it copies the packet and replaces the held sample under a
// short lock.
type Capture struct {
	log      *corelog.Logger
	interval time.Duration

	mu     sync.Mutex
	latest *Sample
	offers atomic.Uint64
}

// New creates a Capture that summarizes at most once per interval; interval
// <= 0 selects the spec default of one minute.
func New(interval time.Duration, log *corelog.Logger) *Capture {
	if log == nil {
		log = corelog.Default
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Capture{log: log, interval: interval}
}

// Offer hands a freshly-read TUN packet to the capture. Only the most
// recently offered packet survives until the next summary tick; diagnostic
// capture is a sample, not a full trace.
func (c *Capture) Offer(data []byte) {
	c.offers.Add(1)
	cp := append([]byte(nil), data...)
	c.mu.Lock()
	c.latest = &Sample{CapturedAt: time.Now(), Data: cp}
	c.mu.Unlock()
}

// Run logs one summary line per interval until ctx is done.
func (c *Capture) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logSummary()
		}
	}
}

func (c *Capture) logSummary() {
	c.mu.Lock()
	sample := c.latest
	c.latest = nil
	offered := c.offers.Swap(0)
	c.mu.Unlock()

	if sample == nil {
		c.log.Debugf("diag", "no TUN traffic observed in the last interval (%d packets offered)", offered)
		return
	}

	summary := summarize(sample.Data)
	c.log.Infof("diag", "sample @ %s (%d packets offered since last tick): %s",
		sample.CapturedAt.Format(time.RFC3339), offered, summary)
}

// summarize decodes an IPv4 packet far enough to describe its flow without
// ever mutating or retransmitting it.
func summarize(data []byte) string {
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return "non-IPv4 or undecodable packet"
	}
	ip, _ := ipLayer.(*layers.IPv4)

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		return formatFlow("tcp", ip.SrcIP.String(), int(tcp.SrcPort), ip.DstIP.String(), int(tcp.DstPort), len(tcp.Payload))
	}
	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		return formatFlow("udp", ip.SrcIP.String(), int(udp.SrcPort), ip.DstIP.String(), int(udp.DstPort), len(udp.Payload))
	}
	return formatFlow(ip.Protocol.String(), ip.SrcIP.String(), 0, ip.DstIP.String(), 0, len(ip.Payload))
}

func formatFlow(proto, srcIP string, srcPort int, dstIP string, dstPort int, payloadLen int) string {
	if srcPort == 0 && dstPort == 0 {
		return proto + " " + srcIP + " -> " + dstIP
	}
	return proto + " " + srcIP + ":" + itoa(srcPort) + " -> " + dstIP + ":" + itoa(dstPort) +
		" (" + itoa(payloadLen) + "B payload)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
