package session

import (
	"net"
	"testing"
)

func TestBuildTCPSegmentRoundTrips(t *testing.T) {
	src := net.IPv4(10, 0, 0, 2)
	dst := net.IPv4(93, 184, 216, 34)

	raw, err := buildTCPSegment(src, dst, 443, 51000, 1000, 2000, true, true, false, false, 4096, []byte("payload"))
	if err != nil {
		t.Fatalf("buildTCPSegment: %v", err)
	}

	p := newV4Parser()
	pkt, err := p.parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !pkt.hasTCP {
		t.Fatal("expected a decoded TCP layer")
	}
	if pkt.tcp.Seq != 1000 || pkt.tcp.Ack != 2000 {
		t.Fatalf("seq/ack = %d/%d, want 1000/2000", pkt.tcp.Seq, pkt.tcp.Ack)
	}
	if !pkt.tcp.SYN || !pkt.tcp.ACK {
		t.Fatal("expected SYN+ACK flags set")
	}
	if string(pkt.tcp.Payload) != "payload" {
		t.Fatalf("payload = %q, want %q", pkt.tcp.Payload, "payload")
	}
	if pkt.ip4.SrcIP.String() != src.String() || pkt.ip4.DstIP.String() != dst.String() {
		t.Fatalf("addrs = %s -> %s, want %s -> %s", pkt.ip4.SrcIP, pkt.ip4.DstIP, src, dst)
	}
}

func TestBuildUDPPacketRoundTrips(t *testing.T) {
	src := net.IPv4(10, 0, 0, 2)
	dst := net.IPv4(8, 8, 8, 8)

	raw, err := buildUDPPacket(src, dst, 53000, 53, []byte("hello"))
	if err != nil {
		t.Fatalf("buildUDPPacket: %v", err)
	}

	p := newV4Parser()
	pkt, err := p.parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !pkt.hasUDP {
		t.Fatal("expected a decoded UDP layer")
	}
	if string(pkt.udp.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", pkt.udp.Payload)
	}
	if uint16(pkt.udp.DstPort) != 53 {
		t.Fatalf("dst port = %d, want 53", pkt.udp.DstPort)
	}
}

func TestTCPOptionsDefaultsAndParsesMSS(t *testing.T) {
	raw, err := buildTCPSegment(net.IPv4(1, 1, 1, 1), net.IPv4(2, 2, 2, 2), 1, 2, 0, 0, true, false, false, false, 0, nil)
	if err != nil {
		t.Fatalf("buildTCPSegment: %v", err)
	}
	p := newV4Parser()
	pkt, err := p.parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	mss, winScale := tcpOptions(&pkt.tcp)
	if mss != 1460 {
		t.Fatalf("mss = %d, want default 1460 (no MSS option present)", mss)
	}
	if winScale != 0 {
		t.Fatalf("winScale = %d, want 0", winScale)
	}
}
