package session

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// v4Packet is a parsed IPv4 packet together with whichever transport layer
// decoded underneath it (at most one of hasTCP/hasUDP/hasICMP is set).
type v4Packet struct {
	ip4 layers.IPv4
	tcp layers.TCP
	udp layers.UDP

	hasTCP  bool
	hasUDP  bool
	hasICMP bool
}

// v4Parser is a pooled, non-concurrency-safe decoder for TUN-delivered IPv4
// packets (no link layer: TUN devices hand back bare IP packets).
type v4Parser struct {
	pkt     v4Packet
	icmp    layers.ICMPv4
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newV4Parser() *v4Parser {
	p := &v4Parser{decoded: make([]gopacket.LayerType, 0, 3)}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&p.pkt.ip4, &p.pkt.tcp, &p.pkt.udp, &p.icmp, &p.payload,
	)
	p.parser.IgnoreUnsupported = true
	return p
}

// parse decodes buf in place, resetting per-packet flags first.
func (p *v4Parser) parse(buf []byte) (*v4Packet, error) {
	p.pkt.hasTCP, p.pkt.hasUDP, p.pkt.hasICMP = false, false, false
	if err := p.parser.DecodeLayers(buf, &p.decoded); err != nil {
		return nil, err
	}
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			p.pkt.hasTCP = true
		case layers.LayerTypeUDP:
			p.pkt.hasUDP = true
		case layers.LayerTypeICMPv4:
			p.pkt.hasICMP = true
		}
	}
	return &p.pkt, nil
}

// tcpOptions reports the MSS and window-scale options from a decoded TCP
// layer, defaulting WSCALE to 0 when absent per the spec.
func tcpOptions(tcp *layers.TCP) (mss uint16, winScale uint8) {
	mss = 1460
	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				mss = uint16(opt.OptionData[0])<<8 | uint16(opt.OptionData[1])
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				winScale = opt.OptionData[0]
			}
		}
	}
	return mss, winScale
}

// buildTCPSegment serializes an IPv4/TCP packet with swapped addressing
// (server is the synthesized source) and the given flags/sequence numbers.
func buildTCPSegment(srcIP, dstIP net.IP, srcPort, dstPort uint16, seq, ack uint32, syn, ackFlag, fin, rst bool, window uint16, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     ack,
		SYN:     syn,
		ACK:     ackFlag,
		FIN:     fin,
		RST:     rst,
		Window:  window,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("session: tcp checksum setup: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("session: serialize tcp segment: %w", err)
	}
	return buf.Bytes(), nil
}

// buildUDPPacket serializes an IPv4/UDP packet.
func buildUDPPacket(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("session: udp checksum setup: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("session: serialize udp packet: %w", err)
	}
	return buf.Bytes(), nil
}
