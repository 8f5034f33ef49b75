package session

import (
	"net"
	"time"
)

// udpEncapHeaderLen is the fixed prefix the proxy protocol puts in front of
// every UDP payload relayed to the local UDP proxy:
// dst_addr(4) || dst_port(2) || src_addr(4) || src_port(2).
const udpEncapHeaderLen = 12

// udpKey identifies a UDP session by its 4-tuple, as observed on the TUN
// device.
type udpKey struct {
	srcIP, dstIP     [4]byte
	srcPort, dstPort uint16
}

// udpSession is a single TUN-originated UDP flow, relayed through the local
// UDP proxy on a dedicated protected socket. Touched only from the
// Manager's serialized action loop.
type udpSession struct {
	key          udpKey
	conn         net.Conn // protected, connected UDP socket to 127.0.0.1:udp_proxy_port
	lastActivity time.Time
	idleTimer    *time.Timer
}

// encodeUDPEnvelope prepends the 12-byte encapsulation header to payload.
func encodeUDPEnvelope(dstIP, srcIP [4]byte, dstPort, srcPort uint16, payload []byte) []byte {
	buf := make([]byte, udpEncapHeaderLen+len(payload))
	copy(buf[0:4], dstIP[:])
	buf[4] = byte(dstPort >> 8)
	buf[5] = byte(dstPort)
	copy(buf[6:10], srcIP[:])
	buf[10] = byte(srcPort >> 8)
	buf[11] = byte(srcPort)
	copy(buf[udpEncapHeaderLen:], payload)
	return buf
}

const udpSessionTimeoutDefault = 60 * time.Second
