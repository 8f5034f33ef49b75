package proxy

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingTCPSink struct {
	mu   sync.Mutex
	got  []tcpPiece
	done chan struct{}
	want int
}

type tcpPiece struct {
	connID     uint32
	data       []byte
	bytesSoFar uint64
}

func (s *recordingTCPSink) SendTCPData(connID uint32, data []byte, bytesSoFar uint64) {
	s.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.got = append(s.got, tcpPiece{connID, cp, bytesSoFar})
	n := len(s.got)
	s.mu.Unlock()
	if s.done != nil && n >= s.want {
		select {
		case s.done <- struct{}{}:
		default:
		}
	}
}

func TestTCPProxyInjectsHandshakeAndForwardsBytes(t *testing.T) {
	sink := &recordingTCPSink{done: make(chan struct{}, 1), want: 2}
	p := NewTCPProxy("127.0.0.1:0", sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	line1, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if line1 != "HTTP/1.0 200 Connection Established\r\n" {
		t.Fatalf("handshake line = %q", line1)
	}

	req := "CONNECT example.com:443 HTTP/1.0\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	if _, err := conn.Write([]byte("appdata")); err != nil {
		t.Fatalf("write app data: %v", err)
	}
	// Half-close so the proxy reports EOS (an empty piece) after the data;
	// TCP may merge the two writes, so piece boundaries are not asserted.
	conn.(*net.TCPConn).CloseWrite()

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded pieces")
	}
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		sink.mu.Lock()
		eos := len(sink.got[len(sink.got)-1].data) == 0
		sink.mu.Unlock()
		if eos {
			break
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) < 2 {
		t.Fatalf("got %d pieces, want >=2", len(sink.got))
	}
	if sink.got[0].bytesSoFar != 0 {
		t.Fatalf("first piece bytesSoFar = %d, want 0", sink.got[0].bytesSoFar)
	}
	// The literal CONNECT preamble is forwarded verbatim as real data, at the
	// start of the stream, followed by the application bytes.
	if !strings.HasPrefix(string(sink.got[0].data), "CONNECT ") {
		t.Fatalf("first piece = %q, want it to start with the literal CONNECT request line", sink.got[0].data)
	}
	var all []byte
	for _, pc := range sink.got {
		all = append(all, pc.data...)
	}
	if string(all) != req+"appdata" {
		t.Fatalf("forwarded stream = %q, want %q", all, req+"appdata")
	}
}

func TestTCPProxySendResponseWritesAndCloses(t *testing.T) {
	sink := &recordingTCPSink{}
	p := NewTCPProxy("127.0.0.1:0", sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	conn, err := net.Dial("tcp", p.listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if _, err := r.ReadString('\n'); err != nil { // blank line ending the handshake
		t.Fatalf("read handshake terminator: %v", err)
	}

	// Give the accept loop a moment to register the connection.
	deadline := time.Now().Add(time.Second)
	var connID uint32
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for id := range p.conns {
			connID = id
		}
		p.mu.Unlock()
		if connID != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if connID == 0 {
		t.Fatal("connection never registered")
	}

	p.SendResponse(connID, []byte("reply"), true)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "reply" {
		t.Fatalf("read reply = %q", buf[:n])
	}
}
