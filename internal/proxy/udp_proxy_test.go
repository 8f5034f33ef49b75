package proxy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type recordingUDPSink struct {
	mu   sync.Mutex
	got  []udpDatagram
	done chan struct{}
}

type udpDatagram struct {
	id   uint32
	data []byte
}

func (s *recordingUDPSink) SendUDPData(id uint32, data []byte) {
	s.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.got = append(s.got, udpDatagram{id, cp})
	s.mu.Unlock()
	if s.done != nil {
		select {
		case s.done <- struct{}{}:
		default:
		}
	}
}

func TestUDPProxyAssignsIDAndRoutesReply(t *testing.T) {
	sink := &recordingUDPSink{done: make(chan struct{}, 1)}
	p := NewUDPProxy("127.0.0.1:0", sink, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	client, err := net.Dial("udp4", p.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	sink.mu.Lock()
	if len(sink.got) != 1 || string(sink.got[0].data) != "hello" {
		sink.mu.Unlock()
		t.Fatalf("unexpected datagrams: %+v", sink.got)
	}
	id := sink.got[0].id
	sink.mu.Unlock()

	p.SendReply(id, []byte("world"))

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("reply = %q, want world", buf[:n])
	}

	// The entry was removed by the reply; a second reply for the same id
	// is a silent no-op.
	p.SendReply(id, []byte("late"))
}

func TestUDPProxyPurgesStaleEntries(t *testing.T) {
	sink := &recordingUDPSink{done: make(chan struct{}, 1)}
	p := NewUDPProxy("127.0.0.1:0", sink, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	client, err := net.Dial("udp4", p.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.Write([]byte("x"))

	select {
	case <-sink.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := len(p.entries)
		p.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale entry was never purged")
}
