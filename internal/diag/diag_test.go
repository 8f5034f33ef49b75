package diag

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"mobilebridge/internal/corelog"
)

func newTestLogger() (*corelog.Logger, func() []string) {
	log := corelog.New(corelog.Config{Level: "debug"})
	var mu sync.Mutex
	var lines []string
	log.SetHook(func(level corelog.LogLevel, tag, msg string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, tag+": "+msg)
	})
	return log, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}
}

func tcpPacket(t *testing.T) []byte {
	t.Helper()
	// A minimal IPv4/TCP packet: 20-byte IP header + 20-byte TCP header, no payload.
	pkt := make([]byte, 40)
	pkt[0] = 0x45 // version 4, IHL 5
	pkt[9] = 6    // protocol TCP
	pkt[12], pkt[13], pkt[14], pkt[15] = 10, 0, 0, 1
	pkt[16], pkt[17], pkt[18], pkt[19] = 10, 0, 0, 2
	pkt[20], pkt[21] = 0x1F, 0x90 // src port 8080
	pkt[22], pkt[23] = 0x00, 0x50 // dst port 80
	pkt[32] = 0x50                // data offset 5
	return pkt
}

func TestCaptureLogsSummaryOnTick(t *testing.T) {
	log, drain := newTestLogger()
	c := New(20*time.Millisecond, log)

	c.Offer(tcpPacket(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, l := range drain() {
			if strings.Contains(l, "tcp 10.0.0.1:8080 -> 10.0.0.2:80") {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected a tcp flow summary, got %v", drain())
}

func TestCaptureLogsIdleWhenNoTraffic(t *testing.T) {
	log, drain := newTestLogger()
	c := New(20*time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, l := range drain() {
			if strings.Contains(l, "no TUN traffic observed") {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected an idle summary, got %v", drain())
}

func TestCaptureKeepsOnlyLatestSample(t *testing.T) {
	c := New(time.Minute, nil)
	c.Offer(tcpPacket(t))
	c.Offer([]byte{0x46}) // second, malformed sample replaces the first

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		t.Fatal("expected a retained sample")
	}
	if len(c.latest.Data) != 1 || c.latest.Data[0] != 0x46 {
		t.Fatalf("latest sample = %x, want the second offer 46", c.latest.Data)
	}
	if c.offers.Load() != 2 {
		t.Fatalf("offers = %d, want 2", c.offers.Load())
	}
}
