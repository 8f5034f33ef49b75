package transport

import (
	"bufio"
	"context"
	"testing"
	"time"

	"mobilebridge/internal/hostapi"
	"mobilebridge/internal/mux"
)

type fakeTCPSink struct{ got []tcpCall }
type tcpCall struct {
	connID uint32
	data   []byte
	closed bool
}

func (s *fakeTCPSink) SendResponse(connID uint32, payload []byte, closeConn bool) {
	s.got = append(s.got, tcpCall{connID, payload, closeConn})
}

type fakeUDPSink struct{}

func (fakeUDPSink) SendReply(uint32, []byte) {}

func startLoop(t *testing.T, m *Manager, host hostapi.Host, tr hostapi.Transport) (*Loop, context.CancelFunc) {
	t.Helper()
	loop := New(tr, host, m, []time.Duration{10 * time.Millisecond}, nil)
	c := m.Register(tr)
	c.loop = loop
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	return loop, cancel
}

func TestHandshakeAndAuthorize(t *testing.T) {
	host := hostapi.NewTestHost(hostapi.Transport{ID: "t1", Type: hostapi.TransportTest})
	notifier := &hostapi.RecordingNotifier{}
	m := NewManager("AMB1", &fakeTCPSink{}, fakeUDPSink{}, nil, notifier, nil)

	_, cancel := startLoop(t, m, host, hostapi.Transport{ID: "t1", Type: hostapi.TransportTest})
	defer cancel()

	waitForDeviceSide(t, host, "t1")
	dev := host.DeviceSide("t1")

	// Drain our own greeting frame (AUTH|FIN) before sending ours.
	readOneFrame(t, dev)

	authPayload := mux.FormatHeaders([]mux.HeaderPair{{Key: "token", Value: "T1"}, {Key: "name", Value: "N1"}})
	if err := mux.Encode(dev, 0, mux.FlagAUTH, []byte(authPayload)); err != nil {
		t.Fatalf("encode AUTH: %v", err)
	}

	reply := readOneFrame(t, dev)
	if !reply.HasFlag(mux.FlagAUTH) {
		t.Fatalf("expected AUTH reply, got flags=0x%x", reply.Flags)
	}
	headers := mux.ParseHeaders(reply.Payload)
	if headers["dtid"] != "AMB1" {
		t.Fatalf("DTID = %q, want AMB1", headers["dtid"])
	}

	deadline := time.Now().Add(time.Second)
	for m.ActiveTransportID() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.ActiveTransportID() != "t1" {
		t.Fatalf("active transport = %q, want t1", m.ActiveTransportID())
	}

	// A TEST transport counts as authorized once handshaked.
	authorized := false
	for deadline := time.Now().Add(time.Second); !authorized && time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		for _, c := range notifier.Calls {
			if c == "active:t1:AUTHORIZED" {
				authorized = true
			}
		}
	}
	if !authorized {
		t.Fatalf("expected active:t1:AUTHORIZED notification, calls=%v", notifier.Calls)
	}
}

func TestInfoSuppressedBeforeAuthorization(t *testing.T) {
	// A real (non-TEST) transport type must be explicitly authorized via
	// AuthorizeDevice before INFO is surfaced.
	host := hostapi.NewTestHost(hostapi.Transport{ID: "w1", Type: hostapi.TransportWiFi})
	notifier := &hostapi.RecordingNotifier{}
	m := NewManager("AMB1", &fakeTCPSink{}, fakeUDPSink{}, nil, notifier, nil)

	_, cancel := startLoop(t, m, host, hostapi.Transport{ID: "w1", Type: hostapi.TransportWiFi})
	defer cancel()

	waitForDeviceSide(t, host, "w1")
	dev := host.DeviceSide("w1")
	readOneFrame(t, dev) // greeting

	handshake(t, dev, "T1", "N1")
	readOneFrame(t, dev) // AUTH reply

	infoPayload := mux.FormatHeaders([]mux.HeaderPair{{Key: "Battery", Value: "100"}, {Key: "Connectivity", Value: "true"}})
	mux.Encode(dev, 0, mux.FlagINFO, []byte(infoPayload))
	time.Sleep(50 * time.Millisecond)

	for _, c := range notifier.Calls {
		if len(c) >= 5 && c[:5] == "info:" {
			t.Fatalf("unexpected info notification before authorization: %v", notifier.Calls)
		}
	}

	m.AuthorizeDevice("T1", true)
	mux.Encode(dev, 0, mux.FlagINFO, []byte(infoPayload))
	readOneFrame(t, dev) // INFO reply (RequiresMobileBridge)

	deadline := time.Now().Add(time.Second)
	found := false
	for time.Now().Before(deadline) {
		for _, c := range notifier.Calls {
			if len(c) >= 5 && c[:5] == "info:" {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !found {
		t.Fatalf("expected info notification after authorization, calls=%v", notifier.Calls)
	}
}

func handshake(t *testing.T, dev hostapi.Connection, token, name string) {
	t.Helper()
	payload := mux.FormatHeaders([]mux.HeaderPair{{Key: "token", Value: token}, {Key: "name", Value: name}})
	if err := mux.Encode(dev, 0, mux.FlagAUTH, []byte(payload)); err != nil {
		t.Fatalf("encode AUTH: %v", err)
	}
}

func waitForDeviceSide(t *testing.T, host *hostapi.TestHost, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if host.DeviceSide(id) != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport %s never connected", id)
}

func readOneFrame(t *testing.T, conn hostapi.Connection) mux.Frame {
	t.Helper()
	type result struct {
		frame mux.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		r := bufio.NewReader(conn)
		f, err := mux.Decode(r)
		ch <- result{f, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("decode frame: %v", res.err)
		}
		return res.frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return mux.Frame{}
	}
}
