package engine

import (
	"bufio"
	"net"
	"testing"
	"time"

	"mobilebridge/internal/config"
	"mobilebridge/internal/hostapi"
	"mobilebridge/internal/mux"
)

// recordingHost combines TestHost's Host implementation with
// RecordingNotifier's Notifier implementation, so the engine's outbound
// notifications (which require a host asserting to hostapi.Notifier) are
// observable in tests.
type recordingHost struct {
	*hostapi.TestHost
	*hostapi.RecordingNotifier
}

func newRecordingHost(transports ...hostapi.Transport) *recordingHost {
	return &recordingHost{
		TestHost:          hostapi.NewTestHost(transports...),
		RecordingNotifier: &hostapi.RecordingNotifier{},
	}
}

func waitDeviceSide(t *testing.T, host *hostapi.TestHost, id string) hostapi.Connection {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if dev := host.DeviceSide(id); dev != nil {
			return dev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transport %s never connected", id)
	return nil
}

func readFrame(t *testing.T, conn hostapi.Connection) mux.Frame {
	t.Helper()
	ch := make(chan mux.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		f, err := mux.Decode(bufio.NewReader(conn))
		if err != nil {
			errCh <- err
			return
		}
		ch <- f
	}()
	select {
	case f := <-ch:
		return f
	case err := <-errCh:
		t.Fatalf("decode frame: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return mux.Frame{}
}

func TestEngineStartStopLifecycle(t *testing.T) {
	host := newRecordingHost(hostapi.Transport{ID: "test", Type: hostapi.TransportTest})
	cfg := config.Default()
	cfg.TCPProxyPort = 19876
	cfg.UDPProxyPort = 19877

	e := New(host, cfg, nil, nil)
	defer e.Shutdown()

	tunEngine, tunTest := net.Pipe()
	defer tunTest.Close()

	if err := e.OnStart(tunEngine); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if got := e.State(); got != StateRunning {
		t.Fatalf("state after start = %v, want running", got)
	}
	if err := e.OnStart(tunEngine); err == nil {
		t.Fatal("expected second OnStart to fail while already running")
	}

	if err := e.OnStop(); err != nil {
		t.Fatalf("OnStop: %v", err)
	}
	if got := e.State(); got != StateIdle {
		t.Fatalf("state after stop = %v, want idle", got)
	}
}

func TestEngineHandshakeAuthorizeAndInfo(t *testing.T) {
	host := newRecordingHost(hostapi.Transport{ID: "w1", Type: hostapi.TransportWiFi})
	cfg := config.Default()
	cfg.TCPProxyPort = 19878
	cfg.UDPProxyPort = 19879

	e := New(host, cfg, nil, nil)
	defer e.Shutdown()

	tunEngine, tunTest := net.Pipe()
	defer tunTest.Close()

	if err := e.OnStart(tunEngine); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	defer e.OnStop()

	dev := waitDeviceSide(t, host.TestHost, "w1")
	readFrame(t, dev) // greeting AUTH|FIN

	auth := mux.FormatHeaders([]mux.HeaderPair{{Key: "token", Value: "T1"}, {Key: "name", Value: "N1"}})
	if err := mux.Encode(dev, 0, mux.FlagAUTH, []byte(auth)); err != nil {
		t.Fatalf("encode auth: %v", err)
	}
	reply := readFrame(t, dev)
	if !reply.HasFlag(mux.FlagAUTH) {
		t.Fatalf("expected AUTH reply, flags=0x%x", reply.Flags)
	}

	// INFO before authorization must not surface to the host notifier.
	info := mux.FormatHeaders([]mux.HeaderPair{{Key: "Battery", Value: "100"}, {Key: "Connectivity", Value: "true"}})
	mux.Encode(dev, 0, mux.FlagINFO, []byte(info))
	time.Sleep(50 * time.Millisecond)
	for _, c := range host.RecordingNotifier.Calls {
		if len(c) >= 5 && c[:5] == "info:" {
			t.Fatalf("unexpected info before authorization: %v", host.Calls)
		}
	}

	if err := e.OnDeviceAuthorized("T1", true); err != nil {
		t.Fatalf("OnDeviceAuthorized: %v", err)
	}
	mux.Encode(dev, 0, mux.FlagINFO, []byte(info))
	readFrame(t, dev) // INFO reply (RequiresMobileBridge)

	deadline := time.Now().Add(time.Second)
	found := false
	for time.Now().Before(deadline) {
		for _, c := range host.RecordingNotifier.Calls {
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
		t.Fatalf("expected info notification after authorization, calls=%v", host.Calls)
	}

	if err := e.OnInfoSent("T1", 7, "hello"); err != nil {
		t.Fatalf("OnInfoSent: %v", err)
	}
	outbound := readFrame(t, dev)
	if !outbound.HasFlag(mux.FlagINFO) || string(outbound.Payload) != "hello" {
		t.Fatalf("unexpected outbound info frame: %+v", outbound)
	}
}
