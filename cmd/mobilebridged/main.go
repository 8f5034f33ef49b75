// Command mobilebridged is the standalone entry point for the mobile bridge
// engine: it loads configuration, opens the TUN device, constructs a host,
// and drives the engine's lifecycle until an OS signal requests shutdown.
//
// The real host (Bluetooth/Wi-Fi/USB transport I/O, TUN-protection hook) is
// owned by the broker application this engine is embedded into; that layer
// is out of scope here. Absent a real host, this binary uses
// hostapi.TestHost: with -test-host it registers a single TEST-type
// transport, otherwise none. Nothing in this binary drives the TestHost's
// DeviceSide, so no device connects over it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mobilebridge/internal/config"
	"mobilebridge/internal/corebus"
	"mobilebridge/internal/corelog"
	"mobilebridge/internal/engine"
	"mobilebridge/internal/hostapi"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "mobilebridge.yaml", "path to configuration file")
	tunFD := flag.Int("tun-fd", -1, "file descriptor of an already-open TUN device (required outside -test-host mode)")
	testHost := flag.Bool("test-host", false, "run against an in-memory TEST transport instead of a real tun-fd, for local exercising")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mobilebridged %s (commit=%s, built=%s)\n", version, commit, buildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("[mobilebridged] config: %v", err)
	}

	logCfg := corelog.Config{Level: cfg.Log.Level, Components: cfg.Log.Components}
	corelog.Default = corelog.New(logCfg)
	logger := corelog.Default

	var tun io.ReadWriteCloser
	var host hostapi.Host
	if *testHost {
		logger.Warnf("mobilebridged", "running in -test-host mode; no real TUN device or transports are attached")
		host = hostapi.NewTestHost(hostapi.Transport{ID: "test", Type: hostapi.TransportTest})
		tun = newNullTUN()
	} else {
		if *tunFD < 0 {
			log.Fatalf("[mobilebridged] -tun-fd is required unless -test-host is set")
		}
		f := os.NewFile(uintptr(*tunFD), "tun")
		if f == nil {
			log.Fatalf("[mobilebridged] invalid tun-fd %d", *tunFD)
		}
		tun = f
		host = hostapi.NewTestHost()
	}

	bus := corebus.New()
	bus.Subscribe(corebus.EventTransportStateChanged, func(ev corebus.Event) {
		p := ev.Payload.(corebus.TransportStatePayload)
		logger.Infof("engine", "transport %s -> %s", p.TransportID, p.State)
	})
	bus.Subscribe(corebus.EventDeviceHandshaked, func(ev corebus.Event) {
		p := ev.Payload.(corebus.DeviceHandshakedPayload)
		logger.Infof("engine", "device handshaked on %s: token=%s name=%s", p.TransportID, p.Token, p.Name)
	})

	e := engine.New(host, cfg, bus, logger)

	if err := e.OnStart(tun); err != nil {
		log.Fatalf("[mobilebridged] engine start: %v", err)
	}
	logger.Infof("mobilebridged", "%s started (commit=%s)", version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("mobilebridged", "shutdown signal received")
	if err := e.Shutdown(); err != nil {
		logger.Errorf("mobilebridged", "shutdown: %v", err)
	}
}

// nullTUN stands in for a real TUN device in -test-host mode: reads block
// until Close, since no packets arrive without a kernel interface behind it,
// and writes are discarded rather than looped back.
type nullTUN struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newNullTUN() *nullTUN {
	r, w := io.Pipe()
	return &nullTUN{r: r, w: w}
}

func (n *nullTUN) Read(p []byte) (int, error)  { return n.r.Read(p) }
func (n *nullTUN) Write(p []byte) (int, error) { return len(p), nil }
func (n *nullTUN) Close() error {
	n.w.Close()
	return n.r.Close()
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return config.Load(path)
}
