// Package engine wires the Session Manager, the local TCP/UDP proxies, and
// the Transport Manager into the single top-level component a host
// application embeds: the Mobile Bridge Engine. Every externally invoked
// mutator is serialized onto one executor goroutine, mirroring the
// reference engine's single-threaded executor with a job channel.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	"mobilebridge/internal/config"
	"mobilebridge/internal/control"
	"mobilebridge/internal/corebus"
	"mobilebridge/internal/corelog"
	"mobilebridge/internal/diag"
	"mobilebridge/internal/hostapi"
	"mobilebridge/internal/proxy"
	"mobilebridge/internal/session"
	"mobilebridge/internal/transport"
)

// State is the engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// job is one closure submitted to the executor goroutine.
type job struct {
	fn   func() error
	done chan error
}

// Engine is the top-level Mobile Bridge component. It owns the lifetime of
// the session manager, the TCP/UDP proxies, and the transport manager, and
// exposes the lifecycle API a host application drives.
type Engine struct {
	host    hostapi.Host
	cfg     *config.Config
	log     *corelog.Logger
	bus     *corebus.Bus
	jobs    chan job
	runDone chan struct{}

	closeMu sync.Mutex
	closed  bool

	mu    sync.Mutex
	state State

	tun        io.ReadWriteCloser
	sessionMgr *session.Manager
	tcpProxy   *proxy.TCPProxy
	udpProxy   *proxy.UDPProxy
	transports *transport.Manager
	loops      []*transport.Loop
	loopCancel context.CancelFunc
	loopsDone  sync.WaitGroup
	sessCancel context.CancelFunc
	control    *control.Server
	diag       *diag.Capture
	diagCancel context.CancelFunc
}

// New creates an Engine, not yet started. The TUN device the session
// manager reads and writes is supplied later, to OnStart, as an
// io.ReadWriteCloser.
func New(host hostapi.Host, cfg *config.Config, bus *corebus.Bus, log *corelog.Logger) *Engine {
	if log == nil {
		log = corelog.Default
	}
	if bus == nil {
		bus = corebus.New()
	}
	e := &Engine{
		host: host,
		cfg:  cfg,
		log:  log,
		bus:  bus,
		jobs: make(chan job),
	}
	e.runDone = make(chan struct{})
	go e.runExecutor()
	return e
}

// runExecutor is the single goroutine every public method's work is
// serialized through, mirroring the reference engine's Executor::submit.
func (e *Engine) runExecutor() {
	defer close(e.runDone)
	for j := range e.jobs {
		j.done <- j.fn()
	}
}

// submit posts fn to the executor and blocks for its result, matching the
// reference engine's submit(...).get() pattern. closeMu serializes submit
// against Shutdown's channel close so a submit never races a send on an
// already-closed jobs channel.
func (e *Engine) submit(fn func() error) error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return fmt.Errorf("engine: executor stopped")
	}
	done := make(chan error, 1)
	e.jobs <- job{fn: fn, done: done}
	e.closeMu.Unlock()
	return <-done
}

// OnStart allocates the session manager, local proxies, and transport
// manager, then launches one transport loop per host-reported transport.
// Idempotent: a second call while already running is a no-op error.
func (e *Engine) OnStart(tun io.ReadWriteCloser) error {
	return e.submit(func() error { return e.execStart(tun) })
}

func (e *Engine) execStart(tun io.ReadWriteCloser) error {
	e.mu.Lock()
	if e.state != StateIdle {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot start from state %s", st)
	}
	e.state = StateStarting
	e.mu.Unlock()

	e.log.Infof("engine", "starting")
	e.tun = tun

	sessCtx, sessCancel := context.WithCancel(context.Background())
	e.sessCancel = sessCancel
	e.sessionMgr = session.New(tun, e.cfg, e.host, e.log)

	if e.cfg.PCAPDump {
		e.diag = diag.New(0, e.log)
		e.sessionMgr.SetObserver(e.diag)
		diagCtx, diagCancel := context.WithCancel(context.Background())
		e.diagCancel = diagCancel
		go e.diag.Run(diagCtx)
	}

	go e.sessionMgr.Run(sessCtx)

	tcpAddr := fmt.Sprintf("127.0.0.1:%d", e.cfg.TCPProxyPort)
	udpAddr := fmt.Sprintf("127.0.0.1:%d", e.cfg.UDPProxyPort)

	e.transports = transport.NewManager(e.cfg.DeviceTypeID, nil, nil, e.bus, e.notifier(), e.log)

	e.tcpProxy = proxy.NewTCPProxy(tcpAddr, e.transports, e.log)
	e.udpProxy = proxy.NewUDPProxy(udpAddr, e.transports, 0, e.log)
	e.transports.SetSinks(e.tcpProxy, e.udpProxy)

	proxyCtx, proxyCancel := context.WithCancel(context.Background())
	e.loopCancel = proxyCancel
	if err := e.tcpProxy.Start(proxyCtx); err != nil {
		proxyCancel()
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return fmt.Errorf("engine: start tcp proxy: %w", err)
	}
	if err := e.udpProxy.Start(proxyCtx); err != nil {
		e.tcpProxy.Stop()
		proxyCancel()
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return fmt.Errorf("engine: start udp proxy: %w", err)
	}

	hostCtx, hostCancel := context.WithTimeout(context.Background(), e.cfg.HostCallTimeout)
	defer hostCancel()
	transports, err := e.host.GetTransports(hostCtx)
	if err != nil {
		e.log.Warnf("engine", "get_transports failed: %v", err)
		transports = nil
	}

	e.loops = e.transports.RegisterAll(transports, e.host, e.cfg.Backoff)
	for _, loop := range e.loops {
		l := loop
		e.loopsDone.Add(1)
		go func() {
			defer e.loopsDone.Done()
			l.Run(proxyCtx)
		}()
	}

	if e.cfg.Control.Listen != "" {
		e.control = control.NewServer(e.transports, e.bus, e.log)
		if err := e.control.Start(e.cfg.Control.Listen); err != nil {
			e.log.Warnf("engine", "control surface disabled: %v", err)
			e.control = nil
		}
	}

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()
	e.log.Infof("engine", "started, %d transport(s) registered", len(e.loops))
	return nil
}

// OnStop tears down the transport loops, transport manager, and proxies,
// then stops the session manager via its internal quit channel (the Go
// equivalent of the reference engine's control-pipe QUIT command).
func (e *Engine) OnStop() error {
	return e.submit(e.execStop)
}

func (e *Engine) execStop() error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StateStarting {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot stop from state %s", st)
	}
	e.state = StateStopping
	e.mu.Unlock()

	e.log.Infof("engine", "stopping")

	if e.control != nil {
		e.control.Stop()
		e.control = nil
	}

	if e.loopCancel != nil {
		e.loopCancel()
	}
	for _, loop := range e.loops {
		loop.Stop()
	}
	e.loopsDone.Wait()
	e.loops = nil
	e.transports = nil

	if e.udpProxy != nil {
		e.udpProxy.Stop()
		e.udpProxy = nil
	}
	if e.tcpProxy != nil {
		e.tcpProxy.Stop()
		e.tcpProxy = nil
	}

	if e.sessionMgr != nil {
		e.sessionMgr.Stop()
		if e.sessCancel != nil {
			e.sessCancel()
		}
		e.sessionMgr = nil
	}
	if e.diagCancel != nil {
		e.diagCancel()
		e.diagCancel = nil
	}
	e.diag = nil

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()
	e.log.Infof("engine", "stopped")
	return nil
}

// OnDeviceAuthorized forwards an authorization decision to the transport
// manager.
func (e *Engine) OnDeviceAuthorized(token string, authorized bool) error {
	return e.submit(func() error {
		if e.transports == nil {
			return fmt.Errorf("engine: transport manager not ready")
		}
		e.transports.AuthorizeDevice(token, authorized)
		return nil
	})
}

// OnInfoSent forwards an outbound INFO payload to the device currently bound
// to token.
func (e *Engine) OnInfoSent(token string, infoID uint32, infoText string) error {
	return e.submit(func() error {
		if e.transports == nil {
			return fmt.Errorf("engine: transport manager not ready")
		}
		return e.transports.SendInfo(token, infoID, infoText)
	})
}

// Shutdown stops the engine if running, then retires the executor
// goroutine. Idempotent; safe to call multiple times.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st != StateIdle {
		if err := e.OnStop(); err != nil {
			e.log.Warnf("engine", "shutdown: stop returned %v", err)
		}
	}
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.closeMu.Unlock()
	<-e.runDone
	return nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Bus exposes the engine's event bus for ambient subscribers (logging hook,
// stats collector, optional control surface) without coupling them to the
// transport manager directly.
func (e *Engine) Bus() *corebus.Bus { return e.bus }

// notifier adapts the engine's Notifier-shaped callbacks onto the host, if
// the host also implements hostapi.Notifier; otherwise outbound
// notifications are dropped (only the event bus observes them).
func (e *Engine) notifier() hostapi.Notifier {
	if n, ok := e.host.(hostapi.Notifier); ok {
		return n
	}
	return nil
}
