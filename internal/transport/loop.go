// Package transport implements the per-transport connect/retry state machine
// (Loop) and the registry that selects an active transport and dispatches
// multiplexer frames to/from the local proxies (Manager).
package transport

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"mobilebridge/internal/corelog"
	"mobilebridge/internal/hostapi"
	"mobilebridge/internal/mux"
	"mobilebridge/internal/pipe"
)

// LoopState is the connect/retry state machine's current state.
type LoopState int

const (
	StateInitialized LoopState = iota
	StateConnecting
	StateConnected
	StateHandshaked
	StateDisconnected
)

func (s LoopState) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateHandshaked:
		return "HANDSHAKED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Verdict is returned by Listener.OnIncomingData after consuming one frame.
type Verdict int

const (
	Continue Verdict = iota
	Abort
	Handshaked
)

// Listener is notified of a Loop's lifecycle and handed the frame stream.
// Manager implements this interface.
type Listener interface {
	// OnOutputStreamReady is called once per connection, before the
	// greeting frame is sent, with a writer the listener may use to send
	// frames for the lifetime of the connection.
	OnOutputStreamReady(transportID string, w io.Writer)
	// OnIncomingData must consume exactly one frame from r and report
	// what the loop should do next.
	OnIncomingData(transportID string, r *bufio.Reader) Verdict
	// OnStateChange is called whenever the loop's state changes.
	OnStateChange(transportID string, state LoopState)
}

// Loop drives one registered transport through
// INITIALIZED -> CONNECTING -> CONNECTED -> (HANDSHAKED) -> DISCONNECTED,
// retrying with backoff on connect failure.
type Loop struct {
	transport hostapi.Transport
	host      hostapi.Host
	listener  Listener
	backoff   []time.Duration
	log       *corelog.Logger

	mu    sync.Mutex
	state LoopState

	quit chan struct{}
	once sync.Once
}

// New creates a Loop for transport, not yet started.
func New(t hostapi.Transport, host hostapi.Host, listener Listener, backoff []time.Duration, log *corelog.Logger) *Loop {
	if log == nil {
		log = corelog.Default
	}
	return &Loop{
		transport: t,
		host:      host,
		listener:  listener,
		backoff:   backoff,
		log:       log,
		state:     StateInitialized,
		quit:      make(chan struct{}),
	}
}

// Transport returns the transport descriptor this loop drives.
func (l *Loop) Transport() hostapi.Transport { return l.transport }

// State returns the current loop state.
func (l *Loop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.listener.OnStateChange(l.transport.ID, s)
}

// Stop requests the loop to exit at its next interruptible point. Idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.quit) })
}

// Run drives the connect/retry state machine until ctx is done or Stop is
// called. It returns when the loop has fully wound down.
func (l *Loop) Run(ctx context.Context) {
	l.setState(StateConnecting)
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		default:
		}

		conn, err := l.host.Connect(ctx, l.transport.ID)
		if err != nil {
			l.log.Warnf("transport", "%s: connect error: %v", l.transport.ID, err)
		}
		if conn == nil {
			l.setState(StateDisconnected)
			if !l.sleepBackoff(ctx, retry) {
				return
			}
			retry++
			l.setState(StateConnecting)
			continue
		}

		retry = 0
		l.setState(StateConnected)
		l.runConnection(ctx, conn)
		l.host.Disconnect(ctx, l.transport.ID)
		l.setState(StateDisconnected)

		if !l.sleepBackoff(ctx, retry) {
			return
		}
		l.setState(StateConnecting)
	}
}

func (l *Loop) sleepBackoff(ctx context.Context, retry int) bool {
	idx := retry
	if idx >= len(l.backoff) {
		idx = len(l.backoff) - 1
	}
	select {
	case <-time.After(l.backoff[idx]):
		return true
	case <-ctx.Done():
		return false
	case <-l.quit:
		return false
	}
}

// runConnection runs the connection loop over one established connection:
// greeting, puller goroutine, frame-demux loop, until ABORT, connection
// close, or Stop/ctx cancellation.
func (l *Loop) runConnection(ctx context.Context, conn hostapi.Connection) {
	defer conn.Close()

	l.listener.OnOutputStreamReady(l.transport.ID, conn)

	if err := mux.Encode(conn, 0, mux.FlagAUTH|mux.FlagFIN, nil); err != nil {
		l.log.Warnf("transport", "%s: failed to send greeting: %v", l.transport.ID, err)
		return
	}

	p := pipe.New(64 * 1024)
	pullerDone := make(chan struct{})
	go func() {
		defer close(pullerDone)
		defer p.Close()
		buf := make([]byte, 16*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if werr := p.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	reader := bufio.NewReader(p)

loop:
	for {
		// Only wait on the underlying pipe if bufio has nothing buffered
		// already; otherwise WaitForAvailableBytes could see a momentarily
		// empty pipe even though a full frame is sitting in reader's
		// internal buffer.
		if reader.Buffered() == 0 {
			if _, err := p.WaitForAvailableBytes(1); err != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			break loop
		case <-l.quit:
			break loop
		default:
		}

		switch l.listener.OnIncomingData(l.transport.ID, reader) {
		case Abort:
			break loop
		case Handshaked:
			l.setState(StateHandshaked)
		case Continue:
		}
	}

	p.Close()
	conn.Close()
	<-pullerDone
}
