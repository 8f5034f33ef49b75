// Package pipe implements a bounded single-producer single-consumer byte
// queue with blocking and non-blocking semantics, used to hand bytes from a
// transport's reader goroutine to its frame-consuming goroutine without an
// unbounded buffer.
package pipe

import (
	"sync"

	"mobilebridge/internal/bridgeerr"
)

// Pipe is a bounded circular byte queue. The zero value is not usable; use
// New. A Pipe is safe for concurrent use by one reader and one writer (and
// any number of callers of Close).
type Pipe struct {
	mu       sync.Mutex
	notEmpty sync.Cond
	notFull  sync.Cond

	buf      []byte // ring buffer, len(buf) == capacity
	start    int    // index of first valid byte
	count    int    // number of valid bytes
	closed   bool
}

// New creates a Pipe with the given byte capacity.
func New(capacity int) *Pipe {
	p := &Pipe{buf: make([]byte, capacity)}
	p.notEmpty.L = &p.mu
	p.notFull.L = &p.mu
	return p
}

// Close is idempotent. It unblocks any waiter; the resulting read/write
// semantics are described below.
//
// There is an advanced use case: callers may keep reading and writing to a
// closed pipe as long as the operation can be satisfied from buffered
// space/data without blocking. Only operations that would actually have to
// wait fail once closed.
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

// Size returns the number of bytes currently buffered.
func (p *Pipe) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// WaitForAvailableBytes blocks until at least min bytes are buffered and
// returns the buffered count at that point. Fails if the pipe closes first
// without min bytes ever becoming available.
func (p *Pipe) WaitForAvailableBytes(min int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.count < min && !p.closed {
		p.notEmpty.Wait()
	}
	if p.count >= min {
		return p.count, nil
	}
	return p.count, bridgeerr.ErrPipeClosed
}

// Read blocks until at least one byte is available, then returns up to
// len(buf) bytes. Returns (0, ErrPipeClosed) only if the pipe is closed and
// empty.
func (p *Pipe) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.count == 0 && !p.closed {
		p.notEmpty.Wait()
	}
	if p.count == 0 {
		return 0, bridgeerr.ErrPipeClosed
	}
	n := p.popLocked(buf)
	p.notFull.Broadcast()
	return n, nil
}

// ReadFull blocks until exactly len(buf) bytes have been read. Fails if the
// pipe closes before that many bytes ever arrive; bytes already copied into
// buf before the failure are not reported (matches the reference engine's
// all-or-nothing readFully contract).
func (p *Pipe) ReadFull(buf []byte) error {
	read := 0
	for read < len(buf) {
		p.mu.Lock()
		for p.count == 0 && !p.closed {
			p.notEmpty.Wait()
		}
		if p.count == 0 {
			p.mu.Unlock()
			return bridgeerr.ErrPipeClosed
		}
		n := p.popLocked(buf[read:])
		p.mu.Unlock()
		p.notFull.Broadcast()
		read += n
	}
	return nil
}

// Write blocks until all of buf has been accepted into the queue. Fails
// (with a partial or zero write already buffered) if the pipe closes before
// all bytes are accepted.
func (p *Pipe) Write(buf []byte) error {
	written := 0
	for written < len(buf) {
		p.mu.Lock()
		for p.count == len(p.buf) && !p.closed {
			p.notFull.Wait()
		}
		if p.closed && p.count == len(p.buf) {
			p.mu.Unlock()
			return bridgeerr.ErrPipeClosed
		}
		n := p.pushLocked(buf[written:])
		p.mu.Unlock()
		p.notEmpty.Broadcast()
		written += n
	}
	return nil
}

// popLocked copies as many buffered bytes as fit into dst, advancing start
// and decrementing count. Caller holds p.mu.
func (p *Pipe) popLocked(dst []byte) int {
	n := min(len(dst), p.count)
	for i := 0; i < n; i++ {
		dst[i] = p.buf[(p.start+i)%len(p.buf)]
	}
	p.start = (p.start + n) % len(p.buf)
	p.count -= n
	return n
}

// pushLocked copies as many bytes of src as fit into the remaining capacity,
// incrementing count. Caller holds p.mu.
func (p *Pipe) pushLocked(src []byte) int {
	free := len(p.buf) - p.count
	n := min(len(src), free)
	end := (p.start + p.count) % len(p.buf)
	for i := 0; i < n; i++ {
		p.buf[(end+i)%len(p.buf)] = src[i]
	}
	p.count += n
	return n
}
