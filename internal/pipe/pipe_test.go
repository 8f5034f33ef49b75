package pipe

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"mobilebridge/internal/bridgeerr"
)

func TestWriteReadRoundTrip(t *testing.T) {
	p := New(8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Write([]byte("hello world")); err != nil {
			t.Errorf("Write: %v", err)
		}
	}()

	buf := make([]byte, 11)
	if err := p.ReadFull(buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	wg.Wait()
	if !bytes.Equal(buf, []byte("hello world")) {
		t.Fatalf("got %q", buf)
	}
}

func TestNonBlockingReadSucceedsAfterClose(t *testing.T) {
	p := New(4)
	if err := p.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p.Close()

	buf := make([]byte, 2)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read after close with buffered data: %v", err)
	}
	if n != 2 || string(buf) != "ab" {
		t.Fatalf("got n=%d buf=%q", n, buf)
	}
}

func TestBlockingReadFailsAfterCloseWhenEmpty(t *testing.T) {
	p := New(4)
	p.Close()

	buf := make([]byte, 2)
	_, err := p.Read(buf)
	if !errors.Is(err, bridgeerr.ErrPipeClosed) {
		t.Fatalf("err = %v, want ErrPipeClosed", err)
	}
}

func TestWriteFailsAfterClose(t *testing.T) {
	p := New(2)
	if err := p.Write([]byte("xy")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	p.Close()

	done := make(chan error, 1)
	go func() { done <- p.Write([]byte("z")) }()

	select {
	case err := <-done:
		if !errors.Is(err, bridgeerr.ErrPipeClosed) {
			t.Fatalf("err = %v, want ErrPipeClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write on full closed pipe did not return")
	}
}

func TestWaitForAvailableBytes(t *testing.T) {
	p := New(16)
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Write([]byte("12345"))
	}()
	n, err := p.WaitForAvailableBytes(5)
	if err != nil {
		t.Fatalf("WaitForAvailableBytes: %v", err)
	}
	if n < 5 {
		t.Fatalf("n = %d, want >= 5", n)
	}
}
