package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// pipePort feeds device output through a pipe and records host writes.
type pipePort struct {
	r    *io.PipeReader
	devW *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	flushes int
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, devW: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.devW.Close()
	return p.r.Close()
}

func (p *pipePort) Flush() error {
	p.mu.Lock()
	p.flushes++
	p.mu.Unlock()
	return nil
}

func (p *pipePort) send(s string) {
	go p.devW.Write([]byte(s))
}

func waitQueued(t *testing.T, lt *LineTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(lt.rx) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d queued bytes, got %d", n, len(lt.rx))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReadLineStripsTermination(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\r\n", time.Second)
	defer lt.Close()

	port.send("Call Number received : 4821\r\n")
	line, err := lt.ReadLine(context.Background(), 75)
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if line != "Call Number received : 4821" {
		t.Fatalf("expected echo line, got %q", line)
	}
}

func TestReadLineStopsAtMax(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\r\n", time.Second)
	defer lt.Close()

	port.send("abcdefghij\r\n")
	line, err := lt.ReadLine(context.Background(), 4)
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if line != "abcd" {
		t.Fatalf("expected %q, got %q", "abcd", line)
	}
}

func TestReadLineTimeout(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\r\n", 50*time.Millisecond)
	defer lt.Close()

	port.send("partial")
	waitQueued(t, lt, len("partial"))
	_, err := lt.ReadLine(context.Background(), 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var nre *NoResponseError
	if !errors.As(err, &nre) || nre.Received != "partial" {
		t.Fatalf("expected NoResponseError with partial input, got %#v", err)
	}
}

func TestReadLineHonorsContext(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\r\n", time.Minute)
	defer lt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lt.ReadLine(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWriteLineAppendsTermination(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\n", time.Second)
	defer lt.Close()

	if err := lt.WriteLine(context.Background(), "@init,"); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}
	port.mu.Lock()
	got := port.written.String()
	port.mu.Unlock()
	if got != "@init,\n" {
		t.Fatalf("expected %q, got %q", "@init,\n", got)
	}
}

func TestFlushDiscardsQueuedInput(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\r\n", time.Second)
	defer lt.Close()

	port.send("stale\r\n")
	waitQueued(t, lt, len("stale\r\n"))
	if err := lt.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if port.flushes != 1 {
		t.Errorf("expected port flush to be called once, got %d", port.flushes)
	}

	port.send("fresh\r\n")
	line, err := lt.ReadLine(context.Background(), 0)
	if err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if line != "fresh" {
		t.Fatalf("expected %q after flush, got %q", "fresh", line)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	port := newPipePort()
	lt := NewLineTransport(port, "\r\n", time.Second)

	if err := lt.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := lt.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := lt.ReadLine(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := lt.WriteLine(context.Background(), "@SV,"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on write, got %v", err)
	}
}

func TestEnsureDefaults(t *testing.T) {
	cfg := Config{Address: "/dev/ttyACM0"}
	EnsureDefaults(&cfg)
	if cfg.Driver != DriverGoburrow || cfg.BaudRate != 9600 || cfg.Termination != "\r\n" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Timeout != 10*time.Second {
		t.Fatalf("expected 10s timeout, got %v", cfg.Timeout)
	}
}
