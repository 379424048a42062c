package transport

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/fisaks/labduino/internal/logging"
)

const rxBufferSize = 4096

// LineTransport turns a Port into a line request/response channel. A reader
// goroutine pumps received bytes into a channel so ReadLine can honor the
// read timeout and Flush can discard whatever arrived unrequested.
//
// Only one goroutine may issue requests at a time.
type LineTransport struct {
	port    Port
	term    []byte
	timeout time.Duration

	rx     chan byte
	failed chan struct{} // closed when the reader stops on a port error
	done   chan struct{} // closed by Close

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
	closeErr  error
}

func NewLineTransport(port Port, termination string, timeout time.Duration) *LineTransport {
	if termination == "" {
		termination = "\r\n"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t := &LineTransport{
		port:    port,
		term:    []byte(termination),
		timeout: timeout,
		rx:      make(chan byte, rxBufferSize),
		failed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.reader()
	return t
}

func (t *LineTransport) Timeout() time.Duration { return t.timeout }

// reader loops reading the port until Close or a hard port error.
func (t *LineTransport) reader() {
	buf := make([]byte, 256)
	for {
		n, err := t.port.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case t.rx <- buf[i]:
			case <-t.done:
				return
			}
		}
		if err == nil || isQuietRead(err) {
			select {
			case <-t.done:
				return
			default:
			}
			if n == 0 && err != nil {
				time.Sleep(5 * time.Millisecond)
			}
			continue
		}
		select {
		case <-t.done:
			return
		default:
		}
		logging.Warn("serial reader stopped", "error", err)
		t.errMu.Lock()
		t.readErr = err
		t.errMu.Unlock()
		close(t.failed)
		return
	}
}

func (t *LineTransport) portErr() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.readErr
}

// WriteLine sends line followed by the termination.
func (t *LineTransport) WriteLine(ctx context.Context, line string) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-t.failed:
		return t.portErr()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := make([]byte, 0, len(line)+len(t.term))
	msg = append(msg, line...)
	msg = append(msg, t.term...)
	_, err := t.port.Write(msg)
	return err
}

// ReadLine reads until the termination or until max bytes arrived, whichever
// comes first. The termination is not part of the returned text. A max of 0
// means no limit.
func (t *LineTransport) ReadLine(ctx context.Context, max int) (string, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	var line []byte
	for {
		select {
		case b := <-t.rx:
			line = append(line, b)
			if bytes.HasSuffix(line, t.term) {
				return string(line[:len(line)-len(t.term)]), nil
			}
			if max > 0 && len(line) >= max {
				return string(line), nil
			}
		case <-timer.C:
			return "", &NoResponseError{After: t.timeout, Received: string(line)}
		case <-t.failed:
			return "", t.portErr()
		case <-t.done:
			return "", ErrClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Flush discards unread input, first at the port when the driver supports
// it and then whatever the reader already queued.
func (t *LineTransport) Flush() error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	var err error
	if f, ok := t.port.(flusher); ok {
		err = f.Flush()
	}
	discarded := 0
	for {
		select {
		case <-t.rx:
			discarded++
		default:
			if discarded > 0 {
				logging.Debug("flushed unread input", "bytes", discarded)
			}
			return err
		}
	}
}

// Close releases the port. Calling it again is a no-op.
func (t *LineTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}
