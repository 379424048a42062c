package arduino

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("arduino: device closed")
	ErrNotInitialized = errors.New("arduino: no full snapshot read yet")
	ErrInvalidChannel = errors.New("arduino: channel out of range")
)

// CodecError reports a packet that could not be decoded.
type CodecError struct {
	Packet string
	Reason string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("malformed packet %q: %s", e.Packet, e.Reason)
}

func codecErr(packet, format string, args ...any) *CodecError {
	return &CodecError{Packet: packet, Reason: fmt.Sprintf(format, args...)}
}

// HandshakeError reports a call-number exchange that never produced the
// expected echo. Err holds the last transport error, if any.
type HandshakeError struct {
	Expected string
	Actual   string
	Retries  int
	Reason   string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("call failure (expected %q, received %q, retries %d): %s",
		e.Expected, e.Actual, e.Retries, e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError wraps an I/O failure or timeout of the serial line.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }
