// Package transport provides the line-oriented request/response channel used to
// talk to the microcontroller. A serial port is opened through one of the
// supported drivers and wrapped in a LineTransport, which owns a single reader
// goroutine and exposes WriteLine/ReadLine/Flush with a fixed read timeout.
package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DriverGoburrow = "goburrow"
	DriverTarm     = "tarm"
)

var (
	ErrTimeout = errors.New("transport: timeout")
	ErrClosed  = errors.New("transport: closed")
)

// Port is the raw byte channel under a LineTransport. Ports that can discard
// OS-level input additionally implement Flush() error.
type Port interface {
	io.ReadWriteCloser
}

type flusher interface {
	Flush() error
}

// Config holds serial and line settings for one device connection.
type Config struct {
	Driver   string
	Address  string // e.g. /dev/ttyACM0, COM3
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // N, E, O

	// Timeout applies to every ReadLine.
	Timeout time.Duration
	// Termination ends every written and read line.
	Termination string
	// PortPoll is the port-level read timeout used by the reader goroutine.
	PortPoll time.Duration
}

func EnsureDefaults(c *Config) {
	if c.Driver == "" {
		c.Driver = DriverGoburrow
	}
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Termination == "" {
		c.Termination = "\r\n"
	}
	if c.PortPoll <= 0 {
		c.PortPoll = 100 * time.Millisecond
	}
}

// Open opens the serial port named by cfg.Address with the configured driver
// and starts its line reader.
func Open(cfg Config) (*LineTransport, error) {
	EnsureDefaults(&cfg)

	var (
		port Port
		err  error
	)
	switch strings.ToLower(cfg.Driver) {
	case DriverGoburrow:
		port, err = openGoburrow(cfg)
	case DriverTarm:
		port, err = openTarm(cfg)
	default:
		return nil, fmt.Errorf("unsupported serial driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Address, err)
	}
	return NewLineTransport(port, cfg.Termination, cfg.Timeout), nil
}

// NoResponseError is returned by ReadLine when no complete line arrived within
// the read timeout. It matches ErrTimeout with errors.Is.
type NoResponseError struct {
	After    time.Duration
	Received string // bytes read before the deadline
}

func (e *NoResponseError) Error() string {
	if e.Received == "" {
		return fmt.Sprintf("no response after %v", e.After)
	}
	return fmt.Sprintf("incomplete response after %v: %q", e.After, e.Received)
}

func (e *NoResponseError) Is(target error) bool { return target == ErrTimeout }

func (e *NoResponseError) Timeout() bool { return true }

// isQuietRead reports whether a port read error only means "nothing arrived
// during the poll window".
func isQuietRead(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") || strings.Contains(s, "timed out")
}
