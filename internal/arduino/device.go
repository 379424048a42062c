// Package arduino implements the call/packet protocol spoken by the lab
// microcontroller sketch: the call-number handshake, the '#' delimited packet
// codec, the snapshot cache and the command operations built on them.
//
// A Device is not safe for concurrent use; one request/response may be in
// flight at a time. Snapshot reads from the cache may happen from any
// goroutine.
package arduino

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/transport"
)

const (
	cmdCallNum       = "callNum"
	cmdInit          = "init"
	cmdPack          = "pack"
	cmdValueMax      = "valueMax"
	cmdValueMin      = "valueMin"
	cmdOffsetValue   = "offsetValue"
	cmdDefault       = "default"
	cmdDefaultValues = "defaultValues"
	cmdSave          = "SV"
	cmdStatus        = "status"

	MinChannel = 1
	MaxChannel = 4

	DefaultInitSettle = time.Second
)

// Transport is the line channel a Device talks through.
// *transport.LineTransport implements it.
type Transport interface {
	LineIO
	Close() error
}

type Options struct {
	Name string
	// InitSettle is how long the sketch needs to print the init packet.
	// Zero means DefaultInitSettle, negative means no wait.
	InitSettle time.Duration
	Retry      RetryPolicy
	// Channels are the ids an init packet must carry. Defaults to
	// DefaultChannelIDs.
	Channels []string
	// Trace logs every line sent and received at info level.
	Trace bool
	// Now feeds the call-number token. Defaults to time.Now.
	Now func() time.Time
}

type Device struct {
	name       string
	t          Transport
	hs         *Handshaker
	cache      *Cache
	initSettle time.Duration
	channels   []string
	trace      bool
	sleep      func(ctx context.Context, d time.Duration) error

	closeMu sync.Mutex
	closed  bool
}

func New(t Transport, opts Options) *Device {
	settle := opts.InitSettle
	if settle == 0 {
		settle = DefaultInitSettle
	}
	if settle < 0 {
		settle = 0
	}
	channels := opts.Channels
	if len(channels) == 0 {
		channels = DefaultChannelIDs
	}
	return &Device{
		name:       opts.Name,
		t:          t,
		hs:         NewHandshaker(t, opts.Retry, opts.Now),
		cache:      NewCache(),
		initSettle: settle,
		channels:   channels,
		trace:      opts.Trace,
		sleep:      sleepCtx,
	}
}

// Open opens the serial port described by cfg and returns a connected Device.
func Open(cfg transport.Config, opts Options) (*Device, error) {
	lt, err := transport.Open(cfg)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	logging.Info("arduino connected", "device", opts.Name, "port", cfg.Address, "driver", cfg.Driver)
	return New(lt, opts), nil
}

func (d *Device) Name() string { return d.name }

func (d *Device) isClosed() bool {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	return d.closed
}

// handshake runs the call-number exchange unless the device is closed.
func (d *Device) handshake(ctx context.Context) error {
	if d.isClosed() {
		return ErrClosed
	}
	if _, err := d.hs.Perform(ctx); err != nil {
		return err
	}
	return nil
}

func (d *Device) logWire(msg, line string) {
	if d.trace {
		logging.Info(msg, "device", d.name, "line", line)
		return
	}
	logging.Debug(msg, "device", d.name, "line", line)
}

func (d *Device) write(ctx context.Context, op, cmd string) error {
	d.logWire("arduino write", cmd)
	if err := d.t.WriteLine(ctx, cmd); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (d *Device) read(ctx context.Context, op string, max int) (string, error) {
	line, err := d.t.ReadLine(ctx, max)
	if err != nil {
		return "", &TransportError{Op: op, Err: err}
	}
	d.logWire("arduino read", line)
	return line, nil
}

// call is handshake, write, and a read of at most max bytes when max > 0.
func (d *Device) call(ctx context.Context, op, cmd string, max int) (string, error) {
	if err := d.handshake(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := d.write(ctx, op, cmd); err != nil {
		return "", err
	}
	if max <= 0 {
		return "", nil
	}
	return d.read(ctx, op, max)
}

// ReadInit requests the full packet and replaces the cache with it.
func (d *Device) ReadInit(ctx context.Context) (Snapshot, error) {
	const op = "read init"
	if err := d.handshake(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", op, err)
	}
	if err := d.write(ctx, op, FormatCommand(cmdInit)); err != nil {
		return Snapshot{}, err
	}
	if err := d.sleep(ctx, d.initSettle); err != nil {
		return Snapshot{}, err
	}
	line, err := d.read(ctx, op, packetMaxRead)
	if err != nil {
		return Snapshot{}, err
	}
	s, err := DecodeFullChannels(line, d.channels)
	if err != nil {
		return Snapshot{}, err
	}
	d.cache.ApplyFull(s)
	return s.Clone(), nil
}

// ReadPartial requests the changed-fields packet and merges it into the
// cache. It fails with ErrNotInitialized before any ReadInit.
func (d *Device) ReadPartial(ctx context.Context) (Snapshot, error) {
	if d.isClosed() {
		return Snapshot{}, ErrClosed
	}
	if !d.cache.Initialized() {
		return Snapshot{}, ErrNotInitialized
	}
	line, err := d.call(ctx, "read packet", FormatCommand(cmdPack), packetMaxRead)
	if err != nil {
		return Snapshot{}, err
	}
	p, err := DecodePartial(line)
	if err != nil {
		return Snapshot{}, err
	}
	return d.cache.ApplyPartial(p)
}

// SetValueMax writes the maximum setpoint, reads the confirmation and saves
// the settings. No range check is made here.
func (d *Device) SetValueMax(ctx context.Context, v float64) (string, error) {
	return d.setAndPersist(ctx, "set value max", FormatCommand(cmdValueMax, FormatValue(v)))
}

func (d *Device) SetValueMin(ctx context.Context, v float64) (string, error) {
	return d.setAndPersist(ctx, "set value min", FormatCommand(cmdValueMin, FormatValue(v)))
}

// SetChannelOffset writes the offset of channel ch (1..4).
func (d *Device) SetChannelOffset(ctx context.Context, ch int, v float64) (string, error) {
	if ch < MinChannel || ch > MaxChannel {
		return "", fmt.Errorf("set offset channel %d: %w", ch, ErrInvalidChannel)
	}
	return d.setAndPersist(ctx, "set offset", FormatCommand(cmdOffsetValue, strconv.Itoa(ch), FormatValue(v)))
}

// RequestDefaults asks the sketch to restore its built-in setpoints.
func (d *Device) RequestDefaults(ctx context.Context) (string, error) {
	return d.setAndPersist(ctx, "request defaults", FormatCommand(cmdDefault))
}

func (d *Device) setAndPersist(ctx context.Context, op, cmd string) (string, error) {
	reply, err := d.call(ctx, op, cmd, confirmMaxRead)
	if err != nil {
		return "", err
	}
	logging.Debug("arduino confirmation", "device", d.name, "op", op, "reply", reply)
	if err := d.Persist(ctx); err != nil {
		return reply, err
	}
	return reply, nil
}

// FetchDefaults queries the sketch's built-in setpoints.
func (d *Device) FetchDefaults(ctx context.Context) (Defaults, error) {
	line, err := d.call(ctx, "fetch defaults", FormatCommand(cmdDefaultValues), packetMaxRead)
	if err != nil {
		return Defaults{}, err
	}
	return DecodeDefaults(line)
}

// Persist tells the sketch to store its setpoints. No reply is expected.
func (d *Device) Persist(ctx context.Context) error {
	_, err := d.call(ctx, "persist", FormatCommand(cmdSave), 0)
	return err
}

// ToggleOutput flips the output and returns the sketch's reply verbatim.
// The cached output status changes only with the next packet read.
func (d *Device) ToggleOutput(ctx context.Context) (string, error) {
	return d.call(ctx, "toggle output", FormatCommand(cmdStatus), confirmMaxRead)
}

// Flush discards unread input. No handshake is made.
func (d *Device) Flush() error {
	if d.isClosed() {
		return ErrClosed
	}
	if err := d.t.Flush(); err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	return nil
}

// Close releases the transport. Closing twice is a no-op.
func (d *Device) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.cache.Reset()
	if err := d.t.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Snapshot returns the cached merged view; ok is false before ReadInit.
func (d *Device) Snapshot() (Snapshot, bool) { return d.cache.Current() }

func (d *Device) PreviousSnapshot() Snapshot { return d.cache.Previous() }

func (d *Device) Changed() Field { return d.cache.Changed() }
