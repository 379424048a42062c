package poller

import (
	"context"
	"errors"
	"time"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/shot"
	"github.com/fisaks/labduino/internal/transport"
)

// SerialDevicePoller owns one sketch. Only its poller goroutine talks to the
// client, so exactly one request is in flight at a time.
type SerialDevicePoller struct {
	Device     *config.DeviceConfig
	PollPeriod time.Duration

	cmdCh  chan labduino.DeviceCommand
	pollCh chan ZeroSignal

	open        Opener
	client      DeviceClient
	initialized bool
	autoUpdate  bool

	// init retry state
	backoff time.Duration
	retryAt time.Time
	lastErr error

	lastToggle time.Time
	now        func() time.Time

	// delay of the refresh that follows setDefaults
	defaultsRefresh time.Duration

	scheduler     CommandScheduler
	recorder      *shot.Recorder
	edgePublisher labduino.EdgePublisher
	sink          SnapshotSink
}

// NewSerialDevicePoller builds the poller of device. recorder and sink may be
// nil.
func NewSerialDevicePoller(device *config.DeviceConfig, open Opener, edgePublisher labduino.EdgePublisher,
	recorder *shot.Recorder, sink SnapshotSink) *SerialDevicePoller {

	if recorder == nil {
		recorder = shot.NewRecorder(device.Name, device.ChannelIDs(), nil)
	}
	bufSize := device.CommandBufferSize
	if bufSize <= 0 {
		bufSize = config.DefaultCommandBufferSize
	}
	period := device.PollInterval()
	if period <= 0 {
		period = time.Duration(config.DefaultPollIntervalMs) * time.Millisecond
	}

	poller := &SerialDevicePoller{
		Device:     device,
		PollPeriod: period,

		cmdCh:  make(chan labduino.DeviceCommand, bufSize),
		pollCh: make(chan ZeroSignal, 1),

		open:       open,
		autoUpdate: device.AutoUpdateEnabled(),
		now:        time.Now,

		defaultsRefresh: defaultsRefreshDelay,

		recorder:      recorder,
		edgePublisher: edgePublisher,
		sink:          sink,
	}
	poller.scheduler = NewCommandScheduler(poller)
	return poller
}

func (p *SerialDevicePoller) GetDevice() *config.DeviceConfig {
	return p.Device
}

func (p *SerialDevicePoller) StartPoller(ctx context.Context) {
	if d := p.Device.StartupDelay(); d > 0 {
		logging.Debug("DevicePoller waiting for sketch start-up", "device", p.Device.Name, "delay", d)
		select {
		case <-ctx.Done():
			p.StopPoller()
			return
		case <-time.After(d):
		}
	}

	go func() {
		t := time.NewTicker(p.PollPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				logging.Info("DevicePoller ctx done", "device", p.Device.Name)
				return
			case <-t.C:
				p.signalPoll()
			}
		}
	}()
	logging.Info("DevicePoller started", "device", p.Device.Name, "port", p.Device.Port, "driver", p.Device.Driver,
		"poll", p.PollPeriod.Milliseconds(), "autoUpdate", p.autoUpdate)
	p.signalPoll() // init right away
	p.poller(ctx)
}

func (p *SerialDevicePoller) StopPoller() {
	p.scheduler.Stop()
	p.closeClient()
	logging.Info("DevicePoller stopped", "device", p.Device.Name)
}

// signalPoll queues a poll; dropped if one is already queued.
func (p *SerialDevicePoller) signalPoll() {
	select {
	case p.pollCh <- Zero:
	default:
	}
}

func (p *SerialDevicePoller) poller(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.StopPoller()
			return
		case cmd := <-p.cmdCh:
			p.handleCommand(ctx, cmd)
		case <-p.pollCh:
			p.pollOnce(ctx)
		}
	}
}

func (p *SerialDevicePoller) pollOnce(ctx context.Context) {
	if _, pending := p.recorder.Pending(); pending {
		return
	}
	if !p.initialized {
		if p.now().Before(p.retryAt) {
			return
		}
		p.initDevice(ctx)
		return
	}
	if !p.autoUpdate {
		return
	}
	if _, err := p.readPacket(ctx); err != nil {
		logging.Warn("Poll failed", "device", p.Device.Name, "error", err)
	}
}

func (p *SerialDevicePoller) ensureConnected() error {
	if p.client != nil {
		return nil
	}
	client, err := p.open(p.Device)
	if err != nil {
		return err
	}
	p.client = client
	return nil
}

func (p *SerialDevicePoller) closeClient() {
	if p.client != nil {
		if err := p.client.Close(); err != nil {
			logging.Warn("Close failed", "device", p.Device.Name, "error", err)
		}
		p.client = nil
	}
	p.initialized = false
}

func (p *SerialDevicePoller) bumpBackoff(err error) {
	p.lastErr = err
	if p.backoff == 0 {
		p.backoff = backoffMin
	} else {
		p.backoff *= 2
		if p.backoff > backoffMax {
			p.backoff = backoffMax
		}
	}
	p.retryAt = p.now().Add(p.backoff)
}

// initDevice opens the port if needed and reads the full packet.
func (p *SerialDevicePoller) initDevice(ctx context.Context) error {
	if err := p.ensureConnected(); err != nil {
		p.bumpBackoff(err)
		p.publishError(ctx, "open", err)
		return err
	}
	snap, err := p.client.ReadInit(ctx)
	if err == nil {
		err = p.client.Flush()
	}
	if err != nil {
		p.bumpBackoff(err)
		p.publishError(ctx, "init", err)
		if isPortFailure(err) {
			p.closeClient()
		}
		return err
	}
	if p.lastErr != nil {
		logging.Info("Device recovered", "device", p.Device.Name, "after", p.lastErr)
	}
	p.initialized = true
	p.backoff = 0
	p.retryAt = time.Time{}
	p.lastErr = nil
	logging.Info("Device initialized", "device", p.Device.Name, "channels", snap.Channels.Keys())
	p.publishSnapshot(ctx, snap)
	return nil
}

// readPacket merges the changed-fields packet and publishes the result. It
// is also the download step of a shot.
func (p *SerialDevicePoller) readPacket(ctx context.Context) (arduino.Snapshot, error) {
	if !p.initialized || p.client == nil {
		return arduino.Snapshot{}, arduino.ErrNotInitialized
	}
	snap, err := p.client.ReadPartial(ctx)
	if err == nil {
		err = p.client.Flush()
	}
	if err != nil {
		p.fail(ctx, "packet", err)
		return arduino.Snapshot{}, err
	}
	p.publishSnapshot(ctx, snap)
	return snap, nil
}

// fail publishes the error state and drops the connection when the port
// itself is gone.
func (p *SerialDevicePoller) fail(ctx context.Context, op string, err error) {
	p.publishError(ctx, op, err)
	if errors.Is(err, arduino.ErrNotInitialized) || errors.Is(err, arduino.ErrClosed) {
		p.initialized = false
	}
	if isPortFailure(err) {
		logging.Warn("Serial port failed, reconnecting", "device", p.Device.Name, "error", err)
		p.closeClient()
	}
}

// isPortFailure reports transport errors other than a read timeout.
func isPortFailure(err error) bool {
	var te *arduino.TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(err, transport.ErrTimeout) && !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (p *SerialDevicePoller) baseState(status string) labduino.DeviceState {
	shotID, _ := p.recorder.Pending()
	return labduino.DeviceState{
		Timestamp:   p.now(),
		Name:        p.Device.Name,
		Status:      status,
		AutoUpdate:  p.autoUpdate,
		PendingShot: shotID,
	}
}

func fillSnapshot(state *labduino.DeviceState, s arduino.Snapshot) {
	state.Output = s.Output.String()
	state.ChannelValues = s.Channels.Clone()
	state.ValueMin = s.Min
	state.ValueMax = s.Max
	state.ChannelOffsets = s.Offsets.Clone()
	state.ValueAverage = s.Average
}

func (p *SerialDevicePoller) publishSnapshot(ctx context.Context, s arduino.Snapshot) {
	if p.sink != nil {
		p.sink.Update(p.Device.Name, s, true)
	}
	state := p.baseState(labduino.StatusOK)
	fillSnapshot(&state, s)
	p.publishState(ctx, state)
}

// publishCurrent republishes the cached snapshot, e.g. after a command changed
// the pending shot or the auto-update flag.
func (p *SerialDevicePoller) publishCurrent(ctx context.Context) {
	if p.client == nil || !p.initialized {
		p.publishState(ctx, p.baseState(labduino.StatusUninitialized))
		return
	}
	s, ok := p.client.Snapshot()
	if !ok {
		p.publishState(ctx, p.baseState(labduino.StatusUninitialized))
		return
	}
	state := p.baseState(labduino.StatusOK)
	fillSnapshot(&state, s)
	p.publishState(ctx, state)
}

// publishError publishes an error state carrying the last known values.
func (p *SerialDevicePoller) publishError(ctx context.Context, op string, err error) {
	if p.sink != nil {
		p.sink.Update(p.Device.Name, arduino.Snapshot{}, false)
	}
	status := labduino.StatusError
	if !p.initialized {
		status = labduino.StatusUninitialized
	}
	state := p.baseState(status)
	state.Errors = []string{op + ": " + err.Error()}
	if p.client != nil {
		if s, ok := p.client.Snapshot(); ok {
			fillSnapshot(&state, s)
		}
	}
	p.publishState(ctx, state)
}

func (p *SerialDevicePoller) publishState(ctx context.Context, state labduino.DeviceState) {
	if p.edgePublisher == nil {
		return
	}
	if err := p.edgePublisher.PublishDeviceState(ctx, state); err != nil {
		logging.Warn("Failed to publish state", "device", p.Device.Name, "error", err)
	}
}

func (p *SerialDevicePoller) publishEvent(ctx context.Context, c labduino.DeviceCommand, event string, data map[string]any) {
	if p.edgePublisher == nil {
		return
	}
	err := p.edgePublisher.PublishDeviceEvent(ctx, labduino.DeviceEvent{
		Timestamp: p.now(),
		Device:    p.Device.Name,
		Event:     event,
		CommandID: c.ID,
		Data:      data,
	})
	if err != nil {
		logging.Warn("Failed to publish event", "device", p.Device.Name, "event", event, "error", err)
	}
}
