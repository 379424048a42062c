package poller

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/transport"
)

type fakeClient struct {
	ops      []string
	snap     arduino.Snapshot
	ready    bool
	initErr  error
	closed   bool
	toggleOK string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		snap: arduino.Snapshot{
			Output:   arduino.OutputOff,
			Channels: arduino.Channels{"1": 20, "2": 21, "3": 22, "4": 23},
			Min:      70,
			Max:      100,
			Offsets:  arduino.Channels{"1": 0, "2": 0, "3": 0, "4": 0},
			Average:  21.5,
		},
		toggleOK: "Status changed",
	}
}

func (f *fakeClient) ReadInit(ctx context.Context) (arduino.Snapshot, error) {
	f.ops = append(f.ops, "init")
	if f.initErr != nil {
		return arduino.Snapshot{}, f.initErr
	}
	f.ready = true
	return f.snap.Clone(), nil
}

func (f *fakeClient) ReadPartial(ctx context.Context) (arduino.Snapshot, error) {
	f.ops = append(f.ops, "pack")
	return f.snap.Clone(), nil
}

func (f *fakeClient) SetValueMax(ctx context.Context, v float64) (string, error) {
	f.ops = append(f.ops, fmt.Sprintf("max %v", v))
	return "Max set", nil
}

func (f *fakeClient) SetValueMin(ctx context.Context, v float64) (string, error) {
	f.ops = append(f.ops, fmt.Sprintf("min %v", v))
	return "Min set", nil
}

func (f *fakeClient) SetChannelOffset(ctx context.Context, ch int, v float64) (string, error) {
	f.ops = append(f.ops, fmt.Sprintf("offset %d %v", ch, v))
	return "Offset set", nil
}

func (f *fakeClient) RequestDefaults(ctx context.Context) (string, error) {
	f.ops = append(f.ops, "default")
	return "Defaults set", nil
}

func (f *fakeClient) FetchDefaults(ctx context.Context) (arduino.Defaults, error) {
	f.ops = append(f.ops, "defaultValues")
	return arduino.Defaults{Min: 70, Max: 100, Offset: 0}, nil
}

func (f *fakeClient) ToggleOutput(ctx context.Context) (string, error) {
	f.ops = append(f.ops, "status")
	return f.toggleOK, nil
}

func (f *fakeClient) Flush() error {
	f.ops = append(f.ops, "flush")
	return nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func (f *fakeClient) Snapshot() (arduino.Snapshot, bool) { return f.snap.Clone(), f.ready }

type recordingPublisher struct {
	mu     sync.Mutex
	states []labduino.DeviceState
	events []labduino.DeviceEvent
}

func (r *recordingPublisher) PublishDeviceState(ctx context.Context, s labduino.DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	return nil
}

func (r *recordingPublisher) PublishDeviceEvent(ctx context.Context, e labduino.DeviceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) eventNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Event
	}
	return names
}

func (r *recordingPublisher) lastState() labduino.DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

type sinkUpdate struct {
	device string
	ok     bool
}

type recordingSink struct{ updates []sinkUpdate }

func (s *recordingSink) Update(device string, _ arduino.Snapshot, ok bool) {
	s.updates = append(s.updates, sinkUpdate{device, ok})
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testDevice() *config.DeviceConfig {
	return &config.DeviceConfig{
		Name:              "bench",
		Port:              "/dev/ttyACM0",
		Channels:          4,
		ToggleCooldownMs:  3000,
		CommandBufferSize: 2,
		PollIntervalMs:    1000,
	}
}

func newTestPoller(t *testing.T, client *fakeClient) (*SerialDevicePoller, *recordingPublisher, *clock) {
	t.Helper()
	pub := &recordingPublisher{}
	clk := &clock{t: time.Unix(1700000000, 0)}
	open := func(*config.DeviceConfig) (DeviceClient, error) { return client, nil }
	p := NewSerialDevicePoller(testDevice(), open, pub, nil, nil)
	p.now = clk.now
	t.Cleanup(p.scheduler.Stop)
	return p, pub, clk
}

func cmd(action string) labduino.DeviceCommand {
	return labduino.DeviceCommand{ID: "c1", Device: testDevice(), Action: action}
}

func TestInitPublishesSnapshot(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)
	sink := &recordingSink{}
	p.sink = sink

	p.pollOnce(context.Background())

	if !p.initialized {
		t.Fatal("expected poller to be initialized")
	}
	if !reflect.DeepEqual(client.ops, []string{"init", "flush"}) {
		t.Fatalf("expected init then flush, got %v", client.ops)
	}
	st := pub.lastState()
	if st.Status != labduino.StatusOK || st.ValueMax != 100 || st.Output != "off" || st.ChannelValues["3"] != 22 {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(sink.updates) != 1 || !sink.updates[0].ok {
		t.Fatalf("expected one valid mirror update, got %v", sink.updates)
	}
}

func TestInitFailureBacksOff(t *testing.T) {
	client := newFakeClient()
	client.initErr = &arduino.TransportError{Op: "read init", Err: &transport.NoResponseError{After: time.Second}}
	p, pub, clk := newTestPoller(t, client)
	ctx := context.Background()

	p.pollOnce(ctx)
	if p.initialized {
		t.Fatal("expected poller to stay uninitialized")
	}
	if p.backoff != backoffMin {
		t.Fatalf("expected backoff %v, got %v", backoffMin, p.backoff)
	}
	if st := pub.lastState(); st.Status != labduino.StatusUninitialized || len(st.Errors) != 1 {
		t.Fatalf("expected uninitialized state with error, got %+v", st)
	}

	// inside the backoff window nothing is sent
	p.pollOnce(ctx)
	if len(client.ops) != 1 {
		t.Fatalf("expected no retry inside backoff, got %v", client.ops)
	}

	clk.advance(backoffMin)
	p.pollOnce(ctx)
	if p.backoff != 2*backoffMin {
		t.Fatalf("expected doubled backoff, got %v", p.backoff)
	}
	if client.closed {
		t.Fatal("a read timeout must not drop the connection")
	}

	for i := 0; i < 10; i++ {
		clk.advance(backoffMax)
		p.pollOnce(ctx)
	}
	if p.backoff != backoffMax {
		t.Fatalf("expected backoff capped at %v, got %v", backoffMax, p.backoff)
	}

	client.initErr = nil
	clk.advance(backoffMax)
	p.pollOnce(ctx)
	if !p.initialized || p.backoff != 0 {
		t.Fatalf("expected recovery, initialized=%v backoff=%v", p.initialized, p.backoff)
	}
}

func TestPollSkippedWhenAutoUpdateStopped(t *testing.T) {
	client := newFakeClient()
	p, _, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)

	p.handleCommand(ctx, cmd("stopContinuous"))
	p.pollOnce(ctx)
	p.handleCommand(ctx, cmd("startContinuous"))
	p.pollOnce(ctx)

	want := []string{"init", "flush", "pack", "flush"}
	if !reflect.DeepEqual(client.ops, want) {
		t.Fatalf("expected %v, got %v", want, client.ops)
	}
}

func TestSetMaxOnlyWhenDifferent(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)
	client.ops = nil

	same := cmd("setMax")
	same.Value = 100
	p.handleCommand(ctx, same)
	if len(client.ops) != 0 {
		t.Fatalf("expected no write for unchanged max, got %v", client.ops)
	}

	changed := cmd("setMax")
	changed.Value = 120
	p.handleCommand(ctx, changed)
	if !reflect.DeepEqual(client.ops, []string{"max 120", "flush"}) {
		t.Fatalf("expected max write then flush, got %v", client.ops)
	}
	names := pub.eventNames()
	if len(names) != 1 || names[0] != "setpointWritten" {
		t.Fatalf("expected one setpointWritten event, got %v", names)
	}
}

func TestSetOffsetsWritesChangedChannels(t *testing.T) {
	client := newFakeClient()
	p, _, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)
	client.ops = nil

	c := cmd("setOffsets")
	c.Values = map[string]float64{"4": 1.5, "1": 0, "2": -0.5}
	p.handleCommand(ctx, c)

	want := []string{"offset 2 -0.5", "offset 4 1.5", "flush"}
	if !reflect.DeepEqual(client.ops, want) {
		t.Fatalf("expected %v, got %v", want, client.ops)
	}
}

func TestCommandBeforeInitFails(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)

	c := cmd("setMin")
	c.Value = 50
	p.handleCommand(context.Background(), c)

	if len(client.ops) != 0 {
		t.Fatalf("expected no device I/O, got %v", client.ops)
	}
	names := pub.eventNames()
	if len(names) != 1 || names[0] != "commandError" {
		t.Fatalf("expected commandError, got %v", names)
	}
}

func TestToggleCooldown(t *testing.T) {
	client := newFakeClient()
	p, pub, clk := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)
	client.ops = nil

	p.handleCommand(ctx, cmd("toggleOutput"))
	clk.advance(time.Second)
	p.handleCommand(ctx, cmd("toggleOutput"))
	clk.advance(3 * time.Second)
	p.handleCommand(ctx, cmd("toggleOutput"))

	want := []string{"status", "flush", "status", "flush"}
	if !reflect.DeepEqual(client.ops, want) {
		t.Fatalf("expected %v, got %v", want, client.ops)
	}
	wantEvents := []string{"outputToggled", "rapidClick", "outputToggled"}
	if !reflect.DeepEqual(pub.eventNames(), wantEvents) {
		t.Fatalf("expected events %v, got %v", wantEvents, pub.eventNames())
	}
}

func TestPulsedToggleSchedulesToggleBack(t *testing.T) {
	client := newFakeClient()
	p, _, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)

	c := cmd("toggleOutput")
	c.PulseMs = 10
	p.handleCommand(ctx, c)

	select {
	case back := <-p.cmdCh:
		if back.Action != actionPulseBack || back.PulseMs != 0 {
			t.Fatalf("unexpected pulse command %+v", back)
		}
		p.handleCommand(ctx, back)
	case <-time.After(2 * time.Second):
		t.Fatal("expected pulse-back command")
	}
	if got := client.ops[len(client.ops)-2:]; !reflect.DeepEqual(got, []string{"status", "flush"}) {
		t.Fatalf("expected pulse-back toggle despite cooldown, got %v", client.ops)
	}
}

func TestGrabDefaultsPublishesEvent(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)

	p.handleCommand(ctx, cmd("grabDefaults"))

	ev := pub.events[len(pub.events)-1]
	if ev.Event != "defaults" || ev.CommandID != "c1" || ev.Data["min"] != 70.0 || ev.Data["max"] != 100.0 {
		t.Fatalf("unexpected defaults event %+v", ev)
	}
}

func TestShotLifecycle(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)

	buffered := cmd("transitionToBuffered")
	buffered.ShotID = "shot-7"
	p.handleCommand(ctx, buffered)
	if st := pub.lastState(); st.PendingShot != "shot-7" {
		t.Fatalf("expected pending shot in state, got %+v", st)
	}

	client.ops = nil
	p.handleCommand(ctx, cmd("transitionToManual"))
	if !reflect.DeepEqual(client.ops, []string{"pack", "flush"}) {
		t.Fatalf("expected packet download, got %v", client.ops)
	}
	ev := pub.events[len(pub.events)-1]
	if ev.Event != "shotRecorded" || ev.Data["shotId"] != "shot-7" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if st := pub.lastState(); st.PendingShot != "" {
		t.Fatalf("expected no pending shot after manual, got %q", st.PendingShot)
	}

	p.handleCommand(ctx, cmd("abort"))
	ev = pub.events[len(pub.events)-1]
	if ev.Event != "aborted" || ev.Data["hadPending"] != false {
		t.Fatalf("unexpected abort event %+v", ev)
	}
}

func TestPortFailureDropsConnection(t *testing.T) {
	client := newFakeClient()
	p, _, _ := newTestPoller(t, client)
	p.pollOnce(context.Background())

	p.fail(context.Background(), "packet", &arduino.TransportError{Op: "read packet", Err: errors.New("device disconnected")})
	if !client.closed || p.client != nil || p.initialized {
		t.Fatal("expected client closed and poller uninitialized")
	}
}

func TestToDeviceCommand(t *testing.T) {
	in := labduino.IncomingDeviceCommand{
		ID:      "x",
		Action:  "setOffsets",
		Channel: "2",
		Value:   "1.25",
		Values:  map[string]any{"1": 0.5, "3": "-1"},
		PulseMs: 250.0,
	}
	c, err := toDeviceCommand(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Channel != 2 || c.Value != 1.25 || c.PulseMs != 250 || c.Values["3"] != -1 || c.Values["1"] != 0.5 {
		t.Fatalf("unexpected command %+v", c)
	}

	in.Value = "abc"
	if _, err := toDeviceCommand(in); err == nil {
		t.Fatal("expected error for non numeric value")
	}
}

func TestOnDeviceCommandQueueFull(t *testing.T) {
	cfg := &config.Config{Devices: []config.DeviceConfig{*testDevice()}}
	open := func(*config.DeviceConfig) (DeviceClient, error) { return newFakeClient(), nil }
	pollers := NewDevicePollers(cfg, open, &recordingPublisher{}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := pollers.OnDeviceCommand(ctx, labduino.IncomingDeviceCommand{Device: "bench", Action: "refresh"}); err != nil {
			t.Fatalf("command %d rejected: %v", i, err)
		}
	}
	if err := pollers.OnDeviceCommand(ctx, labduino.IncomingDeviceCommand{Device: "bench", Action: "refresh"}); err == nil {
		t.Fatal("expected full queue to reject the command")
	}
	if err := pollers.OnDeviceCommand(ctx, labduino.IncomingDeviceCommand{Device: "nope", Action: "refresh"}); err == nil {
		t.Fatal("expected unknown device error")
	}
}

func TestBufferedShotHoldsDeviceCommands(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)

	armed := cmd("transitionToBuffered")
	armed.ShotID = "shot-1"
	p.handleCommand(ctx, armed)
	client.ops = nil

	setMax := cmd("setMax")
	setMax.Value = 55
	p.handleCommand(ctx, setMax)
	p.handleCommand(ctx, cmd("toggleOutput"))
	p.handleCommand(ctx, cmd("refresh"))
	p.pollOnce(ctx)
	if len(client.ops) != 0 {
		t.Fatalf("expected no device I/O while buffered, got %v", client.ops)
	}
	want := []string{"buffered", "busy", "busy", "busy"}
	if !reflect.DeepEqual(pub.eventNames(), want) {
		t.Fatalf("expected events %v, got %v", want, pub.eventNames())
	}
	if st := pub.lastState(); st.PendingShot != "shot-1" {
		t.Fatalf("expected pending shot kept, got %+v", st)
	}

	p.handleCommand(ctx, cmd("transitionToManual"))
	p.handleCommand(ctx, setMax)
	p.pollOnce(ctx)
	wantOps := []string{"pack", "flush", "max 55", "flush", "pack", "flush"}
	if !reflect.DeepEqual(client.ops, wantOps) {
		t.Fatalf("expected %v after manual, got %v", wantOps, client.ops)
	}
}

func TestAbortReleasesBufferedShot(t *testing.T) {
	client := newFakeClient()
	p, _, _ := newTestPoller(t, client)
	ctx := context.Background()
	p.pollOnce(ctx)

	armed := cmd("transitionToBuffered")
	armed.ShotID = "shot-2"
	p.handleCommand(ctx, armed)
	p.handleCommand(ctx, cmd("abort"))
	client.ops = nil

	p.handleCommand(ctx, cmd("toggleOutput"))
	if !reflect.DeepEqual(client.ops, []string{"status", "flush"}) {
		t.Fatalf("expected toggle after abort, got %v", client.ops)
	}
}

func TestSetDefaultsSchedulesRefresh(t *testing.T) {
	client := newFakeClient()
	p, pub, _ := newTestPoller(t, client)
	p.defaultsRefresh = 10 * time.Millisecond
	ctx := context.Background()
	p.pollOnce(ctx)
	client.ops = nil

	p.handleCommand(ctx, cmd("setDefaults"))
	if !reflect.DeepEqual(client.ops, []string{"default", "flush"}) {
		t.Fatalf("expected defaults write then flush, got %v", client.ops)
	}
	if names := pub.eventNames(); len(names) != 1 || names[0] != "defaultsRestored" {
		t.Fatalf("expected defaultsRestored, got %v", names)
	}

	select {
	case next := <-p.cmdCh:
		if next.Action != "refresh" || next.ID != defaultsRefreshID {
			t.Fatalf("unexpected scheduled command %+v", next)
		}
		p.handleCommand(ctx, next)
	case <-time.After(2 * time.Second):
		t.Fatal("expected refresh after setDefaults")
	}
	if got := client.ops[len(client.ops)-2:]; !reflect.DeepEqual(got, []string{"pack", "flush"}) {
		t.Fatalf("expected packet read, got %v", client.ops)
	}
}

func TestInitCancelsDefaultsRefresh(t *testing.T) {
	client := newFakeClient()
	p, _, _ := newTestPoller(t, client)
	p.defaultsRefresh = 50 * time.Millisecond
	ctx := context.Background()
	p.pollOnce(ctx)

	p.handleCommand(ctx, cmd("setDefaults"))
	p.handleCommand(ctx, cmd("init"))

	select {
	case next := <-p.cmdCh:
		t.Fatalf("expected refresh cancelled, got %+v", next)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResyncRepublishesEveryDevice(t *testing.T) {
	cfg := &config.Config{Devices: []config.DeviceConfig{*testDevice()}}
	client := newFakeClient()
	open := func(*config.DeviceConfig) (DeviceClient, error) { return client, nil }
	pub := &recordingPublisher{}
	pollers := NewDevicePollers(cfg, open, pub, nil, nil)
	p := pollers.FindPoller("bench").(*SerialDevicePoller)
	t.Cleanup(p.scheduler.Stop)
	ctx := context.Background()
	p.pollOnce(ctx)
	client.ops = nil
	before := len(pub.states)

	pollers.OnResync(ctx)
	select {
	case c := <-p.cmdCh:
		p.handleCommand(ctx, c)
	default:
		t.Fatal("expected republish queued")
	}
	if len(client.ops) != 0 {
		t.Fatalf("expected no device I/O, got %v", client.ops)
	}
	if len(pub.states) != before+1 || pub.lastState().Status != labduino.StatusOK {
		t.Fatalf("expected one ok state republished, got %d states", len(pub.states)-before)
	}
}

func TestDeviceOptionsFromConfig(t *testing.T) {
	d := testDevice()
	d.Debug = true
	d.InitSettleMs = -1
	d.Channels = 2
	d.HandshakeAttempts = 3

	opts := deviceOptions(d)
	if !opts.Trace || opts.InitSettle >= 0 || opts.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if !reflect.DeepEqual(opts.Channels, []string{"1", "2"}) {
		t.Fatalf("unexpected channels %v", opts.Channels)
	}
}
