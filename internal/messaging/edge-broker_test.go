package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fisaks/labduino/internal/labduino"
)

type published struct {
	topic   string
	retain  bool
	payload []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []published
	subs      map[string]MessageHandler
	onConnect map[string]OnConnectPublisher
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: map[string]MessageHandler{}, onConnect: map[string]OnConnectPublisher{}}
}

func (f *fakeBroker) Connect(ctx context.Context) error { return nil }
func (f *fakeBroker) Close(ctx context.Context) error   { return nil }
func (f *fakeBroker) IsConnected() bool                 { return true }
func (f *fakeBroker) Topic(parts ...string) string {
	return "labduino/lab1/" + strings.Join(parts, "/")
}
func (f *fakeBroker) Publish(ctx context.Context, topic string, qos QoS, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, retain, payload})
	return nil
}
func (f *fakeBroker) PublishJSON(ctx context.Context, topic string, qos QoS, retain bool, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.Publish(ctx, topic, qos, retain, data)
}
func (f *fakeBroker) Subscribe(ctx context.Context, topic string, qos QoS, handler MessageHandler) (Subscription, error) {
	f.subs[topic] = handler
	return nil, nil
}
func (f *fakeBroker) AddOnConnectPublisher(id string, fn OnConnectPublisher) { f.onConnect[id] = fn }

type recordingSubscriber struct {
	got     []labduino.IncomingDeviceCommand
	err     error
	resyncs int
}

func (r *recordingSubscriber) OnResync(ctx context.Context) { r.resyncs++ }

func (r *recordingSubscriber) OnDeviceCommand(ctx context.Context, c labduino.IncomingDeviceCommand) error {
	r.got = append(r.got, c)
	return r.err
}

func TestPublishDeviceStateOnlyOnChange(t *testing.T) {
	fb := newFakeBroker()
	b := newEdgeBroker(fb, nil, time.Hour)
	st := labduino.DeviceState{Name: "bench", Status: labduino.StatusOK, ValueMax: 30}

	for i := 0; i < 3; i++ {
		st.Timestamp = time.Now()
		if err := b.PublishDeviceState(context.Background(), st); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if len(fb.published) != 1 {
		t.Fatalf("expected one publish for unchanged state, got %d", len(fb.published))
	}
	if fb.published[0].topic != "labduino/lab1/device/bench/state" || !fb.published[0].retain {
		t.Fatalf("unexpected publish %+v", fb.published[0])
	}

	st.ValueMax = 31
	_ = b.PublishDeviceState(context.Background(), st)
	if len(fb.published) != 2 {
		t.Fatalf("expected publish after change, got %d", len(fb.published))
	}

	b.ClearPublishedState()
	_ = b.PublishDeviceState(context.Background(), st)
	if len(fb.published) != 3 {
		t.Fatalf("expected publish after resync, got %d", len(fb.published))
	}
}

func TestOnMessageRoutesDeviceCommand(t *testing.T) {
	fb := newFakeBroker()
	b := newEdgeBroker(fb, nil, 0)
	sub := &recordingSubscriber{}
	if err := b.StartEdgeSubscriber(context.Background(), sub); err != nil {
		t.Fatalf("StartEdgeSubscriber failed: %v", err)
	}
	handler := fb.subs["labduino/lab1/device/+/cmd"]
	if handler == nil {
		t.Fatalf("expected device cmd subscription, got %v", fb.subs)
	}

	handler(context.Background(), "labduino/lab1/device/bench/cmd", []byte(`{"id":"c1","action":"setMax","value":35,"device":"other"}`))
	if len(sub.got) != 1 {
		t.Fatalf("expected one command, got %d", len(sub.got))
	}
	if sub.got[0].Device != "bench" || sub.got[0].Action != "setMax" {
		t.Fatalf("unexpected command %+v", sub.got[0])
	}

	handler(context.Background(), "labduino/lab1/bench", []byte(`{}`))
	handler(context.Background(), "labduino/lab1/device/bench/cmd", []byte(`not json`))
	if len(sub.got) != 1 {
		t.Fatalf("expected malformed messages dropped, got %d", len(sub.got))
	}
}

func TestOnMessagePublishesCommandError(t *testing.T) {
	fb := newFakeBroker()
	b := newEdgeBroker(fb, nil, 0)
	sub := &recordingSubscriber{err: errors.New("command buffer full")}
	_ = b.StartEdgeSubscriber(context.Background(), sub)

	b.OnMessage(context.Background(), "labduino/lab1/device/bench/cmd", []byte(`{"id":"c9","action":"refresh"}`))
	if len(fb.published) != 1 || fb.published[0].topic != "labduino/lab1/device/bench/event" {
		t.Fatalf("expected commandError event, got %+v", fb.published)
	}
	var ev labduino.DeviceEvent
	if err := json.Unmarshal(fb.published[0].payload, &ev); err != nil {
		t.Fatalf("event json: %v", err)
	}
	if ev.Event != "commandError" || ev.CommandID != "c9" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestResyncClearsStateAndAsksDevices(t *testing.T) {
	fb := newFakeBroker()
	b := newEdgeBroker(fb, nil, 0)
	sub := &recordingSubscriber{}
	_ = b.StartEdgeSubscriber(context.Background(), sub)
	st := labduino.DeviceState{Name: "bench", Status: labduino.StatusOK}
	_ = b.PublishDeviceState(context.Background(), st)

	b.OnEdgeMessage(context.Background(), "labduino/lab1/cmd", []byte(`{"action":"resync"}`))
	if sub.resyncs != 1 {
		t.Fatalf("expected devices asked to republish, got %d", sub.resyncs)
	}
	_ = b.PublishDeviceState(context.Background(), st)
	if len(fb.published) != 2 {
		t.Fatalf("expected republish after resync, got %d", len(fb.published))
	}
}

func TestMsgBrokerTopic(t *testing.T) {
	b := NewMsgBroker(BrokerConfig{TopicPrefix: "labduino/lab1/"})
	if got := b.Topic("device", "bench", "state"); got != "labduino/lab1/device/bench/state" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := NewMsgBroker(BrokerConfig{}).Topic("catalog"); got != "catalog" {
		t.Fatalf("unexpected topic without prefix %q", got)
	}
}

func TestStatusPayload(t *testing.T) {
	b := NewMsgBroker(BrokerConfig{ClientName: "lab1", StatusTopic: "status"})
	b.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	var st EdgeStatus
	if err := json.Unmarshal(b.statusPayload(false), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Edge != "lab1" || st.Online || !st.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected status %+v", st)
	}
}
