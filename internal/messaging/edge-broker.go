package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/state"
)

type EdgeBroker interface {
	Broker
	labduino.EdgePublisher
	StartEdgeSubscriber(ctx context.Context, subscriber labduino.EdgeSubscriber) error
	ClearPublishedState()
}

type edgeBroker struct {
	Broker
	subscriber        labduino.EdgeSubscriber
	edgeState         state.DeviceStateStore
	heartbeatInterval time.Duration
}

type edgeCommand struct {
	Action string `json:"action"`
}

func NewEdgeBroker(cfg BrokerConfig, catalog OnConnectPublisher, heartbeatInterval time.Duration) EdgeBroker {
	return newEdgeBroker(NewBroker(cfg), catalog, heartbeatInterval)
}

func newEdgeBroker(broker Broker, catalog OnConnectPublisher, heartbeatInterval time.Duration) *edgeBroker {
	edgeBroker := &edgeBroker{
		Broker:            broker,
		heartbeatInterval: heartbeatInterval,
		edgeState:         state.NewDeviceStateStore(),
	}
	if catalog != nil {
		edgeBroker.AddOnConnectPublisher("catalog", catalog)
	}
	return edgeBroker
}

// StartEdgeSubscriber subscribes to device commands (device/+/cmd) and the
// edge-wide cmd topic.
func (b *edgeBroker) StartEdgeSubscriber(ctx context.Context, subscriber labduino.EdgeSubscriber) error {
	b.subscriber = subscriber
	if _, err := b.Subscribe(ctx, b.Topic("device", "+", "cmd"), AtLeastOnce, b.OnMessage); err != nil {
		return err
	}
	_, err := b.Subscribe(ctx, b.Topic("cmd"), AtLeastOnce, b.OnEdgeMessage)
	return err
}

func (b *edgeBroker) ClearPublishedState() {
	b.edgeState.Clear()
}

func (b *edgeBroker) PublishDeviceState(ctx context.Context, state labduino.DeviceState) error {

	isChanged := b.edgeState.HasChanged(state.Name, state)
	needsHeartbeat := false
	if !isChanged {
		_, lastSent, hasPrev := b.edgeState.GetLast(state.Name)

		if b.heartbeatInterval > 0 {
			needsHeartbeat = !hasPrev || time.Since(lastSent) > b.heartbeatInterval
		}
	}
	if isChanged || needsHeartbeat {
		logging.Debug("Publishing device state", "deviceState", state)
		topic := b.Topic("device", state.Name, "state")

		err := b.PublishJSON(ctx, topic, FireAndForget, true, state)
		if err == nil {
			b.edgeState.Update(state.Name, state)
		}
		return err
	}
	return nil
}

func (b *edgeBroker) PublishDeviceEvent(ctx context.Context, event labduino.DeviceEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	topic := b.Topic("device", event.Device, "event")
	return b.PublishJSON(ctx, topic, AtLeastOnce, false, event)
}

func (b *edgeBroker) OnMessage(ctx context.Context, topic string, payload []byte) {
	logging.Debug("Received cmd message", "topic", topic)
	// labduino/<edge>/device/<deviceName>/cmd
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "cmd" || parts[len(parts)-3] != "device" {
		logging.Warn("cmd topic malformed", "topic", topic)
		return
	}
	deviceName := parts[len(parts)-2]

	var inCommand labduino.IncomingDeviceCommand
	if err := json.Unmarshal(payload, &inCommand); err != nil {
		logging.Warn("cmd json", "error", err)
		return
	}
	inCommand.Device = deviceName
	if b.subscriber == nil {
		logging.Warn("cmd dropped, no subscriber", "device", deviceName)
		return
	}
	if err := b.subscriber.OnDeviceCommand(ctx, inCommand); err != nil {
		logging.Warn("cmd handling", "device", deviceName, "error", err)
		_ = b.PublishDeviceEvent(ctx, labduino.DeviceEvent{
			Device:    deviceName,
			Event:     "commandError",
			CommandID: inCommand.ID,
			Data:      map[string]any{"action": inCommand.Action, "error": err.Error()},
		})
	}
}

// OnEdgeMessage handles edge-wide commands. "resync" republishes the state of
// every device.
func (b *edgeBroker) OnEdgeMessage(ctx context.Context, topic string, payload []byte) {
	var cmd edgeCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logging.Warn("edge cmd json", "error", err)
		return
	}
	switch strings.ToLower(cmd.Action) {
	case "resync":
		logging.Info("Received resync command")
		b.ClearPublishedState()
		if b.subscriber != nil {
			b.subscriber.OnResync(ctx)
		}
	default:
		logging.Warn("Unknown edge command", "action", cmd.Action)
	}
}
