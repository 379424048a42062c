package labduino

import (
	"context"
	"time"

	"github.com/fisaks/labduino/internal/config"
)

const (
	StatusOK            = "ok"
	StatusError         = "error"
	StatusUninitialized = "uninitialized"
)

// DeviceState is the published view of one device.
type DeviceState struct {
	Timestamp      time.Time          `json:"timestamp"`
	Name           string             `json:"name"`
	Status         string             `json:"status"` // "ok", "error", "uninitialized"
	Errors         []string           `json:"errors,omitempty"`
	Output         string             `json:"output,omitempty"` // "on", "off" or raw device text
	ChannelValues  map[string]float64 `json:"channelValues,omitempty"`
	ValueMin       float64            `json:"valueMin"`
	ValueMax       float64            `json:"valueMax"`
	ChannelOffsets map[string]float64 `json:"channelOffsets,omitempty"`
	ValueAverage   float64            `json:"valueAverage"`
	AutoUpdate     bool               `json:"autoUpdate"`
	PendingShot    string             `json:"pendingShot,omitempty"`
}

// DeviceEvent reports the outcome of a command or lifecycle step.
type DeviceEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Device    string         `json:"device"`
	Event     string         `json:"event"`
	CommandID string         `json:"commandId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type IncomingDeviceCommand struct {
	ID      string         `json:"id,omitempty"`
	Device  string         `json:"device,omitempty"` // overridden by topic
	Action  string         `json:"action"`
	Channel any            `json:"channel,omitempty"` // accept number or string
	Value   any            `json:"value,omitempty"`
	Values  map[string]any `json:"values,omitempty"` // channel -> offset
	PulseMs any            `json:"pulseMs,omitempty"`
	ShotID  string         `json:"shotId,omitempty"`
	File    string         `json:"file,omitempty"`
}

type DeviceCommand struct {
	ID      string
	Device  *config.DeviceConfig
	Action  string
	Channel int
	Value   float64
	Values  map[string]float64
	PulseMs int
	ShotID  string
	File    string
}

type CommandPusher interface {
	PushCommand(cmd DeviceCommand) bool
}
type EdgePublisher interface {
	PublishDeviceState(ctx context.Context, state DeviceState) error
	PublishDeviceEvent(ctx context.Context, event DeviceEvent) error
}
type EdgeSubscriber interface {
	OnDeviceCommand(ctx context.Context, command IncomingDeviceCommand) error
	// OnResync asks every device to publish its current state again.
	OnResync(ctx context.Context)
}
