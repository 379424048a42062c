package poller

import (
	"context"
	"time"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/labduino"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

// DeviceClient is the command façade of one sketch. *arduino.Device
// implements it.
type DeviceClient interface {
	ReadInit(ctx context.Context) (arduino.Snapshot, error)
	ReadPartial(ctx context.Context) (arduino.Snapshot, error)

	SetValueMax(ctx context.Context, v float64) (string, error)
	SetValueMin(ctx context.Context, v float64) (string, error)
	SetChannelOffset(ctx context.Context, ch int, v float64) (string, error)
	RequestDefaults(ctx context.Context) (string, error)
	FetchDefaults(ctx context.Context) (arduino.Defaults, error)
	ToggleOutput(ctx context.Context) (string, error)

	Flush() error
	Close() error
	Snapshot() (arduino.Snapshot, bool)
}

// Opener connects the client for a configured device.
type Opener func(device *config.DeviceConfig) (DeviceClient, error)

// SnapshotSink receives every snapshot read; ok=false marks a failed read.
// *mirror.Mirror implements it.
type SnapshotSink interface {
	Update(device string, s arduino.Snapshot, ok bool)
}

type DevicePoller interface {
	labduino.CommandPusher
	StartPoller(ctx context.Context) // runs the polling worker until ctx is done
	StopPoller()
	GetDevice() *config.DeviceConfig
}

// OpenArduino opens the serial port of device and wraps it in an
// *arduino.Device.
func OpenArduino(device *config.DeviceConfig) (DeviceClient, error) {
	d, err := arduino.Open(device.TransportConfig(), deviceOptions(device))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func deviceOptions(device *config.DeviceConfig) arduino.Options {
	return arduino.Options{
		Name:       device.Name,
		InitSettle: device.InitSettle(),
		Channels:   device.ChannelIDs(),
		Trace:      device.Debug,
		Retry: arduino.RetryPolicy{
			MaxAttempts: device.HandshakeAttempts,
			Backoff:     device.HandshakeBackoff(),
		},
	}
}

const (
	backoffMin = 200 * time.Millisecond
	backoffMax = 5 * time.Second

	defaultsRefreshDelay = time.Second
)
