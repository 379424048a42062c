package poller

import (
	"context"
	"sync"

	"github.com/fisaks/labduino/internal/config"
	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/shot"
)

type DevicePollers interface {
	labduino.EdgeSubscriber
	StartAllPollers(ctx context.Context)
	StopAllPollers()
	FindPoller(deviceName string) DevicePoller
	// OnMirrorWrite queues a register write from the mirror as a command.
	OnMirrorWrite(device, action string, channel int, value float64)
}

type devicePollers struct {
	pollers []DevicePoller
	wg      sync.WaitGroup
}

// NewDevicePollers builds one poller per configured device. store and sink
// may be nil.
func NewDevicePollers(cfg *config.Config, open Opener, edgePublisher labduino.EdgePublisher,
	store shot.Store, sink SnapshotSink) DevicePollers {

	if open == nil {
		open = OpenArduino
	}
	pollers := make([]DevicePoller, len(cfg.Devices))
	for i := range cfg.Devices {
		device := &cfg.Devices[i]
		recorder := shot.NewRecorder(device.Name, device.ChannelIDs(), store)
		pollers[i] = NewSerialDevicePoller(device, open, edgePublisher, recorder, sink)
	}
	return &devicePollers{pollers: pollers}
}

func (p *devicePollers) StartAllPollers(ctx context.Context) {
	for _, poller := range p.pollers {
		p.wg.Add(1)
		go func(poller DevicePoller) {
			defer p.wg.Done()
			poller.StartPoller(ctx)
		}(poller)
	}
}

// StopAllPollers waits for the pollers started with a now cancelled context.
func (p *devicePollers) StopAllPollers() {
	p.wg.Wait()
}

func (p *devicePollers) FindPoller(deviceName string) DevicePoller {
	for _, poller := range p.pollers {
		if poller.GetDevice().Name == deviceName {
			return poller
		}
	}
	return nil
}

func (p *devicePollers) OnMirrorWrite(device, action string, channel int, value float64) {
	poller := p.FindPoller(device)
	if poller == nil {
		return
	}
	ok := poller.PushCommand(labduino.DeviceCommand{
		Device:  poller.GetDevice(),
		Action:  action,
		Channel: channel,
		Value:   value,
	})
	if !ok {
		logging.Warn("Mirror write dropped, queue full", "device", device, "action", action)
	}
}

// OnResync queues a republish of the cached state on every poller.
func (p *devicePollers) OnResync(ctx context.Context) {
	for _, poller := range p.pollers {
		ok := poller.PushCommand(labduino.DeviceCommand{Device: poller.GetDevice(), Action: actionRepublish})
		if !ok {
			logging.Warn("Resync dropped, queue full", "device", poller.GetDevice().Name)
		}
	}
}
