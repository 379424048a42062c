package poller

import (
	"fmt"
	"sync"
	"time"

	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
)

type CommandScheduler interface {
	Schedule(cmd labduino.DeviceCommand, delay time.Duration) (id string, err error)
	SchedulePulse(cmd labduino.DeviceCommand, delay time.Duration) (err error)
	ClearPulse(cmd labduino.DeviceCommand) bool
	Cancel(id string) bool
	Stop()
}

// commandScheduler pushes delayed commands back into the poller queue. Timers
// fire on their own goroutines, hence the mutex.
type commandScheduler struct {
	mu            sync.Mutex
	timers        map[string]*time.Timer
	pulses        map[string]*time.Timer
	commandPusher labduino.CommandPusher
}

func NewCommandScheduler(pusher labduino.CommandPusher) CommandScheduler {
	logging.Debug("Command scheduler created")
	return &commandScheduler{
		timers:        make(map[string]*time.Timer),
		pulses:        make(map[string]*time.Timer),
		commandPusher: pusher,
	}
}

func (cs *commandScheduler) push(cmd labduino.DeviceCommand) {
	if !cs.commandPusher.PushCommand(cmd) {
		logging.Warn("Scheduled command dropped, queue full", "device", cmd.Device.Name, "action", cmd.Action)
	}
}

func (cs *commandScheduler) Schedule(cmd labduino.DeviceCommand, delay time.Duration) (string, error) {
	if delay <= 0 {
		cs.push(cmd)
		return "", nil
	}
	id := cmd.ID
	if id == "" {
		id = fmt.Sprintf("%d", time.Now().UnixNano())
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if old, exists := cs.timers[id]; exists {
		old.Stop()
	}
	cs.timers[id] = time.AfterFunc(delay, func() {
		cs.mu.Lock()
		delete(cs.timers, id)
		cs.mu.Unlock()
		cs.push(cmd)
	})
	return id, nil
}

// SchedulePulse arms the pulse-back command of a device, replacing any armed
// one.
func (cs *commandScheduler) SchedulePulse(cmd labduino.DeviceCommand, delay time.Duration) error {
	if delay <= 0 {
		cs.push(cmd)
		return nil
	}
	name := cmd.Device.Name

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if old, exists := cs.pulses[name]; exists {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		cs.mu.Lock()
		if cs.pulses[name] == timer {
			delete(cs.pulses, name)
		}
		cs.mu.Unlock()
		cs.push(cmd)
	})
	cs.pulses[name] = timer
	return nil
}

func (cs *commandScheduler) ClearPulse(cmd labduino.DeviceCommand) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if timer, exists := cs.pulses[cmd.Device.Name]; exists {
		timer.Stop()
		delete(cs.pulses, cmd.Device.Name)
		return true
	}
	return false
}

func (cs *commandScheduler) Cancel(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if timer, exists := cs.timers[id]; exists {
		timer.Stop()
		delete(cs.timers, id)
		return true
	}
	return false
}

func (cs *commandScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for id, timer := range cs.timers {
		timer.Stop()
		delete(cs.timers, id)
	}
	for name, timer := range cs.pulses {
		timer.Stop()
		delete(cs.pulses, name)
	}
	logging.Debug("Command scheduler stopped")
}
