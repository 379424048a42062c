package poller

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/labduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/fisaks/labduino/internal/util"
)

const (
	// actionPulseBack is the toggle scheduled by a pulsed toggleOutput. It
	// skips the cooldown.
	actionPulseBack = "pulseBack"
	// actionRepublish only republishes the cached state.
	actionRepublish = "republish"

	defaultsRefreshID = "defaults-refresh"
)

// heldWhileBuffered lists the actions that talk to the device and are
// refused while a shot is buffered. pulseBack still runs so a pulse started
// before the shot does not leave the output flipped.
var heldWhileBuffered = map[string]bool{
	"setmax":       true,
	"setmin":       true,
	"setoffset":    true,
	"setoffsets":   true,
	"setdefaults":  true,
	"grabdefaults": true,
	"toggleoutput": true,
	"refresh":      true,
	"init":         true,
}

func (p *devicePollers) OnDeviceCommand(ctx context.Context, command labduino.IncomingDeviceCommand) error {
	poller := p.FindPoller(command.Device)
	if poller == nil {
		return fmt.Errorf("device not found: %s", command.Device)
	}
	logging.Debug("Received device command", "device", command.Device, "action", command.Action,
		"channel", command.Channel, "value", command.Value, "pulseMs", command.PulseMs)

	cmd, err := toDeviceCommand(command)
	if err != nil {
		return err
	}
	cmd.Device = poller.GetDevice()
	if !poller.PushCommand(cmd) {
		return fmt.Errorf("command buffer full for device: %s", command.Device)
	}
	return nil
}

func toDeviceCommand(in labduino.IncomingDeviceCommand) (labduino.DeviceCommand, error) {
	cmd := labduino.DeviceCommand{
		ID:      in.ID,
		Action:  in.Action,
		Channel: util.ToInt(in.Channel),
		PulseMs: util.ToInt(in.PulseMs),
		ShotID:  in.ShotID,
		File:    in.File,
	}
	if in.Value != nil {
		v, ok := util.ToFloat64(in.Value)
		if !ok {
			return cmd, fmt.Errorf("invalid value %v for %s", in.Value, in.Action)
		}
		cmd.Value = v
	}
	if len(in.Values) > 0 {
		cmd.Values = make(map[string]float64, len(in.Values))
		for ch, raw := range in.Values {
			v, ok := util.ToFloat64(raw)
			if !ok {
				return cmd, fmt.Errorf("invalid offset %v for channel %s", raw, ch)
			}
			cmd.Values[ch] = v
		}
	}
	return cmd, nil
}

func (p *SerialDevicePoller) PushCommand(cmd labduino.DeviceCommand) bool {
	if p.cmdCh == nil {
		return false
	}
	select {
	case p.cmdCh <- cmd:
		return true
	default:
		return false
	}
}

func (p *SerialDevicePoller) handleCommand(ctx context.Context, c labduino.DeviceCommand) {
	if shotID, pending := p.recorder.Pending(); pending && heldWhileBuffered[strings.ToLower(c.Action)] {
		logging.Info("Command refused, shot buffered", "device", p.Device.Name, "action", c.Action, "shotId", shotID)
		p.publishEvent(ctx, c, "busy", map[string]any{"action": c.Action, "shotId": shotID})
		p.publishCurrent(ctx)
		return
	}
	err := p.runCommand(ctx, c)
	if err != nil {
		logging.Warn("Command failed", "device", p.Device.Name, "action", c.Action, "error", err)
		p.publishEvent(ctx, c, "commandError", map[string]any{"action": c.Action, "error": err.Error()})
		if isPortFailure(err) {
			p.closeClient()
		}
	}
	p.publishCurrent(ctx)
}

func (p *SerialDevicePoller) runCommand(ctx context.Context, c labduino.DeviceCommand) error {
	switch strings.ToLower(c.Action) {
	case "setmax":
		return p.setSetpoint(ctx, c, true)
	case "setmin":
		return p.setSetpoint(ctx, c, false)
	case "setoffsets":
		return p.setOffsets(ctx, c)
	case "setoffset":
		if err := p.requireReady(); err != nil {
			return err
		}
		reply, err := p.client.SetChannelOffset(ctx, c.Channel, c.Value)
		if err := p.flushAfter(err); err != nil {
			return err
		}
		p.publishEvent(ctx, c, "offsetWritten", map[string]any{"channel": c.Channel, "value": c.Value, "reply": reply})
		return nil

	case "setdefaults":
		if err := p.requireReady(); err != nil {
			return err
		}
		reply, err := p.client.RequestDefaults(ctx)
		if err := p.flushAfter(err); err != nil {
			return err
		}
		p.publishEvent(ctx, c, "defaultsRestored", map[string]any{"reply": reply})
		// the restored setpoints show up in the next packet
		_, err = p.scheduler.Schedule(labduino.DeviceCommand{
			ID:     defaultsRefreshID,
			Device: p.Device,
			Action: "refresh",
		}, p.defaultsRefresh)
		return err

	case "grabdefaults":
		if err := p.requireReady(); err != nil {
			return err
		}
		d, err := p.client.FetchDefaults(ctx)
		if err := p.flushAfter(err); err != nil {
			return err
		}
		p.publishEvent(ctx, c, "defaults", map[string]any{"min": d.Min, "max": d.Max, "offset": d.Offset})
		return nil

	case "toggleoutput":
		return p.toggleOutput(ctx, c, true)
	case strings.ToLower(actionPulseBack):
		return p.toggleOutput(ctx, c, false)

	case "refresh":
		if !p.initialized {
			return p.initDevice(ctx)
		}
		_, err := p.readPacket(ctx)
		return err
	case "init":
		p.scheduler.Cancel(defaultsRefreshID)
		p.initialized = false
		return p.initDevice(ctx)
	case strings.ToLower(actionRepublish):
		return nil

	case "startcontinuous":
		p.autoUpdate = true
		logging.Info("Auto update started", "device", p.Device.Name)
		return nil
	case "stopcontinuous":
		p.autoUpdate = false
		logging.Info("Auto update stopped", "device", p.Device.Name)
		return nil

	case "transitiontobuffered":
		p.recorder.TransitionToBuffered(c.ShotID, c.File)
		shotID, _ := p.recorder.Pending()
		p.publishEvent(ctx, c, "buffered", map[string]any{"shotId": shotID, "file": c.File})
		return nil
	case "transitiontomanual":
		rec, err := p.recorder.TransitionToManual(ctx, p.readPacket)
		if err != nil {
			return err
		}
		p.publishEvent(ctx, c, "shotRecorded", map[string]any{
			"shotId":     rec.ShotID,
			"recordId":   rec.ID,
			"attributes": rec.Attributes,
			"downloadMs": rec.DownloadDuration.Milliseconds(),
			"saveMs":     rec.SaveDuration.Milliseconds(),
		})
		return nil
	case "abort":
		had := p.recorder.Abort()
		p.publishEvent(ctx, c, "aborted", map[string]any{"hadPending": had})
		return nil

	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
}

func (p *SerialDevicePoller) requireReady() error {
	if p.client == nil || !p.initialized {
		return arduino.ErrNotInitialized
	}
	return nil
}

// flushAfter flushes unread input after a write command that succeeded.
func (p *SerialDevicePoller) flushAfter(err error) error {
	if err != nil {
		return err
	}
	return p.client.Flush()
}

// setSetpoint writes the max (or min) setpoint only when it differs from the
// cache.
func (p *SerialDevicePoller) setSetpoint(ctx context.Context, c labduino.DeviceCommand, isMax bool) error {
	if err := p.requireReady(); err != nil {
		return err
	}
	name, write := "valueMin", p.client.SetValueMin
	if isMax {
		name, write = "valueMax", p.client.SetValueMax
	}
	if s, ok := p.client.Snapshot(); ok {
		current := s.Min
		if isMax {
			current = s.Max
		}
		if current == c.Value {
			logging.Debug("Setpoint unchanged, not written", "device", p.Device.Name, "setpoint", name, "value", c.Value)
			return nil
		}
	}
	reply, err := write(ctx, c.Value)
	if err := p.flushAfter(err); err != nil {
		return err
	}
	p.publishEvent(ctx, c, "setpointWritten", map[string]any{"setpoint": name, "value": c.Value, "reply": reply})
	return nil
}

// setOffsets writes the offsets of the channels whose value differs from the
// cache, in channel order.
func (p *SerialDevicePoller) setOffsets(ctx context.Context, c labduino.DeviceCommand) error {
	if err := p.requireReady(); err != nil {
		return err
	}
	s, _ := p.client.Snapshot()

	channels := make([]string, 0, len(c.Values))
	for ch := range c.Values {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		a, _ := strconv.Atoi(channels[i])
		b, _ := strconv.Atoi(channels[j])
		return a < b
	})

	written := []string{}
	for _, ch := range channels {
		v := c.Values[ch]
		if cur, ok := s.Offsets[ch]; ok && cur == v {
			continue
		}
		n, err := strconv.Atoi(ch)
		if err != nil {
			return fmt.Errorf("set offset channel %q: %w", ch, arduino.ErrInvalidChannel)
		}
		if _, err := p.client.SetChannelOffset(ctx, n, v); err != nil {
			return err
		}
		written = append(written, ch)
	}
	if len(written) > 0 {
		if err := p.client.Flush(); err != nil {
			return err
		}
	}
	p.publishEvent(ctx, c, "offsetsWritten", map[string]any{"channels": written})
	return nil
}

// toggleOutput flips the output. User toggles inside the cooldown window are
// rejected with a rapidClick event.
func (p *SerialDevicePoller) toggleOutput(ctx context.Context, c labduino.DeviceCommand, cooldown bool) error {
	if err := p.requireReady(); err != nil {
		return err
	}
	now := p.now()
	if cooldown && !p.lastToggle.IsZero() {
		if since := now.Sub(p.lastToggle); since < p.Device.ToggleCooldown() {
			logging.Info("Toggle rejected, cooldown active", "device", p.Device.Name, "since", since)
			p.publishEvent(ctx, c, "rapidClick", map[string]any{
				"cooldownMs":  p.Device.ToggleCooldown().Milliseconds(),
				"remainingMs": (p.Device.ToggleCooldown() - since).Milliseconds(),
			})
			return nil
		}
	}

	p.scheduler.ClearPulse(c)
	reply, err := p.client.ToggleOutput(ctx)
	if err := p.flushAfter(err); err != nil {
		return err
	}
	p.lastToggle = now
	p.publishEvent(ctx, c, "outputToggled", map[string]any{"reply": reply})

	if c.PulseMs > 0 {
		pulseCmd := c // copy
		pulseCmd.Action = actionPulseBack
		pulseCmd.PulseMs = 0
		return p.scheduler.SchedulePulse(pulseCmd, time.Duration(c.PulseMs)*time.Millisecond)
	}
	return nil
}
