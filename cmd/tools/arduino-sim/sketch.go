package main

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/fisaks/labduino/internal/arduino"
)

// Sketch answers the serial protocol the way the lab firmware does. Changes
// since the last @pack are tracked per field.
type Sketch struct {
	mu       sync.Mutex
	state    arduino.Snapshot
	defaults arduino.Defaults
	changed  arduino.Field
	drift    float64
	silent   bool // swallow every line, for timeout testing
	lastLine string
}

func NewSketch(sc DeviceScenario) *Sketch {
	channels := arduino.Channels{}
	offsets := arduino.Channels{}
	for i := 1; i <= sc.Channels; i++ {
		ch := strconv.Itoa(i)
		channels[ch] = sc.Start
		offsets[ch] = 0
	}
	s := &Sketch{
		state: arduino.Snapshot{
			Output:   arduino.OutputOff,
			Channels: channels,
			Min:      sc.Min,
			Max:      sc.Max,
			Offsets:  offsets,
		},
		defaults: arduino.Defaults{Min: sc.Min, Max: sc.Max, Offset: 0},
		drift:    sc.Drift,
	}
	s.updateAverage()
	return s
}

func (s *Sketch) updateAverage() {
	sum := 0.0
	for ch, v := range s.state.Channels {
		sum += v + s.state.Offsets[ch]
	}
	if n := len(s.state.Channels); n > 0 {
		s.state.Average = sum / float64(n)
	}
}

// Step moves every channel by a random amount within the drift.
func (s *Sketch) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drift == 0 {
		return
	}
	for ch, v := range s.state.Channels {
		s.state.Channels[ch] = v + (rand.Float64()*2-1)*s.drift
	}
	s.updateAverage()
	s.changed |= arduino.FieldChannels | arduino.FieldAverage
}

// Handle processes one received line and returns the reply line, if any.
func (s *Sketch) Handle(line string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLine = line
	if s.silent {
		return "", false
	}

	name, args := parseCommand(line)
	switch name {
	case "callNum":
		n := 0
		if len(args) > 0 {
			n, _ = strconv.Atoi(args[0])
		}
		return arduino.ExpectedEcho(n), true
	case "init":
		s.changed = 0
		return arduino.EncodeFull(s.state), true
	case "pack":
		p := arduino.PartialSnapshot{
			Present:  s.changed,
			Output:   s.state.Output,
			Channels: s.state.Channels,
			Min:      s.state.Min,
			Max:      s.state.Max,
			Offsets:  s.state.Offsets,
			Average:  s.state.Average,
		}
		s.changed = 0
		return arduino.EncodePartial(p), true
	case "valueMax", "valueMin":
		v, ok := floatArg(args, 0)
		if !ok {
			return "Invalid value", true
		}
		if name == "valueMax" {
			s.state.Max = v
			s.changed |= arduino.FieldMax
			return "Max value set : " + arduino.FormatValue(v), true
		}
		s.state.Min = v
		s.changed |= arduino.FieldMin
		return "Min value set : " + arduino.FormatValue(v), true
	case "offsetValue":
		v, ok := floatArg(args, 1)
		if len(args) < 2 || !ok {
			return "Invalid offset", true
		}
		if _, exists := s.state.Offsets[args[0]]; !exists {
			return "Invalid channel", true
		}
		s.state.Offsets[args[0]] = v
		s.updateAverage()
		s.changed |= arduino.FieldOffsets | arduino.FieldAverage
		return "Offset set : " + args[0] + " " + arduino.FormatValue(v), true
	case "default":
		s.state.Min, s.state.Max = s.defaults.Min, s.defaults.Max
		for ch := range s.state.Offsets {
			s.state.Offsets[ch] = s.defaults.Offset
		}
		s.updateAverage()
		s.changed |= arduino.FieldMin | arduino.FieldMax | arduino.FieldOffsets | arduino.FieldAverage
		return "Default values restored", true
	case "defaultValues":
		return arduino.EncodeDefaults(s.defaults), true
	case "SV":
		return "", false
	case "status":
		s.toggleLocked()
		return "Output status : " + string(s.state.Output), true
	}
	return "Unknown command", true
}

func (s *Sketch) toggleLocked() {
	if s.state.Output.On() {
		s.state.Output = arduino.OutputOff
	} else {
		s.state.Output = arduino.OutputOn
	}
	s.changed |= arduino.FieldOutput
}

// parseCommand splits "@name, a, b," into name and arguments.
func parseCommand(line string) (string, []string) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "@")
	parts := strings.Split(line, ",")
	name := strings.TrimSpace(parts[0])
	var args []string
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	return name, args
}

func floatArg(args []string, i int) (float64, bool) {
	if i >= len(args) {
		return 0, false
	}
	v, err := strconv.ParseFloat(args[i], 64)
	return v, err == nil
}

func (s *Sketch) Snapshot() arduino.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Patch applies the fields set in p, marking them changed.
func (s *Sketch) Patch(p SketchPatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Output != nil {
		s.state.Output = arduino.OutputStatus(*p.Output)
		s.changed |= arduino.FieldOutput
	}
	for ch, v := range p.Channels {
		if _, ok := s.state.Channels[ch]; ok {
			s.state.Channels[ch] = v
			s.changed |= arduino.FieldChannels
		}
	}
	for ch, v := range p.Offsets {
		if _, ok := s.state.Offsets[ch]; ok {
			s.state.Offsets[ch] = v
			s.changed |= arduino.FieldOffsets
		}
	}
	if p.Min != nil {
		s.state.Min = *p.Min
		s.changed |= arduino.FieldMin
	}
	if p.Max != nil {
		s.state.Max = *p.Max
		s.changed |= arduino.FieldMax
	}
	if p.Drift != nil {
		s.drift = *p.Drift
	}
	if p.Silent != nil {
		s.silent = *p.Silent
	}
	s.updateAverage()
	s.changed |= arduino.FieldAverage
}

func (s *Sketch) Toggle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggleLocked()
}
