package arduino

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// OutputStatus is the device output state as reported on the wire. "1" and
// "0" are on and off; any other text is an opaque state kept verbatim.
type OutputStatus string

const (
	OutputOff OutputStatus = "0"
	OutputOn  OutputStatus = "1"
)

func (s OutputStatus) Known() bool { return s == OutputOn || s == OutputOff }

func (s OutputStatus) On() bool { return s == OutputOn }

func (s OutputStatus) String() string {
	switch s {
	case OutputOn:
		return "on"
	case OutputOff:
		return "off"
	}
	return string(s)
}

// Channels maps a channel id ("1".."4") to its value.
type Channels map[string]float64

func (c Channels) Clone() Channels {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// Keys returns the channel ids in numeric order.
func (c Channels) Keys() []string {
	keys := slices.Collect(maps.Keys(c))
	slices.SortFunc(keys, compareChannelID)
	return keys
}

func (c Channels) hasExactly(ids []string) bool {
	if len(c) != len(ids) {
		return false
	}
	for _, k := range ids {
		if _, ok := c[k]; !ok {
			return false
		}
	}
	return true
}

func compareChannelID(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai - bi
	}
	return strings.Compare(a, b)
}

// Field is a bitmask naming snapshot fields.
type Field uint8

const (
	FieldOutput Field = 1 << iota
	FieldChannels
	FieldMin
	FieldMax
	FieldOffsets
	FieldAverage

	AllFields = FieldOutput | FieldChannels | FieldMin | FieldMax | FieldOffsets | FieldAverage
)

var fieldNames = []struct {
	f    Field
	name string
}{
	{FieldOutput, "output_status"},
	{FieldChannels, "channel_values"},
	{FieldMin, "value_min"},
	{FieldMax, "value_max"},
	{FieldOffsets, "channel_offsets"},
	{FieldAverage, "value_average"},
}

func (f Field) Has(x Field) bool { return f&x == x }

func (f Field) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, n := range fieldNames {
		if f.Has(n.f) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Snapshot is the full device state.
type Snapshot struct {
	Output   OutputStatus
	Channels Channels
	Min      float64
	Max      float64
	Offsets  Channels
	Average  float64
}

func (s Snapshot) Clone() Snapshot {
	s.Channels = s.Channels.Clone()
	s.Offsets = s.Offsets.Clone()
	return s
}

// PartialSnapshot carries only the fields named by Present.
type PartialSnapshot struct {
	Present  Field
	Output   OutputStatus
	Channels Channels
	Min      float64
	Max      float64
	Offsets  Channels
	Average  float64
}

func (p PartialSnapshot) Has(f Field) bool { return p.Present.Has(f) }

// Defaults are the setpoints built into the device sketch. The device reports
// one offset shared by all channels.
type Defaults struct {
	Min    float64
	Max    float64
	Offset float64
}
