package arduino

import (
	"strconv"
	"strings"
)

const (
	packetSegments   = 7
	defaultsSegments = 4

	segOutput   = 0
	segChannels = 1
	segMin      = 2
	segMax      = 3
	segOffsets  = 4
	segAverage  = 5
)

// DefaultChannelIDs are the channels of the stock sketch.
var DefaultChannelIDs = []string{"1", "2", "3", "4"}

// DecodeFull parses an init packet of the stock four channel sketch.
func DecodeFull(wire string) (Snapshot, error) {
	return DecodeFullChannels(wire, DefaultChannelIDs)
}

// DecodeFullChannels parses an init packet. Every field must be present and
// both channel blobs must name exactly the channels in ids.
func DecodeFullChannels(wire string, ids []string) (Snapshot, error) {
	p, err := DecodePartial(wire)
	if err != nil {
		return Snapshot{}, err
	}
	if missing := AllFields &^ p.Present; missing != 0 {
		return Snapshot{}, codecErr(wire, "missing %s", missing)
	}
	if !p.Channels.hasExactly(ids) || !p.Offsets.hasExactly(ids) {
		return Snapshot{}, codecErr(wire, "channel values %v and offsets %v, expected %v", p.Channels.Keys(), p.Offsets.Keys(), ids)
	}
	return Snapshot{
		Output:   p.Output,
		Channels: p.Channels,
		Min:      p.Min,
		Max:      p.Max,
		Offsets:  p.Offsets,
		Average:  p.Average,
	}, nil
}

// DecodePartial parses an update packet. Empty segments mean "unchanged" and
// are left out of Present.
func DecodePartial(wire string) (PartialSnapshot, error) {
	segs := strings.Split(wire, "#")
	if len(segs) != packetSegments {
		return PartialSnapshot{}, codecErr(wire, "expected %d segments, got %d", packetSegments, len(segs))
	}

	var (
		p   PartialSnapshot
		err error
	)
	if s := segs[segOutput]; s != "" {
		p.Output = OutputStatus(s)
		p.Present |= FieldOutput
	}
	if s := segs[segChannels]; s != "" {
		if p.Channels, err = decodeChannels(wire, s); err != nil {
			return PartialSnapshot{}, err
		}
		p.Present |= FieldChannels
	}
	if s := segs[segMin]; s != "" {
		if p.Min, err = decodeValue(wire, s); err != nil {
			return PartialSnapshot{}, err
		}
		p.Present |= FieldMin
	}
	if s := segs[segMax]; s != "" {
		if p.Max, err = decodeValue(wire, s); err != nil {
			return PartialSnapshot{}, err
		}
		p.Present |= FieldMax
	}
	if s := segs[segOffsets]; s != "" {
		if p.Offsets, err = decodeChannels(wire, s); err != nil {
			return PartialSnapshot{}, err
		}
		p.Present |= FieldOffsets
	}
	if s := segs[segAverage]; s != "" {
		if p.Average, err = decodeValue(wire, s); err != nil {
			return PartialSnapshot{}, err
		}
		p.Present |= FieldAverage
	}
	return p, nil
}

// DecodeDefaults parses the default-values response, min#max#offset#junk,
// where each value may carry a "name;" prefix.
func DecodeDefaults(wire string) (Defaults, error) {
	segs := strings.Split(wire, "#")
	if len(segs) != defaultsSegments {
		return Defaults{}, codecErr(wire, "expected %d segments, got %d", defaultsSegments, len(segs))
	}
	var vals [3]float64
	for i := range vals {
		s := segs[i]
		if j := strings.LastIndex(s, ";"); j >= 0 {
			s = s[j+1:]
		}
		v, err := decodeValue(wire, s)
		if err != nil {
			return Defaults{}, err
		}
		vals[i] = v
	}
	return Defaults{Min: vals[0], Max: vals[1], Offset: vals[2]}, nil
}

func decodeChannels(wire, blob string) (Channels, error) {
	blob = strings.TrimSuffix(blob, ",")
	if blob == "" {
		return nil, codecErr(wire, "empty channel blob")
	}
	out := make(Channels)
	for _, entry := range strings.Split(blob, ",") {
		i := strings.LastIndex(entry, ";")
		if i < 0 {
			return nil, codecErr(wire, "channel entry %q has no ';'", entry)
		}
		v, err := decodeValue(wire, entry[i+1:])
		if err != nil {
			return nil, err
		}
		out[entry[:i]] = v
	}
	return out, nil
}

func decodeValue(wire, raw string) (float64, error) {
	s := sanitizeNumber(raw)
	if s == "" {
		return 0, codecErr(wire, "no numeric content in %q", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, codecErr(wire, "bad number %q", raw)
	}
	return v, nil
}

// sanitizeNumber keeps digits, the first decimal point and a minus sign seen
// before any digit. Everything else is dropped.
func sanitizeNumber(raw string) string {
	var (
		b        strings.Builder
		dot      bool
		digit    bool
		negative bool
	)
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digit = true
			b.WriteRune(r)
		case r == '.' && !dot:
			dot = true
			b.WriteRune(r)
		case r == '-' && !negative && !digit && !dot:
			negative = true
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EncodeFull renders s in the device packet format with an empty trailing
// segment.
func EncodeFull(s Snapshot) string {
	return EncodePartial(PartialSnapshot{
		Present:  AllFields,
		Output:   s.Output,
		Channels: s.Channels,
		Min:      s.Min,
		Max:      s.Max,
		Offsets:  s.Offsets,
		Average:  s.Average,
	})
}

// EncodePartial renders only the fields in p.Present; the others are left as
// empty segments.
func EncodePartial(p PartialSnapshot) string {
	segs := make([]string, packetSegments)
	if p.Has(FieldOutput) {
		segs[segOutput] = string(p.Output)
	}
	if p.Has(FieldChannels) {
		segs[segChannels] = encodeChannels(p.Channels)
	}
	if p.Has(FieldMin) {
		segs[segMin] = FormatValue(p.Min)
	}
	if p.Has(FieldMax) {
		segs[segMax] = FormatValue(p.Max)
	}
	if p.Has(FieldOffsets) {
		segs[segOffsets] = encodeChannels(p.Offsets)
	}
	if p.Has(FieldAverage) {
		segs[segAverage] = FormatValue(p.Average)
	}
	return strings.Join(segs, "#")
}

// EncodeDefaults renders d the way the device answers @defaultValues.
func EncodeDefaults(d Defaults) string {
	return "Min;" + FormatValue(d.Min) + "#Max;" + FormatValue(d.Max) + "#Off;" + FormatValue(d.Offset) + "#"
}

func encodeChannels(c Channels) string {
	var b strings.Builder
	for _, k := range c.Keys() {
		b.WriteString(k)
		b.WriteByte(';')
		b.WriteString(FormatValue(c[k]))
		b.WriteByte(',')
	}
	return b.String()
}

// FormatValue renders v in the shortest decimal form.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FormatCommand builds "@name, arg1, arg2," as the sketch expects.
func FormatCommand(name string, args ...string) string {
	var b strings.Builder
	b.WriteByte('@')
	b.WriteString(name)
	b.WriteByte(',')
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
		b.WriteByte(',')
	}
	return b.String()
}
