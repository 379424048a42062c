package util

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ToFloat64 converts loosely typed JSON values (numbers or numeric strings).
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ToInt truncates like ToFloat64; unconvertible values become 0.
func ToInt(v any) int {
	f, ok := ToFloat64(v)
	if !ok || math.IsNaN(f) {
		return 0
	}
	return int(f)
}

func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// BytesToBinaryString renders the first count bits of bs, LSB first.
func BytesToBinaryString(bs []byte, count int) string {
	var s strings.Builder
	bitsAdded := 0
	for _, b := range bs {
		for i := 0; i < 8 && bitsAdded < count; i++ {
			if b&(1<<i) != 0 {
				s.WriteString("1")
			} else {
				s.WriteString("0")
			}
			bitsAdded++
		}
	}
	return s.String()
}
