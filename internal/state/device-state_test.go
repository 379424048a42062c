package state

import (
	"testing"
	"time"

	"github.com/fisaks/labduino/internal/labduino"
)

func sampleState() labduino.DeviceState {
	return labduino.DeviceState{
		Timestamp:      time.Unix(100, 0),
		Name:           "bench",
		Status:         labduino.StatusOK,
		Output:         "on",
		ChannelValues:  map[string]float64{"1": 12.5, "2": 13},
		ValueMin:       10,
		ValueMax:       30,
		ChannelOffsets: map[string]float64{"1": 0, "2": 0},
		ValueAverage:   12.75,
	}
}

func TestHasChangedIgnoresTimestamp(t *testing.T) {
	s := NewDeviceStateStore()
	st := sampleState()
	if !s.HasChanged("bench", st) {
		t.Fatal("expected first state to count as changed")
	}
	s.Update("bench", st)

	st.Timestamp = time.Unix(200, 0)
	if s.HasChanged("bench", st) {
		t.Fatal("expected timestamp-only change to be ignored")
	}

	st.ChannelValues = map[string]float64{"1": 12.5, "2": 13.5}
	if !s.HasChanged("bench", st) {
		t.Fatal("expected channel change to be detected")
	}
}

func TestUpdateRecordsHeartbeat(t *testing.T) {
	now := time.Unix(500, 0)
	s := newDeviceStateStore(func() time.Time { return now })
	s.Update("bench", sampleState())

	_, hb, ok := s.GetLast("bench")
	if !ok || !hb.Equal(now) {
		t.Fatalf("expected heartbeat %v, got %v (ok=%v)", now, hb, ok)
	}
	s.Clear()
	if _, _, ok := s.GetLast("bench"); ok {
		t.Fatal("expected store cleared")
	}
}
