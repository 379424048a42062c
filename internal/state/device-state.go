package state

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/fisaks/labduino/internal/labduino"
)

// DeviceStateStore remembers the last published state per device so the
// publisher can skip unchanged states between heartbeats.
type DeviceStateStore interface {
	GetLast(deviceName string) (labduino.DeviceState, time.Time, bool)
	Update(deviceName string, state labduino.DeviceState)
	HasChanged(deviceName string, state labduino.DeviceState) bool
	Clear()
}

type deviceStateStore struct {
	store     map[string]labduino.DeviceState
	heartbeat map[string]time.Time
	now       func() time.Time
	mu        sync.RWMutex
}

func NewDeviceStateStore() DeviceStateStore {
	return newDeviceStateStore(time.Now)
}

func newDeviceStateStore(now func() time.Time) *deviceStateStore {
	return &deviceStateStore{
		store:     make(map[string]labduino.DeviceState),
		heartbeat: make(map[string]time.Time),
		now:       now,
	}
}

func (s *deviceStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]labduino.DeviceState)
	s.heartbeat = make(map[string]time.Time)
}

func (s *deviceStateStore) GetLast(deviceName string) (labduino.DeviceState, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.store[deviceName]
	heartbeat, ok2 := s.heartbeat[deviceName]
	return state, heartbeat, ok && ok2
}

func (s *deviceStateStore) Update(deviceName string, state labduino.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[deviceName] = state
	s.heartbeat[deviceName] = s.now()
}

func (s *deviceStateStore) HasChanged(deviceName string, state labduino.DeviceState) bool {
	lastState, _, ok := s.GetLast(deviceName)
	if !ok {
		return true
	}
	return !deviceStateEqual(lastState, state)
}

// Timestamps are ignored.
func deviceStateEqual(a, b labduino.DeviceState) bool {
	return a.Status == b.Status &&
		slices.Equal(a.Errors, b.Errors) &&
		a.Output == b.Output &&
		maps.Equal(a.ChannelValues, b.ChannelValues) &&
		a.ValueMin == b.ValueMin &&
		a.ValueMax == b.ValueMax &&
		maps.Equal(a.ChannelOffsets, b.ChannelOffsets) &&
		a.ValueAverage == b.ValueAverage &&
		a.AutoUpdate == b.AutoUpdate &&
		a.PendingShot == b.PendingShot
}
