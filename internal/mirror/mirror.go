// Package mirror exposes cached device snapshots as Modbus TCP registers.
//
// Each device owns a block of BlockSize addresses starting at index*BlockSize:
//
//	holding 0..3   channel values 1..4
//	holding 4..7   channel offsets 1..4
//	holding 8      value min
//	holding 9      value max
//	holding 10     value average
//	coil 0         output on
//	discrete 0     snapshot valid
//	discrete 1     output status known
//
// Values are int16(round(v*scale)). Writes to the min, max and offset
// registers and to the output coil are forwarded as device commands, for
// both the single and the multiple write functions.
package mirror

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"

	"github.com/fisaks/labduino/internal/arduino"
	"github.com/fisaks/labduino/internal/logging"
	"github.com/tbrandon/mbserver"
)

const (
	BlockSize = 16

	RegChannels = 0
	RegOffsets  = 4
	RegMin      = 8
	RegMax      = 9
	RegAverage  = 10
	regCount    = 11

	CoilOutput       = 0
	InputValid       = 0
	InputStatusKnown = 1

	fcWriteSingleCoil        = 5
	fcWriteSingleRegister    = 6
	fcWriteMultipleCoils     = 15
	fcWriteMultipleRegisters = 16
)

// WriteHandler receives register writes as device actions
// ("setMin", "setMax", "setOffset", "toggleOutput").
type WriteHandler func(device, action string, channel int, value float64)

type Mirror struct {
	srv     *mbserver.Server
	scale   float64
	devices []string
	onWrite WriteHandler

	mu sync.Mutex
}

func New(scale float64, devices []string, onWrite WriteHandler) *Mirror {
	if scale <= 0 {
		scale = 100
	}
	m := &Mirror{
		srv:     mbserver.NewServer(),
		scale:   scale,
		devices: devices,
		onWrite: onWrite,
	}
	m.srv.RegisterFunctionHandler(1, m.locked(mbserver.ReadCoils))
	m.srv.RegisterFunctionHandler(2, m.locked(mbserver.ReadDiscreteInputs))
	m.srv.RegisterFunctionHandler(3, m.locked(mbserver.ReadHoldingRegisters))
	m.srv.RegisterFunctionHandler(4, m.locked(mbserver.ReadInputRegisters))
	m.srv.RegisterFunctionHandler(fcWriteSingleCoil, m.writeSingleCoil)
	m.srv.RegisterFunctionHandler(fcWriteSingleRegister, m.writeSingleRegister)
	m.srv.RegisterFunctionHandler(fcWriteMultipleCoils, m.writeMultipleCoils)
	m.srv.RegisterFunctionHandler(fcWriteMultipleRegisters, m.writeMultipleRegisters)
	return m
}

func (m *Mirror) Listen(addr string) error {
	if err := m.srv.ListenTCP(addr); err != nil {
		return err
	}
	logging.Info("register mirror listening", "addr", addr, "devices", len(m.devices), "scale", m.scale)
	return nil
}

func (m *Mirror) Close() {
	m.srv.Close()
}

func (m *Mirror) base(device string) (int, bool) {
	for i, d := range m.devices {
		if d == device {
			return i * BlockSize, true
		}
	}
	return 0, false
}

// Update writes s into the device's block. ok=false marks the block invalid
// and leaves the last values in place.
func (m *Mirror) Update(device string, s arduino.Snapshot, ok bool) {
	base, found := m.base(device)
	if !found {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		m.srv.DiscreteInputs[base+InputValid] = 0
		return
	}
	copy(m.srv.HoldingRegisters[base:base+regCount], Registers(s, m.scale))
	m.srv.Coils[base+CoilOutput] = boolByte(s.Output.On())
	m.srv.DiscreteInputs[base+InputValid] = 1
	m.srv.DiscreteInputs[base+InputStatusKnown] = boolByte(s.Output.Known())
}

// Registers renders the holding register block for s.
func Registers(s arduino.Snapshot, scale float64) []uint16 {
	regs := make([]uint16, regCount)
	for i := 0; i < 4; i++ {
		ch := strconv.Itoa(i + 1)
		regs[RegChannels+i] = EncodeValue(s.Channels[ch], scale)
		regs[RegOffsets+i] = EncodeValue(s.Offsets[ch], scale)
	}
	regs[RegMin] = EncodeValue(s.Min, scale)
	regs[RegMax] = EncodeValue(s.Max, scale)
	regs[RegAverage] = EncodeValue(s.Average, scale)
	return regs
}

// EncodeValue scales v into a two's complement register, saturating at the
// int16 range.
func EncodeValue(v, scale float64) uint16 {
	f := math.Round(v * scale)
	switch {
	case math.IsNaN(f):
		f = 0
	case f > math.MaxInt16:
		f = math.MaxInt16
	case f < math.MinInt16:
		f = math.MinInt16
	}
	return uint16(int16(f))
}

func DecodeValue(r uint16, scale float64) float64 {
	return float64(int16(r)) / scale
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type handlerFunc func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)

func (m *Mirror) locked(fn handlerFunc) handlerFunc {
	return func(s *mbserver.Server, f mbserver.Framer) ([]byte, *mbserver.Exception) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return fn(s, f)
	}
}

// addressed returns the device and block offset for a register address.
func (m *Mirror) addressed(addr int) (string, int, bool) {
	idx := addr / BlockSize
	if idx >= len(m.devices) {
		return "", 0, false
	}
	return m.devices[idx], addr % BlockSize, true
}

func (m *Mirror) writeSingleCoil(s *mbserver.Server, f mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := f.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	on := binary.BigEndian.Uint16(data[2:4]) == 0xFF00

	m.mu.Lock()
	was := s.Coils[addr] == 1
	res, exc := mbserver.WriteSingleCoil(s, f)
	m.mu.Unlock()
	if exc != &mbserver.Success {
		return res, exc
	}

	if device, off, ok := m.addressed(addr); ok && off == CoilOutput && on != was && m.onWrite != nil {
		m.onWrite(device, "toggleOutput", 0, 0)
	}
	return res, exc
}

func writableRegister(off int) bool {
	return off == RegMin || off == RegMax || (off >= RegOffsets && off < RegOffsets+4)
}

func (m *Mirror) forwardRegister(device string, off int, value float64) {
	switch {
	case off == RegMin:
		m.onWrite(device, "setMin", 0, value)
	case off == RegMax:
		m.onWrite(device, "setMax", 0, value)
	default:
		m.onWrite(device, "setOffset", off-RegOffsets+1, value)
	}
}

func (m *Mirror) writeSingleRegister(s *mbserver.Server, f mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := f.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := int(binary.BigEndian.Uint16(data[0:2]))
	value := DecodeValue(binary.BigEndian.Uint16(data[2:4]), m.scale)

	device, off, ok := m.addressed(addr)
	if !ok || !writableRegister(off) {
		return []byte{}, &mbserver.IllegalDataAddress
	}

	m.mu.Lock()
	res, exc := mbserver.WriteHoldingRegister(s, f)
	m.mu.Unlock()
	if exc != &mbserver.Success || m.onWrite == nil {
		return res, exc
	}
	m.forwardRegister(device, off, value)
	return res, exc
}

// writeMultipleRegisters accepts the write only when every addressed
// register is writable.
func (m *Mirror) writeMultipleRegisters(s *mbserver.Server, f mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := f.GetData()
	if len(data) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	count := int(binary.BigEndian.Uint16(data[2:4]))
	if count == 0 || len(data) < 5+2*count {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < count; i++ {
		if _, off, ok := m.addressed(start + i); !ok || !writableRegister(off) {
			return []byte{}, &mbserver.IllegalDataAddress
		}
	}

	m.mu.Lock()
	res, exc := mbserver.WriteHoldingRegisters(s, f)
	m.mu.Unlock()
	if exc != &mbserver.Success || m.onWrite == nil {
		return res, exc
	}
	for i := 0; i < count; i++ {
		device, off, _ := m.addressed(start + i)
		raw := binary.BigEndian.Uint16(data[5+2*i : 7+2*i])
		m.forwardRegister(device, off, DecodeValue(raw, m.scale))
	}
	return res, exc
}

// writeMultipleCoils toggles every device whose output coil changes.
func (m *Mirror) writeMultipleCoils(s *mbserver.Server, f mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := f.GetData()
	if len(data) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	count := int(binary.BigEndian.Uint16(data[2:4]))
	if count == 0 || len(data) < 5+(count+7)/8 {
		return []byte{}, &mbserver.IllegalDataValue
	}

	m.mu.Lock()
	was := make([]byte, 0, count)
	for i := 0; i < count && start+i < len(s.Coils); i++ {
		was = append(was, s.Coils[start+i])
	}
	res, exc := mbserver.WriteMultipleCoils(s, f)
	m.mu.Unlock()
	if exc != &mbserver.Success || m.onWrite == nil {
		return res, exc
	}
	for i := range was {
		device, off, ok := m.addressed(start + i)
		if !ok || off != CoilOutput {
			continue
		}
		on := data[5+i/8]>>(i%8)&1 == 1
		if on != (was[i] == 1) {
			m.onWrite(device, "toggleOutput", 0, 0)
		}
	}
	return res, exc
}
