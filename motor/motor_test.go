package motor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cia402.dev/motor/canopen"
	"cia402.dev/motor/codec"
	"cia402.dev/motor/rpdo"
	"cia402.dev/motor/state"
	"cia402.dev/motor/tpdo"
)

// fakeDevice is a canopen.Transport that both stores arbitrary registers
// and simulates the CiA-402 statusword on controlword writes, the same
// shape as cia402_test.go's simDevice, extended with a generic register
// file so Motor's profile/homing/target slots have somewhere to land.
type fakeDevice struct {
	mu         sync.Mutex
	statusword uint16
	registers  map[canopen.Slot][]byte
	written    []uint16
	tpdos      map[int]*fakeTPDO
	rpdos      map[int]*fakeRPDO
}

type fakeTPDO struct {
	cleared  bool
	enabled  bool
	callback func(canopen.Frame)
}

func (h *fakeTPDO) Clear()                               { h.cleared = true }
func (h *fakeTPDO) AddVariable(index uint16, sub uint8) error { return nil }
func (h *fakeTPDO) Configure(cfg canopen.TPDOConfig) error    { h.enabled = cfg.Enabled; return nil }
func (h *fakeTPDO) Save() error                               { return nil }
func (h *fakeTPDO) AddCallback(fn func(canopen.Frame))        { h.callback = fn }

type fakeRPDO struct {
	cleared bool
	enabled bool
	sent    int
}

func (h *fakeRPDO) Clear()                               { h.cleared = true }
func (h *fakeRPDO) AddVariable(index uint16, sub uint8) error { return nil }
func (h *fakeRPDO) Configure(cfg canopen.RPDOConfig) error    { h.enabled = cfg.Enabled; return nil }
func (h *fakeRPDO) Save() error                               { return nil }
func (h *fakeRPDO) SetEntry(index uint16, sub uint8, raw []byte) error { return nil }
func (h *fakeRPDO) Transmit() error                           { h.sent++; return nil }

func newFakeDevice(initial uint16) *fakeDevice {
	return &fakeDevice{
		statusword: initial,
		registers:  map[canopen.Slot][]byte{},
		tpdos:      map[int]*fakeTPDO{},
		rpdos:      map[int]*fakeRPDO{},
	}
}

var nameIndex = map[string]uint16{
	"controlword":          0x6040,
	"statusword":           0x6041,
	"operating_mode":       0x6060,
	"target_position":      0x607A,
	"homing_method":        0x6098,
	"homing_speeds":        0x6099,
	"homing_acceleration":  0x609A,
}

func (d *fakeDevice) Find(nameOrIndex any, subindex any) (uint16, uint8, error) {
	name, _ := nameOrIndex.(string)
	index, ok := nameIndex[name]
	if !ok {
		return 0, 0, fmt.Errorf("no such entry %v", nameOrIndex)
	}
	sub := uint8(0)
	switch s := subindex.(type) {
	case uint8:
		sub = s
	case int:
		sub = uint8(s)
	}
	return index, sub, nil
}

func (d *fakeDevice) slot(index uint16, sub uint8) canopen.Slot {
	return canopen.Slot{Index: index, Subindex: sub}
}

func (d *fakeDevice) SDORead(ctx context.Context, index uint16, sub uint8) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index == 0x6041 {
		raw, _ := codec.U16(int(d.statusword))
		return raw, nil
	}
	raw, ok := d.registers[d.slot(index, sub)]
	if !ok {
		return nil, fmt.Errorf("no register %#04x:%#02x", index, sub)
	}
	return raw, nil
}

func (d *fakeDevice) SDOWrite(ctx context.Context, index uint16, sub uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index == 0x6040 {
		cw := codec.DecodeU16(data)
		d.written = append(d.written, cw)
		cur := state.Decode(d.statusword)
		for to, sw := range map[state.State]uint16{
			state.SwitchOnDisabled: 0x40,
			state.ReadyToSwitchOn:  0x21,
			state.SwitchedOn:       0x23,
			state.OperationEnabled: 0x27,
		} {
			if want, ok := state.Controlword(cur, to); ok && want == cw {
				d.statusword = sw
				return nil
			}
		}
		if cw == 0x0080 {
			d.statusword = 0x40
		}
		return nil
	}
	d.registers[d.slot(index, sub)] = append([]byte(nil), data...)
	return nil
}

func (d *fakeDevice) TPDO(n int) (canopen.TPDOHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.tpdos[n]
	if !ok {
		h = &fakeTPDO{}
		d.tpdos[n] = h
	}
	return h, nil
}

func (d *fakeDevice) RPDO(n int) (canopen.RPDOHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.rpdos[n]
	if !ok {
		h = &fakeRPDO{}
		d.rpdos[n] = h
	}
	return h, nil
}

func (d *fakeDevice) SetNMTState(ctx context.Context, s canopen.NMTState) error { return nil }
func (d *fakeDevice) Close() error                                             { return nil }

func (d *fakeDevice) set(index uint16, sub uint8, raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[d.slot(index, sub)] = append([]byte(nil), raw...)
}

func TestSetOperatingModeWalksWhenCodeDiffers(t *testing.T) {
	dev := newFakeDevice(0x27) // OPERATION ENABLED
	dev.set(0x6060, 0, []byte{0})

	m := New(Config{Transport: dev})
	if err := m.SetOperatingMode(context.Background(), "pp"); err != nil {
		t.Fatal(err)
	}
	if len(dev.written) != 3 || dev.written[0] != 0x0007 || dev.written[1] != 0x0006 || dev.written[2] != 0x0000 {
		t.Fatalf("controlwords = %#04x, want [0x0007 0x0006 0x0000]", dev.written)
	}
	raw, _ := dev.SDORead(context.Background(), 0x6060, 0)
	if codec.DecodeI8(raw) != 1 {
		t.Errorf("operating_mode = %d, want 1", codec.DecodeI8(raw))
	}
}

func TestSetOperatingModeNoopWhenCodeMatches(t *testing.T) {
	dev := newFakeDevice(0x40) // SWITCH ON DISABLED
	dev.set(0x6060, 0, []byte{1})

	m := New(Config{Transport: dev})
	if err := m.SetOperatingMode(context.Background(), "pp"); err != nil {
		t.Fatal(err)
	}
	if len(dev.written) != 0 {
		t.Fatalf("expected no controlword writes, got %#04x", dev.written)
	}
}

func TestMoveToTargetWritesTargetThenPulses(t *testing.T) {
	dev := newFakeDevice(0x40) // SWITCH ON DISABLED
	dev.set(0x6060, 0, []byte{1})

	m := New(Config{Transport: dev})
	if err := m.MoveToTarget(context.Background(), 1000); err != nil {
		t.Fatal(err)
	}
	raw, err := dev.SDORead(context.Background(), 0x607A, 0)
	if err != nil {
		t.Fatal(err)
	}
	if codec.DecodeI32(raw) != 1000 {
		t.Errorf("target_position = %d, want 1000", codec.DecodeI32(raw))
	}
	n := len(dev.written)
	if n < 2 || dev.written[n-2] != 0x001F || dev.written[n-1] != 0x000F {
		t.Fatalf("last two controlwords = %#04x, want [..., 0x001F, 0x000F]", dev.written)
	}
	cur := state.Decode(dev.statusword)
	if cur != state.OperationEnabled {
		t.Fatalf("final state = %v, want OPERATION ENABLED", cur)
	}
}

func TestMoveToTargetRelativeSetsBit(t *testing.T) {
	dev := newFakeDevice(0x40)
	dev.set(0x6060, 0, []byte{1})

	m := New(Config{Transport: dev})
	if err := m.MoveToTarget(context.Background(), -50, Relative()); err != nil {
		t.Fatal(err)
	}
	n := len(dev.written)
	if n < 2 || dev.written[n-2] != 0x005F {
		t.Fatalf("relative pulse = %#04x, want 0x005F", dev.written[n-2])
	}
}

func TestHomeWritesParamsAndPulses(t *testing.T) {
	dev := newFakeDevice(0x40)
	dev.set(0x6060, 0, []byte{6}) // already HM so SetOperatingMode is a no-op

	m := New(Config{Transport: dev})
	err := m.Home(context.Background(), HomeParams{
		Method: 17, FastSpeed: 2000, SlowSpeed: 200, Acceleration: 500,
	})
	if err != nil {
		t.Fatal(err)
	}

	method, _ := dev.SDORead(context.Background(), 0x6098, 0)
	if codec.DecodeI8(method) != 17 {
		t.Errorf("homing_method = %d, want 17", codec.DecodeI8(method))
	}
	fast, _ := dev.SDORead(context.Background(), 0x6099, 1)
	if codec.DecodeU32(fast) != 2000 {
		t.Errorf("fast speed = %d, want 2000", codec.DecodeU32(fast))
	}
	slow, _ := dev.SDORead(context.Background(), 0x6099, 2)
	if codec.DecodeU32(slow) != 200 {
		t.Errorf("slow speed = %d, want 200", codec.DecodeU32(slow))
	}
	accel, _ := dev.SDORead(context.Background(), 0x609A, 0)
	if codec.DecodeU32(accel) != 500 {
		t.Errorf("acceleration = %d, want 500", codec.DecodeU32(accel))
	}
	n := len(dev.written)
	if n < 1 || dev.written[n-1] != 0x000F {
		t.Fatalf("last controlword = %#04x, want 0x000F (start-homing bit cleared)", dev.written[n-1])
	}
}

func TestShutdownClearsTPDOsAndRPDOs(t *testing.T) {
	dev := newFakeDevice(0x27) // OPERATION ENABLED
	dev.set(0x6060, 0, []byte{0})

	m := New(Config{Transport: dev})
	statusCfg, err := tpdo.NewConfig(tpdo.Config{PDONumber: 1, Entries: []string{"statusword"}, TransmissionType: 255, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetTPDOs([]tpdo.Config{statusCfg}); err != nil {
		t.Fatal(err)
	}

	source := func(yield func(rpdo.Sample) bool) {
		for {
			raw, _ := codec.I32(0)
			if !yield(rpdo.Sample{raw}) {
				return
			}
		}
	}
	rcfg, err := rpdo.NewConfig(rpdo.Config{
		PDONumber: 1, Entries: []string{"target_position"}, Source: source,
		FrequencyHz: 1000, TransmissionType: 255, Enabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	streamer, err := m.FollowTrajectory(context.Background(), rcfg, "")
	if err != nil {
		t.Fatal(err)
	}
	_ = streamer
	time.Sleep(5 * time.Millisecond)

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !dev.tpdos[1].cleared || dev.tpdos[1].enabled {
		t.Errorf("tpdo 1 not cleared/disabled: %+v", dev.tpdos[1])
	}
	if !dev.rpdos[1].cleared || dev.rpdos[1].enabled {
		t.Errorf("rpdo 1 not cleared/disabled: %+v", dev.rpdos[1])
	}
	cur := state.Decode(dev.statusword)
	if cur != state.SwitchOnDisabled {
		t.Errorf("final state = %v, want SWITCH ON DISABLED", cur)
	}
}
