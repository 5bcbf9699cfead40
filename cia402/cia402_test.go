package cia402

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"cia402.dev/motor/canopen"
	"cia402.dev/motor/codec"
	"cia402.dev/motor/state"
	"cia402.dev/motor/variable"
)

// simDevice is a minimal canopen.Transport that actually simulates the
// CiA-402 state machine: writing the controlword transitions its
// internal statusword according to package state's tables, as a real
// drive would. canopentest.Transport (used elsewhere) is a dumb register
// file and can't stand in for this test's need to observe multi-step
// walks actually reaching their target.
type simDevice struct {
	mu         sync.Mutex
	statusword uint16
	written    []uint16
}

func newSimDevice(initial state.State) *simDevice {
	sw := map[state.State]uint16{
		state.SwitchOnDisabled: 0x40,
		state.Fault:            0x08,
	}[initial]
	return &simDevice{statusword: sw}
}

func (d *simDevice) Find(nameOrIndex any, subindex any) (uint16, uint8, error) {
	name, _ := nameOrIndex.(string)
	switch name {
	case "statusword":
		return 0x6041, 0, nil
	case "controlword":
		return 0x6040, 0, nil
	}
	return 0, 0, fmt.Errorf("no such entry %v", nameOrIndex)
}

func (d *simDevice) SDORead(ctx context.Context, index uint16, subindex uint8) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index != 0x6041 {
		return nil, fmt.Errorf("unexpected read of %#04x", index)
	}
	raw, _ := codec.U16(int(d.statusword))
	return raw, nil
}

func (d *simDevice) SDOWrite(ctx context.Context, index uint16, subindex uint8, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index != 0x6040 {
		return fmt.Errorf("unexpected write of %#04x", index)
	}
	cw := codec.DecodeU16(data)
	d.written = append(d.written, cw)
	cur := state.Decode(d.statusword)
	for to, sw := range map[state.State]uint16{
		state.SwitchOnDisabled:  0x40,
		state.ReadyToSwitchOn:   0x21,
		state.SwitchedOn:        0x23,
		state.OperationEnabled:  0x27,
	} {
		if want, ok := state.Controlword(cur, to); ok && want == cw {
			d.statusword = sw
			return nil
		}
	}
	if cw == 0x0080 {
		d.statusword = 0x40 // FAULT -> SWITCH ON DISABLED
		return nil
	}
	return fmt.Errorf("no transition for controlword %#04x from %v", cw, cur)
}

func (d *simDevice) TPDO(n int) (canopen.TPDOHandle, error) { return nil, fmt.Errorf("not implemented") }
func (d *simDevice) RPDO(n int) (canopen.RPDOHandle, error) { return nil, fmt.Errorf("not implemented") }
func (d *simDevice) SetNMTState(ctx context.Context, s canopen.NMTState) error { return nil }
func (d *simDevice) Close() error { return nil }

func TestWalkToOperationalScenario(t *testing.T) {
	dev := newSimDevice(state.SwitchOnDisabled)
	facade := variable.New(dev, nil, nil)
	m := New(facade)

	if err := m.ToOperational(context.Background()); err != nil {
		t.Fatalf("ToOperational: %v", err)
	}
	if len(dev.written) != 3 || dev.written[0] != 0x0006 || dev.written[1] != 0x0007 || dev.written[2] != 0x000F {
		t.Fatalf("controlwords written = %#04x, want [0x0006 0x0007 0x000F]", dev.written)
	}
	cur, err := m.CurrentState(context.Background())
	if err != nil || cur != state.OperationEnabled {
		t.Fatalf("final state = %v, err=%v", cur, err)
	}
}

func TestFaultRecoveryScenario(t *testing.T) {
	dev := newSimDevice(state.Fault)
	facade := variable.New(dev, nil, nil)
	m := New(facade)

	if err := m.RecoverFromFault(context.Background()); err != nil {
		t.Fatalf("RecoverFromFault: %v", err)
	}
	if len(dev.written) != 1 || dev.written[0] != 0x0080 {
		t.Fatalf("controlwords written = %#04x, want [0x0080]", dev.written)
	}
	cur, _ := m.CurrentState(context.Background())
	if cur != state.SwitchOnDisabled {
		t.Fatalf("final state = %v", cur)
	}
}

func TestRequestStateRejectsIllegalTargets(t *testing.T) {
	dev := newSimDevice(state.SwitchOnDisabled)
	facade := variable.New(dev, nil, nil)
	m := New(facade)
	for _, target := range []state.State{state.NotReadyToSwitchOn, state.Fault, state.FaultReactionActive} {
		if err := m.RequestState(context.Background(), target); err == nil {
			t.Errorf("expected error requesting %v", target)
		}
	}
}

func TestRequestStateNoopWhenAlreadyThere(t *testing.T) {
	dev := newSimDevice(state.SwitchOnDisabled)
	facade := variable.New(dev, nil, nil)
	m := New(facade)
	if err := m.RequestState(context.Background(), state.SwitchOnDisabled); err != nil {
		t.Fatal(err)
	}
	if len(dev.written) != 0 {
		t.Fatalf("expected no controlword writes, got %#04x", dev.written)
	}
}
