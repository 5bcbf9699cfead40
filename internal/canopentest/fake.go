// Package canopentest is an in-memory canopen.Transport fake shared by
// this module's tests, grounded on stepper_test.go's in-memory Plan that
// stands in for real engraver hardware: here an in-memory register file
// stands in for a real CAN node.
package canopentest

import (
	"context"
	"fmt"
	"sync"

	"cia402.dev/motor/canopen"
)

// Entry describes one object-dictionary entry by symbolic name.
type Entry struct {
	Name     string
	Index    uint16
	Subindex uint8
}

// Transport is an in-memory canopen.Transport. SDO reads/writes hit the
// Registers map directly; TPDO/RPDO handles are recorded for inspection.
type Transport struct {
	mu        sync.Mutex
	entries   []Entry
	registers map[canopen.Slot][]byte
	tpdos     map[int]*TPDO
	rpdos     map[int]*RPDO
}

// New creates a Transport whose dictionary contains entries.
func New(entries []Entry) *Transport {
	t := &Transport{
		entries:   entries,
		registers: map[canopen.Slot][]byte{},
		tpdos:     map[int]*TPDO{},
		rpdos:     map[int]*RPDO{},
	}
	return t
}

// Find implements canopen.Dictionary.
func (t *Transport) Find(nameOrIndex any, subindex any) (uint16, uint8, error) {
	sub := uint8(0)
	switch s := subindex.(type) {
	case uint8:
		sub = s
	case int:
		sub = uint8(s)
	}
	if idx, ok := nameOrIndex.(uint16); ok {
		return idx, sub, nil
	}
	name, ok := nameOrIndex.(string)
	if !ok {
		return 0, 0, fmt.Errorf("canopentest: unsupported name type %T", nameOrIndex)
	}
	for _, e := range t.entries {
		if e.Name == name {
			s := e.Subindex
			if sub != 0 {
				s = sub
			}
			return e.Index, s, nil
		}
	}
	return 0, 0, fmt.Errorf("canopentest: no entry named %q", name)
}

// Set seeds the register file at (index, subindex) with raw, as if the
// device already holds that value.
func (t *Transport) Set(index uint16, subindex uint8, raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registers[canopen.Slot{Index: index, Subindex: subindex}] = append([]byte(nil), raw...)
}

// SDORead implements canopen.Transport.
func (t *Transport) SDORead(ctx context.Context, index uint16, subindex uint8) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, ok := t.registers[canopen.Slot{Index: index, Subindex: subindex}]
	if !ok {
		return nil, fmt.Errorf("canopentest: no register %#04x:%#02x", index, subindex)
	}
	return append([]byte(nil), raw...), nil
}

// SDOWrite implements canopen.Transport.
func (t *Transport) SDOWrite(ctx context.Context, index uint16, subindex uint8, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registers[canopen.Slot{Index: index, Subindex: subindex}] = append([]byte(nil), data...)
	return nil
}

// TPDO implements canopen.Transport.
func (t *Transport) TPDO(n int) (canopen.TPDOHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.tpdos[n]
	if !ok {
		h = &TPDO{}
		t.tpdos[n] = h
	}
	return h, nil
}

// RPDO implements canopen.Transport.
func (t *Transport) RPDO(n int) (canopen.RPDOHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.rpdos[n]
	if !ok {
		h = &RPDO{}
		t.rpdos[n] = h
	}
	return h, nil
}

// SetNMTState implements canopen.Transport.
func (t *Transport) SetNMTState(ctx context.Context, s canopen.NMTState) error {
	return nil
}

// Close implements canopen.Transport.
func (t *Transport) Close() error { return nil }

// Deliver feeds a simulated inbound frame to TPDO n's registered
// callbacks, as the transport's dispatcher thread would (spec.md §5).
func (t *Transport) Deliver(n int, frame canopen.Frame) {
	t.mu.Lock()
	h, ok := t.tpdos[n]
	t.mu.Unlock()
	if !ok {
		return
	}
	h.deliver(frame)
}

// TPDO is a fake canopen.TPDOHandle.
type TPDO struct {
	mu        sync.Mutex
	entries   []canopen.Slot
	cfg       canopen.TPDOConfig
	callbacks []func(canopen.Frame)
	saved     bool
}

func (h *TPDO) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.callbacks = nil
	h.cfg = canopen.TPDOConfig{}
	h.saved = false
}

func (h *TPDO) AddVariable(index uint16, subindex uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, canopen.Slot{Index: index, Subindex: subindex})
	return nil
}

func (h *TPDO) Configure(cfg canopen.TPDOConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	return nil
}

func (h *TPDO) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = true
	return nil
}

func (h *TPDO) AddCallback(fn func(canopen.Frame)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, fn)
}

func (h *TPDO) deliver(frame canopen.Frame) {
	h.mu.Lock()
	cbs := append([]func(canopen.Frame){}, h.callbacks...)
	h.mu.Unlock()
	for _, cb := range cbs {
		cb(frame)
	}
}

// RPDO is a fake canopen.RPDOHandle that records every transmitted frame.
type RPDO struct {
	mu       sync.Mutex
	entries  []canopen.Slot
	cfg      canopen.RPDOConfig
	staged   map[canopen.Slot][]byte
	Sent     []canopen.Frame
	saved    bool
}

func (h *RPDO) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.cfg = canopen.RPDOConfig{}
	h.staged = nil
	h.saved = false
}

func (h *RPDO) AddVariable(index uint16, subindex uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, canopen.Slot{Index: index, Subindex: subindex})
	return nil
}

func (h *RPDO) Configure(cfg canopen.RPDOConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
	return nil
}

func (h *RPDO) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved = true
	return nil
}

func (h *RPDO) SetEntry(index uint16, subindex uint8, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.staged == nil {
		h.staged = map[canopen.Slot][]byte{}
	}
	h.staged[canopen.Slot{Index: index, Subindex: subindex}] = append([]byte(nil), raw...)
	return nil
}

func (h *RPDO) Transmit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	frame := canopen.Frame{}
	for _, slot := range h.entries {
		frame.Variables = append(frame.Variables, canopen.Variable{
			Index:    slot.Index,
			Subindex: slot.Subindex,
			Raw:      append([]byte(nil), h.staged[slot]...),
		})
	}
	h.Sent = append(h.Sent, frame)
	return nil
}
