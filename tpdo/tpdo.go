// Package tpdo configures transmit PDOs and maintains the live mirror a
// TPDO callback keeps up to date (spec.md §4.5, C5).
package tpdo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"cia402.dev/motor/canopen"
	"cia402.dev/motor/object"
)

// ErrPdoConstraintViolation reports a config with a synchronous
// transmission type (anything other than 255) that also sets a nonzero
// event timer, which spec.md §3 declares mutually exclusive.
var ErrPdoConstraintViolation = errors.New("tpdo: transmission type other than 255 (asynchronous) requires event timer 0")

// Config is one TPDO binding (spec.md §3 "TPDO binding").
type Config struct {
	PDONumber        int
	Entries          []string // symbolic names, resolved against the axis Resolver
	TransmissionType uint8
	EventTimerMs     uint16
	RTRAllowed       bool
	Enabled          bool
}

// NewConfig validates cfg synchronously at construction (SPEC_FULL.md
// "SUPPLEMENTED FEATURES" #4: validation errors are never deferred to
// SetTPDOs).
func NewConfig(cfg Config) (Config, error) {
	if cfg.TransmissionType != 255 && cfg.EventTimerMs != 0 {
		return Config{}, ErrPdoConstraintViolation
	}
	return cfg, nil
}

// Mirror is the shared live cache of last-received TPDO values, keyed by
// slot. It is written by the transport's dispatcher thread (via the
// callback registered in Bind) and read by application/state-machine
// threads, so every access is guarded by a mutex — the source never
// guards this map and spec.md §9 calls that out as a latent race this
// implementation must not repeat.
type Mirror struct {
	mu    sync.RWMutex
	cells map[object.Slot]canopen.Variable
}

// NewMirror creates an empty Mirror.
func NewMirror() *Mirror {
	return &Mirror{cells: map[object.Slot]canopen.Variable{}}
}

// Lookup returns the last-received value for slot and whether a cell
// exists at all (spec.md §3: "at most one cache cell exists per slot").
func (m *Mirror) Lookup(slot object.Slot) (canopen.Variable, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.cells[slot]
	return v, ok
}

func (m *Mirror) set(slot object.Slot, v canopen.Variable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cells[slot] = v
}

func (m *Mirror) register(slot object.Slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cells[slot]; !ok {
		m.cells[slot] = canopen.Variable{Index: slot.Index, Subindex: slot.Subindex}
	}
}

func (m *Mirror) clear(slots []object.Slot) {
	// Mirror cells are not aggressively purged on clear (spec.md §4.5):
	// stale reads are bounded by the caller's use pattern, not by this
	// package forcibly invalidating entries.
}

// Binding is one configured TPDO: its number, handle and resolved slots.
type Binding struct {
	Number int
	Slots  []object.Slot
	handle canopen.TPDOHandle
}

var log = logrus.WithField("component", "tpdo")

// Bind configures handle per cfg against mirror, implementing the C5
// operation sequence of spec.md §4.5: clear, add entries, register
// mirror cells, write parameters, save, install callback.
func Bind(handle canopen.TPDOHandle, resolve func(name string) (object.Slot, error), cfg Config, mirror *Mirror) (*Binding, error) {
	handle.Clear()

	var slots []object.Slot
	for _, name := range cfg.Entries {
		slot, err := resolve(name)
		if err != nil {
			return nil, fmt.Errorf("tpdo: resolve %q: %w", name, err)
		}
		if err := handle.AddVariable(slot.Index, slot.Subindex); err != nil {
			return nil, fmt.Errorf("tpdo: add variable %q: %w", name, err)
		}
		slots = append(slots, slot)
	}

	if cfg.Enabled {
		for _, slot := range slots {
			mirror.register(slot)
		}
	}

	if err := handle.Configure(canopen.TPDOConfig{
		Entries:          slots,
		TransmissionType: cfg.TransmissionType,
		EventTimerMs:     cfg.EventTimerMs,
		RTRAllowed:       cfg.RTRAllowed,
		Enabled:          cfg.Enabled,
	}); err != nil {
		return nil, fmt.Errorf("tpdo: configure: %w", err)
	}

	if err := handle.Save(); err != nil {
		return nil, fmt.Errorf("tpdo: save: %w", err)
	}

	handle.AddCallback(func(frame canopen.Frame) {
		for _, v := range frame.Variables {
			mirror.set(object.Slot{Index: v.Index, Subindex: v.Subindex}, v)
		}
	})

	log.WithFields(logrus.Fields{
		"pdo":     cfg.PDONumber,
		"enabled": cfg.Enabled,
		"slots":   len(slots),
	}).Debug("tpdo bound")

	return &Binding{Number: cfg.PDONumber, Slots: slots, handle: handle}, nil
}

// Clear disables the TPDO and persists the disabled parameters (spec.md
// §4.5: "Clearing a TPDO disables it and persists the disabled
// parameters").
func (b *Binding) Clear(mirror *Mirror) error {
	b.handle.Clear()
	mirror.clear(b.Slots)
	if err := b.handle.Configure(canopen.TPDOConfig{Enabled: false}); err != nil {
		return fmt.Errorf("tpdo: clear configure: %w", err)
	}
	return b.handle.Save()
}
