// Package canopen declares the collaborator this module consumes but does
// not implement: a CANopen stack providing SDO, PDO and object-dictionary
// services over a physical CAN network (spec.md §1, §6). Frame
// transmission/reception, SDO segmented transfer, NMT negotiation and
// object-dictionary parsing from an electronic data sheet are all assumed
// to live behind this contract.
//
// transport/slcan and transport/periphcan provide two reference
// implementations; an application may supply its own.
package canopen

import "context"

// Variable is one (index, subindex) dictionary entry as reported by a
// transport, carrying whatever properties the transport can derive from
// the raw payload (spec.md §4.4: "raw" = decoded integer, "bits" = bit
// array, etc.).
type Variable struct {
	Index    uint16
	Subindex uint8
	Raw      []byte
}

// Int returns the variable's raw payload decoded as a little-endian
// two's-complement integer, the "raw" property of spec.md §4.4.
func (v Variable) Int() int64 {
	var n int64
	for i := len(v.Raw) - 1; i >= 0; i-- {
		n = n<<8 | int64(v.Raw[i])
	}
	// Sign-extend from the payload's own width.
	bits := uint(len(v.Raw)) * 8
	if bits > 0 && bits < 64 && n&(1<<(bits-1)) != 0 {
		n -= 1 << bits
	}
	return n
}

// Bits returns the variable's raw payload as a big-endian bit array, the
// "bits" property of spec.md §4.4.
func (v Variable) Bits() []bool {
	bits := make([]bool, 0, len(v.Raw)*8)
	for _, b := range v.Raw {
		for i := 7; i >= 0; i-- {
			bits = append(bits, b&(1<<uint(i)) != 0)
		}
	}
	return bits
}

// Frame is an inbound message delivered to a TPDO callback: an ordered
// list of the variables mapped into that PDO (spec.md §6).
type Frame struct {
	PDONumber int
	Variables []Variable
}

// Dictionary resolves a symbolic name or numeric index (plus optional
// subindex) to the object dictionary's canonical slot, the collaborator
// C3 (object.Resolve) consults (spec.md §4.3).
type Dictionary interface {
	// Find returns the canonical (index, subindex) for nameOrIndex and
	// subindex, or an error if no such entry exists.
	Find(nameOrIndex any, subindex any) (index uint16, sub uint8, err error)
}

// TPDOConfig configures one transmit PDO (spec.md §3, §6).
type TPDOConfig struct {
	Entries          []Slot
	TransmissionType uint8
	EventTimerMs     uint16
	RTRAllowed       bool
	Enabled          bool
}

// Slot names one object-dictionary entry by its canonical (index,
// subindex) pair (spec.md §3).
type Slot struct {
	Index    uint16
	Subindex uint8
}

// TPDOHandle is one of the transport's numbered TPDO objects.
type TPDOHandle interface {
	Clear()
	AddVariable(index uint16, subindex uint8) error
	Configure(cfg TPDOConfig) error
	Save() error
	AddCallback(fn func(Frame))
}

// RPDOConfig configures one receive PDO (spec.md §3, §6).
type RPDOConfig struct {
	Entries          []Slot
	TransmissionType uint8
	RTRAllowed       bool
	Enabled          bool
}

// RPDOHandle is one of the transport's numbered RPDO objects.
type RPDOHandle interface {
	Clear()
	AddVariable(index uint16, subindex uint8) error
	Configure(cfg RPDOConfig) error
	Save() error
	// SetEntry stages the payload for one bound slot ahead of Transmit.
	SetEntry(index uint16, subindex uint8, raw []byte) error
	// Transmit emits the currently staged payload.
	Transmit() error
}

// NMTState is a CANopen network-management state the node can be placed
// into (spec.md §6).
type NMTState int

const (
	PreOperational NMTState = iota
	Operational
	Stopped
)

// Transport is the full set of operations this module consumes from an
// external CANopen library (spec.md §6).
type Transport interface {
	Dictionary

	// SDORead performs a confirmed upload of (index, subindex), returning
	// the raw payload exactly as received.
	SDORead(ctx context.Context, index uint16, subindex uint8) ([]byte, error)
	// SDOWrite performs a confirmed download of data to (index,
	// subindex). The caller supplies data pre-encoded to the exact width
	// the dictionary entry expects (spec.md §4.4).
	SDOWrite(ctx context.Context, index uint16, subindex uint8, data []byte) error

	// TPDO returns the handle for TPDO number n (1..n).
	TPDO(n int) (TPDOHandle, error)
	// RPDO returns the handle for RPDO number n (1..n).
	RPDO(n int) (RPDOHandle, error)

	// SetNMTState transitions the node's NMT state.
	SetNMTState(ctx context.Context, s NMTState) error

	// Close releases the node. Never called by a Motor (spec.md §9:
	// "Motor borrows node; node outlives all Motors").
	Close() error
}
