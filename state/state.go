// Package state holds the static CiA-402 device-state tables: statusword
// decoding, the legal controlword transitions, and the precomputed walks
// to reach OPERATION ENABLED or SWITCH ON DISABLED from any state.
package state

// State is a symbolic CiA-402 device state, decoded from the low 7 bits
// of the statusword (spec.md §4.2, §6).
type State uint8

const (
	NotReadyToSwitchOn State = iota
	SwitchOnDisabled
	ReadyToSwitchOn
	SwitchedOn
	OperationEnabled
	Fault
	FaultReactionActive
	QuickStopActive
	Unknown
)

func (s State) String() string {
	switch s {
	case NotReadyToSwitchOn:
		return "NOT READY TO SWITCH ON"
	case SwitchOnDisabled:
		return "SWITCH ON DISABLED"
	case ReadyToSwitchOn:
		return "READY TO SWITCH ON"
	case SwitchedOn:
		return "SWITCHED ON"
	case OperationEnabled:
		return "OPERATION ENABLED"
	case Fault:
		return "FAULT"
	case FaultReactionActive:
		return "FAULT REACTION ACTIVE"
	case QuickStopActive:
		return "QUICK STOP ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// maskValue is one entry of the statusword decode table.
type maskValue struct {
	state State
	mask  uint16
	value uint16
}

// statuswordTable is scanned in declaration order; the first match wins.
// Bit layout per spec.md §6: bits 0-6 only.
var statuswordTable = []maskValue{
	{NotReadyToSwitchOn, 0x4f, 0x00},
	{SwitchOnDisabled, 0x4f, 0x40},
	{ReadyToSwitchOn, 0x6f, 0x21},
	{SwitchedOn, 0x6f, 0x23},
	{OperationEnabled, 0x6f, 0x27},
	{Fault, 0x4f, 0x08},
	{FaultReactionActive, 0x4f, 0x0f},
	{QuickStopActive, 0x6f, 0x07},
}

// Decode maps a raw statusword to a symbolic state, or Unknown if no
// entry matches (spec.md §4.2 / §8 scenario 1).
func Decode(sw uint16) State {
	for _, mv := range statuswordTable {
		if sw&mv.mask == mv.value {
			return mv.state
		}
	}
	return Unknown
}

type transitionKey struct {
	from, to State
}

// Transitions maps a legal single-step (from, to) pair to the controlword
// that commands it (spec.md §4.2, the CiA-402 table verbatim).
var Transitions = map[transitionKey]uint16{
	{ReadyToSwitchOn, SwitchOnDisabled}:    0x0000,
	{OperationEnabled, SwitchOnDisabled}:   0x0000,
	{SwitchedOn, SwitchOnDisabled}:         0x0000,
	{QuickStopActive, SwitchOnDisabled}:    0x0000,
	{Fault, SwitchOnDisabled}:              0x0080,
	{SwitchOnDisabled, ReadyToSwitchOn}:    0x0006,
	{SwitchedOn, ReadyToSwitchOn}:          0x0006,
	{OperationEnabled, ReadyToSwitchOn}:    0x0006,
	{ReadyToSwitchOn, SwitchedOn}:          0x0007,
	{OperationEnabled, SwitchedOn}:         0x0007,
	{SwitchedOn, OperationEnabled}:         0x000F,
	{QuickStopActive, OperationEnabled}:    0x000F,
	{OperationEnabled, QuickStopActive}:    0x0002,
}

// Controlword returns the controlword for the legal single-step transition
// (from, to), and whether such a direct transition exists.
func Controlword(from, to State) (uint16, bool) {
	cw, ok := Transitions[transitionKey{from, to}]
	return cw, ok
}

// ToOperational gives the ordered intermediate states to walk through to
// reach OPERATION ENABLED from s (spec.md §4.2). An empty slice from
// OperationEnabled means "already there"; nil means no walk is defined.
var ToOperational = map[State][]State{
	Fault:            {SwitchOnDisabled, ReadyToSwitchOn, SwitchedOn, OperationEnabled},
	SwitchOnDisabled: {ReadyToSwitchOn, SwitchedOn, OperationEnabled},
	ReadyToSwitchOn:  {SwitchedOn, OperationEnabled},
	SwitchedOn:       {OperationEnabled},
	QuickStopActive:  {OperationEnabled},
	OperationEnabled: {},
}

// ToSwitchOnDisabled gives the ordered intermediate states to walk through
// to reach SWITCH ON DISABLED from s, the mirror image of ToOperational.
var ToSwitchOnDisabled = map[State][]State{
	OperationEnabled: {SwitchedOn, ReadyToSwitchOn, SwitchOnDisabled},
	SwitchedOn:       {ReadyToSwitchOn, SwitchOnDisabled},
	ReadyToSwitchOn:  {SwitchOnDisabled},
	QuickStopActive:  {SwitchOnDisabled},
	Fault:            {SwitchOnDisabled},
	SwitchOnDisabled: {},
}
