// Package profile models the CiA-402 operating-mode variants as a closed
// tagged set (spec.md §9 "Operating-mode variants", SPEC_FULL.md
// "SUPPLEMENTED FEATURES" #1): profile position (PP), profile velocity
// (PV), homing (HM), cyclic synchronous position (CSP) and cyclic
// synchronous velocity (CSV), one type per source subclass
// (operating_modes/position_profile.py, velocity_profile.py, homing.py,
// cyclic_synchronous_position.py, cyclic_synchronous_velocity.py). Each
// type reports only its name and mode code; the types carry no slot
// addresses, and the controlword pulses are the shared Pulse helper
// below rather than per-profile methods.
package profile

import (
	"context"
	"errors"
	"fmt"

	"cia402.dev/motor/codec"
	"cia402.dev/motor/variable"
)

// ErrIllegalMode reports a profile name absent from the motor's
// operating-mode table (spec.md §7 IllegalMode).
var ErrIllegalMode = errors.New("profile: unknown operating mode")

// Profile is one CiA-402 operating-mode variant. Code is the integer
// written to the "operating_mode" slot to select this mode.
type Profile interface {
	Name() string
	Code() int
}

// Table maps a symbolic profile name to its device-side integer code,
// the "Operating-mode profile table" of spec.md §3. This is the table
// motor_move.py's motion_profiles_cfg uses; a Motor may supply its own
// via motor.Config if the device assigns different codes.
var Table = map[string]Profile{
	"no_mode": NoMode{},
	"pp":      PP{},
	"pv":      PV{},
	"hm":      HM{},
	"csp":     CSP{},
	"csv":     CSV{},
}

// Lookup resolves name to its Profile via table, failing with
// ErrIllegalMode if name is not a key (spec.md §4.8 "IllegalMode if the
// profile name is unknown").
func Lookup(table map[string]Profile, name string) (Profile, error) {
	p, ok := table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIllegalMode, name)
	}
	return p, nil
}

// NoMode is operating mode 0: power enabled, no motion command active.
type NoMode struct{}

func (NoMode) Name() string { return "no_mode" }
func (NoMode) Code() int    { return 0 }

// PP is profile position mode (operating_modes/position_profile.py).
type PP struct{}

func (PP) Name() string { return "pp" }
func (PP) Code() int    { return 1 }

// PV is profile velocity mode (operating_modes/velocity_profile.py).
type PV struct{}

func (PV) Name() string { return "pv" }
func (PV) Code() int    { return 2 }

// HM is homing mode (operating_modes/homing.py).
type HM struct{}

func (HM) Name() string { return "hm" }
func (HM) Code() int    { return 6 }

// CSP is cyclic synchronous position mode
// (operating_modes/cyclic_synchronous_position.py).
type CSP struct{}

func (CSP) Name() string { return "csp" }
func (CSP) Code() int    { return 8 }

// CSV is cyclic synchronous velocity mode
// (operating_modes/cyclic_synchronous_velocity.py).
type CSV struct{}

func (CSV) Name() string { return "csv" }
func (CSV) Code() int    { return 9 }

// Controlword bits used by the pulse helpers below (spec.md §4.8, §6).
const (
	bitEnableOperation uint16 = 0x000F
	bitNewSetpoint     uint16 = 0x0010
	bitRelative        uint16 = 0x0040
	bitStartHoming     uint16 = 0x0010
)

// Pulse writes the controlword with extraBits set alongside the
// "enable operation" bits, then clears extraBits, generalizing
// motor402_old/backripper.py's raw controlword pulse (SUPPLEMENTED
// FEATURES #3): MoveToTarget pulses the "new set-point" bit (optionally
// OR-ed with "relative"); Home pulses the "start homing" bit.
func Pulse(ctx context.Context, facade *variable.Facade, extraBits uint16) error {
	set, err := codec.U16(int(bitEnableOperation | extraBits))
	if err != nil {
		return err
	}
	if err := facade.Set(ctx, "controlword", set, nil); err != nil {
		return err
	}
	clear, err := codec.U16(int(bitEnableOperation))
	if err != nil {
		return err
	}
	return facade.Set(ctx, "controlword", clear, nil)
}

// MoveToTargetBits returns the extra controlword bits for a
// move-to-target pulse (spec.md §4.8): the "new set-point" bit, OR-ed
// with "relative" when relative is true.
func MoveToTargetBits(relative bool) uint16 {
	bits := bitNewSetpoint
	if relative {
		bits |= bitRelative
	}
	return bits
}

// HomeBits returns the extra controlword bits for a start-homing pulse
// (spec.md §4.8).
func HomeBits() uint16 {
	return bitStartHoming
}
