// Package motor implements the C8 top-level façade of spec.md §4.8: the
// Motor aggregate and its high-level operations (change operating mode,
// move to target, follow a streamed trajectory, home, shutdown),
// composing package cia402 for state changes, package variable for
// variable I/O, and packages tpdo/rpdo for PDO lifecycle, grounded on
// motor402/motor.py's Motor class.
package motor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cia402.dev/motor/canopen"
	"cia402.dev/motor/cia402"
	"cia402.dev/motor/codec"
	"cia402.dev/motor/object"
	"cia402.dev/motor/profile"
	"cia402.dev/motor/rpdo"
	"cia402.dev/motor/tpdo"
	"cia402.dev/motor/variable"
)

var log = logrus.WithField("component", "motor")

// Config configures a new Motor (spec.md §6 "Configuration", this
// module's AMBIENT STACK: a plain field struct passed to New, following
// the teacher's mjolnir.Options/tmc2209.Device pattern rather than a
// builder or flag parser).
type Config struct {
	// Transport is the borrowed CANopen node (spec.md §9 "Shared device
	// node": "Motor borrows node; node outlives all Motors").
	Transport canopen.Transport
	// Rename is this axis's symbolic-name rename table (spec.md §3, §9
	// "Per-axis renaming").
	Rename object.RenameTable
	// Profiles is the operating-mode profile table (spec.md §3). Nil
	// defaults to profile.Table.
	Profiles map[string]profile.Profile
}

// Motor is the C8 aggregate of spec.md §3: one transport node handle
// (borrowed, never owned), one rename table, one operating-mode profile
// table, configured TPDO/RPDO bindings, and the live TPDO mirror they
// share with the variable façade.
type Motor struct {
	transport canopen.Transport
	facade    *variable.Facade
	machine   *cia402.Machine
	mirror    *tpdo.Mirror
	profiles  map[string]profile.Profile

	tpdos []*tpdo.Binding
	rpdos []*rpdo.Streamer

	mode string
}

// New creates a Motor bound to cfg.Transport, which the caller must have
// already placed in NMT PRE-OPERATIONAL state (spec.md §3 "Lifecycle").
func New(cfg Config) *Motor {
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = profile.Table
	}
	mirror := tpdo.NewMirror()
	facade := variable.New(cfg.Transport, cfg.Rename, mirror)
	return &Motor{
		transport: cfg.Transport,
		facade:    facade,
		machine:   cia402.New(facade),
		mirror:    mirror,
		profiles:  profiles,
		mode:      "no_mode",
	}
}

// Get exposes the underlying variable façade's read operation (spec.md
// §4.4), e.g. for applications polling statusword bits directly as
// motor_move.py's examples do.
func (m *Motor) Get(ctx context.Context, name string, opts ...variable.GetOption) (any, error) {
	return m.facade.Get(ctx, name, opts...)
}

// Set exposes the underlying variable façade's write operation (spec.md
// §4.4).
func (m *Motor) Set(ctx context.Context, name string, value []byte, subindex any) error {
	return m.facade.Set(ctx, name, value, subindex)
}

// SetTPDOs binds each cfg to this Motor's shared mirror (spec.md §4.5).
func (m *Motor) SetTPDOs(cfgs []tpdo.Config) error {
	for _, cfg := range cfgs {
		handle, err := m.transport.TPDO(cfg.PDONumber)
		if err != nil {
			return fmt.Errorf("motor: tpdo %d: %w", cfg.PDONumber, err)
		}
		binding, err := tpdo.Bind(handle, m.facade.Resolve, cfg, m.mirror)
		if err != nil {
			return err
		}
		m.tpdos = append(m.tpdos, binding)
	}
	return nil
}

// SetOperatingMode implements spec.md §4.8 set_operating_mode: resolve
// the profile, and if its code differs from what's currently
// programmed, walk to SWITCH ON DISABLED (mode changes are forbidden
// while power is enabled) before writing the new code.
func (m *Motor) SetOperatingMode(ctx context.Context, name string) error {
	p, err := profile.Lookup(m.profiles, name)
	if err != nil {
		return err
	}
	current, err := m.facade.Get(ctx, "operating_mode", variable.ForceSDO())
	if err != nil {
		return err
	}
	if int(current.(int64)) == p.Code() {
		m.mode = name
		return nil
	}
	if err := m.machine.ToSwitchOnDisabled(ctx); err != nil {
		return err
	}
	raw, err := codec.I8(p.Code())
	if err != nil {
		return err
	}
	if err := m.facade.Set(ctx, "operating_mode", raw, nil); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"mode": name, "code": p.Code()}).Debug("operating mode set")
	m.mode = name
	return nil
}

// moveOptions bundle MoveToTarget's optional parameters (spec.md §4.8
// move_to_target defaults: target_slot="target_position",
// profile="pp", relative=false).
type moveOptions struct {
	targetSlot string
	profile    string
	relative   bool
}

// MoveOption customizes a MoveToTarget call.
type MoveOption func(*moveOptions)

// WithTargetSlot overrides the default "target_position" slot name.
func WithTargetSlot(name string) MoveOption { return func(o *moveOptions) { o.targetSlot = name } }

// WithProfile overrides the default "pp" profile.
func WithProfile(name string) MoveOption { return func(o *moveOptions) { o.profile = name } }

// Relative marks the move as relative to the current position,
// OR-ing the "relative" bit into the controlword pulse.
func Relative() MoveOption { return func(o *moveOptions) { o.relative = true } }

// MoveToTarget implements spec.md §4.8 move_to_target: walk to SWITCH ON
// DISABLED, set the operating mode, walk to OPERATION ENABLED, write
// the target with a 32-bit signed codec, then pulse the controlword's
// "new set-point" bit (optionally OR-ed with "relative").
func (m *Motor) MoveToTarget(ctx context.Context, value int64, opts ...MoveOption) error {
	o := moveOptions{targetSlot: "target_position", profile: "pp"}
	for _, opt := range opts {
		opt(&o)
	}

	if err := m.machine.ToSwitchOnDisabled(ctx); err != nil {
		return err
	}
	if err := m.SetOperatingMode(ctx, o.profile); err != nil {
		return err
	}
	if err := m.machine.ToOperational(ctx); err != nil {
		return err
	}

	raw, err := codec.I32(value)
	if err != nil {
		return err
	}
	if err := m.facade.Set(ctx, o.targetSlot, raw, nil); err != nil {
		return err
	}

	return profile.Pulse(ctx, m.facade, profile.MoveToTargetBits(o.relative))
}

// FollowTrajectory implements spec.md §4.8 follow_trajectory: walk to
// SWITCH ON DISABLED, install the RPDO, set the operating mode (default
// "csp"), walk to OPERATION ENABLED, and start the streamer. The
// streamer is the trajectory's drive: each sample is a new target
// written through the PDO.
func (m *Motor) FollowTrajectory(ctx context.Context, cfg rpdo.Config, profileName string) (*rpdo.Streamer, error) {
	if profileName == "" {
		profileName = "csp"
	}

	if err := m.machine.ToSwitchOnDisabled(ctx); err != nil {
		return nil, err
	}

	handle, err := m.transport.RPDO(cfg.PDONumber)
	if err != nil {
		return nil, fmt.Errorf("motor: rpdo %d: %w", cfg.PDONumber, err)
	}
	streamer, err := rpdo.Bind(handle, m.facade.Resolve, cfg)
	if err != nil {
		return nil, err
	}
	m.rpdos = append(m.rpdos, streamer)

	if err := m.SetOperatingMode(ctx, profileName); err != nil {
		return nil, err
	}
	if err := m.machine.ToOperational(ctx); err != nil {
		return nil, err
	}

	streamer.Start()
	return streamer, nil
}

// HomeParams are the homing parameters of spec.md §4.8 home(method,
// fast_speed, slow_speed, acceleration).
type HomeParams struct {
	Method       int8
	FastSpeed    uint32
	SlowSpeed    uint32
	Acceleration uint32
}

// Home implements spec.md §4.8 home: walk to SWITCH ON DISABLED, set
// operating mode to "hm", walk to OPERATION ENABLED, write method,
// the two homing speeds (sub-entries 1 and 2) and acceleration, then
// pulse the controlword's start-homing bit.
func (m *Motor) Home(ctx context.Context, p HomeParams) error {
	if err := m.machine.ToSwitchOnDisabled(ctx); err != nil {
		return err
	}
	if err := m.SetOperatingMode(ctx, "hm"); err != nil {
		return err
	}
	if err := m.machine.ToOperational(ctx); err != nil {
		return err
	}

	method, err := codec.I8(int(p.Method))
	if err != nil {
		return err
	}
	if err := m.facade.Set(ctx, "homing_method", method, nil); err != nil {
		return err
	}
	fast, err := codec.U32(int64(p.FastSpeed))
	if err != nil {
		return err
	}
	if err := m.facade.Set(ctx, "homing_speeds", fast, uint8(1)); err != nil {
		return err
	}
	slow, err := codec.U32(int64(p.SlowSpeed))
	if err != nil {
		return err
	}
	if err := m.facade.Set(ctx, "homing_speeds", slow, uint8(2)); err != nil {
		return err
	}
	accel, err := codec.U32(int64(p.Acceleration))
	if err != nil {
		return err
	}
	if err := m.facade.Set(ctx, "homing_acceleration", accel, nil); err != nil {
		return err
	}

	return profile.Pulse(ctx, m.facade, profile.HomeBits())
}

// Shutdown implements spec.md §4.8 shutdown: walk to SWITCH ON DISABLED;
// clear and disable every configured TPDO; stop (joining its thread) and
// clear every RPDO streamer. The transport itself is never closed here
// (spec.md §9: "No Motor may shutdown the transport").
func (m *Motor) Shutdown(ctx context.Context) error {
	if err := m.machine.ToSwitchOnDisabled(ctx); err != nil {
		return err
	}
	for _, b := range m.tpdos {
		if err := b.Clear(m.mirror); err != nil {
			return err
		}
	}
	for _, s := range m.rpdos {
		s.Stop()
		if err := s.Clear(); err != nil {
			return err
		}
	}
	log.Debug("motor shutdown complete")
	return nil
}

// RecoverFromFault is an alias for requesting SWITCH ON DISABLED
// (spec.md §4.9).
func (m *Motor) RecoverFromFault(ctx context.Context) error {
	return m.machine.RecoverFromFault(ctx)
}

// CurrentState returns the symbolic CiA-402 state (spec.md §4.7).
func (m *Motor) CurrentState(ctx context.Context) (cia402.State, error) {
	return m.machine.CurrentState(ctx)
}
