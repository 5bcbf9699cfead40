// Package cia402 implements the CiA-402 state machine: reading the
// symbolic device state from the statusword, and writing the
// controlword to command legal transitions, including the shortest-path
// walks to OPERATION ENABLED and SWITCH ON DISABLED (spec.md §4.7, C7).
package cia402

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cia402.dev/motor/codec"
	"cia402.dev/motor/state"
	"cia402.dev/motor/variable"
)

// ErrIllegalTransition reports a requested state change that is not a
// single legal step, or a target in {NOT READY TO SWITCH ON, FAULT
// REACTION ACTIVE, FAULT} (spec.md §4.7, §7).
var ErrIllegalTransition = errors.New("cia402: illegal state transition")

// TransitionTimeout reports that a commanded state was not reflected by
// the statusword before the context deadline (spec.md §9 "Open
// behavior": the preferred semantics over fire-and-forget, with a
// caller-supplied deadline rather than the source's undocumented
// constant or its buggy absolute-vs-duration comparison).
type TransitionTimeout struct {
	Target State
	Cause  error
}

// State is re-exported so callers of this package need not also import
// package state for the common case.
type State = state.State

func (e *TransitionTimeout) Error() string {
	return fmt.Sprintf("cia402: timed out waiting for %v: %v", e.Target, e.Cause)
}

func (e *TransitionTimeout) Unwrap() error { return e.Cause }

// pollInterval is how often RequestState re-reads the statusword while
// waiting for a commanded transition to take effect.
const pollInterval = 5 * time.Millisecond

var log = logrus.WithField("component", "cia402")

// Machine drives one axis's CiA-402 state machine through a
// variable.Facade, reading/writing the statusword/controlword symbolic
// names (renamed per-axis by the Facade's resolver, spec.md §9).
type Machine struct {
	facade *variable.Facade
}

// New creates a Machine over facade.
func New(facade *variable.Facade) *Machine {
	return &Machine{facade: facade}
}

// CurrentState returns the symbolic state decoded from a fresh,
// forced SDO read of the statusword: the mirror is never consulted here,
// avoiding races with in-flight transitions (spec.md §4.7).
func (m *Machine) CurrentState(ctx context.Context) (State, error) {
	v, err := m.facade.Get(ctx, "statusword", variable.ForceSDO())
	if err != nil {
		return state.Unknown, err
	}
	return state.Decode(uint16(v.(int64))), nil
}

// RequestState implements the C7 write operation of spec.md §4.7: if
// already at target, return; reject illegal targets; if the transition
// is legal, write its controlword and wait (bounded by ctx) for the
// statusword to reflect target.
func (m *Machine) RequestState(ctx context.Context, target State) error {
	current, err := m.CurrentState(ctx)
	if err != nil {
		return err
	}
	if current == target {
		return nil
	}
	switch target {
	case state.NotReadyToSwitchOn, state.FaultReactionActive, state.Fault:
		return fmt.Errorf("%w: cannot request %v", ErrIllegalTransition, target)
	}
	cw, ok := state.Controlword(current, target)
	if !ok {
		return fmt.Errorf("%w: %v -> %v is not a single legal step", ErrIllegalTransition, current, target)
	}

	raw, err := codec.U16(int(cw))
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"from": current, "to": target, "controlword": fmt.Sprintf("%#04x", cw)}).Debug("requesting state transition")
	if err := m.facade.Set(ctx, "controlword", raw, nil); err != nil {
		return err
	}

	return m.awaitState(ctx, target)
}

// awaitState polls CurrentState until it matches target or ctx expires,
// using a single deadline computed once by the caller's context rather
// than the source's repeated "time.monotonic() > 0.5" comparison
// (spec.md §9).
func (m *Machine) awaitState(ctx context.Context, target State) error {
	for {
		cur, err := m.CurrentState(ctx)
		if err != nil {
			return err
		}
		if cur == target {
			return nil
		}
		select {
		case <-ctx.Done():
			return &TransitionTimeout{Target: target, Cause: ctx.Err()}
		case <-time.After(pollInterval):
		}
	}
}

// ToOperational walks the precomputed path from the current state to
// OPERATION ENABLED, issuing one RequestState per intermediate step
// (spec.md §4.7).
func (m *Machine) ToOperational(ctx context.Context) error {
	return m.walk(ctx, state.ToOperational)
}

// ToSwitchOnDisabled walks the precomputed path from the current state
// to SWITCH ON DISABLED (spec.md §4.7).
func (m *Machine) ToSwitchOnDisabled(ctx context.Context) error {
	return m.walk(ctx, state.ToSwitchOnDisabled)
}

func (m *Machine) walk(ctx context.Context, table map[State][]State) error {
	current, err := m.CurrentState(ctx)
	if err != nil {
		return err
	}
	steps, ok := table[current]
	if !ok {
		return fmt.Errorf("%w: no walk defined from %v", ErrIllegalTransition, current)
	}
	for _, next := range steps {
		if err := m.RequestState(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

// RecoverFromFault is an alias for RequestState(SWITCH ON DISABLED)
// (spec.md §4.9).
func (m *Machine) RecoverFromFault(ctx context.Context) error {
	return m.RequestState(ctx, state.SwitchOnDisabled)
}
