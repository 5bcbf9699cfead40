// Package object resolves symbolic variable names through a per-axis
// rename table to a canonical object-dictionary slot (spec.md §3, §4.3).
package object

import (
	"errors"
	"fmt"

	"cia402.dev/motor/canopen"
)

// ErrUnknownVariable is returned when the dictionary has no entry
// matching the (possibly renamed) name or index.
var ErrUnknownVariable = errors.New("object: unknown variable")

// Slot is a 16-bit index plus 8-bit subindex naming one object-dictionary
// entry (spec.md §3). The zero Subindex means "absent".
type Slot = canopen.Slot

// RenameTable maps a symbolic logical name (or subindex) to either a
// concrete value or a device-specific display name to look up in the
// object dictionary (spec.md §3: "Rename table (per Motor)").
//
// Multi-axis devices expose identical logical objects at per-axis display
// names ("Controlword 1", "Controlword 2", ...); the rename table is the
// axis selector — do not hard-code index offsets (spec.md §9).
type RenameTable map[any]any

// resolveAlias follows a chain of renames until it reaches a value the
// table doesn't itself rename, guarding against a table with a cycle.
func (t RenameTable) resolveAlias(key any) any {
	seen := map[any]bool{}
	for {
		next, ok := t[key]
		if !ok || seen[key] {
			return key
		}
		seen[key] = true
		key = next
	}
}

// Resolver resolves symbolic names to canonical slots for one axis.
// Results are not cached: every Resolve call consults the rename table
// and the dictionary again.
type Resolver struct {
	dict   canopen.Dictionary
	rename RenameTable
}

// New creates a Resolver backed by dict, renaming names through rename
// before the dictionary lookup.
func New(dict canopen.Dictionary, rename RenameTable) *Resolver {
	if rename == nil {
		rename = RenameTable{}
	}
	return &Resolver{dict: dict, rename: rename}
}

// Resolve implements the C3 operation of spec.md §4.3: rename the name
// and subindex, then ask the dictionary for the canonical slot.
func (r *Resolver) Resolve(nameOrIndex any, subindex any) (Slot, error) {
	name := r.rename.resolveAlias(nameOrIndex)
	sub := r.rename.resolveAlias(subindex)
	index, subindex8, err := r.dict.Find(name, sub)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %v: %w", ErrUnknownVariable, name, err)
	}
	return Slot{Index: index, Subindex: subindex8}, nil
}
