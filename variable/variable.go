// Package variable is the C4 façade of spec.md §4.4: Get/Set operations
// that consult the TPDO mirror when available, and fall through to SDO
// otherwise. Set always goes through SDO; an RPDO write is the
// streamer's job (rpdo), never this package's.
package variable

import (
	"context"
	"fmt"

	"cia402.dev/motor/canopen"
	"cia402.dev/motor/object"
	"cia402.dev/motor/tpdo"
)

// ErrTransport wraps a transport (SDO) failure (spec.md §7
// TransportError).
var ErrTransport = fmt.Errorf("variable: transport error")

// Property names the requested view of a variable's raw payload
// (spec.md §4.4).
type Property string

const (
	Raw  Property = "raw"
	Bits Property = "bits"
)

// Facade implements Get/Set for one axis: it resolves names through a
// Resolver and consults a Mirror before falling back to SDO.
type Facade struct {
	transport canopen.Transport
	resolver  *object.Resolver
	mirror    *tpdo.Mirror
}

// New creates a Facade over transport, resolving names per rename, and
// consulting mirror for cached reads.
func New(transport canopen.Transport, rename object.RenameTable, mirror *tpdo.Mirror) *Facade {
	return &Facade{
		transport: transport,
		resolver:  object.New(transport, rename),
		mirror:    mirror,
	}
}

// Resolve exposes the underlying name resolution, e.g. for callers that
// configure TPDOs/RPDOs and need the same renaming this Facade applies.
func (f *Facade) Resolve(name string) (object.Slot, error) {
	return f.resolver.Resolve(name, 0)
}

// options bundle the optional Get parameters of spec.md §4.4.
type options struct {
	subindex any
	property Property
	forceSDO bool
}

// GetOption customizes a Get call.
type GetOption func(*options)

// WithSubindex resolves name with an explicit subindex instead of 0.
func WithSubindex(subindex any) GetOption { return func(o *options) { o.subindex = subindex } }

// WithProperty requests a property other than "raw".
func WithProperty(p Property) GetOption { return func(o *options) { o.property = p } }

// ForceSDO skips the mirror even if a cached value exists.
func ForceSDO() GetOption { return func(o *options) { o.forceSDO = true } }

// Get resolves name and returns the requested property, from the mirror
// when available and not forced to SDO, else via a fresh SDO upload
// (spec.md §4.4).
func (f *Facade) Get(ctx context.Context, name string, opts ...GetOption) (any, error) {
	o := options{subindex: 0, property: Raw}
	for _, opt := range opts {
		opt(&o)
	}
	slot, err := f.resolver.Resolve(name, o.subindex)
	if err != nil {
		return nil, err
	}

	var v canopen.Variable
	if !o.forceSDO && f.mirror != nil {
		if cached, ok := f.mirror.Lookup(slot); ok && cached.Raw != nil {
			v = cached
		} else {
			v, err = f.sdoRead(ctx, slot)
		}
	} else {
		v, err = f.sdoRead(ctx, slot)
	}
	if err != nil {
		return nil, err
	}
	return project(v, o.property), nil
}

func (f *Facade) sdoRead(ctx context.Context, slot object.Slot) (canopen.Variable, error) {
	raw, err := f.transport.SDORead(ctx, slot.Index, slot.Subindex)
	if err != nil {
		return canopen.Variable{}, fmt.Errorf("%w: SDO read %#04x:%#02x: %w", ErrTransport, slot.Index, slot.Subindex, err)
	}
	return canopen.Variable{Index: slot.Index, Subindex: slot.Subindex, Raw: raw}, nil
}

func project(v canopen.Variable, property Property) any {
	switch property {
	case Bits:
		return v.Bits()
	default:
		return v.Int()
	}
}

// Set resolves name and issues an SDO download of value, which the
// caller must supply pre-encoded to the exact width the dictionary
// entry expects (spec.md §4.4; see package codec).
func (f *Facade) Set(ctx context.Context, name string, value []byte, subindex any) error {
	if subindex == nil {
		subindex = 0
	}
	slot, err := f.resolver.Resolve(name, subindex)
	if err != nil {
		return err
	}
	if err := f.transport.SDOWrite(ctx, slot.Index, slot.Subindex, value); err != nil {
		return fmt.Errorf("%w: SDO write %#04x:%#02x: %w", ErrTransport, slot.Index, slot.Subindex, err)
	}
	return nil
}
