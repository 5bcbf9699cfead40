package profile

import (
	"context"
	"errors"
	"testing"

	"cia402.dev/motor/internal/canopentest"
	"cia402.dev/motor/variable"
)

func TestLookupUnknownMode(t *testing.T) {
	if _, err := Lookup(Table, "nope"); !errors.Is(err, ErrIllegalMode) {
		t.Fatalf("err = %v, want ErrIllegalMode", err)
	}
}

func TestLookupKnownModes(t *testing.T) {
	cases := map[string]int{"no_mode": 0, "pp": 1, "pv": 2, "hm": 6, "csp": 8, "csv": 9}
	for name, code := range cases {
		p, err := Lookup(Table, name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if p.Code() != code {
			t.Errorf("%s: code = %d, want %d", name, p.Code(), code)
		}
	}
}

func TestPulseWritesNewSetpointThenClears(t *testing.T) {
	transport := canopentest.New([]canopentest.Entry{{Name: "controlword", Index: 0x6040, Subindex: 0}})
	facade := variable.New(transport, nil, nil)

	if err := Pulse(context.Background(), facade, MoveToTargetBits(false)); err != nil {
		t.Fatal(err)
	}
	raw, err := transport.SDORead(context.Background(), 0x6040, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := uint16(raw[0]) | uint16(raw[1])<<8; got != 0x000F {
		t.Errorf("final controlword = %#04x, want 0x000F", got)
	}
}

func TestMoveToTargetBitsRelative(t *testing.T) {
	if got := MoveToTargetBits(false); got != 0x0010 {
		t.Errorf("absolute bits = %#04x, want 0x0010", got)
	}
	if got := MoveToTargetBits(true); got != 0x0050 {
		t.Errorf("relative bits = %#04x, want 0x0050", got)
	}
}

func TestHomeBits(t *testing.T) {
	if got := HomeBits(); got != 0x0010 {
		t.Errorf("home bits = %#04x, want 0x0010", got)
	}
}
