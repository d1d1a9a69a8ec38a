package memory

import (
	"fmt"
	"strings"
)

// Type selects how emitted code translates guest virtual addresses to host pointers.
type Type byte

const (
	// TypeSoftwarePageTable translates through a flat table of page table entries, with
	// software tracking bits checked inline by the emitted code.
	TypeSoftwarePageTable Type = iota
	// TypeHostMapped maps the guest address space one to one into a host reservation.
	TypeHostMapped
	// TypeHostMappedUnsafe is TypeHostMapped without masking the address to the address space width.
	TypeHostMappedUnsafe
	// TypeHostTracked adds the per page offset held by a one level table to the address.
	TypeHostTracked
	// TypeHostTrackedUnsafe is TypeHostTracked without masking the address to the address space width.
	TypeHostTrackedUnsafe
)

// IsHostMapped returns true for the host mapped types.
func (t Type) IsHostMapped() bool {
	return t == TypeHostMapped || t == TypeHostMappedUnsafe
}

// IsHostTracked returns true for the host tracked types.
func (t Type) IsHostTracked() bool {
	return t == TypeHostTracked || t == TypeHostTrackedUnsafe
}

// IsHostMappedOrTracked returns true when emitted accesses never take a slow path.
func (t Type) IsHostMappedOrTracked() bool {
	return t.IsHostMapped() || t.IsHostTracked()
}

// IsUnsafe returns true when the address is not masked to the address space width.
func (t Type) IsUnsafe() bool {
	return t == TypeHostMappedUnsafe || t == TypeHostTrackedUnsafe
}

var typeNames = [...]string{
	TypeSoftwarePageTable: "software",
	TypeHostMapped:        "host-mapped",
	TypeHostMappedUnsafe:  "host-mapped-unsafe",
	TypeHostTracked:       "host-tracked",
	TypeHostTrackedUnsafe: "host-tracked-unsafe",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", t)
}

// ParseType returns the Type named by s as printed by Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if strings.EqualFold(s, name) {
			return Type(t), nil
		}
	}
	return 0, fmt.Errorf("unknown memory manager type %q (want one of %s)", s, strings.Join(typeNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so that Type can be read from config files and flags.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
