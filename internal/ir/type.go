package ir

// Type represents the type of a Value.
type Type byte

const (
	// TypeInvalid is the result type of instructions that produce no value.
	TypeInvalid Type = iota

	// TypeI32 represents an integer type with 32 bits.
	TypeI32

	// TypeI64 represents an integer type with 64 bits.
	TypeI64

	// TypeV128 represents a 128-bit SIMD vector.
	TypeV128

	typeEnd
)

// String implements fmt.Stringer.
func (t Type) String() (ret string) {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	case TypeV128:
		return "v128"
	default:
		panic(int(t))
	}
}

// IsInt returns true if the type is an integer type.
func (t Type) IsInt() bool {
	return t == TypeI32 || t == TypeI64
}

// Bits returns the number of bits required to represent the type.
func (t Type) Bits() byte {
	switch t {
	case TypeI32:
		return 32
	case TypeI64:
		return 64
	case TypeV128:
		return 128
	default:
		panic(int(t))
	}
}

// Size returns the number of bytes required to represent the type.
func (t Type) Size() byte {
	return t.Bits() / 8
}

func (t Type) invalid() bool {
	return t == TypeInvalid
}
