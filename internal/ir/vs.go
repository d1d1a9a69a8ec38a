package ir

import (
	"fmt"
	"math"
	"strings"
)

// Value is an SSA value of a unit. The lower 32 bits identify the value within its builder,
// the upper 32 bits carry its Type.
type Value uint64

// ValueID is the identifier part of a Value.
type ValueID uint32

const (
	valueIDInvalid ValueID = math.MaxUint32
	ValueInvalid   Value   = Value(valueIDInvalid)
)

// Format returns the annotation of the value if any, or its "v<ID>" name.
func (v Value) Format(b Builder) string {
	if a, ok := b.(*builder).annotation(v); ok {
		return a
	}
	return fmt.Sprintf("v%d", v.ID())
}

func (v Value) formatWithType(b Builder) string {
	return v.Format(b) + ":" + v.Type().String()
}

func formatValues(b Builder, vs []Value) string {
	strs := make([]string, len(vs))
	for i, v := range vs {
		strs[i] = v.Format(b)
	}
	return strings.Join(strs, ", ")
}

// Valid returns true unless this is ValueInvalid.
func (v Value) Valid() bool {
	return v.ID() != valueIDInvalid
}

// Type returns the Type of this value.
func (v Value) Type() Type {
	return Type(v >> 32)
}

// ID returns the ValueID of this value.
func (v Value) ID() ValueID {
	return ValueID(v)
}

func (v Value) setType(typ Type) Value {
	return v | Value(typ)<<32
}

// valueDefinitions maps each ValueID to the instruction producing it. Block parameters
// have no defining instruction.
type valueDefinitions []*Instruction

// valueDefinitions collects the definitions of every value allocated so far.
func (b *builder) valueDefinitions() valueDefinitions {
	defs := make(valueDefinitions, b.nextValueID)
	b.forEachInstruction(func(instr *Instruction) {
		if instr.rValue.Valid() {
			defs[instr.rValue.ID()] = instr
		}
	})
	return defs
}

func (d valueDefinitions) of(v Value) *Instruction {
	if !v.Valid() || int(v.ID()) >= len(d) {
		return nil
	}
	return d[v.ID()]
}

// constant returns the value of v if it is defined by an Iconst.
func (d valueDefinitions) constant(v Value) (uint64, bool) {
	if def := d.of(v); def != nil && def.opcode == OpcodeIconst {
		return def.u64, true
	}
	return 0, false
}
