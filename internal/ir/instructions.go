package ir

import (
	"fmt"
	"strings"
)

// Opcode represents an IR instruction.
type Opcode uint32

// FuncRef identifies a host routine that a Call or Raise transfers control to.
// The meaning of the number is decided by whoever executes the lowered code.
type FuncRef uint32

// Instruction represents an instruction whose opcode is specified by
// Opcode. Since Go doesn't have union type, we use this flattened type
// for all instructions, and therefore each field has different meaning
// depending on Opcode.
type Instruction struct {
	opcode     Opcode
	u64        uint64
	u64hi      uint64
	v          Value
	v2         Value
	v3         Value
	vs         []Value
	typ        Type
	blk        *basicBlock
	prev, next *Instruction

	rValue Value
	// live is set by passDeadCodeEliminationOpt on the instructions it keeps.
	live bool
}

// Opcode returns the opcode of this instruction.
func (i *Instruction) Opcode() Opcode {
	return i.opcode
}

// reset resets this instruction to the initial state.
func (i *Instruction) reset() {
	*i = Instruction{}
	i.v = ValueInvalid
	i.v2 = ValueInvalid
	i.v3 = ValueInvalid
	i.rValue = ValueInvalid
	i.typ = TypeInvalid
}

// Return returns the Value produced by this instruction if any.
func (i *Instruction) Return() Value {
	return i.rValue
}

// Args returns the arguments to this instruction.
func (i *Instruction) Args() (v1, v2, v3 Value, vs []Value) {
	return i.v, i.v2, i.v3, i.vs
}

// Arg returns the first argument to this instruction.
func (i *Instruction) Arg() Value {
	return i.v
}

// Next returns the next instruction laid out next to itself.
func (i *Instruction) Next() *Instruction {
	return i.next
}

// Prev returns the previous instruction laid out prior to itself.
func (i *Instruction) Prev() *Instruction {
	return i.prev
}

// Type returns the result type of this instruction, or the accessed type for stores.
func (i *Instruction) Type() Type {
	return i.typ
}

// Insert inserts this instruction into the current block of the builder and returns itself.
func (i *Instruction) Insert(b Builder) *Instruction {
	b.InsertInstruction(i)
	return i
}

// IsBranching returns true if this instruction transfers control to another block of the same function.
func (i *Instruction) IsBranching() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		return true
	default:
		return false
	}
}

// IsTerminator returns true if no instruction of the same block may follow this one.
func (i *Instruction) IsTerminator() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeReturn, OpcodeTailCallIndirect, OpcodeRaise:
		return true
	default:
		return false
	}
}

const (
	OpcodeInvalid Opcode = iota

	// OpcodeJump takes the list of args to the `block` and unconditionally jumps to it.
	OpcodeJump

	// OpcodeBrz branches into `blk` with `args` if the value `c` equals zero: `Brz c, blk, args`.
	OpcodeBrz

	// OpcodeBrnz branches into `blk` with `args` if the value `c` is not zero: `Brnz c, blk, args`.
	OpcodeBrnz

	// OpcodeReturn returns from the function: `return rvalues`.
	OpcodeReturn

	// OpcodeCall calls a host routine specified by FN with arguments `args`: `returnval = Call FN, args...`.
	OpcodeCall

	// OpcodeCallIndirect calls the code at the host address `callee`: `returnval = CallIndirect callee, args...`.
	OpcodeCallIndirect

	// OpcodeTailCallIndirect transfers control to the code at `callee` reusing the current frame:
	// `TailCallIndirect callee, args...`. The result of the callee becomes the result of this function.
	OpcodeTailCallIndirect

	// OpcodeRaise calls the host routine FN which never returns: `Raise FN, args...`.
	// This has no successor and terminates the block.
	OpcodeRaise

	// OpcodeIconst represents the integer const: `v = Iconst N`.
	OpcodeIconst

	// OpcodeVconst represents the 128-bit vector const: `v = Vconst lo, hi`.
	OpcodeVconst

	// OpcodeIadd performs an integer addition: `v = Iadd x, y`.
	OpcodeIadd

	// OpcodeIsub performs an integer subtraction: `v = Isub x, y`.
	OpcodeIsub

	// OpcodeBand performs a binary and: `v = Band x, y`.
	OpcodeBand

	// OpcodeBor performs a binary inclusive or: `v = Bor x, y`.
	OpcodeBor

	// OpcodeBxor performs a binary exclusive or: `v = Bxor x, y`.
	OpcodeBxor

	// OpcodeIshl does logical shift left: `v = Ishl x, y`.
	OpcodeIshl

	// OpcodeUshr does logical shift right: `v = Ushr x, y`.
	OpcodeUshr

	// OpcodeSshr does arithmetic shift right: `v = Sshr x, y`.
	OpcodeSshr

	// OpcodeRotr rotates the bits right: `v = Rotr x, y`.
	OpcodeRotr

	// OpcodeIcmp compares two integer values with the given condition: `v = Icmp Cond, x, y`.
	OpcodeIcmp

	// OpcodeSelect chooses between two values based on a condition `c`: `v = Select c, x, y`.
	OpcodeSelect

	// OpcodeUExtend zero-extends the given integer: `v = UExtend x, from->to`.
	OpcodeUExtend

	// OpcodeSExtend sign-extends the given integer: `v = SExtend x, from->to`.
	OpcodeSExtend

	// OpcodeIreduce truncates a 64-bit integer to 32 bits: `v = Ireduce x`.
	OpcodeIreduce

	// OpcodeLoad loads a Type value from the [base + offset] address: `v = Load base, offset`.
	OpcodeLoad

	// OpcodeUload8 loads the 8-bit value from the [base + offset] address, zero-extended: `v = Uload8 base, offset`.
	OpcodeUload8

	// OpcodeUload16 loads the 16-bit value from the [base + offset] address, zero-extended: `v = Uload16 base, offset`.
	OpcodeUload16

	// OpcodeUload32 loads the 32-bit value from the [base + offset] address, zero-extended to 64 bits: `v = Uload32 base, offset`.
	OpcodeUload32

	// OpcodeStore stores a Type value to the [base + offset] address: `Store v, base, offset`.
	OpcodeStore

	// OpcodeIstore8 stores the low 8 bits of the value to the [base + offset] address: `Istore8 v, base, offset`.
	OpcodeIstore8

	// OpcodeIstore16 stores the low 16 bits of the value to the [base + offset] address: `Istore16 v, base, offset`.
	OpcodeIstore16

	// OpcodeIstore32 stores the low 32 bits of the value to the [base + offset] address: `Istore32 v, base, offset`.
	OpcodeIstore32

	// OpcodeAtomicLoad loads Size bytes at `p` as one single-copy atomic access, zero-extended: `v = AtomicLoad Size, p`.
	OpcodeAtomicLoad

	// OpcodeAtomicStore stores the low Size bytes of `x` at `p` as one single-copy atomic access: `AtomicStore Size, x, p`.
	OpcodeAtomicStore

	// OpcodeAtomicCas compares the Size bytes at `p` with `e` and replaces them with `x` if equal,
	// returning the previous contents: `v = AtomicCas Size, p, e, x`.
	OpcodeAtomicCas

	// OpcodeFence is a full memory barrier: `Fence`.
	OpcodeFence

	// OpcodeInsertlane replaces a lane of a vector: `v = Insertlane x, y, Idx, LaneBits`.
	OpcodeInsertlane

	// OpcodeExtractlane extracts a lane of a vector, zero-extended: `v = Extractlane x, Idx, LaneBits`.
	OpcodeExtractlane

	// opcodeEnd marks the end of the opcode list.
	opcodeEnd
)

// IntegerCmpCond represents a condition for integer comparison.
type IntegerCmpCond byte

const (
	// IntegerCmpCondInvalid represents an invalid condition.
	IntegerCmpCondInvalid IntegerCmpCond = iota
	// IntegerCmpCondEqual represents "==".
	IntegerCmpCondEqual
	// IntegerCmpCondNotEqual represents "!=".
	IntegerCmpCondNotEqual
	// IntegerCmpCondSignedLessThan represents Signed "<".
	IntegerCmpCondSignedLessThan
	// IntegerCmpCondSignedGreaterThanOrEqual represents Signed ">=".
	IntegerCmpCondSignedGreaterThanOrEqual
	// IntegerCmpCondSignedGreaterThan represents Signed ">".
	IntegerCmpCondSignedGreaterThan
	// IntegerCmpCondSignedLessThanOrEqual represents Signed "<=".
	IntegerCmpCondSignedLessThanOrEqual
	// IntegerCmpCondUnsignedLessThan represents Unsigned "<".
	IntegerCmpCondUnsignedLessThan
	// IntegerCmpCondUnsignedGreaterThanOrEqual represents Unsigned ">=".
	IntegerCmpCondUnsignedGreaterThanOrEqual
	// IntegerCmpCondUnsignedGreaterThan represents Unsigned ">".
	IntegerCmpCondUnsignedGreaterThan
	// IntegerCmpCondUnsignedLessThanOrEqual represents Unsigned "<=".
	IntegerCmpCondUnsignedLessThanOrEqual
)

// String implements fmt.Stringer.
func (i IntegerCmpCond) String() string {
	switch i {
	case IntegerCmpCondEqual:
		return "eq"
	case IntegerCmpCondNotEqual:
		return "neq"
	case IntegerCmpCondSignedLessThan:
		return "lt_s"
	case IntegerCmpCondSignedGreaterThanOrEqual:
		return "ge_s"
	case IntegerCmpCondSignedGreaterThan:
		return "gt_s"
	case IntegerCmpCondSignedLessThanOrEqual:
		return "le_s"
	case IntegerCmpCondUnsignedLessThan:
		return "lt_u"
	case IntegerCmpCondUnsignedGreaterThanOrEqual:
		return "ge_u"
	case IntegerCmpCondUnsignedGreaterThan:
		return "gt_u"
	case IntegerCmpCondUnsignedLessThanOrEqual:
		return "le_u"
	default:
		panic("invalid integer comparison condition")
	}
}

// Signed returns true if the condition is signed integer comparison.
func (i IntegerCmpCond) Signed() bool {
	switch i {
	case IntegerCmpCondSignedLessThan, IntegerCmpCondSignedGreaterThanOrEqual,
		IntegerCmpCondSignedGreaterThan, IntegerCmpCondSignedLessThanOrEqual:
		return true
	default:
		return false
	}
}

type sideEffect int

const (
	sideEffectUnknown sideEffect = iota
	sideEffectTrue
	sideEffectFalse
)

// instructionSideEffects provides the info to determine if an instruction has side effects.
// Instructions with side effects must not be eliminated regardless whether the result is used or not.
var instructionSideEffects = [opcodeEnd]sideEffect{
	OpcodeJump:             sideEffectTrue,
	OpcodeBrz:              sideEffectTrue,
	OpcodeBrnz:             sideEffectTrue,
	OpcodeReturn:           sideEffectTrue,
	OpcodeCall:             sideEffectTrue,
	OpcodeCallIndirect:     sideEffectTrue,
	OpcodeTailCallIndirect: sideEffectTrue,
	OpcodeRaise:            sideEffectTrue,
	OpcodeIconst:           sideEffectFalse,
	OpcodeVconst:           sideEffectFalse,
	OpcodeIadd:             sideEffectFalse,
	OpcodeIsub:             sideEffectFalse,
	OpcodeBand:             sideEffectFalse,
	OpcodeBor:              sideEffectFalse,
	OpcodeBxor:             sideEffectFalse,
	OpcodeIshl:             sideEffectFalse,
	OpcodeUshr:             sideEffectFalse,
	OpcodeSshr:             sideEffectFalse,
	OpcodeRotr:             sideEffectFalse,
	OpcodeIcmp:             sideEffectFalse,
	OpcodeSelect:           sideEffectFalse,
	OpcodeUExtend:          sideEffectFalse,
	OpcodeSExtend:          sideEffectFalse,
	OpcodeIreduce:          sideEffectFalse,
	// Loads may fault, so they are kept.
	OpcodeLoad:        sideEffectTrue,
	OpcodeUload8:      sideEffectTrue,
	OpcodeUload16:     sideEffectTrue,
	OpcodeUload32:     sideEffectTrue,
	OpcodeStore:       sideEffectTrue,
	OpcodeIstore8:     sideEffectTrue,
	OpcodeIstore16:    sideEffectTrue,
	OpcodeIstore32:    sideEffectTrue,
	OpcodeAtomicLoad:  sideEffectTrue,
	OpcodeAtomicStore: sideEffectTrue,
	OpcodeAtomicCas:   sideEffectTrue,
	OpcodeFence:       sideEffectTrue,
	OpcodeInsertlane:  sideEffectFalse,
	OpcodeExtractlane: sideEffectFalse,
}

// HasSideEffects returns true if this instruction has side effects.
func (i *Instruction) HasSideEffects() bool {
	if e := instructionSideEffects[i.opcode]; e == sideEffectUnknown {
		panic("BUG: side effect info not registered for " + i.opcode.String())
	} else {
		return e == sideEffectTrue
	}
}

// hasResult returns true if InsertInstruction must allocate a result Value for this instruction.
func (i *Instruction) hasResult() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz, OpcodeReturn, OpcodeTailCallIndirect, OpcodeRaise,
		OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32, OpcodeAtomicStore, OpcodeFence:
		return false
	case OpcodeCall, OpcodeCallIndirect:
		return !i.typ.invalid()
	default:
		return true
	}
}

// AsIconst64 initializes this instruction as a 64-bit integer constant instruction with OpcodeIconst.
func (i *Instruction) AsIconst64(v uint64) *Instruction {
	i.opcode = OpcodeIconst
	i.typ = TypeI64
	i.u64 = v
	return i
}

// AsIconst32 initializes this instruction as a 32-bit integer constant instruction with OpcodeIconst.
func (i *Instruction) AsIconst32(v uint32) *Instruction {
	i.opcode = OpcodeIconst
	i.typ = TypeI32
	i.u64 = uint64(v)
	return i
}

// AsVconst initializes this instruction as a vector constant instruction with OpcodeVconst.
func (i *Instruction) AsVconst(lo, hi uint64) *Instruction {
	i.opcode = OpcodeVconst
	i.typ = TypeV128
	i.u64 = lo
	i.u64hi = hi
	return i
}

// ConstantVal returns the constant value of this Iconst or Vconst instruction.
func (i *Instruction) ConstantVal() (lo, hi uint64) {
	return i.u64, i.u64hi
}

func (i *Instruction) asBinary(op Opcode, x, y Value) *Instruction {
	i.opcode = op
	i.v = x
	i.v2 = y
	i.typ = x.Type()
	return i
}

// AsIadd initializes this instruction as an integer addition instruction with OpcodeIadd.
func (i *Instruction) AsIadd(x, y Value) *Instruction {
	return i.asBinary(OpcodeIadd, x, y)
}

// AsIsub initializes this instruction as an integer subtraction instruction with OpcodeIsub.
func (i *Instruction) AsIsub(x, y Value) *Instruction {
	return i.asBinary(OpcodeIsub, x, y)
}

// AsBand initializes this instruction as an integer bitwise and instruction with OpcodeBand.
func (i *Instruction) AsBand(x, y Value) *Instruction {
	return i.asBinary(OpcodeBand, x, y)
}

// AsBor initializes this instruction as an integer bitwise or instruction with OpcodeBor.
func (i *Instruction) AsBor(x, y Value) *Instruction {
	return i.asBinary(OpcodeBor, x, y)
}

// AsBxor initializes this instruction as an integer bitwise xor instruction with OpcodeBxor.
func (i *Instruction) AsBxor(x, y Value) *Instruction {
	return i.asBinary(OpcodeBxor, x, y)
}

// AsIshl initializes this instruction as an integer shift left instruction with OpcodeIshl.
func (i *Instruction) AsIshl(x, amount Value) *Instruction {
	return i.asBinary(OpcodeIshl, x, amount)
}

// AsUshr initializes this instruction as an integer unsigned shift right (logical shift right) instruction with OpcodeUshr.
func (i *Instruction) AsUshr(x, amount Value) *Instruction {
	return i.asBinary(OpcodeUshr, x, amount)
}

// AsSshr initializes this instruction as an integer signed shift right (arithmetic shift right) instruction with OpcodeSshr.
func (i *Instruction) AsSshr(x, amount Value) *Instruction {
	return i.asBinary(OpcodeSshr, x, amount)
}

// AsRotr initializes this instruction as a word rotate right instruction with OpcodeRotr.
func (i *Instruction) AsRotr(x, amount Value) *Instruction {
	return i.asBinary(OpcodeRotr, x, amount)
}

// BinaryData return the operands for a binary instruction.
func (i *Instruction) BinaryData() (x, y Value) {
	return i.v, i.v2
}

// AsIcmp initializes this instruction as an integer comparison instruction with OpcodeIcmp.
func (i *Instruction) AsIcmp(x, y Value, c IntegerCmpCond) *Instruction {
	i.opcode = OpcodeIcmp
	i.v = x
	i.v2 = y
	i.u64 = uint64(c)
	i.typ = TypeI32
	return i
}

// IcmpData returns the operands and comparison condition of this integer comparison instruction.
func (i *Instruction) IcmpData() (x, y Value, c IntegerCmpCond) {
	return i.v, i.v2, IntegerCmpCond(i.u64)
}

// AsSelect initializes this instruction as a select instruction with OpcodeSelect.
func (i *Instruction) AsSelect(c, x, y Value) *Instruction {
	i.opcode = OpcodeSelect
	i.v = c
	i.v2 = x
	i.v3 = y
	i.typ = x.Type()
	return i
}

// SelectData returns the select data for this instruction necessary for backends.
func (i *Instruction) SelectData() (c, x, y Value) {
	return i.v, i.v2, i.v3
}

// AsUExtend initializes this instruction as an unsigned extension instruction with OpcodeUExtend.
func (i *Instruction) AsUExtend(v Value, from, to byte) *Instruction {
	i.opcode = OpcodeUExtend
	i.v = v
	i.u64 = uint64(from)<<8 | uint64(to)
	if to == 64 {
		i.typ = TypeI64
	} else {
		i.typ = TypeI32
	}
	return i
}

// AsSExtend initializes this instruction as a sign extension instruction with OpcodeSExtend.
func (i *Instruction) AsSExtend(v Value, from, to byte) *Instruction {
	i.AsUExtend(v, from, to)
	i.opcode = OpcodeSExtend
	return i
}

// ExtendFromToBits returns the from and to bit size for the extension instruction.
func (i *Instruction) ExtendFromToBits() (from, to byte) {
	return byte(i.u64 >> 8), byte(i.u64)
}

// AsIreduce initializes this instruction as a truncation instruction with OpcodeIreduce.
func (i *Instruction) AsIreduce(v Value) *Instruction {
	i.opcode = OpcodeIreduce
	i.v = v
	i.typ = TypeI32
	return i
}

// UnaryData return the operand for a unary instruction.
func (i *Instruction) UnaryData() Value {
	return i.v
}

// AsLoad initializes this instruction as a load instruction with OpcodeLoad.
func (i *Instruction) AsLoad(ptr Value, offset uint32, typ Type) *Instruction {
	i.opcode = OpcodeLoad
	i.v = ptr
	i.u64 = uint64(offset)
	i.typ = typ
	return i
}

// AsExtLoad initializes this instruction as a zero-extending load instruction with OpcodeUload8, 16 or 32.
func (i *Instruction) AsExtLoad(op Opcode, ptr Value, offset uint32, dst64bit bool) *Instruction {
	i.opcode = op
	i.v = ptr
	i.u64 = uint64(offset)
	if dst64bit {
		i.typ = TypeI64
	} else {
		i.typ = TypeI32
	}
	return i
}

// LoadData returns the operands for a load instruction.
func (i *Instruction) LoadData() (ptr Value, offset uint32, typ Type) {
	return i.v, uint32(i.u64), i.typ
}

// AsStore initializes this instruction as a store instruction with OpcodeStore, OpcodeIstore8, 16 or 32.
func (i *Instruction) AsStore(storeOp Opcode, value, ptr Value, offset uint32) *Instruction {
	i.opcode = storeOp
	i.v = value
	i.v2 = ptr

	var dstSize uint64
	switch storeOp {
	case OpcodeStore:
		dstSize = uint64(value.Type().Bits())
	case OpcodeIstore8:
		dstSize = 8
	case OpcodeIstore16:
		dstSize = 16
	case OpcodeIstore32:
		dstSize = 32
	default:
		panic("invalid store opcode" + storeOp.String())
	}
	i.u64 = uint64(offset) | dstSize<<32
	i.typ = value.Type()
	return i
}

// StoreData returns the operands for a store instruction.
func (i *Instruction) StoreData() (value, ptr Value, offset uint32, storeSizeInBits byte) {
	return i.v, i.v2, uint32(i.u64), byte(i.u64 >> 32)
}

// AsAtomicLoad initializes this instruction as an atomic load.
// The size is in bytes, and the result type is decided by typ.
func (i *Instruction) AsAtomicLoad(ptr Value, size uint64, typ Type) *Instruction {
	i.opcode = OpcodeAtomicLoad
	i.v = ptr
	i.u64 = size
	i.typ = typ
	return i
}

// AsAtomicStore initializes this instruction as an atomic store.
// The size is in bytes.
func (i *Instruction) AsAtomicStore(ptr, value Value, size uint64) *Instruction {
	i.opcode = OpcodeAtomicStore
	i.v = ptr
	i.v2 = value
	i.u64 = size
	i.typ = value.Type()
	return i
}

// AsAtomicCas initializes this instruction as an atomic compare-and-swap.
// The size is in bytes, and the result is the previous contents of the memory.
func (i *Instruction) AsAtomicCas(ptr, expected, desired Value, size uint64) *Instruction {
	i.opcode = OpcodeAtomicCas
	i.v = ptr
	i.v2 = expected
	i.v3 = desired
	i.u64 = size
	i.typ = desired.Type()
	return i
}

// AtomicData returns the operands for the atomic instructions.
// For AtomicLoad only ptr is valid, AtomicStore uses value, and AtomicCas uses both expected and value.
func (i *Instruction) AtomicData() (ptr, expected, value Value, size uint64) {
	switch i.opcode {
	case OpcodeAtomicStore:
		return i.v, ValueInvalid, i.v2, i.u64
	case OpcodeAtomicCas:
		return i.v, i.v2, i.v3, i.u64
	default:
		return i.v, ValueInvalid, ValueInvalid, i.u64
	}
}

// AsFence initializes this instruction as a memory fence.
func (i *Instruction) AsFence() *Instruction {
	i.opcode = OpcodeFence
	return i
}

// AsInsertlane initializes this instruction as a lane insertion into a vector.
func (i *Instruction) AsInsertlane(vector, value Value, lane, laneBits byte) *Instruction {
	i.opcode = OpcodeInsertlane
	i.v = vector
	i.v2 = value
	i.u64 = uint64(lane)<<8 | uint64(laneBits)
	i.typ = TypeV128
	return i
}

// AsExtractlane initializes this instruction as a lane extraction from a vector.
func (i *Instruction) AsExtractlane(vector Value, lane, laneBits byte) *Instruction {
	i.opcode = OpcodeExtractlane
	i.v = vector
	i.u64 = uint64(lane)<<8 | uint64(laneBits)
	if laneBits == 64 {
		i.typ = TypeI64
	} else {
		i.typ = TypeI32
	}
	return i
}

// LaneData returns the lane index and lane width of Insertlane and Extractlane.
func (i *Instruction) LaneData() (lane, laneBits byte) {
	return byte(i.u64 >> 8), byte(i.u64)
}

// AsJump initializes this instruction as a jump instruction with OpcodeJump.
func (i *Instruction) AsJump(vs []Value, target BasicBlock) *Instruction {
	i.opcode = OpcodeJump
	i.vs = vs
	i.blk = target.(*basicBlock)
	return i
}

// AsBrz initializes this instruction as a branch-if-zero instruction with OpcodeBrz.
func (i *Instruction) AsBrz(v Value, args []Value, target BasicBlock) *Instruction {
	i.opcode = OpcodeBrz
	i.v = v
	i.vs = args
	i.blk = target.(*basicBlock)
	return i
}

// AsBrnz initializes this instruction as a branch-if-not-zero instruction with OpcodeBrnz.
func (i *Instruction) AsBrnz(v Value, args []Value, target BasicBlock) *Instruction {
	i.opcode = OpcodeBrnz
	i.v = v
	i.vs = args
	i.blk = target.(*basicBlock)
	return i
}

// BranchData returns the branch data for this instruction necessary for backends.
func (i *Instruction) BranchData() (condVal Value, blockArgs []Value, target BasicBlock) {
	switch i.opcode {
	case OpcodeJump:
		condVal = ValueInvalid
	case OpcodeBrz, OpcodeBrnz:
		condVal = i.v
	default:
		panic("BUG")
	}
	blockArgs = i.vs
	target = i.blk
	return
}

// AsReturn initializes this instruction as a return instruction with OpcodeReturn.
func (i *Instruction) AsReturn(vs []Value) *Instruction {
	i.opcode = OpcodeReturn
	i.vs = vs
	return i
}

// ReturnVals returns the return values of OpcodeReturn.
func (i *Instruction) ReturnVals() []Value {
	return i.vs
}

// AsCall initializes this instruction as a call instruction with OpcodeCall.
// result is the type of the returned value, or TypeInvalid when the routine returns nothing.
func (i *Instruction) AsCall(ref FuncRef, args []Value, result Type) *Instruction {
	i.opcode = OpcodeCall
	i.u64 = uint64(ref)
	i.vs = args
	i.typ = result
	return i
}

// CallData returns the call data for this instruction necessary for backends.
func (i *Instruction) CallData() (ref FuncRef, args []Value) {
	return FuncRef(i.u64), i.vs
}

// AsCallIndirect initializes this instruction as a call-indirect instruction with OpcodeCallIndirect.
func (i *Instruction) AsCallIndirect(funcPtr Value, args []Value, result Type) *Instruction {
	i.opcode = OpcodeCallIndirect
	i.v = funcPtr
	i.vs = args
	i.typ = result
	return i
}

// AsTailCallIndirect initializes this instruction as a tail call with OpcodeTailCallIndirect.
func (i *Instruction) AsTailCallIndirect(funcPtr Value, args []Value) *Instruction {
	i.opcode = OpcodeTailCallIndirect
	i.v = funcPtr
	i.vs = args
	return i
}

// CallIndirectData returns the call indirect data for this instruction necessary for backends.
func (i *Instruction) CallIndirectData() (funcPtr Value, args []Value) {
	return i.v, i.vs
}

// AsRaise initializes this instruction as a call to a routine which never returns with OpcodeRaise.
func (i *Instruction) AsRaise(ref FuncRef, args []Value) *Instruction {
	i.opcode = OpcodeRaise
	i.u64 = uint64(ref)
	i.vs = args
	return i
}

// Format returns a string representation of this instruction with the given builder.
// For debugging purposes only.
func (i *Instruction) Format(b Builder) string {
	var instSuffix string
	switch i.opcode {
	case OpcodeIconst:
		instSuffix = fmt.Sprintf("_%d %#x", i.typ.Bits(), i.u64)
	case OpcodeVconst:
		instSuffix = fmt.Sprintf(" %#x, %#x", i.u64, i.u64hi)
	case OpcodeIadd, OpcodeIsub, OpcodeBand, OpcodeBor, OpcodeBxor, OpcodeIshl, OpcodeUshr, OpcodeSshr, OpcodeRotr:
		instSuffix = fmt.Sprintf(" %s, %s", i.v.Format(b), i.v2.Format(b))
	case OpcodeIcmp:
		instSuffix = fmt.Sprintf(" %s, %s, %s", IntegerCmpCond(i.u64), i.v.Format(b), i.v2.Format(b))
	case OpcodeSelect:
		instSuffix = fmt.Sprintf(" %s, %s, %s", i.v.Format(b), i.v2.Format(b), i.v3.Format(b))
	case OpcodeUExtend, OpcodeSExtend:
		from, to := i.ExtendFromToBits()
		instSuffix = fmt.Sprintf(" %s, %d->%d", i.v.Format(b), from, to)
	case OpcodeIreduce:
		instSuffix = " " + i.v.Format(b)
	case OpcodeLoad, OpcodeUload8, OpcodeUload16, OpcodeUload32:
		instSuffix = fmt.Sprintf(" %s, %#x", i.v.Format(b), uint32(i.u64))
	case OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32:
		instSuffix = fmt.Sprintf(" %s, %s, %#x", i.v.Format(b), i.v2.Format(b), uint32(i.u64))
	case OpcodeAtomicLoad:
		instSuffix = fmt.Sprintf("_%d %s", i.u64*8, i.v.Format(b))
	case OpcodeAtomicStore:
		instSuffix = fmt.Sprintf("_%d %s, %s", i.u64*8, i.v.Format(b), i.v2.Format(b))
	case OpcodeAtomicCas:
		instSuffix = fmt.Sprintf("_%d %s, %s, %s", i.u64*8, i.v.Format(b), i.v2.Format(b), i.v3.Format(b))
	case OpcodeInsertlane:
		lane, bits := i.LaneData()
		instSuffix = fmt.Sprintf(" %s, %s, %d, %d", i.v.Format(b), i.v2.Format(b), lane, bits)
	case OpcodeExtractlane:
		lane, bits := i.LaneData()
		instSuffix = fmt.Sprintf(" %s, %d, %d", i.v.Format(b), lane, bits)
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		vs := make([]string, 0, len(i.vs)+2)
		if i.opcode != OpcodeJump {
			vs = append(vs, i.v.Format(b))
		}
		vs = append(vs, i.blk.Name())
		for _, v := range i.vs {
			vs = append(vs, v.Format(b))
		}
		instSuffix = " " + strings.Join(vs, ", ")
	case OpcodeReturn:
		instSuffix = " " + formatValues(b, i.vs)
	case OpcodeCall, OpcodeRaise:
		instSuffix = fmt.Sprintf(" f%d", i.u64)
		if len(i.vs) > 0 {
			instSuffix += ", " + formatValues(b, i.vs)
		}
	case OpcodeCallIndirect, OpcodeTailCallIndirect:
		instSuffix = " " + i.v.Format(b)
		if len(i.vs) > 0 {
			instSuffix += ", " + formatValues(b, i.vs)
		}
	case OpcodeFence:
	default:
		panic(fmt.Sprintf("TODO: format for %s", i.opcode))
	}

	instr := i.opcode.String() + instSuffix
	if i.rValue.Valid() {
		return i.rValue.formatWithType(b) + " = " + instr
	}
	return instr
}

// String implements fmt.Stringer.
func (o Opcode) String() (ret string) {
	switch o {
	case OpcodeInvalid:
		return "invalid"
	case OpcodeJump:
		return "Jump"
	case OpcodeBrz:
		return "Brz"
	case OpcodeBrnz:
		return "Brnz"
	case OpcodeReturn:
		return "Return"
	case OpcodeCall:
		return "Call"
	case OpcodeCallIndirect:
		return "CallIndirect"
	case OpcodeTailCallIndirect:
		return "TailCallIndirect"
	case OpcodeRaise:
		return "Raise"
	case OpcodeIconst:
		return "Iconst"
	case OpcodeVconst:
		return "Vconst"
	case OpcodeIadd:
		return "Iadd"
	case OpcodeIsub:
		return "Isub"
	case OpcodeBand:
		return "Band"
	case OpcodeBor:
		return "Bor"
	case OpcodeBxor:
		return "Bxor"
	case OpcodeIshl:
		return "Ishl"
	case OpcodeUshr:
		return "Ushr"
	case OpcodeSshr:
		return "Sshr"
	case OpcodeRotr:
		return "Rotr"
	case OpcodeIcmp:
		return "Icmp"
	case OpcodeSelect:
		return "Select"
	case OpcodeUExtend:
		return "UExtend"
	case OpcodeSExtend:
		return "SExtend"
	case OpcodeIreduce:
		return "Ireduce"
	case OpcodeLoad:
		return "Load"
	case OpcodeUload8:
		return "Uload8"
	case OpcodeUload16:
		return "Uload16"
	case OpcodeUload32:
		return "Uload32"
	case OpcodeStore:
		return "Store"
	case OpcodeIstore8:
		return "Istore8"
	case OpcodeIstore16:
		return "Istore16"
	case OpcodeIstore32:
		return "Istore32"
	case OpcodeAtomicLoad:
		return "AtomicLoad"
	case OpcodeAtomicStore:
		return "AtomicStore"
	case OpcodeAtomicCas:
		return "AtomicCas"
	case OpcodeFence:
		return "Fence"
	case OpcodeInsertlane:
		return "Insertlane"
	case OpcodeExtractlane:
		return "Extractlane"
	}
	panic(fmt.Sprintf("unknown opcode %d", o))
}
