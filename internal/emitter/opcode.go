package emitter

import "fmt"

// InstructionSize is the size in bytes of every decoded guest instruction.
const InstructionSize = 4

// Inst identifies the guest instruction an OpCode was decoded from.
type Inst byte

const (
	InstInvalid Inst = iota

	// InstLdr loads a register from memory. InstStr stores it.
	InstLdr
	InstStr
	// InstLd1Lane loads one vector element. InstSt1Lane stores it.
	InstLd1Lane
	InstSt1Lane

	InstLdxr
	InstLdaxr
	InstLdar
	InstLdxp
	InstLdaxp
	InstStxr
	InstStlxr
	InstStlr
	InstStxp
	InstStlxp
	InstClrex
	InstDmb
	InstDsb
	InstIsb

	InstB
	InstBl
	InstBr
	InstBlr
	InstRet
	InstCbz
	InstCbnz

	instEnd
)

var instNames = [...]string{
	InstInvalid: "invalid",
	InstLdr:     "ldr",
	InstStr:     "str",
	InstLd1Lane: "ld1",
	InstSt1Lane: "st1",
	InstLdxr:    "ldxr",
	InstLdaxr:   "ldaxr",
	InstLdar:    "ldar",
	InstLdxp:    "ldxp",
	InstLdaxp:   "ldaxp",
	InstStxr:    "stxr",
	InstStlxr:   "stlxr",
	InstStlr:    "stlr",
	InstStxp:    "stxp",
	InstStlxp:   "stlxp",
	InstClrex:   "clrex",
	InstDmb:     "dmb",
	InstDsb:     "dsb",
	InstIsb:     "isb",
	InstB:       "b",
	InstBl:      "bl",
	InstBr:      "br",
	InstBlr:     "blr",
	InstRet:     "ret",
	InstCbz:     "cbz",
	InstCbnz:    "cbnz",
}

// String implements fmt.Stringer.
func (i Inst) String() string {
	if i < instEnd {
		return instNames[i]
	}
	return fmt.Sprintf("inst(%d)", byte(i))
}

// OpCode is one decoded guest instruction. The set of implementations is closed: it is one of
// *OpMem, *OpMemLane, *OpMemEx, *OpBarrier, *OpBranch, *OpBranchReg, *OpCompareBranch or
// *OpExternal, and Context.Emit matches on them exhaustively.
type OpCode interface {
	fmt.Stringer
	// Address returns the guest address of the instruction.
	Address() uint64
	opCode()
}

// OpMem is a load or store of a register with an immediate offset from a base register.
type OpMem struct {
	Addr uint64
	// Inst is InstLdr or InstStr.
	Inst Inst
	// Rt is the transferred register, Rn the base register which reads SP when 31.
	Rt, Rn int
	// Offset is added to the base register.
	Offset int64
	// Size is log2 of the access size in bytes.
	Size int
	// Signed sign extends integer loads to the register width.
	Signed bool
	// Vector transfers the vector register Rt, zeroing the bits above the access on loads.
	Vector bool
}

// OpMemLane transfers the element Index of the vector register Rt.
type OpMemLane struct {
	Addr uint64
	// Inst is InstLd1Lane or InstSt1Lane.
	Inst   Inst
	Rt, Rn int
	Index  int
	// Size is log2 of the element size in bytes, 0 to 3.
	Size int
}

// OpMemEx is an exclusive or ordered access, a single register or a pair.
type OpMemEx struct {
	Addr uint64
	Inst Inst
	// Rs receives the status of exclusive stores.
	Rs, Rt, Rt2, Rn int
	// Size is log2 of the size of one register access in bytes.
	Size int
}

// OpBarrier is a memory barrier or CLREX.
type OpBarrier struct {
	Addr uint64
	Inst Inst
}

// OpBranch is B or BL to an immediate target.
type OpBranch struct {
	Addr   uint64
	Inst   Inst
	Target uint64
}

// OpBranchReg is BR, BLR or RET through the register Rn.
type OpBranchReg struct {
	Addr uint64
	Inst Inst
	Rn   int
}

// OpCompareBranch is CBZ or CBNZ.
type OpCompareBranch struct {
	Addr uint64
	Inst Inst
	Rt   int
	// Is64 compares all 64 bits of Rt instead of the low 32.
	Is64   bool
	Target uint64
}

// OpExternal is an instruction whose semantics are emitted by Emit, which may use every
// helper of the Context.
type OpExternal struct {
	Addr uint64
	Name string
	Emit func(c *Context)
}

func (*OpMem) opCode()           {}
func (*OpMemLane) opCode()       {}
func (*OpMemEx) opCode()         {}
func (*OpBarrier) opCode()       {}
func (*OpBranch) opCode()        {}
func (*OpBranchReg) opCode()     {}
func (*OpCompareBranch) opCode() {}
func (*OpExternal) opCode()      {}

func (o *OpMem) Address() uint64           { return o.Addr }
func (o *OpMemLane) Address() uint64       { return o.Addr }
func (o *OpMemEx) Address() uint64         { return o.Addr }
func (o *OpBarrier) Address() uint64       { return o.Addr }
func (o *OpBranch) Address() uint64        { return o.Addr }
func (o *OpBranchReg) Address() uint64     { return o.Addr }
func (o *OpCompareBranch) Address() uint64 { return o.Addr }
func (o *OpExternal) Address() uint64      { return o.Addr }

func (o *OpMem) String() string {
	reg := 'x'
	if o.Vector {
		reg = 'q'
	}
	return fmt.Sprintf("%#x: %s%s %c%d, [x%d, #%d]", o.Addr, o.Inst, sizeSuffix(o.Size), reg, o.Rt, o.Rn, o.Offset)
}

func (o *OpMemLane) String() string {
	return fmt.Sprintf("%#x: %s v%d.%s[%d], [x%d]", o.Addr, o.Inst, o.Rt, laneSuffix(o.Size), o.Index, o.Rn)
}

func (o *OpMemEx) String() string {
	switch o.Inst {
	case InstStxr, InstStlxr:
		return fmt.Sprintf("%#x: %s%s w%d, x%d, [x%d]", o.Addr, o.Inst, sizeSuffix(o.Size), o.Rs, o.Rt, o.Rn)
	case InstStxp, InstStlxp:
		return fmt.Sprintf("%#x: %s%s w%d, x%d, x%d, [x%d]", o.Addr, o.Inst, sizeSuffix(o.Size), o.Rs, o.Rt, o.Rt2, o.Rn)
	case InstLdxp, InstLdaxp:
		return fmt.Sprintf("%#x: %s%s x%d, x%d, [x%d]", o.Addr, o.Inst, sizeSuffix(o.Size), o.Rt, o.Rt2, o.Rn)
	}
	return fmt.Sprintf("%#x: %s%s x%d, [x%d]", o.Addr, o.Inst, sizeSuffix(o.Size), o.Rt, o.Rn)
}

func (o *OpBarrier) String() string {
	return fmt.Sprintf("%#x: %s", o.Addr, o.Inst)
}

func (o *OpBranch) String() string {
	return fmt.Sprintf("%#x: %s %#x", o.Addr, o.Inst, o.Target)
}

func (o *OpBranchReg) String() string {
	return fmt.Sprintf("%#x: %s x%d", o.Addr, o.Inst, o.Rn)
}

func (o *OpCompareBranch) String() string {
	reg := 'w'
	if o.Is64 {
		reg = 'x'
	}
	return fmt.Sprintf("%#x: %s %c%d, %#x", o.Addr, o.Inst, reg, o.Rt, o.Target)
}

func (o *OpExternal) String() string {
	return fmt.Sprintf("%#x: %s", o.Addr, o.Name)
}

func sizeSuffix(size int) string {
	switch size {
	case 0:
		return "b"
	case 1:
		return "h"
	case 2:
		return "w"
	}
	return ""
}

func laneSuffix(size int) string {
	switch size {
	case 0:
		return "b"
	case 1:
		return "h"
	case 2:
		return "s"
	}
	return "d"
}

// Block is a run of guest instructions decoded from Address up to EndAddress.
// An Exit block is not translated: control leaves the unit through the function table.
type Block struct {
	Address, EndAddress uint64
	Exit                bool
	OpCodes             []OpCode
}
