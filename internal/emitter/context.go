// Package emitter translates decoded guest instructions into IR. It owns the emission state
// of one translation unit: the labels keyed by guest address, the cached guest registers and
// the glue to the guest memory bridge and the function table.
package emitter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/guestjit/internal/functable"
	"github.com/tetratelabs/guestjit/internal/guestmem"
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

var (
	// ErrUnsupportedOpCode is raised at emission time for an opcode shape the emitters do not handle.
	ErrUnsupportedOpCode = errors.New("unsupported opcode")
	// ErrInvalidRegister is raised at emission time for a register number out of range.
	ErrInvalidRegister = errors.New("invalid register")
)

// Mode is the execution mode of the guest code.
type Mode byte

const (
	// ModeAarch64 uses 64-bit registers and addresses.
	ModeAarch64 Mode = iota
	// ModeAarch32 uses 32-bit registers and addresses.
	ModeAarch32
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeAarch32 {
		return "aarch32"
	}
	return "aarch64"
}

// ParseMode returns the Mode named by s as printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "aarch64", "a64":
		return ModeAarch64, nil
	case "aarch32", "a32":
		return ModeAarch32, nil
	}
	return 0, fmt.Errorf("unknown execution mode %q (want aarch64 or aarch32)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Option configures a Context.
type Option func(*Context)

// WithMode sets the execution mode. Defaults to ModeAarch64.
func WithMode(mode Mode) Option {
	return func(c *Context) { c.mode = mode }
}

// WithStrictExclusiveMonitor makes exclusive stores fail when the location was not claimed by
// the preceding exclusive load or was changed since. Without it exclusive stores always succeed.
func WithStrictExclusiveMonitor(enabled bool) Option {
	return func(c *Context) { c.strictExclusive = enabled }
}

// WithSynchronization emits the synchronization countdown at the unit entry and on backward
// branches, so that long running loops periodically check whether the thread must stop.
func WithSynchronization(enabled bool) Option {
	return func(c *Context) { c.synchronize = enabled }
}

// RejitThreshold is the number of calls after which a unit emitted WithRejitCounter asks to
// be translated again with optimizations.
const RejitThreshold = 100

// WithRejitCounter makes the unit count its calls in the 32-bit host word at counter, and
// call nativeapi.NativeEnqueueForRejit once the count reaches RejitThreshold. Zero disables it.
func WithRejitCounter(counter uint64) Option {
	return func(c *Context) { c.rejitCounter = counter }
}

// WithOptimizations runs the IR optimization passes in Finalize.
func WithOptimizations(enabled bool) Option {
	return func(c *Context) { c.optimize = enabled }
}

// WithSingleStep emits only the first instruction of the unit. Every transfer of control,
// including falling through to the next instruction, returns the target guest address.
func WithSingleStep(enabled bool) Option {
	return func(c *Context) { c.singleStep = enabled }
}

// Context is the emission state of one translation unit. It must only be used by one goroutine.
//
// Emitted units take the host address of the native context as their only parameter and
// return the guest address execution continues at.
type Context struct {
	b       ir.Builder
	mem     *guestmem.Bridge
	table   *functable.Table
	offsets *nativeapi.NativeContextOffsetData

	// dispatchStub is the host entry that translates the pending dispatch address on demand.
	dispatchStub uint64
	entryAddress uint64

	mode            Mode
	strictExclusive bool
	synchronize     bool
	optimize        bool
	singleStep      bool
	rejitCounter    uint64

	nativeCtx ir.Value

	labels map[uint64]ir.BasicBlock
	marked map[uint64]struct{}
	// consts maps the values created by Const to their value.
	consts map[ir.ValueID]uint64

	// intRegs and vecRegs cache the registers read or written in the current block.
	// Stores are written through, so dropping the cache never loses a value.
	intRegs [nativeapi.IntRegisterCount]ir.Value
	vecRegs [nativeapi.VecRegisterCount]ir.Value
}

// NewContext returns a Context emitting the unit at the guest address entryAddress into b,
// which must be freshly initialized. Indirect transfers resolve through table, falling back
// to dispatchStub.
func NewContext(b ir.Builder, as guestmem.AddressSpace, table *functable.Table, dispatchStub, entryAddress uint64, opts ...Option) *Context {
	c := &Context{
		b:            b,
		mem:          guestmem.NewBridge(b, as),
		table:        table,
		offsets:      &nativeapi.NativeContextOffsets,
		dispatchStub: dispatchStub,
		entryAddress: entryAddress,
		labels:       map[uint64]ir.BasicBlock{},
		marked:       map[uint64]struct{}{},
		consts:       map[ir.ValueID]uint64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.clearRegisterCache()

	entry := b.EntryBlock()
	b.SetCurrentBlock(entry)
	c.nativeCtx = entry.AddParam(b, ir.TypeI64)
	b.AnnotateValue(c.nativeCtx, "native_ctx")
	return c
}

// Builder returns the IR builder of the unit.
func (c *Context) Builder() ir.Builder { return c.b }

// Memory returns the guest memory bridge of the unit.
func (c *Context) Memory() *guestmem.Bridge { return c.mem }

// Mode returns the execution mode of the unit.
func (c *Context) Mode() Mode { return c.mode }

// EntryAddress returns the guest address of the unit entry.
func (c *Context) EntryAddress() uint64 { return c.entryAddress }

// NativeContext returns the value holding the host address of the native context.
func (c *Context) NativeContext() ir.Value { return c.nativeCtx }

// IntType returns the type of guest registers and addresses.
func (c *Context) IntType() ir.Type {
	if c.mode == ModeAarch32 {
		return ir.TypeI32
	}
	return ir.TypeI64
}

func (c *Context) insert(instr *ir.Instruction) *ir.Instruction {
	return instr.Insert(c.b)
}

func (c *Context) alloc() *ir.Instruction {
	return c.b.AllocateInstruction()
}

// Const returns an integer constant of IntType. Indirect transfers to such values are
// resolved at emission time.
func (c *Context) Const(v uint64) ir.Value {
	if c.mode == ModeAarch32 {
		v = uint64(uint32(v))
	}
	r := c.iconst(c.IntType(), v)
	c.consts[r.ID()] = v
	return r
}

// constantOf returns the value of v if it was created by Const.
func (c *Context) constantOf(v ir.Value) (uint64, bool) {
	k, ok := c.consts[v.ID()]
	return k, ok
}

func (c *Context) iconst(typ ir.Type, v uint64) ir.Value {
	if typ == ir.TypeI32 {
		return c.insert(c.alloc().AsIconst32(uint32(v))).Return()
	}
	return c.insert(c.alloc().AsIconst64(v)).Return()
}

func (c *Context) binary(op ir.Opcode, x, y ir.Value) ir.Value {
	instr := c.alloc()
	switch op {
	case ir.OpcodeIadd:
		instr.AsIadd(x, y)
	case ir.OpcodeIsub:
		instr.AsIsub(x, y)
	case ir.OpcodeBand:
		instr.AsBand(x, y)
	case ir.OpcodeBor:
		instr.AsBor(x, y)
	case ir.OpcodeIshl:
		instr.AsIshl(x, y)
	case ir.OpcodeUshr:
		instr.AsUshr(x, y)
	default:
		panic("BUG: " + op.String())
	}
	return c.insert(instr).Return()
}

func (c *Context) icmp(x, y ir.Value, cond ir.IntegerCmpCond) ir.Value {
	return c.insert(c.alloc().AsIcmp(x, y, cond)).Return()
}

// zext64 zero extends v to i64.
func (c *Context) zext64(v ir.Value) ir.Value {
	if v.Type() == ir.TypeI32 {
		return c.insert(c.alloc().AsUExtend(v, 32, 64)).Return()
	}
	return v
}

// convert returns v as a value of typ, truncating or zero extending it.
func (c *Context) convert(v ir.Value, typ ir.Type) ir.Value {
	switch {
	case v.Type() == typ:
		return v
	case typ == ir.TypeI64:
		return c.zext64(v)
	default:
		return c.insert(c.alloc().AsIreduce(v)).Return()
	}
}

func (c *Context) loadNative(offset nativeapi.Offset, typ ir.Type) ir.Value {
	return c.insert(c.alloc().AsLoad(c.nativeCtx, offset.U32(), typ)).Return()
}

func (c *Context) storeNative(offset nativeapi.Offset, v ir.Value) {
	c.insert(c.alloc().AsStore(ir.OpcodeStore, v, c.nativeCtx, offset.U32()))
}

func checkRegister(reg int) {
	if reg < 0 || reg >= nativeapi.IntRegisterCount {
		panic(fmt.Errorf("%w: %d", ErrInvalidRegister, reg))
	}
}

func (c *Context) clearRegisterCache() {
	for i := range c.intRegs {
		c.intRegs[i] = ir.ValueInvalid
	}
	for i := range c.vecRegs {
		c.vecRegs[i] = ir.ValueInvalid
	}
}

func (c *Context) getInt(reg int) ir.Value {
	if v := c.intRegs[reg]; v.Valid() {
		return v
	}
	v := c.loadNative(c.offsets.Register(reg), c.IntType())
	c.intRegs[reg] = v
	return v
}

func (c *Context) setInt(reg int, v ir.Value) {
	v = c.convert(v, c.IntType())
	c.storeNative(c.offsets.Register(reg), c.zext64(v))
	c.intRegs[reg] = v
}

// GetIntOrZR returns the integer register reg, where 31 reads as zero.
func (c *Context) GetIntOrZR(reg int) ir.Value {
	checkRegister(reg)
	if reg == nativeapi.RegisterSP {
		return c.iconst(c.IntType(), 0)
	}
	return c.getInt(reg)
}

// GetIntOrSP returns the integer register reg, where 31 reads the stack pointer.
func (c *Context) GetIntOrSP(reg int) ir.Value {
	checkRegister(reg)
	return c.getInt(reg)
}

// SetInt writes v to the integer register reg, where writes to 31 are discarded.
func (c *Context) SetInt(reg int, v ir.Value) {
	checkRegister(reg)
	if reg != nativeapi.RegisterSP {
		c.setInt(reg, v)
	}
}

// SetIntOrSP writes v to the integer register reg, where 31 writes the stack pointer.
func (c *Context) SetIntOrSP(reg int, v ir.Value) {
	checkRegister(reg)
	c.setInt(reg, v)
}

// GetVec returns the vector register reg.
func (c *Context) GetVec(reg int) ir.Value {
	checkRegister(reg)
	if v := c.vecRegs[reg]; v.Valid() {
		return v
	}
	v := c.loadNative(c.offsets.Vector(reg), ir.TypeV128)
	c.vecRegs[reg] = v
	return v
}

// SetVec writes the vector v to the vector register reg.
func (c *Context) SetVec(reg int, v ir.Value) {
	checkRegister(reg)
	c.storeNative(c.offsets.Vector(reg), v)
	c.vecRegs[reg] = v
}

// GetLabel returns the block of the guest address addr, allocating it on first use.
func (c *Context) GetLabel(addr uint64) ir.BasicBlock {
	if lbl, ok := c.labels[addr]; ok {
		return lbl
	}
	lbl := c.b.AllocateBasicBlock()
	c.labels[addr] = lbl
	return lbl
}

// MarkLabel starts emitting into the block of the guest address addr. The current block falls
// through into it unless it is already terminated.
func (c *Context) MarkLabel(addr uint64) {
	if _, ok := c.marked[addr]; ok {
		panic(fmt.Sprintf("BUG: label %#x marked twice", addr))
	}
	lbl := c.GetLabel(addr)
	if !c.b.CurrentBlock().Terminated() {
		c.insert(c.alloc().AsJump(nil, lbl))
	}
	c.marked[addr] = struct{}{}
	c.b.SetCurrentBlock(lbl)
	c.clearRegisterCache()
}

// Terminated returns true if the current block ended with a terminator.
func (c *Context) Terminated() bool {
	return c.b.CurrentBlock().Terminated()
}

// Finalize ends every label that was branched to but never marked with an exit through the
// function table, and finalizes the unit.
func (c *Context) Finalize() (*ir.Function, error) {
	var exits []uint64
	for addr := range c.labels {
		if _, ok := c.marked[addr]; !ok {
			exits = append(exits, addr)
		}
	}
	sort.Slice(exits, func(i, j int) bool { return exits[i] < exits[j] })

	for _, addr := range exits {
		c.marked[addr] = struct{}{}
		c.b.SetCurrentBlock(c.labels[addr])
		c.clearRegisterCache()
		c.EmitVirtualJump(c.Const(addr), false)
	}
	if c.optimize {
		c.b.RunPasses()
	}
	return c.b.Finalize()
}

// Emit emits the guest instruction op.
func (c *Context) Emit(op OpCode) {
	if nativeapi.EmitterLoggingEnabled {
		fmt.Printf("[emitter] %s\n", op)
	}
	if c.Terminated() {
		// Code following a terminator is unreachable, and dropped at layout.
		c.b.SetCurrentBlock(c.b.AllocateBasicBlock())
	}

	switch op := op.(type) {
	case *OpMem:
		c.emitMem(op)
	case *OpMemLane:
		c.emitMemLane(op)
	case *OpMemEx:
		c.emitMemEx(op)
	case *OpBarrier:
		c.emitBarrier(op)
	case *OpBranch:
		c.emitBranch(op)
	case *OpBranchReg:
		c.emitBranchReg(op)
	case *OpCompareBranch:
		c.emitCompareBranch(op)
	case *OpExternal:
		if op.Emit == nil {
			unsupported(op)
		}
		op.Emit(c)
	default:
		unsupported(op)
	}
}

// EmitBlocks emits the blocks of a unit decoded from the entry address.
func (c *Context) EmitBlocks(blocks []Block) {
	if c.synchronize {
		c.EmitSynchronization()
	}
	if c.rejitCounter != 0 {
		c.emitRejitCheck()
	}
	if c.singleStep {
		c.emitSingleStep(blocks)
		return
	}
	if len(blocks) == 0 || blocks[0].Address != c.entryAddress {
		c.insert(c.alloc().AsJump(nil, c.GetLabel(c.entryAddress)))
	}

	for _, blk := range blocks {
		c.MarkLabel(blk.Address)
		if blk.Exit {
			c.EmitVirtualJump(c.Const(blk.Address), false)
			continue
		}
		for i, op := range blk.OpCodes {
			if i == len(blk.OpCodes)-1 && c.synchronize && isBackwardBranch(op, blk.Address) {
				c.EmitSynchronization()
			}
			c.Emit(op)
		}
		if !c.Terminated() {
			c.insert(c.alloc().AsJump(nil, c.GetLabel(blk.EndAddress)))
		}
	}
}

// emitSingleStep emits the first instruction at the entry address. No label is marked, so
// every branch target becomes an exit returning it.
func (c *Context) emitSingleStep(blocks []Block) {
	next := c.entryAddress
	if len(blocks) > 0 && blocks[0].Address == c.entryAddress && !blocks[0].Exit && len(blocks[0].OpCodes) > 0 {
		c.Emit(blocks[0].OpCodes[0])
		next += InstructionSize
	}
	if !c.Terminated() {
		c.insert(c.alloc().AsJump(nil, c.GetLabel(next)))
	}
}

func isBackwardBranch(op OpCode, blockAddress uint64) bool {
	switch op := op.(type) {
	case *OpBranch:
		return op.Inst == InstB && op.Target <= blockAddress
	case *OpCompareBranch:
		return op.Target <= blockAddress
	}
	return false
}

func unsupported(op OpCode) {
	panic(fmt.Errorf("%w: %s", ErrUnsupportedOpCode, op))
}
