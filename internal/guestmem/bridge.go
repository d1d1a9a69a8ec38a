// Package guestmem emits the IR that turns guest virtual addresses into host pointers and
// performs guest memory accesses, with an inline fast path and an out of line slow path
// through the memory manager.
package guestmem

import (
	"errors"
	"fmt"

	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/memory"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// ErrInvalidAccessSize is raised at emission time for an access size the helper does not support.
var ErrInvalidAccessSize = errors.New("invalid access size")

// AddressSpace is the addressing configuration emitted code is specialized for.
// It is fixed for the lifetime of a Bridge. *memory.Manager implements it.
type AddressSpace interface {
	// Type returns how addresses are translated.
	Type() memory.Type
	// AddressSpaceBits returns the width of the guest address space.
	AddressSpaceBits() int
	// PageTablePointer returns the host address of the translation structure.
	PageTablePointer() uint64
}

const pteAddressMask = memory.PteAddressMask

// Bridge emits guest memory accesses into one translation unit.
type Bridge struct {
	b      ir.Builder
	typ    memory.Type
	bits   int
	ptBase uint64
}

// NewBridge returns a Bridge emitting into b for the address space as.
func NewBridge(b ir.Builder, as AddressSpace) *Bridge {
	return &Bridge{b: b, typ: as.Type(), bits: as.AddressSpaceBits(), ptBase: as.PageTablePointer()}
}

// Type returns the addressing type the bridge emits code for.
func (br *Bridge) Type() memory.Type {
	return br.typ
}

// AddressMask returns the mask selecting an address of the given address space width.
func AddressMask(bits int) uint64 {
	return ^uint64(0) >> (64 - bits)
}

// MaskAddress applies AddressMask to addr. It is idempotent.
func MaskAddress(addr uint64, bits int) uint64 {
	return addr & AddressMask(bits)
}

func (br *Bridge) iconst(typ ir.Type, v uint64) ir.Value {
	if typ == ir.TypeI32 {
		return br.b.AllocateInstruction().AsIconst32(uint32(v)).Insert(br.b).Return()
	}
	return br.b.AllocateInstruction().AsIconst64(v).Insert(br.b).Return()
}

func (br *Bridge) binary(op ir.Opcode, x, y ir.Value) ir.Value {
	instr := br.b.AllocateInstruction()
	switch op {
	case ir.OpcodeIadd:
		instr.AsIadd(x, y)
	case ir.OpcodeBand:
		instr.AsBand(x, y)
	case ir.OpcodeIshl:
		instr.AsIshl(x, y)
	case ir.OpcodeUshr:
		instr.AsUshr(x, y)
	case ir.OpcodeSshr:
		instr.AsSshr(x, y)
	case ir.OpcodeRotr:
		instr.AsRotr(x, y)
	default:
		panic("BUG: " + op.String())
	}
	return instr.Insert(br.b).Return()
}

// zext64 zero extends an i32 value to i64, and returns i64 values unchanged.
func (br *Bridge) zext64(v ir.Value) ir.Value {
	if v.Type() == ir.TypeI32 {
		return br.b.AllocateInstruction().AsUExtend(v, 32, 64).Insert(br.b).Return()
	}
	return v
}

// EmitMaskAddress emits the masking of address to the address space width.
func (br *Bridge) EmitMaskAddress(address ir.Value) ir.Value {
	return br.binary(ir.OpcodeBand, address, br.iconst(address.Type(), AddressMask(br.bits)))
}

// EmitPointer emits the translation of the guest address into the host pointer of an access of
// 1<<size bytes, and returns it as an i64.
//
// In the software page table mode, accesses that are out of range, misaligned, unmapped or
// tracked for the access direction branch to slowPath when it is not nil, before the host
// pointer is ever used. Without slowPath the checks are emitted inline: tracked pages signal
// the memory manager and continue, and invalid pages raise a fault which never returns.
// The host mapped and host tracked modes never branch.
func (br *Bridge) EmitPointer(address ir.Value, size int, write bool, slowPath ir.BasicBlock) ir.Value {
	if size < 0 || size > 4 {
		invalidSize(size)
	}
	switch {
	case br.typ.IsHostMapped():
		return br.emitHostMappedPointer(address)
	case br.typ.IsHostTracked():
		return br.emitHostTrackedPointer(address)
	default:
		return br.emitSoftwarePointer(address, size, write, slowPath)
	}
}

func (br *Bridge) emitHostMappedPointer(address ir.Value) ir.Value {
	address = br.zext64(address)
	if br.typ == memory.TypeHostMapped {
		address = br.EmitMaskAddress(address)
	}
	return br.binary(ir.OpcodeIadd, br.iconst(ir.TypeI64, br.ptBase), address)
}

func (br *Bridge) emitHostTrackedPointer(address ir.Value) ir.Value {
	address = br.zext64(address)
	if br.typ == memory.TypeHostTracked {
		address = br.EmitMaskAddress(address)
	}
	pageIndex := br.binary(ir.OpcodeUshr, address, br.iconst(ir.TypeI64, memory.PageBits))
	slot := br.binary(ir.OpcodeIadd, br.iconst(ir.TypeI64, br.ptBase), br.binary(ir.OpcodeIshl, pageIndex, br.iconst(ir.TypeI64, 3)))
	offset := br.b.AllocateInstruction().AsLoad(slot, 0, ir.TypeI64).Insert(br.b).Return()
	return br.binary(ir.OpcodeIadd, address, offset)
}

func (br *Bridge) emitSoftwarePointer(address ir.Value, size int, write bool, slowPath ir.BasicBlock) ir.Value {
	b := br.b
	addrType := address.Type()
	levelBits := br.bits - memory.PageBits
	levelSize := uint64(1) << levelBits
	levelMask := levelSize - 1

	// Rotating the low bits to the top makes misaligned addresses fall out of range.
	addrRotated := address
	if size != 0 {
		addrRotated = br.binary(ir.OpcodeRotr, address, br.iconst(addrType, uint64(size)))
	}
	addrShifted := br.binary(ir.OpcodeUshr, addrRotated, br.iconst(addrType, uint64(memory.PageBits-size)))

	pteOffset := br.zext64(br.binary(ir.OpcodeBand, addrShifted, br.iconst(addrType, levelMask)))
	pteAddress := br.binary(ir.OpcodeIadd, br.iconst(ir.TypeI64, br.ptBase), br.binary(ir.OpcodeIshl, pteOffset, br.iconst(ir.TypeI64, 3)))
	pte := b.AllocateInstruction().AsLoad(pteAddress, 0, ir.TypeI64).Insert(b).Return()

	// Force the entry to zero when the shifted address is out of range.
	addrShifted = br.zext64(addrShifted)
	inRange := br.binary(ir.OpcodeSshr,
		br.binary(ir.OpcodeIadd, addrShifted, br.iconst(ir.TypeI64, -levelSize)),
		br.iconst(ir.TypeI64, 63))
	pte = br.binary(ir.OpcodeBand, pte, inRange)

	zero := br.iconst(ir.TypeI64, 0)
	if slowPath != nil {
		if write {
			// Any tag and a zero entry are <= 0.
			isSlow := b.AllocateInstruction().AsIcmp(pte, zero, ir.IntegerCmpCondSignedLessThanOrEqual).Insert(b).Return()
			b.AllocateInstruction().AsBrnz(isSlow, nil, slowPath).Insert(b)
			pte = br.binary(ir.OpcodeBand, pte, br.iconst(ir.TypeI64, pteAddressMask))
		} else {
			// Only the read tracking bit remains as the sign after dropping bit 63.
			pte = br.binary(ir.OpcodeIshl, pte, br.iconst(ir.TypeI64, 1))
			isSlow := b.AllocateInstruction().AsIcmp(pte, zero, ir.IntegerCmpCondSignedLessThanOrEqual).Insert(b).Return()
			b.AllocateInstruction().AsBrnz(isSlow, nil, slowPath).Insert(b)
			pte = br.binary(ir.OpcodeUshr, pte, br.iconst(ir.TypeI64, 1))
		}
	} else {
		signal, notWatched := b.AllocateBasicBlock(), b.AllocateBasicBlock()
		signal.MarkCold()

		watched := b.AllocateInstruction().AsIcmp(pte, zero, ir.IntegerCmpCondSignedLessThan).Insert(b).Return()
		b.AllocateInstruction().AsBrnz(watched, nil, signal).Insert(b)
		b.AllocateInstruction().AsJump(nil, notWatched).Insert(b)

		// The address is assumed to be aligned to the access size, so one byte covers the access.
		b.SetCurrentBlock(signal)
		isWrite := uint32(0)
		if write {
			isWrite = 1
		}
		b.AllocateInstruction().AsCall(ir.FuncRef(nativeapi.NativeSignalMemoryTracking),
			[]ir.Value{br.zext64(address), br.iconst(ir.TypeI64, 1), br.iconst(ir.TypeI32, uint64(isWrite))},
			ir.TypeInvalid).Insert(b)
		b.AllocateInstruction().AsJump(nil, notWatched).Insert(b)

		b.SetCurrentBlock(notWatched)
		pte = br.binary(ir.OpcodeBand, pte, br.iconst(ir.TypeI64, pteAddressMask))

		fault := b.AllocateBasicBlock()
		fault.MarkCold()
		b.AllocateInstruction().AsBrz(pte, nil, fault).Insert(b)
		current := b.CurrentBlock()

		b.SetCurrentBlock(fault)
		b.AllocateInstruction().AsRaise(ir.FuncRef(nativeapi.NativeThrowInvalidMemoryAccess),
			[]ir.Value{br.zext64(address)}).Insert(b)
		b.SetCurrentBlock(current)
	}

	pageOffset := br.zext64(br.binary(ir.OpcodeBand, address, br.iconst(addrType, memory.PageMask)))
	return br.binary(ir.OpcodeIadd, pte, pageOffset)
}

func invalidSize(size int) {
	panic(fmt.Errorf("%w: %d", ErrInvalidAccessSize, size))
}
