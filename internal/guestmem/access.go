package guestmem

import (
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// intType returns the type integer accesses of 1<<size bytes are loaded as.
func intType(size int) ir.Type {
	if size == 3 {
		return ir.TypeI64
	}
	return ir.TypeI32
}

func checkIntSize(size int) {
	if size < 0 || size > 3 {
		invalidSize(size)
	}
}

func checkVectorSize(size int) {
	if size < 0 || size > 4 {
		invalidSize(size)
	}
}

// needsFallback returns true when the emitted fast path may branch to a slow path.
func (br *Bridge) needsFallback() bool {
	return !br.typ.IsHostMappedOrTracked()
}

// slowPath allocates the cold block the fast path branches to, and the block both paths merge into.
// The merge block carries one parameter of typ unless typ is ir.TypeInvalid.
func (br *Bridge) slowPath(typ ir.Type) (slow, end ir.BasicBlock, result ir.Value) {
	slow, end = br.b.AllocateBasicBlock(), br.b.AllocateBasicBlock()
	slow.MarkCold()
	result = ir.ValueInvalid
	if typ != ir.TypeInvalid {
		result = end.AddParam(br.b, typ)
	}
	return
}

// join ends the current block with a jump to end passing v if it is valid.
func (br *Bridge) join(end ir.BasicBlock, v ir.Value) {
	var args []ir.Value
	if v.Valid() {
		args = []ir.Value{v}
	}
	br.b.AllocateInstruction().AsJump(args, end).Insert(br.b)
}

func (br *Bridge) loadInt(ptr ir.Value, size int) ir.Value {
	instr := br.b.AllocateInstruction()
	switch size {
	case 0:
		instr.AsExtLoad(ir.OpcodeUload8, ptr, 0, false)
	case 1:
		instr.AsExtLoad(ir.OpcodeUload16, ptr, 0, false)
	case 2:
		instr.AsLoad(ptr, 0, ir.TypeI32)
	case 3:
		instr.AsLoad(ptr, 0, ir.TypeI64)
	}
	return instr.Insert(br.b).Return()
}

func (br *Bridge) storeInt(ptr, value ir.Value, size int) {
	op := ir.OpcodeStore
	switch size {
	case 0:
		op = ir.OpcodeIstore8
	case 1:
		op = ir.OpcodeIstore16
	case 2:
		if value.Type() == ir.TypeI64 {
			op = ir.OpcodeIstore32
		}
	case 3:
		value = br.zext64(value)
	}
	br.b.AllocateInstruction().AsStore(op, value, ptr, 0).Insert(br.b)
}

// narrow converts value to the integer type accesses of 1<<size bytes are passed as.
func (br *Bridge) narrow(value ir.Value, size int) ir.Value {
	if intType(size) == ir.TypeI64 {
		return br.zext64(value)
	}
	if value.Type() == ir.TypeI64 {
		return br.b.AllocateInstruction().AsIreduce(value).Insert(br.b).Return()
	}
	return value
}

func (br *Bridge) callRead(address ir.Value, size int, typ ir.Type) ir.Value {
	return br.b.AllocateInstruction().
		AsCall(ir.FuncRef(nativeapi.NativeRead(size)), []ir.Value{br.zext64(address)}, typ).
		Insert(br.b).Return()
}

func (br *Bridge) callWrite(address, value ir.Value, size int) {
	br.b.AllocateInstruction().
		AsCall(ir.FuncRef(nativeapi.NativeWrite(size)), []ir.Value{br.zext64(address), value}, ir.TypeInvalid).
		Insert(br.b)
}

// EmitLoad emits a load of 1<<size bytes (size 0 to 3) at the guest address, zero extended to
// i32 for sizes up to 2 and i64 for size 3.
func (br *Bridge) EmitLoad(address ir.Value, size int) ir.Value {
	checkIntSize(size)
	if !br.needsFallback() {
		return br.loadInt(br.EmitPointer(address, size, false, nil), size)
	}

	typ := intType(size)
	slow, end, result := br.slowPath(typ)
	ptr := br.EmitPointer(address, size, false, slow)
	br.join(end, br.loadInt(ptr, size))

	br.b.SetCurrentBlock(slow)
	br.join(end, br.callRead(address, size, typ))

	br.b.SetCurrentBlock(end)
	return result
}

// EmitStore emits a store of the low 1<<size bytes (size 0 to 3) of value at the guest address.
func (br *Bridge) EmitStore(address, value ir.Value, size int) {
	checkIntSize(size)
	if !br.needsFallback() {
		br.storeInt(br.EmitPointer(address, size, true, nil), value, size)
		return
	}

	slow, end, _ := br.slowPath(ir.TypeInvalid)
	ptr := br.EmitPointer(address, size, true, slow)
	br.storeInt(ptr, value, size)
	br.join(end, ir.ValueInvalid)

	br.b.SetCurrentBlock(slow)
	br.callWrite(address, br.narrow(value, size), size)
	br.join(end, ir.ValueInvalid)

	br.b.SetCurrentBlock(end)
}

func (br *Bridge) insertLane(vector, value ir.Value, elem, size int) ir.Value {
	return br.b.AllocateInstruction().AsInsertlane(vector, value, byte(elem), byte(8<<size)).Insert(br.b).Return()
}

func (br *Bridge) extractLane(vector ir.Value, elem, size int) ir.Value {
	return br.b.AllocateInstruction().AsExtractlane(vector, byte(elem), byte(8<<size)).Insert(br.b).Return()
}

// loadLane loads 1<<size bytes at ptr into the lane elem of vector, or the whole vector for size 4.
func (br *Bridge) loadLane(ptr, vector ir.Value, elem, size int) ir.Value {
	if size == 4 {
		return br.b.AllocateInstruction().AsLoad(ptr, 0, ir.TypeV128).Insert(br.b).Return()
	}
	return br.insertLane(vector, br.loadInt(ptr, size), elem, size)
}

func (br *Bridge) storeLane(ptr, vector ir.Value, elem, size int) {
	if size == 4 {
		br.b.AllocateInstruction().AsStore(ir.OpcodeStore, vector, ptr, 0).Insert(br.b)
		return
	}
	br.storeInt(ptr, br.extractLane(vector, elem, size), size)
}

// EmitLoadLane emits a load of 1<<size bytes at the guest address into the lane elem of
// vector, and returns the updated vector. Size 4 loads the whole vector.
func (br *Bridge) EmitLoadLane(address, vector ir.Value, elem, size int) ir.Value {
	checkVectorSize(size)
	if !br.needsFallback() {
		return br.loadLane(br.EmitPointer(address, size, false, nil), vector, elem, size)
	}

	slow, end, result := br.slowPath(ir.TypeV128)
	ptr := br.EmitPointer(address, size, false, slow)
	br.join(end, br.loadLane(ptr, vector, elem, size))

	br.b.SetCurrentBlock(slow)
	var v ir.Value
	if size == 4 {
		v = br.callRead(address, size, ir.TypeV128)
	} else {
		v = br.insertLane(vector, br.callRead(address, size, intType(size)), elem, size)
	}
	br.join(end, v)

	br.b.SetCurrentBlock(end)
	return result
}

// EmitStoreLane emits a store of the lane elem of vector, 1<<size bytes wide, at the guest
// address. Size 4 stores the whole vector.
func (br *Bridge) EmitStoreLane(address, vector ir.Value, elem, size int) {
	checkVectorSize(size)
	if !br.needsFallback() {
		br.storeLane(br.EmitPointer(address, size, true, nil), vector, elem, size)
		return
	}

	slow, end, _ := br.slowPath(ir.TypeInvalid)
	ptr := br.EmitPointer(address, size, true, slow)
	br.storeLane(ptr, vector, elem, size)
	br.join(end, ir.ValueInvalid)

	br.b.SetCurrentBlock(slow)
	if size == 4 {
		br.callWrite(address, vector, size)
	} else {
		br.callWrite(address, br.narrow(br.extractLane(vector, elem, size), size), size)
	}
	br.join(end, ir.ValueInvalid)

	br.b.SetCurrentBlock(end)
}

// EmitLoadAligned emits a load of 1<<size bytes (size 0 to 4) at the guest address as one
// linear sequence without a slow path. The address must be aligned to the access size, and
// invalid addresses raise a fault. Size 4 returns a vector.
func (br *Bridge) EmitLoadAligned(address ir.Value, size int) ir.Value {
	checkVectorSize(size)
	ptr := br.EmitPointer(address, size, false, nil)
	if size == 4 {
		return br.b.AllocateInstruction().AsLoad(ptr, 0, ir.TypeV128).Insert(br.b).Return()
	}
	return br.loadInt(ptr, size)
}

// EmitStoreAligned is the store counterpart of EmitLoadAligned.
func (br *Bridge) EmitStoreAligned(address, value ir.Value, size int) {
	checkVectorSize(size)
	ptr := br.EmitPointer(address, size, true, nil)
	if size == 4 {
		br.b.AllocateInstruction().AsStore(ir.OpcodeStore, value, ptr, 0).Insert(br.b)
		return
	}
	br.storeInt(ptr, value, size)
}
