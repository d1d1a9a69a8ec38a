package emitter

import (
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// accessType returns the type of an access of 1<<size bytes.
func accessType(size int) ir.Type {
	switch size {
	case 3:
		return ir.TypeI64
	case 4:
		return ir.TypeV128
	}
	return ir.TypeI32
}

// EmitBarrier emits a full memory barrier.
func (c *Context) EmitBarrier() {
	c.insert(c.alloc().AsFence())
}

// EmitClearExclusive releases the exclusive monitor.
func (c *Context) EmitClearExclusive() {
	if c.strictExclusive {
		c.storeNative(c.offsets.ExclusiveAddress, c.iconst(ir.TypeI64, nativeapi.ExclusiveAddressNone))
	}
}

// EmitExclusiveLoad emits a single atomic load of 1<<size bytes (size 0 to 4) at the guest
// address, and claims the location for the next exclusive store when the monitor is strict.
func (c *Context) EmitExclusiveLoad(address ir.Value, size int) ir.Value {
	typ := accessType(size)
	ptr := c.mem.EmitPointer(address, size, false, nil)
	v := c.insert(c.alloc().AsAtomicLoad(ptr, 1<<size, typ)).Return()

	if c.strictExclusive {
		c.storeNative(c.offsets.ExclusiveAddress, c.zext64(address))
		lo, hi := c.splitValue(v)
		c.storeNative(c.offsets.ExclusiveValueLow, lo)
		c.storeNative(c.offsets.ExclusiveValueHigh, hi)
	}
	return v
}

// EmitExclusiveStore emits a single atomic store of value, 1<<size bytes (size 0 to 4) at the
// guest address, and returns the i32 status: zero on success.
//
// Unless the monitor is strict the store always happens and succeeds. A strict monitor only
// stores if the address was claimed by the last exclusive load and the location still holds
// the value that load observed, and is released by every exclusive store.
func (c *Context) EmitExclusiveStore(address, value ir.Value, size int) ir.Value {
	ptr := c.mem.EmitPointer(address, size, true, nil)
	if !c.strictExclusive {
		c.insert(c.alloc().AsAtomicStore(ptr, value, 1<<size))
		return c.iconst(ir.TypeI32, 0)
	}

	b := c.b
	end := b.AllocateBasicBlock()
	status := end.AddParam(b, ir.TypeI32)

	claimed := c.loadNative(c.offsets.ExclusiveAddress, ir.TypeI64)
	same := c.icmp(claimed, c.zext64(address), ir.IntegerCmpCondEqual)
	c.insert(c.alloc().AsBrz(same, []ir.Value{c.iconst(ir.TypeI32, 1)}, end))

	expected := c.joinValue(
		c.loadNative(c.offsets.ExclusiveValueLow, ir.TypeI64),
		c.loadNative(c.offsets.ExclusiveValueHigh, ir.TypeI64),
		value.Type())
	old := c.insert(c.alloc().AsAtomicCas(ptr, expected, value, 1<<size)).Return()

	oldLo, oldHi := c.splitValue(old)
	expLo, expHi := c.splitValue(expected)
	changed := c.binary(ir.OpcodeBor,
		c.icmp(oldLo, expLo, ir.IntegerCmpCondNotEqual),
		c.icmp(oldHi, expHi, ir.IntegerCmpCondNotEqual))
	c.insert(c.alloc().AsJump([]ir.Value{changed}, end))

	b.SetCurrentBlock(end)
	c.storeNative(c.offsets.ExclusiveAddress, c.iconst(ir.TypeI64, nativeapi.ExclusiveAddressNone))
	return status
}

// splitValue returns the low and high 64 bits of v as i64 values.
func (c *Context) splitValue(v ir.Value) (lo, hi ir.Value) {
	if v.Type() == ir.TypeV128 {
		lo = c.insert(c.alloc().AsExtractlane(v, 0, 64)).Return()
		hi = c.insert(c.alloc().AsExtractlane(v, 1, 64)).Return()
		return
	}
	return c.zext64(v), c.iconst(ir.TypeI64, 0)
}

// joinValue is the inverse of splitValue.
func (c *Context) joinValue(lo, hi ir.Value, typ ir.Type) ir.Value {
	switch typ {
	case ir.TypeV128:
		v := c.insert(c.alloc().AsInsertlane(c.zeroVector(), lo, 0, 64)).Return()
		return c.insert(c.alloc().AsInsertlane(v, hi, 1, 64)).Return()
	case ir.TypeI32:
		return c.convert(lo, ir.TypeI32)
	}
	return lo
}

func (c *Context) emitBarrier(op *OpBarrier) {
	switch op.Inst {
	case InstDmb, InstDsb, InstIsb:
		c.EmitBarrier()
	case InstClrex:
		c.EmitClearExclusive()
	default:
		unsupported(op)
	}
}

func (c *Context) emitMemEx(op *OpMemEx) {
	var exclusive, ordered, pair, load bool
	switch op.Inst {
	case InstLdxr:
		exclusive, load = true, true
	case InstLdaxr:
		exclusive, ordered, load = true, true, true
	case InstLdar:
		ordered, load = true, true
	case InstLdxp:
		exclusive, pair, load = true, true, true
	case InstLdaxp:
		exclusive, ordered, pair, load = true, true, true, true
	case InstStxr:
		exclusive = true
	case InstStlxr:
		exclusive, ordered = true, true
	case InstStlr:
		ordered = true
	case InstStxp:
		exclusive, pair = true, true
	case InstStlxp:
		exclusive, ordered, pair = true, true, true
	default:
		unsupported(op)
	}
	if pair && op.Size != 2 && op.Size != 3 || op.Size < 0 || op.Size > 3 {
		unsupported(op)
	}
	checkRegister(op.Rs)
	checkRegister(op.Rt)
	checkRegister(op.Rt2)

	// A pair is accessed as one access of twice the size.
	size := op.Size
	if pair {
		size++
	}
	address := c.address(op.Rn, 0)

	if load {
		if ordered {
			c.EmitBarrier()
		}
		var v ir.Value
		if exclusive {
			v = c.EmitExclusiveLoad(address, size)
		} else {
			v = c.mem.EmitLoad(address, size)
		}
		c.setLoaded(op, v, pair)
		return
	}

	value := c.storedValue(op, pair)
	if exclusive {
		c.SetInt(op.Rs, c.EmitExclusiveStore(address, value, size))
	} else {
		c.mem.EmitStore(address, value, size)
	}
	if ordered {
		c.EmitBarrier()
	}
}

// setLoaded writes the loaded value to Rt, or splits it into Rt and Rt2 for pairs.
func (c *Context) setLoaded(op *OpMemEx, v ir.Value, pair bool) {
	switch {
	case !pair:
		c.SetInt(op.Rt, v)
	case op.Size == 2:
		c.SetInt(op.Rt, c.convert(v, ir.TypeI32))
		c.SetInt(op.Rt2, c.convert(c.binary(ir.OpcodeUshr, v, c.iconst(ir.TypeI64, 32)), ir.TypeI32))
	default:
		lo, hi := c.splitValue(v)
		c.SetInt(op.Rt, lo)
		c.SetInt(op.Rt2, hi)
	}
}

// storedValue returns the value of Rt, or the concatenation of Rt and Rt2 for pairs.
func (c *Context) storedValue(op *OpMemEx, pair bool) ir.Value {
	switch {
	case !pair:
		return c.convert(c.GetIntOrZR(op.Rt), accessType(op.Size))
	case op.Size == 2:
		lo := c.zext64(c.convert(c.GetIntOrZR(op.Rt), ir.TypeI32))
		hi := c.zext64(c.convert(c.GetIntOrZR(op.Rt2), ir.TypeI32))
		return c.binary(ir.OpcodeBor, lo, c.binary(ir.OpcodeIshl, hi, c.iconst(ir.TypeI64, 32)))
	default:
		return c.joinValue(c.zext64(c.GetIntOrZR(op.Rt)), c.zext64(c.GetIntOrZR(op.Rt2)), ir.TypeV128)
	}
}
