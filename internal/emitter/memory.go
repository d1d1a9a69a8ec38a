package emitter

import (
	"fmt"

	"github.com/tetratelabs/guestjit/internal/ir"
)

// address returns the value of the base register rn plus offset.
func (c *Context) address(rn int, offset int64) ir.Value {
	base := c.GetIntOrSP(rn)
	if offset == 0 {
		return base
	}
	return c.binary(ir.OpcodeIadd, base, c.iconst(c.IntType(), uint64(offset)))
}

func (c *Context) zeroVector() ir.Value {
	return c.insert(c.alloc().AsVconst(0, 0)).Return()
}

func (c *Context) emitMem(op *OpMem) {
	maxSize := 3
	if op.Vector {
		maxSize = 4
	}
	if op.Size < 0 || op.Size > maxSize {
		unsupported(op)
	}
	checkRegister(op.Rt)
	address := c.address(op.Rn, op.Offset)

	switch {
	case op.Inst == InstLdr && op.Vector:
		c.SetVec(op.Rt, c.mem.EmitLoadLane(address, c.zeroVector(), 0, op.Size))
	case op.Inst == InstLdr:
		v := c.mem.EmitLoad(address, op.Size)
		if op.Signed && op.Size < 3 {
			v = c.insert(c.alloc().AsSExtend(v, byte(8<<op.Size), c.IntType().Bits())).Return()
		}
		c.SetInt(op.Rt, v)
	case op.Inst == InstStr && op.Vector:
		c.mem.EmitStoreLane(address, c.GetVec(op.Rt), 0, op.Size)
	case op.Inst == InstStr:
		c.mem.EmitStore(address, c.GetIntOrZR(op.Rt), op.Size)
	default:
		unsupported(op)
	}
}

func (c *Context) emitMemLane(op *OpMemLane) {
	if op.Size < 0 || op.Size > 3 || op.Index < 0 || op.Index >= 16>>op.Size {
		panic(fmt.Errorf("%w: %s", ErrUnsupportedOpCode, op))
	}
	address := c.address(op.Rn, 0)

	switch op.Inst {
	case InstLd1Lane:
		c.SetVec(op.Rt, c.mem.EmitLoadLane(address, c.GetVec(op.Rt), op.Index, op.Size))
	case InstSt1Lane:
		c.mem.EmitStoreLane(address, c.GetVec(op.Rt), op.Index, op.Size)
	default:
		unsupported(op)
	}
}
