package emitter

import (
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

func (c *Context) emitBranch(op *OpBranch) {
	switch op.Inst {
	case InstB:
		c.insert(c.alloc().AsJump(nil, c.GetLabel(op.Target)))
	case InstBl:
		next := op.Addr + InstructionSize
		c.SetInt(nativeapi.RegisterLR, c.Const(next))
		c.EmitDirectCall(op.Target, next)
	default:
		unsupported(op)
	}
}

func (c *Context) emitBranchReg(op *OpBranchReg) {
	switch op.Inst {
	case InstBr:
		c.EmitVirtualJump(c.GetIntOrZR(op.Rn), false)
	case InstBlr:
		// The target is read before the link register is written, so BLR x30 works.
		target := c.GetIntOrZR(op.Rn)
		next := op.Addr + InstructionSize
		c.SetInt(nativeapi.RegisterLR, c.Const(next))
		c.EmitVirtualCall(target, next)
	case InstRet:
		c.EmitVirtualJump(c.GetIntOrZR(op.Rn), true)
	default:
		unsupported(op)
	}
}

func (c *Context) emitCompareBranch(op *OpCompareBranch) {
	v := c.GetIntOrZR(op.Rt)
	if !op.Is64 {
		v = c.convert(v, ir.TypeI32)
	}
	target := c.GetLabel(op.Target)
	switch op.Inst {
	case InstCbz:
		c.insert(c.alloc().AsBrz(v, nil, target))
	case InstCbnz:
		c.insert(c.alloc().AsBrnz(v, nil, target))
	default:
		unsupported(op)
	}
}

// EmitDirectCall emits a call to the guest address target which returns to returnAddress.
// A call to the unit entry branches to its label, and any other target is called through the
// function table.
func (c *Context) EmitDirectCall(target, returnAddress uint64) {
	if target == c.entryAddress && !c.singleStep {
		if c.synchronize {
			c.EmitSynchronization()
		}
		c.insert(c.alloc().AsJump(nil, c.GetLabel(target)))
		return
	}
	c.EmitIndirectCallOrJump(c.Const(target), returnAddress, false)
}

// EmitVirtualCall emits a call to the guest address held by target which returns to returnAddress.
func (c *Context) EmitVirtualCall(target ir.Value, returnAddress uint64) {
	c.EmitIndirectCallOrJump(target, returnAddress, false)
}

// EmitVirtualJump emits a jump to the guest address held by target, ending the current block.
// A return hands target back to the caller of the unit instead of jumping to it.
func (c *Context) EmitVirtualJump(target ir.Value, isReturn bool) {
	if isReturn {
		c.insert(c.alloc().AsReturn([]ir.Value{c.zext64(target)}))
		return
	}
	c.EmitIndirectCallOrJump(target, 0, true)
}

// EmitIndirectCallOrJump transfers control to the guest address held by target. A single
// step unit returns target instead.
//
// The target is stored as the pending dispatch address of the native context, and the host
// entry is loaded from the function table slot when target is a constant the table covers, or
// is the dispatch stub otherwise. A jump tail calls the entry and ends the current block. A call
// continues at the label of returnAddress when the callee returns it, and otherwise returns
// the address the callee returned from this unit, so the dispatcher resumes there.
func (c *Context) EmitIndirectCallOrJump(target ir.Value, returnAddress uint64, isJump bool) {
	if c.singleStep {
		// The link register is already written for calls.
		c.insert(c.alloc().AsReturn([]ir.Value{c.zext64(target)}))
		return
	}
	c.storeNative(c.offsets.DispatchAddress, c.zext64(target))

	var host ir.Value
	if addr, ok := c.constantOf(target); ok && c.table.IsValid(addr) {
		slot, err := c.table.SlotAddress(addr)
		if err != nil {
			panic(err)
		}
		host = c.insert(c.alloc().AsAtomicLoad(c.iconst(ir.TypeI64, slot), 8, ir.TypeI64)).Return()
	} else {
		host = c.iconst(ir.TypeI64, c.dispatchStub)
	}

	args := []ir.Value{c.nativeCtx}
	if isJump {
		c.insert(c.alloc().AsTailCallIndirect(host, args))
		return
	}

	resume := c.insert(c.alloc().AsCallIndirect(host, args, ir.TypeI64)).Return()
	// The callee may have changed any register.
	c.clearRegisterCache()
	c.emitContinueOrReturnCheck(resume, returnAddress)
}

// emitContinueOrReturnCheck continues at the label of returnAddress if resume equals it, and
// returns resume otherwise.
func (c *Context) emitContinueOrReturnCheck(resume ir.Value, returnAddress uint64) {
	same := c.icmp(resume, c.iconst(ir.TypeI64, returnAddress), ir.IntegerCmpCondEqual)
	c.insert(c.alloc().AsBrnz(same, nil, c.GetLabel(returnAddress)))
	c.insert(c.alloc().AsReturn([]ir.Value{resume}))
}

// EmitSynchronization emits the countdown of the native context. When it reaches zero the
// thread synchronizes, and the unit returns zero if the thread must stop.
func (c *Context) EmitSynchronization() {
	b := c.b
	nonZero, check, cont := b.AllocateBasicBlock(), b.AllocateBasicBlock(), b.AllocateBasicBlock()
	check.MarkCold()

	count := c.loadNative(c.offsets.Counter, ir.TypeI32)
	c.insert(c.alloc().AsBrnz(count, nil, nonZero))
	c.insert(c.alloc().AsJump(nil, check))

	b.SetCurrentBlock(check)
	running := c.insert(c.alloc().AsCall(ir.FuncRef(nativeapi.NativeCheckSynchronization), nil, ir.TypeI32)).Return()
	c.insert(c.alloc().AsBrnz(running, nil, cont))
	c.insert(c.alloc().AsReturn([]ir.Value{c.iconst(ir.TypeI64, 0)}))

	b.SetCurrentBlock(nonZero)
	c.storeNative(c.offsets.Counter, c.binary(ir.OpcodeIsub, count, c.iconst(ir.TypeI32, 1)))
	c.insert(c.alloc().AsJump(nil, cont))

	b.SetCurrentBlock(cont)
	// The thread may have been interrupted, and registers changed by the handler.
	c.clearRegisterCache()
}

// emitRejitCheck counts the calls of the unit, and enqueues the entry address for an
// optimized translation when the count reaches RejitThreshold.
func (c *Context) emitRejitCheck() {
	b := c.b
	enqueue, cont := b.AllocateBasicBlock(), b.AllocateBasicBlock()
	enqueue.MarkCold()

	counter := c.iconst(ir.TypeI64, c.rejitCounter)
	count := c.insert(c.alloc().AsLoad(counter, 0, ir.TypeI32)).Return()
	c.insert(c.alloc().AsStore(ir.OpcodeStore, c.binary(ir.OpcodeIadd, count, c.iconst(ir.TypeI32, 1)), counter, 0))
	hot := c.icmp(count, c.iconst(ir.TypeI32, RejitThreshold), ir.IntegerCmpCondEqual)
	c.insert(c.alloc().AsBrnz(hot, nil, enqueue))
	c.insert(c.alloc().AsJump(nil, cont))

	b.SetCurrentBlock(enqueue)
	entry := c.iconst(ir.TypeI64, c.entryAddress)
	c.insert(c.alloc().AsCall(ir.FuncRef(nativeapi.NativeEnqueueForRejit), []ir.Value{entry}, ir.TypeInvalid))
	c.insert(c.alloc().AsJump(nil, cont))

	b.SetCurrentBlock(cont)
}
