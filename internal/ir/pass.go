package ir

// RunPasses implements Builder.RunPasses.
func (b *builder) RunPasses() {
	defs := b.valueDefinitions()
	passConstFoldingOpt(b, defs)
	passDeadCodeEliminationOpt(b, defs)
}

func (b *builder) forEachInstruction(fn func(*Instruction)) {
	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		for cur := b.basicBlocksPool.View(i).rootInstr; cur != nil; cur = cur.next {
			fn(cur)
		}
	}
}

// passConstFoldingOpt replaces the integer arithmetic on constants by the resulting constant
// until nothing changes, since a block may be visited before the definitions it uses.
func passConstFoldingOpt(b *builder, defs valueDefinitions) {
	for changed := true; changed; {
		changed = false
		b.forEachInstruction(func(instr *Instruction) {
			switch instr.opcode {
			case OpcodeIadd, OpcodeIsub, OpcodeBand, OpcodeBor, OpcodeBxor:
			default:
				return
			}
			x, ok := defs.constant(instr.v)
			if !ok {
				return
			}
			y, ok := defs.constant(instr.v2)
			if !ok {
				return
			}
			var r uint64
			switch instr.opcode {
			case OpcodeIadd:
				r = x + y
			case OpcodeIsub:
				r = x - y
			case OpcodeBand:
				r = x & y
			case OpcodeBor:
				r = x | y
			case OpcodeBxor:
				r = x ^ y
			}
			if instr.typ == TypeI32 {
				r = uint64(uint32(r))
			}
			instr.opcode = OpcodeIconst
			instr.u64 = r
			instr.v, instr.v2 = ValueInvalid, ValueInvalid
			changed = true
		})
	}
}

// passDeadCodeEliminationOpt removes the instructions whose results are never used
// by an instruction with side effects, directly or not.
func passDeadCodeEliminationOpt(b *builder, defs valueDefinitions) {
	var live []*Instruction
	b.forEachInstruction(func(instr *Instruction) {
		instr.live = instr.HasSideEffects()
		if instr.live {
			live = append(live, instr)
		}
	})

	mark := func(v Value) {
		if def := defs.of(v); def != nil && !def.live {
			def.live = true
			live = append(live, def)
		}
	}
	for len(live) > 0 {
		instr := live[len(live)-1]
		live = live[:len(live)-1]
		mark(instr.v)
		mark(instr.v2)
		mark(instr.v3)
		for _, v := range instr.vs {
			mark(v)
		}
	}

	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		blk := b.basicBlocksPool.View(i)
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			if cur.live {
				continue
			}
			if cur.prev != nil {
				cur.prev.next = cur.next
			} else {
				blk.rootInstr = cur.next
			}
			if cur.next != nil {
				cur.next.prev = cur.prev
			} else {
				blk.currentInstr = cur.prev
			}
		}
	}
}
