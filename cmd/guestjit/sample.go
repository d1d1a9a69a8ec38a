package main

import (
	"github.com/tetratelabs/guestjit/internal/emitter"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

func block(addr uint64, ops ...emitter.OpCode) emitter.Block {
	for i, op := range ops {
		a := addr + uint64(i)*emitter.InstructionSize
		switch op := op.(type) {
		case *emitter.OpMem:
			op.Addr = a
		case *emitter.OpMemEx:
			op.Addr = a
		case *emitter.OpBarrier:
			op.Addr = a
		case *emitter.OpBranch:
			op.Addr = a
		case *emitter.OpBranchReg:
			op.Addr = a
		case *emitter.OpCompareBranch:
			op.Addr = a
		}
	}
	return emitter.Block{Address: addr, EndAddress: addr + uint64(len(ops))*emitter.InstructionSize, OpCodes: ops}
}

// sampleUnit loads and stores a value, swaps it in with an exclusive pair retried until the
// store succeeds, then calls and returns:
//
//	ldr   x1, [x0, #8]
//	str   w1, [x0, #16]
//	retry:
//	ldaxr x2, [x0]
//	stlxr w3, x1, [x0]
//	cbnz  w3, retry
//	bl    entry+0x100
//	dmb
//	ret
func sampleUnit(entry uint64) []emitter.Block {
	retry := entry + 8
	return []emitter.Block{
		block(entry,
			&emitter.OpMem{Inst: emitter.InstLdr, Rt: 1, Rn: 0, Offset: 8, Size: 3},
			&emitter.OpMem{Inst: emitter.InstStr, Rt: 1, Rn: 0, Offset: 16, Size: 2},
		),
		block(retry,
			&emitter.OpMemEx{Inst: emitter.InstLdaxr, Rt: 2, Rn: 0, Size: 3},
			&emitter.OpMemEx{Inst: emitter.InstStlxr, Rs: 3, Rt: 1, Rn: 0, Size: 3},
			&emitter.OpCompareBranch{Inst: emitter.InstCbnz, Rt: 3, Target: retry},
		),
		block(retry+12, &emitter.OpBranch{Inst: emitter.InstBl, Target: entry + 0x100}),
		block(retry+16,
			&emitter.OpBarrier{Inst: emitter.InstDmb},
			&emitter.OpBranchReg{Inst: emitter.InstRet, Rn: nativeapi.RegisterLR},
		),
	}
}
