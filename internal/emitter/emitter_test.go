package emitter

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/guestjit/internal/interpreter"
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/memory"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var memoryTypes = []memory.Type{memory.TypeSoftwarePageTable, memory.TypeHostMapped, memory.TypeHostTracked}

func TestContext_Emit_memory(t *testing.T) {
	for _, typ := range memoryTypes {
		typ := typ
		t.Run(typ.String(), func(t *testing.T) {
			env := newTestEnv(t, typ)
			require.NoError(t, env.mgr.Write(dataBase+8, 8, 0x1122_3344_5566_7788, 0))
			require.NoError(t, env.mgr.Write(dataBase+16, 1, 0x80, 0))
			require.NoError(t, env.mgr.Write(dataBase+32, 16, 0x0102_0304_0506_0708, 0x1112_1314_1516_1718))
			require.NoError(t, env.mgr.Write(dataBase+64, 4, 0xaabb_ccdd, 0))
			require.NoError(t, env.mgr.Write(dataBase+96, 8, ^uint64(0), 0))

			env.add(0x1000, code(0x1000,
				&OpMem{Inst: InstLdr, Rt: 1, Rn: 0, Offset: 8, Size: 3},
				&OpMem{Inst: InstLdr, Rt: 2, Rn: 0, Offset: 16, Size: 0, Signed: true},
				&OpMem{Inst: InstLdr, Rt: 3, Rn: 0, Offset: 32, Size: 4, Vector: true},
				&OpMem{Inst: InstStr, Rt: 1, Rn: 0, Offset: 48, Size: 2},
				addImm(5, 0, 64),
				&OpMemLane{Inst: InstLd1Lane, Rt: 3, Rn: 5, Index: 1, Size: 2},
				addImm(6, 0, 80),
				&OpMemLane{Inst: InstSt1Lane, Rt: 3, Rn: 6, Index: 1, Size: 3},
				&OpMem{Inst: InstStr, Rt: nativeapi.RegisterSP, Rn: 0, Offset: 96, Size: 3},
				&OpMem{Inst: InstLdr, Rt: 7, Rn: nativeapi.RegisterSP, Offset: 8, Size: 1},
				&OpMem{Inst: InstLdr, Rt: 8, Rn: 0, Offset: 32, Size: 3, Vector: true},
				halt(),
			))

			g := env.newThread()
			g.setReg(0, dataBase)
			g.setReg(nativeapi.RegisterSP, dataBase)
			dispatches, err := g.run(0x1000)
			require.NoError(t, err)
			require.Equal(t, 1, dispatches)

			require.Equal(t, uint64(0x1122_3344_5566_7788), g.reg(1))
			require.Equal(t, uint64(0xffff_ffff_ffff_ff80), g.reg(2))
			require.Equal(t, interpreter.Word{Lo: 0xaabb_ccdd_0506_0708, Hi: 0x1112_1314_1516_1718}, g.vec(3))
			require.Equal(t, uint64(dataBase+64), g.reg(5))
			require.Equal(t, uint64(0x7788), g.reg(7))
			require.Equal(t, interpreter.Word{Lo: 0x0102_0304_0506_0708}, g.vec(8))

			v, _, err := env.mgr.Read(dataBase+48, 8)
			require.NoError(t, err)
			require.Equal(t, uint64(0x5566_7788), v)
			v, _, err = env.mgr.Read(dataBase+80, 8)
			require.NoError(t, err)
			require.Equal(t, uint64(0x1112_1314_1516_1718), v)
			v, _, err = env.mgr.Read(dataBase+96, 8)
			require.NoError(t, err)
			require.Zero(t, v)
		})
	}
}

func TestContext_Emit_fault(t *testing.T) {
	env := newTestEnv(t, memory.TypeSoftwarePageTable)
	env.add(0x1000, code(0x1000,
		&OpMem{Inst: InstLdr, Rt: 1, Rn: 0, Size: 3},
		halt(),
	))
	g := env.newThread()
	g.setReg(0, dataBase+dataSize+0x10)

	_, err := g.run(0x1000)
	var invalid *memory.InvalidAccessError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, uint64(dataBase+dataSize+0x10), invalid.Address)
}

func TestContext_Emit_invalid(t *testing.T) {
	for _, tc := range []struct {
		op  OpCode
		exp error
	}{
		{op: &OpMem{Inst: InstB}, exp: ErrUnsupportedOpCode},
		{op: &OpMem{Inst: InstLdr, Size: 4}, exp: ErrUnsupportedOpCode},
		{op: &OpMem{Inst: InstLdr, Rt: 32}, exp: ErrInvalidRegister},
		{op: &OpMem{Inst: InstLdr, Rn: -1}, exp: ErrInvalidRegister},
		{op: &OpMemLane{Inst: InstLd1Lane, Size: 2, Index: 4}, exp: ErrUnsupportedOpCode},
		{op: &OpMemEx{Inst: InstLdxp, Size: 1}, exp: ErrUnsupportedOpCode},
		{op: &OpMemEx{Inst: InstLdr}, exp: ErrUnsupportedOpCode},
		{op: &OpBarrier{Inst: InstRet}, exp: ErrUnsupportedOpCode},
		{op: &OpBranch{Inst: InstCbz}, exp: ErrUnsupportedOpCode},
		{op: &OpBranchReg{Inst: InstB}, exp: ErrUnsupportedOpCode},
		{op: &OpBranchReg{Inst: InstBr, Rn: 99}, exp: ErrInvalidRegister},
		{op: &OpCompareBranch{Inst: InstB}, exp: ErrUnsupportedOpCode},
		{op: &OpExternal{Name: "nop"}, exp: ErrUnsupportedOpCode},
	} {
		tc := tc
		t.Run(tc.op.String(), func(t *testing.T) {
			env := newTestEnv(t, memory.TypeSoftwarePageTable)
			c := NewContext(ir.NewBuilder(), env.mgr, env.table, env.stub, 0x1000)
			defer func() {
				err, ok := recover().(error)
				require.True(t, ok)
				require.True(t, errors.Is(err, tc.exp), err.Error())
			}()
			c.Emit(tc.op)
		})
	}
}

func TestContext_Emit_exclusivePairAtomicity(t *testing.T) {
	for _, size := range []int{2, 3} {
		size := size
		t.Run(fmt.Sprintf("%d bit pair", 16<<size), func(t *testing.T) {
			env := newTestEnv(t, memory.TypeSoftwarePageTable)
			env.add(0x1000, code(0x1000,
				&OpMemEx{Inst: InstLdaxp, Rt: 1, Rt2: 2, Rn: 0, Size: size},
				halt(),
			))
			env.add(0x2000, code(0x2000,
				&OpMemEx{Inst: InstStlxp, Rs: 4, Rt: 1, Rt2: 2, Rn: 0, Size: size},
				halt(),
			))
			_, err := env.getOrTranslate(0x1000)
			require.NoError(t, err)
			_, err = env.getOrTranslate(0x2000)
			require.NoError(t, err)

			mask := uint64(1)<<(8<<size) - 1
			if size == 3 {
				mask = ^uint64(0)
			}
			reader, writer := env.newThread(), env.newThread()
			reader.setReg(0, dataBase)
			writer.setReg(0, dataBase)

			const iterations = 2000
			var eg errgroup.Group
			eg.Go(func() error {
				for gen := uint64(1); gen <= iterations; gen++ {
					if err := writer.storeReg(1, gen); err != nil {
						return err
					}
					if err := writer.storeReg(2, ^gen&mask); err != nil {
						return err
					}
					if _, err := writer.run(0x2000); err != nil {
						return err
					}
				}
				return nil
			})
			eg.Go(func() error {
				for i := 0; i < iterations; i++ {
					if _, err := reader.run(0x1000); err != nil {
						return err
					}
					lo, err := reader.loadReg(1)
					if err != nil {
						return err
					}
					hi, err := reader.loadReg(2)
					if err != nil {
						return err
					}
					if lo == 0 && hi == 0 {
						continue
					}
					if hi != ^lo&mask {
						return fmt.Errorf("torn pair %#x:%#x", lo, hi)
					}
				}
				return nil
			})
			require.NoError(t, eg.Wait())
			require.Zero(t, writer.reg(4))
		})
	}
}

func TestContext_Emit_exclusiveMonitor(t *testing.T) {
	const value, intruder = 0x1111, 0x2222
	programs := map[string][]OpCode{
		"claimed": {
			&OpMemEx{Inst: InstLdxr, Rt: 1, Rn: 0, Size: 3},
			&OpMemEx{Inst: InstStxr, Rs: 2, Rt: 3, Rn: 0, Size: 3},
		},
		"changed": {
			&OpMemEx{Inst: InstLdxr, Rt: 1, Rn: 0, Size: 3},
			&OpExternal{Name: "intruder", Emit: func(c *Context) {
				c.Memory().EmitStore(c.GetIntOrSP(0), c.GetIntOrZR(4), 3)
			}},
			&OpMemEx{Inst: InstStxr, Rs: 2, Rt: 3, Rn: 0, Size: 3},
		},
		"cleared": {
			&OpMemEx{Inst: InstLdxr, Rt: 1, Rn: 0, Size: 3},
			&OpBarrier{Inst: InstClrex},
			&OpMemEx{Inst: InstStxr, Rs: 2, Rt: 3, Rn: 0, Size: 3},
		},
		"unclaimed": {
			&OpMemEx{Inst: InstStxr, Rs: 2, Rt: 3, Rn: 0, Size: 3},
		},
		"other address": {
			&OpMemEx{Inst: InstLdxr, Rt: 1, Rn: 0, Size: 3},
			&OpMemEx{Inst: InstStxr, Rs: 2, Rt: 3, Rn: 5, Size: 3},
		},
		"released": {
			&OpMemEx{Inst: InstLdxr, Rt: 1, Rn: 0, Size: 3},
			&OpMemEx{Inst: InstStxr, Rs: 6, Rt: 3, Rn: 0, Size: 3},
			&OpMemEx{Inst: InstStxr, Rs: 2, Rt: 3, Rn: 0, Size: 3},
		},
		"word": {
			&OpMemEx{Inst: InstLdaxr, Rt: 1, Rn: 0, Size: 2},
			&OpMemEx{Inst: InstStlxr, Rs: 2, Rt: 3, Rn: 0, Size: 2},
		},
	}

	for _, tc := range []struct {
		name   string
		strict bool
		status uint64
		stored uint64
	}{
		{name: "claimed", strict: true, status: 0, stored: value},
		{name: "changed", strict: true, status: 1, stored: intruder},
		{name: "cleared", strict: true, status: 1, stored: 0},
		{name: "unclaimed", strict: true, status: 1, stored: 0},
		{name: "other address", strict: true, status: 1, stored: 0},
		{name: "released", strict: true, status: 1, stored: value},
		{name: "word", strict: true, status: 0, stored: value},
		{name: "claimed", status: 0, stored: value},
		{name: "changed", status: 0, stored: value},
		{name: "cleared", status: 0, stored: value},
		{name: "unclaimed", status: 0, stored: value},
		{name: "word", status: 0, stored: value},
	} {
		tc := tc
		t.Run(fmt.Sprintf("%s strict=%v", tc.name, tc.strict), func(t *testing.T) {
			env := newTestEnv(t, memory.TypeSoftwarePageTable, WithStrictExclusiveMonitor(tc.strict))
			env.add(0x1000, code(0x1000, append(programs[tc.name], halt())...))

			g := env.newThread()
			g.setReg(0, dataBase)
			g.setReg(2, 0xdead)
			g.setReg(3, value)
			g.setReg(4, intruder)
			g.setReg(5, dataBase+8)
			_, err := g.run(0x1000)
			require.NoError(t, err)

			require.Equal(t, tc.status, g.reg(2))
			v, _, err := env.mgr.Read(dataBase, 8)
			require.NoError(t, err)
			require.Equal(t, tc.stored, v)
			if tc.strict {
				claimed, err := env.mem.Uint64(g.ctx + offsets.ExclusiveAddress.U64())
				require.NoError(t, err)
				require.Equal(t, nativeapi.ExclusiveAddressNone, claimed)
			}
		})
	}
}

func TestContext_Emit_barriers(t *testing.T) {
	env := newTestEnv(t, memory.TypeHostMapped)
	b := ir.NewBuilder()
	c := NewContext(b, env.mgr, env.table, env.stub, 0x1000)
	c.Emit(&OpBarrier{Addr: 0x1000, Inst: InstDmb})
	c.Emit(&OpMemEx{Addr: 0x1004, Inst: InstLdar, Rt: 1, Rn: 0, Size: 3})
	c.Emit(&OpMemEx{Addr: 0x1008, Inst: InstStlr, Rt: 1, Rn: 0, Size: 3})
	c.Emit(&OpBarrier{Addr: 0x100c, Inst: InstIsb})
	c.Emit(halt())

	fences := 0
	for cur := b.EntryBlock().Root(); cur != nil; cur = cur.Next() {
		if cur.Opcode() == ir.OpcodeFence {
			fences++
		}
	}
	// dmb, before the acquire load, after the release store, isb.
	require.Equal(t, 4, fences)
	_, err := c.Finalize()
	require.NoError(t, err)
}

func TestContext_EmitIndirectCallOrJump_returnReconciliation(t *testing.T) {
	env := newTestEnv(t, memory.TypeSoftwarePageTable)
	// F calls 0x2000 which returns normally, and continues inline.
	env.add(0x1000,
		code(0x1000, &OpBranch{Inst: InstBl, Target: 0x2000}),
		code(0x1004, movImm(5, 1), halt()),
	)
	env.add(0x2000, code(0x2000, &OpBranchReg{Inst: InstRet, Rn: nativeapi.RegisterLR}))

	// G calls 0x3000 which returns to another address, like a longjmp.
	env.add(0x1100,
		code(0x1100, &OpBranch{Inst: InstBl, Target: 0x3000}),
		code(0x1104, movImm(7, 1), halt()),
	)
	env.add(0x3000, code(0x3000, &OpBranchReg{Inst: InstRet, Rn: 21}))
	env.add(0x5000, code(0x5000, movImm(6, 1), halt()))

	g := env.newThread()
	g.setReg(21, 0x5000)

	dispatches, err := g.run(0x1000)
	require.NoError(t, err)
	require.Equal(t, 1, dispatches)
	require.Equal(t, uint64(1), g.reg(5))
	require.Equal(t, uint64(0x1004), g.reg(nativeapi.RegisterLR))
	require.Equal(t, []uint64{0x1000, 0x2000}, env.translations)

	dispatches, err = g.run(0x1100)
	require.NoError(t, err)
	require.Equal(t, 2, dispatches)
	require.Equal(t, uint64(1), g.reg(6))
	require.Zero(t, g.reg(7))
	require.Equal(t, []uint64{0x1000, 0x2000, 0x1100, 0x3000, 0x5000}, env.translations)

	// The second run goes through the published table slot instead of the dispatch stub.
	dispatches, err = g.run(0x1000)
	require.NoError(t, err)
	require.Equal(t, 1, dispatches)
	require.Equal(t, 5, len(env.translations))
	require.Equal(t, env.translated[0x2000], env.table.Load(0x2000))
}

func TestContext_EmitIndirectCallOrJump_tailCallDepth(t *testing.T) {
	const jumps = 500
	env := newTestEnv(t, memory.TypeHostTracked)
	for i := uint64(0); i < jumps; i++ {
		addr := 0x1_0000 + i*0x10
		env.add(addr, code(addr, &OpBranch{Inst: InstB, Target: addr + 0x10}))
	}
	last := uint64(0x1_0000 + jumps*0x10)
	// The last target is only known at run time, so it goes through the stub.
	env.add(last, code(last, &OpBranchReg{Inst: InstBr, Rn: 1}))
	env.add(last+0x10, code(last+0x10, movImm(2, 42), halt()))

	g := env.newThread()
	g.setReg(1, last+0x10)
	dispatches, err := g.run(0x1_0000)
	require.NoError(t, err)
	require.Equal(t, 1, dispatches)
	require.Equal(t, uint64(42), g.reg(2))
	require.Equal(t, 1, g.th.MaxDepth())
	require.Equal(t, uint64(last+0x10), func() uint64 {
		v, err := env.mem.Uint64(g.ctx + offsets.DispatchAddress.U64())
		require.NoError(t, err)
		return v
	}())
}

func TestContext_EmitDirectCall_selfRecursion(t *testing.T) {
	env := newTestEnv(t, memory.TypeSoftwarePageTable, WithSynchronization(true))
	env.add(0x1000,
		code(0x1000,
			&OpCompareBranch{Inst: InstCbz, Rt: 0, Is64: true, Target: 0x1010},
			addImm(0, 0, ^uint64(0)),
			addImm(1, 1, 1),
			&OpBranch{Inst: InstBl, Target: 0x1000},
		),
		code(0x1010, &OpBranchReg{Inst: InstRet, Rn: nativeapi.RegisterLR}),
	)
	env.add(0x1010, code(0x1010, halt()))

	g := env.newThread()
	g.setReg(0, 3)
	dispatches, err := g.run(0x1000)
	require.NoError(t, err)
	// The return address of the last call is surfaced to the dispatcher.
	require.Equal(t, 2, dispatches)
	require.Equal(t, uint64(3), g.reg(1))
	require.Equal(t, []uint64{0x1000, 0x1010}, env.translations)
	require.Equal(t, 1, g.th.MaxDepth())
}

func TestContext_EmitSynchronization(t *testing.T) {
	t.Run("countdown", func(t *testing.T) {
		env := newTestEnv(t, memory.TypeSoftwarePageTable, WithSynchronization(true))
		env.add(0x1000, code(0x1000, addImm(1, 1, 1), halt()))
		g := env.newThread()
		require.NoError(t, env.mem.Store(g.ctx+offsets.Counter.U64(), 4, 5, 0))

		_, err := g.run(0x1000)
		require.NoError(t, err)
		require.Equal(t, uint64(1), g.reg(1))
		count, _, err := env.mem.Load(g.ctx+offsets.Counter.U64(), 4)
		require.NoError(t, err)
		require.Equal(t, uint64(4), count)
		require.Zero(t, env.checks.Load())
	})

	t.Run("stops backward branches", func(t *testing.T) {
		env := newTestEnv(t, memory.TypeSoftwarePageTable, WithSynchronization(true))
		env.add(0x1000, code(0x1000, addImm(1, 1, 1), &OpBranch{Inst: InstB, Target: 0x1000}))
		g := env.newThread()
		require.NoError(t, env.mem.Store(g.ctx+offsets.Counter.U64(), 4, 3, 0))
		require.NoError(t, env.mem.Store(g.ctx+offsets.Running.U64(), 4, 0, 0))

		dispatches, err := g.run(0x1000)
		require.NoError(t, err)
		require.Equal(t, 1, dispatches)
		require.Equal(t, uint64(3), g.reg(1))
		require.Equal(t, int32(1), env.checks.Load())
	})

	t.Run("keeps running", func(t *testing.T) {
		env := newTestEnv(t, memory.TypeSoftwarePageTable, WithSynchronization(true))
		env.syncInterval = 2
		env.add(0x1000, code(0x1000,
			addImm(1, 1, 1),
			&OpCompareBranch{Inst: InstCbnz, Rt: 2, Target: 0x1000},
		))
		env.add(0x1008, code(0x1008, halt()))
		g := env.newThread()
		require.NoError(t, env.mem.Store(g.ctx+offsets.Counter.U64(), 4, 0, 0))
		// w2 is zero but x2 is not: CBNZ w2 falls through.
		g.setReg(2, 1<<32)

		_, err := g.run(0x1000)
		require.NoError(t, err)
		require.Equal(t, uint64(1), g.reg(1))
		// The first entry synchronizes, then the branch and the entry of 0x1008 count down.
		require.Equal(t, int32(1), env.checks.Load())
		count, _, err := env.mem.Load(g.ctx+offsets.Counter.U64(), 4)
		require.NoError(t, err)
		require.Zero(t, count)
		require.Equal(t, []uint64{0x1000, 0x1008}, env.translations)
	})

	t.Run("reloads registers after checking", func(t *testing.T) {
		env := newTestEnv(t, memory.TypeSoftwarePageTable, WithSynchronization(true))
		env.onCheck = func(ctx uint64) {
			// Stops the loop if x2 was read from a stale value.
			if env.checks.Load() > 1 {
				require.NoError(t, env.mem.Store(ctx+offsets.Running.U64(), 4, 0, 0))
			}
			require.NoError(t, env.mem.PutUint64(ctx+offsets.Register(2).U64(), 0))
		}
		env.add(0x1000, code(0x1000,
			addImm(2, 2, 1),
			&OpCompareBranch{Inst: InstCbnz, Rt: 2, Is64: true, Target: 0x1000},
		))
		env.add(0x1008, code(0x1008, halt()))
		g := env.newThread()
		require.NoError(t, env.mem.Store(g.ctx+offsets.Counter.U64(), 4, 1, 0))

		_, err := g.run(0x1000)
		require.NoError(t, err)
		require.Equal(t, int32(1), env.checks.Load())
		require.Zero(t, g.reg(2))
		require.Equal(t, []uint64{0x1000, 0x1008}, env.translations)
	})
}

func TestContext_Finalize_exits(t *testing.T) {
	env := newTestEnv(t, memory.TypeSoftwarePageTable)
	b := ir.NewBuilder()
	c := NewContext(b, env.mgr, env.table, env.stub, 0x1000)
	c.EmitBlocks([]Block{code(0x1000,
		&OpCompareBranch{Inst: InstCbz, Rt: 0, Is64: true, Target: 0x9000},
		&OpCompareBranch{Inst: InstCbz, Rt: 1, Is64: true, Target: 0x1002},
		movImm(2, 1),
	)})
	f, err := c.Finalize()
	require.NoError(t, err)

	var tail, stub int
	for _, blk := range f.Blocks() {
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			switch cur.Opcode() {
			case ir.OpcodeTailCallIndirect:
				tail++
			case ir.OpcodeIconst:
				if lo, _ := cur.ConstantVal(); lo == env.stub {
					stub++
				}
			}
		}
	}
	// 0x9000, the misaligned 0x1002, and the fall through at 0x100c.
	require.Equal(t, 3, tail)
	require.Equal(t, 1, stub, "only the misaligned target has no table slot")
	require.Equal(t, 2, env.table.Leaves())
}

func TestContext_aarch32(t *testing.T) {
	env := newTestEnv(t, memory.TypeSoftwarePageTable, WithMode(ModeAarch32))
	require.NoError(t, env.mgr.Write(dataBase, 8, 0xffff_ffff_8000_0001, 0))
	env.add(0x1000, code(0x1000,
		&OpMem{Inst: InstLdr, Rt: 1, Rn: 0, Size: 2},
		&OpMem{Inst: InstLdr, Rt: 2, Rn: 0, Offset: 4, Size: 1, Signed: true},
		&OpMemEx{Inst: InstLdxp, Rt: 3, Rt2: 4, Rn: 0, Size: 2},
		halt(),
	))

	g := env.newThread()
	g.setReg(0, 0xdead_0000_0000|dataBase)
	_, err := g.run(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8000_0001), g.reg(1))
	require.Equal(t, uint64(0xffff_ffff), g.reg(2))
	require.Equal(t, uint64(0x8000_0001), g.reg(3))
	require.Equal(t, uint64(0xffff_ffff), g.reg(4))
}

func TestParseMode(t *testing.T) {
	for _, tc := range []struct {
		in  string
		exp Mode
	}{
		{in: "aarch64", exp: ModeAarch64},
		{in: "A64", exp: ModeAarch64},
		{in: "aarch32", exp: ModeAarch32},
		{in: "a32", exp: ModeAarch32},
	} {
		m, err := ParseMode(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.exp, m)
	}

	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("aarch32")))
	require.Equal(t, "aarch32", m.String())
	require.Error(t, m.UnmarshalText([]byte("thumb")))
}

func TestContext_emitRejitCheck(t *testing.T) {
	t.Run("enqueues once", func(t *testing.T) {
		env := newTestEnv(t, memory.TypeSoftwarePageTable)
		counter := env.counter()
		env.opts = []Option{WithRejitCounter(counter)}
		env.add(0x1000, code(0x1000, addImm(1, 1, 1), halt()))
		g := env.newThread()
		for i := 0; i < RejitThreshold+50; i++ {
			_, err := g.run(0x1000)
			require.NoError(t, err)
		}
		require.Equal(t, uint64(RejitThreshold+50), g.reg(1))
		require.Equal(t, []uint64{0x1000}, env.enqueued)
		count, _, err := env.mem.Load(counter, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(RejitThreshold+50), count)
	})

	t.Run("counts calls not iterations", func(t *testing.T) {
		env := newTestEnv(t, memory.TypeSoftwarePageTable)
		counter := env.counter()
		env.opts = []Option{WithRejitCounter(counter)}
		env.add(0x1000, code(0x1000,
			addImm(2, 2, ^uint64(0)),
			&OpCompareBranch{Inst: InstCbnz, Rt: 2, Is64: true, Target: 0x1000},
			halt(),
		))
		g := env.newThread()
		g.setReg(2, 2*RejitThreshold)
		_, err := g.run(0x1000)
		require.NoError(t, err)
		require.Zero(t, g.reg(2))
		require.Empty(t, env.enqueued)
		count, _, err := env.mem.Load(counter, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(1), count)
	})
}

func TestContext_singleStep(t *testing.T) {
	for _, tc := range []struct {
		name   string
		op     OpCode
		next   uint64
		x1, lr uint64
	}{
		{name: "falls through", op: addImm(1, 1, 1), next: 0x1004, x1: 1},
		{name: "branch to itself", op: &OpBranch{Inst: InstB, Target: 0x1000}, next: 0x1000},
		{name: "branch", op: &OpBranch{Inst: InstB, Target: 0x8000}, next: 0x8000},
		{name: "call", op: &OpBranch{Inst: InstBl, Target: 0x1000}, next: 0x1000, lr: 0x1004},
		{name: "taken compare branch", op: &OpCompareBranch{Inst: InstCbz, Rt: 1, Is64: true, Target: 0x2000}, next: 0x2000},
		{name: "return", op: &OpBranchReg{Inst: InstRet, Rn: 3}, next: 0x3000},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, memory.TypeSoftwarePageTable, WithSingleStep(true))
			env.add(0x1000, code(0x1000, tc.op, addImm(1, 1, 1), halt()))
			g := env.newThread()
			g.setReg(3, 0x3000)

			host, err := env.getOrTranslate(0x1000)
			require.NoError(t, err)
			res, err := g.th.Call(host, interpreter.Word{Lo: g.ctx})
			require.NoError(t, err)
			require.Equal(t, tc.next, res.Lo)
			require.Equal(t, tc.x1, g.reg(1))
			require.Equal(t, tc.lr, g.reg(nativeapi.RegisterLR))
			// Nothing else was translated or called.
			require.Equal(t, []uint64{0x1000}, env.translations)
			require.Equal(t, 1, g.th.MaxDepth())
		})
	}
}

func TestContext_WithOptimizations(t *testing.T) {
	unused := &OpExternal{Name: "unused", Emit: func(c *Context) {
		c.binary(ir.OpcodeIadd, c.Const(1), c.Const(2))
	}}
	for _, optimize := range []bool{false, true} {
		env := newTestEnv(t, memory.TypeSoftwarePageTable)
		c := NewContext(ir.NewBuilder(), env.mgr, env.table, env.stub, 0x1000, WithOptimizations(optimize))
		c.EmitBlocks([]Block{code(0x1000, unused, addImm(1, 1, 2), halt())})
		f, err := c.Finalize()
		require.NoError(t, err)
		// Only the addition of x1 is left.
		adds := 2
		if optimize {
			adds = 1
		}
		require.Equal(t, adds, strings.Count(f.Format(), "Iadd"))
	}

	env := newTestEnv(t, memory.TypeSoftwarePageTable, WithOptimizations(true))
	env.add(0x1000, code(0x1000, unused, addImm(1, 1, 2), halt()))
	g := env.newThread()
	_, err := g.run(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(2), g.reg(1))
}
