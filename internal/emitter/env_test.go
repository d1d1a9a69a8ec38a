package emitter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/guestjit/internal/functable"
	"github.com/tetratelabs/guestjit/internal/hostmem"
	"github.com/tetratelabs/guestjit/internal/interpreter"
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/memory"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

const (
	testAddressBits = 32
	// dataBase is mapped guest memory the test programs access.
	dataBase = 0x10_0000
	dataSize = 4 * memory.PageSize
)

var offsets = &nativeapi.NativeContextOffsets

// testEnv runs guest programs given as decoded blocks per unit entry address.
type testEnv struct {
	t      *testing.T
	mem    *hostmem.Memory
	mgr    *memory.Manager
	engine *interpreter.Engine
	table  *functable.Table
	stub   uint64
	opts   []Option

	// syncInterval is the counter value CheckSynchronization resets to.
	syncInterval uint32
	checks       atomic.Int32
	// onCheck runs in CheckSynchronization, the way an interrupt handler does.
	onCheck func(ctx uint64)
	// enqueued lists the addresses passed to EnqueueForRejit.
	enqueued []uint64

	mux          sync.Mutex
	program      map[uint64][]Block
	translated   map[uint64]uint64
	translations []uint64
}

func newTestEnv(t *testing.T, typ memory.Type, opts ...Option) *testEnv {
	env := &testEnv{
		t:            t,
		mem:          hostmem.New(),
		opts:         opts,
		syncInterval: 1000,
		program:      map[uint64][]Block{},
		translated:   map[uint64]uint64{},
	}
	var err error
	env.mgr, err = memory.NewManager(env.mem, typ, testAddressBits)
	require.NoError(t, err)
	require.NoError(t, env.mgr.Map(dataBase, dataSize))

	env.engine, err = interpreter.NewEngine(env.mem, interpreter.WithMaxCallDepth(64))
	require.NoError(t, err)
	env.bindNatives()

	env.stub, err = env.engine.RegisterTrampoline(func(th *interpreter.Thread, args []interpreter.Word) (uint64, error) {
		target, err := env.mem.Uint64(args[0].Lo + offsets.DispatchAddress.U64())
		if err != nil {
			return 0, err
		}
		return env.getOrTranslate(target)
	})
	require.NoError(t, err)

	env.table, err = functable.New(env.mem, testAddressBits, 2, env.stub)
	require.NoError(t, err)
	return env
}

func (env *testEnv) bindNatives() {
	mgr, e := env.mgr, env.engine
	for size := 0; size <= 4; size++ {
		size := size
		e.RegisterNative(ir.FuncRef(nativeapi.NativeRead(size)), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
			lo, hi, err := mgr.Read(args[0].Lo, 1<<size)
			return interpreter.Word{Lo: lo, Hi: hi}, err
		})
		e.RegisterNative(ir.FuncRef(nativeapi.NativeWrite(size)), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
			return interpreter.Word{}, mgr.Write(args[0].Lo, 1<<size, args[1].Lo, args[1].Hi)
		})
	}
	e.RegisterNative(ir.FuncRef(nativeapi.NativeSignalMemoryTracking), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
		return interpreter.Word{}, mgr.SignalMemoryTracking(args[0].Lo, args[1].Lo, args[2].Lo != 0)
	})
	e.RegisterNative(ir.FuncRef(nativeapi.NativeThrowInvalidMemoryAccess), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
		return interpreter.Word{}, &memory.InvalidAccessError{Address: args[0].Lo}
	})
	e.RegisterNative(ir.FuncRef(nativeapi.NativeEnqueueForRejit), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
		env.mux.Lock()
		defer env.mux.Unlock()
		env.enqueued = append(env.enqueued, args[0].Lo)
		return interpreter.Word{}, nil
	})
	e.RegisterNative(ir.FuncRef(nativeapi.NativeCheckSynchronization), func(th *interpreter.Thread, _ []interpreter.Word) (interpreter.Word, error) {
		env.checks.Add(1)
		ctx := th.Data.(uint64)
		if env.onCheck != nil {
			env.onCheck(ctx)
		}
		if err := env.mem.Store(ctx+offsets.Counter.U64(), 4, uint64(env.syncInterval), 0); err != nil {
			return interpreter.Word{}, err
		}
		running, _, err := env.mem.Load(ctx+offsets.Running.U64(), 4)
		return interpreter.Word{Lo: running}, err
	})
}

// add registers the blocks of the unit at addr.
func (env *testEnv) add(addr uint64, blocks ...Block) {
	env.mux.Lock()
	defer env.mux.Unlock()
	env.program[addr] = blocks
}

// code returns a single block unit at addr made of ops, whose addresses are assigned in order.
func code(addr uint64, ops ...OpCode) Block {
	for i, op := range ops {
		a := addr + uint64(i)*InstructionSize
		switch op := op.(type) {
		case *OpMem:
			op.Addr = a
		case *OpMemLane:
			op.Addr = a
		case *OpMemEx:
			op.Addr = a
		case *OpBarrier:
			op.Addr = a
		case *OpBranch:
			op.Addr = a
		case *OpBranchReg:
			op.Addr = a
		case *OpCompareBranch:
			op.Addr = a
		case *OpExternal:
			op.Addr = a
		}
	}
	return Block{Address: addr, EndAddress: addr + uint64(len(ops))*InstructionSize, OpCodes: ops}
}

func (env *testEnv) getOrTranslate(addr uint64) (uint64, error) {
	env.mux.Lock()
	defer env.mux.Unlock()
	if host, ok := env.translated[addr]; ok {
		return host, nil
	}
	blocks, ok := env.program[addr]
	if !ok {
		return 0, fmt.Errorf("no code at %#x", addr)
	}

	c := NewContext(ir.NewBuilder(), env.mgr, env.table, env.stub, addr, env.opts...)
	c.EmitBlocks(blocks)
	f, err := c.Finalize()
	if err != nil {
		return 0, err
	}
	host, err := env.engine.Register(f)
	if err != nil {
		return 0, err
	}
	if err = env.table.Store(addr, host); err != nil {
		return 0, err
	}
	env.translated[addr] = host
	env.translations = append(env.translations, addr)
	return host, nil
}

// counter returns a zeroed 32-bit rejit counter.
func (env *testEnv) counter() uint64 {
	r, err := env.mem.Map(hostmem.PageSize)
	require.NoError(env.t, err)
	return r.Base()
}

// guestThread is one guest thread with its native context.
type guestThread struct {
	env *testEnv
	th  *interpreter.Thread
	ctx uint64
}

func (env *testEnv) newThread() *guestThread {
	r, err := env.mem.Map(offsets.Size.U64())
	require.NoError(env.t, err)
	g := &guestThread{env: env, th: env.engine.NewThread(), ctx: r.Base()}
	g.th.Data = g.ctx
	require.NoError(env.t, env.mem.Store(g.ctx+offsets.Counter.U64(), 4, uint64(env.syncInterval), 0))
	require.NoError(env.t, env.mem.Store(g.ctx+offsets.Running.U64(), 4, 1, 0))
	require.NoError(env.t, env.mem.PutUint64(g.ctx+offsets.ExclusiveAddress.U64(), nativeapi.ExclusiveAddressNone))
	return g
}

func (g *guestThread) storeReg(n int, v uint64) error {
	return g.env.mem.PutUint64(g.ctx+offsets.Register(n).U64(), v)
}

func (g *guestThread) loadReg(n int) (uint64, error) {
	return g.env.mem.Uint64(g.ctx + offsets.Register(n).U64())
}

func (g *guestThread) setReg(n int, v uint64) {
	require.NoError(g.env.t, g.storeReg(n, v))
}

func (g *guestThread) reg(n int) uint64 {
	v, err := g.loadReg(n)
	require.NoError(g.env.t, err)
	return v
}

func (g *guestThread) vec(n int) interpreter.Word {
	lo, hi, err := g.env.mem.Load(g.ctx+offsets.Vector(n).U64(), 16)
	require.NoError(g.env.t, err)
	return interpreter.Word{Lo: lo, Hi: hi}
}

// run dispatches from addr until a unit returns zero, and returns the number of dispatches.
// It does not use testing.T so that it can run on other goroutines.
func (g *guestThread) run(addr uint64) (dispatches int, err error) {
	for addr != 0 {
		host, err := g.env.getOrTranslate(addr)
		if err != nil {
			return dispatches, err
		}
		res, err := g.th.Call(host, interpreter.Word{Lo: g.ctx})
		if err != nil {
			return dispatches, err
		}
		dispatches++
		addr = res.Lo
	}
	return dispatches, nil
}

// External helpers standing in for the arithmetic emitters.

func addImm(rd, rn int, imm uint64) *OpExternal {
	return &OpExternal{Name: fmt.Sprintf("add x%d, x%d, #%d", rd, rn, imm), Emit: func(c *Context) {
		c.SetInt(rd, c.binary(ir.OpcodeIadd, c.GetIntOrZR(rn), c.Const(imm)))
	}}
}

func movImm(rd int, imm uint64) *OpExternal {
	return &OpExternal{Name: fmt.Sprintf("mov x%d, #%#x", rd, imm), Emit: func(c *Context) {
		c.SetInt(rd, c.Const(imm))
	}}
}

// regHalt holds zero in every test, so that returning through it stops the dispatcher.
const regHalt = 19

func halt() *OpBranchReg {
	return &OpBranchReg{Inst: InstRet, Rn: regHalt}
}
