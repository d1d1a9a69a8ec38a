package guestjit

import (
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/guestjit/internal/hostmem"
	"github.com/tetratelabs/guestjit/internal/interpreter"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// InterruptHandler is called on the guest thread at the first synchronization point after
// ExecutionContext.RequestInterrupt.
type InterruptHandler func(ctx *ExecutionContext)

// ExecutionContext is the state of one guest thread: the native context emitted code accesses
// through its only parameter, and the thread the code runs on.
//
// Register accessors may be used while the thread is not executing. StopRunning and
// RequestInterrupt may be called from any goroutine.
type ExecutionContext struct {
	mem    *hostmem.Memory
	region *hostmem.Region
	thread *interpreter.Thread

	syncInterval uint32
	interrupted  atomic.Bool
	onInterrupt  InterruptHandler
}

var offsets = &nativeapi.NativeContextOffsets

// NewExecutionContext returns the context of a new guest thread in the running state.
func (t *Translator) NewExecutionContext() (*ExecutionContext, error) {
	region, err := t.mem.Map(offsets.Size.U64())
	if err != nil {
		return nil, fmt.Errorf("allocate native context: %w", err)
	}
	ctx := &ExecutionContext{
		mem:          t.mem,
		region:       region,
		thread:       t.engine.NewThread(),
		syncInterval: t.config.syncInterval,
	}
	ctx.thread.Data = ctx
	if err = ctx.store32(offsets.Counter, ctx.syncInterval); err != nil {
		return nil, err
	}
	if err = ctx.store32(offsets.Running, 1); err != nil {
		return nil, err
	}
	if err = ctx.put(offsets.ExclusiveAddress, nativeapi.ExclusiveAddressNone); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Close releases the native context. The context must not be used afterwards.
func (c *ExecutionContext) Close() error {
	return c.mem.Unmap(c.region.Base())
}

// NativeContextPointer returns the host address of the native context.
func (c *ExecutionContext) NativeContextPointer() uint64 {
	return c.region.Base()
}

func (c *ExecutionContext) addr(o nativeapi.Offset) uint64 {
	return c.region.Base() + o.U64()
}

func (c *ExecutionContext) get(o nativeapi.Offset) (uint64, error) {
	return c.mem.Uint64(c.addr(o))
}

func (c *ExecutionContext) put(o nativeapi.Offset, v uint64) error {
	return c.mem.PutUint64(c.addr(o), v)
}

func (c *ExecutionContext) load32(o nativeapi.Offset) (uint32, error) {
	v, _, err := c.mem.AtomicLoad(c.addr(o), 4)
	return uint32(v), err
}

func (c *ExecutionContext) store32(o nativeapi.Offset, v uint32) error {
	return c.mem.AtomicStore(c.addr(o), 4, uint64(v), 0)
}

// Register returns the integer register n, where 31 is the stack pointer.
func (c *ExecutionContext) Register(n int) (uint64, error) {
	if n < 0 || n >= nativeapi.IntRegisterCount {
		return 0, fmt.Errorf("register %d out of range", n)
	}
	return c.get(offsets.Register(n))
}

// SetRegister sets the integer register n, where 31 is the stack pointer.
func (c *ExecutionContext) SetRegister(n int, v uint64) error {
	if n < 0 || n >= nativeapi.IntRegisterCount {
		return fmt.Errorf("register %d out of range", n)
	}
	return c.put(offsets.Register(n), v)
}

// Vector returns the low and high halves of the vector register n.
func (c *ExecutionContext) Vector(n int) (lo, hi uint64, err error) {
	if n < 0 || n >= nativeapi.VecRegisterCount {
		return 0, 0, fmt.Errorf("vector register %d out of range", n)
	}
	return c.mem.Load(c.addr(offsets.Vector(n)), 16)
}

// SetVector sets the vector register n.
func (c *ExecutionContext) SetVector(n int, lo, hi uint64) error {
	if n < 0 || n >= nativeapi.VecRegisterCount {
		return fmt.Errorf("vector register %d out of range", n)
	}
	return c.mem.Store(c.addr(offsets.Vector(n)), 16, lo, hi)
}

// Running returns false once StopRunning was called.
func (c *ExecutionContext) Running() bool {
	v, err := c.load32(offsets.Running)
	return err == nil && v != 0
}

// StopRunning makes the thread return from Translator.Execute at the next synchronization
// point or return to the dispatcher.
func (c *ExecutionContext) StopRunning() {
	_ = c.store32(offsets.Running, 0)
	_ = c.store32(offsets.Counter, 0)
}

// SetInterruptHandler sets the handler called by the thread after RequestInterrupt.
func (c *ExecutionContext) SetInterruptHandler(h InterruptHandler) {
	c.onInterrupt = h
}

// RequestInterrupt makes the thread call its interrupt handler at the next synchronization point.
func (c *ExecutionContext) RequestInterrupt() {
	c.interrupted.Store(true)
	_ = c.store32(offsets.Counter, 0)
}

// checkSynchronization is called by emitted code when the countdown reaches zero.
// It resets the countdown and returns true if the thread keeps running.
func (c *ExecutionContext) checkSynchronization() (bool, error) {
	if err := c.store32(offsets.Counter, c.syncInterval); err != nil {
		return false, err
	}
	if c.interrupted.CompareAndSwap(true, false) && c.onInterrupt != nil {
		c.onInterrupt(c)
	}
	return c.Running(), nil
}

// ClearExclusive releases the exclusive monitor of the thread.
func (c *ExecutionContext) ClearExclusive() error {
	return c.put(offsets.ExclusiveAddress, nativeapi.ExclusiveAddressNone)
}
