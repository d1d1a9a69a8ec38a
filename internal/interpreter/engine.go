// Package interpreter executes finalized IR functions against host memory. It plays the role
// of lowered host code: every registered function or trampoline gets a host entry address
// inside a reserved code region, and calls between them go through those addresses exactly as
// emitted indirect calls and tail calls would.
package interpreter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/guestjit/internal/hostmem"
	"github.com/tetratelabs/guestjit/internal/ir"
)

// Word is the runtime representation of an IR value. Integers are zero extended into Lo,
// and Hi holds the upper half of 128-bit vectors.
type Word struct {
	Lo, Hi uint64
}

// NativeFunc implements a host routine called with OpcodeCall or OpcodeRaise.
// Routines called with OpcodeRaise must return a non nil error.
type NativeFunc func(t *Thread, args []Word) (Word, error)

// Trampoline is a host entry implemented in Go. It returns the entry address that the call is
// transferred to with the same arguments, as if the trampoline ended with a tail call.
type Trampoline func(t *Thread, args []Word) (uint64, error)

const (
	// codeRegionSize is the size of the host range entry addresses are handed out from.
	codeRegionSize = 1 << 32
	// entryAlignment is the distance between consecutive entry addresses.
	entryAlignment = 16

	defaultMaxCallDepth = 1 << 12
)

var (
	// ErrCallStackOverflow is returned when nested calls exceed the configured depth.
	ErrCallStackOverflow = errors.New("call stack overflow")
	// ErrInvalidEntry is returned when control is transferred to an address that is not a registered entry.
	ErrInvalidEntry = errors.New("jump to an address which is not a host entry point")
	// ErrUnknownNative is returned when a call references a native that was not registered.
	ErrUnknownNative = errors.New("call to an unregistered native function")
	// ErrCodeExhausted is returned when no more entry addresses can be allocated.
	ErrCodeExhausted = errors.New("code region exhausted")
)

type entry struct {
	fn         *ir.Function
	trampoline Trampoline
}

// Engine owns the registered code. It is safe for concurrent use.
type Engine struct {
	mem          *hostmem.Memory
	code         *hostmem.Region
	maxCallDepth int

	// mux guards entries, nextEntry and natives.
	mux       sync.RWMutex
	entries   map[uint64]entry
	nextEntry uint64
	natives   []NativeFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxCallDepth limits the depth of nested calls per Thread. Tail calls do not count.
func WithMaxCallDepth(depth int) Option {
	return func(e *Engine) { e.maxCallDepth = depth }
}

// NewEngine returns an Engine executing code against mem.
func NewEngine(mem *hostmem.Memory, opts ...Option) (*Engine, error) {
	code, err := mem.Map(codeRegionSize)
	if err != nil {
		return nil, fmt.Errorf("reserve code region: %w", err)
	}
	e := &Engine{
		mem:          mem,
		code:         code,
		maxCallDepth: defaultMaxCallDepth,
		entries:      map[uint64]entry{},
		nextEntry:    code.Base(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Memory returns the host memory the code runs against.
func (e *Engine) Memory() *hostmem.Memory {
	return e.mem
}

// RegisterNative binds the routine called by OpcodeCall and OpcodeRaise with the given ref.
func (e *Engine) RegisterNative(ref ir.FuncRef, fn NativeFunc) {
	e.mux.Lock()
	defer e.mux.Unlock()
	if int(ref) >= len(e.natives) {
		e.natives = append(e.natives, make([]NativeFunc, int(ref)+1-len(e.natives))...)
	}
	e.natives[ref] = fn
}

func (e *Engine) native(ref ir.FuncRef) NativeFunc {
	e.mux.RLock()
	defer e.mux.RUnlock()
	if int(ref) < len(e.natives) {
		return e.natives[ref]
	}
	return nil
}

func (e *Engine) register(en entry) (uint64, error) {
	e.mux.Lock()
	defer e.mux.Unlock()
	addr := e.nextEntry
	if addr >= e.code.End() {
		return 0, ErrCodeExhausted
	}
	e.nextEntry += entryAlignment
	e.entries[addr] = en
	return addr, nil
}

// Register makes fn callable and returns its host entry address.
func (e *Engine) Register(fn *ir.Function) (uint64, error) {
	return e.register(entry{fn: fn})
}

// RegisterTrampoline makes tr callable and returns its host entry address.
func (e *Engine) RegisterTrampoline(tr Trampoline) (uint64, error) {
	return e.register(entry{trampoline: tr})
}

// Unregister releases the entry at addr. Threads already running it are not affected.
func (e *Engine) Unregister(addr uint64) {
	e.mux.Lock()
	defer e.mux.Unlock()
	delete(e.entries, addr)
}

// Function returns the function registered at addr.
func (e *Engine) Function(addr uint64) (*ir.Function, bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	en, ok := e.entries[addr]
	return en.fn, ok && en.fn != nil
}

func (e *Engine) lookup(addr uint64) (entry, error) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	en, ok := e.entries[addr]
	if !ok {
		return entry{}, fmt.Errorf("%w: %#x", ErrInvalidEntry, addr)
	}
	return en, nil
}

// Thread is the execution state of one guest thread. It must only be used by one goroutine at a time.
type Thread struct {
	e               *Engine
	depth, maxDepth int

	// Data is free for the embedder, typically the guest execution context.
	Data any
}

// NewThread returns a Thread executing code of this engine.
func (e *Engine) NewThread() *Thread {
	return &Thread{e: e}
}

// Engine returns the engine this thread executes.
func (t *Thread) Engine() *Engine {
	return t.e
}

// Depth returns the current number of nested calls.
func (t *Thread) Depth() int {
	return t.depth
}

// MaxDepth returns the deepest nesting observed since the thread was created.
func (t *Thread) MaxDepth() int {
	return t.maxDepth
}

// Call executes the entry at addr with args and returns its result. Tail calls made by the
// callee are followed without growing the depth.
func (t *Thread) Call(addr uint64, args ...Word) (Word, error) {
	if t.depth >= t.e.maxCallDepth {
		return Word{}, ErrCallStackOverflow
	}
	t.depth++
	if t.depth > t.maxDepth {
		t.maxDepth = t.depth
	}
	defer func() { t.depth-- }()

	for {
		en, err := t.e.lookup(addr)
		if err != nil {
			return Word{}, err
		}
		if en.trampoline != nil {
			if addr, err = en.trampoline(t, args); err != nil {
				return Word{}, err
			}
			continue
		}

		f := frame{t: t, fn: en.fn, values: make([]Word, en.fn.ValueCount())}
		res, tail, err := f.run(args)
		if err != nil {
			return Word{}, err
		}
		if tail == nil {
			return res, nil
		}
		addr, args = tail.callee, tail.args
	}
}
