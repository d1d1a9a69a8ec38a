// Package guestjit translates guest code into IR units that access guest memory through a
// software managed address space and link to each other through a function table, and runs
// them on guest threads.
package guestjit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/guestjit/internal/emitter"
	"github.com/tetratelabs/guestjit/internal/functable"
	"github.com/tetratelabs/guestjit/internal/hostmem"
	"github.com/tetratelabs/guestjit/internal/interpreter"
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/memory"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// TranslatedFunction is a translated unit.
type TranslatedFunction struct {
	// GuestAddress is the guest address of the unit entry.
	GuestAddress uint64
	// GuestStart and GuestEnd bound the guest code the unit was translated from.
	GuestStart, GuestEnd uint64
	// HostEntry is the host address the unit is called at.
	HostEntry uint64
	// Function is the finalized IR of the unit.
	Function *ir.Function
	// HighQuality is set on units translated with optimizations. Units translated without
	// count their calls and are translated again once they are called often enough.
	HighQuality bool

	// counter is the host address of the call counter of a low quality unit, or zero.
	counter uint64
}

func (f *TranslatedFunction) overlaps(address, size uint64) bool {
	return f.GuestStart < address+size && address < f.GuestEnd
}

// Translator translates guest code on demand and dispatches guest threads through it.
// It is safe for concurrent use.
type Translator struct {
	config  *TranslatorConfig
	logger  logrus.FieldLogger
	decoder Decoder

	mem     *hostmem.Memory
	manager *memory.Manager
	engine  *interpreter.Engine
	table   *functable.Table
	// stub is the host entry of the dispatch stub, and the fill of the function table.
	stub uint64

	emitterOptions []emitter.Option
	builders       sync.Pool

	counters *functable.Counters
	rejit    *rejitQueue

	// threadMux guards threads and the background translation workers running while it is
	// not zero.
	threadMux   sync.Mutex
	threads     int
	stopWorkers context.CancelFunc
	workers     *errgroup.Group

	// mux guards functions and retired.
	mux       sync.RWMutex
	functions map[uint64]*TranslatedFunction
	// retired holds invalidated functions threads may still be running.
	retired []*TranslatedFunction
}

// NewTranslator returns a Translator decoding guest code with decoder.
func NewTranslator(decoder Decoder, config *TranslatorConfig) (*Translator, error) {
	if config == nil {
		config = NewTranslatorConfig()
	}
	t := &Translator{
		config:    config,
		logger:    config.logger.WithField("mode", config.mode.String()),
		decoder:   decoder,
		mem:       hostmem.New(),
		functions: map[uint64]*TranslatedFunction{},
		builders:  sync.Pool{New: func() any { return ir.NewBuilder() }},
		rejit:     newRejitQueue(),
	}
	t.counters = functable.NewCounters(t.mem)

	var opts []memory.Option
	if config.trackingHandler != nil {
		opts = append(opts, memory.WithTrackingHandler(config.trackingHandler))
	}
	var err error
	if t.manager, err = memory.NewManager(t.mem, config.memoryType, config.effectiveAddressBits(config.addressSpaceBits), opts...); err != nil {
		return nil, err
	}
	if t.engine, err = interpreter.NewEngine(t.mem, interpreter.WithMaxCallDepth(config.maxCallDepth)); err != nil {
		return nil, err
	}
	t.bindNatives()
	if t.stub, err = t.engine.RegisterTrampoline(t.dispatch); err != nil {
		return nil, err
	}

	alignmentBits := 2
	if config.mode == emitter.ModeAarch32 {
		// Thumb instructions are halfword aligned.
		alignmentBits = 1
	}
	if t.table, err = functable.New(t.mem, config.effectiveAddressBits(config.functionTableBits), alignmentBits, t.stub); err != nil {
		return nil, err
	}

	t.emitterOptions = []emitter.Option{
		emitter.WithMode(config.mode),
		emitter.WithStrictExclusiveMonitor(config.strictExclusive),
		emitter.WithSynchronization(config.syncInterval != 0),
	}
	t.logger.WithFields(logrus.Fields{
		"memory_type":   config.memoryType.String(),
		"address_bits":  t.manager.AddressSpaceBits(),
		"dispatch_stub": fmt.Sprintf("%#x", t.stub),
		"tiered":        config.tieredCompilation,
	}).Debug("translator ready")
	return t, nil
}

// Memory returns the guest memory manager.
func (t *Translator) Memory() *memory.Manager {
	return t.manager
}

// Lookup returns the translated function at address, if any.
func (t *Translator) Lookup(address uint64) (*TranslatedFunction, bool) {
	t.mux.RLock()
	defer t.mux.RUnlock()
	f, ok := t.functions[address]
	return f, ok
}

// Len returns the number of live translated functions.
func (t *Translator) Len() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return len(t.functions)
}

// FunctionTableEntry returns the host entry the function table holds for address, which is the
// dispatch stub until a function is published there.
func (t *Translator) FunctionTableEntry(address uint64) uint64 {
	return t.table.Load(address)
}

// DispatchStub returns the host entry of the dispatch stub.
func (t *Translator) DispatchStub() uint64 {
	return t.stub
}

// GetOrTranslate returns the function at address, translating it if needed. Concurrent
// translations of the same address race: the first one cached wins, and is published in the
// function table.
func (t *Translator) GetOrTranslate(address uint64) (*TranslatedFunction, error) {
	if f, ok := t.Lookup(address); ok {
		return f, nil
	}
	f, err := t.Translate(address)
	if err != nil {
		return nil, err
	}

	t.mux.Lock()
	if old, ok := t.functions[address]; ok {
		t.mux.Unlock()
		t.release(f)
		return old, nil
	}
	t.functions[address] = f
	if t.table.IsValid(address) {
		err = t.table.Store(address, f.HostEntry)
	}
	t.mux.Unlock()
	if err != nil {
		return nil, fmt.Errorf("publish %#x: %w", address, err)
	}

	t.logger.WithFields(logrus.Fields{
		"guest_address": fmt.Sprintf("%#x", address),
		"host_entry":    fmt.Sprintf("%#x", f.HostEntry),
	}).Debug("published translation")
	return f, nil
}

// Translate translates the unit at address without caching it. With tiered compilation the
// unit is translated without optimizations and counts its calls, otherwise it is optimized.
func (t *Translator) Translate(address uint64) (*TranslatedFunction, error) {
	return t.translate(address, !t.config.tieredCompilation, false)
}

// release drops a function that was never published.
func (t *Translator) release(f *TranslatedFunction) {
	t.engine.Unregister(f.HostEntry)
	if f.counter != 0 {
		t.counters.Free(f.counter)
	}
}

func (t *Translator) translate(address uint64, highQuality, singleStep bool) (f *TranslatedFunction, err error) {
	blocks, err := t.decoder.Decode(address, t.config.mode)
	if err != nil {
		return nil, fmt.Errorf("translate %#x: %w", address, err)
	}
	if singleStep {
		blocks = firstInstruction(blocks, address)
	}

	opts := t.emitterOptions
	var counter uint64
	switch {
	case singleStep:
		opts = append(opts[:len(opts):len(opts)], emitter.WithSingleStep(true))
	case highQuality:
		opts = append(opts[:len(opts):len(opts)], emitter.WithOptimizations(true))
	default:
		if counter, err = t.counters.Allocate(); err != nil {
			return nil, fmt.Errorf("translate %#x: %w", address, err)
		}
		opts = append(opts[:len(opts):len(opts)], emitter.WithRejitCounter(counter))
	}

	b := t.builders.Get().(ir.Builder)
	defer func() {
		b.Init()
		t.builders.Put(b)
		if f == nil && counter != 0 {
			t.counters.Free(counter)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			f, err = nil, fmt.Errorf("translate %#x: %w", address, e)
		}
	}()

	c := emitter.NewContext(b, t.manager, t.table, t.stub, address, opts...)
	c.EmitBlocks(blocks)
	fn, err := c.Finalize()
	if err != nil {
		return nil, fmt.Errorf("translate %#x: %w", address, err)
	}
	if nativeapi.PrintIR {
		fmt.Printf("[translator] %#x\n%s\n", address, fn.Format())
	}

	host, err := t.engine.Register(fn)
	if err != nil {
		return nil, fmt.Errorf("translate %#x: %w", address, err)
	}
	f = &TranslatedFunction{
		GuestAddress: address,
		GuestStart:   address,
		GuestEnd:     address,
		HostEntry:    host,
		Function:     fn,
		HighQuality:  highQuality,
		counter:      counter,
	}
	first := true
	for _, blk := range blocks {
		if blk.Exit {
			continue
		}
		if first || blk.Address < f.GuestStart {
			f.GuestStart = blk.Address
		}
		if first || blk.EndAddress > f.GuestEnd {
			f.GuestEnd = blk.EndAddress
		}
		first = false
	}

	t.logger.WithFields(logrus.Fields{
		"guest_address": fmt.Sprintf("%#x", address),
		"blocks":        len(blocks),
		"high_quality":  highQuality,
	}).Debug("translated")
	return f, nil
}

// firstInstruction returns a block made of the instruction at address alone, or nil if
// address starts no decoded block.
func firstInstruction(blocks []emitter.Block, address uint64) []emitter.Block {
	for _, blk := range blocks {
		if blk.Address == address && !blk.Exit && len(blk.OpCodes) > 0 {
			return []emitter.Block{{
				Address:    address,
				EndAddress: address + emitter.InstructionSize,
				OpCodes:    blk.OpCodes[:1],
			}}
		}
	}
	return nil
}

// Execute runs the guest thread of ctx from address until a unit returns zero or the thread
// stops running. Cancelling goCtx stops the thread.
//
// Guest faults are returned as *memory.InvalidAccessError.
func (t *Translator) Execute(goCtx context.Context, ctx *ExecutionContext, address uint64) error {
	stop := context.AfterFunc(goCtx, ctx.StopRunning)
	defer stop()
	t.enterThread()
	defer t.leaveThread()

	native := interpreter.Word{Lo: ctx.NativeContextPointer()}
	for {
		f, err := t.GetOrTranslate(address)
		if err != nil {
			return err
		}
		res, err := ctx.thread.Call(f.HostEntry, native)
		if err != nil {
			return fmt.Errorf("execute %#x: %w", address, err)
		}
		address = res.Lo
		if address == 0 || !ctx.Running() {
			break
		}
	}
	return goCtx.Err()
}

// Step runs the single guest instruction at address on the thread of ctx, and returns the
// guest address execution continues at. The instruction is translated for this call only.
func (t *Translator) Step(ctx *ExecutionContext, address uint64) (uint64, error) {
	f, err := t.translate(address, false, true)
	if err != nil {
		return 0, err
	}
	defer t.engine.Unregister(f.HostEntry)

	res, err := ctx.thread.Call(f.HostEntry, interpreter.Word{Lo: ctx.NativeContextPointer()})
	if err != nil {
		return 0, fmt.Errorf("step %#x: %w", address, err)
	}
	return res.Lo, nil
}

// Precompile translates the units at addresses with the configured number of workers, and
// returns the first error.
func (t *Translator) Precompile(ctx context.Context, addresses []uint64) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(t.config.workers)
	for _, address := range addresses {
		address := address
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := t.GetOrTranslate(address); err != nil {
				t.logger.WithError(err).WithField("guest_address", fmt.Sprintf("%#x", address)).Warn("precompile failed")
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// InvalidateJitCacheRegion drops the functions translated from guest code overlapping
// [address, address+size), typically after the guest modified its code. Their function table
// slots go back to the dispatch stub, so the next transfer translates them again. Threads
// already running them are not affected.
func (t *Translator) InvalidateJitCacheRegion(address, size uint64) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	var overlaps []uint64
	for addr, f := range t.functions {
		if f.overlaps(address, size) {
			overlaps = append(overlaps, addr)
		}
	}
	sort.Slice(overlaps, func(i, j int) bool { return overlaps[i] < overlaps[j] })
	if len(overlaps) > 0 {
		// Pending optimized translations may read the code being replaced.
		t.clearRejitQueueLocked(true)
	}

	for _, addr := range overlaps {
		f := t.functions[addr]
		delete(t.functions, addr)
		t.retired = append(t.retired, f)
		if err := t.table.Invalidate(addr, 1); err != nil {
			return err
		}
	}
	if len(overlaps) > 0 {
		t.logger.WithFields(logrus.Fields{
			"guest_address": fmt.Sprintf("%#x", address),
			"size":          size,
			"functions":     len(overlaps),
		}).Info("invalidated translations")
	}
	return nil
}

// ClearJitCache drops every translated function and resets the function table. No guest thread
// may be executing.
func (t *Translator) ClearJitCache() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.clearRejitQueueLocked(false)
	for addr, f := range t.functions {
		if err := t.table.Invalidate(addr, 1); err != nil {
			return err
		}
		t.engine.Unregister(f.HostEntry)
	}
	for _, f := range t.retired {
		t.engine.Unregister(f.HostEntry)
	}
	t.functions = map[uint64]*TranslatedFunction{}
	t.retired = nil
	return t.counters.Clear()
}
