package guestjit

import (
	"github.com/tetratelabs/guestjit/internal/interpreter"
	"github.com/tetratelabs/guestjit/internal/ir"
	"github.com/tetratelabs/guestjit/internal/memory"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// bindNatives binds every nativeapi.NativeFunction to the memory manager and the calling
// thread's ExecutionContext.
func (t *Translator) bindNatives() {
	mgr, e := t.manager, t.engine
	for size := 0; size <= 4; size++ {
		n := 1 << size
		e.RegisterNative(ir.FuncRef(nativeapi.NativeRead(size)), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
			lo, hi, err := mgr.Read(args[0].Lo, n)
			return interpreter.Word{Lo: lo, Hi: hi}, err
		})
		e.RegisterNative(ir.FuncRef(nativeapi.NativeWrite(size)), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
			return interpreter.Word{}, mgr.Write(args[0].Lo, n, args[1].Lo, args[1].Hi)
		})
	}

	e.RegisterNative(ir.FuncRef(nativeapi.NativeSignalMemoryTracking), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
		return interpreter.Word{}, mgr.SignalMemoryTracking(args[0].Lo, args[1].Lo, args[2].Lo != 0)
	})
	e.RegisterNative(ir.FuncRef(nativeapi.NativeThrowInvalidMemoryAccess), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
		return interpreter.Word{}, &memory.InvalidAccessError{Address: args[0].Lo}
	})
	e.RegisterNative(ir.FuncRef(nativeapi.NativeEnqueueForRejit), func(_ *interpreter.Thread, args []interpreter.Word) (interpreter.Word, error) {
		t.rejit.enqueue(args[0].Lo)
		return interpreter.Word{}, nil
	})
	e.RegisterNative(ir.FuncRef(nativeapi.NativeCheckSynchronization), func(th *interpreter.Thread, _ []interpreter.Word) (interpreter.Word, error) {
		running, err := th.Data.(*ExecutionContext).checkSynchronization()
		if running {
			return interpreter.Word{Lo: 1}, err
		}
		return interpreter.Word{}, err
	})
}

// dispatch is the dispatch stub: it translates the pending dispatch address of the native
// context on demand, and transfers the call to the translated entry.
func (t *Translator) dispatch(_ *interpreter.Thread, args []interpreter.Word) (uint64, error) {
	target, err := t.mem.Uint64(args[0].Lo + offsets.DispatchAddress.U64())
	if err != nil {
		return 0, err
	}
	f, err := t.GetOrTranslate(target)
	if err != nil {
		return 0, err
	}
	return f.HostEntry, nil
}
