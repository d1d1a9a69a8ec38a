package nativeapi

// NativeFunction identifies a host routine that emitted code may call. Its numeric value
// is used as the ir.FuncRef of the call instruction, and the routine is bound at run time
// by whoever executes the lowered code.
type NativeFunction uint32

const (
	// NativeReadByte reads a guest byte through the memory manager: `i32 ReadByte(i64 va)`.
	NativeReadByte NativeFunction = iota
	// NativeReadUInt16 is `i32 ReadUInt16(i64 va)`.
	NativeReadUInt16
	// NativeReadUInt32 is `i32 ReadUInt32(i64 va)`.
	NativeReadUInt32
	// NativeReadUInt64 is `i64 ReadUInt64(i64 va)`.
	NativeReadUInt64
	// NativeReadVector128 is `v128 ReadVector128(i64 va)`.
	NativeReadVector128
	// NativeWriteByte is `WriteByte(i64 va, i32 v)`.
	NativeWriteByte
	// NativeWriteUInt16 is `WriteUInt16(i64 va, i32 v)`.
	NativeWriteUInt16
	// NativeWriteUInt32 is `WriteUInt32(i64 va, i32 v)`.
	NativeWriteUInt32
	// NativeWriteUInt64 is `WriteUInt64(i64 va, i64 v)`.
	NativeWriteUInt64
	// NativeWriteVector128 is `WriteVector128(i64 va, v128 v)`.
	NativeWriteVector128
	// NativeSignalMemoryTracking is `SignalMemoryTracking(i64 va, i64 size, i32 write)`.
	NativeSignalMemoryTracking
	// NativeThrowInvalidMemoryAccess is `ThrowInvalidMemoryAccess(i64 va)` and never returns.
	NativeThrowInvalidMemoryAccess
	// NativeCheckSynchronization is `i32 CheckSynchronization()` and returns zero when the thread must stop.
	NativeCheckSynchronization
	// NativeEnqueueForRejit is `EnqueueForRejit(i64 guestAddress)` and queues the unit at
	// guestAddress for an optimized translation.
	NativeEnqueueForRejit

	nativeFunctionEnd
)

// NativeFunctionCount is the number of native functions.
const NativeFunctionCount = int(nativeFunctionEnd)

// NativeRead returns the read fallback for the given access size (log2 of bytes, 0..4).
func NativeRead(size int) NativeFunction {
	return NativeReadByte + NativeFunction(size)
}

// NativeWrite returns the write fallback for the given access size (log2 of bytes, 0..4).
func NativeWrite(size int) NativeFunction {
	return NativeWriteByte + NativeFunction(size)
}

// String implements fmt.Stringer.
func (f NativeFunction) String() string {
	switch f {
	case NativeReadByte:
		return "ReadByte"
	case NativeReadUInt16:
		return "ReadUInt16"
	case NativeReadUInt32:
		return "ReadUInt32"
	case NativeReadUInt64:
		return "ReadUInt64"
	case NativeReadVector128:
		return "ReadVector128"
	case NativeWriteByte:
		return "WriteByte"
	case NativeWriteUInt16:
		return "WriteUInt16"
	case NativeWriteUInt32:
		return "WriteUInt32"
	case NativeWriteUInt64:
		return "WriteUInt64"
	case NativeWriteVector128:
		return "WriteVector128"
	case NativeSignalMemoryTracking:
		return "SignalMemoryTracking"
	case NativeThrowInvalidMemoryAccess:
		return "ThrowInvalidMemoryAccess"
	case NativeCheckSynchronization:
		return "CheckSynchronization"
	case NativeEnqueueForRejit:
		return "EnqueueForRejit"
	}
	return "unknown"
}
