package nativeapi

// NativeContextOffsets is the layout of the native execution context shared between
// the emitted code, the dispatch stub and the guest thread state. This is globally unique.
var NativeContextOffsets = NativeContextOffsetData{
	RegistersBegin:     0,
	VectorsBegin:       256,
	Counter:            768,
	DispatchAddress:    776,
	ExclusiveAddress:   784,
	ExclusiveValueLow:  792,
	ExclusiveValueHigh: 800,
	Running:            808,
	Size:               816,
}

const (
	// IntRegisterCount is the number of 64-bit integer register slots, X0-X30 plus SP.
	IntRegisterCount = 32
	// VecRegisterCount is the number of 128-bit vector register slots.
	VecRegisterCount = 32

	// RegisterSP is the slot index of the stack pointer. The same encoding
	// means the zero register when used as a data operand.
	RegisterSP = 31
	// RegisterLR is the link register written by calls.
	RegisterLR = 30
)

// ExclusiveAddressNone is stored into ExclusiveAddress when no exclusive monitor is held.
const ExclusiveAddressNone = ^uint64(0)

// NativeContextOffsetData allows the emitters to get the offsets of the fields of the native context,
// which are necessary for compiling guest register accesses and the dispatch glue.
type NativeContextOffsetData struct {
	// RegistersBegin is the offset of X0. Xn lives at RegistersBegin + n*8.
	RegistersBegin Offset
	// VectorsBegin is the offset of V0. Vn lives at VectorsBegin + n*16.
	VectorsBegin Offset
	// Counter is the offset of the uint32 synchronization countdown.
	Counter Offset
	// DispatchAddress is the offset of the pending dispatch target slot read by the dispatch stub.
	DispatchAddress Offset
	// ExclusiveAddress is the offset of the address held by the exclusive monitor.
	ExclusiveAddress Offset
	// ExclusiveValueLow is the offset of the low 64 bits of the value observed by the last exclusive load.
	ExclusiveValueLow Offset
	// ExclusiveValueHigh is the offset of the high 64 bits of the value observed by the last exclusive load.
	ExclusiveValueHigh Offset
	// Running is the offset of the uint32 flag cleared when the guest thread must stop.
	Running Offset
	// Size is the total size of the native context in bytes.
	Size Offset
}

// Register returns the offset of the integer register slot n.
func (o *NativeContextOffsetData) Register(n int) Offset {
	return o.RegistersBegin + Offset(n*8)
}

// Vector returns the offset of the vector register slot n.
func (o *NativeContextOffsetData) Vector(n int) Offset {
	return o.VectorsBegin + Offset(n*16)
}

// Offset represents an offset of a field of a struct.
type Offset int32

// U32 encodes an Offset as uint32 for convenience.
func (o Offset) U32() uint32 {
	return uint32(o)
}

// U64 encodes an Offset as uint64 for convenience.
func (o Offset) U64() uint64 {
	return uint64(o)
}
