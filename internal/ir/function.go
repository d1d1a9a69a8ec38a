package ir

import "strings"

// Function is a finalized translation unit. It is immutable and safe for concurrent use.
type Function struct {
	b          *builder
	blocks     []BasicBlock
	valueCount int
}

// Entry returns the entry block. The function parameters are its block parameters.
func (f *Function) Entry() BasicBlock {
	return f.blocks[0]
}

// Blocks returns the reachable blocks in layout order: the entry first and the cold blocks last.
// The returned slice must not be modified.
func (f *Function) Blocks() []BasicBlock {
	return f.blocks
}

// ValueCount returns the upper bound of the ValueID(s) defined in this function.
func (f *Function) ValueCount() int {
	return f.valueCount
}

// Format returns the debugging string of the laid out function.
func (f *Function) Format() string {
	str := strings.Builder{}
	for _, blk := range f.blocks {
		formatBlock(&str, f.b, blk.(*basicBlock))
	}
	return str.String()
}
