package ir

import (
	"fmt"
	"strings"
)

// BasicBlock represents the Basic Block of an IR function.
// Each BasicBlock always ends with a terminator instruction (Jump, Return, TailCallIndirect or Raise),
// and conditional branches (Brz, Brnz) may appear anywhere before it.
// Values flowing into a block from more than one predecessor are passed as block parameters.
type BasicBlock interface {
	// ID returns the unique ID of this block.
	ID() BasicBlockID

	// Name returns the unique string ID of this block. e.g. blk0, blk1, ...
	Name() string

	// AddParam adds the parameter to the block whose type specified by `t`.
	AddParam(b Builder, t Type) Value

	// Params returns the number of parameters to this block.
	Params() int

	// Param returns the Value which corresponds to the i-th parameter of this block.
	// The returned Value is the definition of the param in this block.
	Param(i int) Value

	// Root returns the root instruction of this block.
	Root() *Instruction

	// Tail returns the tail instruction of this block.
	Tail() *Instruction

	// EntryBlock returns true if this block represents the function entry.
	EntryBlock() bool

	// Terminated returns true if the last instruction of this block is a terminator.
	Terminated() bool

	// MarkCold marks this block as rarely executed. Cold blocks are laid out after all the others.
	MarkCold()

	// Cold returns true if MarkCold was called on this block.
	Cold() bool

	// Preds returns the number of predecessors of this block.
	Preds() int

	// Pred returns the i-th predecessor of this block.
	Pred(i int) BasicBlock

	// Valid is true if this block is reachable from the entry block once the function is laid out.
	Valid() bool

	// FormatHeader returns the debug string of this block, not including instruction.
	FormatHeader(b Builder) string
}

type (
	// basicBlock is a basic block in an IR function.
	basicBlock struct {
		id                      BasicBlockID
		rootInstr, currentInstr *Instruction
		params                  []Value
		preds                   []basicBlockPredecessorInfo
		cold                    bool
		// reachable is set by LayoutBlocks and invalid otherwise.
		reachable bool
	}
	// BasicBlockID is the unique ID of a basicBlock.
	BasicBlockID uint32

	basicBlockPredecessorInfo struct {
		blk    *basicBlock
		branch *Instruction
	}
)

// basicBlockIDEntry is the ID of the function entry block.
const basicBlockIDEntry BasicBlockID = 0

// String implements fmt.Stringer for debugging.
func (bid BasicBlockID) String() string {
	return fmt.Sprintf("blk%d", bid)
}

// ID implements BasicBlock.ID.
func (bb *basicBlock) ID() BasicBlockID {
	return bb.id
}

// Name implements BasicBlock.Name.
func (bb *basicBlock) Name() string {
	return bb.id.String()
}

// EntryBlock implements BasicBlock.EntryBlock.
func (bb *basicBlock) EntryBlock() bool {
	return bb.id == basicBlockIDEntry
}

// AddParam implements BasicBlock.AddParam.
func (bb *basicBlock) AddParam(b Builder, typ Type) Value {
	paramValue := b.(*builder).allocateValue(typ)
	bb.params = append(bb.params, paramValue)
	return paramValue
}

// Params implements BasicBlock.Params.
func (bb *basicBlock) Params() int {
	return len(bb.params)
}

// Param implements BasicBlock.Param.
func (bb *basicBlock) Param(i int) Value {
	return bb.params[i]
}

// Valid implements BasicBlock.Valid.
func (bb *basicBlock) Valid() bool {
	return bb.reachable
}

// Root implements BasicBlock.Root.
func (bb *basicBlock) Root() *Instruction {
	return bb.rootInstr
}

// Tail implements BasicBlock.Tail.
func (bb *basicBlock) Tail() *Instruction {
	return bb.currentInstr
}

// Terminated implements BasicBlock.Terminated.
func (bb *basicBlock) Terminated() bool {
	return bb.currentInstr != nil && bb.currentInstr.IsTerminator()
}

// MarkCold implements BasicBlock.MarkCold.
func (bb *basicBlock) MarkCold() {
	bb.cold = true
}

// Cold implements BasicBlock.Cold.
func (bb *basicBlock) Cold() bool {
	return bb.cold
}

// Preds implements BasicBlock.Preds.
func (bb *basicBlock) Preds() int {
	return len(bb.preds)
}

// Pred implements BasicBlock.Pred.
func (bb *basicBlock) Pred(i int) BasicBlock {
	return bb.preds[i].blk
}

// resetBasicBlock resets the basicBlock to its initial state so that it can be reused for another function.
func resetBasicBlock(bb *basicBlock) {
	bb.params = bb.params[:0]
	bb.rootInstr, bb.currentInstr = nil, nil
	bb.preds = bb.preds[:0]
	bb.cold = false
	bb.reachable = false
}

// insertInstruction appends the instruction to the tail of this block.
func (bb *basicBlock) insertInstruction(next *Instruction) {
	current := bb.currentInstr
	if current != nil {
		current.next = next
		next.prev = current
	} else {
		bb.rootInstr = next
	}
	bb.currentInstr = next

	if next.IsBranching() {
		target := next.blk
		target.addPred(bb, next)
	}
}

// addPred adds a predecessor to this block specified by the branch instruction.
func (bb *basicBlock) addPred(blk *basicBlock, branch *Instruction) {
	bb.preds = append(bb.preds, basicBlockPredecessorInfo{blk: blk, branch: branch})
}

// FormatHeader implements BasicBlock.FormatHeader.
func (bb *basicBlock) FormatHeader(b Builder) string {
	ps := make([]string, len(bb.params))
	for i, p := range bb.params {
		ps[i] = p.formatWithType(b)
	}

	var suffix string
	if bb.cold {
		suffix = " [cold]"
	}

	if len(bb.preds) > 0 {
		preds := make([]string, 0, len(bb.preds))
		for _, pred := range bb.preds {
			preds = append(preds, fmt.Sprintf("blk%d", pred.blk.id))
		}
		return fmt.Sprintf("blk%d: (%s) <-- (%s)%s",
			bb.id, strings.Join(ps, ","), strings.Join(preds, ","), suffix)
	}
	return fmt.Sprintf("blk%d: (%s)%s", bb.id, strings.Join(ps, ", "), suffix)
}

// String implements fmt.Stringer for debugging purpose only.
func (bb *basicBlock) String() string {
	return bb.Name()
}
