package ir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// Builder is used to build the IR of one translation unit, consisting of Basic Blocks.
type Builder interface {
	// Init must be called to reuse this builder for the next translation unit.
	// The entry block is allocated and becomes the current block.
	Init()

	// Blocks returns the number of BasicBlocks(s) existing in the currently-built function.
	Blocks() int

	// AllocateBasicBlock creates a basic block in the function.
	AllocateBasicBlock() BasicBlock

	// EntryBlock returns the entry BasicBlock of the function.
	EntryBlock() BasicBlock

	// CurrentBlock returns the currently handled BasicBlock which is set by the latest call to SetCurrentBlock.
	CurrentBlock() BasicBlock

	// SetCurrentBlock sets the instruction insertion target to the BasicBlock `b`.
	SetCurrentBlock(b BasicBlock)

	// AllocateInstruction returns a new Instruction.
	AllocateInstruction() *Instruction

	// InsertInstruction appends the instruction to the currently handled basic block
	// and allocates its result Value if it has one.
	InsertInstruction(raw *Instruction)

	// allocateValue allocates an unused Value.
	allocateValue(typ Type) Value

	// AnnotateValue is for debugging purpose.
	AnnotateValue(value Value, annotation string)

	// Format returns the debugging string of the function built so far.
	Format() string

	// RunPasses runs the optimization passes on the function built so far. It must be called
	// once every block is terminated, and before Finalize.
	RunPasses()

	// Finalize validates the function, lays out its blocks and hands them to the returned Function.
	// The builder must be re-initialized with Init before building the next function,
	// and the returned Function keeps the instructions allocated so far alive.
	Finalize() (*Function, error)
}

const (
	// instructionPageSize covers the instructions of a typical unit in one page.
	instructionPageSize = 512
	basicBlockPageSize  = 32
)

// NewBuilder returns a new Builder implementation.
func NewBuilder() Builder {
	b := &builder{
		instructionsPool: nativeapi.NewPool[Instruction](instructionPageSize),
		basicBlocksPool:  nativeapi.NewPool[basicBlock](basicBlockPageSize),
		valueAnnotations: make(map[ValueID]string),
	}
	b.Init()
	return b
}

// builder implements Builder interface.
type builder struct {
	basicBlocksPool  nativeapi.Pool[basicBlock]
	instructionsPool nativeapi.Pool[Instruction]

	entryBB   *basicBlock
	currentBB *basicBlock

	// nextValueID is used by builder.AllocateValue.
	nextValueID ValueID

	// valueAnnotations contains the annotations for each Value, only used for debugging.
	valueAnnotations map[ValueID]string

	// finalized is set once Finalize hands the pools to a Function.
	finalized bool
}

// Init implements Builder.Init.
func (b *builder) Init() {
	if b.finalized {
		// The instructions and blocks are owned by the previously returned Function.
		b.instructionsPool.Detach()
		b.basicBlocksPool.Detach()
		b.valueAnnotations = make(map[ValueID]string)
		b.finalized = false
	} else {
		b.instructionsPool.Reset()
		b.basicBlocksPool.Reset()
		for v := ValueID(0); v < b.nextValueID; v++ {
			delete(b.valueAnnotations, v)
		}
	}
	b.nextValueID = 0
	b.entryBB = b.AllocateBasicBlock().(*basicBlock)
	b.currentBB = b.entryBB
}

// Blocks implements Builder.Blocks.
func (b *builder) Blocks() int {
	return b.basicBlocksPool.Allocated()
}

// AllocateBasicBlock implements Builder.AllocateBasicBlock.
func (b *builder) AllocateBasicBlock() BasicBlock {
	id := BasicBlockID(b.basicBlocksPool.Allocated())
	blk := b.basicBlocksPool.Allocate()
	resetBasicBlock(blk)
	blk.id = id
	return blk
}

// EntryBlock implements Builder.EntryBlock.
func (b *builder) EntryBlock() BasicBlock {
	return b.entryBB
}

// CurrentBlock implements Builder.CurrentBlock.
func (b *builder) CurrentBlock() BasicBlock {
	return b.currentBB
}

// SetCurrentBlock implements Builder.SetCurrentBlock.
func (b *builder) SetCurrentBlock(bb BasicBlock) {
	b.currentBB = bb.(*basicBlock)
}

// AllocateInstruction implements Builder.AllocateInstruction.
func (b *builder) AllocateInstruction() *Instruction {
	instr := b.instructionsPool.Allocate()
	instr.reset()
	return instr
}

// InsertInstruction implements Builder.InsertInstruction.
func (b *builder) InsertInstruction(instr *Instruction) {
	if nativeapi.IRValidationEnabled && b.currentBB.Terminated() {
		panic(fmt.Sprintf("BUG: inserting %s after the terminator of %s", instr.opcode, b.currentBB.Name()))
	}
	b.currentBB.insertInstruction(instr)
	if instr.hasResult() {
		instr.rValue = b.allocateValue(instr.typ)
	}
}

// allocateValue implements Builder.allocateValue.
func (b *builder) allocateValue(typ Type) (v Value) {
	v = Value(b.nextValueID)
	v = v.setType(typ)
	b.nextValueID++
	return
}

// AnnotateValue implements Builder.AnnotateValue.
func (b *builder) AnnotateValue(value Value, a string) {
	b.valueAnnotations[value.ID()] = a
}

func (b *builder) annotation(v Value) (string, bool) {
	a, ok := b.valueAnnotations[v.ID()]
	return a, ok
}

// Format implements Builder.Format.
func (b *builder) Format() string {
	str := strings.Builder{}
	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		formatBlock(&str, b, b.basicBlocksPool.View(i))
	}
	return str.String()
}

func formatBlock(str *strings.Builder, b *builder, bb *basicBlock) {
	str.WriteByte('\n')
	str.WriteString(bb.FormatHeader(b))
	str.WriteByte('\n')
	for cur := bb.Root(); cur != nil; cur = cur.Next() {
		str.WriteByte('\t')
		str.WriteString(cur.Format(b))
		str.WriteByte('\n')
	}
}

// Finalize implements Builder.Finalize.
func (b *builder) Finalize() (*Function, error) {
	if nativeapi.IRValidationEnabled {
		if err := b.validate(); err != nil {
			return nil, err
		}
	}
	f := &Function{
		// Only the annotations are needed to format the function once the builder is reused.
		b:          &builder{valueAnnotations: b.valueAnnotations},
		blocks:     b.layoutBlocks(),
		valueCount: int(b.nextValueID),
	}
	b.finalized = true
	if nativeapi.PrintLaidOutIR {
		fmt.Println(f.Format())
	}
	return f, nil
}

// ErrInvalidFunction is returned by Finalize when the built function is malformed.
var ErrInvalidFunction = errors.New("invalid function")

// validate checks the structural rules every consumer of a Function relies on.
func (b *builder) validate() error {
	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		blk := b.basicBlocksPool.View(i)
		if blk.rootInstr == nil {
			if len(blk.preds) > 0 {
				return fmt.Errorf("%w: %s is a branch target but has no instructions", ErrInvalidFunction, blk.Name())
			}
			continue
		}
		if !blk.Terminated() {
			return fmt.Errorf("%w: %s does not end with a terminator", ErrInvalidFunction, blk.Name())
		}
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			if err := b.validateInstruction(cur); err != nil {
				return fmt.Errorf("%w: %s: %s: %v", ErrInvalidFunction, blk.Name(), cur.Format(b), err)
			}
		}
	}
	return nil
}

func (b *builder) validateInstruction(instr *Instruction) error {
	switch instr.opcode {
	case OpcodeIadd, OpcodeIsub, OpcodeBand, OpcodeBor, OpcodeBxor, OpcodeIcmp:
		if x, y := instr.v.Type(), instr.v2.Type(); x != y || !x.IsInt() {
			return fmt.Errorf("operand types differ: %s and %s", x, y)
		}
	case OpcodeIshl, OpcodeUshr, OpcodeSshr, OpcodeRotr:
		if !instr.v.Type().IsInt() || !instr.v2.Type().IsInt() {
			return errors.New("shift operands must be integers")
		}
	case OpcodeSelect:
		if instr.v2.Type() != instr.v3.Type() {
			return fmt.Errorf("select operand types differ: %s and %s", instr.v2.Type(), instr.v3.Type())
		}
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		target := instr.blk
		if len(instr.vs) != len(target.params) {
			return fmt.Errorf("%d args passed to %s which takes %d params", len(instr.vs), target.Name(), len(target.params))
		}
		for i, arg := range instr.vs {
			if arg.Type() != target.params[i].Type() {
				return fmt.Errorf("arg %d type %s does not match %s", i, arg.Type(), target.params[i].Type())
			}
		}
	case OpcodeLoad, OpcodeUload8, OpcodeUload16, OpcodeUload32, OpcodeAtomicLoad:
		if instr.v.Type() != TypeI64 {
			return errors.New("pointer must be i64")
		}
	case OpcodeStore, OpcodeIstore8, OpcodeIstore16, OpcodeIstore32:
		if instr.v2.Type() != TypeI64 {
			return errors.New("pointer must be i64")
		}
	case OpcodeAtomicStore, OpcodeAtomicCas:
		if instr.v.Type() != TypeI64 {
			return errors.New("pointer must be i64")
		}
		switch instr.u64 {
		case 1, 2, 4, 8, 16:
		default:
			return fmt.Errorf("invalid atomic access size %d", instr.u64)
		}
	case OpcodeCallIndirect, OpcodeTailCallIndirect:
		if instr.v.Type() != TypeI64 {
			return errors.New("callee must be i64")
		}
	}
	for _, arg := range [...]Value{instr.v, instr.v2, instr.v3} {
		if arg.Valid() && arg.ID() >= b.nextValueID {
			return fmt.Errorf("use of unallocated value v%d", arg.ID())
		}
	}
	return nil
}

// layoutBlocks returns the blocks reachable from the entry, entry first, the remaining hot
// blocks in allocation order, then the cold ones.
func (b *builder) layoutBlocks() []BasicBlock {
	stack := []*basicBlock{b.entryBB}
	b.entryBB.reachable = true
	for len(stack) > 0 {
		blk := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			if cur.IsBranching() && !cur.blk.reachable {
				cur.blk.reachable = true
				stack = append(stack, cur.blk)
			}
		}
	}

	n := b.basicBlocksPool.Allocated()
	laidOut := make([]BasicBlock, 0, n)
	var cold []BasicBlock
	for i := 0; i < n; i++ {
		blk := b.basicBlocksPool.View(i)
		switch {
		case !blk.reachable:
		case blk.cold && !blk.EntryBlock():
			cold = append(cold, blk)
		default:
			laidOut = append(laidOut, blk)
		}
	}
	return append(laidOut, cold...)
}
