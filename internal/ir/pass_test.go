package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilder_RunPasses(t *testing.T) {
	b := NewBuilder()
	ctx := b.EntryBlock().AddParam(b, TypeI64)
	two := b.AllocateInstruction().AsIconst64(2).Insert(b).Return()
	three := b.AllocateInstruction().AsIconst64(3).Insert(b).Return()
	five := b.AllocateInstruction().AsIadd(two, three).Insert(b).Return()
	b.AllocateInstruction().AsIadd(ctx, two).Insert(b)
	b.AllocateInstruction().AsLoad(ctx, 8, TypeI32).Insert(b)
	allOnes := b.AllocateInstruction().AsIconst32(0xffff_ffff).Insert(b).Return()
	one := b.AllocateInstruction().AsIconst32(1).Insert(b).Return()
	wrapped := b.AllocateInstruction().AsIadd(allOnes, one).Insert(b).Return()
	b.AllocateInstruction().AsReturn([]Value{five, wrapped}).Insert(b)

	b.RunPasses()
	require.Equal(t, `
blk0: (v0:i64)
	v3:i64 = Iconst_64 0x5
	v5:i32 = Load v0, 0x8
	v8:i32 = Iconst_32 0x0
	Return v3, v8
`, b.Format())

	f, err := b.Finalize()
	require.NoError(t, err)
	require.Equal(t, b.Format(), f.Format())
}

func TestBuilder_RunPasses_acrossBlocks(t *testing.T) {
	b := NewBuilder()
	use := b.AllocateBasicBlock()
	def := b.AllocateBasicBlock()
	b.AllocateInstruction().AsJump(nil, def).Insert(b)

	b.SetCurrentBlock(def)
	c := b.AllocateInstruction().AsIconst64(4).Insert(b).Return()
	sum := b.AllocateInstruction().AsIadd(c, c).Insert(b).Return()
	b.AllocateInstruction().AsJump(nil, use).Insert(b)

	// Visited before the block defining sum.
	b.SetCurrentBlock(use)
	result := b.AllocateInstruction().AsIsub(sum, c).Insert(b).Return()
	b.AllocateInstruction().AsReturn([]Value{result}).Insert(b)

	b.RunPasses()
	require.Equal(t, `
blk0: ()
	Jump blk2

blk1: () <-- (blk2)
	v2:i64 = Iconst_64 0x4
	Return v2

blk2: () <-- (blk0)
	Jump blk1
`, b.Format())
}

func TestBuilder_RunPasses_keepsSideEffects(t *testing.T) {
	b := NewBuilder()
	ctx := b.EntryBlock().AddParam(b, TypeI64)
	v := b.AllocateInstruction().AsIconst64(7).Insert(b).Return()
	b.AllocateInstruction().AsStore(OpcodeStore, v, ctx, 0).Insert(b)
	b.AllocateInstruction().AsFence().Insert(b)
	b.AllocateInstruction().AsCall(1, []Value{ctx}, TypeInvalid).Insert(b)
	b.AllocateInstruction().AsReturn(nil).Insert(b)

	before := b.Format()
	b.RunPasses()
	require.Equal(t, before, b.Format())
}
