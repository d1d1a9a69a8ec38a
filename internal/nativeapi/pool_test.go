package nativeapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	const pageSize = 4
	p := NewPool[uint64](pageSize)
	require.Equal(t, 0, p.Allocated())

	first := p.Allocate()
	*first = 100
	for i := 1; i < pageSize*3+1; i++ {
		*p.Allocate() = uint64(100 + i)
	}
	require.Equal(t, pageSize*3+1, p.Allocated())
	require.Len(t, p.pages, 4)
	for i := 0; i < p.Allocated(); i++ {
		require.Equal(t, uint64(100+i), *p.View(i))
	}

	p.Reset()
	require.Equal(t, 0, p.Allocated())
	// The pages are reused and zeroed.
	v := p.Allocate()
	require.Same(t, first, v)
	require.Zero(t, *v)
	require.Zero(t, *p.View(pageSize * 3))
	require.Len(t, p.pages, 4)
}

func TestPool_Detach(t *testing.T) {
	p := NewPool[uint64](2)
	kept := p.Allocate()
	*kept = 42

	p.Detach()
	require.Equal(t, 0, p.Allocated())
	v := p.Allocate()
	require.NotSame(t, kept, v)
	require.Zero(t, *v)
	require.Equal(t, uint64(42), *kept, "detached items are left as is")

	require.Panics(t, func() { NewPool[uint64](0) })
}
