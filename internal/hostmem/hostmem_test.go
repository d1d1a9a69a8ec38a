package hostmem

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory_Map(t *testing.T) {
	m := New()
	a, err := m.Map(100)
	require.NoError(t, err)
	require.Equal(t, uint64(PageSize), a.Size())
	require.Zero(t, a.Base()%PageSize)

	b, err := m.Map(PageSize)
	require.NoError(t, err)
	require.Greater(t, b.Base(), a.End())

	require.Equal(t, a, m.Region(a.Base()))
	require.Equal(t, a, m.Region(a.End()-1))
	require.Nil(t, m.Region(a.End()))
	require.Nil(t, m.Region(0))

	_, err = m.MapAt(a.Base(), PageSize)
	require.True(t, errors.Is(err, ErrOverlap))

	_, err = m.MapAt(0x7000_1234_5001, PageSize)
	require.Error(t, err)

	c, err := m.MapAt(0x7000_1234_5000, PageSize)
	require.NoError(t, err)
	require.Equal(t, c, m.Region(0x7000_1234_5fff))

	require.NoError(t, m.Unmap(a.Base()))
	require.Nil(t, m.Region(a.Base()))
	require.True(t, errors.Is(m.Unmap(a.Base()), ErrNotMapped))
}

func TestMemory_LoadStore(t *testing.T) {
	m := New()
	r, err := m.Map(PageSize)
	require.NoError(t, err)
	base := r.Base()

	lo, hi, err := m.Load(base+0x10, 16)
	require.NoError(t, err)
	require.Zero(t, lo)
	require.Zero(t, hi)

	require.NoError(t, m.Store(base, 8, 0x0807060504030201, 0))
	for i, exp := range []uint64{1, 2, 3, 4, 5, 6, 7, 8} {
		v, _, err := m.Load(base+uint64(i), 1)
		require.NoError(t, err)
		require.Equal(t, exp, v)
	}
	v, _, err := m.Load(base+1, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x05040302), v)

	// Unaligned accesses crossing a word boundary.
	require.NoError(t, m.Store(base+6, 4, 0xaabbccdd, 0))
	v, _, err = m.Load(base+6, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0xaabbccdd), v)
	v, err = m.Uint64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0xccdd060504030201), v)

	require.NoError(t, m.Store(base+0x21, 16, 0x1111111111111111, 0x2222222222222222))
	lo, hi, err = m.Load(base+0x21, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1111111111111111), lo)
	require.Equal(t, uint64(0x2222222222222222), hi)

	buf := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, m.WriteBytes(base+0x100, buf))
	got := make([]byte, 4)
	require.NoError(t, m.ReadBytes(base+0x100, got))
	require.Equal(t, buf, got)
	v, _, err = m.Load(base+0x100, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0xefbeadde), v)
}

func TestMemory_Fault(t *testing.T) {
	m := New()
	r, err := m.Map(PageSize)
	require.NoError(t, err)

	_, _, err = m.Load(r.End()-4, 8)
	var fault *FaultError
	require.True(t, errors.As(err, &fault))
	require.Equal(t, r.End()-4, fault.Address)
	require.False(t, fault.Write)

	err = m.Store(0x10, 1, 0, 0)
	require.True(t, errors.As(err, &fault))
	require.True(t, fault.Write)
	require.Equal(t, "host memory fault: invalid write of 1 bytes at 0x10", err.Error())

	_, _, err = m.AtomicLoad(r.Base()+4, 8)
	require.True(t, errors.As(err, &fault))
	require.True(t, fault.Misaligned)
}

func TestMemory_LazyCommit(t *testing.T) {
	m := New()
	// A region far larger than what a test could allocate eagerly.
	r, err := m.Map(1 << 38)
	require.NoError(t, err)

	v, err := m.Uint64(r.End() - 8)
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, m.PutUint64(r.Base()+0x12_3456_7000, 42))
	v, err = m.Uint64(r.Base() + 0x12_3456_7000)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestMemory_AtomicCas(t *testing.T) {
	m := New()
	r, err := m.Map(PageSize)
	require.NoError(t, err)
	base := r.Base()

	require.NoError(t, m.PutUint64(base, 0x1122334455667788))

	old, _, err := m.AtomicCas(base+2, 2, 0x5566, 0, 0xabcd, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5566), old)
	v, err := m.Uint64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344abcd7788), v)

	old, _, err = m.AtomicCas(base+4, 4, 0, 0, 0xffffffff, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344), old)
	v, err = m.Uint64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11223344abcd7788), v, "failed compare must not store")

	oldLo, oldHi, err := m.AtomicCas(base+16, 16, 0, 0, 1, 2)
	require.NoError(t, err)
	require.Zero(t, oldLo)
	require.Zero(t, oldHi)
	lo, hi, err := m.AtomicLoad(base+16, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(1), lo)
	require.Equal(t, uint64(2), hi)
}

func TestMemory_ConcurrentSubWordStores(t *testing.T) {
	m := New()
	r, err := m.Map(PageSize)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				require.NoError(t, m.Store(r.Base()+uint64(i), 1, uint64(n), 0))
			}
			require.NoError(t, m.Store(r.Base()+uint64(i), 1, uint64(i+1), 0))
		}(i)
	}
	wg.Wait()

	v, err := m.Uint64(r.Base())
	require.NoError(t, err)
	require.Equal(t, uint64(0x0807060504030201), v)
}

func TestMemory_Atomic128(t *testing.T) {
	m := New()
	r, err := m.Map(PageSize)
	require.NoError(t, err)
	addr := r.Base() + 0x40

	const goroutines, increments = 4, 500
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < increments; {
				lo, hi, err := m.AtomicLoad(addr, 16)
				if err != nil {
					panic(err)
				}
				// Both halves always move together.
				if lo != hi {
					panic("torn 128-bit access")
				}
				old, _, err := m.AtomicCas(addr, 16, lo, hi, lo+1, hi+1)
				if err != nil {
					panic(err)
				}
				if old == lo {
					n++
				}
			}
		}()
	}
	wg.Wait()

	lo, hi, err := m.AtomicLoad(addr, 16)
	require.NoError(t, err)
	require.Equal(t, uint64(goroutines*increments), lo)
	require.Equal(t, lo, hi)
}

func TestMemory_Protect(t *testing.T) {
	m := New()
	r, err := m.Reserve(4 * PageSize)
	require.NoError(t, err)
	base := r.Base()
	require.Equal(t, ProtectionNone, m.Protection(base))

	_, _, err = m.Load(base, 8)
	var fault *FaultError
	require.True(t, errors.As(err, &fault))
	require.Equal(t, base, fault.Address)
	require.False(t, fault.Write)

	require.NoError(t, m.Protect(base+PageSize, 2*PageSize, ProtectionRead))
	require.Equal(t, ProtectionRead, m.Protection(base+2*PageSize+8))
	_, _, err = m.Load(base+PageSize, 8)
	require.NoError(t, err)
	err = m.Store(base+PageSize, 8, 1, 0)
	require.True(t, errors.As(err, &fault))
	require.True(t, fault.Write)

	// A load crossing into a denied page faults at the first denied byte.
	_, _, err = m.Load(base+3*PageSize-4, 8)
	require.True(t, errors.As(err, &fault))
	require.Equal(t, base+3*PageSize, fault.Address)

	require.NoError(t, m.Protect(base, 4*PageSize, ProtectionReadWrite))
	require.NoError(t, m.Store(base+3*PageSize-4, 8, 0x1122334455667788, 0))
	require.NoError(t, m.AtomicStore(base+8, 8, 7, 0))

	require.True(t, errors.Is(m.Protect(base+3*PageSize, 2*PageSize, ProtectionNone), ErrNotMapped))
}

func TestMemory_FaultHandler(t *testing.T) {
	m := New()
	r, err := m.Map(2 * PageSize)
	require.NoError(t, err)
	base := r.Base()
	require.NoError(t, m.Protect(base, PageSize, ProtectionRead))

	type access struct {
		addr  uint64
		size  int
		write bool
	}
	var calls []access
	denied := errors.New("denied")
	r.SetFaultHandler(func(addr uint64, size int, write bool) error {
		calls = append(calls, access{addr, size, write})
		if addr == base {
			return denied
		}
		return nil
	})

	// Allowed accesses never reach the handler.
	_, _, err = m.Load(base+8, 8)
	require.NoError(t, err)
	require.NoError(t, m.Store(base+PageSize, 4, 1, 0))
	require.Empty(t, calls)

	// A nil result lets the denied access proceed.
	require.NoError(t, m.Store(base+16, 4, 0xabcd, 0))
	v, _, err := m.Load(base+16, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0xabcd), v)
	_, _, err = m.AtomicCas(base+24, 8, 0, 0, 1, 0)
	require.NoError(t, err)

	require.True(t, errors.Is(m.Store(base, 8, 1, 0), denied))
	require.Equal(t, []access{{base + 16, 4, true}, {base + 24, 8, true}, {base, 8, true}}, calls)

	r.SetFaultHandler(nil)
	var fault *FaultError
	require.True(t, errors.As(m.Store(base+16, 4, 0, 0), &fault))
}

func TestMemory_Mirror(t *testing.T) {
	m := New()
	r, err := m.Reserve(PageSize)
	require.NoError(t, err)
	mirror := m.Mirror()

	require.NoError(t, mirror.Store(r.Base(), 8, 0x55, 0))
	v, _, err := mirror.Load(r.Base(), 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x55), v)
	require.NoError(t, mirror.WriteBytes(r.Base()+8, []byte{1, 2, 3}))
	buf := make([]byte, 3)
	require.NoError(t, mirror.ReadBytes(r.Base()+8, buf))
	require.Equal(t, []byte{1, 2, 3}, buf)

	_, _, err = m.Load(r.Base(), 8)
	require.Error(t, err)
	_, _, err = mirror.Load(r.End(), 8)
	require.Error(t, err)
}

func TestMemory_MapFilledAndDecommit(t *testing.T) {
	m := New()
	const fill = 0x1000_0000_0000
	r, err := m.MapFilled(2*chunkSize, fill)
	require.NoError(t, err)
	base := r.Base()

	v, err := m.Uint64(base + chunkSize + 8)
	require.NoError(t, err)
	require.Equal(t, uint64(fill), v)

	require.NoError(t, m.PutUint64(base+8, 42))
	require.NoError(t, m.PutUint64(base+16, 43))
	v, err = m.Uint64(base)
	require.NoError(t, err)
	require.Equal(t, uint64(fill), v, "committing a chunk keeps the fill of its other words")

	require.NoError(t, m.Decommit(base+8, 8))
	v, err = m.Uint64(base + 8)
	require.NoError(t, err)
	require.Equal(t, uint64(fill), v)
	v, err = m.Uint64(base + 16)
	require.NoError(t, err)
	require.Equal(t, uint64(43), v)

	// Decommitting part of a word keeps the rest.
	require.NoError(t, m.Decommit(base+20, 4))
	v, err = m.Uint64(base + 16)
	require.NoError(t, err)
	require.Equal(t, uint64(fill>>32)<<32|43, v)

	require.NoError(t, m.Decommit(base, chunkSize))
	require.Nil(t, r.chunks[0].Load())
	v, err = m.Uint64(base + 16)
	require.NoError(t, err)
	require.Equal(t, uint64(fill), v)
}
