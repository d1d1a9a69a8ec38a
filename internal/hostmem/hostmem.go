// Package hostmem simulates the host address space that lowered code runs against.
//
// Memory is reserved in regions and committed lazily in chunks, the way a translator
// reserves a large virtual range (a page table or a guest address space) and lets the host
// OS back it on first touch. Every access is performed on 64-bit words with sync/atomic, so
// concurrent guest threads never observe torn aligned accesses and sub-word stores do not
// clobber neighbouring bytes.
package hostmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const (
	// PageSize is the granularity of region bases and sizes.
	PageSize = 1 << PageBits
	// PageBits is log2(PageSize).
	PageBits = 12

	chunkBits  = 20
	chunkSize  = 1 << chunkBits
	chunkWords = chunkSize / 8

	// firstAutoBase is the lowest address handed out by Map so that small addresses stay unmapped.
	firstAutoBase = 0x1000_0000
	// guardSize separates consecutive regions handed out by Map.
	guardSize = 0x10000
	// addressLimit is the exclusive upper bound of host addresses; pointers must fit in 48 bits.
	addressLimit = 1 << 47
)

var (
	// ErrOverlap is returned by MapAt when the requested range intersects an existing region.
	ErrOverlap = errors.New("region overlaps an existing mapping")
	// ErrExhausted is returned by Map when no address space is left.
	ErrExhausted = errors.New("host address space exhausted")
	// ErrNotMapped is returned by Unmap for an unknown region base.
	ErrNotMapped = errors.New("no region at address")
)

// FaultError is returned by accesses that fall outside every mapped region, that touch a page
// whose Protection denies them, or by atomic accesses that are not naturally aligned. It plays
// the role of a host SIGSEGV/SIGBUS.
type FaultError struct {
	Address    uint64
	Size       int
	Write      bool
	Misaligned bool
}

// Protection is the set of accesses a page allows.
type Protection byte

const (
	ProtectionNone      Protection = 0
	ProtectionRead      Protection = 1
	ProtectionWrite     Protection = 2
	ProtectionReadWrite            = ProtectionRead | ProtectionWrite
)

func (p Protection) allows(write bool) bool {
	if write {
		return p&ProtectionWrite != 0
	}
	return p&ProtectionRead != 0
}

// FaultHandler is called instead of faulting when an access touches a page of its region whose
// Protection denies it. Returning nil lets the access proceed; any other error fails it.
type FaultHandler func(addr uint64, size int, write bool) error

// Error implements error.Error.
func (e *FaultError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	if e.Misaligned {
		return fmt.Sprintf("host memory fault: misaligned atomic %s of %d bytes at %#x", kind, e.Size, e.Address)
	}
	return fmt.Sprintf("host memory fault: invalid %s of %d bytes at %#x", kind, e.Size, e.Address)
}

type chunk []atomic.Uint64

// pageAccess holds the Protection of every page of one chunk.
type pageAccess [chunkSize / PageSize]atomic.Uint32

// Region is a contiguous, page aligned range of host memory.
type Region struct {
	base, size uint64
	chunks     []atomic.Pointer[chunk]
	// fill is the value every word holds until it is first stored.
	fill uint64

	initial Protection
	// restricted is set once any page may deny an access.
	restricted atomic.Bool
	access     []atomic.Pointer[pageAccess]
	handler    atomic.Pointer[FaultHandler]
}

// Base returns the first host address of the region.
func (r *Region) Base() uint64 { return r.base }

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 { return r.size }

// End returns the host address right after the region.
func (r *Region) End() uint64 { return r.base + r.size }

func newRegion(base, size, fill uint64, initial Protection) *Region {
	n := (size + chunkSize - 1) >> chunkBits
	r := &Region{base: base, size: size, chunks: make([]atomic.Pointer[chunk], n), fill: fill, initial: initial}
	if initial != ProtectionReadWrite {
		r.restricted.Store(true)
	}
	r.access = make([]atomic.Pointer[pageAccess], n)
	return r
}

// SetFaultHandler sets the handler of denied accesses to this region. nil restores faulting.
func (r *Region) SetFaultHandler(h FaultHandler) {
	if h == nil {
		r.handler.Store(nil)
		return
	}
	r.handler.Store(&h)
}

// pageAccess returns the access table of the chunk covering off, allocating it when alloc is true.
func (r *Region) pageAccess(off uint64, alloc bool) *pageAccess {
	slot := &r.access[off>>chunkBits]
	if a := slot.Load(); a != nil || !alloc {
		return a
	}
	fresh := &pageAccess{}
	for i := range fresh {
		fresh[i].Store(uint32(r.initial))
	}
	if slot.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return slot.Load()
}

// protection returns the Protection of the page covering the region offset off.
func (r *Region) protection(off uint64) Protection {
	if a := r.pageAccess(off, false); a != nil {
		return Protection(a[(off&(chunkSize-1))>>PageBits].Load())
	}
	return r.initial
}

// denied returns the first address of [off, off+size) whose page denies the access, if any.
func (r *Region) denied(off uint64, size int, write bool) (uint64, bool) {
	if !r.restricted.Load() {
		return 0, false
	}
	end := off + uint64(size)
	for page := off &^ (PageSize - 1); page < end; page += PageSize {
		if !r.protection(page).allows(write) {
			return r.base + max(page, off), true
		}
	}
	return 0, false
}

// word returns the 64-bit word covering the byte at the region offset off.
// When commit is false and the chunk was never written, nil is returned and the word reads as zero.
func (r *Region) word(off uint64, commit bool) *atomic.Uint64 {
	slot := &r.chunks[off>>chunkBits]
	c := slot.Load()
	if c == nil {
		if !commit {
			return nil
		}
		words := chunkWords
		if rest := r.size - off&^(chunkSize-1); rest < chunkSize {
			words = int(rest / 8)
		}
		fresh := make(chunk, words)
		if r.fill != 0 {
			for i := range fresh {
				fresh[i].Store(r.fill)
			}
		}
		if !slot.CompareAndSwap(nil, &fresh) {
			c = slot.Load()
		} else {
			c = &fresh
		}
	}
	return &(*c)[(off&(chunkSize-1))>>3]
}

func (r *Region) loadWord(off uint64) uint64 {
	if w := r.word(off, false); w != nil {
		return w.Load()
	}
	return r.fill
}

// storeBits replaces the bits selected by mask in the word covering off.
func (r *Region) storeBits(off, value, mask uint64) {
	w := r.word(off, true)
	if mask == ^uint64(0) {
		w.Store(value)
		return
	}
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old&^mask|value&mask) {
			return
		}
	}
}

// Memory is a simulated host address space. It is safe for concurrent use.
type Memory struct {
	// mux serializes the mutation of regions.
	mux sync.Mutex
	// regions is the copy-on-write list of regions sorted by base.
	regions  atomic.Pointer[[]*Region]
	nextBase uint64

	// wideLocks serialize 128-bit atomic accesses, striped by address.
	wideLocks [64]sync.Mutex
}

// New returns an empty Memory.
func New() *Memory {
	m := &Memory{nextBase: firstAutoBase}
	m.regions.Store(&[]*Region{})
	return m
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Map reserves a zeroed read-write region of at least size bytes at an address chosen by Memory.
func (m *Memory) Map(size uint64) (*Region, error) {
	return m.mapAuto(size, 0, ProtectionReadWrite)
}

// MapFilled is Map for a region whose 64-bit words all read as fill until they are stored.
func (m *Memory) MapFilled(size, fill uint64) (*Region, error) {
	return m.mapAuto(size, fill, ProtectionReadWrite)
}

// Reserve is Map for a region whose pages deny every access until Protect allows them.
func (m *Memory) Reserve(size uint64) (*Region, error) {
	return m.mapAuto(size, 0, ProtectionNone)
}

func (m *Memory) mapAuto(size, fill uint64, initial Protection) (*Region, error) {
	size = alignUp(size, PageSize)
	m.mux.Lock()
	defer m.mux.Unlock()
	base := alignUp(m.nextBase, guardSize)
	if size == 0 || base+size > addressLimit || base+size < base {
		return nil, ErrExhausted
	}
	r := newRegion(base, size, fill, initial)
	m.insertLocked(r)
	m.nextBase = base + size + guardSize
	return r, nil
}

// MapAt reserves a zeroed region of size bytes at base. Both must be page aligned.
func (m *Memory) MapAt(base, size uint64) (*Region, error) {
	if base%PageSize != 0 || size%PageSize != 0 || size == 0 {
		return nil, fmt.Errorf("map %#x+%#x: range is not page aligned", base, size)
	}
	if base+size > addressLimit || base+size < base || base == 0 {
		return nil, fmt.Errorf("map %#x+%#x: %w", base, size, ErrExhausted)
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, r := range *m.regions.Load() {
		if base < r.End() && r.base < base+size {
			return nil, fmt.Errorf("map %#x+%#x: %w", base, size, ErrOverlap)
		}
	}
	r := newRegion(base, size, 0, ProtectionReadWrite)
	m.insertLocked(r)
	if end := base + size + guardSize; end > m.nextBase {
		m.nextBase = end
	}
	return r, nil
}

func (m *Memory) insertLocked(r *Region) {
	prev := *m.regions.Load()
	next := make([]*Region, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, r)
	sort.Slice(next, func(i, j int) bool { return next[i].base < next[j].base })
	m.regions.Store(&next)
}

// Unmap releases the region starting at base. Subsequent accesses to it fault.
func (m *Memory) Unmap(base uint64) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	prev := *m.regions.Load()
	for i, r := range prev {
		if r.base == base {
			next := make([]*Region, 0, len(prev)-1)
			next = append(next, prev[:i]...)
			next = append(next, prev[i+1:]...)
			m.regions.Store(&next)
			return nil
		}
	}
	return fmt.Errorf("unmap %#x: %w", base, ErrNotMapped)
}

// Region returns the region containing addr, or nil.
func (m *Memory) Region(addr uint64) *Region {
	regions := *m.regions.Load()
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End() > addr })
	if i < len(regions) && regions[i].base <= addr {
		return regions[i]
	}
	return nil
}

// resolve returns the region and offset of [addr, addr+size), consulting the fault handler of
// the region when a page denies the access.
func (m *Memory) resolve(addr uint64, size int, write bool) (*Region, uint64, error) {
	r, off, err := m.resolveUnprotected(addr, size, write)
	if err != nil {
		return nil, 0, err
	}
	if at, ok := r.denied(off, size, write); ok {
		h := r.handler.Load()
		if h == nil {
			return nil, 0, &FaultError{Address: at, Size: size, Write: write}
		}
		if err = (*h)(addr, size, write); err != nil {
			return nil, 0, err
		}
	}
	return r, off, nil
}

func (m *Memory) resolveUnprotected(addr uint64, size int, write bool) (*Region, uint64, error) {
	r := m.Region(addr)
	if r == nil || addr+uint64(size) > r.End() || addr+uint64(size) < addr {
		return nil, 0, &FaultError{Address: addr, Size: size, Write: write}
	}
	return r, addr - r.base, nil
}

// Protect sets the Protection of the pages covering [addr, addr+size), which must lie in one region.
func (m *Memory) Protect(addr, size uint64, prot Protection) error {
	if size == 0 {
		return nil
	}
	r := m.Region(addr)
	if r == nil || addr+size > r.End() || addr+size < addr {
		return fmt.Errorf("protect %#x+%#x: %w", addr, size, ErrNotMapped)
	}
	if prot != ProtectionReadWrite {
		r.restricted.Store(true)
	} else if !r.restricted.Load() {
		return nil
	}
	end := addr - r.base + size
	for page := (addr - r.base) &^ (PageSize - 1); page < end; page += PageSize {
		r.pageAccess(page, true)[(page&(chunkSize-1))>>PageBits].Store(uint32(prot))
	}
	return nil
}

// Protection returns the Protection of the page containing addr, or ProtectionNone outside
// every region.
func (m *Memory) Protection(addr uint64) Protection {
	r := m.Region(addr)
	if r == nil {
		return ProtectionNone
	}
	return r.protection(addr - r.base)
}

// Decommit makes the words of [addr, addr+size), which must lie in one region, read as the
// fill value of the region again.
func (m *Memory) Decommit(addr, size uint64) error {
	if size == 0 {
		return nil
	}
	r, off, err := m.resolveUnprotected(addr, int(size), true)
	if err != nil {
		return err
	}
	for end := off + size; off < end; {
		next := min(off&^(chunkSize-1)+chunkSize, end)
		slot := &r.chunks[off>>chunkBits]
		if off&(chunkSize-1) == 0 && (next&(chunkSize-1) == 0 || next == r.size) {
			slot.Store(nil)
		} else if slot.Load() != nil {
			for o := off &^ 7; o < next; o += 8 {
				lo, hi := max(o, off), min(o+8, next)
				mask := sizeMask(int(hi-lo)) << ((lo & 7) * 8)
				r.storeBits(o, r.fill, mask)
			}
		}
		off = next
	}
	return nil
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}

// loadSmall reads up to 8 bytes little endian at the region offset off.
func (r *Region) loadSmall(off uint64, size int) uint64 {
	shift := (off & 7) * 8
	if int(off&7)+size <= 8 {
		return r.loadWord(off) >> shift & sizeMask(size)
	}
	var v uint64
	for i := 0; i < size; i++ {
		b := r.loadWord(off+uint64(i)) >> ((off + uint64(i)) & 7 * 8) & 0xff
		v |= b << (uint(i) * 8)
	}
	return v
}

// storeSmall writes the low size bytes of v little endian at the region offset off.
func (r *Region) storeSmall(off uint64, size int, v uint64) {
	shift := (off & 7) * 8
	if int(off&7)+size <= 8 {
		r.storeBits(off, v<<shift, sizeMask(size)<<shift)
		return
	}
	for i := 0; i < size; i++ {
		o := off + uint64(i)
		s := (o & 7) * 8
		r.storeBits(o, (v>>(uint(i)*8)&0xff)<<s, 0xff<<s)
	}
}

func checkSize(size int) {
	switch size {
	case 1, 2, 4, 8, 16:
	default:
		panic(fmt.Sprintf("BUG: invalid access size %d", size))
	}
}

// Load reads size bytes (1, 2, 4, 8 or 16) at addr. The result is little endian and zero extended;
// hi only holds data for 16 byte accesses.
func (m *Memory) Load(addr uint64, size int) (lo, hi uint64, err error) {
	checkSize(size)
	if _, _, err = m.resolve(addr, size, false); err != nil {
		return 0, 0, err
	}
	return m.Mirror().Load(addr, size)
}

// Store writes the low size bytes (1, 2, 4, 8 or 16) of lo:hi at addr.
func (m *Memory) Store(addr uint64, size int, lo, hi uint64) error {
	checkSize(size)
	if _, _, err := m.resolve(addr, size, true); err != nil {
		return err
	}
	return m.Mirror().Store(addr, size, lo, hi)
}

// Uint64 reads the 64-bit value at addr.
func (m *Memory) Uint64(addr uint64) (uint64, error) {
	v, _, err := m.Load(addr, 8)
	return v, err
}

// PutUint64 writes the 64-bit value v at addr.
func (m *Memory) PutUint64(addr, v uint64) error {
	return m.Store(addr, 8, v, 0)
}

// ReadBytes copies len(buf) bytes at addr into buf.
func (m *Memory) ReadBytes(addr uint64, buf []byte) error {
	if _, _, err := m.resolve(addr, len(buf), false); err != nil {
		return err
	}
	return m.Mirror().ReadBytes(addr, buf)
}

// WriteBytes copies buf to addr.
func (m *Memory) WriteBytes(addr uint64, buf []byte) error {
	if _, _, err := m.resolve(addr, len(buf), true); err != nil {
		return err
	}
	return m.Mirror().WriteBytes(addr, buf)
}

func (m *Memory) resolveAtomic(addr uint64, size int, write bool) (*Region, uint64, error) {
	checkSize(size)
	if addr%uint64(size) != 0 {
		return nil, 0, &FaultError{Address: addr, Size: size, Write: write, Misaligned: true}
	}
	return m.resolve(addr, size, write)
}

func (m *Memory) wideLock(addr uint64) *sync.Mutex {
	return &m.wideLocks[(addr>>4)%uint64(len(m.wideLocks))]
}

// AtomicLoad reads size bytes at the naturally aligned addr as one single-copy atomic access.
// 16 byte accesses are atomic with respect to other 16 byte atomic accesses only.
func (m *Memory) AtomicLoad(addr uint64, size int) (lo, hi uint64, err error) {
	r, off, err := m.resolveAtomic(addr, size, false)
	if err != nil {
		return 0, 0, err
	}
	if size == 16 {
		l := m.wideLock(addr)
		l.Lock()
		lo, hi = r.loadWord(off), r.loadWord(off+8)
		l.Unlock()
		return lo, hi, nil
	}
	return r.loadSmall(off, size), 0, nil
}

// AtomicStore writes size bytes at the naturally aligned addr as one single-copy atomic access.
func (m *Memory) AtomicStore(addr uint64, size int, lo, hi uint64) error {
	r, off, err := m.resolveAtomic(addr, size, true)
	if err != nil {
		return err
	}
	if size == 16 {
		l := m.wideLock(addr)
		l.Lock()
		r.storeBits(off, lo, ^uint64(0))
		r.storeBits(off+8, hi, ^uint64(0))
		l.Unlock()
		return nil
	}
	r.storeSmall(off, size, lo)
	return nil
}

// AtomicCas replaces the size bytes at the naturally aligned addr with desired if they equal
// expected, and returns the previous contents either way.
func (m *Memory) AtomicCas(addr uint64, size int, expectedLo, expectedHi, desiredLo, desiredHi uint64) (oldLo, oldHi uint64, err error) {
	r, off, err := m.resolveAtomic(addr, size, true)
	if err != nil {
		return 0, 0, err
	}
	if size == 16 {
		l := m.wideLock(addr)
		l.Lock()
		defer l.Unlock()
		oldLo, oldHi = r.loadWord(off), r.loadWord(off+8)
		if oldLo == expectedLo && oldHi == expectedHi {
			r.storeBits(off, desiredLo, ^uint64(0))
			r.storeBits(off+8, desiredHi, ^uint64(0))
		}
		return oldLo, oldHi, nil
	}

	w := r.word(off, true)
	shift := (off & 7) * 8
	mask := sizeMask(size) << shift
	expected, desired := expectedLo<<shift&mask, desiredLo<<shift&mask
	for {
		old := w.Load()
		if old&mask != expected {
			return (old & mask) >> shift, 0, nil
		}
		if w.CompareAndSwap(old, old&^mask|desired) {
			return expected >> shift, 0, nil
		}
	}
}

// Mirror is a view of Memory that ignores page protection, used by the runtime to access pages
// it keeps protected from emitted code.
type Mirror struct {
	m *Memory
}

// Mirror returns the unprotected view of m.
func (m *Memory) Mirror() Mirror { return Mirror{m: m} }

// Load is Memory.Load without protection checks.
func (v Mirror) Load(addr uint64, size int) (lo, hi uint64, err error) {
	checkSize(size)
	r, off, err := v.m.resolveUnprotected(addr, size, false)
	if err != nil {
		return 0, 0, err
	}
	if size == 16 {
		return r.loadSmall(off, 8), r.loadSmall(off+8, 8), nil
	}
	return r.loadSmall(off, size), 0, nil
}

// Store is Memory.Store without protection checks.
func (v Mirror) Store(addr uint64, size int, lo, hi uint64) error {
	checkSize(size)
	r, off, err := v.m.resolveUnprotected(addr, size, true)
	if err != nil {
		return err
	}
	if size == 16 {
		r.storeSmall(off, 8, lo)
		r.storeSmall(off+8, 8, hi)
		return nil
	}
	r.storeSmall(off, size, lo)
	return nil
}

// ReadBytes is Memory.ReadBytes without protection checks.
func (v Mirror) ReadBytes(addr uint64, buf []byte) error {
	r, off, err := v.m.resolveUnprotected(addr, len(buf), false)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = byte(r.loadSmall(off+uint64(i), 1))
	}
	return nil
}

// WriteBytes is Memory.WriteBytes without protection checks.
func (v Mirror) WriteBytes(addr uint64, buf []byte) error {
	r, off, err := v.m.resolveUnprotected(addr, len(buf), true)
	if err != nil {
		return err
	}
	for i, b := range buf {
		r.storeSmall(off+uint64(i), 1, uint64(b))
	}
	return nil
}
