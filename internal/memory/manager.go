// Package memory implements the guest memory manager consumed by emitted code: it owns the
// translation structures of every addressing Type, the software tracking tags, and the
// fallback accessors used by slow paths.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/guestjit/internal/hostmem"
)

const (
	// PageBits is log2(PageSize).
	PageBits = 12
	// PageSize is the guest page size.
	PageSize = 1 << PageBits
	// PageMask selects the offset within a page.
	PageMask = PageSize - 1

	// PointerTagBit is the lowest bit of the software tracking tag of a page table entry.
	PointerTagBit = 62

	// PteAddressMask selects the host page pointer of a page table entry.
	PteAddressMask = 1<<48 - 1

	pteTagMask = ^uint64(PteAddressMask)

	// PteWriteTracked tags a page whose writes must be signaled.
	PteWriteTracked = 2 << PointerTagBit
	// PteReadWriteTracked tags a page whose reads and writes must be signaled.
	PteReadWriteTracked = 3 << PointerTagBit
)

// Protection is the set of accesses allowed on a page without signaling the tracking handler.
// The host types enforce it with the page protection of the host memory.
type Protection = hostmem.Protection

const (
	ProtectionNone  = hostmem.ProtectionNone
	ProtectionRead  = hostmem.ProtectionRead
	ProtectionWrite = hostmem.ProtectionWrite

	ProtectionReadAndWrite = hostmem.ProtectionReadWrite
)

// TrackingHandler is called when a tracked page is accessed. It typically reprotects the range
// with Manager.TrackingReprotect so that the access can proceed.
type TrackingHandler func(va, size uint64, write bool)

var (
	// ErrInvalidAddressSpace is returned by NewManager for an unsupported address space width.
	ErrInvalidAddressSpace = errors.New("invalid address space width")
	// ErrUnaligned is returned when a mapping is not page aligned.
	ErrUnaligned = errors.New("range is not page aligned")
)

// InvalidAccessError is the guest visible fault raised by an access to unmapped guest memory.
type InvalidAccessError struct {
	Address uint64
}

// Error implements error.Error.
func (e *InvalidAccessError) Error() string {
	return fmt.Sprintf("invalid memory access at virtual address %#x", e.Address)
}

// Manager owns the guest address space of one guest process. It is safe for concurrent use.
type Manager struct {
	mem  *hostmem.Memory
	typ  Type
	bits int

	// table is the software page table, or the host tracked offset table.
	table *hostmem.Region
	// reserve is the host mapped guest address space. Unmapped pages deny every access.
	reserve *hostmem.Region
	// guard is where the offset of an unmapped host tracked page points to. It denies every access.
	guard *hostmem.Region

	// mux serializes Map, Unmap and TrackingReprotect.
	mux sync.Mutex
	// mapped is the set of mapped guest page numbers of the host mapped and host tracked types.
	mapped sync.Map

	onTracking TrackingHandler
}

// Option configures a Manager.
type Option func(*Manager)

// WithTrackingHandler sets the handler called by SignalMemoryTracking.
func WithTrackingHandler(h TrackingHandler) Option {
	return func(m *Manager) { m.onTracking = h }
}

// MaxAddressSpaceBits returns the widest address space NewManager accepts for typ. The host
// types reserve the whole guest address space in host memory.
func MaxAddressSpaceBits(typ Type) int {
	if typ.IsHostMappedOrTracked() {
		return 46
	}
	return 48
}

// NewManager reserves the translation structures for an address space of addressSpaceBits
// bits translated with typ.
func NewManager(mem *hostmem.Memory, typ Type, addressSpaceBits int, opts ...Option) (*Manager, error) {
	if addressSpaceBits < PageBits+1 || addressSpaceBits > MaxAddressSpaceBits(typ) {
		return nil, fmt.Errorf("%w: %d bits for %s", ErrInvalidAddressSpace, addressSpaceBits, typ)
	}
	m := &Manager{mem: mem, typ: typ, bits: addressSpaceBits}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	tableSize := (m.AddressSpaceSize() >> PageBits) * 8
	switch {
	case typ.IsHostMapped():
		if m.reserve, err = mem.Reserve(m.AddressSpaceSize()); err == nil {
			m.reserve.SetFaultHandler(m.hostFault(m.reserve.Base()))
		}
	case typ.IsHostTracked():
		if m.guard, err = mem.Reserve(m.AddressSpaceSize()); err == nil {
			m.guard.SetFaultHandler(m.hostFault(m.guard.Base()))
			m.table, err = mem.MapFilled(tableSize, m.guard.Base())
		}
	default:
		m.table, err = mem.Map(tableSize)
	}
	if err != nil {
		return nil, fmt.Errorf("reserve %s address space: %w", typ, err)
	}
	return m, nil
}

// hostFault returns the fault handler of host memory that emitted code reaches at va+bias for
// the guest address va. Denied accesses are signaled as accesses of the guest range.
func (m *Manager) hostFault(bias uint64) hostmem.FaultHandler {
	return func(addr uint64, size int, write bool) error {
		return m.SignalMemoryTracking(addr-bias, uint64(size), write)
	}
}

// Type returns the addressing Type of this manager.
func (m *Manager) Type() Type { return m.typ }

// AddressSpaceBits returns the width of the guest address space.
func (m *Manager) AddressSpaceBits() int { return m.bits }

// AddressSpaceSize returns the size of the guest address space in bytes.
func (m *Manager) AddressSpaceSize() uint64 { return 1 << m.bits }

// PageTablePointer is the host address emitted code translates through: the software page
// table, the host tracked offset table, or the base of the host mapped reservation.
func (m *Manager) PageTablePointer() uint64 {
	if m.reserve != nil {
		return m.reserve.Base()
	}
	return m.table.Base()
}

// Memory returns the host memory backing the guest address space.
func (m *Manager) Memory() *hostmem.Memory { return m.mem }

func (m *Manager) pteAddress(va uint64) uint64 {
	return m.table.Base() + (va>>PageBits)*8
}

func (m *Manager) validRange(va, size uint64) bool {
	end := va + size
	return end >= va && end <= m.AddressSpaceSize()
}

// Map maps size bytes of fresh zeroed host memory at the guest address va.
func (m *Manager) Map(va, size uint64) error {
	if va&PageMask != 0 || size&PageMask != 0 {
		return fmt.Errorf("map %#x+%#x: %w", va, size, ErrUnaligned)
	}
	if !m.validRange(va, size) {
		return &InvalidAccessError{Address: va}
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	if m.typ.IsHostMapped() {
		host := m.reserve.Base() + va
		if err := m.mem.Decommit(host, size); err != nil {
			return err
		}
		if err := m.mem.Protect(host, size, ProtectionReadAndWrite); err != nil {
			return err
		}
		for page := va; page < va+size; page += PageSize {
			m.mapped.Store(page>>PageBits, struct{}{})
		}
		return nil
	}

	backing, err := m.mem.Map(size)
	if err != nil {
		return fmt.Errorf("map %#x+%#x: %w", va, size, err)
	}
	if m.typ.IsHostTracked() {
		backing.SetFaultHandler(m.hostFault(backing.Base() - va))
	}
	for off := uint64(0); off < size; off += PageSize {
		entry := backing.Base() + off
		if m.typ.IsHostTracked() {
			// Emitted code adds the entry to the guest address.
			entry -= va + off
			m.mapped.Store((va+off)>>PageBits, struct{}{})
		}
		if err = m.mem.AtomicStore(m.pteAddress(va+off), 8, entry, 0); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes the mapping of size bytes at the guest address va.
func (m *Manager) Unmap(va, size uint64) error {
	if va&PageMask != 0 || size&PageMask != 0 {
		return fmt.Errorf("unmap %#x+%#x: %w", va, size, ErrUnaligned)
	}
	if !m.validRange(va, size) {
		return &InvalidAccessError{Address: va}
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	if m.typ.IsHostMapped() {
		if err := m.mem.Protect(m.reserve.Base()+va, size, ProtectionNone); err != nil {
			return err
		}
	}
	var unmapped uint64
	if m.guard != nil {
		unmapped = m.guard.Base()
	}
	for page := va; page < va+size; page += PageSize {
		m.mapped.Delete(page >> PageBits)
		if m.table != nil {
			if err := m.mem.AtomicStore(m.pteAddress(page), 8, unmapped, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsMapped returns true if the page containing va is mapped.
func (m *Manager) IsMapped(va uint64) bool {
	if !m.validRange(va, 1) {
		return false
	}
	if m.typ != TypeSoftwarePageTable {
		_, ok := m.mapped.Load(va >> PageBits)
		return ok
	}
	pte, _, err := m.mem.AtomicLoad(m.pteAddress(va), 8)
	return err == nil && pte&PteAddressMask != 0
}

// Translate returns the host address of the guest address va.
func (m *Manager) Translate(va uint64) (uint64, error) {
	if !m.IsMapped(va) {
		return 0, &InvalidAccessError{Address: va}
	}
	switch {
	case m.typ.IsHostMapped():
		return m.reserve.Base() + va, nil
	case m.typ.IsHostTracked():
		offset, _, err := m.mem.AtomicLoad(m.pteAddress(va), 8)
		return va + offset, err
	default:
		pte, _, err := m.mem.AtomicLoad(m.pteAddress(va), 8)
		return pte&PteAddressMask + va&PageMask, err
	}
}

// TrackingReprotect sets the accesses allowed without signaling on the given range.
// Protection is inverted into the software tags, since untracked entries have a zero tag.
func (m *Manager) TrackingReprotect(va, size uint64, protection Protection) error {
	if !m.validRange(va, size) {
		return &InvalidAccessError{Address: va}
	}
	end := (va + size + PageMask) &^ PageMask
	va &^= PageMask

	m.mux.Lock()
	defer m.mux.Unlock()
	if m.typ != TypeSoftwarePageTable {
		for page := va; page < end; page += PageSize {
			if !m.IsMapped(page) {
				continue
			}
			host, err := m.Translate(page)
			if err != nil {
				return err
			}
			if err = m.mem.Protect(host, PageSize, protection); err != nil {
				return err
			}
		}
		return nil
	}

	var tag uint64
	switch ^protection & ProtectionReadAndWrite {
	case ProtectionNone:
		tag = 0
	case ProtectionWrite:
		tag = PteWriteTracked
	default:
		tag = PteReadWriteTracked
	}
	for page := va; page < end; page += PageSize {
		addr := m.pteAddress(page)
		for {
			pte, _, err := m.mem.AtomicLoad(addr, 8)
			if err != nil {
				return err
			}
			if pte == 0 {
				break
			}
			if old, _, err := m.mem.AtomicCas(addr, 8, pte, 0, pte&^pteTagMask|tag, 0); err != nil {
				return err
			} else if old == pte {
				break
			}
		}
	}
	return nil
}

// trackedFor returns true if an access of the given direction to the page containing va must be signaled.
func (m *Manager) trackedFor(va uint64, write bool) (bool, error) {
	if m.typ != TypeSoftwarePageTable {
		host, err := m.Translate(va)
		if err != nil {
			return false, err
		}
		allowed := ProtectionRead
		if write {
			allowed = ProtectionWrite
		}
		return m.mem.Protection(host)&allowed == 0, nil
	}
	pte, _, err := m.mem.AtomicLoad(m.pteAddress(va), 8)
	if err != nil {
		return false, err
	}
	tag := pte & pteTagMask
	if write {
		return tag != 0, nil
	}
	return tag == PteReadWriteTracked, nil
}

// SignalMemoryTracking calls the tracking handler if any page of the range is tracked for the
// given access direction. The range must be mapped.
func (m *Manager) SignalMemoryTracking(va, size uint64, write bool) error {
	if size == 0 {
		return nil
	}
	if !m.validRange(va, size) {
		return &InvalidAccessError{Address: va}
	}
	signal := false
	for page := va &^ PageMask; page < va+size; page += PageSize {
		if !m.IsMapped(page) {
			return &InvalidAccessError{Address: max(page, va)}
		}
		tracked, err := m.trackedFor(page, write)
		if err != nil {
			return err
		}
		signal = signal || tracked
	}
	if signal && m.onTracking != nil {
		m.onTracking(va, size, write)
	}
	return nil
}

// Read reads size bytes (1, 2, 4, 8 or 16) at the guest address va, signaling tracking and
// handling accesses that cross pages. Host page protection is bypassed once signaled.
func (m *Manager) Read(va uint64, size int) (lo, hi uint64, err error) {
	if err = m.SignalMemoryTracking(va, uint64(size), false); err != nil {
		return
	}
	if va&PageMask+uint64(size) <= PageSize {
		host, err := m.Translate(va)
		if err != nil {
			return 0, 0, err
		}
		return m.mem.Mirror().Load(host, size)
	}

	buf := make([]byte, size)
	if err = m.readBytes(va, buf); err != nil {
		return
	}
	for i := 0; i < size && i < 8; i++ {
		lo |= uint64(buf[i]) << (8 * i)
	}
	for i := 8; i < size; i++ {
		hi |= uint64(buf[i]) << (8 * (i - 8))
	}
	return lo, hi, nil
}

// Write writes the low size bytes (1, 2, 4, 8 or 16) of lo:hi at the guest address va, signaling
// tracking and handling accesses that cross pages.
func (m *Manager) Write(va uint64, size int, lo, hi uint64) error {
	if err := m.SignalMemoryTracking(va, uint64(size), true); err != nil {
		return err
	}
	if va&PageMask+uint64(size) <= PageSize {
		host, err := m.Translate(va)
		if err != nil {
			return err
		}
		return m.mem.Mirror().Store(host, size, lo, hi)
	}

	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		if i < 8 {
			buf[i] = byte(lo >> (8 * i))
		} else {
			buf[i] = byte(hi >> (8 * (i - 8)))
		}
	}
	return m.writeBytes(va, buf)
}

// ReadBytes copies len(buf) bytes at the guest address va into buf.
func (m *Manager) ReadBytes(va uint64, buf []byte) error {
	if err := m.SignalMemoryTracking(va, uint64(len(buf)), false); err != nil {
		return err
	}
	return m.readBytes(va, buf)
}

// WriteBytes copies buf to the guest address va.
func (m *Manager) WriteBytes(va uint64, buf []byte) error {
	if err := m.SignalMemoryTracking(va, uint64(len(buf)), true); err != nil {
		return err
	}
	return m.writeBytes(va, buf)
}

// forEachPage calls fn with the host address of every page sized chunk of [va, va+size).
func (m *Manager) forEachPage(va uint64, size int, fn func(host uint64, from, to int) error) error {
	for done := 0; done < size; {
		cur := va + uint64(done)
		n := int(PageSize - cur&PageMask)
		if n > size-done {
			n = size - done
		}
		host, err := m.Translate(cur)
		if err != nil {
			return err
		}
		if err = fn(host, done, done+n); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (m *Manager) readBytes(va uint64, buf []byte) error {
	return m.forEachPage(va, len(buf), func(host uint64, from, to int) error {
		return m.mem.Mirror().ReadBytes(host, buf[from:to])
	})
}

func (m *Manager) writeBytes(va uint64, buf []byte) error {
	return m.forEachPage(va, len(buf), func(host uint64, from, to int) error {
		return m.mem.Mirror().WriteBytes(host, buf[from:to])
	})
}
