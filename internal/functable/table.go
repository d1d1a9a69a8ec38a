// Package functable implements the process wide map from guest code addresses to host entry
// points. Slots live in host memory so that emitted code can load them atomically, and every
// slot that was never published holds the fill value, the address of the dispatch stub.
package functable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/guestjit/internal/hostmem"
	"github.com/tetratelabs/guestjit/internal/nativeapi"
)

// leafBits is log2 of the number of slots per leaf.
const leafBits = 12

// ErrInvalidAddress is returned for guest addresses outside the table range or misaligned.
var ErrInvalidAddress = errors.New("address not covered by the function table")

// Table is the function table. It is safe for concurrent use.
type Table struct {
	mem           *hostmem.Memory
	addressBits   int
	alignmentBits int
	fill          uint64

	// mux serializes leaf allocation.
	mux sync.Mutex
	// leaves maps a leaf index to its *hostmem.Region.
	leaves sync.Map
	count  int
}

// New returns a Table covering guest addresses below 1<<addressBits whose low alignmentBits
// bits are zero. Unpublished slots read as fill.
func New(mem *hostmem.Memory, addressBits, alignmentBits int, fill uint64) (*Table, error) {
	if addressBits <= alignmentBits+leafBits || addressBits > 64 || alignmentBits < 0 {
		return nil, fmt.Errorf("function table of %d address bits aligned to %d bits: %w", addressBits, alignmentBits, ErrInvalidAddress)
	}
	return &Table{mem: mem, addressBits: addressBits, alignmentBits: alignmentBits, fill: fill}, nil
}

// Fill returns the value of unpublished slots.
func (t *Table) Fill() uint64 {
	return t.fill
}

// IsValid returns true if addr has a slot in this table.
func (t *Table) IsValid(addr uint64) bool {
	if t.addressBits < 64 && addr>>t.addressBits != 0 {
		return false
	}
	return addr&(1<<t.alignmentBits-1) == 0
}

// Leaves returns the number of allocated leaves.
func (t *Table) Leaves() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.count
}

func (t *Table) split(addr uint64) (leaf, slot uint64) {
	index := addr >> t.alignmentBits
	return index >> leafBits, index & (1<<leafBits - 1)
}

func (t *Table) leaf(index uint64, allocate bool) (*hostmem.Region, error) {
	if r, ok := t.leaves.Load(index); ok {
		return r.(*hostmem.Region), nil
	}
	if !allocate {
		return nil, nil
	}

	t.mux.Lock()
	defer t.mux.Unlock()
	if r, ok := t.leaves.Load(index); ok {
		return r.(*hostmem.Region), nil
	}
	r, err := t.mem.MapFilled(8<<leafBits, t.fill)
	if err != nil {
		return nil, fmt.Errorf("allocate function table leaf: %w", err)
	}
	t.leaves.Store(index, r)
	t.count++
	return r, nil
}

// SlotAddress returns the host address of the slot of addr, allocating its leaf if needed.
// Emitted code loads the slot atomically at this address.
func (t *Table) SlotAddress(addr uint64) (uint64, error) {
	if !t.IsValid(addr) {
		return 0, fmt.Errorf("%#x: %w", addr, ErrInvalidAddress)
	}
	leaf, slot := t.split(addr)
	r, err := t.leaf(leaf, true)
	if err != nil {
		return 0, err
	}
	return r.Base() + slot*8, nil
}

// Load returns the entry of addr, or Fill if none was published.
func (t *Table) Load(addr uint64) uint64 {
	if !t.IsValid(addr) {
		return t.fill
	}
	leaf, slot := t.split(addr)
	r, _ := t.leaf(leaf, false)
	if r == nil {
		return t.fill
	}
	v, _, err := t.mem.AtomicLoad(r.Base()+slot*8, 8)
	if err != nil {
		return t.fill
	}
	return v
}

// Store publishes entry as the host entry point of addr with a single atomic store.
func (t *Table) Store(addr, entry uint64) error {
	slot, err := t.SlotAddress(addr)
	if err != nil {
		return err
	}
	if nativeapi.PrintTableUpdates {
		fmt.Printf("[functable] %#x -> %#x\n", addr, entry)
	}
	return t.mem.AtomicStore(slot, 8, entry, 0)
}

// Invalidate resets the slots of [addr, addr+size) to Fill.
func (t *Table) Invalidate(addr, size uint64) error {
	step := uint64(1) << t.alignmentBits
	for cur := addr &^ (step - 1); cur < addr+size; cur += step {
		if !t.IsValid(cur) {
			return nil
		}
		leaf, slot := t.split(cur)
		r, _ := t.leaf(leaf, false)
		if r == nil {
			// Skip the whole leaf.
			cur = ((leaf+1)<<leafBits)<<t.alignmentBits - step
			continue
		}
		if err := t.mem.AtomicStore(r.Base()+slot*8, 8, t.fill, 0); err != nil {
			return err
		}
	}
	return nil
}
