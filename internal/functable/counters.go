package functable

import (
	"fmt"
	"sync"

	"github.com/tetratelabs/guestjit/internal/hostmem"
)

// counterSize is the size of a call counter in bytes.
const counterSize = 4

// Counters hands out the 32-bit call counters of units translated at the low tier. Counters
// live in host memory so that emitted code increments them in place. It is safe for
// concurrent use.
type Counters struct {
	mem *hostmem.Memory

	mux   sync.Mutex
	pages []*hostmem.Region
	// next is the first unused counter of the last page, and end is the end of that page.
	next, end uint64
	free      []uint64
}

// NewCounters returns an empty Counters allocating from mem.
func NewCounters(mem *hostmem.Memory) *Counters {
	return &Counters{mem: mem}
}

// Allocate returns the host address of a counter holding zero.
func (c *Counters) Allocate() (uint64, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if n := len(c.free); n > 0 {
		addr := c.free[n-1]
		c.free = c.free[:n-1]
		return addr, c.mem.Store(addr, counterSize, 0, 0)
	}
	if c.next == c.end {
		r, err := c.mem.Map(hostmem.PageSize)
		if err != nil {
			return 0, fmt.Errorf("allocate call counters: %w", err)
		}
		c.pages = append(c.pages, r)
		c.next, c.end = r.Base(), r.End()
	}
	addr := c.next
	c.next += counterSize
	return addr, nil
}

// Free makes the counter at addr available to Allocate. Code using it must not run anymore.
func (c *Counters) Free(addr uint64) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.free = append(c.free, addr)
}

// Load returns the value of the counter at addr.
func (c *Counters) Load(addr uint64) (uint32, error) {
	v, _, err := c.mem.Load(addr, counterSize)
	return uint32(v), err
}

// Reset sets the counter at addr back to zero.
func (c *Counters) Reset(addr uint64) error {
	return c.mem.Store(addr, counterSize, 0, 0)
}

// Allocated returns the number of counters in use.
func (c *Counters) Allocated() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	if len(c.pages) == 0 {
		return 0
	}
	perPage := int(hostmem.PageSize / counterSize)
	used := (len(c.pages)-1)*perPage + int(c.next-c.pages[len(c.pages)-1].Base())/counterSize
	return used - len(c.free)
}

// Clear releases every counter and its host memory.
func (c *Counters) Clear() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, r := range c.pages {
		if err := c.mem.Unmap(r.Base()); err != nil {
			return err
		}
	}
	c.pages, c.free = nil, nil
	c.next, c.end = 0, 0
	return nil
}
