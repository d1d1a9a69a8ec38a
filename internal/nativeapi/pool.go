package nativeapi

// Pool allocates the T of one translation unit in pages of pageSize items. The pages are
// reused by the next unit after Reset, or handed over to a finalized unit with Detach.
type Pool[T any] struct {
	pageSize  int
	pages     [][]T
	allocated int
}

// NewPool returns an empty Pool allocating pageSize items at a time.
func NewPool[T any](pageSize int) Pool[T] {
	if pageSize <= 0 {
		panic("BUG: pool page size must be positive")
	}
	return Pool[T]{pageSize: pageSize}
}

// Allocated returns the number of T allocated since the last Reset or Detach.
func (p *Pool[T]) Allocated() int {
	return p.allocated
}

// Allocate returns a zeroed T.
func (p *Pool[T]) Allocate() *T {
	page, index := p.allocated/p.pageSize, p.allocated%p.pageSize
	if page == len(p.pages) {
		p.pages = append(p.pages, make([]T, p.pageSize))
	}
	p.allocated++
	return &p.pages[page][index]
}

// View returns the i-th allocated T.
func (p *Pool[T]) View(i int) *T {
	return &p.pages[i/p.pageSize][i%p.pageSize]
}

// Reset zeroes the allocated T so that the next unit reuses them.
func (p *Pool[T]) Reset() {
	var zero T
	for i := 0; i < p.allocated; i++ {
		*p.View(i) = zero
	}
	p.allocated = 0
}

// Detach leaves the allocated T to whoever still references them: they are neither zeroed
// nor reused, and the next allocations use fresh pages.
func (p *Pool[T]) Detach() {
	p.pages = nil
	p.allocated = 0
}
