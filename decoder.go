package guestjit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/guestjit/internal/emitter"
)

// ErrNoCode is returned by decoders when there is no guest code at the requested address.
var ErrNoCode = errors.New("no guest code")

// Decoder decodes the guest code of one translation unit.
type Decoder interface {
	// Decode returns the blocks reachable from address, in ascending address order. Blocks the
	// unit does not translate are marked emitter.Block.Exit.
	Decode(address uint64, mode emitter.Mode) ([]emitter.Block, error)
}

// DecoderFunc is a Decoder implemented by a function.
type DecoderFunc func(address uint64, mode emitter.Mode) ([]emitter.Block, error)

// Decode implements Decoder.Decode.
func (f DecoderFunc) Decode(address uint64, mode emitter.Mode) ([]emitter.Block, error) {
	return f(address, mode)
}

// Program is a Decoder of pre-decoded units keyed by their entry address. It is safe for
// concurrent use.
type Program struct {
	mux   sync.RWMutex
	units map[uint64][]emitter.Block
}

// NewProgram returns an empty Program.
func NewProgram() *Program {
	return &Program{units: map[uint64][]emitter.Block{}}
}

// Add sets the blocks of the unit at address.
func (p *Program) Add(address uint64, blocks ...emitter.Block) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.units[address] = blocks
}

// Decode implements Decoder.Decode.
func (p *Program) Decode(address uint64, _ emitter.Mode) ([]emitter.Block, error) {
	p.mux.RLock()
	defer p.mux.RUnlock()
	blocks, ok := p.units[address]
	if !ok {
		return nil, fmt.Errorf("%w at %#x", ErrNoCode, address)
	}
	return blocks, nil
}
