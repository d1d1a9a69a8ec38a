package guestjit

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/guestjit/internal/emitter"
	"github.com/tetratelabs/guestjit/internal/memory"
)

// TranslatorConfig controls translator behavior, with the default implementation as NewTranslatorConfig.
type TranslatorConfig struct {
	memoryType       memory.Type
	addressSpaceBits int
	mode             emitter.Mode
	strictExclusive  bool
	// syncInterval is the number of synchronization points between two checks. Zero disables them.
	syncInterval      uint32
	functionTableBits int
	maxCallDepth      int
	workers           int
	tieredCompilation bool
	trackingHandler   memory.TrackingHandler
	logger            logrus.FieldLogger
}

// defaultSyncInterval matches the countdown a guest thread gets between interrupt checks.
const defaultSyncInterval = 1 << 14

var defaultConfig = &TranslatorConfig{
	memoryType:        memory.TypeSoftwarePageTable,
	addressSpaceBits:  39,
	mode:              emitter.ModeAarch64,
	syncInterval:      defaultSyncInterval,
	functionTableBits: 39,
	maxCallDepth:      1 << 12,
	workers:           4,
	tieredCompilation: true,
	logger:            discardLogger(),
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// NewTranslatorConfig returns the default configuration: a 39-bit aarch64 guest translated
// through the software page table.
func NewTranslatorConfig() *TranslatorConfig {
	return defaultConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *TranslatorConfig) clone() *TranslatorConfig {
	ret := *c
	return &ret
}

// WithMemoryType sets how emitted code translates guest addresses. Defaults to
// memory.TypeSoftwarePageTable.
func (c *TranslatorConfig) WithMemoryType(typ memory.Type) *TranslatorConfig {
	ret := c.clone()
	ret.memoryType = typ
	return ret
}

// WithAddressSpaceBits sets the width of the guest address space. Defaults to 39.
//
// Note: aarch32 guests always use 32 bits, and values above this are lowered to 32.
func (c *TranslatorConfig) WithAddressSpaceBits(bits int) *TranslatorConfig {
	ret := c.clone()
	ret.addressSpaceBits = bits
	return ret
}

// WithMode sets the execution mode of the guest. Defaults to emitter.ModeAarch64.
func (c *TranslatorConfig) WithMode(mode emitter.Mode) *TranslatorConfig {
	ret := c.clone()
	ret.mode = mode
	return ret
}

// WithStrictExclusiveMonitor makes exclusive stores fail unless the location is unchanged since
// the matching exclusive load. Defaults to false: exclusive stores always succeed.
func (c *TranslatorConfig) WithStrictExclusiveMonitor(enabled bool) *TranslatorConfig {
	ret := c.clone()
	ret.strictExclusive = enabled
	return ret
}

// WithSyncInterval sets how many unit entries and backward branches a guest thread runs
// between two synchronization checks. Zero disables synchronization, so that only returns to
// the dispatcher observe ExecutionContext.StopRunning.
func (c *TranslatorConfig) WithSyncInterval(interval uint32) *TranslatorConfig {
	ret := c.clone()
	ret.syncInterval = interval
	return ret
}

// WithFunctionTableBits sets the guest address range covered by the function table. Transfers
// to addresses above it always go through the dispatch stub. Defaults to 39.
func (c *TranslatorConfig) WithFunctionTableBits(bits int) *TranslatorConfig {
	ret := c.clone()
	ret.functionTableBits = bits
	return ret
}

// WithMaxCallDepth limits the nesting of guest calls per thread. Defaults to 4096.
func (c *TranslatorConfig) WithMaxCallDepth(depth int) *TranslatorConfig {
	ret := c.clone()
	ret.maxCallDepth = depth
	return ret
}

// WithWorkers sets the number of goroutines Translator.Precompile translates with. Defaults to 4.
func (c *TranslatorConfig) WithWorkers(workers int) *TranslatorConfig {
	ret := c.clone()
	ret.workers = workers
	return ret
}

// WithTieredCompilation translates units without optimizations first, and translates the
// units called often enough again with optimizations on background goroutines while guest
// threads run. Disabled, every unit is translated once with optimizations. Defaults to true.
//
// Note: the number of background goroutines is the one set by WithWorkers.
func (c *TranslatorConfig) WithTieredCompilation(enabled bool) *TranslatorConfig {
	ret := c.clone()
	ret.tieredCompilation = enabled
	return ret
}

// WithTrackingHandler sets the handler called when guest code accesses a tracked page.
func (c *TranslatorConfig) WithTrackingHandler(h memory.TrackingHandler) *TranslatorConfig {
	ret := c.clone()
	ret.trackingHandler = h
	return ret
}

// WithLogger sets the logger of translation events. Defaults to a logger discarding everything.
func (c *TranslatorConfig) WithLogger(logger logrus.FieldLogger) *TranslatorConfig {
	if logger == nil {
		logger = discardLogger()
	}
	ret := c.clone()
	ret.logger = logger
	return ret
}

// effectiveAddressBits returns the width of guest addresses in the configured mode.
func (c *TranslatorConfig) effectiveAddressBits(bits int) int {
	if c.mode == emitter.ModeAarch32 && bits > 32 {
		return 32
	}
	return bits
}
