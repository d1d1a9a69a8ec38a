package guestjit

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tetratelabs/guestjit/internal/emitter"
	"github.com/tetratelabs/guestjit/internal/memory"
)

// Options is the serializable form of TranslatorConfig, read from a YAML file and the environment.
type Options struct {
	MemoryType        memory.Type  `yaml:"memoryType" envconfig:"GUESTJIT_MEMORY_TYPE"`
	AddressSpaceBits  int          `yaml:"addressSpaceBits" envconfig:"GUESTJIT_ADDRESS_SPACE_BITS"`
	Mode              emitter.Mode `yaml:"mode" envconfig:"GUESTJIT_MODE"`
	StrictExclusive   bool         `yaml:"strictExclusive" envconfig:"GUESTJIT_STRICT_EXCLUSIVE"`
	SyncInterval      uint32       `yaml:"syncInterval" envconfig:"GUESTJIT_SYNC_INTERVAL"`
	FunctionTableBits int          `yaml:"functionTableBits" envconfig:"GUESTJIT_FUNCTION_TABLE_BITS"`
	MaxCallDepth      int          `yaml:"maxCallDepth" envconfig:"GUESTJIT_MAX_CALL_DEPTH"`
	Workers           int          `yaml:"workers" envconfig:"GUESTJIT_WORKERS"`
	TieredCompilation bool         `yaml:"tieredCompilation" envconfig:"GUESTJIT_TIERED_COMPILATION"`
}

// ErrInvalidOptions is wrapped by every error returned from Options.Validate.
var ErrInvalidOptions = errors.New("invalid options")

// NewOptions returns the options of NewTranslatorConfig.
func NewOptions() Options {
	c := defaultConfig
	return Options{
		MemoryType:        c.memoryType,
		AddressSpaceBits:  c.addressSpaceBits,
		Mode:              c.mode,
		StrictExclusive:   c.strictExclusive,
		SyncInterval:      c.syncInterval,
		FunctionTableBits: c.functionTableBits,
		MaxCallDepth:      c.maxCallDepth,
		Workers:           c.workers,
		TieredCompilation: c.tieredCompilation,
	}
}

// LoadOptions consolidates the defaults, the YAML file at path when not empty, and the
// GUESTJIT_ environment variables, in that order of precedence from lowest to highest.
func LoadOptions(path string) (Options, error) {
	opts := NewOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("", &opts); err != nil {
		return opts, fmt.Errorf("read environment: %w", err)
	}
	return opts, opts.Validate()
}

// Validate returns an error wrapping ErrInvalidOptions for out of range values.
func (o Options) Validate() error {
	switch {
	case o.AddressSpaceBits <= memory.PageBits || o.AddressSpaceBits > memory.MaxAddressSpaceBits(o.MemoryType):
		return fmt.Errorf("%w: address space bits %d not in (%d, %d] for %s memory", ErrInvalidOptions,
			o.AddressSpaceBits, memory.PageBits, memory.MaxAddressSpaceBits(o.MemoryType), o.MemoryType)
	case o.FunctionTableBits < 16 || o.FunctionTableBits > 64:
		return fmt.Errorf("%w: function table bits %d not in [16, 64]", ErrInvalidOptions, o.FunctionTableBits)
	case o.MaxCallDepth <= 0:
		return fmt.Errorf("%w: max call depth %d", ErrInvalidOptions, o.MaxCallDepth)
	case o.Workers <= 0:
		return fmt.Errorf("%w: workers %d", ErrInvalidOptions, o.Workers)
	}
	return nil
}

// Config applies the options over c.
func (o Options) Config(c *TranslatorConfig) *TranslatorConfig {
	return c.WithMemoryType(o.MemoryType).
		WithAddressSpaceBits(o.AddressSpaceBits).
		WithMode(o.Mode).
		WithStrictExclusiveMonitor(o.StrictExclusive).
		WithSyncInterval(o.SyncInterval).
		WithFunctionTableBits(o.FunctionTableBits).
		WithMaxCallDepth(o.MaxCallDepth).
		WithWorkers(o.Workers).
		WithTieredCompilation(o.TieredCompilation)
}
