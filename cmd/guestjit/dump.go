package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tetratelabs/guestjit"
	"github.com/tetratelabs/guestjit/internal/emitter"
	"github.com/tetratelabs/guestjit/internal/memory"
)

type dumpCmd struct {
	gs *globalState

	configPath      string
	mode            string
	memoryType      string
	bits            int
	address         uint64
	strictExclusive bool
	syncInterval    uint32
	tiered          bool
}

func (c *dumpCmd) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVarP(&c.configPath, "config", "c", "", "YAML config file, overridden by GUESTJIT_ environment variables and flags")
	flags.StringVar(&c.mode, "mode", "aarch64", "guest execution mode: aarch64 or aarch32")
	flags.StringVar(&c.memoryType, "memory-type", "software", "address translation: software, host-mapped, host-mapped-unsafe, host-tracked or host-tracked-unsafe")
	flags.IntVar(&c.bits, "bits", 39, "guest address space width")
	flags.Uint64Var(&c.address, "address", 0x1000, "guest address of the sample unit")
	flags.BoolVar(&c.strictExclusive, "strict-exclusive", false, "fail exclusive stores to changed locations")
	flags.Uint32Var(&c.syncInterval, "sync-interval", 1<<14, "synchronization countdown, 0 disables synchronization")
	flags.BoolVar(&c.tiered, "tiered", true, "count calls for an optimized translation, false prints the optimized unit")
	return flags
}

// options consolidates the config file and environment with the flags set on the command line.
func (c *dumpCmd) options(flags *pflag.FlagSet) (guestjit.Options, error) {
	opts, err := guestjit.LoadOptions(c.configPath)
	if err != nil {
		return opts, err
	}
	if flags.Changed("mode") {
		if opts.Mode, err = emitter.ParseMode(c.mode); err != nil {
			return opts, err
		}
	}
	if flags.Changed("memory-type") {
		if opts.MemoryType, err = memory.ParseType(c.memoryType); err != nil {
			return opts, err
		}
	}
	if flags.Changed("bits") {
		opts.AddressSpaceBits = c.bits
	}
	if flags.Changed("strict-exclusive") {
		opts.StrictExclusive = c.strictExclusive
	}
	if flags.Changed("sync-interval") {
		opts.SyncInterval = c.syncInterval
	}
	if flags.Changed("tiered") {
		opts.TieredCompilation = c.tiered
	}
	return opts, opts.Validate()
}

func (c *dumpCmd) run(cmd *cobra.Command, _ []string) error {
	opts, err := c.options(cmd.Flags())
	if err != nil {
		return err
	}
	logger := c.gs.logger.WithField("component", "dump")
	config := opts.Config(guestjit.NewTranslatorConfig()).WithLogger(logger)

	program := guestjit.NewProgram()
	program.Add(c.address, sampleUnit(c.address)...)
	t, err := guestjit.NewTranslator(program, config)
	if err != nil {
		return err
	}
	f, err := t.Translate(c.address)
	if err != nil {
		return err
	}

	logger.WithField("guest_address", fmt.Sprintf("%#x", c.address)).
		WithField("mode", opts.Mode.String()).
		WithField("memory_type", opts.MemoryType.String()).
		Info("translated sample unit")
	for _, blk := range sampleUnit(c.address) {
		for _, op := range blk.OpCodes {
			if _, err = fmt.Fprintf(c.gs.stdOut, "; %s\n", op); err != nil {
				return err
			}
		}
	}
	_, err = fmt.Fprint(c.gs.stdOut, f.Function.Format())
	return err
}

func getCmdDump(gs *globalState) *cobra.Command {
	c := &dumpCmd{gs: gs}
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the IR of a sample guest unit",
		Long: `Translate a sample unit exercising guest memory accesses, exclusive accesses,
barriers, a backward branch, a call and a return, and print its IR.`,
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	cmd.Flags().AddFlagSet(c.flagSet())
	return cmd
}
