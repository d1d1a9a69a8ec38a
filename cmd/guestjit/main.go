package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tetratelabs/guestjit/internal/version"
)

func main() {
	os.Exit(doMain(os.Args[1:], os.Stdout, os.Stderr))
}

// doMain is separated out for the purpose of unit testing.
func doMain(args []string, stdOut, stdErr io.Writer) int {
	root := newRootCmd(stdOut, stdErr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, "error:", err)
		return 1
	}
	return 0
}

type globalState struct {
	stdOut, stdErr io.Writer
	logger         *logrus.Logger
	logLevel       string
}

func newRootCmd(stdOut, stdErr io.Writer) *cobra.Command {
	gs := &globalState{stdOut: stdOut, stdErr: stdErr, logger: logrus.New()}
	gs.logger.SetOutput(stdErr)

	root := &cobra.Command{
		Use:           "guestjit",
		Short:         "Inspect the IR emitted for guest code",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			lvl, err := logrus.ParseLevel(gs.logLevel)
			if err != nil {
				return err
			}
			gs.logger.SetLevel(lvl)
			return nil
		},
	}
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	root.PersistentFlags().StringVar(&gs.logLevel, "log-level", "warning", "log level: debug, info, warning or error")

	root.AddCommand(getCmdDump(gs), getCmdVersion(gs))
	return root
}

func getCmdVersion(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			_, err := fmt.Fprintln(gs.stdOut, version.GetVersion())
			return err
		},
	}
}
